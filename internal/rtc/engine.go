// Package rtc implements the negotiation engine over pion: one
// PeerConnection per call attempt, role-bound, exchanging a single full
// session description each way (no trickle; candidates are gathered before
// the description is surfaced, so signaling stays a two-write handshake).
package rtc

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/mboers/dyad/internal/call"
	"github.com/mboers/dyad/internal/media"
)

// Engine satisfies call.Engine. Use New as the manager's EngineFactory.
type Engine struct {
	role call.Role
	pc   *webrtc.PeerConnection
	ev   call.EngineEvents

	mu          sync.Mutex
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
	audioTrack  webrtc.TrackLocal
	videoTrack  webrtc.TrackLocal

	closeOnce sync.Once
}

// New builds the attempt's PeerConnection, attaches the local stream (or
// adds recvonly transceivers when there is none) and, for the initiator,
// starts producing the offer immediately. The responder waits for
// ApplyRemoteDescription.
func New(role call.Role, local media.Stream, ev call.EngineEvents) (call.Engine, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if cfg, ok := local.(media.EngineConfigurer); ok {
		cfg.ConfigureMediaEngine(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("rtc: register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("rtc: register interceptors: %w", err)
	}

	// Generous ICE timeouts so a brief NAT hiccup does not immediately
	// terminate the call. The default disconnectedTimeout is 5 s, too
	// short for paths that see short outages during re-keying.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("rtc: new peer connection: %w", err)
	}

	e := &Engine{role: role, pc: pc, ev: ev}

	if err := e.attachLocal(local); err != nil {
		pc.Close()
		return nil, err
	}

	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := media.TrackAudio
		if tr.Kind() == webrtc.RTPCodecTypeVideo {
			kind = media.TrackVideo
		}
		if e.ev.RemoteTrackArrived != nil {
			e.ev.RemoteTrackArrived(call.RemoteTrack{ID: tr.ID(), Kind: kind})
		}
		// Keep the receiver drained so RTCP feedback stays healthy; what
		// to do with the media is the embedder's concern.
		go func() {
			for {
				if _, _, err := tr.ReadRTP(); err != nil {
					return
				}
			}
		}()
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Printf("RTC: connection state %s", st)
		switch st {
		case webrtc.PeerConnectionStateConnected:
			if e.ev.Connected != nil {
				e.ev.Connected()
			}
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			if e.ev.Closed != nil {
				e.ev.Closed()
			}
		}
	})

	if role == call.RoleCaller {
		go e.produceOffer()
	}
	return e, nil
}

// attachLocal adds the stream's tracks as senders, padding missing kinds
// with recvonly transceivers so the SDP always has valid m-lines with ICE
// credentials.
func (e *Engine) attachLocal(local media.Stream) error {
	if local != nil {
		for _, t := range local.Tracks() {
			lt := t.Local()
			if lt == nil {
				continue
			}
			sender, err := e.pc.AddTrack(lt)
			if err != nil {
				return fmt.Errorf("rtc: add %s track: %w", t.Kind(), err)
			}
			e.mu.Lock()
			if t.Kind() == media.TrackVideo {
				e.videoSender, e.videoTrack = sender, lt
			} else {
				e.audioSender, e.audioTrack = sender, lt
			}
			e.mu.Unlock()
		}
	}

	e.mu.Lock()
	needVideo := e.videoSender == nil
	needAudio := e.audioSender == nil
	e.mu.Unlock()

	if needVideo {
		if _, err := e.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("rtc: add recvonly video transceiver: %w", err)
		}
	}
	if needAudio {
		if _, err := e.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("rtc: add recvonly audio transceiver: %w", err)
		}
	}
	return nil
}

// produceOffer creates the offer, waits for candidate gathering to finish
// and emits the one local-description event of this attempt.
func (e *Engine) produceOffer() {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		e.fail(fmt.Errorf("create offer: %w", err))
		return
	}
	e.emitLocalDescription(offer)
}

func (e *Engine) produceAnswer() {
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		e.fail(fmt.Errorf("create answer: %w", err))
		return
	}
	e.emitLocalDescription(answer)
}

func (e *Engine) emitLocalDescription(desc webrtc.SessionDescription) {
	gathered := webrtc.GatheringCompletePromise(e.pc)
	if err := e.pc.SetLocalDescription(desc); err != nil {
		e.fail(fmt.Errorf("set local description: %w", err))
		return
	}
	<-gathered

	blob, err := json.Marshal(e.pc.LocalDescription())
	if err != nil {
		e.fail(fmt.Errorf("marshal description: %w", err))
		return
	}
	if e.ev.LocalDescription != nil {
		e.ev.LocalDescription(string(blob))
	}
}

// ApplyRemoteDescription consumes the remote blob: the offer on a responder
// (which then produces its answer), the answer on an initiator. The
// exactly-once guarantee is the state machine's responsibility; this method
// does not re-validate.
func (e *Engine) ApplyRemoteDescription(blob string) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal([]byte(blob), &desc); err != nil {
		return fmt.Errorf("rtc: decode remote description: %w", err)
	}
	if err := e.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("rtc: set remote description: %w", err)
	}
	if e.role == call.RoleReceiver {
		go e.produceAnswer()
	}
	return nil
}

// SetOutgoingEnabled pauses or resumes an outgoing kind by swapping the
// sender's track out, which needs no renegotiation.
func (e *Engine) SetOutgoingEnabled(kind media.TrackKind, enabled bool) error {
	e.mu.Lock()
	sender := e.audioSender
	track := e.audioTrack
	if kind == media.TrackVideo {
		sender, track = e.videoSender, e.videoTrack
	}
	e.mu.Unlock()

	if sender == nil {
		return nil // nothing outgoing for this kind
	}
	if !enabled {
		track = nil
	}
	return sender.ReplaceTrack(track)
}

// ReplaceOutgoingVideoTrack swaps the outgoing video track (screen-share
// toggling) without tearing down the session. A nil track stops sending.
func (e *Engine) ReplaceOutgoingVideoTrack(t media.Track) error {
	e.mu.Lock()
	sender := e.videoSender
	e.mu.Unlock()
	if sender == nil {
		return fmt.Errorf("rtc: no outgoing video sender")
	}

	var lt webrtc.TrackLocal
	if t != nil {
		lt = t.Local()
	}
	if err := sender.ReplaceTrack(lt); err != nil {
		return fmt.Errorf("rtc: replace video track: %w", err)
	}

	// A later pause/resume cycle restores whatever is outgoing now.
	e.mu.Lock()
	e.videoTrack = lt
	e.mu.Unlock()
	return nil
}

func (e *Engine) fail(err error) {
	log.Printf("RTC: %v", err)
	if e.ev.Error != nil {
		e.ev.Error(err)
	}
}

// Close is idempotent.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		if err := e.pc.Close(); err != nil {
			log.Printf("RTC: close peer connection: %v", err)
		}
	})
}
