package call

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mboers/dyad/internal/media"
	"github.com/mboers/dyad/internal/signal"
)

// Attempt is the per-attempt owned mutable state: current state, apply-once
// guards, acquired streams, the engine and the ring timer. Every transition
// funnels through its mutex; the struct is dropped when the attempt ends.
type Attempt struct {
	mgr            *Manager
	id             string
	role           Role
	conversationID string
	otherParty     string

	mu          sync.Mutex
	state       State
	noMedia     bool
	local       media.Stream
	screen      media.Stream
	cameraVideo media.Track
	engine      Engine
	offer       string // receiver: blob captured at ring time, fed once

	// Apply-once guards. Snapshot delivery is at-least-once and unordered,
	// so these are mandatory, not hardening.
	offerApplied  bool
	answerApplied bool

	muted     bool
	cameraOff bool
	sharing   bool

	ringTimer  *time.Timer
	timerArmed bool

	connectedAt time.Time
	tornDown    bool
}

func newAttempt(m *Manager, role Role, conversationID, otherParty string) *Attempt {
	return &Attempt{
		mgr:            m,
		id:             uuid.NewString(),
		role:           role,
		conversationID: conversationID,
		otherParty:     otherParty,
	}
}

func (a *Attempt) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// installEngine stores the engine unless teardown already ran while it was
// being built, in which case the engine is closed on the spot so the peer
// connection cannot outlive the attempt. Reports whether the engine was kept.
func (a *Attempt) installEngine(e Engine) bool {
	a.mu.Lock()
	if a.tornDown {
		a.mu.Unlock()
		e.Close()
		return false
	}
	a.engine = e
	a.mu.Unlock()
	return true
}

// armRingTimer starts the caller's no-answer countdown. One timer per
// attempt; arming twice is a programming error and is refused.
func (a *Attempt) armRingTimer(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tornDown {
		return
	}
	if a.timerArmed {
		log.Printf("CALL [%s]: BUG: ring timer armed twice, ignoring", a.conversationID)
		return
	}
	a.timerArmed = true
	a.ringTimer = time.AfterFunc(d, a.onRingTimeout)
}

// engineEvents builds the callback set handed to the engine factory.
func (a *Attempt) engineEvents() EngineEvents {
	return EngineEvents{
		LocalDescription: a.onLocalDescription,
		RemoteTrackArrived: func(t RemoteTrack) {
			log.Printf("CALL [%s]: remote %s track %s arrived", a.conversationID, t.Kind, t.ID)
		},
		Connected: func() {
			log.Printf("CALL [%s]: transport connected", a.conversationID)
		},
		Closed: a.onTransportClosed,
		Error: func(err error) {
			// Not terminal on its own; a broken session also fires Closed.
			log.Printf("CALL [%s]: transport error: %v", a.conversationID, err)
		},
	}
}

// onLocalDescription fires exactly once per attempt (the engine contract).
// Caller: merge the offer into the already-written record. Receiver: publish
// answer and active status in ONE merge, then go active.
func (a *Attempt) onLocalDescription(blob string) {
	a.mu.Lock()
	if a.state.Terminal() {
		a.mu.Unlock()
		return
	}

	if a.role == RoleCaller {
		a.mu.Unlock()
		a.mgr.sig.Merge(a.conversationID, signal.Patch{Offer: &blob})
		log.Printf("CALL [%s]: offer published", a.conversationID)
		return
	}

	a.state = StateActive
	a.connectedAt = a.mgr.now()
	a.mu.Unlock()

	active := signal.StatusActive
	a.mgr.sig.Merge(a.conversationID, signal.Patch{Answer: &blob, Status: &active})
	log.Printf("CALL [%s]: answer published, call active", a.conversationID)
	a.mgr.emit(a.event(EventState))
}

// onSnapshot handles one signaling notification. Guards make duplicates and
// reordering safe: a terminal local state ignores everything, and the answer
// is consumed at most once.
func (a *Attempt) onSnapshot(rec signal.Record) {
	a.mu.Lock()

	if a.state.Terminal() {
		a.mu.Unlock()
		return
	}

	if rec.Status.Terminal() {
		// Adopt the remote outcome without re-writing it.
		st := StateEnded
		if rec.Status == signal.StatusMissed {
			st = StateMissed
		}
		a.state = st
		a.mu.Unlock()

		log.Printf("CALL [%s]: remote wrote %s, adopting", a.conversationID, rec.Status)
		a.teardown()
		a.mgr.emit(a.event(EventState))
		a.scheduleClear()
		return
	}

	if a.role == RoleCaller && rec.Status == signal.StatusActive && rec.Answer != nil && !a.answerApplied {
		a.answerApplied = true
		answer := *rec.Answer
		engine := a.engine
		a.cancelRingTimerLocked()
		a.state = StateActive
		a.connectedAt = a.mgr.now()
		a.mu.Unlock()

		if engine != nil {
			if err := engine.ApplyRemoteDescription(answer); err != nil {
				log.Printf("CALL [%s]: apply answer failed: %v", a.conversationID, err)
			}
		}
		log.Printf("CALL [%s]: answered, call active", a.conversationID)
		a.mgr.emit(a.event(EventState))
		return
	}

	a.mu.Unlock()
}

// onRingTimeout forces the missed outcome when no answer arrived in time.
// An answer snapshot that loses this race is ignored: terminal states are
// never exited.
func (a *Attempt) onRingTimeout() {
	a.mu.Lock()
	if a.state != StateCalling {
		a.mu.Unlock()
		return
	}
	a.state = StateMissed
	a.mu.Unlock()

	missed := signal.StatusMissed
	a.mgr.sig.Merge(a.conversationID, signal.Patch{Status: &missed})
	a.appendMissedEntry()

	log.Printf("CALL [%s]: no answer after %s, marked missed", a.conversationID, a.mgr.t.Ring)
	a.teardown()
	a.mgr.emit(a.event(EventState))
	a.scheduleClear()
}

// accept moves a ringing receiver through CONNECTING into the handshake.
// Capture is best-effort: camera+mic, then mic-only, then no local media at
// all. A receiver without a camera can still take the call.
func (a *Attempt) accept() error {
	a.mu.Lock()
	if a.state != StateRinging {
		a.mu.Unlock()
		return ErrNotRinging
	}
	a.state = StateConnecting
	offer := a.offer
	a.mu.Unlock()

	a.mgr.emit(a.event(EventState)) // ring indication stops here

	stream, err := a.mgr.caps.Acquire(media.KindCameraMic)
	if err != nil {
		log.Printf("CALL [%s]: camera+mic capture failed (%v), trying mic only", a.conversationID, err)
		stream, err = a.mgr.caps.Acquire(media.KindMicOnly)
	}
	if err != nil {
		log.Printf("CALL [%s]: all capture failed (%v), answering without local media", a.conversationID, err)
		stream = nil
	}

	a.mu.Lock()
	if a.state.Terminal() {
		// Remote hung up while the permission prompt was open.
		a.mu.Unlock()
		media.Release(stream)
		return nil
	}
	a.local = stream
	if stream != nil {
		a.cameraVideo = stream.VideoTrack()
	}
	a.noMedia = stream == nil
	a.mu.Unlock()

	engine, err := a.mgr.engines(RoleReceiver, stream, a.engineEvents())
	if err != nil {
		a.fail()
		return err
	}

	a.mu.Lock()
	if a.tornDown {
		// Remote ended the call while the engine was being built.
		a.mu.Unlock()
		engine.Close()
		return nil
	}
	a.engine = engine
	apply := !a.offerApplied
	a.offerApplied = true
	a.mu.Unlock()

	if apply {
		if err := engine.ApplyRemoteDescription(offer); err != nil {
			log.Printf("CALL [%s]: apply offer failed: %v", a.conversationID, err)
			a.fail()
			return err
		}
	}
	return nil
}

// decline rejects a ringing call. Idempotent: only the RINGING→MISSED edge
// writes; a second decline finds a terminal state and does nothing.
func (a *Attempt) decline() {
	a.mu.Lock()
	if a.state != StateRinging {
		a.mu.Unlock()
		return
	}
	a.state = StateMissed
	a.mu.Unlock()

	missed := signal.StatusMissed
	a.mgr.sig.Merge(a.conversationID, signal.Patch{Status: &missed})
	a.appendMissedEntry()

	log.Printf("CALL [%s]: declined", a.conversationID)
	a.teardown()
	a.mgr.emit(a.event(EventState))
	a.scheduleClear()
}

// hangUp ends a non-terminal attempt gracefully. Also the path taken when
// the transport session closes under an active call.
func (a *Attempt) hangUp() {
	a.mu.Lock()
	if a.state.Terminal() {
		a.mu.Unlock()
		return
	}
	a.state = StateEnded
	a.mu.Unlock()

	ended := signal.StatusEnded
	a.mgr.sig.Merge(a.conversationID, signal.Patch{Status: &ended})

	log.Printf("CALL [%s]: ended", a.conversationID)
	a.teardown()
	a.mgr.emit(a.event(EventState))
	a.scheduleClear()
}

func (a *Attempt) onTransportClosed() {
	a.hangUp()
}

// fail abandons an attempt whose setup broke after the record was written.
func (a *Attempt) fail() {
	a.hangUp()
}

func (a *Attempt) toggleMute() (bool, error) {
	a.mu.Lock()
	if a.state.Terminal() {
		a.mu.Unlock()
		return false, ErrNoAttempt
	}
	a.muted = !a.muted
	muted := a.muted
	engine := a.engine
	local := a.local
	a.mu.Unlock()

	media.SetTrackEnabled(local, media.TrackAudio, !muted)
	if engine != nil {
		if err := engine.SetOutgoingEnabled(media.TrackAudio, !muted); err != nil {
			log.Printf("CALL [%s]: toggle audio: %v", a.conversationID, err)
		}
	}
	log.Printf("CALL [%s]: audio muted=%v", a.conversationID, muted)
	return muted, nil
}

func (a *Attempt) toggleCamera() (bool, error) {
	a.mu.Lock()
	if a.state.Terminal() {
		a.mu.Unlock()
		return false, ErrNoAttempt
	}
	a.cameraOff = !a.cameraOff
	off := a.cameraOff
	engine := a.engine
	local := a.local
	sharing := a.sharing
	a.mu.Unlock()

	media.SetTrackEnabled(local, media.TrackVideo, !off)
	// While sharing, the outgoing sender carries the screen track; the
	// camera flag takes effect when sharing stops.
	if engine != nil && !sharing {
		if err := engine.SetOutgoingEnabled(media.TrackVideo, !off); err != nil {
			log.Printf("CALL [%s]: toggle video: %v", a.conversationID, err)
		}
	}
	log.Printf("CALL [%s]: video disabled=%v", a.conversationID, off)
	return off, nil
}

// toggleScreenShare swaps the outgoing video between screen capture and the
// original camera track. The screen stream is tracked separately so turning
// sharing off always restores the camera.
func (a *Attempt) toggleScreenShare() (bool, error) {
	a.mu.Lock()
	if a.state != StateActive {
		a.mu.Unlock()
		return false, ErrNotActive
	}
	engine := a.engine
	sharing := a.sharing
	a.mu.Unlock()

	if engine == nil {
		return false, ErrNotActive
	}

	if !sharing {
		scr, err := a.mgr.caps.AcquireScreen()
		if err != nil {
			return false, err
		}
		track := scr.VideoTrack()
		if track == nil {
			media.Release(scr)
			return false, ErrNotActive
		}
		if err := engine.ReplaceOutgoingVideoTrack(track); err != nil {
			media.Release(scr)
			return false, err
		}
		a.mu.Lock()
		if a.tornDown {
			a.mu.Unlock()
			media.Release(scr)
			return false, ErrNotActive
		}
		a.screen = scr
		a.sharing = true
		a.mu.Unlock()
		log.Printf("CALL [%s]: screen share on", a.conversationID)
		return true, nil
	}

	a.mu.Lock()
	scr := a.screen
	a.screen = nil
	a.sharing = false
	cam := a.cameraVideo
	a.mu.Unlock()

	if err := engine.ReplaceOutgoingVideoTrack(cam); err != nil {
		log.Printf("CALL [%s]: restore camera track: %v", a.conversationID, err)
	}
	media.Release(scr)
	log.Printf("CALL [%s]: screen share off", a.conversationID)
	return false, nil
}

// teardown releases everything the attempt acquired. Safe from every trigger
// site (hangup, decline, timeout, remote terminal, manager close) and for
// any number of invocations; each sub-release is itself idempotent.
func (a *Attempt) teardown() {
	a.mu.Lock()
	if a.tornDown {
		a.mu.Unlock()
		return
	}
	a.tornDown = true
	timer := a.ringTimer
	a.ringTimer = nil
	engine := a.engine
	local := a.local
	a.local = nil
	screen := a.screen
	a.screen = nil
	a.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if engine != nil {
		engine.Close()
	}
	media.Release(local)
	media.Release(screen)
	a.mgr.removeAttempt(a)
}

// cancelRingTimerLocked must be called with a.mu held.
func (a *Attempt) cancelRingTimerLocked() {
	if a.ringTimer != nil {
		a.ringTimer.Stop()
		a.ringTimer = nil
	}
}

func (a *Attempt) appendMissedEntry() {
	self := a.mgr.Identity()
	err := a.mgr.hist.AppendLogEntry(a.conversationID, LogEntry{
		AuthorID: self.ID,
		Kind:     "missed-call",
		Text:     "Missed call",
	})
	if err != nil {
		log.Printf("CALL [%s]: append missed-call entry: %v", a.conversationID, err)
	}
}

// scheduleClear emits the cleared event after the grace delay so the UI can
// show a finished attempt's outcome before resetting.
func (a *Attempt) scheduleClear() {
	e := a.event(EventCleared)
	if a.mgr.t.MissedGrace <= 0 {
		a.mgr.emit(e)
		return
	}
	time.AfterFunc(a.mgr.t.MissedGrace, func() {
		a.mgr.emit(e)
	})
}

func (a *Attempt) snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	dur := 0
	if a.state == StateActive && !a.connectedAt.IsZero() {
		dur = int(a.mgr.now().Sub(a.connectedAt) / time.Second)
	}
	return Snapshot{
		ConversationID:  a.conversationID,
		State:           a.state,
		OtherParty:      a.otherParty,
		DurationSeconds: dur,
		NoMedia:         a.noMedia,
	}
}

func (a *Attempt) event(kind string) Event {
	return Event{Kind: kind, Snapshot: a.snapshot()}
}
