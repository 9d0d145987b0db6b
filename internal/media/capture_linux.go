//go:build linux

package media

import (
	"fmt"
	"log"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// deviceCapturer opens camera/mic/screen via pion/mediadevices (V4L2 and
// malgo on Linux).
type deviceCapturer struct {
	selector *mediadevices.CodecSelector
}

// NewCapturer builds the platform capturer with VP8+Opus encoders.
func NewCapturer() (Capturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("media: vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("media: opus params: %w", err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	return &deviceCapturer{selector: selector}, nil
}

func (c *deviceCapturer) Acquire(kind Kind) (Stream, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: c.selector}
	if kind == KindCameraMic {
		constraints.Video = func(mt *mediadevices.MediaTrackConstraints) {
			// Exclude MJPEG. Some cameras expose an MJPEG V4L2 node that
			// produces malformed JPEG frames, which poisons the VP8 encoder.
			// Raw formats only.
			mt.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			// Cap at 640x480. Higher resolutions push VP8 encoding latency
			// past what a live call tolerates.
			mt.Width = prop.IntRanged{Max: 640}
			mt.Height = prop.IntRanged{Max: 480}
		}
	}
	constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}

	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("media: get user media (%s): %w", kind, err)
	}
	return newDeviceStream(ms, c.selector), nil
}

func (c *deviceCapturer) AcquireScreen() (Stream, error) {
	ms, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: c.selector,
		Video: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, fmt.Errorf("media: get display media: %w", err)
	}
	return newDeviceStream(ms, c.selector), nil
}

// deviceStream wraps a mediadevices stream.
type deviceStream struct {
	selector *mediadevices.CodecSelector
	tracks   []Track
	once     sync.Once
}

func newDeviceStream(ms mediadevices.MediaStream, selector *mediadevices.CodecSelector) *deviceStream {
	s := &deviceStream{selector: selector}
	for _, t := range ms.GetTracks() {
		t.OnEnded(func(err error) {
			if err != nil {
				log.Printf("MEDIA: local track ended: %v", err)
			}
		})
		s.tracks = append(s.tracks, newDeviceTrack(t))
	}
	return s
}

func (s *deviceStream) Tracks() []Track { return s.tracks }

func (s *deviceStream) AudioTrack() Track { return s.trackOfKind(TrackAudio) }
func (s *deviceStream) VideoTrack() Track { return s.trackOfKind(TrackVideo) }

func (s *deviceStream) trackOfKind(kind TrackKind) Track {
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

func (s *deviceStream) Close() error {
	s.once.Do(func() {
		for _, t := range s.tracks {
			_ = t.Close()
		}
	})
	return nil
}

// ConfigureMediaEngine registers the stream's encoders on the peer
// connection's media engine. Required before AddTrack will accept
// mediadevices tracks.
func (s *deviceStream) ConfigureMediaEngine(me *webrtc.MediaEngine) {
	s.selector.Populate(me)
}

// deviceTrack wraps one mediadevices track.
type deviceTrack struct {
	t    mediadevices.Track
	mu   sync.Mutex
	off  bool
	once sync.Once
}

func newDeviceTrack(t mediadevices.Track) *deviceTrack {
	return &deviceTrack{t: t}
}

func (d *deviceTrack) ID() string { return d.t.ID() }

func (d *deviceTrack) Kind() TrackKind {
	if d.t.Kind() == webrtc.RTPCodecTypeVideo {
		return TrackVideo
	}
	return TrackAudio
}

// SetEnabled records the desired state. The encoder keeps running; actually
// pausing transmission is the transport's job (the engine swaps the sender's
// track out), so this is bookkeeping for the UI snapshot.
func (d *deviceTrack) SetEnabled(enabled bool) {
	d.mu.Lock()
	d.off = !enabled
	d.mu.Unlock()
}

func (d *deviceTrack) Local() webrtc.TrackLocal { return d.t }

func (d *deviceTrack) Close() error {
	var err error
	d.once.Do(func() {
		err = d.t.Close()
	})
	return err
}
