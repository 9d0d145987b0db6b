// Package media acquires and releases local capture streams (camera,
// microphone, screen). The platform backend lives behind a build tag the way
// capture hardware access has to be; everything above it talks to the
// Capturer interface so the call state machine is testable without devices.
package media

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// Kind selects what Acquire opens.
type Kind string

const (
	KindCameraMic Kind = "camera+mic"
	KindMicOnly   Kind = "mic-only"
)

// TrackKind is audio or video.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// ErrNoDevice is returned when the platform has no capture backend or no
// usable device. Callers decide whether that is fatal (caller side) or
// degradable (receiver side).
var ErrNoDevice = errors.New("media: no capture device available")

// Track is one local capture track. Close must be idempotent. Local returns
// the transport-attachable form, nil for tracks that carry no transmittable
// media (test fakes).
type Track interface {
	ID() string
	Kind() TrackKind
	SetEnabled(enabled bool)
	Local() webrtc.TrackLocal
	Close() error
}

// Stream is one acquired capture unit. Close must be idempotent and close
// every track.
type Stream interface {
	Tracks() []Track
	AudioTrack() Track
	VideoTrack() Track
	Close() error
}

// Capturer opens local media. Acquire releases any partially-acquired
// resources itself when it fails.
type Capturer interface {
	Acquire(kind Kind) (Stream, error)
	AcquireScreen() (Stream, error)
}

// EngineConfigurer is implemented by streams whose encoders must be
// registered on the transport's media engine before tracks can be attached
// (mediadevices-backed streams).
type EngineConfigurer interface {
	ConfigureMediaEngine(me *webrtc.MediaEngine)
}

// Release closes a stream. Safe on nil and on an already-released stream.
func Release(s Stream) {
	if s == nil {
		return
	}
	_ = s.Close()
}

// SetTrackEnabled flips all tracks of the given kind on a stream. Safe on a
// nil stream (a receiver that answered without local media).
func SetTrackEnabled(s Stream, kind TrackKind, enabled bool) {
	if s == nil {
		return
	}
	for _, t := range s.Tracks() {
		if t.Kind() == kind {
			t.SetEnabled(enabled)
		}
	}
}
