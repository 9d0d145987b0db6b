//go:build !linux

package media

// Camera/mic capture via pion/mediadevices needs platform drivers that are
// only wired up on Linux (V4L2, malgo, X11 screen grab). Elsewhere the
// capturer reports no devices: a receiver still answers receive-only through
// the fallback ladder, a caller cannot start a call.

type noDeviceCapturer struct{}

// NewCapturer returns a capturer with no usable devices on this platform.
func NewCapturer() (Capturer, error) {
	return noDeviceCapturer{}, nil
}

func (noDeviceCapturer) Acquire(Kind) (Stream, error)   { return nil, ErrNoDevice }
func (noDeviceCapturer) AcquireScreen() (Stream, error) { return nil, ErrNoDevice }
