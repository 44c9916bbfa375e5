// Package capture is the physical camera side of the bridge.
package capture

import "github.com/pkg/errors"

// ErrCapabilityUnavailable is returned when a session does not publish the
// requested capability.
var ErrCapabilityUnavailable = errors.New("capability unavailable")

// Facing is the direction a camera points to.
type Facing int

const (
	FacingBack Facing = iota
	FacingFront
)

func (f Facing) String() string {
	if f == FacingFront {
		return "front"
	}
	return "back"
}

// ParseFacing accepts "front" and "back"; anything else is back.
func ParseFacing(s string) Facing {
	if s == "front" {
		return FacingFront
	}
	return FacingBack
}

// Info describes a discovered camera.
type Info struct {
	Index       int
	Device      string
	Facing      Facing
	Orientation int
}

// FrameFunc receives raw frames. The buffer is only valid during the call.
type FrameFunc func(frame []byte)

// Session is an open connection to one camera.
type Session interface {
	// Lock takes the camera for this process.
	Lock() error
	Unlock() error
	Close() error

	// Parameters returns the live parameter set, "key=value;key=value".
	Parameters() string
	// Capability returns a single value of the live parameter set.
	Capability(key string) (string, error)
	SetParameters(params string) error

	// StartAutoFocus asks the camera to focus and does not wait for it.
	StartAutoFocus()
	// StartStreaming delivers frames to fn from a goroutine owned by the
	// session until StopStreaming returns.
	StartStreaming(fn FrameFunc) error
	StopStreaming() error
}

// Service enumerates and opens cameras.
type Service interface {
	// Init prepares the capture subsystem. It is called once per process.
	Init() error
	ListCameras() ([]Info, error)
	Open(index int) (Session, error)
}
