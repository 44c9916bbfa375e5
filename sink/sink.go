// Package sink talks to the virtual video output driver.
package sink

import (
	"io"

	"github.com/pkg/errors"
)

// ErrControlUnavailable is returned when the driver control device cannot be
// opened.
var ErrControlUnavailable = errors.New("sink control device unavailable")

// Driver creates and removes virtual output devices.
type Driver interface {
	// CreateDevice registers a device that accepts frames up to
	// maxWidth x maxHeight and returns its number.
	CreateDevice(label string, maxWidth, maxHeight int) (int, error)
	// OpenDevice opens the output side of a created device.
	OpenDevice(nr int) (Output, error)
	// DestroyDevice removes a created device.
	DestroyDevice(nr int) error
}

// Output is the writable side of a virtual device.
type Output interface {
	io.Writer

	// Path is the device node consumers open.
	Path() string
	// SetFormat declares the frame size written to the device.
	SetFormat(width, height int) error
	// Subscribe starts delivering consumer counts. The channel is closed
	// after Unsubscribe, Close or a read failure.
	Subscribe() (<-chan int, error)
	// Unsubscribe closes the consumer count channel.
	Unsubscribe()
	// Err returns the read failure that closed the channel, or nil when it
	// was closed by Unsubscribe or Close.
	Err() error
	Close() error
}
