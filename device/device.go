// Package device manages the lifetime of virtual sink devices.
package device

import (
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/abihf/camsink/sink"
)

// Creation failures. Each one aborts Create after releasing what was
// acquired.
var (
	ErrControlChannelUnavailable = errors.New("control channel unavailable")
	ErrDeviceCreationFailed      = errors.New("device creation failed")
	ErrFormatNegotiationFailed   = errors.New("format negotiation failed")
	ErrInitialFrameWriteFailed   = errors.New("initial frame write failed")

	// ErrShutdown marks teardown failures. They are logged, never returned.
	ErrShutdown = errors.New("device teardown failed")
)

// DefaultBlankFill is the byte value of the initial frame.
const DefaultBlankFill = 47

// Manager creates and destroys sink devices.
type Manager struct {
	driver sink.Driver
	log    *slog.Logger
	fill   byte
}

// NewManager returns a manager using driver.
func NewManager(driver sink.Driver, fill byte, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{driver: driver, log: log, fill: fill}
}

// Device is a created sink device.
type Device struct {
	Nr     int
	Label  string
	Width  int
	Height int

	out    sink.Output
	events <-chan int

	destroyOnce sync.Once
}

// Create registers a device for frames up to maxWidth x maxHeight, opens
// it, negotiates the format, subscribes to consumer counts and writes one
// blank frame so consumers find a valid format.
func (m *Manager) Create(label string, maxWidth, maxHeight int) (*Device, error) {
	nr, err := m.driver.CreateDevice(label, maxWidth, maxHeight)
	if err != nil {
		if errors.Is(err, sink.ErrControlUnavailable) {
			return nil, errors.Wrapf(ErrControlChannelUnavailable, "%v", err)
		}
		return nil, errors.Wrapf(ErrDeviceCreationFailed, "%s: %v", label, err)
	}

	d, err := m.setup(nr, label, maxWidth, maxHeight)
	if err != nil {
		if rmErr := m.driver.DestroyDevice(nr); rmErr != nil {
			m.log.Warn("Can not remove half created device", "device", nr, "error", rmErr)
		}
		return nil, err
	}

	m.log.Info("Created device", "device", d.Path(), "label", label, "width", maxWidth, "height", maxHeight)
	return d, nil
}

func (m *Manager) setup(nr int, label string, width, height int) (*Device, error) {
	out, err := m.driver.OpenDevice(nr)
	if err != nil {
		return nil, errors.Wrapf(ErrDeviceCreationFailed, "%s: %v", label, err)
	}

	fail := func(kind error, err error) (*Device, error) {
		out.Close()
		return nil, errors.Wrapf(kind, "%s: %v", out.Path(), err)
	}

	if err := out.SetFormat(width, height); err != nil {
		return fail(ErrFormatNegotiationFailed, err)
	}

	events, err := out.Subscribe()
	if err != nil {
		return fail(ErrDeviceCreationFailed, err)
	}

	blank := make([]byte, width*height*3/2)
	for i := range blank {
		blank[i] = m.fill
	}
	n, err := out.Write(blank)
	if err == nil && n < len(blank) {
		err = errors.Errorf("short write: %d of %d bytes", n, len(blank))
	}
	if err != nil {
		return fail(ErrInitialFrameWriteFailed, err)
	}

	return &Device{
		Nr:     nr,
		Label:  label,
		Width:  width,
		Height: height,
		out:    out,
		events: events,
	}, nil
}

// Destroy stops the device's notifications, closes it and removes it from
// the driver. Failures are logged. Calling it again is a no-op.
func (m *Manager) Destroy(d *Device) {
	d.destroyOnce.Do(func() {
		d.StopEvents()
		if err := d.out.Close(); err != nil {
			m.log.Warn("Can not close device", "device", d.Path(), "error", errors.Wrap(ErrShutdown, err.Error()))
		}
		if err := m.driver.DestroyDevice(d.Nr); err != nil {
			m.log.Warn("Can not remove device", "device", d.Path(), "error", errors.Wrap(ErrShutdown, err.Error()))
			return
		}
		m.log.Info("Removed device", "device", d.Path())
	})
}

// Path is the device node consumers open.
func (d *Device) Path() string {
	return d.out.Path()
}

// Events delivers consumer counts until StopEvents or a read failure.
func (d *Device) Events() <-chan int {
	return d.events
}

// Err reports why the event channel closed; nil after StopEvents.
func (d *Device) Err() error {
	return d.out.Err()
}

// StopEvents closes the event channel.
func (d *Device) StopEvents() {
	d.out.Unsubscribe()
}

// Write writes one complete frame.
func (d *Device) Write(frame []byte) (int, error) {
	return d.out.Write(frame)
}
