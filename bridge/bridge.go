// Package bridge discovers the physical cameras, negotiates a preview size
// for each, publishes one virtual sink device per camera and runs a power
// state machine for each of them until shutdown.
package bridge

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/abihf/camsink/capture"
	"github.com/abihf/camsink/device"
	"github.com/abihf/camsink/negotiate"
	"github.com/abihf/camsink/pipeline"
	"github.com/abihf/camsink/power"
	"github.com/abihf/camsink/sink"
)

var (
	ErrDiscovery       = errors.New("camera discovery failed")
	ErrNoUsableCameras = errors.New("no usable cameras")
	ErrNegotiation     = errors.New("negotiation failed")
	ErrDeviceCreation  = errors.New("sink device creation failed")
	ErrStarted         = errors.New("bridge already started")
)

// DefaultSize is the preview size negotiated when none is configured.
var DefaultSize = negotiate.Size{Width: 1280, Height: 720}

// Options configure a Bridge.
type Options struct {
	// Target is the preview size each camera is negotiated towards.
	Target negotiate.Size
	// Overrides are merged over the negotiated parameters on activation.
	Overrides string
	BlankFill byte
	Logger    *slog.Logger
}

// Status is a snapshot of one published camera.
type Status struct {
	Index    int
	Name     string
	Device   string
	Width    int
	Height   int
	Rotation int
	State    power.State
}

// Bridge owns every camera published by this process.
type Bridge struct {
	svc       capture.Service
	devices   *device.Manager
	gate      *power.Gate
	pipe      *pipeline.Pipeline
	target    negotiate.Size
	overrides string
	log       *slog.Logger

	mu       sync.Mutex
	started  bool
	registry Registry

	shutdownOnce sync.Once
}

// New returns a bridge publishing cameras of svc through driver.
func New(svc capture.Service, driver sink.Driver, opts Options) *Bridge {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	target := opts.Target
	if target.Width <= 0 || target.Height <= 0 {
		target = DefaultSize
	}
	return &Bridge{
		svc:       svc,
		devices:   device.NewManager(driver, opts.BlankFill, log),
		gate:      power.NewGate(),
		pipe:      pipeline.New(log),
		target:    target,
		overrides: opts.Overrides,
		log:       log,
	}
}

// Start publishes every usable camera and returns how many were published.
// Cameras that fail to negotiate or to get a sink device are skipped. The
// state machines run until ctx is done or Shutdown is called.
func (b *Bridge) Start(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return 0, ErrStarted
	}
	b.started = true

	if err := b.svc.Init(); err != nil {
		return 0, errors.Wrapf(ErrDiscovery, "init: %v", err)
	}
	cams, err := b.svc.ListCameras()
	if err != nil {
		return 0, errors.Wrapf(ErrDiscovery, "%v", err)
	}
	if len(cams) == 0 {
		return 0, errors.Wrap(ErrDiscovery, "no cameras found")
	}
	b.log.Info("Found cameras", "count", len(cams))

	for _, info := range cams {
		if err := b.publish(ctx, info); err != nil {
			b.log.Error("Skipping camera", "camera", info.Index, "error", err)
		}
	}

	n := b.registry.Len()
	if n == 0 {
		return 0, ErrNoUsableCameras
	}

	// Negotiation opens cameras without the activation gate, so no machine
	// may run before every camera was negotiated and closed again.
	for i := 0; i < n; i++ {
		e := b.registry.get(i)
		go func() {
			defer close(e.done)
			e.machine.Run(e.ctx)
		}()
	}
	return n, nil
}

func (b *Bridge) publish(ctx context.Context, info capture.Info) error {
	name := b.registry.NextName(info.Facing)
	log := b.log.With("camera", info.Index, "name", name)

	if !pipeline.ValidRotation(info.Orientation) {
		return errors.Wrapf(ErrNegotiation, "%v: %d", pipeline.ErrBadRotation, info.Orientation)
	}
	size, err := b.negotiate(info.Index)
	if err != nil {
		return err
	}
	if size.Width%2 != 0 || size.Height%2 != 0 {
		return errors.Wrapf(ErrNegotiation, "%v: %v", pipeline.ErrOddSize, size)
	}
	log.Info("Negotiated preview size", "size", size.String())

	rec := power.Record{
		Index:    info.Index,
		Name:     name,
		Width:    size.Width,
		Height:   size.Height,
		Rotation: info.Orientation,
		Params:   negotiate.BuildParameters(size),
	}
	w, h := pipeline.Geometry{Width: rec.Width, Height: rec.Height, Rotation: rec.Rotation}.Output()
	dev, err := b.devices.Create(name, w, h)
	if err != nil {
		return errors.Wrapf(ErrDeviceCreation, "%v", err)
	}

	m := power.New(rec, b.svc, dev, b.gate, b.pipe, power.Options{
		Overrides: b.overrides,
		Logger:    b.log,
	})
	mctx, cancel := context.WithCancel(ctx)
	b.registry.add(&entry{machine: m, dev: dev, ctx: mctx, cancel: cancel, done: make(chan struct{})})
	log.Info("Published camera", "device", dev.Path())
	return nil
}

// negotiate reads the supported sizes of a camera and picks the one
// closest to the target. The session is closed again so other programs can
// use the camera until a consumer shows up.
func (b *Bridge) negotiate(index int) (negotiate.Size, error) {
	sess, err := b.svc.Open(index)
	if err != nil {
		return negotiate.Size{}, errors.Wrapf(ErrNegotiation, "open: %v", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			b.log.Warn("Can not close camera", "camera", index, "error", err)
		}
	}()

	values, err := sess.Capability(negotiate.KeyPreviewSizeValues)
	if err != nil {
		return negotiate.Size{}, errors.Wrapf(ErrNegotiation, "%v", err)
	}
	sizes, err := negotiate.ParseSizes(values)
	if err != nil {
		return negotiate.Size{}, errors.Wrapf(ErrNegotiation, "%v", err)
	}
	size, err := negotiate.SelectPreviewSize(sizes, b.target)
	if err != nil {
		return negotiate.Size{}, errors.Wrapf(ErrNegotiation, "%v", err)
	}
	return size, nil
}

// Cameras returns the status of every published camera in creation order.
func (b *Bridge) Cameras() []Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Status, 0, b.registry.Len())
	for i := 0; i < b.registry.Len(); i++ {
		e := b.registry.get(i)
		rec := e.machine.Record()
		out = append(out, Status{
			Index:    rec.Index,
			Name:     rec.Name,
			Device:   e.dev.Path(),
			Width:    rec.Width,
			Height:   rec.Height,
			Rotation: rec.Rotation,
			State:    e.machine.State(),
		})
	}
	return out
}

// Shutdown stops every state machine, puts active cameras to sleep and
// removes the sink devices, newest first. Only the first call does work.
func (b *Bridge) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.log.Info("Cleaning up")
		b.mu.Lock()
		defer b.mu.Unlock()
		for i := b.registry.Len() - 1; i >= 0; i-- {
			e := b.registry.get(i)
			e.dev.StopEvents()
			e.cancel()
			<-e.done
			e.machine.Shutdown()
			b.devices.Destroy(e.dev)
		}
	})
}
