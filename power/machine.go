// Package power wakes a camera up while its sink has consumers and puts it
// back to sleep when the last one leaves.
package power

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/abihf/camsink/capture"
	"github.com/abihf/camsink/negotiate"
	"github.com/abihf/camsink/pipeline"
)

// ErrActivation marks a failed wake up. The camera stays dormant and the
// next consumer notification tries again.
var ErrActivation = errors.New("camera activation failed")

// State is the power state of a camera.
type State int

const (
	Dormant State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "dormant"
}

// Record holds what startup negotiated for a camera. It never changes.
type Record struct {
	Index    int
	Name     string
	Width    int
	Height   int
	Rotation int
	// Params is applied on every activation.
	Params string
}

// Sink is the virtual device a machine feeds and listens to.
type Sink interface {
	io.Writer
	Path() string
	Events() <-chan int
	Err() error
}

// Options tune a Machine.
type Options struct {
	// Overrides are merged over the negotiated parameters on activation.
	Overrides string
	Logger    *slog.Logger
}

// Machine is the power state machine of one camera.
type Machine struct {
	rec       Record
	svc       capture.Service
	sink      Sink
	gate      *Gate
	pipe      *pipeline.Pipeline
	overrides string
	log       *slog.Logger

	mu            sync.Mutex
	state         State
	session       capture.Session
	stream        *pipeline.Stream
	sessionID     string
	activations   int
	deactivations int
}

// New returns a dormant machine.
func New(rec Record, svc capture.Service, sink Sink, gate *Gate, pipe *pipeline.Pipeline, opts Options) *Machine {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Machine{
		rec:       rec,
		svc:       svc,
		sink:      sink,
		gate:      gate,
		pipe:      pipe,
		overrides: opts.Overrides,
		log:       log.With("camera", rec.Index, "device", sink.Path()),
	}
}

// Record returns the camera record.
func (m *Machine) Record() Record {
	return m.rec
}

// Run handles consumer notifications in arrival order until the sink's
// event channel closes or ctx is done.
func (m *Machine) Run(ctx context.Context) {
	events := m.sink.Events()
	for {
		m.log.Debug("Waiting for events")
		select {
		case <-ctx.Done():
			return
		case count, ok := <-events:
			if !ok {
				if err := m.sink.Err(); err != nil {
					m.log.Error("Failed to get event", "error", err)
				}
				return
			}
			m.log.Info("Consumers changed", "count", count)
			m.handle(ctx, count)
		}
	}
}

func (m *Machine) handle(ctx context.Context, count int) {
	state := m.State()
	switch {
	case count > 0 && state == Dormant:
		if err := m.activate(ctx); err != nil {
			m.log.Error("Can not wake camera", "error", err)
		}
	case count == 0 && state == Active:
		m.deactivate()
	}
}

func (m *Machine) activate(ctx context.Context) error {
	m.log.Info("Waking camera")
	if err := m.gate.Acquire(ctx, m.rec.Index); err != nil {
		return errors.Wrapf(ErrActivation, "waiting for activation lock: %v", err)
	}
	m.log.Debug("Got activation lock")

	if err := m.start(); err != nil {
		m.gate.Release(m.rec.Index)
		return err
	}
	return nil
}

func (m *Machine) start() error {
	id := uuid.NewString()
	log := m.log.With("session", id)

	sess, err := m.svc.Open(m.rec.Index)
	if err != nil {
		return errors.Wrapf(ErrActivation, "open: %v", err)
	}
	locked := false
	release := func(step string, err error) error {
		if locked {
			if uerr := sess.Unlock(); uerr != nil {
				log.Warn("Can not unlock camera", "error", uerr)
			}
		}
		if cerr := sess.Close(); cerr != nil {
			log.Warn("Can not close camera", "error", cerr)
		}
		return errors.Wrapf(ErrActivation, "%s: %v", step, err)
	}

	if err := sess.Lock(); err != nil {
		return release("lock", err)
	}
	locked = true

	params, err := m.parameters(sess)
	if err != nil {
		return release("parameters", err)
	}
	if err := sess.SetParameters(params); err != nil {
		return release("parameters", err)
	}

	g := pipeline.Geometry{Width: m.rec.Width, Height: m.rec.Height, Rotation: m.rec.Rotation}
	stream, err := m.pipe.Attach(g, m.sink)
	if err != nil {
		return release("pipeline", err)
	}

	sess.StartAutoFocus()
	if err := sess.StartStreaming(stream.Deliver); err != nil {
		stream.Detach()
		return release("streaming", err)
	}

	m.mu.Lock()
	m.state = Active
	m.session = sess
	m.stream = stream
	m.sessionID = id
	m.activations++
	m.mu.Unlock()

	log.Info("Camera active")
	return nil
}

func (m *Machine) parameters(sess capture.Session) (string, error) {
	params, err := negotiate.Merge(sess.Parameters(), m.rec.Params)
	if err != nil {
		return "", err
	}
	if m.overrides == "" {
		return params, nil
	}
	return negotiate.Merge(params, m.overrides)
}

func (m *Machine) deactivate() {
	m.mu.Lock()
	sess, stream, id := m.session, m.stream, m.sessionID
	m.mu.Unlock()
	log := m.log.With("session", id)

	log.Info("Camera going to sleep")
	if err := sess.StopStreaming(); err != nil {
		log.Warn("Can not stop streaming", "error", err)
	}
	if err := sess.Unlock(); err != nil {
		log.Warn("Can not unlock camera", "error", err)
	}
	if err := sess.Close(); err != nil {
		log.Warn("Can not close camera", "error", err)
	}
	stats := stream.Stats()
	stream.Detach()

	m.mu.Lock()
	m.state = Dormant
	m.session = nil
	m.stream = nil
	m.sessionID = ""
	m.deactivations++
	m.mu.Unlock()

	m.gate.Release(m.rec.Index)
	log.Info("Camera dormant", "delivered", stats.Delivered, "failed", stats.Failed)
}

// Shutdown puts an active camera to sleep. It must only be called after Run
// returned.
func (m *Machine) Shutdown() {
	if m.State() == Active {
		m.deactivate()
	}
}

// State returns the current power state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transitions returns how often the camera woke up and went to sleep.
func (m *Machine) Transitions() (activations, deactivations int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activations, m.deactivations
}

// Stats returns the frame counters of the current session.
func (m *Machine) Stats() pipeline.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		return pipeline.Stats{}
	}
	return m.stream.Stats()
}
