// Package pipeline reformats captured frames for the virtual sink.
//
// Frames arrive as planar YUV 4:2:0 with the U plane before the V plane. The
// sink expects the V plane first, so every delivered frame has its chroma
// planes swapped and, when the sensor is mounted rotated, is turned upright
// on the way. The result is assembled in a scratch buffer owned by the
// Pipeline and written to the sink in a single call, since the sink does not
// accept a frame split across several writes.
//
// A Pipeline serves one Stream at a time. This matches the activation gate:
// only one camera streams at any moment, so a single scratch buffer is
// enough. Attach refuses a second stream instead of sharing the buffer.
package pipeline

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

var (
	// ErrBusy is returned by Attach while another stream is attached.
	ErrBusy = errors.New("pipeline already serves another stream")
	// ErrDelivery marks a frame that could not be written to the sink.
	ErrDelivery = errors.New("frame delivery failed")
)

// Pipeline owns the scratch buffer shared by consecutive streams.
type Pipeline struct {
	log *slog.Logger

	mu      sync.Mutex
	current *Stream
	scratch []byte
}

// New returns an idle pipeline.
func New(log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{log: log}
}

// Attach binds a stream of frames with the given geometry to w. Frames must
// have even dimensions.
func (p *Pipeline) Attach(g Geometry, w io.Writer) (*Stream, error) {
	if err := g.check(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil {
		return nil, ErrBusy
	}
	s := &Stream{pipeline: p, geometry: g, w: w}
	p.current = s
	return s, nil
}

// ScratchSize reports the current capacity of the scratch buffer.
func (p *Pipeline) ScratchSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.scratch)
}

func (p *Pipeline) buffer(size int) []byte {
	if size > len(p.scratch) {
		p.scratch = make([]byte, size)
	}
	return p.scratch[:size]
}

// Stats counts delivered and failed frames of a stream.
type Stats struct {
	Delivered uint64
	Failed    uint64
}

// Stream delivers frames of one camera while it is attached.
type Stream struct {
	pipeline *Pipeline
	geometry Geometry
	w        io.Writer

	delivered atomic.Uint64
	failed    atomic.Uint64
}

// Geometry returns the geometry the stream was attached with.
func (s *Stream) Geometry() Geometry {
	return s.geometry
}

// Deliver converts raw and writes it to the sink. Failures are logged and
// counted; the stream stays usable for the next frame.
func (s *Stream) Deliver(raw []byte) {
	if err := s.deliver(raw); err != nil {
		s.failed.Add(1)
		s.pipeline.log.Warn("Frame dropped", "error", err)
		return
	}
	s.delivered.Add(1)
}

func (s *Stream) deliver(raw []byte) error {
	p := s.pipeline
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current != s {
		return errors.Wrap(ErrDelivery, "stream detached")
	}

	g := s.geometry
	size := g.FrameSize()
	if len(raw) < size {
		return errors.Wrapf(ErrDelivery, "short frame: %d of %d bytes", len(raw), size)
	}

	y, uv := g.PlaneSizes()
	out := p.buffer(size)
	// Destination chroma planes are swapped: the sink wants V before U.
	rotateI420(g,
		raw[:y], raw[y:y+uv], raw[y+uv:y+2*uv],
		out[:y], out[y+uv:y+2*uv], out[y:y+uv])

	n, err := s.w.Write(out)
	if err != nil {
		return errors.Wrapf(ErrDelivery, "write: %v", err)
	}
	if n < size {
		return errors.Wrapf(ErrDelivery, "short write: %d of %d bytes", n, size)
	}
	return nil
}

// Stats returns the stream counters.
func (s *Stream) Stats() Stats {
	return Stats{Delivered: s.delivered.Load(), Failed: s.failed.Load()}
}

// Detach releases the pipeline for the next stream. Frames delivered after
// Detach are dropped.
func (s *Stream) Detach() {
	p := s.pipeline
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == s {
		p.current = nil
	}
}
