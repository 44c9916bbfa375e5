package power

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/abihf/camsink/capture/capturetest"
	"github.com/abihf/camsink/device"
	"github.com/abihf/camsink/negotiate"
	"github.com/abihf/camsink/pipeline"
	"github.com/abihf/camsink/sink/sinktest"
)

const liveParams = "preview-size=640x480;preview-size-values=1280x720,640x480;preview-format=nv21"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type rig struct {
	svc     *capturetest.Service
	driver  *sinktest.Driver
	devices *device.Manager
	gate    *Gate
	pipe    *pipeline.Pipeline
}

func newRig(cameras int) *rig {
	cams := make([]capturetest.Camera, cameras)
	for i := range cams {
		cams[i].Parameters = liveParams
	}
	driver := sinktest.NewDriver()
	return &rig{
		svc:     capturetest.NewService(cams...),
		driver:  driver,
		devices: device.NewManager(driver, device.DefaultBlankFill, quietLogger()),
		gate:    NewGate(),
		pipe:    pipeline.New(quietLogger()),
	}
}

func (r *rig) machine(t *testing.T, index, width, height, rotation int) (*Machine, *sinktest.Output) {
	t.Helper()
	w, h := pipeline.Geometry{Width: width, Height: height, Rotation: rotation}.Output()
	d, err := r.devices.Create("cam", w, h)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	rec := Record{
		Index:    index,
		Name:     "cam",
		Width:    width,
		Height:   height,
		Rotation: rotation,
		Params:   negotiate.BuildParameters(negotiate.Size{Width: width, Height: height}),
	}
	m := New(rec, r.svc, d, r.gate, r.pipe, Options{Logger: quietLogger()})
	return m, r.driver.Output(d.Nr)
}

func runMachine(ctx context.Context, m *Machine) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	return done
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDuplicateNotificationsAreIgnored(t *testing.T) {
	r := newRig(1)
	m, out := r.machine(t, 0, 64, 48, 0)

	for _, count := range []int{0, 3, 3, 0} {
		out.Push(count)
	}
	out.Unsubscribe()
	<-runMachine(context.Background(), m)

	act, deact := m.Transitions()
	if act != 1 || deact != 1 {
		t.Errorf("Expected 1 activation and 1 deactivation, got %d and %d", act, deact)
	}
	if m.State() != Dormant {
		t.Errorf("Expected dormant, got %v", m.State())
	}
	if r.svc.Opened(0) != 1 || r.svc.OpenNow() != 0 {
		t.Errorf("Expected one session opened and closed, got %d opened, %d open", r.svc.Opened(0), r.svc.OpenNow())
	}
	if _, held := r.gate.Holder(); held {
		t.Error("Expected the gate to be free")
	}
}

func TestActivationAppliesParametersAndDelivers(t *testing.T) {
	r := newRig(1)
	m, out := r.machine(t, 0, 1280, 720, 0)
	ctx := context.Background()

	m.handle(ctx, 1)
	if m.State() != Active {
		t.Fatalf("Expected active, got %v", m.State())
	}
	sess := r.svc.Streaming(0)
	if sess == nil {
		t.Fatal("Expected a streaming session")
	}
	if !sess.IsLocked() || !sess.Focused() {
		t.Error("Expected the session to be locked and focusing")
	}

	want, err := negotiate.Merge(liveParams, m.Record().Params)
	if err != nil {
		t.Fatal(err)
	}
	if applied := sess.Applied(); len(applied) != 1 || applied[0] != want {
		t.Errorf("Expected parameters %q, got %v", want, applied)
	}

	g := pipeline.Geometry{Width: 1280, Height: 720}
	y, uv := g.PlaneSizes()
	frame := make([]byte, g.FrameSize())
	for i := range frame[y : y+uv] {
		frame[y+i] = 1
		frame[y+uv+i] = 2
	}
	if !sess.Emit(frame) {
		t.Fatal("Expected a frame callback")
	}

	writes := out.Writes()
	if len(writes) != 2 {
		t.Fatalf("Expected blank frame and one delivered frame, got %d writes", len(writes))
	}
	got := writes[1]
	if !bytes.Equal(got[:y], frame[:y]) || got[y] != 2 || got[y+uv] != 1 {
		t.Error("Expected the delivered frame to have swapped chroma planes")
	}
	if st := m.Stats(); st.Delivered != 1 {
		t.Errorf("Expected one delivered frame, got %+v", st)
	}

	m.handle(ctx, 0)
	if m.State() != Dormant || !sess.IsClosed() || sess.IsLocked() || sess.IsStreaming() {
		t.Error("Expected the session to be stopped, unlocked and closed")
	}
	if sess.Emit(frame) {
		t.Error("Expected no frame callback after sleep")
	}
}

func TestOverridesAreMergedLast(t *testing.T) {
	r := newRig(1)
	w, h := 64, 48
	d, err := r.devices.Create("cam", w, h)
	if err != nil {
		t.Fatal(err)
	}
	rec := Record{Index: 0, Width: w, Height: h, Params: "preview-size=64x48;preview-frame-rate=30"}
	m := New(rec, r.svc, d, r.gate, r.pipe, Options{Overrides: "preview-frame-rate=15;focus-mode=auto", Logger: quietLogger()})

	m.handle(context.Background(), 1)
	sess := r.svc.Streaming(0)
	if sess == nil {
		t.Fatal("Expected a streaming session")
	}
	want := "preview-size=64x48;preview-size-values=1280x720,640x480;preview-format=nv21;preview-frame-rate=15;focus-mode=auto"
	if applied := sess.Applied(); len(applied) != 1 || applied[0] != want {
		t.Errorf("Expected %q, got %v", want, applied)
	}
	m.Shutdown()
}

func TestActivationFailureRollsBack(t *testing.T) {
	tests := []struct {
		name   string
		fail    int
		opened  bool
		unlocks int
	}{
		{"open", capturetest.FailOpen, false, 0},
		{"lock", capturetest.FailLock, true, 0},
		{"parameters", capturetest.FailParameters, true, 1},
		{"streaming", capturetest.FailStreaming, true, 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := newRig(1)
			m, _ := r.machine(t, 0, 64, 48, 0)
			ctx := context.Background()

			r.svc.SetFail(0, tc.fail)
			m.handle(ctx, 1)
			if m.State() != Dormant {
				t.Fatalf("Expected dormant after failed activation, got %v", m.State())
			}
			if _, held := r.gate.Holder(); held {
				t.Fatal("Expected the gate to be released")
			}
			if r.svc.OpenNow() != 0 {
				t.Fatal("Expected no session to stay open")
			}
			if sessions := r.svc.Sessions(0); tc.opened && (len(sessions) != 1 || !sessions[0].IsClosed() || sessions[0].IsLocked()) {
				t.Fatal("Expected the opened session to be unlocked and closed")
			}
			if sessions := r.svc.Sessions(0); tc.opened && sessions[0].Unlocks() != tc.unlocks {
				t.Errorf("Expected %d unlocks, got %d", tc.unlocks, sessions[0].Unlocks())
			}

			// A failed activation must not keep the pipeline busy.
			free, err := r.pipe.Attach(pipeline.Geometry{Width: 2, Height: 2}, io.Discard)
			if err != nil {
				t.Fatalf("Expected the pipeline to be free: %v", err)
			}
			free.Detach()

			r.svc.SetFail(0, 0)
			m.handle(ctx, 2)
			if m.State() != Active {
				t.Fatalf("Expected retry to activate, got %v", m.State())
			}
			m.Shutdown()
			if _, held := r.gate.Holder(); held {
				t.Error("Expected the gate to be released after shutdown")
			}
		})
	}
}

func TestSingleActiveCamera(t *testing.T) {
	r := newRig(2)
	first, out0 := r.machine(t, 0, 64, 48, 0)
	second, out1 := r.machine(t, 1, 64, 48, 0)

	var mu sync.Mutex
	var violations []string
	r.svc.OnOpen = func(index int) {
		holder, held := r.gate.Holder()
		if !held || holder != index {
			mu.Lock()
			violations = append(violations, "camera opened without holding the gate")
			mu.Unlock()
		}
	}

	ctx := context.Background()
	done0 := runMachine(ctx, first)
	done1 := runMachine(ctx, second)

	out0.Push(1)
	out1.Push(1)

	waitFor(t, "one camera to wake up", func() bool {
		return first.State() == Active || second.State() == Active
	})
	active, waiting, activeOut, waitingOut := first, second, out0, out1
	if second.State() == Active {
		active, waiting, activeOut, waitingOut = second, first, out1, out0
	}

	time.Sleep(20 * time.Millisecond)
	if waiting.State() != Dormant {
		t.Fatal("Expected the second camera to wait for the gate")
	}
	if holder, _ := r.gate.Holder(); holder != active.Record().Index {
		t.Fatalf("Expected camera %d to hold the gate, got %d", active.Record().Index, holder)
	}

	activeOut.Push(0)
	waitFor(t, "the waiting camera to wake up", func() bool {
		return waiting.State() == Active
	})
	if active.State() != Dormant {
		t.Error("Expected the first camera to be dormant")
	}

	waitingOut.Push(0)
	waitFor(t, "the second camera to sleep", func() bool {
		return waiting.State() == Dormant
	})

	out0.Unsubscribe()
	out1.Unsubscribe()
	<-done0
	<-done1

	if r.svc.MaxOpen() != 1 {
		t.Errorf("Expected at most one open session, got %d", r.svc.MaxOpen())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(violations) > 0 {
		t.Errorf("Gate violations: %v", violations)
	}
}

func TestCancelWhileWaitingForGate(t *testing.T) {
	r := newRig(2)
	first, out0 := r.machine(t, 0, 64, 48, 0)
	second, out1 := r.machine(t, 1, 64, 48, 0)

	first.handle(context.Background(), 1)
	if first.State() != Active {
		t.Fatal("Expected first camera to be active")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := runMachine(ctx, second)
	out1.Push(1)
	time.Sleep(20 * time.Millisecond)

	out1.Unsubscribe()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected Run to return while waiting for the gate")
	}
	if second.State() != Dormant || r.svc.Opened(1) != 0 {
		t.Error("Expected the second camera never to open")
	}

	out0.Unsubscribe()
	first.Shutdown()
	if first.State() != Dormant || r.svc.OpenNow() != 0 {
		t.Error("Expected shutdown to close the active session")
	}
	if _, held := r.gate.Holder(); held {
		t.Error("Expected the gate to be free")
	}
}

func TestRunEndsOnReadError(t *testing.T) {
	r := newRig(1)
	m, out := r.machine(t, 0, 64, 48, 0)

	done := runMachine(context.Background(), m)
	out.Fail(errors.New("device vanished"))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected Run to return after a read error")
	}
}

func TestGate(t *testing.T) {
	g := NewGate()
	if _, held := g.Holder(); held {
		t.Fatal("Expected a free gate")
	}
	if err := g.Acquire(context.Background(), 3); err != nil {
		t.Fatal(err)
	}
	if holder, held := g.Holder(); !held || holder != 3 {
		t.Fatalf("Expected camera 3 to hold the gate, got %d (%v)", holder, held)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := g.Acquire(ctx, 4); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected DeadlineExceeded, got %v", err)
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Error("Expected release by a non holder to panic")
			}
		}()
		g.Release(4)
	}()

	g.Release(3)
	if err := g.Acquire(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	if holder, held := g.Holder(); !held || holder != 0 {
		t.Fatalf("Expected camera 0 to hold the gate, got %d (%v)", holder, held)
	}
	g.Release(0)
}
