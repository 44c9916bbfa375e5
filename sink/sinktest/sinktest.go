// Package sinktest provides an in-memory sink.Driver.
package sinktest

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/abihf/camsink/sink"
)

// Failure points that can be injected into the driver.
const (
	FailControl = 1 << iota
	FailCreate
	FailOpen
	FailFormat
	FailSubscribe
	FailWrite
	FailDestroy
)

// Driver records every call and hands out Output values.
type Driver struct {
	mu        sync.Mutex
	next      int
	fail      map[string]int
	outputs   map[int]*Output
	created   []int
	destroyed []int
	labels    map[int]string
	sizes     map[int][2]int
}

// NewDriver returns an empty fake driver. Device numbers start at 10.
func NewDriver() *Driver {
	return &Driver{
		next:    10,
		fail:    make(map[string]int),
		outputs: make(map[int]*Output),
		labels:  make(map[int]string),
		sizes:   make(map[int][2]int),
	}
}

// FailFor makes calls for devices created with label fail at the given
// points. The empty label applies to every device.
func (d *Driver) FailFor(label string, points int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail[label] = points
}

func (d *Driver) failing(label string, point int) bool {
	return (d.fail[label]|d.fail[""])&point != 0
}

func (d *Driver) CreateDevice(label string, maxWidth, maxHeight int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failing(label, FailControl) {
		return 0, errors.Wrap(sink.ErrControlUnavailable, "fake")
	}
	if d.failing(label, FailCreate) {
		return 0, errors.New("fake: create failed")
	}
	nr := d.next
	d.next++
	d.created = append(d.created, nr)
	d.labels[nr] = label
	d.sizes[nr] = [2]int{maxWidth, maxHeight}
	return nr, nil
}

func (d *Driver) OpenDevice(nr int) (sink.Output, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	label := d.labels[nr]
	if d.failing(label, FailOpen) {
		return nil, errors.New("fake: open failed")
	}
	o := &Output{
		path:      fmt.Sprintf("/dev/video%d", nr),
		failPoint: d.fail[label] | d.fail[""],
	}
	d.outputs[nr] = o
	return o, nil
}

func (d *Driver) DestroyDevice(nr int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed = append(d.destroyed, nr)
	if d.failing(d.labels[nr], FailDestroy) {
		return errors.New("fake: destroy failed")
	}
	return nil
}

// Output returns the output opened for device nr.
func (d *Driver) Output(nr int) *Output {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outputs[nr]
}

// Created returns the created device numbers in order.
func (d *Driver) Created() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.created...)
}

// Destroyed returns the destroyed device numbers in order.
func (d *Driver) Destroyed() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.destroyed...)
}

// Size returns the maximum size device nr was created with.
func (d *Driver) Size(nr int) (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.sizes[nr]
	return s[0], s[1]
}

// Label returns the label device nr was created with.
func (d *Driver) Label(nr int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.labels[nr]
}

// Output is a fake sink.Output. Tests feed consumer counts with Push.
type Output struct {
	path      string
	failPoint int

	mu      sync.Mutex
	width   int
	height  int
	writes  [][]byte
	events  chan int
	stopped bool
	err     error
	closed  bool
}

func (o *Output) Path() string {
	return o.path
}

func (o *Output) Write(b []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return 0, errors.New("fake: write on closed output")
	}
	if o.failPoint&FailWrite != 0 {
		return len(b) / 2, nil
	}
	o.writes = append(o.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (o *Output) SetFormat(width, height int) error {
	if o.failPoint&FailFormat != 0 {
		return errors.New("fake: format rejected")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.width, o.height = width, height
	return nil
}

func (o *Output) Subscribe() (<-chan int, error) {
	if o.failPoint&FailSubscribe != 0 {
		return nil, errors.New("fake: subscribe failed")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ensureEvents()
	return o.events, nil
}

func (o *Output) ensureEvents() {
	if o.events == nil {
		o.events = make(chan int, 64)
	}
}

// Push queues a consumer count notification. Counts pushed after the
// channel was closed are dropped.
func (o *Output) Push(count int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return
	}
	o.ensureEvents()
	o.events <- count
}

// Fail closes the event channel as if reading from the device failed.
func (o *Output) Fail(err error) {
	o.mu.Lock()
	o.err = err
	o.mu.Unlock()
	o.Unsubscribe()
}

func (o *Output) Unsubscribe() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return
	}
	o.ensureEvents()
	o.stopped = true
	close(o.events)
}

func (o *Output) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

func (o *Output) Close() error {
	o.Unsubscribe()
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return nil
}

// Format returns the frame size set on the output.
func (o *Output) Format() (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.width, o.height
}

// Writes returns copies of every frame written so far.
func (o *Output) Writes() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([][]byte(nil), o.writes...)
}

// Closed reports whether Close was called.
func (o *Output) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
