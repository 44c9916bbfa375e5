package sink

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DefaultControlDevice is the v4l2loopback control node.
const DefaultControlDevice = "/dev/v4l2loopback"

// https://github.com/umlaeute/v4l2loopback/blob/main/v4l2loopback.h
const (
	loopbackCtlAdd    = 0x4C80
	loopbackCtlRemove = 0x4C81

	eventPrivateStart = 0x08000000
	eventClientUsage  = eventPrivateStart + 0x08E00000 + 1

	bufTypeVideoOutput = 2
	fieldNone          = 1
)

// pixFmtYVU420 is planar 4:2:0 with the V plane before the U plane.
var pixFmtYVU420 = fourcc('Y', 'V', '1', '2')

type loopbackConfig struct {
	outputNr        int32
	unused          int32
	cardLabel       [32]byte
	minWidth        uint32
	maxWidth        uint32
	minHeight       uint32
	maxHeight       uint32
	maxBuffers      int32
	maxOpeners      int32
	debug           int32
	announceAllCaps int32
}

type pixFormat struct {
	width        uint32
	height       uint32
	pixelformat  uint32
	field        uint32
	bytesperline uint32
	sizeimage    uint32
	colorspace   uint32
	priv         uint32
	flags        uint32
	ycbcrEnc     uint32
	quantization uint32
	xferFunc     uint32
}

// format mirrors struct v4l2_format. The union is declared as uint64 words
// so it gets the alignment the kernel uses for its pointer members.
type format struct {
	typ uint32
	fmt [25]uint64
}

type eventSubscription struct {
	typ      uint32
	id       uint32
	flags    uint32
	reserved [5]uint32
}

type event struct {
	typ       uint32
	u         [8]uint64
	pending   uint32
	sequence  uint32
	timestamp unix.Timespec
	id        uint32
	reserved  [8]uint32
}

const (
	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | typ<<8 | nr
}

var (
	vidiocSFmt           = ioc(iocRead|iocWrite, 'V', 5, unsafe.Sizeof(format{}))
	vidiocDQEvent        = ioc(iocRead, 'V', 89, unsafe.Sizeof(event{}))
	vidiocSubscribeEvent = ioc(iocWrite, 'V', 90, unsafe.Sizeof(eventSubscription{}))
)

func fourcc(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

func ioctl(fd int, req, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

// Loopback drives the v4l2loopback kernel module.
type Loopback struct {
	control    string
	maxOpeners int

	// The control device is opened per call; mu keeps calls one at a time.
	mu sync.Mutex
}

// NewLoopback returns a driver using the given control device.
func NewLoopback(control string, maxOpeners int) *Loopback {
	if control == "" {
		control = DefaultControlDevice
	}
	if maxOpeners <= 0 {
		maxOpeners = 32
	}
	return &Loopback{control: control, maxOpeners: maxOpeners}
}

func (l *Loopback) withControl(fn func(fd int) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	fd, err := unix.Open(l.control, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return errors.Wrapf(ErrControlUnavailable, "%s: %v", l.control, err)
	}
	defer unix.Close(fd)
	return fn(fd)
}

// CreateDevice implements Driver.
func (l *Loopback) CreateDevice(label string, maxWidth, maxHeight int) (int, error) {
	cfg := loopbackConfig{
		outputNr:   -1,
		unused:     -1,
		minWidth:   2,
		maxWidth:   uint32(maxWidth),
		minHeight:  2,
		maxHeight:  uint32(maxHeight),
		maxBuffers: 1,
		maxOpeners: int32(l.maxOpeners),
	}
	copy(cfg.cardLabel[:len(cfg.cardLabel)-1], label)

	var nr int
	err := l.withControl(func(fd int) error {
		r, err := ioctl(fd, loopbackCtlAdd, uintptr(unsafe.Pointer(&cfg)))
		if err != nil {
			return errors.Wrap(err, "Can not add loopback device")
		}
		nr = int(r)
		return nil
	})
	return nr, err
}

// DestroyDevice implements Driver.
func (l *Loopback) DestroyDevice(nr int) error {
	return l.withControl(func(fd int) error {
		if _, err := ioctl(fd, loopbackCtlRemove, uintptr(nr)); err != nil {
			return errors.Wrapf(err, "Can not remove device %d", nr)
		}
		return nil
	})
}

// OpenDevice implements Driver.
func (l *Loopback) OpenDevice(nr int) (Output, error) {
	path := fmt.Sprintf("/dev/video%d", nr)
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "Can not open %s", path)
	}
	return &loopbackOutput{path: path, fd: fd}, nil
}

type loopbackOutput struct {
	path string
	fd   int

	mu     sync.Mutex
	events chan int
	quit   chan struct{}
	done   chan struct{}
	wake   [2]int
	err    error

	unsubscribeOnce sync.Once
	closeOnce       sync.Once
}

func (o *loopbackOutput) Path() string {
	return o.path
}

func (o *loopbackOutput) Write(b []byte) (int, error) {
	n, err := unix.Write(o.fd, b)
	if n < 0 {
		n = 0
	}
	return n, err
}

func (o *loopbackOutput) SetFormat(width, height int) error {
	f := format{typ: bufTypeVideoOutput}
	pix := (*pixFormat)(unsafe.Pointer(&f.fmt))
	pix.width = uint32(width)
	pix.height = uint32(height)
	pix.pixelformat = pixFmtYVU420
	pix.field = fieldNone
	pix.bytesperline = uint32(width)
	pix.sizeimage = uint32(width * height * 3 / 2)

	if _, err := ioctl(o.fd, vidiocSFmt, uintptr(unsafe.Pointer(&f))); err != nil {
		return errors.Wrapf(err, "Can not set format on %s", o.path)
	}
	return nil
}

func (o *loopbackOutput) Subscribe() (<-chan int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.events != nil {
		return o.events, nil
	}

	sub := eventSubscription{typ: eventClientUsage}
	if _, err := ioctl(o.fd, vidiocSubscribeEvent, uintptr(unsafe.Pointer(&sub))); err != nil {
		return nil, errors.Wrapf(err, "Can not subscribe to events on %s", o.path)
	}

	var wake [2]int
	if err := unix.Pipe2(wake[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, errors.Wrap(err, "Can not create wake pipe")
	}

	o.wake = wake
	o.events = make(chan int)
	o.quit = make(chan struct{})
	o.done = make(chan struct{})
	go o.readEvents()
	return o.events, nil
}

func (o *loopbackOutput) readEvents() {
	defer close(o.done)
	defer close(o.events)

	fds := []unix.PollFd{
		{Fd: int32(o.fd), Events: unix.POLLPRI},
		{Fd: int32(o.wake[0]), Events: unix.POLLIN},
	}
	for {
		fds[0].Revents, fds[1].Revents = 0, 0
		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			o.fail(errors.Wrapf(err, "Poll failed on %s", o.path))
			return
		}
		if fds[1].Revents != 0 {
			return
		}

		revents := fds[0].Revents
		if revents&unix.POLLPRI == 0 {
			if revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
				o.fail(errors.Errorf("%s: poll revents %#x", o.path, revents))
				return
			}
			continue
		}

		var ev event
		if _, err := ioctl(o.fd, vidiocDQEvent, uintptr(unsafe.Pointer(&ev))); err != nil {
			if err == unix.EAGAIN || err == unix.ENOENT || err == unix.EINTR {
				continue
			}
			o.fail(errors.Wrapf(err, "Can not dequeue event on %s", o.path))
			return
		}
		if ev.typ != eventClientUsage {
			continue
		}

		count := int(*(*uint32)(unsafe.Pointer(&ev.u[0])))
		select {
		case o.events <- count:
		case <-o.quit:
			return
		}
	}
}

func (o *loopbackOutput) fail(err error) {
	o.mu.Lock()
	o.err = err
	o.mu.Unlock()
}

func (o *loopbackOutput) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

func (o *loopbackOutput) Unsubscribe() {
	o.mu.Lock()
	subscribed := o.events != nil
	o.mu.Unlock()
	if !subscribed {
		return
	}

	o.unsubscribeOnce.Do(func() {
		close(o.quit)
		unix.Write(o.wake[1], []byte{1})
		<-o.done
		unix.Close(o.wake[0])
		unix.Close(o.wake[1])
	})
}

func (o *loopbackOutput) Close() error {
	var err error
	o.closeOnce.Do(func() {
		o.Unsubscribe()
		err = unix.Close(o.fd)
	})
	return err
}
