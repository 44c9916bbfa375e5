package capture

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/blackjack/webcam"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/abihf/camsink/negotiate"
)

var sysfsRoot = "/sys/class/video4linux"

const focusAuto webcam.ControlID = 0x009a090c

// pixFmtYU12 is planar 4:2:0, U plane before V plane.
var pixFmtYU12 = webcam.PixelFormat('Y' | 'U'<<8 | '1'<<16 | '2'<<24)

// V4L2Options configures the V4L2 capture service.
type V4L2Options struct {
	// Devices lists the cameras to use. When empty, every non virtual
	// /dev/video* node is used, facing back with no rotation.
	Devices []Info
	Glob    string
}

// V4L2 is a Service backed by Video4Linux capture devices.
type V4L2 struct {
	opts V4L2Options
	log  *slog.Logger

	initOnce sync.Once
	initErr  error

	mu      sync.Mutex
	cameras []Info
}

// NewV4L2 returns a capture service for V4L2 devices.
func NewV4L2(opts V4L2Options, log *slog.Logger) *V4L2 {
	if opts.Glob == "" {
		opts.Glob = "/dev/video*"
	}
	if log == nil {
		log = slog.Default()
	}
	return &V4L2{opts: opts, log: log}
}

// Init implements Service.
func (v *V4L2) Init() error {
	v.initOnce.Do(func() {
		if _, err := os.Stat(sysfsRoot); err != nil {
			v.initErr = errors.Wrap(err, "Video4Linux is not available")
		}
	})
	return v.initErr
}

// ListCameras implements Service.
func (v *V4L2) ListCameras() ([]Info, error) {
	var cameras []Info
	if len(v.opts.Devices) > 0 {
		for i, d := range v.opts.Devices {
			d.Index = i
			cameras = append(cameras, d)
		}
	} else {
		paths, err := scanDevices(v.opts.Glob)
		if err != nil {
			return nil, err
		}
		for i, path := range paths {
			cameras = append(cameras, Info{Index: i, Device: path, Facing: FacingBack})
		}
	}

	v.mu.Lock()
	v.cameras = cameras
	v.mu.Unlock()
	return append([]Info(nil), cameras...), nil
}

func scanDevices(glob string) ([]string, error) {
	paths, err := filepath.Glob(glob)
	if err != nil {
		return nil, errors.Wrap(err, "Can not scan devices")
	}
	sort.Slice(paths, func(i, j int) bool {
		return deviceNumber(paths[i]) < deviceNumber(paths[j])
	})

	var devices []string
	for _, path := range paths {
		if isVirtual(path) {
			continue
		}
		devices = append(devices, path)
	}
	return devices, nil
}

func deviceNumber(path string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(filepath.Base(path), "video"))
	if err != nil {
		return 1 << 30
	}
	return n
}

// isVirtual reports whether a node belongs to a virtual driver, such as an
// existing loopback sink.
func isVirtual(path string) bool {
	target, err := filepath.EvalSymlinks(filepath.Join(sysfsRoot, filepath.Base(path)))
	if err != nil {
		return false
	}
	return strings.Contains(target, "/devices/virtual/")
}

// Open implements Service.
func (v *V4L2) Open(index int) (Session, error) {
	v.mu.Lock()
	cameras := v.cameras
	v.mu.Unlock()
	if cameras == nil {
		var err error
		if cameras, err = v.ListCameras(); err != nil {
			return nil, err
		}
	}
	if index < 0 || index >= len(cameras) {
		return nil, errors.Errorf("no camera %d", index)
	}

	path := cameras[index].Device
	cam, err := webcam.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "Can not open %s", path)
	}
	return &v4l2Session{
		path:   path,
		cam:    cam,
		log:    v.log.With("camera", index, "device", path),
		lockFd: -1,
		fps:    negotiate.FrameRate,
	}, nil
}

type v4l2Session struct {
	path string
	cam  *webcam.Webcam
	log  *slog.Logger

	mu     sync.Mutex
	lockFd int
	size   negotiate.Size
	fps    int

	stop chan struct{}
	done chan struct{}
}

func (s *v4l2Session) Lock() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockFd >= 0 {
		return nil
	}

	fd, err := unix.Open(s.path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return errors.Wrapf(err, "Can not open %s for locking", s.path)
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		if err == unix.EWOULDBLOCK {
			return errors.Errorf("%s is locked by another process", s.path)
		}
		return errors.Wrapf(err, "Can not lock %s", s.path)
	}
	s.lockFd = fd
	return nil
}

func (s *v4l2Session) Unlock() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockFd < 0 {
		return nil
	}
	err := unix.Flock(s.lockFd, unix.LOCK_UN)
	unix.Close(s.lockFd)
	s.lockFd = -1
	return errors.Wrapf(err, "Can not unlock %s", s.path)
}

func (s *v4l2Session) Close() error {
	if err := s.StopStreaming(); err != nil {
		s.log.Warn("Can not stop streaming", "error", err)
	}
	s.Unlock()
	return errors.Wrapf(s.cam.Close(), "Can not close %s", s.path)
}

func (s *v4l2Session) sizeValues() []string {
	if _, ok := s.cam.GetSupportedFormats()[pixFmtYU12]; !ok {
		return nil
	}

	var values []string
	for _, fs := range s.cam.GetSupportedFrameSizes(pixFmtYU12) {
		values = append(values, fmt.Sprintf("%dx%d", fs.MaxWidth, fs.MaxHeight))
		if fs.MinWidth != fs.MaxWidth || fs.MinHeight != fs.MaxHeight {
			values = append(values, fmt.Sprintf("%dx%d", fs.MinWidth, fs.MinHeight))
		}
	}
	return values
}

func (s *v4l2Session) Parameters() string {
	values := s.sizeValues()

	s.mu.Lock()
	size, fps := s.size, s.fps
	s.mu.Unlock()

	p := &negotiate.Params{}
	if size.Width > 0 {
		p.Set(negotiate.KeyPreviewSize, size.String())
	} else if len(values) > 0 {
		p.Set(negotiate.KeyPreviewSize, values[0])
	}
	p.Set(negotiate.KeyPreviewSizeValues, strings.Join(values, ","))
	p.Set(negotiate.KeyFrameRate, strconv.Itoa(fps))
	if len(values) > 0 {
		p.Set(negotiate.KeyFormat, negotiate.FormatYUV420P)
		p.Set(negotiate.KeyFormatValues, negotiate.FormatYUV420P)
	}
	return p.String()
}

func (s *v4l2Session) Capability(key string) (string, error) {
	p, err := negotiate.ParseParams(s.Parameters())
	if err != nil {
		return "", err
	}
	value, ok := p.Get(key)
	if !ok || value == "" {
		return "", errors.Wrapf(ErrCapabilityUnavailable, "%s on %s", key, s.path)
	}
	return value, nil
}

func (s *v4l2Session) SetParameters(params string) error {
	p, err := negotiate.ParseParams(params)
	if err != nil {
		return err
	}

	if format, ok := p.Get(negotiate.KeyFormat); ok && format != negotiate.FormatYUV420P {
		return errors.Errorf("unsupported preview format %q", format)
	}

	if value, ok := p.Get(negotiate.KeyPreviewSize); ok {
		want, err := negotiate.ParseSize(value)
		if err != nil {
			return err
		}
		f, w, h, err := s.cam.SetImageFormat(pixFmtYU12, uint32(want.Width), uint32(want.Height))
		if err != nil {
			return errors.Wrapf(err, "Can not set format %v", want)
		}
		if f != pixFmtYU12 || int(w) != want.Width || int(h) != want.Height {
			return errors.Errorf("driver chose format %#x %dx%d instead of yuv420p %v", uint32(f), w, h, want)
		}
		s.mu.Lock()
		s.size = want
		s.mu.Unlock()
	}

	if value, ok := p.Get(negotiate.KeyFrameRate); ok {
		fps, err := strconv.Atoi(value)
		if err != nil {
			return errors.Wrapf(err, "invalid frame rate %q", value)
		}
		if err := s.cam.SetFramerate(float32(fps)); err != nil {
			s.log.Warn("Can not set frame rate", "fps", fps, "error", err)
		} else {
			s.mu.Lock()
			s.fps = fps
			s.mu.Unlock()
		}
	}
	return nil
}

func (s *v4l2Session) StartAutoFocus() {
	go func() {
		if err := s.cam.SetControl(focusAuto, 1); err != nil {
			s.log.Debug("Auto focus not available", "error", err)
		}
	}()
}

func (s *v4l2Session) StartStreaming(fn FrameFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return errors.New("already streaming")
	}

	if err := s.cam.StartStreaming(); err != nil {
		return errors.Wrap(err, "Can not start streaming")
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.stream(fn, s.stop, s.done)
	return nil
}

func (s *v4l2Session) stream(fn FrameFunc, stop, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		default:
		}

		err := s.cam.WaitForFrame(1)
		switch err.(type) {
		case nil:
		case *webcam.Timeout:
			continue
		default:
			s.log.Error("Frame wait failed", "error", err)
			return
		}

		frame, index, err := s.cam.GetFrame()
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				continue
			}
			s.log.Error("Read frame failed", "error", err)
			return
		}
		if len(frame) > 0 {
			fn(frame)
		}
		if err := s.cam.ReleaseFrame(index); err != nil {
			s.log.Error("Release frame failed", "error", err)
			return
		}
	}
}

func (s *v4l2Session) StopStreaming() error {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return nil
	}

	close(stop)
	<-done
	return errors.Wrap(s.cam.StopStreaming(), "Can not stop streaming")
}
