// Package capturetest provides an in-memory capture.Service.
package capturetest

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/abihf/camsink/capture"
	"github.com/abihf/camsink/negotiate"
)

// Failure points that can be injected per camera.
const (
	FailOpen = 1 << iota
	FailLock
	FailParameters
	FailStreaming
)

// Camera is a fake camera.
type Camera struct {
	Info capture.Info
	// Parameters is the live parameter set a fresh session starts with.
	Parameters string
	Fail       int
}

// Service records sessions and the number open at once.
type Service struct {
	// OnOpen, when set, runs inside every Open call before the session is
	// handed out.
	OnOpen func(index int)

	InitErr error
	ListErr error

	mu       sync.Mutex
	cameras  []Camera
	inits    int
	open     int
	maxOpen  int
	opened   map[int]int
	sessions []*Session
}

// NewService returns a service with the given cameras. Camera indices are
// assigned in order.
func NewService(cameras ...Camera) *Service {
	for i := range cameras {
		cameras[i].Info.Index = i
	}
	return &Service{cameras: cameras, opened: make(map[int]int)}
}

// SetFail replaces the failure points of camera index.
func (s *Service) SetFail(index, points int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cameras[index].Fail = points
}

func (s *Service) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inits++
	return s.InitErr
}

func (s *Service) ListCameras() ([]capture.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	infos := make([]capture.Info, len(s.cameras))
	for i, c := range s.cameras {
		infos[i] = c.Info
	}
	return infos, nil
}

func (s *Service) Open(index int) (capture.Session, error) {
	if s.OnOpen != nil {
		s.OnOpen(index)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.cameras) {
		return nil, errors.Errorf("fake: no camera %d", index)
	}
	cam := s.cameras[index]
	if cam.Fail&FailOpen != 0 {
		return nil, errors.Errorf("fake: camera %d refused to open", index)
	}

	s.open++
	if s.open > s.maxOpen {
		s.maxOpen = s.open
	}
	s.opened[index]++
	sess := &Session{svc: s, index: index, fail: cam.Fail, params: cam.Parameters}
	s.sessions = append(s.sessions, sess)
	return sess, nil
}

// Inits returns how often Init was called.
func (s *Service) Inits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inits
}

// Opened returns how many sessions were opened for camera index.
func (s *Service) Opened(index int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened[index]
}

// OpenNow returns the number of sessions not closed yet.
func (s *Service) OpenNow() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// MaxOpen returns the highest number of sessions open at the same time.
func (s *Service) MaxOpen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxOpen
}

// Sessions returns every session opened for camera index, oldest first.
func (s *Service) Sessions(index int) []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Session
	for _, sess := range s.sessions {
		if sess.index == index {
			out = append(out, sess)
		}
	}
	return out
}

// Streaming returns the session of camera index that is streaming, if any.
func (s *Service) Streaming(index int) *Session {
	for _, sess := range s.Sessions(index) {
		if sess.IsStreaming() {
			return sess
		}
	}
	return nil
}

// Session is a fake capture.Session.
type Session struct {
	svc   *Service
	index int
	fail  int

	mu        sync.Mutex
	params    string
	applied   []string
	locked    bool
	unlocks   int
	closed    bool
	focused   bool
	streaming bool
	fn        capture.FrameFunc
}

func (s *Session) Lock() error {
	if s.fail&FailLock != 0 {
		return errors.New("fake: lock failed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locked = true
	return nil
}

func (s *Session) Unlock() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locked = false
	s.unlocks++
	return nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("fake: closed twice")
	}
	s.closed = true
	s.mu.Unlock()

	s.svc.mu.Lock()
	s.svc.open--
	s.svc.mu.Unlock()
	return nil
}

func (s *Session) Parameters() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

func (s *Session) Capability(key string) (string, error) {
	p, err := negotiate.ParseParams(s.Parameters())
	if err != nil {
		return "", err
	}
	v, ok := p.Get(key)
	if !ok {
		return "", errors.Wrap(capture.ErrCapabilityUnavailable, key)
	}
	return v, nil
}

func (s *Session) SetParameters(params string) error {
	if s.fail&FailParameters != 0 {
		return errors.New("fake: parameters rejected")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = params
	s.applied = append(s.applied, params)
	return nil
}

func (s *Session) StartAutoFocus() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.focused = true
}

func (s *Session) StartStreaming(fn capture.FrameFunc) error {
	if s.fail&FailStreaming != 0 {
		return errors.New("fake: streaming failed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streaming = true
	s.fn = fn
	return nil
}

func (s *Session) StopStreaming() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streaming = false
	s.fn = nil
	return nil
}

// Emit delivers frame to the streaming callback, as the capture thread
// would. It reports whether a callback was registered.
func (s *Session) Emit(frame []byte) bool {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(frame)
	return true
}

// Applied returns every parameter string passed to SetParameters.
func (s *Session) Applied() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.applied...)
}

// IsStreaming reports whether the session is streaming.
func (s *Session) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// IsClosed reports whether Close was called.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// IsLocked reports whether the session is locked.
func (s *Session) IsLocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

// Unlocks returns how often Unlock was called.
func (s *Session) Unlocks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unlocks
}

// Focused reports whether StartAutoFocus was called.
func (s *Session) Focused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focused
}
