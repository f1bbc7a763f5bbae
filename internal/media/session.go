package media

import (
	"errors"
	"log"
	"sync"
	"time"
)

// Device errors surfaced to the session controller. They are reported to the
// user and never cause a state transition.
var (
	ErrPermissionDenied = errors.New("media: camera permission denied")
	ErrDeviceNotFound   = errors.New("media: no camera device found")
	ErrDeviceBusy       = errors.New("media: camera in use by another application")
	ErrNotActive        = errors.New("media: session not active")
)

// Source abstracts the device (or, in the gateway, the connected browser)
// that produces still frames.
type Source interface {
	// Open acquires the underlying device. It should return one of the
	// sentinel errors above on permission/device failures.
	Open() error
	// Capture returns the current frame as JPEG bytes.
	Capture() ([]byte, error)
	Close() error
}

// Frame is an immutable snapshot taken from an active session.
type Frame struct {
	JPEG []byte
	At   time.Time
}

// State is the camera session lifecycle. Stopped is terminal; reuse requires
// a fresh acquisition.
type State int

const (
	Uninitialized State = iota
	Acquiring
	Active
	Stopped
)

// Session wraps one acquired camera handle. All frame access goes through
// Snapshot; no other component holds a second handle.
type Session struct {
	mu        sync.Mutex
	state     State
	src       Source
	idleTimer *time.Timer
	idle      time.Duration
	onStop    func()
}

// Adapter owns at most one active Session per device. Acquire while a session
// is active is a no-op returning the existing handle.
type Adapter struct {
	mu     sync.Mutex
	src    Source
	idle   time.Duration
	onStop func()
	cur    *Session
}

// NewAdapter constructs an Adapter. onStop is invoked (once per session, from
// a separate goroutine) when the camera is released by timeout or Stop, so
// the controller can leave capture-dependent states.
func NewAdapter(src Source, idleTimeout time.Duration, onStop func()) *Adapter {
	return &Adapter{src: src, idle: idleTimeout, onStop: onStop}
}

// Acquire opens the camera, or returns the existing active session.
func (a *Adapter) Acquire() (*Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cur != nil && a.cur.ActiveState() == Active {
		return a.cur, nil
	}

	s := &Session{state: Acquiring, src: a.src, idle: a.idle, onStop: a.onStop}
	if err := a.src.Open(); err != nil {
		s.state = Stopped
		return nil, err
	}
	s.state = Active
	if s.idle > 0 {
		s.idleTimer = time.AfterFunc(s.idle, s.idleStop)
	}
	a.cur = s
	return s, nil
}

// Current returns the active session, or nil.
func (a *Adapter) Current() *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cur != nil && a.cur.ActiveState() == Active {
		return a.cur
	}
	return nil
}

// ActiveState returns the session lifecycle state.
func (s *Session) ActiveState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Active reports whether frames can currently be captured.
func (s *Session) Active() bool { return s.ActiveState() == Active }

// Snapshot produces an immutable frame from the live feed and resets the
// inactivity timer.
func (s *Session) Snapshot() (Frame, error) {
	s.mu.Lock()
	if s.state != Active {
		s.mu.Unlock()
		return Frame{}, ErrNotActive
	}
	if s.idleTimer != nil {
		s.idleTimer.Reset(s.idle)
	}
	src := s.src
	s.mu.Unlock()

	data, err := src.Capture()
	if err != nil {
		return Frame{}, err
	}
	out := make([]byte, len(data))
	copy(out, data)
	return Frame{JPEG: out, At: time.Now()}, nil
}

// Stop releases the camera. Safe to call more than once.
func (s *Session) Stop() { s.stop(false) }

func (s *Session) idleStop() {
	log.Printf("media: camera released after %s of inactivity", s.idle)
	s.stop(true)
}

func (s *Session) stop(notify bool) {
	s.mu.Lock()
	if s.state != Active {
		s.mu.Unlock()
		return
	}
	s.state = Stopped
	if s.idleTimer != nil {
		_ = s.idleTimer.Stop()
		s.idleTimer = nil
	}
	src := s.src
	onStop := s.onStop
	s.mu.Unlock()

	if err := src.Close(); err != nil {
		log.Printf("media: close: %v", err)
	}
	// Explicit Stop is caller-initiated; only timeout releases notify, so the
	// controller can distinguish loss of camera from its own teardown.
	if notify && onStop != nil {
		go onStop()
	}
}
