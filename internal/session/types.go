// Package session implements the conversational session controller: the
// single authority over turn-taking, wake-word gating, capture arbitration
// and inference dispatch for one stylist session.
package session

import (
	"context"
	"time"

	"github.com/neverendingsdreams/mira-stylist/internal/inference"
)

// Phase is the current turn-taking phase. Exactly one phase holds at any
// moment.
type Phase int

const (
	Idle Phase = iota
	Listening
	Processing
	Speaking
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Processing:
		return "processing"
	case Speaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Trigger identifies what initiated a capture-and-analyze cycle.
type Trigger int

const (
	TriggerManual Trigger = iota
	TriggerGesture
	TriggerMonitor
)

func (t Trigger) String() string {
	switch t {
	case TriggerManual:
		return "manual"
	case TriggerGesture:
		return "gesture"
	case TriggerMonitor:
		return "monitor"
	default:
		return "unknown"
	}
}

// Role marks who produced a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry in the append-only conversation log.
type Turn struct {
	Role     Role
	Content  string
	At       time.Time
	ImageRef string
	Products []inference.ProductLink
}

// State is a read-only snapshot of the controller's flags.
type State struct {
	Phase           Phase
	WakeWordArmed   bool
	ContinuousMode  bool
	Monitoring      bool
	CaptureInFlight bool
}

// Recognizer is one live speech-to-text session. Streams are single use:
// Close tears the session down and closes both channels.
type Recognizer interface {
	Partials() <-chan string
	Finalize() <-chan string
	Close() error
}

// RecognizerFactory opens a fresh recognizer. It returns
// speech.ErrUnsupportedPlatform or speech.ErrMicrophoneUnavailable when the
// audio path cannot be established.
type RecognizerFactory func() (Recognizer, error)

// Speaker plays one utterance at a time. Speak blocks until the utterance is
// delivered or cancelled; Cancel is idempotent.
type Speaker interface {
	Speak(ctx context.Context, text string) error
	Cancel()
}

// Camera is the controller's view of the media capture adapter.
type Camera interface {
	Acquire() error
	Active() bool
	Snapshot() ([]byte, error)
	Stop()
}

// Inferencer sends one turn to the stylist backend.
type Inferencer interface {
	Infer(ctx context.Context, r inference.Request) (inference.Result, error)
}

// GestureControl pauses gesture classification while an analysis is in
// flight. May be nil.
type GestureControl interface {
	Pause()
	Resume()
}

// Archiver persists a completed outfit analysis. May be nil.
type Archiver interface {
	SaveAnalysis(jpeg []byte, text string) (imageRef string, err error)
}

// NoticeKind tags a Notice for the client transport.
type NoticeKind int

const (
	NoticeState NoticeKind = iota
	NoticeTurn
	NoticeError
	NoticeShowCamera
	NoticeLiveAnalysis
	NoticePartial
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeState:
		return "state"
	case NoticeTurn:
		return "turn"
	case NoticeError:
		return "error"
	case NoticeShowCamera:
		return "show_camera"
	case NoticeLiveAnalysis:
		return "live_analysis"
	case NoticePartial:
		return "partial"
	default:
		return "unknown"
	}
}

// Notice is a user-visible event pushed to the client transport.
type Notice struct {
	Kind    NoticeKind
	State   State
	Turn    *Turn
	Message string
}

// Notifier receives notices. May be nil.
type Notifier interface {
	Notify(Notice)
}

// Config carries the session's tunables. Phrase matching is
// case-insensitive substring.
type Config struct {
	WakePhrases     []string
	ExitPhrases     []string
	Acknowledgment  string
	Farewell        string
	MonitorInterval time.Duration
	Preferences     map[string]string
}

func (c *Config) applyDefaults() {
	if len(c.WakePhrases) == 0 {
		c.WakePhrases = []string{"hey mira", "hi mira", "hello mira"}
	}
	if len(c.ExitPhrases) == 0 {
		c.ExitPhrases = []string{"bye mira", "goodbye mira", "stop listening"}
	}
	if c.Acknowledgment == "" {
		c.Acknowledgment = "Yes? I'm listening."
	}
	if c.Farewell == "" {
		c.Farewell = "Goodbye! Say my name when you need me."
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 10 * time.Second
	}
}
