package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/neverendingsdreams/mira-stylist/internal/gesture"
	"github.com/neverendingsdreams/mira-stylist/internal/inference"
	"github.com/neverendingsdreams/mira-stylist/internal/media"
	"github.com/neverendingsdreams/mira-stylist/internal/session"
	"github.com/neverendingsdreams/mira-stylist/internal/speech"
	"github.com/neverendingsdreams/mira-stylist/internal/synth"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin: func(r *http.Request) bool {
		// browser demo; restrict in production
		return true
	},
}

// clientMessage is the inbound WebSocket envelope.
type clientMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	JPEG    string `json:"jpeg,omitempty"` // base64 camera frame
	PCM     string `json:"pcm,omitempty"`  // base64 16k mono PCM
	Trigger string `json:"trigger,omitempty"`
}

// serverMessage is the outbound envelope for notices and synthesized audio.
type serverMessage struct {
	Type    string     `json:"type"`
	State   *stateJSON `json:"state,omitempty"`
	Turn    *turnJSON  `json:"turn,omitempty"`
	Message string     `json:"message,omitempty"`
	PCM     string     `json:"pcm,omitempty"` // base64 48k mono PCM
}

type stateJSON struct {
	Phase           string `json:"phase"`
	WakeWordArmed   bool   `json:"wakeWordArmed"`
	ContinuousMode  bool   `json:"continuousMode"`
	Monitoring      bool   `json:"monitoring"`
	CaptureInFlight bool   `json:"captureInFlight"`
}

type turnJSON struct {
	Role     string                  `json:"role"`
	Content  string                  `json:"content"`
	At       time.Time               `json:"at"`
	ImageURL string                  `json:"imageUrl,omitempty"`
	Products []inference.ProductLink `json:"products,omitempty"`
}

// wsWriter serializes all writes on one connection.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) send(m serverMessage) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.WriteJSON(m); err != nil {
		log.Printf("gateway: ws write: %v", err)
	}
}

// clientSource adapts frames pushed by the browser into a media.Source.
type clientSource struct {
	mu    sync.Mutex
	open  bool
	frame []byte
}

var errNoFrame = errors.New("gateway: no camera frame received yet")

func (f *clientSource) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = true
	return nil
}

func (f *clientSource) Capture() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return nil, media.ErrNotActive
	}
	if len(f.frame) == 0 {
		return nil, errNoFrame
	}
	out := make([]byte, len(f.frame))
	copy(out, f.frame)
	return out, nil
}

func (f *clientSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	f.frame = nil
	return nil
}

func (f *clientSource) push(jpeg []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frame = jpeg
}

// cameraAdapter narrows the media adapter to the controller's camera view.
type cameraAdapter struct{ a *media.Adapter }

func (c cameraAdapter) Acquire() error {
	_, err := c.a.Acquire()
	return err
}

func (c cameraAdapter) Active() bool {
	s := c.a.Current()
	return s != nil && s.Active()
}

func (c cameraAdapter) Snapshot() ([]byte, error) {
	s := c.a.Current()
	if s == nil {
		return nil, media.ErrNotActive
	}
	f, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	return f.JPEG, nil
}

func (c cameraAdapter) Stop() {
	if s := c.a.Current(); s != nil {
		s.Stop()
	}
}

// wsSink delivers synthesized PCM back over the WebSocket.
type wsSink struct{ w *wsWriter }

func (s *wsSink) WritePCM(pcm []byte) {
	s.w.send(serverMessage{Type: "audio", PCM: base64.StdEncoding.EncodeToString(pcm)})
}

func (s *wsSink) FlushTail() { s.w.send(serverMessage{Type: "audio_end"}) }
func (s *wsSink) Reset()     { s.w.send(serverMessage{Type: "audio_reset"}) }

// silentVoice keeps text-only sessions working when no TTS is configured.
type silentVoice struct{}

func (silentVoice) StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcm := make(chan []byte)
	errs := make(chan error)
	close(pcm)
	close(errs)
	return pcm, errs
}

type wsNotifier struct{ w *wsWriter }

func (n wsNotifier) Notify(v session.Notice) {
	m := serverMessage{Type: v.Kind.String(), Message: v.Message}
	if v.Kind == session.NoticeState {
		m.State = &stateJSON{
			Phase:           v.State.Phase.String(),
			WakeWordArmed:   v.State.WakeWordArmed,
			ContinuousMode:  v.State.ContinuousMode,
			Monitoring:      v.State.Monitoring,
			CaptureInFlight: v.State.CaptureInFlight,
		}
	}
	if v.Turn != nil {
		m.Turn = &turnJSON{
			Role:     string(v.Turn.Role),
			Content:  v.Turn.Content,
			At:       v.Turn.At,
			ImageURL: v.Turn.ImageRef,
			Products: v.Turn.Products,
		}
	}
	n.w.send(m)
}

func (s *Server) serveSession(c echo.Context) error {
	conn, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("gateway: ws upgrade: %v", err)
		return nil
	}
	defer func() { _ = conn.Close() }()
	log.Printf("gateway: session connected from %s", c.RealIP())

	w := &wsWriter{conn: conn}
	src := &clientSource{}
	mic := &speech.Router{APIKey: s.deps.SpeechKey}

	idle := time.Duration(s.deps.CameraIdle) * time.Second
	if idle <= 0 {
		idle = 60 * time.Second
	}

	var ctrl controlSurface
	var ctrlMu sync.Mutex
	adapter := media.NewAdapter(src, idle, func() {
		ctrlMu.Lock()
		cur := ctrl
		ctrlMu.Unlock()
		if cur != nil {
			cur.OnMediaStopped()
		}
	})
	camera := cameraAdapter{a: adapter}

	voice := s.deps.Voice
	if voice == nil {
		voice = silentVoice{}
	}
	speaker := synth.NewSpeaker(voice, &wsSink{w: w})

	deps := session.Deps{
		Recognize: func() (session.Recognizer, error) { return mic.Open() },
		Speaker:   speaker,
		Camera:    camera,
		Backend:   s.deps.Backend,
		Archive:   s.deps.Archive,
		Notifier:  wsNotifier{w: w},
	}

	var detector *gesture.Detector
	gestureCtx, stopGestures := context.WithCancel(c.Request().Context())
	defer stopGestures()
	if s.deps.Classifier != nil {
		detector = gesture.NewDetector(s.deps.GestureConfig, s.deps.Classifier, camera.Snapshot, func() {
			ctrlMu.Lock()
			cur := ctrl
			ctrlMu.Unlock()
			if cur != nil {
				cur.CaptureAndAnalyze(session.TriggerGesture)
			}
		})
		deps.Gestures = detector
	}

	ctrlMu.Lock()
	ctrl = s.deps.newSession(deps)
	ctrlMu.Unlock()
	defer func() {
		_ = ctrl.Close()
		camera.Stop()
	}()

	if detector != nil {
		go detector.Run(gestureCtx)
	}

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("gateway: ws read: %v", err)
			}
			return nil
		}
		s.dispatchClientMessage(ctrl, camera, src, mic, w, msg)
	}
}

func (s *Server) dispatchClientMessage(ctrl controlSurface, camera cameraAdapter, src *clientSource, mic *speech.Router, w *wsWriter, msg clientMessage) {
	switch msg.Type {
	case "text":
		ctrl.HandleText(msg.Text)
	case "frame":
		jpeg, err := base64.StdEncoding.DecodeString(msg.JPEG)
		if err != nil {
			w.send(serverMessage{Type: "error", Message: "malformed frame"})
			return
		}
		src.push(jpeg)
	case "audio":
		pcm, err := base64.StdEncoding.DecodeString(msg.PCM)
		if err != nil {
			w.send(serverMessage{Type: "error", Message: "malformed audio"})
			return
		}
		mic.SendPCM16KLE(pcm)
	case "open_camera":
		if err := camera.Acquire(); err != nil {
			w.send(serverMessage{Type: "error", Message: err.Error()})
		}
	case "close_camera":
		camera.Stop()
	case "start_listening":
		if err := ctrl.StartListening(); err != nil {
			w.send(serverMessage{Type: "error", Message: err.Error()})
		}
	case "stop_listening":
		ctrl.StopListening()
	case "capture":
		ctrl.CaptureAndAnalyze(session.TriggerManual)
	case "toggle_monitoring":
		ctrl.ToggleMonitoring()
	case "toggle_wake_word":
		if err := ctrl.ToggleWakeWord(); err != nil {
			w.send(serverMessage{Type: "error", Message: err.Error()})
		}
	case "cancel":
		ctrl.Cancel()
	default:
		w.send(serverMessage{Type: "error", Message: "unknown message type " + msg.Type})
	}
}
