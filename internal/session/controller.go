package session

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/neverendingsdreams/mira-stylist/internal/inference"
)

// ErrClosed is returned by operations posted after Close.
var ErrClosed = errors.New("session: controller closed")

const (
	capturePrompt = "How does this outfit look?"
	monitorPrompt = "Give me updated feedback on my outfit."
)

type speakKind int

const (
	speakReply speakKind = iota
	speakAck
	speakFarewell
)

type evKind int

const (
	evStartListening evKind = iota
	evStopListening
	evText
	evTranscriptFinal
	evTranscriptPartial
	evRecognizerEnded
	evCapture
	evMonitorTick
	evToggleMonitoring
	evToggleWakeWord
	evInferenceDone
	evSpeakDone
	evMediaStopped
	evCancel
	evState
	evTurns
)

// event is the single message type consumed by the run loop. Every state
// transition happens there; public methods only post events.
type event struct {
	kind evKind

	text    string
	trigger Trigger
	capture bool

	gen    uint64 // inference generation
	listen uint64 // recognizer generation
	speak  uint64 // utterance generation
	sk     speakKind

	result inference.Result
	err    error

	reply    chan error
	stateOut chan State
	turnsOut chan []Turn
}

// Deps are the controller's collaborators. Recognize, Speaker and Backend
// are required; the rest may be nil.
type Deps struct {
	Recognize RecognizerFactory
	Speaker   Speaker
	Camera    Camera
	Backend   Inferencer
	Gestures  GestureControl
	Archive   Archiver
	Notifier  Notifier
}

// Controller runs one stylist session. All session state lives on the run
// goroutine; there are no locks around transitions.
type Controller struct {
	cfg  Config
	deps Deps

	ctx       context.Context
	cancelCtx context.CancelFunc
	events    chan event
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// run-loop state
	phase        Phase
	wakeArmed    bool
	continuous   bool
	monitoring   bool
	guard        bool
	ackPending   bool
	turns        []Turn
	inferGen     uint64
	speakGen     uint64
	listenGen    uint64
	rec          Recognizer
	recWake      bool
	monitorStop  chan struct{}
	pendingFrame []byte
}

func New(cfg Config, deps Deps) *Controller {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:       cfg,
		deps:      deps,
		ctx:       ctx,
		cancelCtx: cancel,
		events:    make(chan event, 64),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	go c.run()
	return c
}

// Close tears the session down: stops monitoring, recognition and playback,
// and marks any in-flight inference stale.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	<-c.done
	return nil
}

// StartListening begins a manual voice-input session. It is a no-op when
// the session is not idle, and fails without a state change when the
// microphone path cannot be established.
func (c *Controller) StartListening() error {
	return c.postWait(event{kind: evStartListening})
}

// StopListening ends a manual voice-input session, returning to idle.
func (c *Controller) StopListening() { c.post(event{kind: evStopListening}) }

// HandleText feeds one typed user message into the conversation. Dropped
// unless the session is idle.
func (c *Controller) HandleText(text string) { c.post(event{kind: evText, text: text}) }

// CaptureAndAnalyze snapshots the live camera and sends the frame for
// styling feedback. No-op while an analysis is already in flight or the
// camera is not active.
func (c *Controller) CaptureAndAnalyze(trigger Trigger) {
	c.post(event{kind: evCapture, trigger: trigger})
}

// ToggleMonitoring flips periodic outfit re-analysis. Activation performs
// one immediate capture and then fires on a fixed interval; ticks that land
// while an analysis is pending are dropped, not queued.
func (c *Controller) ToggleMonitoring() { c.post(event{kind: evToggleMonitoring}) }

// ToggleWakeWord flips passive wake-phrase listening. Arming while a
// conversation is active ends the conversation first; the two modes are
// never on together.
func (c *Controller) ToggleWakeWord() error {
	return c.postWait(event{kind: evToggleWakeWord})
}

// Cancel stops playback and recognition, marks any in-flight inference
// stale and forces the session idle.
func (c *Controller) Cancel() { c.post(event{kind: evCancel}) }

// OnMediaStopped is called by the media adapter when the camera is released
// by timeout; monitoring cannot outlive the camera.
func (c *Controller) OnMediaStopped() { c.post(event{kind: evMediaStopped}) }

// State returns a snapshot of the controller's flags.
func (c *Controller) State() State {
	out := make(chan State, 1)
	c.post(event{kind: evState, stateOut: out})
	select {
	case s := <-out:
		return s
	case <-c.done:
		return State{}
	}
}

// Turns returns a copy of the conversation log.
func (c *Controller) Turns() []Turn {
	out := make(chan []Turn, 1)
	c.post(event{kind: evTurns, turnsOut: out})
	select {
	case t := <-out:
		return t
	case <-c.done:
		return nil
	}
}

func (c *Controller) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Controller) postWait(ev event) error {
	ev.reply = make(chan error, 1)
	c.post(ev)
	select {
	case err := <-ev.reply:
		return err
	case <-c.done:
		return ErrClosed
	}
}

func (c *Controller) run() {
	for {
		select {
		case <-c.closing:
			c.shutdown()
			close(c.done)
			return
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

func (c *Controller) shutdown() {
	if c.monitorStop != nil {
		close(c.monitorStop)
		c.monitorStop = nil
	}
	c.monitoring = false
	c.stopRecognizer()
	if c.deps.Speaker != nil {
		c.deps.Speaker.Cancel()
	}
	c.inferGen++
	c.cancelCtx()
}

func (c *Controller) handle(ev event) {
	switch ev.kind {
	case evStartListening:
		ev.reply <- c.startListening()
	case evStopListening:
		c.stopListening()
	case evText:
		c.handleText(ev.text)
	case evTranscriptFinal:
		c.handleFinal(ev)
	case evTranscriptPartial:
		c.handlePartial(ev)
	case evRecognizerEnded:
		c.handleRecognizerEnded(ev)
	case evCapture:
		c.handleCapture(ev.trigger)
	case evMonitorTick:
		if c.monitoring {
			c.handleCapture(TriggerMonitor)
		}
	case evToggleMonitoring:
		c.toggleMonitoring()
	case evToggleWakeWord:
		ev.reply <- c.toggleWakeWord()
	case evInferenceDone:
		c.handleInferenceDone(ev)
	case evSpeakDone:
		c.handleSpeakDone(ev)
	case evMediaStopped:
		c.handleMediaStopped()
	case evCancel:
		c.handleCancel()
	case evState:
		ev.stateOut <- c.snapshot()
	case evTurns:
		out := make([]Turn, len(c.turns))
		copy(out, c.turns)
		ev.turnsOut <- out
	}
}

func (c *Controller) snapshot() State {
	return State{
		Phase:           c.phase,
		WakeWordArmed:   c.wakeArmed,
		ContinuousMode:  c.continuous,
		Monitoring:      c.monitoring,
		CaptureInFlight: c.guard,
	}
}

func (c *Controller) setPhase(p Phase) {
	if c.phase == p {
		return
	}
	log.Printf("session: phase %s -> %s", c.phase, p)
	c.phase = p
	c.notifyState()
}

func (c *Controller) notifyState() {
	c.notify(Notice{Kind: NoticeState, State: c.snapshot()})
}

func (c *Controller) notify(n Notice) {
	if c.deps.Notifier != nil {
		c.deps.Notifier.Notify(n)
	}
}

func (c *Controller) notifyError(err error) {
	log.Printf("session: error: %v", err)
	c.notify(Notice{Kind: NoticeError, Message: err.Error()})
}

// startRecognizer opens a fresh recognizer and pumps its transcripts into
// the event loop. Any previous recognizer is invalidated first.
func (c *Controller) startRecognizer(wakeMode bool) error {
	c.stopRecognizer()
	r, err := c.deps.Recognize()
	if err != nil {
		return err
	}
	c.listenGen++
	c.rec = r
	c.recWake = wakeMode
	go c.pump(r, c.listenGen)
	return nil
}

func (c *Controller) stopRecognizer() {
	if c.rec == nil {
		return
	}
	c.listenGen++ // late transcripts from the old stream become stale
	_ = c.rec.Close()
	c.rec = nil
}

func (c *Controller) pump(r Recognizer, gen uint64) {
	parts, finals := r.Partials(), r.Finalize()
	for parts != nil || finals != nil {
		select {
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			c.post(event{kind: evTranscriptFinal, text: t, listen: gen})
		case p, ok := <-parts:
			if !ok {
				parts = nil
				continue
			}
			c.post(event{kind: evTranscriptPartial, text: p, listen: gen})
		case <-c.done:
			return
		}
	}
	c.post(event{kind: evRecognizerEnded, listen: gen})
}

func (c *Controller) startListening() error {
	if c.phase != Idle {
		return nil
	}
	if c.wakeArmed {
		// the user took the mic manually; passive listening yields
		c.wakeArmed = false
	}
	if err := c.startRecognizer(false); err != nil {
		return err
	}
	c.setPhase(Listening)
	return nil
}

func (c *Controller) stopListening() {
	if c.phase != Listening {
		return
	}
	c.stopRecognizer()
	c.setPhase(Idle)
}

func (c *Controller) handleText(text string) {
	text = strings.TrimSpace(text)
	if text == "" || c.phase != Idle || c.guard {
		return
	}
	c.dispatchTurn(text, TriggerManual, false)
}

func (c *Controller) handleFinal(ev event) {
	if ev.listen != c.listenGen {
		return
	}
	text := strings.TrimSpace(ev.text)
	if text == "" {
		return
	}
	if c.recWake {
		c.matchWake(text)
		return
	}
	if c.phase != Listening {
		return
	}
	if c.continuous && containsAny(text, c.cfg.ExitPhrases) {
		c.exitContinuous()
		return
	}
	c.stopRecognizer()
	c.dispatchTurn(text, TriggerManual, false)
}

func (c *Controller) handlePartial(ev event) {
	if ev.listen != c.listenGen {
		return
	}
	if c.recWake {
		c.matchWake(ev.text)
		return
	}
	c.notify(Notice{Kind: NoticePartial, Message: ev.text})
}

// handleRecognizerEnded is the restart supervisor: a stream that ends on
// its own is reopened only when the current flags still call for one.
func (c *Controller) handleRecognizerEnded(ev event) {
	if ev.listen != c.listenGen || c.rec == nil {
		return
	}
	wake := c.recWake
	c.rec = nil
	c.listenGen++
	switch {
	case wake && c.wakeArmed:
		if err := c.startRecognizer(true); err != nil {
			c.wakeArmed = false
			c.notifyError(err)
			c.notifyState()
		}
	case !wake && c.phase == Listening:
		if err := c.startRecognizer(false); err != nil {
			c.notifyError(err)
			c.setPhase(Idle)
		}
	}
}

func (c *Controller) matchWake(text string) {
	if !c.wakeArmed || c.continuous || c.ackPending {
		return
	}
	if !containsAny(text, c.cfg.WakePhrases) {
		return
	}
	log.Printf("session: wake phrase heard")
	c.wakeArmed = false
	c.continuous = true
	c.stopRecognizer()
	c.ackPending = true
	c.speak(c.cfg.Acknowledgment, speakAck)
	c.notifyState()
}

func (c *Controller) exitContinuous() {
	log.Printf("session: exit phrase heard")
	c.continuous = false
	c.wakeArmed = true
	c.stopRecognizer()
	c.speak(c.cfg.Farewell, speakFarewell)
	c.notifyState()
}

func (c *Controller) speak(text string, kind speakKind) {
	c.speakGen++
	gen := c.speakGen
	c.setPhase(Speaking)
	go func() {
		err := c.deps.Speaker.Speak(c.ctx, text)
		c.post(event{kind: evSpeakDone, speak: gen, sk: kind, err: err})
	}()
}

func (c *Controller) handleSpeakDone(ev event) {
	if ev.speak != c.speakGen {
		return
	}
	if ev.err != nil {
		// secondary failure; the turn itself already landed
		log.Printf("session: playback error: %v", ev.err)
	}
	switch ev.sk {
	case speakAck:
		c.ackPending = false
		if !c.continuous {
			c.setPhase(Idle)
			return
		}
		if err := c.startRecognizer(false); err != nil {
			c.notifyError(err)
			c.continuous = false
			c.wakeArmed = true
			c.rearmWake()
			c.setPhase(Idle)
			return
		}
		c.setPhase(Listening)
	case speakFarewell:
		c.setPhase(Idle)
		c.rearmWake()
	case speakReply:
		if c.continuous {
			if err := c.startRecognizer(false); err != nil {
				c.notifyError(err)
				c.setPhase(Idle)
				return
			}
			c.setPhase(Listening)
			return
		}
		c.setPhase(Idle)
	}
}

// rearmWake restarts passive listening when the wake flag is set but no
// recognizer is running.
func (c *Controller) rearmWake() {
	if !c.wakeArmed || c.rec != nil {
		return
	}
	if err := c.startRecognizer(true); err != nil {
		c.wakeArmed = false
		c.notifyError(err)
		c.notifyState()
	}
}

func (c *Controller) handleCapture(trigger Trigger) {
	if c.guard {
		log.Printf("session: %s capture dropped, analysis in flight", trigger)
		return
	}
	if c.phase != Idle && c.phase != Listening {
		log.Printf("session: %s capture dropped, phase %s", trigger, c.phase)
		return
	}
	if c.deps.Camera == nil || !c.deps.Camera.Active() {
		return
	}
	jpeg, err := c.deps.Camera.Snapshot()
	if err != nil {
		c.notifyError(err)
		return
	}
	prompt := capturePrompt
	if trigger == TriggerMonitor {
		prompt = monitorPrompt
	}
	if c.phase == Listening {
		c.stopRecognizer()
	}
	c.dispatchFrame(prompt, jpeg, trigger)
}

// dispatchTurn sends a spoken or typed user message, attaching a live
// camera frame when one is available.
func (c *Controller) dispatchTurn(text string, trigger Trigger, capture bool) {
	var jpeg []byte
	if c.deps.Camera != nil && c.deps.Camera.Active() {
		if f, err := c.deps.Camera.Snapshot(); err == nil {
			jpeg = f
		}
	}
	c.dispatch(text, jpeg, trigger, capture, true)
}

func (c *Controller) dispatchFrame(prompt string, jpeg []byte, trigger Trigger) {
	c.dispatch(prompt, jpeg, trigger, true, trigger != TriggerMonitor)
}

// dispatch is the single entry to inference. The capture guard and the
// generation counter are both set here and cleared in handleInferenceDone,
// success or failure.
func (c *Controller) dispatch(text string, jpeg []byte, trigger Trigger, capture, logUserTurn bool) {
	req := inference.Request{
		Text:        text,
		History:     c.history(),
		Preferences: c.cfg.Preferences,
	}
	if len(jpeg) > 0 {
		req.ImageData = "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpeg)
	}

	if logUserTurn {
		turn := Turn{Role: RoleUser, Content: text, At: time.Now()}
		c.turns = append(c.turns, turn)
		c.notify(Notice{Kind: NoticeTurn, Turn: &turn})
	}

	c.guard = true
	c.pendingFrame = jpeg
	if c.deps.Gestures != nil {
		c.deps.Gestures.Pause()
	}
	c.inferGen++
	gen := c.inferGen
	c.setPhase(Processing)

	go func() {
		res, err := c.deps.Backend.Infer(c.ctx, req)
		c.post(event{kind: evInferenceDone, gen: gen, trigger: trigger, capture: capture, result: res, err: err})
	}()
}

func (c *Controller) history() []inference.Message {
	msgs := make([]inference.Message, 0, len(c.turns))
	for _, t := range c.turns {
		msgs = append(msgs, inference.Message{Role: string(t.Role), Content: t.Content})
	}
	return msgs
}

func (c *Controller) handleInferenceDone(ev event) {
	if ev.gen != c.inferGen {
		log.Printf("session: stale inference result discarded")
		return
	}
	c.guard = false
	frame := c.pendingFrame
	c.pendingFrame = nil
	if c.deps.Gestures != nil {
		c.deps.Gestures.Resume()
	}

	if ev.err != nil {
		c.notifyError(ev.err)
		c.setPhase(Idle)
		return
	}

	res := ev.result
	if res.Kind == inference.ReplyCameraRequest {
		// two-phase protocol: the assistant wants to see before it styles
		c.notify(Notice{Kind: NoticeShowCamera, Message: res.Text})
		if c.deps.Camera != nil {
			if err := c.deps.Camera.Acquire(); err != nil {
				c.notifyError(err)
			}
		}
		if res.Text != "" {
			c.speak(res.Text, speakReply)
		} else {
			c.setPhase(Idle)
		}
		return
	}

	turn := Turn{
		Role:     RoleAssistant,
		Content:  res.Text,
		At:       time.Now(),
		ImageRef: res.ImageURL,
		Products: res.Products,
	}
	c.turns = append(c.turns, turn)
	c.notify(Notice{Kind: NoticeTurn, Turn: &turn})
	if ev.capture && ev.trigger == TriggerMonitor {
		c.notify(Notice{Kind: NoticeLiveAnalysis, Message: res.Text})
	}
	if ev.capture && c.deps.Archive != nil && len(frame) > 0 {
		go func(jpeg []byte, text string) {
			if _, err := c.deps.Archive.SaveAnalysis(jpeg, text); err != nil {
				log.Printf("session: save analysis: %v", err)
			}
		}(frame, res.Text)
	}
	if res.Text != "" {
		c.speak(res.Text, speakReply)
		return
	}
	c.setPhase(Idle)
}

func (c *Controller) toggleMonitoring() {
	if c.monitoring {
		c.monitoring = false
		if c.monitorStop != nil {
			close(c.monitorStop)
			c.monitorStop = nil
		}
		c.notify(Notice{Kind: NoticeLiveAnalysis, Message: ""})
		c.notifyState()
		log.Printf("session: monitoring off")
		return
	}
	c.monitoring = true
	stop := make(chan struct{})
	c.monitorStop = stop
	go c.monitorLoop(stop)
	c.notifyState()
	log.Printf("session: monitoring on, interval %s", c.cfg.MonitorInterval)
	c.handleCapture(TriggerMonitor)
}

func (c *Controller) monitorLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.post(event{kind: evMonitorTick})
		case <-stop:
			return
		case <-c.done:
			return
		}
	}
}

func (c *Controller) toggleWakeWord() error {
	if c.wakeArmed {
		c.wakeArmed = false
		if c.recWake {
			c.stopRecognizer()
		}
		c.notifyState()
		log.Printf("session: wake word disarmed")
		return nil
	}
	if c.continuous {
		c.continuous = false
		c.stopRecognizer()
		if c.phase == Listening {
			c.setPhase(Idle)
		}
	}
	if c.phase == Listening {
		c.stopListening()
	}
	if err := c.startRecognizer(true); err != nil {
		return err
	}
	c.wakeArmed = true
	c.notifyState()
	log.Printf("session: wake word armed")
	return nil
}

func (c *Controller) handleMediaStopped() {
	log.Printf("session: camera released")
	if c.monitoring {
		c.monitoring = false
		if c.monitorStop != nil {
			close(c.monitorStop)
			c.monitorStop = nil
		}
		c.notify(Notice{Kind: NoticeLiveAnalysis, Message: ""})
	}
	c.notifyState()
}

func (c *Controller) handleCancel() {
	log.Printf("session: cancel")
	c.inferGen++ // any in-flight result is now stale
	c.guard = false
	c.pendingFrame = nil
	if c.deps.Gestures != nil {
		c.deps.Gestures.Resume()
	}
	c.speakGen++
	if c.deps.Speaker != nil {
		c.deps.Speaker.Cancel()
	}
	c.ackPending = false
	if c.rec != nil && !c.recWake {
		c.stopRecognizer()
	}
	if c.continuous {
		c.continuous = false
		c.wakeArmed = true
		c.rearmWake()
	}
	c.setPhase(Idle)
	c.notifyState()
}

func containsAny(text string, phrases []string) bool {
	lower := strings.ToLower(text)
	for _, p := range phrases {
		if p != "" && strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
