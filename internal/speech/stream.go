package speech

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gorilla/websocket"
)

// Recognition failures surfaced to the session controller.
var (
	// ErrUnsupportedPlatform means speech recognition is not available at all
	// (no API key configured).
	ErrUnsupportedPlatform = errors.New("speech: recognition not available")
	// ErrMicrophoneUnavailable means the audio path could not be established.
	ErrMicrophoneUnavailable = errors.New("speech: microphone unavailable")
)

// silenceThreshold is the base inactivity window required before an utterance
// is considered complete. Conservative to avoid cutting the user mid-sentence.
const silenceThreshold = 700 * time.Millisecond

// continuationExtension is added when the last word suggests the user is
// about to continue ("and", "or", "if", ...).
const continuationExtension = 1200 * time.Millisecond

// stabilizationGrace absorbs late recognizer updates after the silence
// window elapses, before the utterance is finalized.
const stabilizationGrace = 250 * time.Millisecond

// Stream is one realtime speech-recognition session over the AssemblyAI
// streaming API. It accepts 16kHz PCM16LE mono audio and emits partial
// transcripts plus end-of-utterance deltas. A Stream is single-use: after
// Close a fresh Stream must be created.
type Stream struct {
	apiKey   string
	conn     *websocket.Conn
	partials chan string
	finals   chan string
	audio    chan []byte
	stopCh   chan struct{}

	mu        sync.RWMutex
	connected bool

	// utterance accumulation
	accMu        sync.Mutex
	latest       string
	committed    string
	lastUpdate   time.Time
	lastVoice    time.Time
	silenceTimer *time.Timer
}

func NewStream(apiKey string) *Stream {
	return &Stream{
		apiKey:   apiKey,
		partials: make(chan string, 100),
		finals:   make(chan string, 10),
		audio:    make(chan []byte, 1000),
		stopCh:   make(chan struct{}),
	}
}

// Partials returns running transcript fragments (used for wake-word matching
// and live UI).
func (s *Stream) Partials() <-chan string { return s.partials }

// Finalize returns a channel delivering each completed utterance.
func (s *Stream) Finalize() <-chan string { return s.finals }

// Connect establishes the recognizer WebSocket.
func (s *Stream) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}
	if s.apiKey == "" {
		return ErrUnsupportedPlatform
	}

	params := url.Values{}
	params.Set("sample_rate", "16000")
	params.Set("format_turns", "false")
	params.Set("encoding", "pcm_s16le")
	wsURL := fmt.Sprintf("wss://streaming.assemblyai.com/v3/ws?%s", params.Encode())

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.Dial(wsURL, map[string][]string{"Authorization": {s.apiKey}})
	if err != nil {
		if resp != nil {
			log.Printf("speech: connect failed with status %d", resp.StatusCode)
		}
		return fmt.Errorf("%w: %v", ErrMicrophoneUnavailable, err)
	}

	s.conn = conn
	s.connected = true
	s.lastUpdate = time.Now()
	s.lastVoice = time.Now()

	go s.readLoop()
	go s.writeLoop()
	return nil
}

// SendPCM16KLE queues mic audio for the recognizer and updates the voice
// activity estimate.
func (s *Stream) SendPCM16KLE(pcm []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return ErrMicrophoneUnavailable
	}
	s.detectVoice(pcm)
	select {
	case s.audio <- pcm:
	default:
		log.Println("speech: audio buffer full, dropping packet")
	}
	return nil
}

// RecentlyDetectedVoice reports whether voice energy was seen within window.
func (s *Stream) RecentlyDetectedVoice(window time.Duration) bool {
	s.accMu.Lock()
	last := s.lastVoice
	s.accMu.Unlock()
	return time.Since(last) <= window
}

// detectVoice updates lastVoice when the PCM buffer carries voice-level RMS
// energy. Expects 16-bit little-endian mono at 16kHz.
func (s *Stream) detectVoice(pcm []byte) {
	const minSamples = 160 // 10ms at 16kHz
	if len(pcm) < minSamples*2 {
		return
	}
	step := 2
	if len(pcm) > 3200 {
		step = 4
	}
	var sumSquares float64
	count := 0
	for i := 0; i+1 < len(pcm); i += 2 * step {
		v := int16(binary.LittleEndian.Uint16(pcm[i : i+2]))
		sumSquares += float64(v) * float64(v)
		count++
	}
	if count == 0 {
		return
	}
	const voiceRMS = 250.0
	if math.Sqrt(sumSquares/float64(count)) >= voiceRMS {
		s.accMu.Lock()
		s.lastVoice = time.Now()
		s.accMu.Unlock()
	}
}

// Close terminates the recognizer session and flushes any pending delta.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	close(s.stopCh)
	if s.silenceTimer != nil {
		_ = s.silenceTimer.Stop()
		s.silenceTimer = nil
	}
	if s.conn != nil {
		_ = s.conn.WriteJSON(map[string]string{"type": "Terminate"})
		_ = s.conn.Close()
	}
	s.connected = false
	s.conn = nil
	s.flushPending()
	close(s.audio)
	close(s.partials)
	close(s.finals)
	return nil
}

func (s *Stream) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("speech: recovered in readLoop: %v", r)
		}
	}()
	for {
		select {
		case <-s.stopCh:
			return
		default:
			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()
			if conn == nil {
				return
			}
			_, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.handleMessage(message)
		}
	}
}

func (s *Stream) writeLoop() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("speech: recovered in writeLoop: %v", r)
		}
	}()
	for {
		select {
		case <-s.stopCh:
			return
		case pcm, ok := <-s.audio:
			if !ok {
				return
			}
			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()
			if conn != nil {
				if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
					log.Printf("speech: send audio: %v", err)
					return
				}
			}
		}
	}
}

type turnMessage struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func (s *Stream) handleMessage(message []byte) {
	var base map[string]any
	if err := json.Unmarshal(message, &base); err != nil {
		return
	}
	msgType, _ := base["type"].(string)
	switch msgType {
	case "Begin":
		log.Println("speech: recognizer session began")
	case "Turn":
		var msg turnMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		if msg.Transcript == "" {
			return
		}
		select {
		case s.partials <- msg.Transcript:
		default:
		}
		s.accMu.Lock()
		s.latest = msg.Transcript
		s.lastUpdate = time.Now()
		if s.silenceTimer == nil {
			s.silenceTimer = time.AfterFunc(silenceThreshold, s.finalizeDueToSilence)
		} else {
			_ = s.silenceTimer.Stop()
			s.silenceTimer.Reset(silenceThreshold)
		}
		s.accMu.Unlock()
	case "Termination":
		s.flushPending()
	case "Error":
		var msg errorMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		log.Printf("speech: recognizer error: %s", msg.Error)
	}
}

// finalizeDueToSilence fires after silenceThreshold of inactivity and emits
// the delta since the last committed transcript.
func (s *Stream) finalizeDueToSilence() {
	select {
	case <-s.stopCh:
		return
	default:
	}

	s.accMu.Lock()
	now := time.Now()
	threshold := silenceThreshold
	if continuationLikely(s.latest) {
		threshold += continuationExtension
	}
	sinceText := now.Sub(s.lastUpdate)
	sinceVoice := now.Sub(s.lastVoice)
	if sinceText < threshold || sinceVoice < threshold {
		// Not enough inactivity; reschedule for the remaining window.
		wait := threshold
		if rem := threshold - sinceText; sinceText < threshold && rem < wait {
			wait = rem
		}
		if rem := threshold - sinceVoice; sinceVoice < threshold && rem < wait {
			wait = rem
		}
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		s.rescheduleLocked(wait)
		s.accMu.Unlock()
		return
	}
	lastUpdateAt := s.lastUpdate
	s.accMu.Unlock()

	time.Sleep(stabilizationGrace)

	s.accMu.Lock()
	if s.lastUpdate.After(lastUpdateAt) {
		// A late update arrived during grace; push the timer forward.
		threshold2 := silenceThreshold
		if continuationLikely(s.latest) {
			threshold2 += continuationExtension
		}
		wait := threshold2
		if rem := threshold2 - time.Since(s.lastUpdate); rem > 10*time.Millisecond && rem < wait {
			wait = rem
		}
		s.rescheduleLocked(wait)
		s.accMu.Unlock()
		return
	}
	delta := s.commitDeltaLocked()
	s.accMu.Unlock()

	if delta == "" {
		return
	}
	// Deliver without dropping so no words are lost downstream.
	select {
	case <-s.stopCh:
	case s.finals <- delta:
	}
}

func (s *Stream) rescheduleLocked(wait time.Duration) {
	if s.silenceTimer == nil {
		s.silenceTimer = time.AfterFunc(wait, s.finalizeDueToSilence)
	} else {
		_ = s.silenceTimer.Stop()
		s.silenceTimer.Reset(wait)
	}
}

// commitDeltaLocked advances committed to latest and returns the new text.
func (s *Stream) commitDeltaLocked() string {
	delta := strings.TrimSpace(strings.TrimPrefix(s.latest, s.committed))
	if delta == "" && s.committed != "" {
		if idx := strings.LastIndex(s.latest, s.committed); idx >= 0 {
			delta = strings.TrimSpace(s.latest[idx+len(s.committed):])
		}
	}
	s.committed = s.latest
	return delta
}

// flushPending sends any remaining uncommitted delta, best-effort.
func (s *Stream) flushPending() {
	s.accMu.Lock()
	delta := s.commitDeltaLocked()
	s.accMu.Unlock()
	if delta == "" {
		return
	}
	select {
	case s.finals <- delta:
	case <-time.After(200 * time.Millisecond):
		log.Println("speech: timed out delivering final delta")
	}
}

// continuationLikely reports whether the last meaningful word suggests the
// speaker will continue (conjunctions, prepositions, fillers).
func continuationLikely(text string) bool {
	w := lastWord(text)
	if w == "" {
		return false
	}
	_, ok := continuationWords[w]
	return ok
}

func lastWord(text string) string {
	trim := strings.TrimSpace(text)
	if trim == "" {
		return ""
	}
	fields := strings.FieldsFunc(trim, func(r rune) bool { return !unicode.IsLetter(r) })
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[len(fields)-1])
}

var continuationWords = map[string]struct{}{
	"and": {}, "or": {}, "but": {}, "nor": {}, "yet": {}, "so": {},
	"if": {}, "when": {}, "while": {}, "though": {}, "although": {},
	"because": {}, "since": {}, "unless": {}, "until": {}, "whereas": {},
	"also": {}, "plus": {}, "um": {}, "uh": {}, "like": {},
	"about": {}, "with": {}, "to": {}, "of": {}, "for": {}, "on": {}, "in": {}, "at": {},
}
