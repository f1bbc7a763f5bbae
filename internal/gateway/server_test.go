package gateway

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/neverendingsdreams/mira-stylist/internal/session"
	"github.com/neverendingsdreams/mira-stylist/internal/store"
)

type fakeHistory struct {
	mu      sync.Mutex
	items   []store.Analysis
	deleted []string
	cleared bool
	err     error
}

func (f *fakeHistory) ListAnalyses(limit int) ([]store.Analysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.items) {
		return f.items[:limit], nil
	}
	return f.items, nil
}

func (f *fakeHistory) DeleteAnalysis(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return f.err
}

func (f *fakeHistory) ClearAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = true
	return f.err
}

type fakeControl struct {
	mu    sync.Mutex
	calls []string
	texts []string
}

func (f *fakeControl) record(name string) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
}

func (f *fakeControl) StartListening() error { f.record("start"); return nil }
func (f *fakeControl) StopListening()        { f.record("stop") }
func (f *fakeControl) HandleText(text string) {
	f.mu.Lock()
	f.calls = append(f.calls, "text")
	f.texts = append(f.texts, text)
	f.mu.Unlock()
}
func (f *fakeControl) CaptureAndAnalyze(t session.Trigger) { f.record("capture:" + t.String()) }
func (f *fakeControl) ToggleMonitoring()                   { f.record("monitor") }
func (f *fakeControl) ToggleWakeWord() error               { f.record("wake"); return nil }
func (f *fakeControl) Cancel()                             { f.record("cancel") }
func (f *fakeControl) OnMediaStopped()                     { f.record("media_stopped") }
func (f *fakeControl) Close() error                        { f.record("close"); return nil }

func (f *fakeControl) called(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == name {
			return true
		}
	}
	return false
}

func newTestServer(t *testing.T, deps Deps) (*httptest.Server, *fakeControl) {
	t.Helper()
	ctrl := &fakeControl{}
	deps.newSession = func(session.Deps) controlSurface { return ctrl }
	s := New(deps)
	srv := httptest.NewServer(s.Echo)
	t.Cleanup(srv.Close)
	return srv, ctrl
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, Deps{})
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
}

func TestListAnalyses(t *testing.T) {
	history := &fakeHistory{items: []store.Analysis{
		{ID: "one", Text: "sharp look"},
		{ID: "two", Text: "try a belt"},
	}}
	srv, _ := newTestServer(t, Deps{History: history})

	resp, err := http.Get(srv.URL + "/analyses")
	if err != nil {
		t.Fatalf("get analyses: %v", err)
	}
	defer resp.Body.Close()
	var got []store.Analysis
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0].ID != "one" {
		t.Fatalf("analyses = %+v", got)
	}
}

func TestListAnalysesBadLimit(t *testing.T) {
	srv, _ := newTestServer(t, Deps{History: &fakeHistory{}})
	resp, err := http.Get(srv.URL + "/analyses?limit=zero")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestDeleteAnalysis(t *testing.T) {
	history := &fakeHistory{}
	srv, _ := newTestServer(t, Deps{History: history})

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/analyses/abc", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	history.mu.Lock()
	defer history.mu.Unlock()
	if len(history.deleted) != 1 || history.deleted[0] != "abc" {
		t.Fatalf("deleted = %v", history.deleted)
	}
}

func TestClearAnalysesFailure(t *testing.T) {
	history := &fakeHistory{err: errors.New("db down")}
	srv, _ := newTestServer(t, Deps{History: history})

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/analyses", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
}

func dialSession(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/session"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial session: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSessionMessagesDriveController(t *testing.T) {
	srv, ctrl := newTestServer(t, Deps{})
	conn := dialSession(t, srv)

	msgs := []clientMessage{
		{Type: "text", Text: "what should I wear today"},
		{Type: "toggle_monitoring"},
		{Type: "toggle_wake_word"},
		{Type: "capture"},
		{Type: "cancel"},
	}
	for _, m := range msgs {
		if err := conn.WriteJSON(m); err != nil {
			t.Fatalf("write %s: %v", m.Type, err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if ctrl.called("text") && ctrl.called("monitor") && ctrl.called("wake") &&
			ctrl.called("capture:manual") && ctrl.called("cancel") {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	ctrl.mu.Lock()
	texts := append([]string(nil), ctrl.texts...)
	ctrl.mu.Unlock()
	if len(texts) != 1 || texts[0] != "what should I wear today" {
		t.Fatalf("texts = %v", texts)
	}
	if !ctrl.called("capture:manual") {
		t.Fatal("capture not forwarded")
	}
}

func TestSessionCameraFrameRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t, Deps{})
	conn := dialSession(t, srv)

	frame := base64.StdEncoding.EncodeToString([]byte{0xff, 0xd8, 0x01})
	if err := conn.WriteJSON(clientMessage{Type: "open_camera"}); err != nil {
		t.Fatalf("open camera: %v", err)
	}
	if err := conn.WriteJSON(clientMessage{Type: "frame", JPEG: frame}); err != nil {
		t.Fatalf("frame: %v", err)
	}

	// malformed frames are rejected with an error message
	if err := conn.WriteJSON(clientMessage{Type: "frame", JPEG: "not-base64!!"}); err != nil {
		t.Fatalf("bad frame: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(time.Second))
	var reply serverMessage
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.Type != "error" || reply.Message != "malformed frame" {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestSessionUnknownMessage(t *testing.T) {
	srv, _ := newTestServer(t, Deps{})
	conn := dialSession(t, srv)

	if err := conn.WriteJSON(clientMessage{Type: "dance"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(time.Second))
	var reply serverMessage
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read: %v", err)
	}
	if reply.Type != "error" {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestSessionCloseShutsDownController(t *testing.T) {
	srv, ctrl := newTestServer(t, Deps{})
	conn := dialSession(t, srv)
	conn.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if ctrl.called("close") {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("controller not closed on disconnect")
}
