package speech

import "sync"

// Router hands microphone PCM to the most recently opened stream. Streams
// are single use; the transport keeps feeding the router while the session
// controller opens and closes streams underneath it.
type Router struct {
	APIKey string

	mu  sync.Mutex
	cur *Stream
}

// Open connects a fresh stream and makes it the router's current target.
func (r *Router) Open() (*Stream, error) {
	st := NewStream(r.APIKey)
	if err := st.Connect(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cur = st
	r.mu.Unlock()
	return st, nil
}

// SendPCM16KLE forwards audio to the current stream, if any. Audio arriving
// between streams is dropped.
func (r *Router) SendPCM16KLE(pcm []byte) {
	r.mu.Lock()
	cur := r.cur
	r.mu.Unlock()
	if cur != nil {
		_ = cur.SendPCM16KLE(pcm)
	}
}
