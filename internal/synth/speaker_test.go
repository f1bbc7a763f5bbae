package synth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeVoice struct {
	chunks   int
	chunkGap time.Duration
	err      error
	calls    int32

	// laterChunks, when set, replaces chunks and chunkGap from the second
	// call onward.
	laterChunks int
}

func (f *fakeVoice) StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	call := atomic.AddInt32(&f.calls, 1)
	chunks, gap := f.chunks, f.chunkGap
	if f.laterChunks > 0 && call > 1 {
		chunks, gap = f.laterChunks, 0
	}
	pcmCh := make(chan []byte, 16)
	errCh := make(chan error, 1)
	go func() {
		defer close(pcmCh)
		defer close(errCh)
		for i := 0; i < chunks; i++ {
			if gap > 0 {
				select {
				case <-time.After(gap):
				case <-ctx.Done():
					return
				}
			}
			select {
			case pcmCh <- make([]byte, 960):
			case <-ctx.Done():
				return
			}
		}
		if f.err != nil {
			errCh <- f.err
		}
	}()
	return pcmCh, errCh
}

type recordSink struct {
	mu      sync.Mutex
	written int
	flushes int
	resets  int
}

func (r *recordSink) WritePCM(pcm []byte) {
	r.mu.Lock()
	r.written += len(pcm)
	r.mu.Unlock()
}

func (r *recordSink) FlushTail() {
	r.mu.Lock()
	r.flushes++
	r.mu.Unlock()
}

func (r *recordSink) Reset() {
	r.mu.Lock()
	r.resets++
	r.mu.Unlock()
}

func (r *recordSink) snapshot() (written, flushes, resets int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written, r.flushes, r.resets
}

func TestSpeakDeliversAllAudioThenFlushes(t *testing.T) {
	voice := &fakeVoice{chunks: 5}
	sink := &recordSink{}
	sp := NewSpeaker(voice, sink)

	if err := sp.Speak(context.Background(), "hello there"); err != nil {
		t.Fatalf("Speak returned error: %v", err)
	}

	written, flushes, _ := sink.snapshot()
	if written != 5*960 {
		t.Fatalf("written = %d, want %d", written, 5*960)
	}
	if flushes != 1 {
		t.Fatalf("flushes = %d, want 1", flushes)
	}
}

func TestSpeakEmptyTextIsNoop(t *testing.T) {
	voice := &fakeVoice{chunks: 3}
	sp := NewSpeaker(voice, &recordSink{})

	if err := sp.Speak(context.Background(), ""); err != nil {
		t.Fatalf("Speak returned error: %v", err)
	}
	if atomic.LoadInt32(&voice.calls) != 0 {
		t.Fatal("voice was called for empty text")
	}
}

func TestSpeakPropagatesStreamError(t *testing.T) {
	wantErr := errors.New("upstream down")
	voice := &fakeVoice{chunks: 1, err: wantErr}
	sink := &recordSink{}
	sp := NewSpeaker(voice, sink)

	err := sp.Speak(context.Background(), "hi")
	if !errors.Is(err, wantErr) {
		t.Fatalf("Speak error = %v, want %v", err, wantErr)
	}
	_, flushes, _ := sink.snapshot()
	if flushes != 0 {
		t.Fatal("FlushTail called after stream error")
	}
}

func TestCancelMidStreamStopsDelivery(t *testing.T) {
	voice := &fakeVoice{chunks: 50, chunkGap: 20 * time.Millisecond}
	sink := &recordSink{}
	sp := NewSpeaker(voice, sink)

	done := make(chan error, 1)
	go func() { done <- sp.Speak(context.Background(), "a long styling explanation") }()

	time.Sleep(60 * time.Millisecond)
	sp.Cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("cancelled Speak returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Speak did not return after Cancel")
	}

	written, flushes, resets := sink.snapshot()
	if written >= 50*960 {
		t.Fatal("all audio delivered despite cancel")
	}
	if flushes != 0 {
		t.Fatal("FlushTail called on cancelled utterance")
	}
	if resets == 0 {
		t.Fatal("sink.Reset not called on cancel")
	}
}

func TestNewSpeakCancelsPrevious(t *testing.T) {
	voice := &fakeVoice{chunks: 50, chunkGap: 20 * time.Millisecond, laterChunks: 1}
	sink := &recordSink{}
	sp := NewSpeaker(voice, sink)

	first := make(chan error, 1)
	go func() { first <- sp.Speak(context.Background(), "first") }()
	time.Sleep(60 * time.Millisecond)

	if err := sp.Speak(context.Background(), "second"); err != nil {
		t.Fatalf("second Speak returned error: %v", err)
	}

	select {
	case err := <-first:
		if err != nil {
			t.Fatalf("superseded Speak returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("first Speak did not return after being superseded")
	}

	_, _, resets := sink.snapshot()
	if resets == 0 {
		t.Fatal("sink.Reset not called when superseding")
	}
}

func TestCancelWithoutUtteranceIsSafe(t *testing.T) {
	sp := NewSpeaker(&fakeVoice{}, &recordSink{})
	sp.Cancel()
	sp.Cancel()
}
