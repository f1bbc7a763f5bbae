package synth

import (
	"context"
	"log"
	"sync"
)

// Voice streams 48kHz PCM mono audio for the given text.
type Voice interface {
	StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error)
}

// Sink consumes 48kHz PCM bytes and performs delivery (e.g. Opus encode to a
// WebRTC track, or base64 frames to a WebSocket client). Implementations
// buffer internally and pace delivery.
type Sink interface {
	WritePCM(pcm []byte)
	FlushTail()
	// Reset drops any queued audio immediately (used for cancellation).
	Reset()
}

// Speaker plays one utterance at a time through a Sink. Starting a new
// utterance cancels the previous one.
type Speaker struct {
	voice Voice
	sink  Sink

	mu      sync.Mutex
	cancel  context.CancelFunc
	current uint64
}

func NewSpeaker(voice Voice, sink Sink) *Speaker {
	if sink == nil {
		sink = nopSink{}
	}
	return &Speaker{voice: voice, sink: sink}
}

// Speak synthesizes text and blocks until playback audio is fully delivered
// to the sink, or the utterance is cancelled. Cancellation is not an error.
func (s *Speaker) Speak(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.sink.Reset()
	}
	utterCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.current++
	id := s.current
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.current == id {
			s.cancel = nil
		}
		s.mu.Unlock()
		cancel()
	}()

	pcmCh, errCh := s.voice.StreamPCM48k(utterCtx, text)
	var streamErr error
	openPCM, openErr := true, true
	for openPCM || openErr {
		select {
		case b, ok := <-pcmCh:
			if !ok {
				openPCM = false
				continue
			}
			if len(b) > 0 && utterCtx.Err() == nil {
				s.sink.WritePCM(b)
			}
		case e, ok := <-errCh:
			if ok && e != nil {
				streamErr = e
				log.Printf("synth: stream error: %v", e)
			}
			openErr = false
		case <-utterCtx.Done():
			openPCM, openErr = false, false
		}
	}

	if utterCtx.Err() != nil {
		return nil
	}
	if streamErr != nil {
		return streamErr
	}
	s.sink.FlushTail()
	return nil
}

// Cancel stops the in-flight utterance, if any, and drops queued audio.
// Safe to call at any time.
func (s *Speaker) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.sink.Reset()
}

type nopSink struct{}

func (nopSink) WritePCM(_ []byte) {}
func (nopSink) FlushTail()        {}
func (nopSink) Reset()            {}
