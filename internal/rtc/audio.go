package rtc

import (
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

const (
	opusFrameSamples = 960 // 20ms at 48kHz mono
	frameInterval    = 20 * time.Millisecond
)

// sampleWriter is the slice of the outbound track the sink needs.
type sampleWriter interface {
	WriteSample(s media.Sample) error
}

// PacedOpusSink encodes 48kHz PCM mono into Opus frames and writes them to
// a WebRTC track at real-time pace. It is the voice path's synth.Sink.
type PacedOpusSink struct {
	enc    *opus.Encoder
	track  sampleWriter
	frames chan []byte
	stop   chan struct{}

	mu      sync.Mutex
	pcmBuf  []int16
	stopped bool
}

func NewPacedOpusSink(track *webrtc.TrackLocalStaticSample) (*PacedOpusSink, error) {
	enc, err := opus.NewEncoder(48000, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	s := &PacedOpusSink{
		enc:    enc,
		track:  track,
		frames: make(chan []byte, 512),
		stop:   make(chan struct{}),
	}
	go s.pace()
	return s, nil
}

// WritePCM buffers little-endian 48kHz samples and emits every complete
// 20ms frame.
func (s *PacedOpusSink) WritePCM(pcm []byte) {
	if len(pcm) < 2 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	need := len(pcm) / 2
	start := len(s.pcmBuf)
	if cap(s.pcmBuf)-start < need {
		grown := make([]int16, start, start+need+2048)
		copy(grown, s.pcmBuf)
		s.pcmBuf = grown
	}
	s.pcmBuf = s.pcmBuf[:start+need]
	for i := 0; i < need; i++ {
		s.pcmBuf[start+i] = int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
	}
	s.encodeFullFramesLocked()
}

func (s *PacedOpusSink) encodeFullFramesLocked() {
	opusBuf := make([]byte, 4000)
	for len(s.pcmBuf) >= opusFrameSamples {
		n, _ := s.enc.Encode(s.pcmBuf[:opusFrameSamples], opusBuf)
		if n > 0 {
			pkt := make([]byte, n)
			copy(pkt, opusBuf[:n])
			s.push(pkt)
		}
		copy(s.pcmBuf, s.pcmBuf[opusFrameSamples:])
		s.pcmBuf = s.pcmBuf[:len(s.pcmBuf)-opusFrameSamples]
	}
}

// FlushTail pads the remainder to a full frame and appends a short silence
// tail so the utterance does not clip.
func (s *PacedOpusSink) FlushTail() {
	opusBuf := make([]byte, 4000)
	s.mu.Lock()
	if len(s.pcmBuf) > 0 {
		pad := make([]int16, opusFrameSamples)
		copy(pad, s.pcmBuf)
		if n, _ := s.enc.Encode(pad, opusBuf); n > 0 {
			pkt := make([]byte, n)
			copy(pkt, opusBuf[:n])
			s.push(pkt)
		}
		s.pcmBuf = s.pcmBuf[:0]
	}
	s.mu.Unlock()

	// roughly 200ms of silence
	silence := make([]int16, opusFrameSamples)
	for i := 0; i < 10; i++ {
		if n, _ := s.enc.Encode(silence, opusBuf); n > 0 {
			pkt := make([]byte, n)
			copy(pkt, opusBuf[:n])
			s.push(pkt)
		}
	}
}

// Reset drops queued frames and buffered PCM for immediate cancellation.
func (s *PacedOpusSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		select {
		case <-s.frames:
		default:
			s.pcmBuf = s.pcmBuf[:0]
			return
		}
	}
}

func (s *PacedOpusSink) Close() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.stop)
	}
	s.mu.Unlock()
}

func (s *PacedOpusSink) push(pkt []byte) {
	select {
	case <-s.stop:
	case s.frames <- pkt:
	}
}

func (s *PacedOpusSink) pace() {
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			select {
			case frame := <-s.frames:
				_ = s.track.WriteSample(media.Sample{Data: frame, Duration: frameInterval})
			default:
			}
		}
	}
}
