package gesture

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type scriptedClassifier struct {
	samples []Sample
	idx     int32
}

func (s *scriptedClassifier) Classify(ctx context.Context, jpeg []byte) (Sample, error) {
	i := atomic.AddInt32(&s.idx, 1) - 1
	if int(i) >= len(s.samples) {
		return s.samples[len(s.samples)-1], nil
	}
	return s.samples[i], nil
}

func frames() ([]byte, error) { return []byte{0xff, 0xd8}, nil }

func TestDetector_OneTriggerPerHeldPose(t *testing.T) {
	// A pose held over many frames must fire exactly once.
	held := make([]Sample, 40)
	for i := range held {
		held[i] = Sample{Label: "thumbs_up", Confidence: 0.95}
	}
	cls := &scriptedClassifier{samples: held}

	var fired int32
	d := NewDetector(Config{Label: "thumbs_up", Cooldown: time.Second}, cls, frames, func() {
		atomic.AddInt32(&fired, 1)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	d.Run(ctx)

	if n := atomic.LoadInt32(&fired); n != 1 {
		t.Fatalf("expected exactly one trigger for a held pose, got %d", n)
	}
}

func TestDetector_RearmsAfterRelease(t *testing.T) {
	cls := &scriptedClassifier{samples: []Sample{
		{Label: "thumbs_up", Confidence: 0.9},
		{Label: "open_palm", Confidence: 0.8}, // pose released
		{Label: "thumbs_up", Confidence: 0.9},
		{Label: "none", Confidence: 0.1},
	}}
	var fired int32
	d := NewDetector(Config{Label: "thumbs_up", Cooldown: time.Millisecond}, cls, frames, func() {
		atomic.AddInt32(&fired, 1)
	})
	for i := 0; i < 4; i++ {
		d.step(context.Background())
		time.Sleep(2 * time.Millisecond)
	}
	if n := atomic.LoadInt32(&fired); n != 2 {
		t.Fatalf("expected two triggers for two distinct poses, got %d", n)
	}
}

func TestDetector_BelowThresholdIgnored(t *testing.T) {
	cls := &scriptedClassifier{samples: []Sample{{Label: "thumbs_up", Confidence: 0.5}}}
	var fired int32
	d := NewDetector(Config{Label: "thumbs_up", Threshold: 0.7}, cls, frames, func() {
		atomic.AddInt32(&fired, 1)
	})
	d.step(context.Background())
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatalf("low-confidence sample must not trigger")
	}
}

func TestDetector_PausedSkipsClassification(t *testing.T) {
	cls := &scriptedClassifier{samples: []Sample{{Label: "thumbs_up", Confidence: 0.9}}}
	var fired int32
	d := NewDetector(Config{Label: "thumbs_up"}, cls, frames, func() {
		atomic.AddInt32(&fired, 1)
	})
	d.Pause()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	d.Run(ctx)
	if atomic.LoadInt32(&cls.idx) != 0 {
		t.Fatalf("paused detector must not classify frames")
	}
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatalf("paused detector must not trigger")
	}
}

func TestHTTPClassifier_Decode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "image/jpeg" {
			t.Errorf("content type: %s", r.Header.Get("Content-Type"))
		}
		_, _ = w.Write([]byte(`{"label":"thumbs_up","confidence":0.91}`))
	}))
	defer srv.Close()
	c := NewHTTPClassifier(srv.URL)
	s, err := c.Classify(context.Background(), []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if s.Label != "thumbs_up" || s.Confidence != 0.91 {
		t.Fatalf("unexpected sample: %+v", s)
	}
}

func TestHTTPClassifier_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer srv.Close()
	c := NewHTTPClassifier(srv.URL)
	if _, err := c.Classify(context.Background(), []byte{1}); err == nil {
		t.Fatalf("expected error on 500")
	}
}
