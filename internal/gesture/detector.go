package gesture

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"
)

// Sample is one classification of the dominant hand in a frame.
type Sample struct {
	Label      string
	Confidence float64
}

// Classifier labels the dominant hand gesture in a JPEG frame.
type Classifier interface {
	Classify(ctx context.Context, jpeg []byte) (Sample, error)
}

// FrameFunc returns the most recent frame from the live feed.
type FrameFunc func() ([]byte, error)

// Config tunes when a detection fires the capture trigger.
type Config struct {
	Label     string        // gesture class that triggers a capture
	Threshold float64       // minimum confidence, 0.7 typical
	Cooldown  time.Duration // suppression window after a trigger
	Interval  time.Duration // pause between classifications; 0 means immediate
}

// Detector polls frames and emits one trigger per distinct gesture
// occurrence. The next frame is classified only after the current
// classification returns, so a slow classifier bounds CPU use naturally.
type Detector struct {
	cfg       Config
	classify  Classifier
	frames    FrameFunc
	onTrigger func()

	mu          sync.Mutex
	paused      bool
	armed       bool
	lastTrigger time.Time
}

func NewDetector(cfg Config, c Classifier, frames FrameFunc, onTrigger func()) *Detector {
	if cfg.Threshold == 0 {
		cfg.Threshold = 0.7
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = 500 * time.Millisecond
	}
	return &Detector{cfg: cfg, classify: c, frames: frames, onTrigger: onTrigger, armed: true}
}

// Pause suspends classification while an analysis is in flight.
func (d *Detector) Pause() {
	d.mu.Lock()
	d.paused = true
	d.mu.Unlock()
}

// Resume re-enables classification.
func (d *Detector) Resume() {
	d.mu.Lock()
	d.paused = false
	d.mu.Unlock()
}

// Run blocks until ctx is cancelled, classifying frames sequentially.
func (d *Detector) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		d.step(ctx)
		if d.cfg.Interval > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.cfg.Interval):
			}
		}
	}
}

func (d *Detector) step(ctx context.Context) {
	d.mu.Lock()
	paused := d.paused
	d.mu.Unlock()
	if paused {
		// Cheap idle wait; resumes on the next step.
		select {
		case <-ctx.Done():
		case <-time.After(50 * time.Millisecond):
		}
		return
	}

	frame, err := d.frames()
	if err != nil || len(frame) == 0 {
		select {
		case <-ctx.Done():
		case <-time.After(100 * time.Millisecond):
		}
		return
	}

	sample, err := d.classify.Classify(ctx, frame)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("gesture: classify: %v", err)
		}
		return
	}
	d.observe(sample)
}

// observe applies debouncing: a trigger fires only when the target gesture is
// seen while armed and outside the cool-down; the detector re-arms once the
// pose is released (a non-target or low-confidence frame).
func (d *Detector) observe(s Sample) {
	match := strings.EqualFold(s.Label, d.cfg.Label) && s.Confidence >= d.cfg.Threshold

	d.mu.Lock()
	if !match {
		d.armed = true
		d.mu.Unlock()
		return
	}
	now := time.Now()
	if !d.armed || now.Sub(d.lastTrigger) < d.cfg.Cooldown {
		d.mu.Unlock()
		return
	}
	d.armed = false
	d.lastTrigger = now
	fire := d.onTrigger
	d.mu.Unlock()

	if fire != nil {
		fire()
	}
}
