package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/neverendingsdreams/mira-stylist/internal/config"
	"github.com/neverendingsdreams/mira-stylist/internal/gateway"
	"github.com/neverendingsdreams/mira-stylist/internal/gesture"
	"github.com/neverendingsdreams/mira-stylist/internal/inference"
	"github.com/neverendingsdreams/mira-stylist/internal/rtc"
	"github.com/neverendingsdreams/mira-stylist/internal/session"
	"github.com/neverendingsdreams/mira-stylist/internal/store"
	"github.com/neverendingsdreams/mira-stylist/internal/synth"
)

func main() {
	// sub-second precision in all log timestamps
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg := config.Load()

	backend := inference.NewClient(cfg.InferenceURL, cfg.InferenceKey, cfg.InferenceModel)

	var voice synth.Voice
	switch cfg.TTSProvider {
	case "deepgram":
		voice = synth.NewDeepgramVoice(cfg.DeepgramKey, cfg.DeepgramModel)
	default:
		voice = synth.NewElevenLabsVoice(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID)
	}

	var history gateway.History
	var archive session.Archiver
	var st *store.Store
	if cfg.SupabaseURL != "" && cfg.SupabaseKey != "" {
		var err error
		st, err = store.New(store.Config{
			URL:            cfg.SupabaseURL,
			ServiceRoleKey: cfg.SupabaseKey,
			Bucket:         cfg.SupabaseBucket,
		})
		if err != nil {
			log.Fatalf("store init: %v", err)
		}
		history = st
		archive = archiveAdapter{st: st}
	} else {
		log.Println("Warning: Supabase not configured - analysis history disabled")
	}

	var classifier gesture.Classifier
	if cfg.GestureURL != "" {
		classifier = gesture.NewHTTPClassifier(cfg.GestureURL)
	}

	sessionCfg := session.Config{
		WakePhrases:     cfg.WakePhrases,
		ExitPhrases:     cfg.ExitPhrases,
		MonitorInterval: cfg.MonitorInterval,
	}
	if st != nil {
		profile, err := st.LoadPreferences()
		if err != nil {
			log.Printf("Warning: could not load styling preferences: %v", err)
		} else if !profile.IsZero() {
			sessionCfg.Preferences = profile.Map()
			log.Printf("loaded styling preferences (%d fields)", len(sessionCfg.Preferences))
		}
	}

	voiceHandler := rtc.NewHandler(rtc.Deps{
		SpeechKey:      cfg.AssemblyAIKey,
		Voice:          voice,
		Backend:        backend,
		Archive:        archive,
		SessionConfig:  sessionCfg,
		ICEServersJSON: cfg.ICEServersJSON,
	})

	srv := gateway.New(gateway.Deps{
		History:    history,
		Backend:    backend,
		Archive:    archive,
		Voice:      voice,
		Classifier: classifier,
		GestureConfig: gesture.Config{
			Label:     cfg.GestureLabel,
			Threshold: cfg.GestureThreshold,
			Cooldown:  cfg.GestureCooldown,
		},
		RTC:           voiceHandler,
		SpeechKey:     cfg.AssemblyAIKey,
		SessionConfig: sessionCfg,
		CameraIdle:    int(cfg.CameraIdle.Seconds()),
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Echo,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("server listening on %s", cfg.HTTPAddress)
		serverErrors <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	case sig := <-sigChan:
		log.Printf("shutdown signal received: %v", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = server.Close()
	}
	log.Println("server stopped")
}

// archiveAdapter narrows the store to what the session controller needs.
type archiveAdapter struct{ st *store.Store }

func (a archiveAdapter) SaveAnalysis(jpeg []byte, text string) (string, error) {
	saved, err := a.st.SaveAnalysis(jpeg, text)
	if err != nil {
		return "", err
	}
	return saved.ImageURL, nil
}
