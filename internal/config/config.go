package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress string

	// Remote inference backend (the stylist model gateway)
	InferenceURL   string
	InferenceKey   string
	InferenceModel string

	// Speech recognition (AssemblyAI realtime)
	AssemblyAIKey string

	// Speech synthesis
	TTSProvider       string // "elevenlabs" or "deepgram"
	ElevenLabsKey     string
	ElevenLabsVoiceID string
	DeepgramKey       string
	DeepgramModel     string

	// Gesture classification endpoint (optional; gesture capture disabled when empty)
	GestureURL       string
	GestureLabel     string
	GestureThreshold float64
	GestureCooldown  time.Duration

	// Session behaviour
	WakePhrases     []string
	ExitPhrases     []string
	MonitorInterval time.Duration
	CameraIdle      time.Duration

	// Persistence
	SupabaseURL    string
	SupabaseKey    string
	SupabaseBucket string

	ICEServersJSON string
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	addr := getEnv("HTTP_ADDRESS", ":8080")

	inferenceURL := os.Getenv("INFERENCE_URL")
	if inferenceURL == "" {
		log.Println("Warning: INFERENCE_URL not set - styling replies will not work")
	}
	inferenceModel := getEnv("INFERENCE_MODEL_ID", "gemini-2.0-flash-exp")

	assemblyAIKey := os.Getenv("ASSEMBLYAI_API_KEY")
	if assemblyAIKey == "" {
		log.Println("Warning: ASSEMBLYAI_API_KEY not set - voice transcription will not work")
	}

	ttsProvider := getEnv("TTS_PROVIDER", "elevenlabs")
	elevenKey := os.Getenv("ELEVENLABS_API_KEY")
	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	if elevenKey == "" && deepgramKey == "" {
		log.Println("Warning: no TTS API key set - spoken replies will not work")
	}

	log.Printf("config: HTTP_ADDRESS=%s tts=%s", addr, ttsProvider)
	return Config{
		HTTPAddress:       addr,
		InferenceURL:      inferenceURL,
		InferenceKey:      os.Getenv("INFERENCE_API_KEY"),
		InferenceModel:    inferenceModel,
		AssemblyAIKey:     assemblyAIKey,
		TTSProvider:       ttsProvider,
		ElevenLabsKey:     elevenKey,
		ElevenLabsVoiceID: os.Getenv("ELEVENLABS_VOICE_ID"),
		DeepgramKey:       deepgramKey,
		DeepgramModel:     getEnv("DEEPGRAM_TTS_MODEL", "aura-2-thalia-en"),
		GestureURL:        os.Getenv("GESTURE_URL"),
		GestureLabel:      getEnv("GESTURE_LABEL", "thumbs_up"),
		GestureThreshold:  getFloat("GESTURE_THRESHOLD", 0.7),
		GestureCooldown:   getDuration("GESTURE_COOLDOWN", 500*time.Millisecond),
		WakePhrases:       getPhrases("WAKE_PHRASES", "hey mira,hi mira,hello mira"),
		ExitPhrases:       getPhrases("EXIT_PHRASES", "bye mira,goodbye mira,stop listening"),
		MonitorInterval:   getDuration("MONITOR_INTERVAL", 10*time.Second),
		CameraIdle:        getDuration("CAMERA_IDLE_TIMEOUT", 60*time.Second),
		SupabaseURL:       os.Getenv("SUPABASE_URL"),
		SupabaseKey:       os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket:    getEnv("SUPABASE_BUCKET", "outfit-captures"),
		ICEServersJSON:    getEnv("ICE_SERVERS_JSON", `[{"urls":["stun:stun.l.google.com:19302"]}]`),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// getPhrases splits a comma-separated phrase list, lowercased and trimmed.
func getPhrases(key, def string) []string {
	raw := getEnv(key, def)
	var out []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("Warning: invalid %s=%q, using %s", key, v, def)
		return def
	}
	return d
}

func getFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("Warning: invalid %s=%q, using %g", key, v, def)
		return def
	}
	return f
}
