package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the fireside story service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	// Gateway timing. An unauthenticated socket is closed after AuthGracePeriod;
	// authenticated sockets are pinged every HeartbeatInterval.
	AuthGracePeriod   time.Duration
	HeartbeatInterval time.Duration

	// Offline delivery queue retention.
	EventQueueCap int
	EventQueueTTL time.Duration

	NarratorProvider string
	NarratorBaseURL  string
	NarratorAPIKey   string
	NarratorModel    string

	ElevenLabsAPIKey    string
	ElevenLabsWSBaseURL string
	NarratorVoiceID     string
	ElevenLabsModelID   string

	AssemblyAIAPIKey    string
	AssemblyAIWSBaseURL string
	VoiceSampleRate     int

	ReplicateAPIToken string
	ReplicateModel    string

	// RollUncapped allows modified d20 totals above 20. The shipped behavior
	// clamps to [0, 20].
	RollUncapped bool

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "fireside"),
		AllowAnyOrigin:      false,
		AuthGracePeriod:     2 * time.Second,
		HeartbeatInterval:   30 * time.Second,
		EventQueueCap:       256,
		EventQueueTTL:       24 * time.Hour,
		NarratorProvider:    envOrDefault("NARRATOR_PROVIDER", "auto"),
		NarratorBaseURL:     envOrDefault("NARRATOR_BASE_URL", "https://api.openai.com"),
		NarratorAPIKey:      trimmedEnv("NARRATOR_API_KEY"),
		NarratorModel:       envOrDefault("NARRATOR_MODEL", "gpt-4"),
		ElevenLabsAPIKey:    trimmedEnv("ELEVENLABS_API_KEY"),
		ElevenLabsWSBaseURL: envOrDefault("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		NarratorVoiceID:     trimmedEnv("NARRATOR_VOICE_ID"),
		ElevenLabsModelID:   envOrDefault("ELEVENLABS_TTS_MODEL_ID", "eleven_english_v2"),
		AssemblyAIAPIKey:    trimmedEnv("ASSEMBLYAI_API_KEY"),
		AssemblyAIWSBaseURL: envOrDefault("ASSEMBLYAI_WS_BASE_URL", "wss://api.assemblyai.com"),
		VoiceSampleRate:     44100,
		ReplicateAPIToken:   trimmedEnv("REPLICATE_API_TOKEN"),
		ReplicateModel:      envOrDefault("REPLICATE_MODEL", "stability-ai/sdxl:af1a68a271597604546c09c64aabcd7782c114a63539a4a8d14d1eeda5630c33"),
		DatabaseURL:         trimmedEnv("DATABASE_URL"),
		ShutdownTimeout:     15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AuthGracePeriod, err = durationFromEnv("APP_AUTH_GRACE_PERIOD", cfg.AuthGracePeriod)
	if err != nil {
		return Config{}, err
	}
	cfg.HeartbeatInterval, err = durationFromEnv("APP_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.EventQueueTTL, err = durationFromEnv("APP_EVENT_QUEUE_TTL", cfg.EventQueueTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.EventQueueCap, err = intFromEnv("APP_EVENT_QUEUE_CAP", cfg.EventQueueCap)
	if err != nil {
		return Config{}, err
	}
	cfg.VoiceSampleRate, err = intFromEnv("VOICE_SAMPLE_RATE", cfg.VoiceSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.RollUncapped, err = boolFromEnv("APP_ROLL_UNCAPPED", cfg.RollUncapped)
	if err != nil {
		return Config{}, err
	}

	if cfg.AuthGracePeriod < 100*time.Millisecond {
		return Config{}, fmt.Errorf("APP_AUTH_GRACE_PERIOD must be at least 100ms")
	}
	if cfg.HeartbeatInterval < time.Second {
		return Config{}, fmt.Errorf("APP_HEARTBEAT_INTERVAL must be at least 1s")
	}
	if cfg.EventQueueCap <= 0 {
		return Config{}, fmt.Errorf("APP_EVENT_QUEUE_CAP must be positive")
	}
	if cfg.VoiceSampleRate <= 0 {
		return Config{}, fmt.Errorf("VOICE_SAMPLE_RATE must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
