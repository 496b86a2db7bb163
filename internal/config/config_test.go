package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.AuthGracePeriod != 2*time.Second {
		t.Fatalf("AuthGracePeriod = %v, want 2s", cfg.AuthGracePeriod)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Fatalf("HeartbeatInterval = %v, want 30s", cfg.HeartbeatInterval)
	}
	if cfg.EventQueueCap != 256 {
		t.Fatalf("EventQueueCap = %d, want 256", cfg.EventQueueCap)
	}
	if cfg.RollUncapped {
		t.Fatalf("RollUncapped = true, want false by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_AUTH_GRACE_PERIOD", "5s")
	t.Setenv("APP_ROLL_UNCAPPED", "true")
	t.Setenv("NARRATOR_MODEL", "gpt-4-32k")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AuthGracePeriod != 5*time.Second {
		t.Fatalf("AuthGracePeriod = %v, want 5s", cfg.AuthGracePeriod)
	}
	if !cfg.RollUncapped {
		t.Fatalf("RollUncapped = false, want true")
	}
	if cfg.NarratorModel != "gpt-4-32k" {
		t.Fatalf("NarratorModel = %q, want gpt-4-32k", cfg.NarratorModel)
	}
}

func TestLoadRejectsTinyGracePeriod(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_AUTH_GRACE_PERIOD", "10ms")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() should reject sub-100ms grace period")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_AUTH_GRACE_PERIOD",
		"APP_HEARTBEAT_INTERVAL",
		"APP_EVENT_QUEUE_CAP",
		"APP_EVENT_QUEUE_TTL",
		"APP_ROLL_UNCAPPED",
		"NARRATOR_PROVIDER",
		"NARRATOR_BASE_URL",
		"NARRATOR_API_KEY",
		"NARRATOR_MODEL",
		"NARRATOR_VOICE_ID",
		"ELEVENLABS_API_KEY",
		"ELEVENLABS_WS_BASE_URL",
		"ELEVENLABS_TTS_MODEL_ID",
		"ASSEMBLYAI_API_KEY",
		"ASSEMBLYAI_WS_BASE_URL",
		"VOICE_SAMPLE_RATE",
		"REPLICATE_API_TOKEN",
		"REPLICATE_MODEL",
		"DATABASE_URL",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}
