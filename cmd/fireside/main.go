package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/antoniostano/fireside/internal/config"
	"github.com/antoniostano/fireside/internal/gateway"
	"github.com/antoniostano/fireside/internal/httpapi"
	"github.com/antoniostano/fireside/internal/image"
	"github.com/antoniostano/fireside/internal/narrator"
	"github.com/antoniostano/fireside/internal/observability"
	"github.com/antoniostano/fireside/internal/story"
	"github.com/antoniostano/fireside/internal/store"
	"github.com/antoniostano/fireside/internal/voice"
)

func main() {
	// A missing .env is fine; the environment wins either way.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	st, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("store init failed: %v", err)
	}
	defer st.Close()

	adapter, err := narrator.NewAdapter(narrator.Config{
		Provider: cfg.NarratorProvider,
		BaseURL:  cfg.NarratorBaseURL,
		APIKey:   cfg.NarratorAPIKey,
		Model:    cfg.NarratorModel,
	})
	if err != nil {
		log.Fatalf("narrator adapter init failed: %v", err)
	}

	var synth voice.Synthesizer
	if strings.TrimSpace(cfg.ElevenLabsAPIKey) != "" {
		synth = voice.NewElevenLabsSynthesizer(voice.ElevenLabsConfig{
			APIKey:    cfg.ElevenLabsAPIKey,
			WSBaseURL: cfg.ElevenLabsWSBaseURL,
			VoiceID:   cfg.NarratorVoiceID,
			ModelID:   cfg.ElevenLabsModelID,
		})
		log.Printf("speech synthesis: elevenlabs")
	} else {
		synth = voice.NewMockSynthesizer()
		log.Printf("speech synthesis: mock (no elevenlabs key)")
	}

	var transcriber voice.Transcriber
	if strings.TrimSpace(cfg.AssemblyAIAPIKey) != "" {
		transcriber = voice.NewAssemblyAITranscriber(voice.AssemblyAIConfig{
			APIKey:     cfg.AssemblyAIAPIKey,
			WSBaseURL:  cfg.AssemblyAIWSBaseURL,
			SampleRate: cfg.VoiceSampleRate,
		})
		log.Printf("transcription: assemblyai")
	} else {
		transcriber = voice.NewMockTranscriber()
		log.Printf("transcription: mock (no assemblyai key)")
	}

	var images image.Generator
	if strings.TrimSpace(cfg.ReplicateAPIToken) != "" {
		images = image.NewReplicateClient(image.ReplicateConfig{
			APIToken: cfg.ReplicateAPIToken,
			Model:    cfg.ReplicateModel,
		})
		log.Printf("illustrations: replicate")
	} else {
		images = image.NewMockGenerator()
		log.Printf("illustrations: mock (no replicate token)")
	}

	gw := gateway.New(cfg, st, metrics)
	engine := story.NewEngine(cfg, st, adapter, synth, transcriber, images, gw, metrics)

	api := httpapi.New(cfg, gw, engine, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	gw.StartSweeper(runCtx, time.Minute)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
