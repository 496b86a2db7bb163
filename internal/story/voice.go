package story

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/antoniostano/fireside/internal/protocol"
	"github.com/antoniostano/fireside/internal/voice"
)

// Welcome greets a freshly authenticated player by voice.
func (e *Engine) Welcome(ctx context.Context, connID, userName string) {
	name := "there"
	if trimmed := strings.TrimSpace(userName); trimmed != "" {
		name = strings.Fields(trimmed)[0]
	}
	greeting := fmt.Sprintf("Ah, hello %s. Are you ready for an adventure?", name)

	speech := e.openSpeech(ctx, connID, "")
	if speech == nil {
		return
	}
	if err := speech.SendText(ctx, greeting); err != nil {
		log.Printf("story: welcome speech: %v", err)
	}
	_ = speech.CloseInput(ctx)
}

// Voice feeds one base64 audio fragment into the connection's transcription
// session, opening the session on first use. Recognized text flows back to
// the client as transcription events.
func (e *Engine) Voice(ctx context.Context, connID, audioBase64 string) error {
	if e.transcriber == nil {
		return nil
	}

	e.voiceMu.Lock()
	session, ok := e.voiceSessions[connID]
	e.voiceMu.Unlock()

	if !ok {
		newSession, events, err := e.transcriber.StartSession(ctx)
		if err != nil {
			e.metrics.ProviderErrors.WithLabelValues("stt", "dial").Inc()
			return err
		}
		e.voiceMu.Lock()
		if existing, raced := e.voiceSessions[connID]; raced {
			session = existing
			e.voiceMu.Unlock()
			_ = newSession.Close()
		} else {
			e.voiceSessions[connID] = newSession
			session = newSession
			e.voiceMu.Unlock()
			e.spawn("transcript-pump", func() {
				e.pumpTranscripts(context.WithoutCancel(ctx), connID, newSession, events)
			})
		}
	}

	return session.SendAudio(ctx, audioBase64)
}

// VoiceEnd flushes the connection's transcription session so trailing speech
// commits, then tears it down.
func (e *Engine) VoiceEnd(ctx context.Context, connID string) error {
	e.voiceMu.Lock()
	session, ok := e.voiceSessions[connID]
	delete(e.voiceSessions, connID)
	e.voiceMu.Unlock()
	if !ok {
		return nil
	}
	return session.Terminate(ctx)
}

func (e *Engine) pumpTranscripts(ctx context.Context, connID string, session voice.TranscriptSession, events <-chan voice.TranscriptEvent) {
	defer func() {
		e.voiceMu.Lock()
		if e.voiceSessions[connID] == session {
			delete(e.voiceSessions, connID)
		}
		e.voiceMu.Unlock()
		_ = session.Close()
	}()

	for ev := range events {
		switch ev.Type {
		case voice.TranscriptEventText:
			e.send(ctx, connID, protocol.Event{
				Type:    protocol.EventTranscription,
				Payload: protocol.EventPayload{Content: ev.Text},
			})
		case voice.TranscriptEventTerminated:
			return
		case voice.TranscriptEventError:
			e.metrics.ProviderErrors.WithLabelValues("stt", ev.Code).Inc()
		}
	}
}
