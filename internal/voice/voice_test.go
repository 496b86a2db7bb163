package voice

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestMockSynthesizerRoundTrip(t *testing.T) {
	p := NewMockSynthesizer()
	stream, err := p.StartStream(context.Background(), "any-voice")
	if err != nil {
		t.Fatalf("start stream error = %v", err)
	}
	defer stream.Close()

	if err := stream.SendText(context.Background(), "hello"); err != nil {
		t.Fatalf("send text error = %v", err)
	}
	if err := stream.CloseInput(context.Background()); err != nil {
		t.Fatalf("close input error = %v", err)
	}

	ev := <-stream.Events()
	if ev.Type != SpeechEventAudio {
		t.Fatalf("event type = %q, want %q", ev.Type, SpeechEventAudio)
	}
	decoded, err := base64.StdEncoding.DecodeString(ev.AudioBase64)
	if err != nil {
		t.Fatalf("decode audio: %v", err)
	}
	if string(decoded) != "hello" {
		t.Fatalf("audio payload = %q, want %q", decoded, "hello")
	}

	ev = <-stream.Events()
	if ev.Type != SpeechEventFinal {
		t.Fatalf("event type = %q, want %q", ev.Type, SpeechEventFinal)
	}
}

func TestElevenLabsStreamInput(t *testing.T) {
	received := make(chan map[string]any, 16)
	ts := wsEchoServer(t, func(conn wsConn, raw map[string]any) {
		received <- raw
		if text, _ := raw["text"].(string); text != "" && text != " " {
			_ = conn.WriteJSON(map[string]any{
				"audio": base64.StdEncoding.EncodeToString([]byte(text)),
			})
		}
		if text, ok := raw["text"].(string); ok && text == "" {
			_ = conn.WriteJSON(map[string]any{"isFinal": true})
		}
	})

	p := NewElevenLabsSynthesizer(ElevenLabsConfig{
		APIKey:    "key",
		WSBaseURL: "ws" + strings.TrimPrefix(ts.URL, "http"),
		VoiceID:   "narrator-voice",
	})

	stream, err := p.StartStream(context.Background(), "")
	if err != nil {
		t.Fatalf("start stream error = %v", err)
	}
	defer stream.Close()

	// First frame primes the stream with voice settings and the API key.
	select {
	case prime := <-received:
		if prime["text"] != " " {
			t.Fatalf("priming text = %v, want single space", prime["text"])
		}
		if prime["xi_api_key"] != "key" {
			t.Fatalf("priming frame missing api key: %v", prime)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("priming frame never arrived")
	}

	if err := stream.SendText(context.Background(), "once upon"); err != nil {
		t.Fatalf("send text error = %v", err)
	}
	if err := stream.CloseInput(context.Background()); err != nil {
		t.Fatalf("close input error = %v", err)
	}

	var sawAudio, sawFinal bool
	deadline := time.After(2 * time.Second)
	for !sawFinal {
		select {
		case ev := <-stream.Events():
			switch ev.Type {
			case SpeechEventAudio:
				decoded, _ := base64.StdEncoding.DecodeString(ev.AudioBase64)
				if string(decoded) != "once upon" {
					t.Fatalf("audio payload = %q", decoded)
				}
				sawAudio = true
			case SpeechEventFinal:
				sawFinal = true
			}
		case <-deadline:
			t.Fatalf("final event never arrived (audio seen: %v)", sawAudio)
		}
	}
	if !sawAudio {
		t.Fatalf("no audio event before final")
	}
}

func TestAssemblyAITranscriberSession(t *testing.T) {
	ts := wsEchoServer(t, func(conn wsConn, raw map[string]any) {
		if audio, _ := raw["audio_data"].(string); audio != "" {
			decoded, err := base64.StdEncoding.DecodeString(audio)
			if err == nil && len(strings.TrimRight(string(decoded), "\x00")) > 0 {
				_ = conn.WriteJSON(map[string]any{
					"message_type": "FinalTranscript",
					"text":         string(decoded),
				})
			}
			return
		}
		if terminate, _ := raw["terminate_session"].(bool); terminate {
			_ = conn.WriteJSON(map[string]any{"message_type": "SessionTerminated"})
		}
	})

	p := NewAssemblyAITranscriber(AssemblyAIConfig{
		APIKey:     "key",
		WSBaseURL:  "ws" + strings.TrimPrefix(ts.URL, "http"),
		SampleRate: 8000,
	})

	session, events, err := p.StartSession(context.Background())
	if err != nil {
		t.Fatalf("start session error = %v", err)
	}
	defer session.Close()

	audio := base64.StdEncoding.EncodeToString([]byte("open the gate"))
	if err := session.SendAudio(context.Background(), audio); err != nil {
		t.Fatalf("send audio error = %v", err)
	}

	var texts []string
	var terminated bool
	if err := session.Terminate(context.Background()); err != nil {
		t.Fatalf("terminate error = %v", err)
	}

	deadline := time.After(2 * time.Second)
	for !terminated {
		select {
		case ev, ok := <-events:
			if !ok {
				terminated = true
				break
			}
			switch ev.Type {
			case TranscriptEventText:
				texts = append(texts, ev.Text)
			case TranscriptEventTerminated:
				terminated = true
			}
		case <-deadline:
			t.Fatalf("session never terminated (texts: %v)", texts)
		}
	}

	if len(texts) == 0 || texts[0] != "open the gate" {
		t.Fatalf("transcripts = %v, want first %q", texts, "open the gate")
	}
}

// wsConn is the subset of the websocket connection used by test handlers.
type wsConn interface {
	WriteJSON(v any) error
}

// wsEchoServer runs a websocket endpoint that feeds every JSON frame to fn.
func wsEchoServer(t *testing.T, fn func(conn wsConn, raw map[string]any)) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var raw map[string]any
			if err := conn.ReadJSON(&raw); err != nil {
				return
			}
			fn(conn, raw)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}
