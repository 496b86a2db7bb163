package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

type AssemblyAIConfig struct {
	APIKey     string
	WSBaseURL  string
	SampleRate int
}

// AssemblyAITranscriber streams base64 PCM audio into the AssemblyAI realtime
// websocket and yields text events as speech is recognized.
type AssemblyAITranscriber struct {
	cfg AssemblyAIConfig
}

func NewAssemblyAITranscriber(cfg AssemblyAIConfig) *AssemblyAITranscriber {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.assemblyai.com"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 44100
	}
	return &AssemblyAITranscriber{cfg: cfg}
}

func (p *AssemblyAITranscriber) StartSession(ctx context.Context) (TranscriptSession, <-chan TranscriptEvent, error) {
	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v2/realtime/ws")
	if err != nil {
		return nil, nil, err
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(p.cfg.SampleRate))
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", p.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, nil, fmt.Errorf("dial stt websocket: %w", err)
	}

	events := make(chan TranscriptEvent, 256)
	s := &assemblySession{conn: conn, events: events, sampleRate: p.cfg.SampleRate}
	go s.readLoop()
	return s, events, nil
}

type assemblySession struct {
	conn       *websocket.Conn
	writeMu    sync.Mutex
	closeOnce  sync.Once
	events     chan TranscriptEvent
	sampleRate int
}

func (s *assemblySession) SendAudio(_ context.Context, audioBase64 string) error {
	return s.writeJSON(map[string]any{"audio_data": audioBase64})
}

// Terminate pads a second of silence so trailing speech commits, then asks
// the upstream to end the session.
func (s *assemblySession) Terminate(_ context.Context) error {
	silence := base64.StdEncoding.EncodeToString(make([]byte, s.sampleRate*2))
	if err := s.writeJSON(map[string]any{"audio_data": silence}); err != nil {
		return err
	}
	return s.writeJSON(map[string]any{"terminate_session": true})
}

func (s *assemblySession) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		retErr = s.conn.Close()
		close(s.events)
	})
	return retErr
}

func (s *assemblySession) writeJSON(payload map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

func (s *assemblySession) readLoop() {
	defer s.safeClose()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}

		if text, _ := raw["text"].(string); text != "" {
			s.events <- TranscriptEvent{Type: TranscriptEventText, Text: text}
		}

		messageType, _ := raw["message_type"].(string)
		switch messageType {
		case "FinalMessage":
			s.events <- TranscriptEvent{Type: TranscriptEventFinal}
		case "SessionTerminated":
			s.events <- TranscriptEvent{Type: TranscriptEventTerminated}
			return
		case "", "PartialTranscript", "FinalTranscript", "SessionBegins":
			// text already forwarded above
		default:
			detail, _ := raw["error"].(string)
			s.events <- TranscriptEvent{Type: TranscriptEventError, Code: messageType, Detail: detail}
		}
	}
}

func (s *assemblySession) safeClose() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
		close(s.events)
	})
}
