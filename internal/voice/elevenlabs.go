package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

type ElevenLabsConfig struct {
	APIKey       string
	WSBaseURL    string
	VoiceID      string
	ModelID      string
	OutputFormat string
}

// ElevenLabsSynthesizer streams narration text into the ElevenLabs
// text-to-speech websocket and yields audio frames as they render.
type ElevenLabsSynthesizer struct {
	cfg ElevenLabsConfig
}

func NewElevenLabsSynthesizer(cfg ElevenLabsConfig) *ElevenLabsSynthesizer {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		cfg.ModelID = "eleven_english_v2"
	}
	if strings.TrimSpace(cfg.OutputFormat) == "" {
		cfg.OutputFormat = "pcm_44100"
	}
	return &ElevenLabsSynthesizer{cfg: cfg}
}

func (p *ElevenLabsSynthesizer) StartStream(ctx context.Context, voiceID string) (SpeechStream, error) {
	if strings.TrimSpace(voiceID) == "" {
		voiceID = p.cfg.VoiceID
	}
	if strings.TrimSpace(voiceID) == "" {
		return nil, fmt.Errorf("voice id is required")
	}

	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("model_id", p.cfg.ModelID)
	q.Set("output_format", p.cfg.OutputFormat)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", p.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("dial tts websocket: %w", err)
	}

	s := &elevenStream{conn: conn, events: make(chan SpeechEvent, 512)}
	go s.readLoop()
	// Prime the stream as documented for the TTS websocket flow.
	_ = s.writeJSON(map[string]any{
		"text": " ",
		"voice_settings": map[string]any{
			"stability":        0.8,
			"similarity_boost": true,
		},
		"xi_api_key": p.cfg.APIKey,
	})
	return s, nil
}

type elevenStream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan SpeechEvent
}

func (s *elevenStream) SendText(_ context.Context, text string) error {
	if text == "" {
		return nil
	}
	return s.writeJSON(map[string]any{
		"text":                   text,
		"try_trigger_generation": true,
	})
}

// CloseInput sends the zero-length fragment that signals end-of-utterance.
func (s *elevenStream) CloseInput(_ context.Context) error {
	return s.writeJSON(map[string]any{"text": ""})
}

func (s *elevenStream) Events() <-chan SpeechEvent { return s.events }

func (s *elevenStream) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		retErr = s.conn.Close()
		close(s.events)
	})
	return retErr
}

func (s *elevenStream) writeJSON(payload map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

func (s *elevenStream) readLoop() {
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
		if audio, _ := raw["audio"].(string); audio != "" {
			s.events <- SpeechEvent{Type: SpeechEventAudio, AudioBase64: audio}
		}
		if final, _ := raw["isFinal"].(bool); final {
			s.events <- SpeechEvent{Type: SpeechEventFinal}
		}
		if errMsg, _ := raw["error"].(string); errMsg != "" {
			code, _ := raw["message_type"].(string)
			s.events <- SpeechEvent{Type: SpeechEventError, Code: code, Detail: errMsg}
		}
	}
}

func (s *elevenStream) safeClose() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
		close(s.events)
	})
}
