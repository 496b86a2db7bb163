package voice

import (
	"context"
	"encoding/base64"
	"sync"
)

// MockSynthesizer yields one fake audio frame per text fragment. Useful for
// tests and for running without an ElevenLabs key.
type MockSynthesizer struct{}

func NewMockSynthesizer() *MockSynthesizer { return &MockSynthesizer{} }

func (p *MockSynthesizer) StartStream(_ context.Context, _ string) (SpeechStream, error) {
	return &mockSpeechStream{events: make(chan SpeechEvent, 256)}, nil
}

type mockSpeechStream struct {
	mu        sync.Mutex
	closeOnce sync.Once
	events    chan SpeechEvent
	sent      []string
}

func (s *mockSpeechStream) SendText(_ context.Context, text string) error {
	if text == "" {
		return nil
	}
	s.mu.Lock()
	s.sent = append(s.sent, text)
	s.mu.Unlock()
	s.events <- SpeechEvent{
		Type:        SpeechEventAudio,
		AudioBase64: base64.StdEncoding.EncodeToString([]byte(text)),
	}
	return nil
}

func (s *mockSpeechStream) CloseInput(_ context.Context) error {
	s.events <- SpeechEvent{Type: SpeechEventFinal}
	return nil
}

func (s *mockSpeechStream) Events() <-chan SpeechEvent { return s.events }

func (s *mockSpeechStream) Close() error {
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}

// SentText returns every fragment pushed into the stream, for assertions.
func (s *mockSpeechStream) SentText() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}

// MockTranscriber echoes each audio chunk back as decoded text.
type MockTranscriber struct{}

func NewMockTranscriber() *MockTranscriber { return &MockTranscriber{} }

func (p *MockTranscriber) StartSession(_ context.Context) (TranscriptSession, <-chan TranscriptEvent, error) {
	events := make(chan TranscriptEvent, 256)
	return &mockTranscriptSession{events: events}, events, nil
}

type mockTranscriptSession struct {
	closeOnce sync.Once
	events    chan TranscriptEvent
}

func (s *mockTranscriptSession) SendAudio(_ context.Context, audioBase64 string) error {
	text := audioBase64
	if decoded, err := base64.StdEncoding.DecodeString(audioBase64); err == nil {
		text = string(decoded)
	}
	s.events <- TranscriptEvent{Type: TranscriptEventText, Text: text}
	return nil
}

func (s *mockTranscriptSession) Terminate(_ context.Context) error {
	s.events <- TranscriptEvent{Type: TranscriptEventFinal}
	s.events <- TranscriptEvent{Type: TranscriptEventTerminated}
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}

func (s *mockTranscriptSession) Close() error {
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}
