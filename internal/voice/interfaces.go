package voice

import "context"

type SpeechEventType string

const (
	SpeechEventAudio SpeechEventType = "audio"
	SpeechEventFinal SpeechEventType = "final"
	SpeechEventError SpeechEventType = "error"
)

// SpeechEvent is one synthesized audio frame or stream control event.
type SpeechEvent struct {
	Type        SpeechEventType
	AudioBase64 string
	Code        string
	Detail      string
}

// SpeechStream is one live synthesis stream. Text goes in incrementally; a
// CloseInput signals end-of-utterance.
type SpeechStream interface {
	SendText(ctx context.Context, text string) error
	CloseInput(ctx context.Context) error
	Events() <-chan SpeechEvent
	Close() error
}

// Synthesizer opens synthesis streams for a narrator voice.
type Synthesizer interface {
	StartStream(ctx context.Context, voiceID string) (SpeechStream, error)
}

type TranscriptEventType string

const (
	TranscriptEventText       TranscriptEventType = "text"
	TranscriptEventFinal      TranscriptEventType = "final"
	TranscriptEventTerminated TranscriptEventType = "terminated"
	TranscriptEventError      TranscriptEventType = "error"
)

// TranscriptEvent is one recognized text fragment or stream control event.
type TranscriptEvent struct {
	Type   TranscriptEventType
	Text   string
	Code   string
	Detail string
}

// TranscriptSession is one live transcription stream fed base64 audio.
type TranscriptSession interface {
	SendAudio(ctx context.Context, audioBase64 string) error
	Terminate(ctx context.Context) error
	Close() error
}

// Transcriber opens realtime transcription sessions.
type Transcriber interface {
	StartSession(ctx context.Context) (TranscriptSession, <-chan TranscriptEvent, error)
}
