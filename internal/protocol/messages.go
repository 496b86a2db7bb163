package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// RequestType identifies inbound websocket payload variants.
type RequestType string

const (
	TypeAuth                 RequestType = "auth"
	TypeWelcome              RequestType = "welcome"
	TypeCreateInstance       RequestType = "createInstance"
	TypeAddPlayerMessage     RequestType = "addPlayerMessage"
	TypeUndo                 RequestType = "undo"
	TypeVoice                RequestType = "voice"
	TypeVoiceEnd             RequestType = "voiceEnd"
	TypeAdventureSuggestions RequestType = "generateAdventureSuggestions"
	TypeStopAudio            RequestType = "stopAudio"
)

// EventType identifies outbound websocket payload variants.
type EventType string

const (
	EventInstance             EventType = "instance"
	EventMessage              EventType = "message"
	EventMessageAppend        EventType = "message-append"
	EventImage                EventType = "image"
	EventSuggestions          EventType = "suggestions"
	EventAudio                EventType = "audio"
	EventTranscription        EventType = "transcription"
	EventAdventureSuggestions EventType = "adventure-suggestions"
	EventOutOfCredits         EventType = "outOfCredits"
	EventError                EventType = "error"
	EventStopAudio            EventType = "stop-audio"
	EventDeleteMessages       EventType = "delete-messages"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type envelope struct {
	Type    RequestType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Event is the outbound envelope sent toward a client.
type Event struct {
	Type    EventType    `json:"type"`
	Payload EventPayload `json:"payload"`
}

type EventPayload struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

type Auth struct {
	Token        string `json:"token"`
	ConnectionID string `json:"connectionId"`
}

type Welcome struct{}

type CreateInstance struct {
	UserID      string `json:"userId"`
	Description string `json:"description"`
}

type AddPlayerMessage struct {
	InstanceID string `json:"instanceId"`
	Content    string `json:"content"`
}

type Undo struct {
	InstanceID string `json:"instanceId"`
}

// Voice carries a base64-encoded PCM audio fragment.
type Voice struct {
	Audio string
}

type VoiceEnd struct{}

type AdventureSuggestions struct{}

type StopAudio struct{}

// ParseClientMessage decodes one inbound frame into its typed payload.
func ParseClientMessage(raw []byte) (RequestType, any, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeAuth:
		var msg Auth
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return env.Type, nil, err
		}
		if msg.Token == "" || msg.ConnectionID == "" {
			return env.Type, nil, errors.New("invalid auth payload")
		}
		return env.Type, msg, nil
	case TypeWelcome:
		return env.Type, Welcome{}, nil
	case TypeCreateInstance:
		var msg CreateInstance
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return env.Type, nil, err
		}
		if msg.UserID == "" {
			return env.Type, nil, errors.New("invalid createInstance payload")
		}
		return env.Type, msg, nil
	case TypeAddPlayerMessage:
		var msg AddPlayerMessage
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return env.Type, nil, err
		}
		if msg.InstanceID == "" || msg.Content == "" {
			return env.Type, nil, errors.New("invalid addPlayerMessage payload")
		}
		return env.Type, msg, nil
	case TypeUndo:
		var msg Undo
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return env.Type, nil, err
		}
		if msg.InstanceID == "" {
			return env.Type, nil, errors.New("invalid undo payload")
		}
		return env.Type, msg, nil
	case TypeVoice:
		// The voice payload is the raw base64 string, not an object.
		var audio string
		if err := json.Unmarshal(env.Payload, &audio); err != nil {
			return env.Type, nil, err
		}
		if audio == "" {
			return env.Type, nil, errors.New("invalid voice payload")
		}
		return env.Type, Voice{Audio: audio}, nil
	case TypeVoiceEnd:
		return env.Type, VoiceEnd{}, nil
	case TypeAdventureSuggestions:
		return env.Type, AdventureSuggestions{}, nil
	case TypeStopAudio:
		return env.Type, StopAudio{}, nil
	default:
		return env.Type, nil, ErrUnsupportedType
	}
}
