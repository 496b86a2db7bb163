// Package narrator bridges the story engine to a function-calling text
// generation service.
package narrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/invopop/jsonschema"
)

// ErrUpstreamGeneration marks a generation call that returned no usable
// structured result.
var ErrUpstreamGeneration = errors.New("generation service returned no usable result")

// Role mirrors the conversation roles understood by the generation service.
const (
	RoleSystem    = "system"
	RoleAssistant = "assistant"
	RoleUser      = "user"
	RoleFunction  = "function"
)

// Message is one entry of the conversation history sent upstream.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// Function declares the structured output the model is forced to produce.
type Function struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters"`
}

// Request is a normalized completion request.
type Request struct {
	Model       string
	Messages    []Message
	Function    Function
	Temperature float64
}

// DeltaHandler receives raw incremental argument fragments.
type DeltaHandler func(delta string) error

// Adapter produces structured completions, whole or streamed.
type Adapter interface {
	// Complete returns the raw JSON arguments of the forced function call.
	Complete(ctx context.Context, req Request) (json.RawMessage, error)
	// StreamComplete forwards raw argument fragments to onDelta as they
	// arrive and returns the concatenated raw stream.
	StreamComplete(ctx context.Context, req Request, onDelta DeltaHandler) (string, error)
}

// SchemaFor reflects a parameter schema from a Go struct type.
func SchemaFor(v any) *jsonschema.Schema {
	reflector := jsonschema.Reflector{DoNotReference: true}
	t := reflect.TypeOf(v)
	if t != nil && t.Kind() == reflect.Ptr {
		return reflector.ReflectFromType(t.Elem())
	}
	return reflector.Reflect(v)
}

// Config controls adapter construction.
type Config struct {
	Provider string
	BaseURL  string
	APIKey   string
	Model    string
}

// NewAdapter selects a provider: "openai" requires an API key, "mock" is a
// deterministic local stand-in, "auto" picks openai when a key is present.
func NewAdapter(cfg Config) (Adapter, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "auto"
	}
	switch provider {
	case "auto":
		if strings.TrimSpace(cfg.APIKey) != "" {
			return NewOpenAIAdapter(cfg.BaseURL, cfg.APIKey, cfg.Model), nil
		}
		return NewMockAdapter(), nil
	case "openai":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, errors.New("narrator API key is required for openai provider")
		}
		return NewOpenAIAdapter(cfg.BaseURL, cfg.APIKey, cfg.Model), nil
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported narrator provider %q", cfg.Provider)
	}
}
