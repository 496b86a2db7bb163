package narrator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/antoniostano/fireside/internal/reliability"
)

const maxRequestAttempts = 3

// OpenAIAdapter speaks the OpenAI-compatible chat completions API with
// forced function calls.
type OpenAIAdapter struct {
	baseURL   string
	apiKey    string
	model     string
	client    *http.Client
	retryBase time.Duration
}

func NewOpenAIAdapter(baseURL, apiKey, model string) *OpenAIAdapter {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = "https://api.openai.com"
	}
	if strings.TrimSpace(model) == "" {
		model = "gpt-4"
	}
	return &OpenAIAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
		retryBase: 500 * time.Millisecond,
	}
}

type chatRequest struct {
	Model        string         `json:"model"`
	Messages     []Message      `json:"messages"`
	Functions    []Function     `json:"functions"`
	FunctionCall map[string]any `json:"function_call"`
	Stream       bool           `json:"stream,omitempty"`
	Temperature  float64        `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			FunctionCall *struct {
				Arguments string `json:"arguments"`
			} `json:"function_call"`
		} `json:"message"`
	} `json:"choices"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			FunctionCall *struct {
				Arguments string `json:"arguments"`
			} `json:"function_call"`
		} `json:"delta"`
	} `json:"choices"`
}

func (a *OpenAIAdapter) Complete(ctx context.Context, req Request) (json.RawMessage, error) {
	body, err := a.do(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.FunctionCall == nil {
		return nil, ErrUpstreamGeneration
	}
	args := parsed.Choices[0].Message.FunctionCall.Arguments
	if strings.TrimSpace(args) == "" {
		return nil, ErrUpstreamGeneration
	}
	return json.RawMessage(args), nil
}

func (a *OpenAIAdapter) StreamComplete(ctx context.Context, req Request, onDelta DeltaHandler) (string, error) {
	body, err := a.do(ctx, req, true)
	if err != nil {
		return "", err
	}
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if line == "[DONE]" {
			break
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.FunctionCall == nil {
			continue
		}
		delta := chunk.Choices[0].Delta.FunctionCall.Arguments
		if delta == "" {
			continue
		}
		out.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return out.String(), err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return out.String(), fmt.Errorf("stream read: %w", err)
	}
	return out.String(), nil
}

func (a *OpenAIAdapter) do(ctx context.Context, req Request, stream bool) (io.ReadCloser, error) {
	model := req.Model
	if strings.TrimSpace(model) == "" {
		model = a.model
	}
	payload, err := json.Marshal(chatRequest{
		Model:        model,
		Messages:     req.Messages,
		Functions:    []Function{req.Function},
		FunctionCall: map[string]any{"name": req.Function.Name},
		Stream:       stream,
		Temperature:  req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	// Transient upstream statuses are retried before the attempt is given up
	// on. Retries happen before the first response byte, so the stream path
	// never replays a partial completion.
	for attempt := 0; ; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

		res, err := a.client.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("send request: %w", err)
		}
		if res.StatusCode >= 200 && res.StatusCode < 300 {
			return res.Body, nil
		}

		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		res.Body.Close()
		if attempt+1 >= maxRequestAttempts || !reliability.IsRetryableHTTPStatus(res.StatusCode) {
			return nil, fmt.Errorf("narrator http status %d: %s", res.StatusCode, string(body))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(reliability.ExponentialBackoff(attempt, a.retryBase, 5*time.Second)):
		}
	}
}
