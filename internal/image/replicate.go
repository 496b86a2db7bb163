// Package image generates story illustrations through an external diffusion
// service.
package image

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/antoniostano/fireside/internal/reliability"
)

const (
	maxRequestAttempts = 3
	pollBackoffCap     = 15 * time.Second
)

// Generator turns a prompt pair into a hosted image URL.
type Generator interface {
	Generate(ctx context.Context, prompt, negativePrompt string) (string, error)
}

var ErrGenerationFailed = errors.New("image generation failed")

type ReplicateConfig struct {
	APIToken string
	BaseURL  string
	// Model is the pinned model version, owner/name:versionhash.
	Model        string
	PollInterval time.Duration
}

// ReplicateClient drives the Replicate predictions API: create a prediction,
// then poll until it resolves.
type ReplicateClient struct {
	cfg    ReplicateConfig
	client *http.Client
}

func NewReplicateClient(cfg ReplicateConfig) *ReplicateClient {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.replicate.com"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &ReplicateClient{
		cfg: cfg,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  any             `json:"error"`
}

func (c *ReplicateClient) Generate(ctx context.Context, prompt, negativePrompt string) (string, error) {
	version := c.cfg.Model
	if i := strings.LastIndex(version, ":"); i >= 0 {
		version = version[i+1:]
	}

	payload, err := json.Marshal(map[string]any{
		"version": version,
		"input": map[string]any{
			"prompt":          prompt,
			"negative_prompt": negativePrompt,
			"width":           1344,
			"height":          768,
			"scheduler":       "KarrasDPM",
			"refine":          "expert_ensemble_refiner",
			"apply_watermark": false,
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal prediction: %w", err)
	}

	pred, err := c.do(ctx, http.MethodPost, "/v1/predictions", payload)
	if err != nil {
		return "", err
	}

	for attempt := 0; ; attempt++ {
		switch pred.Status {
		case "succeeded":
			return firstOutputURL(pred.Output)
		case "failed", "canceled":
			return "", fmt.Errorf("%w: status %s (%v)", ErrGenerationFailed, pred.Status, pred.Error)
		}

		// Polls back off so long renders do not hammer the API.
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(reliability.ExponentialBackoff(attempt, c.cfg.PollInterval, pollBackoffCap)):
		}

		pred, err = c.do(ctx, http.MethodGet, "/v1/predictions/"+pred.ID, nil)
		if err != nil {
			return "", err
		}
	}
}

// do issues one API call, retrying transient upstream statuses before
// giving up.
func (c *ReplicateClient) do(ctx context.Context, method, path string, body []byte) (prediction, error) {
	for attempt := 0; ; attempt++ {
		pred, status, err := c.doOnce(ctx, method, path, body)
		if err == nil {
			return pred, nil
		}
		if attempt+1 >= maxRequestAttempts || !reliability.IsRetryableHTTPStatus(status) {
			return prediction{}, err
		}
		select {
		case <-ctx.Done():
			return prediction{}, ctx.Err()
		case <-time.After(reliability.ExponentialBackoff(attempt, c.cfg.PollInterval, pollBackoffCap)):
		}
	}
}

func (c *ReplicateClient) doOnce(ctx context.Context, method, path string, body []byte) (prediction, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, reader)
	if err != nil {
		return prediction{}, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.cfg.APIToken)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return prediction{}, 0, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return prediction{}, res.StatusCode, fmt.Errorf("replicate http status %d: %s", res.StatusCode, string(raw))
	}

	var pred prediction
	if err := json.NewDecoder(res.Body).Decode(&pred); err != nil {
		return prediction{}, res.StatusCode, fmt.Errorf("decode prediction: %w", err)
	}
	return pred, res.StatusCode, nil
}

func firstOutputURL(raw json.RawMessage) (string, error) {
	var urls []string
	if err := json.Unmarshal(raw, &urls); err == nil && len(urls) > 0 {
		return urls[0], nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil && single != "" {
		return single, nil
	}
	return "", fmt.Errorf("%w: empty output", ErrGenerationFailed)
}

// MockGenerator returns a deterministic URL without leaving the process.
type MockGenerator struct{}

func NewMockGenerator() *MockGenerator { return &MockGenerator{} }

func (g *MockGenerator) Generate(_ context.Context, prompt, _ string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", ErrGenerationFailed
	}
	return "https://images.invalid/mock.png", nil
}
