package narrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type introParams struct {
	Introduction string `json:"introduction"`
}

func TestSchemaForReflectsProperties(t *testing.T) {
	schema := SchemaFor(introParams{})
	if schema == nil || schema.Properties == nil {
		t.Fatalf("SchemaFor() returned nil schema or properties")
	}
	if _, ok := schema.Properties.Get("introduction"); !ok {
		t.Fatalf("schema missing introduction property")
	}
}

func TestMockAdapterScriptedReplies(t *testing.T) {
	mock := NewMockAdapter()
	mock.Script("plan_story", `{"plan": "first"}`, `{"plan": "second"}`)

	req := Request{Function: Function{Name: "plan_story", Parameters: SchemaFor(introParams{})}}
	raw, err := mock.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if string(raw) != `{"plan": "first"}` {
		t.Fatalf("first reply = %s", raw)
	}
	raw, _ = mock.Complete(context.Background(), req)
	if string(raw) != `{"plan": "second"}` {
		t.Fatalf("second reply = %s", raw)
	}
	if mock.Calls("plan_story") != 2 {
		t.Fatalf("Calls() = %d, want 2", mock.Calls("plan_story"))
	}
}

func TestMockAdapterStreamChunksWholePayload(t *testing.T) {
	mock := NewMockAdapter()
	mock.Script("introduce", `{"introduction": "Welcome to the story."}`)

	var got strings.Builder
	full, err := mock.StreamComplete(context.Background(), Request{
		Function: Function{Name: "introduce"},
	}, func(delta string) error {
		got.WriteString(delta)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamComplete() error = %v", err)
	}
	if got.String() != full || full != `{"introduction": "Welcome to the story."}` {
		t.Fatalf("stream = %q, full = %q", got.String(), full)
	}
}

func TestOpenAIAdapterComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer key-1" {
			t.Errorf("Authorization = %q", auth)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "gpt-4" {
			t.Errorf("model = %v", body["model"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"function_call": map[string]any{
						"arguments": `{"plan": "Ambush at dawn."}`,
					},
				},
			}},
		})
	}))
	defer srv.Close()

	a := NewOpenAIAdapter(srv.URL, "key-1", "gpt-4")
	raw, err := a.Complete(context.Background(), Request{Function: Function{Name: "plan_story"}})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	var parsed struct {
		Plan string `json:"plan"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		t.Fatalf("arguments not JSON: %v", err)
	}
	if parsed.Plan != "Ambush at dawn." {
		t.Fatalf("plan = %q", parsed.Plan)
	}
}

func TestOpenAIAdapterRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"function_call": map[string]any{
						"arguments": `{"plan": "Second try."}`,
					},
				},
			}},
		})
	}))
	defer srv.Close()

	a := NewOpenAIAdapter(srv.URL, "key-1", "")
	a.retryBase = time.Millisecond
	raw, err := a.Complete(context.Background(), Request{Function: Function{Name: "plan_story"}})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if string(raw) != `{"plan": "Second try."}` {
		t.Fatalf("arguments = %s", raw)
	}
	if calls.Load() != 2 {
		t.Fatalf("requests = %d, want 2", calls.Load())
	}
}

func TestOpenAIAdapterDoesNotRetryBadRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	a := NewOpenAIAdapter(srv.URL, "key-1", "")
	a.retryBase = time.Millisecond
	if _, err := a.Complete(context.Background(), Request{Function: Function{Name: "x"}}); err == nil {
		t.Fatalf("expected error for 400 response")
	}
	if calls.Load() != 1 {
		t.Fatalf("requests = %d, want 1", calls.Load())
	}
}

func TestOpenAIAdapterCompleteNoFunctionCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{}}},
		})
	}))
	defer srv.Close()

	a := NewOpenAIAdapter(srv.URL, "key-1", "")
	if _, err := a.Complete(context.Background(), Request{Function: Function{Name: "x"}}); err != ErrUpstreamGeneration {
		t.Fatalf("error = %v, want ErrUpstreamGeneration", err)
	}
}

func TestOpenAIAdapterStreamComplete(t *testing.T) {
	chunks := []string{`{"story`, `": "Once`, ` upon"`, `}`}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			payload, _ := json.Marshal(map[string]any{
				"choices": []map[string]any{{
					"delta": map[string]any{
						"function_call": map[string]any{"arguments": c},
					},
				}},
			})
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
		}
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	a := NewOpenAIAdapter(srv.URL, "key-1", "")
	var deltas []string
	full, err := a.StreamComplete(context.Background(), Request{Function: Function{Name: "continue_story"}}, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamComplete() error = %v", err)
	}
	if full != `{"story": "Once upon"}` {
		t.Fatalf("full = %q", full)
	}
	if len(deltas) != len(chunks) {
		t.Fatalf("deltas = %d, want %d", len(deltas), len(chunks))
	}
}
