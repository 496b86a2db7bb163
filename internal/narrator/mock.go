package narrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MockAdapter provides deterministic scripted replies for local runs and
// tests. Replies are queued per function name; when a queue is empty a small
// canned reply for the function's first parameter is produced.
type MockAdapter struct {
	mu      sync.Mutex
	scripts map[string][]string
	calls   map[string]int
}

func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		scripts: make(map[string][]string),
		calls:   make(map[string]int),
	}
}

// Script enqueues raw JSON argument payloads for a function name, consumed in
// order by subsequent calls.
func (a *MockAdapter) Script(functionName string, rawArgs ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scripts[functionName] = append(a.scripts[functionName], rawArgs...)
}

// Calls reports how many completions ran for a function name.
func (a *MockAdapter) Calls(functionName string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[functionName]
}

func (a *MockAdapter) next(req Request) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls[req.Function.Name]++
	if queue := a.scripts[req.Function.Name]; len(queue) > 0 {
		out := queue[0]
		a.scripts[req.Function.Name] = queue[1:]
		return out
	}
	field := firstParameter(req.Function)
	return fmt.Sprintf(`{%q: "A quiet moment passes by the fire."}`, field)
}

func (a *MockAdapter) Complete(ctx context.Context, req Request) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return json.RawMessage(a.next(req)), nil
}

func (a *MockAdapter) StreamComplete(ctx context.Context, req Request, onDelta DeltaHandler) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	raw := a.next(req)
	// Chunk the payload so consumers see a realistic fragment cadence.
	const chunk = 7
	for i := 0; i < len(raw); i += chunk {
		end := i + chunk
		if end > len(raw) {
			end = len(raw)
		}
		if onDelta != nil {
			if err := onDelta(raw[i:end]); err != nil {
				return raw[:end], err
			}
		}
	}
	return raw, nil
}

func firstParameter(fn Function) string {
	if fn.Parameters != nil && fn.Parameters.Properties != nil {
		if pair := fn.Parameters.Properties.Oldest(); pair != nil {
			return pair.Key
		}
	}
	return "text"
}
