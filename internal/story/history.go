package story

import (
	"encoding/json"
	"strings"

	"github.com/antoniostano/fireside/internal/narrator"
	"github.com/antoniostano/fireside/internal/store"
)

// functionRecord is the envelope persisted inside a function turn's content.
type functionRecord struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func encodeFunctionRecord(kind string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(functionRecord{Type: kind, Payload: raw})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func decodeFunctionRecord(content string) (functionRecord, bool) {
	var rec functionRecord
	if err := json.Unmarshal([]byte(content), &rec); err != nil {
		return functionRecord{}, false
	}
	return rec, rec.Type != ""
}

// toMessages converts persisted turns into the upstream conversation shape.
// Function turns are unpacked so the service sees the bare payload under the
// function's name.
func toMessages(turns []store.Turn) []narrator.Message {
	out := make([]narrator.Message, 0, len(turns))
	for _, t := range turns {
		if t.Role == store.RoleFunction {
			rec, ok := decodeFunctionRecord(t.Content)
			if !ok {
				continue
			}
			out = append(out, narrator.Message{
				Role:    narrator.RoleFunction,
				Content: string(rec.Payload),
				Name:    rec.Type,
			})
			continue
		}
		out = append(out, narrator.Message{Role: string(t.Role), Content: t.Content})
	}
	return out
}

func withoutFunctions(msgs []narrator.Message) []narrator.Message {
	out := make([]narrator.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == narrator.RoleFunction {
			continue
		}
		out = append(out, m)
	}
	return out
}

// withNarrationPrefix marks narrator lines so monologue and modifier calls can
// distinguish narration from instructions. Returns a copy.
func withNarrationPrefix(msgs []narrator.Message) []narrator.Message {
	out := make([]narrator.Message, len(msgs))
	copy(out, msgs)
	for i := range out {
		if out[i].Role == narrator.RoleAssistant {
			out[i].Content = narrationPrefix + out[i].Content
		}
	}
	return out
}

// transcript flattens the exchange into Player/Narrator lines for the image
// prompt call.
func transcript(msgs []narrator.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		switch m.Role {
		case narrator.RoleUser:
			b.WriteString("Player: " + m.Content + "\n")
		case narrator.RoleAssistant:
			b.WriteString("Narrator: " + m.Content + "\n")
		}
	}
	return b.String()
}

func lastN(msgs []narrator.Message, n int) []narrator.Message {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}
