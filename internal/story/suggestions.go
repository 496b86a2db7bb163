package story

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/antoniostano/fireside/internal/narrator"
	"github.com/antoniostano/fireside/internal/protocol"
	"github.com/antoniostano/fireside/internal/store"
)

// generateSuggestions proposes 1-3 next actions with dice modifiers, then asks
// the narrator to validate its own proposal. A rejected batch feeds the
// rejection reason back as a corrective instruction and tries again, up to the
// retry limit.
func (e *Engine) generateSuggestions(ctx context.Context, connID, instanceID string) error {
	started := time.Now()

	turns, err := e.store.ListTurns(ctx, instanceID)
	if err != nil {
		return err
	}
	messages := lastN(withoutFunctions(toMessages(turns)), 5)

	var accepted []suggestionItem
	for retry := 0; retry < suggestionRetryLimit && len(accepted) == 0; retry++ {
		raw, err := e.narrator.Complete(ctx, narrator.Request{
			Model:    e.cfg.NarratorModel,
			Messages: messages,
			Function: suggestionsFunction(),
		})
		if err != nil {
			e.metrics.ProviderErrors.WithLabelValues("narrator", "suggestions").Inc()
			continue
		}

		var args suggestionParams
		if err := json.Unmarshal(raw, &args); err != nil || len(args.Actions) == 0 {
			continue
		}
		accepted = args.Actions

		messages = append(messages, narrator.Message{
			Role:    narrator.RoleFunction,
			Name:    "generate_action_suggestions",
			Content: string(raw),
		})

		verdict, reason, err := e.validateSuggestions(ctx, messages)
		if err != nil {
			log.Printf("story: validate suggestions: %v", err)
			continue
		}
		if strings.Contains(strings.ToLower(verdict), "no") {
			messages = append(messages, narrator.Message{
				Role:    narrator.RoleSystem,
				Content: fmt.Sprintf("Previously you generated these suggestions: [%s] but they were not the best possible actions in the current context because [%s]. Please try again.", describeActions(accepted), reason),
			})
			accepted = nil
		}
	}

	if len(accepted) == 0 {
		return errors.New("no valid suggestions after retries")
	}

	content, err := encodeFunctionRecord("generate_suggestions", accepted)
	if err != nil {
		return err
	}
	turn, err := e.store.AppendTurn(ctx, store.Turn{
		InstanceID: instanceID,
		Role:       store.RoleFunction,
		Content:    content,
	})
	if err != nil {
		return err
	}

	e.send(ctx, connID, protocol.Event{
		Type:    protocol.EventSuggestions,
		Payload: protocol.EventPayload{ID: turn.ID, Content: content},
	})
	e.metrics.ObserveTurnStage("suggestions", time.Since(started))
	return nil
}

func (e *Engine) validateSuggestions(ctx context.Context, messages []narrator.Message) (string, string, error) {
	raw, err := e.narrator.Complete(ctx, narrator.Request{
		Model:    e.cfg.NarratorModel,
		Messages: messages,
		Function: validationFunction(),
	})
	if err != nil {
		e.metrics.ProviderErrors.WithLabelValues("narrator", "validate_suggestions").Inc()
		return "", "", err
	}
	var args validationParams
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", "", err
	}
	if args.Answer == "" {
		return "", "", errors.New("validation returned no answer")
	}
	return args.Answer, args.Reason, nil
}

func describeActions(items []suggestionItem) string {
	actions := make([]string, len(items))
	for i, s := range items {
		actions[i] = s.Action
	}
	return strings.Join(actions, ", ")
}

// AdventureSuggestions proposes fresh story premises, steering away from the
// user's five most recent adventures.
func (e *Engine) AdventureSuggestions(ctx context.Context, connID, userID string) error {
	instances, err := e.store.RecentInstances(ctx, userID, 5)
	if err != nil {
		return err
	}
	descriptions := make([]string, 0, len(instances))
	for _, inst := range instances {
		descriptions = append(descriptions, inst.Description)
	}

	raw, err := e.narrator.Complete(ctx, narrator.Request{
		Model:       e.cfg.NarratorModel,
		Messages:    []narrator.Message{{Role: narrator.RoleSystem, Content: adventurePrompt(descriptions)}},
		Function:    adventureSuggestionsFunction(),
		Temperature: 0.95,
	})
	if err != nil {
		e.metrics.ProviderErrors.WithLabelValues("narrator", "adventure_suggestions").Inc()
		return err
	}

	var args adventureParams
	if err := json.Unmarshal(raw, &args); err != nil {
		return fmt.Errorf("decode adventure suggestions: %w", err)
	}

	content, err := encodeFunctionRecord("generate_adventure_suggestions", args.NewAdventureSuggestions)
	if err != nil {
		return err
	}
	e.send(ctx, connID, protocol.Event{
		Type:    protocol.EventAdventureSuggestions,
		Payload: protocol.EventPayload{Content: content},
	})
	return nil
}

// Undo rewinds the story to the previous decision point: every turn after the
// second most recent suggestion batch is deleted, and the client is told which
// turns disappeared.
func (e *Engine) Undo(ctx context.Context, connID, instanceID string) error {
	unlock := e.lockInstance(instanceID)
	defer unlock()

	turns, err := e.store.ListTurns(ctx, instanceID)
	if err != nil {
		return err
	}

	suggestionIdx := make([]int, 0, 2)
	for i := len(turns) - 1; i >= 0 && len(suggestionIdx) < 2; i-- {
		if turns[i].Role != store.RoleFunction {
			continue
		}
		if rec, ok := decodeFunctionRecord(turns[i].Content); ok && rec.Type == "generate_suggestions" {
			suggestionIdx = append(suggestionIdx, i)
		}
	}
	if len(suggestionIdx) < 2 {
		return nil
	}

	// suggestionIdx[1] is the second most recent batch; everything after it is
	// the exchange being undone.
	cut := suggestionIdx[1]
	ids := make([]string, 0, len(turns)-cut-1)
	for _, t := range turns[cut+1:] {
		ids = append(ids, t.ID)
	}
	if len(ids) == 0 {
		return nil
	}
	if err := e.store.DeleteTurns(ctx, ids); err != nil {
		return err
	}

	content, err := json.Marshal(map[string][]string{"ids": ids})
	if err != nil {
		return err
	}
	e.send(ctx, connID, protocol.Event{
		Type:    protocol.EventDeleteMessages,
		Payload: protocol.EventPayload{ID: instanceID, Content: string(content)},
	})
	return nil
}
