package story

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/antoniostano/fireside/internal/narrator"
	"github.com/antoniostano/fireside/internal/protocol"
	"github.com/antoniostano/fireside/internal/store"
)

type imageRecord struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt"`
	ImageURL       string `json:"imageURL"`
}

// createImagePlaceholder reserves the illustration's position in the turn
// order before the slow generation starts, so the client can render a loading
// slot immediately.
func (e *Engine) createImagePlaceholder(ctx context.Context, connID, instanceID string) (store.Turn, error) {
	content, err := encodeFunctionRecord("generate_image", imageRecord{})
	if err != nil {
		return store.Turn{}, err
	}
	turn, err := e.store.AppendTurn(ctx, store.Turn{
		InstanceID: instanceID,
		Role:       store.RoleFunction,
		Content:    content,
	})
	if err != nil {
		return store.Turn{}, err
	}

	e.send(ctx, connID, protocol.Event{
		Type:    protocol.EventImage,
		Payload: protocol.EventPayload{ID: turn.ID, Content: content},
	})
	return turn, nil
}

// illustrate resolves a placeholder: an image prompt pair is derived from the
// story so far, rendered, and written back into the placeholder turn.
func (e *Engine) illustrate(ctx context.Context, connID, turnID string) {
	started := time.Now()

	turn, err := e.store.GetTurn(ctx, turnID)
	if err != nil {
		log.Printf("story: illustrate: load placeholder: %v", err)
		return
	}
	turns, err := e.store.ListTurns(ctx, turn.InstanceID)
	if err != nil {
		log.Printf("story: illustrate: load turns: %v", err)
		return
	}

	raw, err := e.narrator.Complete(ctx, narrator.Request{
		Model: e.cfg.NarratorModel,
		Messages: []narrator.Message{{
			Role:    narrator.RoleSystem,
			Content: promptArtistExamples + transcript(toMessages(turns)),
		}},
		Function: imagePromptFunction(),
	})
	if err != nil {
		e.metrics.ProviderErrors.WithLabelValues("narrator", "image_prompt").Inc()
		log.Printf("story: illustrate: prompt generation: %v", err)
		return
	}
	var args imagePromptParams
	if err := json.Unmarshal(raw, &args); err != nil {
		log.Printf("story: illustrate: decode prompt: %v", err)
		return
	}

	imageURL, err := e.images.Generate(ctx, args.Prompt, args.NegativePrompt)
	if err != nil {
		e.metrics.ProviderErrors.WithLabelValues("image", "generate").Inc()
		log.Printf("story: illustrate: render: %v", err)
		return
	}

	content, err := encodeFunctionRecord("generate_image", imageRecord{
		Prompt:         args.Prompt,
		NegativePrompt: args.NegativePrompt,
		ImageURL:       imageURL,
	})
	if err != nil {
		log.Printf("story: illustrate: encode record: %v", err)
		return
	}
	if err := e.store.UpdateTurnContent(ctx, turnID, content); err != nil {
		log.Printf("story: illustrate: update turn: %v", err)
		return
	}

	e.send(ctx, connID, protocol.Event{
		Type:    protocol.EventImage,
		Payload: protocol.EventPayload{ID: turnID, Content: content},
	})
	e.metrics.ObserveTurnStage("illustration", time.Since(started))
}
