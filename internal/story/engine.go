// Package story orchestrates narrated turns: premise setup, dice resolution,
// narrator monologues, streamed narration and its side effects.
package story

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/antoniostano/fireside/internal/config"
	"github.com/antoniostano/fireside/internal/fieldstream"
	"github.com/antoniostano/fireside/internal/image"
	"github.com/antoniostano/fireside/internal/narrator"
	"github.com/antoniostano/fireside/internal/observability"
	"github.com/antoniostano/fireside/internal/protocol"
	"github.com/antoniostano/fireside/internal/reliability"
	"github.com/antoniostano/fireside/internal/store"
	"github.com/antoniostano/fireside/internal/voice"
)

// EventSender delivers outbound events toward a connection, live or queued.
type EventSender interface {
	Send(ctx context.Context, connectionID string, ev protocol.Event) error
}

const suggestionRetryLimit = 3

// Engine drives story instances turn by turn.
type Engine struct {
	cfg         config.Config
	store       store.Store
	narrator    narrator.Adapter
	synth       voice.Synthesizer
	transcriber voice.Transcriber
	images      image.Generator
	events      EventSender
	metrics     *observability.Metrics

	// roll produces one raw d20 result in [1, 20]. Injectable for tests.
	roll func() int

	mu            sync.Mutex
	instanceLocks map[string]*sync.Mutex

	speechMu sync.Mutex
	speech   map[string]voice.SpeechStream

	voiceMu       sync.Mutex
	voiceSessions map[string]voice.TranscriptSession
}

func NewEngine(cfg config.Config, st store.Store, adapter narrator.Adapter, synth voice.Synthesizer, transcriber voice.Transcriber, images image.Generator, events EventSender, metrics *observability.Metrics) *Engine {
	return &Engine{
		cfg:           cfg,
		store:         st,
		narrator:      adapter,
		synth:         synth,
		transcriber:   transcriber,
		images:        images,
		events:        events,
		metrics:       metrics,
		roll:          func() int { return rand.Intn(20) + 1 },
		instanceLocks: make(map[string]*sync.Mutex),
		speech:        make(map[string]voice.SpeechStream),
		voiceSessions: make(map[string]voice.TranscriptSession),
	}
}

// lockInstance serializes turn processing per instance so concurrent actions
// from a reconnecting client cannot interleave turn writes.
func (e *Engine) lockInstance(id string) func() {
	e.mu.Lock()
	l, ok := e.instanceLocks[id]
	if !ok {
		l = &sync.Mutex{}
		e.instanceLocks[id] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// spawn runs fn on its own goroutine with panic containment, so a failing
// background side effect never takes the connection down.
func (e *Engine) spawn(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("story: %s panicked: %v", name, r)
			}
		}()
		fn()
	}()
}

func (e *Engine) send(ctx context.Context, connID string, ev protocol.Event) {
	if err := e.events.Send(ctx, connID, ev); err != nil {
		log.Printf("story: send %s event: %v", ev.Type, err)
	}
}

// CreateInstance opens a new story and immediately narrates its introduction.
func (e *Engine) CreateInstance(ctx context.Context, connID, userID, description string) (store.Instance, error) {
	instance, err := e.store.CreateInstance(ctx, userID, description)
	if err != nil {
		return store.Instance{}, err
	}
	if err := e.Step(ctx, connID, instance.ID); err != nil {
		return instance, err
	}
	return instance, nil
}

// AddPlayerMessage records the player's action and advances the story.
func (e *Engine) AddPlayerMessage(ctx context.Context, connID, instanceID, content string) error {
	_, err := e.store.AppendTurn(ctx, store.Turn{
		InstanceID: instanceID,
		Role:       store.RolePlayer,
		Content:    content,
	})
	if err != nil {
		return err
	}
	return e.Step(ctx, connID, instanceID)
}

// Step advances an instance by one narrated turn. An empty instance gets its
// premise, plan and introduction; otherwise the pending player action is
// resolved with a dice roll and the story continues.
func (e *Engine) Step(ctx context.Context, connID, instanceID string) error {
	unlock := e.lockInstance(instanceID)
	defer unlock()

	instance, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}

	turns, err := e.store.ListTurns(ctx, instanceID)
	if err != nil {
		return err
	}

	if len(turns) == 0 {
		return e.beginStory(ctx, connID, instance)
	}
	return e.continueStory(ctx, connID, instance, turns)
}

func (e *Engine) beginStory(ctx context.Context, connID string, instance store.Instance) error {
	started := time.Now()

	description := strings.TrimSpace(instance.Description)
	if description == "" {
		description = defaultStoryRequest
	}
	_, err := e.store.AppendTurn(ctx, store.Turn{
		InstanceID: instance.ID,
		Role:       store.RoleSystem,
		Content:    storytellerPremise + description,
	})
	if err != nil {
		return err
	}

	if err := e.planStory(ctx, instance.ID); err != nil {
		log.Printf("story: plan story: %v", err)
	}

	e.send(ctx, connID, protocol.Event{
		Type:    protocol.EventInstance,
		Payload: protocol.EventPayload{ID: instance.ID},
	})

	if err := e.streamNarration(ctx, connID, instance.ID, introductionFunction()); err != nil {
		return err
	}
	e.metrics.ObserveTurnStage("introduction", time.Since(started))

	e.finishTurn(ctx, connID, instance.ID)
	return nil
}

func (e *Engine) continueStory(ctx context.Context, connID string, instance store.Instance, turns []store.Turn) error {
	last := turns[len(turns)-1]
	if last.Role != store.RolePlayer {
		return nil
	}
	action := last.Content
	if strings.TrimSpace(action) == "" {
		e.send(ctx, connID, protocol.Event{
			Type:    protocol.EventError,
			Payload: protocol.EventPayload{Content: "no action found"},
		})
		return nil
	}

	started := time.Now()

	modifier, reason := e.suggestedModifier(turns, action)
	if modifier == 0 || reason == "" {
		m, r, err := e.generateModifierForAction(ctx, instance.ID)
		if err != nil {
			log.Printf("story: generate modifier: %v", err)
		} else {
			modifier, reason = m, r
		}
	}

	roll := e.roll()
	total := roll + modifier
	if !e.cfg.RollUncapped {
		if total < 0 {
			total = 0
		}
		if total > 20 {
			total = 20
		}
	}

	_, err := e.store.AppendTurn(ctx, store.Turn{
		InstanceID: instance.ID,
		Role:       store.RoleSystem,
		Content:    fmt.Sprintf("[Dice Roll] Rolling a d20... The player rolled a: %d [%d + %d] - %s", total, roll, modifier, reason),
	})
	if err != nil {
		return err
	}

	if err := e.react(ctx, instance.ID); err != nil {
		log.Printf("story: reaction monologue: %v", err)
	}
	if err := e.planNextBeat(ctx, instance.ID); err != nil {
		log.Printf("story: plan monologue: %v", err)
	}

	if err := e.streamNarration(ctx, connID, instance.ID, continuationFunction()); err != nil {
		return err
	}
	e.metrics.ObserveTurnStage("continuation", time.Since(started))

	e.finishTurn(ctx, connID, instance.ID)
	return nil
}

// finishTurn runs the shared tail of every narrated turn: the illustration
// placeholder with its background resolution, then fresh action suggestions.
func (e *Engine) finishTurn(ctx context.Context, connID, instanceID string) {
	placeholder, err := e.createImagePlaceholder(ctx, connID, instanceID)
	if err != nil {
		log.Printf("story: image placeholder: %v", err)
	} else {
		e.spawn("illustrate", func() {
			e.illustrate(context.WithoutCancel(ctx), connID, placeholder.ID)
		})
	}

	if err := e.generateSuggestions(ctx, connID, instanceID); err != nil {
		log.Printf("story: suggestions: %v", err)
	}
}

// suggestedModifier reuses the modifier attached to the chosen action by the
// previous suggestion turn, when the player picked one verbatim.
func (e *Engine) suggestedModifier(turns []store.Turn, action string) (int, string) {
	if len(turns) < 2 {
		return 0, ""
	}
	prev := turns[len(turns)-2]
	if prev.Role != store.RoleFunction {
		return 0, ""
	}
	rec, ok := decodeFunctionRecord(prev.Content)
	if !ok || rec.Type != "generate_suggestions" {
		return 0, ""
	}
	var suggestions []suggestionItem
	if err := json.Unmarshal(rec.Payload, &suggestions); err != nil {
		return 0, ""
	}
	for _, s := range suggestions {
		if s.Action == action {
			return int(s.Modifier), s.ModifierReason
		}
	}
	return 0, ""
}

func (e *Engine) planStory(ctx context.Context, instanceID string) error {
	turns, err := e.store.ListTurns(ctx, instanceID)
	if err != nil {
		return err
	}

	raw, err := e.narrator.Complete(ctx, narrator.Request{
		Model:    e.cfg.NarratorModel,
		Messages: toMessages(turns),
		Function: planStoryFunction(),
	})
	if err != nil {
		e.metrics.ProviderErrors.WithLabelValues("narrator", "plan_story").Inc()
		return err
	}

	var args planStoryParams
	if err := json.Unmarshal(raw, &args); err != nil {
		return fmt.Errorf("decode plan: %w", err)
	}

	_, err = e.store.AppendTurn(ctx, store.Turn{
		InstanceID: instanceID,
		Role:       store.RoleSystem,
		Content:    "Plan: " + args.Plan,
	})
	return err
}

// generateModifierForAction asks for a dice modifier when the player's action
// did not come from the previous suggestions. Up to three attempts.
func (e *Engine) generateModifierForAction(ctx context.Context, instanceID string) (int, string, error) {
	turns, err := e.store.ListTurns(ctx, instanceID)
	if err != nil {
		return 0, "", err
	}
	messages := withNarrationPrefix(withoutFunctions(toMessages(turns)))

	type result struct {
		modifier int
		reason   string
	}
	res, err := reliability.Retry(ctx, suggestionRetryLimit, func(ctx context.Context, _ int) (result, error) {
		raw, err := e.narrator.Complete(ctx, narrator.Request{
			Model:    e.cfg.NarratorModel,
			Messages: messages,
			Function: diceModifierFunction(),
		})
		if err != nil {
			e.metrics.ProviderErrors.WithLabelValues("narrator", "dice_modifier").Inc()
			return result{}, err
		}
		var args diceModifierParams
		if err := json.Unmarshal(raw, &args); err != nil {
			return result{}, err
		}
		return result{modifier: clampModifier(int(args.ActionModifier)), reason: args.Reason}, nil
	}, func(r result) bool {
		return r.reason != ""
	})
	if err != nil {
		return 0, "", err
	}

	content, err := encodeFunctionRecord("generate_action_dice_modifier", map[string]any{
		"action_modifier": res.modifier,
		"reason":          res.reason,
	})
	if err != nil {
		return 0, "", err
	}
	_, err = e.store.AppendTurn(ctx, store.Turn{
		InstanceID: instanceID,
		Role:       store.RoleFunction,
		Content:    content,
	})
	if err != nil {
		return 0, "", err
	}
	return res.modifier, res.reason, nil
}

func clampModifier(m int) int {
	if m < -15 {
		return -15
	}
	if m > 15 {
		return 15
	}
	return m
}

// react records the narrator's one-sentence emotional reaction to the player's
// action and its roll, as a hidden system turn.
func (e *Engine) react(ctx context.Context, instanceID string) error {
	turns, err := e.store.ListTurns(ctx, instanceID)
	if err != nil {
		return err
	}
	messages := withNarrationPrefix(toMessages(turns))
	messages = append(messages, narrator.Message{
		Role:    narrator.RoleAssistant,
		Content: innerMonologuePrefix + "As the narrator, I feel ",
	})

	raw, err := e.narrator.Complete(ctx, narrator.Request{
		Model:    e.cfg.NarratorModel,
		Messages: messages,
		Function: reactionFunction(),
	})
	if err != nil {
		e.metrics.ProviderErrors.WithLabelValues("narrator", "reaction").Inc()
		return err
	}
	var args reactionParams
	if err := json.Unmarshal(raw, &args); err != nil {
		return fmt.Errorf("decode reaction: %w", err)
	}

	_, err = e.store.AppendTurn(ctx, store.Turn{
		InstanceID: instanceID,
		Role:       store.RoleSystem,
		Content:    innerMonologuePrefix + "Reaction: As the narrator, I feel " + args.Reaction,
	})
	return err
}

// planNextBeat records how the narrator intends to steer the next narration.
func (e *Engine) planNextBeat(ctx context.Context, instanceID string) error {
	turns, err := e.store.ListTurns(ctx, instanceID)
	if err != nil {
		return err
	}
	messages := withNarrationPrefix(withoutFunctions(toMessages(turns)))
	messages = append(messages, narrator.Message{
		Role:    narrator.RoleAssistant,
		Content: innerMonologuePrefix + "I will ",
	})

	raw, err := e.narrator.Complete(ctx, narrator.Request{
		Model:    e.cfg.NarratorModel,
		Messages: messages,
		Function: monologuePlanFunction(),
	})
	if err != nil {
		e.metrics.ProviderErrors.WithLabelValues("narrator", "plan").Inc()
		return err
	}
	var args monologuePlanParams
	if err := json.Unmarshal(raw, &args); err != nil {
		return fmt.Errorf("decode plan: %w", err)
	}

	_, err = e.store.AppendTurn(ctx, store.Turn{
		InstanceID: instanceID,
		Role:       store.RoleSystem,
		Content:    innerMonologuePrefix + "Plan: " + args.Plan,
	})
	return err
}

// streamNarration runs one streamed narration turn: a placeholder narrator
// turn is created up front, value fragments fan out to the client and the
// speech stream as they arrive, and the cleaned full text is persisted at the
// end.
func (e *Engine) streamNarration(ctx context.Context, connID, instanceID string, fn narrator.Function) error {
	turn, err := e.store.AppendTurn(ctx, store.Turn{
		InstanceID: instanceID,
		Role:       store.RoleNarrator,
	})
	if err != nil {
		return err
	}

	turns, err := e.store.ListTurns(ctx, instanceID)
	if err != nil {
		return err
	}
	messages := withoutFunctions(toMessages(turns))

	e.send(ctx, connID, protocol.Event{
		Type:    protocol.EventMessage,
		Payload: protocol.EventPayload{ID: turn.ID},
	})

	speech := e.openSpeech(ctx, connID, turn.ID)

	field := firstSchemaField(fn)
	extractor := fieldstream.New(field)

	_, err = e.narrator.StreamComplete(ctx, narrator.Request{
		Model:    e.cfg.NarratorModel,
		Messages: messages,
		Function: fn,
	}, func(delta string) error {
		chunk, ok := extractor.Feed(delta)
		if !ok {
			return nil
		}
		e.send(ctx, connID, protocol.Event{
			Type:    protocol.EventMessageAppend,
			Payload: protocol.EventPayload{ID: turn.ID, Content: chunk},
		})
		if speech != nil {
			if err := speech.SendText(ctx, chunk); err != nil {
				log.Printf("story: speech send: %v", err)
			}
		}
		return nil
	})
	if speech != nil {
		_ = speech.CloseInput(ctx)
	}
	if err != nil {
		e.metrics.ProviderErrors.WithLabelValues("narrator", fn.Name).Inc()
		return err
	}

	final := extractor.Final()
	e.send(ctx, connID, protocol.Event{
		Type:    protocol.EventMessage,
		Payload: protocol.EventPayload{ID: turn.ID, Content: final},
	})
	return e.store.UpdateTurnContent(ctx, turn.ID, final)
}

func firstSchemaField(fn narrator.Function) string {
	if fn.Parameters != nil && fn.Parameters.Properties != nil {
		if pair := fn.Parameters.Properties.Oldest(); pair != nil {
			return pair.Key
		}
	}
	return "text"
}

// openSpeech starts a synthesis stream for the turn and pumps its audio frames
// to the client. Best effort: narration proceeds without audio on failure.
func (e *Engine) openSpeech(ctx context.Context, connID, turnID string) voice.SpeechStream {
	if e.synth == nil {
		return nil
	}
	speech, err := e.synth.StartStream(ctx, e.cfg.NarratorVoiceID)
	if err != nil {
		e.metrics.ProviderErrors.WithLabelValues("tts", "dial").Inc()
		log.Printf("story: start speech stream: %v", err)
		return nil
	}
	e.registerSpeech(connID, speech)

	e.spawn("speech-pump", func() {
		defer e.unregisterSpeech(connID, speech)
		for ev := range speech.Events() {
			switch ev.Type {
			case voice.SpeechEventAudio:
				e.send(ctx, connID, protocol.Event{
					Type:    protocol.EventAudio,
					Payload: protocol.EventPayload{ID: turnID, Content: ev.AudioBase64},
				})
			case voice.SpeechEventFinal:
				_ = speech.Close()
			case voice.SpeechEventError:
				e.metrics.ProviderErrors.WithLabelValues("tts", ev.Code).Inc()
			}
		}
	})
	return speech
}

func (e *Engine) registerSpeech(connID string, s voice.SpeechStream) {
	e.speechMu.Lock()
	defer e.speechMu.Unlock()
	if old := e.speech[connID]; old != nil {
		_ = old.Close()
	}
	e.speech[connID] = s
}

func (e *Engine) unregisterSpeech(connID string, s voice.SpeechStream) {
	e.speechMu.Lock()
	defer e.speechMu.Unlock()
	if e.speech[connID] == s {
		delete(e.speech, connID)
	}
}

// StopAudio tears down the connection's active synthesis stream, if any,
// and acknowledges so the client can drop any buffered audio.
func (e *Engine) StopAudio(connID string) {
	e.speechMu.Lock()
	s := e.speech[connID]
	delete(e.speech, connID)
	e.speechMu.Unlock()
	if s == nil {
		return
	}
	_ = s.Close()
	e.send(context.Background(), connID, protocol.Event{Type: protocol.EventStopAudio})
}
