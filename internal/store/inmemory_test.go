package store

import (
	"context"
	"testing"
	"time"
)

func TestTokenLookupAndExpiry(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	if err := s.SaveToken(ctx, AuthToken{Token: "tok-1", UserID: "u1", UserName: "Ada Lovelace"}); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}
	got, err := s.LookupToken(ctx, "tok-1")
	if err != nil {
		t.Fatalf("LookupToken() error = %v", err)
	}
	if got.UserID != "u1" {
		t.Fatalf("UserID = %q, want u1", got.UserID)
	}

	if _, err := s.LookupToken(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("LookupToken(missing) error = %v, want ErrNotFound", err)
	}

	expired := AuthToken{Token: "tok-2", UserID: "u1", ExpiresAt: time.Now().Add(-time.Minute)}
	if err := s.SaveToken(ctx, expired); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}
	if _, err := s.LookupToken(ctx, "tok-2"); err != ErrNotFound {
		t.Fatalf("LookupToken(expired) error = %v, want ErrNotFound", err)
	}
}

func TestTurnsKeepCreationOrder(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	inst, err := s.CreateInstance(ctx, "u1", "a haunted lighthouse")
	if err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}

	for _, content := range []string{"one", "two", "three"} {
		if _, err := s.AppendTurn(ctx, Turn{InstanceID: inst.ID, Role: RoleNarrator, Content: content}); err != nil {
			t.Fatalf("AppendTurn(%q) error = %v", content, err)
		}
	}

	turns, err := s.ListTurns(ctx, inst.ID)
	if err != nil {
		t.Fatalf("ListTurns() error = %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("len(turns) = %d, want 3", len(turns))
	}
	for i, want := range []string{"one", "two", "three"} {
		if turns[i].Content != want {
			t.Fatalf("turns[%d].Content = %q, want %q", i, turns[i].Content, want)
		}
	}
}

func TestAppendTurnUnknownInstance(t *testing.T) {
	s := NewInMemoryStore()
	if _, err := s.AppendTurn(context.Background(), Turn{InstanceID: "nope", Role: RolePlayer, Content: "x"}); err != ErrNotFound {
		t.Fatalf("AppendTurn() error = %v, want ErrNotFound", err)
	}
}

func TestUpdateTurnContentInPlace(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	inst, _ := s.CreateInstance(ctx, "u1", "desc")
	turn, err := s.AppendTurn(ctx, Turn{InstanceID: inst.ID, Role: RoleNarrator, Content: ""})
	if err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}
	if err := s.UpdateTurnContent(ctx, turn.ID, "final text"); err != nil {
		t.Fatalf("UpdateTurnContent() error = %v", err)
	}
	got, err := s.GetTurn(ctx, turn.ID)
	if err != nil {
		t.Fatalf("GetTurn() error = %v", err)
	}
	if got.Content != "final text" {
		t.Fatalf("Content = %q, want %q", got.Content, "final text")
	}
}

func TestQueueFIFODrainAndClear(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	for _, p := range []string{"e1", "e2", "e3"} {
		if err := s.AppendEvent(ctx, "conn-1", []byte(p), 0); err != nil {
			t.Fatalf("AppendEvent(%q) error = %v", p, err)
		}
	}

	events, err := s.DrainEvents(ctx, "conn-1")
	if err != nil {
		t.Fatalf("DrainEvents() error = %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
	for i, want := range []string{"e1", "e2", "e3"} {
		if string(events[i]) != want {
			t.Fatalf("events[%d] = %q, want %q", i, events[i], want)
		}
	}

	again, err := s.DrainEvents(ctx, "conn-1")
	if err != nil {
		t.Fatalf("DrainEvents() second call error = %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("queue not empty after drain: %d events", len(again))
	}
}

func TestQueueCapDropsOldest(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	for _, p := range []string{"e1", "e2", "e3", "e4"} {
		if err := s.AppendEvent(ctx, "conn-1", []byte(p), 2); err != nil {
			t.Fatalf("AppendEvent(%q) error = %v", p, err)
		}
	}
	events, err := s.DrainEvents(ctx, "conn-1")
	if err != nil {
		t.Fatalf("DrainEvents() error = %v", err)
	}
	if len(events) != 2 || string(events[0]) != "e3" || string(events[1]) != "e4" {
		t.Fatalf("capped queue = %q, want [e3 e4]", events)
	}
}

func TestExpireEvents(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	if err := s.AppendEvent(ctx, "conn-1", []byte("old"), 0); err != nil {
		t.Fatalf("AppendEvent() error = %v", err)
	}
	n, err := s.ExpireEvents(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("ExpireEvents() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("expired = %d, want 1", n)
	}
	events, _ := s.DrainEvents(ctx, "conn-1")
	if len(events) != 0 {
		t.Fatalf("queue should be empty after expiry, got %d", len(events))
	}
}

func TestDeleteTurns(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	inst, _ := s.CreateInstance(ctx, "u1", "desc")
	a, _ := s.AppendTurn(ctx, Turn{InstanceID: inst.ID, Role: RoleNarrator, Content: "a"})
	b, _ := s.AppendTurn(ctx, Turn{InstanceID: inst.ID, Role: RoleSystem, Content: "b"})
	c, _ := s.AppendTurn(ctx, Turn{InstanceID: inst.ID, Role: RolePlayer, Content: "c"})

	if err := s.DeleteTurns(ctx, []string{a.ID, c.ID}); err != nil {
		t.Fatalf("DeleteTurns() error = %v", err)
	}
	turns, _ := s.ListTurns(ctx, inst.ID)
	if len(turns) != 1 || turns[0].ID != b.ID {
		t.Fatalf("unexpected surviving turns: %+v", turns)
	}
}
