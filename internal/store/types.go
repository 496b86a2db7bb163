package store

import (
	"context"
	"errors"
	"time"
)

// Role classifies a turn within a story instance.
type Role string

const (
	// RoleSystem marks hidden instructions and narrator bookkeeping.
	RoleSystem Role = "system"
	// RoleNarrator marks player-visible narration.
	RoleNarrator Role = "assistant"
	// RolePlayer marks free-text player input.
	RolePlayer Role = "user"
	// RoleFunction marks structured side-effect records (suggestions, images).
	RoleFunction Role = "function"
)

var ErrNotFound = errors.New("record not found")

// AuthToken is an opaque, time-limited websocket authentication token.
type AuthToken struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Instance is one story conversation owned by a user.
type Instance struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Turn is one exchange in a story instance. Turns are immutable once
// finalized, except for the single in-place content update that completes a
// streaming turn or resolves an image placeholder.
type Turn struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// QueuedEvent is one serialized outbound event awaiting redelivery.
type QueuedEvent struct {
	ConnectionID string
	Payload      []byte
	CreatedAt    time.Time
}

// Store persists sessions, story instances, turns and offline event queues.
type Store interface {
	LookupToken(ctx context.Context, token string) (AuthToken, error)
	SaveToken(ctx context.Context, token AuthToken) error

	CreateInstance(ctx context.Context, userID, description string) (Instance, error)
	GetInstance(ctx context.Context, id string) (Instance, error)
	RecentInstances(ctx context.Context, userID string, limit int) ([]Instance, error)

	AppendTurn(ctx context.Context, turn Turn) (Turn, error)
	UpdateTurnContent(ctx context.Context, id, content string) error
	GetTurn(ctx context.Context, id string) (Turn, error)
	ListTurns(ctx context.Context, instanceID string) ([]Turn, error)
	DeleteTurns(ctx context.Context, ids []string) error

	// Connection bookkeeping backs the single-session-per-user purge.
	SaveConnection(ctx context.Context, connectionID, userID string) error
	ConnectionsForUser(ctx context.Context, userID string) ([]string, error)
	DeleteConnection(ctx context.Context, connectionID string) error

	// Offline delivery queue, FIFO per connection. AppendEvent drops the
	// oldest entry once a queue exceeds cap.
	AppendEvent(ctx context.Context, connectionID string, payload []byte, cap int) error
	DrainEvents(ctx context.Context, connectionID string) ([][]byte, error)
	PurgeQueue(ctx context.Context, connectionID string) error
	ExpireEvents(ctx context.Context, olderThan time.Time) (int, error)

	Close() error
}
