package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process store for local/dev use and tests.
type InMemoryStore struct {
	mu          sync.RWMutex
	tokens      map[string]AuthToken
	instances   map[string]Instance
	turns       map[string][]Turn
	connections map[string]string
	queues      map[string][]QueuedEvent
	seq         int64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		tokens:      make(map[string]AuthToken),
		instances:   make(map[string]Instance),
		turns:       make(map[string][]Turn),
		connections: make(map[string]string),
		queues:      make(map[string][]QueuedEvent),
	}
}

func (s *InMemoryStore) LookupToken(_ context.Context, token string) (AuthToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[token]
	if !ok {
		return AuthToken{}, ErrNotFound
	}
	if !t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt) {
		return AuthToken{}, ErrNotFound
	}
	return t, nil
}

func (s *InMemoryStore) SaveToken(_ context.Context, token AuthToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token.Token] = token
	return nil
}

func (s *InMemoryStore) CreateInstance(_ context.Context, userID, description string) (Instance, error) {
	inst := Instance{
		ID:          uuid.NewString(),
		UserID:      userID,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.ID] = inst
	return inst, nil
}

func (s *InMemoryStore) GetInstance(_ context.Context, id string) (Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return Instance{}, ErrNotFound
	}
	return inst, nil
}

func (s *InMemoryStore) RecentInstances(_ context.Context, userID string, limit int) ([]Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Instance
	for _, inst := range s.instances {
		if inst.UserID == userID {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) AppendTurn(_ context.Context, turn Turn) (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[turn.InstanceID]; !ok {
		return Turn{}, ErrNotFound
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	// A monotonic tick keeps creation order strict even when the wall clock
	// ties within one millisecond.
	s.seq++
	turn.CreatedAt = time.Now().UTC().Add(time.Duration(s.seq) * time.Nanosecond)
	s.turns[turn.InstanceID] = append(s.turns[turn.InstanceID], turn)
	return turn, nil
}

func (s *InMemoryStore) UpdateTurnContent(_ context.Context, id, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for instanceID, turns := range s.turns {
		for i := range turns {
			if turns[i].ID == id {
				s.turns[instanceID][i].Content = content
				return nil
			}
		}
	}
	return ErrNotFound
}

func (s *InMemoryStore) GetTurn(_ context.Context, id string) (Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, turns := range s.turns {
		for _, t := range turns {
			if t.ID == id {
				return t, nil
			}
		}
	}
	return Turn{}, ErrNotFound
}

func (s *InMemoryStore) ListTurns(_ context.Context, instanceID string) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := s.turns[instanceID]
	out := make([]Turn, len(turns))
	copy(out, turns)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) DeleteTurns(_ context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for instanceID, turns := range s.turns {
		kept := turns[:0]
		for _, t := range turns {
			if !drop[t.ID] {
				kept = append(kept, t)
			}
		}
		s.turns[instanceID] = kept
	}
	return nil
}

func (s *InMemoryStore) SaveConnection(_ context.Context, connectionID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[connectionID] = userID
	return nil
}

func (s *InMemoryStore) ConnectionsForUser(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for connID, uid := range s.connections {
		if uid == userID {
			out = append(out, connID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *InMemoryStore) DeleteConnection(_ context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, connectionID)
	return nil
}

func (s *InMemoryStore) AppendEvent(_ context.Context, connectionID string, payload []byte, cap int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(payload))
	copy(buf, payload)
	q := append(s.queues[connectionID], QueuedEvent{
		ConnectionID: connectionID,
		Payload:      buf,
		CreatedAt:    time.Now().UTC(),
	})
	if cap > 0 && len(q) > cap {
		q = q[len(q)-cap:]
	}
	s.queues[connectionID] = q
	return nil
}

func (s *InMemoryStore) DrainEvents(_ context.Context, connectionID string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[connectionID]
	delete(s.queues, connectionID)
	out := make([][]byte, 0, len(q))
	for _, ev := range q {
		out = append(out, ev.Payload)
	}
	return out, nil
}

func (s *InMemoryStore) PurgeQueue(_ context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queues, connectionID)
	return nil
}

func (s *InMemoryStore) ExpireEvents(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expired := 0
	for connID, q := range s.queues {
		kept := q[:0]
		for _, ev := range q {
			if ev.CreatedAt.Before(olderThan) {
				expired++
				continue
			}
			kept = append(kept, ev)
		}
		if len(kept) == 0 {
			delete(s.queues, connID)
			continue
		}
		s.queues[connID] = kept
	}
	return expired, nil
}

func (s *InMemoryStore) Close() error { return nil }
