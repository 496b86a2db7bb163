package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists all records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ws_auth_tokens (
			token TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			user_name TEXT NOT NULL DEFAULT '',
			expires_at TIMESTAMPTZ
		);`,
		`CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			description TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_instances_user_created ON instances (user_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL REFERENCES instances(id),
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			seq BIGSERIAL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_instance_seq ON turns (instance_id, seq);`,
		`CREATE TABLE IF NOT EXISTS ws_connections (
			connection_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ws_connections_user ON ws_connections (user_id);`,
		`CREATE TABLE IF NOT EXISTS event_queue (
			id BIGSERIAL PRIMARY KEY,
			connection_id TEXT NOT NULL,
			payload BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_event_queue_conn ON event_queue (connection_id, id);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) LookupToken(ctx context.Context, token string) (AuthToken, error) {
	var t AuthToken
	var expires *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT token, user_id, user_name, expires_at FROM ws_auth_tokens WHERE token=$1`,
		token,
	).Scan(&t.Token, &t.UserID, &t.UserName, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return AuthToken{}, ErrNotFound
	}
	if err != nil {
		return AuthToken{}, fmt.Errorf("lookup token: %w", err)
	}
	if expires != nil {
		t.ExpiresAt = *expires
		if time.Now().After(t.ExpiresAt) {
			return AuthToken{}, ErrNotFound
		}
	}
	return t, nil
}

func (s *PostgresStore) SaveToken(ctx context.Context, token AuthToken) error {
	var expires *time.Time
	if !token.ExpiresAt.IsZero() {
		expires = &token.ExpiresAt
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ws_auth_tokens (token, user_id, user_name, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (token) DO UPDATE SET user_id=$2, user_name=$3, expires_at=$4`,
		token.Token, token.UserID, token.UserName, expires,
	)
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateInstance(ctx context.Context, userID, description string) (Instance, error) {
	inst := Instance{
		ID:          uuid.NewString(),
		UserID:      userID,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO instances (id, user_id, description, created_at) VALUES ($1, $2, $3, $4)`,
		inst.ID, inst.UserID, inst.Description, inst.CreatedAt,
	)
	if err != nil {
		return Instance{}, fmt.Errorf("create instance: %w", err)
	}
	return inst, nil
}

func (s *PostgresStore) GetInstance(ctx context.Context, id string) (Instance, error) {
	var inst Instance
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, description, created_at FROM instances WHERE id=$1`, id,
	).Scan(&inst.ID, &inst.UserID, &inst.Description, &inst.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Instance{}, ErrNotFound
	}
	if err != nil {
		return Instance{}, fmt.Errorf("get instance: %w", err)
	}
	return inst, nil
}

func (s *PostgresStore) RecentInstances(ctx context.Context, userID string, limit int) ([]Instance, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, description, created_at FROM instances
		 WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent instances: %w", err)
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		var inst Instance
		if err := rows.Scan(&inst.ID, &inst.UserID, &inst.Description, &inst.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan instance row: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendTurn(ctx context.Context, turn Turn) (Turn, error) {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	turn.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO turns (id, instance_id, role, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
		turn.ID, turn.InstanceID, turn.Role, turn.Content, turn.CreatedAt,
	)
	if err != nil {
		return Turn{}, fmt.Errorf("append turn: %w", err)
	}
	return turn, nil
}

func (s *PostgresStore) UpdateTurnContent(ctx context.Context, id, content string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE turns SET content=$2 WHERE id=$1`, id, content)
	if err != nil {
		return fmt.Errorf("update turn: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetTurn(ctx context.Context, id string) (Turn, error) {
	var t Turn
	err := s.pool.QueryRow(ctx,
		`SELECT id, instance_id, role, content, created_at FROM turns WHERE id=$1`, id,
	).Scan(&t.ID, &t.InstanceID, &t.Role, &t.Content, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Turn{}, ErrNotFound
	}
	if err != nil {
		return Turn{}, fmt.Errorf("get turn: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) ListTurns(ctx context.Context, instanceID string) ([]Turn, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, instance_id, role, content, created_at FROM turns
		 WHERE instance_id=$1 ORDER BY seq ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.InstanceID, &t.Role, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteTurns(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM turns WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("delete turns: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveConnection(ctx context.Context, connectionID, userID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ws_connections (connection_id, user_id) VALUES ($1, $2)
		 ON CONFLICT (connection_id) DO UPDATE SET user_id=$2`,
		connectionID, userID,
	)
	if err != nil {
		return fmt.Errorf("save connection: %w", err)
	}
	return nil
}

func (s *PostgresStore) ConnectionsForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT connection_id FROM ws_connections WHERE user_id=$1 ORDER BY connection_id`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query connections: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan connection row: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteConnection(ctx context.Context, connectionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM ws_connections WHERE connection_id=$1`, connectionID)
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, connectionID string, payload []byte, cap int) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO event_queue (connection_id, payload) VALUES ($1, $2)`,
		connectionID, payload,
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if cap > 0 {
		_, err = s.pool.Exec(ctx,
			`DELETE FROM event_queue WHERE connection_id=$1 AND id NOT IN (
				SELECT id FROM event_queue WHERE connection_id=$1 ORDER BY id DESC LIMIT $2
			)`,
			connectionID, cap,
		)
		if err != nil {
			return fmt.Errorf("trim event queue: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) DrainEvents(ctx context.Context, connectionID string) ([][]byte, error) {
	rows, err := s.pool.Query(ctx,
		`DELETE FROM event_queue WHERE connection_id=$1 RETURNING payload, id`,
		connectionID,
	)
	if err != nil {
		return nil, fmt.Errorf("drain events: %w", err)
	}
	defer rows.Close()

	type row struct {
		payload []byte
		id      int64
	}
	var drained []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.payload, &r.id); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		drained = append(drained, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// DELETE ... RETURNING does not guarantee ordering; restore insert order.
	for i := 1; i < len(drained); i++ {
		for j := i; j > 0 && drained[j].id < drained[j-1].id; j-- {
			drained[j], drained[j-1] = drained[j-1], drained[j]
		}
	}
	out := make([][]byte, 0, len(drained))
	for _, r := range drained {
		out = append(out, r.payload)
	}
	return out, nil
}

func (s *PostgresStore) PurgeQueue(ctx context.Context, connectionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM event_queue WHERE connection_id=$1`, connectionID)
	if err != nil {
		return fmt.Errorf("purge queue: %w", err)
	}
	return nil
}

func (s *PostgresStore) ExpireEvents(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM event_queue WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("expire events: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
