package pause

import (
	"context"
	"database/sql"
	"errors"
	"sync"
)

// MemoryStore keeps the pause state in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	state *State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(_ context.Context) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, nil
	}
	cp := *m.state
	return &cp, nil
}

func (m *MemoryStore) Save(_ context.Context, s *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.state = &cp
	return nil
}

// PostgresStore keeps the pause state in the single-row pause_state table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Load(ctx context.Context) (*State, error) {
	var (
		st        State
		updatedBy sql.NullString
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT paused, updated_by, updated_at FROM pause_state WHERE id = 1`,
	).Scan(&st.Paused, &updatedBy, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st.UpdatedBy = updatedBy.String
	return &st, nil
}

func (p *PostgresStore) Save(ctx context.Context, s *State) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO pause_state (id, paused, updated_by, updated_at)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET paused = EXCLUDED.paused, updated_by = EXCLUDED.updated_by, updated_at = EXCLUDED.updated_at`,
		s.Paused, s.UpdatedBy, s.UpdatedAt)
	return err
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
