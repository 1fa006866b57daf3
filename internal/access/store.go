package access

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps the role table in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	members map[Role]map[string]struct{}
}

// NewMemoryStore creates an empty in-memory role table.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{members: make(map[Role]map[string]struct{})}
}

func (m *MemoryStore) HasRole(_ context.Context, role Role, identity string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.members[role][identity]
	return ok, nil
}

func (m *MemoryStore) Grant(_ context.Context, role Role, identity, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.members[role]
	if !ok {
		set = make(map[string]struct{})
		m.members[role] = set
	}
	set[identity] = struct{}{}
	return nil
}

func (m *MemoryStore) Revoke(_ context.Context, role Role, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.members[role]
	if _, ok := set[identity]; ok && role == RoleAdministrator && len(set) == 1 {
		return ErrLastAdministrator
	}
	delete(set, identity)
	return nil
}

func (m *MemoryStore) Members(_ context.Context, role Role) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.members[role]))
	for id := range m.members[role] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// PostgresStore keeps the role table in the role_assignments table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed role table.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) HasRole(ctx context.Context, role Role, identity string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM role_assignments WHERE role = $1 AND identity = $2
		)`, string(role), identity).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) Grant(ctx context.Context, role Role, identity, grantedBy string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO role_assignments (role, identity, granted_by, granted_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (role, identity) DO NOTHING`,
		string(role), identity, grantedBy)
	return err
}

// Revoke locks the administrator rows before deleting, so two revokes racing
// for the last two administrators serialize and the second one fails.
func (p *PostgresStore) Revoke(ctx context.Context, role Role, identity string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if role == RoleAdministrator {
		rows, err := tx.QueryContext(ctx,
			`SELECT identity FROM role_assignments WHERE role = $1 FOR UPDATE`, string(RoleAdministrator))
		if err != nil {
			return fmt.Errorf("lock administrators: %w", err)
		}
		for rows.Next() {
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return fmt.Errorf("lock administrators: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM role_assignments
		WHERE role = $1 AND identity = $2
		  AND ($1 <> 'administrator'
		       OR (SELECT COUNT(*) FROM role_assignments WHERE role = 'administrator') > 1)`,
		string(role), identity)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 && role == RoleAdministrator {
		var held bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM role_assignments WHERE role = $1 AND identity = $2
			)`, string(role), identity).Scan(&held); err != nil {
			return err
		}
		if held {
			return ErrLastAdministrator
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) Members(ctx context.Context, role Role) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT identity FROM role_assignments WHERE role = $1 ORDER BY identity`, string(role))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
