package snapshot

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Store persists one snapshot per type
type Store interface {
	// Load returns the stored snapshot of type t; found is false when none was saved.
	Load(ctx context.Context, t Type) (s Snapshot, found bool, err error)
	Save(ctx context.Context, s Snapshot) error
}

// MemoryStore keeps encoded snapshots in memory
type MemoryStore struct {
	mu   sync.RWMutex
	data map[Type][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[Type][]byte)}
}

func (m *MemoryStore) Load(_ context.Context, t Type) (Snapshot, bool, error) {
	m.mu.RLock()
	b, ok := m.data[t]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, false, nil
	}
	s, err := Unmarshal(b)
	if err != nil {
		return Snapshot{}, false, err
	}
	return s, true, nil
}

func (m *MemoryStore) Save(_ context.Context, s Snapshot) error {
	b, err := Marshal(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data[s.Type] = b
	m.mu.Unlock()
	return nil
}

// DB is the subset of *pgxpool.Pool used by PGStore
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore keeps snapshots in beacon.snapshots
type PGStore struct {
	db DB
}

func NewPGStore(db DB) *PGStore {
	return &PGStore{db: db}
}

func (p *PGStore) Load(ctx context.Context, t Type) (Snapshot, bool, error) {
	var body []byte
	err := p.db.QueryRow(ctx, `SELECT body FROM beacon.snapshots WHERE type=$1`, string(t)).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	s, err := Unmarshal(body)
	if err != nil {
		return Snapshot{}, false, err
	}
	return s, true, nil
}

func (p *PGStore) Save(ctx context.Context, s Snapshot) error {
	body, err := Marshal(s)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(ctx, `
		INSERT INTO beacon.snapshots(type, version, body, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (type) DO UPDATE
		SET version=EXCLUDED.version, body=EXCLUDED.body, updated_at=now()`,
		string(s.Type), s.Version, body,
	)
	return err
}

// LoadInto loads the snapshot of type t and decodes it with decode. When
// nothing was saved yet it returns def.
func LoadInto[E any](ctx context.Context, st Store, t Type, decode func(Snapshot) (E, error), def E) (E, error) {
	s, found, err := st.Load(ctx, t)
	if err != nil {
		return def, err
	}
	if !found {
		return def, nil
	}
	return decode(s)
}
