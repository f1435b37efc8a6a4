// Package badger provides a persistent session repository backed by an
// embedded BadgerDB key-value store.
//
// Key namespace:
//
//	Data Type   Prefix  Key Format   Value Type
//	=============================================
//	Session     "s:"    s:<uuid>     Session (JSON)
//
// CAS semantics ride on Badger's serializable transactions: a concurrent
// commit to the same key fails with badger.ErrConflict, which surfaces as
// upload.ErrCASConflict.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/chunkd-io/chunkd/pkg/upload"
)

const prefixSession = "s:"

// Config holds badger repository configuration.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string `mapstructure:"path"`

	// InMemory runs the database without disk persistence. Used in tests.
	InMemory bool `mapstructure:"in_memory"`
}

// Repository is a badger-backed session repository.
type Repository struct {
	db *badgerdb.DB
}

var _ upload.SessionRepository = (*Repository)(nil)

// New opens the badger database at cfg.Path and returns the repository.
func New(cfg Config) (*Repository, error) {
	opts := badgerdb.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
	}
	// Badger's default logger writes to stderr outside our logging pipeline.
	opts = opts.WithLogger(nil)

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return &Repository{db: db}, nil
}

// Backend returns the backend type label.
func (r *Repository) Backend() string {
	return "badger"
}

func keySession(id string) []byte {
	return []byte(prefixSession + id)
}

func encodeSession(session *upload.Session) ([]byte, error) {
	bytes, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}
	return bytes, nil
}

func decodeSession(bytes []byte) (*upload.Session, error) {
	var session upload.Session
	if err := json.Unmarshal(bytes, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &session, nil
}

func (r *Repository) Create(ctx context.Context, session *upload.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return r.db.Update(func(txn *badgerdb.Txn) error {
		key := keySession(session.ID)
		if _, err := txn.Get(key); err == nil {
			return upload.ErrCASConflict
		} else if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return err
		}

		data, err := encodeSession(session)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

func (r *Repository) Get(ctx context.Context, id string) (*upload.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var session *upload.Session
	err := r.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(keySession(id))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return upload.ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			session, err = decodeSession(val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (r *Repository) CompareAndSwap(ctx context.Context, id string, expected upload.Status, mutate func(*upload.Session) error) (*upload.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var updated *upload.Session
	err := r.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(keySession(id))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return upload.ErrSessionNotFound
		}
		if err != nil {
			return err
		}

		var stored *upload.Session
		if err := item.Value(func(val []byte) error {
			stored, err = decodeSession(val)
			return err
		}); err != nil {
			return err
		}

		if stored.Status != expected {
			return upload.ErrCASConflict
		}

		if err := mutate(stored); err != nil {
			return err
		}
		stored.Version++

		data, err := encodeSession(stored)
		if err != nil {
			return err
		}
		if err := txn.Set(keySession(id), data); err != nil {
			return err
		}
		updated = stored
		return nil
	})
	if errors.Is(err, badgerdb.ErrConflict) {
		return nil, upload.ErrCASConflict
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *Repository) ListActive(ctx context.Context) ([]*upload.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var active []*upload.Session
	err := r.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(prefixSession)
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := it.Item().Value(func(val []byte) error {
				session, err := decodeSession(val)
				if err != nil {
					return err
				}
				if !session.Status.Terminal() {
					active = append(active, session)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	return active, nil
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.db.IsClosed() {
		return upload.ErrStoreClosed
	}
	return nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}
