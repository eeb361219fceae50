// SPDX-License-Identifier: MIT

// Package session implements manual override sessions: a user opens a session
// on an item, scrapes, picks a stream and files by hand, and commits. While a
// session is open the item is withheld from autonomous scheduling.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/rivenmedia/riven/internal/media"
)

// State is the session lifecycle.
type State string

const (
	StateOpen       State = "open"
	StateCommitting State = "committing"
	StateClosed     State = "closed"
)

// FileSelection maps one picked file to an episode slot. Season and Episode
// are zero for movie sessions.
type FileSelection struct {
	Season    int    `json:"season,omitempty"`
	Episode   int    `json:"episode,omitempty"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
}

// Session holds the in-flight choices of one manual override.
type Session struct {
	ID               string          `json:"id"`
	ItemID           int64           `json:"item_id"`
	State            State           `json:"state"`
	CreatedAt        time.Time       `json:"created_at"`
	ExpiresAt        time.Time       `json:"expires_at"`
	SelectedStreamID int64           `json:"selected_stream_id,omitempty"`
	SelectedFiles    []FileSelection `json:"selected_files,omitempty"`
}

func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

const keyPrefix = "sess:"

// ttlGrace keeps the badger entry alive past the logical expiry so the
// sweeper can still resume the item before the record vanishes.
const ttlGrace = 10 * time.Minute

// Store persists sessions in badger with a native TTL as backstop.
type Store struct {
	db *badger.DB
}

// OpenStore opens the badger database at path; an empty path runs in memory
// (used by tests).
func OpenStore(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Put writes the session. The badger TTL outlives ExpiresAt by a grace so
// expiry handling stays with the sweeper.
func (s *Store) Put(sess *Session, now time.Time) error {
	buf, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	ttl := sess.ExpiresAt.Sub(now) + ttlGrace
	if ttl <= 0 {
		ttl = ttlGrace
	}
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(keyPrefix+sess.ID), buf).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
}

// Get returns the session or media.ErrNotFound.
func (s *Store) Get(id string) (*Session, error) {
	var out Session
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, media.ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

// Update applies fn to the stored session inside one badger transaction.
func (s *Store) Update(id string, now time.Time, fn func(*Session) error) (*Session, error) {
	var out Session
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + id))
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		}); err != nil {
			return err
		}
		if err := fn(&out); err != nil {
			return err
		}
		buf, err := json.Marshal(&out)
		if err != nil {
			return err
		}
		ttl := out.ExpiresAt.Sub(now) + ttlGrace
		if ttl <= 0 {
			ttl = ttlGrace
		}
		entry := badger.NewEntry([]byte(keyPrefix+id), buf).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, media.ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

func (s *Store) Delete(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + id))
	})
}

// List returns all live sessions.
func (s *Store) List(ctx context.Context) ([]*Session, error) {
	var out []*Session
	prefix := []byte(keyPrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var sess Session
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sess)
			}); err != nil {
				continue
			}
			out = append(out, &sess)
		}
		return nil
	})
	return out, err
}
