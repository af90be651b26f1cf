package models

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cfilipov/rangeconsole/internal/db"
)

const prefCacheTTL = 60 * time.Second

const keyLastRange = "lastRange"

// PrefStore persists console preferences: generic settings, the last opened
// range and the selected room per range.
type PrefStore struct {
	db    *bolt.DB
	mu    sync.RWMutex
	cache map[string]prefEntry
}

type prefEntry struct {
	value   string
	expires time.Time
}

func NewPrefStore(database *bolt.DB) *PrefStore {
	return &PrefStore{
		db:    database,
		cache: make(map[string]prefEntry),
	}
}

// Get retrieves a setting value by key. Returns "" if not found.
func (s *PrefStore) Get(key string) (string, error) {
	s.mu.RLock()
	if entry, ok := s.cache[key]; ok && time.Now().Before(entry.expires) {
		s.mu.RUnlock()
		return entry.value, nil
	}
	s.mu.RUnlock()

	var val string
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(db.BucketSettings).Get([]byte(key)); v != nil {
			val = string(v)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("get setting %q: %w", key, err)
	}

	s.mu.Lock()
	s.cache[key] = prefEntry{value: val, expires: time.Now().Add(prefCacheTTL)}
	s.mu.Unlock()
	return val, nil
}

// Set stores a setting value (upsert).
func (s *PrefStore) Set(key, value string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketSettings).Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}

	s.mu.Lock()
	s.cache[key] = prefEntry{value: value, expires: time.Now().Add(prefCacheTTL)}
	s.mu.Unlock()
	return nil
}

// LastRange returns the range opened most recently, or 0.
func (s *PrefStore) LastRange() (int64, error) {
	v, err := s.Get(keyLastRange)
	if err != nil || v == "" {
		return 0, err
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		// Stale or hand-edited value; treat as unset.
		return 0, nil
	}
	return id, nil
}

func (s *PrefStore) SetLastRange(id int64) error {
	if id == 0 {
		return s.Set(keyLastRange, "")
	}
	return s.Set(keyLastRange, strconv.FormatInt(id, 10))
}

// SelectedService returns the room last selected in a range, or "".
func (s *PrefStore) SelectedService(rangeID int64) (string, error) {
	var val string
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(db.BucketSelection).Get(rangeKey(rangeID)); v != nil {
			val = string(v)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("get selection for range %d: %w", rangeID, err)
	}
	return val, nil
}

func (s *PrefStore) SetSelectedService(rangeID int64, service string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(db.BucketSelection)
		if service == "" {
			return b.Delete(rangeKey(rangeID))
		}
		return b.Put(rangeKey(rangeID), []byte(service))
	})
	if err != nil {
		return fmt.Errorf("set selection for range %d: %w", rangeID, err)
	}
	return nil
}

// ForgetRange drops everything remembered about a range.
func (s *PrefStore) ForgetRange(rangeID int64) error {
	last, err := s.LastRange()
	if err != nil {
		return err
	}
	if last == rangeID {
		if err := s.SetLastRange(0); err != nil {
			return err
		}
	}
	return s.SetSelectedService(rangeID, "")
}

func rangeKey(id int64) []byte {
	return []byte(strconv.FormatInt(id, 10))
}
