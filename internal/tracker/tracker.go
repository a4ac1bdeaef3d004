// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

// Package tracker persists the two tables coordinating the pipeline: the
// counter (control) table that fan-in waits on, and the activity table
// holding every work unit. Both live in one BadgerDB so a worker host needs
// a single durable store.
//
// Counter increments run inside serializable transactions; concurrent
// completers conflict and retry, so exactly one of them observes the count
// reaching the expected total. That observation is the at-most-once stage
// transition.
package tracker

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/earthdata-cube/cubebuilder/internal/cube"
)

// Default table names inside the shared Badger keyspace. Deployments can
// override them (ACTIVITIES_TABLE / CONTROL_TABLE) to run several pipelines
// against one store.
const (
	DefaultControlTable  = "control"
	DefaultActivityTable = "activity"
)

// incrementRetries bounds the optimistic-conflict retry loop.
const incrementRetries = 64

// ControlEntry is one counter row.
type ControlEntry struct {
	ID      string `json:"id"`
	MyCount int    `json:"mycount"`
	Total   int    `json:"totalInstancesToBeDone"`
	EndDate string `json:"end_date"`
	Errors  int    `json:"errors"`
}

// Store wraps the Badger database behind the counter and activity tables.
type Store struct {
	db            *badger.DB
	controlTable  string
	activityTable string
}

// Open opens (or creates) the store at path with the default table names.
func Open(path string) (*Store, error) {
	return OpenTables(path, DefaultControlTable, DefaultActivityTable)
}

// OpenTables opens the store with explicit table names.
func OpenTables(path, controlTable, activityTable string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open tracker store: %w", err)
	}
	return newStore(db, controlTable, activityTable), nil
}

// OpenInMemory opens an ephemeral store, used by tests and dry runs.
func OpenInMemory() (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open in-memory tracker store: %w", err)
	}
	return newStore(db, DefaultControlTable, DefaultActivityTable), nil
}

func newStore(db *badger.DB, controlTable, activityTable string) *Store {
	if controlTable == "" {
		controlTable = DefaultControlTable
	}
	if activityTable == "" {
		activityTable = DefaultActivityTable
	}
	return &Store{db: db, controlTable: controlTable, activityTable: activityTable}
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) controlKey(id string) []byte {
	return []byte(s.controlTable + ":" + id)
}

func (s *Store) activityKey(id, sk string) []byte {
	return []byte(s.activityTable + ":" + id + ":" + sk)
}

func (s *Store) activityPrefix(id string) []byte {
	return []byte(s.activityTable + ":" + id + ":")
}

// PutControl writes a counter row, replacing any previous row for the key:
// count, total and date are overwritten and the error count starts at zero.
func (s *Store) PutControl(id string, count, total int, date string) error {
	entry := ControlEntry{ID: id, MyCount: count, Total: total, EndDate: date}
	data, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("marshal control row: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.controlKey(id), data)
	})
}

// GetControl reads a counter row.
func (s *Store) GetControl(id string) (*ControlEntry, bool, error) {
	var entry ControlEntry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.controlKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get control row %s: %w", id, err)
	}
	return &entry, true, nil
}

// Increment atomically adds one to mycount and returns the observed count
// and the stored total. The caller fires the stage transition iff
// count == total: the serializable transaction guarantees only one caller
// sees that exact value.
func (s *Store) Increment(id string) (count, total int, err error) {
	for attempt := 0; attempt < incrementRetries; attempt++ {
		count, total, err = s.incrementOnce(id)
		if err == nil || !errors.Is(err, badger.ErrConflict) {
			return count, total, err
		}
		time.Sleep(time.Duration(attempt+1) * time.Millisecond)
	}
	return 0, 0, fmt.Errorf("increment %s: conflict retries exhausted", id)
}

func (s *Store) incrementOnce(id string) (int, int, error) {
	var entry ControlEntry
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(s.controlKey(id))
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		}); err != nil {
			return err
		}
		entry.MyCount++
		entry.EndDate = time.Now().Format(cube.TimeLayout)
		data, err := json.Marshal(&entry)
		if err != nil {
			return err
		}
		return txn.Set(s.controlKey(id), data)
	})
	if err != nil {
		return 0, 0, err
	}
	return entry.MyCount, entry.Total, nil
}

// IncrementErrors bumps the error counter of a row without touching
// mycount, so an errored stage never advances.
func (s *Store) IncrementErrors(id string) error {
	for attempt := 0; attempt < incrementRetries; attempt++ {
		err := s.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(s.controlKey(id))
			if err != nil {
				return err
			}
			var entry ControlEntry
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return err
			}
			entry.Errors++
			data, err := json.Marshal(&entry)
			if err != nil {
				return err
			}
			return txn.Set(s.controlKey(id), data)
		})
		if err == nil || !errors.Is(err, badger.ErrConflict) {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		time.Sleep(time.Duration(attempt+1) * time.Millisecond)
	}
	return fmt.Errorf("increment errors %s: conflict retries exhausted", id)
}

// RemoveControl deletes a counter row. Missing rows are not an error: the
// force path removes all four stage keys whether or not they exist yet.
func (s *Store) RemoveControl(id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(s.controlKey(id))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

// PutActivity upserts an activity row keyed by (key, sk).
func (s *Store) PutActivity(a *cube.Activity) error {
	data, err := a.Encode()
	if err != nil {
		return fmt.Errorf("marshal activity: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.activityKey(a.Key, a.SK), data)
	})
}

// GetActivity reads one activity row.
func (s *Store) GetActivity(id, sk string) (*cube.Activity, bool, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.activityKey(id, sk))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get activity %s/%s: %w", id, sk, err)
	}
	a, err := cube.DecodeActivity(data)
	if err != nil {
		return nil, false, err
	}
	return a, true, nil
}

// QueryActivities returns every activity row sharing the key, in sort-key
// order.
func (s *Store) QueryActivities(id string) ([]*cube.Activity, error) {
	var out []*cube.Activity
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := s.activityPrefix(id)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var data []byte
			if err := it.Item().Value(func(val []byte) error {
				data = append([]byte(nil), val...)
				return nil
			}); err != nil {
				return err
			}
			a, err := cube.DecodeActivity(data)
			if err != nil {
				return err
			}
			out = append(out, a)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query activities %s: %w", id, err)
	}
	return out, nil
}

// RemoveActivity deletes one activity row.
func (s *Store) RemoveActivity(id, sk string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(s.activityKey(id, sk))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

// RemoveActivitiesByKey deletes every activity row sharing the key and
// returns how many were removed. Used by the force path.
func (s *Store) RemoveActivitiesByKey(id string) (int, error) {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := s.activityPrefix(id)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(k)
		}); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return 0, err
		}
	}
	return len(keys), nil
}
