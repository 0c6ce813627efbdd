// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package state

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

const openTimeout = 2 * time.Second

var (
	bucketState = []byte("state")

	keyRecord = []byte("record")
	keyMounts = []byte("mounts")
)

// Record is the durable description of the current machine phase.
//
// It is created at bootstrap init and rewritten on every pivot. It must stay
// reachable through the old-root back-reference after a forward pivot so the
// reverse path can read and reset it.
type Record struct {
	Phase        Phase     `cbor:"1,keyasint"`
	TargetPID    int       `cbor:"2,keyasint,omitempty"`
	LastImageURL string    `cbor:"3,keyasint,omitempty"`
	BootTime     time.Time `cbor:"4,keyasint"`
}

// MountEntry describes one active mount created during a pivot.
//
// Entries are persisted in mount order. Unmounting must happen in the exact
// reverse of that order. Moved marks a filesystem that was carried over
// from the bootstrap root; the reverse path must move it back instead of
// unmounting it.
type MountEntry struct {
	Target string `cbor:"1,keyasint"`
	FSType string `cbor:"2,keyasint"`
	Moved  bool   `cbor:"3,keyasint,omitempty"`
}

// Store is a small durable store for the phase record and the active mount
// list.
//
// Only the pivot controller may write to it. Status readers open it
// read-only.
type Store struct {
	db *bolt.DB
}

// Open opens the store file, creating it if necessary.
func Open(path string) (*Store, error) {
	return open(path, false)
}

// OpenReadOnly opens an existing store file for reading.
//
// It does not block on the writer's file lock.
func OpenReadOnly(path string) (*Store, error) {
	return open(path, true)
}

func open(path string, readOnly bool) (*Store, error) {
	opts := &bolt.Options{
		Timeout:  openTimeout,
		ReadOnly: readOnly,
	}

	db, err := bolt.Open(path, 0o600, opts)
	if err != nil {
		return nil, fmt.Errorf("open state file: %w", err)
	}

	if !readOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketState)
			return err
		})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	return &Store{db: db}, nil
}

// Close releases the store file.
func (s *Store) Close() error {
	if s.db == nil {
		return ErrStoreClosed
	}

	err := s.db.Close()
	s.db = nil

	if err != nil {
		return fmt.Errorf("close state file: %w", err)
	}

	return nil
}

// Load reads the current record.
//
// If no record has been saved yet, a zero record with [PhaseBootstrap] is
// returned.
func (s *Store) Load() (Record, error) {
	var record Record

	err := s.view(keyRecord, &record)
	if err != nil {
		return Record{}, err
	}

	return record, nil
}

// Save writes the record.
func (s *Store) Save(record Record) error {
	return s.update(keyRecord, record)
}

// SaveMounts stores the ordered list of active target mounts.
//
// The forward and reverse pivots run in different processes, so the list has
// to survive the process that created the mounts.
func (s *Store) SaveMounts(mounts []MountEntry) error {
	return s.update(keyMounts, mounts)
}

// LoadMounts reads the ordered list of active target mounts stored by
// [Store.SaveMounts]. It returns nil if none is stored.
func (s *Store) LoadMounts() ([]MountEntry, error) {
	var mounts []MountEntry

	err := s.view(keyMounts, &mounts)
	if err != nil {
		return nil, err
	}

	return mounts, nil
}

func (s *Store) view(key []byte, value any) error {
	if s.db == nil {
		return ErrStoreClosed
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketState)
		if bucket == nil {
			return nil
		}

		data := bucket.Get(key)
		if data == nil {
			return nil
		}

		return cbor.Unmarshal(data, value)
	})
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}

	return nil
}

func (s *Store) update(key []byte, value any) error {
	if s.db == nil {
		return ErrStoreClosed
	}

	data, err := cbor.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketState).Put(key, data)
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}

	return nil
}
