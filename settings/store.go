// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package settings implements the persistent key/value store holding user
// preferences, gateway selections and the cached gateway directory.
package settings

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

const (
	metadataBucket = "metadata"
	versionKey     = "version"

	// ConfigurationBucket holds the tunnel configuration.
	ConfigurationBucket = "configuration"
	// SelectionBucket holds the entry and exit selections.
	SelectionBucket = "selection"
	// DirectoryBucket holds the last fetched gateway directory.
	DirectoryBucket = "directory"
)

var buckets = []string{ConfigurationBucket, SelectionBucket, DirectoryBucket}

// ErrClosed is the error returned when using a closed store.
var ErrClosed = errors.New("settings: store is closed")

// Store is a bucketed key/value store of CBOR encoded values.
type Store interface {
	// Get decodes the value stored under bucket/key into v, and returns
	// false if there is no such value.
	Get(bucket, key string, v interface{}) (bool, error)

	// Put encodes v and stores it under bucket/key.
	Put(bucket, key string, v interface{}) error

	// Delete removes bucket/key.
	Delete(bucket, key string) error

	// Close closes the store.
	Close() error
}

// BoltStore is a Store backed by a bbolt database.
type BoltStore struct {
	db *bolt.DB
}

// Get implements Store.
func (s *BoltStore) Get(bucket, key string, v interface{}) (bool, error) {
	var raw []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucket))
		if bkt == nil {
			return fmt.Errorf("settings: no such bucket: %v", bucket)
		}
		if b := bkt.Get([]byte(key)); b != nil {
			raw = append([]byte{}, b...)
		}
		return nil
	}); err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	if err := cbor.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("settings: corrupted value %v/%v: %v", bucket, key, err)
	}
	return true, nil
}

// Put implements Store.
func (s *BoltStore) Put(bucket, key string, v interface{}) error {
	raw, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucket))
		if bkt == nil {
			return fmt.Errorf("settings: no such bucket: %v", bucket)
		}
		return bkt.Put([]byte(key), raw)
	})
}

// Delete implements Store.
func (s *BoltStore) Delete(bucket, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucket))
		if bkt == nil {
			return fmt.Errorf("settings: no such bucket: %v", bucket)
		}
		return bkt.Delete([]byte(key))
	})
}

// Close implements Store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Open opens, creating it if needed, the bbolt backed store at path f.
func Open(f string) (*BoltStore, error) {
	db, err := bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}
	s := &BoltStore{db: db}

	if err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		for _, name := range buckets {
			if _, err = tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != 0 {
				return fmt.Errorf("settings: incompatible version: %d", uint(b[0]))
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{0})
	}); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// MemStore is an in-memory Store, for ephemeral clients and tests.
type MemStore struct {
	sync.Mutex

	m      map[string][]byte
	closed bool
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{m: make(map[string][]byte)}
}

func memKey(bucket, key string) string {
	return bucket + "/" + key
}

// Get implements Store.
func (s *MemStore) Get(bucket, key string, v interface{}) (bool, error) {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	raw, ok := s.m[memKey(bucket, key)]
	if !ok {
		return false, nil
	}
	return true, cbor.Unmarshal(raw, v)
}

// Put implements Store.
func (s *MemStore) Put(bucket, key string, v interface{}) error {
	raw, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.m[memKey(bucket, key)] = raw
	return nil
}

// Delete implements Store.
func (s *MemStore) Delete(bucket, key string) error {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.m, memKey(bucket, key))
	return nil
}

// Close implements Store.
func (s *MemStore) Close() error {
	s.Lock()
	defer s.Unlock()
	s.closed = true
	return nil
}
