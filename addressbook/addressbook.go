// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package addressbook implements persistent storage of gossiped relay
// descriptors with a simple boltdb based backend.
package addressbook

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/lodestar-net/lodestar/topology"
)

const (
	metadataBucket    = "metadata"
	descriptorsBucket = "descriptors"
	lastSeenBucket    = "last_seen"

	versionKey = "version"
)

// Book is a boltdb backed relay address book.  It stores the signed
// descriptor records verbatim so that a restarted relay can rebuild a
// verified topology view without waiting for gossip.
type Book struct {
	db *bolt.DB
}

// Store persists a signed descriptor record for the given node and
// stamps its last seen time.
func (b *Book) Store(id [topology.NodeIDLength]byte, raw []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(descriptorsBucket)).Put(id[:], raw); err != nil {
			return err
		}
		var ts [8]byte
		binary.BigEndian.PutUint64(ts[:], uint64(time.Now().Unix()))
		return tx.Bucket([]byte(lastSeenBucket)).Put(id[:], ts[:])
	})
}

// LastSeen returns when a descriptor for the given node was last stored.
func (b *Book) LastSeen(id [topology.NodeIDLength]byte) (time.Time, bool) {
	var t time.Time
	ok := false
	b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(lastSeenBucket)).Get(id[:])
		if len(v) == 8 {
			t = time.Unix(int64(binary.BigEndian.Uint64(v)), 0)
			ok = true
		}
		return nil
	})
	return t, ok
}

// Warm replays every stored descriptor into the topology store and
// returns the number of records accepted.  Records that fail to verify
// or have gone stale are pruned from the book.
func (b *Book) Warm(s *topology.Store) (int, error) {
	type pruneEntry [topology.NodeIDLength]byte
	var prune []pruneEntry
	accepted := 0

	if err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(descriptorsBucket)).ForEach(func(k, v []byte) error {
			raw := make([]byte, len(v))
			copy(raw, v)
			if err := s.MergeDescriptor(raw); err != nil {
				var id pruneEntry
				copy(id[:], k)
				prune = append(prune, id)
				return nil
			}
			accepted++
			return nil
		})
	}); err != nil {
		return accepted, err
	}

	if len(prune) == 0 {
		return accepted, nil
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		dBkt := tx.Bucket([]byte(descriptorsBucket))
		sBkt := tx.Bucket([]byte(lastSeenBucket))
		for _, id := range prune {
			if err := dBkt.Delete(id[:]); err != nil {
				return err
			}
			if err := sBkt.Delete(id[:]); err != nil {
				return err
			}
		}
		return nil
	})
	return accepted, err
}

// Close flushes and closes the underlying database.
func (b *Book) Close() {
	b.db.Sync()
	b.db.Close()
}

// New creates (or loads) an address book with the given file name f.
func New(f string) (*Book, error) {
	var err error

	b := new(Book)
	b.db, err = bolt.Open(f, 0o600, nil)
	if err != nil {
		return nil, err
	}

	if err = b.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(descriptorsBucket)); err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(lastSeenBucket)); err != nil {
			return err
		}

		if v := bkt.Get([]byte(versionKey)); v != nil {
			if len(v) != 1 || v[0] != 0 {
				return fmt.Errorf("addressbook: incompatible version: %d", uint(v[0]))
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{0})
	}); err != nil {
		b.db.Close()
		return nil, err
	}

	return b, nil
}
