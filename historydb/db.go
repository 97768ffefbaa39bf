// Scanwatch
// Copyright (c) 2016, 2025, DCSO GmbH

// Package historydb is a local bolt backed history store.
package historydb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"path/filepath"

	"github.com/DCSO/scanwatch/history"
	bolt "github.com/etcd-io/bbolt"
	log "github.com/sirupsen/logrus"
)

const (
	bucketPrefix = "HISTORY/"

	// DatabaseName is the file name of the database file.
	DatabaseName = "history.db"
)

// DB stores history entries in one bucket per user. Keys are the big endian
// save time followed by the entry id, so iterating backwards yields the
// newest entry first.
type DB struct {
	db    *bolt.DB
	Limit int
}

// Open opens or creates the database in dataPath.
func Open(dataPath string, limit int) (*DB, error) {
	if limit <= 0 {
		limit = history.DefaultLimit
	}
	db, err := bolt.Open(filepath.Join(dataPath, DatabaseName), 0600, nil)
	if err != nil {
		return nil, err
	}
	log.Debug("Database initialized:", db.Path())
	return &DB{db: db, Limit: limit}, nil
}

// Close should be called before the program terminates.
func (d *DB) Close() error {
	return d.db.Close()
}

func bucketName(user string) []byte {
	return []byte(bucketPrefix + user)
}

func entryKey(e history.Entry) []byte {
	k := make([]byte, 8, 8+len(e.ID))
	binary.BigEndian.PutUint64(k, uint64(e.SavedAt.UnixNano()))
	return append(k, e.ID...)
}

// Append stores e and evicts the oldest entries beyond the limit.
func (d *DB) Append(_ context.Context, user string, e history.Entry) error {
	encoded, err := json.Marshal(e)
	if err != nil {
		return err
	}
	err = d.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketName(user))
		if err != nil {
			return err
		}
		if err = bucket.Put(entryKey(e), encoded); err != nil {
			return err
		}
		var keys [][]byte
		c := bucket.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for i := 0; i < len(keys)-d.Limit; i++ {
			if err = bucket.Delete(keys[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		log.Debug("Stored history entry in database:", e.ID)
	}
	return err
}

// Fetch returns up to limit entries of user, newest first. A user without
// history gets an empty list.
func (d *DB) Fetch(_ context.Context, user string, limit int) ([]history.Entry, error) {
	if limit <= 0 || limit > d.Limit {
		limit = d.Limit
	}
	out := make([]history.Entry, 0)
	err := d.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName(user))
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var e history.Entry
			if err := json.Unmarshal(v, &e); err != nil {
				log.Warnf("skipping corrupt history entry %x: %s", k, err)
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// Purge deletes all entries of user.
func (d *DB) Purge(_ context.Context, user string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket(bucketName(user))
		if err == bolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
}
