// Package bolt adapts go.etcd.io/bbolt to the engine.Engine surface. It
// stands in for the design's comparison against an alternative embedded
// engine: same four operations, same semantics, different storage
// internals entirely.
package bolt

import (
	"fmt"

	"github.com/dreamsxin/kvs"
	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("kvs")

// Engine wraps a single bbolt database file.
type Engine struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the bbolt file at path.
func Open(path string) (*Engine, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("bolt: opening %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("bolt: creating bucket: %w", err)
	}
	return &Engine{db: db}, nil
}

// Set stores value under key, overwriting any existing value.
func (e *Engine) Set(key, value []byte) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(key, value)
	})
}

// Get reports the value stored under key, if any.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	var out []byte
	err := e.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(key)
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, out != nil, err
}

// Remove deletes key, failing with kvs.ErrKeyNotFound if it is absent.
func (e *Engine) Remove(key []byte) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b.Get(key) == nil {
			return kvs.ErrKeyNotFound
		}
		return b.Delete(key)
	})
}

// Close closes the underlying bbolt database.
func (e *Engine) Close() error {
	return e.db.Close()
}
