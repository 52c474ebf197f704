// Package engine defines the pluggable storage backend surface the
// server dispatcher is written against, and resolves a concrete backend
// once at startup so the hot path never pays for indirect dispatch per
// request.
package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dreamsxin/kvs"
	"github.com/dreamsxin/kvs/engine/bolt"
	"github.com/go-kit/log"
	natefinchatomic "github.com/natefinch/atomic"
	"github.com/prometheus/client_golang/prometheus"
)

// Engine is the capability set every backend must provide.
type Engine interface {
	Set(key, value []byte) error
	Get(key []byte) ([]byte, bool, error)
	Remove(key []byte) error
	Close() error
}

// Cloneable is an Engine that can be handed out to multiple goroutines,
// each with its own cheap clone. The server requires this.
type Cloneable interface {
	Engine
	Clone() Engine
}

// Variant names the two recognized backends.
type Variant string

const (
	// VariantKVS is the native bitcask-style engine (package root).
	VariantKVS Variant = "kvs"
	// VariantBolt is the alternate embedded engine, standing in for the
	// design's "sled" comparison point.
	VariantBolt Variant = "bolt"
)

const markerFile = "engine"

// Config bundles the options needed to open either backend.
type Config struct {
	Variant    Variant
	Writer     kvs.WriterOptions
	Logger     log.Logger
	Registerer prometheus.Registerer
}

// Open resolves the backend for dir (defaulting to the marker's recorded
// variant, else VariantKVS), checks or writes the marker file, and opens
// it.
func Open(dir string, cfg Config) (Cloneable, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: preparing data dir: %w", err)
	}

	variant := cfg.Variant
	if variant == "" {
		recorded, err := readMarker(dir)
		if err != nil {
			return nil, err
		}
		if recorded != "" {
			variant = recorded
		} else {
			variant = VariantKVS
		}
	}

	if err := checkOrWriteMarker(dir, variant); err != nil {
		return nil, err
	}

	lock, err := kvs.LockDir(dir)
	if err != nil {
		return nil, err
	}

	var backend Cloneable
	switch variant {
	case VariantKVS:
		backend, err = openNative(dir, cfg)
	case VariantBolt:
		backend, err = openBolt(dir, cfg)
	default:
		err = fmt.Errorf("engine: unknown variant %q", variant)
	}
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	return &lockedEngine{Cloneable: backend, lock: lock}, nil
}

// lockedEngine releases the data directory's flock when the primary
// handle is closed. Clones share the underlying backend but not the
// lock release: only the handle returned by Open owns it.
type lockedEngine struct {
	Cloneable
	lock *kvs.DirLock
}

func (e *lockedEngine) Close() error {
	closeErr := e.Cloneable.Close()
	if err := e.lock.Unlock(); err != nil && closeErr == nil {
		closeErr = err
	}
	return closeErr
}

func markerPath(dir string) string {
	return filepath.Join(dir, markerFile)
}

func readMarker(dir string) (Variant, error) {
	data, err := os.ReadFile(markerPath(dir))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("engine: reading marker: %w", err)
	}
	return Variant(strings.TrimSpace(string(data))), nil
}

// checkOrWriteMarker creates the marker atomically (via natefinch/atomic,
// a temp-file-then-rename so a crash never leaves a half-written marker)
// on first write, or verifies it matches variant on every subsequent
// open.
func checkOrWriteMarker(dir string, variant Variant) error {
	recorded, err := readMarker(dir)
	if err != nil {
		return err
	}
	if recorded == "" {
		return natefinchatomic.WriteFile(markerPath(dir), strings.NewReader(string(variant)))
	}
	if recorded != variant {
		return fmt.Errorf("%w: data dir was opened with %q, requested %q", kvs.ErrEngineMismatch, recorded, variant)
	}
	return nil
}

func openNative(dir string, cfg Config) (Cloneable, error) {
	w, r, err := kvs.Open(dir, cfg.Writer, cfg.Logger, cfg.Registerer)
	if err != nil {
		return nil, err
	}
	return &nativeEngine{w: w, r: r}, nil
}

type nativeEngine struct {
	w *kvs.Writer
	r *kvs.Reader
}

func (e *nativeEngine) Set(key, value []byte) error       { return e.w.Set(key, value) }
func (e *nativeEngine) Get(key []byte) ([]byte, bool, error) { return e.r.Get(key) }
func (e *nativeEngine) Remove(key []byte) error            { return e.w.Remove(key) }
func (e *nativeEngine) Close() error                       { return e.r.Close() }

func (e *nativeEngine) Clone() Engine {
	return &nativeEngine{w: e.w, r: e.r.Clone()}
}

func openBolt(dir string, cfg Config) (Cloneable, error) {
	b, err := bolt.Open(filepath.Join(dir, "bolt.db"))
	if err != nil {
		return nil, err
	}
	return &boltEngine{b: b}, nil
}

// boltEngine adapts bolt.Engine to the Cloneable surface; bbolt's *DB is
// already safe for concurrent use by many goroutines, so Clone is a
// shallow copy.
type boltEngine struct {
	b *bolt.Engine
}

func (e *boltEngine) Set(key, value []byte) error          { return e.b.Set(key, value) }
func (e *boltEngine) Get(key []byte) ([]byte, bool, error) { return e.b.Get(key) }
func (e *boltEngine) Remove(key []byte) error              { return e.b.Remove(key) }
func (e *boltEngine) Close() error                         { return e.b.Close() }
func (e *boltEngine) Clone() Engine                        { return &boltEngine{b: e.b} }
