// Package store wraps go.etcd.io/bbolt as the embedded ordered key-value
// store described in SPEC_FULL.md §4.1 (an "Environment", in MDBX/LMDB
// terms). bbolt gives snapshot-isolated readers and a single read-write
// transaction per file natively; it does not give MDBX's IntegerKeys or
// AllowDuplicates database flags, which the original spec assumes, so this
// package documents the convention callers (internal/entitystore,
// internal/queue, internal/domain) must follow instead: IntegerKeys means
// "always encode the key with keys.Revision.EncodeBigEndian before Put",
// and AllowDuplicates means "compose the key as value || disambiguator",
// matching the exact key shapes spec §4.3 already describes for value and
// sorted indexes. See DESIGN.md for the full justification.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Sentinel errors surfaced by this package, per SPEC_FULL.md §4.1.
var (
	// ErrNotFound is returned when a lookup key is absent from the bucket.
	ErrNotFound = errors.New("store: not found")
	// ErrCorrupt is returned when the on-disk environment fails to open or
	// fails bbolt's own consistency checks.
	ErrCorrupt = errors.New("store: corrupt environment")
	// ErrEnvError wraps any other environment-level failure (I/O, locking).
	ErrEnvError = errors.New("store: environment error")
)

// registryMu guards the process-level open-environment cache so that
// clearEnv can drop cached handles before a resource removes its on-disk
// environments (spec §4.1: "clearEnv() to drop all cached environments
// before removal-from-disk").
var (
	registryMu sync.Mutex
	registry   = map[string]*Env{}
)

// Env is one bbolt-backed environment: one physical file holding any number
// of named buckets ("sub-databases" in spec terms).
type Env struct {
	mu   sync.Mutex
	db   *bolt.DB
	path string
}

// OpenEnv opens (creating if absent) the environment at path, returning the
// process-cached handle if one is already open for that path.
func OpenEnv(path string) (*Env, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if env, ok := registry[path]; ok {
		return env, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("%w: creating parent directory: %v", ErrEnvError, err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	env := &Env{db: db, path: path}
	registry[path] = env
	return env, nil
}

// Path returns the on-disk path backing the environment.
func (e *Env) Path() string {
	return e.path
}

// Update runs fn in a single read-write transaction. Only one such
// transaction may be open at a time per environment; bbolt enforces this
// with an internal lock, which realizes spec invariant 7 ("only one writer
// may have a transaction open on an environment at any time").
func (e *Env) Update(fn func(*Tx) error) error {
	err := e.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
	return wrapTxErr(err)
}

// View runs fn in a read-only, snapshot-isolated transaction. Readers are
// never blocked by a concurrent writer.
func (e *Env) View(fn func(*Tx) error) error {
	err := e.db.View(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
	return wrapTxErr(err)
}

func wrapTxErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrCorrupt) || errors.Is(err, ErrEnvError) || errors.Is(err, ErrStopScan) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrEnvError, err)
}

// Close releases the bbolt file handle and drops the environment from the
// process-level registry.
func (e *Env) Close() error {
	registryMu.Lock()
	delete(registry, e.path)
	registryMu.Unlock()

	if err := e.db.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrEnvError, err)
	}
	return nil
}

// ClearEnv closes and forgets the cached environment at path, if open, and
// then removes its on-disk file. Resources call this as part of the
// database-version wipe-and-recreate protocol (spec §6) and of
// REMOVE-FROM-DISK handling (spec §4.10).
func ClearEnv(path string) error {
	registryMu.Lock()
	env, ok := registry[path]
	if ok {
		delete(registry, path)
	}
	registryMu.Unlock()

	if ok {
		if err := env.db.Close(); err != nil {
			return fmt.Errorf("%w: %v", ErrEnvError, err)
		}
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrEnvError, err)
	}
	return nil
}

// Tx wraps a single bbolt transaction, read-only or read-write.
type Tx struct {
	tx *bolt.Tx
}

// Bucket opens (creating on a write transaction if absent) the named
// bucket, the spec's "named sub-database".
func (t *Tx) Bucket(name string) (*Bucket, error) {
	if t.tx.Writable() {
		b, err := t.tx.CreateBucketIfNotExists([]byte(name))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEnvError, err)
		}
		return &Bucket{b: b}, nil
	}
	b := t.tx.Bucket([]byte(name))
	if b == nil {
		return nil, ErrNotFound
	}
	return &Bucket{b: b}, nil
}

// Writable reports whether the enclosing transaction permits mutation.
func (t *Tx) Writable() bool {
	return t.tx.Writable()
}

// Bucket is a named sub-database within an environment.
type Bucket struct {
	b *bolt.Bucket
}

// Write stores value under key, overwriting any prior value. This is the
// spec's write(key, value) operation.
func (b *Bucket) Write(key, value []byte) error {
	if err := b.b.Put(key, value); err != nil {
		return fmt.Errorf("%w: %v", ErrEnvError, err)
	}
	return nil
}

// Get reads the value stored under key, or ErrNotFound if absent. Returned
// bytes are only valid for the lifetime of the enclosing transaction;
// callers that need them afterward must copy.
func (b *Bucket) Get(key []byte) ([]byte, error) {
	v := b.b.Get(key)
	if v == nil {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Remove deletes key. This is the spec's remove(key) operation. It is not
// an error to remove an absent key.
func (b *Bucket) Remove(key []byte) error {
	if err := b.b.Delete(key); err != nil {
		return fmt.Errorf("%w: %v", ErrEnvError, err)
	}
	return nil
}

// RemoveDuplicate deletes one specific (key, value) pair from a bucket that
// is emulating AllowDuplicates by composing keys as value||disambiguator:
// callers pass the already-composed key; this is a thin alias over Remove
// kept distinct so call sites document intent, matching spec's
// remove(key, value) for dup databases.
func (b *Bucket) RemoveDuplicate(composedKey []byte) error {
	return b.Remove(composedKey)
}

// Scan iterates all (key, value) pairs with key >= startKey, in key order,
// calling fn for each. Iteration stops at the first error fn returns
// (ErrStopScan is swallowed and Scan returns nil; any other error
// propagates to the caller).
func (b *Bucket) Scan(startKey []byte, fn func(key, value []byte) error) error {
	c := b.b.Cursor()
	var k, v []byte
	if len(startKey) == 0 {
		k, v = c.First()
	} else {
		k, v = c.Seek(startKey)
	}
	for ; k != nil; k, v = c.Next() {
		if err := fn(k, v); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return nil
}

// ErrStopScan is a sentinel a Scan/FindLatest callback can return to stop
// iteration early without signalling failure to the caller.
var ErrStopScan = errors.New("store: stop scan")

// ScanPrefix iterates all (key, value) pairs whose key starts with prefix,
// in key order.
func (b *Bucket) ScanPrefix(prefix []byte, fn func(key, value []byte) error) error {
	c := b.b.Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(k, v); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return nil
}

// FindLatest returns the last key (and its value) that carries the given
// prefix, implementing the spec's findLatest(prefix, callback) lookup used
// to resolve "the newest revision of this identifier" without a full scan.
func (b *Bucket) FindLatest(prefix []byte, fn func(key, value []byte) error) error {
	c := b.b.Cursor()

	// Seek to the first key >= upperBound(prefix), then step back one to
	// land on the last key with the prefix.
	upper := upperBound(prefix)
	var k, v []byte
	if upper == nil {
		k, v = c.Last()
	} else {
		k, v = c.Seek(upper)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
	}

	if k == nil || !hasPrefix(k, prefix) {
		return ErrNotFound
	}
	return fn(k, v)
}

func hasPrefix(key, prefix []byte) bool {
	if len(key) < len(prefix) {
		return false
	}
	for i := range prefix {
		if key[i] != prefix[i] {
			return false
		}
	}
	return true
}

// upperBound returns the smallest byte slice that is strictly greater than
// every slice with the given prefix, or nil if prefix is all 0xFF bytes
// (meaning there is no finite upper bound; callers fall back to Last()).
func upperBound(prefix []byte) []byte {
	out := make([]byte, len(prefix))
	copy(out, prefix)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}
