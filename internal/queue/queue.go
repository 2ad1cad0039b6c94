// Package queue implements the durable, per-resource FIFO command queues
// spec §4.5 describes: userqueue (client commands) and synchronizerqueue
// (sync-originated commands). Grounded on original_source/common/
// messagequeue.{h,cpp} (MessageQueue: a single bbolt-like database keyed by
// a monotonic revision, an in-memory replayedRevision cursor, and batched
// removal of already-replayed entries) translated into the bbolt wrapper
// idiom internal/store establishes, the same way internal/entitystore does
// for the entity environment.
package queue

import (
	"errors"
	"fmt"

	"github.com/cuemby/sink/internal/keys"
	"github.com/cuemby/sink/internal/store"
)

// ErrNoMessageFound mirrors MessageQueue::ErrorCodes::NoMessageFound.
var ErrNoMessageFound = errors.New("queue: no message found")

const (
	bucketMessages = "messages"
	bucketMeta     = "meta"

	keyMaxRevision       = "maxRevision"
	keyReplayedRevision  = "replayedRevision"
	keyCleanedUpRevision = "cleanedUpRevision"
)

// BacklogWarningThreshold is the entry count past which enqueue/dequeue
// callers should log a backlog warning, spec §4.5.
const BacklogWarningThreshold = 500

// Queue is one durable FIFO command queue, backed by its own bbolt
// environment.
type Queue struct {
	env  *store.Env
	name string
}

// Open opens (creating if absent) the named queue database at path.
func Open(path, name string) (*Queue, error) {
	env, err := store.OpenEnv(path)
	if err != nil {
		return nil, fmt.Errorf("queue %s: %w", name, err)
	}
	return &Queue{env: env, name: name}, nil
}

// Name returns the queue's name ("userqueue"/"synchronizerqueue"), used as
// the priority-order and metric label.
func (q *Queue) Name() string { return q.name }

// Close releases the queue's underlying database handle.
func (q *Queue) Close() error { return q.env.Close() }

func (q *Queue) readUint(tx *store.Tx, key string) (keys.Revision, error) {
	b, err := tx.Bucket(bucketMeta)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	raw, err := b.Get([]byte(key))
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return keys.DecodeRevision(raw)
}

// messagesBucketOrNil returns the messages bucket, or nil if it does not
// yet exist on a read-only transaction (a queue that has never been
// written to). Callers treat a nil bucket as empty.
func messagesBucketOrNil(tx *store.Tx) (*store.Bucket, error) {
	b, err := tx.Bucket(bucketMessages)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return b, err
}

func (q *Queue) writeUint(tx *store.Tx, key string, rev keys.Revision) error {
	b, err := tx.Bucket(bucketMeta)
	if err != nil {
		return err
	}
	return b.Write([]byte(key), rev.EncodeBigEndian())
}

// Writer groups one or more Enqueue calls into a single committed
// transaction, spec's startTransaction()/commit().
type Writer struct {
	tx *store.Tx
	q  *Queue
}

// Update opens a write transaction and runs fn against a Writer scoped to
// it, committing atomically when fn returns nil.
func (q *Queue) Update(fn func(w *Writer) error) error {
	return q.env.Update(func(tx *store.Tx) error {
		return fn(&Writer{tx: tx, q: q})
	})
}

// Enqueue appends payload at maxRevision+1. Single writer, non-blocking
// with respect to readers.
func (w *Writer) Enqueue(payload []byte) (keys.Revision, error) {
	maxRev, err := w.q.readUint(w.tx, keyMaxRevision)
	if err != nil {
		return 0, err
	}
	rev := maxRev + 1

	b, err := w.tx.Bucket(bucketMessages)
	if err != nil {
		return 0, err
	}
	if err := b.Write(rev.EncodeBigEndian(), payload); err != nil {
		return 0, err
	}
	if err := w.q.writeUint(w.tx, keyMaxRevision, rev); err != nil {
		return 0, err
	}
	return rev, nil
}

// Entry is one dequeued queue item.
type Entry struct {
	Revision keys.Revision
	Payload  []byte
}

// DequeueBatch yields up to maxN entries strictly after the in-memory
// replayedRevision cursor (tracked durably in the meta bucket so restart is
// safe), in revision order. It does not advance the cursor itself — the
// caller advances it via AdvanceReplayed once its handler has applied the
// whole batch successfully, per spec's "advances replayedRevision only
// after the handler's future resolves successfully".
func (q *Queue) DequeueBatch(maxN int) ([]Entry, error) {
	var entries []Entry
	err := q.env.View(func(tx *store.Tx) error {
		replayed, err := q.readUint(tx, keyReplayedRevision)
		if err != nil {
			return err
		}
		b, err := messagesBucketOrNil(tx)
		if err != nil || b == nil {
			return err
		}
		start := (replayed + 1).EncodeBigEndian()
		return b.Scan(start, func(k, v []byte) error {
			if len(entries) >= maxN {
				return store.ErrStopScan
			}
			rev, decodeErr := keys.DecodeRevision(k)
			if decodeErr != nil {
				return decodeErr
			}
			entries = append(entries, Entry{Revision: rev, Payload: append([]byte(nil), v...)})
			return nil
		})
	})
	return entries, err
}

// AdvanceReplayed records that every entry up to and including rev has been
// successfully handled.
func (q *Queue) AdvanceReplayed(rev keys.Revision) error {
	return q.env.Update(func(tx *store.Tx) error {
		return q.writeUint(tx, keyReplayedRevision, rev)
	})
}

// ReplayedRevision returns the current replay cursor.
func (q *Queue) ReplayedRevision() (keys.Revision, error) {
	var rev keys.Revision
	err := q.env.View(func(tx *store.Tx) error {
		var err error
		rev, err = q.readUint(tx, keyReplayedRevision)
		return err
	})
	return rev, err
}

// IsEmpty reports whether every entry has been replayed (true iff no entry
// exists past replayedRevision).
func (q *Queue) IsEmpty() (bool, error) {
	var empty = true
	err := q.env.View(func(tx *store.Tx) error {
		replayed, err := q.readUint(tx, keyReplayedRevision)
		if err != nil {
			return err
		}
		b, err := messagesBucketOrNil(tx)
		if err != nil || b == nil {
			return err
		}
		return b.Scan((replayed+1).EncodeBigEndian(), func(k, v []byte) error {
			empty = false
			return store.ErrStopScan
		})
	})
	return empty, err
}

// Depth returns the number of entries still past replayedRevision, the
// value the resource loop feeds into the queue-depth metric and the
// BacklogWarningThreshold check.
func (q *Queue) Depth() (int, error) {
	depth := 0
	err := q.env.View(func(tx *store.Tx) error {
		replayed, err := q.readUint(tx, keyReplayedRevision)
		if err != nil {
			return err
		}
		b, err := messagesBucketOrNil(tx)
		if err != nil || b == nil {
			return err
		}
		return b.Scan((replayed+1).EncodeBigEndian(), func(k, v []byte) error {
			depth++
			return nil
		})
	})
	return depth, err
}

// CleanupReplayed physically deletes every entry up to and including the
// current replayedRevision and advances cleanedUpRevision accordingly, spec
// §4.5's batched removal of confirmed-replayed entries.
func (q *Queue) CleanupReplayed() error {
	return q.env.Update(func(tx *store.Tx) error {
		replayed, err := q.readUint(tx, keyReplayedRevision)
		if err != nil {
			return err
		}
		cleanedUpSoFar, err := q.readUint(tx, keyCleanedUpRevision)
		if err != nil {
			return err
		}
		if replayed <= cleanedUpSoFar {
			return nil
		}

		b, err := tx.Bucket(bucketMessages)
		if err != nil {
			return err
		}
		var toDelete [][]byte
		err = b.Scan((cleanedUpSoFar+1).EncodeBigEndian(), func(k, v []byte) error {
			rev, decodeErr := keys.DecodeRevision(k)
			if decodeErr != nil {
				return decodeErr
			}
			if rev > replayed {
				return store.ErrStopScan
			}
			toDelete = append(toDelete, append([]byte(nil), k...))
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Remove(k); err != nil {
				return err
			}
		}
		return q.writeUint(tx, keyCleanedUpRevision, replayed)
	})
}
