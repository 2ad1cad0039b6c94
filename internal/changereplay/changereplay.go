// Package changereplay drives outbound replay for exactly the entity
// environment of one resource (spec §4.7). Grounded on
// original_source/common/changereplay.{h,cpp}: ChangeReplay keeps
// lastReplayedRevision in its own small durable store and an in-memory
// replayInProgress flag, triggered by revisionChanged and tail-calling
// itself via replayNextRevision until caught up with maxRevision. The
// signal/slot pair (revisionChanged → replayNextRevision) becomes an
// explicit trigger channel drained by a goroutine, in the same "stdlib
// channel instead of an event-loop framework" idiom pkg/reconciler.go uses
// for its ticker-driven loop — except here the trigger is edge-driven (a
// commit), not time-driven.
package changereplay

import (
	"errors"

	"github.com/cuemby/sink/internal/domain"
	"github.com/cuemby/sink/internal/entitybuffer"
	"github.com/cuemby/sink/internal/entitystore"
	"github.com/cuemby/sink/internal/keys"
	"github.com/cuemby/sink/internal/logx"
	"github.com/cuemby/sink/internal/metrics"
	"github.com/cuemby/sink/internal/notifier"
	"github.com/cuemby/sink/internal/store"
)

// ErrTransient marks a replay failure the engine should retry later without
// advancing lastReplayedRevision (network/server errors, spec §4.7).
var ErrTransient = errors.New("changereplay: transient failure")

const bucketChangeReplay = "changereplay"

const keyLastReplayedRevision = "lastReplayedRevision"

// Replayer is the subclass hook spec §4.7 calls `replay`: push one
// revision's entity to the remote source. Returning an error wrapping
// ErrTransient halts replay without advancing; any other error is treated
// as permanent (logged and skipped, the engine advances past it).
type Replayer interface {
	Replay(t domain.EntityType, k keys.Key, buf entitybuffer.Buffer) error
	// CanReplay reports whether a source-originated revision
	// (ReplayToSource=false) should be pushed back to the source at all.
	// The engine consults this per revision; when false it advances via
	// NotReplaying instead of calling Replay.
	CanReplay(t domain.EntityType, k keys.Key, buf entitybuffer.Buffer) bool
	// NotReplaying is called instead of Replay for a revision CanReplay
	// rejected, giving the subclass a chance to do remote-id bookkeeping
	// (e.g. forgetting a remote id on a tombstone) without pushing data.
	NotReplaying(t domain.EntityType, k keys.Key, buf entitybuffer.Buffer) error
}

// Engine tracks lastReplayedRevision for one resource and drives Replayer
// against every committed revision in order.
type Engine struct {
	env        *store.Env
	entities   *entitystore.EntityStore
	replayer   Replayer
	broker     *notifier.Broker
	resourceID string

	trigger chan struct{}
	done    chan struct{}

	replayInProgress bool
}

// New constructs an Engine. env is the small durable store backing
// lastReplayedRevision (spec's `$id.changereplay`); entities is the
// resource's entity environment being replayed.
func New(env *store.Env, entities *entitystore.EntityStore, replayer Replayer, broker *notifier.Broker, resourceID string) *Engine {
	return &Engine{
		env:        env,
		entities:   entities,
		replayer:   replayer,
		broker:     broker,
		resourceID: resourceID,
		trigger:    make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Start begins the engine's trigger-draining goroutine.
func (e *Engine) Start() {
	go e.run()
}

// Stop halts the trigger-draining goroutine.
func (e *Engine) Stop() {
	close(e.done)
}

// RevisionChanged signals that the pipeline committed a new revision; spec
// §4.7 `revisionChanged()`. Non-blocking — multiple signals before the
// engine drains collapse into one wakeup, since replayNextRevision always
// runs to exhaustion against the current maxRevision before going idle.
func (e *Engine) RevisionChanged() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

func (e *Engine) run() {
	for {
		select {
		case <-e.trigger:
			e.replayNextRevision()
		case <-e.done:
			return
		}
	}
}

// GetLastReplayedRevision returns the durably recorded replay cursor.
func (e *Engine) GetLastReplayedRevision() (keys.Revision, error) {
	var rev keys.Revision
	err := e.env.View(func(tx *store.Tx) error {
		b, err := tx.Bucket(bucketChangeReplay)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := b.Get([]byte(keyLastReplayedRevision))
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		rev, err = keys.DecodeRevision(raw)
		return err
	})
	return rev, err
}

func (e *Engine) writeLastReplayedRevision(rev keys.Revision) error {
	return e.env.Update(func(tx *store.Tx) error {
		b, err := tx.Bucket(bucketChangeReplay)
		if err != nil {
			return err
		}
		return b.Write([]byte(keyLastReplayedRevision), rev.EncodeBigEndian())
	})
}

// AllChangesReplayed reports whether lastReplayedRevision has caught up
// with the entity store's maxRevision.
func (e *Engine) AllChangesReplayed() (bool, error) {
	last, err := e.GetLastReplayedRevision()
	if err != nil {
		return false, err
	}
	var maxRev keys.Revision
	err = e.entities.View(func(r *entitystore.Reader) error {
		var err error
		maxRev, err = r.MaxRevision()
		return err
	})
	if err != nil {
		return false, err
	}
	return last >= maxRev, nil
}

// replayNextRevision implements spec §4.7's loop: read lastReplayedRevision,
// if caught up emit changesReplayed and stop; otherwise look up the next
// revision's type/id, read its entity, and call the Replayer hook. On
// success it advances and tail-calls itself; on failure it stops without
// advancing and waits for the next RevisionChanged.
func (e *Engine) replayNextRevision() {
	if e.replayInProgress {
		return
	}
	e.replayInProgress = true
	defer func() { e.replayInProgress = false }()

	for {
		last, err := e.GetLastReplayedRevision()
		if err != nil {
			logx.WithComponent("changereplay").Error().Err(err).Msg("failed to read lastReplayedRevision")
			return
		}

		var maxRev keys.Revision
		err = e.entities.View(func(r *entitystore.Reader) error {
			var err error
			maxRev, err = r.MaxRevision()
			return err
		})
		if err != nil {
			logx.WithComponent("changereplay").Error().Err(err).Msg("failed to read maxRevision")
			return
		}

		if maxRev > last {
			metrics.ReplayLag.WithLabelValues(e.resourceID).Set(float64(maxRev - last))
		} else {
			metrics.ReplayLag.WithLabelValues(e.resourceID).Set(0)
		}

		if last >= maxRev {
			e.emitChangesReplayed()
			return
		}

		next := last + 1
		if !e.replayOne(next) {
			return
		}
	}
}

// replayOne attempts to replay a single revision. Returns true if the
// engine should continue on to the next revision, false if it should stop
// (transient failure, or a lookup error).
func (e *Engine) replayOne(rev keys.Revision) bool {
	var t domain.EntityType
	var id keys.Identifier
	var found bool

	err := e.entities.View(func(r *entitystore.Reader) error {
		var err error
		t, id, found, err = r.ResolveRevision(rev)
		return err
	})
	if err != nil {
		logx.WithComponent("changereplay").Error().Err(err).Uint64("revision", uint64(rev)).Msg("failed to resolve revision")
		return false
	}
	if !found {
		logx.WithComponent("changereplay").Warn().Uint64("revision", uint64(rev)).Msg("revision has no recorded type/id, skipping")
		return e.advance(rev)
	}

	var buf entitybuffer.Buffer
	err = e.entities.View(func(r *entitystore.Reader) error {
		return r.ReadEntity(t, keys.Key{ID: id, Rev: rev}, func(b entitybuffer.Buffer) error {
			buf = b
			return nil
		})
	})
	if err != nil {
		logx.WithComponent("changereplay").Error().Err(err).Msg("failed to read entity for replay")
		return false
	}

	k := keys.Key{ID: id, Rev: rev}
	if !e.replayer.CanReplay(t, k, buf) {
		if err := e.replayer.NotReplaying(t, k, buf); err != nil {
			logx.WithComponent("changereplay").Warn().Err(err).Msg("notReplaying hook failed")
		}
		return e.advance(rev)
	}

	replayErr := e.replayer.Replay(t, k, buf)
	if replayErr != nil {
		if errors.Is(replayErr, ErrTransient) {
			metrics.ReplayAttemptsTotal.WithLabelValues("transient_failure").Inc()
			return false
		}
		metrics.ReplayAttemptsTotal.WithLabelValues("permanent_failure").Inc()
		logx.WithComponent("changereplay").Warn().Err(replayErr).Msg("permanent replay failure, skipping revision")
		return e.advance(rev)
	}

	metrics.ReplayAttemptsTotal.WithLabelValues("success").Inc()
	return e.advance(rev)
}

func (e *Engine) advance(rev keys.Revision) bool {
	if err := e.writeLastReplayedRevision(rev); err != nil {
		logx.WithComponent("changereplay").Error().Err(err).Msg("failed to persist lastReplayedRevision")
		return false
	}
	return true
}

func (e *Engine) emitChangesReplayed() {
	if e.broker == nil {
		return
	}
	e.broker.Publish(notifier.Notification{
		Type: notifier.Status,
		ID:   e.resourceID,
	})
}
