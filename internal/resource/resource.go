// Package resource wires every other internal/* package into the single
// long-lived process one Sink resource (account) runs, and realizes the
// cooperative single-threaded event loop spec.md §5/§9 describes: one
// goroutine owns every mutation, reached only by posting a closure onto a
// work channel instead of taking a lock. Grounded on the teacher's
// pkg/manager/manager.go Config/NewManager wiring shape (open the stores,
// construct each component in dependency order, hand the result back as
// one struct) and, for the loop itself, the "goroutine reading one
// chan func()" idiom internal/changereplay and internal/synchronizer
// already establish at smaller scale.
package resource

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cuemby/sink/internal/changereplay"
	"github.com/cuemby/sink/internal/channel"
	"github.com/cuemby/sink/internal/command"
	"github.com/cuemby/sink/internal/commandprocessor"
	"github.com/cuemby/sink/internal/domain"
	"github.com/cuemby/sink/internal/entitybuffer"
	"github.com/cuemby/sink/internal/entitystore"
	"github.com/cuemby/sink/internal/health"
	"github.com/cuemby/sink/internal/keys"
	"github.com/cuemby/sink/internal/logx"
	"github.com/cuemby/sink/internal/metrics"
	"github.com/cuemby/sink/internal/notifier"
	"github.com/cuemby/sink/internal/pipeline"
	"github.com/cuemby/sink/internal/query"
	"github.com/cuemby/sink/internal/queue"
	"github.com/cuemby/sink/internal/secretvault"
	"github.com/cuemby/sink/internal/store"
	"github.com/cuemby/sink/internal/synchronizer"
)

// Adapter is the full source-specific hook set a resource instance needs:
// the inbound sync hook (synchronizer.Adapter) plus the outbound replay
// hook (changereplay.Replayer). A concrete per-protocol adapter (IMAP,
// CardDAV, ...) implements both against the same remote connection.
type Adapter interface {
	synchronizer.Adapter
	changereplay.Replayer
}

// noopAdapter is installed when a resource type has no sync source (e.g.
// SinkResource/SinkAccount/Identity, spec §4.3.1's local-only types):
// SynchronizeWithSource never runs (Synchronizer already no-ops without a
// Synchronize call), and every committed revision is treated as
// not-to-be-replayed.
type noopAdapter struct{}

func (noopAdapter) SynchronizeWithSource([]byte, *synchronizer.Ops) synchronizer.AdapterError {
	return synchronizer.ErrNone
}
func (noopAdapter) Replay(domain.EntityType, keys.Key, entitybuffer.Buffer) error { return nil }
func (noopAdapter) CanReplay(domain.EntityType, keys.Key, entitybuffer.Buffer) bool { return false }
func (noopAdapter) NotReplaying(domain.EntityType, keys.Key, entitybuffer.Buffer) error {
	return nil
}

// LatestDatabaseVersion is spec.md §6's LATEST_DATABASE_VERSION: the schema
// version this build expects. Bump it whenever an on-disk layout change
// means existing environments can no longer be read as-is; Open wipes and
// recreates all five environments rather than migrating in place, since
// Sink has no schema-migration concept.
const LatestDatabaseVersion = 1

// Config describes one resource instance, matching internal/config.Spec
// plus the wiring bits a YAML descriptor doesn't carry directly (the
// Adapter and Prober implementations are Go values, not config).
type Config struct {
	ResourceType domain.EntityType
	InstanceID   string
	DataDir      string
	Registry     *domain.Registry
	Adapter      Adapter // nil uses a no-op (local-only resource)
	Prober       health.Prober
}

// Resource is one running resource process: every store, queue, and
// component SPEC_FULL.md §2's package table names, wired together, plus
// the single work-queue goroutine that serializes all mutation.
type Resource struct {
	cfg      Config
	identity string

	mainEnv         *store.Env
	changeReplayEnv *store.Env
	syncEnv         *store.Env
	userQueue       *queue.Queue
	syncQueue       *queue.Queue

	entities     *entitystore.EntityStore
	pipeline     *pipeline.Pipeline
	processor    *commandprocessor.Processor
	changeReplay *changereplay.Engine
	sync         *synchronizer.Synchronizer
	vault        *secretvault.Vault
	broker       *notifier.Broker

	work     chan func()
	done     chan struct{}
	stopOnce sync.Once
}

// EnvPaths returns the five sibling environment paths spec.md §6 names
// under dataDir, in a fixed order ClearEnvironments/Open both rely on.
// Exported so cmd/sink-migrate can operate on the same on-disk layout
// without duplicating the list of names.
func EnvPaths(dataDir string) [5]string {
	return [5]string{
		filepath.Join(dataDir, "main"),
		filepath.Join(dataDir, "userqueue"),
		filepath.Join(dataDir, "synchronizerqueue"),
		filepath.Join(dataDir, "changereplay"),
		filepath.Join(dataDir, "synchronization"),
	}
}

// ClearEnvironments drops the cached handle for and deletes all five
// on-disk environments under dataDir, spec §6's wipe-and-recreate and
// §4.10's REMOVE-FROM-DISK.
func ClearEnvironments(dataDir string) error {
	for _, path := range EnvPaths(dataDir) {
		if err := store.ClearEnv(path); err != nil {
			return err
		}
	}
	return nil
}

// Open creates (or reopens) the five sibling environments spec.md §6 names
// under cfg.DataDir ("main", "userqueue", "synchronizerqueue",
// "changereplay", "synchronization") and wires every component over them.
// If the on-disk databaseVersion is older than LatestDatabaseVersion, all
// five environments are wiped and recreated before wiring (spec §6); a
// brand new resource (version 0, never written) is treated as already
// current and simply stamped with LatestDatabaseVersion. It does not start
// the event loop; call Start for that.
func Open(cfg Config) (*Resource, error) {
	if cfg.Registry == nil {
		cfg.Registry = domain.NewRegistry()
	}

	if stale, err := needsWipe(cfg.DataDir); err != nil {
		return nil, err
	} else if stale {
		if err := ClearEnvironments(cfg.DataDir); err != nil {
			return nil, fmt.Errorf("resource: wiping stale environments: %w", err)
		}
	}

	return wire(cfg)
}

// needsWipe opens just the main environment to read its recorded
// databaseVersion, closing nothing (OpenEnv handles are process-cached and
// reused by the real wiring below).
func needsWipe(dataDir string) (bool, error) {
	mainEnv, err := store.OpenEnv(filepath.Join(dataDir, "main"))
	if err != nil {
		return false, err
	}
	entities := entitystore.New(mainEnv, domain.NewRegistry())

	var version int
	err = entities.View(func(r *entitystore.Reader) error {
		v, err := r.DatabaseVersion()
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		version = v
		return nil
	})
	if err != nil {
		return false, err
	}
	return version != 0 && version < LatestDatabaseVersion, nil
}

func wire(cfg Config) (*Resource, error) {
	identity := fmt.Sprintf("%s/%s", cfg.ResourceType, cfg.InstanceID)

	mainEnv, err := store.OpenEnv(filepath.Join(cfg.DataDir, "main"))
	if err != nil {
		return nil, err
	}
	changeReplayEnv, err := store.OpenEnv(filepath.Join(cfg.DataDir, "changereplay"))
	if err != nil {
		return nil, err
	}
	syncEnv, err := store.OpenEnv(filepath.Join(cfg.DataDir, "synchronization"))
	if err != nil {
		return nil, err
	}
	userQueue, err := queue.Open(filepath.Join(cfg.DataDir, "userqueue"), "userqueue")
	if err != nil {
		return nil, err
	}
	syncQueue, err := queue.Open(filepath.Join(cfg.DataDir, "synchronizerqueue"), "synchronizerqueue")
	if err != nil {
		return nil, err
	}

	entities := entitystore.New(mainEnv, cfg.Registry)
	if err := entities.WriteDatabaseVersion(LatestDatabaseVersion); err != nil {
		return nil, fmt.Errorf("resource: stamping database version: %w", err)
	}
	broker := notifier.NewBroker()
	vault := secretvault.New(syncEnv, identity)

	adapter := cfg.Adapter
	if adapter == nil {
		adapter = noopAdapter{}
	}

	pl := pipeline.New(entities, cfg.Registry, broker, identity)
	processor := commandprocessor.New(pl, entities, userQueue, syncQueue, broker, identity)
	engine := changereplay.New(changeReplayEnv, entities, adapter, broker, identity)
	sync := synchronizer.New(engine, syncEnv, entities, syncQueue, adapter, broker, identity)
	if cfg.Prober != nil {
		sync.SetProber(cfg.Prober)
	}
	processor.SetSynchronizer(sync)

	return &Resource{
		cfg:             cfg,
		identity:        identity,
		mainEnv:         mainEnv,
		changeReplayEnv: changeReplayEnv,
		syncEnv:         syncEnv,
		userQueue:       userQueue,
		syncQueue:       syncQueue,
		entities:        entities,
		pipeline:        pl,
		processor:       processor,
		changeReplay:    engine,
		sync:            sync,
		vault:           vault,
		broker:          broker,
		work:            make(chan func()),
		done:            make(chan struct{}),
	}, nil
}

// Start begins the broker, the embedded change-replay/synchronizer
// goroutines, and this resource's own work-queue loop.
func (r *Resource) Start() {
	r.broker.Start()
	r.sync.Start()
	go r.loop()
}

// Stop halts the work-queue loop and every component it owns, in reverse
// wiring order. Safe to call more than once (HandleShutdown,
// HandleRemoveFromDisk, and HandleUpgrade each call it, and a supervising
// process typically does too on exit).
func (r *Resource) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.sync.Stop()
		r.broker.Stop()
	})
}

// loop is the single goroutine that owns every mutation spec §5 requires
// serialized; posting a closure here is this package's substitute for a
// mutex.
func (r *Resource) loop() {
	for {
		select {
		case fn := <-r.work:
			fn()
		case <-r.done:
			return
		}
	}
}

// post runs fn on the event loop and blocks until it returns, giving
// callers (the channel.Session dispatch goroutine) a synchronous call
// convention over the serialized loop.
func (r *Resource) post(fn func() error) error {
	resultCh := make(chan error, 1)
	select {
	case r.work <- func() { resultCh <- fn() }:
	case <-r.done:
		return fmt.Errorf("resource: %s is stopped", r.identity)
	}
	select {
	case err := <-resultCh:
		return err
	case <-r.done:
		return fmt.Errorf("resource: %s is stopped", r.identity)
	}
}

// Registry returns the type registry this resource's entity store was
// opened against, for callers (query compilation) that need it.
func (r *Resource) Registry() *domain.Registry { return r.cfg.Registry }

// Entities returns the entity store, for read-only query compilation.
func (r *Resource) Entities() *entitystore.EntityStore { return r.entities }

// Broker returns the notification broker client sessions subscribe to.
func (r *Resource) Broker() *notifier.Broker { return r.broker }

// CompileQuery compiles q against this resource's store and registry,
// ready for Execute/Update or wrapping in a query.Runner.
func (r *Resource) CompileQuery(q query.Query) *query.Compiled {
	return query.Compile(r.entities, r.cfg.Registry, q)
}

// enqueueAndDrain appends a pre-encoded command envelope to the userqueue
// and runs it through the pipeline before returning, giving
// HandleCreate/Modify/Delete the "completion only after commit" semantics
// spec.md §4.10 requires.
func (r *Resource) enqueueAndDrain(body []byte) error {
	return r.post(func() error {
		if _, err := enqueueRaw(r.userQueue, body); err != nil {
			return err
		}
		if depth, err := r.userQueue.Depth(); err == nil {
			metrics.QueueDepth.WithLabelValues(r.userQueue.Name()).Set(float64(depth))
			if depth > queue.BacklogWarningThreshold {
				logx.WithResourceID("resource", r.identity).Warn().Int("depth", depth).Msg("userqueue backlog above warning threshold")
			}
		}
		return r.processor.ProcessAllMessages()
	})
}

func enqueueRaw(q *queue.Queue, body []byte) (bool, error) {
	var ok bool
	err := q.Update(func(w *queue.Writer) error {
		_, err := w.Enqueue(body)
		ok = err == nil
		return err
	})
	return ok, err
}

// HandleHandshake implements channel.Handler; the session itself owns any
// per-connection bookkeeping the name is used for, so this is a no-op hook
// a future auth/ACL layer can extend.
func (r *Resource) HandleHandshake(name string) error {
	logx.WithResourceID("resource", r.identity).Debug().Str("client", name).Msg("client handshake")
	return nil
}

// HandleSecret persists the client-supplied adapter credential, encrypted
// at rest (SPEC_FULL.md §4.8.1).
func (r *Resource) HandleSecret(secret []byte) error {
	return r.vault.Put(secret)
}

// HandleCreate enqueues and drains a CREATE command envelope.
func (r *Resource) HandleCreate(_ string, body []byte) error { return r.enqueueAndDrain(body) }

// HandleModify enqueues and drains a MODIFY command envelope.
func (r *Resource) HandleModify(_ string, body []byte) error { return r.enqueueAndDrain(body) }

// HandleDelete enqueues and drains a DELETE command envelope.
func (r *Resource) HandleDelete(_ string, body []byte) error { return r.enqueueAndDrain(body) }

// HandleSynchronize forwards a SYNCHRONIZE request to the synchronizer.
func (r *Resource) HandleSynchronize(queryBytes []byte) error {
	return r.sync.Synchronize(queryBytes)
}

// HandleFlush forwards a FLUSH request, dispatching on its barrier type:
// FlushReplayQueue drains the command queues synchronously on the event
// loop, FlushSynchronization is handed to the synchronizer (spec §4.6).
func (r *Resource) HandleFlush(id string, flushType uint8) error {
	if command.FlushType(flushType) == command.FlushReplayQueue {
		return r.post(func() error { return r.processor.ProcessAllMessages() })
	}
	return r.sync.FlushSynchronization(id)
}

// HandleAbortSynchronization cancels queued/parked synchronizer work.
func (r *Resource) HandleAbortSynchronization() error {
	r.sync.Abort()
	return nil
}

// HandleInspection is a seam for adapter-defined inspection commands;
// resource itself has no generic inspection behavior, so it reports
// failure rather than silently succeeding.
func (r *Resource) HandleInspection(body []byte) (channel.CommandCompletionPayload, error) {
	return channel.CommandCompletionPayload{Success: false}, fmt.Errorf("resource: no inspector configured")
}

// HandleRevisionReplayed is informational only; the server already tracks
// its own lastReplayedRevision independent of client acknowledgement.
func (r *Resource) HandleRevisionReplayed(uint64) error { return nil }

// HandleShutdown stops the resource process's components. It does not make
// cmd/sinkresource's main exit; that waits for a signal or a channel server
// error.
func (r *Resource) HandleShutdown() error {
	r.Stop()
	return nil
}

// HandleRemoveFromDisk clears cached environment handles and deletes all
// five on-disk environments, spec §4.10's REMOVE-FROM-DISK.
func (r *Resource) HandleRemoveFromDisk() error {
	r.Stop()
	return ClearEnvironments(r.cfg.DataDir)
}

// HandleUpgrade is the client-triggerable counterpart to the automatic
// database-version wipe spec.md §6 describes at startup; it simply stops
// the resource so a supervising process can restart it against the new
// version (the actual wipe-and-recreate runs at Open/startup time, not
// here).
func (r *Resource) HandleUpgrade() error {
	r.Stop()
	return nil
}
