package query

import (
	"sync"

	"github.com/cuemby/sink/internal/domain"
	"github.com/cuemby/sink/internal/logx"
	"github.com/cuemby/sink/internal/metrics"
	"github.com/cuemby/sink/internal/notifier"
)

// Runner wraps a Compiled query with the background re-run/coalescing
// behavior spec §4.9's last paragraph describes: execute once (synchronously,
// in Start) to produce a snapshot, then on every RevisionUpdate
// notification re-run update(lastSeen); if a re-run is requested while one
// is already in flight, remember it and run exactly one more afterward
// instead of queueing an unbounded backlog. Grounded on
// original_source/common/queryrunner.{cpp,h}'s QueryRunner, whose
// KAsync::Job-chained re-run becomes an explicit mutex + "pending" flag
// guarding a single worker goroutine.
type Runner struct {
	compiled *Compiled
	sub      notifier.Subscriber
	broker   *notifier.Broker

	onUpdate func(ResultSet)

	mu      sync.Mutex
	running bool
	pending bool

	done chan struct{}
}

// NewRunner constructs a Runner over an already-Compile'd query. onUpdate
// is invoked with every subsequent non-empty incremental ResultSet (the client
// channel wires this to push REVISION-UPDATE frames, SPEC_FULL §6.1).
func NewRunner(compiled *Compiled, broker *notifier.Broker, onUpdate func(ResultSet)) *Runner {
	return &Runner{
		compiled: compiled,
		broker:   broker,
		onUpdate: onUpdate,
		done:     make(chan struct{}),
	}
}

// Start runs the initial execute() synchronously (returning its snapshot)
// and, if the underlying query is a live query, begins listening for
// RevisionUpdate notifications to drive incremental re-runs.
func (r *Runner) Start() (ResultSet, error) {
	timer := metrics.NewTimer()
	rs, err := r.compiled.Execute()
	timer.ObserveDurationVec(metrics.QueryLatency, "initial")
	if err != nil {
		return ResultSet{}, err
	}

	if r.compiled.query.LiveQuery && r.broker != nil {
		r.sub = r.broker.Subscribe()
		go r.listen()
	}
	return rs, nil
}

// Stop unsubscribes from the broker and halts the listener goroutine.
func (r *Runner) Stop() {
	close(r.done)
	if r.sub != nil {
		r.broker.Unsubscribe(r.sub)
	}
}

func (r *Runner) listen() {
	for {
		select {
		case n, ok := <-r.sub:
			if !ok {
				return
			}
			if n.Type != notifier.RevisionUpdate {
				continue
			}
			r.scheduleRerun()
		case <-r.done:
			return
		}
	}
}

// scheduleRerun implements the coalescing rule: if a re-run is already in
// flight, mark pending and return; the in-flight run will notice pending
// and loop once more before going idle.
func (r *Runner) scheduleRerun() {
	r.mu.Lock()
	if r.running {
		r.pending = true
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	go r.runLoop()
}

func (r *Runner) runLoop() {
	for {
		timer := metrics.NewTimer()
		rs, err := r.compiled.Update(0)
		timer.ObserveDurationVec(metrics.QueryLatency, "incremental")
		if err != nil {
			logx.WithComponent("query").Error().Err(err).Msg("incremental query update failed")
		} else if len(rs.Results) > 0 && r.onUpdate != nil {
			r.onUpdate(rs)
		}

		r.mu.Lock()
		if r.pending {
			r.pending = false
			r.mu.Unlock()
			continue
		}
		r.running = false
		r.mu.Unlock()
		return
	}
}

// ByIndex is a convenience constructor wiring BaseFilterIndexes from a
// registry's declared ValueIndexes, sparing callers from hand-matching
// property names to index descriptors. Unmatched properties fall back to
// full-table scan source selection.
func ByIndex(registry *domain.Registry, t domain.EntityType, q Query) Query {
	desc, ok := registry.Describe(t)
	if !ok {
		return q
	}
	q.BaseFilterIndexes = map[string]domain.IndexDescriptor{}
	for _, idx := range desc.ValueIndexes {
		q.BaseFilterIndexes[idx.Property] = idx
	}
	for _, idx := range desc.SortedIndexes {
		if idx.Property == q.Sort {
			i := idx
			q.SortIndex = &i
		}
	}
	return q
}
