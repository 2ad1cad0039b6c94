// Package synchronizer drives inbound sync and, by embedding
// internal/changereplay.Engine, outbound replay for one resource (spec
// §4.8: "Subclass of the change-replay engine plus an inbound sync
// front"). Grounded on original_source/common/synchronizer.{h,cpp}:
// Synchronizer there holds a RemoteIdMap for remote↔local id translation,
// exposes createEntity/modifyEntity/deleteEntity to the adapter-supplied
// synchronizeWithSource, and scanForRemovals to garbage-collect entities
// the source no longer reports. The KAsync::Job request pipeline becomes
// an explicit request queue drained by a goroutine, matching the same
// single-goroutine event-loop idiom internal/changereplay and
// internal/resource use.
package synchronizer

import (
	"context"
	"sync"

	"github.com/cuemby/sink/internal/changereplay"
	"github.com/cuemby/sink/internal/command"
	"github.com/cuemby/sink/internal/domain"
	"github.com/cuemby/sink/internal/entitystore"
	"github.com/cuemby/sink/internal/health"
	"github.com/cuemby/sink/internal/keys"
	"github.com/cuemby/sink/internal/logx"
	"github.com/cuemby/sink/internal/metrics"
	"github.com/cuemby/sink/internal/notifier"
	"github.com/cuemby/sink/internal/queue"
	"github.com/cuemby/sink/internal/store"
)

// Status is the small resource-status stack spec §4.8 describes.
type Status int

const (
	NoStatus Status = iota
	Connected
	Offline
	Busy
	SyncError
)

// AdapterError classifies errors an Adapter's SynchronizeWithSource can
// return, mapped to the Status transitions spec §4.8 fixes.
type AdapterError int

const (
	ErrNone AdapterError = iota
	ErrConnectionError
	ErrNoServerError
	ErrConnectionLostError
	ErrLoginError
	ErrConfigurationError
)

// State is the inbound-work state machine: Idle, Running one request, or
// PendingFlush(id) waiting for a flush in flight.
type State int

const (
	Idle State = iota
	Running
	PendingFlush
)

// RequestKind distinguishes the three SyncRequest variants spec §4.8 names.
type RequestKind int

const (
	RequestSynchronization RequestKind = iota
	RequestFlush
	RequestChangeReplay
)

// Request is one queued SyncRequest.
type Request struct {
	Kind      RequestKind
	Query     []byte          // RequestSynchronization
	FlushID   string          // RequestFlush
	FlushType command.FlushType
	// ParkedUnder names the flush id a ChangeReplay request (queued with
	// the RequestFlush option) is parked behind, resumed once that flush
	// completes.
	ParkedUnder string
}

func (r Request) equalsForDedup(o Request) bool {
	if r.Kind != o.Kind {
		return false
	}
	switch r.Kind {
	case RequestSynchronization:
		return string(r.Query) == string(o.Query)
	case RequestChangeReplay:
		return true
	default:
		return false
	}
}

// Ops is the write surface an Adapter's SynchronizeWithSource uses to
// append inbound changes to the synchronizerqueue, spec §4.8's
// createEntity/modifyEntity/deleteEntity.
type Ops struct {
	queue *queue.Queue
}

func (o *Ops) enqueue(id command.ID, body any) error {
	envelope, err := command.Encode(id, body)
	if err != nil {
		return err
	}
	return o.queue.Update(func(w *queue.Writer) error {
		_, err := w.Enqueue(envelope)
		return err
	})
}

// CreateEntity appends a Create command for a newly discovered remote
// entity.
func (o *Ops) CreateEntity(id keys.Identifier, t domain.EntityType, delta map[string][]byte) error {
	return o.enqueue(command.Create, command.CreateBody{EntityID: id, Type: t, Delta: delta, ReplayToSource: false})
}

// ModifyEntity appends a Modify command for a changed remote entity.
func (o *Ops) ModifyEntity(id keys.Identifier, t domain.EntityType, delta map[string][]byte, deletions []string) error {
	return o.enqueue(command.Modify, command.ModifyBody{EntityID: id, Type: t, Delta: delta, Deletions: deletions, ReplayToSource: false})
}

// DeleteEntity appends a Delete command for an entity the source no longer
// reports.
func (o *Ops) DeleteEntity(id keys.Identifier, t domain.EntityType) error {
	return o.enqueue(command.Delete, command.DeleteBody{EntityID: id, Type: t, ReplayToSource: false})
}

// Adapter is the source-specific inbound sync hook, spec §4.8's
// synchronizeWithSource.
type Adapter interface {
	SynchronizeWithSource(query []byte, ops *Ops) AdapterError
}

// Synchronizer drives inbound sync on top of the outbound change-replay
// engine it embeds.
type Synchronizer struct {
	*changereplay.Engine

	remoteIDs  *RemoteIDStore
	entities   *entitystore.EntityStore
	syncQueue  *queue.Queue
	adapter    Adapter
	prober     health.Prober
	broker     *notifier.Broker
	resourceID string

	mu           sync.Mutex
	state        State
	pendingFlush string
	queued       []Request
	parked       map[string][]Request

	statusStack []Status

	trigger chan struct{}
	done    chan struct{}
}

// New constructs a Synchronizer. syncEnv backs the remote-id map
// (`$id.synchronization`); entities and syncQueue are the resource's entity
// environment and synchronizerqueue.
func New(engine *changereplay.Engine, syncEnv *store.Env, entities *entitystore.EntityStore, syncQueue *queue.Queue, adapter Adapter, broker *notifier.Broker, resourceID string) *Synchronizer {
	return &Synchronizer{
		Engine:     engine,
		remoteIDs:  NewRemoteIDStore(syncEnv),
		entities:   entities,
		syncQueue:  syncQueue,
		adapter:    adapter,
		prober:     health.NoProbe,
		broker:     broker,
		resourceID: resourceID,
		parked:     make(map[string][]Request),
		trigger:    make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// SetProber installs the reachability check consulted before every
// Synchronization request (SPEC_FULL.md §4.8.2). Defaults to health.NoProbe.
func (s *Synchronizer) SetProber(p health.Prober) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prober = p
}

// Start begins the request-draining goroutine and the embedded
// change-replay engine.
func (s *Synchronizer) Start() {
	s.Engine.Start()
	go s.run()
}

// Stop halts both the request-draining goroutine and the embedded engine.
func (s *Synchronizer) Stop() {
	close(s.done)
	s.Engine.Stop()
}

// Synchronize enqueues one or more Synchronization requests, dedup'd
// against the current queue, spec §4.8's "Queueing rules".
func (s *Synchronizer) Synchronize(queryBytes []byte) error {
	s.enqueueRequest(Request{Kind: RequestSynchronization, Query: queryBytes})
	return nil
}

// FlushSynchronization implements the commandprocessor.Synchronizer
// interface: a FlushSynchronization request emits its FlushCompletion
// notification once every synchronizer request queued ahead of it has run.
// It does not wait for the commands those requests appended to the
// synchronizerqueue to be applied.
func (s *Synchronizer) FlushSynchronization(flushID string) error {
	s.enqueueRequest(Request{Kind: RequestFlush, FlushID: flushID, FlushType: command.FlushSynchronization})
	return nil
}

// RevisionChanged enqueues at most one ChangeReplay request, de-duplicated
// with any already queued, spec §4.8.
func (s *Synchronizer) RevisionChanged() {
	s.enqueueRequest(Request{Kind: RequestChangeReplay})
}

func (s *Synchronizer) enqueueRequest(req Request) {
	s.mu.Lock()
	if s.state == PendingFlush && req.Kind != RequestFlush {
		for _, existing := range s.parked[s.pendingFlush] {
			if existing.equalsForDedup(req) {
				s.mu.Unlock()
				return
			}
		}
		req.ParkedUnder = s.pendingFlush
		s.parked[s.pendingFlush] = append(s.parked[s.pendingFlush], req)
		s.logf("request parked behind pending flush " + s.pendingFlush)
		s.mu.Unlock()
		return
	}
	for _, existing := range s.queued {
		if existing.equalsForDedup(req) {
			s.mu.Unlock()
			return
		}
	}
	s.queued = append(s.queued, req)
	s.mu.Unlock()

	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Abort clears the queue, completes any parked flushes with a completion
// notification so waiters unblock, and resets the state to Idle. A request
// already in flight is not cancelled; it runs to completion. Spec §4.8
// `abort()`.
func (s *Synchronizer) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = nil
	for flushID, parkedRequests := range s.parked {
		_ = parkedRequests
		s.emitFlushCompletion(flushID)
	}
	s.parked = make(map[string][]Request)
	s.state = Idle
}

func (s *Synchronizer) run() {
	for {
		select {
		case <-s.trigger:
			s.drainQueue()
		case <-s.done:
			return
		}
	}
}

func (s *Synchronizer) drainQueue() {
	for {
		req, ok := s.nextRequest()
		if !ok {
			return
		}
		s.execute(req)
	}
}

func (s *Synchronizer) nextRequest() (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == PendingFlush {
		return Request{}, false
	}
	if len(s.queued) == 0 {
		return Request{}, false
	}
	req := s.queued[0]
	s.queued = s.queued[1:]
	s.state = Running
	return req, true
}

func (s *Synchronizer) finishRequest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Running {
		s.state = Idle
	}
}

func (s *Synchronizer) execute(req Request) {
	switch req.Kind {
	case RequestSynchronization:
		s.runSynchronization(req.Query)
		s.finishRequest()
	case RequestChangeReplay:
		s.Engine.RevisionChanged()
		s.finishRequest()
	case RequestFlush:
		s.runFlush(req)
	}
}

// runFlush parks any request queued while the flush is in flight (spec
// §4.8: a ChangeReplay queued under a FlushReplayQueue flush waits for the
// flush to complete), then resumes whatever was parked once it does.
func (s *Synchronizer) runFlush(req Request) {
	s.mu.Lock()
	s.state = PendingFlush
	s.pendingFlush = req.FlushID
	s.mu.Unlock()

	switch req.FlushType {
	case command.FlushSynchronization:
		s.emitFlushCompletion(req.FlushID)
	}

	s.mu.Lock()
	resumed := s.parked[req.FlushID]
	delete(s.parked, req.FlushID)
	s.queued = append(resumed, s.queued...)
	s.pendingFlush = ""
	s.state = Idle
	s.mu.Unlock()

	if len(resumed) > 0 {
		select {
		case s.trigger <- struct{}{}:
		default:
		}
	}
}

// runSynchronization implements spec §4.8's execution of a Synchronization
// request: push Busy, invoke the adapter, pop Busy, emit a Status
// notification reflecting success/failure.
func (s *Synchronizer) runSynchronization(query []byte) {
	if s.adapter == nil {
		return
	}

	s.mu.Lock()
	prober := s.prober
	s.mu.Unlock()
	if prober != nil && !prober.Probe(context.Background()) {
		s.setStatus(Offline)
		return
	}

	s.pushStatus(Busy)
	timer := metrics.NewTimer()

	adapterErr := s.adapter.SynchronizeWithSource(query, &Ops{queue: s.syncQueue})

	timer.ObserveDuration(metrics.SynchronizationDuration)
	s.popStatus()

	switch adapterErr {
	case ErrNone:
		s.setStatus(Connected)
	case ErrConnectionError, ErrNoServerError, ErrConnectionLostError:
		s.setStatus(Offline)
	case ErrLoginError, ErrConfigurationError:
		s.setStatus(SyncError)
	}

	s.Engine.RevisionChanged()
}

func (s *Synchronizer) pushStatus(st Status) {
	s.mu.Lock()
	s.statusStack = append(s.statusStack, st)
	s.mu.Unlock()
	s.emitStatus(st)
}

func (s *Synchronizer) popStatus() {
	s.mu.Lock()
	if len(s.statusStack) > 0 {
		s.statusStack = s.statusStack[:len(s.statusStack)-1]
	}
	s.mu.Unlock()
}

func (s *Synchronizer) setStatus(st Status) {
	s.mu.Lock()
	if len(s.statusStack) == 0 {
		s.statusStack = []Status{st}
	} else {
		s.statusStack[len(s.statusStack)-1] = st
	}
	s.mu.Unlock()
	s.emitStatus(st)
}

// CurrentStatus returns the top of the status stack, or NoStatus if empty.
func (s *Synchronizer) CurrentStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.statusStack) == 0 {
		return NoStatus
	}
	return s.statusStack[len(s.statusStack)-1]
}

func (s *Synchronizer) emitStatus(st Status) {
	metrics.ResourceStatus.WithLabelValues(s.resourceID).Set(float64(st))
	if s.broker == nil {
		return
	}
	s.broker.Publish(notifier.Notification{Type: notifier.Status, Code: statusToCode(st), ID: s.resourceID})
}

func (s *Synchronizer) emitFlushCompletion(flushID string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(notifier.Notification{Type: notifier.FlushCompletion, ID: flushID})
}

func statusToCode(st Status) notifier.Code {
	switch st {
	case Offline:
		return notifier.CodeConnectionError
	case SyncError:
		return notifier.CodeLoginError
	default:
		return notifier.CodeNone
	}
}

// ScanForRemovals iterates every local entity of type t, looks up its
// remote id, calls exists(remoteId), and enqueues a Delete command for
// every id the adapter reports as gone. Spec §4.8 `scanForRemovals`.
func (s *Synchronizer) ScanForRemovals(t domain.EntityType, exists func(remoteID []byte) bool) error {
	var toDelete []keys.Identifier
	err := s.entities.View(func(r *entitystore.Reader) error {
		return r.ReadAllUids(t, func(id keys.Identifier) error {
			remoteID, found, err := s.remoteIDs.LocalToRemote(t, id)
			if err != nil {
				return err
			}
			if !found {
				return nil
			}
			if !exists(remoteID) {
				toDelete = append(toDelete, id)
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	ops := &Ops{queue: s.syncQueue}
	for _, id := range toDelete {
		if err := ops.DeleteEntity(id, t); err != nil {
			return err
		}
		if err := s.remoteIDs.Remove(t, id); err != nil {
			return err
		}
	}
	return nil
}

// MergeCriterion is an equality comparator used by CreateOrModify to find
// a local entity that should absorb a newly-seen remote id instead of
// creating a duplicate, spec §4.8 "Merge on create".
type MergeCriterion struct {
	Property domain.IndexDescriptor
	Value    []byte
}

// CreateOrModify implements spec §4.8's createOrModify algorithm: if
// remoteId is already mapped, enqueue a Modify; otherwise, if mergeCriteria
// matches an existing local entity via a value index lookup, record the
// new remote id against it instead of creating a duplicate; otherwise
// enqueue a Create and record the new mapping.
func (s *Synchronizer) CreateOrModify(t domain.EntityType, remoteID []byte, delta map[string][]byte, mergeCriteria []MergeCriterion) error {
	ops := &Ops{queue: s.syncQueue}

	localID, found, err := s.remoteIDs.ResolveRemoteID(t, remoteID, false)
	if err != nil {
		return err
	}
	if found {
		return ops.ModifyEntity(localID, t, delta, nil)
	}

	for _, crit := range mergeCriteria {
		var matched keys.Identifier
		var ok bool
		err := s.entities.View(func(r *entitystore.Reader) error {
			ids, err := r.ValueIndexLookup(t, crit.Property, crit.Value)
			if err != nil {
				return err
			}
			if len(ids) > 0 {
				matched = ids[0]
				ok = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		if ok {
			return s.remoteIDs.Record(t, remoteID, matched)
		}
	}

	localID, err = s.remoteIDs.ResolveRemoteID(t, remoteID, true)
	if err != nil {
		return err
	}
	return ops.CreateEntity(localID, t, delta)
}

// logf is a tiny internal helper kept for the one debug line this package
// emits when a request is parked behind a pending flush.
func (s *Synchronizer) logf(msg string) {
	logx.WithResourceID("synchronizer", s.resourceID).Debug().Msg(msg)
}
