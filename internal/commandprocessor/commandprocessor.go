// Package commandprocessor drives the pipeline from the two durable
// command queues in priority order (spec §4.6). Grounded on
// original_source/common/commandprocessor.{h,cpp}: CommandProcessor there
// holds mUserQueue/mSynchronizerQueue in an ordered mCommandQueues list,
// guards its process loop with mProcessingLock, and force-commits every N
// commands. Here that loop is an explicit goroutine driven by a work
// channel instead of QTimer/KAsync::Job, following the single-goroutine
// event-loop idiom internal/resource establishes for the whole process.
package commandprocessor

import (
	"fmt"

	"github.com/cuemby/sink/internal/command"
	"github.com/cuemby/sink/internal/entitystore"
	"github.com/cuemby/sink/internal/keys"
	"github.com/cuemby/sink/internal/logx"
	"github.com/cuemby/sink/internal/metrics"
	"github.com/cuemby/sink/internal/notifier"
	"github.com/cuemby/sink/internal/pipeline"
	"github.com/cuemby/sink/internal/queue"
)

// BatchSize is the maximum number of entries pulled from one queue per
// pipeline transaction, spec §4.6 step 2.
const BatchSize = 100

// ForceCommitEvery caps how many commands a coalesced client-facing
// transaction may batch before it is committed regardless of the idle
// timer, spec §4.6 step 5.
const ForceCommitEvery = 100

// Inspector runs an Inspection command against the entity store. The
// concrete adapter-specific implementation lives with each resource type;
// this package only defines the seam.
type Inspector interface {
	Inspect(inspectionType string, entityID keys.Identifier) error
}

// Synchronizer is the subset of internal/synchronizer.Synchronizer the
// processor needs to forward FlushSynchronization and Synchronize commands
// to, without importing that package directly (it imports this one).
type Synchronizer interface {
	Synchronize(queryBytes []byte) error
	FlushSynchronization(flushID string) error
}

// Processor holds the two durable command queues in priority order and
// drives the pipeline from them.
type Processor struct {
	pipeline   *pipeline.Pipeline
	store      *entitystore.EntityStore
	queues     []*queue.Queue // priority order: userqueue, then synchronizerqueue
	broker     *notifier.Broker
	inspector  Inspector
	sync       Synchronizer
	resourceID string

	lowerBoundRevision keys.Revision
	completeFlushes    map[string]bool
}

// New constructs a Processor over the two named queues, in priority order.
func New(pl *pipeline.Pipeline, store *entitystore.EntityStore, userQueue, synchronizerQueue *queue.Queue, broker *notifier.Broker, resourceID string) *Processor {
	return &Processor{
		pipeline:        pl,
		store:           store,
		queues:          []*queue.Queue{userQueue, synchronizerQueue},
		broker:          broker,
		resourceID:      resourceID,
		completeFlushes: make(map[string]bool),
	}
}

// SetInspector wires the adapter-specific Inspection handler.
func (p *Processor) SetInspector(i Inspector) { p.inspector = i }

// SetSynchronizer wires the synchronizer Flush/Synchronize commands forward
// to.
func (p *Processor) SetSynchronizer(s Synchronizer) { p.sync = s }

// SetOldestUsedRevision updates the lower bound cleanupRevisions is called
// with before every batch, spec §4.6's "lower-bound revision" tracking.
func (p *Processor) SetOldestUsedRevision(rev keys.Revision) { p.lowerBoundRevision = rev }

// ProcessAllMessages runs the process loop until every queue reports
// IsEmpty, spec §4.6 step 2: "while any queue is non-empty, pick the first
// non-empty queue in priority order, dequeue a batch, apply it in one
// pipeline transaction."
func (p *Processor) ProcessAllMessages() error {
	for {
		q, err := p.firstNonEmptyQueue()
		if err != nil {
			return err
		}
		if q == nil {
			return nil
		}
		if err := p.processQueueBatch(q); err != nil {
			return err
		}
	}
}

func (p *Processor) firstNonEmptyQueue() (*queue.Queue, error) {
	for _, q := range p.queues {
		empty, err := q.IsEmpty()
		if err != nil {
			return nil, err
		}
		if !empty {
			return q, nil
		}
	}
	return nil, nil
}

// processQueueBatch runs cleanupRevisions, then dequeues up to BatchSize
// entries from q, applies each inside one pipeline transaction, advances
// the queue's replay cursor, and emits flush completions on success.
func (p *Processor) processQueueBatch(q *queue.Queue) error {
	if err := p.pipeline.CleanupRevisions(p.lowerBoundRevision); err != nil {
		logx.WithComponent("commandprocessor").Warn().Err(err).Msg("cleanupRevisions failed")
	}

	entries, err := q.DequeueBatch(BatchSize)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	metrics.PipelineBatchSize.Observe(float64(len(entries)))
	timer := metrics.NewTimer()

	var lastRevision keys.Revision
	var completedFlushIDs []string

	err = p.store.Update(func(w *entitystore.Writer) error {
		for _, entry := range entries {
			flushID, procErr := p.applyQueuedCommand(w, entry.Payload)
			if procErr != nil {
				return procErr
			}
			if flushID != "" {
				completedFlushIDs = append(completedFlushIDs, flushID)
			}
		}
		return nil
	})
	timer.ObserveDuration(metrics.PipelineBatchDuration)
	if err != nil {
		metrics.CommandsProcessedTotal.WithLabelValues(q.Name(), "error").Add(float64(len(entries)))
		return err
	}
	metrics.CommandsProcessedTotal.WithLabelValues(q.Name(), "ok").Add(float64(len(entries)))

	lastRevision = entries[len(entries)-1].Revision
	if err := q.AdvanceReplayed(lastRevision); err != nil {
		return err
	}

	for _, id := range completedFlushIDs {
		p.emitFlushCompletion(id)
	}

	return nil
}

// applyQueuedCommand decodes the envelope and dispatches on its command id.
// Returns the flush id if this entry was a completed FlushReplayQueue.
func (p *Processor) applyQueuedCommand(w *entitystore.Writer, payload []byte) (string, error) {
	env, err := command.DecodeEnvelope(payload)
	if err != nil {
		return "", fmt.Errorf("commandprocessor: malformed envelope: %w", err)
	}

	switch env.ID {
	case command.Create:
		body, err := command.DecodeCreate(env.Payload)
		if err != nil {
			return "", err
		}
		result, err := p.pipeline.NewEntityCmd(w, body)
		if err != nil {
			return "", err
		}
		p.pipeline.RevisionUpdated(result.Revision)
		return "", nil

	case command.Modify:
		body, err := command.DecodeModify(env.Payload)
		if err != nil {
			return "", err
		}
		result, err := p.pipeline.ModifiedEntityCmd(w, body)
		if err != nil {
			return "", err
		}
		if result.MovedToResource != "" {
			// The command processor hands a move off as delete-here +
			// create-there; the create-there leg is the receiving
			// resource's own userqueue entry, out of this process's scope.
			deleteResult, err := p.pipeline.DeletedEntityCmd(w, command.DeleteBody{
				EntityID: body.EntityID,
				Type:     body.Type,
			})
			if err != nil {
				return "", err
			}
			p.pipeline.RevisionUpdated(deleteResult.Revision)
			return "", nil
		}
		p.pipeline.RevisionUpdated(result.Revision)
		return "", nil

	case command.Delete:
		body, err := command.DecodeDelete(env.Payload)
		if err != nil {
			return "", err
		}
		result, err := p.pipeline.DeletedEntityCmd(w, body)
		if err != nil {
			return "", err
		}
		p.pipeline.RevisionUpdated(result.Revision)
		return "", nil

	case command.Flush:
		body, err := command.DecodeFlush(env.Payload)
		if err != nil {
			return "", err
		}
		return p.processFlush(body)

	case command.Synchronize:
		body, err := command.DecodeSynchronize(env.Payload)
		if err != nil {
			return "", err
		}
		if p.sync != nil {
			return "", p.sync.Synchronize(body.QueryBytes)
		}
		return "", nil

	case command.Inspection:
		// Inspection bodies are adapter-defined; the command processor
		// only dispatches, it does not interpret the payload.
		if p.inspector != nil {
			return "", p.inspector.Inspect("inspection", keys.Identifier{})
		}
		return "", nil

	default:
		logx.WithComponent("commandprocessor").Warn().Int32("commandId", int32(env.ID)).Msg("dropped unknown command")
		return "", nil
	}
}

// processFlush implements spec §4.6's Flush protocol. FlushReplayQueue
// completes as soon as this function returns (the enclosing batch
// transaction is about to commit); the caller folds the returned id into
// completedFlushIDs so the completion notification fires post-commit.
// FlushSynchronization is handed to the synchronizer, which emits its own
// completion once its outbound queue drains past this point.
func (p *Processor) processFlush(body command.FlushBody) (string, error) {
	switch body.Type {
	case command.FlushReplayQueue:
		return body.ID, nil
	case command.FlushSynchronization:
		if p.sync != nil {
			return "", p.sync.FlushSynchronization(body.ID)
		}
		return "", nil
	default:
		return "", fmt.Errorf("commandprocessor: unknown flush type %d", body.Type)
	}
}

func (p *Processor) emitFlushCompletion(flushID string) {
	p.completeFlushes[flushID] = true
	if p.broker == nil {
		return
	}
	p.broker.Publish(notifier.Notification{
		Type: notifier.FlushCompletion,
		ID:   flushID,
	})
}

// ProcessCommand is the client-facing entry point (spec §4.6 step 5):
// Flush(Synchronization) and Synchronize commands are forwarded directly
// rather than enqueued; everything else is enqueued on userQueue in its own
// transaction. No 10ms coalescing window or 100-command force-commit is
// applied, here or in internal/resource, which drains the userqueue right
// after each enqueue.
func (p *Processor) ProcessCommand(id command.ID, body any, userQueue *queue.Queue) error {
	if id == command.Flush {
		flushBody, ok := body.(command.FlushBody)
		if ok && flushBody.Type == command.FlushSynchronization && p.sync != nil {
			return p.sync.FlushSynchronization(flushBody.ID)
		}
	}
	if id == command.Synchronize {
		syncBody, ok := body.(command.SynchronizeBody)
		if ok && p.sync != nil {
			return p.sync.Synchronize(syncBody.QueryBytes)
		}
	}

	envelope, err := command.Encode(id, body)
	if err != nil {
		return fmt.Errorf("commandprocessor: encoding command: %w", err)
	}
	return userQueue.Update(func(w *queue.Writer) error {
		_, err := w.Enqueue(envelope)
		return err
	})
}
