// Package pipeline applies Create/Modify/Delete commands to a resource's
// entity store in strict arrival order, running per-type preprocessors and
// emitting a revisionUpdated notification on every successful commit (spec
// §4.4). The command-id dispatch switch is grounded on the teacher's
// pkg/manager/fsm.go Apply method, which decodes a command envelope and
// switches on its Op string; here the switch is over command.ID and the
// target is entitystore instead of a raft-replicated KV store (Sink has no
// multi-writer concept, so the teacher's raft.Log wrapper is dropped).
package pipeline

import (
	"bytes"
	"fmt"

	"github.com/cuemby/sink/internal/command"
	"github.com/cuemby/sink/internal/domain"
	"github.com/cuemby/sink/internal/entitystore"
	"github.com/cuemby/sink/internal/keys"
	"github.com/cuemby/sink/internal/notifier"
)

// Action is a preprocessor's verdict on a Modify command.
type Action int

const (
	// NoAction means the pipeline should proceed writing locally.
	NoAction Action = iota
	// MoveToResource means the entity must be deleted here and recreated
	// on the named target resource instead of written locally.
	MoveToResource
)

// Preprocessor hooks into every mutation of one entity type. Mutations a
// preprocessor makes to the passed-in property maps are folded into the
// same revision the pipeline is about to write.
type Preprocessor interface {
	// NewEntity inspects/mutates props for a Create command. Returning an
	// error rejects the command before anything is written.
	NewEntity(id keys.Identifier, props map[string][]byte) error
	// ModifiedEntity inspects/mutates newProps for a Modify command, given
	// the entity's current (old) flat property map. The returned resource
	// string is only meaningful when action is MoveToResource.
	ModifiedEntity(id keys.Identifier, old, newProps map[string][]byte) (action Action, resource string, err error)
	// DeletedEntity runs before a Delete command is applied, typically to
	// cascade-delete child entities referencing id.
	DeletedEntity(id keys.Identifier, old map[string][]byte) error
}

// Pipeline is the single-writer component sitting atop one resource's
// entity store.
type Pipeline struct {
	store         *entitystore.EntityStore
	registry      *domain.Registry
	preprocessors map[domain.EntityType][]Preprocessor
	broker        *notifier.Broker
	resourceID    string
}

// New constructs a Pipeline over store, broadcasting revisionUpdated
// notifications through broker.
func New(store *entitystore.EntityStore, registry *domain.Registry, broker *notifier.Broker, resourceID string) *Pipeline {
	return &Pipeline{
		store:         store,
		registry:      registry,
		preprocessors: make(map[domain.EntityType][]Preprocessor),
		broker:        broker,
		resourceID:    resourceID,
	}
}

// Use registers a preprocessor for t, appended after any already
// registered — preprocessors run in registration order.
func (p *Pipeline) Use(t domain.EntityType, pre Preprocessor) {
	p.preprocessors[t] = append(p.preprocessors[t], pre)
}

// Result is what NewEntityCmd/ModifiedEntityCmd/DeletedEntityCmd hand back:
// the revision the command landed at, or a MoveToResource redirection for
// the command processor to turn into delete-here + create-there commands.
type Result struct {
	Revision        keys.Revision
	MovedToResource string
}

// NewEntityCmd applies a decoded Create command body within an already-open
// Update transaction (the command processor groups a whole dequeued batch
// into one startTransaction/commit).
func (p *Pipeline) NewEntityCmd(w *entitystore.Writer, body command.CreateBody) (Result, error) {
	t := domain.EntityType(body.Type)

	for _, pre := range p.preprocessors[t] {
		if err := pre.NewEntity(body.EntityID, body.Delta); err != nil {
			return Result{}, fmt.Errorf("pipeline: preprocessor rejected create: %w", err)
		}
	}

	key, err := w.Add(t, body.EntityID, body.Delta, nil, body.ReplayToSource)
	if err != nil {
		return Result{}, err
	}
	return Result{Revision: key.Rev}, nil
}

// ModifiedEntityCmd applies a decoded Modify command body. When a
// preprocessor returns MoveToResource, the caller (the command processor)
// is responsible for turning this into a Delete here plus a Create on the
// named resource; ModifiedEntityCmd itself does not write in that case.
func (p *Pipeline) ModifiedEntityCmd(w *entitystore.Writer, body command.ModifyBody) (Result, error) {
	t := domain.EntityType(body.Type)

	current, err := w.ReadCurrentFlat(t, body.EntityID)
	if err != nil {
		return Result{}, err
	}

	newFlat := make(map[string][]byte, len(current)+len(body.Delta))
	for k, v := range current {
		newFlat[k] = v
	}
	for _, d := range body.Deletions {
		delete(newFlat, d)
	}
	for k, v := range body.Delta {
		newFlat[k] = v
	}

	for _, pre := range p.preprocessors[t] {
		action, resource, err := pre.ModifiedEntity(body.EntityID, current, newFlat)
		if err != nil {
			return Result{}, fmt.Errorf("pipeline: preprocessor rejected modify: %w", err)
		}
		if action == MoveToResource {
			return Result{MovedToResource: resource}, nil
		}
	}

	// Diff current against newFlat rather than replaying body.Delta/
	// body.Deletions verbatim: a preprocessor may have enriched newFlat
	// beyond what the client sent, and that enrichment must land in the
	// same revision (spec §4.4).
	diff := map[string][]byte{}
	for k, v := range newFlat {
		if cv, ok := current[k]; !ok || !bytes.Equal(cv, v) {
			diff[k] = v
		}
	}
	var deletions []string
	for k := range current {
		if _, ok := newFlat[k]; !ok {
			deletions = append(deletions, k)
		}
	}

	key, err := w.Modify(t, body.EntityID, diff, deletions, body.ReplayToSource)
	if err != nil {
		return Result{}, err
	}
	return Result{Revision: key.Rev}, nil
}

// DeletedEntityCmd applies a decoded Delete command body, running
// deletedEntity hooks (e.g. cascading child-entity removal) first.
func (p *Pipeline) DeletedEntityCmd(w *entitystore.Writer, body command.DeleteBody) (Result, error) {
	t := domain.EntityType(body.Type)

	current, err := w.ReadCurrentFlat(t, body.EntityID)
	if err != nil {
		return Result{}, err
	}

	for _, pre := range p.preprocessors[t] {
		if err := pre.DeletedEntity(body.EntityID, current); err != nil {
			return Result{}, fmt.Errorf("pipeline: preprocessor rejected delete: %w", err)
		}
	}

	key, err := w.Remove(t, body.EntityID, body.ReplayToSource)
	if err != nil {
		return Result{}, err
	}
	return Result{Revision: key.Rev}, nil
}

// CleanupRevisions runs batched GC over the entity store, bounded by
// lowerBound (the oldest revision still required by any client or by the
// change-replay engine), per spec §4.6.
func (p *Pipeline) CleanupRevisions(lowerBound keys.Revision) error {
	return p.store.Update(func(w *entitystore.Writer) error {
		return w.CleanupRevisions(lowerBound)
	})
}

// RevisionUpdated broadcasts a RevisionUpdate notification, fired once per
// successful commit by the command processor.
func (p *Pipeline) RevisionUpdated(rev keys.Revision) {
	if p.broker == nil {
		return
	}
	p.broker.Publish(notifier.Notification{
		Type:     notifier.RevisionUpdate,
		Revision: rev,
		ID:       p.resourceID,
	})
}
