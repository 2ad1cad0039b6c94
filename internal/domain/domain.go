// Package domain is the type registry: a tagged EntityType enum and, per
// type, a table-driven TypeDescriptor declaring its properties and indexes
// instead of per-type Go interfaces, per spec §9's "Design Notes" on
// polymorphism (entity-type handling as a tagged variant, not a hierarchy).
package domain

import (
	"fmt"
	"sort"

	"github.com/cuemby/sink/internal/keys"
	"github.com/cuemby/sink/internal/store"
)

// EntityType is the tagged variant spec §9 asks for in place of
// template-based dispatch over each type.
type EntityType uint8

const (
	Mail EntityType = iota
	Folder
	Contact
	Addressbook
	Event
	Todo
	Calendar
	SinkResource
	SinkAccount
	Identity
)

func (t EntityType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("EntityType(%d)", uint8(t))
}

// ParseEntityType reverses String, used by internal/config to turn a
// resource descriptor's `resourceType: mail` field into the tagged enum.
func ParseEntityType(name string) (EntityType, bool) {
	for t, n := range typeNames {
		if n == name {
			return t, true
		}
	}
	return 0, false
}

var typeNames = map[EntityType]string{
	Mail:         "mail",
	Folder:       "folder",
	Contact:      "contact",
	Addressbook:  "addressbook",
	Event:        "event",
	Todo:         "todo",
	Calendar:     "calendar",
	SinkResource: "sinkresource",
	SinkAccount:  "sinkaccount",
	Identity:     "identity",
}

// Kind is the Go representation a declared property is encoded from/to.
type Kind uint8

const (
	KindString Kind = iota
	KindBytes
	KindTime
	KindBool
	KindByteList
)

// IndexKind distinguishes the three index shapes spec §4.3 declares.
type IndexKind uint8

const (
	// ValueIndex stores (property.value -> id) duplicate entries.
	ValueIndex IndexKind = iota
	// SortedIndex stores (property.value || sort.value -> id), enabling a
	// range scan by property yielding ids in sort order.
	SortedIndex
	// SecondaryIndex stores (left.value -> right.value), resolving right
	// from left without loading the entity (e.g. Mail.folder -> Folder id).
	SecondaryIndex
)

// IndexDescriptor declares one index a type registers for a property (or
// pair of properties, for secondary indexes).
type IndexDescriptor struct {
	Kind IndexKind
	// Property is the indexed property for Value/Sorted indexes, or the
	// "left" property for a SecondaryIndex.
	Property string
	// SortProperty is set only for SortedIndex: the property the value
	// index is ordered by.
	SortProperty string
	// ReferencedType is set only for SecondaryIndex: the type Property's
	// values reference (e.g. Mail.folder -> Folder).
	ReferencedType EntityType
}

// BucketName returns the store bucket name this index lives in, matching
// spec §3's "$type.index.$property" / "$type.index.$property.sort.$sort".
func (d IndexDescriptor) BucketName(t EntityType) string {
	switch d.Kind {
	case SortedIndex:
		return fmt.Sprintf("%s.index.%s.sort.%s", t, d.Property, d.SortProperty)
	default:
		return fmt.Sprintf("%s.index.%s", t, d.Property)
	}
}

// PropertyDescriptor declares one property of a type: its name and Go
// encoding kind. Accessor logic itself lives in internal/entitybuffer's
// generic PropertySet plus the typed codecs in properties.go; the
// descriptor only fixes name, kind, and which sub-buffer (resource vs.
// local) the property belongs in.
type PropertyDescriptor struct {
	Name       string
	Kind       Kind
	IsResource bool // true if stored in the entity's Resource sub-buffer
}

// CustomIndexer is the polymorphic {add, remove} pair spec §4.3 describes
// for custom secondary indexes (mail threading, fulltext). Implementations
// live in internal/domain/mailindex. Both methods take the transaction the
// entity write itself is part of, so the index update lands in the same
// commit as the entity (spec invariant 5: indexes are always written in
// the same transaction as the entity).
type CustomIndexer interface {
	// Name identifies the indexer for logging and bucket naming.
	Name() string
	// Add is called with the newly-written entity properties whenever a
	// Creation or Modification revision is committed.
	Add(tx *store.Tx, id keys.Identifier, props map[string][]byte) error
	// Remove is called with the prior entity properties when a revision is
	// superseded or removed.
	Remove(tx *store.Tx, id keys.Identifier, props map[string][]byte) error
}

// TypeDescriptor is the registry entry for one EntityType: its declared
// properties, indexes, and optional custom indexers.
type TypeDescriptor struct {
	Type             EntityType
	Properties       []PropertyDescriptor
	ValueIndexes     []IndexDescriptor
	SortedIndexes    []IndexDescriptor
	SecondaryIndexes []IndexDescriptor
	CustomIndexers   []CustomIndexer
}

// PropertyNames returns the declared property names in fixed order, the
// order the entity buffer's local/resource sub-buffers are conceptually
// indexed by (the wire format itself is name-keyed, but fixed declaration
// order matters for index bucket composition and for documentation).
func (d TypeDescriptor) PropertyNames() []string {
	names := make([]string, len(d.Properties))
	for i, p := range d.Properties {
		names[i] = p.Name
	}
	return names
}

// Registry maps each EntityType to its TypeDescriptor. Construct one with
// NewRegistry, which wires in the built-in Sink types; callers needing a
// bespoke set of types for a test build a Registry directly.
type Registry struct {
	descriptors map[EntityType]TypeDescriptor
}

// NewRegistry returns the registry with the ten built-in SPEC_FULL.md §4.3.1
// type descriptors registered.
func NewRegistry() *Registry {
	r := &Registry{descriptors: map[EntityType]TypeDescriptor{}}
	for _, d := range builtinDescriptors() {
		r.Register(d)
	}
	return r
}

// Register adds or replaces the descriptor for d.Type.
func (r *Registry) Register(d TypeDescriptor) {
	r.descriptors[d.Type] = d
}

// Describe returns the descriptor for t, or ok=false if t is unregistered.
func (r *Registry) Describe(t EntityType) (TypeDescriptor, bool) {
	d, ok := r.descriptors[t]
	return d, ok
}

// Types returns every registered EntityType, in declaration order.
func (r *Registry) Types() []EntityType {
	out := make([]EntityType, 0, len(r.descriptors))
	for t := range r.descriptors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
