// Package entitystore is the sole writer to a resource's entity
// environment (spec §4.2): the append-only revision log plus its secondary
// indexes. Every mutation — Add, Modify, Remove — runs inside one bbolt
// read-write transaction so the entity write and all of its index writes
// land atomically (spec invariant 5).
package entitystore

import (
	"errors"
	"fmt"

	"github.com/cuemby/sink/internal/domain"
	"github.com/cuemby/sink/internal/domain/mailindex"
	"github.com/cuemby/sink/internal/entitybuffer"
	"github.com/cuemby/sink/internal/keys"
	"github.com/cuemby/sink/internal/store"
)

// Errors surfaced by this package, per spec §7 (internal kinds, not exposed
// across the client IPC boundary directly; the command processor maps them
// to Notifications).
var (
	ErrNotFound       = errors.New("entitystore: not found")
	ErrAlreadyRemoved = errors.New("entitystore: already removed")
	ErrInvalidId      = errors.New("entitystore: invalid identifier")
)

const (
	bucketRevisionType    = "revisionType"
	bucketRevisions       = "revisions"
	bucketUidsToRevisions = "uidsToRevisions"
	bucketDefault         = "default"

	keyMaxRevision      = "maxRevision"
	keyCleanedUpRevison = "cleanedUpRevision"
	keyDatabaseVersion  = "databaseVersion"
)

func mainBucket(t domain.EntityType) string { return t.String() + ".main" }

// EntityStore is the sole writer for one resource's entity environment.
type EntityStore struct {
	env      *store.Env
	registry *domain.Registry
}

// New wraps env (the resource's "$id" entity environment, spec §3) with the
// given type registry.
func New(env *store.Env, registry *domain.Registry) *EntityStore {
	return &EntityStore{env: env, registry: registry}
}

// Writer groups one or more mutating operations into the single read-write
// transaction passed to Update's callback, spec's startTransaction/commit.
type Writer struct {
	tx    *store.Tx
	store *EntityStore
}

// Update opens one read-write transaction and runs fn against a Writer
// scoped to it. All operations fn performs land together, or none do.
func (s *EntityStore) Update(fn func(w *Writer) error) error {
	return s.env.Update(func(tx *store.Tx) error {
		return fn(&Writer{tx: tx, store: s})
	})
}

// mergedProps flattens an entity's local and resource sub-buffers into one
// map for indexer/property lookups; index declarations don't care which
// sub-buffer a property lives in.
func mergedProps(b entitybuffer.Buffer) map[string][]byte {
	out := make(map[string][]byte, len(b.Local)+len(b.Resource))
	for k, v := range b.Local {
		out[k] = v
	}
	for k, v := range b.Resource {
		out[k] = v
	}
	return out
}

func (w *Writer) readMaxRevision() (keys.Revision, error) {
	b, err := w.tx.Bucket(bucketDefault)
	if err != nil {
		return 0, err
	}
	v, err := b.Get([]byte(keyMaxRevision))
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return keys.DecodeRevision(v)
}

func (w *Writer) writeMaxRevision(r keys.Revision) error {
	b, err := w.tx.Bucket(bucketDefault)
	if err != nil {
		return err
	}
	return b.Write([]byte(keyMaxRevision), r.EncodeBigEndian())
}

// splitProps separates a flat property map into resource/local sub-buffers
// per the type's declared descriptor.
func splitProps(desc domain.TypeDescriptor, flat map[string][]byte) (resource, local entitybuffer.PropertySet) {
	resource = entitybuffer.PropertySet{}
	local = entitybuffer.PropertySet{}
	isResource := map[string]bool{}
	for _, p := range desc.Properties {
		isResource[p.Name] = p.IsResource
	}
	for name, value := range flat {
		if isResource[name] {
			resource[name] = value
		} else {
			local[name] = value
		}
	}
	return resource, local
}

// recordRevision writes the revisionType and revisions bookkeeping entries
// plus an entry in uidsToRevisions for rev, common to every write.
func (w *Writer) recordRevision(t domain.EntityType, id keys.Identifier, rev keys.Revision) error {
	revTypeBucket, err := w.tx.Bucket(bucketRevisionType)
	if err != nil {
		return err
	}
	if err := revTypeBucket.Write(rev.EncodeBigEndian(), []byte{byte(t)}); err != nil {
		return err
	}

	revisionsBucket, err := w.tx.Bucket(bucketRevisions)
	if err != nil {
		return err
	}
	if err := revisionsBucket.Write(rev.EncodeBigEndian(), id.Bytes()); err != nil {
		return err
	}

	uidsBucket, err := w.tx.Bucket(bucketUidsToRevisions)
	if err != nil {
		return err
	}
	k := keys.Key{ID: id, Rev: rev}
	return uidsBucket.Write(k.EncodeIdentifierFirst(), rev.EncodeBigEndian())
}

// writeIndexes applies the type's declared value/sorted/secondary indexes
// and custom indexers for one entity write. old is nil for a Creation.
func (w *Writer) writeIndexes(desc domain.TypeDescriptor, id keys.Identifier, old, new map[string][]byte) error {
	for _, idx := range desc.ValueIndexes {
		if err := w.updateValueIndex(desc.Type, idx, id, old, new); err != nil {
			return err
		}
	}
	for _, idx := range desc.SortedIndexes {
		if err := w.updateSortedIndex(desc.Type, idx, id, old, new); err != nil {
			return err
		}
	}
	for _, idx := range desc.SecondaryIndexes {
		if err := w.updateSecondaryIndex(desc.Type, idx, id, new); err != nil {
			return err
		}
	}
	for _, indexer := range desc.CustomIndexers {
		if old != nil {
			if err := indexer.Remove(w.tx, id, old); err != nil {
				return err
			}
		}
		if new != nil {
			if err := indexer.Add(w.tx, id, new); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Writer) updateValueIndex(t domain.EntityType, idx domain.IndexDescriptor, id keys.Identifier, old, new map[string][]byte) error {
	b, err := w.tx.Bucket(idx.BucketName(t))
	if err != nil {
		return err
	}
	if old != nil {
		if oldVal, ok := old[idx.Property]; ok {
			if err := b.Remove(composeIndexKey(oldVal, id)); err != nil {
				return err
			}
		}
	}
	if new != nil {
		if newVal, ok := new[idx.Property]; ok {
			if err := b.Write(composeIndexKey(newVal, id), id.Bytes()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Writer) updateSortedIndex(t domain.EntityType, idx domain.IndexDescriptor, id keys.Identifier, old, new map[string][]byte) error {
	b, err := w.tx.Bucket(idx.BucketName(t))
	if err != nil {
		return err
	}
	if old != nil {
		oldVal, hasVal := old[idx.Property]
		oldSort, hasSort := old[idx.SortProperty]
		if hasVal && hasSort {
			if err := b.Remove(composeSortedIndexKey(oldVal, oldSort, id)); err != nil {
				return err
			}
		}
	}
	if new != nil {
		newVal, hasVal := new[idx.Property]
		newSort, hasSort := new[idx.SortProperty]
		if hasVal && hasSort {
			if err := b.Write(composeSortedIndexKey(newVal, newSort, id), id.Bytes()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Writer) updateSecondaryIndex(t domain.EntityType, idx domain.IndexDescriptor, id keys.Identifier, new map[string][]byte) error {
	if new == nil {
		return nil
	}
	refVal, ok := new[idx.Property]
	if !ok {
		return nil
	}
	b, err := w.tx.Bucket(idx.BucketName(t))
	if err != nil {
		return err
	}
	return b.Write(id.Bytes(), refVal)
}

func composeIndexKey(value []byte, id keys.Identifier) []byte {
	out := make([]byte, 0, len(value)+keys.IdentifierSize)
	out = append(out, value...)
	out = append(out, id.Bytes()...)
	return out
}

func composeSortedIndexKey(value, sortValue []byte, id keys.Identifier) []byte {
	out := make([]byte, 0, len(value)+len(sortValue)+keys.IdentifierSize)
	out = append(out, value...)
	out = append(out, sortValue...)
	out = append(out, id.Bytes()...)
	return out
}

// Add writes a Creation revision: allocates a revision (and an identifier
// if none is supplied), writes the entity and its indexes, records
// bookkeeping entries, and bumps maxRevision. Spec §4.2 `add`.
func (w *Writer) Add(t domain.EntityType, id keys.Identifier, local, resource map[string][]byte, replayToSource bool) (keys.Key, error) {
	if id.IsZero() {
		id = keys.NewIdentifier()
	}

	maxRev, err := w.readMaxRevision()
	if err != nil {
		return keys.Key{}, err
	}
	rev := maxRev + 1

	desc, ok := w.store.registry.Describe(t)
	if !ok {
		return keys.Key{}, fmt.Errorf("entitystore: unregistered type %s", t)
	}

	flat := map[string][]byte{}
	for k, v := range local {
		flat[k] = v
	}
	for k, v := range resource {
		flat[k] = v
	}
	resourceProps, localProps := splitProps(desc, flat)

	buf := entitybuffer.Buffer{
		Metadata: entitybuffer.Metadata{
			Revision:       rev,
			Operation:      entitybuffer.Creation,
			ReplayToSource: replayToSource,
		},
		Resource: resourceProps,
		Local:    localProps,
	}

	mb, err := w.tx.Bucket(mainBucket(t))
	if err != nil {
		return keys.Key{}, err
	}
	if err := mb.Write(rev.EncodeBigEndian(), entitybuffer.Encode(buf)); err != nil {
		return keys.Key{}, err
	}

	if err := w.recordRevision(t, id, rev); err != nil {
		return keys.Key{}, err
	}
	if err := w.writeIndexes(desc, id, nil, flat); err != nil {
		return keys.Key{}, err
	}
	if err := w.writeMaxRevision(rev); err != nil {
		return keys.Key{}, err
	}

	return keys.Key{ID: id, Rev: rev}, nil
}

// latestKeyFor returns the (id, revision) of the most recent revision
// written for id, using the identifier-first uidsToRevisions index so the
// lookup does not require a full scan of the type's main database.
func (w *Writer) latestKeyFor(id keys.Identifier) (keys.Revision, error) {
	b, err := w.tx.Bucket(bucketUidsToRevisions)
	if err != nil {
		return 0, err
	}
	var latest keys.Revision
	err = b.FindLatest(id.Bytes(), func(k, v []byte) error {
		decoded, decodeErr := keys.DecodeIdentifierFirst(k)
		if decodeErr != nil {
			return decodeErr
		}
		latest = decoded.Rev
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return 0, ErrNotFound
	}
	return latest, err
}

func (w *Writer) readBufferAt(t domain.EntityType, rev keys.Revision) (entitybuffer.Buffer, error) {
	mb, err := w.tx.Bucket(mainBucket(t))
	if err != nil {
		return entitybuffer.Buffer{}, err
	}
	raw, err := mb.Get(rev.EncodeBigEndian())
	if errors.Is(err, store.ErrNotFound) {
		return entitybuffer.Buffer{}, ErrNotFound
	}
	if err != nil {
		return entitybuffer.Buffer{}, err
	}
	return entitybuffer.Decode(raw)
}

// ReadCurrentFlat returns the merged local+resource properties of id's
// latest live revision, for callers (the pipeline's preprocessors) that
// need to inspect current state before writing a new revision in the same
// transaction. Returns ErrNotFound if id has no revisions or its latest
// revision is a tombstone.
func (w *Writer) ReadCurrentFlat(t domain.EntityType, id keys.Identifier) (map[string][]byte, error) {
	rev, err := w.latestKeyFor(id)
	if err != nil {
		return nil, err
	}
	buf, err := w.readBufferAt(t, rev)
	if err != nil {
		return nil, err
	}
	if buf.Metadata.Operation == entitybuffer.Removal {
		return nil, ErrNotFound
	}
	return mergedProps(buf), nil
}

// Modify reads the current revision of id, merges diff onto its properties
// (removing any name in deletions), and writes a new revision with
// modifiedProperties populated. Spec §4.2 `modify(type, diff, deletions,
// replayToSource)`.
func (w *Writer) Modify(t domain.EntityType, id keys.Identifier, diff map[string][]byte, deletions []string, replayToSource bool) (keys.Key, error) {
	currentRev, err := w.latestKeyFor(id)
	if err != nil {
		return keys.Key{}, err
	}
	current, err := w.readBufferAt(t, currentRev)
	if err != nil {
		return keys.Key{}, err
	}
	if current.Metadata.Operation == entitybuffer.Removal {
		return keys.Key{}, ErrNotFound
	}
	return w.modifyFrom(t, id, current, diff, deletions, replayToSource)
}

// ModifyFrom applies diff on top of an already-known current buffer,
// skipping the read current performs. Spec §4.2's second `modify` overload.
func (w *Writer) ModifyFrom(t domain.EntityType, id keys.Identifier, current entitybuffer.Buffer, diff map[string][]byte, deletions []string, replayToSource bool) (keys.Key, error) {
	return w.modifyFrom(t, id, current, diff, deletions, replayToSource)
}

func (w *Writer) modifyFrom(t domain.EntityType, id keys.Identifier, current entitybuffer.Buffer, diff map[string][]byte, deletions []string, replayToSource bool) (keys.Key, error) {
	desc, ok := w.store.registry.Describe(t)
	if !ok {
		return keys.Key{}, fmt.Errorf("entitystore: unregistered type %s", t)
	}

	oldFlat := mergedProps(current)
	merged := make(map[string][]byte, len(oldFlat)+len(diff))
	for k, v := range oldFlat {
		merged[k] = v
	}
	deleted := map[string]bool{}
	for _, name := range deletions {
		deleted[name] = true
		delete(merged, name)
	}

	var modifiedProperties []string
	for name, value := range diff {
		if deleted[name] {
			continue
		}
		if existing, ok := oldFlat[name]; !ok || string(existing) != string(value) {
			modifiedProperties = append(modifiedProperties, name)
		}
		merged[name] = value
	}
	for name := range deleted {
		modifiedProperties = append(modifiedProperties, name)
	}

	maxRev, err := w.readMaxRevision()
	if err != nil {
		return keys.Key{}, err
	}
	rev := maxRev + 1

	resourceProps, localProps := splitProps(desc, merged)
	buf := entitybuffer.Buffer{
		Metadata: entitybuffer.Metadata{
			Revision:           rev,
			Operation:          entitybuffer.Modification,
			ReplayToSource:     replayToSource,
			ModifiedProperties: modifiedProperties,
		},
		Resource: resourceProps,
		Local:    localProps,
	}

	mb, err := w.tx.Bucket(mainBucket(t))
	if err != nil {
		return keys.Key{}, err
	}
	if err := mb.Write(rev.EncodeBigEndian(), entitybuffer.Encode(buf)); err != nil {
		return keys.Key{}, err
	}
	if err := w.recordRevision(t, id, rev); err != nil {
		return keys.Key{}, err
	}
	if err := w.writeIndexes(desc, id, oldFlat, merged); err != nil {
		return keys.Key{}, err
	}
	if err := w.writeMaxRevision(rev); err != nil {
		return keys.Key{}, err
	}

	return keys.Key{ID: id, Rev: rev}, nil
}

// Remove writes a tombstone revision for id's current state. Spec §4.2
// `remove`.
func (w *Writer) Remove(t domain.EntityType, id keys.Identifier, replayToSource bool) (keys.Key, error) {
	currentRev, err := w.latestKeyFor(id)
	if err != nil {
		return keys.Key{}, err
	}
	current, err := w.readBufferAt(t, currentRev)
	if err != nil {
		return keys.Key{}, err
	}
	if current.Metadata.Operation == entitybuffer.Removal {
		return keys.Key{}, ErrAlreadyRemoved
	}

	desc, ok := w.store.registry.Describe(t)
	if !ok {
		return keys.Key{}, fmt.Errorf("entitystore: unregistered type %s", t)
	}

	maxRev, err := w.readMaxRevision()
	if err != nil {
		return keys.Key{}, err
	}
	rev := maxRev + 1

	tomb := entitybuffer.Tombstone(rev, replayToSource)
	mb, err := w.tx.Bucket(mainBucket(t))
	if err != nil {
		return keys.Key{}, err
	}
	if err := mb.Write(rev.EncodeBigEndian(), entitybuffer.Encode(tomb)); err != nil {
		return keys.Key{}, err
	}
	if err := w.recordRevision(t, id, rev); err != nil {
		return keys.Key{}, err
	}
	// The entity no longer holds any property values; unindex the prior
	// ones so the index buckets stay derivable from current state
	// (invariant 5), without writing any new index entries.
	if err := w.writeIndexes(desc, id, mergedProps(current), nil); err != nil {
		return keys.Key{}, err
	}
	if err := w.writeMaxRevision(rev); err != nil {
		return keys.Key{}, err
	}

	return keys.Key{ID: id, Rev: rev}, nil
}

// CleanupRevisions advances cleanedUpRevision to upTo, dropping every
// revision ≤ upTo that is either superseded by a later revision of the same
// identifier (also ≤ upTo) or is itself a tombstone. Spec §4.2
// `cleanupRevisions`.
func (w *Writer) CleanupRevisions(upTo keys.Revision) error {
	defaultBucket, err := w.tx.Bucket(bucketDefault)
	if err != nil {
		return err
	}
	var cleanedUpSoFar keys.Revision
	if v, err := defaultBucket.Get([]byte(keyCleanedUpRevison)); err == nil {
		cleanedUpSoFar, _ = keys.DecodeRevision(v)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if upTo <= cleanedUpSoFar {
		return nil
	}

	revisionsBucket, err := w.tx.Bucket(bucketRevisions)
	if err != nil {
		return err
	}
	revisionTypeBucket, err := w.tx.Bucket(bucketRevisionType)
	if err != nil {
		return err
	}

	type revEntry struct {
		rev keys.Revision
		id  keys.Identifier
		typ domain.EntityType
	}
	var entries []revEntry

	err = revisionsBucket.Scan(nil, func(k, v []byte) error {
		rev, decodeErr := keys.DecodeRevision(k)
		if decodeErr != nil {
			return decodeErr
		}
		if rev > upTo {
			return store.ErrStopScan
		}
		if rev <= cleanedUpSoFar {
			return nil
		}
		id, idErr := keys.IdentifierFromBytes(v)
		if idErr != nil {
			return idErr
		}
		typBytes, typErr := revisionTypeBucket.Get(k)
		if typErr != nil {
			return typErr
		}
		typ := domain.EntityType(typBytes[0])
		entries = append(entries, revEntry{rev: rev, id: id, typ: typ})
		return nil
	})
	if err != nil {
		return err
	}

	uidsBucket, err := w.tx.Bucket(bucketUidsToRevisions)
	if err != nil {
		return err
	}

	// latestPerID is each identifier's true current head, not merely the
	// highest revision seen inside this scan window: an id's newest
	// revision may lie beyond upTo, and treating an in-window revision as
	// "latest" in that case would leave it live forever, since
	// cleanedUpRevision advances past it regardless.
	latestPerID := map[keys.Identifier]keys.Revision{}

	for _, e := range entries {
		latest, cached := latestPerID[e.id]
		if !cached {
			l, latestErr := w.latestKeyFor(e.id)
			if latestErr != nil && !errors.Is(latestErr, ErrNotFound) {
				return latestErr
			}
			latest = l
			latestPerID[e.id] = latest
		}

		isLatest := latest == e.rev
		keep := false
		if isLatest {
			buf, readErr := w.readBufferAt(e.typ, e.rev)
			if readErr == nil && buf.Metadata.Operation != entitybuffer.Removal {
				keep = true
			}
		}
		if keep {
			continue
		}

		mb, bucketErr := w.tx.Bucket(mainBucket(e.typ))
		if bucketErr != nil {
			return bucketErr
		}
		if delErr := mb.Remove(e.rev.EncodeBigEndian()); delErr != nil {
			return delErr
		}
		if delErr := revisionTypeBucket.Remove(e.rev.EncodeBigEndian()); delErr != nil {
			return delErr
		}
		if delErr := revisionsBucket.Remove(e.rev.EncodeBigEndian()); delErr != nil {
			return delErr
		}
		compositeKey := keys.Key{ID: e.id, Rev: e.rev}.EncodeIdentifierFirst()
		if delErr := uidsBucket.Remove(compositeKey); delErr != nil {
			return delErr
		}
	}

	return defaultBucket.Write([]byte(keyCleanedUpRevison), upTo.EncodeBigEndian())
}

// Reader groups read-only operations scoped to one snapshot-isolated
// transaction.
type Reader struct {
	tx    *store.Tx
	store *EntityStore
}

// View opens a read-only transaction and runs fn against a Reader scoped to
// it.
func (s *EntityStore) View(fn func(r *Reader) error) error {
	return s.env.View(func(tx *store.Tx) error {
		return fn(&Reader{tx: tx, store: s})
	})
}

// ReadLatest calls cb with the entity at its latest revision, or does not
// call cb if id is absent. Spec §4.2 `readLatest`.
func (r *Reader) ReadLatest(t domain.EntityType, id keys.Identifier, cb func(keys.Key, entitybuffer.Buffer) error) error {
	rev, err := r.latestRevision(id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	buf, err := r.readBufferAt(t, rev)
	if err != nil {
		return err
	}
	return cb(keys.Key{ID: id, Rev: rev}, buf)
}

func (r *Reader) latestRevision(id keys.Identifier) (keys.Revision, error) {
	b, err := r.tx.Bucket(bucketUidsToRevisions)
	if err != nil {
		return 0, err
	}
	var latest keys.Revision
	err = b.FindLatest(id.Bytes(), func(k, v []byte) error {
		decoded, decodeErr := keys.DecodeIdentifierFirst(k)
		if decodeErr != nil {
			return decodeErr
		}
		latest = decoded.Rev
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return 0, ErrNotFound
	}
	return latest, err
}

func (r *Reader) readBufferAt(t domain.EntityType, rev keys.Revision) (entitybuffer.Buffer, error) {
	mb, err := r.tx.Bucket(mainBucket(t))
	if err != nil {
		return entitybuffer.Buffer{}, err
	}
	raw, err := mb.Get(rev.EncodeBigEndian())
	if errors.Is(err, store.ErrNotFound) {
		return entitybuffer.Buffer{}, ErrNotFound
	}
	if err != nil {
		return entitybuffer.Buffer{}, err
	}
	return entitybuffer.Decode(raw)
}

// ReadEntity calls cb with exactly the revision named by key. Spec §4.2
// `readEntity`.
func (r *Reader) ReadEntity(t domain.EntityType, key keys.Key, cb func(entitybuffer.Buffer) error) error {
	buf, err := r.readBufferAt(t, key.Rev)
	if err != nil {
		return err
	}
	return cb(buf)
}

// ReadPrevious calls cb with the latest revision of id strictly less than
// rev. Spec §4.2 `readPrevious`.
func (r *Reader) ReadPrevious(t domain.EntityType, id keys.Identifier, rev keys.Revision, cb func(keys.Key, entitybuffer.Buffer) error) error {
	b, err := r.tx.Bucket(bucketUidsToRevisions)
	if err != nil {
		return err
	}
	prefix := id.Bytes()
	boundary := keys.Key{ID: id, Rev: rev}.EncodeIdentifierFirst()

	var found *keys.Key
	err = b.ScanPrefix(prefix, func(k, v []byte) error {
		if string(k) >= string(boundary) {
			return store.ErrStopScan
		}
		decoded, decodeErr := keys.DecodeIdentifierFirst(k)
		if decodeErr != nil {
			return decodeErr
		}
		kk := decoded
		found = &kk
		return nil
	})
	if err != nil {
		return err
	}
	if found == nil {
		return ErrNotFound
	}
	buf, err := r.readBufferAt(t, found.Rev)
	if err != nil {
		return err
	}
	return cb(*found, buf)
}

// ReadAll iterates the latest revision of every identifier of type t, in
// unspecified order. Spec §4.2 `readAll`.
func (r *Reader) ReadAll(t domain.EntityType, cb func(keys.Key, entitybuffer.Buffer) error) error {
	return r.ReadAllUids(t, func(id keys.Identifier) error {
		return r.ReadLatest(t, id, cb)
	})
}

// ReadAllUids iterates every identifier of type t that has at least one
// revision recorded, in unspecified order. Spec §4.2 `readAllUids`.
func (r *Reader) ReadAllUids(t domain.EntityType, cb func(keys.Identifier) error) error {
	b, err := r.tx.Bucket(bucketUidsToRevisions)
	if err != nil {
		return err
	}
	revTypeBucket, err := r.tx.Bucket(bucketRevisionType)
	if err != nil {
		return err
	}
	seen := map[keys.Identifier]bool{}
	return b.Scan(nil, func(k, v []byte) error {
		decoded, decodeErr := keys.DecodeIdentifierFirst(k)
		if decodeErr != nil {
			return decodeErr
		}
		if seen[decoded.ID] {
			return nil
		}
		seen[decoded.ID] = true
		typBytes, typErr := revTypeBucket.Get(v)
		if typErr != nil {
			return typErr
		}
		if domain.EntityType(typBytes[0]) != t {
			return nil
		}
		return cb(decoded.ID)
	})
}

// ReadRevisions emits the keys of every revision of type t strictly greater
// than sinceRev, in revision order. Spec §4.2 `readRevisions`.
func (r *Reader) ReadRevisions(sinceRev keys.Revision, t domain.EntityType, cb func(keys.Key) error) error {
	revisionsBucket, err := r.tx.Bucket(bucketRevisions)
	if err != nil {
		return err
	}
	revisionTypeBucket, err := r.tx.Bucket(bucketRevisionType)
	if err != nil {
		return err
	}
	start := (sinceRev + 1).EncodeBigEndian()
	return revisionsBucket.Scan(start, func(k, v []byte) error {
		typBytes, typErr := revisionTypeBucket.Get(k)
		if typErr != nil {
			return typErr
		}
		if domain.EntityType(typBytes[0]) != t {
			return nil
		}
		rev, decodeErr := keys.DecodeRevision(k)
		if decodeErr != nil {
			return decodeErr
		}
		id, idErr := keys.IdentifierFromBytes(v)
		if idErr != nil {
			return idErr
		}
		return cb(keys.Key{ID: id, Rev: rev})
	})
}

// ResolveRevision looks up the type and identifier recorded against a
// single revision, without needing to know the type in advance — the
// direct single-key lookup the change-replay engine needs (spec §4.7:
// "looks up type and id via revisions") as opposed to ReadRevisions'
// type-filtered scan. ok is false if no entity was ever written at rev.
func (r *Reader) ResolveRevision(rev keys.Revision) (t domain.EntityType, id keys.Identifier, ok bool, err error) {
	revisionTypeBucket, err := r.tx.Bucket(bucketRevisionType)
	if err != nil {
		return 0, keys.Identifier{}, false, err
	}
	typBytes, err := revisionTypeBucket.Get(rev.EncodeBigEndian())
	if errors.Is(err, store.ErrNotFound) {
		return 0, keys.Identifier{}, false, nil
	}
	if err != nil {
		return 0, keys.Identifier{}, false, err
	}

	revisionsBucket, err := r.tx.Bucket(bucketRevisions)
	if err != nil {
		return 0, keys.Identifier{}, false, err
	}
	idBytes, err := revisionsBucket.Get(rev.EncodeBigEndian())
	if err != nil {
		return 0, keys.Identifier{}, false, err
	}
	id, err = keys.IdentifierFromBytes(idBytes)
	if err != nil {
		return 0, keys.Identifier{}, false, err
	}
	return domain.EntityType(typBytes[0]), id, true, nil
}

// Exists reports whether id's latest revision exists and is not a
// tombstone. Spec §4.2 `exists`.
func (r *Reader) Exists(t domain.EntityType, id keys.Identifier) (bool, error) {
	rev, err := r.latestRevision(id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	buf, err := r.readBufferAt(t, rev)
	if err != nil {
		return false, err
	}
	return buf.Metadata.Operation != entitybuffer.Removal, nil
}

// MaxRevision returns the largest revision written in this environment.
func (r *Reader) MaxRevision() (keys.Revision, error) {
	b, err := r.tx.Bucket(bucketDefault)
	if err != nil {
		return 0, err
	}
	v, err := b.Get([]byte(keyMaxRevision))
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return keys.DecodeRevision(v)
}

// CleanedUpRevision returns the revision cleanup has advanced to.
func (r *Reader) CleanedUpRevision() (keys.Revision, error) {
	b, err := r.tx.Bucket(bucketDefault)
	if err != nil {
		return 0, err
	}
	v, err := b.Get([]byte(keyCleanedUpRevison))
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return keys.DecodeRevision(v)
}

// DatabaseVersion returns the schema version recorded in the default
// bucket, or 0 if the environment was just created.
func (r *Reader) DatabaseVersion() (int, error) {
	b, err := r.tx.Bucket(bucketDefault)
	if err != nil {
		return 0, err
	}
	v, err := b.Get([]byte(keyDatabaseVersion))
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	rev, decodeErr := keys.DecodeRevision(v)
	return int(rev), decodeErr
}

// WriteDatabaseVersion records the current schema version. Called once at
// resource startup after a wipe-and-recreate (spec §6).
func (s *EntityStore) WriteDatabaseVersion(version int) error {
	return s.env.Update(func(tx *store.Tx) error {
		b, err := tx.Bucket(bucketDefault)
		if err != nil {
			return err
		}
		return b.Write([]byte(keyDatabaseVersion), keys.Revision(version).EncodeBigEndian())
	})
}

// ValueIndexLookup returns every identifier recorded under the given value
// in a declared value index, used by internal/query's Source node.
func (r *Reader) ValueIndexLookup(t domain.EntityType, idx domain.IndexDescriptor, value []byte) ([]keys.Identifier, error) {
	b, err := r.tx.Bucket(idx.BucketName(t))
	if err != nil {
		return nil, err
	}
	var ids []keys.Identifier
	err = b.ScanPrefix(value, func(k, v []byte) error {
		if len(k) != len(value)+keys.IdentifierSize {
			return nil // a longer value that merely starts with value
		}
		id, idErr := keys.IdentifierFromBytes(v)
		if idErr != nil {
			return idErr
		}
		ids = append(ids, id)
		return nil
	})
	return ids, err
}

// FulltextLookup resolves every Mail identifier posted under term in the
// mail fulltext index (spec §4.3.2), used by internal/query's Source node
// in place of a full type scan when a query's base filter is a Fulltext
// comparator.
func (r *Reader) FulltextLookup(term string) ([]keys.Identifier, error) {
	return mailindex.NewFulltextIndexer().Search(r.tx, term)
}

// SortedIndexScan returns every identifier recorded under the given value
// in a declared sorted index, in ascending sort-property order, used by
// internal/query's Source node for sorted iteration (spec §4.9 guarantee
// 3).
func (r *Reader) SortedIndexScan(t domain.EntityType, idx domain.IndexDescriptor, value []byte) ([]keys.Identifier, error) {
	b, err := r.tx.Bucket(idx.BucketName(t))
	if err != nil {
		return nil, err
	}
	var ids []keys.Identifier
	err = b.ScanPrefix(value, func(k, v []byte) error {
		id, idErr := keys.IdentifierFromBytes(v)
		if idErr != nil {
			return idErr
		}
		ids = append(ids, id)
		return nil
	})
	return ids, err
}

// SecondaryIndexLookup resolves the referenced property value for id
// directly from the secondary index, without loading the entity. Used by
// the ReferenceResolver query stage for chains like Folder.Parent.
func (r *Reader) SecondaryIndexLookup(t domain.EntityType, idx domain.IndexDescriptor, id keys.Identifier) ([]byte, error) {
	b, err := r.tx.Bucket(idx.BucketName(t))
	if err != nil {
		return nil, err
	}
	v, err := b.Get(id.Bytes())
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return v, err
}
