package synchronizer

import (
	"encoding/binary"
	"errors"

	"github.com/cuemby/sink/internal/domain"
	"github.com/cuemby/sink/internal/keys"
	"github.com/cuemby/sink/internal/store"
)

// RemoteIDStore is the `$id.synchronization` remote-id map spec §4.8
// describes: a durable, bidirectional translation table between the
// source's remote ids and Sink's local Identifiers, one entry per
// (type, id) pair. Grounded on original_source/common/synchronizer.h's
// mSyncStore (a RemoteIdMap opened against the resource's sync storage).
type RemoteIDStore struct {
	env *store.Env
}

const (
	bucketRemoteToLocal = "remoteToLocal"
	bucketLocalToRemote = "localToRemote"
)

// NewRemoteIDStore wraps env (the resource's `$id.synchronization`
// environment) with remote-id bookkeeping.
func NewRemoteIDStore(env *store.Env) *RemoteIDStore {
	return &RemoteIDStore{env: env}
}

func compositeKey(t domain.EntityType, suffix []byte) []byte {
	key := make([]byte, 4+len(suffix))
	binary.BigEndian.PutUint32(key[:4], uint32(t))
	copy(key[4:], suffix)
	return key
}

// ResolveRemoteID looks up the local id mapped to remoteID. If none exists
// and create is true, a new local Identifier is minted and recorded both
// ways; ok reports whether an existing mapping was found (false when one
// was freshly created).
func (s *RemoteIDStore) ResolveRemoteID(t domain.EntityType, remoteID []byte, create bool) (keys.Identifier, bool, error) {
	var local keys.Identifier
	var found bool

	err := s.env.View(func(tx *store.Tx) error {
		b, err := tx.Bucket(bucketRemoteToLocal)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := b.Get(compositeKey(t, remoteID))
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		local, err = keys.IdentifierFromBytes(raw)
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil || found || !create {
		return local, found, err
	}

	local = keys.NewIdentifier()
	if err := s.Record(t, remoteID, local); err != nil {
		return keys.Identifier{}, false, err
	}
	return local, false, nil
}

// Record stores a new remote↔local id mapping, both directions.
func (s *RemoteIDStore) Record(t domain.EntityType, remoteID []byte, local keys.Identifier) error {
	return s.env.Update(func(tx *store.Tx) error {
		r2l, err := tx.Bucket(bucketRemoteToLocal)
		if err != nil {
			return err
		}
		if err := r2l.Write(compositeKey(t, remoteID), local.Bytes()); err != nil {
			return err
		}
		l2r, err := tx.Bucket(bucketLocalToRemote)
		if err != nil {
			return err
		}
		return l2r.Write(compositeKey(t, local.Bytes()), remoteID)
	})
}

// Update replaces the remote id recorded for local, used when a source
// renames/moves an entity's remote identity without changing its local
// one.
func (s *RemoteIDStore) Update(t domain.EntityType, local keys.Identifier, newRemoteID []byte) error {
	return s.env.Update(func(tx *store.Tx) error {
		l2r, err := tx.Bucket(bucketLocalToRemote)
		if err != nil {
			return err
		}
		oldRemoteID, err := l2r.Get(compositeKey(t, local.Bytes()))
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := l2r.Write(compositeKey(t, local.Bytes()), newRemoteID); err != nil {
			return err
		}
		r2l, err := tx.Bucket(bucketRemoteToLocal)
		if err != nil {
			return err
		}
		if oldRemoteID != nil {
			_ = r2l.Remove(compositeKey(t, oldRemoteID))
		}
		return r2l.Write(compositeKey(t, newRemoteID), local.Bytes())
	})
}

// Remove deletes both directions of the mapping for local, called when the
// local entity is deleted (spec §4.8 `removeRemoteId`).
func (s *RemoteIDStore) Remove(t domain.EntityType, local keys.Identifier) error {
	return s.env.Update(func(tx *store.Tx) error {
		l2r, err := tx.Bucket(bucketLocalToRemote)
		if err != nil {
			return err
		}
		remoteID, err := l2r.Get(compositeKey(t, local.Bytes()))
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := l2r.Remove(compositeKey(t, local.Bytes())); err != nil {
			return err
		}
		r2l, err := tx.Bucket(bucketRemoteToLocal)
		if err != nil {
			return err
		}
		return r2l.Remove(compositeKey(t, remoteID))
	})
}

// LocalToRemote looks up the remote id recorded for a local entity.
func (s *RemoteIDStore) LocalToRemote(t domain.EntityType, local keys.Identifier) ([]byte, bool, error) {
	var remoteID []byte
	var found bool
	err := s.env.View(func(tx *store.Tx) error {
		b, err := tx.Bucket(bucketLocalToRemote)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := b.Get(compositeKey(t, local.Bytes()))
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		remoteID = append([]byte(nil), raw...)
		found = true
		return nil
	})
	return remoteID, found, err
}
