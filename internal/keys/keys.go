// Package keys implements the bit-exact key encodings shared by every
// database the entity store and its indexes maintain: the 16-byte entity
// Identifier, the 64-bit monotonic Revision, and the (Identifier, Revision)
// pair used as the key of the revision-indexed databases.
package keys

import (
	"encoding/binary"
	"encoding/hex"
	"errors"

	"github.com/google/uuid"
)

// IdentifierSize is the fixed width, in bytes, of an Identifier.
const IdentifierSize = 16

// Identifier uniquely names an entity across its entire revision history.
// It is opaque to callers outside this module; construct one with
// NewIdentifier or ParseIdentifier.
type Identifier [IdentifierSize]byte

// ErrInvalidIdentifier is returned when decoding a byte slice that is not
// exactly IdentifierSize bytes long.
var ErrInvalidIdentifier = errors.New("keys: invalid identifier length")

// NewIdentifier allocates a fresh random identifier.
func NewIdentifier() Identifier {
	var id Identifier
	copy(id[:], uuid.New()[:])
	return id
}

// IdentifierFromBytes copies a fixed-width identifier out of b.
func IdentifierFromBytes(b []byte) (Identifier, error) {
	var id Identifier
	if len(b) != IdentifierSize {
		return id, ErrInvalidIdentifier
	}
	copy(id[:], b)
	return id, nil
}

// ParseIdentifier decodes the printable hex-string rendering produced by
// String back into an Identifier, for external client interfaces.
func ParseIdentifier(s string) (Identifier, error) {
	var id Identifier
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != IdentifierSize {
		return id, ErrInvalidIdentifier
	}
	copy(id[:], b)
	return id, nil
}

// String renders the identifier as a printable hex string, the form used
// at client interfaces and in logs.
func (id Identifier) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the all-zero identifier, used internally to
// mark "no identifier yet allocated".
func (id Identifier) IsZero() bool {
	return id == Identifier{}
}

// Bytes returns a fresh copy of the identifier's raw bytes, suitable for use
// as a store key.
func (id Identifier) Bytes() []byte {
	out := make([]byte, IdentifierSize)
	copy(out, id[:])
	return out
}

// Revision is a resource-global, strictly monotonically increasing 64-bit
// integer. Revision 0 never names a write; it is reserved to mean "nothing
// has been written yet" in places like lastReplayedRevision.
type Revision uint64

// EncodeBigEndian returns the 8-byte big-endian encoding of r, used
// whenever a revision is a database key, so lexical byte order equals
// numeric order (the store's IntegerKeys emulation, see internal/store).
func (r Revision) EncodeBigEndian() []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(r))
	return b
}

// DecodeRevision reverses EncodeBigEndian.
func DecodeRevision(b []byte) (Revision, error) {
	if len(b) != 8 {
		return 0, errors.New("keys: invalid revision key length")
	}
	return Revision(binary.BigEndian.Uint64(b)), nil
}

// Key is the explicit (Identifier, Revision) pair. The source this
// specification was distilled from sometimes reused a bare identifier where
// a revision-qualified key was meant; Key exists specifically to remove
// that ambiguity (see DESIGN.md, Open Question 3).
type Key struct {
	ID  Identifier
	Rev Revision
}

// EncodeRevisionFirst encodes the key for use in revision-indexed databases
// ($type.main, revisionType, revisions), where keys sort by revision first.
func (k Key) EncodeRevisionFirst() []byte {
	return k.Rev.EncodeBigEndian()
}

// EncodeIdentifierFirst encodes the key for use in the uid index
// (uidsToRevisions), where keys sort by identifier first and allow
// duplicates disambiguated by the trailing revision.
func (k Key) EncodeIdentifierFirst() []byte {
	out := make([]byte, 0, IdentifierSize+8)
	out = append(out, k.ID.Bytes()...)
	out = append(out, k.Rev.EncodeBigEndian()...)
	return out
}

// DecodeIdentifierFirst reverses EncodeIdentifierFirst.
func DecodeIdentifierFirst(b []byte) (Key, error) {
	if len(b) != IdentifierSize+8 {
		return Key{}, errors.New("keys: invalid identifier-first key length")
	}
	id, err := IdentifierFromBytes(b[:IdentifierSize])
	if err != nil {
		return Key{}, err
	}
	rev, err := DecodeRevision(b[IdentifierSize:])
	if err != nil {
		return Key{}, err
	}
	return Key{ID: id, Rev: rev}, nil
}
