// Package entitybuffer implements the tagged, length-prefixed entity record
// format: a composite of three byte-vector sub-buffers (metadata, resource,
// local), each itself a length-prefixed typed record whose field order is
// fixed per entity type for forward compatibility. See SPEC_FULL.md §3 and
// §6 and DESIGN.md's standard-library justification for why this is a
// hand-rolled binary codec rather than a third-party serialization library.
package entitybuffer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/cuemby/sink/internal/keys"
)

// Operation tags the kind of mutation a revision records.
type Operation uint8

const (
	// Creation marks the revision that first brought an identifier into
	// existence.
	Creation Operation = iota
	// Modification marks a revision that merged a diff onto the prior
	// properties of an existing identifier.
	Modification
	// Removal marks a tombstone revision; its Resource and Local
	// sub-buffers are always empty.
	Removal
)

func (o Operation) String() string {
	switch o {
	case Creation:
		return "Creation"
	case Modification:
		return "Modification"
	case Removal:
		return "Removal"
	default:
		return fmt.Sprintf("Operation(%d)", uint8(o))
	}
}

// Metadata is the fixed-schema first sub-buffer of every entity buffer.
type Metadata struct {
	Revision           keys.Revision
	Operation          Operation
	ReplayToSource     bool
	ModifiedProperties []string
}

// Buffer is the full tagged composite record: metadata plus the two
// property sub-buffers. Resource holds adapter/resource-specific
// properties (e.g. MIME message bytes); Local holds the canonical typed
// properties the type registry declares (subject, date, ...). Both may be
// nil for a tombstone.
type Buffer struct {
	Metadata Metadata
	Resource PropertySet
	Local    PropertySet
}

// PropertySet is a map from declared property name to its raw encoded
// bytes; it is encoded with its entries sorted by name. Encoding of individual typed values (string, []byte,
// time.Time, bool, [][]byte) is the type registry's responsibility
// (internal/domain); entitybuffer only frames already-encoded bytes.
type PropertySet map[string][]byte

// writeLenPrefixed writes a uint32 length prefix followed by b.
func writeLenPrefixed(w *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	w.Write(lenBuf[:])
	w.Write(b)
}

func readLenPrefixed(r *bytes.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := r.Read(lenBuf[:]); err != nil {
		return nil, fmt.Errorf("entitybuffer: reading length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if int(n) > r.Len() {
		return nil, errors.New("entitybuffer: length prefix exceeds remaining buffer")
	}
	out := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(out); err != nil {
			return nil, fmt.Errorf("entitybuffer: reading framed payload: %w", err)
		}
	}
	return out, nil
}

func encodePropertySet(props PropertySet) []byte {
	var buf bytes.Buffer
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(props)))
	buf.Write(countBuf[:])
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		writeLenPrefixed(&buf, []byte(name))
		writeLenPrefixed(&buf, props[name])
	}
	return buf.Bytes()
}

func decodePropertySet(b []byte) (PropertySet, error) {
	if len(b) == 0 {
		return PropertySet{}, nil
	}
	r := bytes.NewReader(b)
	var countBuf [4]byte
	if _, err := r.Read(countBuf[:]); err != nil {
		return nil, fmt.Errorf("entitybuffer: reading property count: %w", err)
	}
	count := binary.BigEndian.Uint32(countBuf[:])
	props := make(PropertySet, count)
	for i := uint32(0); i < count; i++ {
		name, err := readLenPrefixed(r)
		if err != nil {
			return nil, err
		}
		value, err := readLenPrefixed(r)
		if err != nil {
			return nil, err
		}
		props[string(name)] = value
	}
	return props, nil
}

func encodeMetadata(m Metadata) []byte {
	var buf bytes.Buffer
	var revBuf [8]byte
	binary.BigEndian.PutUint64(revBuf[:], uint64(m.Revision))
	buf.Write(revBuf[:])
	buf.WriteByte(byte(m.Operation))
	if m.ReplayToSource {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(m.ModifiedProperties)))
	buf.Write(countBuf[:])
	for _, p := range m.ModifiedProperties {
		writeLenPrefixed(&buf, []byte(p))
	}
	return buf.Bytes()
}

func decodeMetadata(b []byte) (Metadata, error) {
	var m Metadata
	if len(b) < 13 {
		return m, errors.New("entitybuffer: metadata buffer too short")
	}
	r := bytes.NewReader(b)
	var revBuf [8]byte
	if _, err := r.Read(revBuf[:]); err != nil {
		return m, err
	}
	m.Revision = keys.Revision(binary.BigEndian.Uint64(revBuf[:]))
	opByte, err := r.ReadByte()
	if err != nil {
		return m, err
	}
	m.Operation = Operation(opByte)
	replayByte, err := r.ReadByte()
	if err != nil {
		return m, err
	}
	m.ReplayToSource = replayByte != 0
	var countBuf [4]byte
	if _, err := r.Read(countBuf[:]); err != nil {
		return m, err
	}
	count := binary.BigEndian.Uint32(countBuf[:])
	m.ModifiedProperties = make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		p, err := readLenPrefixed(r)
		if err != nil {
			return m, err
		}
		m.ModifiedProperties = append(m.ModifiedProperties, string(p))
	}
	return m, nil
}

// Encode serializes the buffer to its wire/storage representation:
// three length-prefixed sub-buffers in fixed order (metadata, resource,
// local).
func Encode(b Buffer) []byte {
	var out bytes.Buffer
	writeLenPrefixed(&out, encodeMetadata(b.Metadata))
	writeLenPrefixed(&out, encodePropertySet(b.Resource))
	writeLenPrefixed(&out, encodePropertySet(b.Local))
	return out.Bytes()
}

// Decode reverses Encode. It returns an error wrapping ErrInvalidBuffer
// rather than panicking, per spec §7: buffer/verification failures on
// framed inputs are warnings, not crashes.
func Decode(raw []byte) (Buffer, error) {
	r := bytes.NewReader(raw)

	metaBytes, err := readLenPrefixed(r)
	if err != nil {
		return Buffer{}, fmt.Errorf("%w: %v", ErrInvalidBuffer, err)
	}
	meta, err := decodeMetadata(metaBytes)
	if err != nil {
		return Buffer{}, fmt.Errorf("%w: %v", ErrInvalidBuffer, err)
	}

	resourceBytes, err := readLenPrefixed(r)
	if err != nil {
		return Buffer{}, fmt.Errorf("%w: %v", ErrInvalidBuffer, err)
	}
	resource, err := decodePropertySet(resourceBytes)
	if err != nil {
		return Buffer{}, fmt.Errorf("%w: %v", ErrInvalidBuffer, err)
	}

	localBytes, err := readLenPrefixed(r)
	if err != nil {
		return Buffer{}, fmt.Errorf("%w: %v", ErrInvalidBuffer, err)
	}
	local, err := decodePropertySet(localBytes)
	if err != nil {
		return Buffer{}, fmt.Errorf("%w: %v", ErrInvalidBuffer, err)
	}

	return Buffer{Metadata: meta, Resource: resource, Local: local}, nil
}

// ErrInvalidBuffer wraps any decode failure of a malformed entity buffer.
var ErrInvalidBuffer = errors.New("entitybuffer: invalid buffer")

// Tombstone builds the buffer for a Removal revision: empty sub-buffers,
// metadata alone records the tombstone, per spec §3.
func Tombstone(rev keys.Revision, replayToSource bool) Buffer {
	return Buffer{
		Metadata: Metadata{
			Revision:       rev,
			Operation:      Removal,
			ReplayToSource: replayToSource,
		},
		Resource: PropertySet{},
		Local:    PropertySet{},
	}
}
