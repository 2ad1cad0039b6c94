package domain

import (
	"bytes"
	"encoding/binary"
	"time"
)

// EncodeString encodes a string property value.
func EncodeString(s string) []byte { return []byte(s) }

// DecodeString decodes a string property value.
func DecodeString(b []byte) string { return string(b) }

// EncodeBool encodes a bool property value as a single byte.
func EncodeBool(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

// DecodeBool decodes a bool property value.
func DecodeBool(b []byte) bool {
	return len(b) > 0 && b[0] != 0
}

// EncodeTime encodes a time.Time property as its Unix nanosecond timestamp,
// big-endian, so that byte-order comparison of the encoded form agrees with
// chronological order — sorted indexes (spec §4.3) rely on this.
func EncodeTime(t time.Time) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, uint64(t.UnixNano()))
	return out
}

// DecodeTime reverses EncodeTime.
func DecodeTime(b []byte) time.Time {
	if len(b) != 8 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(b)))
}

// EncodeByteList encodes a list of byte-strings (e.g. Contact.emails,
// Mail.to) as length-prefixed concatenation.
func EncodeByteList(items [][]byte) []byte {
	var buf bytes.Buffer
	var lenBuf [4]byte
	for _, item := range items {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(item)))
		buf.Write(lenBuf[:])
		buf.Write(item)
	}
	return buf.Bytes()
}

// DecodeByteList reverses EncodeByteList.
func DecodeByteList(b []byte) [][]byte {
	var out [][]byte
	for len(b) >= 4 {
		n := binary.BigEndian.Uint32(b[:4])
		b = b[4:]
		if uint32(len(b)) < n {
			break
		}
		out = append(out, b[:n])
		b = b[n:]
	}
	return out
}
