// Package command declares the queued command envelope and per-command body
// schemas spec §6 fixes: a QueuedCommand wraps an integer command id and an
// encoded payload; Create/Modify/Delete/Flush/Synchronize each have their
// own body. Bodies are encoded with encoding/gob — the same wire codec
// internal/channel frames client messages with (see SPEC_FULL.md §6.1 for why
// grpc/protobuf were dropped in favor of this), so a command read off the
// client channel can be re-encoded into a queue entry without a second
// codec in between.
package command

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/cuemby/sink/internal/domain"
	"github.com/cuemby/sink/internal/keys"
)

// ID identifies a queued command's kind, spec §4.6/§6.
type ID int32

const (
	Create ID = iota + 1
	Modify
	Delete
	Flush
	Synchronize
	Inspection
)

func (id ID) String() string {
	switch id {
	case Create:
		return "Create"
	case Modify:
		return "Modify"
	case Delete:
		return "Delete"
	case Flush:
		return "Flush"
	case Synchronize:
		return "Synchronize"
	case Inspection:
		return "Inspection"
	default:
		return fmt.Sprintf("ID(%d)", int32(id))
	}
}

// FlushType distinguishes the two flush barriers spec §4.6 describes.
type FlushType uint8

const (
	FlushReplayQueue FlushType = iota
	FlushSynchronization
)

// CreateBody is Create{entityId, type, delta, replayToSource}.
type CreateBody struct {
	EntityID       keys.Identifier
	Type           domain.EntityType
	Delta          map[string][]byte
	ReplayToSource bool
}

// ModifyBody is Modify{revision, entityId, deletions, type, delta,
// replayToSource, modifiedProperties, targetResource, removeFlag}.
type ModifyBody struct {
	Revision           keys.Revision
	EntityID           keys.Identifier
	Deletions          []string
	Type               domain.EntityType
	Delta              map[string][]byte
	ReplayToSource     bool
	ModifiedProperties []string
	// TargetResource is set when a preprocessor redirects a modification
	// to MoveToResource: the pipeline emits a delete here plus a create at
	// TargetResource instead of writing locally.
	TargetResource string
	RemoveFlag     bool
}

// DeleteBody is Delete{revision, entityId, type, replayToSource}.
type DeleteBody struct {
	Revision       keys.Revision
	EntityID       keys.Identifier
	Type           domain.EntityType
	ReplayToSource bool
}

// FlushBody is Flush{id, type}.
type FlushBody struct {
	ID   string
	Type FlushType
}

// SynchronizeBody is Synchronize{querybytes}.
type SynchronizeBody struct {
	QueryBytes []byte
}

// QueuedCommand wraps a command id and its gob-encoded payload, the unit
// the durable queues (internal/queue) store and the command processor
// dequeues.
type QueuedCommand struct {
	ID      ID
	Payload []byte
}

// Encode gob-encodes body and wraps it with id into a QueuedCommand, itself
// gob-encoded for storage.
func Encode(id ID, body any) ([]byte, error) {
	var payloadBuf bytes.Buffer
	if err := gob.NewEncoder(&payloadBuf).Encode(body); err != nil {
		return nil, fmt.Errorf("command: encoding payload: %w", err)
	}
	qc := QueuedCommand{ID: id, Payload: payloadBuf.Bytes()}
	var envBuf bytes.Buffer
	if err := gob.NewEncoder(&envBuf).Encode(qc); err != nil {
		return nil, fmt.Errorf("command: encoding envelope: %w", err)
	}
	return envBuf.Bytes(), nil
}

// DecodeEnvelope extracts the command id and raw payload bytes from a
// stored queue entry.
func DecodeEnvelope(raw []byte) (QueuedCommand, error) {
	var qc QueuedCommand
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&qc); err != nil {
		return QueuedCommand{}, fmt.Errorf("command: decoding envelope: %w", err)
	}
	return qc, nil
}

// DecodeCreate decodes a CreateBody payload.
func DecodeCreate(payload []byte) (CreateBody, error) {
	var b CreateBody
	err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&b)
	return b, err
}

// DecodeModify decodes a ModifyBody payload.
func DecodeModify(payload []byte) (ModifyBody, error) {
	var b ModifyBody
	err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&b)
	return b, err
}

// DecodeDelete decodes a DeleteBody payload.
func DecodeDelete(payload []byte) (DeleteBody, error) {
	var b DeleteBody
	err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&b)
	return b, err
}

// DecodeFlush decodes a FlushBody payload.
func DecodeFlush(payload []byte) (FlushBody, error) {
	var b FlushBody
	err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&b)
	return b, err
}

// DecodeSynchronize decodes a SynchronizeBody payload.
func DecodeSynchronize(payload []byte) (SynchronizeBody, error) {
	var b SynchronizeBody
	err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&b)
	return b, err
}
