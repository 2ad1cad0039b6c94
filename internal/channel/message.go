// Package channel implements the per-resource client IPC transport spec.md
// §4.10 describes and SPEC_FULL.md §6.1 pins the framing for: a 4-byte
// big-endian length prefix, a 1-byte message-type tag, and a gob-encoded
// payload, over a net.Conn. Grounded on the teacher's pkg/api/server.go for
// the Start/Stop listener lifecycle and pkg/client/client.go for the
// connection-wrapper shape; grpc/protobuf themselves are dropped (see
// DESIGN.md) since the channel is a bidirectional stream of asynchronous
// pushes, not a request/response RPC.
package channel

import (
	"encoding/gob"
)

// MessageType tags a framed message, spec §4.10's client/server message
// list.
type MessageType byte

const (
	// Client -> server messages.
	Handshake MessageType = iota + 1
	Secret
	CreateCommand
	ModifyCommand
	DeleteCommand
	Synchronize
	Flush
	AbortSynchronization
	Inspection
	RevisionReplayed
	Ping
	Shutdown
	RemoveFromDisk
	Upgrade

	// Server -> client messages.
	RevisionUpdate
	CommandCompletion
	Notification

	// Panic is a short-write the server sends immediately before closing a
	// connection it is tearing down because of an unrecoverable error, so
	// a client mid-read can distinguish an intentional shutdown from a
	// crash (spec §4.10's "PANIC short-write precedes abort on crash").
	Panic

	// CustomCommand is the first id available to adapter- or
	// deployment-specific extension messages, spec §4.10's "user-defined
	// >= CustomCommand".
	CustomCommand MessageType = 128
)

func (t MessageType) String() string {
	switch t {
	case Handshake:
		return "HANDSHAKE"
	case Secret:
		return "SECRET"
	case CreateCommand:
		return "CREATE"
	case ModifyCommand:
		return "MODIFY"
	case DeleteCommand:
		return "DELETE"
	case Synchronize:
		return "SYNCHRONIZE"
	case Flush:
		return "FLUSH"
	case AbortSynchronization:
		return "ABORT-SYNCHRONIZATION"
	case Inspection:
		return "INSPECTION"
	case RevisionReplayed:
		return "REVISION-REPLAYED"
	case Ping:
		return "PING"
	case Shutdown:
		return "SHUTDOWN"
	case RemoveFromDisk:
		return "REMOVE-FROM-DISK"
	case Upgrade:
		return "UPGRADE"
	case RevisionUpdate:
		return "REVISION-UPDATE"
	case CommandCompletion:
		return "COMMAND-COMPLETION"
	case Notification:
		return "NOTIFICATION"
	case Panic:
		return "PANIC"
	default:
		return "CUSTOM"
	}
}

// HandshakePayload names the connecting client, spec §4.10 HANDSHAKE(name).
type HandshakePayload struct {
	Name string
}

// SecretPayload carries a plaintext adapter credential, immediately handed
// to internal/secretvault.Vault.Put and never logged.
type SecretPayload struct {
	Secret []byte
}

// CommandPayload wraps a single encoded command body for CREATE/MODIFY/
// DELETE, matching the gob envelope internal/command already defines so
// the channel can hand the bytes straight to the command queue. MessageID
// correlates the eventual COMMAND-COMPLETION push back to this submission.
type CommandPayload struct {
	MessageID string
	Body      []byte
}

// SynchronizePayload carries the query bytes for a SYNCHRONIZE message.
type SynchronizePayload struct {
	Query []byte
}

// FlushPayload carries the flush id and barrier type for a FLUSH message.
type FlushPayload struct {
	ID   string
	Type uint8
}

// InspectionPayload carries an opaque inspection command's bytes.
type InspectionPayload struct {
	Body []byte
}

// RevisionReplayedPayload acknowledges that a client has observed up to
// Revision. internal/resource treats it as informational only: its handler
// records nothing and releases nothing.
type RevisionReplayedPayload struct {
	Revision uint64
}

// RevisionUpdatePayload is pushed to the client whenever the resource's
// maxRevision advances.
type RevisionUpdatePayload struct {
	Revision uint64
}

// CommandCompletionPayload reports that a previously submitted command has
// finished, spec §4.10's COMMAND-COMPLETION(msgId, success).
type CommandCompletionPayload struct {
	MessageID string
	Success   bool
}

// NotificationPayload mirrors internal/notifier.Notification's wire shape.
type NotificationPayload struct {
	Type      int
	Code      int
	ID        string
	Message   string
	Entities  [][]byte
	Progress  int
	Total     int
	Revision  uint64
	Timestamp int64
}

func init() {
	gob.Register(HandshakePayload{})
	gob.Register(SecretPayload{})
	gob.Register(CommandPayload{})
	gob.Register(SynchronizePayload{})
	gob.Register(FlushPayload{})
	gob.Register(InspectionPayload{})
	gob.Register(RevisionReplayedPayload{})
	gob.Register(RevisionUpdatePayload{})
	gob.Register(CommandCompletionPayload{})
	gob.Register(NotificationPayload{})
}
