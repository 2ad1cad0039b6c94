package channel

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sink/internal/notifier"
)

func TestConnSendRecvRoundtripsHandshake(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	serverConn := NewConn(server)
	clientConn := NewConn(client)

	go func() {
		_ = clientConn.Send(Handshake, HandshakePayload{Name: "test-client"})
	}()

	frame, err := serverConn.Recv()
	require.NoError(t, err)
	assert.Equal(t, Handshake, frame.Type)
	assert.Equal(t, HandshakePayload{Name: "test-client"}, frame.Payload)
}

func TestConnSendRecvRoundtripsPayloadlessPing(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	serverConn := NewConn(server)
	clientConn := NewConn(client)

	go func() { _ = clientConn.Send(Ping, nil) }()

	frame, err := serverConn.Recv()
	require.NoError(t, err)
	assert.Equal(t, Ping, frame.Type)
	assert.Nil(t, frame.Payload)
}

type recordingHandler struct {
	created   []byte
	synced    []byte
	shutdown  bool
	inspected []byte
}

func (h *recordingHandler) HandleHandshake(string) error { return nil }
func (h *recordingHandler) HandleSecret([]byte) error    { return nil }
func (h *recordingHandler) HandleCreate(_ string, body []byte) error {
	h.created = body
	return nil
}
func (h *recordingHandler) HandleModify(string, []byte) error { return nil }
func (h *recordingHandler) HandleDelete(string, []byte) error { return nil }
func (h *recordingHandler) HandleSynchronize(q []byte) error  { h.synced = q; return nil }
func (h *recordingHandler) HandleFlush(string, uint8) error   { return nil }
func (h *recordingHandler) HandleAbortSynchronization() error { return nil }
func (h *recordingHandler) HandleInspection(body []byte) (CommandCompletionPayload, error) {
	h.inspected = body
	return CommandCompletionPayload{MessageID: "inspect-1", Success: true}, nil
}
func (h *recordingHandler) HandleRevisionReplayed(uint64) error { return nil }
func (h *recordingHandler) HandleShutdown() error               { h.shutdown = true; return nil }
func (h *recordingHandler) HandleRemoveFromDisk() error          { return nil }
func (h *recordingHandler) HandleUpgrade() error                 { return nil }

func TestSessionDispatchesCreateToHandler(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	handler := &recordingHandler{}
	session := NewSession(NewConn(server), handler, nil)
	go session.Serve()

	clientConn := NewConn(client)
	require.NoError(t, clientConn.Send(CreateCommand, CommandPayload{MessageID: "msg-1", Body: []byte("entity-bytes")}))

	completion, err := clientConn.Recv()
	require.NoError(t, err)
	assert.Equal(t, CommandCompletion, completion.Type)
	assert.Equal(t, CommandCompletionPayload{MessageID: "msg-1", Success: true}, completion.Payload)

	require.NoError(t, clientConn.Send(Shutdown, nil))

	require.Eventually(t, func() bool {
		return handler.shutdown
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []byte("entity-bytes"), handler.created)
}

func TestSessionRespondsToInspectionWithCompletion(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	handler := &recordingHandler{}
	session := NewSession(NewConn(server), handler, nil)
	go session.Serve()

	clientConn := NewConn(client)
	require.NoError(t, clientConn.Send(Inspection, InspectionPayload{Body: []byte("probe")}))

	frame, err := clientConn.Recv()
	require.NoError(t, err)
	require.Equal(t, CommandCompletion, frame.Type)
	assert.Equal(t, CommandCompletionPayload{MessageID: "inspect-1", Success: true}, frame.Payload)
}

func TestSessionPushesRevisionUpdateFromBroker(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	broker := notifier.NewBroker()
	broker.Start()
	defer broker.Stop()

	handler := &recordingHandler{}
	session := NewSession(NewConn(server), handler, broker)
	go session.Serve()

	require.Eventually(t, func() bool {
		return broker.SubscriberCount() == 1
	}, time.Second, 10*time.Millisecond)

	broker.Publish(notifier.Notification{Type: notifier.RevisionUpdate, Revision: 42})

	clientConn := NewConn(client)
	frame, err := clientConn.Recv()
	require.NoError(t, err)
	assert.Equal(t, RevisionUpdate, frame.Type)
	assert.Equal(t, RevisionUpdatePayload{Revision: 42}, frame.Payload)
}
