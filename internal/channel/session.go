package channel

import (
	"errors"
	"io"

	"github.com/cuemby/sink/internal/logx"
	"github.com/cuemby/sink/internal/notifier"
)

// Handler is the resource-side hook a Session dispatches decoded client
// messages to. internal/resource implements this, translating each method
// into a closure posted onto the resource's single event-loop channel
// (spec §5's "only one writer transaction open at a time").
type Handler interface {
	HandleHandshake(name string) error
	HandleSecret(secret []byte) error
	HandleCreate(messageID string, body []byte) error
	HandleModify(messageID string, body []byte) error
	HandleDelete(messageID string, body []byte) error
	HandleSynchronize(query []byte) error
	HandleFlush(id string, flushType uint8) error
	HandleAbortSynchronization() error
	HandleInspection(body []byte) (CommandCompletionPayload, error)
	HandleRevisionReplayed(revision uint64) error
	HandleShutdown() error
	HandleRemoveFromDisk() error
	HandleUpgrade() error
}

// Session drives one client connection: a read loop dispatching incoming
// frames to a Handler, and a push loop forwarding notifier.Notifications
// (including RevisionUpdate) as framed messages.
type Session struct {
	conn    *Conn
	handler Handler
	broker  *notifier.Broker
	sub     notifier.Subscriber

	done chan struct{}
}

// NewSession wraps conn with handler, subscribing to broker for outbound
// pushes (REVISION-UPDATE, NOTIFICATION).
func NewSession(conn *Conn, handler Handler, broker *notifier.Broker) *Session {
	return &Session{
		conn:    conn,
		handler: handler,
		broker:  broker,
		done:    make(chan struct{}),
	}
}

// Serve runs the session until the connection closes or an unrecoverable
// error occurs, blocking the calling goroutine. Callers typically run this
// in its own goroutine per accepted connection.
func (s *Session) Serve() {
	if s.broker != nil {
		s.sub = s.broker.Subscribe()
		go s.pushLoop()
	}
	defer s.teardown()

	for {
		frame, err := s.conn.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logx.WithComponent("channel").Debug().Err(err).Msg("session read failed")
			}
			return
		}
		if err := s.dispatch(frame); err != nil {
			logx.WithComponent("channel").Warn().Err(err).Str("message", frame.Type.String()).Msg("handling client message failed")
			_ = s.conn.SendPanic()
			return
		}
		if frame.Type == Shutdown {
			return
		}
	}
}

func (s *Session) teardown() {
	close(s.done)
	if s.sub != nil {
		s.broker.Unsubscribe(s.sub)
	}
	_ = s.conn.Close()
}

func (s *Session) dispatch(frame Frame) error {
	switch frame.Type {
	case Handshake:
		p, _ := frame.Payload.(HandshakePayload)
		return s.handler.HandleHandshake(p.Name)
	case Secret:
		p, _ := frame.Payload.(SecretPayload)
		return s.handler.HandleSecret(p.Secret)
	case CreateCommand:
		p, _ := frame.Payload.(CommandPayload)
		return s.completeCommand(p.MessageID, s.handler.HandleCreate(p.MessageID, p.Body))
	case ModifyCommand:
		p, _ := frame.Payload.(CommandPayload)
		return s.completeCommand(p.MessageID, s.handler.HandleModify(p.MessageID, p.Body))
	case DeleteCommand:
		p, _ := frame.Payload.(CommandPayload)
		return s.completeCommand(p.MessageID, s.handler.HandleDelete(p.MessageID, p.Body))
	case Synchronize:
		p, _ := frame.Payload.(SynchronizePayload)
		return s.handler.HandleSynchronize(p.Query)
	case Flush:
		p, _ := frame.Payload.(FlushPayload)
		return s.handler.HandleFlush(p.ID, p.Type)
	case AbortSynchronization:
		return s.handler.HandleAbortSynchronization()
	case Inspection:
		p, _ := frame.Payload.(InspectionPayload)
		completion, err := s.handler.HandleInspection(p.Body)
		if err != nil {
			return err
		}
		return s.conn.Send(CommandCompletion, completion)
	case RevisionReplayed:
		p, _ := frame.Payload.(RevisionReplayedPayload)
		return s.handler.HandleRevisionReplayed(p.Revision)
	case Ping:
		return s.conn.Send(Ping, nil)
	case Shutdown:
		return s.handler.HandleShutdown()
	case RemoveFromDisk:
		return s.handler.HandleRemoveFromDisk()
	case Upgrade:
		return s.handler.HandleUpgrade()
	default:
		return nil
	}
}

// completeCommand sends a COMMAND-COMPLETION for a processed CREATE/MODIFY/
// DELETE. cmdErr is folded into Success rather than propagated as a
// session-fatal error: spec §4.10/§7 exposes command failures to the
// client as typed signals (here, success=false), never as a transport
// abort.
func (s *Session) completeCommand(messageID string, cmdErr error) error {
	if cmdErr != nil {
		logx.WithComponent("channel").Warn().Err(cmdErr).Str("messageId", messageID).Msg("command failed")
	}
	return s.conn.Send(CommandCompletion, CommandCompletionPayload{MessageID: messageID, Success: cmdErr == nil})
}

func (s *Session) pushLoop() {
	for {
		select {
		case n, ok := <-s.sub:
			if !ok {
				return
			}
			s.pushNotification(n)
		case <-s.done:
			return
		}
	}
}

func (s *Session) pushNotification(n notifier.Notification) {
	if n.Type == notifier.RevisionUpdate {
		_ = s.conn.Send(RevisionUpdate, RevisionUpdatePayload{Revision: uint64(n.Revision)})
		return
	}

	entities := make([][]byte, len(n.Entities))
	for i, id := range n.Entities {
		entities[i] = id.Bytes()
	}
	_ = s.conn.Send(Notification, NotificationPayload{
		Type:      int(n.Type),
		Code:      int(n.Code),
		ID:        n.ID,
		Message:   n.Message,
		Entities:  entities,
		Progress:  n.Progress,
		Total:     n.Total,
		Revision:  uint64(n.Revision),
		Timestamp: n.Timestamp.Unix(),
	})
}

// PushCommandCompletion sends a COMMAND-COMPLETION message, called by the
// resource once a command's pipeline commit lands (spec §4.10 invariant:
// completion only after the commit containing the write).
func (s *Session) PushCommandCompletion(messageID string, success bool) error {
	return s.conn.Send(CommandCompletion, CommandCompletionPayload{MessageID: messageID, Success: success})
}
