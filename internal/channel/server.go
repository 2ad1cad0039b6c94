package channel

import (
	"net"

	"github.com/cuemby/sink/internal/logx"
	"github.com/cuemby/sink/internal/notifier"
)

// HandlerFactory constructs a fresh Handler for each accepted connection,
// since per-connection state (e.g. the HANDSHAKE name) shouldn't leak
// across clients.
type HandlerFactory func() Handler

// Server accepts client connections on a net.Listener and spins up a
// Session per connection. Grounded on the teacher's pkg/api/server.go
// Start/Stop listener lifecycle (net.Listen, accept loop, GracefulStop),
// adapted from a gRPC server to this package's own framed-socket protocol.
type Server struct {
	listener net.Listener
	factory  HandlerFactory
	broker   *notifier.Broker

	done chan struct{}
}

// NewServer wraps an already-created net.Listener (a unix socket listener
// in production, any net.Listener in tests).
func NewServer(listener net.Listener, factory HandlerFactory, broker *notifier.Broker) *Server {
	return &Server{
		listener: listener,
		factory:  factory,
		broker:   broker,
		done:     make(chan struct{}),
	}
}

// Serve accepts connections until Stop is called or the listener errors.
// Blocks; call in its own goroutine.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
				return err
			}
		}
		go NewSession(NewConn(conn), s.factory(), s.broker).Serve()
	}
}

// Stop closes the listener, unblocking Serve.
func (s *Server) Stop() {
	close(s.done)
	if err := s.listener.Close(); err != nil {
		logx.WithComponent("channel").Debug().Err(err).Msg("closing listener")
	}
}
