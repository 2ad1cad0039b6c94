// Package health implements the pre-sync reachability probe SPEC_FULL.md
// §4.8.2 describes: a single interface the synchronizer consults before a
// Synchronization request to short-circuit straight to Offline without
// waiting out an adapter timeout against a transport that's already known
// down. Grounded on the teacher's pkg/health HTTP/TCP/exec probe set,
// collapsed here to the one check an adapter actually needs (a dial probe
// against its remote host) since Sink resources don't run container
// liveness/readiness checks.
package health

import (
	"context"
	"net"
	"time"
)

// Prober reports whether the transport an Adapter depends on currently
// looks reachable. Adapters are free not to implement one; see NoProbe.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a plain function to the Prober interface.
type ProberFunc func(ctx context.Context) bool

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

// noProbe always reports reachable, deferring entirely to adapter error
// mapping. This is the zero-value Prober a resource starts with until an
// adapter supplies one of its own.
type noProbe struct{}

func (noProbe) Probe(context.Context) bool { return true }

// NoProbe is the always-reachable Prober SPEC_FULL.md §4.8.2 calls the
// default: adapters that don't implement a reachability check get this.
var NoProbe Prober = noProbe{}

// TCPDialProbe returns a Prober that reports reachable if a TCP connection
// to addr (host:port) succeeds within timeout. This is the "TCP dial probe
// against the IMAP host" example SPEC_FULL.md §4.8.2 names.
func TCPDialProbe(addr string, timeout time.Duration) Prober {
	return ProberFunc(func(ctx context.Context) bool {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	})
}
