package health

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoProbeAlwaysReachable(t *testing.T) {
	assert.True(t, NoProbe.Probe(context.Background()))
}

func TestTCPDialProbeReportsReachableListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	p := TCPDialProbe(ln.Addr().String(), time.Second)
	assert.True(t, p.Probe(context.Background()))
}

func TestTCPDialProbeReportsUnreachableClosedPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	p := TCPDialProbe(addr, 200*time.Millisecond)
	assert.False(t, p.Probe(context.Background()))
}
