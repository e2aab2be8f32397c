package probe

import (
	"context"
	"net"
	"time"

	"github.com/upmon-net/upmon/pkg/types"
)

// tcpProber reports up when a TCP three-way handshake completes.
type tcpProber struct{}

func (p *tcpProber) probe(ctx context.Context, address string, timeout time.Duration) attemptResult {
	host, port, err := types.ParseHostPort(address)
	if err != nil {
		return attemptResult{reason: "invalid address: " + err.Error(), permanent: true}
	}

	dialer := &net.Dialer{Timeout: timeout}
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	latency := float64(time.Since(start).Microseconds()) / 1000.0
	if err != nil {
		return attemptResult{reason: shortReason(err)}
	}
	conn.Close()

	return attemptResult{up: true, latencyMs: latency}
}
