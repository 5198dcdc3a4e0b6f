package probe

import (
	"context"
	"net"
	"time"
)

// TCPProber succeeds when a connection to host:port is established.
type TCPProber struct{}

func (TCPProber) Probe(ctx context.Context, req Request) Outcome {
	var dialer net.Dialer
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", req.Target)
	latency := elapsedMs(start)
	if err != nil {
		return Outcome{Err: err, TimedOut: isTimeout(ctx, err), LatencyMs: latency}
	}
	_ = conn.Close()
	return Outcome{Success: true, LatencyMs: latency}
}
