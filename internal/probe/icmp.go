package probe

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// ICMPProber sends a single echo request. Unprivileged (UDP) ping is used except on
// Windows, which only supports raw sockets.
type ICMPProber struct{}

func (ICMPProber) Probe(ctx context.Context, req Request) Outcome {
	pinger, err := probing.NewPinger(req.Target)
	if err != nil {
		return Outcome{Err: fmt.Errorf("create pinger: %w", err)}
	}
	pinger.Count = 1
	if deadline, ok := ctx.Deadline(); ok {
		pinger.Timeout = time.Until(deadline)
	} else if req.Timeout > 0 {
		pinger.Timeout = req.Timeout
	}
	pinger.SetPrivileged(runtime.GOOS == "windows")

	start := time.Now()
	if err := pinger.RunWithContext(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return Outcome{Err: fmt.Errorf("ping failed: %w", err), LatencyMs: elapsedMs(start)}
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return Outcome{
			Err:       errors.New("no echo reply received"),
			TimedOut:  true,
			LatencyMs: elapsedMs(start),
		}
	}
	rtt := stats.AvgRtt
	if rtt == 0 {
		rtt = stats.MinRtt
	}
	return Outcome{Success: true, LatencyMs: int64Ptr(rtt.Milliseconds())}
}

func int64Ptr(v int64) *int64 { return &v }
