// Package probe performs the raw HTTP, TCP and ICMP checks behind the Prober interface.
package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/uppehq/node/pkg/types"
)

type Request struct {
	Target              string
	CheckType           types.CheckType
	Timeout             time.Duration
	ExpectedStatusCodes []int
	Headers             map[string]string
	Body                string
}

// Outcome is the raw result of one check. Success means the target answered in the
// expected way; Err is set for transport failures and TimedOut when the deadline hit.
type Outcome struct {
	Success    bool
	StatusCode *int
	LatencyMs  *int64
	Err        error
	TimedOut   bool
}

type Prober interface {
	Probe(ctx context.Context, req Request) Outcome
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, req Request) Outcome

func (f ProberFunc) Probe(ctx context.Context, req Request) Outcome {
	return f(ctx, req)
}

// Dispatcher routes requests to a prober per check type.
type Dispatcher struct {
	HTTP Prober
	TCP  Prober
	ICMP Prober
}

// NewDispatcher wires the default network probers.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		HTTP: NewHTTPProber(nil),
		TCP:  TCPProber{},
		ICMP: ICMPProber{},
	}
}

func (d *Dispatcher) Probe(ctx context.Context, req Request) Outcome {
	var p Prober
	switch req.CheckType {
	case types.CheckHTTP:
		p = d.HTTP
	case types.CheckTCP:
		p = d.TCP
	case types.CheckICMP:
		p = d.ICMP
	}
	if p == nil {
		return Outcome{Err: fmt.Errorf("unsupported check type %q", req.CheckType)}
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	return p.Probe(ctx, req)
}

func elapsedMs(start time.Time) *int64 {
	return types.Int64(time.Since(start).Milliseconds())
}
