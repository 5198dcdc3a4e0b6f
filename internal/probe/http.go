package probe

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const maxDrainBytes = 64 << 10

// HTTPProber issues one request and compares the response code with the expected set.
// An empty expected set accepts any 2xx or 3xx response.
type HTTPProber struct {
	client *http.Client
}

func NewHTTPProber(client *http.Client) *HTTPProber {
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		}
	}
	return &HTTPProber{client: client}
}

func (p *HTTPProber) Probe(ctx context.Context, req Request) Outcome {
	method := http.MethodGet
	var body io.Reader
	if req.Body != "" {
		method = http.MethodPost
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.Target, body)
	if err != nil {
		return Outcome{Err: err}
	}
	httpReq.Header.Set("User-Agent", "uppe-node")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	latency := elapsedMs(start)
	if err != nil {
		return Outcome{Err: err, TimedOut: isTimeout(ctx, err), LatencyMs: latency}
	}
	_, _ = io.CopyN(io.Discard, resp.Body, maxDrainBytes)
	_ = resp.Body.Close()

	code := resp.StatusCode
	return Outcome{
		Success:    statusExpected(code, req.ExpectedStatusCodes),
		StatusCode: &code,
		LatencyMs:  latency,
	}
}

func statusExpected(code int, expected []int) bool {
	if len(expected) == 0 {
		return code >= 200 && code < 400
	}
	for _, want := range expected {
		if code == want {
			return true
		}
	}
	return false
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
