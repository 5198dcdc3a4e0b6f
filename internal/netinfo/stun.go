// Package netinfo discovers the public addresses this node advertises to its peers.
package netinfo

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/pion/stun/v3"
)

const DefaultTimeout = 3 * time.Second

// Discover queries each STUN server for this host's mapped address and returns the
// distinct addresses in server order. Servers that fail are skipped; an error is
// returned only when none answered.
func Discover(ctx context.Context, servers []string, timeout time.Duration) ([]string, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("no STUN servers configured")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	seen := make(map[string]bool)
	var hints []string
	var lastErr error
	for _, server := range servers {
		addr, err := probeServer(ctx, server, timeout)
		if err != nil {
			lastErr = fmt.Errorf("stun %s: %w", server, err)
			continue
		}
		if !seen[addr] {
			seen[addr] = true
			hints = append(hints, addr)
		}
	}
	if len(hints) == 0 {
		return nil, lastErr
	}
	return hints, nil
}

func probeServer(ctx context.Context, server string, timeout time.Duration) (string, error) {
	uriStr := strings.TrimSpace(server)
	if uriStr == "" {
		return "", fmt.Errorf("empty STUN server")
	}
	if !strings.HasPrefix(uriStr, "stun:") {
		uriStr = "stun:" + uriStr
	}
	uri, err := stun.ParseURI(uriStr)
	if err != nil {
		return "", err
	}
	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return "", err
	}
	defer client.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	result := make(chan stun.XORMappedAddress, 1)
	fail := make(chan error, 1)
	go func() {
		var addr stun.XORMappedAddress
		err := client.Do(msg, func(res stun.Event) {
			if res.Error != nil {
				fail <- res.Error
				return
			}
			if err := addr.GetFrom(res.Message); err != nil {
				fail <- err
				return
			}
			result <- addr
		})
		if err != nil {
			fail <- err
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case addr := <-result:
		return addr.String(), nil
	case err := <-fail:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// HintSink stores the discovered addresses. *directory.Directory satisfies it.
type HintSink interface {
	SetLocalHints(hints []string)
}

// DiscoverFunc matches Discover and is swapped out in tests.
type DiscoverFunc func(ctx context.Context, servers []string, timeout time.Duration) ([]string, error)

// Refresher keeps the advertised address hints current.
type Refresher struct {
	Servers  []string
	Sink     HintSink
	Timeout  time.Duration
	Discover DiscoverFunc
	Logger   *log.Logger
}

// RefreshOnce runs one discovery round. Hints are left untouched when it fails.
func (r *Refresher) RefreshOnce(ctx context.Context) error {
	discover := r.Discover
	if discover == nil {
		discover = Discover
	}
	hints, err := discover(ctx, r.Servers, r.Timeout)
	if err != nil {
		return err
	}
	r.Sink.SetLocalHints(hints)
	return nil
}

// Run refreshes immediately and then on every tick until ctx is done.
func (r *Refresher) Run(ctx context.Context, every time.Duration) error {
	if len(r.Servers) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	if every <= 0 {
		every = 10 * time.Minute
	}
	logger := r.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if err := r.RefreshOnce(ctx); err != nil && ctx.Err() == nil {
			logger.Printf("address discovery failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
