// Package peering carries results, monitor announcements and heartbeats between nodes.
package peering

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/uppehq/node/internal/directory"
	"github.com/uppehq/node/internal/monitors"
	"github.com/uppehq/node/internal/transmit"
	"github.com/uppehq/node/pkg/types"
)

const (
	ResultsPath   = "/api/peer/v1/results"
	MonitorsPath  = "/api/peer/v1/monitors"
	HeartbeatPath = "/api/peer/v1/heartbeat"

	userAgent = "uppe-node/0.1"
)

// ErrUnknownPeer is returned for deliveries addressed to a peer with no known address.
var ErrUnknownPeer = errors.New("no address for peer")

// Config holds the static configuration for a peering client.
type Config struct {
	// Address is the public base URL of this node, advertised in heartbeats.
	Address string
}

// Directory resolves and records peers.
type Directory interface {
	Address(peerID string) (string, bool)
	Observe(peerID, address string, hints []string) bool
	Remotes() []directory.Peer
	LocalHints() []string
}

// Dependencies allow test overrides for HTTP client, clock, and logging.
type Dependencies struct {
	HTTPClient *http.Client
	Directory  Directory
	Signer     Signer
	Now        func() time.Time
	Logger     *log.Logger
}

// Client sends signed requests to remote peers.
type Client struct {
	httpClient *http.Client
	directory  Directory
	signer     Signer
	address    string
	now        func() time.Time
	logger     *log.Logger
	seq        atomic.Uint64
}

// NewClient builds a peering client from configuration and dependencies.
func NewClient(cfg Config, deps Dependencies) (*Client, error) {
	if deps.HTTPClient == nil {
		return nil, fmt.Errorf("HTTP client is required")
	}
	if deps.Directory == nil {
		return nil, fmt.Errorf("peer directory is required")
	}
	if deps.Signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Client{
		httpClient: deps.HTTPClient,
		directory:  deps.Directory,
		signer:     deps.Signer,
		address:    strings.TrimRight(cfg.Address, "/"),
		now:        now,
		logger:     logger,
	}, nil
}

// Send implements transmit.Sink. Deliveries are grouped into one envelope per peer;
// the deliveries of every peer that could not be reached are returned for retry.
func (c *Client) Send(ctx context.Context, deliveries []types.Delivery) ([]types.Delivery, error) {
	if len(deliveries) == 0 {
		return nil, nil
	}
	order := make([]string, 0)
	byPeer := make(map[string][]types.Delivery)
	for _, d := range deliveries {
		if _, ok := byPeer[d.PeerID]; !ok {
			order = append(order, d.PeerID)
		}
		byPeer[d.PeerID] = append(byPeer[d.PeerID], d)
	}

	var failed []types.Delivery
	var errs []error
	for _, peerID := range order {
		batch := byPeer[peerID]
		if err := c.sendEnvelope(ctx, peerID, batch); err != nil {
			failed = append(failed, batch...)
			errs = append(errs, fmt.Errorf("peer %s: %w", shortID(peerID), err))
		}
	}
	return failed, errors.Join(errs...)
}

func (c *Client) sendEnvelope(ctx context.Context, peerID string, batch []types.Delivery) error {
	env := types.ResultEnvelope{
		SenderPeerID: c.signer.PeerID(),
		SentAt:       c.now().UTC(),
		BatchSeq:     c.seq.Add(1),
		Results:      make([]types.Result, 0, len(batch)),
	}
	for _, d := range batch {
		env.Results = append(env.Results, d.Result)
	}
	return c.post(ctx, peerID, ResultsPath, env)
}

// Announce implements monitors.Announcer. Every peer is attempted; failures are joined.
func (c *Client) Announce(ctx context.Context, out []monitors.Outbound) error {
	var errs []error
	for _, o := range out {
		ann := o.Announcement
		ann.SenderPeerID = c.signer.PeerID()
		if err := c.post(ctx, o.PeerID, MonitorsPath, ann); err != nil {
			errs = append(errs, fmt.Errorf("announce to %s: %w", shortID(o.PeerID), err))
		}
	}
	return errors.Join(errs...)
}

// Heartbeat sends one heartbeat to every remote peer with a known address and returns
// the number of peers that answered.
func (c *Client) Heartbeat(ctx context.Context) int {
	hb := types.Heartbeat{
		PeerID:       c.signer.PeerID(),
		Address:      c.address,
		AddressHints: c.directory.LocalHints(),
		SentAt:       c.now().UTC(),
	}
	reached := 0
	for _, p := range c.directory.Remotes() {
		if err := c.post(ctx, p.PeerID, HeartbeatPath, hb); err != nil {
			c.logger.Printf("heartbeat to %s failed: %v", shortID(p.PeerID), err)
			continue
		}
		reached++
	}
	return reached
}

// RunHeartbeat emits heartbeats on the configured interval until the context is cancelled.
func (c *Client) RunHeartbeat(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.Heartbeat(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Heartbeat(ctx)
		}
	}
}

// post signs and sends body to a peer. Any 2xx answer counts as proof of life.
func (c *Client) post(ctx context.Context, peerID, path string, body any) error {
	base, ok := c.directory.Address(peerID)
	if !ok {
		return ErrUnknownPeer
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(base, path), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	signRequest(req, c.signer, payload)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %s", resp.Status)
	}
	c.directory.Observe(peerID, "", nil)
	return nil
}

func shortID(peerID string) string {
	if len(peerID) > 12 {
		return peerID[:12]
	}
	return peerID
}

func joinURL(base, path string) string {
	if base == "" {
		return path
	}
	base = strings.TrimRight(base, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

var (
	_ transmit.Sink      = (*Client)(nil)
	_ monitors.Announcer = (*Client)(nil)
)
