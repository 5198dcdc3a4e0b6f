// Package monitors keeps the set of monitors a node knows about: the ones it owns and
// the ones peers announced because this node is assigned to probe them.
package monitors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/uppehq/node/internal/assignment"
	"github.com/uppehq/node/internal/store"
	"github.com/uppehq/node/pkg/types"
)

// ErrNotOwner is returned when a node tries to modify a monitor owned by another peer.
var ErrNotOwner = errors.New("monitor is owned by another peer")

const tombstoneTTL = time.Hour

type Config struct {
	LocalPeerID         string
	AllowPrivateTargets bool
}

type Dependencies struct {
	Store  store.Store
	Engine *assignment.Engine
	Logger *log.Logger
}

type Option func(*Catalog)

func WithNow(now func() time.Time) Option {
	return func(c *Catalog) {
		if now != nil {
			c.now = now
		}
	}
}

// WithRemoveHook registers fn to run after a monitor leaves the catalog.
func WithRemoveHook(fn func(monitorUUID string)) Option {
	return func(c *Catalog) {
		if fn != nil {
			c.onRemove = append(c.onRemove, fn)
		}
	}
}

type tombstone struct {
	peers     []string
	removedAt time.Time
}

// Catalog is the in-memory view of every monitor this node knows, backed by the store.
type Catalog struct {
	store       store.Store
	engine      *assignment.Engine
	localPeerID string
	validation  ValidationOptions
	logger      *log.Logger
	now         func() time.Time
	onRemove    []func(string)
	changes     chan struct{}

	mu         sync.RWMutex
	monitors   map[string]types.Monitor
	tombstones map[string]tombstone
	revision   uint64
}

func NewCatalog(cfg Config, deps Dependencies, opts ...Option) (*Catalog, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("monitors: store is required")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("monitors: assignment engine is required")
	}
	if cfg.LocalPeerID == "" {
		return nil, fmt.Errorf("monitors: local peer id is required")
	}
	c := &Catalog{
		store:       deps.Store,
		engine:      deps.Engine,
		localPeerID: cfg.LocalPeerID,
		validation:  ValidationOptions{AllowPrivateTargets: cfg.AllowPrivateTargets},
		logger:      deps.Logger,
		now:         time.Now,
		changes:     make(chan struct{}, 1),
		monitors:    make(map[string]types.Monitor),
		tombstones:  make(map[string]tombstone),
	}
	if c.logger == nil {
		c.logger = log.New(io.Discard, "", 0)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Changes signals after every catalog mutation. Signals coalesce.
func (c *Catalog) Changes() <-chan struct{} {
	return c.changes
}

// Revision increases on every mutation.
func (c *Catalog) Revision() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.revision
}

// Refresh replaces the in-memory view with the store contents. Monitors that vanished
// from the store are treated as removed.
func (c *Catalog) Refresh(ctx context.Context) error {
	list, err := c.store.ListMonitors(ctx)
	if err != nil {
		return fmt.Errorf("list monitors: %w", err)
	}
	next := make(map[string]types.Monitor, len(list))
	for _, m := range list {
		next[m.UUID] = m
	}

	c.mu.Lock()
	var removed []string
	changed := len(next) != len(c.monitors)
	for id, prev := range c.monitors {
		cur, ok := next[id]
		if !ok {
			removed = append(removed, id)
			c.tombstoneLocked(prev)
			changed = true
			continue
		}
		if !cur.UpdatedAt.Equal(prev.UpdatedAt) || cur.Enabled != prev.Enabled {
			changed = true
		}
	}
	c.monitors = next
	if changed {
		c.revision++
	}
	c.mu.Unlock()

	c.afterRemove(removed...)
	if changed {
		c.notify()
	}
	return nil
}

// Create validates and stores a new monitor owned by this node.
func (c *Catalog) Create(ctx context.Context, m types.Monitor) (types.Monitor, error) {
	m = m.Clone()
	if m.UUID == "" {
		m.UUID = uuid.NewString()
	}
	m.UUID = strings.ToLower(m.UUID)
	m.OwnerPeerID = c.localPeerID
	now := c.stamp()
	m.CreatedAt = now
	m.UpdatedAt = now
	if err := Validate(m, c.validation); err != nil {
		return types.Monitor{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.monitors[m.UUID]; exists {
		return types.Monitor{}, invalid("monitor %s already exists", m.UUID)
	}
	if err := c.store.PutMonitor(ctx, m); err != nil {
		return types.Monitor{}, fmt.Errorf("store monitor: %w", err)
	}
	c.monitors[m.UUID] = m
	delete(c.tombstones, m.UUID)
	c.bumpLocked()
	return m.Clone(), nil
}

// Update replaces the definition of a monitor owned by this node and bumps UpdatedAt.
func (c *Catalog) Update(ctx context.Context, m types.Monitor) (types.Monitor, error) {
	m = m.Clone()
	m.UUID = strings.ToLower(m.UUID)

	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.monitors[m.UUID]
	if !ok {
		return types.Monitor{}, store.ErrNotFound
	}
	if prev.OwnerPeerID != c.localPeerID {
		return types.Monitor{}, ErrNotOwner
	}
	m.OwnerPeerID = prev.OwnerPeerID
	m.CreatedAt = prev.CreatedAt
	m.UpdatedAt = c.stamp()
	if !m.UpdatedAt.After(prev.UpdatedAt) {
		m.UpdatedAt = prev.UpdatedAt.Add(time.Microsecond)
	}
	if err := Validate(m, c.validation); err != nil {
		return types.Monitor{}, err
	}
	if err := c.store.PutMonitor(ctx, m); err != nil {
		return types.Monitor{}, fmt.Errorf("store monitor: %w", err)
	}
	c.monitors[m.UUID] = m
	c.bumpLocked()
	return m.Clone(), nil
}

// SetEnabled toggles a locally owned monitor.
func (c *Catalog) SetEnabled(ctx context.Context, monitorUUID string, enabled bool) (types.Monitor, error) {
	m, ok := c.Get(monitorUUID)
	if !ok {
		return types.Monitor{}, store.ErrNotFound
	}
	m.Enabled = enabled
	return c.Update(ctx, m)
}

// Delete removes a locally owned monitor and its results.
func (c *Catalog) Delete(ctx context.Context, monitorUUID string) error {
	monitorUUID = strings.ToLower(monitorUUID)
	c.mu.Lock()
	prev, ok := c.monitors[monitorUUID]
	if !ok {
		c.mu.Unlock()
		return store.ErrNotFound
	}
	if prev.OwnerPeerID != c.localPeerID {
		c.mu.Unlock()
		return ErrNotOwner
	}
	if err := c.store.DeleteMonitor(ctx, monitorUUID); err != nil && !errors.Is(err, store.ErrNotFound) {
		c.mu.Unlock()
		return fmt.Errorf("delete monitor: %w", err)
	}
	delete(c.monitors, monitorUUID)
	c.tombstoneLocked(prev)
	c.bumpLocked()
	c.mu.Unlock()

	c.afterRemove(monitorUUID)
	return nil
}

// Apply merges an announcement from a peer. A sender may only add, change or remove
// monitors it owns, and an older definition never replaces a newer one.
func (c *Catalog) Apply(ctx context.Context, ann types.MonitorAnnouncement) (int, error) {
	sender := strings.ToLower(ann.SenderPeerID)
	if sender == "" || sender == c.localPeerID {
		return 0, invalid("announcement sender %q not accepted", ann.SenderPeerID)
	}

	applied := 0
	var removed []string
	c.mu.Lock()
	for _, m := range ann.Monitors {
		m = m.Clone()
		m.UUID = strings.ToLower(m.UUID)
		if m.UUID == "" || m.OwnerPeerID != sender {
			continue
		}
		if err := Validate(m, c.validation); err != nil {
			c.logger.Printf("monitors: ignoring announced monitor=%s from peer=%.12s: %v", m.UUID, sender, err)
			continue
		}
		if prev, ok := c.monitors[m.UUID]; ok {
			if prev.OwnerPeerID != sender || !m.UpdatedAt.After(prev.UpdatedAt) {
				continue
			}
		}
		if err := c.store.PutMonitor(ctx, m); err != nil {
			c.mu.Unlock()
			return applied, fmt.Errorf("store announced monitor: %w", err)
		}
		c.monitors[m.UUID] = m
		applied++
	}
	for _, id := range ann.Removed {
		id = strings.ToLower(id)
		prev, ok := c.monitors[id]
		if !ok || prev.OwnerPeerID != sender {
			continue
		}
		if err := c.store.DeleteMonitor(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
			c.mu.Unlock()
			return applied, fmt.Errorf("delete announced monitor: %w", err)
		}
		delete(c.monitors, id)
		removed = append(removed, id)
		applied++
	}
	if applied > 0 {
		c.bumpLocked()
	}
	c.mu.Unlock()

	c.afterRemove(removed...)
	return applied, nil
}

// Get returns a copy of the monitor.
func (c *Catalog) Get(monitorUUID string) (types.Monitor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.monitors[strings.ToLower(monitorUUID)]
	if !ok {
		return types.Monitor{}, false
	}
	return m.Clone(), true
}

// List returns every known monitor ordered by creation time.
func (c *Catalog) List() []types.Monitor {
	c.mu.RLock()
	out := make([]types.Monitor, 0, len(c.monitors))
	for _, m := range c.monitors {
		out = append(out, m.Clone())
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].UUID < out[j].UUID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Known reports whether results for the monitor may be accepted.
func (c *Catalog) Known(monitorUUID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.monitors[strings.ToLower(monitorUUID)]
	return ok
}

// Owned reports whether this node owns the monitor.
func (c *Catalog) Owned(monitorUUID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.monitors[strings.ToLower(monitorUUID)]
	return ok && m.OwnerPeerID == c.localPeerID
}

// Assignment returns the current assignment of a known monitor.
func (c *Catalog) Assignment(monitorUUID string) (types.Assignment, bool) {
	m, ok := c.Get(monitorUUID)
	if !ok {
		return types.Assignment{}, false
	}
	return c.engine.ForMonitor(m), true
}

// Expected lists the peers assigned to a known monitor.
func (c *Catalog) Expected(monitorUUID string) ([]string, bool) {
	a, ok := c.Assignment(monitorUUID)
	if !ok {
		return nil, false
	}
	return a.Peers, true
}

// Responsible returns the enabled monitors this node should probe right now.
func (c *Catalog) Responsible() []types.Monitor {
	all := c.List()
	out := all[:0]
	for _, m := range all {
		if m.Enabled && c.engine.Responsible(m) {
			out = append(out, m)
		}
	}
	return out
}

// Outbound is an announcement addressed to one peer.
type Outbound struct {
	PeerID       string
	Announcement types.MonitorAnnouncement
}

// Announcements groups the locally owned monitors by the remote peers assigned to them,
// together with recent removals those peers still need to hear about.
func (c *Catalog) Announcements() []Outbound {
	now := c.now().UTC()
	byPeer := make(map[string]*types.MonitorAnnouncement)
	get := func(peer string) *types.MonitorAnnouncement {
		ann, ok := byPeer[peer]
		if !ok {
			ann = &types.MonitorAnnouncement{SenderPeerID: c.localPeerID, SentAt: now}
			byPeer[peer] = ann
		}
		return ann
	}

	for _, m := range c.List() {
		if m.OwnerPeerID != c.localPeerID {
			continue
		}
		for _, peer := range c.engine.ForMonitor(m).Peers {
			if peer != c.localPeerID {
				ann := get(peer)
				ann.Monitors = append(ann.Monitors, m)
			}
		}
	}

	c.mu.Lock()
	for id, ts := range c.tombstones {
		if now.Sub(ts.removedAt) > tombstoneTTL {
			delete(c.tombstones, id)
			continue
		}
		for _, peer := range ts.peers {
			if peer != c.localPeerID {
				ann := get(peer)
				ann.Removed = append(ann.Removed, id)
			}
		}
	}
	c.mu.Unlock()

	out := make([]Outbound, 0, len(byPeer))
	for peer, ann := range byPeer {
		sort.Strings(ann.Removed)
		out = append(out, Outbound{PeerID: peer, Announcement: *ann})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

func (c *Catalog) tombstoneLocked(m types.Monitor) {
	if m.OwnerPeerID != c.localPeerID {
		return
	}
	c.tombstones[m.UUID] = tombstone{
		peers:     c.engine.ForMonitor(m).Peers,
		removedAt: c.now().UTC(),
	}
}

// stamp truncates to microseconds, the coarsest precision of any store backend.
func (c *Catalog) stamp() time.Time {
	return c.now().UTC().Truncate(time.Microsecond)
}

func (c *Catalog) bumpLocked() {
	c.revision++
	c.notify()
}

func (c *Catalog) notify() {
	select {
	case c.changes <- struct{}{}:
	default:
	}
}

func (c *Catalog) afterRemove(ids ...string) {
	for _, id := range ids {
		for _, fn := range c.onRemove {
			fn(id)
		}
	}
}
