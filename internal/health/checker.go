package health

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/uppehq/node/internal/metrics"
)

const defaultSyncStale = 2 * time.Minute

const (
	categoryQueuePressure = "QUEUE_PRESSURE"
	categorySyncPending   = "SYNC_PENDING"
	categorySyncStale     = "SYNC_STALE"
	categorySyncError     = "SYNC_ERROR"
	categoryPeersOffline  = "PEERS_OFFLINE"
	categoryStoreError    = "STORE_ERROR"
)

const (
	severityInfo     = "info"
	severityWarning  = "warning"
	severityCritical = "critical"
)

// Checker evaluates readiness conditions for the node.
type Checker struct {
	metrics       *metrics.Store
	queueCapacity int
	staleAfter    time.Duration

	mu              sync.RWMutex
	lastSyncSuccess time.Time
	syncErr         string
	lastSyncError   time.Time
	peersKnown      int
	peersOnline     int
	storeErr        string
}

// NewChecker constructs a readiness checker bound to the provided metrics store.
// staleAfter bounds how long the monitor sync loop may go without completing.
func NewChecker(store *metrics.Store, queueCapacity int, staleAfter time.Duration) *Checker {
	if staleAfter <= 0 {
		staleAfter = defaultSyncStale
	}
	return &Checker{
		metrics:       store,
		queueCapacity: queueCapacity,
		staleAfter:    staleAfter,
	}
}

// ObserveMonitorSync records the outcome of a monitor catalog sync pass.
func (c *Checker) ObserveMonitorSync(ts time.Time, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.syncErr = err.Error()
		c.lastSyncError = ts
		return
	}
	c.lastSyncSuccess = ts
	c.syncErr = ""
	c.lastSyncError = time.Time{}
}

// ObservePeers records how many configured peers are known and how many are online.
func (c *Checker) ObservePeers(online, known int) {
	c.mu.Lock()
	c.peersOnline = online
	c.peersKnown = known
	c.mu.Unlock()
}

// ObserveStore records the outcome of the latest store operation that the node depends on.
func (c *Checker) ObserveStore(err error) {
	c.mu.Lock()
	if err != nil {
		c.storeErr = err.Error()
	} else {
		c.storeErr = ""
	}
	c.mu.Unlock()
}

// Ready evaluates all readiness conditions and returns the overall status and reasons for failure.
func (c *Checker) Ready(now time.Time) (bool, []string) {
	reasons := make([]string, 0, 4)
	categories := make([]metrics.ReadinessCategory, 0, 4)
	fail := func(reason, name, severity string) {
		reasons = append(reasons, reason)
		categories = append(categories, metrics.ReadinessCategory{Name: name, Severity: severity})
	}

	if c.metrics != nil && c.queueCapacity > 0 {
		if c.metrics.Snapshot().QueueDepth >= int64(c.queueCapacity) {
			fail("queue capacity exceeded", categoryQueuePressure, severityWarning)
		}
	}

	c.mu.RLock()
	lastSuccess := c.lastSyncSuccess
	syncErr := c.syncErr
	lastErr := c.lastSyncError
	known, online := c.peersKnown, c.peersOnline
	storeErr := c.storeErr
	c.mu.RUnlock()

	if lastSuccess.IsZero() {
		fail("monitors not yet synced", categorySyncPending, severityInfo)
	} else if age := now.Sub(lastSuccess); age > c.staleAfter {
		fail(fmt.Sprintf("monitor sync stale (%s)", age.Round(time.Second)), categorySyncStale, severityWarning)
	}
	if syncErr != "" && now.Sub(lastErr) <= c.staleAfter {
		fail("monitor sync failing: "+syncErr, categorySyncError, severityCritical)
	}
	if known > 0 && online == 0 {
		fail(fmt.Sprintf("no peers online (0/%d)", known), categoryPeersOffline, severityWarning)
	}
	if storeErr != "" {
		fail("store unavailable: "+storeErr, categoryStoreError, severityCritical)
	}

	ready := len(reasons) == 0
	if c.metrics != nil {
		if ready {
			c.metrics.ObserveReadiness(true, "", nil)
		} else {
			c.metrics.ObserveReadiness(false, strings.Join(reasons, "; "), categories)
		}
	}
	if !ready {
		return false, reasons
	}
	return true, nil
}
