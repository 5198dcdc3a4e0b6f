// Package server exposes the peer protocol, the status API and the admin API over HTTP.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/uppehq/node/internal/identity"
	"github.com/uppehq/node/internal/ingest"
	"github.com/uppehq/node/internal/metrics"
	"github.com/uppehq/node/internal/monitors"
	"github.com/uppehq/node/internal/peering"
	"github.com/uppehq/node/internal/store"
	"github.com/uppehq/node/pkg/types"
)

// Config controls HTTP server settings.
type Config struct {
	Addr             string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	AdminBearerToken string
	// TLS switches the listener to HTTPS when set.
	TLS *tls.Config
}

// Ingestor accepts result batches from peers.
type Ingestor interface {
	IngestEnvelope(ctx context.Context, env types.ResultEnvelope) ([]ingest.Decision, error)
}

// Catalog manages monitor definitions.
type Catalog interface {
	Create(ctx context.Context, m types.Monitor) (types.Monitor, error)
	Update(ctx context.Context, m types.Monitor) (types.Monitor, error)
	SetEnabled(ctx context.Context, monitorUUID string, enabled bool) (types.Monitor, error)
	Delete(ctx context.Context, monitorUUID string) error
	Apply(ctx context.Context, ann types.MonitorAnnouncement) (int, error)
	Get(monitorUUID string) (types.Monitor, bool)
	List() []types.Monitor
}

// Directory records peer liveness.
type Directory interface {
	Observe(peerID, address string, hints []string) bool
	Snapshot() types.PeerSet
}

// StatusSource computes aggregate monitor status.
type StatusSource interface {
	StatusOf(monitorUUID string) types.AggregateStatus
}

// Readiness reports whether the node can serve traffic.
type Readiness interface {
	Ready(now time.Time) (bool, []string)
}

// EventLog returns recent node events.
type EventLog interface {
	Recent(limit int) []types.Event
}

// Dependencies holds external collaborators required by the server.
type Dependencies struct {
	Logger    *log.Logger
	Verifier  identity.Verifier
	Ingestor  Ingestor
	Catalog   Catalog
	Directory Directory
	Status    StatusSource
	Results   store.Store
	Readiness Readiness
	Events    EventLog
	Metrics   *metrics.Store
	Now       func() time.Time
}

// Server wraps http.Server for convenience.
type Server struct {
	*http.Server
	cfg  Config
	deps Dependencies
}

// New constructs the node's HTTP server.
func New(cfg Config, deps Dependencies) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":7600"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 15 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = log.New(io.Discard, "", 0)
	}
	if deps.Verifier == nil {
		deps.Verifier = identity.Ed25519Verifier{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	r := mux.NewRouter()
	peer := r.PathPrefix("/api/peer/v1").Subrouter()
	peer.HandleFunc("/results", resultsHandler(deps)).Methods(http.MethodPost)
	peer.HandleFunc("/monitors", announceHandler(deps)).Methods(http.MethodPost)
	peer.HandleFunc("/heartbeat", heartbeatHandler(deps)).Methods(http.MethodPost)

	r.HandleFunc("/api/v1/monitors/{uuid}/status", statusHandler(deps)).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/peers", peersHandler(deps)).Methods(http.MethodGet)

	admin := r.PathPrefix("/api/admin/v1").Subrouter()
	admin.Use(adminOnly(cfg.AdminBearerToken))
	admin.HandleFunc("/monitors", adminListMonitorsHandler(deps)).Methods(http.MethodGet)
	admin.HandleFunc("/monitors", adminCreateMonitorHandler(deps)).Methods(http.MethodPost)
	admin.HandleFunc("/monitors/{uuid}", adminGetMonitorHandler(deps)).Methods(http.MethodGet)
	admin.HandleFunc("/monitors/{uuid}", adminUpdateMonitorHandler(deps)).Methods(http.MethodPut)
	admin.HandleFunc("/monitors/{uuid}", adminDeleteMonitorHandler(deps)).Methods(http.MethodDelete)
	admin.HandleFunc("/monitors/{uuid}/enable", adminSetEnabledHandler(deps, true)).Methods(http.MethodPost)
	admin.HandleFunc("/monitors/{uuid}/disable", adminSetEnabledHandler(deps, false)).Methods(http.MethodPost)
	admin.HandleFunc("/monitors/{uuid}/results", adminResultsHandler(deps)).Methods(http.MethodGet)
	admin.HandleFunc("/events", adminEventsHandler(deps)).Methods(http.MethodGet)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.HandleFunc("/readyz", readyHandler(deps)).Methods(http.MethodGet)
	if deps.Metrics != nil {
		r.Handle("/metrics", metrics.NewHTTPHandler(deps.Metrics))
	}

	s := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		TLSConfig:    cfg.TLS,
	}
	return &Server{Server: s, cfg: cfg, deps: deps}
}

// Run serves until ctx is cancelled and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if s.TLSConfig != nil {
			s.deps.Logger.Printf("listening on %s (tls)", s.Addr)
			errCh <- s.ListenAndServeTLS("", "")
			return
		}
		s.deps.Logger.Printf("listening on %s", s.Addr)
		errCh <- s.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type ingestResponse struct {
	Accepted   int               `json:"accepted"`
	Duplicates int               `json:"duplicates"`
	Rejected   int               `json:"rejected"`
	Decisions  []ingest.Decision `json:"decisions"`
}

func resultsHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sender, body, ok := readSigned(w, r, deps)
		if !ok {
			return
		}
		var env types.ResultEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if !strings.EqualFold(env.SenderPeerID, sender) {
			http.Error(w, "sender does not match signer", http.StatusBadRequest)
			return
		}
		if !deps.Directory.Observe(sender, "", nil) {
			http.Error(w, "unknown peer", http.StatusForbidden)
			return
		}

		decisions, err := deps.Ingestor.IngestEnvelope(r.Context(), env)
		if err != nil {
			deps.Logger.Printf("ingest batch from peer %.12s failed: %v", sender, err)
			http.Error(w, "unable to store results", http.StatusServiceUnavailable)
			return
		}
		resp := ingestResponse{Decisions: decisions}
		for _, d := range decisions {
			switch d.Outcome {
			case ingest.OutcomeAccepted:
				resp.Accepted++
			case ingest.OutcomeDuplicate:
				resp.Duplicates++
			default:
				resp.Rejected++
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func announceHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sender, body, ok := readSigned(w, r, deps)
		if !ok {
			return
		}
		var ann types.MonitorAnnouncement
		if err := json.Unmarshal(body, &ann); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if !strings.EqualFold(ann.SenderPeerID, sender) {
			http.Error(w, "sender does not match signer", http.StatusBadRequest)
			return
		}
		if !deps.Directory.Observe(sender, "", nil) {
			http.Error(w, "unknown peer", http.StatusForbidden)
			return
		}

		applied, err := deps.Catalog.Apply(r.Context(), ann)
		if err != nil {
			if errors.Is(err, monitors.ErrInvalidMonitor) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			deps.Logger.Printf("apply announcement from peer %.12s failed: %v", sender, err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"applied": applied})
	}
}

func heartbeatHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sender, body, ok := readSigned(w, r, deps)
		if !ok {
			return
		}
		var hb types.Heartbeat
		if err := json.Unmarshal(body, &hb); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if !strings.EqualFold(hb.PeerID, sender) {
			http.Error(w, "sender does not match signer", http.StatusBadRequest)
			return
		}
		if !deps.Directory.Observe(sender, hb.Address, hb.AddressHints) {
			http.Error(w, "unknown peer", http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type statusResponse struct {
	MonitorUUID           string       `json:"monitor_uuid"`
	Status                types.Status `json:"status"`
	ContributingPeerCount int          `json:"contributing_peer_count"`
	ExpectedReporters     int          `json:"expected_reporters"`
	Quorum                int          `json:"quorum"`
	LastUpdated           *time.Time   `json:"last_updated"`
}

func statusHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.ToLower(mux.Vars(r)["uuid"])
		if _, ok := deps.Catalog.Get(id); !ok {
			http.Error(w, "monitor not found", http.StatusNotFound)
			return
		}
		agg := deps.Status.StatusOf(id)
		resp := statusResponse{
			MonitorUUID:           id,
			Status:                agg.Status,
			ContributingPeerCount: agg.ContributingPeerCount,
			ExpectedReporters:     agg.ExpectedReporters,
			Quorum:                agg.Quorum,
		}
		if !agg.LastUpdated.IsZero() {
			ts := agg.LastUpdated.UTC()
			resp.LastUpdated = &ts
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func peersHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Directory.Snapshot())
	}
}

func adminListMonitorsHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items := deps.Catalog.List()
		if items == nil {
			items = []types.Monitor{}
		}
		writeJSON(w, http.StatusOK, struct {
			Items []types.Monitor `json:"items"`
		}{Items: items})
	}
}

func adminCreateMonitorHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var m types.Monitor
		if err := decodeJSON(r, &m); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		created, err := deps.Catalog.Create(r.Context(), m)
		if err != nil {
			writeCatalogError(w, deps, "create monitor", err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

func adminGetMonitorHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, ok := deps.Catalog.Get(mux.Vars(r)["uuid"])
		if !ok {
			http.Error(w, "monitor not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

func adminUpdateMonitorHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var m types.Monitor
		if err := decodeJSON(r, &m); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		m.UUID = mux.Vars(r)["uuid"]
		updated, err := deps.Catalog.Update(r.Context(), m)
		if err != nil {
			writeCatalogError(w, deps, "update monitor", err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

func adminSetEnabledHandler(deps Dependencies, enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := deps.Catalog.SetEnabled(r.Context(), mux.Vars(r)["uuid"], enabled)
		if err != nil {
			writeCatalogError(w, deps, "toggle monitor", err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

func adminDeleteMonitorHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Catalog.Delete(r.Context(), mux.Vars(r)["uuid"]); err != nil {
			writeCatalogError(w, deps, "delete monitor", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func adminResultsHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Results == nil {
			http.Error(w, "results unavailable", http.StatusServiceUnavailable)
			return
		}
		q := store.ResultQuery{
			MonitorUUID: strings.ToLower(mux.Vars(r)["uuid"]),
			PeerID:      r.URL.Query().Get("peer_id"),
			Limit:       queryLimit(r, 100),
		}
		if raw := r.URL.Query().Get("since"); raw != "" {
			since, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				http.Error(w, "since must be RFC3339", http.StatusBadRequest)
				return
			}
			q.Since = since
		}
		local, err := deps.Results.ListResults(r.Context(), q)
		if err != nil {
			deps.Logger.Printf("list results failed: %v", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		remote, err := deps.Results.ListPeerResults(r.Context(), q)
		if err != nil {
			deps.Logger.Printf("list peer results failed: %v", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if local == nil {
			local = []types.Result{}
		}
		if remote == nil {
			remote = []types.PeerResult{}
		}
		writeJSON(w, http.StatusOK, struct {
			Local []types.Result     `json:"local"`
			Peer  []types.PeerResult `json:"peer"`
		}{Local: local, Peer: remote})
	}
}

func adminEventsHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var items []types.Event
		if deps.Events != nil {
			items = deps.Events.Recent(queryLimit(r, 50))
		}
		if items == nil {
			items = []types.Event{}
		}
		writeJSON(w, http.StatusOK, struct {
			Items []types.Event `json:"items"`
		}{Items: items})
	}
}

func readyHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		ready, reasons := deps.Readiness.Ready(deps.Now().UTC())
		if !ready {
			http.Error(w, strings.Join(reasons, "; "), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// readSigned verifies a peer request and writes the error response when it fails.
func readSigned(w http.ResponseWriter, r *http.Request, deps Dependencies) (string, []byte, bool) {
	sender, body, err := peering.ReadSigned(deps.Verifier, r)
	switch {
	case err == nil:
		return sender, body, true
	case errors.Is(err, peering.ErrBodyTooLarge):
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
	case errors.Is(err, peering.ErrMissingSignature):
		http.Error(w, err.Error(), http.StatusUnauthorized)
	default:
		deps.Logger.Printf("refused peer request %s: %v", r.URL.Path, err)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
	}
	return "", nil, false
}

func writeCatalogError(w http.ResponseWriter, deps Dependencies, op string, err error) {
	switch {
	case errors.Is(err, monitors.ErrInvalidMonitor):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "monitor not found", http.StatusNotFound)
	case errors.Is(err, monitors.ErrNotOwner):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		deps.Logger.Printf("%s failed: %v", op, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func adminOnly(token string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !authorizeAdmin(r, token) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func authorizeAdmin(r *http.Request, token string) bool {
	if strings.TrimSpace(token) == "" {
		return false
	}
	const prefix = "Bearer "
	value := r.Header.Get("Authorization")
	if !strings.HasPrefix(value, prefix) {
		return false
	}
	return strings.TrimSpace(strings.TrimPrefix(value, prefix)) == token
}

func decodeJSON(r *http.Request, v any) error {
	body, err := peering.ReadBody(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func queryLimit(r *http.Request, def int) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
