package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/uppehq/node/internal/assignment"
	"github.com/uppehq/node/internal/certs"
	"github.com/uppehq/node/internal/config"
	"github.com/uppehq/node/internal/directory"
	"github.com/uppehq/node/internal/identity"
	"github.com/uppehq/node/internal/monitors"
	"github.com/uppehq/node/internal/store"
	"github.com/uppehq/node/internal/trust"
	"github.com/uppehq/node/pkg/types"
)

// initNode writes a starter config, generates the node key and records the node state.
func initNode(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	configPath := fs.String("config", config.PathFromEnv(), "Path to write the node configuration")
	dataDir := fs.String("data-dir", config.DefaultDataDir, "Node data directory")
	publicURL := fs.String("public-url", "", "URL peers use to reach this node")
	listen := fs.String("listen", config.DefaultListenAddr, "Listen address for the node API")
	force := fs.Bool("force", false, "Overwrite an existing configuration file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Config{}
	cfg.Node.DataDir = *dataDir
	cfg.Node.ListenAddr = *listen
	cfg.Node.PublicURL = strings.TrimRight(*publicURL, "/")
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Node.DataDir, 0o700); err != nil {
		return fmt.Errorf("ensure data dir: %w", err)
	}
	keyPath := config.KeyPath(cfg.Node.DataDir)
	id, created, err := identity.LoadOrGenerate(keyPath)
	if err != nil {
		return fmt.Errorf("load node identity: %w", err)
	}

	if err := config.WriteConfig(*configPath, cfg, *force); err != nil {
		return err
	}

	absConfig, err := filepath.Abs(*configPath)
	if err != nil {
		absConfig = *configPath
	}
	state := config.State{
		PeerID:     id.PeerID(),
		KeyPath:    keyPath,
		ConfigPath: absConfig,
		CreatedAt:  time.Now().UTC(),
	}
	if _, err := config.LoadState(ctx, cfg.Node.DataDir); err != nil || created {
		if err := config.SaveState(ctx, cfg.Node.DataDir, state); err != nil {
			return err
		}
	}

	fmt.Fprintf(out, "peer_id: %s\n", id.PeerID())
	fmt.Fprintf(out, "config:  %s\n", absConfig)
	fmt.Fprintf(out, "key:     %s\n", keyPath)
	return nil
}

// importManifest loads a signed monitor manifest into the local catalog. Monitors
// already present are updated in place.
func importManifest(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	configPath := fs.String("config", config.PathFromEnv(), "Path to node configuration file")
	manifestPath := fs.String("manifest", "", "Monitor manifest (YAML)")
	signaturePath := fs.String("signature", "", "Detached minisign signature (default <manifest>.minisig)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *manifestPath == "" {
		return errors.New("--manifest is required")
	}

	cfg, err := config.Load(ctx, *configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Trust.AdminPublicKey == "" {
		return errors.New("trust.admin_public_key is not configured")
	}
	verifier, err := trust.NewVerifier(cfg.Trust.AdminPublicKey)
	if err != nil {
		return err
	}
	manifest, err := verifier.VerifyFile(ctx, *manifestPath, *signaturePath)
	if err != nil {
		return err
	}

	id, err := identity.Load(config.KeyPath(cfg.Node.DataDir))
	if err != nil {
		return fmt.Errorf("load node identity: %w", err)
	}
	st, err := store.Open(ctx, store.Config{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	dir := directory.New(id.PeerID(), directoryPeers(cfg.Peers))
	engine := assignment.NewEngine(dir, id.PeerID(), assignment.WithRedundancy(cfg.Node.RedundancyFactor))
	catalog, err := monitors.NewCatalog(
		monitors.Config{LocalPeerID: id.PeerID(), AllowPrivateTargets: cfg.Node.AllowPrivateTargets},
		monitors.Dependencies{Store: st, Engine: engine},
	)
	if err != nil {
		return err
	}
	if err := catalog.Refresh(ctx); err != nil {
		return fmt.Errorf("load monitors: %w", err)
	}

	var created, updated int
	var errs []error
	for i, m := range manifest.Monitors {
		var err error
		if _, exists := catalog.Get(strings.ToLower(m.UUID)); m.UUID != "" && exists {
			_, err = catalog.Update(ctx, m)
			if err == nil {
				updated++
			}
		} else {
			_, err = catalog.Create(ctx, m)
			if err == nil {
				created++
			}
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("monitors[%d] %s: %w", i, m.Name, err))
		}
	}

	fmt.Fprintf(out, "imported %d monitors (created=%d updated=%d)\n", created+updated, created, updated)
	return errors.Join(errs...)
}

type statusView struct {
	MonitorUUID           string       `json:"monitor_uuid"`
	Status                types.Status `json:"status"`
	ContributingPeerCount int          `json:"contributing_peer_count"`
	ExpectedReporters     int          `json:"expected_reporters"`
	Quorum                int          `json:"quorum"`
	LastUpdated           *time.Time   `json:"last_updated"`
}

// status queries a running node for its peers or the aggregate status of one monitor.
func status(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", config.PathFromEnv(), "Path to node configuration file")
	addr := fs.String("addr", "", "Node API base URL (default derived from listen_addr)")
	monitorID := fs.String("monitor", "", "Monitor UUID to report on")

	if err := fs.Parse(args); err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	base := strings.TrimRight(*addr, "/")
	if base == "" {
		cfg, err := config.Load(ctx, *configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		base = localURL(cfg.Node.ListenAddr)
		if cfg.TLS.CertFile != "" {
			base = "https" + strings.TrimPrefix(base, "http")
			tlsCfg, err := certs.ClientTLSConfig(certs.Paths{CA: cfg.TLS.CAFile})
			if err != nil {
				return err
			}
			client.Transport = &http.Transport{TLSClientConfig: tlsCfg}
		}
	}

	if *monitorID != "" {
		var st statusView
		if err := getJSON(ctx, client, base+"/api/v1/monitors/"+*monitorID+"/status", &st); err != nil {
			return err
		}
		last := "never"
		if st.LastUpdated != nil {
			last = st.LastUpdated.Format(time.RFC3339)
		}
		fmt.Fprintf(out, "monitor %s: %s (%d/%d reporters, quorum %d, updated %s)\n",
			st.MonitorUUID, st.Status, st.ContributingPeerCount, st.ExpectedReporters, st.Quorum, last)
		return nil
	}

	var peers types.PeerSet
	if err := getJSON(ctx, client, base+"/api/v1/peers", &peers); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "PEER\tONLINE\tLAST SEEN\n")
	for _, p := range peers.Peers {
		seen := "-"
		if !p.LastSeen.IsZero() {
			seen = p.LastSeen.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\n", p.PeerID, p.Online, seen)
	}
	return tw.Flush()
}

func localURL(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "http://127.0.0.1" + listen
	}
	return "http://" + listen
}

func getJSON(ctx context.Context, client *http.Client, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("query node: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("query node: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
