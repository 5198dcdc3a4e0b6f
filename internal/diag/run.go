// Package diag collects a support bundle from a node's data directory and API.
package diag

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/uppehq/node/internal/config"
)

const (
	defaultOutputPrefix = "diag_"
	infoFileName        = "diagnostics/info.json"
	configDirName       = "config"
	stateDirName        = "state"
	logsDirName         = "logs"
	spillDirName        = "spill"
	observabilityDir    = "observability"
	redactedMarker      = "REDACTED"
)

var redactions = []*regexp.Regexp{
	regexp.MustCompile(`(?im)^(\s*token:\s*)(\S+)`),
	regexp.MustCompile(`(?i)(token=)([^&\s"']+)`),
	regexp.MustCompile(`(?i)(authorization:\s*bearer\s+)([A-Za-z0-9\._\-]+)`),
	regexp.MustCompile(`(?i)(password=)([^&\s"']+)`),
	regexp.MustCompile(`(?i)(secret=)([^&\s"']+)`),
	regexp.MustCompile(`(://[^:/@\s]+:)([^@\s]+)(@)`),
}

type multiValue []string

func (mv *multiValue) String() string {
	return strings.Join(*mv, ",")
}

func (mv *multiValue) Set(value string) error {
	if value != "" {
		*mv = append(*mv, value)
	}
	return nil
}

// Dependencies provides optional overrides for testing.
type Dependencies struct {
	Now        func() time.Time
	HTTPClient *http.Client
	RunCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Run writes a tar.gz bundle with the redacted config, node state, spill summary, a
// metrics scrape and optional logs. The node key is never included.
func Run(ctx context.Context, args []string, out io.Writer, deps Dependencies) error {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.RunCommand == nil {
		deps.RunCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		}
	}

	fs := flag.NewFlagSet("diag", flag.ContinueOnError)
	configPath := fs.String("config", config.PathFromEnv(), "Path to node configuration file")
	dataDirFlag := fs.String("data-dir", "", "Override for node data directory")
	outputPath := fs.String("output", "", "Path for the bundle (default <data_dir>/diag/diag_<ts>.tar.gz)")
	logsDir := fs.String("logs", "", "Directory containing node logs to include")
	includeSpill := fs.Bool("include-spill", true, "Include outbound spill segments if present")
	metricsURL := fs.String("metrics-url", "", "Metrics endpoint URL (default derived from listen_addr)")
	metricsTimeout := fs.Duration("metrics-timeout", 3*time.Second, "HTTP timeout when scraping metrics")
	var journalUnits multiValue
	fs.Var(&journalUnits, "journal-unit", "Systemd unit to capture via journalctl (repeatable)")
	journalSince := fs.Duration("journal-since", time.Hour, "How far back to collect journalctl logs")

	if err := fs.Parse(args); err != nil {
		return err
	}

	now := deps.Now().UTC()
	info := bundleInfo{
		GeneratedAt: now.Format(time.RFC3339),
		GoVersion:   runtime.Version(),
	}

	cfg, cfgErr := config.Load(ctx, *configPath)
	if cfgErr != nil {
		info.warn("config unavailable (%s): %v", *configPath, cfgErr)
	} else {
		info.ConfigPath = *configPath
		info.PublicURL = cfg.Node.PublicURL
		info.StoreDriver = cfg.Store.Driver
		info.PeersConfigured = len(cfg.Peers)
	}

	dataDir := strings.TrimSpace(*dataDirFlag)
	if dataDir == "" && cfgErr == nil {
		dataDir = cfg.Node.DataDir
	}
	if dataDir == "" {
		return fmt.Errorf("node data directory is required (provide via --data-dir or config)")
	}
	info.DataDir = dataDir

	outPath := *outputPath
	if outPath == "" {
		outPath = filepath.Join(dataDir, "diag", fmt.Sprintf("%s%s.tar.gz", defaultOutputPrefix, now.Format("20060102T150405Z")))
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o700); err != nil {
		return fmt.Errorf("ensure output directory %q: %w", filepath.Dir(outPath), err)
	}
	info.OutputPath = outPath

	outFile, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create diagnostics file %q: %w", outPath, err)
	}
	defer outFile.Close()
	gw := gzip.NewWriter(outFile)
	defer gw.Close()
	tw := tar.NewWriter(gw)
	defer tw.Close()

	if data, err := os.ReadFile(*configPath); err == nil {
		if err := addBytes(tw, redact(data), filepath.ToSlash(filepath.Join(configDirName, filepath.Base(*configPath)))); err != nil {
			info.warn("failed to include config: %v", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		info.warn("unable to read config %q: %v", *configPath, err)
	}

	statePath := config.StatePath(dataDir)
	if state, err := config.LoadState(ctx, dataDir); err != nil {
		info.warn("%v", err)
	} else {
		info.PeerID = state.PeerID
		info.StatePath = statePath
		if err := addFile(tw, statePath, filepath.ToSlash(filepath.Join(stateDirName, filepath.Base(statePath)))); err != nil {
			info.warn("failed to include state: %v", err)
		}
	}

	if *logsDir != "" {
		if err := addDir(tw, *logsDir, logsDirName, true); err != nil {
			info.warn("failed to include logs dir %q: %v", *logsDir, err)
		}
	}

	spillPath := filepath.Join(dataDir, "spill")
	if _, err := os.Stat(spillPath); err == nil {
		if err := summarizeSpill(spillPath, &info); err != nil {
			info.warn("failed to summarize spill dir: %v", err)
		}
		if *includeSpill {
			if err := addDir(tw, spillPath, spillDirName, false); err != nil {
				info.warn("failed to include spill dir: %v", err)
			}
		}
	}

	scrapeURL := *metricsURL
	if scrapeURL == "" && cfgErr == nil {
		scrapeURL = metricsEndpoint(cfg)
	}
	if scrapeURL != "" {
		client := deps.HTTPClient
		if client == nil {
			client = &http.Client{Timeout: *metricsTimeout}
		}
		scrapeCtx, cancel := context.WithTimeout(ctx, *metricsTimeout)
		data, err := scrapeMetrics(scrapeCtx, client, scrapeURL)
		cancel()
		if err != nil {
			info.warn("metrics scrape failed: %v", err)
		} else {
			if err := addBytes(tw, data, filepath.ToSlash(filepath.Join(observabilityDir, "metrics.prom"))); err != nil {
				info.warn("failed to include metrics snapshot: %v", err)
			}
			info.Metrics = summarizeMetrics(data, scrapeURL)
		}
	}

	if len(journalUnits) > 0 {
		since := now.Add(-*journalSince).Format(time.RFC3339)
		for _, unit := range journalUnits {
			data, err := deps.RunCommand(ctx, "journalctl", "--unit", unit, "--since", since, "--no-pager")
			if err != nil {
				info.warn("journalctl for unit %s failed: %v", unit, err)
				continue
			}
			name := filepath.ToSlash(filepath.Join(logsDirName, "journalctl", sanitizeFilename(unit)+".log"))
			if err := addBytes(tw, redact(data), name); err != nil {
				info.warn("failed to include journal for unit %s: %v", unit, err)
			}
		}
	}

	payload, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal diagnostics info: %w", err)
	}
	if err := addBytes(tw, payload, infoFileName); err != nil {
		return err
	}
	fmt.Fprintf(out, "diagnostics written to %s\n", outPath)
	return nil
}

func metricsEndpoint(cfg config.Config) string {
	scheme := "http"
	if cfg.TLS.CertFile != "" {
		scheme = "https"
	}
	host := cfg.Node.ListenAddr
	if strings.HasPrefix(host, ":") {
		host = "127.0.0.1" + host
	}
	return scheme + "://" + host + "/metrics"
}

func redact(data []byte) []byte {
	text := string(data)
	for _, pattern := range redactions {
		text = pattern.ReplaceAllString(text, "${1}"+redactedMarker+"${3}")
	}
	return []byte(text)
}

func addBytes(tw *tar.Writer, data []byte, name string) error {
	header := &tar.Header{
		Name:    name,
		Mode:    0o600,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write tar header for %q: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write tar content for %q: %w", name, err)
	}
	return nil
}

func addFile(tw *tar.Writer, src, name string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return addBytes(tw, data, name)
}

// addDir copies a directory tree under base. Text files are redacted when requested.
func addDir(tw *tar.Writer, dir, base string, redactText bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		name := base
		if rel != "." {
			name = filepath.ToSlash(filepath.Join(base, rel))
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			header, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			header.Name = strings.TrimSuffix(name, "/") + "/"
			return tw.WriteHeader(header)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if redactText && isText(path) {
			data = redact(data)
		}
		header := &tar.Header{
			Name:    name,
			Mode:    int64(info.Mode().Perm()),
			Size:    int64(len(data)),
			ModTime: info.ModTime(),
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		_, err = tw.Write(data)
		return err
	})
}

func isText(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".log", ".txt", ".json", ".ndjson", ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func summarizeSpill(dir string, info *bundleInfo) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	summary := &spillSummary{Path: dir}
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			return err
		}
		if filepath.Ext(e.Name()) == ".spill" {
			summary.Segments++
		}
		summary.TotalSize += fi.Size()
	}
	info.Spill = summary
	return nil
}

func scrapeMetrics(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/plain")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// summarizeMetrics picks the unlabeled gauges and counters an operator asks about first.
func summarizeMetrics(data []byte, url string) *metricsSummary {
	summary := &metricsSummary{URL: url, Values: make(map[string]float64)}
	wanted := map[string]bool{
		"uppe_node_queue_depth_number":     true,
		"uppe_node_queue_dropped_total":    true,
		"uppe_node_queue_spilled_total":    true,
		"uppe_node_backfill_pending_bytes": true,
		"uppe_node_ready":                  true,
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 || !wanted[fields[0]] {
			continue
		}
		if v, err := strconv.ParseFloat(fields[1], 64); err == nil {
			summary.Values[fields[0]] = v
		}
	}
	return summary
}

func sanitizeFilename(input string) string {
	safe := strings.ReplaceAll(input, "/", "_")
	safe = strings.ReplaceAll(safe, "..", "_")
	if safe == "" {
		return "unknown"
	}
	return safe
}

type bundleInfo struct {
	GeneratedAt     string          `json:"generated_at"`
	OutputPath      string          `json:"output_path"`
	ConfigPath      string          `json:"config_path,omitempty"`
	DataDir         string          `json:"data_dir,omitempty"`
	StatePath       string          `json:"state_path,omitempty"`
	PeerID          string          `json:"peer_id,omitempty"`
	PublicURL       string          `json:"public_url,omitempty"`
	StoreDriver     string          `json:"store_driver,omitempty"`
	PeersConfigured int             `json:"peers_configured"`
	Spill           *spillSummary   `json:"spill,omitempty"`
	Metrics         *metricsSummary `json:"metrics,omitempty"`
	Warnings        []string        `json:"warnings,omitempty"`
	GoVersion       string          `json:"go_version"`
}

func (b *bundleInfo) warn(format string, args ...any) {
	b.Warnings = append(b.Warnings, fmt.Sprintf(format, args...))
}

type spillSummary struct {
	Path      string `json:"path"`
	Segments  int    `json:"segments"`
	TotalSize int64  `json:"total_size_bytes"`
}

type metricsSummary struct {
	URL    string             `json:"url"`
	Values map[string]float64 `json:"values"`
}
