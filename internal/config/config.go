package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envConfigPath     = "UPPE_NODE_CONFIG"
	DefaultConfigPath = "/etc/uppe/node.yaml"
	DefaultDataDir    = "/var/lib/uppe/node"
	DefaultListenAddr = ":7600"
)

type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Consensus ConsensusConfig `yaml:"consensus"`
	Peers     []PeerConfig    `yaml:"peers"`
	Store     StoreConfig     `yaml:"store"`
	Queue     QueueConfig     `yaml:"queue"`
	Run       RunConfig       `yaml:"run"`
	Retention RetentionConfig `yaml:"retention"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Trust     TrustConfig     `yaml:"trust"`
	Admin     AdminConfig     `yaml:"admin"`
	TLS       TLSConfig       `yaml:"tls"`
}

type NodeConfig struct {
	DataDir             string         `yaml:"data_dir"`
	ListenAddr          string         `yaml:"listen_addr"`
	PublicURL           string         `yaml:"public_url"`
	RedundancyFactor    int            `yaml:"redundancy_factor"`
	DegradedThresholdMs int            `yaml:"degraded_threshold_ms"`
	HeartbeatInterval   time.Duration  `yaml:"heartbeat_interval"`
	OfflineAfter        time.Duration  `yaml:"offline_after"`
	Discovery           bool           `yaml:"discovery"`
	AllowPrivateTargets bool           `yaml:"allow_private_targets"`
	Location            LocationConfig `yaml:"location"`
	STUNServers         []string       `yaml:"stun_servers"`
}

type LocationConfig struct {
	City    string `yaml:"city"`
	Country string `yaml:"country"`
	Region  string `yaml:"region"`
	Privacy string `yaml:"privacy"`
}

type ConsensusConfig struct {
	FreshnessWindow time.Duration `yaml:"freshness_window"`
	MaxSkew         time.Duration `yaml:"max_skew"`
	// Quorum of zero means a majority of the assigned reporters.
	Quorum int `yaml:"quorum"`
	// TieBreak orders votes from most to least severe; empty keeps down, degraded, up.
	TieBreak []string `yaml:"tie_break"`
}

type PeerConfig struct {
	PeerID  string `yaml:"peer_id"`
	Address string `yaml:"address"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type QueueConfig struct {
	MemItemsCap  int    `yaml:"mem_items_cap"`
	SpillToDisk  bool   `yaml:"spill_to_disk"`
	DiskBytesCap string `yaml:"disk_bytes_cap"`
}

type RunConfig struct {
	Workers        int           `yaml:"workers"`
	TickResolution time.Duration `yaml:"tick_resolution"`
}

type RetentionConfig struct {
	PeerResultDays  int `yaml:"peer_result_days"`
	LocalResultDays int `yaml:"local_result_days"`
}

type IngestConfig struct {
	RatePerPeer float64 `yaml:"rate_per_peer"`
	Burst       int     `yaml:"burst"`
}

type TrustConfig struct {
	AdminPublicKey string `yaml:"admin_public_key"`
}

// TLSConfig enables HTTPS on the listener when cert_file and key_file are set.
// ca_file replaces the system roots when dialing peers.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
}

type AdminConfig struct {
	// Token guards the monitor management API. Empty disables it.
	Token string `yaml:"token"`
}

// Default returns the configuration a fresh node starts from.
func Default() Config {
	cfg := Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values with the node defaults.
func (c *Config) ApplyDefaults() {
	if c.Node.DataDir == "" {
		c.Node.DataDir = DefaultDataDir
	}
	if c.Node.ListenAddr == "" {
		c.Node.ListenAddr = DefaultListenAddr
	}
	if c.Node.RedundancyFactor <= 0 {
		c.Node.RedundancyFactor = 3
	}
	if c.Node.DegradedThresholdMs <= 0 {
		c.Node.DegradedThresholdMs = 2000
	}
	if c.Node.HeartbeatInterval <= 0 {
		c.Node.HeartbeatInterval = 30 * time.Second
	}
	if c.Node.OfflineAfter <= 0 {
		c.Node.OfflineAfter = 90 * time.Second
	}
	if c.Consensus.FreshnessWindow <= 0 {
		c.Consensus.FreshnessWindow = 5 * time.Minute
	}
	if c.Consensus.MaxSkew <= 0 {
		c.Consensus.MaxSkew = 2 * time.Minute
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.DSN == "" && c.Store.Driver == "sqlite" {
		c.Store.DSN = filepath.Join(c.Node.DataDir, "node.db")
	}
	if c.Queue.MemItemsCap <= 0 {
		c.Queue.MemItemsCap = 10000
	}
	if c.Queue.DiskBytesCap == "" {
		c.Queue.DiskBytesCap = "256MiB"
	}
	if c.Run.TickResolution <= 0 {
		c.Run.TickResolution = 100 * time.Millisecond
	}
	if c.Retention.PeerResultDays <= 0 {
		c.Retention.PeerResultDays = 30
	}
	if c.Retention.LocalResultDays <= 0 {
		c.Retention.LocalResultDays = 7
	}
	if c.Ingest.RatePerPeer <= 0 {
		c.Ingest.RatePerPeer = 20
	}
	if c.Ingest.Burst <= 0 {
		c.Ingest.Burst = 200
	}
}

// Validate reports configuration that cannot run.
func (c Config) Validate() error {
	var errs []error
	if c.Consensus.Quorum < 0 {
		errs = append(errs, errors.New("consensus.quorum must not be negative"))
	}
	if c.Consensus.MaxSkew >= c.Consensus.FreshnessWindow {
		errs = append(errs, errors.New("consensus.max_skew must be shorter than freshness_window"))
	}
	for _, st := range c.Consensus.TieBreak {
		switch st {
		case "up", "down", "degraded":
		default:
			errs = append(errs, fmt.Errorf("consensus.tie_break: %q is not a vote", st))
		}
	}
	switch strings.ToLower(c.Store.Driver) {
	case "memory", "sqlite", "sqlite3", "postgres", "postgresql":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not supported", c.Store.Driver))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file must be set together"))
	}
	seen := make(map[string]bool)
	for i, p := range c.Peers {
		id := strings.ToLower(strings.TrimSpace(p.PeerID))
		if id == "" {
			errs = append(errs, fmt.Errorf("peers[%d].peer_id is required", i))
			continue
		}
		if seen[id] {
			errs = append(errs, fmt.Errorf("peers[%d]: duplicate peer %s", i, id))
		}
		seen[id] = true
		if !strings.HasPrefix(p.Address, "http://") && !strings.HasPrefix(p.Address, "https://") {
			errs = append(errs, fmt.Errorf("peers[%d].address must be an http(s) URL", i))
		}
	}
	return errors.Join(errs...)
}

// DegradedThreshold returns the latency above which a successful probe is degraded.
func (c Config) DegradedThreshold() time.Duration {
	return time.Duration(c.Node.DegradedThresholdMs) * time.Millisecond
}

// Load reads the file at path and applies defaults.
func Load(ctx context.Context, path string) (Config, error) {
	var cfg Config

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}
	cfg.ApplyDefaults()

	return cfg, nil
}

// PathFromEnv returns $UPPE_NODE_CONFIG or the default config path.
func PathFromEnv() string {
	if path := os.Getenv(envConfigPath); path != "" {
		return path
	}
	return DefaultConfigPath
}
