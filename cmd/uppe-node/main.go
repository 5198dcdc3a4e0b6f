package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/uppehq/node/internal/assignment"
	"github.com/uppehq/node/internal/backfill"
	"github.com/uppehq/node/internal/certs"
	"github.com/uppehq/node/internal/config"
	"github.com/uppehq/node/internal/consensus"
	"github.com/uppehq/node/internal/diag"
	"github.com/uppehq/node/internal/directory"
	"github.com/uppehq/node/internal/events"
	"github.com/uppehq/node/internal/executor"
	"github.com/uppehq/node/internal/health"
	"github.com/uppehq/node/internal/identity"
	"github.com/uppehq/node/internal/ingest"
	"github.com/uppehq/node/internal/location"
	"github.com/uppehq/node/internal/logging"
	"github.com/uppehq/node/internal/metrics"
	"github.com/uppehq/node/internal/monitors"
	"github.com/uppehq/node/internal/netinfo"
	"github.com/uppehq/node/internal/peering"
	"github.com/uppehq/node/internal/probe"
	"github.com/uppehq/node/internal/queue"
	"github.com/uppehq/node/internal/queue/persist"
	"github.com/uppehq/node/internal/retention"
	"github.com/uppehq/node/internal/runtime"
	"github.com/uppehq/node/internal/scheduler"
	"github.com/uppehq/node/internal/server"
	"github.com/uppehq/node/internal/store"
	"github.com/uppehq/node/internal/transmit"
	"github.com/uppehq/node/internal/worker"
	"github.com/uppehq/node/pkg/types"
)

const (
	defaultDiskCapBytes    = 256 << 20
	defaultSpillThreshold  = 0.8
	defaultEventRingSize   = 512
	defaultSweepInterval   = 15 * time.Second
	defaultSTUNInterval    = 10 * time.Minute
	defaultPeerHTTPTimeout = 10 * time.Second
)

func main() {
	ctx := context.Background()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = run(ctx, os.Args[2:])
	case "init":
		err = initNode(ctx, os.Args[2:], os.Stdout)
	case "import":
		err = importManifest(ctx, os.Args[2:], os.Stdout)
	case "status":
		err = status(ctx, os.Args[2:], os.Stdout)
	case "diag":
		err = diag.Run(ctx, os.Args[2:], os.Stdout, diag.Dependencies{})
	case "-h", "--help", "help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "command %s failed: %v\n", cmd, err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Uppe node")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  uppe-node run [--config /etc/uppe/node.yaml]")
	fmt.Println("  uppe-node init [--config path] [--data-dir dir] [--public-url url] [--listen addr] [--force]")
	fmt.Println("  uppe-node import --manifest file [--signature file] [--config path]")
	fmt.Println("  uppe-node status [--config path] [--addr url] [--monitor uuid]")
	fmt.Println("  uppe-node diag [--config path] [--data-dir dir] [--logs dir] [--output file] [--journal-unit unit]")
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", config.PathFromEnv(), "Path to node configuration file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(ctx, *configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	privacy, err := location.ParsePrivacy(cfg.Node.Location.Privacy)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Node.DataDir, 0o700); err != nil {
		return fmt.Errorf("ensure data dir: %w", err)
	}

	logger := logging.New()

	id, created, err := identity.LoadOrGenerate(config.KeyPath(cfg.Node.DataDir))
	if err != nil {
		return fmt.Errorf("load node identity: %w", err)
	}
	if created {
		logger.Printf("generated node identity %s", id.PeerID())
	}
	logger.Printf("node starting (peer_id=%s, data_dir=%s, listen=%s)", id.PeerID(), cfg.Node.DataDir, cfg.Node.ListenAddr)

	metricsStore := metrics.NewStore()
	ring := events.NewRing(defaultEventRingSize)
	recorder := events.NewMulti(ring, metricsStore, events.LogRecorder{Logger: logging.Component(logger, "events")})

	st, err := store.Open(ctx, store.Config{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	dir := directory.New(id.PeerID(), directoryPeers(cfg.Peers),
		directory.WithOfflineAfter(cfg.Node.OfflineAfter),
		directory.WithDiscovery(cfg.Node.Discovery),
		directory.WithEvents(recorder),
	)
	engine := assignment.NewEngine(dir, id.PeerID(), assignment.WithRedundancy(cfg.Node.RedundancyFactor))

	var agg *consensus.Aggregator
	catalog, err := monitors.NewCatalog(
		monitors.Config{LocalPeerID: id.PeerID(), AllowPrivateTargets: cfg.Node.AllowPrivateTargets},
		monitors.Dependencies{Store: st, Engine: engine, Logger: logging.Component(logger, "monitors")},
		monitors.WithRemoveHook(func(monitorUUID string) { agg.Forget(monitorUUID) }),
	)
	if err != nil {
		return fmt.Errorf("init monitor catalog: %w", err)
	}
	agg = consensus.New(
		consensus.Config{
			FreshnessWindow: cfg.Consensus.FreshnessWindow,
			Quorum:          cfg.Consensus.Quorum,
			TieBreak:        tieBreak(cfg.Consensus.TieBreak),
		},
		consensus.Dependencies{Assignments: catalog, Events: recorder, Logger: logging.Component(logger, "consensus")},
	)

	ingestor, err := ingest.New(
		ingest.Config{
			FreshnessWindow: cfg.Consensus.FreshnessWindow,
			MaxSkew:         cfg.Consensus.MaxSkew,
			RatePerPeer:     cfg.Ingest.RatePerPeer,
			Burst:           cfg.Ingest.Burst,
		},
		ingest.Dependencies{
			Monitors:   catalog,
			Peers:      dir,
			Verifier:   identity.Ed25519Verifier{},
			Store:      st,
			Aggregator: agg,
			Metrics:    metricsStore.IngestRecorder(),
			Events:     recorder,
			Logger:     logging.Component(logger, "ingest"),
		},
	)
	if err != nil {
		return fmt.Errorf("init ingest: %w", err)
	}

	healthChecker := health.NewChecker(metricsStore, cfg.Queue.MemItemsCap, monitors.DefaultSyncInterval*3)

	opts := []runtime.Option{
		runtime.WithQueueCapacity(cfg.Queue.MemItemsCap),
		runtime.WithMetricsStore(metricsStore),
		runtime.WithEventRecorder(recorder),
		runtime.WithTickResolution(cfg.Run.TickResolution),
	}
	if cfg.Run.Workers > 0 {
		opts = append(opts, runtime.WithWorkerOptions(worker.WithWorkerCount(cfg.Run.Workers)))
	}
	if cfg.Queue.SpillToDisk {
		diskCap, err := queue.ParseSize(cfg.Queue.DiskBytesCap, defaultDiskCapBytes)
		if err != nil {
			return fmt.Errorf("parse disk_bytes_cap: %w", err)
		}
		spill, err := persist.Open(filepath.Join(cfg.Node.DataDir, "spill"), persist.Options{MaxBytes: diskCap})
		if err != nil {
			return fmt.Errorf("open spill log: %w", err)
		}
		defer spill.Close()
		opts = append(opts,
			runtime.WithSpill(spill, defaultSpillThreshold),
			runtime.WithBackfillController(backfill.New(spill, backfill.WithMetrics(metricsStore.BackfillRecorder()))),
		)
	}

	loc := location.Apply(types.Location{
		City:    cfg.Node.Location.City,
		Country: cfg.Node.Location.Country,
		Region:  cfg.Node.Location.Region,
	}, privacy)

	rt, err := runtime.New(func(sched *scheduler.Scheduler, outbox *queue.DeliveryQueue) (worker.Handler, error) {
		return executor.New(
			executor.Config{DegradedThreshold: cfg.DegradedThreshold(), Location: loc},
			executor.Dependencies{
				Prober:      probe.NewDispatcher(),
				Releaser:    sched,
				Signer:      id,
				Assignments: catalog,
				Store:       st,
				Aggregator:  agg,
				Outbox:      outbox,
				Metrics:     metricsStore.ProbeRecorder(),
				Logger:      logging.Component(logger, "executor"),
			},
		)
	}, opts...)
	if err != nil {
		return fmt.Errorf("init runtime: %w", err)
	}

	serverTLS, err := certs.ServerTLSConfig(certs.Paths{Cert: cfg.TLS.CertFile, Key: cfg.TLS.KeyFile})
	if err != nil {
		return err
	}
	clientTLS, err := certs.ClientTLSConfig(certs.Paths{CA: cfg.TLS.CAFile})
	if err != nil {
		return err
	}

	client, err := peering.NewClient(
		peering.Config{Address: cfg.Node.PublicURL},
		peering.Dependencies{
			HTTPClient: &http.Client{
				Timeout: defaultPeerHTTPTimeout,
				Transport: &http.Transport{
					TLSClientConfig:     clientTLS,
					ForceAttemptHTTP2:   true,
					Proxy:               http.ProxyFromEnvironment,
					MaxIdleConnsPerHost: 10,
				},
			},
			Directory: dir,
			Signer:    id,
			Logger:    logging.Component(logger, "peering"),
		},
	)
	if err != nil {
		return fmt.Errorf("init peering client: %w", err)
	}

	transmitter := rt.NewTransmitter(client,
		transmit.WithMaxAge(cfg.Consensus.FreshnessWindow+cfg.Consensus.MaxSkew),
		transmit.WithLogger(logging.Component(logger, "transmit")),
	)

	syncer := monitors.NewSyncer(catalog, rt,
		monitors.WithAnnouncer(client, monitors.DefaultAnnounceInterval),
		monitors.WithReport(healthChecker.ObserveMonitorSync),
		monitors.WithSyncLogger(logging.Component(logger, "sync")),
	)

	cleaner := retention.New(st,
		retention.Policy{
			PeerResultAge:  time.Duration(cfg.Retention.PeerResultDays) * 24 * time.Hour,
			LocalResultAge: time.Duration(cfg.Retention.LocalResultDays) * 24 * time.Hour,
		},
		retention.WithLogger(logging.Component(logger, "retention")),
		retention.WithReport(func(_ retention.Report, err error) { healthChecker.ObserveStore(err) }),
	)

	refresher := &netinfo.Refresher{
		Servers: cfg.Node.STUNServers,
		Sink:    dir,
		Logger:  logging.Component(logger, "netinfo"),
	}

	srv := server.New(
		server.Config{Addr: cfg.Node.ListenAddr, AdminBearerToken: cfg.Admin.Token, TLS: serverTLS},
		server.Dependencies{
			Logger:    logging.Component(logger, "http"),
			Ingestor:  ingestor,
			Catalog:   catalog,
			Directory: dir,
			Status:    agg,
			Results:   st,
			Readiness: healthChecker,
			Events:    ring,
			Metrics:   metricsStore,
		},
	)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wait := rt.Start(runCtx)

	grp, groupCtx := errgroup.WithContext(runCtx)

	grp.Go(func() error { return ignoreCanceled(transmitter.Run(groupCtx)) })
	grp.Go(func() error { return ignoreCanceled(syncer.Run(groupCtx)) })
	grp.Go(func() error { return ignoreCanceled(client.RunHeartbeat(groupCtx, cfg.Node.HeartbeatInterval)) })
	grp.Go(func() error { return ignoreCanceled(dir.Run(groupCtx, 0)) })
	grp.Go(func() error { return ignoreCanceled(refresher.Run(groupCtx, defaultSTUNInterval)) })
	grp.Go(func() error { return ignoreCanceled(cleaner.Run(groupCtx, retention.DefaultInterval)) })
	grp.Go(func() error {
		return ignoreCanceled(runSweeps(groupCtx, agg, dir, healthChecker, defaultSweepInterval))
	})
	grp.Go(func() error {
		<-groupCtx.Done()
		wait()
		return nil
	})
	grp.Go(func() error { return srv.Run(groupCtx) })

	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		stop()
		return err
	}

	logger.Printf("node stopped")
	return nil
}

// runSweeps re-evaluates aggregate status so stale reports age out even when no new
// results arrive, and refreshes the peer counts behind readiness.
func runSweeps(ctx context.Context, agg *consensus.Aggregator, dir *directory.Directory, checker *health.Checker, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		checker.ObservePeers(dir.Counts())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			agg.Sweep()
		}
	}
}

func directoryPeers(peers []config.PeerConfig) []directory.Peer {
	out := make([]directory.Peer, 0, len(peers))
	for _, p := range peers {
		out = append(out, directory.Peer{PeerID: p.PeerID, Address: p.Address})
	}
	return out
}

func tieBreak(order []string) []types.Status {
	out := make([]types.Status, 0, len(order))
	for _, st := range order {
		out = append(out, types.Status(st))
	}
	return out
}

func ignoreCanceled(err error) error {
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
