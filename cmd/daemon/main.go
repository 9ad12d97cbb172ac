// Command daemon runs the hdhub mediator: it discovers HDHomeRun
// appliances, mirrors their recording catalogs, transcodes recordings
// into an HLS cache, brokers live TV tuners and serves the HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hdhub/hdhub/internal/api"
	"github.com/hdhub/hdhub/internal/catalog"
	"github.com/hdhub/hdhub/internal/config"
	"github.com/hdhub/hdhub/internal/discovery"
	"github.com/hdhub/hdhub/internal/guide"
	"github.com/hdhub/hdhub/internal/livetv"
	"github.com/hdhub/hdhub/internal/log"
	"github.com/hdhub/hdhub/internal/store"
	"github.com/hdhub/hdhub/internal/transcode"
	"github.com/hdhub/hdhub/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("hdhub %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	if err := run(); err != nil {
		logger := log.WithComponent("daemon")
		logger.Fatal().Err(err).Msg("daemon exited")
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log.Configure(log.Config{Level: cfg.LogLevel, Service: "hdhub"})
	logger := log.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	cfgManager := config.NewManager(cfg, os.Getenv("HDHUB_CONFIG"))
	if err := cfgManager.Watch(); err != nil {
		logger.Warn().Err(err).Msg("config watch unavailable")
	}
	defer cfgManager.Close()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	engine, err := transcode.New(transcode.Options{
		CacheDir:           cfg.CacheDir,
		FFmpegPath:         cfg.FFmpegPath,
		SegmentDuration:    cfg.SegmentDuration,
		MaxConcurrent:      cfg.MaxConcurrentTranscodes,
		PlaylistTimeout:    cfg.PlaylistTimeout,
		SegmentWaitTimeout: cfg.SegmentWaitTimeout,
	})
	if err != nil {
		return fmt.Errorf("init transcode engine: %w", err)
	}
	defer engine.Shutdown()

	worker, err := livetv.NewWorker(livetv.WorkerOptions{
		CacheDir:        cfg.LiveCacheDir,
		FFmpegPath:      cfg.FFmpegPath,
		SegmentDuration: cfg.LiveSegmentDuration,
		BufferMinutes:   cfg.LiveBufferMinutes,
	})
	if err != nil {
		return fmt.Errorf("init live worker: %w", err)
	}
	defer worker.Shutdown()

	allocator, err := livetv.NewAllocator(livetv.AllocatorConfig{
		MaxViewersPerTuner: cfg.MaxViewersPerTuner,
		Cooldown:           cfg.TunerCooldown,
		HeartbeatInterval:  cfg.ClientHeartbeat,
		MissedHeartbeats:   cfg.MissedHeartbeats,
	}, worker, st)
	if err != nil {
		return fmt.Errorf("init tuner allocator: %w", err)
	}
	defer allocator.Shutdown()

	syncer := catalog.NewSyncer(st, engine)

	disc := discovery.NewManager(discovery.Config{
		CloudBaseURL: cfg.CloudBaseURL,
		OnUpdate: func(set []discovery.Appliance) {
			allocator.SyncDevices(set)
			if err := syncer.Sync(context.Background(), set); err != nil {
				logger.Warn().Err(err).Msg("catalog sync after discovery")
			}
		},
	})

	plane := guide.NewPlane(st, guide.NewCloudClient(cfg.CloudBaseURL), disc.Snapshot)

	server := api.New(cfg, api.Deps{
		Store:     st,
		Engine:    engine,
		Allocator: allocator,
		Worker:    worker,
		Syncer:    syncer,
		Plane:     plane,
		Discovery: disc,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error {
		disc.RunPeriodic(gctx, func() time.Duration {
			return cfgManager.Current().DiscoveryInterval
		})
		return nil
	})
	g.Go(func() error {
		allocator.RunSweeps(gctx)
		return nil
	})
	g.Go(func() error {
		engine.RunSweeper(gctx, func() (time.Duration, time.Duration) {
			c := cfgManager.Current()
			return c.CleanupInterval, c.MaxCacheAge
		})
		return nil
	})
	g.Go(func() error {
		plane.RunPeriodic(gctx, func() time.Duration {
			return cfgManager.Current().GuideRefreshInterval
		})
		return nil
	})

	logger.Info().
		Str("version", version.Version).
		Str("listen", cfg.ListenAddr).
		Str("data_dir", cfg.DataDir).
		Msg("hdhub started")

	err = g.Wait()
	logger.Info().Msg("hdhub stopped")
	return err
}
