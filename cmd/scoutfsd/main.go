package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/bgly/scoutfs/internal/logger"
	"github.com/bgly/scoutfs/pkg/cluster"
	"github.com/bgly/scoutfs/pkg/config"
	"github.com/bgly/scoutfs/pkg/inode"
	"github.com/bgly/scoutfs/pkg/item/badgerstore"
	"github.com/bgly/scoutfs/pkg/lock"
	"github.com/bgly/scoutfs/pkg/metrics"
	"github.com/bgly/scoutfs/pkg/trans"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: "+config.GetDefaultConfigPath()+")")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger.SetLevel(cfg.Logging.Level)
	logger.Info("scoutfs metadata daemon starting")

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := badgerstore.New(ctx, cfg.Store)
	if err != nil {
		log.Fatalf("Failed to open item store: %v", err)
	}

	locks := lock.NewLocalCoordinator()
	coord := cluster.NewLocalCoordinator(cfg.Server.MaxIno)

	tm := trans.NewManager(store, 0)
	coord.StableSeqFn = tm.LastStableSeq

	mnt := inode.NewMount(inode.Options{
		Store:   store,
		Locks:   locks,
		Cluster: coord,
		Trans:   tm,
		Metrics: metrics.NewInodeMetrics(),
	})
	logger.Info("mount %s over %s", mnt.RID(), storePath(cfg))

	if err := mnt.EnsureRoot(ctx); err != nil {
		log.Fatalf("Failed to initialize root inode: %v", err)
	}
	if err := tm.Commit(ctx); err != nil {
		log.Fatalf("Failed to commit root inode: %v", err)
	}

	tm.Run(cfg.Transaction.CommitInterval)

	scanner := inode.NewOrphanScanner(mnt, inode.ScannerConfig{
		Interval:      cfg.OrphanScan.Interval,
		Jitter:        cfg.OrphanScan.Jitter,
		InosPerSecond: cfg.OrphanScan.InosPerSecond,
		Burst:         cfg.OrphanScan.Burst,
		OpenMapTTL:    cfg.OrphanScan.OpenMapTTL,
	})
	scanner.Start()

	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.NewServer(cfg.Metrics.Listen)
		go func() {
			if err := metricsSrv.Start(ctx); err != nil {
				logger.Error("metrics server: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("daemon is running")
	<-sigChan
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	scanner.Stop()
	if err := tm.Stop(shutdownCtx); err != nil {
		logger.Error("final commit: %v", err)
	}
	if err := mnt.Close(shutdownCtx); err != nil {
		logger.Error("closing mount: %v", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Stop(shutdownCtx); err != nil {
			logger.Error("stopping metrics server: %v", err)
		}
	}
	cancel()
	if err := store.Close(); err != nil {
		logger.Error("closing item store: %v", err)
	}
	logger.Info("shutdown complete")
}

func storePath(cfg *config.Config) string {
	if cfg.Store.InMemory {
		return "in-memory store"
	}
	return fmt.Sprintf("badger at %s", cfg.Store.DBPath)
}
