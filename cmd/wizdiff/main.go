// Command wizdiff polls the vendor's patch-directory service for new
// content revisions and emits structured deltas of what changed.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/units"
	"github.com/pkg/profile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/wizdiff/wizdiff/diffengine"
	"github.com/wizdiff/wizdiff/internal/config"
	"github.com/wizdiff/wizdiff/internal/version"
	"github.com/wizdiff/wizdiff/metrics"
	"github.com/wizdiff/wizdiff/notifier"
	"github.com/wizdiff/wizdiff/patchdirectory"
	"github.com/wizdiff/wizdiff/store"
)

func main() {
	var (
		configFile = kingpin.Flag(
			"config",
			"Config file for wizdiff.",
		).Default("wizdiff.yaml").Short('c').String()
		dbPath = kingpin.Flag(
			"db",
			"Sqlite inventory database path (overrides config).",
		).String()
		sleepTime = kingpin.Flag(
			"sleep-time",
			"Poll interval floor in seconds (overrides config).",
		).Int64()
		webhooks = kingpin.Flag(
			"webhook",
			"Webhook URL to notify (repeatable; overrides config).",
		).Strings()
		thread = kingpin.Flag(
			"thread",
			"Notifier thread/channel scoping id (overrides config).",
		).String()
		deleteOldRevisions = kingpin.Flag(
			"delete-old-revisions",
			"Purge prior revision inventory on commit (overrides config).",
		).Bool()
		metricsAddr = kingpin.Flag(
			"metrics-addr",
			"host:port to expose prometheus metrics on (overrides config; empty disables).",
		).String()
		graphPath = kingpin.Flag(
			"graph",
			"Write a per-tick revision-diff visualization PNG to this path (overrides config).",
		).String()
		maxManifestSize = kingpin.Flag(
			"max-manifest-size",
			"Maximum manifest download size, e.g. 10MB (overrides config).",
		).String()
		initDB = kingpin.Flag(
			"init-db",
			"Record the current revision as the baseline revision and exit.",
		).Bool()
		enableProfile = kingpin.Flag(
			"profile",
			"Enable CPU profiling for this run.",
		).Bool()
		debug = kingpin.Flag(
			"debug",
			"Enable debug-level logging.",
		).Bool()
	)
	kingpin.UsageTemplate(kingpin.CompactUsageTemplate).Version(version.Print("wizdiff")).Author("wizdiff")
	kingpin.CommandLine.Help = "Monitors the vendor patch-directory service for new content revisions and emits structured deltas.\n"
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	if *enableProfile {
		defer profile.Start(profile.CPUProfile).Stop()
	}

	logger := logrus.New()
	logger.Level = logrus.InfoLevel
	if *debug {
		logger.Level = logrus.DebugLevel
	}
	logger.Infof("%s", version.Print("wizdiff"))

	cfg, err := config.LoadFile(*configFile)
	if err != nil {
		logger.Warnf("config: %v; continuing with defaults and flags", err)
		cfg = &config.Config{DBPath: config.DefaultDBPath, SleepTimeSeconds: config.DefaultSleepTimeSeconds, MaxManifestSizeBytes: config.DefaultMaxManifestSizeBytes}
	}
	if err := applyFlagOverrides(cfg, *dbPath, *sleepTime, *webhooks, *thread, *deleteOldRevisions, *metricsAddr, *graphPath, *maxManifestSize); err != nil {
		logger.Errorf("flags: %v", err)
		os.Exit(1)
	}

	db, err := store.Open(logger, cfg.DBPath)
	if err != nil {
		logger.Errorf("open store: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	directory := patchdirectory.New(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go waitForSignal(cancel)

	if *initDB {
		if err := bootstrap(ctx, logger, directory, db); err != nil {
			logger.Errorf("init-db: %v", err)
			os.Exit(1)
		}
		return
	}

	n := buildNotifier(logger, cfg)
	if cfg.GraphPath != "" {
		n = newGraphNotifier(logger, n, cfg.GraphPath)
	}

	var m *metrics.Metrics
	var reg *prometheus.Registry
	if cfg.MetricsAddr != "" {
		m, reg = metrics.New()
		go func() {
			if err := metrics.Serve(ctx, logger, cfg.MetricsAddr, reg); err != nil {
				logger.Errorf("metrics server: %v", err)
			}
		}()
	}

	engineOpts := []diffengine.Option{
		diffengine.WithSleepTime(cfg.SleepTime()),
		diffengine.WithDeleteOldRevisions(cfg.DeleteOldRevisions),
		diffengine.WithMaxManifestSize(cfg.MaxManifestSizeBytes),
	}
	if m != nil {
		engineOpts = append(engineOpts, diffengine.WithMetrics(m))
	}

	eng := diffengine.New(logger, directory, db, n, engineOpts...)
	defer eng.Close()

	runErr := eng.Run(ctx)
	if gn, ok := n.(*graphNotifier); ok {
		gn.flush(context.Background())
	}
	if runErr != nil && ctx.Err() == nil {
		logger.Errorf("diffengine: fatal: %v", runErr)
		os.Exit(1)
	}
	logger.Infof("wizdiff: shutting down cleanly")
}

// bootstrap implements the operator-driven init_db path (spec's
// SUPPLEMENTED FEATURES bootstrap path): commit the current revision, with
// no deltas emitted, so the next Tick has an old_revision to diff against.
// Only the revision row is written: no top-level file or archive-entry
// rows are recorded for it.
func bootstrap(ctx context.Context, logger *logrus.Logger, directory *patchdirectory.Directory, db *store.Store) error {
	manifestURL, _, err := directory.GetPatchURLs()
	if err != nil {
		return fmt.Errorf("resolve patch urls: %w", err)
	}
	revision, err := diffengine.RevisionTagFromURL(manifestURL)
	if err != nil {
		return err
	}

	has, err := db.HasRevision(ctx, revision)
	if err != nil {
		return err
	}
	if has {
		logger.Infof("init-db: revision %s already committed", revision)
		return nil
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	if err := tx.AddRevision(ctx, revision, time.Now().UTC()); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Infof("init-db: bootstrapped at revision %s", revision)
	return nil
}

func buildNotifier(logger *logrus.Logger, cfg *config.Config) notifier.Notifier {
	if len(cfg.Webhooks) == 0 {
		return notifier.NewMulti(logger)
	}
	var hooks []notifier.Notifier
	for _, url := range cfg.Webhooks {
		hooks = append(hooks, notifier.NewWebhookNotifier(logger, url, cfg.Thread))
	}
	return notifier.NewMulti(logger, hooks...)
}

func applyFlagOverrides(cfg *config.Config, dbPath string, sleepTime int64, webhooks []string, thread string, deleteOld bool, metricsAddr, graphPath, maxManifestSize string) error {
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if sleepTime > 0 {
		cfg.SleepTimeSeconds = sleepTime
	}
	if len(webhooks) > 0 {
		cfg.Webhooks = webhooks
	}
	if thread != "" {
		cfg.Thread = thread
	}
	if deleteOld {
		cfg.DeleteOldRevisions = true
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	if graphPath != "" {
		cfg.GraphPath = graphPath
	}
	if maxManifestSize != "" {
		sz, err := units.ParseBase2Bytes(maxManifestSize)
		if err != nil {
			return fmt.Errorf("--max-manifest-size %q: %w", maxManifestSize, err)
		}
		cfg.MaxManifestSizeBytes = int64(sz)
	}
	return nil
}

func waitForSignal(cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()
}
