package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bardlex/gomp-miner/internal/api"
	"github.com/bardlex/gomp-miner/internal/config"
	"github.com/bardlex/gomp-miner/internal/database"
	"github.com/bardlex/gomp-miner/internal/events"
	"github.com/bardlex/gomp-miner/internal/loop"
	"github.com/bardlex/gomp-miner/internal/messaging"
	"github.com/bardlex/gomp-miner/internal/metrics"
	"github.com/bardlex/gomp-miner/internal/mining"
	"github.com/bardlex/gomp-miner/internal/notify"
	"github.com/bardlex/gomp-miner/internal/settings"
	"github.com/bardlex/gomp-miner/internal/stratum"
	"github.com/bardlex/gomp-miner/pkg/log"
)

// shutdownTimeout bounds the graceful shutdown
const shutdownTimeout = 30 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start mining",
	Long: `Load the pool list and mine on the pool chosen by the schedule policy
until interrupted.`,
	RunE: runMiner,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().Bool("idle", false, "load the pool list and serve the API without mining")
}

func runMiner(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.WalletAddress == "" {
		return fmt.Errorf("WALLET_ADDRESS must be set to mine")
	}
	idle, _ := cmd.Flags().GetBool("idle")

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting gompminer",
		"version", cfg.Version,
		"environment", cfg.Environment,
		"cpu", config.CPUBrand(),
		"cpu_cores", cfg.CPUCoreCount,
		"hash_algorithm", cfg.HashAlgorithm,
		"settings_backend", cfg.SettingsBackend,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := newMinerApp(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to create miner")
		return err
	}

	if err := app.Start(ctx, !idle); err != nil {
		logger.WithError(err).Error("failed to start miner")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		_ = app.Shutdown(shutdownCtx)
		return err
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	<-sigChan
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		return err
	}

	logger.Info("gompminer stopped")
	return nil
}

// minerApp wires the mining manager to its control loop, settings,
// storage backends and event sinks
type minerApp struct {
	cfg    *config.Config
	logger *log.Logger

	db       *database.Manager
	store    settingsStore
	loop     *loop.Loop
	mgr      *mining.Manager
	recorder *events.Recorder
	metrics  *metrics.Metrics
	hub      *api.Hub
	server   *api.Server

	loopCancel     context.CancelFunc
	recorderCancel context.CancelFunc
	tasksCancel    context.CancelFunc
}

func newMinerApp(ctx context.Context, cfg *config.Config, logger *log.Logger) (*minerApp, error) {
	dbConfig, err := databaseConfig(cfg)
	if err != nil {
		return nil, err
	}
	db, err := database.NewManager(ctx, dbConfig, logger)
	if err != nil {
		return nil, err
	}

	app := &minerApp{
		cfg:    cfg,
		logger: logger,
		db:     db,
		loop:   loop.New(loop.DefaultQueueSize, logger),
	}

	app.store, err = openSettings(ctx, cfg, db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	mgrConfig, err := managerConfig(cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	app.mgr = mining.NewManager(mgrConfig, app.store, stratum.Factory(stratumConfig(cfg), logger), app.loop, logger)

	sinks, err := app.sinks()
	if err != nil {
		for _, s := range sinks {
			_ = s.Close()
		}
		_ = db.Close()
		return nil, err
	}
	app.recorder = events.NewRecorder(app.mgr, cfg.EventQueueSize, logger, sinks...)
	app.metrics.RegisterDropped(app.recorder.Dropped)

	if cfg.APIListenAddr != "" {
		opts := []api.Option{
			api.WithHub(app.hub),
			api.WithMetrics(app.metrics.Handler()),
		}
		if db.Redis != nil || db.Influx != nil || db.Postgres != nil {
			opts = append(opts, api.WithHistory(db))
		}
		app.server = api.NewServer(api.DefaultConfig(cfg.APIListenAddr), app.loop, app.mgr, logger, opts...)
	}

	return app, nil
}

// sinks creates an event sink per configured destination. On error the
// sinks created so far are returned for closing.
func (a *minerApp) sinks() ([]events.Sink, error) {
	sinks := a.db.Sinks()

	a.metrics = metrics.New()
	sinks = append(sinks, a.metrics)

	if len(a.cfg.KafkaBrokers) > 0 {
		client := messaging.NewKafkaClient(a.cfg.KafkaBrokers, a.logger)
		sinks = append(sinks, messaging.NewEventSink(client, a.cfg.KafkaTopic))
	}

	if a.cfg.ZMQPubAddr != "" {
		pub, err := notify.NewPublisher(a.cfg.ZMQPubAddr, a.logger)
		if err != nil {
			return sinks, fmt.Errorf("failed to open event publisher: %w", err)
		}
		sinks = append(sinks, pub)
	}

	if a.cfg.APIListenAddr != "" {
		a.hub = api.NewHub(a.logger)
		sinks = append(sinks, a.hub)
	}

	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	a.logger.Info("event sinks configured", "sinks", names)
	return sinks, nil
}

// Start runs the control loop and the event recorder, loads the pool list
// and starts mining when mine is set
func (a *minerApp) Start(ctx context.Context, mine bool) error {
	loopCtx, loopCancel := context.WithCancel(context.Background())
	a.loopCancel = loopCancel
	go func() { _ = a.loop.Run(loopCtx) }()

	recorderCtx, recorderCancel := context.WithCancel(context.Background())
	a.recorderCancel = recorderCancel
	go func() { _ = a.recorder.Run(recorderCtx) }()

	err := a.loop.Call(ctx, func() {
		a.mgr.AddObserver(a.recorder)
		if a.cfg.AlternateLogin != "" && a.cfg.AlternateProbability > 0 {
			a.mgr.SetAlternateAccount(a.cfg.AlternateLogin, a.cfg.AlternateProbability)
		}
		a.mgr.Load()
		if a.mgr.MinerCount() == 0 {
			a.logger.Info("pool list is empty, restoring default pools")
			if err := a.mgr.RestoreDefaultMinerList(); err != nil {
				a.logger.WithError(err).Warn("failed to restore default pools")
			}
		}
		if mine {
			a.mgr.StartMining()
		}
	})
	if err != nil {
		return fmt.Errorf("failed to load miners: %w", err)
	}

	tasksCtx, tasksCancel := context.WithCancel(context.Background())
	a.tasksCancel = tasksCancel
	a.db.StartPeriodicTasks(tasksCtx)

	if fs, ok := a.store.(*settings.FileStore); ok {
		if err := fs.Watch(tasksCtx, a.settingsChanged); err != nil {
			a.logger.WithError(err).Warn("settings file changes will not be applied until restart")
		}
	}

	if a.server != nil {
		if err := a.server.Start(); err != nil {
			return err
		}
	}
	return nil
}

// settingsChanged applies external edits of the settings file to the
// running manager
func (a *minerApp) settingsChanged(old, next settings.Values) {
	a.loop.Post(func() {
		if next.SchedulePolicy != "" && next.SchedulePolicy != old.SchedulePolicy {
			policy, err := mining.ParseSchedulePolicy(next.SchedulePolicy)
			if err != nil {
				a.logger.WithError(err).Warn("ignoring schedule policy from settings file")
			} else if err := a.mgr.SetSchedulePolicy(policy); err != nil {
				a.logger.WithError(err).Warn("failed to apply schedule policy")
			}
		}

		if next.CPUCoreCount > 0 && next.CPUCoreCount != old.CPUCoreCount {
			if err := a.mgr.SetCPUCoreCount(next.CPUCoreCount); err != nil {
				a.logger.WithError(err).Warn("failed to apply cpu core count")
			}
		}

		if !equalPools(old.Pools, next.Pools) {
			a.logger.Info("pool list changed on disk, it applies after restart",
				"pools", len(next.Pools))
		}
	})
}

func equalPools(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Shutdown stops mining and releases every resource. Steps that time out
// are skipped.
func (a *minerApp) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down miner")

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.WithError(err).Warn("failed to shut down API server")
		}
	}

	if a.tasksCancel != nil {
		a.tasksCancel()
	}

	if a.loopCancel != nil {
		if err := a.loop.Call(ctx, a.mgr.Close); err != nil {
			a.logger.WithError(err).Warn("failed to stop miners")
		}

		// workers exit on their own once their miner stopped
		waited := make(chan struct{})
		go func() {
			a.mgr.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-ctx.Done():
			a.logger.Warn("shutdown timeout exceeded while waiting for workers")
		}
	}

	// The recorder delivers what is queued and closes the sinks
	if a.recorderCancel != nil {
		a.recorderCancel()
		select {
		case <-a.recorder.Done():
		case <-ctx.Done():
			a.logger.Warn("shutdown timeout exceeded while delivering events")
		}
	}

	if a.loopCancel != nil {
		a.loopCancel()
		<-a.loop.Done()
	}

	if err := a.db.Close(); err != nil {
		a.logger.WithError(err).Error("failed to close database manager")
		return err
	}
	return nil
}
