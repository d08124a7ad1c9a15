// Package oracle assembles and runs the staking oracle daemon: both chain
// connections, the report pipeline, the watchdog, and the ops HTTP surface.
package oracle

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"
	"github.com/stakelink/relay-oracle/pkg/config"
	"github.com/stakelink/relay-oracle/pkg/endpoint"
	"github.com/stakelink/relay-oracle/pkg/logging"
	"github.com/stakelink/relay-oracle/pkg/metrics"
	"github.com/stakelink/relay-oracle/pkg/oracle"
	"github.com/stakelink/relay-oracle/pkg/parachain"
	"github.com/stakelink/relay-oracle/pkg/relay"
	"github.com/stakelink/relay-oracle/pkg/retry"
	"go.uber.org/zap"
)

type App struct {
	Engine    *oracle.Engine
	Relay     *relay.Client
	Parachain *parachain.Client
	Contract  *parachain.Contract
	Metrics   *metrics.Set
	Server    *http.Server
	Cron      *cron.Cron
	Logger    *zap.Logger

	relayPool *endpoint.Pool[*websocket.Conn]
	paraPool  *endpoint.Pool[struct{}]
}

// Initialize builds the full application. Configuration and contract
// problems are fatal here; connectivity problems are not, they resolve
// inside the engine's selection loops.
func Initialize(ctx context.Context) *App {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	cfg := config.FromEnv()
	dropped, err := cfg.Validate()
	for _, u := range dropped {
		logger.Warn("Dropping malformed endpoint url", zap.String("url", u))
	}
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	signer, err := parachain.NewKeySigner(cfg.OracleKey)
	if err != nil {
		logger.Fatal("Unable to load oracle key", zap.Error(err))
	}

	relayPool := endpoint.NewPool(
		endpoint.ChainRelay, cfg.RelayURLs, []string{"ws", "wss"},
		relay.Dial(cfg.ConnectTimeout), cfg.PollInterval, cfg.FailureThreshold, logger)
	paraPool := endpoint.NewPool(
		endpoint.ChainParachain, cfg.ParachainURLs, []string{"http", "https"},
		parachain.Dial(&http.Client{Timeout: cfg.ConnectTimeout}),
		cfg.PollInterval, cfg.FailureThreshold, logger)

	relayClient := relay.NewClient(relayPool, cfg.RPCTimeout, logger)
	paraClient := parachain.NewClient(paraPool, cfg.RPCTimeout, logger)
	contract := parachain.NewContract(paraClient, cfg.ContractAddress, signer.Address())

	// The wrong contract address must stop the process before the first
	// poll, not surface as reverts an era later.
	if err := paraClient.Connect(ctx); err != nil {
		logger.Fatal("Unable to reach any parachain endpoint", zap.Error(err))
	}
	if err := retry.WithBackoff(ctx, retry.DefaultConfig(), logger, "validate contract entry points",
		func() error {
			err := contract.ValidateEntryPoints(ctx)
			if errors.Is(err, parachain.ErrMissingEntryPoint) {
				logger.Fatal("Contract entry point validation failed", zap.Error(err))
			}
			return err
		}); err != nil {
		logger.Fatal("Unable to validate contract", zap.Error(err))
	}

	set := metrics.New()
	locator := relay.NewLocator(relayClient, cfg.EraBlocks, cfg.BlockTime(), logger)
	tracker := oracle.NewTracker(logger)
	builder := oracle.NewBuilder(relayClient, cfg.BuildWorkers, logger)
	submitter := oracle.NewSubmitter(paraClient, signer, cfg.GasLimit, cfg.Debug, cfg.BlockTime(), logger)
	watchdog := oracle.NewWatchdog(cfg.EraSeconds, cfg.WatchdogTolerance, cfg.WatchdogGrace, contract, logger)

	engine := oracle.NewEngine(oracle.Params{
		Relay:        relayClient,
		RelayEras:    relayClient,
		Para:         paraClient,
		Locator:      locator,
		Store:        contract,
		Sink:         contract,
		Tracker:      tracker,
		Builder:      builder,
		Submitter:    submitter,
		Watchdog:     watchdog,
		Metrics:      set,
		PollInterval: cfg.PollInterval,
		Log:          logger,
	})

	server := metrics.NewServer(cfg.ListenAddr, set, engine.Status, logger)

	app := &App{
		Engine:    engine,
		Relay:     relayClient,
		Parachain: paraClient,
		Contract:  contract,
		Metrics:   set,
		Server:    server,
		Cron:      cron.New(),
		Logger:    logger,
		relayPool: relayPool,
		paraPool:  paraPool,
	}
	app.registerJobs(ctx, signer.Address())
	return app
}

// registerJobs schedules the background samplers: the balance gauges every
// minute, a status line every hour.
func (a *App) registerJobs(ctx context.Context, oracleAccount string) {
	_, _ = a.Cron.AddFunc("@every 1m", func() {
		sampleCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		balance, err := a.Parachain.Balance(sampleCtx, oracleAccount)
		if err != nil {
			a.Logger.Debug("Balance sample failed", zap.Error(err))
			return
		}
		metrics.SetBalance(a.Metrics.OracleBalance, balance)

		for url, st := range a.relayPool.Snapshot() {
			a.Metrics.EndpointFailures.WithLabelValues(endpoint.ChainRelay, url).Set(float64(st.Failures))
		}
		for url, st := range a.paraPool.Snapshot() {
			a.Metrics.EndpointFailures.WithLabelValues(endpoint.ChainParachain, url).Set(float64(st.Failures))
		}
		a.Metrics.Agent.Reset()
		a.Metrics.Agent.WithLabelValues(a.Relay.Endpoint(), a.Parachain.Endpoint()).Set(1)
	})
	_, _ = a.Cron.AddFunc("@hourly", func() {
		status := a.Engine.Status()
		a.Logger.Info("Oracle status",
			zap.String("state", status.State),
			zap.Uint32("active_era", status.ActiveEra),
			zap.Int64("last_reported_era", status.LastReportedEra),
			zap.String("relay", status.RelayEndpoint),
			zap.String("parachain", status.ParaEndpoint))
	})
}

// Start runs the engine until the context is canceled or the engine reports
// a fatal condition.
func (a *App) Start(ctx context.Context) {
	go func() {
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("Ops server stopped", zap.Error(err))
		}
	}()
	a.Cron.Start()

	err := a.Engine.Run(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		a.Logger.Info("Shutdown requested")
	case errors.Is(err, oracle.ErrEraStalled):
		a.Stop()
		a.Logger.Fatal("Era progression stalled, giving up", zap.Error(err))
	default:
		a.Stop()
		a.Logger.Fatal("Engine terminated", zap.Error(err))
	}
	a.Stop()
}

// Stop shuts down the background surfaces and closes the chain connections.
func (a *App) Stop() {
	<-a.Cron.Stop().Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.Server.Shutdown(shutdownCtx)
	a.Relay.Close()
	a.Logger.Info("さようなら!")
}
