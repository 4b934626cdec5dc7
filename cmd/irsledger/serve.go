package main

import (
	"IRSLedger/internal/config"
	"IRSLedger/internal/core"
	"IRSLedger/internal/event"
	"IRSLedger/internal/ingestion"
	"IRSLedger/internal/keeper"
	"IRSLedger/internal/ledger"
	fpmath "IRSLedger/internal/math"
	"IRSLedger/internal/observability"
	"IRSLedger/internal/oracle"
	"IRSLedger/internal/persistence"
	"IRSLedger/internal/projection"
	"IRSLedger/internal/query"
	"IRSLedger/internal/rates"
	"IRSLedger/internal/server"
	"IRSLedger/internal/state"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const consumerName = "irsledger"

// relay forwards events and batches to the dispatcher once it exists.
// Components are built and restored before recovery knows the log position.
type relay struct {
	d atomic.Pointer[core.Dispatcher]
}

func (r *relay) Emit(evt event.Event) {
	if d := r.d.Load(); d != nil {
		d.Emit(evt)
	}
}

func (r *relay) RecordBatch(b *ledger.Batch) {
	if d := r.d.Load(); d != nil {
		d.RecordBatch(b)
	}
}

// engine is the in-memory core.
type engine struct {
	ledger       *ledger.Ledger
	risk         *state.RiskParamsManager
	oracle       *oracle.RateOracle
	margin       *state.MarginEngine
	positions    *state.PositionManager
	liquidations *state.LiquidationEngine
	feeds        []*rates.FeedSource
}

// seed funds the swap pool and insurance fund on a cold start so profitable
// closes have liquidity before any counterparty realizes a loss.
func (e *engine) seed(ctx context.Context, seeds config.SeedConfig, logger zerolog.Logger) error {
	asset := e.ledger.AssetID()
	for _, s := range []struct {
		account ledger.AccountKey
		amount  config.Wad
	}{
		{ledger.SwapPoolAccount(asset), seeds.SwapPool},
		{ledger.InsuranceFundAccount(asset), seeds.InsuranceFund},
	} {
		if s.amount.Int == nil || s.amount.Sign() == 0 {
			continue
		}
		if err := e.ledger.Fund(ctx, s.account, s.amount.Int); err != nil {
			return err
		}
		logger.Info().
			Str("account", s.account.AccountPath()).
			Str("amount", fpmath.FormatWad(s.amount.Int)).
			Msg("system account seeded")
	}
	return nil
}

func (e *engine) components(d *core.Dispatcher) persistence.Components {
	return persistence.Components{
		Dispatcher: d,
		Ledger:     e.ledger,
		Positions:  e.positions,
		Oracle:     e.oracle,
		Risk:       e.risk,
	}
}

func buildSources(cfg *config.Config) ([]oracle.RateSource, []*rates.FeedSource, error) {
	var sources []oracle.RateSource

	urls, err := cfg.HTTPSources()
	if err != nil {
		return nil, nil, err
	}
	for name, url := range urls {
		sources = append(sources, rates.NewHTTPSource(name, url, cfg.Sources.HTTPPath, cfg.Oracle.SourceTimeout))
	}

	var feeds []*rates.FeedSource
	for _, name := range cfg.Sources.Feeds {
		f := rates.NewFeedSource(name, cfg.Sources.FeedMaxAge, time.Now)
		feeds = append(feeds, f)
		sources = append(sources, f)
	}

	if cfg.Sources.StaticSupply.Int != nil {
		sources = append(sources, rates.NewStaticSource("static", cfg.Sources.StaticSupply.Int, cfg.Sources.StaticBorrow.Int))
	}
	if len(sources) == 0 {
		return nil, nil, errors.New("no rate sources configured")
	}
	return sources, feeds, nil
}

func buildEngine(cfg *config.Config, sink *relay, logger zerolog.Logger, metrics *observability.Metrics) (*engine, error) {
	asset, ok := ledger.GetAssetID(cfg.Asset)
	if !ok {
		return nil, fmt.Errorf("unknown asset %q", cfg.Asset)
	}
	governor, err := cfg.GovernorID()
	if err != nil {
		return nil, err
	}

	e := &engine{}
	e.ledger = ledger.New(asset,
		ledger.WithBatchSink(sink.RecordBatch),
		ledger.WithLogger(observability.Component(logger, "ledger")),
	)

	e.risk, err = state.NewRiskParamsManager(governor, cfg.RiskParams())
	if err != nil {
		return nil, err
	}
	e.risk.OnChange(func(c state.ParamChange) {
		sink.Emit(&event.RiskParamUpdated{
			Param: c.Param, Old: c.Old, New: c.New, Governor: c.Governor,
			Version: c.Version, Timestamp: c.At,
		})
	})

	oracleCfg, err := cfg.OracleSettings()
	if err != nil {
		return nil, err
	}
	sources, feeds, err := buildSources(cfg)
	if err != nil {
		return nil, err
	}
	e.feeds = feeds
	e.oracle, err = oracle.New(oracleCfg, sources,
		oracle.WithLogger(observability.Component(logger, "oracle")),
		oracle.WithMetrics(metrics),
		oracle.WithUpdateHook(func(s oracle.RateSnapshot) {
			sink.Emit(&event.RateUpdated{Rate: s.Rate, Timestamp: s.Timestamp})
		}),
	)
	if err != nil {
		return nil, err
	}

	opts := []state.Option{
		state.WithLogger(observability.Component(logger, "state")),
		state.WithMetrics(metrics),
		state.WithEventSink(sink),
	}
	e.margin, err = state.NewMarginEngine(e.risk, e.oracle, opts...)
	if err != nil {
		return nil, err
	}
	e.positions = state.NewPositionManager(e.ledger, e.margin, opts...)
	e.liquidations, err = state.NewLiquidationEngine(e.positions, opts...)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func serve(ctx context.Context, cfg *config.Config, allowLogAhead bool) error {
	logger := observability.NewLoggerWithLevel("irsledger", observability.ParseLogLevel(cfg.LogLevel))
	startTime := time.Now()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)
	health := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	if _, err := persistence.NewMigrator(db, logger).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	health.AddCheck("postgres", db.PingContext)

	// --- Core state, restored before the dispatcher exists ---
	sink := &relay{}
	eng, err := buildEngine(cfg, sink, logger, metrics)
	if err != nil {
		return err
	}

	snapshots := persistence.NewSnapshotManager(db)
	recovered, err := persistence.Recover(ctx, snapshots, persistence.NewIdempotencyStore(db), eng.components(nil),
		persistence.RecoverOptions{AllowLogAhead: allowLogAhead, WarmKeys: cfg.IdempotencyCapacity}, logger)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	dispatcher, err := core.NewDispatcher(recovered.DispatcherConfig(core.Config{
		PersistSize:    cfg.PersistChanSize,
		PublishSize:    cfg.PublishChanSize,
		ProjectionSize: cfg.ProjectionChanSize,
		DedupCapacity:  cfg.IdempotencyCapacity,
	}), core.WithLogger(observability.Component(logger, "dispatcher")), core.WithMetrics(metrics))
	if err != nil {
		return err
	}
	dispatcher.Idempotency().Warm(recovered.IdempotencyKeys)
	sink.d.Store(dispatcher)
	logger.Info().
		Int64("sequence", recovered.Sequence).
		Bool("from_snapshot", recovered.FromSnapshot).
		Int64("tail_events", recovered.TailEvents).
		Msg("recovered")
	if recovered.Sequence == 0 && !recovered.FromSnapshot {
		if err := eng.seed(ctx, cfg.Seed, logger); err != nil {
			return fmt.Errorf("seed accounts: %w", err)
		}
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, logger)
	if err != nil {
		return err
	}
	defer nc.Close()
	if err := ingestion.EnsureRateStream(ctx, js, logger); err != nil {
		return err
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, logger); err != nil {
		return err
	}
	health.AddCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("nats disconnected")
		}
		return nil
	})
	health.AddCheck("oracle", func(context.Context) error {
		if s := eng.oracle.Status(); s != oracle.StatusFresh {
			return fmt.Errorf("rate %s", s)
		}
		return nil
	})

	handlers := make([]ingestion.RateHandler, 0, len(eng.feeds))
	for _, f := range eng.feeds {
		handlers = append(handlers, f)
	}
	subscriber := ingestion.NewRateSubscriber(js, handlers, logger, metrics)
	if len(handlers) > 0 {
		if err := subscriber.Subscribe(ctx, consumerName); err != nil {
			return err
		}
	}

	// --- Query API ---
	history := projection.NewHistory(cfg.HistoryCapacity)
	queries := query.NewQueryService(query.Deps{
		Positions: eng.positions,
		Margin:    eng.margin,
		Oracle:    eng.oracle,
		Ledger:    eng.ledger,
		History:   history,
		Sequence:  dispatcher,
		Projected: query.NewProjectionReader(db),
		StartTime: startTime,
	})
	srv, err := server.NewServer(cfg.GRPCAddr, cfg.HTTPAddr, server.Deps{
		Query:         queries,
		HealthChecker: health,
		Gatherer:      registry,
		Metrics:       metrics,
		Logger:        observability.Component(logger, "server"),
	})
	if err != nil {
		return err
	}

	liquidator, err := cfg.LiquidatorID()
	if err != nil {
		return err
	}
	k := keeper.New(keeper.Config{
		OracleInterval:      cfg.Keeper.OracleInterval,
		SettleInterval:      cfg.Keeper.SettleInterval,
		ExpireInterval:      cfg.Keeper.ExpireInterval,
		LiquidationInterval: cfg.Keeper.LiquidationInterval,
		CleanupInterval:     cfg.Keeper.CleanupInterval,
		ActionRetention:     cfg.Keeper.ActionRetention,
	}, eng.oracle, eng.positions, eng.liquidations, liquidator,
		keeper.WithLogger(observability.Component(logger, "keeper")),
		keeper.WithMetrics(metrics),
	)

	// Drain workers stop when the dispatcher closes their channels, not on
	// signal. A disabled channel is nil and gets no worker.
	drain, drainCtx := errgroup.WithContext(context.Background())
	if ch := dispatcher.Persist(); ch != nil {
		w := persistence.NewPersistenceWorker(db, ch, cfg.PersistBatchSize, cfg.PersistFlushTimeout,
			observability.Component(logger, "persistence"), metrics)
		drain.Go(func() error { return w.Run(drainCtx) })
	} else {
		logger.Warn().Msg("persist channel disabled, events are not durable")
	}
	if ch := dispatcher.Projection(); ch != nil {
		w := projection.NewProjectionWorker(db, ch, history, observability.Component(logger, "projection"), metrics)
		drain.Go(func() error { return w.Run(drainCtx) })
	}
	if ch := dispatcher.Publish(); ch != nil {
		p := ingestion.NewOutboundPublisher(js, ch, observability.Component(logger, "publisher"), metrics)
		drain.Go(func() error { return p.Run(drainCtx) })
	}

	live, liveCtx := errgroup.WithContext(ctx)
	live.Go(func() error { return srv.StartGRPC(liveCtx) })
	live.Go(func() error { return srv.StartHTTPGateway(liveCtx) })
	live.Go(func() error { return k.Run(liveCtx) })
	live.Go(func() error {
		<-liveCtx.Done()
		subscriber.Stop()
		return nil
	})

	srv.SetServing(true)
	health.SetReady(true)
	logger.Info().Str("grpc", cfg.GRPCAddr).Str("http", cfg.HTTPAddr).Msg("irsledger ready")

	liveErr := live.Wait()
	health.SetReady(false)
	logger.Info().Msg("shutting down, draining workers")

	// No mutation runs past this point; the snapshot matches the chain tip
	dispatcher.Close()
	if err := drain.Wait(); err != nil {
		return errors.Join(liveErr, fmt.Errorf("drain: %w", err))
	}

	saveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	snap := persistence.Capture(eng.components(dispatcher), time.Now())
	if _, err := persistence.SaveVerified(saveCtx, snapshots, snap); err != nil {
		return errors.Join(liveErr, fmt.Errorf("save snapshot: %w", err))
	}
	logger.Info().Int64("sequence", snap.Sequence).Msg("snapshot saved")
	return liveErr
}
