package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"LoanLedger/internal/config"
	"LoanLedger/internal/core"
	"LoanLedger/internal/ingestion"
	"LoanLedger/internal/loan"
	"LoanLedger/internal/observability"
	"LoanLedger/internal/oracle"
	"LoanLedger/internal/persistence"
	"LoanLedger/internal/query"
	"LoanLedger/internal/server"
	"LoanLedger/internal/stake"
	"LoanLedger/internal/swap"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// drainTimeout bounds how long shutdown waits for the event log and outbound
// publisher to empty their channels.
const drainTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := observability.NewLogger("loanledger")
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	logger := observability.NewLoggerWithLevel("loanledger", observability.ParseLogLevel(cfg.LogLevel))
	logger.Info().Str("store", cfg.Store.Driver).Bool("nats", cfg.NATS.Enabled).Msg("LoanLedger starting")

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	params, err := cfg.Params()
	if err != nil {
		logger.Fatal().Err(err).Msg("ledger parameters")
	}
	defaultPrice, err := cfg.DefaultPrice()
	if err != nil {
		logger.Fatal().Err(err).Msg("default price")
	}

	// --- Stores ---
	st, err := openStores(ctx, cfg, healthChecker, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open stores")
	}
	defer st.close()

	// --- Prices ---
	// NATS price updates feed the mark oracle; unpriced assets fall back to
	// the configured default.
	prices := oracle.NewMarkPriceOracle(
		oracle.WithFallback(oracle.NewStaticOracle(defaultPrice, nil)),
		oracle.WithMaxAge(cfg.Ledger.PriceMaxAge),
		oracle.WithLogger(logger.With().Str("component", "oracle").Logger()),
	)

	// --- Ledgers ---
	clock := loan.SystemClock{}
	loans, err := loan.NewLedger(st.loans, clock, prices, params, logger.With().Str("component", "loan").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("loan ledger")
	}
	stakes := stake.NewLedger(st.stakes, logger.With().Str("component", "stake").Logger())

	// --- Recovery ---
	// The event log (postgres only) supplies the chain head and the recent
	// idempotency keys.
	var (
		head      *core.Head
		dbChecker core.DBIdempotencyChecker
		events    query.EventSource
		recent    [][2]string
	)
	if st.db != nil {
		reader := persistence.NewEventLogReader(st.db)
		head, err = reader.LoadHead(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("load event log head")
		}
		pgChecker := persistence.NewPostgresIdempotencyChecker(st.db)
		recent, err = pgChecker.RecentKeys(ctx, cfg.Engine.IdempotencyLRUCapacity)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to load recent idempotency keys")
		}
		dbChecker = pgChecker
		events = reader
	}
	if head != nil {
		logger.Info().Int64("sequence", head.Sequence).Hex("hash", head.Hash[:]).Msg("resuming hash chain")
	} else {
		logger.Info().Msg("no event log head, starting from genesis")
	}

	// --- Channels ---
	// Persist blocks (backpressure), publish drops when full.
	var persistChan, publishChan chan core.CoreOutput
	if st.db != nil {
		persistChan = make(chan core.CoreOutput, cfg.Engine.PersistChanSize)
	}
	if cfg.NATS.Enabled {
		publishChan = make(chan core.CoreOutput, cfg.Engine.PublishChanSize)
	}

	// --- Engine ---
	engine := core.NewEngine(head, cfg.Engine.IdempotencyLRUCapacity, core.EngineDeps{
		Loans:       loans,
		Stakes:      stakes,
		Clock:       clock,
		DBChecker:   dbChecker,
		PersistChan: persistChan,
		PublishChan: publishChan,
		Metrics:     metrics,
		Logger:      logger.With().Str("component", "engine").Logger(),
	})
	if len(recent) > 0 {
		engine.Idempotency().Warm(recent)
		logger.Info().Int("keys", len(recent)).Msg("idempotency LRU warmed")
	}

	queryService := query.NewQueryService(loans, stakes, engine, events)

	// --- NATS ---
	var (
		nc         *nats.Conn
		js         jetstream.JetStream
		subscriber *ingestion.NATSSubscriber
		swapper    server.Swapper
	)
	rawEventChan := make(chan ingestion.RawEvent, 4096)
	if cfg.NATS.Enabled {
		natsLogger := logger.With().Str("component", "nats").Logger()
		nc, js, err = ingestion.ConnectNATS(cfg.NATS.URL, natsLogger)
		if err != nil {
			logger.Fatal().Err(err).Msg("nats connect")
		}
		defer nc.Close()
		logger.Info().Str("url", cfg.NATS.URL).Msg("NATS connected")

		if err := ingestion.EnsureStreams(ctx, js, natsLogger); err != nil {
			logger.Fatal().Err(err).Msg("ensure NATS streams")
		}
		healthChecker.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("nats: not connected")
			}
			return nil
		})

		subscriber = ingestion.NewNATSSubscriber(js, rawEventChan, natsLogger)
		if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
			logger.Fatal().Err(err).Msg("nats subscribe")
		}

		router, err := swap.NewRouter(
			swap.NewNATSExchange(nc, cfg.NATS.ExchangeSubject, cfg.NATS.ExchangeTimeout),
			engine,
			swap.WithFeeBps(cfg.Ledger.SwapFeeBps),
			swap.WithLogger(logger.With().Str("component", "swap").Logger()),
		)
		if err != nil {
			logger.Fatal().Err(err).Msg("swap router")
		}
		swapper = router
	} else {
		logger.Warn().Msg("NATS disabled: no command ingestion, price feed, outbound events or swaps")
	}

	// --- gRPC + HTTP gateway ---
	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, &server.ServerDeps{
		Engine:        engine,
		QueryService:  queryService,
		Swaps:         swapper,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Logger:        logger.With().Str("component", "server").Logger(),
		RateLimit:     cfg.Server.RateLimit,
		RateBurst:     cfg.Server.RateBurst,
	})

	// --- Start goroutines ---
	// ingress goroutines feed the engine and stop on ctx; drain goroutines
	// consume its output channels and stop when those are closed.
	errChan := make(chan error, 1)
	var ingress, drain sync.WaitGroup
	start := func(wg *sync.WaitGroup, name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				select {
				case errChan <- fmt.Errorf("%s: %w", name, err):
				default:
				}
			}
		}()
	}
	drainCtx, drainCancel := context.WithCancel(context.Background())
	defer drainCancel()

	// 1. Persistence worker
	if persistChan != nil {
		worker := persistence.NewPersistenceWorker(st.db, persistChan, cfg.Engine.PersistBatchSize,
			cfg.Engine.PersistFlushTimeout, metrics, logger.With().Str("component", "persistence").Logger())
		start(&drain, "persistence worker", func() error { return worker.Run(drainCtx) })
	}

	// 2. Outbound publisher and NATS dispatcher
	if cfg.NATS.Enabled {
		publisher := ingestion.NewOutboundPublisher(js, publishChan, logger.With().Str("component", "publisher").Logger())
		start(&drain, "outbound publisher", func() error { return publisher.Run(drainCtx) })

		dispatcher := ingestion.NewDispatcher(engine, prices, rawEventChan, metrics, logger.With().Str("component", "dispatcher").Logger())
		start(&ingress, "dispatcher", func() error { return dispatcher.Run(ctx) })
	}

	// 3. gRPC server and HTTP/JSON gateway
	start(&ingress, "grpc server", func() error { return grpcServer.StartGRPC(ctx) })
	start(&ingress, "http gateway", func() error { return grpcServer.StartHTTPGateway(ctx) })

	// 4. Prometheus metrics server
	start(&ingress, "metrics server", func() error { return serveMetrics(ctx, cfg.Server.MetricsAddr, logger) })

	healthChecker.SetReady(true)
	logger.Info().
		Int64("sequence", engine.Head().Sequence).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("LoanLedger ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop ingress first so nothing reaches the engine, then close its output
	// channels and let the drain goroutines flush.
	healthChecker.SetReady(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	cancel()
	ingress.Wait()

	if persistChan != nil {
		close(persistChan)
	}
	if publishChan != nil {
		close(publishChan)
	}
	if !waitTimeout(&drain, drainTimeout) {
		logger.Error().Dur("timeout", drainTimeout).Msg("drain timed out, events may be missing from the log")
		drainCancel()
		drain.Wait()
	}

	logger.Info().Int64("sequence", engine.Head().Sequence).Msg("LoanLedger shutdown complete")
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
