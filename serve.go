package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/billbatista/acasinha-ledger/category"
	"github.com/billbatista/acasinha-ledger/config"
	"github.com/billbatista/acasinha-ledger/db"
	"github.com/billbatista/acasinha-ledger/eventlogger"
	"github.com/billbatista/acasinha-ledger/extraction"
	"github.com/billbatista/acasinha-ledger/httpapi"
	"github.com/billbatista/acasinha-ledger/ledger"
	"github.com/billbatista/acasinha-ledger/metrics"
	"github.com/billbatista/acasinha-ledger/orchestrator"
	"github.com/billbatista/acasinha-ledger/session"
	"github.com/billbatista/acasinha-ledger/user"
	"github.com/billbatista/acasinha-ledger/validator"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the session janitor and the event worker",
	Long: `Run the HTTP API. Without database.dsn everything is kept in memory,
which is handy for trying things out but loses the ledger on restart.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		ledgerRepo   ledger.Repository
		categoryRepo category.Repository
		users        user.Repository
		sinks        eventlogger.Fanout
	)
	if cfg.Database.DSN.IsSet() {
		conn, err := db.Open(ctx, cfg.Database.DSN.Value(), cfg.Database.MaxOpenConns)
		if err != nil {
			return err
		}
		defer conn.Close()
		ledgerRepo = ledger.NewRepository(conn)
		categoryRepo = category.NewRepository(conn)
		users = user.NewRepository(conn)
		sinks = append(sinks, eventlogger.NewSqlEventLogger(conn))
	} else {
		logger.Warn("no database configured, keeping everything in memory")
		ledgerRepo = ledger.NewMemoryRepository()
		categoryRepo = category.NewMemoryRepository()
		users = user.NewMemoryRepository()
	}

	var notifier orchestrator.Notifier = logNotifier{logger: logger.Named("notify")}
	if cfg.Events.NatsURL != "" {
		nc, err := nats.Connect(cfg.Events.NatsURL, nats.Name("acasinha-ledger"))
		if err != nil {
			return fmt.Errorf("connecting to nats: %w", err)
		}
		defer nc.Drain()
		sinks = append(sinks, eventlogger.NewNatsEventLogger(nc, cfg.Events.Subject))
		notifier = newNatsNotifier(nc, cfg.Events.Subject, logger.Named("notify"))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	worker := eventlogger.NewWorker(sinks, cfg.Events.BufferSize, logger.Named("events"),
		eventlogger.WithWorkerMetrics(m),
		eventlogger.WithSaveTimeout(cfg.Conversation.WriteTimeout.Duration()),
	)
	worker.Start()
	defer worker.Shutdown()

	engine := ledger.NewEngine(ledgerRepo, logger.Named("ledger"),
		ledger.WithWriteTimeout(cfg.Conversation.WriteTimeout.Duration()),
		ledger.WithReadRetry(cfg.Database.ReadAttempts, cfg.Database.ReadBackoff.Duration()),
	)
	catalog := category.NewCatalog(categoryRepo, logger.Named("category"))
	if err := catalog.Seed(ctx); err != nil {
		return fmt.Errorf("seeding categories: %w", err)
	}

	extractor, err := buildExtractor(cfg.Extraction, logger.Named("extraction"))
	if err != nil {
		return err
	}

	store := session.NewMemoryStore(session.WithTTL(cfg.Conversation.SessionTTL.Duration()))
	orch := orchestrator.New(
		engine,
		extractor,
		validator.New(engine, catalog, validator.WithMinConfidence(cfg.Extraction.MinConfidence)),
		catalog,
		store,
		logger.Named("orchestrator"),
		orchestrator.WithConfig(orchestrator.Config{
			MaxClarificationRounds: cfg.Conversation.MaxClarificationRounds,
			ExtractionTimeout:      cfg.Extraction.Timeout.Duration(),
			ExtractionBackoff:      cfg.Extraction.Backoff.Duration(),
			WriteTimeout:           cfg.Conversation.WriteTimeout.Duration(),
			SessionTTL:             cfg.Conversation.SessionTTL.Duration(),
		}),
		orchestrator.WithEvents(worker),
		orchestrator.WithNotifier(notifier),
		orchestrator.WithMetrics(m),
	)

	janitor := session.NewJanitor(store, cfg.Conversation.SweepInterval.Duration(), orch.OnExpire, logger.Named("janitor"))
	janitor.Start()
	defer janitor.Shutdown()

	api := httpapi.New(users, engine, orch, catalog, logger.Named("http"),
		httpapi.WithEvents(worker),
		httpapi.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
	)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr), zap.String("extraction", cfg.Extraction.Provider))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildExtractor chains the primary model, the optional fallback model and
// the heuristic, in that order.
func buildExtractor(c config.ExtractionConfig, logger *zap.Logger) (extraction.Extractor, error) {
	heuristic := extraction.NewHeuristicExtractor()
	if c.Provider == config.ProviderHeuristic {
		return heuristic, nil
	}

	chain := []extraction.Extractor{}
	for _, mc := range []config.ModelConfig{c.Primary(), c.Fallback} {
		if mc.Provider == "" {
			continue
		}
		ex, err := buildLLMExtractor(mc, c, logger)
		if err != nil {
			return nil, err
		}
		chain = append(chain, ex)
	}
	chain = append(chain, heuristic)
	return extraction.NewFallbackExtractor(logger, chain...), nil
}

func buildLLMExtractor(mc config.ModelConfig, c config.ExtractionConfig, logger *zap.Logger) (*extraction.LLMExtractor, error) {
	var (
		model llms.Model
		err   error
	)
	switch mc.Provider {
	case config.ProviderOllama:
		baseURL := mc.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		model, err = extraction.NewOllama(baseURL, mc.Model, c.CallTimeout.Duration())
	case config.ProviderOpenAI:
		model, err = extraction.NewOpenAI(mc.BaseURL, mc.Model, mc.APIKey.Value())
	default:
		return nil, fmt.Errorf("unknown extraction provider %q", mc.Provider)
	}
	if err != nil {
		return nil, err
	}
	return extraction.NewLLMExtractor(mc.Provider, model, logger.With(zap.String("provider", mc.Provider)),
		extraction.WithModelName(mc.Model),
		extraction.WithCallTimeout(c.CallTimeout.Duration()),
		extraction.WithRateLimit(c.RateLimit, c.Burst),
	), nil
}
