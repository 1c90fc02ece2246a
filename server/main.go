package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/backupwatch/pkg/config"
	"github.com/haasonsaas/backupwatch/pkg/health"
	"github.com/haasonsaas/backupwatch/pkg/identity"
	"github.com/haasonsaas/backupwatch/pkg/ingest"
	"github.com/haasonsaas/backupwatch/pkg/notify"
	"github.com/haasonsaas/backupwatch/pkg/policy"
	"github.com/haasonsaas/backupwatch/pkg/registry"
	"github.com/haasonsaas/backupwatch/pkg/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	configPath = flag.String("config", "", "Config file path")
	listen     = flag.String("listen", "", "Listen address (overrides config)")
	dbPath     = flag.String("db", "", "Database path (overrides config)")
	rulesPath  = flag.String("rules", "", "Alert rules file (overrides config)")
	interval   = flag.Int("interval", -1, "Evaluation interval in seconds, 0 disables the loop (overrides config)")
	Version    = "dev"
)

type Server struct {
	registry    *registry.Registry
	broker      *identity.Broker
	ingestor    *ingest.Ingestor
	evaluator   *health.Evaluator
	rateLimiter *RateLimiter
	rateLimit   config.RateLimitConfig
	adminToken  string
	logger      zerolog.Logger
}

func main() {
	flag.Parse()

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *listen != "" {
		cfg.HTTP.Listen = *listen
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if *rulesPath != "" {
		cfg.Evaluation.RulesPath = *rulesPath
	}
	if *interval >= 0 {
		cfg.Evaluation.Interval = *interval
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	logger := config.NewLogger(cfg.Logging, os.Stdout)
	log.Logger = logger
	zerolog.SetGlobalLevel(config.ParseLevel(cfg.Logging.Level))
	logger.Info().Str("version", Version).Msg("backupwatch server starting")
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Server stopped")
	}
}

func run(ctx context.Context, cfg *config.ServerConfig, logger zerolog.Logger) error {
	provider, err := telemetry.SetupTracing(ctx, "backupwatch-server", Version, cfg.Tracing, logger)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Tracer shutdown failed")
		}
	}()

	reg, closeDB, err := openRegistry(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeDB(); err != nil {
			logger.Warn().Err(err).Msg("Database close failed")
		}
	}()

	rules, err := policy.Load(cfg.Evaluation.RulesPath)
	if err != nil {
		return err
	}
	if err := reg.UpsertRules(ctx, rules.Records()); err != nil {
		return fmt.Errorf("sync alert rules: %w", err)
	}
	logger.Info().Int("rules", len(rules.Rules)).Str("path", cfg.Evaluation.RulesPath).Msg("Alert rules loaded")

	transport, closeTransport := buildTransport(cfg.Notify, time.Duration(cfg.Evaluation.NotifyTimeoutSeconds)*time.Second, logger)
	defer closeTransport()

	srv := newServer(cfg, reg, transport, logger)

	go func() {
		if err := srv.evaluator.Run(ctx, cfg.EvaluationInterval()); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("Evaluation loop failed")
		}
	}()
	go srv.pruneRateLimiter(ctx, time.Duration(cfg.RateLimit.WindowSeconds)*time.Second)

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("listen", cfg.HTTP.Listen).Msg("Listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// openRegistry opens the database and returns the registry with a func that closes the pool.
func openRegistry(dsn string) (*registry.Registry, func() error, error) {
	db, err := registry.Open(dsn)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("database handle: %w", err)
	}
	return registry.New(db), sqlDB.Close, nil
}

func newServer(cfg *config.ServerConfig, reg *registry.Registry, transport notify.Transport, logger zerolog.Logger) *Server {
	hasher := identity.NewTokenHasher([]byte(cfg.Identity.HashSalt))
	timeout := cfg.RequestTimeout()

	broker := identity.NewBroker(reg, hasher,
		identity.WithTimeout(timeout),
		identity.WithLogger(logger.With().Str("component", "identity").Logger()),
	)
	ingestor := ingest.New(reg, hasher,
		ingest.WithTimeout(timeout),
		ingest.WithLogger(logger.With().Str("component", "ingest").Logger()),
	)
	gate := notify.NewGate(transport, reg,
		notify.WithLogger(logger.With().Str("component", "notify").Logger()),
		notify.WithSendTimeout(time.Duration(cfg.Evaluation.NotifyTimeoutSeconds)*time.Second),
	)
	evaluator := health.NewEvaluator(reg, gate,
		health.WithLogger(logger.With().Str("component", "health").Logger()),
		health.WithRetention(cfg.EventRetention()),
		health.WithFleetMinAgents(cfg.Evaluation.FleetMinAgents),
	)

	return &Server{
		registry:    reg,
		broker:      broker,
		ingestor:    ingestor,
		evaluator:   evaluator,
		rateLimiter: NewRateLimiter(),
		rateLimit:   cfg.RateLimit,
		adminToken:  cfg.Admin.Token,
		logger:      logger,
	}
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), withRequestContext(s.logger))

	r.GET("/v1/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "version": Version})
	})
	s.registerAgentRoutes(r)
	s.registerAdminRoutes(r)
	return r
}

// buildTransport combines every configured notification transport. Without any
// configured transport notifications are only logged.
func buildTransport(cfg config.NotifyConfig, timeout time.Duration, logger zerolog.Logger) (notify.Transport, func()) {
	var (
		transports notify.Fanout
		closers    []func() error
	)
	if cfg.WebhookURL != "" {
		transports = append(transports, notify.NewWebhookTransport(cfg.WebhookURL, cfg.WebhookToken, timeout))
		logger.Info().Str("url", cfg.WebhookURL).Msg("Webhook notifications enabled")
	}
	if cfg.SlackToken != "" {
		transports = append(transports, notify.NewSlackTransport(cfg.SlackToken, cfg.SlackChannel, cfg.SlackAPIURL, timeout))
		logger.Info().Str("channel", cfg.SlackChannel).Msg("Slack notifications enabled")
	}
	if cfg.KafkaBrokers != "" {
		kafka := notify.NewKafkaTransport(cfg.KafkaBrokers, cfg.KafkaTopic)
		transports = append(transports, kafka)
		closers = append(closers, kafka.Close)
		logger.Info().Str("topic", cfg.KafkaTopic).Msg("Kafka notifications enabled")
	}
	if len(transports) == 0 {
		logger.Warn().Msg("No notification transport configured, alerts are only logged")
		transports = append(transports, notify.NewLogTransport(logger.With().Str("component", "notify").Logger()))
	}

	return transports, func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				logger.Warn().Err(err).Msg("Failed to close notification transport")
			}
		}
	}
}

func (s *Server) pruneRateLimiter(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.rateLimiter.Prune()
		}
	}
}
