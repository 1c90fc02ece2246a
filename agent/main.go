package main

import (
	"context"
	"errors"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/haasonsaas/backupwatch/pkg/config"
	"github.com/haasonsaas/backupwatch/pkg/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const tracerName = "github.com/haasonsaas/backupwatch/agent"

var (
	configPath = flag.String("config", "/etc/backupwatch/agent.yaml", "Config file path")
	serverURL  = flag.String("server", "", "Server URL (overrides config)")
	interval   = flag.Duration("interval", 0, "Report interval (overrides config)")
	bootstrap  = flag.String("bootstrap", "", "Bootstrap identifier issued at registration (overrides config)")
	once       = flag.Bool("once", false, "Run a single cycle and exit")
	Version    = "dev"
)

func main() {
	flag.Parse()

	log.Logger = config.NewLogger(config.LoggingConfig{HumanReadable: true}, os.Stdout)
	log.Info().Str("version", Version).Msg("backupwatch agent starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	if *serverURL != "" {
		cfg.Server.URL = *serverURL
	}
	if *interval > 0 {
		cfg.Reporting.Interval = int(interval.Seconds())
	}
	if *bootstrap != "" {
		cfg.Agent.BootstrapIdentifier = *bootstrap
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	log.Logger = config.NewLogger(cfg.Logging, os.Stdout)
	zerolog.SetGlobalLevel(config.ParseLevel(cfg.Logging.Level))
	log.Info().
		Str("agent", cfg.Agent.Name).
		Str("server", cfg.Server.URL).
		Int("interval_s", cfg.Reporting.Interval).
		Msg("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := telemetry.SetupTracing(ctx, "backupwatch-agent", Version, cfg.Tracing, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	agent := newAgent(cfg)
	agent.preflight(ctx)

	if *once {
		if err := agent.cycle(ctx); err != nil {
			log.Error().Err(err).Msg("Cycle failed")
			os.Exit(1)
		}
		return
	}
	agent.run(ctx)
}

// run reports immediately, then on every interval with jitter until ctx is done.
func (a *Agent) run(ctx context.Context) {
	a.runOnce(ctx)

	jitter := time.Duration(a.config.Reporting.Jitter) * time.Second
	ticker := time.NewTicker(time.Duration(a.config.Reporting.Interval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Agent stopped")
			return
		case <-ticker.C:
		}
		if jitter > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(rand.Int63n(int64(jitter)))):
			}
		}
		a.runOnce(ctx)
	}
}

func (a *Agent) runOnce(ctx context.Context) {
	err := a.cycle(ctx)
	switch {
	case err == nil:
	case errors.Is(err, errNeedsRegistration):
		log.Warn().Str("agent", a.config.Agent.Name).Msg("Agent needs re-registration by an operator")
	case errors.Is(err, context.Canceled):
	default:
		log.Error().Err(err).Msg("Check-in failed")
	}
}
