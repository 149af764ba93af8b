// agent-relay fronts an agent runtime with an OpenAI-compatible surface:
// streaming chat relay with live tool activity, plus dual-path run
// cancellation over the runtime's control WebSocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/agent-relay/internal/abort"
	"github.com/openclaw/agent-relay/internal/config"
	"github.com/openclaw/agent-relay/internal/monitoring"
	"github.com/openclaw/agent-relay/internal/relay"
	"github.com/openclaw/agent-relay/internal/session"
	"github.com/openclaw/agent-relay/internal/toolevents"
	"github.com/openclaw/agent-relay/internal/upstream"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to config YAML (default: built-in config)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	setupLogging(cfg.Monitoring)

	store, err := monitoring.OpenStore(cfg.Monitoring.DBPath)
	if err != nil {
		// The relay works without run history; /stats just loses its
		// recent-runs view and /health reports degraded.
		log.Warn().Err(err).Str("path", cfg.Monitoring.DBPath).Msg("run history store unavailable")
		store = nil
	}

	client := upstream.NewClient(cfg.Upstream.BaseURL,
		upstream.WithConnectTimeout(cfg.Upstream.ConnectTimeout))
	coordinator := abort.NewCoordinator(cfg.Upstream.ControlURL)
	registry := session.NewRegistry()
	tailer := toolevents.NewTailer(cfg.ToolLog.Dir, cfg.ToolLog.PollInterval)
	metrics := monitoring.NewMetricsCollector()

	rl := relay.New(cfg, client, registry, coordinator, tailer, metrics, store)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      rl.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().
			Int("port", cfg.Server.Port).
			Str("upstream", cfg.Upstream.BaseURL).
			Str("control", cfg.Upstream.ControlURL).
			Str("default_endpoint", cfg.DefaultEndpoint).
			Msg("agent-relay listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("shutdown did not complete cleanly")
	}
	_ = coordinator.Close()
	if store != nil {
		_ = store.Close()
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func setupLogging(cfg config.MonitoringConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogFormat != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}
