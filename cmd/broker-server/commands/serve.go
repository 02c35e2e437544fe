package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/deskagent/broker/internal/action"
	"github.com/deskagent/broker/internal/broadcast"
	"github.com/deskagent/broker/internal/config"
	"github.com/deskagent/broker/internal/contextpool"
	"github.com/deskagent/broker/internal/limiter"
	"github.com/deskagent/broker/internal/logging"
	"github.com/deskagent/broker/internal/server"
	"github.com/deskagent/broker/internal/sessionhub"
	"github.com/deskagent/broker/internal/transport"
)

var (
	servePort int
	serveDir  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the broker server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Working directory (for project-local config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Port = servePort
	}

	logging.Info().Str("version", Version).Str("directory", workDir).Msg("starting broker server")

	registry := transport.NewRegistry()
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		registry.RegisterAnthropic(transport.AnthropicConfig{APIKey: key})
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		registry.RegisterOpenAI(transport.OpenAIConfig{APIKey: key})
	}
	if cfg.Provider != "" {
		registry.SetDefault(cfg.Provider)
	}

	lim := limiter.New(cfg.MaxAgents)
	bus := action.NewBus()
	broadcastHub := broadcast.NewHub()

	poolConfig := contextpool.Config{
		ReloadSimilarityFloor:  cfg.ReloadSimilarityFloor,
		ReloadSuggestThreshold: cfg.ReloadSuggestThreshold,
		Provider:               cfg.Provider,
	}

	hub := sessionhub.New(sessionhub.Deps{
		Registry:    registry,
		Limiter:     lim,
		Bus:         bus,
		Broadcast:   broadcastHub,
		CacheDir:    cfg.ReloadCacheDir,
		MaxEntries:  cfg.MaxCacheEntriesPerSession,
		PoolConfig:  poolConfig,
		IdleTimeout: cfg.IdleTimeout(),
		Log:         logging.Logger,
	})
	defer hub.Close()

	serverConfig := server.DefaultConfig()
	serverConfig.Port = cfg.Port

	srv := server.New(serverConfig, hub, broadcastHub, bus, poolConfig, logging.Logger)

	go func() {
		logging.Info().Int("port", cfg.Port).Msg("server listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logging.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("server shutdown error")
	}

	logging.Info().Msg("server stopped")
	return nil
}
