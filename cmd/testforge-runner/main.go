// Package main is the sandbox runner service binary: Sandbox Driver (C1) and
// Dispatcher (C2), served to the orchestrator over a websocket link. It owns
// no client-facing concept at all — every notion of sessions, correlation
// ids, and test kinds lives upstream in cmd/testforge-server.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kestrelrun/testforge/internal/config"
	"github.com/kestrelrun/testforge/internal/dispatch"
	"github.com/kestrelrun/testforge/internal/sandbox"
	_ "github.com/kestrelrun/testforge/internal/sandbox/docker"
	_ "github.com/kestrelrun/testforge/internal/sandbox/k8sjob"
	"github.com/kestrelrun/testforge/internal/sandboxsvc"
)

var (
	verbose     bool
	jsonLog     bool
	port        string
	backendName string
	maxParallel int
)

var rootCmd = &cobra.Command{
	Use:   "testforge-runner",
	Short: "Sandbox runner service: provisions isolated per-test workers and executes tests",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		zerolog.TimeFieldFormat = time.RFC3339Nano
		if !jsonLog {
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
		}
		if verbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		} else {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		run()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLog, "json-log", false, "Output logs in JSON format")
	rootCmd.Flags().StringVarP(&port, "port", "p", "8001", "HTTP/WS server port")
	rootCmd.Flags().StringVarP(&backendName, "backend", "b", "docker", "Sandbox backend: docker, k8s-job")
	rootCmd.Flags().IntVar(&maxParallel, "max-parallel", 64, "Ceiling on concurrent sandbox executions within one dispatch")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() {
	cfg := config.FromEnv()
	if maxParallel > 0 {
		cfg.Dispatch.MaxParallelProcessWide = maxParallel
	}

	log.Info().Str("backend", backendName).Strs("available_backends", sandbox.Available()).Msg("starting sandbox runner service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
	}()

	driver, err := sandbox.New(backendName, map[string]any{
		"allow_fallback_image": cfg.Sandbox.AllowFallbackImage,
		"fallback_image":       cfg.Sandbox.FallbackImage,
	})
	if err != nil {
		log.Fatal().Err(err).Str("backend", backendName).Msg("failed to initialize sandbox backend")
	}
	defer driver.Close()

	healthCtx, healthCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := driver.Healthy(healthCtx); err != nil {
		log.Fatal().Err(err).Msg("sandbox backend health check failed")
	}
	healthCancel()

	sandboxDefaults := dispatch.SandboxDefaults{
		Image:            cfg.Sandbox.Image,
		CPULimit:         cfg.Sandbox.CPULimit,
		MemLimitMB:       cfg.Sandbox.MemLimitMB,
		WallTimeout:      cfg.Sandbox.WallTimeout,
		TTLAfterFinished: cfg.Sandbox.TTLAfterFinished,
		LogCapBytes:      cfg.Sandbox.LogCapBytes,
	}
	dispatcher := dispatch.New(driver, sandboxDefaults, cfg.Dispatch.MaxParallelProcessWide)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	sandboxsvc.New(dispatcher).RegisterRoutes(e)
	e.GET("/healthz", func(c echo.Context) error { return c.JSON(200, map[string]string{"status": "ok"}) })

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("port", port).Msg("sandbox runner service listening")
		serverErr <- e.Start(":" + port)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server forced to shutdown")
		}
	case err := <-serverErr:
		log.Fatal().Err(err).Msg("server startup failed")
	}
}
