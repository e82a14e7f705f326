// Package main is the orchestrator binary: Session Controller (C4),
// Test-Generation Coordinator (C5), Runner Client (C3), and Message Codec
// (C6). It holds no sandbox backend itself; all sandbox execution is
// delegated across a websocket link to a separately-run testforge-runner
// process (cmd/testforge-runner), so the sandbox execution layer can be
// scaled and deployed independently of the session-facing orchestrator.
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
	"github.com/kestrelrun/testforge/internal/external"
	"github.com/kestrelrun/testforge/internal/proto"
	"github.com/kestrelrun/testforge/internal/runnerclient"
	"github.com/kestrelrun/testforge/internal/session"
	"github.com/kestrelrun/testforge/internal/testgen"
	"github.com/kestrelrun/testforge/internal/transport/httpapi"
)

var (
	verbose   bool
	jsonLog   bool
	port      string
	runnerURL string
)

var rootCmd = &cobra.Command{
	Use:   "testforge-server",
	Short: "Test-execution orchestration plane: session, test generation, and dispatch",
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
	rootCmd.Flags().StringVarP(&port, "port", "p", "8080", "HTTP server port")
	rootCmd.Flags().StringVar(&runnerURL, "runner-url", "", "Sandbox runner service websocket URL (overrides TESTFORGE_RUNNER_URL)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() {
	cfg := config.FromEnv()
	if runnerURL != "" {
		cfg.Runner.URL = runnerURL
	}
	if p := os.Getenv("PORT"); p != "" {
		port = p
	}

	log.Info().Str("runner_url", cfg.Runner.URL).Msg("starting orchestrator")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
	}()

	runnerLink := runnerclient.New(cfg.Runner)

	aiClient := external.NewHTTPAIClient(10 * time.Second)
	validator := external.NewSyntacticValidator()
	docGen := external.NewHeuristicDocGenerator(aiClient)
	improvementGen := external.NewHeuristicImprovementGenerator(aiClient)

	synth := external.NewTemplateSynthesizer()
	synthesizers := map[proto.Kind]external.TestSynthesizer{
		proto.KindUnit:        synth.ForKind(proto.KindUnit),
		proto.KindMemory:      synth.ForKind(proto.KindMemory),
		proto.KindPerformance: synth.ForKind(proto.KindPerformance),
	}
	coordinator := testgen.New(synthesizers, runnerLink)

	controller := session.New(cfg.Session, validator, aiClient, docGen, improvementGen, coordinator, runnerLink)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	httpapi.New(controller).RegisterRoutes(e, cfg.Session.CORSOrigins)

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("port", port).Msg("orchestrator listening")
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
