// Package cli implements the testforge command-line client: it speaks the
// client-facing session protocol (internal/proto) over a websocket to a
// running orchestrator, the same protocol any browser or SDK client would
// use. Grounded on the teacher's internal/cli package shape (RootCmd +
// per-command files registering themselves via init()).
package cli

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	verbose    bool
	jsonLog    bool
	serverAddr string
)

// RootCmd is the base command when testforge is called without a subcommand.
var RootCmd = &cobra.Command{
	Use:   "testforge",
	Short: "Client for the testforge orchestrator",
	Long: `testforge is the command-line client for a running testforge-server.

It opens one session over the client-facing websocket channel and drives it
through submit (synthesize and run tests for a function) or repl (a raw
frame-by-frame session for scripting and debugging).`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		if !jsonLog {
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		}
		if verbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		} else {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		}
	},
}

// Execute adds all child commands to RootCmd and runs it.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	RootCmd.PersistentFlags().BoolVar(&jsonLog, "json-log", false, "Output logs in JSON format")
	RootCmd.PersistentFlags().StringVar(&serverAddr, "server", envOr("TESTFORGE_SERVER", "localhost:8080"), "Orchestrator host:port")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
