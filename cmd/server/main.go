// Query Gateway: query understanding, enhancement and chat routing in
// front of the book search backends.
//
// This is the main entry point. It provides:
//   - Query context building (/query/prepare)
//   - Spell/rewrite enhancement with budget and cooldown gating
//   - Rewrite failure journal and replay
//   - Chat routing with canary, shadow and auto-rollback
//   - Chat state retention janitor

package main

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "query-gateway",
	Short: "Query understanding and chat routing gateway",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env is fine; the environment wins either way.
		_ = godotenv.Load()
		setupLogging(os.Getenv("QS_LOG_LEVEL"), os.Getenv("QS_LOG_FORMAT"))
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, retentionCmd, failuresCmd, tokenCmd)
}

func setupLogging(level, format string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if lvl, err := zerolog.ParseLevel(strings.ToLower(level)); err == nil && level != "" {
		zerolog.SetGlobalLevel(lvl)
	}
	if format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
