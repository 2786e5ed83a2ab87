package cmd

import (
	"encoding/json"
	"strconv"

	"github.com/code-sleuth/ragledger/pkg/db"
	"github.com/code-sleuth/ragledger/pkg/util"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var databaseURL string

var rootCmd = &cobra.Command{
	Use:   "ragledger",
	Short: "A CLI tool for the bookkeeping side of a document Q&A service",
	Long: `ragledger keeps the ledger of a retrieval augmented Q&A service: registered documents,
conversation sessions, query runs, the chunks retrieved for each run and their latency metrics.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger := util.NewLogger(zerolog.ErrorLevel)
		logger.Fatal().Err(err).Msg("Command failed")
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "Ledger store URL (overrides DATABASE_URL)")
}

func initConfig() {
	logger := util.NewLogger(util.LevelFromEnv(zerolog.ErrorLevel))
	if err := godotenv.Load(); err != nil {
		logger.Debug().Err(err).Msg("No .env file found")
	}
}

func newCommandLogger() zerolog.Logger {
	return util.NewLogger(util.LevelFromEnv(zerolog.InfoLevel))
}

func openDatabase(logger zerolog.Logger) *db.DB {
	cfg := db.ConfigFromEnv()
	if databaseURL != "" {
		cfg.URL = databaseURL
	}
	database, err := db.Open(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	return database
}

func closeDatabase(logger zerolog.Logger, database *db.DB) {
	if err := database.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close database connection")
	}
}

func parseID(logger zerolog.Logger, raw string) int64 {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		logger.Fatal().Str("id", raw).Msg("ID must be a positive integer")
	}
	return id
}

func logJSON(logger zerolog.Logger, key string, v any, msg string) {
	jsonOutput, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to marshal JSON")
	}
	logger.Info().RawJSON(key, jsonOutput).Msg(msg)
}
