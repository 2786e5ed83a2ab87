package cmd

import (
	"context"
	"errors"

	"github.com/code-sleuth/ragledger/internal/ledger/repository"
	"github.com/code-sleuth/ragledger/internal/ledger/services"

	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect query runs",
}

var runsGetCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Show a run with its retrievals and metric",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		logger := newCommandLogger()
		id := parseID(logger, args[0])
		database := openDatabase(logger)
		defer closeDatabase(logger, database)

		record, err := services.NewQueryRecorder(database).GetRunRecord(context.Background(), id)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			logger.Fatal().Int64("run_id", id).Msg("Run not found")
		case errors.Is(err, repository.ErrIncompleteRun):
			logger.Fatal().Int64("run_id", id).Msg("Run has no metric yet")
		case err != nil:
			logger.Fatal().Err(err).Msg("Failed to get run")
		}
		logJSON(logger, "run", record, "Run retrieved successfully")
	},
}

var runsRetrievalsCmd = &cobra.Command{
	Use:   "retrievals [id]",
	Short: "List the ranked retrievals of a run",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		logger := newCommandLogger()
		id := parseID(logger, args[0])
		database := openDatabase(logger)
		defer closeDatabase(logger, database)

		retrievals, err := repository.NewRetrievalRepository(database).ListByRun(context.Background(), id)
		if err != nil {
			logger.Fatal().Err(err).Int64("run_id", id).Msg("Failed to list retrievals")
		}
		logJSON(logger, "retrievals", retrievals, "Retrievals retrieved successfully")
	},
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsGetCmd)
	runsCmd.AddCommand(runsRetrievalsCmd)
}
