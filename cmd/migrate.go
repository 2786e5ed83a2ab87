package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  `Apply the embedded schema migrations for the configured dialect (SQLite, libSQL/Turso or PostgreSQL).`,
	Run: func(_ *cobra.Command, _ []string) {
		logger := newCommandLogger()

		database := openDatabase(logger)
		defer closeDatabase(logger, database)

		applied, err := database.Migrate(context.Background())
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to execute migration")
		}

		logger.Info().Int("applied", applied).Str("dialect", string(database.Dialect)).Msg("Database migration completed successfully!")
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
