package cmd

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/code-sleuth/ragledger/internal/ledger/models"
	"github.com/code-sleuth/ragledger/internal/ledger/repository"

	"github.com/spf13/cobra"
)

var (
	sessionSettings string
	messageRole     string
	messageText     string
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage conversation sessions",
	Long:  `Manage conversation sessions - create, append messages, read history and list runs.`,
}

var sessionsEnsureCmd = &cobra.Command{
	Use:   "ensure [id]",
	Short: "Create a session if it does not exist",
	Long:  `Create a session with the given ID, or a generated one when omitted. An existing session keeps its settings.`,
	Args:  cobra.MaximumNArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		logger := newCommandLogger()

		var settings map[string]any
		if sessionSettings != "" {
			if err := json.Unmarshal([]byte(sessionSettings), &settings); err != nil {
				logger.Fatal().Err(err).Msg("Settings must be a JSON object")
			}
		}
		var id string
		if len(args) == 1 {
			id = args[0]
		}

		database := openDatabase(logger)
		defer closeDatabase(logger, database)

		sessions := repository.NewSessionRepository(database)
		id, err := sessions.Ensure(context.Background(), id, settings)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to ensure session")
		}
		session, err := sessions.Get(context.Background(), id)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to get session")
		}
		logJSON(logger, "session", session, "Session ready")
	},
}

var sessionsAppendCmd = &cobra.Command{
	Use:   "append [id]",
	Short: "Append a message to a session",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		logger := newCommandLogger()
		database := openDatabase(logger)
		defer closeDatabase(logger, database)

		messageID, err := repository.NewSessionRepository(database).
			AppendMessage(context.Background(), args[0], models.Role(messageRole), messageText)
		if err != nil {
			logger.Fatal().Err(err).Str("session_id", args[0]).Msg("Failed to append message")
		}
		logger.Info().Int64("message_id", messageID).Str("session_id", args[0]).Msg("Message appended successfully")
	},
}

var sessionsMessagesCmd = &cobra.Command{
	Use:   "messages [id]",
	Short: "Show the conversation history of a session",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		logger := newCommandLogger()
		database := openDatabase(logger)
		defer closeDatabase(logger, database)

		messages, err := repository.NewSessionRepository(database).ListMessages(context.Background(), args[0])
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to list messages")
		}
		logJSON(logger, "messages", messages, "Messages retrieved successfully")
	},
}

var sessionsRunsCmd = &cobra.Command{
	Use:   "runs [id]",
	Short: "List the runs of a session, newest first",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		logger := newCommandLogger()
		database := openDatabase(logger)
		defer closeDatabase(logger, database)

		runs, err := repository.NewRunRepository(database).ListBySession(context.Background(), args[0])
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to list runs")
		}
		logJSON(logger, "runs", runs, "Runs retrieved successfully")
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Delete a session with its messages and runs",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		logger := newCommandLogger()
		database := openDatabase(logger)
		defer closeDatabase(logger, database)

		err := repository.NewSessionRepository(database).Delete(context.Background(), args[0])
		if errors.Is(err, repository.ErrNotFound) {
			logger.Fatal().Str("session_id", args[0]).Msg("Session not found")
		}
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to delete session")
		}
		logger.Info().Str("session_id", args[0]).Msg("Session deleted successfully")
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsEnsureCmd)
	sessionsCmd.AddCommand(sessionsAppendCmd)
	sessionsCmd.AddCommand(sessionsMessagesCmd)
	sessionsCmd.AddCommand(sessionsRunsCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)

	sessionsEnsureCmd.Flags().StringVar(&sessionSettings, "settings", "", "Session settings as a JSON object")
	sessionsAppendCmd.Flags().StringVar(&messageRole, "role", string(models.RoleUser), "Message role (user or assistant)")
	sessionsAppendCmd.Flags().StringVar(&messageText, "text", "", "Message text")
	if err := sessionsAppendCmd.MarkFlagRequired("text"); err != nil {
		return
	}
}
