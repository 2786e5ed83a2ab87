package cmd

import (
	"context"
	"time"

	"github.com/code-sleuth/ragledger/internal/ledger/providers"
	"github.com/code-sleuth/ragledger/internal/ledger/repository"
	"github.com/code-sleuth/ragledger/internal/ledger/services"

	"github.com/spf13/cobra"
)

var (
	askSessionID      string
	askTopK           int
	askDocumentIDs    []int64
	askModel          string
	askOnlyIfSources  bool
	askTemperature    float64
	askEmbeddingModel string
	askCollection     string
	askTimeout        time.Duration
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer a question from the indexed documents and record the run",
	Long: `Embed the question, search Qdrant, generate an answer with the chat model and record
the run, its retrievals and latency metric in the ledger.

Examples:
  ragledger ask "What is the refund window?"
  ragledger ask --session support-42 --top-k 8 --only-if-sources "Do we ship to Norway?"`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		logger := newCommandLogger()

		embedder, err := providers.NewOpenAIEmbedder(askEmbeddingModel)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create embedder")
		}
		searcher, err := providers.NewQdrantStore(resolveCollection(askCollection, askEmbeddingModel))
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create searcher")
		}
		generator, err := providers.NewChatGenerator("")
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create generator")
		}

		database := openDatabase(logger)
		defer closeDatabase(logger, database)

		ctx, cancel := context.WithTimeout(context.Background(), askTimeout)
		defer cancel()

		req := services.QueryRequest{
			SessionID:     askSessionID,
			Message:       args[0],
			TopK:          askTopK,
			DocumentIDs:   askDocumentIDs,
			Model:         askModel,
			OnlyIfSources: askOnlyIfSources,
		}
		if cmd.Flags().Changed("temperature") {
			req.Temperature = &askTemperature
		}

		pipeline := services.NewQueryPipeline(
			repository.NewSessionRepository(database),
			services.NewQueryRecorder(database),
			embedder,
			searcher,
			generator,
		)
		resp, err := pipeline.Ask(ctx, req)
		if err != nil {
			logger.Fatal().Err(err).Msg("Query failed")
		}

		logJSON(logger, "citations", resp.Citations, "Citations")
		logJSON(logger, "metric", resp.Record.Metric, "Latency")
		logger.Info().
			Str("session_id", resp.SessionID).
			Int64("run_id", resp.Record.Run.ID).
			Str("model", resp.Model).
			Int("sources", len(resp.Hits)).
			Str("answer", resp.Answer).
			Msg("Answer")
	},
}

func init() {
	rootCmd.AddCommand(askCmd)

	askCmd.Flags().StringVarP(&askSessionID, "session", "s", "", "Session ID (a new session is created when empty)")
	askCmd.Flags().IntVarP(&askTopK, "top-k", "k", services.DefaultTopK, "Number of chunks to retrieve")
	askCmd.Flags().Int64SliceVar(&askDocumentIDs, "doc", nil, "Restrict the search to these document IDs")
	askCmd.Flags().StringVarP(&askModel, "model", "m", "", "Chat model (defaults to LLM_MODEL)")
	askCmd.Flags().BoolVar(&askOnlyIfSources, "only-if-sources", false, "Refuse to answer when the documents do not cover the question")
	askCmd.Flags().Float64Var(&askTemperature, "temperature", services.DefaultTemperature, "Model temperature (0 to 2)")
	askCmd.Flags().StringVar(&askEmbeddingModel, "embedding-model", "text-embedding-3-small", "Embedding model used to index the documents")
	askCmd.Flags().StringVar(&askCollection, "collection", "", "Qdrant collection (derived from the embedding model when empty)")
	askCmd.Flags().DurationVar(&askTimeout, "timeout", 2*time.Minute, "Timeout for the whole query")
}
