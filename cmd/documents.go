package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/code-sleuth/ragledger/internal/ledger/interfaces"
	"github.com/code-sleuth/ragledger/internal/ledger/parsers"
	"github.com/code-sleuth/ragledger/internal/ledger/providers"
	"github.com/code-sleuth/ragledger/internal/ledger/repository"
	"github.com/code-sleuth/ragledger/internal/ledger/services"
	"github.com/code-sleuth/ragledger/internal/ledger/watcher"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	ingestConcurrency int
	ingestTimeout     time.Duration
	ingestMaxTokens   int
	ingestEmbedModel  string
	ingestCollection  string
	ingestCountOnly   bool
	readyPages        int
	failReason        string
	watchExtensions   []string
	watchSettle       time.Duration
)

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "Manage documents",
	Long:  `Manage the document registry - register, ingest, inspect and move documents through their lifecycle.`,
}

var documentsRegisterCmd = &cobra.Command{
	Use:   "register [files...]",
	Short: "Register files without parsing them",
	Long:  `Hash each file and register it as queued. Identical content resolves to the same document.`,
	Args:  cobra.MinimumNArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		logger := newCommandLogger()
		database := openDatabase(logger)
		defer closeDatabase(logger, database)

		worker := services.NewIngestionWorker(repository.NewDocumentRepository(database), nil)
		results, err := worker.RegisterAll(context.Background(), readItems(logger, args), &interfaces.IngestionOptions{
			Concurrency: ingestConcurrency,
		})
		logResults(logger, args, results)
		if err != nil {
			logger.Fatal().Err(err).Msg("Registration failed")
		}
	},
}

var documentsIngestCmd = &cobra.Command{
	Use:   "ingest [files...]",
	Short: "Register and parse files",
	Long: `Register each file, claim it, split it into chunks, embed them and upsert them into
Qdrant. Plain text, markdown and HTML are supported; form feeds separate pages.
With --count-only the chunks are counted but not indexed.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		logger := newCommandLogger()
		database := openDatabase(logger)
		defer closeDatabase(logger, database)

		parser := newDocumentParser(logger)

		worker := services.NewIngestionWorker(repository.NewDocumentRepository(database), parser)
		results, err := worker.IngestAll(context.Background(), readItems(logger, args), &interfaces.IngestionOptions{
			Concurrency: ingestConcurrency,
			Timeout:     ingestTimeout,
		})
		logResults(logger, args, results)
		if err != nil {
			logger.Fatal().Err(err).Msg("Ingestion failed")
		}
		logger.Info().Int("files", len(args)).Msg("Ingestion completed successfully!")
	},
}

var documentsWatchCmd = &cobra.Command{
	Use:   "watch [dir]",
	Short: "Ingest files as they appear in a directory",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		logger := newCommandLogger()
		database := openDatabase(logger)
		defer closeDatabase(logger, database)

		parser := newDocumentParser(logger)
		dirWatcher, err := watcher.NewDirectoryWatcher(watchExtensions, watchSettle)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create watcher")
		}
		defer func() {
			if err := dirWatcher.Stop(); err != nil {
				logger.Error().Err(err).Msg("Failed to stop watcher")
			}
		}()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger.Info().Str("dir", args[0]).Msg("Watching for documents")
		worker := services.NewIngestionWorker(repository.NewDocumentRepository(database), parser)
		if err := dirWatcher.Run(ctx, args[0], worker); err != nil {
			logger.Fatal().Err(err).Str("dir", args[0]).Msg("Watch failed")
		}
	},
}

var documentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all documents",
	Run: func(_ *cobra.Command, _ []string) {
		logger := newCommandLogger()
		database := openDatabase(logger)
		defer closeDatabase(logger, database)

		documents, err := repository.NewDocumentRepository(database).List(context.Background())
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to query documents")
		}
		if len(documents) == 0 {
			logger.Info().Msg("No documents found")
			return
		}
		logJSON(logger, "documents", documents, "Documents retrieved successfully")
	},
}

var documentsGetCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Get a document by ID",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		logger := newCommandLogger()
		id := parseID(logger, args[0])
		database := openDatabase(logger)
		defer closeDatabase(logger, database)

		documents := repository.NewDocumentRepository(database)
		doc, err := documents.GetByID(context.Background(), id)
		if errors.Is(err, repository.ErrNotFound) {
			logger.Fatal().Int64("document_id", id).Msg("Document not found")
		}
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to get document")
		}
		retrievals, err := repository.NewRetrievalRepository(database).CountByDocument(context.Background(), id)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to count retrievals")
		}
		logger.Info().Int("retrievals", retrievals).Int64("document_id", id).Msg("Retrieval count")
		logJSON(logger, "document", doc, "Document retrieved successfully")
	},
}

var documentsDeleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Delete a document and its retrieval records",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		logger := newCommandLogger()
		id := parseID(logger, args[0])
		database := openDatabase(logger)
		defer closeDatabase(logger, database)

		if err := repository.NewDocumentRepository(database).Delete(context.Background(), id); err != nil {
			logger.Fatal().Err(err).Int64("document_id", id).Msg("Failed to delete document")
		}
		logger.Info().Int64("document_id", id).Msg("Document deleted successfully")
	},
}

var documentsBeginCmd = &cobra.Command{
	Use:   "begin [id]",
	Short: "Claim a queued document for processing",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		transitionDocument(args[0], func(ctx context.Context, documents *repository.DocumentRepository, id int64) error {
			return documents.BeginProcessing(ctx, id)
		})
	},
}

var documentsReadyCmd = &cobra.Command{
	Use:   "ready [id]",
	Short: "Mark a processing document as ready",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		transitionDocument(args[0], func(ctx context.Context, documents *repository.DocumentRepository, id int64) error {
			return documents.MarkReady(ctx, id, readyPages)
		})
	},
}

var documentsFailCmd = &cobra.Command{
	Use:   "fail [id]",
	Short: "Mark a processing document as failed",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		transitionDocument(args[0], func(ctx context.Context, documents *repository.DocumentRepository, id int64) error {
			return documents.MarkFailed(ctx, id, failReason)
		})
	},
}

func transitionDocument(rawID string, apply func(context.Context, *repository.DocumentRepository, int64) error) {
	logger := newCommandLogger()
	id := parseID(logger, rawID)
	database := openDatabase(logger)
	defer closeDatabase(logger, database)

	ctx := context.Background()
	documents := repository.NewDocumentRepository(database)
	if err := apply(ctx, documents, id); err != nil {
		logger.Fatal().Err(err).Int64("document_id", id).Msg("Transition rejected")
	}
	doc, err := documents.GetByID(ctx, id)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to get document")
	}
	logJSON(logger, "document", doc, "Document updated successfully")
}

// newDocumentParser builds the indexing pipeline, or a counting parser when
// --count-only is set.
func newDocumentParser(logger zerolog.Logger) interfaces.Parser {
	text, err := parsers.NewTextParser(ingestMaxTokens)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create parser")
	}
	if ingestCountOnly {
		return text
	}

	embedder, err := providers.NewOpenAIEmbedder(ingestEmbedModel)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create embedder")
	}
	store, err := providers.NewQdrantStore(resolveCollection(ingestCollection, ingestEmbedModel))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create vector store")
	}
	parser, err := parsers.NewIndexingParser(text, embedder, store)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create indexing parser")
	}
	return parser
}

func resolveCollection(collection, embeddingModel string) string {
	if collection != "" {
		return collection
	}
	return providers.CollectionName(embeddingModel)
}

func readItems(logger zerolog.Logger, paths []string) []interfaces.IngestItem {
	items := make([]interfaces.IngestItem, 0, len(paths))
	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			logger.Fatal().Err(err).Str("path", path).Msg("Failed to read file")
		}
		items = append(items, interfaces.IngestItem{Title: filepath.Base(path), Content: content})
	}
	return items
}

func logResults(logger zerolog.Logger, paths []string, results []*interfaces.IngestResult) {
	for i, res := range results {
		if res == nil {
			continue
		}
		event := logger.Info()
		if res.Error != nil {
			event = logger.Error().Err(res.Error)
		}
		if res.Document != nil {
			event = event.Int64("document_id", res.Document.ID).Str("status", string(res.Document.Status))
		}
		event.Str("path", paths[i]).Bool("claimed", res.Claimed).Msg("Document processed")
	}
}

func init() {
	rootCmd.AddCommand(documentsCmd)
	documentsCmd.AddCommand(documentsRegisterCmd)
	documentsCmd.AddCommand(documentsIngestCmd)
	documentsCmd.AddCommand(documentsWatchCmd)
	documentsCmd.AddCommand(documentsListCmd)
	documentsCmd.AddCommand(documentsGetCmd)
	documentsCmd.AddCommand(documentsDeleteCmd)
	documentsCmd.AddCommand(documentsBeginCmd)
	documentsCmd.AddCommand(documentsReadyCmd)
	documentsCmd.AddCommand(documentsFailCmd)

	for _, c := range []*cobra.Command{documentsRegisterCmd, documentsIngestCmd} {
		c.Flags().IntVarP(&ingestConcurrency, "concurrency", "c", 4, "Number of files processed at once")
	}
	documentsIngestCmd.Flags().DurationVar(&ingestTimeout, "timeout", 5*time.Minute, "Timeout per file")
	for _, c := range []*cobra.Command{documentsIngestCmd, documentsWatchCmd} {
		c.Flags().IntVarP(&ingestMaxTokens, "tokens", "t", 0, "Maximum tokens per chunk (defaults to PARSER_MAX_TOKENS)")
		c.Flags().StringVar(&ingestEmbedModel, "embedding-model", "text-embedding-3-small", "Embedding model for the chunks")
		c.Flags().StringVar(&ingestCollection, "collection", "", "Qdrant collection (derived from the embedding model when empty)")
		c.Flags().BoolVar(&ingestCountOnly, "count-only", false, "Count pages and chunks without embedding or indexing them")
	}
	documentsWatchCmd.Flags().StringSliceVar(&watchExtensions, "ext", nil, "File extensions to watch (default .txt,.md,.html)")
	documentsWatchCmd.Flags().DurationVar(&watchSettle, "settle", 500*time.Millisecond, "Quiet period before a changed file is ingested")

	documentsReadyCmd.Flags().IntVar(&readyPages, "pages", 0, "Number of parsed pages")
	documentsFailCmd.Flags().StringVar(&failReason, "reason", "", "Failure reason")
	if err := documentsReadyCmd.MarkFlagRequired("pages"); err != nil {
		return
	}
}
