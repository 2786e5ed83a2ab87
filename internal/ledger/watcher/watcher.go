// Package watcher feeds files dropped into a directory to the ingestion worker.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/code-sleuth/ragledger/internal/ledger/interfaces"
	"github.com/code-sleuth/ragledger/pkg/util"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const defaultSettle = 500 * time.Millisecond

var defaultExtensions = []string{".txt", ".md", ".html"}

// Ingester is the part of the ingestion worker the watcher needs.
type Ingester interface {
	Ingest(ctx context.Context, title string, content []byte) (*interfaces.IngestResult, error)
}

// FileOperation is what happened to a watched file.
type FileOperation int

const (
	FileCreated FileOperation = iota
	FileModified
	FileDeleted
)

func (op FileOperation) String() string {
	switch op {
	case FileCreated:
		return "created"
	case FileModified:
		return "modified"
	case FileDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// FileEvent is a filtered file system event.
type FileEvent struct {
	Path      string
	Operation FileOperation
}

// DirectoryWatcher watches one directory for files with known extensions.
type DirectoryWatcher struct {
	watcher    *fsnotify.Watcher
	extensions []string
	settle     time.Duration
	logger     zerolog.Logger
}

// NewDirectoryWatcher creates a watcher. Empty extensions fall back to
// .txt, .md and .html; settle <= 0 uses 500ms.
func NewDirectoryWatcher(extensions []string, settle time.Duration) (*DirectoryWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if len(extensions) == 0 {
		extensions = defaultExtensions
	}
	normalized := make([]string, 0, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		normalized = append(normalized, ext)
	}
	if settle <= 0 {
		settle = defaultSettle
	}
	return &DirectoryWatcher{
		watcher:    w,
		extensions: normalized,
		settle:     settle,
		logger:     util.NewLogger(util.LevelFromEnv(zerolog.ErrorLevel)),
	}, nil
}

// Watch emits events for matching files in dir until ctx is done or the
// watcher is stopped.
func (w *DirectoryWatcher) Watch(ctx context.Context, dir string) (<-chan FileEvent, error) {
	if err := w.watcher.Add(dir); err != nil {
		return nil, err
	}

	events := make(chan FileEvent, 100)
	go func() {
		defer close(events)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if !w.isWatchedExtension(event.Name) {
					continue
				}

				var op FileOperation
				switch {
				case event.Op.Has(fsnotify.Create):
					op = FileCreated
				case event.Op.Has(fsnotify.Write):
					op = FileModified
				case event.Op.Has(fsnotify.Remove), event.Op.Has(fsnotify.Rename):
					op = FileDeleted
				default:
					continue
				}

				select {
				case events <- FileEvent{Path: event.Name, Operation: op}:
				case <-ctx.Done():
					return
				}
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Error().Err(err).Str("dir", dir).Msg("Watcher error")
			}
		}
	}()
	return events, nil
}

// Run ingests every file created or modified in dir once it has been quiet
// for the settle period. It returns when ctx is done. Deleted files are
// logged only: registry entries are addressed by content, not by path.
func (w *DirectoryWatcher) Run(ctx context.Context, dir string, ingester Ingester) error {
	events, err := w.Watch(ctx, dir)
	if err != nil {
		return err
	}

	pending := make(map[string]time.Time)
	ticker := time.NewTicker(w.settle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if event.Operation == FileDeleted {
				delete(pending, event.Path)
				w.logger.Info().Str("path", event.Path).Msg("File removed")
				continue
			}
			pending[event.Path] = time.Now()
		case now := <-ticker.C:
			for path, seen := range pending {
				if now.Sub(seen) < w.settle {
					continue
				}
				delete(pending, path)
				w.ingestFile(ctx, path, ingester)
			}
		}
	}
}

func (w *DirectoryWatcher) ingestFile(ctx context.Context, path string, ingester Ingester) {
	content, err := os.ReadFile(path)
	if err != nil {
		w.logger.Error().Err(err).Str("path", path).Msg("Failed to read file")
		return
	}
	if len(content) == 0 {
		w.logger.Debug().Str("path", path).Msg("Skipping empty file")
		return
	}

	result, err := ingester.Ingest(ctx, filepath.Base(path), content)
	if err != nil {
		w.logger.Error().Err(err).Str("path", path).Msg("Ingestion failed")
		return
	}
	if result != nil && result.Document != nil {
		w.logger.Info().
			Str("path", path).
			Int64("document_id", result.Document.ID).
			Str("status", string(result.Document.Status)).
			Bool("claimed", result.Claimed).
			Msg("Ingested file")
	}
}

// Stop releases the underlying watcher.
func (w *DirectoryWatcher) Stop() error {
	return w.watcher.Close()
}

func (w *DirectoryWatcher) isWatchedExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range w.extensions {
		if ext == e {
			return true
		}
	}
	return false
}
