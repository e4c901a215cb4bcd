// Package watcher keeps the document store in step with a folder on disk.
// Sync imports every supported file once; Run then follows fsnotify events
// so that created or modified files are uploaded and processed, and removed
// files are deleted along with their chunks.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/akshyv/rag-pdf/internal/apperr"
	"github.com/akshyv/rag-pdf/internal/ingestion"
	"github.com/akshyv/rag-pdf/internal/logging"
	"github.com/akshyv/rag-pdf/internal/rag"
)

// Ingestor is the ingestion surface the watcher drives.
// *ingestion.Coordinator satisfies it.
type Ingestor interface {
	Upload(ctx context.Context, filename string, data []byte) (rag.Document, error)
	Process(ctx context.Context, name string) (int, error)
	Delete(ctx context.Context, name string) (int, error)
	List(ctx context.Context) ([]rag.DocumentInfo, error)
}

// Config holds the watcher settings.
type Config struct {
	// Dir is the folder to mirror. Only its top-level files are considered.
	Dir string
	// Debounce is how long a file must stay quiet before it is re-ingested,
	// so editors that write in several steps trigger one process call.
	// Defaults to 500ms.
	Debounce time.Duration
	// Prune deletes stored documents that have no file in Dir during Sync.
	Prune bool
}

// SyncReport summarises one Sync pass.
type SyncReport struct {
	// Imported counts files uploaded and processed.
	Imported int
	// Unchanged counts files whose stored copy was already processed.
	Unchanged int
	// Skipped counts files the ingestor rejected (unsupported type, too large).
	Skipped int
	// Removed counts documents pruned because their file is gone.
	Removed int
}

// changeKind is the action derived from a filesystem event.
type changeKind int

const (
	changeUpsert changeKind = iota + 1
	changeDelete
)

// change is a pending action for one file.
type change struct {
	kind changeKind
	path string
	// at is when the last event for path arrived.
	at time.Time
}

// Watcher mirrors a folder into the ingestor.
type Watcher struct {
	ing Ingestor
	cfg *Config
}

// New constructs a Watcher. Dir must be an existing directory.
func New(ing Ingestor, cfg *Config) (*Watcher, error) {
	if ing == nil {
		return nil, apperr.Configuration("watcher", "ingestor must not be nil")
	}
	if cfg == nil || cfg.Dir == "" {
		return nil, apperr.Configuration("watcher", "a directory is required")
	}
	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("watcher: %w", err)
	}
	if !info.IsDir() {
		return nil, apperr.Configuration("watcher", "%s is not a directory", cfg.Dir)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	return &Watcher{ing: ing, cfg: cfg}, nil
}

// Sync imports every visible regular file in Dir, then prunes stored
// documents without a file when Prune is set. Per-file failures are logged
// and counted as skipped; only listing failures abort the pass.
func (w *Watcher) Sync(ctx context.Context) (SyncReport, error) {
	log := logging.FromContext(ctx)
	var report SyncReport

	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		return report, fmt.Errorf("watcher: read %s: %w", w.cfg.Dir, err)
	}

	present := make(map[string]bool)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("watcher: sync: %w", err)
		}
		if e.IsDir() || isHidden(e.Name()) || !e.Type().IsRegular() {
			continue
		}
		path := filepath.Join(w.cfg.Dir, e.Name())
		present[ingestion.SanitizeFilename(e.Name())] = true

		imported, err := w.upsert(ctx, path)
		switch {
		case err != nil:
			report.Skipped++
			log.Warn("watcher: skipping file", slog.String("path", path), slog.Any("error", err))
		case imported:
			report.Imported++
		default:
			report.Unchanged++
		}
	}

	if w.cfg.Prune {
		docs, err := w.ing.List(ctx)
		if err != nil {
			return report, fmt.Errorf("watcher: list documents: %w", err)
		}
		for _, d := range docs {
			if present[d.Name] {
				continue
			}
			if _, err := w.ing.Delete(ctx, d.Name); err != nil && !apperr.Is(err, apperr.KindNotFound) {
				log.Warn("watcher: prune failed", slog.String("document", d.Name), slog.Any("error", err))
				continue
			}
			report.Removed++
		}
	}

	log.Info("watcher: sync complete",
		slog.String("dir", w.cfg.Dir),
		slog.Int("imported", report.Imported),
		slog.Int("unchanged", report.Unchanged),
		slog.Int("skipped", report.Skipped),
		slog.Int("removed", report.Removed),
	)
	return report, nil
}

// Run follows filesystem events until ctx is cancelled. Call Sync first to
// pick up files that changed while the watcher was not running.
func (w *Watcher) Run(ctx context.Context) error {
	log := logging.FromContext(ctx)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.cfg.Dir); err != nil {
		return fmt.Errorf("watcher: watch %s: %w", w.cfg.Dir, err)
	}
	log.Info("watcher: watching", slog.String("dir", w.cfg.Dir))

	ticker := time.NewTicker(w.cfg.Debounce / 2)
	defer ticker.Stop()

	pending := make(map[string]change)
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return errors.New("watcher: event channel closed")
			}
			if c := w.handleFsEvent(ev); c != nil {
				c.at = time.Now()
				pending[c.path] = *c
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return errors.New("watcher: error channel closed")
			}
			log.Warn("watcher: fsnotify error", slog.Any("error", err))

		case now := <-ticker.C:
			w.flush(ctx, pending, now)
		}
	}
}

// flush applies every pending change that has been quiet for Debounce, in
// path order.
func (w *Watcher) flush(ctx context.Context, pending map[string]change, now time.Time) {
	var ready []string
	for path, c := range pending {
		if now.Sub(c.at) >= w.cfg.Debounce {
			ready = append(ready, path)
		}
	}
	sort.Strings(ready)
	for _, path := range ready {
		c := pending[path]
		delete(pending, path)
		if err := w.apply(ctx, c); err != nil {
			logging.FromContext(ctx).Warn("watcher: change failed",
				slog.String("path", path),
				slog.Any("error", err),
			)
		}
	}
}

// handleFsEvent converts an fsnotify event into a pending change, or nil for
// events the watcher ignores (directories, hidden files, chmod).
func (w *Watcher) handleFsEvent(ev fsnotify.Event) *change {
	if filepath.Dir(ev.Name) != filepath.Clean(w.cfg.Dir) || isHidden(filepath.Base(ev.Name)) {
		return nil
	}
	switch {
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		return &change{kind: changeDelete, path: ev.Name}
	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		info, err := os.Stat(ev.Name)
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		return &change{kind: changeUpsert, path: ev.Name}
	}
	return nil
}

// apply carries out one change against the ingestor.
func (w *Watcher) apply(ctx context.Context, c change) error {
	if c.kind == changeDelete {
		// A rename may be followed by a create under the same name.
		if _, err := os.Stat(c.path); err == nil {
			_, err := w.upsert(ctx, c.path)
			return err
		}
		name := ingestion.SanitizeFilename(filepath.Base(c.path))
		n, err := w.ing.Delete(ctx, name)
		if err != nil {
			if apperr.Is(err, apperr.KindNotFound) {
				return nil
			}
			return err
		}
		logging.FromContext(ctx).Info("watcher: document removed",
			slog.String("document", name),
			slog.Int("chunks_deleted", n),
		)
		return nil
	}
	_, err := w.upsert(ctx, c.path)
	return err
}

// upsert uploads the file at path and processes it unless the stored copy
// is identical and already processed. It reports whether processing ran.
func (w *Watcher) upsert(ctx context.Context, path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("watcher: read %s: %w", path, err)
	}
	doc, err := w.ing.Upload(ctx, filepath.Base(path), data)
	if err != nil {
		return false, err
	}
	if doc.Processed {
		return false, nil
	}
	n, err := w.ing.Process(ctx, doc.Name)
	if err != nil {
		return false, err
	}
	logging.FromContext(ctx).Info("watcher: document ingested",
		slog.String("document", doc.Name),
		slog.Int("chunks_created", n),
	)
	return true, nil
}

// isHidden reports whether name is a dotfile or an editor temp file.
func isHidden(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") || strings.HasPrefix(name, "#")
}
