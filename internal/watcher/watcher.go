// Package watcher turns inbox directories into an ingestion source: files
// dropped in are indexed as documents, edited files are re-indexed and
// deleted files are removed from the index.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hyperjump/kotae/internal/config"
	"go.uber.org/zap"
)

const defaultDebounce = 500 * time.Millisecond

// FileIndexer ingests and forgets files.
type FileIndexer interface {
	// IndexFile indexes path for ownerID and reports whether anything changed.
	IndexFile(ctx context.Context, path, ownerID string, allowedExts []string) (bool, error)
	RemoveFile(ctx context.Context, path string) error
}

// Inbox watches directories and hands file changes to a FileIndexer. Bursts
// of writes to one file are debounced into a single ingest.
type Inbox struct {
	files      FileIndexer
	ownerID    string
	extensions []string
	recursive  bool
	debounce   time.Duration
	logger     *zap.Logger

	mu       sync.Mutex
	ctx      context.Context
	fsw      *fsnotify.Watcher
	roots    []string
	watched  map[string][]string // root -> directories added under it
	pending  map[string]*time.Timer
	inflight sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// Option configures an Inbox.
type Option func(*Inbox)

// WithLogger sets the inbox logger.
func WithLogger(l *zap.Logger) Option {
	return func(in *Inbox) { in.logger = l }
}

// New returns an inbox for cfg's directories. Nothing is watched until Start.
func New(files FileIndexer, cfg config.WatchConfig, opts ...Option) *Inbox {
	in := &Inbox{
		files:      files,
		ownerID:    cfg.OwnerID,
		extensions: cfg.Extensions,
		recursive:  cfg.RecursiveOrDefault(),
		debounce:   cfg.Debounce,
		logger:     zap.NewNop(),
		roots:      append([]string(nil), cfg.Directories...),
		watched:    make(map[string][]string),
		pending:    make(map[string]*time.Timer),
		done:       make(chan struct{}),
	}
	if in.debounce <= 0 {
		in.debounce = defaultDebounce
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Start begins watching and ingests files already in the inbox. It returns
// once the initial sync is done; events are handled until ctx ends or Stop.
func (in *Inbox) Start(ctx context.Context) error {
	in.mu.Lock()
	if in.fsw != nil {
		in.mu.Unlock()
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		in.mu.Unlock()
		return err
	}
	in.fsw = fsw
	in.ctx = ctx
	for _, root := range in.roots {
		if err := in.watchRootLocked(root); err != nil {
			_ = fsw.Close()
			in.fsw = nil
			in.mu.Unlock()
			return err
		}
	}
	roots := append([]string(nil), in.roots...)
	in.mu.Unlock()

	in.logger.Info("Watching inbox",
		zap.Strings("directories", roots),
		zap.Strings("extensions", in.extensions),
		zap.Bool("recursive", in.recursive))

	for _, root := range roots {
		in.sync(ctx, root)
	}
	go in.run(ctx, fsw)
	return nil
}

func (in *Inbox) run(ctx context.Context, fsw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			in.Stop()
			return
		case <-in.done:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			in.handle(ctx, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			in.logger.Warn("Inbox watch error", zap.Error(err))
		}
	}
}

func (in *Inbox) handle(ctx context.Context, ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	if !in.underRoot(path) {
		return
	}
	in.logger.Debug("Inbox event", zap.String("op", ev.Op.String()), zap.String("path", path))

	switch {
	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		if info.IsDir() {
			in.addSubdirectory(ctx, path)
			return
		}
		if matchExtension(path, in.extensions) {
			in.schedule(ctx, path)
		}
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		in.cancel(path)
		if matchExtension(path, in.extensions) {
			in.remove(ctx, path)
		}
	}
}

// addSubdirectory watches a directory created inside a root and ingests what
// was copied into it.
func (in *Inbox) addSubdirectory(ctx context.Context, dir string) {
	if !in.recursive {
		return
	}
	in.mu.Lock()
	fsw := in.fsw
	root := in.rootOfLocked(dir)
	in.mu.Unlock()
	if fsw == nil {
		return
	}

	var added []string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if err := fsw.Add(path); err != nil {
			in.logger.Warn("Failed to watch directory", zap.String("path", path), zap.Error(err))
			return nil
		}
		added = append(added, path)
		return nil
	})

	in.mu.Lock()
	if root != "" {
		in.watched[root] = append(in.watched[root], added...)
	}
	in.mu.Unlock()
	in.sync(ctx, dir)
}

func (in *Inbox) schedule(ctx context.Context, path string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if t, ok := in.pending[path]; ok && t.Stop() {
		in.inflight.Done()
	}
	in.inflight.Add(1)
	var t *time.Timer
	t = time.AfterFunc(in.debounce, func() {
		defer in.inflight.Done()
		in.mu.Lock()
		if in.pending[path] == t {
			delete(in.pending, path)
		}
		in.mu.Unlock()
		in.ingest(ctx, path)
	})
	in.pending[path] = t
}

func (in *Inbox) cancel(path string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if t, ok := in.pending[path]; ok && t.Stop() {
		delete(in.pending, path)
		in.inflight.Done()
	}
}

func (in *Inbox) ingest(ctx context.Context, path string) {
	changed, err := in.files.IndexFile(ctx, path, in.ownerID, in.extensions)
	if err != nil {
		in.logger.Warn("Failed to ingest inbox file", zap.String("path", path), zap.Error(err))
		return
	}
	if changed {
		in.logger.Info("Ingested inbox file", zap.String("path", path))
	}
}

func (in *Inbox) remove(ctx context.Context, path string) {
	if err := in.files.RemoveFile(ctx, path); err != nil {
		in.logger.Warn("Failed to remove inbox file", zap.String("path", path), zap.Error(err))
		return
	}
	in.logger.Info("Removed inbox file", zap.String("path", path))
}

// sync ingests every matching file under dir. Unchanged files are skipped by
// the indexer.
func (in *Inbox) sync(ctx context.Context, dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && !in.recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if matchExtension(path, in.extensions) {
			in.ingest(ctx, path)
		}
		return ctx.Err()
	})
}

func (in *Inbox) watchRootLocked(root string) error {
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	var dirs []string
	if !in.recursive {
		if err := in.fsw.Add(root); err != nil {
			return err
		}
		dirs = append(dirs, root)
	} else {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() {
				return nil
			}
			if err := in.fsw.Add(path); err != nil {
				return err
			}
			dirs = append(dirs, path)
			return nil
		})
		if err != nil {
			return err
		}
	}
	in.watched[root] = dirs
	return nil
}

func (in *Inbox) underRoot(path string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.rootOfLocked(path) != ""
}

func (in *Inbox) rootOfLocked(path string) string {
	for _, root := range in.roots {
		root = filepath.Clean(root)
		if root == path || inDir(root, path) {
			return root
		}
	}
	return ""
}

func inDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func matchExtension(path string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, e := range extensions {
		if strings.TrimPrefix(strings.ToLower(e), ".") == ext {
			return true
		}
	}
	return false
}

// AddDirectory starts watching root and ingests its current files.
func (in *Inbox) AddDirectory(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	abs = filepath.Clean(abs)

	in.mu.Lock()
	for _, r := range in.roots {
		if filepath.Clean(r) == abs {
			in.mu.Unlock()
			return nil
		}
	}
	if in.fsw != nil {
		if err := in.watchRootLocked(abs); err != nil {
			in.mu.Unlock()
			return err
		}
	}
	in.roots = append(in.roots, abs)
	ctx := in.ctx
	in.mu.Unlock()

	in.logger.Info("Inbox directory added", zap.String("path", abs))
	if ctx != nil {
		go in.sync(ctx, abs)
	}
	return nil
}

// RemoveDirectory stops watching root. Documents already ingested from it stay
// indexed.
func (in *Inbox) RemoveDirectory(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	abs = filepath.Clean(abs)

	in.mu.Lock()
	defer in.mu.Unlock()
	idx := -1
	for i, r := range in.roots {
		if filepath.Clean(r) == abs {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	if in.fsw != nil {
		for _, dir := range in.watched[abs] {
			_ = in.fsw.Remove(dir)
		}
	}
	delete(in.watched, abs)
	in.roots = append(in.roots[:idx], in.roots[idx+1:]...)
	in.logger.Info("Inbox directory removed", zap.String("path", abs))
	return nil
}

// Directories returns the watched roots.
func (in *Inbox) Directories() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]string(nil), in.roots...)
}

// Stop stops watching and waits for scheduled ingests to finish.
func (in *Inbox) Stop() {
	in.mu.Lock()
	fsw := in.fsw
	in.fsw = nil
	for path, t := range in.pending {
		if t.Stop() {
			in.inflight.Done()
		}
		delete(in.pending, path)
	}
	in.mu.Unlock()

	if fsw != nil {
		_ = fsw.Close()
	}
	in.stopOnce.Do(func() { close(in.done) })
	in.inflight.Wait()
}
