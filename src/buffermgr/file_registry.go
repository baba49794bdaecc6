package buffermgr

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

/*

The file registry watches the snapshot directory tree and drops buffers whenever
the external sync process creates, rewrites, renames or removes a file. The pool
also compares size and modification time on every lookup, so the registry only
shortens the window in which a stale buffer could be served.

*/

// FileRegistry invalidates pool buffers on filesystem events below dataDir
type FileRegistry struct {
	mu      sync.Mutex
	dataDir string
	watcher *fsnotify.Watcher
	watched map[string]bool
	pool     *BufferPool
	onChange func(path string)
	done     chan struct{}
	logger   *zap.SugaredLogger
}

// NewFileRegistry creates a registry for dataDir. Watching starts with Start.
func NewFileRegistry(dataDir string, pool *BufferPool, logger *zap.SugaredLogger) (*FileRegistry, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &FileRegistry{
		dataDir: filepath.Clean(dataDir),
		watcher: fsw,
		watched: make(map[string]bool),
		pool:    pool,
		done:    make(chan struct{}),
		logger:  logger,
	}, nil
}

// Start adds watches for every directory below dataDir and processes events until
// ctx is cancelled or Close is called.
func (fr *FileRegistry) Start(ctx context.Context) error {
	if err := fr.addWatchesRecursive(fr.dataDir); err != nil {
		return err
	}

	go fr.processEvents(ctx)

	fr.logger.Infow("File registry started", "dataDir", fr.dataDir, "directories", fr.WatchedCount())
	return nil
}

// OnChange registers fn to be called after the buffers of a changed path were dropped.
// fn runs on the event goroutine and must not block.
func (fr *FileRegistry) OnChange(fn func(path string)) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.onChange = fn
}

// Close stops watching
func (fr *FileRegistry) Close() error {
	return fr.watcher.Close()
}

// Done is closed once event processing has stopped
func (fr *FileRegistry) Done() <-chan struct{} {
	return fr.done
}

// WatchedCount returns the number of watched directories
func (fr *FileRegistry) WatchedCount() int {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return len(fr.watched)
}

func (fr *FileRegistry) addWatchesRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// a directory may vanish while the sync process swaps it
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return fr.addWatch(path)
	})
}

func (fr *FileRegistry) addWatch(dir string) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	if fr.watched[dir] {
		return nil
	}
	if err := fr.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	fr.watched[dir] = true
	return nil
}

func (fr *FileRegistry) removeWatch(dir string) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	delete(fr.watched, dir)
}

func (fr *FileRegistry) processEvents(ctx context.Context) {
	defer close(fr.done)

	for {
		select {
		case <-ctx.Done():
			_ = fr.watcher.Close()
			return
		case event, ok := <-fr.watcher.Events:
			if !ok {
				return
			}
			fr.handleEvent(event)
		case err, ok := <-fr.watcher.Errors:
			if !ok {
				return
			}
			fr.logger.Warnw("File watcher error", "error", err)
		}
	}
}

func (fr *FileRegistry) handleEvent(event fsnotify.Event) {
	path := filepath.Clean(event.Name)

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if err := fr.addWatchesRecursive(path); err != nil {
				fr.logger.Warnw("Failed to watch new directory", "path", path, "error", err)
			}
			// files written before the watch was added
			fr.pool.InvalidateDir(path)
			fr.notify(path)
			return
		}
	}

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		fr.removeWatch(path)
		fr.pool.InvalidateDir(path)
	}

	if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		fr.logger.Debugw("Snapshot file changed", "path", path, "op", event.Op.String())
		fr.pool.Invalidate(path)
		fr.notify(path)
	}
}

func (fr *FileRegistry) notify(path string) {
	fr.mu.Lock()
	fn := fr.onChange
	fr.mu.Unlock()

	if fn != nil {
		fn(path)
	}
}
