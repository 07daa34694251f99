package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// FileManifestProvider serves the manifest stored in a local file and
// publishes every valid revision to its subscribers.
type FileManifestProvider struct {
	path        string
	logger      *slog.Logger
	mu          sync.RWMutex
	manifest    *Manifest
	subscribers []chan *Manifest
	watcher     *fsnotify.Watcher
	cancel      context.CancelFunc
}

// NewFileManifestProvider loads path and starts watching it for changes.
func NewFileManifestProvider(path string, logger *slog.Logger) (*FileManifestProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	p := &FileManifestProvider{
		path:   absPath,
		logger: logger,
	}

	// The first revision must be valid; later broken edits keep the last good one.
	if err := p.load(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.watcher = watcher
	p.cancel = cancel
	go p.watchLoop(ctx)

	return p, nil
}

// Current returns the last valid manifest.
func (p *FileManifestProvider) Current() *Manifest {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.manifest
}

// Subscribe returns a channel that receives manifest revisions. The current
// revision is delivered immediately.
func (p *FileManifestProvider) Subscribe() <-chan *Manifest {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan *Manifest, 1)
	p.subscribers = append(p.subscribers, ch)
	ch <- p.manifest
	return ch
}

// Close stops the watcher and cleans up resources.
func (p *FileManifestProvider) Close() error {
	p.cancel()
	return p.watcher.Close()
}

func (p *FileManifestProvider) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}

			// fsnotify may report the directory's other files.
			if filepath.Clean(event.Name) != p.path {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Chmod) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(reloadDebounce, func() {
					if err := p.load(); err != nil {
						p.logger.Error("manifest reload failed", "path", p.path, "error", err)
						return
					}
					p.logger.Info("manifest reloaded", "path", p.path)
				})
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("manifest watcher error", "error", err)
		}
	}
}

func (p *FileManifestProvider) load() error {
	m, err := LoadManifest(p.path)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.manifest = m
	subscribers := make([]chan *Manifest, len(p.subscribers))
	copy(subscribers, p.subscribers)
	p.mu.Unlock()

	for _, ch := range subscribers {
		select {
		case ch <- m:
		default:
			// Slow consumer: drop the stale revision and keep the newest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- m:
			default:
			}
		}
	}

	return nil
}
