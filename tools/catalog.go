package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// CatalogEntry is the operator-controlled state of one tool.
type CatalogEntry struct {
	// Enabled toggles availability. Nil leaves the current value.
	Enabled *bool `yaml:"enabled,omitempty"`

	// RateLimitPerMinute replaces the tool's quota. Nil leaves the current value.
	RateLimitPerMinute *int `yaml:"rate_limit_per_minute,omitempty"`
}

// Catalog is the YAML document operators edit to toggle tools at runtime.
//
//	tools:
//	  book_ride:
//	    enabled: false
//	  search_restaurant:
//	    rate_limit_per_minute: 1000
type Catalog struct {
	Tools map[string]CatalogEntry `yaml:"tools"`
}

// ParseCatalog decodes a catalog document.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse tool catalog: %w", err)
	}
	return &c, nil
}

// LoadCatalog reads and decodes a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool catalog: %w", err)
	}
	return ParseCatalog(data)
}

// Apply pushes the catalog into the registry. Entries naming unknown tools
// are reported but do not stop the others from being applied.
func (c *Catalog) Apply(r *Registry) error {
	names := make([]string, 0, len(c.Tools))
	for name := range c.Tools {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		e := c.Tools[name]
		if e.Enabled != nil {
			if err := r.SetAvailable(name, *e.Enabled); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		if e.RateLimitPerMinute != nil {
			if err := r.SetRateLimit(name, *e.RateLimitPerMinute); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// CatalogWatcher reapplies a catalog file whenever its content changes.
type CatalogWatcher struct {
	path     string
	registry *Registry
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger
	lastHash string
	applied  chan struct{}
}

// NewCatalogWatcher creates a watcher for path. The parent directory is
// watched so editors that replace the file by rename are picked up.
func NewCatalogWatcher(path string, registry *Registry, logger *slog.Logger) (*CatalogWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve catalog path: %w", err)
	}
	if dir, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		abs = filepath.Join(dir, filepath.Base(abs))
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch catalog directory: %w", err)
	}
	return &CatalogWatcher{
		path:     abs,
		registry: registry,
		watcher:  fsw,
		debounce: 200 * time.Millisecond,
		logger:   logger,
		applied:  make(chan struct{}, 1),
	}, nil
}

// Applied is signalled after each successful reload.
func (w *CatalogWatcher) Applied() <-chan struct{} {
	return w.applied
}

// Run applies the catalog once and then on every change until ctx is done.
func (w *CatalogWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	if _, err := os.Stat(w.path); err == nil {
		w.reload()
	}

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				pending = true
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("Catalog watcher error", "error", err)

		case <-ticker.C:
			if pending {
				pending = false
				w.reload()
			}
		}
	}
}

func (w *CatalogWatcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn("Failed to read tool catalog", "path", w.path, "error", err)
		return
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	if hash == w.lastHash {
		return
	}

	c, err := ParseCatalog(data)
	if err != nil {
		w.logger.Warn("Ignoring invalid tool catalog", "path", w.path, "error", err)
		return
	}
	if err := c.Apply(w.registry); err != nil {
		w.logger.Warn("Tool catalog applied with errors", "path", w.path, "error", err)
	}
	w.lastHash = hash
	w.logger.Info("Tool catalog applied", "path", w.path, "entries", len(c.Tools))

	select {
	case w.applied <- struct{}{}:
	default:
	}
}
