// Package reload detects configuration edits and works out which connectors
// they touch.
package reload

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/timzifer/coupler/config"
)

// Change lists the configuration files edited since the last snapshot and the
// connectors declared in them.
type Change struct {
	Files      []string
	Connectors []string
	// Root is set when the file holding the process settings changed.
	Root bool
}

// Empty reports whether no tracked file changed.
func (c Change) Empty() bool {
	return len(c.Files) == 0
}

type source struct {
	modTime    time.Time
	size       int64
	connectors []string
	root       bool
}

// Watcher snapshots the files a configuration was assembled from. The
// processor polls Check on a ticker.
type Watcher struct {
	mu      sync.Mutex
	sources map[string]source
}

// NewWatcher snapshots root and every file cfg was loaded from.
func NewWatcher(root string, cfg *config.Config) *Watcher {
	w := &Watcher{}
	w.Update(root, cfg)
	return w
}

// Update takes a new snapshot, replacing the previous one. Missing files and
// directories are not tracked.
func (w *Watcher) Update(root string, cfg *config.Config) {
	if w == nil {
		return
	}
	sources := make(map[string]source)
	track := func(path string, mark func(*source)) {
		path = absFile(path)
		if path == "" {
			return
		}
		src, ok := sources[path]
		if !ok {
			info, err := os.Stat(path)
			if err != nil || info.IsDir() {
				return
			}
			src = source{modTime: info.ModTime(), size: info.Size()}
		}
		mark(&src)
		sources[path] = src
	}
	markRoot := func(s *source) { s.root = true }

	track(root, markRoot)
	if cfg != nil {
		track(cfg.Source.File, markRoot)
		for _, conn := range cfg.Connectors {
			id := conn.ID
			track(conn.Source.File, func(s *source) { s.connectors = append(s.connectors, id) })
		}
	}

	w.mu.Lock()
	w.sources = sources
	w.mu.Unlock()
}

// Check compares the snapshot with the files on disk. A removed file counts
// as changed.
func (w *Watcher) Check() Change {
	var change Change
	if w == nil {
		return change
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make(map[string]struct{})
	for path, src := range w.sources {
		info, err := os.Stat(path)
		if err == nil && (info.IsDir() || (!info.ModTime().After(src.modTime) && info.Size() == src.size)) {
			continue
		}
		change.Files = append(change.Files, path)
		change.Root = change.Root || src.root
		for _, id := range src.connectors {
			ids[id] = struct{}{}
		}
	}
	sort.Strings(change.Files)
	change.Connectors = sortedKeys(ids)
	return change
}

// Files lists the tracked paths in sorted order.
func (w *Watcher) Files() []string {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	files := make([]string, 0, len(w.sources))
	for path := range w.sources {
		files = append(files, path)
	}
	sort.Strings(files)
	return files
}

func absFile(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
