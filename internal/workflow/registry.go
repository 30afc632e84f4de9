package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Registry holds the workflow definitions found in a directory. With
// watching enabled, edits to the directory are picked up after a short
// debounce.
type Registry struct {
	dir    string
	logger *slog.Logger

	mu   sync.RWMutex
	defs map[string]*Definition

	watcher       *fsnotify.Watcher
	watchMu       sync.Mutex
	watchWg       sync.WaitGroup
	watchCancel   context.CancelFunc
	watchDebounce time.Duration
}

var _ Definitions = (*Registry)(nil)

// NewRegistry creates an empty registry for dir. Call Load to read it.
func NewRegistry(dir string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		dir:           dir,
		logger:        logger.With("component", "workflow-registry"),
		defs:          make(map[string]*Definition),
		watchDebounce: 250 * time.Millisecond,
	}
}

// Dir returns the watched directory.
func (r *Registry) Dir() string { return r.dir }

// LoadFile parses and validates one definition file.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	def.Source = path
	return def, nil
}

// Parse decodes a YAML definition. Unknown fields are rejected.
func Parse(data []byte) (*Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var def Definition
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty workflow file")
		}
		return nil, err
	}
	if def.Name == "" {
		def.Name = def.ID
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Load replaces the registry contents with the definitions in the
// directory. Invalid files are logged and skipped; the returned error joins
// them so callers can surface the problems. A missing directory is empty.
func (r *Registry) Load(ctx context.Context) error {
	entries, err := os.ReadDir(r.dir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read workflows dir: %w", err)
	}

	candidates := make(map[string][]*Definition)
	var problems []error
	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if entry.IsDir() || !isDefinitionFile(entry.Name()) {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		def, err := LoadFile(path)
		if err != nil {
			r.logger.Warn("skipping workflow file", "path", path, "error", err)
			problems = append(problems, err)
			continue
		}
		candidates[def.ID] = append(candidates[def.ID], def)
	}

	defs := make(map[string]*Definition, len(candidates))
	for id, found := range candidates {
		def, err := pickDefinition(id, found)
		if err != nil {
			r.logger.Warn("skipping workflow id", "id", id, "error", err)
			problems = append(problems, err)
			continue
		}
		if len(found) > 1 {
			r.logger.Warn("workflow id defined in several files", "id", id, "using", def.Source)
		}
		defs[id] = def
	}

	r.mu.Lock()
	r.defs = defs
	r.mu.Unlock()
	r.logger.Info("loaded workflows", "dir", r.dir, "count", len(defs))
	return errors.Join(problems...)
}

// pickDefinition resolves an id defined in several files. The file named
// after the id wins; with no such file every definition is rejected.
func pickDefinition(id string, found []*Definition) (*Definition, error) {
	if len(found) == 1 {
		return found[0], nil
	}
	sources := make([]string, 0, len(found))
	var named []*Definition
	for _, def := range found {
		sources = append(sources, def.Source)
		base := filepath.Base(def.Source)
		if strings.TrimSuffix(base, filepath.Ext(base)) == id {
			named = append(named, def)
		}
	}
	sort.Strings(sources)
	if len(named) == 1 {
		return named[0], nil
	}
	return nil, fmt.Errorf("workflow id %q defined in several files: %s", id, strings.Join(sources, ", "))
}

func isDefinitionFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// Get returns a definition by id.
func (r *Registry) Get(id string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	return def, ok
}

// List returns the definitions sorted by id.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	out := make([]*Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Register adds or replaces a definition until the next Load.
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return errors.New("definition is required")
	}
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.defs[def.ID] = def
	r.mu.Unlock()
	return nil
}

// StartWatching reloads the registry when files in the directory change.
func (r *Registry) StartWatching(ctx context.Context) error {
	r.watchMu.Lock()
	if r.watcher != nil {
		r.watchMu.Unlock()
		return nil
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		r.watchMu.Unlock()
		return fmt.Errorf("create workflows dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.watchMu.Unlock()
		return err
	}
	if err := watcher.Add(r.dir); err != nil {
		r.watchMu.Unlock()
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", r.dir, err)
	}
	r.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	r.watchCancel = cancel
	r.watchMu.Unlock()

	r.watchWg.Add(1)
	go r.watchLoop(watchCtx, watcher)
	return nil
}

// Close stops watching.
func (r *Registry) Close() error {
	r.watchMu.Lock()
	if r.watchCancel != nil {
		r.watchCancel()
		r.watchCancel = nil
	}
	watcher := r.watcher
	r.watcher = nil
	r.watchMu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	r.watchWg.Wait()
	return nil
}

func (r *Registry) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer r.watchWg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(r.watchDebounce, func() {
			if err := r.Load(context.Background()); err != nil {
				r.logger.Warn("workflow reload reported problems", "error", err)
			}
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isDefinitionFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("workflow watch error", "error", err)
		}
	}
}
