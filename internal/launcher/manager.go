package launcher

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"

	"github.com/abcdlsj/dockgen/pkg/docker"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// Source reports containers and signals when they may have changed.
type Source interface {
	Name() string
	Collect(ctx context.Context) ([]docker.Container, error)
	Watch(ctx context.Context, notify func())
}

// Watcher signals changes without contributing containers.
type Watcher interface {
	Watch(ctx context.Context, notify func())
}

// Generator turns a snapshot into output files keyed by destination path.
type Generator interface {
	Name() string
	Generate(state *docker.State) (map[string][]byte, error)
}

// Config controls what the manager does around generation.
type Config struct {
	Command     []string // supervised command, optional
	Notify      string   // shell command run after each refresh, optional
	Monitor     bool     // keep watching sources after startup
	StrictHosts bool     // abort the cycle on the first unreachable host
}

// Manager regenerates output files from the container inventory and
// supervises the launched command. Generation cycles never overlap: the
// initial cycle runs before the refresh worker starts and every later cycle
// runs on that single worker.
type Manager struct {
	cfg        Config
	sources    []Source
	generators []Generator
	watchers   []Watcher

	fs      afero.Fs
	logger  *log.Logger
	command func(name string, args ...string) *exec.Cmd

	// refresh holds at most one pending request; further requests made
	// while one is pending are dropped.
	refresh chan struct{}

	mu      sync.Mutex
	current map[string][]byte
}

// Option configures a Manager.
type Option func(*Manager)

// WithFs sets the filesystem output files are written to.
func WithFs(fs afero.Fs) Option {
	return func(m *Manager) { m.fs = fs }
}

// WithLogger sets the logger used for cycle and process events.
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New creates a manager. Sources, generators and watchers must be added
// before Run.
func New(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:     cfg,
		fs:      afero.NewOsFs(),
		logger:  log.Default(),
		command: exec.Command,
		refresh: make(chan struct{}, 1),
		current: map[string][]byte{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddSource registers a container source. Containers are merged in the
// order sources are added.
func (m *Manager) AddSource(s Source) {
	m.sources = append(m.sources, s)
}

// AddGenerator registers a generator. A later generator wins when two
// produce the same path.
func (m *Manager) AddGenerator(g Generator) {
	m.generators = append(m.generators, g)
}

// AddWatcher registers an extra change trigger.
func (m *Manager) AddWatcher(w Watcher) {
	m.watchers = append(m.watchers, w)
}

// Notify records that a refresh is needed. It never blocks.
func (m *Manager) Notify() {
	select {
	case m.refresh <- struct{}{}:
	default:
	}
}

// Generate runs one generation cycle: collect, render, diff and write the
// files whose content changed.
func (m *Manager) Generate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	logger := m.logger.With("cycle", uuid.NewString()[:8])

	state, err := m.collect(ctx, logger)
	if err != nil {
		return err
	}

	files := map[string][]byte{}
	for _, g := range m.generators {
		out, err := g.Generate(state)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrGeneration, g.Name(), err)
		}
		for path, content := range out {
			files[path] = content
		}
	}

	changed := diff(m.current, files)
	if len(changed) == 0 && len(files) == len(m.current) {
		logger.Debug("No configuration changes", "containers", len(state.Containers))
		return nil
	}

	next := make(map[string][]byte, len(files))
	for path, content := range files {
		next[path] = content
	}

	for i, path := range changed {
		if err := m.write(path, files[path]); err != nil {
			// Paths not written keep their previous content so the next
			// cycle retries them.
			for _, p := range changed[i:] {
				if old, ok := m.current[p]; ok {
					next[p] = old
				} else {
					delete(next, p)
				}
			}
			m.current = next
			return fmt.Errorf("%w: %v", ErrGeneration, err)
		}
		logger.Info("Wrote configuration", "path", path, "bytes", len(files[path]))
	}

	m.current = next
	return nil
}

// collect builds a snapshot from every source. Sources are queried
// concurrently but their containers are appended in registration order.
func (m *Manager) collect(ctx context.Context, logger *log.Logger) (*docker.State, error) {
	results := make([][]docker.Container, len(m.sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, s := range m.sources {
		g.Go(func() error {
			cs, err := s.Collect(gctx)
			if err != nil {
				if m.cfg.StrictHosts {
					return err
				}
				logger.Error("Skipping host for this cycle", "host", s.Name(), "err", err)
				return nil
			}
			results[i] = cs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	state := &docker.State{}
	for _, cs := range results {
		state.Append(cs...)
	}
	return state, nil
}

// diff returns the sorted paths in next whose content differs from prev.
func diff(prev, next map[string][]byte) []string {
	var changed []string
	for path, content := range next {
		if old, ok := prev[path]; !ok || !bytes.Equal(old, content) {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed
}

// write replaces path with content through a temporary file in the same
// directory, so readers never see a partially written file.
func (m *Manager) write(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := m.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(m.fs, dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file for %s: %w", path, err)
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(content)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = m.fs.Chmod(tmpName, 0o644)
	}
	if err == nil {
		err = m.fs.Rename(tmpName, path)
	}
	if err != nil {
		m.fs.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	return nil
}

// files returns a copy of the most recently written output set.
func (m *Manager) files() map[string][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	files := make(map[string][]byte, len(m.current))
	for path, content := range m.current {
		files[path] = content
	}
	return files
}
