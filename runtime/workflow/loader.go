package workflow

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/failure"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/telemetry"
)

type (
	// Source reads raw manifests by workflow name. Implementations return an
	// error matching ErrManifestNotFound when no manifest exists.
	Source interface {
		Read(ctx context.Context, name string) ([]byte, error)
	}

	// DirSource reads <Dir>/<name>.yaml (or .yml).
	DirSource struct {
		Dir string
	}

	// MemSource is an in-memory Source. It is safe for concurrent use.
	MemSource struct {
		mu        sync.RWMutex
		manifests map[string][]byte
	}

	// Loader parses and caches workflow definitions. Cached definitions are
	// only replaced by an explicit Reload.
	Loader struct {
		src    Source
		logger telemetry.Logger

		mu    sync.RWMutex
		cache map[string]*Definition
	}

	// LoaderOption configures a Loader.
	LoaderOption func(*Loader)
)

// ErrManifestNotFound is returned by sources for unknown workflow names.
var ErrManifestNotFound = errors.New("manifest not found")

// WithLogger sets the loader logger.
func WithLogger(l telemetry.Logger) LoaderOption {
	return func(ld *Loader) { ld.logger = l }
}

// NewLoader returns a Loader reading manifests from src.
func NewLoader(src Source, opts ...LoaderOption) *Loader {
	l := &Loader{
		src:    src,
		logger: telemetry.NewNoopLogger(),
		cache:  make(map[string]*Definition),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Load returns the definition of the named workflow, parsing it on first use.
func (l *Loader) Load(ctx context.Context, name string) (*Definition, error) {
	l.mu.RLock()
	def, ok := l.cache[name]
	l.mu.RUnlock()
	if ok {
		return def, nil
	}
	def, err := l.read(ctx, name)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if cached, ok := l.cache[name]; ok {
		return cached, nil
	}
	l.cache[name] = def
	return def, nil
}

// Reload re-reads the named manifest. The cached definition is replaced only
// when the content hash changed; changed reports whether it was. On error the
// previous definition keeps being served.
func (l *Loader) Reload(ctx context.Context, name string) (*Definition, bool, error) {
	def, err := l.read(ctx, name)
	if err != nil {
		l.logger.Warn(ctx, "workflow reload failed", "workflow", name, "err", err)
		return nil, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.cache[name]; ok && cur.hash == def.hash {
		return cur, false, nil
	}
	l.cache[name] = def
	l.logger.Info(ctx, "workflow reloaded", "workflow", name, "hash", def.hash)
	return def, true, nil
}

// ReloadAll reloads every cached workflow and returns the joined errors.
func (l *Loader) ReloadAll(ctx context.Context) error {
	l.mu.RLock()
	names := make([]string, 0, len(l.cache))
	for n := range l.cache {
		names = append(names, n)
	}
	l.mu.RUnlock()
	var errs []error
	for _, n := range names {
		if _, _, err := l.Reload(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Watch reloads workflows named on signals until ctx is done or signals is
// closed. An empty name reloads every cached workflow.
func (l *Loader) Watch(ctx context.Context, signals <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case name, ok := <-signals:
			if !ok {
				return
			}
			if name == "" {
				_ = l.ReloadAll(ctx)
				continue
			}
			_, _, _ = l.Reload(ctx, name)
		}
	}
}

func (l *Loader) read(ctx context.Context, name string) (*Definition, error) {
	if name == "" {
		return nil, failure.New(failure.KindDefinitionNotFound, "workflow name is required")
	}
	data, err := l.src.Read(ctx, name)
	if err != nil {
		if errors.Is(err, ErrManifestNotFound) {
			return nil, failure.Wrap(failure.KindDefinitionNotFound, err, fmt.Sprintf("workflow %q", name))
		}
		return nil, fmt.Errorf("read workflow %q: %w", name, err)
	}
	return Parse(name, data)
}

// Read implements Source.
func (s DirSource) Read(_ context.Context, name string) ([]byte, error) {
	if filepath.Base(name) != name {
		return nil, fmt.Errorf("invalid workflow name %q", name)
	}
	for _, ext := range []string{".yaml", ".yml"} {
		data, err := os.ReadFile(filepath.Join(s.Dir, name+ext))
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return nil, ErrManifestNotFound
}

// NewMemSource returns a MemSource seeded with manifests.
func NewMemSource(manifests map[string]string) *MemSource {
	s := &MemSource{manifests: make(map[string][]byte, len(manifests))}
	for k, v := range manifests {
		s.manifests[k] = []byte(v)
	}
	return s
}

// Put stores or replaces a manifest.
func (s *MemSource) Put(name, manifest string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifests[name] = []byte(manifest)
}

// Read implements Source.
func (s *MemSource) Read(_ context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.manifests[name]
	if !ok {
		return nil, ErrManifestNotFound
	}
	return append([]byte(nil), data...), nil
}

func contentHash(data []byte) string {
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}
