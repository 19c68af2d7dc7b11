package imagecache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/isdmx/execbox/logger"
)

const defaultPullTimeout = 5 * time.Minute

// Store is the engine side of the registry.
type Store interface {
	HasImage(ctx context.Context, ref string) (bool, error)
	PullImage(ctx context.Context, ref string) error
}

// PullObserver is notified after every pull attempt.
type PullObserver interface {
	ObservePull(image string, err error, elapsed time.Duration)
}

// Entry records when an image was last confirmed present.
type Entry struct {
	Name       string    `yaml:"name"`
	VerifiedAt time.Time `yaml:"verified_at"`
}

type cacheFile struct {
	Images []Entry `yaml:"images"`
}

// Registry makes images available to sandboxes and remembers which ones are
// already present. Concurrent requests for the same missing image share one
// pull.
type Registry struct {
	logger      *zap.Logger
	store       Store
	fs          afero.Fs
	path        string
	pullTimeout time.Duration
	observer    PullObserver

	mu      sync.Mutex
	entries map[string]Entry

	pulls singleflight.Group
}

// Option defines a functional option for Registry
type Option func(*Registry)

// WithFs sets the filesystem used for the cache file.
func WithFs(fs afero.Fs) Option {
	return func(r *Registry) {
		r.fs = fs
	}
}

// WithPath sets the cache file location. An empty path disables persistence.
func WithPath(path string) Option {
	return func(r *Registry) {
		r.path = path
	}
}

// WithPullTimeout bounds a single pull.
func WithPullTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.pullTimeout = d
		}
	}
}

// WithObserver sets the pull observer.
func WithObserver(o PullObserver) Option {
	return func(r *Registry) {
		r.observer = o
	}
}

// New creates a Registry and loads the cache file. A missing or unreadable
// file leaves the cache empty.
func New(log *zap.Logger, store Store, opts ...Option) *Registry {
	r := &Registry{
		logger:      log.Named("imagecache"),
		store:       store,
		fs:          afero.NewOsFs(),
		pullTimeout: defaultPullTimeout,
		entries:     make(map[string]Entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.load()
	return r
}

func (r *Registry) load() {
	if r.path == "" {
		return
	}

	data, err := afero.ReadFile(r.fs, r.path)
	if errors.Is(err, os.ErrNotExist) {
		r.logger.Debug("no image cache file yet", zap.String("path", r.path))
		return
	}
	if err != nil {
		r.logger.Warn("failed to read image cache, starting empty", zap.String("path", r.path), zap.Error(err))
		return
	}

	var file cacheFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		r.logger.Warn("corrupt image cache, starting empty", zap.String("path", r.path), zap.Error(err))
		return
	}

	for _, e := range file.Images {
		if e.Name == "" {
			continue
		}
		r.entries[e.Name] = e
	}
	r.logger.Info("image cache loaded", zap.String("path", r.path), zap.Int("images", len(r.entries)))
}

// HasImageLocally asks the engine whether image is present.
func (r *Registry) HasImageLocally(ctx context.Context, image string) (bool, error) {
	ok, err := r.store.HasImage(ctx, image)
	if err != nil {
		return false, fmt.Errorf("failed to inspect image %s: %w", image, err)
	}
	return ok, nil
}

// Cached reports whether image is recorded in the cache. The engine stays
// authoritative; this is only a record of past verifications.
func (r *Registry) Cached(image string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[image]
	return ok
}

// Entries returns the cache contents sorted by image name.
func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Ensure makes image available locally, pulling it when the engine does not
// have it. The pull outlives a canceled caller so other waiters still get
// the image; ctx only bounds how long this caller waits.
func (r *Registry) Ensure(ctx context.Context, image string) error {
	if image == "" {
		return errors.New("image name is required")
	}
	log := r.logger.With(zap.String(logger.FieldImage, image))

	present, err := r.HasImageLocally(ctx, image)
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("image inspection failed, trying to pull", zap.Error(err))
	case present:
		r.record(image)
		return nil
	case r.Cached(image):
		log.Info("cached image no longer present in engine")
		r.forget(image)
	}

	ch := r.pulls.DoChan(image, func() (any, error) {
		return nil, r.pull(image)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return res.Err
		}
		return nil
	case <-ctx.Done():
		log.Debug("stopped waiting for image pull", zap.Error(ctx.Err()))
		return ctx.Err()
	}
}

func (r *Registry) pull(image string) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.pullTimeout)
	defer cancel()

	log := r.logger.With(zap.String(logger.FieldImage, image))
	log.Info("pulling image")

	started := time.Now()
	err := r.store.PullImage(ctx, image)
	elapsed := time.Since(started)
	if r.observer != nil {
		r.observer.ObservePull(image, err, elapsed)
	}
	if err != nil {
		log.Error("image pull failed", zap.Duration("elapsed", elapsed), zap.Error(err))
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}

	log.Info("image pulled", zap.Duration("elapsed", elapsed))
	r.record(image)
	return nil
}

// record notes image as verified and persists the cache when it changed.
func (r *Registry) record(image string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[image]; ok {
		return
	}
	r.entries[image] = Entry{Name: image, VerifiedAt: time.Now().UTC()}
	r.persistLocked()
}

func (r *Registry) forget(image string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[image]; !ok {
		return
	}
	delete(r.entries, image)
	r.persistLocked()
}

func (r *Registry) snapshotLocked() []Entry {
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// persistLocked rewrites the whole file through a temp file and a rename so
// readers never see a partial document. Failures are logged only.
func (r *Registry) persistLocked() {
	if r.path == "" {
		return
	}

	data, err := yaml.Marshal(cacheFile{Images: r.snapshotLocked()})
	if err != nil {
		r.logger.Error("failed to encode image cache", zap.Error(err))
		return
	}

	if dir := filepath.Dir(r.path); dir != "." {
		if err := r.fs.MkdirAll(dir, 0o755); err != nil {
			r.logger.Error("failed to create image cache directory", zap.String("dir", dir), zap.Error(err))
			return
		}
	}

	tmp := r.path + ".tmp"
	if err := afero.WriteFile(r.fs, tmp, data, 0o644); err != nil {
		r.logger.Error("failed to write image cache", zap.String("path", tmp), zap.Error(err))
		return
	}
	if err := r.fs.Rename(tmp, r.path); err != nil {
		r.logger.Error("failed to replace image cache", zap.String("path", r.path), zap.Error(err))
		_ = r.fs.Remove(tmp)
	}
}
