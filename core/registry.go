package core

import (
	"context"
	"errors"
	"sync"

	"github.com/shrek82/jormpool/config"
)

// Registry shares Database instances between callers that use the same
// connection parameters or the same configuration file, and caches schemas
// loaded for them. Entries are only ever added; a value already present wins.
type Registry struct {
	mu       sync.Mutex
	byConfig map[uint64]*Database
	bySource map[uint64]*Database
	schemas  map[string]any
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byConfig: make(map[uint64]*Database),
		bySource: make(map[uint64]*Database),
		schemas:  make(map[string]any),
	}
}

// Open returns the Database registered for cfg's connection parameters,
// opening and registering one if there is none.
func (r *Registry) Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Database, error) {
	key := cfg.Hash()
	r.mu.Lock()
	d, ok := r.byConfig[key]
	r.mu.Unlock()
	if ok && !d.Closed() {
		return d, nil
	}
	d, err := Open(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	return r.put(key, 0, d), nil
}

// OpenFile loads a configuration file and returns the Database registered for
// its content or its connection parameters, opening one if needed.
func (r *Registry) OpenFile(ctx context.Context, path string, opts ...Option) (*Database, error) {
	cfg, source, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	d, ok := r.bySource[source]
	if !ok || d.Closed() {
		d, ok = r.byConfig[cfg.Hash()]
	}
	r.mu.Unlock()
	if ok && !d.Closed() {
		r.mu.Lock()
		r.bySource[source] = d
		r.mu.Unlock()
		return d, nil
	}
	d, err = Open(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	return r.put(cfg.Hash(), source, d), nil
}

// put registers d unless another live Database got registered for key while d
// was opening, in which case d is closed and the registered one returned.
func (r *Registry) put(key, source uint64, d *Database) *Database {
	r.mu.Lock()
	existing, ok := r.byConfig[key]
	if ok && !existing.Closed() {
		if source != 0 {
			r.bySource[source] = existing
		}
		r.mu.Unlock()
		_ = d.Close()
		return existing
	}
	r.byConfig[key] = d
	if source != 0 {
		r.bySource[source] = d
	}
	r.mu.Unlock()
	return d
}

// Schema returns the schema cached under key, loading and caching it first if
// needed. A failed load caches nothing.
func (r *Registry) Schema(key string, load func() (any, error)) (any, error) {
	r.mu.Lock()
	s, ok := r.schemas[key]
	r.mu.Unlock()
	if ok {
		return s, nil
	}
	s, err := load()
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.schemas[key]; ok {
		return existing, nil
	}
	r.schemas[key] = s
	return s, nil
}

// Len returns the number of distinct registered databases.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byConfig)
}

// Close closes every registered Database and empties the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	dbs := r.byConfig
	r.byConfig = make(map[uint64]*Database)
	r.bySource = make(map[uint64]*Database)
	r.schemas = make(map[string]any)
	r.mu.Unlock()
	var errs []error
	for _, d := range dbs {
		if err := d.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
