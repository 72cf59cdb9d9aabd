// Package loader finds, compiles and caches schema documents.
//
// Lifecycle of the cache: it starts empty, is populated lazily on the first
// Load of each (model, context) pair, and is emptied by Invalidate or Clear.
// Cached schemas are never modified; invalidation drops whole entries.
package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/artpar/tablegate/core/errs"
	"github.com/artpar/tablegate/core/fieldtype"
	"github.com/artpar/tablegate/core/schema"
	"github.com/artpar/tablegate/ports"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Config configures a Loader.
type Config struct {
	// Dirs are searched in order; the first document found for a model wins.
	Dirs []string

	// Registry resolves field types. Required.
	Registry *fieldtype.Registry

	// Store is the optional persistent cache tier.
	Store ports.CacheStore

	// TTL applies to Store entries. Zero means no expiry.
	TTL time.Duration

	Metrics ports.Metrics
	Logger  zerolog.Logger
}

// Source is a schema document found on disk.
type Source struct {
	Model  string
	Path   string
	Format schema.Format
}

type cacheKey struct {
	model   string
	context string
}

// generation identifies the cache state a load started from. A load only
// populates the cache if no Invalidate or Clear happened in between.
type generation struct {
	epoch uint64
	model uint64
}

// Loader is the schema loader and two-tier cache. It is safe for concurrent use.
type Loader struct {
	dirs     []string
	registry *fieldtype.Registry
	store    ports.CacheStore
	ttl      time.Duration
	metrics  ports.Metrics
	logger   zerolog.Logger

	mu      sync.RWMutex
	entries map[cacheKey]*schema.Schema
	epoch   uint64
	gens    map[string]uint64

	group singleflight.Group

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// New creates a Loader.
func New(cfg Config) (*Loader, error) {
	if cfg.Registry == nil {
		return nil, errors.New("loader: field type registry is required")
	}
	if len(cfg.Dirs) == 0 {
		return nil, errors.New("loader: at least one schema directory is required")
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Loader{
		dirs:     append([]string(nil), cfg.Dirs...),
		registry: cfg.Registry,
		store:    cfg.Store,
		ttl:      cfg.TTL,
		metrics:  metrics,
		logger:   cfg.Logger,
		entries:  make(map[cacheKey]*schema.Schema),
		gens:     make(map[string]uint64),
	}, nil
}

// Dirs returns the search path.
func (l *Loader) Dirs() []string {
	return append([]string(nil), l.dirs...)
}

// Registry returns the field type registry schemas are compiled against.
func (l *Loader) Registry() *fieldtype.Registry {
	return l.registry
}

// Load returns the compiled schema for model, restricted to the named
// context ("" or "full" for the whole schema). Concurrent misses for the
// same key share one load.
func (l *Loader) Load(ctx context.Context, model, contextName string) (*schema.Schema, error) {
	contextName = normalizeContext(contextName)
	if !schema.ValidContext(contextName) {
		return nil, &errs.InvalidInputError{Field: "context", Reason: fmt.Sprintf("unknown context %q", contextName)}
	}
	if !schema.IsIdentifier(model) {
		return nil, &errs.SchemaNotFoundError{Model: model, Dirs: l.Dirs()}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := cacheKey{model: model, context: contextName}
	if s, ok := l.cached(key); ok {
		l.metrics.SchemaCache(model, "memory", true)
		return s, nil
	}
	l.metrics.SchemaCache(model, "memory", false)

	// The shared load outlives any one caller; each waiter gives up on its
	// own context instead.
	shared := context.WithoutCancel(ctx)
	ch := l.group.DoChan(model+"\x00"+contextName, func() (any, error) {
		// populated while this caller waited for the flight slot
		if s, ok := l.cached(key); ok {
			return s, nil
		}
		gen := l.generation(model)

		var s *schema.Schema
		var err error
		if contextName == "" {
			s, err = l.loadFull(shared, model, gen)
		} else {
			var full *schema.Schema
			full, err = l.Load(shared, model, "")
			if err == nil {
				s, err = schema.View(full, contextName)
			}
		}
		if err != nil {
			return nil, err
		}
		l.put(key, s, gen)
		return s, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*schema.Schema), nil
	}
}

// Document returns the payload for a schema request. With zero or one
// context the schema is returned at the root; with several, a contexts
// map is returned and every per-context entry is cached on its own.
func (l *Loader) Document(ctx context.Context, model string, contexts []string) (schema.Payload, error) {
	switch len(contexts) {
	case 0:
		s, err := l.Load(ctx, model, "")
		return schema.Payload{Single: s}, err
	case 1:
		s, err := l.Load(ctx, model, contexts[0])
		return schema.Payload{Single: s}, err
	}

	full, err := l.Load(ctx, model, "")
	if err != nil {
		return schema.Payload{}, err
	}
	views := make(map[string]*schema.Schema, len(contexts))
	for _, c := range contexts {
		v, err := l.Load(ctx, model, c)
		if err != nil {
			return schema.Payload{}, err
		}
		name := normalizeContext(c)
		if name == "" {
			name = schema.ContextFull
		}
		views[name] = v
	}
	return schema.Payload{Multi: schema.NewDocument(full, views)}, nil
}

// Invalidate drops every cached entry for model from both tiers.
func (l *Loader) Invalidate(ctx context.Context, model string) error {
	l.mu.Lock()
	l.gens[model]++
	dropped := 0
	for k := range l.entries {
		if k.model == model {
			delete(l.entries, k)
			dropped++
		}
	}
	l.mu.Unlock()

	l.logger.Info().Str("model", model).Int("entries", dropped).Msg("schema cache invalidated")

	if l.store != nil {
		if err := l.store.Invalidate(ctx, storeKey(model)); err != nil {
			return fmt.Errorf("invalidate stored schema %q: %w", model, err)
		}
	}
	return nil
}

// Clear empties the cache. Every stored document is dropped from the
// persistent tier, including ones this process never loaded.
func (l *Loader) Clear(ctx context.Context) error {
	l.mu.Lock()
	l.epoch++
	models := make(map[string]bool)
	for k := range l.entries {
		models[k.model] = true
	}
	l.entries = make(map[cacheKey]*schema.Schema)
	l.mu.Unlock()

	l.logger.Info().Int("models", len(models)).Msg("schema cache cleared")

	if l.store == nil {
		return nil
	}
	if err := l.store.InvalidatePrefix(ctx, storeKeyPrefix); err != nil {
		return fmt.Errorf("clear stored schemas: %w", err)
	}
	return nil
}

// Discover lists the schema documents visible through the search path,
// one per model, applying the same precedence as Load.
func (l *Loader) Discover() ([]Source, error) {
	found := make(map[string]Source)
	for _, dir := range l.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read dir %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			model, ok := modelFromPath(e.Name())
			if !ok {
				continue
			}
			if _, seen := found[model]; seen {
				continue
			}
			src, err := l.find(model)
			if err != nil {
				continue
			}
			found[model] = src
		}
	}

	out := make([]Source, 0, len(found))
	for _, src := range found {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out, nil
}

func (l *Loader) cached(key cacheKey) (*schema.Schema, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.entries[key]
	return s, ok
}

func (l *Loader) generation(model string) generation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return generation{epoch: l.epoch, model: l.gens[model]}
}

// put stores s unless the cache was invalidated since gen was taken.
func (l *Loader) put(key cacheKey, s *schema.Schema, gen generation) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != (generation{epoch: l.epoch, model: l.gens[key.model]}) {
		l.logger.Debug().Str("model", key.model).Msg("discarding schema loaded before invalidation")
		return false
	}
	l.entries[key] = s
	return true
}

// storedDoc is the envelope kept in the persistent tier. The raw document is
// stored rather than the compiled schema, since handlers are process-local.
type storedDoc struct {
	Path   string        `json:"path"`
	Format schema.Format `json:"format"`
	Data   []byte        `json:"data"`
}

const storeKeyPrefix = "schema:"

func storeKey(model string) string {
	return storeKeyPrefix + model
}

// stale reports whether model was invalidated or the cache cleared since
// gen was taken.
func (l *Loader) stale(model string, gen generation) bool {
	return l.generation(model) != gen
}

// loadFull reads model from the persistent tier or disk. gen is the cache
// generation observed before reading; the document is only written back to
// the persistent tier while gen is still current.
func (l *Loader) loadFull(ctx context.Context, model string, gen generation) (*schema.Schema, error) {
	if s, ok := l.loadStored(ctx, model); ok {
		return s, nil
	}

	start := time.Now()
	src, err := l.find(model)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(src.Path)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", src.Path, err)
	}
	s, err := l.compile(model, src, data)
	l.metrics.SchemaLoad(model, time.Since(start), err)
	if err != nil {
		return nil, err
	}

	l.logger.Debug().
		Str("model", model).
		Str("path", src.Path).
		Dur("duration", time.Since(start)).
		Msg("schema loaded")

	if l.store != nil {
		l.storeDoc(ctx, model, gen, storedDoc{Path: src.Path, Format: src.Format, Data: data})
	}
	return s, nil
}

// storeDoc writes doc to the persistent tier unless an invalidation raced
// the load. An invalidation landing during Set is caught by the second check
// and the entry written is removed again.
func (l *Loader) storeDoc(ctx context.Context, model string, gen generation, doc storedDoc) {
	if l.stale(model, gen) {
		return
	}
	raw, err := json.Marshal(doc)
	if err == nil {
		err = l.store.Set(ctx, storeKey(model), raw, l.ttl)
	}
	if err != nil {
		l.logger.Warn().Err(err).Str("model", model).Msg("schema cache store write failed")
		return
	}
	if l.stale(model, gen) {
		l.logger.Debug().Str("model", model).Msg("removing stored schema loaded before invalidation")
		if err := l.store.Invalidate(ctx, storeKey(model)); err != nil {
			l.logger.Warn().Err(err).Str("model", model).Msg("schema cache store invalidate failed")
		}
	}
}

// loadStored consults the persistent tier. Store failures fall back to disk.
func (l *Loader) loadStored(ctx context.Context, model string) (*schema.Schema, bool) {
	if l.store == nil {
		return nil, false
	}
	raw, ok, err := l.store.Get(ctx, storeKey(model))
	if err != nil {
		l.logger.Warn().Err(err).Str("model", model).Msg("schema cache store read failed")
		return nil, false
	}
	l.metrics.SchemaCache(model, "store", ok)
	if !ok {
		return nil, false
	}

	var doc storedDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		l.logger.Warn().Err(err).Str("model", model).Msg("discarding unreadable stored schema")
		_ = l.store.Invalidate(ctx, storeKey(model))
		return nil, false
	}
	s, err := l.compile(model, Source{Model: model, Path: doc.Path, Format: doc.Format}, doc.Data)
	if err != nil {
		l.logger.Warn().Err(err).Str("model", model).Msg("discarding stored schema that no longer compiles")
		_ = l.store.Invalidate(ctx, storeKey(model))
		return nil, false
	}
	return s, true
}

func (l *Loader) compile(model string, src Source, data []byte) (*schema.Schema, error) {
	parsed, err := schema.Parse(data, src.Format)
	if err != nil {
		return nil, &errs.SchemaValidationError{Model: model, Problems: []string{fmt.Sprintf("%s: %v", src.Path, err)}}
	}
	if parsed.Model == "" {
		parsed.Model = model
	}
	if parsed.Model != model {
		return nil, &errs.SchemaValidationError{Model: model, Problems: []string{
			fmt.Sprintf("%s declares model %q, expected %q", src.Path, parsed.Model, model),
		}}
	}
	return schema.Compile(parsed, l.registry)
}

// find returns the first document for model along the search path.
func (l *Loader) find(model string) (Source, error) {
	for _, dir := range l.dirs {
		for _, ext := range schema.Extensions {
			path := filepath.Join(dir, model+ext)
			info, err := os.Stat(path)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			format, _ := schema.FormatFromPath(path)
			return Source{Model: model, Path: path, Format: format}, nil
		}
	}
	return Source{}, &errs.SchemaNotFoundError{Model: model, Dirs: l.Dirs()}
}

func modelFromPath(path string) (string, bool) {
	base := filepath.Base(path)
	if _, ok := schema.FormatFromPath(base); !ok {
		return "", false
	}
	model := strings.TrimSuffix(base, filepath.Ext(base))
	return model, schema.IsIdentifier(model)
}

func normalizeContext(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	if c == schema.ContextFull {
		return ""
	}
	return c
}
