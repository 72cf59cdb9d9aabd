package loader

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/artpar/tablegate/core/errs"
	"github.com/artpar/tablegate/core/fieldtype"
	"github.com/artpar/tablegate/core/schema"
	"github.com/rs/zerolog"
)

const productsDoc = `{
  "model": "products",
  "fields": {
    "id":    {"type": "integer"},
    "name":  {"type": "string", "sortable": true, "listable": true},
    "price": {"type": "currency", "listable": true},
    "notes": {"type": "text"}
  },
  "permissions": {"read": "uri_products"}
}`

type countingMetrics struct {
	loads  atomic.Int64
	hits   atomic.Int64
	stored atomic.Int64
}

func (m *countingMetrics) SchemaCache(_, tier string, hit bool) {
	if hit && tier == "memory" {
		m.hits.Add(1)
	}
	if hit && tier == "store" {
		m.stored.Add(1)
	}
}

func (m *countingMetrics) SchemaLoad(string, time.Duration, error) { m.loads.Add(1) }

func (m *countingMetrics) Operation(string, string, time.Duration, error) {}

type mapStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMapStore() *mapStore { return &mapStore{data: make(map[string][]byte)} }

func (s *mapStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *mapStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *mapStore) Invalidate(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *mapStore) InvalidatePrefix(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			delete(s.data, k)
		}
	}
	return nil
}

func writeDoc(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newLoader(t *testing.T, cfg Config) *Loader {
	t.Helper()
	if cfg.Registry == nil {
		cfg.Registry = fieldtype.Builtin(fieldtype.Deps{})
	}
	cfg.Logger = zerolog.Nop()
	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{Dirs: []string{"x"}}); err == nil {
		t.Error("New without registry should fail")
	}
	if _, err := New(Config{Registry: fieldtype.NewRegistry()}); err == nil {
		t.Error("New without dirs should fail")
	}
}

func TestLoad_NotFound(t *testing.T) {
	l := newLoader(t, Config{Dirs: []string{t.TempDir()}})

	for _, model := range []string{"missing", "../etc/passwd", ""} {
		_, err := l.Load(context.Background(), model, "")
		var nf *errs.SchemaNotFoundError
		if !errors.As(err, &nf) {
			t.Errorf("Load(%q) error = %v, want SchemaNotFoundError", model, err)
		}
	}
}

func TestLoad_FirstMatchWins(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()
	writeDoc(t, first, "products.yaml", "model: products\ntitle: first\nfields:\n  name: {type: string}\n")
	writeDoc(t, second, "products.json", `{"model": "products", "title": "second", "fields": {"name": {"type": "string"}}}`)
	// json is preferred over yaml within one directory
	writeDoc(t, second, "orders.yaml", "model: orders\ntitle: yaml\nfields:\n  n: {type: string}\n")
	writeDoc(t, second, "orders.json", `{"model": "orders", "title": "json", "fields": {"n": {"type": "string"}}}`)

	l := newLoader(t, Config{Dirs: []string{first, second}})

	s, err := l.Load(context.Background(), "products", "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Title != "first" {
		t.Errorf("Title = %q, want first", s.Title)
	}

	o, err := l.Load(context.Background(), "orders", "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if o.Title != "json" {
		t.Errorf("Title = %q, want json", o.Title)
	}
}

func TestLoad_InvalidSchema(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "bad.json", `{"model": "bad", "fields": {"x": {"type": "blob"}}}`)
	writeDoc(t, dir, "broken.json", `{"model": `)
	writeDoc(t, dir, "other.json", `{"model": "products", "fields": {"x": {"type": "string"}}}`)

	l := newLoader(t, Config{Dirs: []string{dir}})
	for _, model := range []string{"bad", "broken", "other"} {
		_, err := l.Load(context.Background(), model, "")
		var verr *errs.SchemaValidationError
		if !errors.As(err, &verr) {
			t.Errorf("Load(%q) error = %v, want SchemaValidationError", model, err)
		}
	}
}

func TestLoad_CachesAndInvalidates(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "products.json", productsDoc)
	metrics := &countingMetrics{}
	l := newLoader(t, Config{Dirs: []string{dir}, Metrics: metrics})
	ctx := context.Background()

	a, err := l.Load(ctx, "products", "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	b, _ := l.Load(ctx, "products", schema.ContextFull)
	if a != b {
		t.Error("second Load should return the cached schema")
	}
	if metrics.loads.Load() != 1 || metrics.hits.Load() != 1 {
		t.Errorf("loads=%d hits=%d, want 1/1", metrics.loads.Load(), metrics.hits.Load())
	}

	writeDoc(t, dir, "products.json", `{"model": "products", "title": "changed", "fields": {"name": {"type": "string"}}}`)
	if s, _ := l.Load(ctx, "products", ""); s.Title != "" {
		t.Error("cache should still serve the old schema before invalidation")
	}

	if err := l.Invalidate(ctx, "products"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	c, err := l.Load(ctx, "products", "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Title != "changed" {
		t.Errorf("Title = %q after invalidation, want changed", c.Title)
	}

	if err := l.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if _, ok := l.cached(cacheKey{model: "products"}); ok {
		t.Error("Clear should empty the cache")
	}
}

func TestLoad_ConcurrentMissesLoadOnce(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "products.json", productsDoc)
	metrics := &countingMetrics{}
	l := newLoader(t, Config{Dirs: []string{dir}, Metrics: metrics})

	const n = 64
	var wg sync.WaitGroup
	start := make(chan struct{})
	results := make([]*schema.Schema, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			s, err := l.Load(context.Background(), "products", "list")
			if err != nil {
				t.Errorf("Load failed: %v", err)
				return
			}
			results[i] = s
		}(i)
	}
	close(start)
	wg.Wait()

	if got := metrics.loads.Load(); got != 1 {
		t.Errorf("document parsed %d times, want 1", got)
	}
	for i := 1; i < n; i++ {
		if results[i] != results[0] {
			t.Fatal("concurrent loads returned different schema values")
		}
	}
}

func TestLoad_Contexts(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "products.json", productsDoc)
	l := newLoader(t, Config{Dirs: []string{dir}})
	ctx := context.Background()

	list, err := l.Load(ctx, "products", "list")
	if err != nil {
		t.Fatalf("Load(list) failed: %v", err)
	}
	if list.Fields.Has("notes") || !list.Fields.Has("price") {
		t.Errorf("list fields = %v", list.Fields.Names())
	}

	if _, err := l.Load(ctx, "products", "sideways"); err == nil {
		t.Error("unknown context should fail")
	}
}

func TestDocument(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "products.json", productsDoc)
	l := newLoader(t, Config{Dirs: []string{dir}})
	ctx := context.Background()

	single, err := l.Document(ctx, "products", []string{"list"})
	if err != nil {
		t.Fatalf("Document failed: %v", err)
	}
	if single.Single == nil || single.Multi != nil {
		t.Fatal("one context should produce a single payload")
	}

	multi, err := l.Document(ctx, "products", []string{"list", "form"})
	if err != nil {
		t.Fatalf("Document failed: %v", err)
	}
	if multi.Multi == nil || len(multi.Multi.Contexts) != 2 {
		t.Fatalf("multi payload = %+v", multi)
	}
	for _, c := range []string{"list", "form"} {
		if _, ok := l.cached(cacheKey{model: "products", context: c}); !ok {
			t.Errorf("context %q should be cached individually", c)
		}
	}

	data, err := json.Marshal(multi)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var root map[string]json.RawMessage
	if err := json.Unmarshal(data, &root); err != nil {
		t.Fatal(err)
	}
	if _, ok := root["contexts"]; !ok {
		t.Errorf("payload missing contexts: %s", data)
	}
}

func TestLoad_StaleLoadIsDiscarded(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "products.json", productsDoc)
	l := newLoader(t, Config{Dirs: []string{dir}})
	ctx := context.Background()

	gen := l.generation("products")
	s, err := l.loadFull(ctx, "products", gen)
	if err != nil {
		t.Fatalf("loadFull failed: %v", err)
	}
	if err := l.Invalidate(ctx, "products"); err != nil {
		t.Fatal(err)
	}
	if l.put(cacheKey{model: "products"}, s, gen) {
		t.Error("a load started before invalidation must not populate the cache")
	}
	if !l.put(cacheKey{model: "products"}, s, l.generation("products")) {
		t.Error("a current load should populate the cache")
	}
}

func TestLoad_PersistentStore(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, "products.json", productsDoc)
	store := newMapStore()
	ctx := context.Background()

	first := newLoader(t, Config{Dirs: []string{dir}, Store: store, TTL: time.Minute})
	if _, err := first.Load(ctx, "products", ""); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "schema:products"); !ok {
		t.Fatal("document should be written to the store")
	}

	// a second process finds the document in the store even without the file
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	metrics := &countingMetrics{}
	second := newLoader(t, Config{Dirs: []string{dir}, Store: store, Metrics: metrics})
	s, err := second.Load(ctx, "products", "")
	if err != nil {
		t.Fatalf("Load from store failed: %v", err)
	}
	if s.Model != "products" || metrics.stored.Load() != 1 {
		t.Errorf("model=%q store hits=%d", s.Model, metrics.stored.Load())
	}

	if err := second.Invalidate(ctx, "products"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := store.Get(ctx, "schema:products"); ok {
		t.Error("Invalidate should remove the stored document")
	}
	var nf *errs.SchemaNotFoundError
	if _, err := second.Load(ctx, "products", ""); !errors.As(err, &nf) {
		t.Errorf("Load after invalidation error = %v, want SchemaNotFoundError", err)
	}
}

// gatedStore blocks the first Set (or Get) until released, so a test can
// interleave an invalidation with an in-flight load.
type gatedStore struct {
	*mapStore
	gateSet bool
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedStore(gateSet bool) *gatedStore {
	return &gatedStore{
		mapStore: newMapStore(),
		gateSet:  gateSet,
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
}

func (s *gatedStore) wait() {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
}

func (s *gatedStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if !s.gateSet {
		s.wait()
	}
	return s.mapStore.Get(ctx, key)
}

func (s *gatedStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s.gateSet {
		s.wait()
	}
	return s.mapStore.Set(ctx, key, value, ttl)
}

func TestLoad_StaleStoreWriteIsRemoved(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, "products.json", productsDoc)
	store := newGatedStore(true)
	l := newLoader(t, Config{Dirs: []string{dir}, Store: store})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := l.Load(ctx, "products", "")
		done <- err
	}()

	<-store.entered
	changed := strings.Replace(productsDoc, `"read": "uri_products"`, `"read": "view_products"`, 1)
	if err := os.WriteFile(path, []byte(changed), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := l.Invalidate(ctx, "products"); err != nil {
		t.Fatal(err)
	}
	close(store.release)
	if err := <-done; err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if _, ok, _ := store.Get(ctx, "schema:products"); ok {
		t.Error("a document read before invalidation must not stay in the store")
	}
	s, err := l.Load(ctx, "products", "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := s.Permissions["read"]; got != "view_products" {
		t.Errorf("read permission after invalidation = %q, want view_products", got)
	}
}

func TestClear_DropsEveryStoredDocument(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, "products.json", productsDoc)
	store := newMapStore()
	store.data["other:key"] = []byte("kept")
	ctx := context.Background()

	first := newLoader(t, Config{Dirs: []string{dir}, Store: store})
	if _, err := first.Load(ctx, "products", ""); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	changed := strings.Replace(productsDoc, `"read": "uri_products"`, `"read": "view_products"`, 1)
	if err := os.WriteFile(path, []byte(changed), 0o644); err != nil {
		t.Fatal(err)
	}

	// a fresh process has nothing in memory but shares the store
	second := newLoader(t, Config{Dirs: []string{dir}, Store: store})
	if err := second.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	s, err := second.Load(ctx, "products", "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := s.Permissions["read"]; got != "view_products" {
		t.Errorf("read permission after Clear = %q, want view_products", got)
	}
	if _, ok, _ := store.Get(ctx, "other:key"); !ok {
		t.Error("Clear must only drop schema entries")
	}
}

func TestLoad_CancelledWaiterLeavesOthers(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "products.json", productsDoc)
	store := newGatedStore(false)
	l := newLoader(t, Config{Dirs: []string{dir}, Store: store})

	cancelled, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := l.Load(cancelled, "products", "list")
		first <- err
	}()
	<-store.entered

	second := make(chan error, 1)
	go func() {
		_, err := l.Load(context.Background(), "products", "list")
		second <- err
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled caller error = %v, want context.Canceled", err)
	}
	close(store.release)
	if err := <-second; err != nil {
		t.Errorf("waiting caller failed: %v", err)
	}
	if _, ok := l.cached(cacheKey{model: "products", context: "list"}); !ok {
		t.Error("the shared load should still populate the cache")
	}
}

func TestDiscover(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()
	writeDoc(t, first, "products.yml", "model: products\nfields:\n  n: {type: string}\n")
	writeDoc(t, second, "products.json", productsDoc)
	writeDoc(t, second, "orders.json", `{"model": "orders", "fields": {"n": {"type": "string"}}}`)
	writeDoc(t, second, "README.md", "ignored")

	l := newLoader(t, Config{Dirs: []string{first, second, filepath.Join(first, "missing")}})
	sources, err := l.Discover()
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(sources) != 2 {
		t.Fatalf("Discover = %+v, want 2 sources", sources)
	}
	if sources[0].Model != "orders" || sources[1].Model != "products" {
		t.Errorf("models = %s, %s", sources[0].Model, sources[1].Model)
	}
	if sources[1].Format != schema.FormatYAML {
		t.Errorf("products should come from the first directory, got %s", sources[1].Path)
	}
}

func TestWatch_InvalidatesOnChange(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "products.json", productsDoc)
	l := newLoader(t, Config{Dirs: []string{dir}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := l.Load(ctx, "products", ""); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := l.Watch(ctx); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if err := l.Watch(ctx); err == nil {
		t.Error("second Watch should fail")
	}

	writeDoc(t, dir, "products.json", `{"model": "products", "title": "edited", "fields": {"n": {"type": "string"}}}`)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := l.cached(cacheKey{model: "products"}); !ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("watcher did not invalidate the changed model")
}
