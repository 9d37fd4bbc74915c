package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks cache effectiveness and provider latency.
type Metrics struct {
	Hits      prometheus.Counter
	Misses    prometheus.Counter
	Latency   prometheus.Histogram
	CacheSize prometheus.Gauge
}

// NewMetrics registers embedding metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "redress_embedding_cache_hits_total",
			Help: "Embedding cache hits.",
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "redress_embedding_cache_misses_total",
			Help: "Embedding cache misses.",
		}),
		Latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "redress_embedding_provider_latency_seconds",
			Help:    "Latency of embedding provider calls.",
			Buckets: prometheus.DefBuckets,
		}),
		CacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "redress_embedding_cache_entries",
			Help: "Entries currently held in the in-memory embedding cache.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Hits, m.Misses, m.Latency, m.CacheSize)
	}
	return m
}

// CachedProvider wraps a Provider with an LRU cache and optional disk
// persistence. Safe for concurrent use.
type CachedProvider struct {
	provider Provider
	cache    *lru.Cache[string, []float32]
	diskDir  string // empty disables disk persistence
	metrics  *Metrics
	log      *slog.Logger

	mu sync.Mutex // serializes disk writes
}

// NewCachedProvider wraps provider with a cache of maxSize entries.
// diskDir enables disk persistence when non-empty; metrics may be nil.
func NewCachedProvider(provider Provider, maxSize int, diskDir string, metrics *Metrics) (*CachedProvider, error) {
	if maxSize <= 0 {
		maxSize = 1000
	}
	cache, err := lru.New[string, []float32](maxSize)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	if diskDir != "" {
		if err := os.MkdirAll(diskDir, 0o755); err != nil {
			return nil, fmt.Errorf("create embedding disk cache dir: %w", err)
		}
	}
	return &CachedProvider{
		provider: provider,
		cache:    cache,
		diskDir:  diskDir,
		metrics:  metrics,
		log:      slog.Default().With("component", "embedding-cache"),
	}, nil
}

// Embed returns the cached vector or calls through to the provider.
func (c *CachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text)

	if vec, ok := c.cache.Get(key); ok {
		c.hit()
		return vec, nil
	}
	if vec, ok := c.loadDisk(key); ok {
		c.cache.Add(key, vec)
		c.hit()
		return vec, nil
	}
	c.miss()

	start := time.Now()
	vec, err := c.provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.Latency.Observe(time.Since(start).Seconds())
	}

	c.cache.Add(key, vec)
	c.storeDisk(key, vec)
	if c.metrics != nil {
		c.metrics.CacheSize.Set(float64(c.cache.Len()))
	}
	return vec, nil
}

// EmbedBatch embeds each text, reusing the cache per item.
func (c *CachedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := c.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimension returns the wrapped provider's dimension.
func (c *CachedProvider) Dimension() int { return c.provider.Dimension() }

// ProviderName returns the wrapped provider's name.
func (c *CachedProvider) ProviderName() string { return c.provider.ProviderName() }

// ModelName returns the wrapped provider's model.
func (c *CachedProvider) ModelName() string { return c.provider.ModelName() }

func (c *CachedProvider) hit() {
	if c.metrics != nil {
		c.metrics.Hits.Inc()
	}
}

func (c *CachedProvider) miss() {
	if c.metrics != nil {
		c.metrics.Misses.Inc()
	}
}

func (c *CachedProvider) loadDisk(key string) ([]float32, bool) {
	if c.diskDir == "" {
		return nil, false
	}
	data, err := os.ReadFile(filepath.Join(c.diskDir, key+".json"))
	if err != nil {
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		c.log.Warn("Corrupt disk cache entry, ignoring", "key", key, "error", err)
		return nil, false
	}
	return vec, true
}

func (c *CachedProvider) storeDisk(key string, vec []float32) {
	if c.diskDir == "" {
		return
	}
	data, err := json.Marshal(vec)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.WriteFile(filepath.Join(c.diskDir, key+".json"), data, 0o644); err != nil {
		c.log.Warn("Failed to write disk cache entry", "key", key, "error", err)
	}
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
