// Package cache stores model responses keyed by normalized query text and
// serves near-duplicate queries from the same entries.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/afterlight/chatguard/internal/config"
	"github.com/afterlight/chatguard/internal/models"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

const (
	satisfactionWeight  = 0.3
	satisfactionFloor   = 0.3
	initialSatisfaction = 1.0
)

// Responses containing any of these are never cached
var failureKeywords = []string{
	"error", "failed", "failure", "exception", "unable to", "try again later",
	"something went wrong", "i can't help", "i cannot help",
}

// CachedResponse is one cache entry
type CachedResponse struct {
	Hash         string            `json:"hash"`
	Query        string            `json:"query"`
	Response     string            `json:"response"`
	Model        string            `json:"model"`
	Tokens       models.TokenUsage `json:"tokens"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
	Hits         int               `json:"hits"`
	Satisfaction float64           `json:"satisfaction"`
	// Similarity is 1 for exact hits
	Similarity float64 `json:"similarity"`
}

// Stats reports cache effectiveness
type Stats struct {
	Entries int     `json:"entries"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Service defines cache operations
type Service interface {
	Get(query, model string, allowSimilar bool) (*CachedResponse, bool)
	Set(query, response, model string, tokens models.TokenUsage, ttl time.Duration)
	UpdateSatisfaction(query string, score float64, model string) bool
	ShouldCache(response string, tokens models.TokenUsage) bool
	Stats() Stats
	Clear()
}

// Cache implements the response cache on go-cache. go-cache's janitor
// removes expired entries; expiry is also checked on every access.
type Cache struct {
	enabled bool
	cfg     config.CacheConfig
	store   *cache.Cache
	logger  *logrus.Logger
	now     func() time.Time

	mu     sync.Mutex
	hits   int64
	misses int64
}

// NewCache creates a new cache service
func NewCache(cfg config.CacheConfig, logger *logrus.Logger) *Cache {
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = time.Hour
	}

	return &Cache{
		enabled: cfg.Enabled,
		cfg:     cfg,
		store:   cache.New(cfg.TTL, sweep),
		logger:  logger,
		now:     time.Now,
	}
}

// Get looks the query up by exact key first, then by word-set similarity.
// The returned entry is a copy.
func (c *Cache) Get(query, model string, allowSimilar bool) (*CachedResponse, bool) {
	if !c.enabled {
		return nil, false
	}

	normalized := Normalize(query)
	key := Key(normalized, model)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.live(key, now); ok {
		entry.Hits++
		c.hits++
		out := *entry
		out.Similarity = 1
		return &out, true
	}

	if allowSimilar && normalized != "" {
		if entry, score := c.mostSimilar(normalized, model, now); entry != nil {
			entry.Hits++
			c.hits++
			c.logger.WithFields(logrus.Fields{
				"model":      model,
				"similarity": score,
			}).Debug("Similar cache hit")
			out := *entry
			out.Similarity = score
			return &out, true
		}
	}

	c.misses++
	return nil, false
}

// Set stores a response. A zero ttl uses the configured default.
func (c *Cache) Set(query, response, model string, tokens models.TokenUsage, ttl time.Duration) {
	if !c.enabled {
		return
	}
	if ttl <= 0 {
		ttl = c.cfg.TTL
	}

	normalized := Normalize(query)
	key := Key(normalized, model)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.live(key, now); !exists && c.store.ItemCount() >= c.cfg.MaxEntries {
		c.evict(now)
	}

	c.store.Set(key, &CachedResponse{
		Hash:         key,
		Query:        normalized,
		Response:     response,
		Model:        model,
		Tokens:       tokens,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		Satisfaction: initialSatisfaction,
	}, ttl)

	c.logger.WithFields(logrus.Fields{
		"model":  model,
		"tokens": tokens.Total(),
	}).Debug("Response cached")
}

// UpdateSatisfaction folds a feedback score in [0,1] into the entry's
// moving average and evicts the entry when it falls below the floor.
// It reports whether an entry was found.
func (c *Cache) UpdateSatisfaction(query string, score float64, model string) bool {
	if !c.enabled {
		return false
	}
	if score < 0 {
		score = 0
	} else if score > 1 {
		score = 1
	}

	key := Key(Normalize(query), model)

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.live(key, c.now())
	if !ok {
		return false
	}

	entry.Satisfaction = (1-satisfactionWeight)*entry.Satisfaction + satisfactionWeight*score
	if entry.Satisfaction < satisfactionFloor {
		c.store.Delete(key)
		c.logger.WithFields(logrus.Fields{
			"model":        model,
			"satisfaction": entry.Satisfaction,
		}).Info("Evicted poorly rated cache entry")
	}
	return true
}

// ShouldCache refuses short responses, failure-looking responses and
// requests too expensive to be worth keeping
func (c *Cache) ShouldCache(response string, tokens models.TokenUsage) bool {
	if utf8.RuneCountInString(strings.TrimSpace(response)) < c.cfg.MinResponseLength {
		return false
	}
	if c.cfg.MaxCacheableTokens > 0 && tokens.Total() > c.cfg.MaxCacheableTokens {
		return false
	}
	lower := strings.ToLower(response)
	for _, kw := range failureKeywords {
		if strings.Contains(lower, kw) {
			return false
		}
	}
	return true
}

// Stats returns hit/miss counters and the live entry count
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{Entries: c.store.ItemCount(), Hits: c.hits, Misses: c.misses}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// Clear removes all cached entries and resets the counters
func (c *Cache) Clear() {
	c.mu.Lock()
	c.store.Flush()
	c.hits = 0
	c.misses = 0
	c.mu.Unlock()

	c.logger.Info("Cache cleared")
}

// live returns the entry under key unless it has expired, in which case it
// is removed. Caller holds c.mu.
func (c *Cache) live(key string, now time.Time) (*CachedResponse, bool) {
	val, found := c.store.Get(key)
	if !found {
		return nil, false
	}
	entry := val.(*CachedResponse)
	if !now.Before(entry.ExpiresAt) {
		c.store.Delete(key)
		return nil, false
	}
	return entry, true
}

// mostSimilar scans live entries for the best Jaccard match at or above the
// threshold. Caller holds c.mu.
func (c *Cache) mostSimilar(normalized, model string, now time.Time) (*CachedResponse, float64) {
	words := wordSet(normalized)

	var best *CachedResponse
	var bestScore float64
	for key, item := range c.store.Items() {
		entry := item.Object.(*CachedResponse)
		if !now.Before(entry.ExpiresAt) {
			c.store.Delete(key)
			continue
		}
		if model != "" && entry.Model != model {
			continue
		}
		score := jaccard(words, wordSet(entry.Query))
		if score >= c.cfg.SimilarityThreshold && score > bestScore {
			best, bestScore = entry, score
		}
	}
	return best, bestScore
}

// evict drops expired entries, then the least-hit entry (oldest on ties)
// if the cache is still full. Caller holds c.mu.
func (c *Cache) evict(now time.Time) {
	var victim string
	var victimEntry *CachedResponse

	for key, item := range c.store.Items() {
		entry := item.Object.(*CachedResponse)
		if !now.Before(entry.ExpiresAt) {
			c.store.Delete(key)
			continue
		}
		if victimEntry == nil ||
			entry.Hits < victimEntry.Hits ||
			(entry.Hits == victimEntry.Hits && entry.CreatedAt.Before(victimEntry.CreatedAt)) {
			victim, victimEntry = key, entry
		}
	}

	if c.store.ItemCount() < c.cfg.MaxEntries || victimEntry == nil {
		return
	}
	c.store.Delete(victim)
	c.logger.WithFields(logrus.Fields{
		"model": victimEntry.Model,
		"hits":  victimEntry.Hits,
	}).Debug("Evicted cache entry")
}

// Normalize lower-cases the query, strips punctuation and collapses whitespace
func Normalize(query string) string {
	stripped := strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, query)
	return strings.Join(strings.Fields(stripped), " ")
}

// Key hashes a normalized query, with the model appended when given
func Key(normalized, model string) string {
	data := normalized
	if model != "" {
		data = normalized + ":" + model
	}
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

func wordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(s) {
		set[w] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
