package ltm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/seshat-ai/seshat/internal/tokens"
	"github.com/seshat-ai/seshat/pkg/models"
)

// Relevance weights. Keyword presence is a hard filter when keywords are
// given; the weights only rank the survivors.
const (
	weightKeyword    = 0.4
	weightRecency    = 0.2
	weightImportance = 0.2
	weightType       = 0.2

	recencyWindowHours = 24
)

// Query describes a retrieval request.
type Query struct {
	Keywords      []string          `json:"keywords,omitempty"`
	Type          models.MemoryType `json:"type,omitempty"`
	MinImportance float64           `json:"min_importance,omitempty"`
	Limit         int               `json:"limit,omitempty"`
}

// cacheKey hashes the normalized query so equivalent requests share one
// cache slot.
func (q Query) cacheKey() string {
	kws := make([]string, len(q.Keywords))
	for i, k := range q.Keywords {
		kws[i] = strings.ToLower(strings.TrimSpace(k))
	}
	sort.Strings(kws)
	norm := fmt.Sprintf("%s|%s|%.4f|%d", strings.Join(kws, ","), q.Type, q.MinImportance, q.Limit)
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:8])
}

// Scored pairs a memory with its relevance score and the reasons it
// matched.
type Scored struct {
	Memory       *models.Memory `json:"memory"`
	Score        float64        `json:"score"`
	MatchReasons []string       `json:"match_reasons,omitempty"`
}

// EnrichOptions tunes EnrichContext output.
type EnrichOptions struct {
	MaxTokens int    `json:"max_tokens,omitempty"`
	GroupBy   string `json:"group_by,omitempty"` // "type" or "recency"
}

// Enriched is the context block assembled from retrieved memories.
type Enriched struct {
	Memories      []Scored            `json:"memories"`
	Groups        map[string][]Scored `json:"groups,omitempty"`
	Summary       string              `json:"summary"`
	Count         int                 `json:"count"`
	LastRetrieved time.Time           `json:"last_retrieved"`
}

// Retrieval ranks long-term memories for a query. Results are cached per
// session for a short window; any mutation of a session's memories drops
// that session's entries (wire via Store.SetInvalidator).
type Retrieval struct {
	cache      Cache
	now        func() time.Time
	onCacheHit func(sessionID string)
}

// NewRetrieval creates the engine. A nil cache means the in-process TTL
// cache with the 5-minute default.
func NewRetrieval(cache Cache) *Retrieval {
	if cache == nil {
		cache = NewMemoryCache(DefaultCacheTTL)
	}
	return &Retrieval{cache: cache, now: time.Now}
}

// Invalidate drops every cached result for the session.
func (r *Retrieval) Invalidate(sessionID string) {
	r.cache.Invalidate(sessionID)
}

// SetCacheHitHook registers a callback fired whenever a search is served
// from cache. The session manager uses it to count cache hits.
func (r *Retrieval) SetCacheHitHook(fn func(sessionID string)) {
	r.onCacheHit = fn
}

// Search returns the session's memories relevant to the query, ranked by
// descending score. When keywords are present, only memories containing
// at least one keyword are returned.
func (r *Retrieval) Search(ctx context.Context, h *Handle, q Query) ([]Scored, error) {
	key := q.cacheKey()
	if cached, ok := r.cache.Get(h.SessionID(), key); ok {
		if r.onCacheHit != nil {
			r.onCacheHit(h.SessionID())
		}
		return cached, nil
	}

	memories, err := h.Query(ctx, Filter{Type: q.Type, MinImportance: q.MinImportance})
	if err != nil {
		return nil, err
	}

	now := r.now()
	results := make([]Scored, 0, len(memories))
	for _, m := range memories {
		score, kwHits, reasons := r.relevance(m, q, now)
		if len(q.Keywords) > 0 && kwHits == 0 {
			continue
		}
		results = append(results, Scored{Memory: m, Score: score, MatchReasons: reasons})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}

	r.cache.Set(h.SessionID(), key, results)
	return results, nil
}

// CalculateRelevance scores one memory against a query.
func (r *Retrieval) CalculateRelevance(m *models.Memory, q Query) float64 {
	score, _, _ := r.relevance(m, q, r.now())
	return score
}

func (r *Retrieval) relevance(m *models.Memory, q Query, now time.Time) (float64, int, []string) {
	var reasons []string

	// Keyword score: fraction of query keywords found anywhere in the
	// serialized payload, case-insensitive.
	keywordScore := 0.0
	hits := 0
	if len(q.Keywords) > 0 {
		corpus := models.FlattenData(m.Data)
		for _, kw := range q.Keywords {
			needle := strings.ToLower(strings.TrimSpace(kw))
			if needle == "" {
				continue
			}
			if strings.Contains(corpus, needle) {
				hits++
				reasons = append(reasons, "keyword:"+needle)
			}
		}
		keywordScore = float64(hits) / float64(len(q.Keywords))
	}

	// Recency: squared decay over a 24-hour window.
	ageHours := now.Sub(m.CreatedAt).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	linear := 1 - ageHours/recencyWindowHours
	if linear < 0 {
		linear = 0
	}
	recencyScore := linear * linear
	if recencyScore > 0.5 {
		reasons = append(reasons, "recent")
	}

	// Type: exact match 1.0, no filter 0.5, mismatch 0.
	typeScore := 0.5
	if q.Type != "" {
		if m.Type == q.Type {
			typeScore = 1.0
			reasons = append(reasons, "type_match")
		} else {
			typeScore = 0.0
		}
	}

	score := keywordScore*weightKeyword +
		recencyScore*weightRecency +
		m.Importance*weightImportance +
		typeScore*weightType
	return score, hits, reasons
}

// EnrichContext searches and assembles a context block: greedy inclusion
// by descending score until the token budget is exhausted, optionally
// grouped by type or recency bucket.
func (r *Retrieval) EnrichContext(ctx context.Context, h *Handle, q Query, opts EnrichOptions) (*Enriched, error) {
	results, err := r.Search(ctx, h, q)
	if err != nil {
		return nil, err
	}
	candidates := len(results)

	if opts.MaxTokens > 0 {
		budget := opts.MaxTokens
		kept := make([]Scored, 0, len(results))
		for _, res := range results {
			cost := tokens.EstimateTokens(models.FlattenData(res.Memory.Data))
			if cost > budget {
				continue
			}
			budget -= cost
			kept = append(kept, res)
		}
		results = kept
	}

	out := &Enriched{
		Memories:      results,
		Count:         len(results),
		Summary:       fmt.Sprintf("retrieved %d of %d candidate memories", len(results), candidates),
		LastRetrieved: r.now(),
	}

	switch opts.GroupBy {
	case "type":
		out.Groups = make(map[string][]Scored)
		for _, res := range results {
			key := string(res.Memory.Type)
			out.Groups[key] = append(out.Groups[key], res)
		}
	case "recency":
		out.Groups = make(map[string][]Scored)
		now := r.now()
		for _, res := range results {
			key := recencyBucket(now.Sub(res.Memory.CreatedAt))
			out.Groups[key] = append(out.Groups[key], res)
		}
	}
	return out, nil
}

func recencyBucket(age time.Duration) string {
	switch {
	case age < time.Hour:
		return "last_hour"
	case age < 24*time.Hour:
		return "last_day"
	default:
		return "older"
	}
}
