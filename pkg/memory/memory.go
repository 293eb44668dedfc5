// Package memory provides long-lived, cross-session memory with
// keyword and tag retrieval. The default scoring path is token-set
// overlap (intersection over union of normalized word sets) with a
// bounded tag bonus; an optional vector path scores by cosine
// similarity when an Embedder is configured.
package memory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is a stored piece of long-term memory.
type Entry struct {
	ID        string         `json:"id"`
	Type      string         `json:"type,omitempty"`
	Content   string         `json:"content"`
	Tags      []string       `json:"tags,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	Embedding []float64      `json:"-"`
}

// Scored pairs an entry with its retrieval score in [0, 1].
type Scored struct {
	Entry Entry
	Score float64
}

// Config holds store configuration.
type Config struct {
	// MaxEntries caps the store; oldest entries are evicted past it.
	MaxEntries int
	// TagBonusWeight is the per-query-token tag-overlap bonus. The
	// combined score never exceeds 1.0.
	TagBonusWeight float64
}

// Embedder produces a vector for a text, enabling the higher-cost
// vector-similarity retrieval path.
type Embedder interface {
	Embed(text string) ([]float64, error)
}

// Store is a concurrent long-term memory store.
type Store struct {
	config   Config
	embedder Embedder
	mu       sync.RWMutex
	entries  map[string]Entry
	order    []string // insertion order, for eviction
}

// NewStore creates a memory store.
func NewStore(cfg Config) *Store {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	if cfg.TagBonusWeight <= 0 {
		cfg.TagBonusWeight = 0.25
	}
	return &Store{
		config:  cfg,
		entries: make(map[string]Entry),
	}
}

// SetEmbedder enables the vector retrieval path.
func (s *Store) SetEmbedder(e Embedder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embedder = e
}

// Put stores an entry, assigning id and creation time when missing.
func (s *Store) Put(entry Entry) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if s.embedder != nil && entry.Embedding == nil {
		if vec, err := s.embedder.Embed(entry.Content); err == nil {
			entry.Embedding = vec
		}
	}

	if _, exists := s.entries[entry.ID]; !exists {
		s.order = append(s.order, entry.ID)
	}
	s.entries[entry.ID] = entry

	// Evict oldest past capacity.
	for len(s.order) > s.config.MaxEntries {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.entries, oldest)
	}
	return entry
}

// Get returns an entry by id.
func (s *Store) Get(id string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

// Delete removes an entry by id.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return
	}
	delete(s.entries, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Count returns the number of stored entries.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Search scores every live entry against the query and returns the top
// results, highest score first. Ties are broken by recency.
func (s *Store) Search(query string, limit int) []Scored {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return nil
	}

	now := time.Now().UTC()

	s.mu.RLock()
	scored := make([]Scored, 0, len(s.entries))
	for _, e := range s.entries {
		if e.ExpiresAt != nil && e.ExpiresAt.Before(now) {
			continue
		}
		score := s.score(queryTokens, e)
		if score > 0 {
			scored = append(scored, Scored{Entry: e, Score: score})
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Entry.CreatedAt.After(scored[j].Entry.CreatedAt)
	})

	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

// SearchVector retrieves by cosine similarity against the embedder's
// vector for the query. Falls back to keyword search when no embedder
// is configured.
func (s *Store) SearchVector(query string, limit int) []Scored {
	s.mu.RLock()
	embedder := s.embedder
	s.mu.RUnlock()
	if embedder == nil {
		return s.Search(query, limit)
	}

	queryVec, err := embedder.Embed(query)
	if err != nil {
		return s.Search(query, limit)
	}

	now := time.Now().UTC()

	s.mu.RLock()
	scored := make([]Scored, 0, len(s.entries))
	for _, e := range s.entries {
		if e.ExpiresAt != nil && e.ExpiresAt.Before(now) {
			continue
		}
		if len(e.Embedding) == 0 {
			continue
		}
		if sim := cosineSimilarity(queryVec, e.Embedding); sim > 0 {
			scored = append(scored, Scored{Entry: e, Score: sim})
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

// RemoveExpired deletes entries whose expiry has passed and returns how
// many were removed. The retention sweep calls this on a schedule.
func (s *Store) RemoveExpired() int {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	kept := s.order[:0]
	for _, id := range s.order {
		e := s.entries[id]
		if e.ExpiresAt != nil && e.ExpiresAt.Before(now) {
			delete(s.entries, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return removed
}

// score combines token-set overlap with a bounded tag bonus, capped at 1.0.
func (s *Store) score(queryTokens map[string]struct{}, e Entry) float64 {
	contentTokens := tokenize(e.Content)

	intersection := 0
	for tok := range queryTokens {
		if _, ok := contentTokens[tok]; ok {
			intersection++
		}
	}
	union := len(queryTokens) + len(contentTokens) - intersection

	var base float64
	if union > 0 {
		base = float64(intersection) / float64(union)
	}

	var bonus float64
	for _, tag := range e.Tags {
		if _, ok := queryTokens[normalize(tag)]; ok {
			bonus += s.config.TagBonusWeight
		}
	}

	score := base + bonus
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func tokenize(text string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, word := range strings.FieldsFunc(text, func(r rune) bool {
		return !('a' <= r && r <= 'z' || 'A' <= r && r <= 'Z' || '0' <= r && r <= '9')
	}) {
		tokens[normalize(word)] = struct{}{}
	}
	return tokens
}

func normalize(word string) string {
	return strings.ToLower(strings.TrimSpace(word))
}

// cosineSimilarity computes cosine similarity between two vectors.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0.0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0.0
	}
	return dot / (sqrt(normA) * sqrt(normB))
}

func sqrt(x float64) float64 {
	if x <= 0 {
		return 0
	}
	z := x
	for i := 0; i < 10; i++ {
		z -= (z*z - x) / (2 * z)
	}
	return z
}
