package memory

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"docqa/internal/chunkstore"
	"docqa/internal/domain"
)

// Storage is an in-memory keyword store. Chunks are ranked by token overlap
// with the query; an empty query returns chunks in corpus order.
type Storage struct {
	mu     sync.RWMutex
	chunks []domain.Chunk
}

// NewStorage creates a store holding the given chunks.
func NewStorage(chunks ...domain.Chunk) *Storage {
	s := &Storage{}
	s.Add(chunks...)
	return s
}

// LoadFile reads a YAML list of chunks (text, document_id, category).
func LoadFile(path string) (*Storage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var chunks []domain.Chunk
	if err := yaml.Unmarshal(data, &chunks); err != nil {
		return nil, fmt.Errorf("parse chunk file %s: %w", path, err)
	}
	return NewStorage(chunks...), nil
}

// Add appends chunks to the corpus.
func (s *Storage) Add(chunks ...domain.Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, chunks...)
}

// Search implements domain.ChunkSearchProvider.
func (s *Storage) Search(ctx context.Context, query string, filter domain.SearchFilter, limit int) ([]domain.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []domain.Chunk{}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	qset := chunkstore.KeywordSet(query)
	type pair struct {
		idx   int
		score float64
	}
	var scores []pair
	for i, ch := range s.chunks {
		if !filter.Matches(ch) {
			continue
		}
		if len(qset) == 0 {
			scores = append(scores, pair{i, 0})
			continue
		}
		if score := overlapOchiai(qset, ch.Text); score > 0 {
			scores = append(scores, pair{i, score})
		}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })
	if limit > len(scores) {
		limit = len(scores)
	}
	out := make([]domain.Chunk, 0, limit)
	for _, p := range scores[:limit] {
		out = append(out, s.chunks[p.idx])
	}
	return out, nil
}

// ListCategories implements domain.ChunkSearchProvider.
func (s *Storage) ListCategories(ctx context.Context) ([]string, error) {
	return s.distinct(ctx, func(c domain.Chunk) string { return c.Category })
}

// ListDocuments implements domain.ChunkSearchProvider.
func (s *Storage) ListDocuments(ctx context.Context) ([]string, error) {
	return s.distinct(ctx, func(c domain.Chunk) string { return c.DocumentID })
}

func (s *Storage) distinct(ctx context.Context, key func(domain.Chunk) string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	out := []string{}
	for _, ch := range s.chunks {
		k := key(ch)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// overlapOchiai scores |A∩B| / sqrt(|A||B|) over distinct tokens.
func overlapOchiai(qset map[string]struct{}, text string) float64 {
	seen := chunkstore.KeywordSet(text)
	if len(qset) == 0 || len(seen) == 0 {
		return 0
	}
	inter := 0
	for t := range seen {
		if _, ok := qset[t]; ok {
			inter++
		}
	}
	return float64(inter) / math.Sqrt(float64(len(qset))*float64(len(seen)))
}
