// Package retriever turns a question into a bounded evidence set by querying a
// chunk search provider.
package retriever

import (
	"context"
	"errors"
	"fmt"

	"docqa/internal/domain"
	"docqa/internal/logger"
)

// Retriever queries one ChunkSearchProvider. It holds no per-request state.
type Retriever struct {
	provider domain.ChunkSearchProvider
	backend  string
}

func New(provider domain.ChunkSearchProvider, backend string) *Retriever {
	return &Retriever{provider: provider, backend: backend}
}

// Retrieve returns at most limit chunks for query, all satisfying filter, in
// the order the provider ranked them. Provider failures are reported as
// *domain.RetrievalError.
func (r *Retriever) Retrieve(ctx context.Context, query string, filter domain.SearchFilter, limit int) (domain.EvidenceSet, error) {
	if limit <= 0 {
		return nil, &domain.RetrievalError{Backend: r.backend, Err: fmt.Errorf("limit must be positive, got %d", limit)}
	}
	if r.provider == nil {
		return nil, &domain.RetrievalError{Backend: r.backend, Err: errors.New("no chunk store configured")}
	}
	log := logger.FromContext(ctx)
	chunks, err := r.provider.Search(ctx, query, filter, limit)
	if err != nil {
		return nil, &domain.RetrievalError{Backend: r.backend, Err: err}
	}

	evidence := make(domain.EvidenceSet, 0, min(len(chunks), limit))
	dropped := 0
	for _, c := range chunks {
		if !filter.Matches(c) {
			dropped++
			continue
		}
		if len(evidence) == limit {
			break
		}
		evidence = append(evidence, c)
	}
	if dropped > 0 {
		log.Warn("provider returned chunks outside the filter", "backend", r.backend, "filter", filter, "dropped", dropped)
	}
	log.Debug("retrieved evidence", "backend", r.backend, "filter", filter, "limit", limit, "chunks", len(evidence))
	return evidence, nil
}
