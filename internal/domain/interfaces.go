package domain

import (
	"context"
	"strings"
)

// AllCategories is the selector value meaning "no category restriction".
const AllCategories = "ALL"

// DefaultMaxEvidenceChunks bounds the evidence set when nothing is configured.
const DefaultMaxEvidenceChunks = 3

// Chunk is a bounded fragment of a source document, tagged with the document
// it came from and that document's category.
type Chunk struct {
	Text       string `json:"text" yaml:"text"`
	DocumentID string `json:"document_id" yaml:"document_id"`
	Category   string `json:"category" yaml:"category"`
}

// SearchFilter restricts a search. A nil Category means no restriction.
type SearchFilter struct {
	Category *string
}

// NewSearchFilter builds a filter from a selector value. Empty values and the
// exact AllCategories sentinel both mean no restriction; "all" is a category.
func NewSearchFilter(category string) SearchFilter {
	c := strings.TrimSpace(category)
	if c == "" || c == AllCategories {
		return SearchFilter{}
	}
	return SearchFilter{Category: &c}
}

// Restricted reports whether the filter limits results to one category.
func (f SearchFilter) Restricted() bool { return f.Category != nil }

// Matches reports whether the chunk satisfies the filter.
func (f SearchFilter) Matches(c Chunk) bool {
	return f.Category == nil || c.Category == *f.Category
}

// String renders the filter for logs.
func (f SearchFilter) String() string {
	if f.Category == nil {
		return AllCategories
	}
	return *f.Category
}

// EvidenceSet is the ordered, bounded collection of chunks retrieved for one
// grounded query.
type EvidenceSet []Chunk

// ModelSelection identifies the completion model. It is passed through to the
// completion backend untouched.
type ModelSelection string

// PromptRequest is everything the prompt builder needs for one query.
type PromptRequest struct {
	Question string
	Grounded bool
	Evidence EvidenceSet
}

// RenderedPrompt is the text sent to the completion backend.
type RenderedPrompt string

// AnsweredQuery is the outcome of a successful pipeline run. Sources is empty
// exactly when Grounded is false.
type AnsweredQuery struct {
	AnswerText string
	Sources    []string
	Evidence   EvidenceSet
	Grounded   bool
	Model      ModelSelection
}

// ChunkSearchProvider searches a materialized chunk corpus.
// Implementations must be safe for concurrent use.
type ChunkSearchProvider interface {
	// Search returns at most limit chunks matching query, all satisfying filter.
	Search(ctx context.Context, query string, filter SearchFilter, limit int) ([]Chunk, error)
	// ListCategories returns the distinct categories present in the corpus.
	ListCategories(ctx context.Context) ([]string, error)
	// ListDocuments returns the distinct document ids present in the corpus.
	ListDocuments(ctx context.Context) ([]string, error)
}

// CompletionProvider turns a prompt into generated text with the given model.
type CompletionProvider interface {
	Complete(ctx context.Context, model ModelSelection, prompt RenderedPrompt) (string, error)
}

// Embedder converts free text into a vector for semantic search backends.
type Embedder interface {
	Name() string
	Embed(ctx context.Context, text string) ([]float64, error)
}
