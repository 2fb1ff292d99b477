package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa/internal/chunkstore/memory"
	"docqa/internal/domain"
	"docqa/internal/logger"
)

type countingStore struct {
	domain.ChunkSearchProvider
	searches int
	filters  []domain.SearchFilter
	err      error
}

func (s *countingStore) Search(ctx context.Context, q string, f domain.SearchFilter, limit int) ([]domain.Chunk, error) {
	s.searches++
	s.filters = append(s.filters, f)
	if s.err != nil {
		return nil, s.err
	}
	return s.ChunkSearchProvider.Search(ctx, q, f, limit)
}

type stubCompleter struct {
	answer  string
	err     error
	calls   int
	prompts []domain.RenderedPrompt
	models  []domain.ModelSelection
}

func (c *stubCompleter) Complete(_ context.Context, model domain.ModelSelection, p domain.RenderedPrompt) (string, error) {
	c.calls++
	c.prompts = append(c.prompts, p)
	c.models = append(c.models, model)
	return c.answer, c.err
}

func corpus() *memory.Storage {
	return memory.NewStorage(
		domain.Chunk{Text: "Recycling is the process of turning waste into new products.", DocumentID: "epa.pdf", Category: "recycling"},
		domain.Chunk{Text: "Recycling plastic saves energy.", DocumentID: "epa.pdf", Category: "recycling"},
		domain.Chunk{Text: "Municipal recycling schedules vary by city.", DocumentID: "city.pdf", Category: "recycling"},
		domain.Chunk{Text: "A tourist visa allows recycling of nothing.", DocumentID: "visa.pdf", Category: "visas"},
	)
}

func newPipeline(store domain.ChunkSearchProvider, c domain.CompletionProvider, opts ...Option) *QueryPipeline {
	opts = append([]Option{WithLogger(logger.Discard()), WithDefaultModel("mistral-large")}, opts...)
	return NewQueryPipeline(store, "memory", c, opts...)
}

func TestQueryPipeline_Answer(t *testing.T) {
	ctx := context.Background()

	t.Run("Should answer grounded questions with deduplicated sources", func(t *testing.T) {
		store := &countingStore{ChunkSearchProvider: corpus()}
		comp := &stubCompleter{answer: "Recycling turns waste into products."}
		got, err := newPipeline(store, comp).Answer(ctx, Request{Question: "What does EPA say about recycling?", Grounded: true, Category: "recycling"})
		require.NoError(t, err)
		assert.Equal(t, "Recycling turns waste into products.", got.AnswerText)
		assert.True(t, got.Grounded)
		assert.Len(t, got.Evidence, 3)
		assert.Equal(t, []string{"epa.pdf", "city.pdf"}, got.Sources)
		assert.Equal(t, 1, store.searches)
		assert.Equal(t, 1, comp.calls)
		assert.Contains(t, string(comp.prompts[0]), "What does EPA say about recycling?")
		assert.Contains(t, string(comp.prompts[0]), "Recycling plastic saves energy.")
	})
	t.Run("Should skip retrieval and attribution when ungrounded", func(t *testing.T) {
		store := &countingStore{ChunkSearchProvider: corpus()}
		comp := &stubCompleter{answer: "Hello"}
		got, err := newPipeline(store, comp).Answer(ctx, Request{Question: "Hi"})
		require.NoError(t, err)
		assert.NotNil(t, got.Sources)
		assert.Empty(t, got.Sources)
		assert.Empty(t, got.Evidence)
		assert.Zero(t, store.searches)
		assert.Equal(t, domain.RenderedPrompt("Question: Hi Answer: "), comp.prompts[0])
	})
	t.Run("Should normalize ALL to an unrestricted filter", func(t *testing.T) {
		store := &countingStore{ChunkSearchProvider: corpus()}
		_, err := newPipeline(store, &stubCompleter{}).Answer(ctx, Request{Question: "recycling", Grounded: true, Category: "ALL"})
		require.NoError(t, err)
		require.Len(t, store.filters, 1)
		assert.False(t, store.filters[0].Restricted())
	})
	t.Run("Should bound evidence by the configured maximum", func(t *testing.T) {
		got, err := newPipeline(corpus(), &stubCompleter{}, WithMaxEvidenceChunks(2)).Answer(ctx, Request{Question: "recycling", Grounded: true})
		require.NoError(t, err)
		assert.Len(t, got.Evidence, 2)
	})
	t.Run("Should use the default model when none is selected", func(t *testing.T) {
		comp := &stubCompleter{}
		got, err := newPipeline(corpus(), comp).Answer(ctx, Request{Question: "Hi"})
		require.NoError(t, err)
		assert.Equal(t, domain.ModelSelection("mistral-large"), comp.models[0])
		assert.Equal(t, domain.ModelSelection("mistral-large"), got.Model)

		_, err = newPipeline(corpus(), comp).Answer(ctx, Request{Question: "Hi", Model: "gemma-7b"})
		require.NoError(t, err)
		assert.Equal(t, domain.ModelSelection("gemma-7b"), comp.models[1])
	})
	t.Run("Should fail at the completion stage on a timeout", func(t *testing.T) {
		comp := &stubCompleter{answer: "partial", err: domain.NewCompletionError(domain.ErrCompletionTimeout, "mistral-large", context.DeadlineExceeded)}
		got, err := newPipeline(corpus(), comp).Answer(ctx, Request{Question: "recycling", Grounded: true})
		assert.Nil(t, got)
		var pe *domain.PipelineError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, domain.StageCompletion, pe.Stage)
		assert.ErrorIs(t, err, domain.ErrCompletionTimeout)
		assert.Equal(t, 1, comp.calls)
	})
	t.Run("Should classify untyped completer errors as backend errors", func(t *testing.T) {
		comp := &stubCompleter{err: errors.New("boom")}
		_, err := newPipeline(corpus(), comp).Answer(ctx, Request{Question: "Hi"})
		assert.ErrorIs(t, err, domain.ErrCompletionBackend)
	})
	t.Run("Should fail at the retrieval stage without calling the completer", func(t *testing.T) {
		store := &countingStore{ChunkSearchProvider: corpus(), err: errors.New("store down")}
		comp := &stubCompleter{}
		_, err := newPipeline(store, comp).Answer(ctx, Request{Question: "recycling", Grounded: true})
		stage, ok := domain.FailedStage(err)
		require.True(t, ok)
		assert.Equal(t, domain.StageRetrieval, stage)
		var re *domain.RetrievalError
		assert.ErrorAs(t, err, &re)
		assert.Zero(t, comp.calls)
	})
	t.Run("Should not call any backend once the context is cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		store := &countingStore{ChunkSearchProvider: corpus()}
		comp := &stubCompleter{}
		_, err := newPipeline(store, comp).Answer(cctx, Request{Question: "recycling", Grounded: true})
		assert.ErrorIs(t, err, context.Canceled)
		stage, _ := domain.FailedStage(err)
		assert.Equal(t, domain.StageRetrieval, stage)
		assert.Zero(t, store.searches)
		assert.Zero(t, comp.calls)

		_, err = newPipeline(store, comp).Answer(cctx, Request{Question: "Hi"})
		stage, _ = domain.FailedStage(err)
		assert.Equal(t, domain.StageCompletion, stage)
		assert.Zero(t, comp.calls)
	})
	t.Run("Should report state transitions in order", func(t *testing.T) {
		var states []State
		hook := WithStateHook(func(s State) { states = append(states, s) })
		_, err := newPipeline(corpus(), &stubCompleter{}, hook).Answer(ctx, Request{Question: "recycling", Grounded: true})
		require.NoError(t, err)
		assert.Equal(t, []State{StateRetrieving, StatePrompting, StateCompleting, StateAttributing, StateDone}, states)

		states = nil
		_, err = newPipeline(corpus(), &stubCompleter{}, hook).Answer(ctx, Request{Question: "Hi"})
		require.NoError(t, err)
		assert.Equal(t, []State{StatePrompting, StateCompleting, StateDone}, states)

		states = nil
		_, err = newPipeline(corpus(), &stubCompleter{err: errors.New("x")}, hook).Answer(ctx, Request{Question: "Hi"})
		require.Error(t, err)
		assert.Equal(t, StateFailed, states[len(states)-1])
	})
}

type echoCompleter struct {
	calls atomic.Int32
}

func (c *echoCompleter) Complete(_ context.Context, model domain.ModelSelection, p domain.RenderedPrompt) (string, error) {
	c.calls.Add(1)
	return string(model) + "|" + string(p), nil
}

func TestQueryPipeline_ConcurrentAnswers(t *testing.T) {
	const workers = 16
	comp := &echoCompleter{}
	var transitions atomic.Int32
	p := newPipeline(corpus(), comp, WithStateHook(func(State) { transitions.Add(1) }))

	type result struct {
		req Request
		ans *domain.AnsweredQuery
		err error
	}
	results := make([]result, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := Request{Question: fmt.Sprintf("recycling question %d", i), Grounded: i%2 == 0}
			if i%4 == 0 {
				req.Category = "visas"
			}
			if i%3 == 0 {
				req.Model = "gemma-7b"
			}
			ans, err := p.Answer(context.Background(), req)
			results[i] = result{req: req, ans: ans, err: err}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(workers), comp.calls.Load())
	grounded := 0
	for _, r := range results {
		require.NoError(t, r.err)
		assert.Contains(t, r.ans.AnswerText, r.req.Question)
		want := domain.ModelSelection("mistral-large")
		if r.req.Model != "" {
			want = r.req.Model
		}
		assert.Equal(t, want, r.ans.Model)
		assert.True(t, strings.HasPrefix(r.ans.AnswerText, string(want)+"|"))
		switch {
		case !r.req.Grounded:
			assert.Empty(t, r.ans.Sources)
		case r.req.Category == "visas":
			grounded++
			assert.Equal(t, []string{"visa.pdf"}, r.ans.Sources)
		default:
			grounded++
			assert.Len(t, r.ans.Evidence, 3)
		}
	}
	// grounded runs make five transitions, ungrounded runs three
	assert.Equal(t, int32(grounded*5+(workers-grounded)*3), transitions.Load())
}

func TestQueryPipeline_Listing(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(corpus(), &stubCompleter{})

	cats, err := p.Categories(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ALL", "recycling", "visas"}, cats)

	docs, err := p.Documents(ctx)
	require.NoError(t, err)
	assert.Equal(t, "city.pdf,epa.pdf,visa.pdf", strings.Join(docs, ","))
}
