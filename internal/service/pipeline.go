package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"docqa/internal/attribution"
	"docqa/internal/domain"
	"docqa/internal/logger"
	"docqa/internal/prompt"
	"docqa/internal/retriever"
)

// State is a step of one Answer call.
type State string

const (
	StateIdle        State = "idle"
	StateRetrieving  State = "retrieving"
	StatePrompting   State = "prompting"
	StateCompleting  State = "completing"
	StateAttributing State = "attributing"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// Request carries every per-call parameter of a question. Category "ALL" or
// empty means no restriction; an empty Model selects the configured default.
type Request struct {
	Question string
	Grounded bool
	Category string
	Model    domain.ModelSelection
}

// QueryPipeline answers questions against one chunk store and one completion
// backend. It keeps no per-request state and is safe for concurrent use.
type QueryPipeline struct {
	store        domain.ChunkSearchProvider
	retriever    *retriever.Retriever
	completer    domain.CompletionProvider
	maxChunks    int
	defaultModel domain.ModelSelection
	log          logger.Logger
	onState      func(State)
}

// Option configures a QueryPipeline.
type Option func(*QueryPipeline)

// WithStateHook observes every state transition of each Answer call.
func WithStateHook(fn func(State)) Option {
	return func(p *QueryPipeline) { p.onState = fn }
}

func WithLogger(l logger.Logger) Option {
	return func(p *QueryPipeline) { p.log = l }
}

// WithMaxEvidenceChunks bounds the evidence set. Non-positive values are ignored.
func WithMaxEvidenceChunks(n int) Option {
	return func(p *QueryPipeline) {
		if n > 0 {
			p.maxChunks = n
		}
	}
}

func WithDefaultModel(m domain.ModelSelection) Option {
	return func(p *QueryPipeline) { p.defaultModel = m }
}

// NewQueryPipeline wires a pipeline over store and completer. backend names the
// store in errors and logs.
func NewQueryPipeline(store domain.ChunkSearchProvider, backend string, completer domain.CompletionProvider, opts ...Option) *QueryPipeline {
	p := &QueryPipeline{
		store:     store,
		retriever: retriever.New(store, backend),
		completer: completer,
		maxChunks: domain.DefaultMaxEvidenceChunks,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Answer runs retrieval (grounded only), prompt rendering, completion and
// attribution (grounded only) in that order. Each stage runs at most once. Any
// failure is returned as *domain.PipelineError and no partial answer is
// produced.
func (p *QueryPipeline) Answer(ctx context.Context, req Request) (*domain.AnsweredQuery, error) {
	log := p.logger(ctx)
	ctx = logger.ContextWithLogger(ctx, log)

	filter := domain.NewSearchFilter(req.Category)
	model := req.Model
	if strings.TrimSpace(string(model)) == "" {
		model = p.defaultModel
	}
	log = log.With("grounded", req.Grounded, "filter", filter, "model", model)

	state := StateIdle
	enter := func(s State) {
		log.Debug("pipeline transition", "from", state, "to", s)
		state = s
		if p.onState != nil {
			p.onState(s)
		}
	}
	fail := func(stage domain.Stage, err error) (*domain.AnsweredQuery, error) {
		enter(StateFailed)
		log.Error("query failed", "stage", stage, "error", err)
		return nil, &domain.PipelineError{Stage: stage, Err: err}
	}

	var evidence domain.EvidenceSet
	if req.Grounded {
		enter(StateRetrieving)
		if err := ctx.Err(); err != nil {
			return fail(domain.StageRetrieval, err)
		}
		ev, err := p.retriever.Retrieve(ctx, req.Question, filter, p.maxChunks)
		if err != nil {
			return fail(domain.StageRetrieval, err)
		}
		evidence = ev
	}

	enter(StatePrompting)
	rendered := prompt.Build(domain.PromptRequest{Question: req.Question, Grounded: req.Grounded, Evidence: evidence})

	enter(StateCompleting)
	if err := ctx.Err(); err != nil {
		return fail(domain.StageCompletion, err)
	}
	if p.completer == nil {
		return fail(domain.StageCompletion, domain.NewCompletionError(domain.ErrCompletionBackend, model, errors.New("no completion backend configured")))
	}
	text, err := p.completer.Complete(ctx, model, rendered)
	if err != nil {
		var ce *domain.CompletionError
		if !errors.As(err, &ce) {
			err = domain.NewCompletionError(domain.ErrCompletionBackend, model, err)
		}
		return fail(domain.StageCompletion, err)
	}

	sources := []string{}
	if req.Grounded {
		enter(StateAttributing)
		sources = attribution.Resolve(evidence)
	}

	enter(StateDone)
	log.Info("query answered", "evidence", len(evidence), "sources", len(sources))
	return &domain.AnsweredQuery{
		AnswerText: text,
		Sources:    sources,
		Evidence:   evidence,
		Grounded:   req.Grounded,
		Model:      model,
	}, nil
}

// Documents lists the document ids available to grounded questions.
func (p *QueryPipeline) Documents(ctx context.Context) ([]string, error) {
	docs, err := p.store.ListDocuments(logger.ContextWithLogger(ctx, p.logger(ctx)))
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

// Categories returns the selector values: domain.AllCategories followed by the
// distinct categories of the corpus.
func (p *QueryPipeline) Categories(ctx context.Context) ([]string, error) {
	cats, err := p.store.ListCategories(logger.ContextWithLogger(ctx, p.logger(ctx)))
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	out := make([]string, 0, len(cats)+1)
	out = append(out, domain.AllCategories)
	for _, c := range cats {
		if c != domain.AllCategories {
			out = append(out, c)
		}
	}
	return out, nil
}

// MaxEvidenceChunks reports the evidence bound in use.
func (p *QueryPipeline) MaxEvidenceChunks() int { return p.maxChunks }

func (p *QueryPipeline) logger(ctx context.Context) logger.Logger {
	if p.log != nil {
		return p.log
	}
	return logger.FromContext(ctx)
}
