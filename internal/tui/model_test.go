package tui

import (
	"context"
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa/internal/domain"
	"docqa/internal/service"
)

type fakeQA struct {
	reqs []service.Request
	ans  *domain.AnsweredQuery
	err  error
}

func (f *fakeQA) Answer(_ context.Context, req service.Request) (*domain.AnsweredQuery, error) {
	f.reqs = append(f.reqs, req)
	return f.ans, f.err
}

func (f *fakeQA) Documents(context.Context) ([]string, error) {
	return []string{"epa.pdf", "visa.pdf"}, nil
}

func (f *fakeQA) Categories(context.Context) ([]string, error) {
	return []string{"ALL", "recycling", "visas"}, nil
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	nm, ok := next.(Model)
	require.True(t, ok)
	return nm, cmd
}

func loaded(t *testing.T, qa *fakeQA) Model {
	t.Helper()
	m := New(context.Background(), qa, Options{Models: []string{"mixtral-8x7b", "gemma-7b"}, DefaultModel: "gemma-7b"})
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 100, Height: 40})
	m, _ = update(t, m, m.loadCorpus()())
	return m
}

func TestModel(t *testing.T) {
	t.Run("Should load documents and categories", func(t *testing.T) {
		m := loaded(t, &fakeQA{})
		assert.Equal(t, []string{"epa.pdf", "visa.pdf"}, m.documents)
		assert.Equal(t, "ALL", m.currentCategory())
		assert.Equal(t, "gemma-7b", m.currentModel())
		assert.Contains(t, m.View(), "epa.pdf")
	})
	t.Run("Should pass the selectors with the question", func(t *testing.T) {
		qa := &fakeQA{ans: &domain.AnsweredQuery{
			AnswerText: "Recycle more.",
			Sources:    []string{"epa.pdf"},
			Evidence:   domain.EvidenceSet{{Text: "Recycling helps.", DocumentID: "epa.pdf", Category: "recycling"}},
			Grounded:   true,
			Model:      "mixtral-8x7b",
		}}
		m := loaded(t, qa)
		m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
		m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyShiftTab})
		m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyCtrlG})
		m.input.SetValue("What about recycling?")
		m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
		require.NotNil(t, cmd)
		assert.True(t, m.busy)
		m, _ = update(t, m, cmd())

		require.Len(t, qa.reqs, 1)
		assert.Equal(t, service.Request{Question: "What about recycling?", Grounded: true, Category: "recycling", Model: "mixtral-8x7b"}, qa.reqs[0])
		out := m.renderResult()
		assert.Contains(t, out, "Recycle more.")
		assert.Contains(t, out, "epa.pdf")
		assert.Contains(t, out, "Recycling helps.")
	})
	t.Run("Should show the failed stage", func(t *testing.T) {
		qa := &fakeQA{err: &domain.PipelineError{Stage: domain.StageCompletion, Err: domain.ErrCompletionTimeout}}
		m := loaded(t, qa)
		m.input.SetValue("Hi")
		m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
		m, _ = update(t, m, cmd())
		assert.Equal(t, "Failed during completion.", m.status)
		assert.True(t, errors.Is(m.err, domain.ErrCompletionTimeout))
		assert.Contains(t, m.renderResult(), "completion stage failed")
	})
	t.Run("Should ignore empty questions", func(t *testing.T) {
		qa := &fakeQA{}
		m := loaded(t, qa)
		_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
		assert.Nil(t, cmd)
		assert.Empty(t, qa.reqs)
	})
}
