package tui

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"docqa/internal/chunkstore"
	"docqa/internal/domain"
	"docqa/internal/service"
)

// QAPort is the TUI-facing subset of the query pipeline.
type QAPort interface {
	Answer(ctx context.Context, req service.Request) (*domain.AnsweredQuery, error)
	Documents(ctx context.Context) ([]string, error)
	Categories(ctx context.Context) ([]string, error)
}

// Options seeds the selectors.
type Options struct {
	Models          []string
	DefaultModel    string
	DefaultCategory string
	Grounded        bool
}

// Model is the Bubble Tea model for the TUI application.
type Model struct {
	ctx        context.Context
	service    QAPort
	input      textinput.Model
	viewport   viewport.Model
	documents  []string
	categories []string
	category   int
	models     []string
	model      int
	grounded   bool
	answer     *domain.AnsweredQuery
	err        error
	cursor     int
	status     string
	busy       bool
	ready      bool
	lastQuery  string
}

type corpusMsg struct {
	documents  []string
	categories []string
	err        error
}

type answerMsg struct {
	question string
	answer   *domain.AnsweredQuery
	err      error
}

// New creates a new TUI model instance.
func New(ctx context.Context, svc QAPort, opts Options) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "What is the major cause of pollution?"
	ti.Focus()
	ti.CharLimit = 0
	vp := viewport.New(0, 0)
	m := Model{
		ctx:        ctx,
		service:    svc,
		input:      ti,
		viewport:   vp,
		categories: []string{domain.AllCategories},
		models:     opts.Models,
		grounded:   opts.Grounded,
		status:     "Loading documents...",
	}
	if len(m.models) == 0 && opts.DefaultModel != "" {
		m.models = []string{opts.DefaultModel}
	}
	for i, name := range m.models {
		if name == opts.DefaultModel {
			m.model = i
		}
	}
	if opts.DefaultCategory != "" && opts.DefaultCategory != domain.AllCategories {
		m.categories = append(m.categories, opts.DefaultCategory)
		m.category = 1
	}
	return m
}

// Init starts the cursor blink and loads the document and category lists.
func (m Model) Init() tea.Cmd { return tea.Batch(textinput.Blink, m.loadCorpus()) }

func (m Model) loadCorpus() tea.Cmd {
	return func() tea.Msg {
		docs, err := m.service.Documents(m.ctx)
		if err != nil {
			return corpusMsg{err: err}
		}
		cats, err := m.service.Categories(m.ctx)
		return corpusMsg{documents: docs, categories: cats, err: err}
	}
}

func (m Model) ask(q string) tea.Cmd {
	req := service.Request{
		Question: q,
		Grounded: m.grounded,
		Category: m.currentCategory(),
		Model:    domain.ModelSelection(m.currentModel()),
	}
	return func() tea.Msg {
		res, err := m.service.Answer(m.ctx, req)
		return answerMsg{question: q, answer: res, err: err}
	}
}

// Update handles key and window events and updates the view state.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, rh := resultBoxStyle.GetFrameSize()
		_, qh := queryBoxStyle.GetFrameSize()
		totalHeaderLines := 3 // header, documents, selectors
		totalFooterLines := 1 // status
		reserved := totalHeaderLines + totalFooterLines + qh + 1
		vh := msg.Height - reserved
		if vh < 3 {
			vh = 3
		}
		m.viewport.Width = max(20, msg.Width)
		m.viewport.Height = max(3, vh-rh)
		m.viewport.SetContent(m.renderResult())
		return m, nil
	case corpusMsg:
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
			return m, nil
		}
		m.documents = msg.documents
		selected := m.currentCategory()
		m.categories = msg.categories
		if len(m.categories) == 0 {
			m.categories = []string{domain.AllCategories}
		}
		m.category = 0
		for i, c := range m.categories {
			if c == selected {
				m.category = i
			}
		}
		if len(m.documents) == 0 {
			m.status = "No documents found."
		} else {
			m.status = fmt.Sprintf("%d documents available. Type a question.", len(m.documents))
		}
		return m, nil
	case answerMsg:
		m.busy = false
		m.cursor = 0
		m.lastQuery = msg.question
		m.answer, m.err = msg.answer, msg.err
		if msg.err != nil {
			if stage, ok := domain.FailedStage(msg.err); ok {
				m.status = fmt.Sprintf("Failed during %s.", stage)
			} else {
				m.status = "Failed."
			}
		} else {
			m.status = fmt.Sprintf("Answered %q with %s", msg.question, msg.answer.Model)
		}
		m.viewport.SetContent(m.renderResult())
		m.viewport.GotoTop()
		return m, nil
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD {
			return m, tea.Quit
		}
		switch msg.String() {
		case "enter":
			q := strings.TrimSpace(m.input.Value())
			if q != "" && !m.busy {
				m.busy = true
				m.status = "Thinking..."
				return m, m.ask(q)
			}
			return m, nil
		case "ctrl+g":
			m.grounded = !m.grounded
			return m, nil
		case "tab":
			m.category = (m.category + 1) % len(m.categories)
			return m, nil
		case "shift+tab":
			if len(m.models) > 0 {
				m.model = (m.model + 1) % len(m.models)
			}
			return m, nil
		case "down":
			if n := m.evidenceLen(); n > 0 {
				m.cursor = (m.cursor + 1) % n
				m.viewport.SetContent(m.renderResult())
				return m, nil
			}
		case "up":
			if n := m.evidenceLen(); n > 0 {
				m.cursor = (m.cursor - 1 + n) % n
				m.viewport.SetContent(m.renderResult())
				return m, nil
			}
		case "pgdown", "pgup":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// View renders the TUI layout and current result.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := lipgloss.NewStyle().Bold(true).Render("Chat Document Assistant")
	docs := dimStyle.Render(m.renderDocuments())
	selectors := m.renderSelectors()
	input := queryBoxStyle.Render(m.input.View())
	statusStyle := okStyle
	if m.err != nil {
		statusStyle = errStyle
	}
	status := statusStyle.Render(m.status)
	results := resultBoxStyle.Render(m.viewport.View())
	return header + "\n" + docs + "\n" + selectors + "\n" + results + "\n" + input + "\n" + status
}

func (m Model) currentCategory() string {
	if len(m.categories) == 0 {
		return domain.AllCategories
	}
	return m.categories[m.category]
}

func (m Model) currentModel() string {
	if len(m.models) == 0 {
		return ""
	}
	return m.models[m.model]
}

func (m Model) evidenceLen() int {
	if m.answer == nil {
		return 0
	}
	return len(m.answer.Evidence)
}

func (m Model) renderDocuments() string {
	if len(m.documents) == 0 {
		return "No documents found."
	}
	return "Documents: " + strings.Join(m.documents, ", ")
}

func (m Model) renderSelectors() string {
	grounded := "off"
	if m.grounded {
		grounded = "on"
	}
	return fmt.Sprintf("%s %s   %s %s   %s %s",
		labelStyle.Render("model[shift+tab]"), m.currentModel(),
		labelStyle.Render("category[tab]"), m.currentCategory(),
		labelStyle.Render("own documents[ctrl+g]"), grounded)
}

func (m Model) renderResult() string {
	if m.err != nil {
		return errStyle.Render("Error: " + m.err.Error())
	}
	if m.answer == nil {
		return "No answer yet."
	}
	var b strings.Builder
	b.WriteString(m.answer.AnswerText)
	if !m.answer.Grounded {
		return b.String()
	}
	b.WriteString("\n\n")
	b.WriteString(labelStyle.Render("Related documents:"))
	if len(m.answer.Sources) == 0 {
		b.WriteString(" none")
	}
	for _, src := range m.answer.Sources {
		b.WriteString("\n  - " + src)
	}
	if n := len(m.answer.Evidence); n > 0 {
		c := m.answer.Evidence[m.cursor]
		b.WriteString("\n\n")
		b.WriteString(labelStyle.Render(fmt.Sprintf("Chunk %d/%d  %s [%s]", m.cursor+1, n, c.DocumentID, c.Category)))
		b.WriteString("\n")
		b.WriteString(highlightBestSentence(c.Text, m.lastQuery))
	}
	return b.String()
}

var (
	resultBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	queryBoxStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	highlightStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	labelStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	okStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	sentenceRe     = regexp.MustCompile(`(?m)(?U)([^.!?]+[.!?])`)
)

// highlightBestSentence emphasizes the sentence of text sharing the most
// keywords with query.
func highlightBestSentence(text, query string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	sentences := sentenceRe.FindAllString(text, -1)
	if len(sentences) == 0 {
		sentences = []string{strings.TrimSpace(text)}
	}
	qTokens := chunkstore.KeywordSet(query)
	if len(qTokens) == 0 {
		return strings.Join(sentences, " ")
	}
	bestIdx := 0
	bestScore := -1
	for i, s := range sentences {
		score := 0
		for t := range chunkstore.KeywordSet(s) {
			if _, ok := qTokens[t]; ok {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	for i := range sentences {
		sent := strings.TrimSpace(sentences[i])
		if i == bestIdx {
			sentences[i] = highlightStyle.Render(sent)
		} else {
			sentences[i] = sent
		}
	}
	return strings.Join(sentences, " ")
}
