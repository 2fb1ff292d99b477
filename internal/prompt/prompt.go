// Package prompt renders the text sent to the completion backend.
package prompt

import (
	"regexp"
	"strings"

	"docqa/internal/domain"
)

const groundedPreamble = `You are an expert assistant that extracts information from the CONTEXT provided
between <context> and </context> tags.
When answering the question contained between <question> and </question> tags,
be concise and do not hallucinate.
If you don't have the information, just say so.
Only answer the question if you can extract it from the CONTEXT provided.
`

// delimiterRe matches the block tags of the grounded template, so user text
// cannot open or close a block.
var delimiterRe = regexp.MustCompile(`(?i)<\s*(/?)\s*(context|question)\s*>`)

// Build renders req. The output depends only on req; document ids never appear
// in it.
func Build(req domain.PromptRequest) domain.RenderedPrompt {
	if !req.Grounded {
		return domain.RenderedPrompt("Question: " + req.Question + " Answer: ")
	}

	var b strings.Builder
	b.WriteString(groundedPreamble)
	b.WriteString("\n<context>\n")
	for _, c := range req.Evidence {
		b.WriteString(Escape(c.Text))
		b.WriteString("\n")
	}
	b.WriteString("</context>\n<question>\n")
	b.WriteString(Escape(req.Question))
	b.WriteString("\n</question>\nAnswer: ")
	return domain.RenderedPrompt(b.String())
}

// Escape neutralizes context and question tags in s by replacing the angle
// brackets with their bracketed forms, e.g. "</context>" becomes "[/context]".
func Escape(s string) string {
	return delimiterRe.ReplaceAllStringFunc(s, func(tag string) string {
		m := delimiterRe.FindStringSubmatch(tag)
		return "[" + m[1] + strings.ToLower(m[2]) + "]"
	})
}
