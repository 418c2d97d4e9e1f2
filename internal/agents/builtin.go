package agents

import (
	"context"
	"encoding/csv"
	"fmt"
	"strings"
	"time"
	"unicode"
)

func builtinAgents() []Agent {
	return []Agent{
		extractText{},
		summarize{},
		parseTable{},
		normalizeRows{},
		diffDocuments{},
		renderReport{},
	}
}

// extractText normalizes every staged input to plain text: invalid
// UTF-8 is dropped, control characters become spaces, runs of
// whitespace collapse.
type extractText struct{}

func (extractText) Name() string { return "extract-text" }

func (extractText) Run(ctx context.Context, p *Payload) error {
	if len(p.Inputs) == 0 {
		return fmt.Errorf("no staged inputs")
	}
	texts := make(map[string]any, len(p.Inputs))
	for role, data := range p.Inputs {
		if err := ctx.Err(); err != nil {
			return err
		}
		texts[role] = cleanText(string(data))
	}
	p.Doc["texts"] = texts
	return nil
}

func cleanText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == unicode.ReplacementChar:
		case unicode.IsControl(r) && r != '\n':
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}
	lines := strings.Split(b.String(), "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// summarize keeps the leading sentences of each extracted text, capped
// by the max_sentences param (default 5).
type summarize struct{}

func (summarize) Name() string { return "summarize" }

func (summarize) Run(ctx context.Context, p *Payload) error {
	texts, ok := p.Doc["texts"].(map[string]any)
	if !ok {
		return fmt.Errorf("summarize requires extracted texts")
	}
	max := 5
	if v, ok := p.Params["max_sentences"].(float64); ok && v >= 1 {
		max = int(v)
	}
	summaries := make(map[string]any, len(texts))
	for role, v := range texts {
		if err := ctx.Err(); err != nil {
			return err
		}
		text, _ := v.(string)
		summaries[role] = leadingSentences(text, max)
	}
	p.Doc["summaries"] = summaries
	return nil
}

func leadingSentences(text string, max int) string {
	var sentences []string
	start := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			s := strings.TrimSpace(text[start : i+1])
			if s != "" {
				sentences = append(sentences, s)
			}
			start = i + 1
			if len(sentences) == max {
				return strings.Join(sentences, " ")
			}
		}
	}
	if tail := strings.TrimSpace(text[start:]); tail != "" && len(sentences) < max {
		sentences = append(sentences, tail)
	}
	return strings.Join(sentences, " ")
}

// parseTable reads the "table" input as CSV. The delimiter param
// overrides the comma default.
type parseTable struct{}

func (parseTable) Name() string { return "parse-table" }

func (parseTable) Run(ctx context.Context, p *Payload) error {
	data, ok := p.Inputs["table"]
	if !ok {
		return fmt.Errorf("parse-table requires a table input")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	reader := csv.NewReader(strings.NewReader(string(data)))
	reader.FieldsPerRecord = -1
	if d, ok := p.Params["delimiter"].(string); ok && len(d) == 1 {
		reader.Comma = rune(d[0])
	}
	records, err := reader.ReadAll()
	if err != nil {
		return fmt.Errorf("parse csv: %w", err)
	}

	rows := make([]any, 0, len(records))
	for _, rec := range records {
		cells := make([]any, len(rec))
		for i, c := range rec {
			cells[i] = c
		}
		rows = append(rows, cells)
	}
	p.Doc["rows"] = rows
	return nil
}

// normalizeRows trims every cell and, when drop_empty is set, removes
// rows whose cells are all blank.
type normalizeRows struct{}

func (normalizeRows) Name() string { return "normalize-rows" }

func (normalizeRows) Run(ctx context.Context, p *Payload) error {
	rows, ok := p.Doc["rows"].([]any)
	if !ok {
		return fmt.Errorf("normalize-rows requires parsed rows")
	}
	dropEmpty, _ := p.Params["drop_empty"].(bool)

	out := make([]any, 0, len(rows))
	for _, rv := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		cells, ok := rv.([]any)
		if !ok {
			continue
		}
		empty := true
		trimmed := make([]any, len(cells))
		for i, cv := range cells {
			s, _ := cv.(string)
			s = strings.TrimSpace(s)
			trimmed[i] = s
			if s != "" {
				empty = false
			}
		}
		if dropEmpty && empty {
			continue
		}
		out = append(out, trimmed)
	}
	p.Doc["rows"] = out
	p.Doc["row_count"] = len(out)
	return nil
}

// diffDocuments compares the "left" and "right" extracted texts line
// by line and records counts of shared and exclusive lines.
type diffDocuments struct{}

func (diffDocuments) Name() string { return "diff-documents" }

func (diffDocuments) Run(ctx context.Context, p *Payload) error {
	texts, ok := p.Doc["texts"].(map[string]any)
	if !ok {
		return fmt.Errorf("diff-documents requires extracted texts")
	}
	left, _ := texts["left"].(string)
	right, _ := texts["right"].(string)
	if err := ctx.Err(); err != nil {
		return err
	}

	leftLines := lineSet(left)
	rightLines := lineSet(right)
	var common, leftOnly, rightOnly int
	for line := range leftLines {
		if rightLines[line] {
			common++
		} else {
			leftOnly++
		}
	}
	for line := range rightLines {
		if !leftLines[line] {
			rightOnly++
		}
	}

	p.Doc["diff"] = map[string]any{
		"common_lines":     common,
		"left_only_lines":  leftOnly,
		"right_only_lines": rightOnly,
		"identical":        leftOnly == 0 && rightOnly == 0,
	}
	return nil
}

func lineSet(text string) map[string]bool {
	out := make(map[string]bool)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out[line] = true
		}
	}
	return out
}

// renderReport assembles the final result document every pipeline ends
// with. The runner serializes Doc["report"] as the task's output blob.
type renderReport struct{}

func (renderReport) Name() string { return "render-report" }

func (renderReport) Run(ctx context.Context, p *Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	report := map[string]any{
		"task_id":      p.TaskID,
		"generated_at": time.Now().UTC().Format(time.RFC3339),
	}
	for _, section := range []string{"summaries", "rows", "row_count", "diff"} {
		if v, ok := p.Doc[section]; ok {
			report[section] = v
		}
	}
	p.Doc["report"] = report
	return nil
}
