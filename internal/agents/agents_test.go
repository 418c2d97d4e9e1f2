package agents

import (
	"context"
	"strings"
	"testing"
)

func runPipeline(t *testing.T, names []string, p *Payload) {
	t.Helper()
	reg := NewRegistry()
	pipeline, err := reg.Resolve(names)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	for _, a := range pipeline {
		if err := a.Run(context.Background(), p); err != nil {
			t.Fatalf("agent %s: %v", a.Name(), err)
		}
	}
}

func newPayload(inputs map[string][]byte, params map[string]any) *Payload {
	if params == nil {
		params = map[string]any{}
	}
	return &Payload{
		TaskID: "task-1",
		Params: params,
		Inputs: inputs,
		Doc:    map[string]any{},
	}
}

func TestRegistryResolveUnknownAgent(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Resolve([]string{"extract-text", "nonexistent"}); err == nil {
		t.Fatal("expected error for unknown agent")
	}
}

func TestSummarizePipeline(t *testing.T) {
	p := newPayload(map[string][]byte{
		"document": []byte("First sentence. Second one! Third? Fourth. Fifth and last."),
	}, map[string]any{"max_sentences": float64(2)})

	runPipeline(t, []string{"extract-text", "summarize", "render-report"}, p)

	summaries := p.Doc["summaries"].(map[string]any)
	got := summaries["document"].(string)
	if got != "First sentence. Second one!" {
		t.Errorf("summary = %q", got)
	}

	report, ok := p.Doc["report"].(map[string]any)
	if !ok {
		t.Fatal("no report rendered")
	}
	if report["task_id"] != "task-1" {
		t.Errorf("report task_id = %v", report["task_id"])
	}
	if _, ok := report["summaries"]; !ok {
		t.Error("report missing summaries section")
	}
}

func TestExtractTextCleansInput(t *testing.T) {
	p := newPayload(map[string][]byte{
		"document": []byte("hello\tworld  \n\n  spaced\x00out"),
	}, nil)

	runPipeline(t, []string{"extract-text"}, p)

	texts := p.Doc["texts"].(map[string]any)
	got := texts["document"].(string)
	if strings.Contains(got, "\t") || strings.Contains(got, "\x00") {
		t.Errorf("control chars survived: %q", got)
	}
	if !strings.Contains(got, "hello world") {
		t.Errorf("whitespace not collapsed: %q", got)
	}
}

func TestTablePipeline(t *testing.T) {
	p := newPayload(map[string][]byte{
		"table": []byte("name , age\nalice,30\n , \nbob,25\n"),
	}, map[string]any{"drop_empty": true})

	runPipeline(t, []string{"parse-table", "normalize-rows", "render-report"}, p)

	if p.Doc["row_count"] != 3 {
		t.Errorf("row_count = %v, want 3 (header + 2 data rows)", p.Doc["row_count"])
	}
	rows := p.Doc["rows"].([]any)
	header := rows[0].([]any)
	if header[0] != "name" || header[1] != "age" {
		t.Errorf("header not trimmed: %v", header)
	}
}

func TestDiffDocuments(t *testing.T) {
	p := newPayload(map[string][]byte{
		"left":  []byte("alpha\nbeta\ngamma"),
		"right": []byte("alpha\ngamma\ndelta"),
	}, nil)

	runPipeline(t, []string{"extract-text", "diff-documents"}, p)

	diff := p.Doc["diff"].(map[string]any)
	if diff["common_lines"] != 2 || diff["left_only_lines"] != 1 || diff["right_only_lines"] != 1 {
		t.Errorf("diff = %v", diff)
	}
	if diff["identical"] != false {
		t.Error("differing documents reported identical")
	}
}

func TestParseTableRequiresTableInput(t *testing.T) {
	p := newPayload(map[string][]byte{"document": []byte("x")}, nil)
	reg := NewRegistry()
	pipeline, err := reg.Resolve([]string{"parse-table"})
	if err != nil {
		t.Fatal(err)
	}
	if err := pipeline[0].Run(context.Background(), p); err == nil {
		t.Fatal("parse-table ran without a table input")
	}
}

func TestAgentHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := newPayload(map[string][]byte{"document": []byte("text")}, nil)
	reg := NewRegistry()
	pipeline, err := reg.Resolve([]string{"extract-text"})
	if err != nil {
		t.Fatal(err)
	}
	if err := pipeline[0].Run(ctx, p); err == nil {
		t.Fatal("agent ignored cancelled context")
	}
}
