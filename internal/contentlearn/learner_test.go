package contentlearn

import (
	"context"
	"strings"
	"testing"

	"spark/internal/types"
)

func writeEvent(path, content string) types.Event {
	return types.Event{
		Kind: types.KindPostTool,
		Payload: map[string]interface{}{
			"tool_name": "Write",
			"tool_input": map[string]interface{}{
				"file_path": path,
				"content":   content,
			},
		},
	}
}

const goSample = `package store

import "fmt"

func Open(path string) error {
	if path == "" {
		return fmt.Errorf("path required")
	}
	if err := load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}
`

const pySample = `def load(path: str, strict: bool = True) -> dict:
    return {}

def save(path: str, data: dict) -> None:
    pass
`

func TestLearnGoErrorWrapping(t *testing.T) {
	l := NewLearner()
	defer l.Close()

	got := l.Learn(context.Background(), []types.Event{writeEvent("/home/dev/myapp/store.go", goSample)})
	if len(got) != 1 {
		t.Fatalf("insights = %d, want 1: %+v", len(got), got)
	}
	ins := got[0]
	if ins.Category != types.CategoryContentPattern {
		t.Fatalf("category = %s", ins.Category)
	}
	if !strings.Contains(ins.Key, "error-wrapping") {
		t.Fatalf("key = %s", ins.Key)
	}
	if len(ins.Evidence) == 0 {
		t.Fatalf("insight missing evidence")
	}
}

func TestLearnPythonTypeHints(t *testing.T) {
	l := NewLearner()
	defer l.Close()

	got := l.Learn(context.Background(), []types.Event{writeEvent("/home/dev/myapp/io.py", pySample)})
	if len(got) != 1 {
		t.Fatalf("insights = %d, want 1: %+v", len(got), got)
	}
	if !strings.Contains(got[0].Key, "type-hints") {
		t.Fatalf("key = %s", got[0].Key)
	}
}

func TestLearnCapsParsedFilesPerBatch(t *testing.T) {
	l := NewLearner()
	defer l.Close()

	events := make([]types.Event, learnParseCap+5)
	for i := range events {
		events[i] = writeEvent("/home/dev/myapp/store.go", goSample)
	}
	got := l.Learn(context.Background(), events)
	if len(got) != learnParseCap {
		t.Fatalf("insights = %d, want one per parsed file up to the cap %d", len(got), learnParseCap)
	}
}

func TestLearnIgnoresNonCodeEvents(t *testing.T) {
	l := NewLearner()
	defer l.Close()

	events := []types.Event{
		writeEvent("/home/dev/myapp/notes.md", "# notes"),
		{Kind: types.KindUserPrompt, Payload: map[string]interface{}{"text": "hello"}},
	}
	if got := l.Learn(context.Background(), events); len(got) != 0 {
		t.Fatalf("unexpected insights: %+v", got)
	}
}
