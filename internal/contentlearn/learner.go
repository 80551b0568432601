// Package contentlearn extracts code-style observations from the content of
// Edit and Write tool calls. It parses the written code with tree-sitter and
// turns recurring stylistic facts into content-pattern insight candidates
// for the write gate.
package contentlearn

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/python"
	"go.uber.org/zap"

	"spark/internal/logging"
	"spark/internal/types"
)

// Learner holds the per-language parsers. Not safe for concurrent use; the
// bridge cycle is its only caller.
type Learner struct {
	goParser *sitter.Parser
	pyParser *sitter.Parser
	log      *zap.Logger
}

// NewLearner creates the parsers.
func NewLearner() *Learner {
	return &Learner{
		goParser: sitter.NewParser(),
		pyParser: sitter.NewParser(),
		log:      logging.Named("contentlearn"),
	}
}

// Close releases the tree-sitter parsers.
func (l *Learner) Close() {
	l.goParser.Close()
	l.pyParser.Close()
}

// learnParseCap bounds the files parsed per batch; tree-sitter work scales
// with content size and an editing burst must not stall the bridge cycle.
const learnParseCap = 32

// Learn scans a batch of events for Edit/Write content and returns insight
// candidates describing the code style it observed. Unparseable content is
// skipped.
func (l *Learner) Learn(ctx context.Context, events []types.Event) []types.Insight {
	var out []types.Insight
	parsed := 0
	for i := range events {
		if parsed >= learnParseCap {
			break
		}
		ev := &events[i]
		if ev.Kind != types.KindPreTool && ev.Kind != types.KindPostTool {
			continue
		}
		tool := ev.ToolName()
		if tool != "Edit" && tool != "Write" {
			continue
		}
		path, content := editContent(ev)
		if content == "" {
			continue
		}
		switch filepath.Ext(path) {
		case ".go":
			out = append(out, l.learnGo(ctx, path, content)...)
			parsed++
		case ".py":
			out = append(out, l.learnPython(ctx, path, content)...)
			parsed++
		}
	}
	return out
}

// editContent pulls the written text from the payload. Write carries
// content; Edit carries new_string.
func editContent(ev *types.Event) (path, content string) {
	in := ev.ToolInput()
	if in == nil {
		return "", ""
	}
	if p, ok := in["file_path"].(string); ok {
		path = p
	}
	if c, ok := in["content"].(string); ok && c != "" {
		return path, c
	}
	if c, ok := in["new_string"].(string); ok {
		return path, c
	}
	return path, ""
}

func (l *Learner) learnGo(ctx context.Context, path, content string) []types.Insight {
	l.goParser.SetLanguage(golang.GetLanguage())
	tree, err := l.goParser.ParseCtx(ctx, nil, []byte(content))
	if err != nil {
		l.log.Debug("go parse failed", zap.String("path", path), zap.Error(err))
		return nil
	}
	defer tree.Close()

	var funcs, wrapped, subtests int
	walk(tree.RootNode(), func(n *sitter.Node) {
		switch n.Type() {
		case "function_declaration", "method_declaration":
			funcs++
		case "call_expression":
			text := n.Content([]byte(content))
			if strings.HasPrefix(text, "fmt.Errorf") && strings.Contains(text, "%w") {
				wrapped++
			}
			if strings.HasPrefix(text, "t.Run(") {
				subtests++
			}
		}
	})
	if funcs == 0 {
		return nil
	}

	project := projectName(path)
	var out []types.Insight
	if wrapped > 0 {
		out = append(out, types.Insight{
			Key:        fmt.Sprintf("content-pattern:%s:error-wrapping", project),
			Text:       fmt.Sprintf("Code in %s wraps errors with fmt.Errorf and %%w so callers can unwrap the cause; keep new error paths consistent with that", project),
			Category:   types.CategoryContentPattern,
			Confidence: 0.6,
			Evidence:   []string{fmt.Sprintf("%s: %d wrapped errors", filepath.Base(path), wrapped)},
		})
	}
	if subtests > 0 {
		out = append(out, types.Insight{
			Key:        fmt.Sprintf("content-pattern:%s:subtests", project),
			Text:       fmt.Sprintf("Tests in %s use t.Run subtests for case tables, which keeps failures addressable by name", project),
			Category:   types.CategoryContentPattern,
			Confidence: 0.6,
			Evidence:   []string{fmt.Sprintf("%s: %d subtests", filepath.Base(path), subtests)},
		})
	}
	return out
}

func (l *Learner) learnPython(ctx context.Context, path, content string) []types.Insight {
	l.pyParser.SetLanguage(python.GetLanguage())
	tree, err := l.pyParser.ParseCtx(ctx, nil, []byte(content))
	if err != nil {
		l.log.Debug("python parse failed", zap.String("path", path), zap.Error(err))
		return nil
	}
	defer tree.Close()

	var funcs, typed int
	walk(tree.RootNode(), func(n *sitter.Node) {
		if n.Type() != "function_definition" {
			return
		}
		funcs++
		if params := n.ChildByFieldName("parameters"); params != nil {
			if strings.Contains(params.Content([]byte(content)), ":") {
				typed++
			}
		}
	})
	if funcs == 0 || typed == 0 {
		return nil
	}

	project := projectName(path)
	return []types.Insight{{
		Key:        fmt.Sprintf("content-pattern:%s:type-hints", project),
		Text:       fmt.Sprintf("Python code in %s annotates function parameters with type hints; new functions should carry them too", project),
		Category:   types.CategoryContentPattern,
		Confidence: 0.6,
		Evidence:   []string{fmt.Sprintf("%s: %d/%d functions typed", filepath.Base(path), typed, funcs)},
	}}
}

// projectName takes the most specific directory that looks like a project
// root marker out of the path.
func projectName(path string) string {
	dir := filepath.Base(filepath.Dir(path))
	if dir == "." || dir == "/" || dir == "" {
		return "this project"
	}
	return dir
}

func walk(n *sitter.Node, fn func(*sitter.Node)) {
	fn(n)
	for i := 0; i < int(n.ChildCount()); i++ {
		walk(n.Child(i), fn)
	}
}
