package engine

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/becomeliminal/runeai/tools"
)

// Mock is a deterministic development Completer. It is only wired when the
// configuration selects the "mock" provider explicitly.
type Mock struct{}

// NewMock creates the development completer.
func NewMock() *Mock {
	return &Mock{}
}

// Complete answers structured requests with canned JSON shaped by the schema
// and echoes the last user turn otherwise.
func (m *Mock) Complete(ctx context.Context, req *Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	last := ""
	if n := len(req.Messages); n > 0 {
		last = req.Messages[n-1].Content
	}

	switch {
	case req.Schema == nil:
		return "(MOCK) You said: " + firstLine(last), nil
	case tools.HasProperty(req.Schema, "category"):
		subject := strings.TrimPrefix(firstLine(last), "URL: ")
		return mustJSON(map[string]any{
			"summary":  "AI Generated Summary for " + subject + " (MOCK)",
			"category": "Mock Category",
			"tags":     []string{"mock", "test"},
		}), nil
	default:
		out := map[string]any{}
		for _, name := range tools.Properties(req.Schema) {
			out[name] = "Mock " + name
		}
		return mustJSON(out), nil
	}
}

// Stream delivers the mock reply word by word.
func (m *Mock) Stream(ctx context.Context, req *Request, onDelta func(chunk string)) (string, error) {
	text, err := m.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	words := strings.SplitAfter(text, " ")
	for _, w := range words {
		onDelta(w)
	}
	return text, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func mustJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}
