package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/runeai/config"
	"github.com/becomeliminal/runeai/core"
	"github.com/becomeliminal/runeai/tools"
)

// fakeAnthropic serves /v1/messages with a fixed text reply and records the
// last request body.
func fakeAnthropic(t *testing.T, status int, reply string) (*httptest.Server, *map[string]any) {
	t.Helper()
	var last map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &last)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"boom"}}`))
			return
		}
		resp := map[string]any{
			"id":            "msg_1",
			"type":          "message",
			"role":          "assistant",
			"model":         "claude-test",
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"content":       []map[string]any{{"type": "text", "text": reply}},
			"usage":         map[string]any{"input_tokens": 3, "output_tokens": 5},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &last
}

func newTestEngine(url string) *Engine {
	return New(config.LLMConfig{APIKey: "test-key", BaseURL: url, Model: "claude-test"})
}

func TestComplete(t *testing.T) {
	srv, last := fakeAnthropic(t, http.StatusOK, "Hello there")
	e := newTestEngine(srv.URL)

	text, err := e.Complete(context.Background(), &Request{
		System:    "You are a helpful assistant.",
		Messages:  []Message{{Role: core.RoleUser, Content: "hi"}, {Role: core.RoleAssistant, Content: "yo"}, {Role: core.RoleUser, Content: "again"}},
		MaxTokens: 500,
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello there", text)

	body := *last
	assert.Equal(t, "claude-test", body["model"])
	assert.EqualValues(t, 500, body["max_tokens"])
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 3)
	assert.Equal(t, "assistant", msgs[1].(map[string]any)["role"])
	_, hasOutput := body["output_config"]
	assert.False(t, hasOutput)
}

func TestCompleteJSON(t *testing.T) {
	srv, last := fakeAnthropic(t, http.StatusOK, "```json\n{\"title\":\"T\",\"summary\":\"S\"}\n```")
	e := newTestEngine(srv.URL)

	var out struct {
		Title   string `json:"title"`
		Summary string `json:"summary"`
	}
	schema := tools.ObjectSchema(map[string]any{
		"title":   tools.StringProperty("title"),
		"summary": tools.StringProperty("summary"),
	}, "title", "summary")
	err := CompleteJSON(context.Background(), e, &Request{
		Messages: []Message{{Role: core.RoleUser, Content: "sum"}},
		Schema:   schema,
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, "T", out.Title)
	assert.Equal(t, "S", out.Summary)

	format := (*last)["output_config"].(map[string]any)["format"].(map[string]any)
	assert.Equal(t, "json_schema", format["type"])
}

func TestCompleteJSON_LegacyModel(t *testing.T) {
	srv, last := fakeAnthropic(t, http.StatusOK, `{"title":"T"}`)
	e := New(config.LLMConfig{APIKey: "test-key", BaseURL: srv.URL, Model: "claude-sonnet-4-20250514"})

	var out struct {
		Title string `json:"title"`
	}
	schema := tools.ObjectSchema(map[string]any{"title": tools.StringProperty("title")}, "title")
	err := CompleteJSON(context.Background(), e, &Request{
		System:   "Summarize.",
		Messages: []Message{{Role: core.RoleUser, Content: "sum"}},
		Schema:   schema,
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, "T", out.Title)

	_, hasOutput := (*last)["output_config"]
	assert.False(t, hasOutput)
	system := (*last)["system"].([]any)[0].(map[string]any)["text"].(string)
	assert.True(t, strings.HasPrefix(system, "Summarize."))
	assert.Contains(t, system, `"title"`)
}

func TestSupportsStructuredOutput(t *testing.T) {
	for model, want := range map[string]bool{
		DefaultModel:               true,
		"claude-opus-4-5":          true,
		"claude-haiku-4-5":         true,
		"claude-sonnet-4-20250514": false,
		"claude-3-5-haiku-latest":  false,
		"claude-opus-4-0":          false,
	} {
		assert.Equal(t, want, SupportsStructuredOutput(model), model)
	}
}

func TestCompleteJSON_Errors(t *testing.T) {
	srv, _ := fakeAnthropic(t, http.StatusOK, "not json")
	e := newTestEngine(srv.URL)
	schema := tools.ObjectSchema(map[string]any{"a": tools.StringProperty("")})

	var out map[string]any
	err := CompleteJSON(context.Background(), e, &Request{Schema: schema}, &out)
	assert.ErrorIs(t, err, core.ErrUpstream)

	err = CompleteJSON(context.Background(), e, &Request{}, &out)
	assert.Error(t, err)
}

func TestComplete_UpstreamError(t *testing.T) {
	srv, _ := fakeAnthropic(t, http.StatusInternalServerError, "")
	e := newTestEngine(srv.URL)

	_, err := e.Complete(context.Background(), &Request{Messages: []Message{{Role: core.RoleUser, Content: "hi"}}})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrUpstream)
}

func TestMock(t *testing.T) {
	m := NewMock()
	ctx := context.Background()

	text, err := m.Complete(ctx, &Request{Messages: []Message{{Role: core.RoleUser, Content: "hello\nworld"}}})
	require.NoError(t, err)
	assert.Equal(t, "(MOCK) You said: hello", text)

	var enrich struct {
		Summary  string   `json:"summary"`
		Category string   `json:"category"`
		Tags     []string `json:"tags"`
	}
	err = CompleteJSON(ctx, m, &Request{
		Messages: []Message{{Role: core.RoleUser, Content: "URL: https://a.example\nTitle: A"}},
		Schema:   tools.ObjectSchema(map[string]any{"summary": tools.StringProperty(""), "category": tools.StringProperty("")}),
	}, &enrich)
	require.NoError(t, err)
	assert.Equal(t, "AI Generated Summary for https://a.example (MOCK)", enrich.Summary)
	assert.Equal(t, []string{"mock", "test"}, enrich.Tags)

	var chunks []string
	full, err := m.Stream(ctx, &Request{Messages: []Message{{Role: core.RoleUser, Content: "a b"}}}, func(c string) {
		chunks = append(chunks, c)
	})
	require.NoError(t, err)
	assert.Equal(t, full, strings.Join(chunks, ""))
	assert.Greater(t, len(chunks), 1)
}
