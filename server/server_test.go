package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/runeai/config"
	"github.com/becomeliminal/runeai/core"
	"github.com/becomeliminal/runeai/server"
	"github.com/becomeliminal/runeai/service"
)

const origin = "http://localhost:5173"

type harness struct {
	rt  *service.Runtime
	srv *httptest.Server
}

func setup(t *testing.T, devMode bool) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(dir, "runeai.db")
	cfg.Embedding.Provider = "mock"
	cfg.Embedding.Dimension = 16
	cfg.LLM.Provider = "mock"
	cfg.Uploads.Dir = filepath.Join(dir, "uploads")
	cfg.Server.DevMode = devMode

	rt, err := service.Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	srv := httptest.NewServer(server.New(rt.Service, *cfg, nil).Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = rt.Close(context.Background())
	})
	return &harness{rt: rt, srv: srv}
}

func (h *harness) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, r)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(b, &v), string(b))
	return v
}

func TestProbes(t *testing.T) {
	h := setup(t, false)

	code, body := h.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	code, body = h.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"ready":true,"db":"connected"}`, string(body))

	code, _ = h.do(t, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestSubmitLink(t *testing.T) {
	h := setup(t, false)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"missing url", map[string]any{}, http.StatusBadRequest},
		{"bad scheme", map[string]any{"url": "file:///etc/passwd"}, http.StatusBadRequest},
		{"accepted", map[string]any{"url": "http://10.0.0.1/", "user_email": "a@test.com"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := h.do(t, http.MethodPost, "/sync", tt.body)
			assert.Equal(t, tt.want, code, string(body))
		})
	}

	code, body := h.do(t, http.MethodPost, "/sync", map[string]any{"url": "http://10.0.0.1/x"})
	require.Equal(t, http.StatusOK, code)
	res := decode[service.SubmitResult](t, body)
	_, err := h.rt.Pool.Await(context.Background(), res.JobID)
	require.NoError(t, err)

	code, body = h.do(t, http.MethodGet, "/links/"+res.LinkID, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, core.StatusCompleted, decode[core.Link](t, body).AIStatus)

	code, body = h.do(t, http.MethodGet, "/links/"+res.LinkID+"/logs", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]core.EnrichmentLog](t, body), 3)

	code, _ = h.do(t, http.MethodGet, "/links/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, body = h.do(t, http.MethodGet, "/links?user_email=a@test.com", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]core.Link](t, body), 1)
}

func TestSyncPushPull(t *testing.T) {
	h := setup(t, false)

	code, body := h.do(t, http.MethodPost, "/sync/push", map[string]any{
		"changes": []map[string]any{{
			"resource_type": "website", "op": "create", "resource_id": "l1",
			"client_change_id": "c1", "payload": map[string]any{"url": ""},
		}},
	})
	require.Equal(t, http.StatusOK, code, string(body))
	assert.JSONEq(t, `{"applied":[{"client_change_id":"c1"}],"conflicts":[]}`, string(body))

	code, body = h.do(t, http.MethodPost, "/sync/pull", nil)
	require.Equal(t, http.StatusOK, code)
	pull := decode[service.PullResult](t, body)
	assert.Empty(t, pull.Changes)
	assert.Positive(t, pull.Timestamp)
}

func TestCORS(t *testing.T) {
	h := setup(t, false)

	preflight := func(from string) *http.Response {
		req, err := http.NewRequest(http.MethodOptions, h.srv.URL+"/sync", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", from)
		req.Header.Set("Access-Control-Request-Method", "POST")
		req.Header.Set("Access-Control-Request-Headers", "content-type")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	resp := preflight(origin)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, origin, resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "Content-Type")

	resp = preflight("https://evil.example")
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestConversationFlow(t *testing.T) {
	h := setup(t, false)

	code, body := h.do(t, http.MethodPost, "/conversations", nil)
	require.Equal(t, http.StatusOK, code)
	conv := decode[core.Conversation](t, body)
	assert.Equal(t, core.DefaultConversationTitle, conv.Title)

	code, body = h.do(t, http.MethodPost, "/conversations/"+conv.ID+"/messages", core.ChatInput{Message: "hello there"})
	require.Equal(t, http.StatusOK, code, string(body))
	res := decode[core.ChatResult](t, body)
	assert.Equal(t, "(MOCK) You said: hello there", res.Reply)

	code, body = h.do(t, http.MethodGet, "/conversations/"+conv.ID+"/messages", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]core.Message](t, body), 2)

	code, body = h.do(t, http.MethodPost, "/conversations/"+conv.ID+"/save-rune", service.SaveRuneInput{
		MessageIDs: []string{res.UserMessageID},
		Title:      "Greeting",
	})
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, "Greeting", decode[service.RuneRef](t, body).Title)

	code, body = h.do(t, http.MethodGet, "/conversations", nil)
	require.Equal(t, http.StatusOK, code)
	convs := decode[[]core.Conversation](t, body)
	require.Len(t, convs, 1)
	assert.Equal(t, "hello there", convs[0].Title)

	code, _ = h.do(t, http.MethodGet, "/conversations/missing/messages", nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = h.do(t, http.MethodPost, "/conversations/"+conv.ID+"/messages", "not an object")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestStream(t *testing.T) {
	h := setup(t, false)
	code, body := h.do(t, http.MethodPost, "/conversations?title=Streamed", nil)
	require.Equal(t, http.StatusOK, code)
	conv := decode[core.Conversation](t, body)
	assert.Equal(t, "Streamed", conv.Title)

	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/conversations/" + conv.ID + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {origin}})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(core.ChatInput{Message: "stream me a reply"}))
	var text strings.Builder
	var done server.Frame
	for {
		var f server.Frame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Type == server.FrameDelta {
			text.WriteString(f.Text)
			continue
		}
		done = f
		break
	}
	require.Equal(t, server.FrameDone, done.Type)
	require.NotNil(t, done.Result)
	assert.Equal(t, "(MOCK) You said: stream me a reply", text.String())
	assert.Equal(t, text.String(), done.Result.Reply)

	_, _, err = websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://evil.example"}})
	assert.Error(t, err)
}

func TestStreamUnknownConversation(t *testing.T) {
	h := setup(t, false)
	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/conversations/missing/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(core.ChatInput{Message: "hi"}))
	var f server.Frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, server.FrameError, f.Type)
	assert.Contains(t, f.Detail, "not found")
}

func TestRunes(t *testing.T) {
	h := setup(t, true)

	code, body := h.do(t, http.MethodPost, "/runes?title=Tea&content=Green+tea+at+80C", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	ref := decode[service.RuneRef](t, body)

	code, body = h.do(t, http.MethodPost, "/runes", map[string]any{
		"title": "Image", "content": "a sketch",
		"attachments": []map[string]any{{"type": "image/png", "url": "/uploads/x.png"}},
	})
	require.Equal(t, http.StatusOK, code, string(body))

	code, _ = h.do(t, http.MethodPost, "/runes?title=empty", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = h.do(t, http.MethodGet, "/runes?limit=1", nil)
	require.Equal(t, http.StatusOK, code)
	views := decode[[]service.RuneView](t, body)
	require.Len(t, views, 1)
	assert.Equal(t, "image", views[0].Type)

	code, _ = h.do(t, http.MethodGet, "/runes?limit=many", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = h.do(t, http.MethodPost, "/runes/search?query=Green+tea+at+80C&top_k=1", nil)
	require.Equal(t, http.StatusOK, code)
	hits := decode[[]service.RuneHit](t, body)
	require.Len(t, hits, 1)
	assert.Equal(t, ref.ID, hits[0].ID)

	code, _ = h.do(t, http.MethodPost, "/runes/search", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestMemories(t *testing.T) {
	h := setup(t, false)

	code, _ := h.do(t, http.MethodPost, "/memories/consolidate?user_email=ghost@test.com", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, body := h.do(t, http.MethodGet, "/memories?user_email=ghost@test.com", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, string(body))

	h.do(t, http.MethodPost, "/conversations", nil)
	code, body = h.do(t, http.MethodPost, "/memories/consolidate", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "skipped", decode[map[string]any](t, body)["status"])
}

func TestUpload(t *testing.T) {
	h := setup(t, false)

	upload := func(mime string, content []byte) (int, []byte) {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		hdr := textproto.MIMEHeader{}
		hdr.Set("Content-Disposition", `form-data; name="file"; filename="pic.png"`)
		hdr.Set("Content-Type", mime)
		part, err := w.CreatePart(hdr)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
		require.NoError(t, w.Close())

		resp, err := http.Post(h.srv.URL+"/uploads", w.FormDataContentType(), &buf)
		require.NoError(t, err)
		defer resp.Body.Close()
		out, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, out
	}

	code, body := upload("image/png", []byte("fake png"))
	require.Equal(t, http.StatusOK, code, string(body))
	res := decode[service.UploadResult](t, body)
	assert.Equal(t, "pic.png", res.Filename)

	resp, err := http.Get(h.srv.URL + res.URL)
	require.NoError(t, err)
	served, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "fake png", string(served))

	code, _ = upload("text/plain", []byte("nope"))
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = h.do(t, http.MethodPost, "/uploads", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}
