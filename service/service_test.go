package service_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/runeai/config"
	"github.com/becomeliminal/runeai/core"
	"github.com/becomeliminal/runeai/jobs"
	"github.com/becomeliminal/runeai/memory"
	"github.com/becomeliminal/runeai/service"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(dir, "runeai.db")
	cfg.Embedding.Provider = "mock"
	cfg.Embedding.Dimension = 16
	cfg.LLM.Provider = "mock"
	cfg.Jobs.Workers = 2
	cfg.Uploads.Dir = filepath.Join(dir, "uploads")
	cfg.Uploads.MaxBytes = 64
	return cfg
}

func build(t *testing.T, cfg *config.Config) *service.Runtime {
	t.Helper()
	rt, err := service.Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	return rt
}

func TestSubmitLink_EnqueueFailureMarksLinkFailed(t *testing.T) {
	rt := build(t, testConfig(t))
	ctx := context.Background()
	require.NoError(t, rt.Pool.Close(ctx))

	_, err := rt.Service.SubmitLink(ctx, "", "https://example.com/late")
	require.ErrorIs(t, err, jobs.ErrClosed)

	links, err := rt.Service.ListLinks(ctx, "")
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, core.StatusFailed, links[0].AIStatus)

	logs, err := rt.Service.LinkLogs(ctx, links[0].ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, core.LogFailed, logs[len(logs)-1].Status)
	assert.Contains(t, logs[len(logs)-1].Message, "pool closed")
}

func TestSubmitLink(t *testing.T) {
	rt := build(t, testConfig(t))
	ctx := context.Background()

	_, err := rt.Service.SubmitLink(ctx, "", "ftp://example.com/file")
	assert.ErrorIs(t, err, core.ErrValidation)
	_, err = rt.Service.SubmitLink(ctx, "", "not a url")
	assert.ErrorIs(t, err, core.ErrValidation)

	// Loopback is refused by the fetch gate, so enrichment runs on the
	// placeholder text without touching the network.
	res, err := rt.Service.SubmitLink(ctx, "", "http://127.0.0.1:1/page")
	require.NoError(t, err)
	assert.Equal(t, core.StatusQueued, res.Status)

	job, err := rt.Pool.Await(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateSucceeded, job.State)

	link, err := rt.Service.GetLink(ctx, res.LinkID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, link.AIStatus)
	assert.Equal(t, "Mock Category", link.Category)
	assert.Equal(t, []string{"mock", "test"}, link.Tags)

	logs, err := rt.Service.LinkLogs(ctx, res.LinkID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "Request received via /sync", logs[0].Message)
	assert.Equal(t, core.LogSuccess, logs[2].Status)

	links, err := rt.Service.ListLinks(ctx, service.DefaultEmail)
	require.NoError(t, err)
	assert.Len(t, links, 1)

	_, err = rt.Service.LinkLogs(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestUnknownUserReads(t *testing.T) {
	rt := build(t, testConfig(t))
	ctx := context.Background()

	links, err := rt.Service.ListLinks(ctx, "nobody@test.com")
	require.NoError(t, err)
	assert.Empty(t, links)
	convs, err := rt.Service.ListConversations(ctx, "nobody@test.com")
	require.NoError(t, err)
	assert.Empty(t, convs)
	runes, err := rt.Service.ListRunes(ctx, "nobody@test.com", 0)
	require.NoError(t, err)
	assert.Empty(t, runes)

	_, err = rt.Service.CreateRune(ctx, "nobody@test.com", service.CreateRuneInput{Title: "t", Content: "c"})
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = rt.Service.Consolidate(ctx, "nobody@test.com")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestDevModeCreatesUsers(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.DevMode = true
	rt := build(t, cfg)

	ref, err := rt.Service.CreateRune(context.Background(), "new@test.com", service.CreateRuneInput{Title: "t", Content: "c"})
	require.NoError(t, err)
	assert.NotEmpty(t, ref.ID)
}

func TestPushAndPull(t *testing.T) {
	rt := build(t, testConfig(t))
	ctx := context.Background()

	res, err := rt.Service.PushChanges(ctx, "sync@test.com", []core.ChangeItem{
		{ResourceType: "category", Op: core.OpCreate, ResourceID: "cat", ClientChangeID: "c1",
			Payload: map[string]any{"name": "Reading"}},
	})
	require.NoError(t, err)
	require.Len(t, res.Applied, 1)
	assert.Equal(t, "c1", res.Applied[0].ClientChangeID)

	at := time.UnixMilli(1_700_000_000_123)
	svc := service.New(rt.Service.Deps, service.WithClock(func() time.Time { return at }))
	pull := svc.PullChanges(ctx)
	assert.Empty(t, pull.Changes)
	assert.Equal(t, int64(1_700_000_000_123), pull.Timestamp)
}

func TestConversationToRuneAndMemory(t *testing.T) {
	rt := build(t, testConfig(t))
	svc := rt.Service
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, core.DefaultConversationTitle, conv.Title)

	first, err := svc.SendMessage(ctx, conv.ID, core.ChatInput{Message: "Remember the blue door"})
	require.NoError(t, err)
	assert.Equal(t, "(MOCK) You said: Remember the blue door", first.Reply)
	_, err = svc.SendMessage(ctx, conv.ID, core.ChatInput{Message: "and the red key"})
	require.NoError(t, err)

	msgs, err := svc.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 4)

	ref, err := svc.SaveRune(ctx, conv.ID, service.SaveRuneInput{
		MessageIDs: []string{first.UserMessageID, first.AssistantMessageID},
		Title:      "Door",
		Tags:       []string{"home"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Door", ref.Title)

	runes, err := svc.ListRunes(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, runes, 1)
	assert.Equal(t, "USER: Remember the blue door\n\nASSISTANT: (MOCK) You said: Remember the blue door", runes[0].Content)
	assert.Equal(t, "text", runes[0].Type)
	assert.Equal(t, []string{"home"}, runes[0].Tags)

	hits, err := svc.SearchRunes(ctx, "", runes[0].Content, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, ref.ID, hits[0].ID)
	assert.InDelta(t, 0, hits[0].Distance, 1e-5)

	res, err := svc.Consolidate(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, memory.StatusConsolidated, res.Status)

	mems, err := svc.ListMemories(ctx, "")
	require.NoError(t, err)
	require.Len(t, mems, 1)
	assert.Equal(t, res.MemoryID, mems[0].ID)

	_, err = svc.SaveRune(ctx, conv.ID, service.SaveRuneInput{MessageIDs: []string{"missing"}})
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = svc.ListMessages(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestRuneDescriptionTruncated(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.DevMode = true
	rt := build(t, cfg)
	ctx := context.Background()

	_, err := rt.Service.CreateRune(ctx, "", service.CreateRuneInput{
		Title:       "long",
		Content:     strings.Repeat("é", 250),
		Attachments: []core.Attachment{{Type: "audio/wav", URL: "/uploads/a.wav"}},
	})
	require.NoError(t, err)
	runes, err := rt.Service.ListRunes(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, runes, 1)
	assert.Equal(t, strings.Repeat("é", 200), runes[0].Description)
	assert.Equal(t, "audio", runes[0].Type)
	assert.Equal(t, 1, runes[0].AttachmentCount)
}

func TestUpload(t *testing.T) {
	cfg := testConfig(t)
	rt := build(t, cfg)
	ctx := context.Background()

	res, err := rt.Service.Upload(ctx, "photo.png", "image/PNG", bytes.NewReader([]byte("png-bytes")))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.URL, "/uploads/"))
	assert.True(t, strings.HasSuffix(res.URL, ".png"))
	assert.Equal(t, "photo.png", res.Filename)
	assert.Equal(t, "image/png", res.MIME)
	assert.EqualValues(t, 9, res.Size)

	data, err := os.ReadFile(filepath.Join(cfg.Uploads.Dir, strings.TrimPrefix(res.URL, "/uploads/")))
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))

	tests := []struct {
		name string
		mime string
		body []byte
	}{
		{"unsupported type", "text/html", []byte("<p>")},
		{"empty", "image/png", nil},
		{"too large", "audio/mpeg", bytes.Repeat([]byte("x"), 65)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rt.Service.Upload(ctx, "f", tt.mime, bytes.NewReader(tt.body))
			assert.ErrorIs(t, err, core.ErrValidation)
		})
	}

	res, err = rt.Service.Upload(ctx, "edge.wav", "audio/wav", bytes.NewReader(bytes.Repeat([]byte("x"), 64)))
	require.NoError(t, err)
	assert.EqualValues(t, 64, res.Size)
}
