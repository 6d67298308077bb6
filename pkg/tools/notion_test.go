package tools

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/comigor/labs-agent/internal/config"
)

type capturedRequest struct {
	method  string
	path    string
	version string
	auth    string
	body    map[string]any
}

func notionServer(t *testing.T, status int) (*httptest.Server, *capturedRequest) {
	t.Helper()
	got := &capturedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.Path
		got.version = r.Header.Get("Notion-Version")
		got.auth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got.body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status >= 400 {
			_, _ = w.Write([]byte(`{"object":"error","code":"validation_error","message":"bad"}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"page-1","url":"https://notion.so/page-1"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestAddScheduleItem(t *testing.T) {
	srv, got := notionServer(t, http.StatusOK)
	client := NewNotionClient(config.NotionConfig{APIKey: "secret", BaseURL: srv.URL})
	tool := NewAddScheduleItemTool(client, "db-1", "")

	out, err := tool.Run(context.Background(), map[string]any{
		"title": "Lab 15 (BST Maps)",
		"when":  "2025-11-21T23:59:00Z",
		"tags":  []any{"CS2"},
		"type":  "Lab",
	})
	require.NoError(t, err)
	require.Equal(t, `Added "Lab 15 (BST Maps)" to your Notion Schedule.`, out)

	require.Equal(t, http.MethodPost, got.method)
	require.Equal(t, "/pages", got.path)
	require.Equal(t, "2022-06-28", got.version)
	require.Equal(t, "Bearer secret", got.auth)

	props := got.body["properties"].(map[string]any)
	date := props["When"].(map[string]any)["date"].(map[string]any)
	require.Equal(t, "2025-11-21T23:59:00", date["start"])
	require.Equal(t, "America/Los_Angeles", date["time_zone"])
	require.NotContains(t, props, "Details")
	require.Equal(t, "db-1", got.body["parent"].(map[string]any)["database_id"])
}

func TestAddScheduleItem_APIError(t *testing.T) {
	srv, _ := notionServer(t, http.StatusBadRequest)
	tool := NewAddScheduleItemTool(NewNotionClient(config.NotionConfig{BaseURL: srv.URL}), "db-1", "")

	_, err := tool.Run(context.Background(), map[string]any{"title": "x"})
	require.Error(t, err)
}

func TestAddScheduleItem_MissingCredentials(t *testing.T) {
	_, err := NewAddScheduleItemTool(nil, "", "").Run(context.Background(), map[string]any{"title": "x"})
	require.ErrorContains(t, err, "credentials missing")
}

func TestAddLabItem(t *testing.T) {
	srv, got := notionServer(t, http.StatusOK)
	tool := NewAddLabItemTool(NewNotionClient(config.NotionConfig{APIKey: "k", BaseURL: srv.URL}), "page-9")

	out, err := tool.Run(context.Background(), map[string]any{
		"title":   "Lab 16",
		"summary": "Binary search trees",
		"links":   []any{"https://docs.google.com/document/d/x"},
	})
	require.NoError(t, err)
	require.Equal(t, `Successfully added "Lab 16" to Labs section.`, out)
	require.Equal(t, http.MethodPatch, got.method)
	require.Equal(t, "/blocks/page-9/children", got.path)

	children := got.body["children"].([]any)
	require.Len(t, children, 1)
	toggle := children[0].(map[string]any)["toggle"].(map[string]any)
	// summary, heading, one link
	require.Len(t, toggle["children"].([]any), 3)
}
