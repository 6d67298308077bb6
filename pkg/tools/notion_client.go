package tools

import (
	"context"

	"github.com/go-resty/resty/v2"
	"github.com/m-mizutani/goerr/v2"

	"github.com/comigor/labs-agent/internal/config"
)

// NotionClient is a client for the Notion REST API
type NotionClient struct {
	cfg    config.NotionConfig
	client *resty.Client
}

// NewNotionClient creates a new NotionClient
func NewNotionClient(cfg config.NotionConfig) *NotionClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.notion.com/v1"
	}
	version := cfg.Version
	if version == "" {
		version = "2022-06-28"
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(cfg.APIKey).
		SetHeader("Notion-Version", version).
		SetHeader("Content-Type", "application/json")
	return &NotionClient{cfg: cfg, client: client}
}

type notionObject struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type notionError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CreatePage creates a page (or database row) and returns its id.
func (c *NotionClient) CreatePage(ctx context.Context, body map[string]any) (string, error) {
	var out notionObject
	var apiErr notionError
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&apiErr).
		Post("/pages")
	if err != nil {
		return "", goerr.Wrap(err, "notion request failed", goerr.V("path", "/pages"))
	}
	if resp.IsError() {
		return "", goerr.New("notion API error",
			goerr.V("status", resp.StatusCode()),
			goerr.V("code", apiErr.Code),
			goerr.V("message", apiErr.Message))
	}
	return out.ID, nil
}

// AppendChildren appends blocks under the given block or page.
func (c *NotionClient) AppendChildren(ctx context.Context, blockID string, children []map[string]any) error {
	var apiErr notionError
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", blockID).
		SetBody(map[string]any{"children": children}).
		SetError(&apiErr).
		Patch("/blocks/{id}/children")
	if err != nil {
		return goerr.Wrap(err, "notion request failed", goerr.V("block", blockID))
	}
	if resp.IsError() {
		return goerr.New("notion API error",
			goerr.V("status", resp.StatusCode()),
			goerr.V("code", apiErr.Code),
			goerr.V("message", apiErr.Message))
	}
	return nil
}
