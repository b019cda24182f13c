package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxFetchBytes = 256 * 1024

// webFetchTool performs a bounded GET against a public URL. Output goes
// through the compact limit since pages dwarf the context budget.
type webFetchTool struct {
	client *http.Client
}

func NewWebFetch() Tool {
	return &webFetchTool{
		client: &http.Client{Timeout: 20 * time.Second},
	}
}

func (t *webFetchTool) Spec() Spec {
	return Spec{
		Name:        "web_fetch",
		Description: "Fetch the text content of a public http(s) URL.",
		Params: []Param{
			{Name: "url", Type: "string", Description: "The URL to fetch.", Required: true},
		},
		OutputMode: ModeCompact,
	}
}

func (t *webFetchTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	raw := strings.TrimSpace(args["url"].(string))
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("only http and https URLs are supported")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", "ember-agent/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	return string(body), nil
}
