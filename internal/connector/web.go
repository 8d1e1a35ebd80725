package connector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tmc/langchaingo/tools/duckduckgo"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

// Searcher is the subset of the DuckDuckGo tool the web connector needs.
type Searcher interface {
	Call(ctx context.Context, input string) (string, error)
}

// WebConnector searches the web and extracts readable page content.
type WebConnector struct {
	Search    Searcher
	Client    *http.Client
	UserAgent string
}

// NewWebConnector wires the DuckDuckGo search tool.
func NewWebConnector(maxResults int) (*WebConnector, error) {
	if maxResults <= 0 {
		maxResults = 10
	}
	ddg, err := duckduckgo.New(maxResults, duckduckgo.DefaultUserAgent)
	if err != nil {
		return nil, err
	}
	return &WebConnector{
		Search:    ddg,
		Client:    &http.Client{Timeout: 30 * time.Second},
		UserAgent: defaultUserAgent,
	}, nil
}

func (w *WebConnector) Description() string {
	return "Search the public web and fetch articles as clean text."
}

func (w *WebConnector) Actions() []Action {
	return []Action{
		{Name: "search", Description: "Search the web (query)."},
		{Name: "scrape", Description: "Fetch a page and return its main text (url)."},
	}
}

func (w *WebConnector) Execute(ctx context.Context, action string, params map[string]any) (Result, error) {
	switch action {
	case "search":
		if err := requireParams("web", action, params, "query"); err != nil {
			return nil, err
		}
		if w.Search == nil {
			return nil, Permanentf("web: search is not configured")
		}
		query := stringParam(params, "query")
		res, err := w.Search.Call(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("search failed: %w", err)
		}
		return Result{"query": query, "results": res}, nil

	case "scrape":
		if err := requireParams("web", action, params, "url"); err != nil {
			return nil, err
		}
		return w.scrape(ctx, stringParam(params, "url"))
	}
	return nil, UnknownAction("web", action)
}

func (w *WebConnector) scrape(ctx context.Context, pageURL string) (Result, error) {
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, Permanentf("failed to create request: %v", err)
	}
	ua := w.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	req.Header.Set("User-Agent", ua)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("failed to fetch URL: status code %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, Permanent(err)
		}
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	title, content, err := extractText(string(body), pageURL)
	if err != nil {
		return nil, err
	}
	return Result{"url": pageURL, "title": title, "content": content}, nil
}
