package connector

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"
	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"
)

const maxPageContent = 50000

// CRMConfig configures the browser-driven CRM connector.
type CRMConfig struct {
	BaseURL        string
	Headless       bool
	ScreenshotDir  string
	ActionTimeout  time.Duration
	NoteSelector   string
	SubmitSelector string
}

// CRMConnector drives the CRM web UI through a Chrome instance. The browser
// is started lazily and stays open until Close.
type CRMConnector struct {
	cfg CRMConfig

	mu            sync.Mutex
	allocCtx      context.Context
	browserCtx    context.Context
	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
}

func NewCRMConnector(cfg CRMConfig) *CRMConnector {
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 60 * time.Second
	}
	if cfg.ScreenshotDir == "" {
		cfg.ScreenshotDir = "screenshots"
	}
	if cfg.NoteSelector == "" {
		cfg.NoteSelector = "textarea[name=note]"
	}
	if cfg.SubmitSelector == "" {
		cfg.SubmitSelector = "button[type=submit]"
	}
	return &CRMConnector{cfg: cfg}
}

func (c *CRMConnector) Description() string {
	return "Operate the CRM web application through a browser: audit accounts, log activities and update record fields."
}

func (c *CRMConnector) Actions() []Action {
	return []Action{
		{Name: "audit_account", Description: "Open an account (account_id or url) and return its page content for review."},
		{Name: "log_activity", Description: "Add a note to a record (record_url or contact_id, note)."},
		{Name: "update_field", Description: "Set a field on a record (record_url, selector, value)."},
		{Name: "navigate", Description: "Open a CRM page (url)."},
		{Name: "screenshot", Description: "Capture the current page to a PNG file."},
	}
}

type crmArgs struct {
	action    string
	target    string
	selector  string
	value     string
	submit    string
	waitReady string
}

// prepare validates params and resolves the target URL before the browser
// is touched, so bad input fails fast and permanently.
func (c *CRMConnector) prepare(action string, params map[string]any) (crmArgs, error) {
	args := crmArgs{action: action, submit: c.cfg.SubmitSelector, waitReady: "body"}
	if s := stringParam(params, "submit_selector"); s != "" {
		args.submit = s
	}
	switch action {
	case "audit_account":
		target, err := c.recordURL(params, "url", "account_id", "accounts")
		if err != nil {
			return args, err
		}
		args.target = target
	case "log_activity":
		target, err := c.recordURL(params, "record_url", "contact_id", "contacts")
		if err != nil {
			return args, err
		}
		if err := requireParams("crm", action, params, "note"); err != nil {
			return args, err
		}
		args.target = target
		args.selector = c.cfg.NoteSelector
		if s := stringParam(params, "note_selector"); s != "" {
			args.selector = s
		}
		args.value = stringParam(params, "note")
	case "update_field":
		if err := requireParams("crm", action, params, "record_url", "selector", "value"); err != nil {
			return args, err
		}
		target, err := c.recordURL(params, "record_url", "", "")
		if err != nil {
			return args, err
		}
		args.target = target
		args.selector = stringParam(params, "selector")
		args.value = stringParam(params, "value")
	case "navigate":
		target, err := c.recordURL(params, "url", "", "")
		if err != nil {
			return args, err
		}
		args.target = target
	case "screenshot", "close":
	default:
		return args, UnknownAction("crm", action)
	}
	return args, nil
}

// recordURL resolves either an explicit URL param or an id under BaseURL.
func (c *CRMConnector) recordURL(params map[string]any, urlKey, idKey, collection string) (string, error) {
	raw := stringParam(params, urlKey)
	if raw == "" && idKey != "" {
		id := stringParam(params, idKey)
		if id != "" {
			if c.cfg.BaseURL == "" {
				return "", Permanentf("crm: base_url is not configured, pass %s instead", urlKey)
			}
			return strings.TrimRight(c.cfg.BaseURL, "/") + "/" + collection + "/" + url.PathEscape(id), nil
		}
	}
	if raw == "" {
		if idKey != "" {
			return "", Permanentf("crm: %s or %s is required", urlKey, idKey)
		}
		return "", Permanentf("crm: %s is required", urlKey)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		if c.cfg.BaseURL != "" && strings.HasPrefix(raw, "/") {
			return strings.TrimRight(c.cfg.BaseURL, "/") + raw, nil
		}
		return "", Permanentf("crm: invalid url %q", raw)
	}
	return u.String(), nil
}

func (c *CRMConnector) initBrowser() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.browserCtx != nil {
		select {
		case <-c.browserCtx.Done():
			c.cleanup()
		default:
			return nil
		}
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("headless", c.cfg.Headless),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)

	c.allocCtx, c.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	c.browserCtx, c.browserCancel = chromedp.NewContext(c.allocCtx)

	return chromedp.Run(c.browserCtx)
}

func (c *CRMConnector) cleanup() {
	if c.browserCancel != nil {
		c.browserCancel()
	}
	if c.allocCancel != nil {
		c.allocCancel()
	}
	c.browserCtx = nil
	c.allocCtx = nil
}

// Close shuts the browser down.
func (c *CRMConnector) Close() error {
	c.mu.Lock()
	c.cleanup()
	c.mu.Unlock()
	return nil
}

func (c *CRMConnector) Execute(ctx context.Context, action string, params map[string]any) (Result, error) {
	args, err := c.prepare(action, params)
	if err != nil {
		return nil, err
	}
	if action == "close" {
		return Result{"closed": true}, c.Close()
	}

	if err := c.initBrowser(); err != nil {
		return nil, fmt.Errorf("crm: failed to initialize browser: %w", err)
	}

	c.mu.Lock()
	browserCtx := c.browserCtx
	c.mu.Unlock()

	actionCtx, cancel := context.WithTimeout(browserCtx, c.cfg.ActionTimeout)
	defer cancel()
	// The caller's deadline also bounds the browser work.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	switch action {
	case "audit_account":
		return c.audit(actionCtx, args)

	case "log_activity", "update_field":
		err = chromedp.Run(actionCtx,
			chromedp.Navigate(args.target),
			chromedp.WaitVisible(args.selector, chromedp.ByQuery),
			chromedp.SetValue(args.selector, "", chromedp.ByQuery),
			chromedp.SendKeys(args.selector, args.value, chromedp.ByQuery),
			chromedp.Click(args.submit, chromedp.ByQuery),
		)
		if err != nil {
			return nil, fmt.Errorf("crm.%s: %w", action, err)
		}
		return Result{"url": args.target, "updated": args.selector}, nil

	case "navigate":
		if err := chromedp.Run(actionCtx, chromedp.Navigate(args.target)); err != nil {
			return nil, fmt.Errorf("crm.navigate: %w", err)
		}
		return Result{"url": args.target}, nil

	case "screenshot":
		var buf []byte
		if err := chromedp.Run(actionCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
			return nil, fmt.Errorf("crm.screenshot: %w", err)
		}
		if err := os.MkdirAll(c.cfg.ScreenshotDir, 0755); err != nil {
			return nil, err
		}
		path := filepath.Join(c.cfg.ScreenshotDir, fmt.Sprintf("crm_%d.png", time.Now().UnixNano()))
		if err := os.WriteFile(path, buf, 0644); err != nil {
			return nil, err
		}
		absPath, _ := filepath.Abs(path)
		return Result{"path": absPath}, nil
	}
	return nil, UnknownAction("crm", action)
}

func (c *CRMConnector) audit(ctx context.Context, args crmArgs) (Result, error) {
	var html string
	err := chromedp.Run(ctx,
		chromedp.Navigate(args.target),
		chromedp.WaitReady(args.waitReady, chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			node, err := dom.GetDocument().Do(ctx)
			if err != nil {
				return err
			}
			html, err = dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("crm.audit_account: %w", err)
	}
	title, content, err := extractText(html, args.target)
	if err != nil {
		return nil, fmt.Errorf("crm.audit_account: %w", err)
	}
	return Result{"url": args.target, "title": title, "content": content}, nil
}

// extractText pulls the readable part of a page and strips any markup.
func extractText(html, pageURL string) (string, string, error) {
	parsedURL, err := url.Parse(pageURL)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse URL: %w", err)
	}
	article, err := readability.FromReader(strings.NewReader(html), parsedURL)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse page: %w", err)
	}
	content := bluemonday.StrictPolicy().Sanitize(article.TextContent)
	if len(content) > maxPageContent {
		content = content[:maxPageContent] + "\n... (content truncated) ..."
	}
	return article.Title, strings.TrimSpace(content), nil
}
