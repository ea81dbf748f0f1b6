package providers

import (
	"context"
	"errors"
	"fmt"
	neturl "net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"golang.org/x/net/html"

	"prospector/internal/config"
	"prospector/internal/cost"
	"prospector/internal/logging"
)

// RenderStatus describes how a page render concluded.
type RenderStatus string

const (
	RenderOK          RenderStatus = "ok"
	RenderUnreachable RenderStatus = "unreachable"
	RenderTimeout     RenderStatus = "timeout"
	RenderBlocked     RenderStatus = "blocked"
)

// Viewport is the emulated device size for a render.
type Viewport struct {
	Width  int
	Height int
	Mobile bool
}

var (
	DesktopViewport = Viewport{Width: 1920, Height: 1080}
	MobileViewport  = Viewport{Width: 375, Height: 667, Mobile: true}
)

// RenderResult is the captured state of one page load.
type RenderResult struct {
	URL           string
	FinalURL      string
	Status        RenderStatus
	HTTPStatus    int
	Title         string
	HTML          string
	PNG           []byte
	Meta          map[string]string
	OutboundLinks []string
	ElapsedMs     int64
}

// BrowserClient owns one headless Chrome instance and renders pages
// in throwaway incognito contexts.
type BrowserClient struct {
	cfg  config.BrowserConfig
	deps Deps

	mu         sync.Mutex
	browser    *rod.Browser
	controlURL string

	navTimeout time.Duration
}

// NewBrowserClient creates a render client. The browser process is
// launched lazily on first render.
func NewBrowserClient(cfg config.BrowserConfig, navTimeout time.Duration, deps Deps) *BrowserClient {
	if navTimeout <= 0 {
		navTimeout = 30 * time.Second
	}
	return &BrowserClient{
		cfg:        cfg,
		deps:       deps,
		navTimeout: navTimeout,
	}
}

// Start launches and connects to Chrome. Reconnects if a previous
// instance died.
func (c *BrowserClient) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.browser != nil {
		if _, err := c.browser.Version(); err == nil {
			return nil
		}
		logging.BrowserWarn("stale browser connection detected, relaunching")
		_ = c.browser.Close()
		c.browser = nil
		c.controlURL = ""
	}

	launch := launcher.New().Headless(c.cfg.Headless)
	if c.cfg.Bin != "" {
		launch = launch.Bin(c.cfg.Bin)
	}
	controlURL, err := launch.Launch()
	if err != nil {
		return fmt.Errorf("launch chrome: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	c.browser = browser
	c.controlURL = controlURL
	logging.Browser("browser launched (headless=%v)", c.cfg.Headless)
	return nil
}

func (c *BrowserClient) ensureStarted(ctx context.Context) error {
	c.mu.Lock()
	started := c.browser != nil
	c.mu.Unlock()
	if started {
		return nil
	}
	return c.Start(ctx)
}

// IsConnected reports whether a browser is attached.
func (c *BrowserClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.browser != nil
}

// Close tears down the browser process.
func (c *BrowserClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if c.browser != nil {
		err = c.browser.Close()
		c.browser = nil
		c.controlURL = ""
	}
	return err
}

// Render loads url at the given viewport and captures HTML, a PNG
// screenshot, title, meta tags, and outbound links. Network-level
// failures and HTTP error statuses are reported in the result status
// rather than as errors; err is reserved for infrastructure failures.
func (c *BrowserClient) Render(ctx context.Context, pageURL string, vp Viewport, timeout time.Duration) (*RenderResult, error) {
	if err := c.deps.acquire(ctx, config.BucketBrowser, "browser", "render"); err != nil {
		return nil, err
	}
	if err := c.ensureStarted(ctx); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = c.navTimeout
	}

	start := time.Now()
	result, err := c.renderOnce(ctx, pageURL, vp, timeout)
	c.deps.record(ctx, "browser", "render", cost.Usage{})
	logging.AuditProviderCalled("browser", "render", time.Since(start), err == nil, errString(err))
	if err != nil {
		return nil, err
	}
	result.ElapsedMs = time.Since(start).Milliseconds()
	logging.Browser("rendered %s status=%s http=%d html=%dB png=%dB in %dms",
		pageURL, result.Status, result.HTTPStatus, len(result.HTML), len(result.PNG), result.ElapsedMs)
	return result, nil
}

func (c *BrowserClient) renderOnce(ctx context.Context, pageURL string, vp Viewport, timeout time.Duration) (*RenderResult, error) {
	c.mu.Lock()
	browser := c.browser
	c.mu.Unlock()
	if browser == nil {
		return nil, errors.New("browser not connected")
	}

	result := &RenderResult{URL: pageURL, Status: RenderOK, Meta: map[string]string{}}

	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	incognito, err := browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	defer page.Close()
	page = page.Context(navCtx)

	scale := 1.0
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             vp.Width,
		Height:            vp.Height,
		DeviceScaleFactor: scale,
		Mobile:            vp.Mobile,
	}).Call(page); err != nil {
		logging.BrowserWarn("failed to set viewport: %v", err)
	}

	// Watch for the main document response to learn the HTTP status.
	var httpStatus int
	var finalURL string
	waitResp := page.EachEvent(func(e *proto.NetworkResponseReceived) bool {
		if e.Type == proto.NetworkResourceTypeDocument {
			httpStatus = e.Response.Status
			finalURL = e.Response.URL
			return true
		}
		return false
	})

	if err := page.Navigate(pageURL); err != nil {
		result.Status = classifyNavError(navCtx, err)
		return result, nil
	}
	if err := page.WaitLoad(); err != nil {
		result.Status = classifyNavError(navCtx, err)
		return result, nil
	}
	waitResp()

	result.HTTPStatus = httpStatus
	result.FinalURL = finalURL
	if result.FinalURL == "" {
		result.FinalURL = pageURL
	}
	if httpStatus >= 400 {
		result.Status = RenderBlocked
	}

	if htmlStr, err := page.HTML(); err == nil {
		result.HTML = htmlStr
	} else if navCtx.Err() != nil {
		result.Status = RenderTimeout
		return result, nil
	}

	if info, err := page.Info(); err == nil {
		result.Title = info.Title
	}

	if png, err := page.Screenshot(false, nil); err == nil {
		result.PNG = png
	} else {
		logging.BrowserWarn("screenshot failed for %s: %v", pageURL, err)
	}

	if result.HTML != "" {
		result.Meta = extractMetaTags(result.HTML)
		if result.Title == "" {
			result.Title = result.Meta["title"]
		}
		result.OutboundLinks = extractOutboundLinks(result.HTML, result.FinalURL)
	}
	return result, nil
}

// classifyNavError maps navigation failures onto render statuses.
func classifyNavError(ctx context.Context, err error) RenderStatus {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return RenderTimeout
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "ERR_NAME_NOT_RESOLVED"),
		strings.Contains(msg, "ERR_CONNECTION"),
		strings.Contains(msg, "ERR_ADDRESS"),
		strings.Contains(msg, "ERR_CERT"),
		strings.Contains(msg, "ERR_SSL"),
		strings.Contains(msg, "ERR_INTERNET_DISCONNECTED"):
		return RenderUnreachable
	case strings.Contains(msg, "ERR_TIMED_OUT"), strings.Contains(msg, "timeout"):
		return RenderTimeout
	default:
		return RenderUnreachable
	}
}

// extractMetaTags pulls <title> and <meta> name/property pairs.
func extractMetaTags(htmlStr string) map[string]string {
	meta := make(map[string]string)
	doc, err := html.Parse(strings.NewReader(htmlStr))
	if err != nil {
		return meta
	}
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
					meta["title"] = strings.TrimSpace(n.FirstChild.Data)
				}
			case "meta":
				var key, content string
				for _, attr := range n.Attr {
					switch attr.Key {
					case "name", "property":
						key = strings.ToLower(attr.Val)
					case "content":
						content = attr.Val
					}
				}
				if key != "" && content != "" {
					meta[key] = content
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return meta
}

// resolveHref absolutizes an anchor target against the page URL and
// drops fragments, javascript:, mailto:, and tel: pseudo-links.
func resolveHref(baseURL, href string) string {
	if href == "" || strings.HasPrefix(href, "#") ||
		strings.HasPrefix(href, "javascript:") ||
		strings.HasPrefix(href, "mailto:") ||
		strings.HasPrefix(href, "tel:") {
		return ""
	}
	ref, err := neturl.Parse(href)
	if err != nil {
		return ""
	}
	if ref.IsAbs() {
		if ref.Scheme != "http" && ref.Scheme != "https" {
			return ""
		}
		ref.Fragment = ""
		return ref.String()
	}
	base, err := neturl.Parse(baseURL)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(ref)
	abs.Fragment = ""
	return abs.String()
}

// extractOutboundLinks collects absolute href targets from anchors.
func extractOutboundLinks(htmlStr, baseURL string) []string {
	doc, err := html.Parse(strings.NewReader(htmlStr))
	if err != nil {
		return nil
	}
	seen := make(map[string]bool)
	var links []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				href := resolveHref(baseURL, strings.TrimSpace(attr.Val))
				if href != "" && !seen[href] {
					seen[href] = true
					links = append(links, href)
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return links
}
