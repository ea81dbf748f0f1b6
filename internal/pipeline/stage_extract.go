package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	neturl "net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"

	"prospector/internal/logging"
	"prospector/internal/prompt"
	"prospector/internal/providers"
	"prospector/internal/types"
)

// Page kinds assigned by URL pattern.
const (
	pageHomepage = "homepage"
	pageAbout    = "about"
	pageServices = "services"
	pagePricing  = "pricing"
	pageContact  = "contact"
	pageOther    = "other"
)

// sitePage is one discovered page of the prospect's website.
type sitePage struct {
	URL  string
	Kind string
	HTML string
}

// fieldValue is one extracted datum with its confidence.
type fieldValue struct {
	Value      string
	Confidence float64
}

func (f *fieldValue) upgrade(value string, confidence float64) {
	if value == "" {
		return
	}
	if f.Value == "" || confidence > f.Confidence {
		f.Value = value
		f.Confidence = confidence
	}
}

// extraction accumulates what the heuristics and the vision fallback
// learned about one website.
type extraction struct {
	Email       fieldValue
	Phone       fieldValue
	Description fieldValue
	Services    []string
	ServicesCf  float64

	OutboundLinks []string
	VisionSocial  map[string]string
	DesktopPNG    []byte

	VisionUsed bool
	Snapshot   types.PromptSnapshot
}

// overall is the mean confidence across the four heuristic fields.
func (e *extraction) overall() float64 {
	return (e.Email.Confidence + e.Phone.Confidence + e.Description.Confidence + e.ServicesCf) / 4
}

var (
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phoneRe = regexp.MustCompile(`\+?\(?\d[\d()\-.\s]{7,14}\d`)
	locRe   = regexp.MustCompile(`<loc>\s*([^<\s]+)\s*</loc>`)
)

var assetExtensions = map[string]bool{
	".pdf": true, ".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".svg": true, ".webp": true, ".ico": true, ".css": true, ".js": true,
	".zip": true, ".mp4": true, ".mp3": true, ".woff": true, ".woff2": true,
	".xml": true, ".txt": true,
}

var visionExtractionSchema = &providers.Schema{
	Type: "object",
	Properties: map[string]*providers.Schema{
		"email":       {Type: "string"},
		"phone":       {Type: "string"},
		"description": {Type: "string"},
		"services":    {Type: "array", Items: &providers.Schema{Type: "string"}},
		"social_profiles": {
			Type:        "object",
			Description: "platform name to profile url",
		},
		"field_confidence": {
			Type: "object",
			Properties: map[string]*providers.Schema{
				"email":           {Type: "number"},
				"phone":           {Type: "number"},
				"description":     {Type: "number"},
				"services":        {Type: "number"},
				"social_profiles": {Type: "number"},
			},
		},
	},
	Required: []string{"field_confidence"},
}

// extractData enriches a prospect whose website is active: discover
// pages, render the homepage at both viewports, run DOM heuristics,
// and fall back to the vision model when confidence stays low.
func (r *Run) extractData(ctx context.Context, p *types.Prospect, verified verifyResult) *extraction {
	ex := &extraction{}

	siteURL := verified.FinalURL
	if siteURL == "" {
		siteURL = p.Website
		if !strings.HasPrefix(siteURL, "http") {
			siteURL = "https://" + siteURL
		}
	}

	pages := r.discoverPages(ctx, siteURL, verified.Body)
	r.fetchPages(ctx, pages)

	// The homepage render captures screenshots and outbound links the
	// plain fetch cannot see.
	desktop, err := r.browser.Render(ctx, siteURL, providers.DesktopViewport, r.browserTimeout)
	if err != nil {
		r.warnProgress(StageDataExtraction, p.CompanyName, "homepage render failed: %v", err)
		r.noteProviderError(err)
	} else if desktop.Status == providers.RenderOK {
		ex.DesktopPNG = desktop.PNG
		ex.OutboundLinks = desktop.OutboundLinks
		if len(pages) > 0 && pages[0].HTML == "" {
			pages[0].HTML = desktop.HTML
		}
	}
	if _, err := r.browser.Render(ctx, siteURL, providers.MobileViewport, r.browserTimeout); err != nil {
		logging.ExtractDebug("run %s mobile render failed for %s: %v", r.id, siteURL, err)
	}

	for _, page := range pages {
		if page.HTML == "" {
			continue
		}
		r.extractFromPage(ex, page)
	}

	if ex.overall() < r.confidenceThreshold && r.options.UseVisionFallbackEnabled() {
		r.visionFallback(ctx, p, ex)
	}

	applyExtraction(p, ex)
	logging.Extract("run %s %q extraction: email=%v phone=%v desc=%v services=%d confidence=%.2f vision=%v",
		r.id, p.CompanyName, ex.Email.Value != "", ex.Phone.Value != "",
		ex.Description.Value != "", len(ex.Services), ex.overall(), ex.VisionUsed)
	return ex
}

// discoverPages finds up to MaxPagesPerSite pages: sitemap first, then
// robots-declared sitemaps, then homepage links. The homepage itself is
// always first.
func (r *Run) discoverPages(ctx context.Context, siteURL, homepageHTML string) []*sitePage {
	base, err := neturl.Parse(siteURL)
	if err != nil {
		return []*sitePage{{URL: siteURL, Kind: pageHomepage, HTML: homepageHTML}}
	}

	seen := map[string]bool{canonicalPageURL(siteURL): true}
	pages := []*sitePage{{URL: siteURL, Kind: pageHomepage, HTML: homepageHTML}}

	add := func(raw string) {
		if len(pages) >= r.maxPages {
			return
		}
		u, err := neturl.Parse(raw)
		if err != nil || u.Host == "" || !strings.EqualFold(u.Host, base.Host) {
			return
		}
		if isAssetURL(u.Path) {
			return
		}
		key := canonicalPageURL(u.String())
		if seen[key] {
			return
		}
		kind := classifyPage(u.Path)
		if kind == pageOther && len(pages) >= r.maxPages-1 {
			return
		}
		seen[key] = true
		pages = append(pages, &sitePage{URL: u.String(), Kind: kind})
	}

	for _, loc := range r.sitemapURLs(ctx, base) {
		add(loc)
	}
	if len(pages) < r.maxPages && homepageHTML != "" {
		for _, href := range linksFromHTML(homepageHTML, siteURL) {
			add(href)
		}
	}

	// Interesting kinds first so the page cap trims the generic tail.
	sort.SliceStable(pages[1:], func(i, j int) bool {
		return pageKindRank(pages[i+1].Kind) < pageKindRank(pages[j+1].Kind)
	})
	if len(pages) > r.maxPages {
		pages = pages[:r.maxPages]
	}
	return pages
}

// sitemapURLs tries /sitemap.xml, then sitemaps declared in robots.txt.
func (r *Run) sitemapURLs(ctx context.Context, base *neturl.URL) []string {
	root := base.Scheme + "://" + base.Host

	if _, status, body, err := r.web.fetch(ctx, root+"/sitemap.xml"); err == nil && status == 200 {
		if locs := parseSitemapLocs(body); len(locs) > 0 {
			return locs
		}
	}

	_, status, robots, err := r.web.fetch(ctx, root+"/robots.txt")
	if err != nil || status != 200 {
		return nil
	}
	for _, line := range strings.Split(robots, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(strings.ToLower(line), "sitemap:") {
			continue
		}
		sitemapURL := strings.TrimSpace(line[len("sitemap:"):])
		if _, st, body, err := r.web.fetch(ctx, sitemapURL); err == nil && st == 200 {
			if locs := parseSitemapLocs(body); len(locs) > 0 {
				return locs
			}
		}
	}
	return nil
}

func parseSitemapLocs(body string) []string {
	matches := locRe.FindAllStringSubmatch(body, 50)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if !strings.HasSuffix(strings.ToLower(m[1]), ".xml") {
			out = append(out, m[1])
		}
	}
	return out
}

// fetchPages fills in HTML for pages that lack it. This is the one
// batched step in the pipeline: fetches run concurrently, bounded by
// the run's max_concurrent option, with a polite delay between starts.
func (r *Run) fetchPages(ctx context.Context, pages []*sitePage) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.options.Concurrency())

	delay := time.Duration(r.options.RequestDelay()) * time.Millisecond
	for i, page := range pages {
		if page.HTML != "" {
			continue
		}
		if gctx.Err() != nil {
			break
		}
		page := page
		if i > 0 && delay > 0 {
			select {
			case <-time.After(delay):
			case <-gctx.Done():
			}
		}
		g.Go(func() error {
			_, status, body, err := r.web.fetch(gctx, page.URL)
			if err == nil && status >= 200 && status < 300 && looksLikeHTML(body) {
				page.HTML = body
			}
			return nil
		})
	}
	_ = g.Wait()
}

// extractFromPage runs the DOM heuristics over one page.
func (r *Run) extractFromPage(ex *extraction, page *sitePage) {
	doc, err := html.Parse(strings.NewReader(page.HTML))
	if err != nil {
		return
	}

	// Contact pages are the most trustworthy source for contact data.
	contactBoost := 0.0
	if page.Kind == pageContact || page.Kind == pageHomepage {
		contactBoost = 0.1
	}

	var textParts []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "noscript":
				return
			case "a":
				for _, attr := range n.Attr {
					if attr.Key != "href" {
						continue
					}
					href := strings.TrimSpace(attr.Val)
					if strings.HasPrefix(href, "mailto:") {
						addr := cleanEmail(strings.TrimPrefix(href, "mailto:"))
						ex.Email.upgrade(addr, 0.9)
					}
					if strings.HasPrefix(href, "tel:") {
						ex.Phone.upgrade(cleanPhone(strings.TrimPrefix(href, "tel:")), 0.9)
					}
				}
			case "meta":
				var name, content string
				for _, attr := range n.Attr {
					switch attr.Key {
					case "name", "property":
						name = strings.ToLower(attr.Val)
					case "content":
						content = strings.TrimSpace(attr.Val)
					}
				}
				if (name == "description" || name == "og:description") && len(content) > 20 {
					ex.Description.upgrade(content, 0.8)
				}
			case "p":
				if text := nodeText(n); len(text) > 80 && ex.Description.Confidence < 0.4 {
					ex.Description.upgrade(text, 0.4)
				}
			case "li", "h2", "h3":
				if page.Kind == pageServices || page.Kind == pageHomepage {
					if svc := serviceCandidate(nodeText(n)); svc != "" {
						ex.addService(svc, page.Kind)
					}
				}
			}
		case html.TextNode:
			textParts = append(textParts, n.Data)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)

	text := strings.Join(textParts, " ")
	if ex.Email.Confidence < 0.6+contactBoost {
		if m := emailRe.FindString(text); m != "" && !isAssetEmail(m) {
			ex.Email.upgrade(cleanEmail(m), 0.6+contactBoost)
		}
	}
	if ex.Phone.Confidence < 0.5+contactBoost {
		if m := phoneRe.FindString(text); m != "" {
			ex.Phone.upgrade(cleanPhone(m), 0.5+contactBoost)
		}
	}
}

// addService records a deduplicated service name, capped at ten.
func (e *extraction) addService(svc, pageKind string) {
	if len(e.Services) >= 10 {
		return
	}
	for _, existing := range e.Services {
		if strings.EqualFold(existing, svc) {
			return
		}
	}
	e.Services = append(e.Services, svc)
	conf := 0.3
	if pageKind == pageServices {
		conf = 0.6
	}
	if conf > e.ServicesCf {
		e.ServicesCf = conf
	}
}

// visionFallback asks the vision model to read the homepage screenshot
// and merges its answers into low-confidence slots only.
func (r *Run) visionFallback(ctx context.Context, p *types.Prospect, ex *extraction) {
	if r.vision == nil || r.visionDisabled || len(ex.DesktopPNG) == 0 {
		return
	}

	promptText, snap, err := r.prompts.Render(prompt.IDWebsiteExtraction, map[string]string{
		"company_name": p.CompanyName,
		"website":      p.Website,
	})
	if err != nil {
		logging.ExtractWarn("run %s vision prompt render failed: %v", r.id, err)
		return
	}
	ex.Snapshot = snap

	raw, err := r.vision.Analyze(ctx, promptText, [][]byte{ex.DesktopPNG}, visionExtractionSchema)
	if err != nil {
		if providers.IsQuotaExceeded(err) {
			r.visionDisabled = true
			r.warnProgress(StageDataExtraction, p.CompanyName, "vision quota exhausted, skipping vision fallback for the rest of the run")
		} else {
			r.warnProgress(StageDataExtraction, p.CompanyName, "vision extraction failed: %v", err)
			r.noteProviderError(err)
		}
		return
	}

	var v struct {
		Email           string            `json:"email"`
		Phone           string            `json:"phone"`
		Description     string            `json:"description"`
		Services        []string          `json:"services"`
		SocialProfiles  map[string]string `json:"social_profiles"`
		FieldConfidence map[string]float64 `json:"field_confidence"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		logging.ExtractWarn("run %s vision response malformed: %v", r.id, err)
		return
	}

	ex.VisionUsed = true
	conf := func(field string) float64 { return v.FieldConfidence[field] }

	// Only low-confidence slots accept vision values, and only when
	// vision is more certain than the heuristics were.
	if ex.Email.Confidence < r.confidenceThreshold {
		ex.Email.upgrade(cleanEmail(v.Email), conf("email"))
	}
	if ex.Phone.Confidence < r.confidenceThreshold {
		ex.Phone.upgrade(cleanPhone(v.Phone), conf("phone"))
	}
	if ex.Description.Confidence < r.confidenceThreshold {
		ex.Description.upgrade(strings.TrimSpace(v.Description), conf("description"))
	}
	if ex.ServicesCf < r.confidenceThreshold && len(v.Services) > 0 && conf("services") > ex.ServicesCf {
		ex.Services = nil
		ex.ServicesCf = conf("services")
		for _, svc := range v.Services {
			if svc = strings.TrimSpace(svc); svc != "" {
				ex.Services = append(ex.Services, svc)
			}
		}
	}
	if len(v.SocialProfiles) > 0 {
		ex.VisionSocial = v.SocialProfiles
	}
}

// applyExtraction copies extracted fields onto the prospect. Fields
// neither source produced stay empty; extraction never invents data.
func applyExtraction(p *types.Prospect, ex *extraction) {
	if ex.Email.Value != "" {
		p.ContactEmail = ex.Email.Value
	}
	if ex.Phone.Value != "" && p.ContactPhone == "" {
		p.ContactPhone = ex.Phone.Value
	}
	if ex.Description.Value != "" {
		p.Description = ex.Description.Value
	}
	if len(ex.Services) > 0 {
		p.Services = ex.Services
	}
}

// classifyPage maps a URL path onto a page kind.
func classifyPage(path string) string {
	p := strings.ToLower(strings.Trim(path, "/"))
	switch {
	case p == "" || p == "index.html" || p == "index.php" || p == "home":
		return pageHomepage
	case strings.Contains(p, "about"):
		return pageAbout
	case strings.Contains(p, "service"), strings.Contains(p, "what-we-do"), strings.Contains(p, "menu"):
		return pageServices
	case strings.Contains(p, "pricing"), strings.Contains(p, "plans"), strings.Contains(p, "rates"):
		return pagePricing
	case strings.Contains(p, "contact"), strings.Contains(p, "reach-us"), strings.Contains(p, "get-in-touch"):
		return pageContact
	default:
		return pageOther
	}
}

func pageKindRank(kind string) int {
	switch kind {
	case pageHomepage:
		return 0
	case pageContact:
		return 1
	case pageAbout:
		return 2
	case pageServices:
		return 3
	case pagePricing:
		return 4
	default:
		return 5
	}
}

func isAssetURL(path string) bool {
	dot := strings.LastIndex(path, ".")
	if dot < 0 {
		return false
	}
	return assetExtensions[strings.ToLower(path[dot:])]
}

func isAssetEmail(addr string) bool {
	lower := strings.ToLower(addr)
	for ext := range assetExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return strings.Contains(lower, "example.") || strings.Contains(lower, "@2x")
}

func cleanEmail(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "?&"); i >= 0 {
		s = s[:i]
	}
	s = strings.ToLower(s)
	if !emailRe.MatchString(s) || isAssetEmail(s) {
		return ""
	}
	return s
}

func cleanPhone(s string) string {
	s = strings.TrimSpace(s)
	digits := 0
	for _, c := range s {
		if c >= '0' && c <= '9' {
			digits++
		}
	}
	if digits < 7 || digits > 15 {
		return ""
	}
	return s
}

// serviceCandidate filters list/heading text down to plausible short
// service names.
func serviceCandidate(text string) string {
	text = strings.TrimSpace(text)
	if len(text) < 3 || len(text) > 60 {
		return ""
	}
	if strings.ContainsAny(text, "@{}<>|") {
		return ""
	}
	words := strings.Fields(text)
	if len(words) > 6 {
		return ""
	}
	lower := strings.ToLower(text)
	for _, noise := range []string{"home", "about", "contact", "login", "sign in", "privacy", "terms", "cookie", "copyright", "menu", "search", "blog", "more"} {
		if lower == noise {
			return ""
		}
	}
	return text
}

func looksLikeHTML(body string) bool {
	head := strings.ToLower(body)
	if len(head) > 512 {
		head = head[:512]
	}
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html") || strings.Contains(head, "<body")
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}

// linksFromHTML collects same-document anchor hrefs resolved against
// the page URL.
func linksFromHTML(htmlStr, baseURL string) []string {
	doc, err := html.Parse(strings.NewReader(htmlStr))
	if err != nil {
		return nil
	}
	base, err := neturl.Parse(baseURL)
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
				href := strings.TrimSpace(attr.Val)
				if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") ||
					strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "tel:") {
					continue
				}
				ref, err := neturl.Parse(href)
				if err != nil {
					continue
				}
				abs := base.ResolveReference(ref)
				abs.Fragment = ""
				s := abs.String()
				if !seen[s] {
					seen[s] = true
					links = append(links, s)
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

func canonicalPageURL(raw string) string {
	u, err := neturl.Parse(raw)
	if err != nil {
		return raw
	}
	u.Fragment = ""
	u.RawQuery = ""
	return fmt.Sprintf("%s://%s%s", u.Scheme, strings.ToLower(u.Host), strings.TrimRight(u.Path, "/"))
}
