package providers

import (
	"context"
	"errors"
	"testing"

	"prospector/internal/config"
)

const samplePage = `<!DOCTYPE html>
<html>
<head>
  <title>Ace Plumbing | Austin TX</title>
  <meta name="description" content="Family owned plumbers since 1988">
  <meta property="og:image" content="https://cdn.example.com/hero.jpg">
  <meta charset="utf-8">
</head>
<body>
  <a href="/about">About</a>
  <a href="/about">About again</a>
  <a href="https://instagram.com/aceplumbing">IG</a>
  <a href="#top">Top</a>
  <a href="mailto:info@ace.example.com">Email</a>
  <a href="javascript:void(0)">Menu</a>
  <a href="tel:+15125550100">Call</a>
</body>
</html>`

func TestExtractMetaTags(t *testing.T) {
	meta := extractMetaTags(samplePage)
	if meta["title"] != "Ace Plumbing | Austin TX" {
		t.Errorf("title = %q", meta["title"])
	}
	if meta["description"] != "Family owned plumbers since 1988" {
		t.Errorf("description = %q", meta["description"])
	}
	if meta["og:image"] != "https://cdn.example.com/hero.jpg" {
		t.Errorf("og:image = %q", meta["og:image"])
	}
	if _, ok := meta["charset"]; ok {
		t.Error("charset meta has no name/property and should be skipped")
	}
}

func TestExtractMetaTagsMalformedHTML(t *testing.T) {
	meta := extractMetaTags(`<title>Partial</title><meta name="robots" content="noindex">`)
	if meta["title"] != "Partial" {
		t.Errorf("title = %q, want forgiving parse", meta["title"])
	}
	if meta["robots"] != "noindex" {
		t.Errorf("robots = %q", meta["robots"])
	}
}

func TestExtractOutboundLinks(t *testing.T) {
	links := extractOutboundLinks(samplePage, "https://ace.example.com/")
	want := []string{
		"https://ace.example.com/about",
		"https://instagram.com/aceplumbing",
	}
	if len(links) != len(want) {
		t.Fatalf("links = %v, want %v", links, want)
	}
	for i := range want {
		if links[i] != want[i] {
			t.Errorf("links[%d] = %q, want %q", i, links[i], want[i])
		}
	}
}

func TestResolveHref(t *testing.T) {
	base := "https://ace.example.com/services/"
	tests := []struct {
		href string
		want string
	}{
		{"/about", "https://ace.example.com/about"},
		{"drain-cleaning", "https://ace.example.com/services/drain-cleaning"},
		{"https://facebook.com/ace#reviews", "https://facebook.com/ace"},
		{"#contact", ""},
		{"javascript:void(0)", ""},
		{"mailto:a@b.c", ""},
		{"tel:+1512", ""},
		{"ftp://files.example.com/x", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := resolveHref(base, tt.href); got != tt.want {
			t.Errorf("resolveHref(%q) = %q, want %q", tt.href, got, tt.want)
		}
	}
}

func TestClassifyNavError(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		err  error
		want RenderStatus
	}{
		{errors.New("net::ERR_NAME_NOT_RESOLVED"), RenderUnreachable},
		{errors.New("net::ERR_CONNECTION_REFUSED"), RenderUnreachable},
		{errors.New("net::ERR_CERT_AUTHORITY_INVALID"), RenderUnreachable},
		{errors.New("net::ERR_TIMED_OUT"), RenderTimeout},
		{context.DeadlineExceeded, RenderTimeout},
		{errors.New("something odd"), RenderUnreachable},
	}
	for _, tt := range tests {
		if got := classifyNavError(ctx, tt.err); got != tt.want {
			t.Errorf("classifyNavError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}

	expired, cancel := context.WithCancel(context.Background())
	cancel()
	if got := classifyNavError(expired, errors.New("navigation aborted")); got != RenderTimeout {
		t.Errorf("cancelled context should classify as timeout, got %q", got)
	}
}

func TestBrowserPoolSizing(t *testing.T) {
	client := NewBrowserClient(config.BrowserConfig{Headless: true}, 0, testDeps(t))

	pool := NewBrowserPool(client, 2)
	defer pool.Close()
	if pool.Size() != 2 {
		t.Errorf("Size() = %d", pool.Size())
	}

	clamped := NewBrowserPool(client, 0)
	defer clamped.Close()
	if clamped.Size() != 1 {
		t.Errorf("zero size should clamp to 1, got %d", clamped.Size())
	}
}
