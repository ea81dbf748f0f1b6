package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"prospector/internal/providers"
	"prospector/internal/types"
)

func TestClassifyPage(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/", pageHomepage},
		{"/index.html", pageHomepage},
		{"/about-us", pageAbout},
		{"/our-services/", pageServices},
		{"/menu", pageServices},
		{"/pricing", pagePricing},
		{"/contact", pageContact},
		{"/get-in-touch", pageContact},
		{"/blog/2024/post", pageOther},
	}
	for _, tt := range tests {
		if got := classifyPage(tt.path); got != tt.want {
			t.Errorf("classifyPage(%q) = %s, want %s", tt.path, got, tt.want)
		}
	}
}

func TestExtractFromPageHeuristics(t *testing.T) {
	r := newStageRun(t, types.Brief{Industry: "plumbing", Count: 5})
	ex := &extraction{}
	r.extractFromPage(ex, &sitePage{
		Kind: pageContact,
		HTML: `<html><head>
			<meta name="description" content="Austin's trusted residential plumbing company since 1998.">
		</head><body>
			<a href="mailto:info@acme.com?subject=hi">Email us</a>
			<a href="tel:+15125550100">Call</a>
			<p>Reach our office at office@acme.com or (512) 555-0199 any weekday.</p>
		</body></html>`,
	})

	if ex.Email.Value != "info@acme.com" || ex.Email.Confidence != 0.9 {
		t.Errorf("Email = %+v, want the mailto address at 0.9", ex.Email)
	}
	if ex.Phone.Value != "+15125550100" || ex.Phone.Confidence != 0.9 {
		t.Errorf("Phone = %+v, want the tel link at 0.9", ex.Phone)
	}
	if ex.Description.Confidence != 0.8 {
		t.Errorf("Description = %+v, want the meta description at 0.8", ex.Description)
	}
}

func TestExtractFromPageTextFallsBackToRegex(t *testing.T) {
	r := newStageRun(t, types.Brief{Industry: "plumbing", Count: 5})
	ex := &extraction{}
	r.extractFromPage(ex, &sitePage{
		Kind: pageContact,
		HTML: `<html><body>Questions? Write to hello@acme.com or call (512) 555-0100.</body></html>`,
	})

	if ex.Email.Value != "hello@acme.com" {
		t.Errorf("Email = %+v", ex.Email)
	}
	if ex.Email.Confidence != 0.7 {
		t.Errorf("Email confidence = %v, want 0.7 with the contact-page boost", ex.Email.Confidence)
	}
	if ex.Phone.Value == "" {
		t.Errorf("Phone = %+v, want the regex match", ex.Phone)
	}
}

func TestExtractFromPageServicesOnlyOnRelevantKinds(t *testing.T) {
	r := newStageRun(t, types.Brief{Industry: "plumbing", Count: 5})
	page := `<html><body><ul><li>Drain Cleaning</li><li>Water Heater Repair</li></ul></body></html>`

	ex := &extraction{}
	r.extractFromPage(ex, &sitePage{Kind: pageServices, HTML: page})
	if len(ex.Services) != 2 || ex.ServicesCf != 0.6 {
		t.Errorf("services page: %v cf=%v", ex.Services, ex.ServicesCf)
	}

	ex = &extraction{}
	r.extractFromPage(ex, &sitePage{Kind: pageAbout, HTML: page})
	if len(ex.Services) != 0 {
		t.Errorf("about page must not yield services: %v", ex.Services)
	}
}

func TestApplyExtractionNeverOverwritesMapsPhone(t *testing.T) {
	p := &types.Prospect{ContactPhone: "+1 512 555 0100"}
	applyExtraction(p, &extraction{
		Email: fieldValue{Value: "info@acme.com", Confidence: 0.9},
		Phone: fieldValue{Value: "+1 999 999 9999", Confidence: 0.9},
	})

	if p.ContactPhone != "+1 512 555 0100" {
		t.Errorf("maps phone overwritten: %q", p.ContactPhone)
	}
	if p.ContactEmail != "info@acme.com" {
		t.Errorf("email not applied: %q", p.ContactEmail)
	}
}

func TestCleanEmail(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Info@Acme.COM", "info@acme.com"},
		{"info@acme.com?subject=hello", "info@acme.com"},
		{"logo@2x.png", ""},
		{"user@example.com", ""},
		{"not-an-email", ""},
	}
	for _, tt := range tests {
		if got := cleanEmail(tt.in); got != tt.want {
			t.Errorf("cleanEmail(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCleanPhone(t *testing.T) {
	if got := cleanPhone("(512) 555-0100"); got == "" {
		t.Error("valid phone rejected")
	}
	if got := cleanPhone("12345"); got != "" {
		t.Errorf("too-short phone accepted: %q", got)
	}
	if got := cleanPhone("1234567890123456789"); got != "" {
		t.Errorf("too-long phone accepted: %q", got)
	}
}

func TestDiscoverPagesFromSitemap(t *testing.T) {
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`<?xml version="1.0"?><urlset>
			<loc>` + srv.URL + `/about</loc>
			<loc>` + srv.URL + `/services</loc>
			<loc>` + srv.URL + `/contact</loc>
			<loc>` + srv.URL + `/blog/a</loc>
			<loc>` + srv.URL + `/blog/b</loc>
			<loc>` + srv.URL + `/assets/logo.png</loc>
		</urlset>`))
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	r := newStageRun(t, types.Brief{Industry: "plumbing", Count: 5})
	pages := r.discoverPages(context.Background(), srv.URL, "<html></html>")

	if len(pages) > r.maxPages {
		t.Fatalf("page cap violated: %d pages", len(pages))
	}
	if pages[0].Kind != pageHomepage {
		t.Fatalf("first page = %s, want homepage", pages[0].Kind)
	}
	kinds := map[string]bool{}
	for _, pg := range pages {
		kinds[pg.Kind] = true
		if isAssetURL(pg.URL) {
			t.Errorf("asset URL survived discovery: %s", pg.URL)
		}
	}
	// With the cap at five, the interesting kinds beat the blog tail.
	for _, want := range []string{pageContact, pageAbout, pageServices} {
		if !kinds[want] {
			t.Errorf("missing %s page in %v", want, pages)
		}
	}
}

func TestDiscoverPagesIgnoresForeignHosts(t *testing.T) {
	r := newStageRun(t, types.Brief{Industry: "plumbing", Count: 5})
	home := `<html><body>
		<a href="https://elsewhere.com/about">other</a>
		<a href="/contact">contact</a>
	</body></html>`
	pages := r.discoverPages(context.Background(), "https://acme.invalid", home)

	for _, pg := range pages[1:] {
		if pg.Kind != pageContact {
			t.Errorf("unexpected page: %+v", pg)
		}
	}
}

func TestVisionFallbackMergesLowConfidenceSlots(t *testing.T) {
	r := newStageRun(t, types.Brief{Industry: "plumbing", Count: 5})
	r.vision = &fakeVision{analyzeFunc: func(promptText string, images [][]byte) (json.RawMessage, error) {
		return json.RawMessage(`{
			"email": "front@acme.com",
			"phone": "+1 512 555 0777",
			"description": "Full service plumbing.",
			"services": ["Repiping"],
			"social_profiles": {"instagram": "https://instagram.com/acme"},
			"field_confidence": {"email": 0.8, "phone": 0.2, "description": 0.9, "services": 0.7}
		}`), nil
	}}

	p := &types.Prospect{CompanyName: "Acme", Website: "https://acme.com"}
	ex := &extraction{
		Phone:      fieldValue{Value: "+1 512 555 0100", Confidence: 0.4},
		DesktopPNG: []byte("png"),
	}
	r.visionFallback(context.Background(), p, ex)

	if !ex.VisionUsed {
		t.Fatal("vision was not consulted")
	}
	if ex.Email.Value != "front@acme.com" {
		t.Errorf("Email = %+v, want the vision value in the empty slot", ex.Email)
	}
	// Vision confidence 0.2 must not displace the 0.4 heuristic phone.
	if ex.Phone.Value != "+1 512 555 0100" {
		t.Errorf("Phone = %+v, vision overwrote a more confident value", ex.Phone)
	}
	if len(ex.VisionSocial) != 1 {
		t.Errorf("VisionSocial = %v", ex.VisionSocial)
	}
}

func TestVisionFallbackQuotaDisablesForRun(t *testing.T) {
	r := newStageRun(t, types.Brief{Industry: "plumbing", Count: 5})
	calls := 0
	r.vision = &fakeVision{analyzeFunc: func(promptText string, images [][]byte) (json.RawMessage, error) {
		calls++
		return nil, providers.QuotaExceeded("gemini-vision", "analyze", errors.New("429"))
	}}

	p := &types.Prospect{CompanyName: "Acme", Website: "https://acme.com"}
	ex := &extraction{DesktopPNG: []byte("png")}

	r.visionFallback(context.Background(), p, ex)
	if !r.visionDisabled {
		t.Fatal("quota exhaustion must disable vision for the run")
	}
	r.visionFallback(context.Background(), p, ex)
	if calls != 1 {
		t.Errorf("vision called %d times after quota exhaustion, want 1", calls)
	}
}

func TestVisionFallbackSkipsWithoutScreenshot(t *testing.T) {
	r := newStageRun(t, types.Brief{Industry: "plumbing", Count: 5})
	calls := 0
	r.vision = &fakeVision{analyzeFunc: func(promptText string, images [][]byte) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"field_confidence":{}}`), nil
	}}

	r.visionFallback(context.Background(), &types.Prospect{CompanyName: "Acme"}, &extraction{})
	if calls != 0 {
		t.Error("vision must not run without a screenshot")
	}
}
