package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"regexp"
	"strings"
	"time"

	"prospector/internal/logging"
	"prospector/internal/types"
)

const fetchBodyLimit = 1 << 20 // 1 MiB of page text is plenty for detection
const fetchUserAgent = "Mozilla/5.0 (compatible; prospector/1.0)"

// webFetcher performs the plain HTTP probe used by verification and
// page discovery. Redirects are capped at three per the verification
// contract.
type webFetcher struct {
	client *http.Client
}

func newWebFetcher(timeout time.Duration) *webFetcher {
	return &webFetcher{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
}

// fetch GETs url and returns the final URL, status code, and body text.
func (f *webFetcher) fetch(ctx context.Context, url string) (finalURL string, status int, body string, err error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", 0, "", err
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", 0, "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, fetchBodyLimit))
	if err != nil {
		return resp.Request.URL.String(), resp.StatusCode, "", err
	}
	return resp.Request.URL.String(), resp.StatusCode, string(data), nil
}

// parkingDetector decides whether a page is a domain-parking
// placeholder. A host on the parking list is conclusive; textual
// indicators need two or more matches so a legitimate site mentioning
// its own domain does not trip the check.
type parkingDetector struct {
	hosts      map[string]bool
	indicators []*regexp.Regexp
}

func newParkingDetector(hosts, indicators []string) (*parkingDetector, error) {
	d := &parkingDetector{hosts: make(map[string]bool, len(hosts))}
	for _, h := range hosts {
		d.hosts[strings.ToLower(strings.TrimPrefix(h, "www."))] = true
	}
	for _, pattern := range indicators {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, fmt.Errorf("bad parking indicator %q: %w", pattern, err)
		}
		d.indicators = append(d.indicators, re)
	}
	return d, nil
}

// hostParked reports whether the URL's host is a known parking service.
func (d *parkingDetector) hostParked(rawURL string) bool {
	u, err := neturl.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))
	if d.hosts[host] {
		return true
	}
	// A parked domain often serves from a subdomain of the service.
	for h := range d.hosts {
		if strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// indicatorCount counts distinct indicator patterns matching the page.
func (d *parkingDetector) indicatorCount(body string) int {
	n := 0
	for _, re := range d.indicators {
		if re.MatchString(body) {
			n++
		}
	}
	return n
}

// isParked applies the combined rule: host match, or two or more
// textual indicators.
func (d *parkingDetector) isParked(finalURL, body string) bool {
	if d.hostParked(finalURL) {
		return true
	}
	return d.indicatorCount(body) >= 2
}

// verifyResult carries what verification learned beyond the status, so
// extraction can reuse the fetched homepage.
type verifyResult struct {
	FinalURL string
	Body     string
}

// verifyWebsite resolves the prospect's website_status. A missing
// website is unreachable, not an error: the prospect proceeds with
// lower completeness.
func (r *Run) verifyWebsite(ctx context.Context, p *types.Prospect) verifyResult {
	if strings.TrimSpace(p.Website) == "" {
		p.WebsiteStatus = types.WebsiteUnreachable
		return verifyResult{}
	}

	url := p.Website
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "https://" + url
	}

	finalURL, status, body, err := r.web.fetch(ctx, url)
	if err != nil {
		logging.Verify("run %s %q website %s unreachable: %v", r.id, p.CompanyName, url, err)
		p.WebsiteStatus = types.WebsiteUnreachable
		return verifyResult{}
	}

	switch {
	case r.parking.isParked(finalURL, body):
		p.WebsiteStatus = types.WebsiteParking
	case status >= 200 && status < 300:
		p.WebsiteStatus = types.WebsiteActive
	default:
		p.WebsiteStatus = types.WebsiteDown
	}

	logging.Verify("run %s %q website %s -> %s (http %d)", r.id, p.CompanyName, url, p.WebsiteStatus, status)
	return verifyResult{FinalURL: finalURL, Body: body}
}
