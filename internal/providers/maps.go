package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"prospector/internal/config"
	"prospector/internal/cost"
	"prospector/internal/logging"
	"prospector/internal/types"
)

// MapsClient talks to the Google Places API over plain HTTP.
type MapsClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	deps       Deps
	maxRetries int

	mu          sync.Mutex
	lastRequest time.Time
}

// NewMapsClient creates a Places client.
func NewMapsClient(cfg config.MapsProviderConfig, deps Deps, maxRetries int) *MapsClient {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &MapsClient{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.CallTimeout(),
		},
		deps:       deps,
		maxRetries: maxRetries,
	}
}

// textSearchResponse mirrors the Places text search payload.
type textSearchResponse struct {
	Results []struct {
		PlaceID          string   `json:"place_id"`
		Name             string   `json:"name"`
		FormattedAddress string   `json:"formatted_address"`
		Rating           float64  `json:"rating"`
		UserRatingsTotal int      `json:"user_ratings_total"`
		Types            []string `json:"types"`
	} `json:"results"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
}

// placeDetailsResponse mirrors the Places details payload.
type placeDetailsResponse struct {
	Result struct {
		PlaceID              string   `json:"place_id"`
		Name                 string   `json:"name"`
		FormattedAddress     string   `json:"formatted_address"`
		FormattedPhoneNumber string   `json:"formatted_phone_number"`
		Website              string   `json:"website"`
		Rating               float64  `json:"rating"`
		UserRatingsTotal     int      `json:"user_ratings_total"`
		Types                []string `json:"types"`
		OpeningHours         struct {
			WeekdayText []string `json:"weekday_text"`
		} `json:"opening_hours"`
		Reviews []struct {
			Time int64 `json:"time"`
		} `json:"reviews"`
		Photos []struct {
			PhotoReference string `json:"photo_reference"`
		} `json:"photos"`
	} `json:"result"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
}

// TextSearch runs a Places text search and returns normalized
// candidates, de-duplicated by place id within the batch.
func (c *MapsClient) TextSearch(ctx context.Context, query, location string, radiusM int) ([]types.Candidate, error) {
	if c.apiKey == "" {
		return nil, Permanent("maps", "textsearch", fmt.Errorf("API key not configured"))
	}
	if err := c.deps.acquire(ctx, config.BucketMapsTextSearch, "maps", "textsearch"); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("query", query)
	params.Set("key", c.apiKey)
	if lat, lng, ok := parseLatLng(location); ok {
		params.Set("location", fmt.Sprintf("%f,%f", lat, lng))
		if radiusM > 0 {
			params.Set("radius", strconv.Itoa(radiusM))
		}
	}

	start := time.Now()
	body, err := c.get(ctx, "textsearch", c.baseURL+"/textsearch/json?"+params.Encode())
	c.deps.record(ctx, "maps", "textsearch", cost.Usage{})
	logging.AuditProviderCalled("maps", "textsearch", time.Since(start), err == nil, errString(err))
	if err != nil {
		return nil, err
	}

	var resp textSearchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, Permanent("maps", "textsearch", fmt.Errorf("unparseable response: %w", err))
	}
	if err := checkPlacesStatus("maps", "textsearch", resp.Status, resp.ErrorMessage); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(resp.Results))
	out := make([]types.Candidate, 0, len(resp.Results))
	for _, r := range resp.Results {
		if r.PlaceID == "" || seen[r.PlaceID] {
			continue
		}
		seen[r.PlaceID] = true
		city, state := parseAddress(r.FormattedAddress)
		out = append(out, types.Candidate{
			PlaceID:     r.PlaceID,
			Name:        r.Name,
			Address:     r.FormattedAddress,
			City:        city,
			State:       state,
			Rating:      r.Rating,
			ReviewCount: r.UserRatingsTotal,
			Types:       r.Types,
		})
	}

	logging.Maps("textsearch %q returned %d candidates (%d raw)", query, len(out), len(resp.Results))
	return out, nil
}

// PlaceDetails fetches the detail record for one place.
func (c *MapsClient) PlaceDetails(ctx context.Context, placeID string) (*types.DetailedCandidate, error) {
	if c.apiKey == "" {
		return nil, Permanent("maps", "details", fmt.Errorf("API key not configured"))
	}
	if err := c.deps.acquire(ctx, config.BucketMapsDetails, "maps", "details"); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("place_id", placeID)
	params.Set("fields", "place_id,name,formatted_address,formatted_phone_number,website,rating,user_ratings_total,types,opening_hours,reviews,photos")
	params.Set("key", c.apiKey)

	start := time.Now()
	body, err := c.get(ctx, "details", c.baseURL+"/details/json?"+params.Encode())
	c.deps.record(ctx, "maps", "details", cost.Usage{})
	logging.AuditProviderCalled("maps", "details", time.Since(start), err == nil, errString(err))
	if err != nil {
		return nil, err
	}

	var resp placeDetailsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, Permanent("maps", "details", fmt.Errorf("unparseable response: %w", err))
	}
	if err := checkPlacesStatus("maps", "details", resp.Status, resp.ErrorMessage); err != nil {
		return nil, err
	}

	r := resp.Result
	city, state := parseAddress(r.FormattedAddress)
	detail := &types.DetailedCandidate{
		Candidate: types.Candidate{
			PlaceID:     r.PlaceID,
			Name:        r.Name,
			Address:     r.FormattedAddress,
			City:        city,
			State:       state,
			Rating:      r.Rating,
			ReviewCount: r.UserRatingsTotal,
			Website:     r.Website,
			Phone:       r.FormattedPhoneNumber,
			Types:       r.Types,
		},
		OpeningHours: r.OpeningHours.WeekdayText,
	}
	for _, review := range r.Reviews {
		if review.Time > 0 {
			detail.RecentReviewDates = append(detail.RecentReviewDates, time.Unix(review.Time, 0).UTC())
		}
	}
	for _, photo := range r.Photos {
		if photo.PhotoReference != "" {
			detail.PhotoRefs = append(detail.PhotoRefs, photo.PhotoReference)
		}
	}

	logging.MapsDebug("details %s: website=%q phone=%q reviews=%d", placeID, r.Website, r.FormattedPhoneNumber, len(r.Reviews))
	return detail, nil
}

// get performs an HTTP GET with a minimum inter-request gap and a
// retry loop for transient failures.
func (c *MapsClient) get(ctx context.Context, op, fullURL string) ([]byte, error) {
	c.mu.Lock()
	elapsed := time.Since(c.lastRequest)
	if elapsed < 100*time.Millisecond {
		time.Sleep(100*time.Millisecond - elapsed)
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()

	var lastErr error
	for i := 0; i <= c.maxRetries; i++ {
		if i > 0 {
			sleepBackoff(ctx, i)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, "GET", fullURL, nil)
		if err != nil {
			return nil, Permanent("maps", op, err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = Transient("maps", op, err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = Transient("maps", op, fmt.Errorf("failed to read response: %w", err))
			continue
		}

		if resp.StatusCode != http.StatusOK {
			classified := classifyHTTPStatus("maps", op, resp.StatusCode, string(body))
			if IsTransient(classified) {
				lastErr = classified
				continue
			}
			return nil, classified
		}
		return body, nil
	}

	logging.MapsError("%s: max retries exceeded: %v", op, lastErr)
	return nil, lastErr
}

// checkPlacesStatus maps the API-level status field onto error classes.
func checkPlacesStatus(provider, op, status, message string) error {
	switch status {
	case "OK", "ZERO_RESULTS":
		return nil
	case "OVER_QUERY_LIMIT":
		return QuotaExceeded(provider, op, fmt.Errorf("%s: %s", status, message))
	case "UNKNOWN_ERROR":
		return Transient(provider, op, fmt.Errorf("%s: %s", status, message))
	default:
		// REQUEST_DENIED, INVALID_REQUEST, NOT_FOUND
		return Permanent(provider, op, fmt.Errorf("%s: %s", status, message))
	}
}

// parseLatLng recognizes "lat,lng" location strings.
func parseLatLng(location string) (float64, float64, bool) {
	parts := strings.Split(location, ",")
	if len(parts) != 2 {
		return 0, 0, false
	}
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	lng, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return lat, lng, true
}

// parseAddress pulls city and state out of a formatted address like
// "123 Main St, Austin, TX 78701, USA". Best effort; empty when the
// shape is unrecognized.
func parseAddress(addr string) (city, state string) {
	parts := strings.Split(addr, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if len(parts) < 3 {
		return "", ""
	}
	city = parts[len(parts)-3]
	stateZip := strings.Fields(parts[len(parts)-2])
	if len(stateZip) > 0 {
		state = stateZip[0]
	}
	return city, state
}

// sleepBackoff waits with exponential backoff plus jitter, bailing
// early on context cancellation.
func sleepBackoff(ctx context.Context, attempt int) {
	d := time.Duration(1<<uint(attempt-1)) * time.Second
	if d > 8*time.Second {
		d = 8 * time.Second
	}
	d += time.Duration(rand.Int63n(int64(250 * time.Millisecond)))
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
