package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"barcatalog/internal/models"
)

const (
	requestTimeout     = 30 * time.Second
	healthCheckTimeout = 5 * time.Second
	userAgent          = "barcatalog/1.0"
)

// HTTPSource is the concrete network-backed Source. It speaks a plain
// JSON-over-HTTP bar API:
//
//	GET <base>/v1/bars?symbol=AAPL&venue=XNAS&spec=1m&start=<unix>&end=<unix>
//	GET <base>/v1/health
//
// Rate limiting and retry live in the Fetcher wrapper, not here.
type HTTPSource struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ Source = (*HTTPSource)(nil)

// NewHTTPSource creates a source against the given base URL. The API key
// may be empty for unauthenticated endpoints.
func NewHTTPSource(baseURL, apiKey string, logger *slog.Logger) *HTTPSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSource{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger.With("component", "http_source"),
	}
}

// wireBar is the provider's JSON bar representation.
type wireBar struct {
	Timestamp int64  `json:"t"` // Unix milliseconds
	Open      string `json:"o"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Close     string `json:"c"`
	Volume    string `json:"v"`
}

// Fetch implements Source. Any failure while reading or decoding the
// response discards everything received so far - partial data is never
// returned as if complete.
func (s *HTTPSource) Fetch(ctx context.Context, key models.SeriesKey, start, end time.Time) ([]models.Bar, error) {
	params := url.Values{}
	params.Set("symbol", key.Instrument.Symbol)
	params.Set("venue", key.Instrument.Venue)
	params.Set("spec", key.Spec.String())
	params.Set("start", strconv.FormatInt(start.UnixMilli(), 10))
	params.Set("end", strconv.FormatInt(end.UnixMilli(), 10))

	requestURL := s.baseURL + "/v1/bars?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, &PermanentError{Err: fmt.Errorf("building request: %w", err)}
	}
	s.setHeaders(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bar request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := s.checkStatus(resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		// Stream broke partway; discard what arrived.
		return nil, fmt.Errorf("reading bar response: %w", err)
	}

	var payload struct {
		Bars []wireBar `json:"bars"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decoding bar response: %w", err)
	}

	bars := make([]models.Bar, 0, len(payload.Bars))
	for _, w := range payload.Bars {
		bar, err := models.NewBar(time.UnixMilli(w.Timestamp).UTC(), w.Open, w.High, w.Low, w.Close, w.Volume)
		if err != nil {
			// One malformed bar invalidates the response: treating it as
			// complete would claim coverage that was not obtained.
			return nil, &PermanentError{Err: fmt.Errorf("provider returned invalid bar: %w", err)}
		}
		bars = append(bars, *bar)
	}

	s.logger.Debug("fetched bars from provider",
		"key", key.String(),
		"start", start,
		"end", end,
		"count", len(bars))

	return bars, nil
}

// HealthCheck implements Source.
func (s *HTTPSource) HealthCheck(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, s.baseURL+"/v1/health", nil)
	if err != nil {
		return fmt.Errorf("building health check request: %w", err)
	}
	s.setHeaders(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}
	return nil
}

func (s *HTTPSource) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
}

// checkStatus maps HTTP status codes onto the transient/permanent split:
// 5xx and 429 are transient, remaining 4xx are permanent.
func (s *HTTPSource) checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode < 400:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return fmt.Errorf("too many requests (retry after %s)", retryAfter)
	case resp.StatusCode >= 500:
		return fmt.Errorf("service unavailable: status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return &PermanentError{Err: fmt.Errorf("authentication rejected: status %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusNotFound:
		return &PermanentError{Err: fmt.Errorf("unknown instrument: status %d", resp.StatusCode)}
	default:
		return &PermanentError{Err: fmt.Errorf("request rejected: status %d", resp.StatusCode)}
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, header); err == nil {
		return time.Until(t)
	}
	return 0
}
