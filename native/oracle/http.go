package oracle

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPSource fetches USD prices from a simple REST quote endpoint returning
// `{"price": "<decimal>", "timestamp": <unix>}`. An identifier map translates
// engine asset IDs into the remote feed's naming scheme.
type HTTPSource struct {
	client   HTTPDoer
	endpoint string
	apiKey   string
	idMap    map[string]string
}

// NewHTTPSource constructs an HTTP price source. When client is nil
// http.DefaultClient is used; the API key is optional and only attached to
// requests when supplied.
func NewHTTPSource(client HTTPDoer, endpoint, apiKey string, idMap map[string]string) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	mapped := make(map[string]string, len(idMap))
	for k, v := range idMap {
		mapped[normaliseAsset(k)] = strings.TrimSpace(v)
	}
	return &HTTPSource{
		client:   client,
		endpoint: strings.TrimSpace(endpoint),
		apiKey:   strings.TrimSpace(apiKey),
		idMap:    mapped,
	}
}

func (s *HTTPSource) remoteID(assetID string) string {
	if id, ok := s.idMap[normaliseAsset(assetID)]; ok && id != "" {
		return id
	}
	return strings.ToLower(strings.TrimSpace(assetID))
}

// GetPrice implements Source against the configured endpoint.
func (s *HTTPSource) GetPrice(assetID string) (Quote, error) {
	if s == nil || s.endpoint == "" {
		return Quote{}, fmt.Errorf("http source not configured")
	}
	asset := normaliseAsset(assetID)
	req, err := http.NewRequest(http.MethodGet, s.endpoint, nil)
	if err != nil {
		return Quote{}, err
	}
	values := url.Values{}
	values.Set("asset", s.remoteID(asset))
	values.Set("quote", "usd")
	req.URL.RawQuery = values.Encode()
	if s.apiKey != "" {
		req.Header.Set("x-api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Quote{}, fmt.Errorf("http source: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload struct {
		Price     string `json:"price"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Quote{}, fmt.Errorf("http source: decode: %w", err)
	}
	price, err := ParseDecimal(payload.Price)
	if err != nil {
		return Quote{}, fmt.Errorf("http source: %w", err)
	}
	if price.Sign() <= 0 {
		return Quote{}, fmt.Errorf("%w: %s", ErrInvalidQuote, asset)
	}
	observed := time.Unix(payload.Timestamp, 0).UTC()
	if payload.Timestamp <= 0 {
		observed = time.Now().UTC()
	}
	return Quote{AssetID: asset, PriceUSD: price, ObservedAt: observed, Source: "http"}, nil
}
