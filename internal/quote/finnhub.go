package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/papertrade/ledger-engine/internal/ledger"
	"github.com/papertrade/ledger-engine/internal/model"
)

// DefaultFinnhubURL is the public Finnhub REST base URL.
const DefaultFinnhubURL = "https://finnhub.io/api/v1"

// Finnhub reads quotes from the Finnhub REST API.
type Finnhub struct {
	baseURL     string
	apiKey      string
	client      *http.Client
	concurrency int
}

// FinnhubOption configures a Finnhub provider.
type FinnhubOption func(*Finnhub)

// WithBaseURL points the provider at a different API root.
func WithBaseURL(u string) FinnhubOption {
	return func(f *Finnhub) { f.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) FinnhubOption {
	return func(f *Finnhub) { f.client = c }
}

// WithConcurrency bounds GetQuotes fan-out.
func WithConcurrency(n int) FinnhubOption {
	return func(f *Finnhub) { f.concurrency = n }
}

// NewFinnhub creates a Finnhub provider authenticated with apiKey.
func NewFinnhub(apiKey string, opts ...FinnhubOption) *Finnhub {
	f := &Finnhub{
		baseURL:     DefaultFinnhubURL,
		apiKey:      apiKey,
		client:      &http.Client{Timeout: 10 * time.Second},
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// finnhubQuote is the /quote response body. Unknown symbols come back
// as all zeros rather than an error status.
type finnhubQuote struct {
	Current       float64 `json:"c"`
	Change        float64 `json:"d"`
	PercentChange float64 `json:"dp"`
	High          float64 `json:"h"`
	Low           float64 `json:"l"`
	Open          float64 `json:"o"`
	PrevClose     float64 `json:"pc"`
	Timestamp     int64   `json:"t"`
}

func (f *Finnhub) GetQuote(ctx context.Context, symbol string) (*model.Quote, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	endpoint := fmt.Sprintf("%s/quote?%s", f.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Finnhub-Token", f.apiKey)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, ledger.Upstream("finnhub quote "+symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, ledger.Upstream("finnhub quote "+symbol,
			fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var raw finnhubQuote
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, ledger.Upstream("finnhub quote "+symbol, fmt.Errorf("decode: %w", err))
	}
	if raw.Current <= 0 {
		return nil, unavailable(symbol)
	}

	q := &model.Quote{
		Symbol:        symbol,
		Current:       ledger.FromFloat2(raw.Current),
		Change:        ledger.FromFloat4(raw.Change),
		PercentChange: ledger.FromFloat2(raw.PercentChange),
		High:          ledger.FromFloat2(raw.High),
		Low:           ledger.FromFloat2(raw.Low),
		Open:          ledger.FromFloat2(raw.Open),
		PrevClose:     ledger.FromFloat2(raw.PrevClose),
		Timestamp:     time.Now().UTC(),
	}
	if raw.Timestamp > 0 {
		q.Timestamp = time.Unix(raw.Timestamp, 0).UTC()
	}
	return q, nil
}

func (f *Finnhub) GetQuotes(ctx context.Context, symbols []string) (map[string]model.Quote, error) {
	return fanOut(ctx, symbols, f.concurrency, f.GetQuote)
}

var _ Provider = (*Finnhub)(nil)
