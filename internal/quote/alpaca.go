package quote

import (
	"context"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"github.com/papertrade/ledger-engine/internal/ledger"
	"github.com/papertrade/ledger-engine/internal/model"
)

// snapshotClient is the part of *marketdata.Client used here.
type snapshotClient interface {
	GetSnapshots(symbols []string, req marketdata.GetSnapshotRequest) (map[string]*marketdata.Snapshot, error)
}

// Alpaca reads quotes from Alpaca market-data snapshots. The current price
// is the latest trade and the day change is measured from the previous
// daily bar's close.
type Alpaca struct {
	client snapshotClient
	feed   marketdata.Feed
}

// NewAlpaca creates an Alpaca provider. An empty baseURL uses the
// library's default data endpoint.
func NewAlpaca(apiKey, apiSecret, baseURL string) *Alpaca {
	client := marketdata.NewClient(marketdata.ClientOpts{
		BaseURL:   baseURL,
		APIKey:    apiKey,
		APISecret: apiSecret,
	})
	return &Alpaca{client: client, feed: marketdata.IEX}
}

func (a *Alpaca) GetQuote(ctx context.Context, symbol string) (*model.Quote, error) {
	quotes, err := a.snapshots(ctx, []string{symbol})
	if err != nil {
		return nil, err
	}
	q, ok := quotes[symbol]
	if !ok {
		return nil, unavailable(symbol)
	}
	return &q, nil
}

// GetQuotes uses a single batched snapshot request.
func (a *Alpaca) GetQuotes(ctx context.Context, symbols []string) (map[string]model.Quote, error) {
	if len(symbols) == 0 {
		return map[string]model.Quote{}, nil
	}
	return a.snapshots(ctx, symbols)
}

func (a *Alpaca) snapshots(ctx context.Context, symbols []string) (map[string]model.Quote, error) {
	type result struct {
		snaps map[string]*marketdata.Snapshot
		err   error
	}
	// The marketdata client takes no context; bound the wait here.
	ch := make(chan result, 1)
	go func() {
		snaps, err := a.client.GetSnapshots(symbols, marketdata.GetSnapshotRequest{Feed: a.feed})
		ch <- result{snaps, err}
	}()

	var res result
	select {
	case <-ctx.Done():
		return nil, ledger.Upstream("alpaca snapshots", ctx.Err())
	case res = <-ch:
	}
	if res.err != nil {
		return nil, ledger.Upstream("alpaca snapshots", res.err)
	}

	out := make(map[string]model.Quote, len(res.snaps))
	for sym, snap := range res.snaps {
		if q, ok := fromAlpacaSnapshot(sym, snap); ok {
			out[sym] = q
		}
	}
	return out, nil
}

func fromAlpacaSnapshot(symbol string, snap *marketdata.Snapshot) (model.Quote, bool) {
	if snap == nil || snap.LatestTrade == nil || snap.LatestTrade.Price <= 0 {
		return model.Quote{}, false
	}
	price := snap.LatestTrade.Price

	q := model.Quote{
		Symbol:    symbol,
		Current:   ledger.FromFloat2(price),
		Timestamp: snap.LatestTrade.Timestamp.UTC(),
	}
	if q.Timestamp.IsZero() {
		q.Timestamp = time.Now().UTC()
	}
	if bar := snap.DailyBar; bar != nil {
		q.Open = ledger.FromFloat2(bar.Open)
		q.High = ledger.FromFloat2(bar.High)
		q.Low = ledger.FromFloat2(bar.Low)
	}
	if prev := snap.PrevDailyBar; prev != nil && prev.Close > 0 {
		q.PrevClose = ledger.FromFloat2(prev.Close)
		q.Change = ledger.FromFloat4(price - prev.Close)
		q.PercentChange = ledger.FromFloat2((price - prev.Close) / prev.Close * 100)
	}
	return q, true
}

var _ Provider = (*Alpaca)(nil)
