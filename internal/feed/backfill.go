package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// DefaultRESTURL is the Binance USD-M futures REST root.
const DefaultRESTURL = "https://fapi.binance.com"

// Backfiller seeds a CandleSink with recent history from the klines REST
// endpoint so strategies have a full lookback before the stream catches up.
type Backfiller struct {
	baseURL    string
	httpClient *http.Client
}

// NewBackfiller creates a backfiller for the given REST root.
func NewBackfiller(baseURL string) *Backfiller {
	if baseURL == "" {
		baseURL = DefaultRESTURL
	}
	return &Backfiller{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Fetch returns up to limit candles for symbol, oldest first.
func (b *Backfiller) Fetch(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	q := url.Values{}
	q.Set("symbol", strings.ToUpper(symbol))
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/fapi/v1/klines?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("feed: build klines request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed: klines %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("feed: read klines body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed: klines %s: status %d: %s", symbol, resp.StatusCode, string(body))
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("feed: decode klines: %w", err)
	}

	// The newest row is the bar still in progress.
	out := make([]domain.Candle, 0, len(rows))
	for i, row := range rows {
		c, err := parseKlineRow(row)
		if err != nil {
			return nil, fmt.Errorf("feed: klines %s row %d: %w", symbol, i, err)
		}
		c.Closed = i < len(rows)-1
		out = append(out, c)
	}
	return out, nil
}

// Seed fetches history for every symbol into sink. It stops at the first error.
func (b *Backfiller) Seed(ctx context.Context, sink CandleSink, symbols []string, interval string, limit int) error {
	for _, sym := range symbols {
		candles, err := b.Fetch(ctx, sym, interval, limit)
		if err != nil {
			return err
		}
		for _, c := range candles {
			sink.Upsert(sym, c)
		}
	}
	return nil
}

// parseKlineRow decodes [openTime, open, high, low, close, volume, ...].
func parseKlineRow(row []json.RawMessage) (domain.Candle, error) {
	if len(row) < 6 {
		return domain.Candle{}, fmt.Errorf("short row: %d fields", len(row))
	}
	var openMs int64
	if err := json.Unmarshal(row[0], &openMs); err != nil {
		return domain.Candle{}, fmt.Errorf("open time: %w", err)
	}
	fields := make([]float64, 5)
	for i := range fields {
		var s string
		if err := json.Unmarshal(row[i+1], &s); err != nil {
			return domain.Candle{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return domain.Candle{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		fields[i] = v
	}
	return domain.Candle{
		OpenTime: time.UnixMilli(openMs).UTC(),
		Open:     fields[0],
		High:     fields[1],
		Low:      fields[2],
		Close:    fields[3],
		Volume:   fields[4],
	}, nil
}
