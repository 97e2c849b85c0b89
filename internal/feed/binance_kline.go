package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// DefaultStreamURL is the Binance USD-M futures combined stream endpoint.
const DefaultStreamURL = "wss://fstream.binance.com/stream"

// CandleSink receives candles decoded from the stream.
type CandleSink interface {
	Upsert(symbol string, c domain.Candle)
}

// KlineConfig configures a BinanceKlineFeed.
type KlineConfig struct {
	URL      string
	Symbols  []string
	Interval string
	// ReconnectDelay and MaxReconnectDelay override the backoff bounds when set.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

// BinanceKlineFeed streams klines for a set of symbols over one combined
// websocket connection and writes every update, closed or in progress, into
// a CandleSink. It reconnects with exponential backoff until its context is
// cancelled.
type BinanceKlineFeed struct {
	cfg    KlineConfig
	sink   CandleSink
	logger *slog.Logger

	mu        sync.Mutex
	connected bool
	received  int64
	lastMsg   time.Time
}

// NewBinanceKlineFeed creates a feed writing into sink.
func NewBinanceKlineFeed(cfg KlineConfig, sink CandleSink, logger *slog.Logger) *BinanceKlineFeed {
	if cfg.URL == "" {
		cfg.URL = DefaultStreamURL
	}
	if cfg.Interval == "" {
		cfg.Interval = "1m"
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = reconnectDelay
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = maxReconnectDelay
	}
	return &BinanceKlineFeed{
		cfg:    cfg,
		sink:   sink,
		logger: logger.With(slog.String("component", "kline_feed")),
	}
}

// StreamURL builds the combined stream URL, e.g.
// wss://fstream.binance.com/stream?streams=btcusdt@kline_1m/ethusdt@kline_1m.
func (f *BinanceKlineFeed) StreamURL() (string, error) {
	u, err := url.Parse(f.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("feed: parse url: %w", err)
	}
	streams := make([]string, 0, len(f.cfg.Symbols))
	for _, s := range f.cfg.Symbols {
		streams = append(streams, strings.ToLower(s)+"@kline_"+f.cfg.Interval)
	}
	q := u.Query()
	q.Set("streams", strings.Join(streams, "/"))
	u.RawQuery = q.Encode()
	// Binance expects the slash separators unescaped.
	u.RawQuery = strings.ReplaceAll(u.RawQuery, "%2F", "/")
	u.RawQuery = strings.ReplaceAll(u.RawQuery, "%40", "@")
	return u.String(), nil
}

// Run connects and consumes the stream until ctx is cancelled.
func (f *BinanceKlineFeed) Run(ctx context.Context) error {
	if len(f.cfg.Symbols) == 0 {
		f.logger.Info("no symbols to subscribe, exiting")
		return nil
	}
	streamURL, err := f.StreamURL()
	if err != nil {
		return err
	}

	delay := f.cfg.ReconnectDelay
	for {
		connected, err := f.runConnection(ctx, streamURL)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			delay = f.cfg.ReconnectDelay
		}
		f.logger.Warn("kline stream disconnected, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > f.cfg.MaxReconnectDelay {
			delay = f.cfg.MaxReconnectDelay
		}
	}
}

// runConnection dials once and reads until the connection fails or ctx ends.
// connected reports whether the handshake succeeded.
func (f *BinanceKlineFeed) runConnection(ctx context.Context, streamURL string) (connected bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		return false, fmt.Errorf("feed: connect: %w", err)
	}
	f.setConnected(true)
	defer f.setConnected(false)
	f.logger.Info("kline stream connected", slog.Int("symbols", len(f.cfg.Symbols)), slog.String("interval", f.cfg.Interval))

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.pingLoop(ctx, conn, done)
	}()
	defer func() {
		close(done)
		wg.Wait()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("feed: read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := f.handleMessage(data); err != nil {
			f.logger.Debug("skipping kline message", slog.String("error", err.Error()))
		}
	}
}

// pingLoop keeps the connection alive and closes it on ctx cancellation so
// the blocked reader returns.
func (f *BinanceKlineFeed) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// Binance mixes keys that differ only by case ("e"/"E", "t"/"T"). encoding/json
// falls back to case-insensitive matching, so every such key needs its own
// field or it overwrites its lower-case twin.
type klineEvent struct {
	EventType string    `json:"e"`
	EventTime int64     `json:"E"`
	Symbol    string    `json:"s"`
	Kline     klineBody `json:"k"`
}

type klineBody struct {
	OpenTime       int64  `json:"t"`
	CloseTime      int64  `json:"T"`
	Open           string `json:"o"`
	High           string `json:"h"`
	Low            string `json:"l"`
	LastTradeID    int64  `json:"L"`
	Close          string `json:"c"`
	Volume         string `json:"v"`
	TakerBuyVolume string `json:"V"`
	QuoteVolume    string `json:"q"`
	TakerBuyQuote  string `json:"Q"`
	Closed         bool   `json:"x"`
}

func (f *BinanceKlineFeed) handleMessage(data []byte) error {
	var msg combinedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("feed: decode envelope: %w", err)
	}
	payload := msg.Data
	if len(payload) == 0 {
		// Raw single-stream connections deliver the event without an envelope.
		payload = data
	}
	symbol, candle, err := ParseKline(payload)
	if err != nil {
		return err
	}
	f.sink.Upsert(symbol, candle)

	f.mu.Lock()
	f.received++
	f.lastMsg = time.Now()
	f.mu.Unlock()
	return nil
}

// ParseKline decodes one kline event payload.
func ParseKline(payload []byte) (string, domain.Candle, error) {
	var evt klineEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return "", domain.Candle{}, fmt.Errorf("feed: decode kline: %w", err)
	}
	if evt.EventType != "kline" || evt.Symbol == "" {
		return "", domain.Candle{}, errors.New("feed: not a kline event")
	}
	k := evt.Kline
	var (
		c    domain.Candle
		errs []error
	)
	c.OpenTime = time.UnixMilli(k.OpenTime).UTC()
	c.Open = parseFloat(k.Open, &errs)
	c.High = parseFloat(k.High, &errs)
	c.Low = parseFloat(k.Low, &errs)
	c.Close = parseFloat(k.Close, &errs)
	c.Volume = parseFloat(k.Volume, &errs)
	c.Closed = k.Closed
	if len(errs) > 0 {
		return "", domain.Candle{}, fmt.Errorf("feed: kline %s: %w", evt.Symbol, errors.Join(errs...))
	}
	return strings.ToUpper(evt.Symbol), c, nil
}

func parseFloat(s string, errs *[]error) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*errs = append(*errs, err)
	}
	return v
}

// FeedStats is a point-in-time view of the feed connection.
type FeedStats struct {
	Connected   bool      `json:"connected"`
	Received    int64     `json:"received"`
	LastMessage time.Time `json:"last_message"`
}

// Stats returns the feed's connection state.
func (f *BinanceKlineFeed) Stats() FeedStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return FeedStats{Connected: f.connected, Received: f.received, LastMessage: f.lastMsg}
}

func (f *BinanceKlineFeed) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
