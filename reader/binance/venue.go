package binance

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	gobinance "github.com/adshao/go-binance/v2"

	appconfig "ingestflow/config"
	"ingestflow/models"
	"ingestflow/reader"
)

const (
	DefaultWSBase   = "wss://stream.binance.com:9443/ws"
	DefaultRestBase = "https://api.binance.com"

	// streamsPerFrame keeps SUBSCRIBE frames well under the venue's message size limit.
	streamsPerFrame = 100
)

// Venue is the Binance spot market data protocol.
type Venue struct {
	name   string
	cfg    *appconfig.VenueConfig
	ws     string
	rest   string
	client *http.Client
	nextID atomic.Int64
}

// New validates cfg and builds the venue.
func New(cfg *appconfig.VenueConfig) (*Venue, error) {
	if cfg.Channels.Ticker.Enabled && cfg.Channels.Ticker.Mode != "book" {
		return nil, fmt.Errorf("%w: binance ticker mode %q is not supported", reader.ErrConfig, cfg.Channels.Ticker.Mode)
	}
	v := &Venue{
		name:   cfg.Name,
		cfg:    cfg,
		ws:     cfg.WSBase,
		rest:   strings.TrimSuffix(cfg.RestBase, "/"),
		client: reader.NewHTTPClient(cfg),
	}
	if v.ws == "" {
		v.ws = DefaultWSBase
	}
	if v.rest == "" {
		v.rest = DefaultRestBase
	}
	return v, nil
}

func (v *Venue) Name() string { return v.name }

// Discover lists TRADING symbols from exchangeInfo and selects the requested ones.
func (v *Venue) Discover(ctx context.Context, req reader.DiscoveryRequest) ([]models.Symbol, error) {
	client := gobinance.NewClient("", "")
	client.BaseURL = v.rest
	client.HTTPClient = v.client

	info, err := client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: exchangeInfo: %v", reader.ErrDiscoveryFailed, err)
	}

	listed := make([]models.Symbol, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		sym, err := models.NewSymbol(v.name, s.Symbol, s.BaseAsset, s.QuoteAsset)
		if err != nil {
			continue
		}
		sym.PriceScale = clampScale(s.QuotePrecision)
		sym.QtyScale = clampScale(s.BaseAssetPrecision)
		listed = append(listed, sym)
	}
	return reader.SelectSymbols(v.name, listed, req)
}

func clampScale(p int) int32 {
	switch {
	case p < 0:
		return 0
	case p > models.MaxScale:
		return models.MaxScale
	}
	return int32(p)
}

// Dial opens the raw stream endpoint; streams are added with SUBSCRIBE frames.
func (v *Venue) Dial(ctx context.Context) (reader.Conn, error) {
	conn, err := reader.DialWS(ctx, reader.WSOptionsFromConfig(v.cfg, v.ws, v.subscriptions))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Streams returns the stream names for symbols under the configured channels.
func (v *Venue) Streams(symbols []*models.Symbol) []string {
	depth := "@depth"
	if iv := v.cfg.Channels.Depth.Interval; iv > 0 && iv <= 100*time.Millisecond {
		depth = "@depth@100ms"
	}
	var streams []string
	for _, s := range symbols {
		lower := strings.ToLower(s.Native)
		if v.cfg.Channels.TradesEnabled() {
			streams = append(streams, lower+"@trade")
		}
		if v.cfg.Channels.Ticker.Enabled {
			streams = append(streams, lower+"@bookTicker")
		}
		if v.cfg.Channels.Depth.Enabled {
			streams = append(streams, lower+depth)
		}
	}
	return streams
}

type subscribeFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (v *Venue) subscriptions(symbols []*models.Symbol) []interface{} {
	streams := v.Streams(symbols)
	var frames []interface{}
	for start := 0; start < len(streams); start += streamsPerFrame {
		end := start + streamsPerFrame
		if end > len(streams) {
			end = len(streams)
		}
		frames = append(frames, subscribeFrame{
			Method: "SUBSCRIBE",
			Params: streams[start:end],
			ID:     v.nextID.Add(1),
		})
	}
	return frames
}

// Decode handles raw and combined stream payloads.
func (v *Venue) Decode(msg []byte, receivedAt time.Time) ([]models.RawVenueEvent, error) {
	o, err := reader.ParseObject(msg)
	if err != nil {
		return nil, err
	}
	if o.Has("stream") && o.Has("data") {
		if o, err = o.Object("data"); err != nil {
			return nil, err
		}
	}
	if o.Has("error") {
		return nil, fmt.Errorf("%w: venue error %s", reader.ErrMalformed, o.String("error"))
	}
	if o.Has("id") && !o.Has("e") {
		// SUBSCRIBE acknowledgement
		return nil, nil
	}

	raw := models.RawVenueEvent{
		Venue:      v.name,
		Symbol:     o.String("s"),
		ReceivedAt: receivedAt,
		Fields:     map[string]string{},
	}
	switch o.String("e") {
	case "trade":
		raw.Kind = models.KindTrade
		raw.Fields[models.FieldPrice] = o.String("p")
		raw.Fields[models.FieldQuantity] = o.String("q")
		raw.Fields[models.FieldTime] = o.String("T")
		raw.Fields[models.FieldTradeID] = o.String("t")
		raw.Fields[models.FieldSide] = "buy"
		if o.Bool("m") {
			// buyer is the maker, so the aggressor sold
			raw.Fields[models.FieldSide] = "sell"
		}
	case "depthUpdate":
		raw.Kind = models.KindBookDelta
		raw.Fields[models.FieldTime] = o.String("E")
		raw.Fields[models.FieldFirstID] = o.String("U")
		raw.Fields[models.FieldLastID] = o.String("u")
		if raw.Bids, err = o.Levels("b"); err != nil {
			return nil, err
		}
		if raw.Asks, err = o.Levels("a"); err != nil {
			return nil, err
		}
	case "bookTicker", "":
		if !o.Has("b") || !o.Has("a") {
			return nil, fmt.Errorf("%w: unrecognised frame", reader.ErrMalformed)
		}
		raw.Kind = models.KindQuote
		raw.Fields[models.FieldSequence] = o.String("u")
		raw.Fields[models.FieldBidPrice] = o.String("b")
		raw.Fields[models.FieldBidQty] = o.String("B")
		raw.Fields[models.FieldAskPrice] = o.String("a")
		raw.Fields[models.FieldAskQty] = o.String("A")
		if ts := o.String("T"); ts != "" {
			raw.Fields[models.FieldTime] = ts
		}
	default:
		// event types we did not subscribe to
		return nil, nil
	}
	return []models.RawVenueEvent{raw}, nil
}
