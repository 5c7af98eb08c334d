package bybit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"github.com/goccy/go-json"

	appconfig "ingestflow/config"
	"ingestflow/models"
	"ingestflow/reader"
)

const (
	DefaultWSBase   = "wss://stream.bybit.com/v5/public/"
	DefaultRestBase = "https://api.bybit.com"
	DefaultCategory = "spot"

	// spot connections accept at most ten args per subscribe request
	topicsPerFrame = 10
)

var heartbeat = []byte(`{"op":"ping"}`)

// Venue is the Bybit v5 public market data protocol.
type Venue struct {
	name     string
	cfg      *appconfig.VenueConfig
	category string
	ws       string
	client   *bybit.Client
	nextID   atomic.Int64
}

// New validates cfg and builds the venue.
func New(cfg *appconfig.VenueConfig) (*Venue, error) {
	if cfg.Channels.Ticker.Enabled && cfg.Channels.Ticker.Mode != "book" {
		return nil, fmt.Errorf("%w: bybit ticker mode %q is not supported", reader.ErrConfig, cfg.Channels.Ticker.Mode)
	}
	category := strings.ToLower(cfg.Category)
	if category == "" {
		category = DefaultCategory
	}
	rest := strings.TrimSuffix(cfg.RestBase, "/")
	if rest == "" {
		rest = DefaultRestBase
	}
	ws := cfg.WSBase
	if ws == "" {
		ws = DefaultWSBase + category
	}

	client := bybit.NewBybitHttpClient("", "", bybit.WithBaseURL(rest))
	client.HTTPClient = reader.NewHTTPClient(cfg)

	return &Venue{
		name:     cfg.Name,
		cfg:      cfg,
		category: category,
		ws:       ws,
		client:   client,
	}, nil
}

func (v *Venue) Name() string { return v.name }

type instrument struct {
	Symbol        string `json:"symbol"`
	BaseCoin      string `json:"baseCoin"`
	QuoteCoin     string `json:"quoteCoin"`
	Status        string `json:"status"`
	LotSizeFilter struct {
		BasePrecision string `json:"basePrecision"`
		QtyStep       string `json:"qtyStep"`
	} `json:"lotSizeFilter"`
	PriceFilter struct {
		TickSize string `json:"tickSize"`
	} `json:"priceFilter"`
}

type instrumentsResult struct {
	Category       string       `json:"category"`
	List           []instrument `json:"list"`
	NextPageCursor string       `json:"nextPageCursor"`
}

// Discover pages through instruments-info for the configured category.
func (v *Venue) Discover(ctx context.Context, req reader.DiscoveryRequest) ([]models.Symbol, error) {
	var listed []models.Symbol
	cursor := ""
	for page := 0; page < 20; page++ {
		params := map[string]interface{}{"category": v.category, "limit": 1000}
		if cursor != "" {
			params["cursor"] = cursor
		}
		resp, err := v.client.NewUtaBybitServiceWithParams(params).GetInstrumentInfo(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: instruments-info: %v", reader.ErrDiscoveryFailed, err)
		}
		if resp.RetCode != 0 {
			return nil, fmt.Errorf("%w: instruments-info: %d %s", reader.ErrDiscoveryFailed, resp.RetCode, resp.RetMsg)
		}
		payload, err := json.Marshal(resp.Result)
		if err != nil {
			return nil, fmt.Errorf("%w: instruments-info: %v", reader.ErrDiscoveryFailed, err)
		}
		var result instrumentsResult
		if err := json.Unmarshal(payload, &result); err != nil {
			return nil, fmt.Errorf("%w: instruments-info: %v", reader.ErrDiscoveryFailed, err)
		}
		for _, in := range result.List {
			if in.Status != "Trading" {
				continue
			}
			sym, err := models.NewSymbol(v.name, in.Symbol, in.BaseCoin, in.QuoteCoin)
			if err != nil {
				continue
			}
			sym.PriceScale = reader.StepScale(in.PriceFilter.TickSize)
			qty := in.LotSizeFilter.BasePrecision
			if qty == "" {
				qty = in.LotSizeFilter.QtyStep
			}
			sym.QtyScale = reader.StepScale(qty)
			listed = append(listed, sym)
		}
		cursor = result.NextPageCursor
		if cursor == "" {
			break
		}
	}
	return reader.SelectSymbols(v.name, listed, req)
}

// Dial opens the public stream; topics are added with subscribe frames.
func (v *Venue) Dial(ctx context.Context) (reader.Conn, error) {
	opts := reader.WSOptionsFromConfig(v.cfg, v.ws, v.subscriptions)
	opts.Heartbeat = heartbeat
	conn, err := reader.DialWS(ctx, opts)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Topics returns the topic names for symbols under the configured channels.
func (v *Venue) Topics(symbols []*models.Symbol) []string {
	var topics []string
	for _, s := range symbols {
		native := strings.ToUpper(s.Native)
		if v.cfg.Channels.TradesEnabled() {
			topics = append(topics, "publicTrade."+native)
		}
		if v.cfg.Channels.Ticker.Enabled {
			topics = append(topics, "orderbook.1."+native)
		}
		if v.cfg.Channels.Depth.Enabled {
			topics = append(topics, "orderbook.50."+native)
		}
	}
	return topics
}

type opFrame struct {
	ReqID string   `json:"req_id"`
	Op    string   `json:"op"`
	Args  []string `json:"args"`
}

func (v *Venue) subscriptions(symbols []*models.Symbol) []interface{} {
	topics := v.Topics(symbols)
	var frames []interface{}
	for start := 0; start < len(topics); start += topicsPerFrame {
		end := start + topicsPerFrame
		if end > len(topics) {
			end = len(topics)
		}
		frames = append(frames, opFrame{
			ReqID: strconv.FormatInt(v.nextID.Add(1), 10),
			Op:    "subscribe",
			Args:  topics[start:end],
		})
	}
	return frames
}

// Decode handles topic pushes and op responses.
func (v *Venue) Decode(msg []byte, receivedAt time.Time) ([]models.RawVenueEvent, error) {
	o, err := reader.ParseObject(msg)
	if err != nil {
		return nil, err
	}
	if o.Has("op") || o.Has("success") {
		if o.Has("success") && !o.Bool("success") {
			return nil, fmt.Errorf("%w: %s rejected: %s", reader.ErrMalformed, o.String("op"), o.String("ret_msg"))
		}
		return nil, nil
	}

	topic := o.String("topic")
	switch {
	case topic == "":
		return nil, fmt.Errorf("%w: frame without topic", reader.ErrMalformed)
	case strings.HasPrefix(topic, "publicTrade."):
		return v.decodeTrades(o, receivedAt)
	case strings.HasPrefix(topic, "orderbook.1."):
		return v.decodeTopOfBook(o, receivedAt)
	case strings.HasPrefix(topic, "orderbook."):
		return v.decodeBook(o, receivedAt)
	}
	return nil, nil
}

func (v *Venue) decodeTrades(o reader.Object, receivedAt time.Time) ([]models.RawVenueEvent, error) {
	rows, err := o.Array("data")
	if err != nil {
		return nil, err
	}
	events := make([]models.RawVenueEvent, 0, len(rows))
	for _, row := range rows {
		t, err := reader.ParseObject(row)
		if err != nil {
			return nil, err
		}
		events = append(events, models.RawVenueEvent{
			Venue:      v.name,
			Symbol:     t.String("s"),
			Kind:       models.KindTrade,
			ReceivedAt: receivedAt,
			Fields: map[string]string{
				models.FieldPrice:    t.String("p"),
				models.FieldQuantity: t.String("v"),
				models.FieldTime:     t.String("T"),
				models.FieldTradeID:  t.String("i"),
				models.FieldSide:     strings.ToLower(t.String("S")),
			},
		})
	}
	return events, nil
}

func (v *Venue) decodeTopOfBook(o reader.Object, receivedAt time.Time) ([]models.RawVenueEvent, error) {
	d, err := o.Object("data")
	if err != nil {
		return nil, err
	}
	bids, err := d.Levels("b")
	if err != nil {
		return nil, err
	}
	asks, err := d.Levels("a")
	if err != nil {
		return nil, err
	}
	if len(bids) == 0 || len(asks) == 0 {
		// one side of the book is empty, there is no quote to report
		return nil, nil
	}
	return []models.RawVenueEvent{{
		Venue:      v.name,
		Symbol:     d.String("s"),
		Kind:       models.KindQuote,
		ReceivedAt: receivedAt,
		Fields: map[string]string{
			models.FieldTime:     o.String("ts"),
			models.FieldSequence: d.String("u"),
			models.FieldBidPrice: bids[0][0],
			models.FieldBidQty:   bids[0][1],
			models.FieldAskPrice: asks[0][0],
			models.FieldAskQty:   asks[0][1],
		},
	}}, nil
}

func (v *Venue) decodeBook(o reader.Object, receivedAt time.Time) ([]models.RawVenueEvent, error) {
	d, err := o.Object("data")
	if err != nil {
		return nil, err
	}
	raw := models.RawVenueEvent{
		Venue:      v.name,
		Symbol:     d.String("s"),
		Kind:       models.KindBookDelta,
		ReceivedAt: receivedAt,
		Fields: map[string]string{
			models.FieldTime:   o.String("ts"),
			models.FieldLastID: d.String("u"),
		},
	}
	if raw.Bids, err = d.Levels("b"); err != nil {
		return nil, err
	}
	if raw.Asks, err = d.Levels("a"); err != nil {
		return nil, err
	}
	return []models.RawVenueEvent{raw}, nil
}
