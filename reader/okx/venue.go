package okx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	appconfig "ingestflow/config"
	"ingestflow/models"
	"ingestflow/reader"
)

const (
	DefaultWSBase   = "wss://ws.okx.com:8443/ws/v5/public"
	DefaultRestBase = "https://www.okx.com"

	instrumentsPath = "/api/v5/public/instruments"
	argsPerFrame    = 20
)

var heartbeat = []byte("ping")

// Venue is the OKX v5 public market data protocol.
type Venue struct {
	name     string
	cfg      *appconfig.VenueConfig
	instType string
	ws       string
	rest     string
	client   *http.Client
	limiter  *rate.Limiter
}

// New validates cfg and builds the venue.
func New(cfg *appconfig.VenueConfig) (*Venue, error) {
	if cfg.Channels.Ticker.Enabled && cfg.Channels.Ticker.Mode != "book" {
		return nil, fmt.Errorf("%w: okx ticker mode %q is not supported", reader.ErrConfig, cfg.Channels.Ticker.Mode)
	}
	v := &Venue{
		name:     cfg.Name,
		cfg:      cfg,
		instType: strings.ToUpper(cfg.Category),
		ws:       cfg.WSBase,
		rest:     strings.TrimSuffix(cfg.RestBase, "/"),
		client:   reader.NewHTTPClient(cfg),
		// public endpoints allow 20 requests per 2 seconds
		limiter: rate.NewLimiter(rate.Limit(10), 1),
	}
	if v.instType == "" {
		v.instType = "SPOT"
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

type instrument struct {
	InstID   string `json:"instId"`
	BaseCcy  string `json:"baseCcy"`
	QuoteCcy string `json:"quoteCcy"`
	State    string `json:"state"`
	TickSz   string `json:"tickSz"`
	LotSz    string `json:"lotSz"`
}

type instrumentsResponse struct {
	Code string       `json:"code"`
	Msg  string       `json:"msg"`
	Data []instrument `json:"data"`
}

// Discover lists live instruments of the configured instrument type.
func (v *Venue) Discover(ctx context.Context, req reader.DiscoveryRequest) ([]models.Symbol, error) {
	if err := v.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", reader.ErrDiscoveryFailed, err)
	}

	q := url.Values{}
	q.Set("instType", v.instType)
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, v.rest+instrumentsPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", reader.ErrDiscoveryFailed, err)
	}
	res, err := v.client.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("%w: instruments: %v", reader.ErrDiscoveryFailed, err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: instruments: %v", reader.ErrDiscoveryFailed, err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: instruments: status %d: %s", reader.ErrDiscoveryFailed, res.StatusCode, bytes.TrimSpace(body))
	}

	var resp instrumentsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: instruments: %v", reader.ErrDiscoveryFailed, err)
	}
	if resp.Code != "0" {
		return nil, fmt.Errorf("%w: instruments: code %s %s", reader.ErrDiscoveryFailed, resp.Code, resp.Msg)
	}

	listed := make([]models.Symbol, 0, len(resp.Data))
	for _, in := range resp.Data {
		if in.State != "live" {
			continue
		}
		sym, err := models.NewSymbol(v.name, in.InstID, in.BaseCcy, in.QuoteCcy)
		if err != nil {
			continue
		}
		sym.PriceScale = reader.StepScale(in.TickSz)
		sym.QtyScale = reader.StepScale(in.LotSz)
		listed = append(listed, sym)
	}
	return reader.SelectSymbols(v.name, listed, req)
}

// Dial opens the public stream; channels are added with subscribe frames.
func (v *Venue) Dial(ctx context.Context) (reader.Conn, error) {
	opts := reader.WSOptionsFromConfig(v.cfg, v.ws, v.subscriptions)
	opts.Heartbeat = heartbeat
	conn, err := reader.DialWS(ctx, opts)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Arg selects one channel for one instrument.
type Arg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type opFrame struct {
	Op   string `json:"op"`
	Args []Arg  `json:"args"`
}

// Args returns the channel arguments for symbols under the configured channels.
func (v *Venue) Args(symbols []*models.Symbol) []Arg {
	var args []Arg
	for _, s := range symbols {
		if v.cfg.Channels.TradesEnabled() {
			args = append(args, Arg{Channel: "trades", InstID: s.Native})
		}
		if v.cfg.Channels.Ticker.Enabled {
			args = append(args, Arg{Channel: "bbo-tbt", InstID: s.Native})
		}
		if v.cfg.Channels.Depth.Enabled {
			args = append(args, Arg{Channel: "books", InstID: s.Native})
		}
	}
	return args
}

func (v *Venue) subscriptions(symbols []*models.Symbol) []interface{} {
	args := v.Args(symbols)
	var frames []interface{}
	for start := 0; start < len(args); start += argsPerFrame {
		end := start + argsPerFrame
		if end > len(args) {
			end = len(args)
		}
		frames = append(frames, opFrame{Op: "subscribe", Args: args[start:end]})
	}
	return frames
}

// Decode handles channel pushes, event responses and the bare "pong" reply.
func (v *Venue) Decode(msg []byte, receivedAt time.Time) ([]models.RawVenueEvent, error) {
	if string(bytes.TrimSpace(msg)) == "pong" {
		return nil, nil
	}
	o, err := reader.ParseObject(msg)
	if err != nil {
		return nil, err
	}
	if o.Has("event") {
		if o.String("event") == "error" {
			return nil, fmt.Errorf("%w: okx error %s: %s", reader.ErrMalformed, o.String("code"), o.String("msg"))
		}
		return nil, nil
	}

	arg, err := o.Object("arg")
	if err != nil {
		return nil, err
	}
	rows, err := o.Array("data")
	if err != nil {
		return nil, err
	}
	instID := arg.String("instId")

	events := make([]models.RawVenueEvent, 0, len(rows))
	for _, row := range rows {
		d, err := reader.ParseObject(row)
		if err != nil {
			return nil, err
		}
		raw := models.RawVenueEvent{
			Venue:      v.name,
			Symbol:     instID,
			ReceivedAt: receivedAt,
			Fields:     map[string]string{models.FieldTime: d.String("ts")},
		}
		if s := d.String("instId"); s != "" {
			raw.Symbol = s
		}
		switch arg.String("channel") {
		case "trades":
			raw.Kind = models.KindTrade
			raw.Fields[models.FieldPrice] = d.String("px")
			raw.Fields[models.FieldQuantity] = d.String("sz")
			raw.Fields[models.FieldTradeID] = d.String("tradeId")
			raw.Fields[models.FieldSide] = d.String("side")
		case "bbo-tbt":
			bids, err := d.Levels("bids")
			if err != nil {
				return nil, err
			}
			asks, err := d.Levels("asks")
			if err != nil {
				return nil, err
			}
			if len(bids) == 0 || len(asks) == 0 {
				continue
			}
			raw.Kind = models.KindQuote
			raw.Fields[models.FieldSequence] = d.String("seqId")
			raw.Fields[models.FieldBidPrice] = bids[0][0]
			raw.Fields[models.FieldBidQty] = bids[0][1]
			raw.Fields[models.FieldAskPrice] = asks[0][0]
			raw.Fields[models.FieldAskQty] = asks[0][1]
		case "books":
			raw.Kind = models.KindBookDelta
			raw.Fields[models.FieldLastID] = d.String("seqId")
			if raw.Bids, err = d.Levels("bids"); err != nil {
				return nil, err
			}
			if raw.Asks, err = d.Levels("asks"); err != nil {
				return nil, err
			}
		default:
			return nil, nil
		}
		events = append(events, raw)
	}
	return events, nil
}
