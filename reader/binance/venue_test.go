package binance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	appconfig "ingestflow/config"
	"ingestflow/models"
	"ingestflow/reader"
)

func testConfig(t *testing.T, extra string) *appconfig.VenueConfig {
	t.Helper()
	cfg, err := appconfig.Parse([]byte(`
venues:
  binance:
    enabled: true
    instruments: ["BTC/USDT"]
` + extra))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	return cfg.Venues["binance"]
}

func testVenue(t *testing.T, extra string) *Venue {
	t.Helper()
	v, err := New(testConfig(t, extra))
	if err != nil {
		t.Fatalf("new venue: %v", err)
	}
	return v
}

func TestDecodeTrade(t *testing.T) {
	v := testVenue(t, "")
	now := time.Now()
	msg := `{"e":"trade","E":1700000000001,"s":"BTCUSDT","t":12345,"p":"30000.10","q":"0.500","T":1700000000000,"m":true,"M":true}`

	events, err := v.Decode([]byte(msg), now)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	ev := events[0]
	if ev.Venue != "binance" || ev.Symbol != "BTCUSDT" || ev.Kind != models.KindTrade {
		t.Fatalf("unexpected header %+v", ev)
	}
	want := map[string]string{
		models.FieldPrice:    "30000.10",
		models.FieldQuantity: "0.500",
		models.FieldTime:     "1700000000000",
		models.FieldTradeID:  "12345",
		models.FieldSide:     "sell",
	}
	for k, w := range want {
		if got := ev.Fields[k]; got != w {
			t.Errorf("field %s: got %q want %q", k, got, w)
		}
	}
	if !ev.ReceivedAt.Equal(now) {
		t.Errorf("received_at not propagated")
	}
}

func TestDecodeCombinedBookTicker(t *testing.T) {
	v := testVenue(t, "")
	msg := `{"stream":"btcusdt@bookTicker","data":{"u":400900217,"s":"BTCUSDT","b":"25.35190000","B":"31.21000000","a":"25.36520000","A":"40.66000000"}}`

	events, err := v.Decode([]byte(msg), time.Now())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 1 || events[0].Kind != models.KindQuote {
		t.Fatalf("expected one quote, got %+v", events)
	}
	f := events[0].Fields
	if f[models.FieldSequence] != "400900217" || f[models.FieldBidPrice] != "25.35190000" || f[models.FieldAskQty] != "40.66000000" {
		t.Fatalf("unexpected quote fields %v", f)
	}
	if _, ok := f[models.FieldTime]; ok {
		t.Fatalf("spot book ticker carries no exchange time")
	}
}

func TestDecodeDepthUpdate(t *testing.T) {
	v := testVenue(t, "")
	msg := `{"e":"depthUpdate","E":1700000000123,"s":"ETHBTC","U":157,"u":160,"b":[["0.0024","10"]],"a":[["0.0026","100"],["0.0027","0"]]}`

	events, err := v.Decode([]byte(msg), time.Now())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ev := events[0]
	if ev.Kind != models.KindBookDelta || ev.Fields[models.FieldLastID] != "160" || ev.Fields[models.FieldFirstID] != "157" {
		t.Fatalf("unexpected delta %+v", ev)
	}
	if len(ev.Bids) != 1 || len(ev.Asks) != 2 || ev.Asks[1] != [2]string{"0.0027", "0"} {
		t.Fatalf("unexpected levels bids=%v asks=%v", ev.Bids, ev.Asks)
	}
}

func TestDecodeControlAndMalformed(t *testing.T) {
	v := testVenue(t, "")

	events, err := v.Decode([]byte(`{"result":null,"id":1}`), time.Now())
	if err != nil || len(events) != 0 {
		t.Fatalf("ack should decode to nothing, got %v %v", events, err)
	}
	events, err = v.Decode([]byte(`{"e":"kline","s":"BTCUSDT"}`), time.Now())
	if err != nil || len(events) != 0 {
		t.Fatalf("unsubscribed event should be ignored, got %v %v", events, err)
	}

	for _, msg := range []string{`not json`, `[1,2]`, `{"e":"depthUpdate","b":"oops"}`, `{"error":{"code":2,"msg":"Invalid request"},"id":3}`} {
		if _, err := v.Decode([]byte(msg), time.Now()); !errors.Is(err, reader.ErrMalformed) {
			t.Errorf("%s: expected ErrMalformed, got %v", msg, err)
		}
	}
}

func TestStreamsFollowChannels(t *testing.T) {
	v := testVenue(t, `
    channels:
      ticker: {enabled: true}
      depth: {enabled: true, interval: 1s}
`)
	s, _ := models.NewSymbol("binance", "BTCUSDT", "BTC", "USDT")
	got := v.Streams([]*models.Symbol{&s})
	want := []string{"btcusdt@trade", "btcusdt@bookTicker", "btcusdt@depth"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("streams %v, want %v", got, want)
	}
}

func TestSubscriptionsAreChunked(t *testing.T) {
	v := testVenue(t, "")
	var syms []*models.Symbol
	for i := 0; i < streamsPerFrame+1; i++ {
		s, _ := models.NewSymbol("binance", "SYM"+string(rune('A'+i%26))+"USDT", "X", "USDT")
		syms = append(syms, &s)
	}
	frames := v.subscriptions(syms)
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	first := frames[0].(subscribeFrame)
	second := frames[1].(subscribeFrame)
	if first.Method != "SUBSCRIBE" || len(first.Params) != streamsPerFrame || len(second.Params) != 1 {
		t.Fatalf("unexpected chunking %d/%d", len(first.Params), len(second.Params))
	}
	if first.ID == second.ID {
		t.Fatalf("frame ids must differ")
	}
}

func TestDiscoverFiltersTradingSymbols(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/exchangeInfo" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"timezone":"UTC","serverTime":1700000000000,"symbols":[
			{"symbol":"BTCUSDT","status":"TRADING","baseAsset":"BTC","baseAssetPrecision":8,"quoteAsset":"USDT","quotePrecision":2},
			{"symbol":"ETHUSDT","status":"TRADING","baseAsset":"ETH","baseAssetPrecision":8,"quoteAsset":"USDT","quotePrecision":2},
			{"symbol":"LUNAUSDT","status":"BREAK","baseAsset":"LUNA","baseAssetPrecision":8,"quoteAsset":"USDT","quotePrecision":8}
		]}`))
	}))
	defer srv.Close()

	v := testVenue(t, "    rest_base: "+srv.URL+"\n")
	syms, err := v.Discover(context.Background(), reader.DiscoveryRequest{Instruments: []string{"BTC/USDT", "LUNA/USDT"}})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(syms) != 1 || syms[0].Native != "BTCUSDT" {
		t.Fatalf("unexpected symbols %+v", syms)
	}
	if syms[0].PriceScale != 2 || syms[0].QtyScale != 8 {
		t.Fatalf("scales not taken from exchangeInfo: %+v", syms[0])
	}

	all, err := v.Discover(context.Background(), reader.DiscoveryRequest{All: true, SymbolBlacklist: []string{"ETH/USDT"}})
	if err != nil || len(all) != 1 {
		t.Fatalf("blacklist not applied: %+v %v", all, err)
	}
}

func TestDiscoverFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"code":-1001,"msg":"down"}`))
	}))
	defer srv.Close()

	v := testVenue(t, "    rest_base: "+srv.URL+"\n")
	if _, err := v.Discover(context.Background(), reader.DiscoveryRequest{Instruments: []string{"BTC/USDT"}}); !errors.Is(err, reader.ErrDiscoveryFailed) {
		t.Fatalf("expected ErrDiscoveryFailed, got %v", err)
	}
}

func TestStreamingRoundTrip(t *testing.T) {
	subscribed := make(chan subscribeFrame, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f subscribeFrame
		json.Unmarshal(msg, &f)
		subscribed <- f
		conn.WriteMessage(websocket.TextMessage, []byte(`{"result":null,"id":1}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"trade","s":"BTCUSDT","t":1,"p":"1.5","q":"2","T":1700000000000,"m":false}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	v := testVenue(t, "    ws_base: ws"+strings.TrimPrefix(srv.URL, "http")+"\n")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := v.Dial(ctx)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	s, _ := models.NewSymbol("binance", "BTCUSDT", "BTC", "USDT")
	if err := conn.Subscribe(ctx, []*models.Symbol{&s}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	f := <-subscribed
	if f.Method != "SUBSCRIBE" || len(f.Params) != 1 || f.Params[0] != "btcusdt@trade" {
		t.Fatalf("unexpected subscribe frame %+v", f)
	}

	var got []models.RawVenueEvent
	for len(got) == 0 {
		msg, err := conn.ReadMessage(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		events, err := v.Decode(msg, time.Now())
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		got = append(got, events...)
	}
	if got[0].Fields[models.FieldSide] != "buy" || got[0].Fields[models.FieldPrice] != "1.5" {
		t.Fatalf("unexpected event %+v", got[0])
	}
}
