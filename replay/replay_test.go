package replay

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	appconfig "ingestflow/config"
	"ingestflow/models"
	"ingestflow/processor"
)

func testConfig(t *testing.T) *appconfig.Config {
	t.Helper()
	cfg, err := appconfig.Parse([]byte("app:\n  name: replay-test\n"))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	return cfg
}

func mustSymbol(t *testing.T, venue, native, base, quote string) models.Symbol {
	t.Helper()
	s, err := models.NewSymbol(venue, native, base, quote)
	if err != nil {
		t.Fatalf("symbol: %v", err)
	}
	return s
}

func goldenSymbols(t *testing.T) []models.Symbol {
	return []models.Symbol{
		mustSymbol(t, "binance", "BTCUSDT", "BTC", "USDT"),
		mustSymbol(t, "binance", "ETHUSDT", "ETH", "USDT"),
		mustSymbol(t, "okx", "BTC-USDT", "BTC", "USDT"),
		mustSymbol(t, "bybit", "BTCUSDT", "BTC", "USDT"),
	}
}

func openGolden(t *testing.T) *os.File {
	t.Helper()
	f, err := os.Open("testdata/golden.jsonl")
	if err != nil {
		t.Fatalf("open golden pack: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestReadSkipsBlankLines(t *testing.T) {
	events, err := ReadAll(openGolden(t))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 9 {
		t.Fatalf("expected 9 records, got %d", len(events))
	}
	if events[3].Kind != models.KindQuote || events[3].Fields[models.FieldSequence] != "77" {
		t.Fatalf("unexpected fourth record %+v", events[3])
	}
	if len(events[4].Bids) != 1 || events[4].Asks[0][1] != "0" {
		t.Fatalf("levels not decoded: %+v", events[4])
	}
}

func TestReadReportsLineNumber(t *testing.T) {
	pack := `{"venue":"binance","symbol":"BTCUSDT","kind":"trade"}

{"venue":"binance",`
	err := Read(strings.NewReader(pack), func(models.RawVenueEvent) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "line 3") {
		t.Fatalf("expected a line 3 error, got %v", err)
	}

	var got []models.RawVenueEvent
	err = Read(strings.NewReader(`{"kind":"trade"}`), func(raw models.RawVenueEvent) error {
		got = append(got, raw)
		return nil
	})
	if err != nil || len(got) != 1 {
		t.Fatalf("incomplete record should be passed on, got %d records, %v", len(got), err)
	}
}

func TestReadStopsOnCallbackError(t *testing.T) {
	stop := errors.New("stop")
	calls := 0
	err := Read(openGolden(t), func(models.RawVenueEvent) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Fatalf("expected stop after first record, calls=%d err=%v", calls, err)
	}
}

type scriptedIntake struct {
	errs []error
	got  []models.RawVenueEvent
}

func (s *scriptedIntake) Submit(_ context.Context, raw models.RawVenueEvent) error {
	s.got = append(s.got, raw)
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func TestRunCountsDrops(t *testing.T) {
	intake := &scriptedIntake{errs: []error{nil, processor.ErrIntakeFull, processor.ErrShardHalted}}
	st, err := Run(context.Background(), openGolden(t), intake)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if st.Read != 9 || st.Submitted != 7 || st.Dropped != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestRunStopsOnClosedPipeline(t *testing.T) {
	intake := &scriptedIntake{errs: []error{nil, processor.ErrPipelineClosed}}
	st, err := Run(context.Background(), openGolden(t), intake)
	if !errors.Is(err, processor.ErrPipelineClosed) {
		t.Fatalf("expected closed pipeline error, got %v", err)
	}
	if st.Read != 2 || len(intake.got) != 2 {
		t.Fatalf("replay continued after close: %+v", st)
	}
}

func TestHarnessGoldenPack(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	h, err := NewHarness(testConfig(t), goldenSymbols(t), WithClock(func() time.Time { return at }))
	if err != nil {
		t.Fatalf("harness: %v", err)
	}
	res, err := h.Run(context.Background(), openGolden(t))
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if res.Read != 9 || res.Drops != 0 {
		t.Fatalf("read=%d drops=%d", res.Read, res.Drops)
	}
	if len(res.Events) != 4 {
		t.Fatalf("expected 4 canonical events, got %d", len(res.Events))
	}

	first := res.Events[0]
	if first.Kind != models.KindTrade || first.Symbol.Canonical() != "BTC/USDT" || first.Sequence != 1 {
		t.Fatalf("unexpected first event %+v", first)
	}
	if !first.Price.Equal(models.MustDecimal("30000.1")) || first.Side != "buy" || first.TradeID != "1" {
		t.Fatalf("unexpected trade body %+v", first)
	}
	if !first.ExchangeTime.Equal(time.UnixMilli(1700000000000)) {
		t.Fatalf("exchange time %s", first.ExchangeTime)
	}

	quote := res.Events[1]
	if quote.Kind != models.KindQuote || quote.VenueSeq != 77 {
		t.Fatalf("unexpected quote %+v", quote)
	}
	if !quote.ExchangeTime.Equal(quote.IngestTime) {
		t.Fatalf("quote without ts should be stamped at arrival: %s vs %s", quote.ExchangeTime, quote.IngestTime)
	}

	book := res.Events[2]
	if book.Kind != models.KindBookDelta || book.Venue != "okx" || book.VenueSeq != 10 || len(book.Asks) != 1 || !book.Asks[0].Quantity.IsZero() {
		t.Fatalf("unexpected book delta %+v", book)
	}

	last := res.Events[3]
	if last.Sequence != 2 || !last.Gap || last.Epoch != 2 {
		t.Fatalf("expected a gap-marked second BTCUSDT event, got %+v", last)
	}

	want := map[models.RejectReason]int{
		models.RejectDuplicate:       1,
		models.RejectFutureTimestamp: 1,
		models.RejectInvalidNumeric:  1,
		models.RejectMissingField:    1,
		models.RejectUnknownSymbol:   1,
	}
	got := res.RejectCounts()
	if len(got) != len(want) {
		t.Fatalf("reject reasons %v, want %v", got, want)
	}
	for reason, n := range want {
		if got[reason] != n {
			t.Fatalf("reject %s = %d, want %d (%v)", reason, got[reason], n, got)
		}
	}
	for _, rej := range res.Rejects {
		if !rej.At.Equal(at) {
			t.Fatalf("reject not stamped by the harness clock: %s", rej.At)
		}
	}
	if res.Stats.Accepted != 4 || res.Stats.Rejected != 5 {
		t.Fatalf("pipeline stats %+v", res.Stats)
	}
}

func TestHarnessRejectsIncompleteRecordAndContinues(t *testing.T) {
	pack := `{"venue":"binance","symbol":"BTCUSDT","kind":"trade","received_at":"2023-11-14T22:13:20.050Z","epoch":1,"fields":{"price":"30000.10","qty":"0.500","ts":"1700000000000","trade_id":"1","side":"buy"}}
{"venue":"bybit","symbol":"","kind":"trade","received_at":"2023-11-14T22:13:20.055Z","epoch":1,"fields":{"price":"30000.00","qty":"1","ts":"1700000000001","trade_id":"9"}}
{"venue":"binance","symbol":"BTCUSDT","kind":"trade","received_at":"2023-11-14T22:13:20.060Z","epoch":1,"fields":{"price":"30000.20","qty":"0.100","ts":"1700000000002","trade_id":"2","side":"sell"}}
`
	h, err := NewHarness(testConfig(t), goldenSymbols(t))
	if err != nil {
		t.Fatalf("harness: %v", err)
	}
	res, err := h.Run(context.Background(), strings.NewReader(pack))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Read != 3 || len(res.Events) != 2 {
		t.Fatalf("read=%d events=%d, want 3 and 2", res.Read, len(res.Events))
	}
	if got := res.RejectCounts(); len(got) != 1 || got[models.RejectMissingField] != 1 {
		t.Fatalf("rejects %v, want one missing-field", got)
	}
	if res.Events[1].Sequence != 2 {
		t.Fatalf("sequence after the rejected record = %d", res.Events[1].Sequence)
	}
}

func TestHarnessRunsAreIndependent(t *testing.T) {
	h, err := NewHarness(testConfig(t), goldenSymbols(t))
	if err != nil {
		t.Fatalf("harness: %v", err)
	}
	for i := 0; i < 2; i++ {
		res, err := h.Run(context.Background(), openGolden(t))
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if len(res.Events) != 4 || res.Events[0].Sequence != 1 {
			t.Fatalf("run %d carried state: %d events", i, len(res.Events))
		}
	}
}

func TestInferSymbols(t *testing.T) {
	events := []models.RawVenueEvent{
		{Venue: "okx", Symbol: "ETH-USDT"},
		{Venue: "binance", Symbol: "BTCUSDT"},
		{Venue: "binance", Symbol: "BTCUSDT"},
		{Venue: "binance", Symbol: "???"},
		{Venue: "bybit", Symbol: ""},
	}
	syms, skipped := InferSymbols(testConfig(t), events)
	if len(syms) != 2 {
		t.Fatalf("expected two symbols, got %+v", syms)
	}
	if syms[0].Venue != "binance" || syms[0].Base != "BTC" || syms[1].Quote != "USDT" {
		t.Fatalf("unexpected symbols %+v", syms)
	}
	if len(skipped) != 1 || skipped[0] != "binance:???" {
		t.Fatalf("unexpected skipped %v", skipped)
	}
}
