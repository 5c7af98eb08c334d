package models

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

func TestParseDecimal(t *testing.T) {
	tests := []struct {
		in       string
		mantissa int64
		scale    int32
	}{
		{"100.50", 10050, 2},
		{"0.00000001", 1, 8},
		{"42", 42, 0},
		{"-1", -1, 0},
		{" 3.140 ", 3140, 3},
		{"1e3", 1000, 0},
	}
	for _, tt := range tests {
		d, err := ParseDecimal(tt.in)
		if err != nil {
			t.Fatalf("ParseDecimal(%q): %v", tt.in, err)
		}
		if d.Mantissa != tt.mantissa || d.Scale != tt.scale {
			t.Errorf("ParseDecimal(%q) = %d/%d want %d/%d", tt.in, d.Mantissa, d.Scale, tt.mantissa, tt.scale)
		}
	}
}

func TestParseDecimalInvalid(t *testing.T) {
	for _, in := range []string{"", "abc", "1.2.3", "NaN", "--1"} {
		if _, err := ParseDecimal(in); !errors.Is(err, ErrInvalidDecimal) {
			t.Errorf("ParseDecimal(%q) err = %v, want ErrInvalidDecimal", in, err)
		}
	}
}

func TestDecimalRescale(t *testing.T) {
	d := MustDecimal("101.235")
	up, err := d.Rescale(8)
	if err != nil {
		t.Fatalf("rescale: %v", err)
	}
	if up.String() != "101.23500000" || up.Mantissa != 10123500000 {
		t.Fatalf("unexpected upscale: %s (%d)", up, up.Mantissa)
	}
	down, err := d.Rescale(2)
	if err != nil {
		t.Fatalf("rescale: %v", err)
	}
	// half to even
	if down.String() != "101.24" {
		t.Fatalf("unexpected downscale: %s", down)
	}
	if !d.Equal(up) {
		t.Fatalf("expected %s == %s", d, up)
	}
}

func TestDecimalOverflow(t *testing.T) {
	d := MustDecimal("9223372036.854775807")
	if _, err := d.Rescale(10); !errors.Is(err, ErrDecimalOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
}

func TestDecimalJSON(t *testing.T) {
	d := MustDecimal("0.10")
	data, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"0.10"` {
		t.Fatalf("unexpected json %s", data)
	}
	var out Decimal
	if err := json.Unmarshal([]byte(`12.5`), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.String() != "12.5" {
		t.Fatalf("unexpected value %s", out)
	}
}

func TestNewSymbol(t *testing.T) {
	s, err := NewSymbol("binance", "BTCUSDT", "btc", "usdt")
	if err != nil {
		t.Fatalf("NewSymbol: %v", err)
	}
	if s.Canonical() != "BTC/USDT" || s.Key() != "binance:BTCUSDT" {
		t.Fatalf("unexpected symbol %+v", s)
	}
	if _, err := NewSymbol("binance", "", "BTC", "USDT"); err == nil {
		t.Fatalf("expected error for empty native symbol")
	}
	if _, err := NewSymbol("binance", "BTCUSDT", "BTC", ""); err == nil {
		t.Fatalf("expected error for empty quote")
	}
}

func testSymbols(t *testing.T) []Symbol {
	t.Helper()
	var out []Symbol
	for _, in := range [][4]string{
		{"binance", "BTCUSDT", "BTC", "USDT"},
		{"binance", "ETHUSDT", "ETH", "USDT"},
		{"okx", "BTC-USDT", "BTC", "USDT"},
	} {
		s, err := NewSymbol(in[0], in[1], in[2], in[3])
		if err != nil {
			t.Fatalf("NewSymbol: %v", err)
		}
		out = append(out, s)
	}
	return out
}

func TestSymbolTableLookup(t *testing.T) {
	table, err := NewSymbolTable(testSymbols(t))
	if err != nil {
		t.Fatalf("NewSymbolTable: %v", err)
	}
	s, err := table.Lookup("binance", "btcusdt")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	again, _ := table.Lookup("binance", "BTCUSDT")
	if s != again {
		t.Fatalf("lookup should return the shared *Symbol")
	}
	if _, err := table.Lookup("okx", "BTCUSDT"); !errors.Is(err, ErrUnknownSymbol) {
		t.Fatalf("expected ErrUnknownSymbol, got %v", err)
	}
	if got := len(table.ByVenue("binance")); got != 2 {
		t.Fatalf("expected 2 binance symbols, got %d", got)
	}
}

func TestSymbolTableDuplicate(t *testing.T) {
	syms := testSymbols(t)
	syms = append(syms, syms[0])
	if _, err := NewSymbolTable(syms); err == nil {
		t.Fatalf("expected duplicate error")
	}
}

func TestSymbolBookReplaceKeepsOldTable(t *testing.T) {
	table, _ := NewSymbolTable(testSymbols(t))
	book := NewSymbolBook(table)

	sol, _ := NewSymbol("binance", "SOLUSDT", "SOL", "USDT")
	next, err := book.Replace("binance", []Symbol{sol})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if book.Load() != next {
		t.Fatalf("book should expose the new table")
	}
	if _, err := next.Lookup("binance", "BTCUSDT"); err == nil {
		t.Fatalf("replaced venue should not keep old symbols")
	}
	if _, err := next.Lookup("okx", "BTC-USDT"); err != nil {
		t.Fatalf("other venues must be preserved: %v", err)
	}
	if _, err := table.Lookup("binance", "BTCUSDT"); err != nil {
		t.Fatalf("previous table must not be mutated: %v", err)
	}
}

func TestSymbolBookConcurrentReplace(t *testing.T) {
	book := NewSymbolBook(nil)
	var wg sync.WaitGroup
	for _, venue := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(v string) {
			defer wg.Done()
			s, _ := NewSymbol(v, "XY", "X", "Y")
			if _, err := book.Replace(v, []Symbol{s}); err != nil {
				t.Errorf("replace %s: %v", v, err)
			}
		}(venue)
	}
	wg.Wait()
	if book.Load().Len() != 4 {
		t.Fatalf("expected 4 symbols, got %d", book.Load().Len())
	}
}

func TestParseEventKind(t *testing.T) {
	for in, want := range map[string]EventKind{"trade": KindTrade, "TICKER": KindQuote, "depth": KindBookDelta} {
		got, err := ParseEventKind(in)
		if err != nil || got != want {
			t.Errorf("ParseEventKind(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseEventKind("funding"); err == nil {
		t.Errorf("expected error for unknown kind")
	}
}
