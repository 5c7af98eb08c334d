package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

// ErrUnknownSymbol is returned when a native symbol is not part of the table.
var ErrUnknownSymbol = errors.New("unknown symbol")

// Symbol identifies a tradable instrument on one venue. Base and Quote are
// venue independent asset codes; Native is the venue's own spelling and is kept
// for round-tripping subscriptions.
type Symbol struct {
	Base       string `json:"base"`
	Quote      string `json:"quote"`
	Venue      string `json:"venue"`
	Native     string `json:"native"`
	PriceScale int32  `json:"price_scale"`
	QtyScale   int32  `json:"qty_scale"`
}

// NewSymbol builds a Symbol with upper-cased asset codes.
func NewSymbol(venue, native, base, quote string) (Symbol, error) {
	s := Symbol{
		Base:   strings.ToUpper(strings.TrimSpace(base)),
		Quote:  strings.ToUpper(strings.TrimSpace(quote)),
		Venue:  strings.TrimSpace(venue),
		Native: strings.TrimSpace(native),
	}
	switch {
	case s.Venue == "":
		return Symbol{}, fmt.Errorf("symbol %q: venue is required", native)
	case s.Native == "":
		return Symbol{}, fmt.Errorf("symbol on %s: native symbol is required", venue)
	case s.Base == "" || s.Quote == "":
		return Symbol{}, fmt.Errorf("symbol %s on %s: base and quote are required", native, venue)
	}
	return s, nil
}

// Canonical returns the venue independent BASE/QUOTE name.
func (s *Symbol) Canonical() string {
	return s.Base + "/" + s.Quote
}

// Key returns venue:native, unique inside a SymbolTable.
func (s *Symbol) Key() string {
	return symbolKey(s.Venue, s.Native)
}

func (s *Symbol) String() string {
	return s.Venue + ":" + s.Canonical()
}

func symbolKey(venue, native string) string {
	return venue + ":" + strings.ToUpper(native)
}

// SymbolTable is an immutable lookup of symbols by (venue, native symbol).
// Callers share *Symbol values out of the table rather than copying them.
type SymbolTable struct {
	byKey   map[string]*Symbol
	byVenue map[string][]*Symbol
}

// NewSymbolTable validates and indexes symbols. Duplicate (venue, native)
// entries are rejected.
func NewSymbolTable(symbols []Symbol) (*SymbolTable, error) {
	t := &SymbolTable{
		byKey:   make(map[string]*Symbol, len(symbols)),
		byVenue: make(map[string][]*Symbol),
	}
	for i := range symbols {
		s := symbols[i]
		if s.Venue == "" || s.Native == "" || s.Base == "" || s.Quote == "" {
			return nil, fmt.Errorf("invalid symbol entry %+v", s)
		}
		key := s.Key()
		if _, exists := t.byKey[key]; exists {
			return nil, fmt.Errorf("duplicate symbol %s", key)
		}
		t.byKey[key] = &s
		t.byVenue[s.Venue] = append(t.byVenue[s.Venue], &s)
	}
	for _, list := range t.byVenue {
		sort.Slice(list, func(i, j int) bool { return list[i].Native < list[j].Native })
	}
	return t, nil
}

// Lookup resolves a native symbol for a venue. Native lookups are case insensitive.
func (t *SymbolTable) Lookup(venue, native string) (*Symbol, error) {
	if t == nil {
		return nil, ErrUnknownSymbol
	}
	s, ok := t.byKey[symbolKey(venue, native)]
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnknownSymbol, native, venue)
	}
	return s, nil
}

// ByVenue lists the symbols of one venue ordered by native symbol.
func (t *SymbolTable) ByVenue(venue string) []*Symbol {
	if t == nil {
		return nil
	}
	out := make([]*Symbol, len(t.byVenue[venue]))
	copy(out, t.byVenue[venue])
	return out
}

// Len reports the number of symbols in the table.
func (t *SymbolTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.byKey)
}

// All returns a copy of every symbol, grouped by venue.
func (t *SymbolTable) All() []Symbol {
	if t == nil {
		return nil
	}
	venues := make([]string, 0, len(t.byVenue))
	for v := range t.byVenue {
		venues = append(venues, v)
	}
	sort.Strings(venues)
	out := make([]Symbol, 0, len(t.byKey))
	for _, v := range venues {
		for _, s := range t.byVenue[v] {
			out = append(out, *s)
		}
	}
	return out
}

// SymbolBook publishes the current SymbolTable. Tables are never mutated;
// reconfiguration builds a new table and swaps the pointer.
type SymbolBook struct {
	current atomic.Pointer[SymbolTable]
}

// NewSymbolBook returns a book holding table (may be nil for an empty book).
func NewSymbolBook(table *SymbolTable) *SymbolBook {
	b := &SymbolBook{}
	if table == nil {
		table, _ = NewSymbolTable(nil)
	}
	b.current.Store(table)
	return b
}

// Load returns the table currently in effect.
func (b *SymbolBook) Load() *SymbolTable {
	return b.current.Load()
}

// Swap installs table and returns the previous one.
func (b *SymbolBook) Swap(table *SymbolTable) *SymbolTable {
	return b.current.Swap(table)
}

// Replace installs a copy of the current table in which venue's symbols are
// replaced by symbols. Concurrent Replace calls for different venues are
// retried until they apply on top of each other.
func (b *SymbolBook) Replace(venue string, symbols []Symbol) (*SymbolTable, error) {
	for {
		prev := b.current.Load()
		merged := make([]Symbol, 0, prev.Len()+len(symbols))
		for _, s := range prev.All() {
			if s.Venue != venue {
				merged = append(merged, s)
			}
		}
		for _, s := range symbols {
			s.Venue = venue
			merged = append(merged, s)
		}
		next, err := NewSymbolTable(merged)
		if err != nil {
			return nil, err
		}
		if b.current.CompareAndSwap(prev, next) {
			return next, nil
		}
	}
}
