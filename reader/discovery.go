package reader

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"ingestflow/internal/symbols"
	"ingestflow/models"
)

// RequestFromConfig builds the discovery request of a venue.
func RequestFromConfig(instruments []string, all bool, quoteWhitelist, blacklist []string) DiscoveryRequest {
	return DiscoveryRequest{
		Instruments:     instruments,
		All:             all,
		QuoteWhitelist:  quoteWhitelist,
		SymbolBlacklist: blacklist,
	}
}

// SelectSymbols filters the trading symbols a venue listed down to what req
// asks for. An empty selection is a discovery failure.
func SelectSymbols(venue string, listed []models.Symbol, req DiscoveryRequest) ([]models.Symbol, error) {
	quotes := upperSet(req.QuoteWhitelist)
	blocked := upperSet(req.SymbolBlacklist)

	wanted := map[string]struct{}{}
	for _, inst := range req.Instruments {
		base, quote, err := symbols.ParseInstrument(inst)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
		wanted[base+"/"+quote] = struct{}{}
	}

	var out []models.Symbol
	seen := map[string]struct{}{}
	for _, s := range listed {
		s.Venue = venue
		native := strings.ToUpper(s.Native)
		if _, dup := seen[native]; dup {
			continue
		}
		if _, ok := blocked[native]; ok {
			continue
		}
		if _, ok := blocked[s.Canonical()]; ok {
			continue
		}
		if !req.All {
			if _, ok := wanted[s.Canonical()]; !ok {
				continue
			}
		} else if len(quotes) > 0 {
			if _, ok := quotes[s.Quote]; !ok {
				continue
			}
		}
		seen[native] = struct{}{}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no symbol on %s matched %d instrument(s)", ErrDiscoveryFailed, venue, len(req.Instruments))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Native < out[j].Native })
	return out, nil
}

// StaticSymbols resolves a configured symbols list verbatim. An entry that
// cannot be split into base and quote is a configuration error.
func StaticSymbols(venue, kind string, natives []string) ([]models.Symbol, error) {
	out := make([]models.Symbol, 0, len(natives))
	for _, native := range natives {
		base, quote, err := symbols.Split(kind, native)
		if err != nil {
			return nil, fmt.Errorf("%w: symbol %q: %v", ErrConfig, native, err)
		}
		sym, err := models.NewSymbol(venue, native, base, quote)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
		out = append(out, sym)
	}
	return out, nil
}

func upperSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.ToUpper(strings.TrimSpace(v))
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

// StepScale turns a tick or lot step such as "0.001" into the number of
// fractional digits it allows. Unparseable steps yield 0 so the pipeline
// default applies.
func StepScale(step string) int32 {
	d, err := decimal.NewFromString(step)
	if err != nil || !d.IsPositive() {
		return 0
	}
	scale := -d.Exponent()
	// "0.0100" carries trailing zeros
	for scale > 0 && d.Shift(scale-1).IsInteger() {
		scale--
	}
	switch {
	case scale < 0:
		return 0
	case scale > models.MaxScale:
		return models.MaxScale
	}
	return scale
}
