package processor

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	appconfig "ingestflow/config"
	"ingestflow/models"
)

// ErrInvariant reports a broken internal guarantee, such as a sequence number
// that would not increase. It halts the shard that observed it.
var ErrInvariant = errors.New("pipeline invariant violated")

const defaultDedupWindow = 1024

// Scale is the fixed decimal scale of one asset pair.
type Scale struct {
	Price int32
	Qty   int32
}

// DedupPolicy selects the identity used to detect repeated raw events.
type DedupPolicy struct {
	Window int
	// Key is one of config.DedupKeyAuto, DedupKeySequence, DedupKeyTimestamp.
	Key string
}

// NormalizerOptions configures a Normalizer.
type NormalizerOptions struct {
	FutureTolerance time.Duration
	DefaultScale    Scale
	// Scales is keyed by canonical pair, e.g. "BTC/USDT".
	Scales map[string]Scale
	// Dedup is keyed by venue name; venues not listed use DefaultDedup.
	Dedup        map[string]DedupPolicy
	DefaultDedup DedupPolicy
	// Now is used for rejection timestamps. Defaults to time.Now.
	Now func() time.Time
}

// Outcome is the result of normalising one raw event: exactly one of Event or
// Reject is meaningful, as indicated by Accepted.
type Outcome struct {
	Accepted bool
	Event    models.CanonicalEvent
	Reject   models.RejectedEvent
}

type stream struct {
	seq   uint64
	epoch uint64
	seen  bool
}

type dedupRing struct {
	keys []string
	set  map[string]struct{}
	next int
}

func newDedupRing(size int) *dedupRing {
	return &dedupRing{keys: make([]string, size), set: make(map[string]struct{}, size)}
}

// observe reports whether key was already present, recording it otherwise.
func (r *dedupRing) observe(key string) bool {
	if _, ok := r.set[key]; ok {
		return true
	}
	if old := r.keys[r.next]; old != "" {
		delete(r.set, old)
	}
	r.keys[r.next] = key
	r.set[key] = struct{}{}
	r.next = (r.next + 1) % len(r.keys)
	return false
}

// Normalizer validates and canonicalises raw events. It owns per-stream state
// (sequence counters and dedup windows) and must be driven by one goroutine.
type Normalizer struct {
	book    *models.SymbolBook
	opts    NormalizerOptions
	streams map[string]*stream
	dedup   map[string]*dedupRing
}

// NewNormalizer builds a Normalizer that resolves symbols through book.
func NewNormalizer(book *models.SymbolBook, opts NormalizerOptions) *Normalizer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DefaultDedup.Window <= 0 {
		opts.DefaultDedup.Window = defaultDedupWindow
	}
	if opts.DefaultDedup.Key == "" {
		opts.DefaultDedup.Key = appconfig.DedupKeyAuto
	}
	return &Normalizer{
		book:    book,
		opts:    opts,
		streams: make(map[string]*stream),
		dedup:   make(map[string]*dedupRing),
	}
}

type rejection struct {
	reason models.RejectReason
	detail string
}

func reject(reason models.RejectReason, format string, args ...interface{}) *rejection {
	return &rejection{reason: reason, detail: fmt.Sprintf(format, args...)}
}

// Normalize runs the structural, symbol, numeric, temporal and duplicate
// checks in that order and canonicalises the event when all of them pass.
// The returned error is non-nil only for ErrInvariant.
func (n *Normalizer) Normalize(raw models.RawVenueEvent) (Outcome, error) {
	if r := checkStructure(&raw); r != nil {
		return n.rejected(raw, r), nil
	}

	sym, err := n.book.Load().Lookup(raw.Venue, raw.Symbol)
	if err != nil {
		return n.rejected(raw, reject(models.RejectUnknownSymbol, "%s on %s", raw.Symbol, raw.Venue)), nil
	}

	ev := models.CanonicalEvent{
		Kind:       raw.Kind,
		Symbol:     sym,
		Venue:      raw.Venue,
		IngestTime: raw.ReceivedAt,
		Epoch:      raw.Epoch,
	}
	if r := n.fillNumeric(&raw, sym, &ev); r != nil {
		return n.rejected(raw, r), nil
	}
	if r := n.fillTime(&raw, &ev); r != nil {
		return n.rejected(raw, r), nil
	}

	ring := n.ringFor(sym, raw.Kind)
	if ring.observe(n.dedupKey(&raw)) {
		return n.rejected(raw, reject(models.RejectDuplicate, "already seen within the last %d %s events", len(ring.keys), raw.Kind)), nil
	}

	if err := n.assignSequence(sym, &ev); err != nil {
		return Outcome{}, err
	}
	return Outcome{Accepted: true, Event: ev}, nil
}

// Streams reports the number of (venue, symbol) streams seen so far.
func (n *Normalizer) Streams() int {
	return len(n.streams)
}

func (n *Normalizer) rejected(raw models.RawVenueEvent, r *rejection) Outcome {
	return Outcome{Reject: models.RejectedEvent{
		ID:     uuid.NewString(),
		Raw:    raw,
		Reason: r.reason,
		Detail: r.detail,
		At:     n.opts.Now(),
	}}
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// STRUCTURE /////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

var requiredFields = map[models.EventKind][]string{
	models.KindTrade:     {models.FieldPrice, models.FieldQuantity, models.FieldTime},
	models.KindQuote:     {models.FieldBidPrice, models.FieldBidQty, models.FieldAskPrice, models.FieldAskQty},
	models.KindBookDelta: {models.FieldTime},
}

func checkStructure(raw *models.RawVenueEvent) *rejection {
	switch {
	case strings.TrimSpace(raw.Venue) == "":
		return reject(models.RejectMissingField, "venue")
	case strings.TrimSpace(raw.Symbol) == "":
		return reject(models.RejectMissingField, "symbol")
	case raw.Kind == "":
		return reject(models.RejectMissingField, "kind")
	case !raw.Kind.Valid():
		return reject(models.RejectUnsupportedKind, "%q", raw.Kind)
	case raw.ReceivedAt.IsZero():
		return reject(models.RejectMissingField, "received_at")
	}
	for _, f := range requiredFields[raw.Kind] {
		if _, ok := raw.Field(f); !ok {
			return reject(models.RejectMissingField, "%s requires %s", raw.Kind, f)
		}
	}
	if raw.Kind == models.KindBookDelta && len(raw.Bids) == 0 && len(raw.Asks) == 0 {
		return reject(models.RejectMissingField, "book_delta requires bids or asks")
	}
	return nil
}

/////////////////////////////////////////////////////////////////////////////
////////////////////////////////// NUMERIC //////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

func (n *Normalizer) scaleFor(sym *models.Symbol) Scale {
	if sc, ok := n.opts.Scales[sym.Canonical()]; ok {
		return sc
	}
	sc := n.opts.DefaultScale
	if sym.PriceScale > 0 {
		sc.Price = sym.PriceScale
	}
	if sym.QtyScale > 0 {
		sc.Qty = sym.QtyScale
	}
	return sc
}

func parseAmount(name, s string, scale int32) (models.Decimal, *rejection) {
	d, err := models.ParseDecimal(s)
	if err != nil {
		return models.Decimal{}, reject(models.RejectInvalidNumeric, "%s %q: %v", name, s, err)
	}
	if d.Sign() < 0 {
		return models.Decimal{}, reject(models.RejectInvalidNumeric, "%s %q is negative", name, s)
	}
	d, err = d.Rescale(scale)
	if err != nil {
		return models.Decimal{}, reject(models.RejectInvalidNumeric, "%s %q: %v", name, s, err)
	}
	return d, nil
}

func parseID(raw *models.RawVenueEvent, key string) (uint64, *rejection) {
	v, ok := raw.Field(key)
	if !ok {
		return 0, nil
	}
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, reject(models.RejectInvalidNumeric, "%s %q is not an unsigned integer", key, v)
	}
	return id, nil
}

func (n *Normalizer) fillNumeric(raw *models.RawVenueEvent, sym *models.Symbol, ev *models.CanonicalEvent) *rejection {
	sc := n.scaleFor(sym)
	var r *rejection

	switch raw.Kind {
	case models.KindTrade:
		price, _ := raw.Field(models.FieldPrice)
		qty, _ := raw.Field(models.FieldQuantity)
		if ev.Price, r = parseAmount("price", price, sc.Price); r != nil {
			return r
		}
		if ev.Price.Sign() <= 0 {
			return reject(models.RejectInvalidNumeric, "trade price %q must be positive", price)
		}
		if ev.Quantity, r = parseAmount("qty", qty, sc.Qty); r != nil {
			return r
		}
		ev.Side, _ = raw.Field(models.FieldSide)
		ev.Side = strings.ToLower(ev.Side)
		ev.TradeID, _ = raw.Field(models.FieldTradeID)

	case models.KindQuote:
		fields := []struct {
			key   string
			scale int32
			dst   *models.Decimal
		}{
			{models.FieldBidPrice, sc.Price, &ev.BidPrice},
			{models.FieldBidQty, sc.Qty, &ev.BidQty},
			{models.FieldAskPrice, sc.Price, &ev.AskPrice},
			{models.FieldAskQty, sc.Qty, &ev.AskQty},
		}
		for _, f := range fields {
			v, _ := raw.Field(f.key)
			if *f.dst, r = parseAmount(f.key, v, f.scale); r != nil {
				return r
			}
		}

	case models.KindBookDelta:
		if ev.Bids, r = parseLevels("bid", raw.Bids, sc); r != nil {
			return r
		}
		if ev.Asks, r = parseLevels("ask", raw.Asks, sc); r != nil {
			return r
		}
	}

	if ev.VenueSeq, r = parseID(raw, models.FieldSequence); r != nil {
		return r
	}
	if ev.FirstUpdateID, r = parseID(raw, models.FieldFirstID); r != nil {
		return r
	}
	if last, r := parseID(raw, models.FieldLastID); r != nil {
		return r
	} else if ev.VenueSeq == 0 {
		ev.VenueSeq = last
	}
	return nil
}

func parseLevels(side string, levels [][2]string, sc Scale) ([]models.PriceLevel, *rejection) {
	if len(levels) == 0 {
		return nil, nil
	}
	out := make([]models.PriceLevel, 0, len(levels))
	for i, lv := range levels {
		price, r := parseAmount(fmt.Sprintf("%s[%d].price", side, i), lv[0], sc.Price)
		if r != nil {
			return nil, r
		}
		qty, r := parseAmount(fmt.Sprintf("%s[%d].qty", side, i), lv[1], sc.Qty)
		if r != nil {
			return nil, r
		}
		out = append(out, models.PriceLevel{Price: price, Quantity: qty})
	}
	return out, nil
}

/////////////////////////////////////////////////////////////////////////////
////////////////////////////////// TEMPORAL /////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

func (n *Normalizer) fillTime(raw *models.RawVenueEvent, ev *models.CanonicalEvent) *rejection {
	ts, ok := raw.Field(models.FieldTime)
	if !ok {
		// quotes without an exchange clock are stamped at arrival
		ev.ExchangeTime = raw.ReceivedAt
		return nil
	}
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || ms <= 0 {
		return reject(models.RejectInvalidTimestamp, "ts %q", ts)
	}
	ev.ExchangeTime = time.UnixMilli(ms).UTC()
	if limit := raw.ReceivedAt.Add(n.opts.FutureTolerance); ev.ExchangeTime.After(limit) {
		return reject(models.RejectFutureTimestamp, "ts %s is %s ahead of ingest", ev.ExchangeTime.Format(time.RFC3339Nano), ev.ExchangeTime.Sub(raw.ReceivedAt))
	}
	return nil
}

/////////////////////////////////////////////////////////////////////////////
/////////////////////////////////// DEDUP ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

func (n *Normalizer) policyFor(venue string) DedupPolicy {
	p, ok := n.opts.Dedup[venue]
	if !ok {
		return n.opts.DefaultDedup
	}
	if p.Window <= 0 {
		p.Window = n.opts.DefaultDedup.Window
	}
	if p.Key == "" {
		p.Key = n.opts.DefaultDedup.Key
	}
	return p
}

func (n *Normalizer) ringFor(sym *models.Symbol, kind models.EventKind) *dedupRing {
	key := sym.Key() + "|" + string(kind)
	ring, ok := n.dedup[key]
	if !ok {
		ring = newDedupRing(n.policyFor(sym.Venue).Window)
		n.dedup[key] = ring
	}
	return ring
}

// dedupKey returns the venue identity of raw under the venue's policy. The
// sequence strategy uses the venue sequence or trade id; the timestamp
// strategy uses the exchange time plus a fingerprint of the payload so that
// distinct prints within one millisecond stay distinct.
func (n *Normalizer) dedupKey(raw *models.RawVenueEvent) string {
	policy := n.policyFor(raw.Venue)
	if policy.Key != appconfig.DedupKeyTimestamp {
		for _, f := range []string{models.FieldSequence, models.FieldLastID, models.FieldTradeID} {
			if v, ok := raw.Field(f); ok {
				return f + ":" + v
			}
		}
	}
	return "ts:" + raw.Fields[models.FieldTime] + ":" + fingerprint(raw)
}

func fingerprint(raw *models.RawVenueEvent) string {
	h := fnv.New64a()
	for _, f := range []string{
		models.FieldPrice, models.FieldQuantity, models.FieldSide,
		models.FieldBidPrice, models.FieldBidQty, models.FieldAskPrice, models.FieldAskQty,
	} {
		h.Write([]byte(raw.Fields[f]))
		h.Write([]byte{0})
	}
	for _, lv := range raw.Bids {
		h.Write([]byte("b" + lv[0] + "/" + lv[1]))
	}
	for _, lv := range raw.Asks {
		h.Write([]byte("a" + lv[0] + "/" + lv[1]))
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

/////////////////////////////////////////////////////////////////////////////
////////////////////////////////// SEQUENCE /////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

func (n *Normalizer) assignSequence(sym *models.Symbol, ev *models.CanonicalEvent) error {
	st, ok := n.streams[sym.Key()]
	if !ok {
		st = &stream{}
		n.streams[sym.Key()] = st
	}
	next := st.seq + 1
	if next <= st.seq {
		return fmt.Errorf("%w: sequence for %s would not increase past %d", ErrInvariant, sym.Key(), st.seq)
	}
	if st.seen && ev.Epoch > st.epoch {
		ev.Gap = true
	}
	if ev.Epoch > st.epoch {
		st.epoch = ev.Epoch
	}
	st.seq = next
	st.seen = true
	ev.Sequence = next
	return nil
}
