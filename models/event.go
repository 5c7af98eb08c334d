package models

import (
	"fmt"
	"strings"
	"time"
)

/////////////////////////////////////////////////////////////////////////////
/////////////////////////////////// KINDS ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// EventKind classifies market events.
type EventKind string

const (
	KindTrade     EventKind = "trade"
	KindQuote     EventKind = "quote"
	KindBookDelta EventKind = "book_delta"
)

// ParseEventKind accepts the canonical names plus a few venue spellings.
func ParseEventKind(s string) (EventKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trade", "trades":
		return KindTrade, nil
	case "quote", "ticker", "bbo":
		return KindQuote, nil
	case "book_delta", "depth", "book":
		return KindBookDelta, nil
	default:
		return "", fmt.Errorf("unknown event kind %q", s)
	}
}

// Valid reports whether k is one of the canonical kinds.
func (k EventKind) Valid() bool {
	switch k {
	case KindTrade, KindQuote, KindBookDelta:
		return true
	}
	return false
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// RAW EVENTS ////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Field keys used in RawVenueEvent.Fields.
const (
	FieldPrice    = "price"
	FieldQuantity = "qty"
	FieldTime     = "ts" // exchange time, unix milliseconds
	FieldSequence = "seq"
	FieldTradeID  = "trade_id"
	FieldSide     = "side"
	FieldBidPrice = "bid_px"
	FieldBidQty   = "bid_qty"
	FieldAskPrice = "ask_px"
	FieldAskQty   = "ask_qty"
	FieldFirstID  = "first_id"
	FieldLastID   = "last_id"
)

// RawVenueEvent is what an adapter produces for one venue message entry. It is
// loosely typed: Fields carry the venue's strings untouched and book levels are
// kept as [price, qty] string pairs.
type RawVenueEvent struct {
	Venue      string            `json:"venue"`
	Symbol     string            `json:"symbol"`
	Kind       EventKind         `json:"kind"`
	ReceivedAt time.Time         `json:"received_at"`
	Epoch      uint64            `json:"epoch,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	Bids       [][2]string       `json:"bids,omitempty"`
	Asks       [][2]string       `json:"asks,omitempty"`
}

// Field returns a trimmed field value and whether it was present and non-empty.
func (e *RawVenueEvent) Field(key string) (string, bool) {
	if e.Fields == nil {
		return "", false
	}
	v := strings.TrimSpace(e.Fields[key])
	return v, v != ""
}

/////////////////////////////////////////////////////////////////////////////
////////////////////////////// CANONICAL EVENTS /////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// PriceLevel is a normalised order book level. A zero quantity removes the level.
type PriceLevel struct {
	Price    Decimal `json:"price"`
	Quantity Decimal `json:"qty"`
}

// CanonicalEvent is the venue agnostic output of the pipeline. Which price
// fields are populated depends on Kind.
type CanonicalEvent struct {
	Kind         EventKind `json:"kind"`
	Symbol       *Symbol   `json:"symbol"`
	Venue        string    `json:"venue"`
	ExchangeTime time.Time `json:"exchange_time"`
	IngestTime   time.Time `json:"ingest_time"`

	// trade
	Price    Decimal `json:"price"`
	Quantity Decimal `json:"qty"`
	Side     string  `json:"side,omitempty"`
	TradeID  string  `json:"trade_id,omitempty"`

	// quote
	BidPrice Decimal `json:"bid_px"`
	BidQty   Decimal `json:"bid_qty"`
	AskPrice Decimal `json:"ask_px"`
	AskQty   Decimal `json:"ask_qty"`

	// book delta
	Bids []PriceLevel `json:"bids,omitempty"`
	Asks []PriceLevel `json:"asks,omitempty"`

	VenueSeq      uint64 `json:"venue_seq,omitempty"`
	FirstUpdateID uint64 `json:"first_update_id,omitempty"`

	// Sequence is assigned by the pipeline, strictly increasing per (venue, symbol).
	Sequence uint64 `json:"sequence"`
	// Epoch is the adapter connection generation; Gap is set on the first event
	// of a (venue, symbol) after the epoch moved.
	Epoch uint64 `json:"epoch"`
	Gap   bool   `json:"gap,omitempty"`
}

/////////////////////////////////////////////////////////////////////////////
////////////////////////////////// REJECTS //////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// RejectReason is a stable code describing why a raw event was not canonicalised.
type RejectReason string

const (
	RejectMissingField     RejectReason = "missing-field"
	RejectUnsupportedKind  RejectReason = "unsupported-kind"
	RejectUnknownSymbol    RejectReason = "unknown-symbol"
	RejectInvalidNumeric   RejectReason = "invalid-numeric"
	RejectInvalidTimestamp RejectReason = "invalid-timestamp"
	RejectFutureTimestamp  RejectReason = "future-timestamp"
	RejectDuplicate        RejectReason = "duplicate"
)

// RejectReasons lists every reason code, used to pre-register counters.
var RejectReasons = []RejectReason{
	RejectMissingField,
	RejectUnsupportedKind,
	RejectUnknownSymbol,
	RejectInvalidNumeric,
	RejectInvalidTimestamp,
	RejectFutureTimestamp,
	RejectDuplicate,
}

// RejectedEvent pairs an offending raw event with the reason it was dropped.
type RejectedEvent struct {
	ID     string        `json:"id"`
	Raw    RawVenueEvent `json:"raw"`
	Reason RejectReason  `json:"reason"`
	Detail string        `json:"detail,omitempty"`
	At     time.Time     `json:"at"`
}
