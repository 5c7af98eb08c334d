// Package reader runs one adapter per configured venue: discover symbols,
// subscribe, stream raw events into the pipeline intake and reconnect with
// backoff when the connection drops.
package reader

import (
	"context"
	"errors"
	"time"

	"ingestflow/models"
)

var (
	// ErrDiscoveryFailed wraps every discovery error: transport, timeout,
	// malformed response or an empty selection.
	ErrDiscoveryFailed = errors.New("symbol discovery failed")
	// ErrConfig marks configuration a venue cannot run with. The venue is
	// disabled for the run.
	ErrConfig = errors.New("invalid venue configuration")
	// ErrMalformed is returned by Decode for wire frames that cannot be parsed.
	ErrMalformed = errors.New("malformed venue message")
)

// DiscoveryRequest describes which symbols a venue should resolve.
type DiscoveryRequest struct {
	// Instruments are canonical pairs such as "BTC/USDT".
	Instruments []string
	// All selects every trading symbol, subject to the filters below.
	All             bool
	QuoteWhitelist  []string
	SymbolBlacklist []string
	Timeout         time.Duration
}

// Venue is one exchange protocol. Implementations are stateless apart from
// configuration; connection state lives in Conn.
type Venue interface {
	Name() string
	Discover(ctx context.Context, req DiscoveryRequest) ([]models.Symbol, error)
	Dial(ctx context.Context) (Conn, error)
	// Decode turns one wire message into zero or more raw events. Control
	// frames yield no events; unparseable frames return ErrMalformed.
	Decode(msg []byte, receivedAt time.Time) ([]models.RawVenueEvent, error)
}

// Conn is a live streaming connection. It is closed when the ctx passed to
// Dial is done.
type Conn interface {
	Subscribe(ctx context.Context, symbols []*models.Symbol) error
	ReadMessage(ctx context.Context) ([]byte, error)
	Close() error
}

// Intake accepts raw events. *processor.Pipeline implements it.
type Intake interface {
	Submit(ctx context.Context, raw models.RawVenueEvent) error
}
