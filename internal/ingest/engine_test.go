package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	appconfig "ingestflow/config"
	"ingestflow/internal/bus"
	"ingestflow/internal/metrics"
	"ingestflow/models"
	"ingestflow/reader"
	"ingestflow/replay"
)

// scriptedConn yields its frames once, then parks until the session ends.
type scriptedConn struct {
	frames chan []byte
}

func (c *scriptedConn) Subscribe(context.Context, []*models.Symbol) error { return nil }

func (c *scriptedConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.frames:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *scriptedConn) Close() error { return nil }

// scriptedVenue decodes "price:qty:id" frames into trades.
type scriptedVenue struct {
	name   string
	frames []string
}

func (v *scriptedVenue) Name() string { return v.name }

func (v *scriptedVenue) Discover(context.Context, reader.DiscoveryRequest) ([]models.Symbol, error) {
	return nil, reader.ErrDiscoveryFailed
}

func (v *scriptedVenue) Dial(context.Context) (reader.Conn, error) {
	c := &scriptedConn{frames: make(chan []byte, len(v.frames))}
	for _, f := range v.frames {
		c.frames <- []byte(f)
	}
	return c, nil
}

func (v *scriptedVenue) Decode(msg []byte, receivedAt time.Time) ([]models.RawVenueEvent, error) {
	parts := strings.Split(string(msg), ":")
	if len(parts) != 3 {
		return nil, reader.ErrMalformed
	}
	return []models.RawVenueEvent{{
		Venue:      v.name,
		Symbol:     "BTCUSDT",
		Kind:       models.KindTrade,
		ReceivedAt: receivedAt,
		Fields: map[string]string{
			models.FieldPrice:    parts[0],
			models.FieldQuantity: parts[1],
			models.FieldTradeID:  parts[2],
			models.FieldTime:     strconv.FormatInt(receivedAt.UnixMilli(), 10),
		},
	}}, nil
}

func engineConfig(t *testing.T, extra string) *appconfig.Config {
	t.Helper()
	cfg, err := appconfig.Parse([]byte(`
pipeline:
  shards: 2
venues:
  sim:
    enabled: true
    kind: scripted
    symbols: [BTCUSDT]
` + extra))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	return cfg
}

func scripted(frames ...string) Option {
	return WithFactory("scripted", func(cfg *appconfig.VenueConfig) (reader.Venue, error) {
		return &scriptedVenue{name: cfg.Name, frames: frames}, nil
	})
}

func nextEvent(t *testing.T, c *bus.Cursor) models.CanonicalEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := c.Next(ctx)
	if err != nil {
		t.Fatalf("next event: %v", err)
	}
	return ev
}

func TestEngineStreamsToQueue(t *testing.T) {
	reg := metrics.NewRegistry()
	rejected := make(chan models.RejectedEvent, 4)
	e, err := New(engineConfig(t, ""),
		scripted("100.5:1:a", "100.6:2:b", "bad", "oops:1:c"),
		WithRegistry(reg),
		WithRejectHandler(func(rej models.RejectedEvent) { rejected <- rej }),
	)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if len(e.Runners()) != 1 {
		t.Fatalf("expected one runner, got %d", len(e.Runners()))
	}
	cursor := e.Queue().Subscribe(bus.SubscribeOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	first := nextEvent(t, cursor)
	second := nextEvent(t, cursor)
	if first.TradeID != "a" || second.TradeID != "b" {
		t.Fatalf("unexpected order %s, %s", first.TradeID, second.TradeID)
	}
	if first.Symbol.Canonical() != "BTC/USDT" || first.Sequence != 1 || second.Sequence != 2 {
		t.Fatalf("unexpected canonical events %+v %+v", first, second)
	}
	if first.Epoch != 1 {
		t.Fatalf("expected first session epoch, got %d", first.Epoch)
	}

	select {
	case rej := <-rejected:
		if rej.Reason != models.RejectInvalidNumeric || rej.Raw.Fields[models.FieldTradeID] != "c" {
			t.Fatalf("unexpected rejection %+v", rej)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("rejection never reached the handler")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("engine did not stop")
	}

	if _, err := cursor.Next(context.Background()); !errors.Is(err, bus.ErrClosed) {
		t.Fatalf("expected closed queue after shutdown, got %v", err)
	}
	if e.Runners()[0].Malformed() != 1 {
		t.Fatalf("malformed frames = %d", e.Runners()[0].Malformed())
	}
	if st := e.Pipeline().Stats(); st.Accepted != 2 || st.Rejected != 1 {
		t.Fatalf("pipeline stats %+v", st)
	}
}

func TestEngineQueueHonoursConfig(t *testing.T) {
	e, err := New(engineConfig(t, `
queue:
  capacity: 8
  consumer_spin: 4
  replay_window: 2
`), scripted("100.5:1:a", "100.6:1:b", "100.7:1:c"))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	live := e.Queue().Subscribe(bus.SubscribeOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	for i := 0; i < 3; i++ {
		nextEvent(t, live)
	}
	late := e.Queue().Subscribe(bus.SubscribeOptions{Replay: 10})
	if ev := nextEvent(t, late); ev.TradeID != "b" || ev.Sequence != 2 {
		t.Fatalf("late cursor should replay the last 2 events, started at %+v", ev)
	}

	occ := e.Occupancy()
	if occ.QueueConsumers != 2 || occ.QueueDepth != 1 || occ.QueueDrops != 0 || occ.RejectDrops != 0 {
		t.Fatalf("unexpected occupancy %+v", occ)
	}
}

func TestEngineSkipsUnknownKind(t *testing.T) {
	e, err := New(engineConfig(t, `
  other:
    enabled: true
    kind: kraken
    symbols: [XBTUSD]
`), scripted())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if len(e.Runners()) != 1 || e.Runners()[0].Name() != "sim" {
		t.Fatalf("unknown venue kind was not skipped")
	}
}

func TestEngineStopsWhenEveryVenueGivesUp(t *testing.T) {
	cfg := engineConfig(t, "")
	cfg.Venues["sim"].Symbols = appconfig.SymbolList{}
	cfg.Venues["sim"].Instruments = []string{"BTC/USDT"}

	e, err := New(cfg, scripted())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, reader.ErrDiscoveryFailed) {
			t.Fatalf("expected discovery failure, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("engine kept running without venues")
	}
	if !e.Queue().Closed() {
		t.Fatalf("queue left open")
	}
}

func TestEngineCapturesRawEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.jsonl")
	e, err := New(engineConfig(t, `
capture:
  enabled: true
  path: `+path+`
`), scripted("1:1:a", "2:1:b"))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	cursor := e.Queue().Subscribe(bus.SubscribeOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	nextEvent(t, cursor)
	nextEvent(t, cursor)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open capture: %v", err)
	}
	defer f.Close()
	raws, err := replay.ReadAll(f)
	if err != nil {
		t.Fatalf("read capture: %v", err)
	}
	if len(raws) != 2 || raws[0].Venue != "sim" || raws[1].Epoch != 1 {
		t.Fatalf("unexpected capture %+v", raws)
	}
}
