package processor

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"ingestflow/internal/bus"
	"ingestflow/models"
)

type rejectCollector struct {
	mu   sync.Mutex
	list []models.RejectedEvent
}

func (c *rejectCollector) Reject(rej models.RejectedEvent) {
	c.mu.Lock()
	c.list = append(c.list, rej)
	c.mu.Unlock()
}

func (c *rejectCollector) all() []models.RejectedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.RejectedEvent(nil), c.list...)
}

type countingMetrics struct {
	mu       sync.Mutex
	accepted int
	rejected map[models.RejectReason]int
	dropped  int
	halted   int
}

func (m *countingMetrics) Accepted(string, models.EventKind) {
	m.mu.Lock()
	m.accepted++
	m.mu.Unlock()
}

func (m *countingMetrics) Rejected(_ string, reason models.RejectReason) {
	m.mu.Lock()
	if m.rejected == nil {
		m.rejected = map[models.RejectReason]int{}
	}
	m.rejected[reason]++
	m.mu.Unlock()
}

func (m *countingMetrics) IntakeDropped(string) {
	m.mu.Lock()
	m.dropped++
	m.mu.Unlock()
}

func (m *countingMetrics) ShardHalted(int) {
	m.mu.Lock()
	m.halted++
	m.mu.Unlock()
}

func drain(t *testing.T, c *bus.Cursor) []models.CanonicalEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []models.CanonicalEvent
	for {
		ev, err := c.Next(ctx)
		if errors.Is(err, bus.ErrClosed) {
			return out
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		out = append(out, ev)
	}
}

func TestGoldenTradesEndToEnd(t *testing.T) {
	const n = 500
	q := bus.New(n)
	cur := q.Subscribe(bus.SubscribeOptions{})
	rejects := &rejectCollector{}
	p := New(testBook(t), q, Options{Shards: 4, IntakeBuffer: 16, Normalizer: testOptions()},
		WithRejectSink(rejects))

	ctx := context.Background()
	for i := 1; i <= n; i++ {
		if err := p.Submit(ctx, trade(i, "64000.5", "0.01")); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	p.Close()
	q.Close()

	events := drain(t, cur)
	if len(events) != n {
		t.Fatalf("expected %d events, got %d", n, len(events))
	}
	for i, ev := range events {
		if ev.Sequence != uint64(i+1) {
			t.Fatalf("event %d has sequence %d", i, ev.Sequence)
		}
		if ev.TradeID != strconv.Itoa(i+1) {
			t.Fatalf("event %d out of order: trade id %s", i, ev.TradeID)
		}
	}
	if len(rejects.all()) != 0 {
		t.Fatalf("expected zero rejections, got %d", len(rejects.all()))
	}
	if q.Drops() != 0 {
		t.Fatalf("expected zero drops, got %d", q.Drops())
	}
	if st := p.Stats(); st.Accepted != n || st.Rejected != 0 || st.IntakeDrops != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestNegativePriceEndToEnd(t *testing.T) {
	q := bus.New(8)
	cur := q.Subscribe(bus.SubscribeOptions{})
	rejects := &rejectCollector{}
	metrics := &countingMetrics{}
	p := New(testBook(t), q, Options{Shards: 2, IntakeBuffer: 4, Normalizer: testOptions()},
		WithRejectSink(rejects), WithMetrics(metrics))

	if err := p.Submit(context.Background(), trade(1, "-1", "1")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	p.Close()
	q.Close()

	if events := drain(t, cur); len(events) != 0 {
		t.Fatalf("expected no canonical events, got %d", len(events))
	}
	got := rejects.all()
	if len(got) != 1 || got[0].Reason != models.RejectInvalidNumeric {
		t.Fatalf("expected one invalid-numeric rejection, got %+v", got)
	}
	if metrics.rejected[models.RejectInvalidNumeric] != 1 || metrics.accepted != 0 {
		t.Fatalf("unexpected metrics %+v", metrics)
	}
}

func TestDuplicateEndToEnd(t *testing.T) {
	q := bus.New(8)
	cur := q.Subscribe(bus.SubscribeOptions{})
	rejects := &rejectCollector{}
	p := New(testBook(t), q, Options{Shards: 3, IntakeBuffer: 4, Normalizer: testOptions()},
		WithRejectSink(rejects))

	raw := trade(1, "100", "1")
	raw.Fields[models.FieldSequence] = "900"
	p.Submit(context.Background(), raw)
	p.Submit(context.Background(), raw)
	p.Close()
	q.Close()

	if events := drain(t, cur); len(events) != 1 {
		t.Fatalf("expected exactly one event, got %d", len(events))
	}
	got := rejects.all()
	if len(got) != 1 || got[0].Reason != models.RejectDuplicate {
		t.Fatalf("expected one duplicate rejection, got %+v", got)
	}
}

func TestPerStreamOrderAcrossShards(t *testing.T) {
	q := bus.New(4096)
	cur := q.Subscribe(bus.SubscribeOptions{})
	p := New(testBook(t), q, Options{Shards: 4, IntakeBuffer: 8, Normalizer: testOptions()})

	var wg sync.WaitGroup
	for _, native := range []string{"BTCUSDT", "ETHUSDT"} {
		wg.Add(1)
		go func(native string) {
			defer wg.Done()
			for i := 1; i <= 300; i++ {
				raw := trade(i, "10", "1")
				raw.Symbol = native
				if err := p.Submit(context.Background(), raw); err != nil {
					t.Errorf("submit: %v", err)
					return
				}
			}
		}(native)
	}
	wg.Wait()
	p.Close()
	q.Close()

	last := map[string]uint64{}
	count := 0
	for _, ev := range drain(t, cur) {
		key := ev.Symbol.Key()
		if ev.Sequence != last[key]+1 {
			t.Fatalf("%s: sequence %d after %d", key, ev.Sequence, last[key])
		}
		last[key] = ev.Sequence
		count++
	}
	if count != 600 {
		t.Fatalf("expected 600 events, got %d", count)
	}
}

type blockingPublisher struct {
	release chan struct{}
}

func (b *blockingPublisher) Publish(models.CanonicalEvent) error {
	<-b.release
	return nil
}

func TestSubmitTimesOutWhenIntakeFull(t *testing.T) {
	pub := &blockingPublisher{release: make(chan struct{})}
	metrics := &countingMetrics{}
	p := New(testBook(t), pub, Options{
		Shards:        1,
		IntakeBuffer:  1,
		IntakeTimeout: 20 * time.Millisecond,
		Normalizer:    testOptions(),
	}, WithMetrics(metrics))

	ctx := context.Background()
	var full error
	for i := 1; i <= 5 && full == nil; i++ {
		full = p.Submit(ctx, trade(i, "1", "1"))
	}
	if !errors.Is(full, ErrIntakeFull) {
		t.Fatalf("expected ErrIntakeFull, got %v", full)
	}
	if p.Stats().IntakeDrops == 0 || metrics.dropped == 0 {
		t.Fatalf("intake drop not counted")
	}
	close(pub.release)
	p.Close()
	if err := p.Submit(ctx, trade(99, "1", "1")); !errors.Is(err, ErrPipelineClosed) {
		t.Fatalf("expected ErrPipelineClosed, got %v", err)
	}
}

type discardPublisher struct{}

func (discardPublisher) Publish(models.CanonicalEvent) error { return nil }

func TestInvariantHaltsOnlyOneShard(t *testing.T) {
	metrics := &countingMetrics{}
	p := New(testBook(t), discardPublisher{}, Options{Shards: 2, IntakeBuffer: 4, Normalizer: testOptions()},
		WithMetrics(metrics))
	ctx := context.Background()

	btc := trade(1, "1", "1")
	eth := trade(1, "1", "1")
	eth.Symbol = "ETHUSDT"
	btcShard := shardIndex("binance", "BTCUSDT", 2)
	ethShard := shardIndex("binance", "ETHUSDT", 2)

	// force the BTC stream to the end of its sequence space
	if err := p.Submit(ctx, btc); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, func() bool { return p.Stats().Accepted == 1 })
	p.shards[btcShard].norm.streams["binance:BTCUSDT"].seq = ^uint64(0)

	p.Submit(ctx, trade(2, "1", "1"))
	waitFor(t, func() bool { return p.Stats().Halted == 1 })

	if err := p.Submit(ctx, trade(3, "1", "1")); !errors.Is(err, ErrShardHalted) {
		t.Fatalf("expected ErrShardHalted, got %v", err)
	}
	if btcShard != ethShard {
		if err := p.Submit(ctx, eth); err != nil {
			t.Fatalf("other shard must keep working: %v", err)
		}
		waitFor(t, func() bool { return p.Stats().Accepted == 2 })
	}
	p.Close()
	if metrics.halted != 1 {
		t.Fatalf("expected one halt, got %d", metrics.halted)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}
