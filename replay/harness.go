package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	appconfig "ingestflow/config"
	"ingestflow/internal/bus"
	"ingestflow/internal/symbols"
	"ingestflow/logger"
	"ingestflow/models"
	"ingestflow/processor"
)

// Result is everything a pack produced.
type Result struct {
	Events  []models.CanonicalEvent `json:"events"`
	Rejects []models.RejectedEvent  `json:"rejects"`
	// Drops counts records refused at intake plus events a consumer missed.
	Drops uint64          `json:"drops"`
	Read  int             `json:"read"`
	Stats processor.Stats `json:"stats"`
}

// RejectCounts tallies the rejections by reason.
func (r *Result) RejectCounts() map[models.RejectReason]int {
	out := make(map[models.RejectReason]int, len(r.Rejects))
	for _, rej := range r.Rejects {
		out[rej.Reason]++
	}
	return out
}

// HarnessOption tunes a Harness.
type HarnessOption func(*Harness)

// WithClock fixes the clock used for rejection timestamps.
func WithClock(now func() time.Time) HarnessOption {
	return func(h *Harness) { h.now = now }
}

// WithShards overrides the single shard a harness runs by default. Output order
// across streams is only stable with one shard.
func WithShards(n int) HarnessOption {
	return func(h *Harness) { h.shards = n }
}

// Harness replays packs through a private pipeline and queue built from a
// configuration and a fixed symbol table. Each Run starts from fresh state.
type Harness struct {
	cfg    *appconfig.Config
	table  *models.SymbolTable
	now    func() time.Time
	shards int
}

func NewHarness(cfg *appconfig.Config, syms []models.Symbol, opts ...HarnessOption) (*Harness, error) {
	if cfg == nil {
		return nil, errors.New("replay harness needs a configuration")
	}
	table, err := models.NewSymbolTable(syms)
	if err != nil {
		return nil, fmt.Errorf("failed to build symbol table: %w", err)
	}
	h := &Harness{cfg: cfg, table: table, shards: 1}
	for _, opt := range opts {
		opt(h)
	}
	if h.shards <= 0 {
		h.shards = 1
	}
	return h, nil
}

// Run replays r and waits until every accepted event has been collected.
func (h *Harness) Run(ctx context.Context, r io.Reader) (Result, error) {
	var (
		res Result
		mu  sync.Mutex
	)

	opts := processor.OptionsFromConfig(h.cfg)
	opts.Shards = h.shards
	// a replay never sheds load at intake
	opts.IntakeTimeout = 0
	if h.now != nil {
		opts.Normalizer.Now = h.now
	}

	queue := bus.NewWithOptions(bus.Options{
		Capacity:     h.cfg.Queue.Capacity,
		Spin:         h.cfg.Queue.ConsumerSpin,
		ReplayWindow: h.cfg.Queue.ReplayWindow,
	})
	cursor := queue.Subscribe(bus.SubscribeOptions{})

	collected := make(chan error, 1)
	go func() {
		for {
			ev, err := cursor.Next(context.Background())
			if err != nil {
				if errors.Is(err, bus.ErrClosed) {
					err = nil
				}
				collected <- err
				return
			}
			res.Events = append(res.Events, ev)
		}
	}()

	pipe := processor.New(models.NewSymbolBook(h.table), queue, opts,
		processor.WithRejectSink(processor.RejectFunc(func(rej models.RejectedEvent) {
			mu.Lock()
			res.Rejects = append(res.Rejects, rej)
			mu.Unlock()
		})),
	)

	st, runErr := Run(ctx, r, pipe)
	pipe.Close()
	queue.Close()
	if err := <-collected; err != nil && runErr == nil {
		runErr = err
	}

	res.Read = st.Read
	res.Stats = pipe.Stats()
	res.Drops = uint64(st.Dropped) + cursor.Dropped()

	logger.GetLogger().WithComponent("replay").WithFields(logger.Fields{
		"read":     res.Read,
		"accepted": len(res.Events),
		"rejected": len(res.Rejects),
		"drops":    res.Drops,
	}).Info("pack replayed")
	return res, runErr
}

// InferSymbols derives a symbol table from the streams present in a pack. A
// stream whose native symbol cannot be split is left out and reported, so its
// events are rejected as unknown symbols on replay.
func InferSymbols(cfg *appconfig.Config, events []models.RawVenueEvent) ([]models.Symbol, []string) {
	var (
		out     []models.Symbol
		skipped []string
		seen    = map[string]bool{}
	)
	for _, raw := range events {
		if raw.Venue == "" || raw.Symbol == "" {
			continue
		}
		key := raw.Venue + ":" + raw.Symbol
		if seen[key] {
			continue
		}
		seen[key] = true

		kind := raw.Venue
		if cfg != nil {
			if v, ok := cfg.Venues[raw.Venue]; ok && v != nil {
				kind = v.Kind
			}
		}
		base, quote, err := symbols.Split(kind, raw.Symbol)
		if err != nil {
			skipped = append(skipped, key)
			continue
		}
		sym, err := models.NewSymbol(raw.Venue, raw.Symbol, base, quote)
		if err != nil {
			skipped = append(skipped, key)
			continue
		}
		out = append(out, sym)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	sort.Strings(skipped)
	return out, skipped
}
