package processor

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	appconfig "ingestflow/config"
	"ingestflow/logger"
	"ingestflow/models"
)

var (
	// ErrShardHalted is returned by Submit for a stream whose shard stopped
	// after an invariant violation.
	ErrShardHalted = errors.New("pipeline shard halted")
	// ErrPipelineClosed is returned by Submit after Close.
	ErrPipelineClosed = errors.New("pipeline closed")
	// ErrIntakeFull is returned when a shard intake stayed full for the whole
	// intake timeout. The event is dropped and counted.
	ErrIntakeFull = errors.New("pipeline intake full")
)

// Publisher receives accepted canonical events. *bus.Queue implements it.
type Publisher interface {
	Publish(ev models.CanonicalEvent) error
}

// RejectSink receives rejected events.
type RejectSink interface {
	Reject(rej models.RejectedEvent)
}

// Tap observes every raw event accepted into the intake, before validation.
type Tap interface {
	Record(raw models.RawVenueEvent)
}

// Metrics is the subset of the metrics registry the pipeline reports to.
type Metrics interface {
	Accepted(venue string, kind models.EventKind)
	Rejected(venue string, reason models.RejectReason)
	IntakeDropped(venue string)
	ShardHalted(shard int)
}

type nopMetrics struct{}

func (nopMetrics) Accepted(string, models.EventKind)    {}
func (nopMetrics) Rejected(string, models.RejectReason) {}
func (nopMetrics) IntakeDropped(string)                 {}
func (nopMetrics) ShardHalted(int)                      {}

// RejectFunc adapts a function to RejectSink.
type RejectFunc func(models.RejectedEvent)

func (f RejectFunc) Reject(rej models.RejectedEvent) { f(rej) }

// Options configures a Pipeline.
type Options struct {
	Shards       int
	IntakeBuffer int
	// IntakeTimeout bounds how long Submit waits on a full shard. Zero waits
	// until the caller's context is done.
	IntakeTimeout time.Duration
	Normalizer    NormalizerOptions
}

// OptionsFromConfig maps the pipeline and per-venue dedup sections.
func OptionsFromConfig(cfg *appconfig.Config) Options {
	opts := Options{
		Shards:        cfg.Pipeline.Shards,
		IntakeBuffer:  cfg.Pipeline.IntakeBuffer,
		IntakeTimeout: cfg.Pipeline.IntakeTimeout,
		Normalizer: NormalizerOptions{
			FutureTolerance: cfg.Pipeline.FutureTolerance,
			DefaultScale: Scale{
				Price: cfg.Pipeline.DefaultPriceScale,
				Qty:   cfg.Pipeline.DefaultQtyScale,
			},
			Scales: make(map[string]Scale, len(cfg.Pipeline.Scales)),
			Dedup:  make(map[string]DedupPolicy, len(cfg.Venues)),
		},
	}
	for pair, sc := range cfg.Pipeline.Scales {
		opts.Normalizer.Scales[strings.ToUpper(pair)] = Scale{Price: sc.Price, Qty: sc.Qty}
	}
	for name, v := range cfg.Venues {
		opts.Normalizer.Dedup[name] = DedupPolicy{Window: v.Dedup.Window, Key: v.Dedup.Key}
	}
	return opts
}

type shard struct {
	id     int
	in     chan models.RawVenueEvent
	norm   *Normalizer
	halted atomic.Bool
}

// Stats is a point in time view of pipeline counters.
type Stats struct {
	Submitted   uint64
	Accepted    uint64
	Rejected    uint64
	IntakeDrops uint64
	HaltDrops   uint64
	Halted      int
}

// Pipeline fans raw events out to shards keyed by (venue, native symbol). Each
// shard owns a Normalizer, so sequence and dedup state for one stream is only
// ever touched by one goroutine.
type Pipeline struct {
	shards  []*shard
	timeout time.Duration
	pub     Publisher
	rejects RejectSink
	metrics Metrics
	tap     Tap
	log     *logger.Log

	closed   atomic.Bool
	inflight atomic.Int64
	wg       conc.WaitGroup

	submitted   atomic.Uint64
	accepted    atomic.Uint64
	rejected    atomic.Uint64
	intakeDrops atomic.Uint64
	haltDrops   atomic.Uint64
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithRejectSink forwards rejections to sink in addition to metrics and logs.
func WithRejectSink(sink RejectSink) Option {
	return func(p *Pipeline) { p.rejects = sink }
}

// WithMetrics reports counters to m.
func WithMetrics(m Metrics) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithTap records raw events as they enter the intake.
func WithTap(t Tap) Option {
	return func(p *Pipeline) { p.tap = t }
}

// New starts the shard workers. Close must be called to stop them.
func New(book *models.SymbolBook, pub Publisher, opts Options, options ...Option) *Pipeline {
	if opts.Shards <= 0 {
		opts.Shards = 1
	}
	if opts.IntakeBuffer <= 0 {
		opts.IntakeBuffer = 1
	}
	p := &Pipeline{
		shards:  make([]*shard, opts.Shards),
		timeout: opts.IntakeTimeout,
		pub:     pub,
		metrics: nopMetrics{},
		log:     logger.GetLogger(),
	}
	for _, o := range options {
		o(p)
	}
	for i := range p.shards {
		sh := &shard{
			id:   i,
			in:   make(chan models.RawVenueEvent, opts.IntakeBuffer),
			norm: NewNormalizer(book, opts.Normalizer),
		}
		p.shards[i] = sh
		p.wg.Go(func() { p.runShard(sh) })
	}
	p.log.WithComponent("pipeline").WithFields(logger.Fields{
		"shards":        opts.Shards,
		"intake_buffer": opts.IntakeBuffer,
	}).Info("pipeline started")
	return p
}

func shardIndex(venue, native string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(venue))
	h.Write([]byte{':'})
	h.Write([]byte(strings.ToUpper(native)))
	return int(h.Sum32() % uint32(n))
}

// Submit hands raw to the shard owning its stream. It waits at most the
// intake timeout for room; on expiry the event is dropped and ErrIntakeFull
// returned.
func (p *Pipeline) Submit(ctx context.Context, raw models.RawVenueEvent) error {
	p.inflight.Add(1)
	defer p.inflight.Add(-1)
	if p.closed.Load() {
		return ErrPipelineClosed
	}

	sh := p.shards[shardIndex(raw.Venue, raw.Symbol, len(p.shards))]
	if sh.halted.Load() {
		p.haltDrops.Add(1)
		return fmt.Errorf("%w: shard %d", ErrShardHalted, sh.id)
	}
	if p.tap != nil {
		p.tap.Record(raw)
	}
	p.submitted.Add(1)

	select {
	case sh.in <- raw:
		return nil
	default:
	}

	var expire <-chan time.Time
	if p.timeout > 0 {
		timer := time.NewTimer(p.timeout)
		defer timer.Stop()
		expire = timer.C
	}
	select {
	case sh.in <- raw:
		return nil
	case <-expire:
		p.intakeDrops.Add(1)
		p.metrics.IntakeDropped(raw.Venue)
		return ErrIntakeFull
	case <-ctx.Done():
		p.intakeDrops.Add(1)
		p.metrics.IntakeDropped(raw.Venue)
		return ctx.Err()
	}
}

func (p *Pipeline) runShard(sh *shard) {
	log := p.log.WithComponent("pipeline").WithFields(logger.Fields{"shard": sh.id})
	for raw := range sh.in {
		if sh.halted.Load() {
			p.haltDrops.Add(1)
			continue
		}
		out, err := sh.norm.Normalize(raw)
		if err != nil {
			sh.halted.Store(true)
			p.metrics.ShardHalted(sh.id)
			log.WithError(err).WithFields(logger.Fields{
				"venue":  raw.Venue,
				"symbol": raw.Symbol,
			}).Error("shard halted")
			continue
		}
		if !out.Accepted {
			p.handleReject(log, out.Reject)
			continue
		}
		p.accepted.Add(1)
		p.metrics.Accepted(raw.Venue, out.Event.Kind)
		if err := p.pub.Publish(out.Event); err != nil {
			log.WithError(err).Debug("publish after queue close")
		}
	}
}

func (p *Pipeline) handleReject(log *logger.Entry, rej models.RejectedEvent) {
	p.rejected.Add(1)
	p.metrics.Rejected(rej.Raw.Venue, rej.Reason)
	log.WithFields(logger.Fields{
		"venue":  rej.Raw.Venue,
		"symbol": rej.Raw.Symbol,
		"kind":   rej.Raw.Kind,
		"reason": rej.Reason,
		"detail": rej.Detail,
	}).Warn("event rejected")
	if p.rejects != nil {
		p.rejects.Reject(rej)
	}
}

// Close stops accepting new events, waits for in-flight Submit calls and
// drains every shard. It is safe to call more than once.
func (p *Pipeline) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	for p.inflight.Load() > 0 {
		time.Sleep(time.Millisecond)
	}
	for _, sh := range p.shards {
		close(sh.in)
	}
	p.wg.Wait()

	st := p.Stats()
	p.log.WithComponent("pipeline").WithFields(logger.Fields{
		"accepted":     st.Accepted,
		"rejected":     st.Rejected,
		"intake_drops": st.IntakeDrops,
		"halted":       st.Halted,
	}).Info("pipeline drained")
}

// Stats snapshots the pipeline counters.
func (p *Pipeline) Stats() Stats {
	st := Stats{
		Submitted:   p.submitted.Load(),
		Accepted:    p.accepted.Load(),
		Rejected:    p.rejected.Load(),
		IntakeDrops: p.intakeDrops.Load(),
		HaltDrops:   p.haltDrops.Load(),
	}
	for _, sh := range p.shards {
		if sh.halted.Load() {
			st.Halted++
		}
	}
	return st
}

// IntakeLen is the number of raw events waiting across all shards.
func (p *Pipeline) IntakeLen() int {
	n := 0
	for _, sh := range p.shards {
		n += len(sh.in)
	}
	return n
}

// IntakeCap is the total intake capacity across shards.
func (p *Pipeline) IntakeCap() int {
	n := 0
	for _, sh := range p.shards {
		n += cap(sh.in)
	}
	return n
}
