package reader

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	appconfig "ingestflow/config"
	"ingestflow/logger"
	"ingestflow/models"
	"ingestflow/processor"
)

// Metrics is what a Runner reports. *metrics.Registry implements it.
type Metrics interface {
	SetState(venue string, state State)
	DiscoveryFailed(venue string)
	Reconnected(venue string)
	Malformed(venue string)
}

type nopMetrics struct{}

func (nopMetrics) SetState(string, State) {}
func (nopMetrics) DiscoveryFailed(string) {}
func (nopMetrics) Reconnected(string)     {}
func (nopMetrics) Malformed(string)       {}

// Observer is told about every state transition.
type Observer func(venue string, from, to State)

// RunnerOption customises a Runner.
type RunnerOption func(*Runner)

// WithRunnerMetrics reports state and counters to m.
func WithRunnerMetrics(m Metrics) RunnerOption {
	return func(r *Runner) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithObserver registers a transition callback.
func WithObserver(o Observer) RunnerOption {
	return func(r *Runner) { r.observers = append(r.observers, o) }
}

// WithDiscovery sets the discovery filters used when the venue has no own section.
func WithDiscovery(d appconfig.DiscoveryConfig) RunnerOption {
	return func(r *Runner) { r.discovery = d }
}

// Runner drives one venue through its lifecycle.
type Runner struct {
	venue     Venue
	cfg       *appconfig.VenueConfig
	discovery appconfig.DiscoveryConfig
	book      *models.SymbolBook
	intake    Intake
	metrics   Metrics
	observers []Observer
	log       *logger.Entry

	state     atomic.Int32
	epoch     atomic.Uint64
	symbols   atomic.Pointer[[]*models.Symbol]
	malformed atomic.Uint64
	received  atomic.Uint64
}

// NewRunner builds a runner; Run starts it.
func NewRunner(venue Venue, cfg *appconfig.VenueConfig, book *models.SymbolBook, intake Intake, opts ...RunnerOption) *Runner {
	r := &Runner{
		venue:   venue,
		cfg:     cfg,
		book:    book,
		intake:  intake,
		metrics: nopMetrics{},
		log: logger.GetLogger().WithComponent("reader").WithFields(logger.Fields{
			"venue": venue.Name(),
		}),
	}
	for _, o := range opts {
		o(r)
	}
	if cfg.Discovery != nil {
		r.discovery = *cfg.Discovery
	}
	r.metrics.SetState(venue.Name(), StateDisconnected)
	return r
}

// Name is the venue name.
func (r *Runner) Name() string { return r.venue.Name() }

// State is the current lifecycle state.
func (r *Runner) State() State { return State(r.state.Load()) }

// Epoch is the number of streaming sessions started so far.
func (r *Runner) Epoch() uint64 { return r.epoch.Load() }

// Malformed is the number of wire frames dropped as unparseable.
func (r *Runner) Malformed() uint64 { return r.malformed.Load() }

// Received is the number of raw events handed to the intake.
func (r *Runner) Received() uint64 { return r.received.Load() }

// Symbols returns the resolved symbols, nil before resolution.
func (r *Runner) Symbols() []*models.Symbol {
	if p := r.symbols.Load(); p != nil {
		return *p
	}
	return nil
}

func (r *Runner) setState(to State) {
	from := State(r.state.Swap(int32(to)))
	if from == to {
		return
	}
	r.metrics.SetState(r.Name(), to)
	r.log.WithFields(logger.Fields{"from": from.String(), "state": to.String()}).Debug("state transition")
	for _, o := range r.observers {
		o(r.Name(), from, to)
	}
}

// Run blocks until ctx is cancelled or the venue cannot continue. It returns
// nil on cooperative shutdown, an ErrDiscoveryFailed or ErrConfig error when
// the venue is skipped for this run, and processor.ErrInvariant or
// processor.ErrPipelineClosed when streaming can no longer proceed.
func (r *Runner) Run(ctx context.Context) error {
	defer r.setState(StateDisconnected)

	syms, err := r.resolve(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrConfig) {
			r.log.WithError(err).Error("venue disabled: invalid configuration")
			return err
		}
		r.metrics.DiscoveryFailed(r.Name())
		r.log.WithError(err).Warn("discovery failed and no static symbols are configured; venue skipped")
		return err
	}

	table, err := r.book.Replace(r.Name(), syms)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrConfig, err)
		r.log.WithError(err).Error("venue disabled: symbol table rejected")
		return err
	}
	resolved := table.ByVenue(r.Name())
	r.symbols.Store(&resolved)
	r.log.WithFields(logger.Fields{"symbols": len(resolved)}).Info("symbols resolved")

	bo := NewBackoff(r.cfg.Reconnect)
	for {
		if ctx.Err() != nil {
			return nil
		}
		r.setState(StateSubscribing)
		err := r.session(ctx, resolved, bo)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, processor.ErrInvariant) || errors.Is(err, processor.ErrPipelineClosed) {
			r.log.WithError(err).Error("venue runner stopped")
			return err
		}

		r.setState(StateReconnecting)
		r.metrics.Reconnected(r.Name())
		delay := bo.NextBackOff()
		r.log.WithError(err).WithFields(logger.Fields{
			"delay_ms": delay.Milliseconds(),
			"epoch":    r.Epoch(),
		}).Warn("connection lost, reconnecting")
		if waitForReconnect(ctx, delay) {
			return nil
		}
	}
}

// resolve returns the static symbol list or runs discovery.
func (r *Runner) resolve(ctx context.Context) ([]models.Symbol, error) {
	if r.cfg.Symbols.Static() {
		r.log.WithFields(logger.Fields{"symbols": len(r.cfg.Symbols.List)}).Info("using static symbols, discovery skipped")
		return StaticSymbols(r.Name(), r.cfg.Kind, r.cfg.Symbols.List)
	}

	r.setState(StateDiscovering)
	req := RequestFromConfig(r.cfg.Instruments, r.cfg.Symbols.All, r.discovery.QuoteWhitelist, r.discovery.SymbolBlacklist)
	req.Timeout = r.cfg.HTTPTimeout

	dctx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	start := time.Now()
	syms, err := r.venue.Discover(dctx, req)
	if err != nil {
		if errors.Is(err, ErrConfig) || errors.Is(err, ErrDiscoveryFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrDiscoveryFailed, err)
	}
	if len(syms) == 0 {
		return nil, fmt.Errorf("%w: empty result", ErrDiscoveryFailed)
	}
	logger.LogPerformanceEntry(r.log, "reader", "discover", time.Since(start), logger.Fields{"symbols": len(syms)})
	return syms, nil
}

// session runs one connection from dial to disconnect.
func (r *Runner) session(ctx context.Context, syms []*models.Symbol, bo *backoff.ExponentialBackOff) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, err := r.venue.Dial(sctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Subscribe(sctx, syms); err != nil {
		return err
	}
	epoch := r.epoch.Add(1)
	r.setState(StateStreaming)
	r.log.WithFields(logger.Fields{"epoch": epoch, "symbols": len(syms)}).Info("streaming")

	healthy := false
	for {
		msg, err := conn.ReadMessage(sctx)
		if err != nil {
			return err
		}
		recv := time.Now().UTC()
		events, err := r.venue.Decode(msg, recv)
		if err != nil {
			r.malformed.Add(1)
			r.metrics.Malformed(r.Name())
			r.log.WithError(err).WithFields(logger.Fields{"bytes": len(msg)}).Debug("dropping malformed frame")
			continue
		}
		if !healthy && len(events) > 0 {
			bo.Reset()
			healthy = true
		}
		for i := range events {
			ev := events[i]
			if ev.Venue != r.Name() {
				return fmt.Errorf("%w: %s decoded an event for venue %q", processor.ErrInvariant, r.Name(), ev.Venue)
			}
			ev.Epoch = epoch
			if ev.ReceivedAt.IsZero() {
				ev.ReceivedAt = recv
			}
			r.received.Add(1)
			err := r.intake.Submit(sctx, ev)
			switch {
			case err == nil,
				errors.Is(err, processor.ErrIntakeFull),
				errors.Is(err, processor.ErrShardHalted):
			case errors.Is(err, processor.ErrPipelineClosed):
				return err
			default:
				if sctx.Err() != nil {
					return sctx.Err()
				}
				return err
			}
		}
	}
}
