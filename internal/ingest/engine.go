// Package ingest wires the venue runners, the normalisation pipeline and the
// distribution queue into one process.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc"

	appconfig "ingestflow/config"
	"ingestflow/internal/bus"
	"ingestflow/internal/channel"
	"ingestflow/internal/metrics"
	"ingestflow/logger"
	"ingestflow/models"
	"ingestflow/processor"
	"ingestflow/reader"
	"ingestflow/reader/binance"
	"ingestflow/reader/bybit"
	"ingestflow/reader/okx"
	"ingestflow/writer"
)

// VenueFactory builds the protocol adapter for one venue section.
type VenueFactory func(cfg *appconfig.VenueConfig) (reader.Venue, error)

// DefaultFactories maps venue kinds to their adapters.
func DefaultFactories() map[string]VenueFactory {
	return map[string]VenueFactory{
		"binance": func(cfg *appconfig.VenueConfig) (reader.Venue, error) { return binance.New(cfg) },
		"bybit":   func(cfg *appconfig.VenueConfig) (reader.Venue, error) { return bybit.New(cfg) },
		"okx":     func(cfg *appconfig.VenueConfig) (reader.Venue, error) { return okx.New(cfg) },
	}
}

type Option func(*Engine)

// WithRegistry reports runner, pipeline and queue metrics to reg.
func WithRegistry(reg *metrics.Registry) Option {
	return func(e *Engine) { e.registry = reg }
}

// WithFactory registers or replaces the adapter for a venue kind.
func WithFactory(kind string, f VenueFactory) Option {
	return func(e *Engine) { e.factories[kind] = f }
}

// WithRejectHandler receives every rejection drained from the reject buffer.
// The default logs them at debug level.
func WithRejectHandler(fn func(models.RejectedEvent)) Option {
	return func(e *Engine) { e.onReject = fn }
}

// Engine owns every stage of one ingestion process.
type Engine struct {
	cfg       *appconfig.Config
	factories map[string]VenueFactory
	registry  *metrics.Registry
	onReject  func(models.RejectedEvent)

	book     *models.SymbolBook
	queue    *bus.Queue
	rejects  *channel.Rejects
	pipeline *processor.Pipeline
	capture  *writer.Capture
	runners  []*reader.Runner

	log *logger.Entry
}

// New builds every stage and one runner per enabled venue. A venue whose kind
// has no adapter, or whose adapter refuses its configuration, is skipped.
func New(cfg *appconfig.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("engine needs a configuration")
	}
	e := &Engine{
		cfg:       cfg,
		factories: DefaultFactories(),
		log:       logger.GetLogger().WithComponent("engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.onReject == nil {
		e.onReject = e.logReject
	}

	e.book = models.NewSymbolBook(nil)
	e.queue = bus.NewWithOptions(bus.Options{
		Capacity:     cfg.Queue.Capacity,
		Spin:         cfg.Queue.ConsumerSpin,
		ReplayWindow: cfg.Queue.ReplayWindow,
	})
	e.rejects = channel.NewRejects(cfg.Pipeline.IntakeBuffer)

	popts := []processor.Option{processor.WithRejectSink(e.rejects)}
	if e.registry != nil {
		popts = append(popts, processor.WithMetrics(e.registry))
	}
	if cfg.Capture.Enabled {
		var err error
		e.capture, err = writer.NewCapture(cfg.Capture)
		if err != nil {
			return nil, fmt.Errorf("failed to open capture: %w", err)
		}
		popts = append(popts, processor.WithTap(e.capture))
	}
	e.pipeline = processor.New(e.book, e.queue, processor.OptionsFromConfig(cfg), popts...)

	for _, vc := range cfg.EnabledVenues() {
		runner, err := e.newRunner(vc)
		if err != nil {
			e.log.WithError(err).WithFields(logger.Fields{
				"venue": vc.Name,
				"kind":  vc.Kind,
			}).Warn("venue skipped")
			continue
		}
		e.runners = append(e.runners, runner)
	}

	e.log.WithFields(logger.Fields{
		"venues":         len(e.runners),
		"queue_capacity": e.queue.Capacity(),
		"shards":         cfg.Pipeline.Shards,
		"capture":        e.capture != nil,
	}).Info("engine built")
	return e, nil
}

func (e *Engine) newRunner(vc *appconfig.VenueConfig) (*reader.Runner, error) {
	factory, ok := e.factories[vc.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for venue kind %q", reader.ErrConfig, vc.Kind)
	}
	venue, err := factory(vc)
	if err != nil {
		return nil, err
	}
	ropts := []reader.RunnerOption{reader.WithDiscovery(e.cfg.Discovery)}
	if e.registry != nil {
		ropts = append(ropts, reader.WithRunnerMetrics(e.registry))
	}
	return reader.NewRunner(venue, vc, e.book, e.pipeline, ropts...), nil
}

// Queue is the distribution queue consumers subscribe to.
func (e *Engine) Queue() *bus.Queue { return e.queue }

// Book is the live symbol table shared by runners and pipeline.
func (e *Engine) Book() *models.SymbolBook { return e.book }

// Runners returns the venue runners in venue name order.
func (e *Engine) Runners() []*reader.Runner { return e.runners }

// Pipeline is the normalisation stage.
func (e *Engine) Pipeline() *processor.Pipeline { return e.pipeline }

// Occupancy samples the stage buffers.
func (e *Engine) Occupancy() metrics.Occupancy {
	return metrics.Occupancy{
		QueueDepth:     e.queue.Depth(),
		QueueDrops:     e.queue.Drops(),
		QueueConsumers: e.queue.Consumers(),
		IntakeLength:   e.pipeline.IntakeLen(),
		RejectDrops:    e.rejects.GetStats().Dropped,
	}
}

// Run starts every runner and blocks until they have all returned, which
// happens when ctx is cancelled or every venue gave up. It then drains the
// pipeline and closes the queue so consumers see the end of the stream.
// Venues that stopped with an error are reported in the returned error.
func (e *Engine) Run(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		e.rejects.Drain(context.Background(), e.onReject)
	}()

	if e.registry != nil {
		reader.ObserveRateLimits(e.registry)
		metrics.StartOccupancy(ctx, e.cfg.Metrics.OccupancyInterval, e.registry, e.Occupancy)
	}

	var (
		mu   sync.Mutex
		errs []error
		wg   conc.WaitGroup
	)
	for _, r := range e.runners {
		r := r
		wg.Go(func() {
			if err := r.Run(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", r.Name(), err))
				mu.Unlock()
			}
		})
	}
	e.log.WithFields(logger.Fields{"venues": len(e.runners)}).Info("all venue runners started")
	wg.Wait()

	e.shutdown(drained)
	return errors.Join(errs...)
}

// shutdown runs once every runner has stopped submitting.
func (e *Engine) shutdown(drained <-chan struct{}) {
	e.log.Info("venue runners stopped, draining pipeline")
	e.pipeline.Close()
	e.rejects.Close()
	<-drained

	if e.capture != nil {
		if err := e.capture.Close(); err != nil {
			e.log.WithError(err).Warn("failed to close capture")
		}
	}
	e.queue.Close()

	if e.registry != nil {
		e.registry.SetOccupancy(e.Occupancy())
	}
	st := e.pipeline.Stats()
	e.log.WithFields(logger.Fields{
		"submitted":    st.Submitted,
		"accepted":     st.Accepted,
		"rejected":     st.Rejected,
		"intake_drops": st.IntakeDrops,
		"queue_drops":  e.queue.Drops(),
		"published":    e.queue.Published(),
	}).Info("engine stopped")
}

func (e *Engine) logReject(rej models.RejectedEvent) {
	e.log.WithFields(logger.Fields{
		"venue":  rej.Raw.Venue,
		"symbol": rej.Raw.Symbol,
		"kind":   rej.Raw.Kind,
		"reason": rej.Reason,
		"detail": rej.Detail,
	}).Debug("event rejected")
}
