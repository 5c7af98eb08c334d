// Package metrics exposes the ingestion counters: a prometheus registry the
// runners and the pipeline report into, an optional /metrics listener, a
// CloudWatch publisher and a periodic runtime report.
package metrics

import (
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"ingestflow/models"
	"ingestflow/reader"
)

const namespace = "ingestflow"

// Registry implements reader.Metrics and processor.Metrics.
type Registry struct {
	reg *prometheus.Registry

	venueState        *prometheus.GaugeVec
	discoveryFailures *prometheus.CounterVec
	reconnects        *prometheus.CounterVec
	malformed         *prometheus.CounterVec
	intakeDrops       *prometheus.CounterVec
	accepted          *prometheus.CounterVec
	rejected          *prometheus.CounterVec
	shardHalts        *prometheus.CounterVec
	restWeight        *prometheus.GaugeVec
	rateLimitHits     *prometheus.CounterVec

	queueDepth     prometheus.Gauge
	queueDrops     prometheus.Gauge
	queueConsumers prometheus.Gauge
	intakeLength   prometheus.Gauge
	rejectDrops    prometheus.Gauge
}

// NewRegistry builds a registry with the go and process collectors attached.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		venueState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "venue_state",
			Help:      "Adapter connection state, 1 for the current state of each venue",
		}, []string{"venue", "state"}),
		discoveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_failures_total",
			Help:      "Symbol discovery failures that left a venue disconnected",
		}, []string{"venue"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Streaming sessions lost and retried",
		}, []string{"venue"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Wire frames that could not be decoded",
		}, []string{"venue"}),
		intakeDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intake_drops_total",
			Help:      "Raw events dropped because a shard intake stayed full",
		}, []string{"venue"}),
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_accepted_total",
			Help:      "Canonical events published",
		}, []string{"venue", "kind"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_rejected_total",
			Help:      "Raw events rejected by validation",
		}, []string{"venue", "reason"}),
		shardHalts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shard_halts_total",
			Help:      "Pipeline shards halted on an invariant violation",
		}, []string{"shard"}),
		restWeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rest_weight_used",
			Help:      "REST request weight consumed as reported by the venue",
		}, []string{"venue"}),
		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "REST responses signalling a rate limit or an address ban",
		}, []string{"venue", "kind"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Events buffered behind the slowest consumer",
		}),
		queueDrops: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_drops",
			Help:      "Events overwritten before every consumer read them",
		}),
		queueConsumers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_consumers",
			Help:      "Attached queue cursors",
		}),
		intakeLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "intake_length",
			Help:      "Raw events waiting in the shard intakes",
		}),
		rejectDrops: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reject_buffer_drops",
			Help:      "Rejections dropped because the reject buffer was full",
		}),
	}

	r.reg.MustRegister(
		r.venueState, r.discoveryFailures, r.reconnects, r.malformed,
		r.intakeDrops, r.accepted, r.rejected, r.shardHalts, r.restWeight, r.rateLimitHits,
		r.queueDepth, r.queueDrops, r.queueConsumers, r.intakeLength, r.rejectDrops,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// SetState marks state as the only active state of venue.
func (r *Registry) SetState(venue string, state reader.State) {
	for _, s := range reader.States {
		v := 0.0
		if s == state {
			v = 1
		}
		r.venueState.WithLabelValues(venue, s.String()).Set(v)
	}
}

func (r *Registry) DiscoveryFailed(venue string) { r.discoveryFailures.WithLabelValues(venue).Inc() }
func (r *Registry) Reconnected(venue string)     { r.reconnects.WithLabelValues(venue).Inc() }
func (r *Registry) Malformed(venue string)       { r.malformed.WithLabelValues(venue).Inc() }
func (r *Registry) IntakeDropped(venue string)   { r.intakeDrops.WithLabelValues(venue).Inc() }

// RESTWeight records the request weight a venue reports as used.
func (r *Registry) RESTWeight(venue string, used int64) {
	r.restWeight.WithLabelValues(venue).Set(float64(used))
}

func (r *Registry) RateLimited(venue string, ban bool) {
	kind := "throttle"
	if ban {
		kind = "ban"
	}
	r.rateLimitHits.WithLabelValues(venue, kind).Inc()
}

func (r *Registry) Accepted(venue string, kind models.EventKind) {
	r.accepted.WithLabelValues(venue, string(kind)).Inc()
}

func (r *Registry) Rejected(venue string, reason models.RejectReason) {
	r.rejected.WithLabelValues(venue, string(reason)).Inc()
}

func (r *Registry) ShardHalted(shard int) {
	r.shardHalts.WithLabelValues(strconv.Itoa(shard)).Inc()
}

// Occupancy is a point-in-time view of the buffers between stages.
type Occupancy struct {
	QueueDepth     int
	QueueDrops     uint64
	QueueConsumers int
	IntakeLength   int
	RejectDrops    int64
}

// SetOccupancy updates the buffer gauges.
func (r *Registry) SetOccupancy(o Occupancy) {
	r.queueDepth.Set(float64(o.QueueDepth))
	r.queueDrops.Set(float64(o.QueueDrops))
	r.queueConsumers.Set(float64(o.QueueConsumers))
	r.intakeLength.Set(float64(o.IntakeLength))
	r.rejectDrops.Set(float64(o.RejectDrops))
}

// Sample is one counter or gauge value.
type Sample struct {
	Name   string
	Labels map[string]string
	Value  float64
}

// Key renders the sample as name{label=value,...} with labels sorted.
func (s Sample) Key() string {
	if len(s.Labels) == 0 {
		return s.Name
	}
	names := make([]string, 0, len(s.Labels))
	for k := range s.Labels {
		names = append(names, k)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString(s.Name)
	b.WriteByte('{')
	for i, k := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k + "=" + s.Labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

// Snapshot returns every counter and gauge of the ingestflow namespace.
// Histograms and summaries are skipped.
func (r *Registry) Snapshot() ([]Sample, error) {
	families, err := r.reg.Gather()
	if err != nil {
		return nil, err
	}
	var out []Sample
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), namespace+"_") {
			continue
		}
		for _, m := range mf.GetMetric() {
			s := Sample{Name: mf.GetName(), Labels: map[string]string{}}
			for _, lp := range m.GetLabel() {
				s.Labels[lp.GetName()] = lp.GetValue()
			}
			switch {
			case m.GetCounter() != nil:
				s.Value = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				s.Value = m.GetGauge().GetValue()
			default:
				continue
			}
			out = append(out, s)
		}
	}
	return out, nil
}
