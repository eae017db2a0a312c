package lockmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus is an Observer that exports lock metrics, labeled by lock group.
type Prometheus struct {
	registered    *prometheus.CounterVec
	acquired      *prometheus.CounterVec
	released      *prometheus.CounterVec
	failed        *prometheus.CounterVec
	orderingRaces *prometheus.CounterVec
	notified      *prometheus.CounterVec
	waitSeconds   *prometheus.HistogramVec
	holdSeconds   *prometheus.HistogramVec
	contending    *prometheus.GaugeVec
	held          *prometheus.GaugeVec

	mu      sync.Mutex
	holding map[string]struct{}
}

// NewPrometheus creates the lock metrics with the given namespace, e.g.
// "zklock", and registers them on reg.
func NewPrometheus(reg prometheus.Registerer, namespace string) (*Prometheus, error) {
	p := &Prometheus{
		registered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registered_total",
			Help:      "Total number of lock claims registered",
		}, []string{"group"}),
		acquired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquired_total",
			Help:      "Total number of lock acquisitions",
		}, []string{"group"}),
		released: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "released_total",
			Help:      "Total number of lock releases",
		}, []string{"group"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_total",
			Help:      "Total number of failed lock claims by reason",
		}, []string{"group", "reason"}),
		orderingRaces: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ordering_races_total",
			Help:      "Total number of claims ahead that vanished before they could be watched",
		}, []string{"group"}),
		notified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watch_notifications_total",
			Help:      "Total number of watch notifications received by waiting claims",
		}, []string{"group"}),
		waitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "acquire_wait_seconds",
			Help:      "Time from claim registration to lock grant",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~33s
		}, []string{"group"}),
		holdSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "hold_seconds",
			Help:      "Time the lock was held before release",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"group"}),
		contending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "claims_active",
			Help:      "Current number of registered claims",
		}, []string{"group"}),
		held: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "locks_held",
			Help:      "Current number of locks held",
		}, []string{"group"}),
		holding: map[string]struct{}{},
	}

	for _, c := range []prometheus.Collector{
		p.registered, p.acquired, p.released, p.failed, p.orderingRaces,
		p.notified, p.waitSeconds, p.holdSeconds, p.contending, p.held,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return p, nil
}

func (p *Prometheus) Registered(group, node string) {
	p.registered.WithLabelValues(group).Inc()
	p.contending.WithLabelValues(group).Inc()
}

func (p *Prometheus) Waiting(string, string, string) {}

func (p *Prometheus) Notified(group, node string) {
	p.notified.WithLabelValues(group).Inc()
}

func (p *Prometheus) OrderingRace(group, node string) {
	p.orderingRaces.WithLabelValues(group).Inc()
}

func (p *Prometheus) Acquired(group, node string, waited time.Duration) {
	p.acquired.WithLabelValues(group).Inc()
	p.waitSeconds.WithLabelValues(group).Observe(waited.Seconds())

	p.mu.Lock()
	p.holding[group+"/"+node] = struct{}{}
	p.mu.Unlock()
	p.held.WithLabelValues(group).Inc()
}

func (p *Prometheus) Released(group, node string, held time.Duration) {
	p.released.WithLabelValues(group).Inc()
	p.holdSeconds.WithLabelValues(group).Observe(held.Seconds())
	p.contending.WithLabelValues(group).Dec()
	p.unhold(group, node)
}

func (p *Prometheus) Failed(group, node string, err error) {
	p.failed.WithLabelValues(group, Reason(err)).Inc()

	// Claims that were never registered weren't counted.
	if node == "" {
		return
	}

	p.contending.WithLabelValues(group).Dec()
	p.unhold(group, node)
}

func (p *Prometheus) unhold(group, node string) {
	k := group + "/" + node

	p.mu.Lock()
	_, ok := p.holding[k]
	delete(p.holding, k)
	p.mu.Unlock()

	if ok {
		p.held.WithLabelValues(group).Dec()
	}
}
