package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Opens          *prometheus.CounterVec
	Closes         *prometheus.CounterVec
	PriceUpdates   *prometheus.CounterVec
	UpdateDuration prometheus.Histogram
	Reconciles     *prometheus.CounterVec
	OpenPositions  prometheus.Gauge
	Subscriptions  prometheus.Gauge
	FeedErrors     *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Opens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vledger_opens_total",
				Help: "Open position requests by outcome.",
			},
			[]string{"status"},
		),
		Closes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vledger_closes_total",
				Help: "Closed positions by reason.",
			},
			[]string{"reason"},
		),
		PriceUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vledger_price_updates_total",
				Help: "Ticks offered to the ledger by result.",
			},
			[]string{"result"},
		),
		UpdateDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vledger_price_update_duration_seconds",
				Help:    "Time spent applying one tick to its open positions.",
				Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
			},
		),
		Reconciles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vledger_reconciles_total",
				Help: "Account reconciliations by outcome.",
			},
			[]string{"status"},
		),
		OpenPositions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "vledger_open_positions",
				Help: "Positions currently open across all accounts.",
			},
		),
		Subscriptions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "vledger_feed_subscriptions",
				Help: "Symbols the ledger is subscribed to.",
			},
		),
		FeedErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vledger_feed_errors_total",
				Help: "Price feed calls that failed.",
			},
			[]string{"op"},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.Opens,
			m.Closes,
			m.PriceUpdates,
			m.UpdateDuration,
			m.Reconciles,
			m.OpenPositions,
			m.Subscriptions,
			m.FeedErrors,
		)
	}
	return m
}

func (m *Metrics) IncOpen(status string) {
	if m == nil {
		return
	}
	m.Opens.WithLabelValues(status).Inc()
	if status == "success" {
		m.OpenPositions.Inc()
	}
}

func (m *Metrics) IncClose(reason string) {
	if m == nil {
		return
	}
	m.Closes.WithLabelValues(reason).Inc()
	m.OpenPositions.Dec()
}

func (m *Metrics) ObservePriceUpdate(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.PriceUpdates.WithLabelValues(result).Inc()
	if result == "applied" {
		m.UpdateDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) IncReconcile(status string) {
	if m == nil {
		return
	}
	m.Reconciles.WithLabelValues(status).Inc()
}

func (m *Metrics) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.Subscriptions.Set(float64(n))
}

func (m *Metrics) IncFeedError(op string) {
	if m == nil {
		return
	}
	m.FeedErrors.WithLabelValues(op).Inc()
}
