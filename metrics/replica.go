package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// ReplicaMetrics instruments the replica API. A nil *ReplicaMetrics is valid
// and records nothing.
type ReplicaMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	reg      prometheus.Registerer
	ns       string
}

func NewReplicaMetrics(namespace string, reg prometheus.Registerer) (*ReplicaMetrics, error) {
	m := &ReplicaMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replica",
			Name:      "requests_total",
			Help:      "Replica API requests by operation and response status",
		}, []string{"operation", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "replica",
			Name:      "request_duration_seconds",
			Help:      "Replica API latency by operation",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"operation"}),
		reg: reg,
		ns:  namespace,
	}

	for _, c := range []prometheus.Collector{m.requests, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// TrackRecords exports the number of stored backups, read from count at
// scrape time.
func (m *ReplicaMetrics) TrackRecords(count func() int) error {
	if m == nil {
		return nil
	}
	return m.reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: m.ns,
		Subsystem: "replica",
		Name:      "backups",
		Help:      "Backups currently held by the replica",
	}, func() float64 { return float64(count()) }))
}

// Middleware records the status and latency of requests for operation.
func (m *ReplicaMetrics) Middleware(operation string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.requests.WithLabelValues(operation, strconv.Itoa(status)).Inc()
			m.duration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
		})
	}
}
