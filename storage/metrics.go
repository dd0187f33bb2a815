package storage

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	stores    *prometheus.CounterVec
	retrieves *prometheus.CounterVec
}

func newMetrics() *metrics {
	return &metrics{
		stores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stash",
			Name:      "store_total",
			Help:      "Store operations by result (ok, error).",
		}, []string{"result"}),
		retrieves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stash",
			Name:      "retrieve_total",
			Help:      "Retrieve operations by result (hit, miss, corrupt, error).",
		}, []string{"result"}),
	}
}

// RegisterMetrics exposes the storage counters on reg.
func (s *Storage) RegisterMetrics(reg prometheus.Registerer) error {
	if err := reg.Register(s.metrics.stores); err != nil {
		return err
	}
	return reg.Register(s.metrics.retrieves)
}
