// Package metrics exposes Prometheus collectors for locks, store helpers and
// event buses. Nothing is registered until RegisterAll or one of the
// component options is used.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Label values shared by the collectors.
const (
	ResultAcquired = "acquired"
	ResultHeld     = "held"
	ResultError    = "error"
	ResultInvalid  = "invalid"
	ResultReleased = "released"
	ResultNoOp     = "noop"
	ResultOK       = "ok"
	ResultMiss     = "miss"
)

var (
	// LockAcquireCounter counts Acquire calls by result.
	LockAcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warlock_lock_acquire_total",
		Help: "Total number of lock acquisition attempts",
	}, []string{"result"})
	// LockReleaseCounter counts Release calls by result.
	LockReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warlock_lock_release_total",
		Help: "Total number of lock releases",
	}, []string{"result"})
	// LockLatency observes the store round trip of lock operations.
	LockLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "warlock_lock_latency_seconds",
		Help:    "Latency of lock store round trips",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
	// StoreOpsCounter counts key/value helper calls by command and result.
	StoreOpsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warlock_store_ops_total",
		Help: "Total number of store helper operations",
	}, []string{"op", "result"})
	// BusPublishedCounter counts events published on a bus.
	BusPublishedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warlock_bus_published_total",
		Help: "Total number of events published",
	})
	// BusDeliveredCounter counts events handed to local subscribers.
	BusDeliveredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warlock_bus_delivered_total",
		Help: "Total number of events delivered to subscribers",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the lock collectors on reg. Collectors that
// are already registered are left in place.
func RegisterLockMetrics(reg prometheus.Registerer) {
	register(reg, LockAcquireCounter, LockReleaseCounter, LockLatency)
}

// RegisterStoreMetrics registers the store collectors on reg.
func RegisterStoreMetrics(reg prometheus.Registerer) {
	register(reg, StoreOpsCounter)
}

// RegisterBusMetrics registers the bus collectors on reg.
func RegisterBusMetrics(reg prometheus.Registerer) {
	register(reg, BusPublishedCounter, BusDeliveredCounter)
}

// RegisterAll registers every warlock collector on reg.
func RegisterAll(reg prometheus.Registerer) {
	RegisterLockMetrics(reg)
	RegisterStoreMetrics(reg)
	RegisterBusMetrics(reg)
}

func register(reg prometheus.Registerer, cs ...prometheus.Collector) {
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			panic(err)
		}
	}
}
