// Package metrics exposes the module's Prometheus instrumentation: cache
// hit/miss/eviction counters, page-fault and swap counters. Components take
// a *Registry and increment the counter that names their event; nothing in
// this package touches component internals.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every counter/gauge this module reports.
type Registry struct {
	CacheHits prometheus.Counter
	CacheMisses prometheus.Counter
	CacheEvictions prometheus.Counter
	CacheReadaheads prometheus.Counter
	CacheFlushes prometheus.Counter
	FrameEvictions prometheus.Counter
	FramesInUse prometheus.Gauge
	PageFaults prometheus.Counter
	PageFaultsFailed prometheus.Counter
	SwapIns prometheus.Counter
	SwapOuts prometheus.Counter
	SwapSlotsInUse prometheus.Gauge
}

// NewRegistry constructs and registers every metric against reg. Passing a
// fresh prometheus.NewRegistry in tests keeps metrics isolated per test.
func NewRegistry(reg prometheus.Registerer) *Registry {
	m := &Registry{
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corevm_buffer_cache_hits_total",
			Help: "Buffer cache lookups that found the sector already resident.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corevm_buffer_cache_misses_total",
			Help: "Buffer cache lookups that required loading the sector from disk.",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corevm_buffer_cache_evictions_total",
			Help: "Buffer cache slot evictions performed to satisfy a miss.",
		}),
		CacheReadaheads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corevm_buffer_cache_readaheads_total",
			Help: "Non-blocking read-ahead fetches triggered after a miss.",
		}),
		CacheFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corevm_buffer_cache_flushes_total",
			Help: "Completed flush-all passes (periodic or explicit).",
		}),
		FrameEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corevm_frame_evictions_total",
			Help: "User frames evicted by the second-chance frame table scan.",
		}),
		FramesInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "corevm_frames_in_use",
			Help: "User frames currently resident in the frame table.",
		}),
		PageFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corevm_page_faults_total",
			Help: "Page faults handled (resolved or not).",
		}),
		PageFaultsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corevm_page_faults_unhandled_total",
			Help: "Page faults that could not be resolved (process killed).",
		}),
		SwapIns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corevm_swap_ins_total",
			Help: "Pages read back in from the swap partition.",
		}),
		SwapOuts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corevm_swap_outs_total",
			Help: "Pages written out to the swap partition.",
		}),
		SwapSlotsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "corevm_swap_slots_in_use",
			Help: "Swap slots currently allocated.",
		}),
	}

	reg.MustRegister(
		m.CacheHits, m.CacheMisses, m.CacheEvictions, m.CacheReadaheads,
		m.CacheFlushes, m.FrameEvictions, m.FramesInUse, m.PageFaults,
		m.PageFaultsFailed, m.SwapIns, m.SwapOuts, m.SwapSlotsInUse,
	)

	return m
}

// NewUnregistered is a convenience for tests that don't care about
// Prometheus exposition but still want the counters wired up.
func NewUnregistered() *Registry {
	return NewRegistry(prometheus.NewRegistry())
}
