package rdb

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the introspection values spec §6 already requires as
// Prometheus gauges, grounded on the teacher's own
// metrics.NewRegisteredCounter("db/preimage/total", nil) convention in
// common/dbutils/bucket.go — re-based onto prometheus/client_golang, the
// real third-party metrics client present in the retrieved pack
// (rpcpool-yellowstone-faithful's go.mod), since the teacher's own
// "metrics" package is an internal, unretrieved dependency.
type Metrics struct {
	NumKeysApprox   prometheus.Gauge
	NumNegKeys      prometheus.Gauge
	NumPosKeys      prometheus.Gauge
	MemAlloced      prometheus.Gauge
	MemOccupied     prometheus.Gauge
	NumBuckets      prometheus.Gauge
	DirtyBucketsPct prometheus.Gauge
}

// NewMetrics registers a Metrics set under namespace "rdb" and the given
// dbname label, returning a set ready to be refreshed with Observe.
func NewMetrics(reg prometheus.Registerer, dbname string) *Metrics {
	labels := prometheus.Labels{"dbname": dbname}
	mk := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "rdb",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
		if reg != nil {
			reg.MustRegister(g)
		}
		return g
	}
	m := &Metrics{
		NumKeysApprox:   mk("num_keys_approx", "approximate live+pending-dedup key count"),
		NumNegKeys:      mk("num_negative_keys", "approximate tombstone count"),
		NumPosKeys:      mk("num_positive_keys", "approximate live positive key count"),
		MemAlloced:      mk("mem_alloced_bytes", "bytes reserved across all buckets and scratch buffers"),
		MemOccupied:     mk("mem_occupied_bytes", "bytes occupied by live records"),
		NumBuckets:      mk("num_buckets", "directory size"),
		DirtyBucketsPct: mk("dirty_buckets_ratio", "fraction of buckets with a pending unsorted tail"),
	}
	return m
}

// Observe refreshes every gauge from bs's current state.
func (m *Metrics) Observe(bs *BucketSet) {
	if m == nil {
		return
	}
	m.NumKeysApprox.Set(float64(bs.GetNumKeys()))
	m.NumNegKeys.Set(float64(bs.GetNumNegativeKeys()))
	m.NumPosKeys.Set(float64(bs.GetNumPositiveKeys()))
	m.MemAlloced.Set(float64(bs.GetMemAlloced()))
	m.MemOccupied.Set(float64(bs.GetMemOccupied()))
	m.NumBuckets.Set(float64(bs.NumBuckets()))
	dirty := 0
	for _, b := range bs.dir {
		if !b.sorted() {
			dirty++
		}
	}
	if n := bs.NumBuckets(); n > 0 {
		m.DirtyBucketsPct.Set(float64(dirty) / float64(n))
	} else {
		m.DirtyBucketsPct.Set(0)
	}
}
