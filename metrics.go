// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package denseset

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	densesetPrometheusMetrics sync.Once

	densesetInserts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "denseset",
			Name:      "inserts_total",
			Help:      "Number of inserted entries by placement",
		},
		[]string{"name", "placement"},
	)
	densesetFinds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "denseset",
			Name:      "finds_total",
			Help:      "Number of lookups by outcome",
		},
		[]string{"name", "outcome"},
	)
	densesetGrows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "denseset",
			Name:      "grows_total",
			Help:      "Number of times the bucket array grew",
		},
		[]string{"name"},
	)
	densesetExpired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "denseset",
			Name:      "expired_total",
			Help:      "Number of entries removed by lazy expiry",
		},
		[]string{"name"},
	)
)

// setMetrics is the per-set view of the shared metric vectors. Bound
// once at construction so the hot path only pays counter increments.
type setMetrics struct {
	insertFlat      prometheus.Counter
	insertDisplaced prometheus.Counter
	insertChained   prometheus.Counter
	findFound       prometheus.Counter
	findMissed      prometheus.Counter
	grows           prometheus.Counter
	expired         prometheus.Counter
}

type metricsOption struct {
	name string
}

func (op metricsOption) apply(s *Set) {
	densesetPrometheusMetrics.Do(func() {
		prometheus.MustRegister(densesetInserts)
		prometheus.MustRegister(densesetFinds)
		prometheus.MustRegister(densesetGrows)
		prometheus.MustRegister(densesetExpired)
	})

	s.metrics = &setMetrics{
		insertFlat:      densesetInserts.WithLabelValues(op.name, "flat"),
		insertDisplaced: densesetInserts.WithLabelValues(op.name, "displaced"),
		insertChained:   densesetInserts.WithLabelValues(op.name, "chained"),
		findFound:       densesetFinds.WithLabelValues(op.name, "found"),
		findMissed:      densesetFinds.WithLabelValues(op.name, "missed"),
		grows:           densesetGrows.WithLabelValues(op.name),
		expired:         densesetExpired.WithLabelValues(op.name),
	}
}

// WithMetrics is an option that publishes the set's operation counters
// to the default Prometheus registry under the given set name.
func WithMetrics(name string) option {
	return metricsOption{name}
}

var (
	collectorSizeDesc = prometheus.NewDesc(
		"denseset_size", "Number of live objects", []string{"name"}, nil)
	collectorBucketsDesc = prometheus.NewDesc(
		"denseset_used_buckets", "Number of non-empty bucket heads", []string{"name"}, nil)
	collectorChainsDesc = prometheus.NewDesc(
		"denseset_chain_entries", "Number of allocated chain nodes", []string{"name"}, nil)
	collectorObjBytesDesc = prometheus.NewDesc(
		"denseset_object_bytes", "Accounted size of live objects", []string{"name"}, nil)
	collectorCapacityDesc = prometheus.NewDesc(
		"denseset_capacity", "Length of the bucket array", []string{"name"}, nil)
)

// collector exposes a set's diagnostic counters as gauges. Collection
// reads the counters without walking the table, so it is safe to run
// from the goroutine that owns the set but must not race with it; the
// owning worker should drive collection or the registry must be scraped
// while the worker is idle.
type collector struct {
	name string
	set  *Set
}

// NewCollector returns a prometheus.Collector publishing the diagnostic
// counters of s labelled with the given set name.
func NewCollector(name string, s *Set) prometheus.Collector {
	return &collector{name: name, set: s}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- collectorSizeDesc
	ch <- collectorBucketsDesc
	ch <- collectorChainsDesc
	ch <- collectorObjBytesDesc
	ch <- collectorCapacityDesc
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(
		collectorSizeDesc, prometheus.GaugeValue, float64(c.set.Len()), c.name)
	ch <- prometheus.MustNewConstMetric(
		collectorBucketsDesc, prometheus.GaugeValue, float64(c.set.BucketCount()), c.name)
	ch <- prometheus.MustNewConstMetric(
		collectorChainsDesc, prometheus.GaugeValue, float64(c.set.ChainCount()), c.name)
	ch <- prometheus.MustNewConstMetric(
		collectorObjBytesDesc, prometheus.GaugeValue, float64(c.set.ObjBytes()), c.name)
	ch <- prometheus.MustNewConstMetric(
		collectorCapacityDesc, prometheus.GaugeValue, float64(c.set.Capacity()), c.name)
}
