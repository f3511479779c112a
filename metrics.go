// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package vindex

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type indexMetrics struct {
	nodesAdded          prometheus.Counter
	nodesErased         prometheus.Counter
	labelsAdded         prometheus.Counter
	edgesConnected      prometheus.Counter
	edgesDisconnected   prometheus.Counter
	commits             prometheus.Counter
	commitSeconds       prometheus.Histogram
	gcSweeps            prometheus.Counter
	gcSegmentsReclaimed prometheus.Counter
	reloads             *prometheus.CounterVec
	entryPointLayer     prometheus.Gauge
	nodesInTotal        prometheus.Gauge
}

func newIndexMetrics(reg prometheus.Registerer) *indexMetrics {
	return &indexMetrics{
		nodesAdded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "nodes_added",
			Help: "nodes_added counts how many nodes have been added to the graph.",
		}),
		nodesErased: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "nodes_erased",
			Help: "nodes_erased counts how many nodes have been erased from the graph.",
		}),
		labelsAdded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "labels_added",
			Help: "labels_added counts how many label associations have been recorded.",
		}),
		edgesConnected: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "edges_connected",
			Help: "edges_connected counts how many directed edges have been added across all layers.",
		}),
		edgesDisconnected: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "edges_disconnected",
			Help: "edges_disconnected counts how many directed edges have been removed across all layers.",
		}),
		commits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "commits",
			Help: "commits counts how many times the in-memory graph has been persisted to the metadata store.",
		}),
		commitSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "commit_seconds",
			Help:    "commit_seconds observes the latency of Commit, which writes every layer image plus the log record.",
			Buckets: prometheus.DefBuckets,
		}),
		gcSweeps: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "gc_sweeps",
			Help: "gc_sweeps counts how many times RunGarbageCollection has executed.",
		}),
		gcSegmentsReclaimed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "gc_segments_reclaimed",
			Help: "gc_segments_reclaimed counts how many key/vector segments have been freed by garbage collection.",
		}),
		reloads: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "reloads",
				Help: "reloads counts calls to Reload, labeled by whether a newer commit was actually observed.",
			},
			[]string{"observed_new_version"},
		),
		entryPointLayer: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "entry_point_layer",
			Help: "entry_point_layer is the layer of the current entry point, or -1 if the graph is empty.",
		}),
		nodesInTotal: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "nodes_in_total",
			Help: "nodes_in_total is the number of nodes present in layer 0.",
		}),
	}
}
