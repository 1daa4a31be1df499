package main

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "pico_swarm"

var (
	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, route and status code.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "route"})

	announcesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "announces_total",
		Help:      "Announce requests by event and result.",
	}, []string{"event", "result"})

	scrapesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "scrapes_total",
		Help:      "Scrape requests by result.",
	}, []string{"result"})

	peersReapedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "peers_reaped_total",
		Help:      "Peers removed for exceeding the inactivity timeout.",
	})

	stateSavesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "state_saves_total",
		Help:      "State snapshot saves by trigger and result.",
	}, []string{"trigger", "result"})

	stateSaveDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "state_save_duration_seconds",
		Help:      "Time spent writing a state snapshot.",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	trackedTorrents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "torrents",
		Help:      "Canonical torrents tracked.",
	})

	livePeersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "peers",
		Help:      "Peers currently present in all swarms.",
	})
)

func registerMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		announcesTotal,
		scrapesTotal,
		peersReapedTotal,
		stateSavesTotal,
		stateSaveDuration,
		trackedTorrents,
		livePeersGauge,
	)
}
