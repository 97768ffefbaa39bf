// Scanwatch
// Copyright (c) 2016, 2025, DCSO GmbH

package investigation

import "github.com/prometheus/client_golang/prometheus"

var (
	started = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scanwatch",
		Name:      "investigations_started_total",
		Help:      "Investigations started, by indicator kind.",
	}, []string{"kind"})
	finished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scanwatch",
		Name:      "investigations_finished_total",
		Help:      "Investigations that reached a terminal state, by kind and status.",
	}, []string{"kind", "status"})
	pollTicks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scanwatch",
		Name:      "poll_ticks_total",
		Help:      "Status requests issued, by observed status.",
	}, []string{"status"})
	rateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scanwatch",
		Name:      "poll_rate_limited_total",
		Help:      "Status requests answered with 429.",
	})
	followUps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scanwatch",
		Name:      "followup_lookups_total",
		Help:      "Follow-up lookups after a completed analysis, by kind and result.",
	}, []string{"kind", "result"})
)

func init() {
	prometheus.MustRegister(started, finished, pollTicks, rateLimited, followUps)
}
