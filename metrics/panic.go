package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "smtpsubmit_panic_total",
		Help: "Number of unhandled panics, by package.",
	},
	[]string{
		"pkg",
	},
)

// Panic is the package an unhandled panic occurred in, used as label.
type Panic string

const (
	Smtpclient Panic = "smtpclient"
	Main       Panic = "main"
)

func init() {
	// Start at 0 so a panic shows up as a change in graphs and alerts.
	metricPanic.WithLabelValues(string(Smtpclient)).Add(0)
	metricPanic.WithLabelValues(string(Main)).Add(0)
}

func PanicInc(pkg Panic) {
	metricPanic.WithLabelValues(string(pkg)).Inc()
}
