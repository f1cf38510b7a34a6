package studysession

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "studysession_transitions_total",
	Help: "Session lifecycle transitions by target status",
}, []string{"status"})
