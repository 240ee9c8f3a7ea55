package attendance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// markOutcomes counts single and bulk mark attempts by outcome
// ("accepted", an error kind, or "error" for store failures).
var markOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "classtrack_mark_outcomes_total",
	Help: "Attendance mark attempts by outcome.",
}, []string{"outcome"})
