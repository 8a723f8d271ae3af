package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "course_scout",
		Name:      "sessions_created_total",
		Help:      "Remote automation sessions opened.",
	})
	metricSessionErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "course_scout",
		Name:      "session_create_errors_total",
		Help:      "Remote session creations that failed.",
	})
	metricSteps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "course_scout",
		Name:      "steps_total",
		Help:      "Step commands sent to remote sessions.",
	})
	metricStepErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "course_scout",
		Name:      "step_errors_total",
		Help:      "Step commands that failed in transport.",
	})
)
