package scrape

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeOK                = "ok"
	outcomeScrapeFailure     = "scrape_failure"
	outcomeExtractionFailure = "extraction_failure"
)

var (
	metricScrapes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "course_scout",
		Name:      "scrapes_total",
		Help:      "Scrape and extract runs by outcome.",
	}, []string{"outcome"})
	metricScrapeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "course_scout",
		Name:      "scrape_duration_seconds",
		Help:      "Wall time of scrape and extract runs, settle delay included.",
		Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120},
	})
)

func outcomeOf(err error) string {
	switch err.(type) {
	case nil:
		return outcomeOK
	case *ScrapeFailure:
		return outcomeScrapeFailure
	default:
		return outcomeExtractionFailure
	}
}
