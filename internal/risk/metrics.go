package risk

import "github.com/prometheus/client_golang/prometheus"

var (
	evaluationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "refguard",
		Subsystem: "risk",
		Name:      "evaluations_total",
		Help:      "Referral evaluations by decision (accepted, flagged, blocked, error).",
	}, []string{"decision"})

	riskScoreHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "refguard",
		Subsystem: "risk",
		Name:      "score",
		Help:      "Distribution of aggregate referral risk scores.",
		Buckets:   []float64{0, 10, 20, 30, 50, 70, 80, 100, 150, 200},
	})

	evaluationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "refguard",
		Subsystem: "risk",
		Name:      "evaluation_duration_seconds",
		Help:      "Wall-clock time of a full referral evaluation.",
		Buckets:   prometheus.DefBuckets,
	})

	stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "refguard",
		Subsystem: "risk",
		Name:      "stage_duration_seconds",
		Help:      "Time spent in each evaluation stage.",
		Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5},
	}, []string{"stage"})

	stageFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "refguard",
		Subsystem: "risk",
		Name:      "stage_failures_total",
		Help:      "Stage failures that were absorbed fail-open, by stage and kind.",
	}, []string{"stage", "kind"})

	systemErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "refguard",
		Subsystem: "risk",
		Name:      "system_errors_total",
		Help:      "Evaluations that failed closed.",
	})

	alertFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "refguard",
		Subsystem: "risk",
		Name:      "alert_failures_total",
		Help:      "Admin alerts that could not be delivered.",
	})

	cacheLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "refguard",
		Subsystem: "risk",
		Name:      "cache_lookups_total",
		Help:      "Validation cache lookups by result (hit, miss, error).",
	}, []string{"result"})

	graphLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "refguard",
		Subsystem: "risk",
		Name:      "graph_lookups_total",
		Help:      "Circular-referral lookups against the referral graph by result (hit, miss, error).",
	}, []string{"result"})

	reviewsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "refguard",
		Subsystem: "risk",
		Name:      "reviews_total",
		Help:      "Manual review decisions.",
	}, []string{"decision"})

	pendingReviews = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "refguard",
		Subsystem: "risk",
		Name:      "pending_reviews",
		Help:      "Users currently waiting for manual review.",
	})
)

func init() {
	prometheus.MustRegister(
		evaluationsTotal,
		riskScoreHistogram,
		evaluationDuration,
		stageDuration,
		stageFailuresTotal,
		systemErrorsTotal,
		alertFailuresTotal,
		cacheLookupsTotal,
		graphLookupsTotal,
		reviewsTotal,
		pendingReviews,
	)
}

func decisionLabel(r *ValidationResult) string {
	switch {
	case r.BlockReason == ReasonSystemError:
		return "error"
	case !r.Valid:
		return "blocked"
	case r.RiskScore > LogThreshold:
		return "flagged"
	default:
		return "accepted"
	}
}
