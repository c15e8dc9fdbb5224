package ops

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the feed pipeline collectors. One instance per session,
// registered on the registry the caller owns.
type Metrics struct {
	refreshPasses      *prometheus.CounterVec
	paginationOutcomes *prometheus.CounterVec
	reactionResults    *prometheus.CounterVec
	posts              *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them on reg.
// A nil registerer leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		refreshPasses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clubfeed_refresh_passes_total",
				Help: "Total number of feed refresh passes.",
			},
			[]string{"room", "changed"},
		),
		paginationOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clubfeed_pagination_outcomes_total",
				Help: "Total number of finished pagination requests by outcome.",
			},
			[]string{"room", "outcome"},
		),
		reactionResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clubfeed_reaction_results_total",
				Help: "Total number of reaction toggles by result.",
			},
			[]string{"room", "result"},
		),
		posts: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "clubfeed_posts",
				Help: "Number of valid posts currently assembled per room.",
			},
			[]string{"room"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.refreshPasses,
			m.paginationOutcomes,
			m.reactionResults,
			m.posts,
		)
	}

	return m
}

// ObserveRefresh records one refresh pass
func (m *Metrics) ObserveRefresh(room string, posts int, changed bool) {
	if m == nil {
		return
	}
	label := "false"
	if changed {
		label = "true"
	}
	m.refreshPasses.WithLabelValues(room, label).Inc()
	m.posts.WithLabelValues(room).Set(float64(posts))
}

// ObservePagination records a finished pagination request
func (m *Metrics) ObservePagination(room, outcome string) {
	if m == nil {
		return
	}
	m.paginationOutcomes.WithLabelValues(room, outcome).Inc()
}

// ObserveReaction records a reaction toggle result
func (m *Metrics) ObserveReaction(room, result string) {
	if m == nil {
		return
	}
	m.reactionResults.WithLabelValues(room, result).Inc()
}
