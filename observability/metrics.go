// Package observability exposes the Prometheus collectors shared by the
// reward engine. Registries are lazily initialised so importing a package
// never registers collectors the binary does not use.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics instruments the claim pipeline end to end.
type EngineMetrics struct {
	decisions          *prometheus.CounterVec
	duplicates         prometheus.Counter
	settlementAttempts *prometheus.CounterVec
	settlementLatency  *prometheus.HistogramVec
	achievementGrants  prometheus.Counter
	referralPayouts    *prometheus.CounterVec
	reviewNotices      *prometheus.CounterVec
}

var (
	engineOnce sync.Once
	engineReg  *EngineMetrics
)

// Engine returns the lazily initialised engine metrics registry.
func Engine() *EngineMetrics {
	engineOnce.Do(func() {
		engineReg = &EngineMetrics{
			decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "recircle",
				Subsystem: "review",
				Name:      "decisions_total",
				Help:      "Review decisions segmented by outcome and leading reason code.",
			}, []string{"outcome", "reason"}),
			duplicates: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "recircle",
				Subsystem: "similarity",
				Name:      "duplicates_total",
				Help:      "Claims rejected as duplicates of a prior submission.",
			}),
			settlementAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "recircle",
				Subsystem: "settlement",
				Name:      "attempts_total",
				Help:      "Settlement tier attempts segmented by tier and outcome.",
			}, []string{"tier", "outcome"}),
			settlementLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "recircle",
				Subsystem: "settlement",
				Name:      "tier_duration_seconds",
				Help:      "Latency distribution per settlement tier call.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"tier"}),
			achievementGrants: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "recircle",
				Subsystem: "achievements",
				Name:      "grants_total",
				Help:      "First-time achievement grants recorded.",
			}),
			referralPayouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "recircle",
				Subsystem: "referral",
				Name:      "payouts_total",
				Help:      "Referral processing outcomes.",
			}, []string{"outcome"}),
			reviewNotices: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "recircle",
				Subsystem: "review",
				Name:      "sink_deliveries_total",
				Help:      "Human review sink delivery attempts by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			engineReg.decisions,
			engineReg.duplicates,
			engineReg.settlementAttempts,
			engineReg.settlementLatency,
			engineReg.achievementGrants,
			engineReg.referralPayouts,
			engineReg.reviewNotices,
		)
	})
	return engineReg
}

// RecordDecision counts one review decision.
func (m *EngineMetrics) RecordDecision(outcome, reason string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(outcome, reason).Inc()
}

// RecordDuplicate counts one duplicate rejection.
func (m *EngineMetrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

// RecordSettlementAttempt counts one tier attempt and its latency.
func (m *EngineMetrics) RecordSettlementAttempt(tier, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.settlementAttempts.WithLabelValues(tier, outcome).Inc()
	m.settlementLatency.WithLabelValues(tier).Observe(seconds)
}

// RecordAchievementGrant counts one first-time grant.
func (m *EngineMetrics) RecordAchievementGrant() {
	if m == nil {
		return
	}
	m.achievementGrants.Inc()
}

// RecordReferral counts one referral processing outcome.
func (m *EngineMetrics) RecordReferral(outcome string) {
	if m == nil {
		return
	}
	m.referralPayouts.WithLabelValues(outcome).Inc()
}

// RecordReviewNotice counts one review sink delivery attempt.
func (m *EngineMetrics) RecordReviewNotice(outcome string) {
	if m == nil {
		return
	}
	m.reviewNotices.WithLabelValues(outcome).Inc()
}
