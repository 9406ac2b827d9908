// Package metrics exposes the signalling core's Prometheus counters. It
// fills the observability gap the core leaves to its caller: GroupCall and
// CallRegistry never look at a metric themselves, they just call the
// recorder functions below on the transitions that already happen.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	conferencesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "groupcall_conferences_active",
		Help: "Conferences currently tracked by the registry (live or within their grace window).",
	})

	conferencesCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "groupcall_conferences_created_total",
		Help: "Total conferences created via GroupCall.Create.",
	})

	joinsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "groupcall_joins_completed_total",
		Help: "Total times a GroupCall reached Joined after observing its own membership echo.",
	})

	membersEnded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "groupcall_members_ended_total",
		Help: "Member connections that ended, labelled by hangup reason.",
	}, []string{"reason"})

	memberRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "groupcall_member_retries_total",
		Help: "Total Member.Connect reattempts after a retryable hangup.",
	})

	retriesExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "groupcall_member_retries_exhausted_total",
		Help: "Total Member connection ends that are not retried: a non-retryable hangup reason, or MaxRetries exhausted.",
	})
)

func init() {
	prometheus.MustRegister(
		conferencesActive,
		conferencesCreated,
		joinsCompleted,
		membersEnded,
		memberRetries,
		retriesExhausted,
	)
}

// SetActiveConferences reports the registry's current entry count.
func SetActiveConferences(n int) {
	conferencesActive.Set(float64(n))
}

// RecordConferenceCreated counts one successful GroupCall.Create.
func RecordConferenceCreated() {
	conferencesCreated.Inc()
}

// RecordJoinCompleted counts one GroupCall reaching Joined.
func RecordJoinCompleted() {
	joinsCompleted.Inc()
}

// RecordMemberEnded counts a Member's peer connection ending, and whether
// that end exhausted its retry budget.
func RecordMemberEnded(reason string, exhausted bool) {
	membersEnded.WithLabelValues(reason).Inc()
	if exhausted {
		retriesExhausted.Inc()
		return
	}
	memberRetries.Inc()
}
