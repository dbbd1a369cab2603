package unverify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gerrit_verify",
		Subsystem: "unverify",
		Name:      "events_total",
		Help:      "Gerrit events handled, by event type and outcome.",
	}, []string{"event", "outcome"})

	votesRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gerrit_verify",
		Subsystem: "unverify",
		Name:      "votes_removed_total",
		Help:      "Verified votes removed.",
	})

	voteDeleteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gerrit_verify",
		Subsystem: "unverify",
		Name:      "vote_delete_failures_total",
		Help:      "Verified vote deletions that failed.",
	})

	topicAborts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gerrit_verify",
		Subsystem: "unverify",
		Name:      "topic_aborts_total",
		Help:      "Topics left untouched because they matched too many changes.",
	})
)
