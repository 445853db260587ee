package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "email_relay"

// Ingest outcomes, used as the "outcome" label of IngestRequestsTotal.
const (
	OutcomeAccepted      = "accepted"
	OutcomeBadPayload    = "bad_payload"
	OutcomeBadRequest    = "bad_request"
	OutcomeUnauthorized  = "unauthorized"
	OutcomeUnavailable   = "unavailable"
	OutcomePublishFailed = "publish_failed"
)

// Relay failure stages, used as the "stage" label of ArchiveFailuresTotal.
const (
	StageMarshal = "marshal"
	StagePut     = "put"
	StageDelete  = "delete"
	StagePanic   = "panic"
)

//nolint:golint,gochecknoglobals
var (
	IngestRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "requests_total",
		Help:      "Total number of ingest submissions by outcome.",
	}, []string{"outcome"})

	PollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "polls_total",
		Help:      "Total number of queue polls by result.",
	}, []string{"result"}) // result: ok, error

	MessagesReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "messages_received_total",
		Help:      "Total number of messages received from the queue.",
	})

	MessagesArchivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "messages_archived_total",
		Help:      "Total number of messages archived and deleted from the queue.",
	})

	ArchiveFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "archive_failures_total",
		Help:      "Total number of per-message failures by stage.",
	}, []string{"stage"})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of a poll and process cycle, excluding the inter-cycle wait.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	NotificationFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "notification_failures_total",
		Help:      "Total number of archive notifications that could not be published.",
	})
)

// NewDroppedEventsCounter reports the events the in-process bus could not hand
// to a slow subscriber.
func NewDroppedEventsCounter(dropped func() uint64) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "events_dropped_total",
		Help:      "Total number of archive events dropped for slow subscribers.",
	}, func() float64 {
		return float64(dropped())
	})
}
