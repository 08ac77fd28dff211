package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	feedEventsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prochat_feed_events_delivered_total",
		Help: "Change-feed events delivered to subscribers, by kind.",
	}, []string{"kind"})

	feedEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prochat_feed_events_dropped_total",
		Help: "Change-feed events dropped for slow or cancelled subscribers.",
	})

	timelineDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prochat_timeline_duplicate_events_total",
		Help: "Feed events discarded because the confirmed id was already present.",
	})

	sendsConfirmed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prochat_sends_confirmed_total",
		Help: "Optimistic sends replaced by their confirmed message.",
	})

	sendsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prochat_sends_failed_total",
		Help: "Sends rolled back after a store append failure.",
	})

	rosterRefreshes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prochat_roster_refreshes_total",
		Help: "Conversation list recomputations.",
	})

	rosterCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prochat_roster_coalesced_total",
		Help: "Feed events absorbed into an already pending roster refresh.",
	})
)
