package oplog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	entriesAppended = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "oplog",
		Name:      "entries_appended_total",
		Help:      "Entries appended by the local replica.",
	})
	entriesJoined = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "oplog",
		Name:      "entries_joined_total",
		Help:      "Entries admitted from other replicas, ancestors included.",
	})
	entriesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oplog",
		Name:      "entries_rejected_total",
		Help:      "Entries discarded while joining.",
	}, []string{"reason"})
)
