package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commentsync_fetch_total",
		Help: "Comment list fetches by result.",
	}, []string{"result"})

	fetchRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commentsync_fetch_retries_total",
		Help: "Fetch retries by failure class.",
	}, []string{"class"})

	syncCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commentsync_sync_cycles_total",
		Help: "Completed sync cycles by decision.",
	}, []string{"decision"})

	reconcileWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "commentsync_reconcile_writes_total",
		Help: "Identity attribute writes performed by the reconciler.",
	})

	interceptedSnapshots = promauto.NewCounter(prometheus.CounterOpts{
		Name: "commentsync_intercepted_snapshots_total",
		Help: "Comment list responses captured from page traffic.",
	})

	navigationEpochs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "commentsync_navigation_epochs_total",
		Help: "Navigation epochs started for matching pages.",
	})
)
