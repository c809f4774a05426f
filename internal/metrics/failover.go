// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FailoverTotal counts transitions into SWITCHING by trigger.
	FailoverTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tvrelay_failover_total",
		Help: "Failovers started, by triggering reason",
	}, []string{"reason"})

	// SessionFailedTotal counts sessions that ended FAILED.
	SessionFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tvrelay_session_failed_total",
		Help: "Sessions that ended in FAILED, by last reason",
	}, []string{"reason"})

	// BadSourceMarkedTotal counts bad-source markers written or refreshed.
	BadSourceMarkedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tvrelay_bad_source_marked_total",
		Help: "Bad-source markers written, by reason",
	}, []string{"reason"})

	// LockContentionTotal counts failover lock acquisitions that gave up.
	LockContentionTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tvrelay_failover_lock_contention_total",
		Help: "Failover lock acquisitions that timed out because another worker held the lock",
	})

	// MonitorCheckTotal counts health monitor checks by outcome.
	MonitorCheckTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tvrelay_monitor_check_total",
		Help: "Live health monitor checks by outcome",
	}, []string{"outcome"})
)

func IncFailover(reason string)        { FailoverTotal.WithLabelValues(reason).Inc() }
func IncSessionFailed(reason string)   { SessionFailedTotal.WithLabelValues(reason).Inc() }
func IncBadSourceMarked(reason string) { BadSourceMarkedTotal.WithLabelValues(reason).Inc() }
func IncLockContention()               { LockContentionTotal.Inc() }
func IncMonitorCheck(outcome string)   { MonitorCheckTotal.WithLabelValues(outcome).Inc() }
