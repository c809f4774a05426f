// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProcessStartTotal counts transcoder spawn attempts.
	ProcessStartTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tvrelay_process_start_total",
		Help: "Transcoder process starts by result",
	}, []string{"result"})

	// ProcessExitTotal counts transcoder exits by classified reason.
	ProcessExitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tvrelay_process_exit_total",
		Help: "Transcoder process exits by reason",
	}, []string{"reason"})

	// ProcessTerminateTotal counts signals sent to process groups.
	ProcessTerminateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tvrelay_process_terminate_total",
		Help: "Signals sent while stopping transcoder process groups",
	}, []string{"signal"})

	// LowSpeedSignalTotal counts low-speed failure signals raised by stderr scanning.
	LowSpeedSignalTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tvrelay_low_speed_signal_total",
		Help: "Sustained sub-threshold transcode speed signals",
	})
)

func IncProcessStart(success bool)      { ProcessStartTotal.WithLabelValues(result(success)).Inc() }
func IncProcessExit(reason string)      { ProcessExitTotal.WithLabelValues(reason).Inc() }
func IncProcessTerminate(signal string) { ProcessTerminateTotal.WithLabelValues(signal).Inc() }
func IncLowSpeedSignal()                { LowSpeedSignalTotal.Inc() }
