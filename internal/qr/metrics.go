package qr

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendance_tokens_issued_total",
		Help: "QR tokens issued.",
	})

	scansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_scans_total",
		Help: "Scan attempts by terminal outcome.",
	}, []string{"outcome"})
)
