package chatstream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessionsEstablished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatstream",
		Subsystem: "session",
		Name:      "established_total",
		Help:      "Sessions established, by account class.",
	}, []string{"class"})

	metricSessionsRevoked = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatstream",
		Subsystem: "session",
		Name:      "revoked_total",
		Help:      "Sessions revoked, by trigger.",
	}, []string{"reason"})

	metricLoginFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatstream",
		Subsystem: "session",
		Name:      "login_failures_total",
		Help:      "Login attempts rejected for bad credentials.",
	})

	metricValidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatstream",
		Subsystem: "session",
		Name:      "validations_total",
		Help:      "Token validations, by outcome.",
	}, []string{"outcome"})
)
