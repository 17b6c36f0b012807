package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var loginAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "auth_login_attempts_total",
	Help: "Login attempts by outcome",
}, []string{"outcome"})
