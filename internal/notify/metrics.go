package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

var deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "notify_deliveries_total",
	Help: "OTP delivery attempts per channel and outcome",
}, []string{"channel", "outcome"})
