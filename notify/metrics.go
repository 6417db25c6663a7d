package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var notificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "library_notifications_total",
	Help: "Notifications handed to a channel, by kind and outcome",
}, []string{"kind", "outcome"})
