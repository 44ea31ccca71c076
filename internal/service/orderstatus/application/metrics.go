package application

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ordersync",
		Name:      "notifications_total",
		Help:      "Inbound marketplace notifications by kind and result.",
	}, []string{"kind", "result"})

	statusUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ordersync",
		Name:      "status_updates_total",
		Help:      "Status update attempts by outcome.",
	}, []string{"outcome"})

	storageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ordersync",
		Name:      "storage_failures_total",
		Help:      "Failed persistence gateway calls, including retried ones.",
	}, []string{"op"})

	pendingOrdersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ordersync",
		Name:      "pending_orders",
		Help:      "Order ids (including placeholders) with queued status updates.",
	})

	pendingNotificationsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ordersync",
		Name:      "pending_notifications",
		Help:      "Notifications waiting for an order id.",
	})
)
