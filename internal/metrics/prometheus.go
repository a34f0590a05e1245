// Package metrics defines the Prometheus instrumentation for the license
// service.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ValidationsTotal counts license validation attempts by outcome.
	ValidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gimo_license_validations_total",
		Help: "License validation attempts by outcome.",
	}, []string{"outcome"})

	// TokensIssuedTotal counts signed access tokens handed out.
	TokensIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gimo_license_tokens_issued_total",
		Help: "Signed access tokens issued.",
	})

	// LicensesCreatedTotal counts license creations by plan.
	LicensesCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gimo_licenses_created_total",
		Help: "Licenses created by plan.",
	}, []string{"plan"})

	// WebhookEventsTotal counts processed billing webhook events.
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gimo_billing_webhook_events_total",
		Help: "Billing webhook events by type and result.",
	}, []string{"type", "result"})

	// ReconcileRunsTotal counts entitlement reconciliation passes.
	ReconcileRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gimo_entitlement_reconcile_runs_total",
		Help: "Entitlement reconciliation passes.",
	})
)

// Handler exposes the Prometheus scrape endpoint as a gin handler.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
