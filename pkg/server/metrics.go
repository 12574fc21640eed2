// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	authorizeDecisions *prometheus.CounterVec
	tokenRequests      *prometheus.CounterVec
	rateLimited        *prometheus.CounterVec
	authnCeremonies    *prometheus.CounterVec
}

// NewMetrics registers the collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		authorizeDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "authrim_authorize_decisions_total",
			Help: "Authorization endpoint outcomes.",
		}, []string{"outcome"}),
		tokenRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "authrim_token_requests_total",
			Help: "Token endpoint requests by grant type and result.",
		}, []string{"grant_type", "result"}),
		rateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "authrim_rate_limited_total",
			Help: "Requests rejected by the fixed-window rate limiter.",
		}, []string{"endpoint"}),
		authnCeremonies: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "authrim_authn_ceremonies_total",
			Help: "Authenticator ceremony completions by method and result.",
		}, []string{"method", "result"}),
	}
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Outcome labels for authorizeDecisions.
const (
	outcomeIssued   = "issued"
	outcomeLogin    = "login_redirect"
	outcomeConsent  = "consent_redirect"
	outcomeError    = "error"
	resultOK        = "ok"
	resultError     = "error"
	resultSucceeded = "succeeded"
	resultFailed    = "failed"
)
