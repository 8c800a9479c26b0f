package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"lifeline/dispatch/internal/incident"
)

var (
	incidentsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_incidents_created_total",
			Help: "Incidents created, by severity and report type.",
		},
		[]string{"severity", "report_type"},
	)

	orchestrationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_orchestration_duration_seconds",
			Help:    "Time spent running the dispatch pipeline for a new incident.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"severity"},
	)

	candidatesFoundTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_candidates_found_total",
			Help: "Eligible candidates ranked during orchestration, by responder kind.",
		},
		[]string{"kind"},
	)

	candidatesUnmatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_candidates_unmatched_total",
			Help: "Orchestration steps that found no candidate, by responder kind.",
		},
		[]string{"kind"},
	)

	offersResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_offers_resolved_total",
			Help: "Offers that left the pending state, by slot and outcome.",
		},
		[]string{"slot", "outcome"},
	)

	offersRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_offer_acceptances_rejected_total",
			Help: "Acceptances that did not fill the slot, by slot and reason.",
		},
		[]string{"slot", "reason"},
	)

	notificationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_notification_failures_total",
			Help: "Notifications that could not be delivered, by recipient kind.",
		},
		[]string{"recipient_kind"},
	)

	responseDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_response_duration_seconds",
			Help:    "Time from report to dispatch, first arrival and closure, observed when an incident closes.",
			Buckets: []float64{5, 30, 60, 120, 300, 600, 900, 1200, 1800, 2700, 3600, 7200},
		},
		[]string{"phase", "severity", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		incidentsCreatedTotal,
		orchestrationDurationSeconds,
		candidatesFoundTotal,
		candidatesUnmatchedTotal,
		offersResolvedTotal,
		offersRejectedTotal,
		notificationFailuresTotal,
		responseDurationSeconds,
	)
}

func observeResponseTimes(inc *incident.Incident) {
	phases := map[string]*time.Duration{
		"dispatch": inc.ResponseTimes.Dispatch,
		"arrival":  inc.ResponseTimes.Arrival,
		"total":    inc.ResponseTimes.Total,
	}
	if inc.Status == incident.StatusCancelled && inc.CancelledAt != nil {
		total := inc.CancelledAt.Sub(inc.ReportedAt)
		phases["total"] = &total
	}
	for phase, d := range phases {
		if d == nil || *d < 0 {
			continue
		}
		responseDurationSeconds.WithLabelValues(phase, string(inc.Severity), string(inc.Status)).Observe(d.Seconds())
	}
}
