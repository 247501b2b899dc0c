// Package telemetry provides logging setup and Prometheus metrics for the member directory.
//
// All metrics are registered against the default Prometheus registry and served on the
// side-channel HTTP server started by main.go:
//
//	GET http://<host>:<ORGM_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// HTTP metrics use the Gin route template as the path label, never the raw URL, so
// organization slugs do not inflate label cardinality.
package telemetry

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template and status code.
//
// Example PromQL:
//   - Error rate (%):  sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 per route:   histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Member metrics.
//
// MemberInvitesTotal counts created members by audit event ("member.invite" or "member.add").
// TeamAssignmentFailuresTotal counts members created without their requested teams, by reason
// ("lock_timeout", "error"). Any increase means a member needs its teams reconciled.
//
// Example alert:  increase(member_team_assignment_failures_total[15m]) > 0
var (
	MemberInvitesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "member_invites_total",
			Help: "Total number of organization members created, by audit event.",
		},
		[]string{"event"},
	)

	TeamAssignmentFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "member_team_assignment_failures_total",
			Help: "Total number of member team assignments that did not complete, by reason.",
		},
		[]string{"reason"},
	)

	InviteEmailsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "member_invite_emails_total",
			Help: "Total number of invitation emails attempted, by outcome.",
		},
		[]string{"status"},
	)

	MemberListQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "member_list_queries_total",
			Help: "Total number of member listing requests, by whether an unrecognized filter key emptied the result.",
		},
		[]string{"filtered_out"},
	)
)

// Lock metrics, labelled by backend ("redis", "postgres", "memory").
//
// Example PromQL:
//   - p95 wait:  histogram_quantile(0.95, sum by (le) (rate(member_lock_wait_seconds_bucket[5m])))
var (
	LockWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "member_lock_wait_seconds",
			Help:    "Time spent acquiring a member lock, including retries.",
			Buckets: []float64{0.001, 0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"backend"},
	)

	LockTimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "member_lock_timeouts_total",
			Help: "Total number of member lock acquisitions that exhausted their retry budget.",
		},
		[]string{"backend"},
	)
)

// AuditShipFailuresTotal counts audit entries an external shipper failed to deliver, by shipper type
var AuditShipFailuresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "audit_ship_failures_total",
		Help: "Total number of audit entries that failed to ship, by shipper type.",
	},
	[]string{"shipper"},
)

// DBOpenConnections tracks the open connections of the sql.DB pool, sampled every 30s
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector samples pool statistics every 30 seconds until ctx is cancelled
// or the database becomes unreachable.
func StartDBStatsCollector(ctx context.Context, db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := db.PingContext(ctx); err != nil {
					slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
					return
				}
				DBOpenConnections.Set(float64(db.Stats().OpenConnections))
			}
		}
	}()
}
