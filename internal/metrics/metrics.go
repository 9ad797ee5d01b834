// Package metrics collects deployment metrics on a private Prometheus
// registry. A command-line run has no scrape endpoint, so the registry is
// written out in the node exporter textfile format instead.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the deployment metrics. All methods are safe to call on a
// nil *Recorder, which records nothing.
type Recorder struct {
	registry *prometheus.Registry

	commandAttempts *prometheus.CounterVec
	commandFailures *prometheus.CounterVec
	syncOperations  *prometheus.CounterVec
	deployRuns      *prometheus.CounterVec
	deployDuration  *prometheus.HistogramVec
	lastDeployEnd   *prometheus.GaugeVec
}

// New creates a Recorder backed by a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		commandAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saedeploy_svn_command_attempts_total",
				Help: "Total number of svn invocations, including retries",
			},
			[]string{"subcommand"},
		),
		commandFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saedeploy_svn_command_failures_total",
				Help: "Total number of svn commands that failed after exhausting retries",
			},
			[]string{"subcommand"},
		),
		syncOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saedeploy_sync_operations_total",
				Help: "Total number of filesystem edits applied to the working copy",
			},
			[]string{"kind"},
		),
		deployRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saedeploy_deploy_runs_total",
				Help: "Total number of deployment runs by outcome",
			},
			[]string{"app", "outcome"},
		),
		deployDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "saedeploy_deploy_duration_seconds",
				Help:    "Deployment duration in seconds",
				Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"app"},
		),
		lastDeployEnd: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "saedeploy_last_deploy_end_timestamp",
				Help: "Unix timestamp of when the last deployment ended",
			},
			[]string{"app", "outcome"},
		),
	}
}

// CommandAttempt counts one svn invocation.
func (r *Recorder) CommandAttempt(subcommand string) {
	if r == nil {
		return
	}
	r.commandAttempts.WithLabelValues(subcommand).Inc()
}

// CommandFailed counts an svn command whose retries were exhausted.
func (r *Recorder) CommandFailed(subcommand string) {
	if r == nil {
		return
	}
	r.commandFailures.WithLabelValues(subcommand).Inc()
}

// SyncOperation counts one applied edit of the given kind.
func (r *Recorder) SyncOperation(kind string) {
	if r == nil {
		return
	}
	r.syncOperations.WithLabelValues(kind).Inc()
}

// DeployFinished records the outcome and duration of a deployment.
func (r *Recorder) DeployFinished(app, outcome string, start time.Time) {
	if r == nil {
		return
	}
	end := time.Now()
	r.deployRuns.WithLabelValues(app, outcome).Inc()
	r.deployDuration.WithLabelValues(app).Observe(end.Sub(start).Seconds())
	r.lastDeployEnd.WithLabelValues(app, outcome).Set(float64(end.Unix()))
}

// Gatherer exposes the underlying registry.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}

// WriteTextfile writes all metrics to path in the text exposition format.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.registry)
}
