// Copyright 2025 Certen Protocol
//
// Package hooks declares the narrow contracts the core consumes from
// external collaborators — metrics exposition, report rendering, and
// alert delivery — without implementing any of them. Those concerns are
// out of scope; the core only needs somewhere to call into, and a no-op
// implementation for tests.
package hooks

import (
	"context"

	"github.com/c2concierge/retrosign/pkg/model"
)

// MetricsSink receives point observations. A real implementation would
// expose these via Prometheus; none ships here.
type MetricsSink interface {
	Observe(metric string, value float64, labels map[string]string)
}

// ReportWriter renders a finished (or in-progress) job's state into a
// human-facing report. A real implementation would render HTML/CSV; none
// ships here.
type ReportWriter interface {
	WriteReport(ctx context.Context, job model.Checkpoint, items []model.WorklogEntry) error
}

// AlertSink delivers incident notifications to an external paging or
// chat system. A real implementation is out of scope.
type AlertSink interface {
	Notify(ctx context.Context, incident model.IncidentContext) error
}

// NoopMetricsSink discards every observation.
type NoopMetricsSink struct{}

func (NoopMetricsSink) Observe(string, float64, map[string]string) {}

// NoopReportWriter discards every report.
type NoopReportWriter struct{}

func (NoopReportWriter) WriteReport(context.Context, model.Checkpoint, []model.WorklogEntry) error {
	return nil
}

// NoopAlertSink discards every notification.
type NoopAlertSink struct{}

func (NoopAlertSink) Notify(context.Context, model.IncidentContext) error { return nil }
