// Package otel provides OpenTelemetry instrumentation for prospectd.
package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "prospectd"

// Metrics holds all prospectd metric instruments.
type Metrics struct {
	TasksCreated   metric.Int64Counter
	TasksClaimed   metric.Int64Counter
	TasksCompleted metric.Int64Counter
	ClaimConflicts metric.Int64Counter
	EventsEmitted  metric.Int64Counter
	PollDuration   metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TasksCreated, err = meter.Int64Counter("prospectd.tasks.created",
		metric.WithDescription("Number of tasks enqueued"))
	if err != nil {
		return nil, err
	}

	m.TasksClaimed, err = meter.Int64Counter("prospectd.tasks.claimed",
		metric.WithDescription("Number of successful task claims"))
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("prospectd.tasks.completed",
		metric.WithDescription("Number of tasks completed"))
	if err != nil {
		return nil, err
	}

	m.ClaimConflicts, err = meter.Int64Counter("prospectd.tasks.claim_conflicts",
		metric.WithDescription("Number of claims lost to a live lock"))
	if err != nil {
		return nil, err
	}

	m.EventsEmitted, err = meter.Int64Counter("prospectd.events.emitted",
		metric.WithDescription("Number of events appended to the bus"))
	if err != nil {
		return nil, err
	}

	m.PollDuration, err = meter.Float64Histogram("prospectd.poll.duration_seconds",
		metric.WithDescription("Long-poll wait time in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
