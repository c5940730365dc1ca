package services

import (
	"time"

	"meshconf/internal/core/domain"
)

// MetricsSink receives domain-level measurements from the services. The
// monitoring package provides the prometheus implementation; a service
// without a sink records nothing.
type MetricsSink interface {
	RecordKeyRotation()
	RecordEnvelopeFailure()
	RecordAdaptationDecision(d time.Duration, result domain.AdaptationResult)
	RecordRiskScore(score float64)
	RecordMitigation(kind domain.DirectiveKind)
}

// NopMetrics discards every measurement.
type NopMetrics struct{}

func (NopMetrics) RecordKeyRotation()                                              {}
func (NopMetrics) RecordEnvelopeFailure()                                          {}
func (NopMetrics) RecordAdaptationDecision(time.Duration, domain.AdaptationResult) {}
func (NopMetrics) RecordRiskScore(float64)                                         {}
func (NopMetrics) RecordMitigation(domain.DirectiveKind)                           {}
