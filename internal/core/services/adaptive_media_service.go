package services

import (
	"fmt"
	"time"

	"meshconf/internal/core/domain"
	"meshconf/internal/core/ports"

	"go.uber.org/zap"
)

const (
	// Above this the host is considered saturated outright.
	cpuHardLimit = 80.0
	// Above this with a rising trend the guard also fires.
	cpuSoftLimit = 65.0

	// Fraction of the bandwidth estimate a profile may consume.
	bandwidthHeadroom = 0.75
)

// codecFallback is the preference order used when a profile's preferred
// codec is not in the device support set.
var codecFallback = []string{domain.CodecVP9, domain.CodecVP8, domain.CodecH264}

// MediaController picks a quality profile from network telemetry, device
// capability and host load. It holds no per-peer state; callers that want
// smoothing keep their own HysteresisBuffer.
type MediaController struct {
	metrics MetricsSink
	logger  *zap.SugaredLogger
}

func NewMediaController(logger *zap.SugaredLogger) *MediaController {
	return &MediaController{metrics: NopMetrics{}, logger: logger}
}

// SetMetrics attaches a measurement sink.
func (c *MediaController) SetMetrics(m MetricsSink) {
	if m != nil {
		c.metrics = m
	}
}

// Decide returns the raw profile decision for one stats sample. Upward
// moves are proposed here and gated by the caller's hysteresis buffer;
// downward moves take effect immediately.
func (c *MediaController) Decide(current domain.QualityProfile, net domain.NetworkSample, caps *domain.DeviceCaps, load *domain.HostLoad) domain.AdaptationResult {
	start := time.Now()
	reasons := make([]string, 0, 8)

	ceiling := domain.ProfileUltra
	if caps == nil {
		ceiling = domain.ProfileMedium
		reasons = append(reasons, "missing-device-caps")
	}
	if load == nil {
		if ceiling.Rank() > domain.ProfileMedium.Rank() {
			ceiling = domain.ProfileMedium
		}
		reasons = append(reasons, "missing-host-load")
	}

	feasible := make([]domain.QualityProfile, 0, 5)
	for _, p := range domain.Profiles() {
		spec := p.Spec()
		if p.Rank() > ceiling.Rank() {
			reasons = append(reasons, fmt.Sprintf("%s:capped", p))
			continue
		}
		if spec.BitrateBps > int(float64(net.BandwidthBps)*bandwidthHeadroom) {
			reasons = append(reasons, fmt.Sprintf("%s:bandwidth", p))
			continue
		}
		if net.RTT+expectedQueueing(net) > spec.LatencyBudget {
			reasons = append(reasons, fmt.Sprintf("%s:latency", p))
			continue
		}
		if caps != nil {
			if spec.Width > caps.MaxWidth || spec.Height > caps.MaxHeight {
				reasons = append(reasons, fmt.Sprintf("%s:resolution", p))
				continue
			}
			if !supportsAnyCodec(*caps, spec.Codec) {
				reasons = append(reasons, fmt.Sprintf("%s:codec", p))
				continue
			}
		}
		feasible = append(feasible, p)
	}

	// minimal is always reachable; a session that cannot even hold
	// minimal is the transport's problem, not the controller's.
	if len(feasible) == 0 {
		feasible = append(feasible, domain.ProfileMinimal)
		reasons = append(reasons, "floor:minimal")
	}

	target := feasible[0]
	if load != nil && cpuGuardActive(*load) && len(feasible) > 1 {
		target = feasible[1]
		reasons = append(reasons, "cpu-guard")
	} else if load != nil && cpuGuardActive(*load) && target != domain.ProfileMinimal {
		target = domain.ProfileBelow(target)
		reasons = append(reasons, "cpu-guard")
	}

	result := domain.AdaptationResult{
		FromProfile:    current,
		ToProfile:      target,
		Reasons:        reasons,
		DecisionTimeMs: float64(time.Since(start).Microseconds()) / 1000.0,
	}
	c.metrics.RecordAdaptationDecision(time.Since(start), result)
	if c.logger != nil && target != current {
		c.logger.Debugw("profile decision",
			"from", current,
			"to", target,
			"bandwidth_bps", net.BandwidthBps,
			"rtt_ms", net.RTT.Milliseconds(),
			"reasons", reasons,
		)
	}
	return result
}

// expectedQueueing estimates queueing delay from jitter; twice the measured
// jitter tracks the p95 of observed queue depth closely enough for gating.
func expectedQueueing(net domain.NetworkSample) time.Duration {
	q := 2 * net.Jitter
	if net.PacketLoss > 0.05 {
		q += 10 * time.Millisecond
	}
	return q
}

func cpuGuardActive(load domain.HostLoad) bool {
	return load.CPUPercent > cpuHardLimit ||
		(load.CPUPercent > cpuSoftLimit && load.Trend == domain.TrendRising)
}

func supportsAnyCodec(caps domain.DeviceCaps, preferred string) bool {
	if caps.Supports(preferred) {
		return true
	}
	for _, c := range codecFallback {
		if caps.Supports(c) {
			return true
		}
	}
	return false
}

// HysteresisBuffer smooths upward transitions for one peer: moving up
// requires three consecutive favorable decisions inside the window, moving
// down is immediate. The buffer belongs to the caller, never the controller.
type HysteresisBuffer struct {
	window    time.Duration
	required  int
	favorable []time.Time
}

func NewHysteresisBuffer() *HysteresisBuffer {
	return &HysteresisBuffer{window: 3 * time.Second, required: 3}
}

// Filter adjusts a raw decision against the buffer and records the sample.
func (h *HysteresisBuffer) Filter(result domain.AdaptationResult, now time.Time) domain.AdaptationResult {
	if result.ToProfile.Rank() <= result.FromProfile.Rank() {
		h.favorable = h.favorable[:0]
		return result
	}

	h.favorable = append(h.favorable, now)
	live := h.favorable[:0]
	for _, t := range h.favorable {
		if now.Sub(t) <= h.window {
			live = append(live, t)
		}
	}
	h.favorable = live

	if len(h.favorable) < h.required {
		result.ToProfile = result.FromProfile
		result.Reasons = append(result.Reasons, "hysteresis")
	} else {
		h.favorable = h.favorable[:0]
	}
	return result
}

var _ ports.MediaController = (*MediaController)(nil)
