package services_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"meshconf/internal/clock"
	"meshconf/internal/core/domain"
	"meshconf/internal/core/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSink struct {
	mu               sync.Mutex
	rotations        int
	envelopeFailures int
	decisions        int
	riskScores       []float64
	mitigations      []domain.DirectiveKind
}

func (c *countingSink) RecordKeyRotation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rotations++
}

func (c *countingSink) RecordEnvelopeFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envelopeFailures++
}

func (c *countingSink) RecordAdaptationDecision(time.Duration, domain.AdaptationResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decisions++
}

func (c *countingSink) RecordRiskScore(score float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.riskScores = append(c.riskScores, score)
}

func (c *countingSink) RecordMitigation(kind domain.DirectiveKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mitigations = append(c.mitigations, kind)
}

func TestEncryption_ReportsRotationsAndFailures(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	svc := newEncryptionService(t, services.DefaultEncryptionConfig(), clk)
	sink := &countingSink{}
	svc.SetMetrics(sink)
	ctx := context.Background()

	// First encrypt creates the room key, which counts as a rotation.
	env, err := svc.Encrypt(ctx, "room-metric", []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, 1, sink.rotations)

	clk.Advance(5 * time.Minute)
	_, err = svc.Encrypt(ctx, "room-metric", []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, 2, sink.rotations)

	env.Ciphertext[0] ^= 0xff
	_, err = svc.Decrypt(ctx, "room-metric", env)
	require.Error(t, err)
	assert.Equal(t, 1, sink.envelopeFailures)
}

func TestThreat_ReportsScoresAndMitigations(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	svc := newThreatService(clk)
	sink := &countingSink{}
	svc.SetMetrics(sink)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		svc.Observe(ctx, domain.Observation{
			Principal:  "Mallory",
			Action:     domain.ActionFailedAuth,
			Timestamp:  clk.Now(),
			RemoteAddr: "198.51.100.7",
		})
		clk.Advance(10 * time.Second)
	}

	assert.Len(t, sink.riskScores, 5)
	assert.Contains(t, sink.mitigations, domain.DirectiveLockPrincipal)
}

func TestMediaController_ReportsDecisions(t *testing.T) {
	controller := services.NewMediaController(nil)
	sink := &countingSink{}
	controller.SetMetrics(sink)

	controller.Decide(domain.ProfileMedium, domain.NetworkSample{
		BandwidthBps: 2_000_000,
		RTT:          40 * time.Millisecond,
	}, nil, nil)

	assert.Equal(t, 1, sink.decisions)
}
