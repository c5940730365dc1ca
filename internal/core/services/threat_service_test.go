package services_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"meshconf/internal/clock"
	"meshconf/internal/core/domain"
	"meshconf/internal/core/services"
	"meshconf/internal/crypto"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newThreatService(clk clock.Clock) *services.ThreatService {
	return services.NewThreatService(clk, nil, nil, nil)
}

func TestObserve_CleanTrafficRaisesNothing(t *testing.T) {
	svc := newThreatService(nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		alert := svc.Observe(ctx, domain.Observation{
			Principal: "Alice",
			Action:    domain.ActionMessage,
		})
		assert.Nil(t, alert)
	}

	profile, ok := svc.Profile("Alice")
	require.True(t, ok)
	assert.Zero(t, profile.RiskScore)
}

func TestObserve_CredentialStuffingLocksPrincipal(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	svc := newThreatService(clk)
	ctx := context.Background()

	var alert *domain.SecurityAlert
	for i := 0; i < 5; i++ {
		alert = svc.Observe(ctx, domain.Observation{
			Principal:  "Mallory",
			Action:     domain.ActionFailedAuth,
			Timestamp:  clk.Now(),
			RemoteAddr: "198.51.100.7",
		})
		clk.Advance(10 * time.Second)
	}

	require.NotNil(t, alert)
	assert.Contains(t, alert.Threats, domain.ThreatCredentialStuffing)
	assert.True(t, svc.IsLocked("Mallory"))
	assert.False(t, svc.IsLocked("Alice"))

	// The lock expires after fifteen minutes.
	clk.Advance(15 * time.Minute)
	assert.False(t, svc.IsLocked("Mallory"))
}

func TestObserve_DosAttemptBlocksAddress(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	svc := newThreatService(clk)
	ctx := context.Background()

	var alert *domain.SecurityAlert
	for i := 0; i < 21; i++ {
		alert = svc.Observe(ctx, domain.Observation{
			Principal:  "Flood",
			Action:     domain.ActionConnection,
			Timestamp:  clk.Now(),
			RemoteAddr: "203.0.113.9",
		})
		clk.Advance(time.Second)
	}

	require.NotNil(t, alert)
	assert.Contains(t, alert.Threats, domain.ThreatDosAttempt)
	assert.True(t, svc.IsAddressBlocked("203.0.113.9"))
	assert.False(t, svc.IsAddressBlocked("192.0.2.1"))

	// The address block expires after sixty minutes.
	clk.Advance(61 * time.Minute)
	assert.False(t, svc.IsAddressBlocked("203.0.113.9"))
}

func TestObserve_ImpossibleTravel(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	svc := newThreatService(clk)
	ctx := context.Background()

	start := clk.Now()
	alert := svc.Observe(ctx, domain.Observation{
		Principal: "Traveler",
		Action:    domain.ActionGeo,
		Timestamp: start,
		Geo:       &domain.GeoSample{Lat: 0, Lon: 0, At: start},
	})
	assert.Nil(t, alert)

	// Ninety degrees of longitude in thirty seconds is around ten
	// thousand kilometres, far past any plausible travel speed.
	later := start.Add(30 * time.Second)
	alert = svc.Observe(ctx, domain.Observation{
		Principal: "Traveler",
		Action:    domain.ActionGeo,
		Timestamp: later,
		Geo:       &domain.GeoSample{Lat: 0, Lon: 90, At: later},
	})

	require.NotNil(t, alert)
	assert.Contains(t, alert.Threats, domain.ThreatImpossibleTravel)
	assert.Equal(t, domain.SeverityCritical, alert.Severity)
	assert.True(t, svc.StepUpRequired("Traveler"))
	assert.False(t, svc.IsLocked("Traveler"))
}

func TestSatisfyStepUp(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	svc := newThreatService(clk)
	ctx := context.Background()

	start := clk.Now()
	svc.Observe(ctx, domain.Observation{
		Principal: "Traveler",
		Action:    domain.ActionGeo,
		Timestamp: start,
		Geo:       &domain.GeoSample{Lat: 0, Lon: 0, At: start},
	})
	later := start.Add(30 * time.Second)
	svc.Observe(ctx, domain.Observation{
		Principal: "Traveler",
		Action:    domain.ActionGeo,
		Timestamp: later,
		Geo:       &domain.GeoSample{Lat: 0, Lon: 90, At: later},
	})
	require.True(t, svc.StepUpRequired("Traveler"))

	// Wrong code leaves the requirement in place.
	assert.False(t, svc.SatisfyStepUp("Traveler", "000000"))
	assert.True(t, svc.StepUpRequired("Traveler"))

	// A code generated from the shared secret clears it.
	secret, ok := svc.StepUpSecret("Traveler")
	require.True(t, ok)
	code, err := crypto.GenerateTOTPCode(secret, clk.Now())
	require.NoError(t, err)
	assert.True(t, svc.SatisfyStepUp("Traveler", code))
	assert.False(t, svc.StepUpRequired("Traveler"))

	// No requirement pending means any code passes.
	assert.True(t, svc.SatisfyStepUp("Nobody", "123456"))
}

func TestRiskScore_Deterministic(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	run := func() float64 {
		clk := clock.NewFake(base)
		svc := newThreatService(clk)
		ctx := context.Background()
		for i := 0; i < 12; i++ {
			svc.Observe(ctx, domain.Observation{
				Principal: "P",
				Action:    domain.ActionConnection,
				Timestamp: base.Add(time.Duration(i) * time.Second),
			})
		}
		svc.Observe(ctx, domain.Observation{
			Principal:   "P",
			Action:      domain.ActionFingerprint,
			Timestamp:   base.Add(13 * time.Second),
			Fingerprint: "fp-one",
		})
		svc.Observe(ctx, domain.Observation{
			Principal:   "P",
			Action:      domain.ActionFingerprint,
			Timestamp:   base.Add(14 * time.Second),
			Fingerprint: "fp-two",
		})
		profile, _ := svc.Profile("P")
		return profile.RiskScore
	}

	first := run()
	// 11+ connections in a minute (+0.3) and a fingerprint change (+0.2).
	assert.InDelta(t, 0.5, first, 1e-9)
	for i := 0; i < 3; i++ {
		assert.Equal(t, first, run())
	}
}

func TestRiskScore_CapsAtOne(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	svc := newThreatService(clk)
	ctx := context.Background()
	now := clk.Now()

	for i := 0; i < 30; i++ {
		svc.Observe(ctx, domain.Observation{Principal: "P", Action: domain.ActionConnection, Timestamp: now})
	}
	for i := 0; i < 501; i++ {
		svc.Observe(ctx, domain.Observation{Principal: "P", Action: domain.ActionMessage, Timestamp: now})
	}
	for i := 0; i < 6; i++ {
		svc.Observe(ctx, domain.Observation{Principal: "P", Action: domain.ActionFailedAuth, Timestamp: now})
	}

	profile, ok := svc.Profile("P")
	require.True(t, ok)
	assert.LessOrEqual(t, profile.RiskScore, 1.0)
	assert.InDelta(t, 1.0, profile.RiskScore, 1e-9)
}

func TestProfileWindows_Bounded(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	svc := newThreatService(clk)
	ctx := context.Background()

	for i := 0; i < 700; i++ {
		svc.Observe(ctx, domain.Observation{
			Principal: "Chatty",
			Action:    domain.ActionMessage,
			Timestamp: clk.Now(),
		})
		clk.Advance(time.Millisecond)
	}

	profile, ok := svc.Profile("Chatty")
	require.True(t, ok)
	assert.LessOrEqual(t, len(profile.Messages), domain.MaxMessageEvents)
}

func TestObserve_PerPrincipalIsolation(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	svc := newThreatService(clk)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		svc.Observe(ctx, domain.Observation{
			Principal: domain.Principal(fmt.Sprintf("user-%d", i)),
			Action:    domain.ActionFailedAuth,
			Timestamp: clk.Now(),
		})
	}

	// Six failures spread over six principals trip nothing.
	for i := 0; i < 6; i++ {
		assert.False(t, svc.IsLocked(domain.Principal(fmt.Sprintf("user-%d", i))))
	}
}
