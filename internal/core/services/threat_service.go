package services

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"meshconf/internal/clock"
	"meshconf/internal/core/domain"
	"meshconf/internal/core/ports"
	"meshconf/internal/crypto"
	"meshconf/pkg/optimize"
	"meshconf/pkg/utils"

	"go.uber.org/zap"
)

const (
	lockDuration         = 15 * time.Minute
	addressBlockDuration = 60 * time.Minute
	profileRetention     = 24 * time.Hour
	sweepInterval        = 60 * time.Minute

	// Travel faster than this between consecutive geo samples is flagged.
	impossibleSpeedKmh = 1000.0

	earthRadiusKm = 6371.0
)

var threatSeverity = map[domain.ThreatKind]domain.Severity{
	domain.ThreatCredentialStuffing: domain.SeverityHigh,
	domain.ThreatDosAttempt:         domain.SeverityHigh,
	domain.ThreatImpossibleTravel:   domain.SeverityCritical,
}

type profileEntry struct {
	mu      sync.Mutex
	profile *domain.BehaviorProfile
}

// ThreatService keeps a behavior profile per principal, scores risk on every
// observation and issues automated mitigation directives.
type ThreatService struct {
	mu       sync.RWMutex
	profiles map[domain.Principal]*profileEntry

	mitMu         sync.Mutex
	lockedUntil   map[domain.Principal]time.Time
	blockedAddrs  map[string]time.Time
	stepUpSecrets map[domain.Principal]string

	alertMu sync.Mutex
	alerts  []*domain.SecurityAlert

	clock   clock.Clock
	bus     ports.EventBus
	repo    ports.StateRepository // optional persistence adaptor
	metrics MetricsSink
	logger  *zap.SugaredLogger
}

func NewThreatService(clk clock.Clock, bus ports.EventBus, repo ports.StateRepository, logger *zap.SugaredLogger) *ThreatService {
	if clk == nil {
		clk = clock.RealClock{}
	}
	s := &ThreatService{
		profiles:      make(map[domain.Principal]*profileEntry),
		lockedUntil:   make(map[domain.Principal]time.Time),
		blockedAddrs:  make(map[string]time.Time),
		stepUpSecrets: make(map[domain.Principal]string),
		clock:         clk,
		bus:           bus,
		repo:          repo,
		metrics:       NopMetrics{},
		logger:        logger,
	}
	s.restoreMitigations()
	return s
}

// SetMetrics attaches a measurement sink. Call before the service is
// shared between goroutines.
func (s *ThreatService) SetMetrics(m MetricsSink) {
	if m != nil {
		s.metrics = m
	}
}

func (s *ThreatService) restoreMitigations() {
	if s.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mitigations, err := s.repo.LoadMitigations(ctx)
	if err != nil {
		if s.logger != nil {
			s.logger.Warnw("could not restore mitigations", "error", err)
		}
		return
	}
	now := s.clock.Now()
	for _, m := range mitigations {
		if !m.ExpiresAt.IsZero() && m.ExpiresAt.Before(now) {
			continue
		}
		switch m.Kind {
		case domain.DirectiveLockPrincipal:
			s.lockedUntil[m.Principal] = m.ExpiresAt
		case domain.DirectiveBlockAddress:
			s.blockedAddrs[m.RemoteAddr] = m.ExpiresAt
		}
	}
}

func (s *ThreatService) entryFor(p domain.Principal) *profileEntry {
	s.mu.RLock()
	e, ok := s.profiles[p]
	s.mu.RUnlock()
	if ok {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.profiles[p]; ok {
		return e
	}
	e = &profileEntry{profile: &domain.BehaviorProfile{Principal: p}}
	s.profiles[p] = e
	return e
}

// Observe applies one behavioral event in arrival order for its principal
// and returns the alert it raised, if any.
func (s *ThreatService) Observe(ctx context.Context, obs domain.Observation) *domain.SecurityAlert {
	entry := s.entryFor(obs.Principal)
	entry.mu.Lock()

	p := entry.profile
	now := obs.Timestamp
	if now.IsZero() {
		now = s.clock.Now()
	}
	p.LastActivity = now

	switch obs.Action {
	case domain.ActionConnection:
		p.Connections = append(p.Connections, now)
	case domain.ActionMessage:
		p.Messages = append(p.Messages, now)
	case domain.ActionFailedAuth:
		p.FailedAuths = append(p.FailedAuths, now)
	case domain.ActionGeo:
		if obs.Geo != nil {
			g := *obs.Geo
			if g.At.IsZero() {
				g.At = now
			}
			p.GeoSamples = append(p.GeoSamples, g)
		}
	case domain.ActionFingerprint:
		if obs.Fingerprint != "" {
			p.Fingerprints = append(p.Fingerprints, obs.Fingerprint)
		}
	}

	p.RiskScore = riskScore(p, now)
	threats := detectThreats(p, now)
	trimProfile(p)

	var alert *domain.SecurityAlert
	if len(threats) > 0 || p.RiskScore >= 0.5 {
		alert = &domain.SecurityAlert{
			ID:        utils.GenerateID("alert"),
			Principal: obs.Principal,
			Timestamp: now,
			RiskScore: p.RiskScore,
			Threats:   threats,
			Severity:  severityFor(threats, p.RiskScore),
			Status:    domain.AlertOpen,
		}
	}
	score := p.RiskScore
	entry.mu.Unlock()

	s.metrics.RecordRiskScore(score)
	if alert == nil {
		return nil
	}

	s.alertMu.Lock()
	s.alerts = append(s.alerts, alert)
	s.alertMu.Unlock()

	s.applyMitigations(ctx, alert, obs)
	s.publishAlert(ctx, alert)
	return alert
}

// riskScore is a pure function of the profile windows; property tests rely
// on it being deterministic.
func riskScore(p *domain.BehaviorProfile, now time.Time) float64 {
	score := 0.0
	if countSince(p.Connections, now, time.Minute) > 10 {
		score += 0.3
	}
	if countSince(p.Messages, now, time.Minute) > 500 {
		score += 0.3
	}
	if countSince(p.FailedAuths, now, time.Hour) > 5 {
		score += 0.4
	}
	if speed, ok := latestTravelSpeed(p.GeoSamples); ok && speed > impossibleSpeedKmh {
		score += 0.5
	}
	if n := len(p.Fingerprints); n >= 2 && p.Fingerprints[n-1] != p.Fingerprints[n-2] {
		score += 0.2
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func detectThreats(p *domain.BehaviorProfile, now time.Time) []domain.ThreatKind {
	var threats []domain.ThreatKind
	if countSince(p.FailedAuths, now, 5*time.Minute) >= 5 {
		threats = append(threats, domain.ThreatCredentialStuffing)
	}
	if countSince(p.Connections, now, time.Minute) > 20 {
		threats = append(threats, domain.ThreatDosAttempt)
	}
	if speed, ok := latestTravelSpeed(p.GeoSamples); ok && speed > impossibleSpeedKmh {
		threats = append(threats, domain.ThreatImpossibleTravel)
	}
	return threats
}

func severityFor(threats []domain.ThreatKind, risk float64) domain.Severity {
	highest := domain.SeverityLow
	for _, t := range threats {
		if sev, ok := threatSeverity[t]; ok {
			if sev == domain.SeverityCritical {
				return domain.SeverityCritical
			}
			if sev == domain.SeverityHigh {
				highest = domain.SeverityHigh
			}
		}
	}
	switch {
	case risk >= 0.9:
		return domain.SeverityCritical
	case highest == domain.SeverityHigh || risk >= 0.7:
		return domain.SeverityHigh
	case risk >= 0.5:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

func countSince(events []time.Time, now time.Time, window time.Duration) int {
	n := 0
	for _, t := range events {
		if now.Sub(t) <= window && !t.After(now) {
			n++
		}
	}
	return n
}

// latestTravelSpeed returns the implied speed in km/h between the two most
// recent geo samples.
func latestTravelSpeed(samples []domain.GeoSample) (float64, bool) {
	if len(samples) < 2 {
		return 0, false
	}
	a := samples[len(samples)-2]
	b := samples[len(samples)-1]
	elapsed := b.At.Sub(a.At)
	if elapsed <= 0 {
		return math.Inf(1), true
	}
	km := haversineKm(a.Lat, a.Lon, b.Lat, b.Lon)
	return km / elapsed.Hours(), true
}

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func trimProfile(p *domain.BehaviorProfile) {
	p.Connections = optimize.Rewindow(p.Connections, domain.MaxConnectionEvents)
	p.Messages = optimize.Rewindow(p.Messages, domain.MaxMessageEvents)
	p.FailedAuths = optimize.Rewindow(p.FailedAuths, domain.MaxFailedAuthEvents)
	p.GeoSamples = optimize.Rewindow(p.GeoSamples, domain.MaxGeoSamples)
	p.Fingerprints = optimize.Rewindow(p.Fingerprints, domain.MaxFingerprints)
}

func (s *ThreatService) applyMitigations(ctx context.Context, alert *domain.SecurityAlert, obs domain.Observation) {
	now := s.clock.Now()
	s.mitMu.Lock()
	defer s.mitMu.Unlock()

	for _, threat := range alert.Threats {
		var m *domain.Mitigation
		switch threat {
		case domain.ThreatCredentialStuffing:
			expires := now.Add(lockDuration)
			s.lockedUntil[alert.Principal] = expires
			m = &domain.Mitigation{
				Kind:      domain.DirectiveLockPrincipal,
				Principal: alert.Principal,
				IssuedAt:  now,
				ExpiresAt: expires,
			}
		case domain.ThreatDosAttempt:
			if obs.RemoteAddr == "" {
				continue
			}
			expires := now.Add(addressBlockDuration)
			s.blockedAddrs[obs.RemoteAddr] = expires
			m = &domain.Mitigation{
				Kind:       domain.DirectiveBlockAddress,
				RemoteAddr: obs.RemoteAddr,
				IssuedAt:   now,
				ExpiresAt:  expires,
			}
		case domain.ThreatImpossibleTravel:
			if _, ok := s.stepUpSecrets[alert.Principal]; !ok {
				secret, err := crypto.GenerateTOTPSecret(string(alert.Principal))
				if err != nil {
					if s.logger != nil {
						s.logger.Warnw("step-up secret generation failed", "error", err)
					}
					continue
				}
				s.stepUpSecrets[alert.Principal] = secret
			}
			m = &domain.Mitigation{
				Kind:      domain.DirectiveStepUpAuth,
				Principal: alert.Principal,
				IssuedAt:  now,
			}
		}
		if m == nil {
			continue
		}
		s.metrics.RecordMitigation(m.Kind)
		if s.repo != nil {
			if err := s.repo.SaveMitigation(ctx, m); err != nil && s.logger != nil {
				s.logger.Warnw("could not persist mitigation", "kind", m.Kind, "error", err)
			}
		}
		if s.logger != nil {
			s.logger.Infow("mitigation applied",
				"threat", threat,
				"principal", alert.Principal,
				"severity", alert.Severity,
			)
		}
	}
}

func (s *ThreatService) publishAlert(ctx context.Context, alert *domain.SecurityAlert) {
	if s.bus == nil {
		return
	}
	payload, _ := json.Marshal(alert)
	_ = s.bus.Publish(ctx, &domain.Event{
		Type:      domain.EventSecurityAlert,
		Timestamp: alert.Timestamp,
		Payload:   payload,
	})
}

func (s *ThreatService) IsLocked(principal domain.Principal) bool {
	s.mitMu.Lock()
	defer s.mitMu.Unlock()
	until, ok := s.lockedUntil[principal]
	if !ok {
		return false
	}
	if s.clock.Now().After(until) {
		delete(s.lockedUntil, principal)
		return false
	}
	return true
}

func (s *ThreatService) IsAddressBlocked(addr string) bool {
	s.mitMu.Lock()
	defer s.mitMu.Unlock()
	until, ok := s.blockedAddrs[addr]
	if !ok {
		return false
	}
	if s.clock.Now().After(until) {
		delete(s.blockedAddrs, addr)
		return false
	}
	return true
}

func (s *ThreatService) StepUpRequired(principal domain.Principal) bool {
	s.mitMu.Lock()
	defer s.mitMu.Unlock()
	_, ok := s.stepUpSecrets[principal]
	return ok
}

// SatisfyStepUp clears the step-up requirement when the code verifies.
func (s *ThreatService) SatisfyStepUp(principal domain.Principal, totpCode string) bool {
	s.mitMu.Lock()
	secret, ok := s.stepUpSecrets[principal]
	s.mitMu.Unlock()
	if !ok {
		return true // nothing required
	}
	if !crypto.VerifyTOTP(totpCode, secret, s.clock.Now()) {
		return false
	}
	s.mitMu.Lock()
	delete(s.stepUpSecrets, principal)
	s.mitMu.Unlock()
	if s.repo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.repo.DeleteMitigation(ctx, domain.DirectiveStepUpAuth, string(principal))
	}
	return true
}

// StepUpSecret exposes the shared secret so an out-of-band channel can
// enroll the principal's authenticator.
func (s *ThreatService) StepUpSecret(principal domain.Principal) (string, bool) {
	s.mitMu.Lock()
	defer s.mitMu.Unlock()
	secret, ok := s.stepUpSecrets[principal]
	return secret, ok
}

func (s *ThreatService) Profile(principal domain.Principal) (*domain.BehaviorProfile, bool) {
	s.mu.RLock()
	e, ok := s.profiles[principal]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	snapshot := *e.profile
	return &snapshot, true
}

func (s *ThreatService) Alerts() []*domain.SecurityAlert {
	s.alertMu.Lock()
	defer s.alertMu.Unlock()
	out := make([]*domain.SecurityAlert, len(s.alerts))
	copy(out, s.alerts)
	return out
}

// StartSweeper purges profiles and alerts idle longer than the retention
// window.
func (s *ThreatService) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

func (s *ThreatService) sweep() {
	now := s.clock.Now()

	s.mu.Lock()
	for principal, entry := range s.profiles {
		entry.mu.Lock()
		idle := now.Sub(entry.profile.LastActivity) > profileRetention
		entry.mu.Unlock()
		if idle {
			delete(s.profiles, principal)
		}
	}
	s.mu.Unlock()

	s.alertMu.Lock()
	live := s.alerts[:0]
	for _, a := range s.alerts {
		if now.Sub(a.Timestamp) <= profileRetention {
			live = append(live, a)
		}
	}
	s.alerts = live
	s.alertMu.Unlock()
}

var _ ports.ThreatService = (*ThreatService)(nil)
