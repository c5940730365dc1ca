package client

import (
	"context"
	"sync"
	"time"

	"meshconf/internal/core/domain"
	"meshconf/pkg/retry"
	"meshconf/pkg/utils"

	"go.uber.org/zap"
)

// StatsSink receives periodic transport samples. The handle id is opaque;
// sinks firing against a destroyed id are silently ignored.
type StatsSink func(handleID string, sample domain.StatsSample)

// TransportFactory builds the media transport for one remote peer.
type TransportFactory func(remoteID string, role domain.Role) (MediaTransport, error)

const statsSampleInterval = 5 * time.Second

// Supervisor owns every peer transport on one client. Handles are never
// shared; callers hold only the opaque id, so a destroyed handle cannot be
// touched again.
type Supervisor struct {
	mu       sync.Mutex
	factory  TransportFactory
	byRemote map[string]*handle
	byID     map[string]*handle

	restartCfg    retry.Config
	statsInterval time.Duration
	onFailed      func(handleID, remoteID string)
	logger        *zap.SugaredLogger
}

type handle struct {
	id        string
	remoteID  string
	transport MediaTransport
	profile   domain.QualityProfile

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	restarting bool
}

type SupervisorOptions struct {
	// RestartAttempts bounds ICE recovery tries; delays double from
	// RestartInitialDelay up to RestartMaxDelay.
	RestartAttempts     int
	RestartInitialDelay time.Duration
	RestartMaxDelay     time.Duration

	// StatsInterval overrides the five second sampling cadence (tests).
	StatsInterval time.Duration

	// OnHandleFailed fires after ICE recovery is exhausted and the handle
	// has been destroyed. Callers may re-create.
	OnHandleFailed func(handleID, remoteID string)
}

func NewSupervisor(factory TransportFactory, logger *zap.SugaredLogger, opts SupervisorOptions) *Supervisor {
	if opts.RestartAttempts <= 0 {
		opts.RestartAttempts = 3
	}
	if opts.RestartInitialDelay <= 0 {
		opts.RestartInitialDelay = time.Second
	}
	if opts.RestartMaxDelay <= 0 {
		opts.RestartMaxDelay = 4 * time.Second
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = statsSampleInterval
	}
	return &Supervisor{
		factory:  factory,
		byRemote: make(map[string]*handle),
		byID:     make(map[string]*handle),
		restartCfg: retry.Config{
			Enabled:      true,
			MaxAttempts:  opts.RestartAttempts,
			InitialDelay: opts.RestartInitialDelay,
			MaxDelay:     opts.RestartMaxDelay,
			Multiplier:   2.0,
		},
		statsInterval: opts.StatsInterval,
		onFailed:      opts.OnHandleFailed,
		logger:        logger,
	}
}

// Create builds a transport for remoteID and registers it. A second Create
// for the same remote destroys the prior handle first.
func (s *Supervisor) Create(remoteID string, role domain.Role) (string, error) {
	s.mu.Lock()
	prior := s.byRemote[remoteID]
	s.mu.Unlock()
	if prior != nil {
		s.destroyHandle(prior)
	}

	transport, err := s.factory(remoteID, role)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &handle{
		id:        utils.GenerateHandleID(),
		remoteID:  remoteID,
		transport: transport,
		ctx:       ctx,
		cancel:    cancel,
	}

	transport.OnICEFailed(func() {
		go s.recoverICE(h)
	})

	s.mu.Lock()
	s.byRemote[remoteID] = h
	s.byID[h.id] = h
	s.mu.Unlock()

	s.logger.Infow("peer handle created", "handle_id", h.id, "remote_id", remoteID, "role", role)
	return h.id, nil
}

// AttachStatsSink samples the transport every five seconds until the handle
// is destroyed.
func (s *Supervisor) AttachStatsSink(handleID string, sink StatsSink) bool {
	s.mu.Lock()
	h, ok := s.byID[handleID]
	s.mu.Unlock()
	if !ok {
		return false
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(s.statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-h.ctx.Done():
				return
			case <-ticker.C:
				sink(h.id, h.transport.Stats())
			}
		}
	}()
	return true
}

// ApplyProfile updates the outbound encoding target. Re-applying the active
// profile is a no-op; the transport is never torn down.
func (s *Supervisor) ApplyProfile(handleID string, profile domain.QualityProfile) error {
	s.mu.Lock()
	h, ok := s.byID[handleID]
	s.mu.Unlock()
	if !ok {
		return domain.ErrDestinationUnknown
	}
	if h.profile == profile {
		return nil
	}
	if err := h.transport.ApplyEncoding(profile.Spec()); err != nil {
		return err
	}
	s.mu.Lock()
	h.profile = profile
	s.mu.Unlock()
	s.logger.Infow("profile applied", "handle_id", handleID, "profile", profile)
	return nil
}

// Transport exposes the handle's transport for signaling glue (offers,
// answers, candidates). Returns nil for unknown ids.
func (s *Supervisor) Transport(handleID string) MediaTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.byID[handleID]; ok {
		return h.transport
	}
	return nil
}

// HandleFor returns the handle id registered for a remote peer.
func (s *Supervisor) HandleFor(remoteID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.byRemote[remoteID]
	if !ok {
		return "", false
	}
	return h.id, true
}

// Destroy cancels the handle's samplers, closes the transport and returns
// only after every owned goroutine has exited.
func (s *Supervisor) Destroy(handleID string) {
	s.mu.Lock()
	h, ok := s.byID[handleID]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.destroyHandle(h)
}

// DestroyAll releases every registered handle.
func (s *Supervisor) DestroyAll() {
	s.mu.Lock()
	handles := make([]*handle, 0, len(s.byID))
	for _, h := range s.byID {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		s.destroyHandle(h)
	}
}

// HandleCount reports registry size.
func (s *Supervisor) HandleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

func (s *Supervisor) destroyHandle(h *handle) {
	s.mu.Lock()
	if _, ok := s.byID[h.id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.byID, h.id)
	if s.byRemote[h.remoteID] == h {
		delete(s.byRemote, h.remoteID)
	}
	s.mu.Unlock()

	h.cancel()
	h.wg.Wait()
	if err := h.transport.Close(); err != nil {
		s.logger.Warnw("transport close failed", "handle_id", h.id, "error", err)
	}
	s.logger.Infow("peer handle destroyed", "handle_id", h.id, "remote_id", h.remoteID)
}

// recoverICE drives the restart schedule after the transport reports
// ice-failed. Delays follow 1s, 2s, 4s; exhaustion destroys the handle.
func (s *Supervisor) recoverICE(h *handle) {
	s.mu.Lock()
	if h.restarting || s.byID[h.id] == nil {
		s.mu.Unlock()
		return
	}
	h.restarting = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		h.restarting = false
		s.mu.Unlock()
	}()

	for attempt := 0; attempt < s.restartCfg.MaxAttempts; attempt++ {
		delay := retry.Delay(s.restartCfg, attempt)
		select {
		case <-h.ctx.Done():
			return
		case <-time.After(delay):
		}

		s.logger.Infow("attempting ice restart",
			"handle_id", h.id,
			"remote_id", h.remoteID,
			"attempt", attempt+1,
		)
		if err := h.transport.RestartICE(h.ctx); err == nil {
			s.logger.Infow("ice restart succeeded", "handle_id", h.id, "attempt", attempt+1)
			return
		} else if h.ctx.Err() != nil {
			return
		} else {
			s.logger.Warnw("ice restart failed", "handle_id", h.id, "attempt", attempt+1, "error", err)
		}
	}

	s.logger.Warnw("ice recovery exhausted, destroying handle",
		"handle_id", h.id,
		"remote_id", h.remoteID,
	)
	handleID, remoteID := h.id, h.remoteID
	s.destroyHandle(h)
	if s.onFailed != nil {
		s.onFailed(handleID, remoteID)
	}
}
