package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"meshconf/internal/client"
	"meshconf/internal/core/domain"
	"meshconf/internal/core/services"
	"meshconf/pkg/logger"
)

// agent is a headless conference participant: it joins a room over the
// signaling fabric, opens a peer transport per remote member and drives the
// adaptive media loop off the transport stats.
func main() {
	var (
		signalURL   = flag.String("signal", "ws://localhost:8081/ws", "signaling websocket url")
		roomID      = flag.String("room", "", "room to join")
		displayName = flag.String("name", "agent", "display name")
		logLevel    = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	zlog := logger.New(*logLevel).Sugar()
	defer zlog.Sync()

	if *roomID == "" {
		zlog.Fatalw("a room id is required, pass -room")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	controller := services.NewMediaController(zlog)
	caps := &domain.DeviceCaps{
		MaxWidth:     1920,
		MaxHeight:    1080,
		LogicalCores: 4,
		Codecs:       []string{domain.CodecVP9, domain.CodecVP8, domain.CodecH264},
	}

	supervisor := client.NewSupervisor(
		func(remoteID string, role domain.Role) (client.MediaTransport, error) {
			return client.NewPionTransport(
				[]string{"stun:stun.l.google.com:19302"},
				remoteID,
				domain.ProfileMedium.Spec(),
				zlog,
			)
		},
		zlog,
		client.SupervisorOptions{
			OnHandleFailed: func(handleID, remoteID string) {
				zlog.Warnw("peer handle failed permanently", "handle_id", handleID, "remote_id", remoteID)
			},
		},
	)
	defer supervisor.DestroyAll()

	// Per-handle adaptation state. Sinks fire on the supervisor's sampler
	// goroutines, so the map needs the lock.
	type peerState struct {
		profile    domain.QualityProfile
		hysteresis *services.HysteresisBuffer
	}
	var peersMu sync.Mutex
	peers := make(map[string]*peerState)

	adapt := func(handleID string, sample domain.StatsSample) {
		peersMu.Lock()
		state, ok := peers[handleID]
		var current domain.QualityProfile
		if ok {
			current = state.profile
		}
		peersMu.Unlock()
		if !ok {
			return
		}
		result := controller.Decide(current, domain.NetworkSample{
			BandwidthBps: sample.BandwidthBps,
			RTT:          sample.RTT,
			PacketLoss:   sample.PacketLoss,
			Jitter:       sample.Jitter,
			Timestamp:    sample.Timestamp,
		}, caps, nil)
		result = state.hysteresis.Filter(result, time.Now())
		if result.ToProfile == current {
			return
		}
		if err := supervisor.ApplyProfile(handleID, result.ToProfile); err != nil {
			return
		}
		peersMu.Lock()
		state.profile = result.ToProfile
		peersMu.Unlock()
		zlog.Infow("profile adapted",
			"handle_id", handleID,
			"from", result.FromProfile,
			"to", result.ToProfile,
			"reasons", result.Reasons,
		)
	}

	attachPeer := func(remoteID string) {
		handleID, err := supervisor.Create(remoteID, domain.RoleParticipant)
		if err != nil {
			zlog.Warnw("peer create failed", "remote_id", remoteID, "error", err)
			return
		}
		peersMu.Lock()
		peers[handleID] = &peerState{
			profile:    domain.ProfileMedium,
			hysteresis: services.NewHysteresisBuffer(),
		}
		peersMu.Unlock()
		supervisor.AttachStatsSink(handleID, adapt)
	}

	handler := client.SignalHandler{
		OnUserJoined: func(user domain.RosterEntry) {
			zlog.Infow("user joined", "connection_id", user.ConnectionID, "display_name", user.DisplayName)
			attachPeer(string(user.ConnectionID))
		},
		OnUserLeft: func(connectionID string) {
			zlog.Infow("user left", "connection_id", connectionID)
			if handleID, ok := supervisor.HandleFor(connectionID); ok {
				supervisor.Destroy(handleID)
			}
		},
		OnKeyRotated: func(keyID string) {
			zlog.Infow("room key rotated", "key_id", keyID)
		},
		OnError: func(code, message string) {
			zlog.Warnw("fabric error", "code", code, "message", message)
		},
	}

	sc, err := client.DialSignal(ctx, *signalURL, handler, zlog)
	if err != nil {
		zlog.Fatalw("signal dial failed", "error", err)
	}
	defer sc.Close()

	token, _, err := sc.RequestToken(ctx, *roomID, *displayName)
	if err != nil {
		zlog.Fatalw("token request failed", "error", err)
	}

	joined, err := sc.Join(ctx, *roomID, *displayName, token, "", "")
	if err != nil {
		zlog.Fatalw("join failed", "error", err)
	}
	zlog.Infow("joined room",
		"room_id", *roomID,
		"connection_id", sc.ConnectionID(),
		"members", len(joined.Users),
		"key_id", joined.CurrentKeyID,
	)

	for _, user := range joined.Users {
		attachPeer(string(user.ConnectionID))
	}

	<-ctx.Done()
	zlog.Infow("shutting down")
	if err := sc.Leave(); err == nil {
		time.Sleep(200 * time.Millisecond)
	}
	os.Exit(0)
}
