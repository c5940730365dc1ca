package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"meshconf/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// MediaTransport is the supervisor's view of one peer transport. The pion
// implementation below is the real one; tests substitute fakes.
type MediaTransport interface {
	// RestartICE renegotiates connectivity and blocks until ICE reaches
	// connected again or ctx expires.
	RestartICE(ctx context.Context) error
	ApplyEncoding(spec domain.ProfileSpec) error
	Stats() domain.StatsSample
	OnICEFailed(fn func())
	Close() error
}

const iceEstablishTimeout = 15 * time.Second

// PionTransport wraps a pion PeerConnection with an outbound video track,
// a bitrate pacer and RTCP-derived stats.
type PionTransport struct {
	pc     *webrtc.PeerConnection
	track  *webrtc.TrackLocalStaticRTP
	sender *webrtc.RTPSender

	mu        sync.Mutex
	spec      domain.ProfileSpec
	pacer     *rate.Limiter
	onFailed  func()
	connected chan struct{}

	// RTP accounting for the bandwidth estimate.
	bytesSent  atomic.Int64
	lastSample atomic.Int64 // unix nanos of the previous Stats call
	lastBytes  atomic.Int64
	framesSent atomic.Int64
	lastFrames atomic.Int64

	// RTCP-derived, written by the reader goroutine.
	statsMu    sync.Mutex
	rtt        time.Duration
	packetLoss float64
	jitter     time.Duration

	closeOnce sync.Once
	done      chan struct{}
	logger    *zap.SugaredLogger
}

// NewPionTransport builds a PeerConnection against the given STUN/TURN
// servers, adds one outbound video track and starts the RTCP reader.
func NewPionTransport(iceServers []string, remoteID string, spec domain.ProfileSpec, logger *zap.SugaredLogger) (*PionTransport, error) {
	var servers []webrtc.ICEServer
	for _, u := range iceServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: mimeTypeFor(spec.Codec), ClockRate: 90000},
		"video", "meshconf-"+remoteID,
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create local track: %w", err)
	}

	sender, err := pc.AddTrack(track)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("add track: %w", err)
	}

	t := &PionTransport{
		pc:        pc,
		track:     track,
		sender:    sender,
		spec:      spec,
		pacer:     pacerFor(spec),
		connected: make(chan struct{}, 1),
		done:      make(chan struct{}),
		logger:    logger,
	}
	t.lastSample.Store(time.Now().UnixNano())

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		t.logger.Debugw("ice state changed", "remote_id", remoteID, "state", state.String())
		switch state {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			select {
			case t.connected <- struct{}{}:
			default:
			}
		case webrtc.ICEConnectionStateFailed:
			t.mu.Lock()
			fn := t.onFailed
			t.mu.Unlock()
			if fn != nil {
				fn()
			}
		}
	})

	go t.readRTCP()

	return t, nil
}

func mimeTypeFor(codec string) string {
	switch codec {
	case domain.CodecVP9:
		return webrtc.MimeTypeVP9
	case domain.CodecH264:
		return webrtc.MimeTypeH264
	default:
		return webrtc.MimeTypeVP8
	}
}

func pacerFor(spec domain.ProfileSpec) *rate.Limiter {
	bytesPerSec := spec.BitrateBps / 8
	if bytesPerSec <= 0 {
		bytesPerSec = 1
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec/4+1500)
}

// WriteRTP paces the packet against the active encoding target and counts
// bytes for the bandwidth estimate.
func (t *PionTransport) WriteRTP(ctx context.Context, pkt *rtp.Packet) error {
	t.mu.Lock()
	pacer := t.pacer
	t.mu.Unlock()

	size := pkt.MarshalSize()
	if err := pacer.WaitN(ctx, size); err != nil {
		return err
	}
	if err := t.track.WriteRTP(pkt); err != nil {
		return err
	}
	t.bytesSent.Add(int64(size))
	if pkt.Marker {
		t.framesSent.Add(1)
	}
	return nil
}

// CreateOffer produces the local description to ship over signaling.
func (t *PionTransport) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	}
	return *t.pc.LocalDescription(), nil
}

// HandleAnswer installs the remote description received over signaling.
func (t *PionTransport) HandleAnswer(answer webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(answer)
}

// AddICECandidate feeds a trickled candidate from the remote peer.
func (t *PionTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}

func (t *PionTransport) OnICEFailed(fn func()) {
	t.mu.Lock()
	t.onFailed = fn
	t.mu.Unlock()
}

func (t *PionTransport) RestartICE(ctx context.Context) error {
	offer, err := t.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		return fmt.Errorf("create restart offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set restart offer: %w", err)
	}

	deadline, cancel := context.WithTimeout(ctx, iceEstablishTimeout)
	defer cancel()
	select {
	case <-t.connected:
		return nil
	case <-deadline.Done():
		return fmt.Errorf("ice restart: %w", deadline.Err())
	case <-t.done:
		return fmt.Errorf("transport closed")
	}
}

// ApplyEncoding swaps the pacer to the new bitrate target. Applying the
// current spec again is a no-op and never disturbs the transport.
func (t *PionTransport) ApplyEncoding(spec domain.ProfileSpec) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if spec == t.spec {
		return nil
	}
	t.spec = spec
	t.pacer = pacerFor(spec)
	return nil
}

// Stats combines the RTP byte counter with the latest RTCP report values.
func (t *PionTransport) Stats() domain.StatsSample {
	now := time.Now().UnixNano()
	prev := t.lastSample.Swap(now)
	bytes := t.bytesSent.Load()
	prevBytes := t.lastBytes.Swap(bytes)
	frames := t.framesSent.Load()
	prevFrames := t.lastFrames.Swap(frames)

	elapsed := float64(now-prev) / float64(time.Second)
	if elapsed <= 0 {
		elapsed = 1
	}

	t.statsMu.Lock()
	rtt, loss, jitter := t.rtt, t.packetLoss, t.jitter
	t.statsMu.Unlock()

	t.mu.Lock()
	codec := t.spec.Codec
	t.mu.Unlock()

	return domain.StatsSample{
		BandwidthBps: int(float64(bytes-prevBytes) * 8 / elapsed),
		RTT:          rtt,
		PacketLoss:   loss,
		Jitter:       jitter,
		FrameRate:    float64(frames-prevFrames) / elapsed,
		Codec:        codec,
		Timestamp:    time.Now(),
	}
}

func (t *PionTransport) readRTCP() {
	for {
		packets, _, err := t.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			rr, ok := packet.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, report := range rr.Reports {
				rtt := roundTripFromReport(report, time.Now())
				t.statsMu.Lock()
				t.packetLoss = float64(report.FractionLost) / 255.0
				t.jitter = time.Duration(report.Jitter) * time.Second / 90000
				if rtt > 0 {
					t.rtt = rtt
				}
				t.statsMu.Unlock()
			}
		}
	}
}

// roundTripFromReport derives RTT per RFC 3550: the arrival time minus the
// reflected sender-report timestamp minus the receiver's holding delay, all
// in 1/65536 s units. Zero means the report carries no usable timing yet.
func roundTripFromReport(report rtcp.ReceptionReport, arrival time.Time) time.Duration {
	if report.LastSenderReport == 0 {
		return 0
	}
	delta := ntp32(arrival) - report.LastSenderReport - report.Delay
	// A negative or wrapped delta means unsynchronized clocks, not a
	// usable measurement.
	if int32(delta) <= 0 {
		return 0
	}
	return time.Duration(delta) * time.Second / 65536
}

// ntp32 is the middle 32 bits of the NTP timestamp, the compressed form
// sender reports are reflected in.
func ntp32(tm time.Time) uint32 {
	const ntpEpochOffset = 2208988800 // seconds between 1900-01-01 and the Unix epoch
	secs := uint64(tm.Unix()) + ntpEpochOffset
	frac := (uint64(tm.Nanosecond()) << 32) / 1_000_000_000
	return uint32(secs&0xffff)<<16 | uint32(frac>>16)
}

func (t *PionTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.pc.Close()
	})
	return err
}
