package domain

import (
	"math"
	"time"
)

// QualityProfile is the closed set of upstream quality targets. The tuples
// below are part of the external contract; clients bake them in.
type QualityProfile string

const (
	ProfileUltra   QualityProfile = "ultra"
	ProfileHigh    QualityProfile = "high"
	ProfileMedium  QualityProfile = "medium"
	ProfileLow     QualityProfile = "low"
	ProfileMinimal QualityProfile = "minimal"
)

const (
	CodecVP9  = "VP9"
	CodecVP8  = "VP8"
	CodecH264 = "H264"
)

type ProfileSpec struct {
	Width         int
	Height        int
	FrameRate     int
	BitrateBps    int
	Codec         string
	LatencyBudget time.Duration // rtt + expected queueing must fit inside this
}

var profileSpecs = map[QualityProfile]ProfileSpec{
	ProfileUltra:   {Width: 1920, Height: 1080, FrameRate: 30, BitrateBps: 3_000_000, Codec: CodecVP9, LatencyBudget: 50 * time.Millisecond},
	ProfileHigh:    {Width: 1280, Height: 720, FrameRate: 30, BitrateBps: 1_500_000, Codec: CodecVP9, LatencyBudget: 75 * time.Millisecond},
	ProfileMedium:  {Width: 854, Height: 480, FrameRate: 25, BitrateBps: 800_000, Codec: CodecVP8, LatencyBudget: 120 * time.Millisecond},
	ProfileLow:     {Width: 640, Height: 360, FrameRate: 20, BitrateBps: 400_000, Codec: CodecVP8, LatencyBudget: 200 * time.Millisecond},
	ProfileMinimal: {Width: 320, Height: 240, FrameRate: 15, BitrateBps: 200_000, Codec: CodecH264, LatencyBudget: time.Duration(math.MaxInt64)},
}

var profileOrder = []QualityProfile{ProfileUltra, ProfileHigh, ProfileMedium, ProfileLow, ProfileMinimal}

func (p QualityProfile) Spec() ProfileSpec {
	return profileSpecs[p]
}

// Rank orders profiles: minimal is 0, ultra is 4.
func (p QualityProfile) Rank() int {
	for i, q := range profileOrder {
		if q == p {
			return len(profileOrder) - 1 - i
		}
	}
	return -1
}

// Profiles returns the profile set from highest to lowest.
func Profiles() []QualityProfile {
	out := make([]QualityProfile, len(profileOrder))
	copy(out, profileOrder)
	return out
}

// ProfileBelow returns the next lower profile, or minimal if already there.
func ProfileBelow(p QualityProfile) QualityProfile {
	for i, q := range profileOrder {
		if q == p && i+1 < len(profileOrder) {
			return profileOrder[i+1]
		}
	}
	return ProfileMinimal
}

// NetworkSample is one measurement of the path to a peer.
type NetworkSample struct {
	BandwidthBps int
	RTT          time.Duration
	PacketLoss   float64
	Jitter       time.Duration
	Timestamp    time.Time
}

type DeviceCaps struct {
	MaxWidth          int
	MaxHeight         int
	AvailableMemoryMB int
	LogicalCores      int
	Codecs            []string
}

func (d DeviceCaps) Supports(codec string) bool {
	for _, c := range d.Codecs {
		if c == codec {
			return true
		}
	}
	return false
}

type CPUTrend string

const (
	TrendRising  CPUTrend = "rising"
	TrendStable  CPUTrend = "stable"
	TrendFalling CPUTrend = "falling"
)

type HostLoad struct {
	CPUPercent float64
	Trend      CPUTrend
}

// AdaptationResult records one decision of the media controller, including
// every rejection reason for observability.
type AdaptationResult struct {
	FromProfile    QualityProfile `json:"from_profile"`
	ToProfile      QualityProfile `json:"to_profile"`
	Reasons        []string       `json:"reasons"`
	DecisionTimeMs float64        `json:"decision_time_ms"`
}

// StatsSample is the tuple delivered to stats sinks by the supervisor.
type StatsSample struct {
	BandwidthBps int           `json:"bandwidth"`
	RTT          time.Duration `json:"rtt"`
	PacketLoss   float64       `json:"packet_loss"`
	Jitter       time.Duration `json:"jitter"`
	FrameRate    float64       `json:"frame_rate"`
	Codec        string        `json:"codec"`
	Timestamp    time.Time     `json:"timestamp"`
}
