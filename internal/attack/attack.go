// Package attack implements the per-host attack state machine: calm,
// attack_active, and ban_expired_awaiting_clear (spec §4.5). It owns
// attack_details records, drives mitigation and notification hooks, and
// tracks peak rate against the metric frozen at onset.
package attack

import (
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/fastnetmon/fastnetmon-core/internal/threshold"
)

// State is a host's position in the attack lifecycle (spec §4.5).
type State int

const (
	StateCalm State = iota
	StateActive
	StateBanExpiredAwaitingClear
)

func (s State) String() string {
	switch s {
	case StateCalm:
		return "calm"
	case StateActive:
		return "attack_active"
	case StateBanExpiredAwaitingClear:
		return "ban_expired_awaiting_clear"
	default:
		return "unknown"
	}
}

// Severity buckets how far the triggering rate exceeded its threshold.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// severityFor buckets the overshoot ratio (rate/threshold) into a Severity,
// grounded on the teacher's per-level threshold table idiom but driven by
// one attack's overshoot rather than a single global escalation posture.
func severityFor(rate float64, threshold uint64) Severity {
	if threshold == 0 {
		return SeverityLow
	}
	ratio := rate / float64(threshold)
	switch {
	case ratio >= 10:
		return SeverityCritical
	case ratio >= 4:
		return SeverityHigh
	case ratio >= 2:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// zeroUUID is the sentinel used when UUID generation fails (spec §7:
// "Entropy/UUID failure ... Attack is still recorded with a sentinel
// all-zero UUID; a warning is logged").
var zeroUUID uuid.UUID

// generateUUID returns a random UUID, or the zero sentinel plus false if
// the system entropy source failed.
func generateUUID() (uuid.UUID, bool) {
	id, err := uuid.NewRandom()
	if err != nil {
		return zeroUUID, false
	}
	return id, true
}

// Details is the attack_details record attached to a host when detection
// fires (spec §3).
type Details struct {
	UUID uuid.UUID

	Host        netip.Addr
	HostGroup   string
	ParentGroup string

	State State

	FirstDetected time.Time
	PeakRate      float64

	TriggerKind      threshold.Kind
	TriggerDirection threshold.Direction
	Severity         Severity

	BanTimestamp time.Time
	BanDuration  time.Duration
	EnableUnban  bool

	Degraded         bool
	MitigationFailed bool

	Capture *Ring
}

// updatePeak recomputes PeakRate against the frozen triggering metric; the
// metric itself never changes after onset (spec §4.5 "Peak tracking").
func (d *Details) updatePeak(rate float64, threshold uint64) {
	if rate > d.PeakRate {
		d.PeakRate = rate
		d.Severity = severityFor(rate, threshold)
	}
}
