// Package notify implements the attack.NotifyHook chain: structured
// logging, an external script hook, and a Kafka exporter (spec §4.5, §6.1).
package notify

import (
	"go.uber.org/zap"

	"github.com/fastnetmon/fastnetmon-core/internal/attack"
)

// LogHook writes each lifecycle transition through the injected logger
// (spec §9 design notes: "injected observability context", no global
// logger).
type LogHook struct {
	log *zap.Logger
}

// NewLogHook constructs a LogHook writing through log.
func NewLogHook(log *zap.Logger) *LogHook {
	return &LogHook{log: log}
}

// OnAttackOnset logs attack onset at warn level.
func (h *LogHook) OnAttackOnset(d attack.Details) error {
	h.log.Warn("attack onset",
		zap.String("uuid", d.UUID.String()),
		zap.String("host", d.Host.String()),
		zap.String("host_group", d.HostGroup),
		zap.String("trigger", d.TriggerKind.String()),
		zap.Float64("rate", d.PeakRate),
		zap.String("severity", d.Severity.String()),
		zap.String("description", attack.Describe(d)),
	)
	return nil
}

// OnAttackPeak logs a peak update at info level.
func (h *LogHook) OnAttackPeak(d attack.Details) error {
	h.log.Info("attack peak updated",
		zap.String("uuid", d.UUID.String()),
		zap.String("host", d.Host.String()),
		zap.Float64("peak_rate", d.PeakRate),
		zap.String("severity", d.Severity.String()),
	)
	return nil
}

// OnAttackClear logs attack clearance at info level.
func (h *LogHook) OnAttackClear(d attack.Details) error {
	h.log.Info("attack cleared",
		zap.String("uuid", d.UUID.String()),
		zap.String("host", d.Host.String()),
		zap.Float64("peak_rate", d.PeakRate),
	)
	return nil
}
