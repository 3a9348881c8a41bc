package bgp

import (
	"context"
	"fmt"
	"time"

	"github.com/fastnetmon/fastnetmon-core/internal/attack"
)

// hookBudget bounds every call the attack manager makes into this package,
// matching the "hooks are invoked on the evaluator thread and must be
// bounded" requirement (spec §5, default 2 s).
const hookBudget = 2 * time.Second

// Mitigator adapts a Client to the attack.Mitigator interface, announcing
// an attack as an RTBH blackhole of the host's /32 or /128. Flow Spec
// rate-limiting (as opposed to a full blackhole) is available via
// AnnounceFlowspec/WithdrawFlowspec directly for callers that want finer
// control than the attack manager's binary announce/withdraw.
type Mitigator struct {
	client *Client
}

// NewMitigator wraps client as an attack.Mitigator.
func NewMitigator(client *Client) *Mitigator {
	return &Mitigator{client: client}
}

// Announce blackholes d's host.
func (m *Mitigator) Announce(d attack.Details) error {
	ctx, cancel := context.WithTimeout(context.Background(), hookBudget)
	defer cancel()
	return m.client.AnnounceBlackhole(ctx, hostPrefix(d))
}

// Withdraw removes the blackhole for d's host.
func (m *Mitigator) Withdraw(d attack.Details) error {
	ctx, cancel := context.WithTimeout(context.Background(), hookBudget)
	defer cancel()
	return m.client.WithdrawBlackhole(ctx, hostPrefix(d))
}

func hostPrefix(d attack.Details) string {
	bits := 32
	if d.Host.Is6() {
		bits = 128
	}
	return fmt.Sprintf("%s/%d", d.Host, bits)
}
