package threshold

import (
	"net/netip"
	"testing"

	"github.com/fastnetmon/fastnetmon-core/internal/counters"
	"github.com/fastnetmon/fastnetmon-core/internal/hostgroup"
)

func snapshotWith(host netip.Addr, hs counters.HostSnapshot) counters.Snapshot {
	return counters.Snapshot{Hosts: map[netip.Addr]counters.HostSnapshot{host: hs}}
}

func gaugeWithEMA(ema float64) counters.Gauge {
	return counters.GaugeFromEMA(ema)
}

func TestOnsetTieBreakPrefersTCPSynOverOverall(t *testing.T) {
	host := netip.MustParseAddr("203.0.113.9")
	hs := counters.HostSnapshot{
		TCPSyn: counters.Section{PacketsIn: gaugeWithEMA(5000)},
		Total:  counters.Section{PacketsIn: gaugeWithEMA(5000)},
	}
	settings := hostgroup.BanSettings{
		EnableTCPSynPPS: true, TCPSynPPS: 1000,
		EnableOverallPPS: true, OverallPPS: 1000,
	}

	breaches := Evaluate(snapshotWith(host, hs), func(netip.Addr) hostgroup.BanSettings { return settings })
	if len(breaches) != 1 {
		t.Fatalf("expected exactly one breach, got %d", len(breaches))
	}
	if breaches[0].Kind != KindTCPSynPPS {
		t.Fatalf("expected KindTCPSynPPS to win the tie-break, got %v", breaches[0].Kind)
	}
}

func TestDisabledRuleNeverFires(t *testing.T) {
	host := netip.MustParseAddr("203.0.113.9")
	hs := counters.HostSnapshot{
		Total: counters.Section{PacketsIn: gaugeWithEMA(999999)},
	}
	settings := hostgroup.BanSettings{EnableOverallPPS: false, OverallPPS: 1}

	breaches := Evaluate(snapshotWith(host, hs), func(netip.Addr) hostgroup.BanSettings { return settings })
	if len(breaches) != 0 {
		t.Fatalf("expected no breach for disabled rule, got %d", len(breaches))
	}
}

func TestZeroThresholdNeverFiresEvenIfEnabled(t *testing.T) {
	host := netip.MustParseAddr("203.0.113.9")
	hs := counters.HostSnapshot{
		Total: counters.Section{PacketsIn: gaugeWithEMA(999999)},
	}
	settings := hostgroup.BanSettings{EnableOverallPPS: true, OverallPPS: 0}

	breaches := Evaluate(snapshotWith(host, hs), func(netip.Addr) hostgroup.BanSettings { return settings })
	if len(breaches) != 0 {
		t.Fatalf("expected no breach for zero threshold, got %d", len(breaches))
	}
}

func TestBelowThresholdDoesNotFire(t *testing.T) {
	host := netip.MustParseAddr("203.0.113.9")
	hs := counters.HostSnapshot{
		Total: counters.Section{PacketsIn: gaugeWithEMA(500)},
	}
	settings := hostgroup.BanSettings{EnableOverallPPS: true, OverallPPS: 1000}

	breaches := Evaluate(snapshotWith(host, hs), func(netip.Addr) hostgroup.BanSettings { return settings })
	if len(breaches) != 0 {
		t.Fatalf("expected no breach below threshold, got %d", len(breaches))
	}
}
