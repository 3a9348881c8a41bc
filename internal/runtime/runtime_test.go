package runtime

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fastnetmon/fastnetmon-core/internal/attack"
	"github.com/fastnetmon/fastnetmon-core/internal/config"
	"github.com/fastnetmon/fastnetmon-core/internal/counters"
	"github.com/fastnetmon/fastnetmon-core/internal/metrics"
	"github.com/fastnetmon/fastnetmon-core/internal/packet"
	"github.com/fastnetmon/fastnetmon-core/internal/threshold"
)

// freePort asks the OS for an unused TCP port, then releases it immediately.
// Good enough for tests: nothing else on the test host is racing for it.
func freePort(t *testing.T) int {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("freePort: %v", err)
	}
	defer lis.Close()
	return lis.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.NetworksList = []string{"203.0.113.0/24"}
	cfg.Sources = nil // no ingest listeners; keep the test hermetic
	cfg.APIListen = net.JoinHostPort("127.0.0.1", strconv.Itoa(freePort(t)))
	cfg.MetricsListen = net.JoinHostPort("127.0.0.1", strconv.Itoa(freePort(t)))
	return cfg
}

func TestNewWiresEveryComponent(t *testing.T) {
	cfg := testConfig(t)

	rt, err := New(zap.NewNop(), cfg, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if rt.manager == nil || rt.resolver == nil || rt.counters == nil || rt.api == nil {
		t.Fatal("expected every core component to be constructed")
	}
	if len(rt.sources) != 0 {
		t.Fatalf("len(sources) = %d, want 0 for an empty source list", len(rt.sources))
	}
}

func TestStartStopLifecycle(t *testing.T) {
	cfg := testConfig(t)

	rt, err := New(zap.NewNop(), cfg, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Give the HTTP servers a moment to actually bind before exercising them.
	time.Sleep(20 * time.Millisecond)

	resp, err := http.Get("http://" + cfg.APIListen + "/api/v1/attacks")
	if err != nil {
		t.Fatalf("GET /api/v1/attacks: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	rt.Stop()
}

func TestTickEvaluatesThresholdsAndRecordsBreach(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ban.EnablePPS = true
	cfg.Ban.ThresholdPPS = 1

	rt, err := New(zap.NewNop(), cfg, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	host := netip.MustParseAddr("203.0.113.9")
	now := time.Now()
	p := packet.Simple{
		Protocol:      packet.ProtoUDP,
		Bytes:         64,
		Packets:       1,
		CaptureTimeNS: now.UnixNano(),
	}
	for i := 0; i < 500; i++ {
		rt.counters.Record(host, counters.DirectionIn, p, false)
	}
	rt.tick(now.Add(time.Second))

	if _, active := rt.manager.Lookup(host); !active {
		t.Fatal("expected an overall-PPS breach to put the host under attack")
	}
}

func TestReloadSwapsHostGroupsWithoutRestartingSources(t *testing.T) {
	cfg := testConfig(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	rt, err := New(zap.NewNop(), cfg, path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	newCfg := config.DefaultConfig()
	newCfg.NetworksList = []string{"198.51.100.0/24"}
	newCfg.APIListen = cfg.APIListen
	newCfg.MetricsListen = cfg.MetricsListen
	if err := newCfg.SaveToFile(path); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}

	if err := rt.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	match := rt.resolver.Resolve(netip.MustParseAddr("198.51.100.5"))
	if match.Group.Name != "__all__" {
		t.Fatalf("expected the reloaded networks_list to resolve, got group %q", match.Group.Name)
	}

	old := rt.resolver.Resolve(netip.MustParseAddr("203.0.113.5"))
	if old.Group.Name != "__unknown" {
		t.Fatalf("expected the old networks_list to no longer resolve, got group %q", old.Group.Name)
	}
}

func TestBuildGroupsFallsBackToTopLevelBan(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.NetworksList = []string{"203.0.113.0/24"}
	cfg.Ban.EnablePPS = true
	cfg.Ban.ThresholdPPS = 1000
	cfg.HostGroups = map[string]config.HostGroupConfig{
		"web": {Networks: []string{"203.0.113.0/28"}},
	}

	groups := buildGroups(cfg)
	if len(groups) != 2 {
		t.Fatalf("len(groups) = %d, want 2", len(groups))
	}

	for _, g := range groups {
		if g.Name == "web" {
			if !g.Settings.EnableOverallPPS || g.Settings.OverallPPS != 1000 {
				t.Fatalf("expected hostgroup %q to fall back to the top-level ban config, got %+v", g.Name, g.Settings)
			}
		}
	}
}

func TestBuildGroupsHostGroupOverridesBan(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.NetworksList = []string{"203.0.113.0/24"}
	cfg.Ban.EnablePPS = true
	cfg.Ban.ThresholdPPS = 1000
	cfg.HostGroups = map[string]config.HostGroupConfig{
		"web": {
			Networks: []string{"203.0.113.0/28"},
			Ban:      &config.BanConfig{EnablePPS: true, ThresholdPPS: 50},
		},
	}

	groups := buildGroups(cfg)
	for _, g := range groups {
		if g.Name == "web" && g.Settings.OverallPPS != 50 {
			t.Fatalf("expected hostgroup-specific ban to override, got %d", g.Settings.OverallPPS)
		}
	}
}

func TestMbpsToBytesPerSecond(t *testing.T) {
	cases := []struct {
		mbps uint64
		want uint64
	}{
		{0, 0},
		{8, 1_000_000},
		{1000, 125_000_000},
	}
	for _, c := range cases {
		if got := mbpsToBytesPerSecond(c.mbps); got != c.want {
			t.Errorf("mbpsToBytesPerSecond(%d) = %d, want %d", c.mbps, got, c.want)
		}
	}
}

func TestCounterSinkCreditsBothDirections(t *testing.T) {
	eng := counters.New()
	met := metrics.New()
	mgr := attack.NewManager()
	sink := newCounterSink(eng, mgr, met)

	src := netip.MustParseAddr("203.0.113.1")
	dst := netip.MustParseAddr("203.0.113.2")
	p := packet.Simple{
		SrcAddr:       src,
		DstAddr:       dst,
		Protocol:      packet.ProtoTCP,
		Bytes:         100,
		Packets:       1,
		Source:        packet.SourceSFlow,
		CaptureTimeNS: time.Now().UnixNano(),
	}
	sink.Consume(p)
	eng.Tick(time.Now().UnixNano())

	snap := eng.Inspect()
	if snap.Hosts[dst].Total.PacketsIn.Delta() != 1 {
		t.Fatalf("expected destination to accrue inbound traffic, got %+v", snap.Hosts[dst])
	}
	if snap.Hosts[src].Total.PacketsOut.Delta() != 1 {
		t.Fatalf("expected source to accrue outbound traffic, got %+v", snap.Hosts[src])
	}
}

func TestCounterSinkFeedsActiveAttackCaptureRing(t *testing.T) {
	mgr := attack.NewManager(attack.WithCapture(4))
	host := netip.MustParseAddr("203.0.113.50")
	mgr.HandleBreach(threshold.Breach{
		Host:      host,
		Kind:      threshold.KindOverallPPS,
		Direction: threshold.DirectionIncoming,
		Rate:      10,
		Threshold: 1,
	}, attack.GroupInfo{})

	sink := newCounterSink(counters.New(), mgr, metrics.New())
	p := packet.Simple{
		SrcAddr:       netip.MustParseAddr("198.51.100.1"),
		DstAddr:       host,
		Protocol:      packet.ProtoUDP,
		Bytes:         64,
		Packets:       1,
		CaptureTimeNS: time.Now().UnixNano(),
	}
	sink.Consume(p)

	details, ok := mgr.Lookup(host)
	if !ok {
		t.Fatal("expected the host to still be under attack")
	}
	if details.Capture.Len() != 1 {
		t.Fatalf("Capture.Len() = %d, want 1", details.Capture.Len())
	}
}
