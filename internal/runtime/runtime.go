// Package runtime wires every other package into one running daemon:
// config, hostgroup resolution, the counter engine, threshold evaluation,
// the attack manager and its notification/mitigation hooks, the intake
// sources, the Prometheus exporter, and the HTTP/WebSocket API. Grounded
// on the teacher's internal/engine/engine.go orchestrator (config-before-
// attach construction order, a single cancellable context driving every
// goroutine, graceful Stop()).
package runtime

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fastnetmon/fastnetmon-core/internal/api"
	"github.com/fastnetmon/fastnetmon-core/internal/attack"
	"github.com/fastnetmon/fastnetmon-core/internal/bgp"
	"github.com/fastnetmon/fastnetmon-core/internal/config"
	"github.com/fastnetmon/fastnetmon-core/internal/counters"
	"github.com/fastnetmon/fastnetmon-core/internal/hostgroup"
	"github.com/fastnetmon/fastnetmon-core/internal/intake"
	"github.com/fastnetmon/fastnetmon-core/internal/intake/ipfix"
	"github.com/fastnetmon/fastnetmon-core/internal/intake/mirror"
	"github.com/fastnetmon/fastnetmon-core/internal/intake/netflow"
	"github.com/fastnetmon/fastnetmon-core/internal/intake/sflow"
	"github.com/fastnetmon/fastnetmon-core/internal/metrics"
	"github.com/fastnetmon/fastnetmon-core/internal/notify"
	"github.com/fastnetmon/fastnetmon-core/internal/packet"
	"github.com/fastnetmon/fastnetmon-core/internal/threshold"
)

// tickInterval drives the counter-rotation / threshold-evaluation loop
// (spec §4.3, §4.4: "once per second").
const tickInterval = time.Second

// Runtime owns every long-lived component and the goroutines that drive
// them. Construction order matters: config is parsed and validated first,
// then the hostgroup resolver and counter engine are built, then the
// attack manager and its hooks, then the intake sources that feed it all
// (spec §5 "config is fully parsed and validated before any ingest worker
// attaches").
type Runtime struct {
	log        *zap.Logger
	cfg        *config.Config
	configPath string

	resolver *hostgroup.Resolver
	counters *counters.Engine
	manager  *attack.Manager
	metrics  *metrics.Metrics
	api      *api.Server

	bgpClient *bgp.Client
	kafkaHook *notify.KafkaHook

	sources       []*intake.Source
	metricsServer *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Runtime from cfg, wiring every component but starting
// nothing. configPath is kept so SIGHUP can re-read it for reload.
func New(log *zap.Logger, cfg *config.Config, configPath string) (*Runtime, error) {
	rt := &Runtime{
		log:        log,
		cfg:        cfg,
		configPath: configPath,
		resolver:   hostgroup.NewResolver(),
		metrics:    metrics.New(),
	}
	rt.resolver.Reload(buildGroups(cfg))

	rt.counters = counters.New(
		counters.WithHalfLife(float64(cfg.AverageCalculationTime)),
		counters.WithOverflowHook(func() { rt.metrics.HostCapOverflows.Inc() }),
	)

	var mitigator attack.Mitigator
	if cfg.BGP.Enabled {
		rt.bgpClient = bgp.NewClient(log, bgp.Config{
			Enabled:            cfg.BGP.Enabled,
			GRPCAddr:           cfg.BGP.GRPCAddr,
			RouterIP:           cfg.BGP.RouterIP,
			LocalAS:            cfg.BGP.LocalAS,
			PeerAS:             cfg.BGP.PeerAS,
			NextHopSelf:        cfg.BGP.NextHop,
			CommunityBlackhole: cfg.BGP.CommunityBlackhole,
		})
		mitigator = &instrumentedMitigator{inner: bgp.NewMitigator(rt.bgpClient), metrics: rt.metrics}
	}

	hooks := []attack.NotifyHook{instrumentHook("log", notify.NewLogHook(log), rt.metrics)}
	if cfg.Exec.Path != "" {
		hooks = append(hooks, instrumentHook("exec", notify.NewExecHook(log, cfg.Exec.Path), rt.metrics))
	}
	if cfg.Kafka.Enabled {
		format := notify.FormatJSON
		if cfg.Kafka.Format == "protobuf" {
			format = notify.FormatProtobuf
		}
		rt.kafkaHook = notify.NewKafkaHook(cfg.Kafka.Brokers, cfg.Kafka.Topic, format)
		hooks = append(hooks, instrumentHook("kafka", rt.kafkaHook, rt.metrics))
	}

	captureCapacity := 0
	if cfg.Capture.Enabled {
		captureCapacity = cfg.Capture.RingSize
	}
	rt.manager = attack.NewManager(
		attack.WithHooks(hooks...),
		attack.WithMitigator(mitigator),
		attack.WithCapture(captureCapacity),
		attack.WithCaptureDir(cfg.Capture.OutputDir),
		attack.WithLogger(log),
	)

	rt.api = api.NewServer(log, cfg, rt.manager, rt.counters, rt.resolver)
	rt.manager.AddHook(instrumentHook("api_websocket", rt.api, rt.metrics))

	sources, err := buildSources(log, cfg, rt.counters, rt.manager, rt.resolver, rt.metrics)
	if err != nil {
		return nil, err
	}
	rt.sources = sources

	rt.metrics.Register()

	return rt, nil
}

// Start launches every intake source, the API server, the Prometheus
// exporter, the BGP client (if enabled), and the tick driver. It returns
// once every component has been launched; Start does not block.
func (rt *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel

	if rt.bgpClient != nil {
		if err := rt.bgpClient.Connect(ctx); err != nil {
			rt.log.Warn("bgp connect failed, will mitigate on a best-effort basis", zap.Error(err))
		}
	}

	if err := rt.api.Start(); err != nil {
		cancel()
		return fmt.Errorf("starting api server: %w", err)
	}

	rt.startMetricsServer()

	for _, src := range rt.sources {
		src := src
		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			if err := src.Run(ctx); err != nil {
				rt.log.Error("intake source stopped with error", zap.Error(err))
			}
		}()
	}

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		rt.tickLoop(ctx)
	}()

	rt.log.Info("runtime started",
		zap.Int("sources", len(rt.sources)),
		zap.String("metrics_listen", rt.cfg.MetricsListen),
		zap.String("api_listen", rt.cfg.APIListen),
	)
	return nil
}

// Stop cancels every goroutine and waits for them to drain, closing every
// owned listener (spec §5 "Cancellation": ingest workers observe the
// cancel flag between recvs; the tick driver runs one final tick after
// cancellation so in-flight counters are not lost").
func (rt *Runtime) Stop() {
	if rt.cancel != nil {
		rt.cancel()
	}
	for _, src := range rt.sources {
		src.Close()
	}
	rt.wg.Wait()

	rt.api.Stop()
	rt.stopMetricsServer()

	if rt.kafkaHook != nil {
		if err := rt.kafkaHook.Close(); err != nil {
			rt.log.Warn("kafka hook close failed", zap.Error(err))
		}
	}
	if rt.bgpClient != nil {
		if err := rt.bgpClient.Disconnect(); err != nil {
			rt.log.Warn("bgp disconnect failed", zap.Error(err))
		}
	}
}

// Reload re-reads the configuration file at configPath and atomically
// swaps the hostgroup resolver's trie, leaving every other component
// untouched (spec §5, §9.1(b): SIGHUP triggers "an atomic swap of the
// Patricia trie and host-group table, never a partial rebuild visible to
// concurrent resolves").
func (rt *Runtime) Reload() error {
	newCfg, err := config.LoadFromFile(rt.configPath)
	if err != nil {
		return fmt.Errorf("reloading config: %w", err)
	}
	rt.resolver.Reload(buildGroups(newCfg))
	rt.cfg.SetBan(newCfg.GetBan())
	rt.log.Info("configuration reloaded", zap.String("path", rt.configPath))
	return nil
}

func (rt *Runtime) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Drain one final tick so counters rotated just before
			// shutdown are not silently dropped.
			rt.tick(time.Now())
			return
		case now := <-ticker.C:
			rt.tick(now)
		}
	}
}

func (rt *Runtime) tick(now time.Time) {
	rt.counters.Tick(now.UnixNano())
	snap := rt.counters.Inspect()
	rt.metrics.HostsTracked.Set(float64(len(snap.Hosts)))

	breaches := threshold.Evaluate(snap, rt.settingsFor)
	for _, b := range breaches {
		rt.manager.HandleBreach(b, rt.groupInfoFor(b))
		rt.metrics.AttacksTotal.WithLabelValues(b.Kind.String()).Inc()
	}

	rt.manager.CheckExpirations()
	rt.manager.RetryMitigations()
	rt.metrics.ActiveAttacks.Set(float64(len(rt.manager.Active())))
}

func (rt *Runtime) settingsFor(addr netip.Addr) hostgroup.BanSettings {
	return rt.resolver.Resolve(addr).EffectiveSettings()
}

func (rt *Runtime) groupInfoFor(b threshold.Breach) attack.GroupInfo {
	match := rt.resolver.Resolve(b.Host)
	settings := match.EffectiveSettings()

	banDuration := time.Duration(settings.BanTimeSeconds) * time.Second
	if banDuration <= 0 {
		banDuration = time.Duration(rt.cfg.BanTime) * time.Second
	}

	parent := ""
	if match.ParentGroup != nil {
		parent = match.ParentGroup.Name
	}

	return attack.GroupInfo{
		HostGroup:   match.Group.Name,
		ParentGroup: parent,
		BanDuration: banDuration,
		EnableUnban: settings.EnableUnban,
	}
}

func (rt *Runtime) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	rt.metricsServer = &http.Server{Addr: rt.cfg.MetricsListen, Handler: mux}

	rt.log.Info("prometheus metrics server starting", zap.String("listen", rt.cfg.MetricsListen))
	go func() {
		if err := rt.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			rt.log.Error("metrics server error", zap.Error(err))
		}
	}()
}

func (rt *Runtime) stopMetricsServer() {
	if rt.metricsServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	rt.metricsServer.Shutdown(ctx)
}

// instrumentedMitigator wraps a bgp.Mitigator with the mitigation-failure
// counter, so every announce/withdraw failure is observable regardless of
// which attack triggered it.
type instrumentedMitigator struct {
	inner   attack.Mitigator
	metrics *metrics.Metrics
}

func (m *instrumentedMitigator) Announce(d attack.Details) error {
	err := m.inner.Announce(d)
	if err != nil {
		m.metrics.MitigationFail.Inc()
	}
	return err
}

func (m *instrumentedMitigator) Withdraw(d attack.Details) error {
	err := m.inner.Withdraw(d)
	if err != nil {
		m.metrics.MitigationFail.Inc()
	}
	return err
}

// timedHook wraps a NotifyHook with the hook_type-labeled duration
// histogram, so a slow exec/Kafka/API hook is visible without every hook
// implementation needing its own metrics wiring.
type timedHook struct {
	kind    string
	inner   attack.NotifyHook
	metrics *metrics.Metrics
}

func instrumentHook(kind string, inner attack.NotifyHook, met *metrics.Metrics) attack.NotifyHook {
	return &timedHook{kind: kind, inner: inner, metrics: met}
}

func (h *timedHook) observe(start time.Time) {
	h.metrics.HookDuration.WithLabelValues(h.kind).Observe(time.Since(start).Seconds())
}

func (h *timedHook) OnAttackOnset(d attack.Details) error {
	defer h.observe(time.Now())
	return h.inner.OnAttackOnset(d)
}

func (h *timedHook) OnAttackPeak(d attack.Details) error {
	defer h.observe(time.Now())
	return h.inner.OnAttackPeak(d)
}

func (h *timedHook) OnAttackClear(d attack.Details) error {
	defer h.observe(time.Now())
	return h.inner.OnAttackClear(d)
}

// buildSources constructs one intake.Source per configured listener,
// sharing a single NetFlow/IPFIX template cache (spec §4.1: templates are
// keyed by exporter address, so sharing the cache across both decoders is
// safe even if an exporter sends both NetFlow and IPFIX).
func buildSources(log *zap.Logger, cfg *config.Config, eng *counters.Engine, mgr *attack.Manager, resolver *hostgroup.Resolver, met *metrics.Metrics) ([]*intake.Source, error) {
	cache := netflow.NewTemplateCache()
	sink := newCounterSink(eng, mgr, met)
	dispatcher := intake.NewDispatcher(sink)

	onMalformed := func(source, reason string) {
		met.MalformedFrames.WithLabelValues(source, reason).Inc()
	}

	sources := make([]*intake.Source, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		var decoder intake.Decoder
		switch sc.Type {
		case "sflow":
			decoder = sflow.New()
		case "netflow":
			decoder = netflow.New(cache)
		case "ipfix":
			decoder = ipfix.New(cache)
		case "mirror":
			decoder = mirror.New()
		default:
			return nil, fmt.Errorf("sources: unsupported type %q", sc.Type)
		}

		addr, err := net.ResolveUDPAddr("udp", sc.Listen)
		if err != nil {
			return nil, fmt.Errorf("sources: resolving %q: %w", sc.Listen, err)
		}

		src, err := intake.NewSource(log, addr, decoder, dispatcher, onMalformed)
		if err != nil {
			return nil, fmt.Errorf("sources: listening on %q: %w", sc.Listen, err)
		}
		sources = append(sources, src)
	}
	return sources, nil
}

// counterSink adapts the counter engine to packet.Sink, tracking both
// directions of every normalised packet against whichever address it
// concerns (spec §4.3 "independent in and out counters"): a packet's
// destination accrues inbound traffic, its source accrues outbound
// traffic, with no hostgroup-membership test required since un-resolved
// hosts simply never have an enabled threshold to breach. It also feeds
// the attack manager's per-host capture ring, which is a no-op for any
// address not currently under attack.
type counterSink struct {
	eng *counters.Engine
	mgr *attack.Manager
	met *metrics.Metrics
}

func newCounterSink(eng *counters.Engine, mgr *attack.Manager, met *metrics.Metrics) *counterSink {
	return &counterSink{eng: eng, mgr: mgr, met: met}
}

func (s *counterSink) Consume(p packet.Simple) {
	s.met.PacketsProcessed.WithLabelValues(string(p.Source)).Inc()

	s.eng.Record(p.DstAddr, counters.DirectionIn, p, s.eng.IsNewFlow(p.DstAddr, p))
	s.eng.Record(p.SrcAddr, counters.DirectionOut, p, s.eng.IsNewFlow(p.SrcAddr, p))

	s.mgr.Capture(p.DstAddr, p)
	s.mgr.Capture(p.SrcAddr, p)
}

// buildGroups converts the YAML-facing config shape into hostgroup.Group
// values: networks_list becomes a synthetic "__all__" group carrying the
// top-level ban config, and every named hostgroups entry becomes its own
// Group, falling back to the top-level ban config when it has none of its
// own (spec §6 "hostgroups ... may override any ban_settings field").
func buildGroups(cfg *config.Config) []*hostgroup.Group {
	var groups []*hostgroup.Group

	if len(cfg.NetworksList) > 0 {
		groups = append(groups, &hostgroup.Group{
			Name:     "__all__",
			Networks: parseSubnets(cfg.NetworksList),
			Settings: toBanSettings(cfg.Ban, cfg.BanTime),
		})
	}

	for name, hg := range cfg.HostGroups {
		ban := cfg.Ban
		if hg.Ban != nil {
			ban = *hg.Ban
		}
		groups = append(groups, &hostgroup.Group{
			Name:     name,
			Parent:   hg.ParentHostGroup,
			Networks: parseSubnets(hg.Networks),
			Settings: toBanSettings(ban, cfg.BanTime),
		})
	}

	return groups
}

func parseSubnets(cidrs []string) []packet.Subnet {
	subnets := make([]packet.Subnet, 0, len(cidrs))
	for _, cidr := range cidrs {
		s, err := packet.ParseSubnet(cidr)
		if err != nil {
			continue
		}
		subnets = append(subnets, s)
	}
	return subnets
}

// mbpsToBytesPerSecond converts a threshold expressed in megabits/second
// (FastNetMon's config convention) to the bytes/second unit the counter
// engine's gauges use.
func mbpsToBytesPerSecond(mbps uint64) uint64 {
	return mbps * 1_000_000 / 8
}

func toBanSettings(bc config.BanConfig, banTimeSeconds uint64) hostgroup.BanSettings {
	return hostgroup.BanSettings{
		EnableTCPPPS:    bc.EnableTCPPPS,
		TCPPPS:          bc.ThresholdTCPPPS,
		EnableTCPBPS:    bc.EnableTCPBandwidth,
		TCPBPS:          mbpsToBytesPerSecond(bc.ThresholdTCPMbps),
		EnableTCPSynPPS: bc.EnableTCPSynPPS,
		TCPSynPPS:       bc.ThresholdTCPSynPPS,

		EnableUDPPPS: bc.EnableUDPPPS,
		UDPPPS:       bc.ThresholdUDPPPS,
		EnableUDPBPS: bc.EnableUDPBandwidth,
		UDPBPS:       mbpsToBytesPerSecond(bc.ThresholdUDPMbps),

		EnableICMPPPS: bc.EnableICMPPPS,
		ICMPPPS:       bc.ThresholdICMPPPS,
		EnableICMPBPS: bc.EnableICMPBandwidth,
		ICMPBPS:       mbpsToBytesPerSecond(bc.ThresholdICMPMbps),

		EnableOverallPPS:   bc.EnablePPS,
		OverallPPS:         bc.ThresholdPPS,
		EnableOverallBPS:   bc.EnableBandwidth,
		OverallBPS:         mbpsToBytesPerSecond(bc.ThresholdMbps),
		EnableOverallFlows: bc.EnableFlowsPerSecond,
		OverallFlows:       bc.ThresholdFlows,

		BanTimeSeconds: int(banTimeSeconds),
		EnableUnban:    bc.EnableUnban,
	}
}
