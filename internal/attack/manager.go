package attack

import (
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fastnetmon/fastnetmon-core/internal/packet"
	"github.com/fastnetmon/fastnetmon-core/internal/threshold"
)

// NotifyHook is called on every attack lifecycle transition. Implementations
// (internal/notify.LogHook, ExecHook, KafkaHook) must return quickly and
// bound their own calls (ExecHook and KafkaHook apply a 2 s timeout); the
// manager calls each hook synchronously and imposes no timeout of its own
// (spec §5 "Suspension points").
type NotifyHook interface {
	OnAttackOnset(Details) error
	OnAttackPeak(Details) error
	OnAttackClear(Details) error
}

// Mitigator announces and withdraws the mitigation action for an attack
// (spec §4.5: "call mitigation hook (Flow Spec / blackhole announcement)").
// Implemented by internal/bgp.Mitigator, which wraps internal/bgp.Client.
type Mitigator interface {
	Announce(Details) error
	Withdraw(Details) error
}

// minBackoff/maxBackoff bound the mitigation retry schedule (spec §7:
// "retry with exponential backoff (1 s, 2 s, 4 s, capped at 60 s)").
const (
	minBackoff = time.Second
	maxBackoff = 60 * time.Second
)

// hostState is the manager's bookkeeping for one host, wrapping the public
// Details with retry scheduling that callers don't need to see.
type hostState struct {
	details      Details
	nextRetry    time.Time
	retryBackoff time.Duration
}

// Manager owns the active-attacks map and drives the state machine
// described in spec §4.5. All exported methods are safe for concurrent
// use; writes take the single RW lock described in spec §5.
type Manager struct {
	mu     sync.RWMutex
	active map[netip.Addr]*hostState

	hooks     []NotifyHook
	mitigator Mitigator

	captureEnabled  bool
	captureCapacity int
	captureDir      string

	log *zap.Logger
	now func() time.Time
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithHooks registers notification hooks, called in registration order on
// every transition (spec §4.5).
func WithHooks(hooks ...NotifyHook) Option {
	return func(m *Manager) { m.hooks = append(m.hooks, hooks...) }
}

// WithMitigator registers the Flow Spec / blackhole mitigation backend.
func WithMitigator(mit Mitigator) Option {
	return func(m *Manager) { m.mitigator = mit }
}

// AddHook registers an additional notification hook after construction,
// for components (the HTTP/WebSocket API) that must themselves be built
// from a reference to the Manager they then observe.
func (m *Manager) AddHook(h NotifyHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, h)
}

// WithCapture enables the per-attack packet capture ring at the given
// capacity (spec §4.5 "Packet capture"). capacity <= 0 disables capture.
func WithCapture(capacity int) Option {
	return func(m *Manager) {
		m.captureEnabled = capacity > 0
		m.captureCapacity = capacity
	}
}

// WithCaptureDir sets the directory captures are flushed to on clear
// (spec §4.5 "On transition out of attack_active, the capture is flushed
// to a file named by UUID"). An empty dir disables the flush.
func WithCaptureDir(dir string) Option {
	return func(m *Manager) { m.captureDir = dir }
}

// WithLogger sets the logger used for hook-failure and capture-flush
// warnings. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// withClock overrides the manager's time source; used by tests.
func withClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager constructs a Manager with no active attacks.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		active: make(map[netip.Addr]*hostState),
		now:    time.Now,
		log:    zap.NewNop(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// GroupInfo supplies the host-group lineage and ban policy consulted at
// onset; callers typically derive it from a hostgroup.Resolver match.
type GroupInfo struct {
	HostGroup      string
	ParentGroup    string
	BanDuration    time.Duration
	EnableUnban    bool
}

// HandleBreach processes one threshold breach for a host: onset if the
// host is calm, peak update if already active, nothing otherwise (spec
// §4.4, §4.5). Mitigation is invoked after notification hooks complete, so
// an operator observer sees the event before routes shift.
func (m *Manager) HandleBreach(b threshold.Breach, info GroupInfo) {
	m.mu.Lock()
	st, exists := m.active[b.Host]
	now := m.now()

	if !exists {
		id, ok := generateUUID()
		d := Details{
			UUID:             id,
			Host:             b.Host,
			HostGroup:        info.HostGroup,
			ParentGroup:      info.ParentGroup,
			State:            StateActive,
			FirstDetected:    now,
			PeakRate:         b.Rate,
			TriggerKind:      b.Kind,
			TriggerDirection: b.Direction,
			Severity:         severityFor(b.Rate, b.Threshold),
			BanTimestamp:     now,
			BanDuration:      info.BanDuration,
			EnableUnban:      info.EnableUnban,
		}
		if !ok {
			d.Degraded = true
		}
		if m.captureEnabled {
			d.Capture = NewRing(m.captureCapacity)
		}
		st = &hostState{details: d}
		m.active[b.Host] = st
		m.mu.Unlock()

		if failed := m.notify(func(h NotifyHook) error { return h.OnAttackOnset(st.details) }); failed {
			m.mu.Lock()
			st.details.Degraded = true
			m.mu.Unlock()
		}
		m.mitigate(st)
		return
	}

	// Already active: update peak against the frozen triggering metric
	// only (spec §4.5 "Peak tracking").
	if b.Kind == st.details.TriggerKind {
		st.details.updatePeak(b.Rate, b.Threshold)
	}
	snapshot := st.details
	m.mu.Unlock()

	if failed := m.notify(func(h NotifyHook) error { return h.OnAttackPeak(snapshot) }); failed {
		m.mu.Lock()
		st.details.Degraded = true
		m.mu.Unlock()
	}
}

// CheckExpirations walks active attacks and transitions any whose ban
// timer has elapsed and whose group allows auto-unban into
// ban_expired_awaiting_clear, then immediately clears them (spec §4.5:
// "attack_active -> ban_expired_awaiting_clear: now - ban_timestamp >=
// ban_time and unban_enabled"). Called once per tick by the runtime.
func (m *Manager) CheckExpirations() {
	now := m.now()

	m.mu.Lock()
	var toClear []*hostState
	for addr, st := range m.active {
		if !st.details.EnableUnban || st.details.BanDuration <= 0 {
			continue
		}
		if now.Sub(st.details.BanTimestamp) >= st.details.BanDuration {
			st.details.State = StateBanExpiredAwaitingClear
			toClear = append(toClear, st)
			delete(m.active, addr)
		}
	}
	m.mu.Unlock()

	for _, st := range toClear {
		m.clear(st)
	}
}

// Unban clears the attack for addr regardless of its ban timer (spec §4.5
// "Manual unban collapses to the same transition regardless of timer").
// Calling Unban on a host with no active attack is a no-op, making repeat
// calls idempotent (spec §8 "Idempotence of unban").
func (m *Manager) Unban(addr netip.Addr) {
	m.mu.Lock()
	st, ok := m.active[addr]
	if ok {
		delete(m.active, addr)
	}
	m.mu.Unlock()

	if ok {
		m.clear(st)
	}
}

func (m *Manager) clear(st *hostState) {
	if m.mitigator != nil {
		if err := m.mitigator.Withdraw(st.details); err != nil {
			st.details.MitigationFailed = true
		}
	}

	if err := FlushCapture(m.captureDir, st.details); err != nil {
		m.log.Warn("capture flush failed",
			zap.String("uuid", st.details.UUID.String()), zap.Error(err))
	}

	if failed := m.notify(func(h NotifyHook) error { return h.OnAttackClear(st.details) }); failed {
		st.details.Degraded = true
	}
}

func (m *Manager) mitigate(st *hostState) {
	if m.mitigator == nil {
		return
	}
	if err := m.mitigator.Announce(st.details); err != nil {
		m.mu.Lock()
		st.details.MitigationFailed = true
		st.retryBackoff = minBackoff
		st.nextRetry = m.now().Add(st.retryBackoff)
		m.mu.Unlock()
	}
}

// RetryMitigations re-attempts mitigation for every attack currently marked
// mitigation_failed whose backoff has elapsed, doubling the backoff up to
// maxBackoff on repeated failure (spec §7 "Hook failure").
func (m *Manager) RetryMitigations() {
	if m.mitigator == nil {
		return
	}
	now := m.now()

	m.mu.Lock()
	var retry []*hostState
	for _, st := range m.active {
		if st.details.MitigationFailed && !now.Before(st.nextRetry) {
			retry = append(retry, st)
		}
	}
	m.mu.Unlock()

	for _, st := range retry {
		err := m.mitigator.Announce(st.details)
		m.mu.Lock()
		if err == nil {
			st.details.MitigationFailed = false
		} else {
			st.retryBackoff *= 2
			if st.retryBackoff > maxBackoff {
				st.retryBackoff = maxBackoff
			}
			st.nextRetry = now.Add(st.retryBackoff)
		}
		m.mu.Unlock()
	}
}

// Active returns a snapshot of every currently active attack, keyed by
// host address. Safe for concurrent read from exporters and the API.
func (m *Manager) Active() map[netip.Addr]Details {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[netip.Addr]Details, len(m.active))
	for addr, st := range m.active {
		out[addr] = st.details
	}
	return out
}

// Capture appends p to addr's packet capture ring if addr is currently
// under attack and capture is enabled; a no-op otherwise, so callers on
// the ingest hot path never need to check attack state themselves (spec
// §4.5 "Packet capture").
func (m *Manager) Capture(addr netip.Addr, p packet.Simple) {
	m.mu.RLock()
	st, ok := m.active[addr]
	m.mu.RUnlock()
	if !ok {
		return
	}
	st.details.Capture.Push(p)
}

// Lookup returns the active attack for addr, if any.
func (m *Manager) Lookup(addr netip.Addr) (Details, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.active[addr]
	if !ok {
		return Details{}, false
	}
	return st.details, true
}

// notify invokes call against every registered hook and reports whether
// any of them failed (including a hook exceeding its own budget and
// returning a timeout error). A failure is logged but never stops the
// remaining hooks or the state machine (spec §5 "a hook exceeding a
// configured budget ... is logged and its attack is marked degraded, but
// the state machine continues").
func (m *Manager) notify(call func(NotifyHook) error) bool {
	failed := false
	for _, h := range m.hooks {
		if err := call(h); err != nil {
			failed = true
			m.log.Warn("notification hook failed, attack marked degraded", zap.Error(err))
		}
	}
	return failed
}
