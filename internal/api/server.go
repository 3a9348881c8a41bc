// Package api implements the HTTP REST + WebSocket control API (spec §6,
// SPEC_FULL §4.9): attack inspection, per-host lookup, and manual unban.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fastnetmon/fastnetmon-core/internal/attack"
	"github.com/fastnetmon/fastnetmon-core/internal/config"
	"github.com/fastnetmon/fastnetmon-core/internal/counters"
	"github.com/fastnetmon/fastnetmon-core/internal/hostgroup"
)

// Server implements the HTTP REST + WebSocket API. It also implements
// attack.NotifyHook so onset/peak/clear events are pushed to every
// connected WebSocket client as they happen.
type Server struct {
	log       *zap.Logger
	cfg       *config.Config
	manager   *attack.Manager
	counters  *counters.Engine
	resolver  *hostgroup.Resolver
	startTime time.Time

	httpServer *http.Server

	wsMu    sync.RWMutex
	wsConns map[*websocket.Conn]struct{}

	upgrader websocket.Upgrader
}

// NewServer creates a new API server.
func NewServer(log *zap.Logger, cfg *config.Config, manager *attack.Manager, eng *counters.Engine, resolver *hostgroup.Resolver) *Server {
	return &Server{
		log:       log,
		cfg:       cfg,
		manager:   manager,
		counters:  eng,
		resolver:  resolver,
		startTime: time.Now(),
		wsConns:   make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/attacks", s.handleAttacks)
	mux.HandleFunc("/api/v1/hosts/", s.handleHost)
	mux.HandleFunc("/api/v1/unban/", s.handleUnban)
	mux.HandleFunc("/api/v1/ws", s.handleWS)

	s.httpServer = &http.Server{
		Handler: corsMiddleware(mux),
	}

	lis, err := net.Listen("tcp", s.cfg.APIListen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.APIListen, err)
	}

	s.log.Info("HTTP API server starting", zap.String("listen", s.cfg.APIListen))

	go func() {
		if err := s.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			s.log.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server and closes every WebSocket client.
func (s *Server) Stop() {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.httpServer.Shutdown(ctx)
		s.log.Info("HTTP API server stopped")
	}
	s.wsMu.Lock()
	for c := range s.wsConns {
		c.Close()
	}
	s.wsMu.Unlock()
}

// --- attack.NotifyHook ---

// OnAttackOnset implements attack.NotifyHook.
func (s *Server) OnAttackOnset(d attack.Details) error {
	s.broadcast("attack_onset", d)
	return nil
}

// OnAttackPeak implements attack.NotifyHook.
func (s *Server) OnAttackPeak(d attack.Details) error {
	s.broadcast("attack_peak", d)
	return nil
}

// OnAttackClear implements attack.NotifyHook.
func (s *Server) OnAttackClear(d attack.Details) error {
	s.broadcast("attack_clear", d)
	return nil
}

// --- WebSocket ---

type wsMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	s.wsMu.Lock()
	s.wsConns[conn] = struct{}{}
	s.wsMu.Unlock()

	s.log.Debug("websocket client connected", zap.String("remote", conn.RemoteAddr().String()))

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.wsMu.Lock()
	delete(s.wsConns, conn)
	s.wsMu.Unlock()
	conn.Close()

	s.log.Debug("websocket client disconnected", zap.String("remote", conn.RemoteAddr().String()))
}

func (s *Server) broadcast(eventType string, d attack.Details) {
	data, err := json.Marshal(wsMessage{Type: eventType, Data: attackToJSON(d)})
	if err != nil {
		return
	}

	s.wsMu.RLock()
	defer s.wsMu.RUnlock()

	for c := range s.wsConns {
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			c.Close()
			go func(conn *websocket.Conn) {
				s.wsMu.Lock()
				delete(s.wsConns, conn)
				s.wsMu.Unlock()
			}(c)
		}
	}
}

// --- REST handlers ---

func (s *Server) handleAttacks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	active := s.manager.Active()
	out := make([]map[string]interface{}, 0, len(active))
	for _, d := range active {
		out = append(out, attackToJSON(d))
	}
	writeJSON(w, out)
}

func (s *Server) handleHost(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ipStr := strings.TrimPrefix(r.URL.Path, "/api/v1/hosts/")
	addr, err := netip.ParseAddr(ipStr)
	if err != nil {
		http.Error(w, "invalid IP address", http.StatusBadRequest)
		return
	}

	match := s.resolver.Resolve(addr)
	snap := s.counters.Inspect()
	host, tracked := snap.Hosts[addr]

	resp := map[string]interface{}{
		"ip":          addr.String(),
		"hostGroup":   match.Group.Name,
		"parentGroup": "",
		"tracked":     tracked,
	}
	if match.ParentGroup != nil {
		resp["parentGroup"] = match.ParentGroup.Name
	}
	if tracked {
		resp["counters"] = hostSnapshotToJSON(host)
	}
	if details, ok := s.manager.Lookup(addr); ok {
		resp["attack"] = attackToJSON(details)
	}
	writeJSON(w, resp)
}

func (s *Server) handleUnban(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ipStr := strings.TrimPrefix(r.URL.Path, "/api/v1/unban/")
	addr, err := netip.ParseAddr(ipStr)
	if err != nil {
		http.Error(w, "invalid IP address", http.StatusBadRequest)
		return
	}

	s.manager.Unban(addr)
	s.log.Info("manual unban issued via API", zap.String("host", addr.String()))
	writeJSON(w, map[string]bool{"ok": true})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func attackToJSON(d attack.Details) map[string]interface{} {
	return map[string]interface{}{
		"uuid":             d.UUID.String(),
		"host":             d.Host.String(),
		"hostGroup":        d.HostGroup,
		"parentGroup":      d.ParentGroup,
		"state":            d.State.String(),
		"firstDetected":    d.FirstDetected.Unix(),
		"peakRate":         d.PeakRate,
		"triggerKind":      d.TriggerKind.String(),
		"triggerDirection": d.TriggerDirection,
		"severity":         d.Severity.String(),
		"banTimestamp":     d.BanTimestamp.Unix(),
		"banDuration":      d.BanDuration.Seconds(),
		"mitigationFailed": d.MitigationFailed,
		"degraded":         d.Degraded,
	}
}

func hostSnapshotToJSON(h counters.HostSnapshot) map[string]interface{} {
	return map[string]interface{}{
		"bytesInPps":  h.Total.BytesIn.EMA(),
		"bytesOutPps": h.Total.BytesOut.EMA(),
		"pktsInPps":   h.Total.PacketsIn.EMA(),
		"pktsOutPps":  h.Total.PacketsOut.EMA(),
		"tcpPktsIn":   h.TCP.PacketsIn.EMA(),
		"udpPktsIn":   h.UDP.PacketsIn.EMA(),
		"icmpPktsIn":  h.ICMP.PacketsIn.EMA(),
		"tcpSynIn":    h.TCPSyn.PacketsIn.EMA(),
		"flowsIn":     h.Total.FlowsIn.EMA(),
	}
}
