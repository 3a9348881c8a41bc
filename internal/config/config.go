// Package config handles configuration loading and runtime updates.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration.
type Config struct {
	mu sync.RWMutex

	LogLevel string `yaml:"log_level"` // "debug", "info", "warn", "error"

	// Detection
	AverageCalculationTime uint64 `yaml:"average_calculation_time"` // EMA tau, seconds
	BanTime                uint64 `yaml:"ban_time"`                 // seconds; 0 = indefinite
	EnableBanIPv6          bool   `yaml:"enable_ban_ipv6"`

	Ban BanConfig `yaml:"ban"`

	NetworksList []string            `yaml:"networks_list"` // monitored CIDRs
	HostGroups   map[string]HostGroupConfig `yaml:"hostgroups"`

	Sources []SourceConfig `yaml:"sources"`
	Capture CaptureConfig  `yaml:"capture"`
	BGP     BGPConfig      `yaml:"bgp"`
	Kafka   KafkaConfig    `yaml:"kafka"`
	Exec    ExecConfig     `yaml:"exec"`

	MetricsListen string `yaml:"metrics_listen"`
	APIListen     string `yaml:"api_listen"`
}

// BanConfig holds every enable_ban_for_* / threshold_* pair (spec §6).
type BanConfig struct {
	EnablePPS           bool `yaml:"enable_ban_for_pps"`
	ThresholdPPS        uint64 `yaml:"threshold_pps"`
	EnableBandwidth     bool   `yaml:"enable_ban_for_bandwidth"`
	ThresholdMbps       uint64 `yaml:"threshold_mbps"`
	EnableFlowsPerSecond bool  `yaml:"enable_ban_for_flows_per_second"`
	ThresholdFlows      uint64 `yaml:"threshold_flows"`
	EnableTCPPPS        bool   `yaml:"enable_ban_for_tcp_pps"`
	ThresholdTCPPPS     uint64 `yaml:"threshold_tcp_pps"`
	EnableTCPBandwidth  bool   `yaml:"enable_ban_for_tcp_bandwidth"`
	ThresholdTCPMbps    uint64 `yaml:"threshold_tcp_mbps"`
	EnableUDPPPS        bool   `yaml:"enable_ban_for_udp_pps"`
	ThresholdUDPPPS     uint64 `yaml:"threshold_udp_pps"`
	EnableUDPBandwidth  bool   `yaml:"enable_ban_for_udp_bandwidth"`
	ThresholdUDPMbps    uint64 `yaml:"threshold_udp_mbps"`
	EnableICMPPPS       bool   `yaml:"enable_ban_for_icmp_pps"`
	ThresholdICMPPPS    uint64 `yaml:"threshold_icmp_pps"`
	EnableICMPBandwidth bool   `yaml:"enable_ban_for_icmp_bandwidth"`
	ThresholdICMPMbps   uint64 `yaml:"threshold_icmp_mbps"`
	EnableTCPSynPPS     bool   `yaml:"enable_ban_for_tcp_syn_pps"`
	ThresholdTCPSynPPS  uint64 `yaml:"threshold_tcp_syn_pps"`
	EnableUnban         bool   `yaml:"enable_unban"`
}

// HostGroupConfig is one entry of the hostgroups mapping (spec §6).
type HostGroupConfig struct {
	Networks        []string `yaml:"networks"`
	ParentHostGroup string   `yaml:"parent_host_group"`
	Ban             *BanConfig `yaml:"ban"`
}

// SourceConfig describes one telemetry ingest worker (SPEC_FULL §6.1).
type SourceConfig struct {
	Type   string `yaml:"type"` // sflow, netflow, ipfix, mirror
	Listen string `yaml:"listen"`
}

// CaptureConfig controls the per-host packet-capture ring (SPEC_FULL §6.1).
type CaptureConfig struct {
	Enabled   bool   `yaml:"enabled"`
	RingSize  int    `yaml:"ring_size"`
	OutputDir string `yaml:"output_dir"`
}

// BGPConfig controls the GoBGP mitigation client (SPEC_FULL §6.1).
type BGPConfig struct {
	Enabled            bool   `yaml:"enabled"`
	GRPCAddr           string `yaml:"gobgp_grpc_addr"`
	RouterIP           string `yaml:"router_id"`
	LocalAS            uint32 `yaml:"local_as"`
	PeerAS             uint32 `yaml:"peer_as"`
	NextHop            string `yaml:"next_hop"`
	CommunityBlackhole string `yaml:"community_blackhole"`
}

// KafkaConfig controls the attack-event export sink (SPEC_FULL §6.1).
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	Format  string   `yaml:"format"` // "json" or "protobuf" (kafka_traffic_export_format)
}

// ExecConfig controls the external notification script hook.
type ExecConfig struct {
	Path string `yaml:"path"`
}

// DefaultConfig returns a configuration with reasonable defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:               "info",
		AverageCalculationTime: 15,
		BanTime:                1800,
		EnableBanIPv6:          false,
		Ban: BanConfig{
			EnableUnban: true,
		},
		Sources: []SourceConfig{
			{Type: "sflow", Listen: "0.0.0.0:6343"},
			{Type: "netflow", Listen: "0.0.0.0:2055"},
		},
		Capture: CaptureConfig{
			Enabled:  false,
			RingSize: 256,
		},
		Kafka: KafkaConfig{
			Format: "json",
		},
		MetricsListen: "0.0.0.0:8080",
		APIListen:     "0.0.0.0:8000",
	}
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.AverageCalculationTime == 0 {
		return fmt.Errorf("average_calculation_time must be > 0")
	}

	if len(c.NetworksList) == 0 {
		return fmt.Errorf("networks_list must contain at least one CIDR")
	}
	for _, cidr := range c.NetworksList {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			return fmt.Errorf("networks_list entry %q: %w", cidr, err)
		}
	}

	for name, hg := range c.HostGroups {
		for _, cidr := range hg.Networks {
			if _, err := netip.ParsePrefix(cidr); err != nil {
				return fmt.Errorf("hostgroups.%s networks entry %q: %w", name, cidr, err)
			}
		}
		if hg.ParentHostGroup != "" {
			if _, ok := c.HostGroups[hg.ParentHostGroup]; !ok {
				return fmt.Errorf("hostgroups.%s: parent_host_group %q not defined", name, hg.ParentHostGroup)
			}
		}
	}

	if len(c.Sources) == 0 {
		return fmt.Errorf("sources must contain at least one ingest listener")
	}
	for _, s := range c.Sources {
		switch s.Type {
		case "sflow", "netflow", "ipfix", "mirror":
			// ok
		default:
			return fmt.Errorf("sources: unsupported type %q", s.Type)
		}
		if s.Listen == "" {
			return fmt.Errorf("sources: listen address is required for type %q", s.Type)
		}
	}

	if c.BGP.Enabled {
		if c.BGP.GRPCAddr == "" {
			return fmt.Errorf("bgp.gobgp_grpc_addr is required when bgp.enabled")
		}
		if c.BGP.LocalAS == 0 || c.BGP.PeerAS == 0 {
			return fmt.Errorf("bgp.local_as and bgp.peer_as are required when bgp.enabled")
		}
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required when kafka.enabled")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("kafka.topic is required when kafka.enabled")
		}
		switch c.Kafka.Format {
		case "json", "protobuf":
			// ok
		default:
			return fmt.Errorf("kafka.format: unsupported value %q", c.Kafka.Format)
		}
	}

	return nil
}

// SaveToFile writes the current configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

// GetBan returns the current top-level ban config (thread-safe).
func (c *Config) GetBan() BanConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Ban
}

// SetBan updates the top-level ban config (thread-safe).
func (c *Config) SetBan(b BanConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Ban = b
}
