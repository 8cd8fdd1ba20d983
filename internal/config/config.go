// Package config loads and validates the YAML configuration file,
// extending the teacher's config.go with the fields a complete daemon
// needs: per-proxy backlog and an address pool instead of a single
// outbound IPv6, plus process-wide logging and metrics settings.
package config

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultBacklog matches the teacher's hardcoded listen(2) backlog.
const DefaultBacklog = 1024

// DefaultPort is used when a proxy entry omits a port, per SPEC_FULL.md
// §6.
const DefaultPort = 1080

// ProxyEntry defines a single SOCKS5 listener with a pool of outbound
// IPv6 source addresses. IPv6 was a single string in the teacher's
// ProxyEntry; it is now a list so one listener can round-robin several
// source addresses.
type ProxyEntry struct {
	IPv6    []string `yaml:"ipv6"`
	Port    int      `yaml:"port"`
	Backlog int      `yaml:"backlog"`
}

// Config is the top-level YAML configuration.
type Config struct {
	Interface   string       `yaml:"interface"`
	Proxies     []ProxyEntry `yaml:"proxies"`
	LogLevel    string       `yaml:"log_level"`
	MetricsAddr string       `yaml:"metrics_addr"`
}

// Load reads and validates the YAML configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.Interface == "" {
		return nil, fmt.Errorf("config: 'interface' is required (e.g. eth0)")
	}
	if len(cfg.Proxies) == 0 {
		return nil, fmt.Errorf("config: at least one proxy entry is required")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	seenPorts := make(map[int]struct{}, len(cfg.Proxies))
	for i := range cfg.Proxies {
		p := &cfg.Proxies[i]

		if p.Port == 0 {
			p.Port = DefaultPort
		}
		if p.Port < 1 || p.Port > 65535 {
			return nil, fmt.Errorf("config: proxies[%d]: port %d out of range (1-65535)", i, p.Port)
		}
		if _, ok := seenPorts[p.Port]; ok {
			return nil, fmt.Errorf("config: proxies[%d]: duplicate port %d", i, p.Port)
		}
		seenPorts[p.Port] = struct{}{}

		if len(p.IPv6) == 0 {
			return nil, fmt.Errorf("config: proxies[%d]: at least one 'ipv6' address is required", i)
		}
		for j, addr := range p.IPv6 {
			ip := net.ParseIP(addr)
			if ip == nil {
				return nil, fmt.Errorf("config: proxies[%d].ipv6[%d]: invalid IP address %q", i, j, addr)
			}
			if ip.To4() != nil {
				return nil, fmt.Errorf("config: proxies[%d].ipv6[%d]: %q is IPv4, only IPv6 is supported", i, j, addr)
			}
			p.IPv6[j] = ip.String()
		}

		if p.Backlog <= 0 {
			p.Backlog = DefaultBacklog
		}
	}

	return &cfg, nil
}
