package tftp

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Duration accepts YAML strings in time.ParseDuration syntax ("30s", "5m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config mirrors the YAML configuration file.
type Config struct {
	Port    int      `yaml:"port"`
	Root    string   `yaml:"root"`
	User    string   `yaml:"user"`
	Group   string   `yaml:"group"`
	Verbose bool     `yaml:"verbose"`
	Hooks   []string `yaml:"hooks"`

	CacheTTL     Duration `yaml:"cache_ttl"`
	RetryTimeout Duration `yaml:"retry_timeout"`

	Netboot *NetbootConfig `yaml:"netboot"`
}

// NetbootConfig is the optional DHCP responder section.
type NetbootConfig struct {
	Listen      string   `yaml:"listen"`
	ServerIP    string   `yaml:"server_ip"`
	NextServer  string   `yaml:"next_server"`
	BootFile    string   `yaml:"boot_file"`
	RangeStart  string   `yaml:"range_start"`
	RangeEnd    string   `yaml:"range_end"`
	Netmask     string   `yaml:"netmask"`
	Router      string   `yaml:"router"`
	DNS         []string `yaml:"dns"`
	Domain      string   `yaml:"domain"`
	LeaseTime   Duration `yaml:"lease_time"`
	AllowedMACs []string `yaml:"allowed_macs"`
}

// DefaultConfig matches an unconfigured installation.
func DefaultConfig() *Config {
	return &Config{
		Port: 69,
		Root: "/var/lib/tftpboot",
	}
}

// LoadConfig reads and parses the YAML file at path on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ServerOptions translates the file form into server Options.
func (c *Config) ServerOptions(log zerolog.Logger) (Options, error) {
	options := Options{
		ListenAddr:   fmt.Sprintf(":%d", c.Port),
		Root:         c.Root,
		CacheTTL:     time.Duration(c.CacheTTL),
		RetryTimeout: time.Duration(c.RetryTimeout),
		Logger:       log,
	}

	if c.Netboot == nil {
		return options, nil
	}

	nb := &NetbootOptions{
		ListenAddr:  c.Netboot.Listen,
		BootFile:    c.Netboot.BootFile,
		DomainName:  c.Netboot.Domain,
		LeaseTime:   time.Duration(c.Netboot.LeaseTime),
		AllowedMACs: c.Netboot.AllowedMACs,
	}
	if nb.ListenAddr == "" {
		nb.ListenAddr = ":67"
	}

	var err error
	if nb.ServerIP, err = parseIPv4(c.Netboot.ServerIP, "server_ip"); err != nil {
		return options, err
	}
	if nb.NextServer, err = parseIPv4(c.Netboot.NextServer, "next_server"); err != nil {
		return options, err
	}
	if nb.Router, err = parseIPv4(c.Netboot.Router, "router"); err != nil {
		return options, err
	}
	if c.Netboot.Netmask != "" {
		mask, err := parseIPv4(c.Netboot.Netmask, "netmask")
		if err != nil {
			return options, err
		}
		nb.SubnetMask = net.IPMask(mask.To4())
	}
	for _, d := range c.Netboot.DNS {
		ip, err := parseIPv4(d, "dns")
		if err != nil {
			return options, err
		}
		nb.DNSServers = append(nb.DNSServers, ip)
	}

	start, err := parseIPv4(c.Netboot.RangeStart, "range_start")
	if err != nil {
		return options, err
	}
	end, err := parseIPv4(c.Netboot.RangeEnd, "range_end")
	if err != nil {
		return options, err
	}
	if start == nil || end == nil {
		return options, fmt.Errorf("netboot requires range_start and range_end")
	}
	if nb.Leases, err = NewIPPool(start, end); err != nil {
		return options, err
	}

	options.Netboot = nb
	return options, nil
}

func parseIPv4(s, field string) (net.IP, error) {
	if s == "" {
		return nil, nil
	}
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("netboot %s: %q is not an IPv4 address", field, s)
	}
	return ip.To4(), nil
}
