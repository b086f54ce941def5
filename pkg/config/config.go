package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/abcdlsj/dockgen/pkg/docker"
	"github.com/spf13/viper"
)

// ErrConfiguration marks errors that must stop the process before any work.
var ErrConfiguration = errors.New("invalid configuration")

// Config represents the application configuration
type Config struct {
	Templates   []string `mapstructure:"template" yaml:"template"`         // source;destination pairs
	Docker      []string `mapstructure:"docker" yaml:"docker"`             // hostname[:port], comma-separated allowed
	Monitor     bool     `mapstructure:"monitor" yaml:"monitor"`           // keep watching after startup
	ProxyFile   string   `mapstructure:"proxy-file" yaml:"proxy-file"`     // nginx configuration output
	ProxyCerts  string   `mapstructure:"proxy-certs" yaml:"proxy-certs"`   // <name>.crt / <name>.key pairs
	ProxyConfs  string   `mapstructure:"proxy-confs" yaml:"proxy-confs"`   // <hostname>.conf includes
	DockerCerts string   `mapstructure:"docker-certs" yaml:"docker-certs"` // ca.pem, cert.pem, key.pem
	Notify      string   `mapstructure:"notify" yaml:"notify"`             // run after each refresh
	StrictHosts bool     `mapstructure:"strict-hosts" yaml:"strict-hosts"`
	LogLevel    string   `mapstructure:"log-level" yaml:"log-level"`

	// Command is the supervised command, taken from positional arguments.
	Command []string `mapstructure:"-" yaml:"-"`
}

// HostAddr is a parsed --docker entry.
type HostAddr struct {
	Name string
	Port int
}

// TemplatePair is a parsed --template entry.
type TemplatePair struct {
	Source      string
	Destination string
}

// Load builds the configuration from v, which must already have flags,
// environment and any config file bound, and validates it.
func Load(v *viper.Viper, command []string) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: error unmarshaling config: %v", ErrConfiguration, err)
	}
	cfg.Command = command

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := cfg.absPaths(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks option combinations and entry syntax.
func (c *Config) Validate() error {
	if len(c.Templates) == 0 && c.ProxyFile == "" && len(c.Command) == 0 {
		return fmt.Errorf("%w: nothing to do, provide a template, a proxy file or a command", ErrConfiguration)
	}

	if _, err := c.TemplatePairs(); err != nil {
		return err
	}

	hosts, err := c.Hosts()
	if err != nil {
		return err
	}

	if len(hosts) == 0 {
		for _, opt := range []struct {
			flag string
			set  bool
		}{
			{"monitor", c.Monitor},
			{"proxy-file", c.ProxyFile != ""},
			{"docker-certs", c.DockerCerts != ""},
		} {
			if opt.set {
				return fmt.Errorf("%w: --%s requires at least one --docker host", ErrConfiguration, opt.flag)
			}
		}
	}

	if c.ProxyFile == "" && (c.ProxyCerts != "" || c.ProxyConfs != "") {
		return fmt.Errorf("%w: --proxy-certs and --proxy-confs require --proxy-file", ErrConfiguration)
	}

	if c.Notify != "" && !c.Monitor {
		return fmt.Errorf("%w: --notify requires --monitor", ErrConfiguration)
	}

	return nil
}

// Hosts parses every docker host entry.
func (c *Config) Hosts() ([]HostAddr, error) {
	var hosts []HostAddr
	for _, entry := range c.Docker {
		for _, raw := range strings.Split(entry, ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			h, err := ParseHost(raw)
			if err != nil {
				return nil, err
			}
			hosts = append(hosts, h)
		}
	}
	return hosts, nil
}

// ParseHost parses hostname or hostname:port. The port defaults to the
// Docker TLS port.
func ParseHost(raw string) (HostAddr, error) {
	name, portStr, hasPort := strings.Cut(raw, ":")
	if name == "" {
		return HostAddr{}, fmt.Errorf("%w: invalid docker host %q", ErrConfiguration, raw)
	}

	if !hasPort {
		return HostAddr{Name: name, Port: docker.DefaultPort}, nil
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return HostAddr{}, fmt.Errorf("%w: invalid port in docker host %q", ErrConfiguration, raw)
	}
	return HostAddr{Name: name, Port: port}, nil
}

// TemplatePairs parses every template entry.
func (c *Config) TemplatePairs() ([]TemplatePair, error) {
	pairs := make([]TemplatePair, 0, len(c.Templates))
	for _, t := range c.Templates {
		p, err := ParseTemplatePair(t)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, nil
}

// ParseTemplatePair parses source;destination.
func ParseTemplatePair(raw string) (TemplatePair, error) {
	parts := strings.Split(raw, ";")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return TemplatePair{}, fmt.Errorf("%w: template %q must be source;destination", ErrConfiguration, raw)
	}
	return TemplatePair{Source: parts[0], Destination: parts[1]}, nil
}

func (c *Config) absPaths() error {
	for _, p := range []*string{&c.ProxyFile, &c.ProxyCerts, &c.ProxyConfs, &c.DockerCerts} {
		if *p == "" {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
		*p = abs
	}

	for i, t := range c.Templates {
		pair, _ := ParseTemplatePair(t)
		src, err := filepath.Abs(pair.Source)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
		dst, err := filepath.Abs(pair.Destination)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
		c.Templates[i] = src + ";" + dst
	}

	return nil
}
