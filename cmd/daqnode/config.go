package main

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrConfig = errors.New("config: invalid configuration")
)

// Config is the YAML description of a node.
type Config struct {
	Node          string        `yaml:"node"`
	LogLevel      string        `yaml:"log_level"`
	MetricsListen string        `yaml:"metrics_listen"`
	EnableTimeout time.Duration `yaml:"enable_timeout"`
	StopTimeout   time.Duration `yaml:"stop_timeout"`

	Net    *NetConfig    `yaml:"net"`
	Gossip *GossipConfig `yaml:"gossip"`
	// Static resolves node names when there is no gossip.
	Static map[string]string `yaml:"static"`

	Pools       []PoolConfig       `yaml:"pools"`
	Modules     []ModuleConfig     `yaml:"modules"`
	Connections []ConnectionConfig `yaml:"connections"`
}

type NetConfig struct {
	Listen    string    `yaml:"listen"`
	Advertise string    `yaml:"advertise"`
	Pool      string    `yaml:"pool"`
	Thread    string    `yaml:"thread"`
	TLS       TLSConfig `yaml:"tls"`
}

type TLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
	CA   string `yaml:"ca"`
}

type GossipConfig struct {
	Listen string   `yaml:"listen"`
	Join   []string `yaml:"join"`
}

type PoolConfig struct {
	Name      string `yaml:"name"`
	SlotSize  int    `yaml:"slot_size"`
	Count     int    `yaml:"count"`
	Increment int    `yaml:"increment"`
	Limit     int    `yaml:"limit"`
}

type ModuleConfig struct {
	Name   string         `yaml:"name"`
	Kind   string         `yaml:"kind"`
	Thread string         `yaml:"thread"`
	Params map[string]any `yaml:"params"`
}

type ConnectionConfig struct {
	From       string        `yaml:"from"`
	To         string        `yaml:"to"`
	Device     string        `yaml:"device"`
	Optional   bool          `yaml:"optional"`
	Timeout    time.Duration `yaml:"timeout"`
	InlineSize int           `yaml:"inline_size"`
	UseAck     bool          `yaml:"use_ack"`
}

func ParseConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfigBytes(data)
}

func ParseConfigBytes(data []byte) (*Config, error) {
	c := &Config{
		LogLevel:      "info",
		EnableTimeout: 30 * time.Second,
		StopTimeout:   10 * time.Second,
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.Node == "" {
		return fmt.Errorf("%w: node name is required", ErrConfig)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	for i, p := range c.Pools {
		if p.Name == "" || p.SlotSize <= 0 || p.Count <= 0 {
			return fmt.Errorf("%w: pool #%d needs a name, a slot_size and a count", ErrConfig, i)
		}
	}
	for i, m := range c.Modules {
		if m.Name == "" || m.Kind == "" {
			return fmt.Errorf("%w: module #%d needs a name and a kind", ErrConfig, i)
		}
	}
	for i, conn := range c.Connections {
		if conn.From == "" || conn.To == "" {
			return fmt.Errorf("%w: connection #%d needs both ends", ErrConfig, i)
		}
	}
	if c.Net != nil {
		if c.Net.TLS.Cert == "" || c.Net.TLS.Key == "" || c.Net.TLS.CA == "" {
			return fmt.Errorf("%w: net needs tls cert, key and ca", ErrConfig)
		}
	}
	if c.Gossip != nil && c.Net == nil {
		return fmt.Errorf("%w: gossip advertises the net device, configure net", ErrConfig)
	}
	return nil
}

func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return lvl, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return lvl, nil
}

// tlsConfig loads the mTLS material of the net device.
func (t TLSConfig) tlsConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(t.Cert, t.Key)
	if err != nil {
		return nil, err
	}
	caPEM, err := os.ReadFile(t.CA)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("%w: no certificate in %s", ErrConfig, t.CA)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		RootCAs:      pool,
	}, nil
}
