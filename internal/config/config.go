package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/DrC0ns0le/net-speedtest/internal/measure/target"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

const (
	defaultProbeAttempts = 5
	defaultProbeTimeout  = 2 * time.Second
	defaultProbePause    = 100 * time.Millisecond

	defaultLoadDuration = 10 * time.Second
	defaultLoadInterval = 1 * time.Second

	defaultTransferTimeout = 60 * time.Second
	defaultPacketSize      = 1200
	defaultUDPRate         = "100Mbps"

	defaultRetryTries   = 3
	defaultRetryDelay   = 2 * time.Second
	defaultRetryBackoff = 2.0

	defaultConcurrency   = 2
	defaultOutputDir     = "results"
	defaultHistoryPath   = "speedtest.db"
	defaultElasticIndex  = "speedtest"
	defaultMetricsListen = ":9101"
	defaultServeListen   = ":5121"
	defaultWatchInterval = 30 * time.Minute
	defaultWatchStagger  = 5 * time.Second

	maxPacketSize = 65000
)

var defaultSizes = []string{"1MB", "10MB", "25MB"}

type Config struct {
	Servers     ServersConfig  `yaml:"servers"`
	Protocols   []string       `yaml:"protocols"`
	Sizes       []Size         `yaml:"sizes"`
	Concurrency int            `yaml:"concurrency"`
	Interface   string         `yaml:"interface"`
	Probe       ProbeConfig    `yaml:"probe"`
	Load        LoadConfig     `yaml:"load"`
	Transfer    TransferConfig `yaml:"transfer"`
	Output      OutputConfig   `yaml:"output"`
	Elastic     ElasticConfig  `yaml:"elastic"`
	Metrics     MetricsConfig  `yaml:"metrics"`
	Serve       ServeConfig    `yaml:"serve"`
	Watch       WatchConfig    `yaml:"watch"`
	Logging     LoggingConfig  `yaml:"logging"`
}

type ServersConfig struct {
	Download []target.Server `yaml:"download"`
	Upload   []target.Server `yaml:"upload"`
}

// Pool returns the candidate list for a test role.
func (s ServersConfig) Pool(role target.Direction) []target.Server {
	if role == target.Upload {
		return s.Upload
	}
	return s.Download
}

type ProbeConfig struct {
	Attempts   int      `yaml:"attempts"`
	Timeout    Duration `yaml:"timeout"`
	Pause      Duration `yaml:"pause"`
	Privileged bool     `yaml:"privileged"`
}

type LoadConfig struct {
	Duration Duration `yaml:"duration"`
	Interval Duration `yaml:"interval"`
}

type TransferConfig struct {
	Timeout    Duration    `yaml:"timeout"`
	PacketSize int         `yaml:"packet_size"`
	UDPRate    string      `yaml:"udp_rate"`
	Retry      RetryConfig `yaml:"retry"`

	// bits per second, resolved from UDPRate
	UDPRateBps float64 `yaml:"-"`
}

type RetryConfig struct {
	Tries   int      `yaml:"tries"`
	Delay   Duration `yaml:"delay"`
	Backoff float64  `yaml:"backoff"`
	Timeout Duration `yaml:"timeout"`
}

type OutputConfig struct {
	Dir      string `yaml:"dir"`
	Compress bool   `yaml:"compress"`
	History  string `yaml:"history"`
}

type ElasticConfig struct {
	Addresses []string `yaml:"addresses"`
	Index     string   `yaml:"index"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
	Insecure  bool     `yaml:"insecure"`
}

func (e ElasticConfig) Enabled() bool {
	return len(e.Addresses) > 0
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

type ServeConfig struct {
	Listen string `yaml:"listen"`
}

type WatchConfig struct {
	Interval Duration `yaml:"interval"`
	Stagger  Duration `yaml:"stagger"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads, defaults and validates a YAML configuration file.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}
	return Parse(raw)
}

func Parse(raw []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse config")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no servers.
func Default() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

func (c *Config) ApplyDefaults() {
	if len(c.Protocols) == 0 {
		c.Protocols = lo.Map(target.Protocols, func(p target.Protocol, _ int) string { return string(p) })
	}
	if len(c.Sizes) == 0 {
		for _, s := range defaultSizes {
			n, _ := ParseBytes(s)
			c.Sizes = append(c.Sizes, Size(n))
		}
	}
	if c.Concurrency == 0 {
		c.Concurrency = defaultConcurrency
	}

	if c.Probe.Attempts == 0 {
		c.Probe.Attempts = defaultProbeAttempts
	}
	if c.Probe.Timeout == 0 {
		c.Probe.Timeout = Duration(defaultProbeTimeout)
	}
	if c.Probe.Pause == 0 {
		c.Probe.Pause = Duration(defaultProbePause)
	}

	if c.Load.Duration == 0 {
		c.Load.Duration = Duration(defaultLoadDuration)
	}
	if c.Load.Interval == 0 {
		c.Load.Interval = Duration(defaultLoadInterval)
	}

	if c.Transfer.Timeout == 0 {
		c.Transfer.Timeout = Duration(defaultTransferTimeout)
	}
	if c.Transfer.PacketSize == 0 {
		c.Transfer.PacketSize = defaultPacketSize
	}
	if c.Transfer.UDPRate == "" {
		c.Transfer.UDPRate = defaultUDPRate
	}
	if c.Transfer.Retry.Tries == 0 {
		c.Transfer.Retry.Tries = defaultRetryTries
	}
	if c.Transfer.Retry.Delay == 0 {
		c.Transfer.Retry.Delay = Duration(defaultRetryDelay)
	}
	if c.Transfer.Retry.Backoff == 0 {
		c.Transfer.Retry.Backoff = defaultRetryBackoff
	}

	if c.Output.Dir == "" {
		c.Output.Dir = defaultOutputDir
	}
	if c.Output.History == "" {
		c.Output.History = defaultHistoryPath
	}
	if c.Elastic.Index == "" {
		c.Elastic.Index = defaultElasticIndex
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = defaultMetricsListen
	}
	if c.Serve.Listen == "" {
		c.Serve.Listen = defaultServeListen
	}
	if c.Watch.Interval == 0 {
		c.Watch.Interval = Duration(defaultWatchInterval)
	}
	if c.Watch.Stagger == 0 {
		c.Watch.Stagger = Duration(defaultWatchStagger)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func (c *Config) Validate() error {
	protocols, err := c.ParsedProtocols()
	if err != nil {
		return err
	}
	for _, role := range target.Directions {
		for i := range c.Servers.Pool(role) {
			s := &c.Servers.Pool(role)[i]
			s.Host = strings.TrimSpace(s.Host)
			if s.Host == "" {
				return fmt.Errorf("servers.%s[%d].host must not be empty", role, i)
			}
			if s.Port < 0 || s.Port > 65535 {
				return fmt.Errorf("servers.%s[%d].port out of range: %d", role, i, s.Port)
			}
			for _, p := range s.Protocols {
				if _, err := target.ParseProtocol(string(p)); err != nil {
					return errors.Wrapf(err, "servers.%s[%d].protocols", role, i)
				}
			}
		}
	}
	if len(protocols) == 0 {
		return errors.New("protocols must not be empty")
	}
	for i, s := range c.Sizes {
		if s < 0 {
			return fmt.Errorf("sizes[%d] must be >= 0", i)
		}
	}
	if c.Concurrency < 1 {
		return errors.New("concurrency must be > 0")
	}
	if c.Probe.Attempts < 1 {
		return errors.New("probe.attempts must be > 0")
	}
	if c.Probe.Timeout.Duration() <= 0 {
		return errors.New("probe.timeout must be > 0")
	}
	if c.Load.Interval.Duration() <= 0 || c.Load.Duration.Duration() <= 0 {
		return errors.New("load.duration and load.interval must be > 0")
	}
	if c.Transfer.PacketSize < 16 || c.Transfer.PacketSize > maxPacketSize {
		return fmt.Errorf("transfer.packet_size must be between 16 and %d", maxPacketSize)
	}
	rate, err := ParseBandwidth(c.Transfer.UDPRate)
	if err != nil {
		return errors.Wrap(err, "transfer.udp_rate")
	}
	if rate <= 0 {
		return errors.New("transfer.udp_rate must be > 0")
	}
	c.Transfer.UDPRateBps = rate
	if c.Transfer.Retry.Tries < 1 {
		return errors.New("transfer.retry.tries must be > 0")
	}
	if c.Transfer.Retry.Backoff < 1 {
		return errors.New("transfer.retry.backoff must be >= 1")
	}
	if c.Transfer.Retry.Delay < 0 || c.Transfer.Retry.Timeout < 0 {
		return errors.New("transfer.retry.delay and timeout must be >= 0")
	}
	if c.Elastic.Enabled() && strings.TrimSpace(c.Elastic.Index) == "" {
		return errors.New("elastic.index must not be empty")
	}
	return nil
}

// ParsedProtocols returns the configured protocols, deduplicated, in order.
func (c *Config) ParsedProtocols() ([]target.Protocol, error) {
	out := make([]target.Protocol, 0, len(c.Protocols))
	for _, raw := range c.Protocols {
		p, err := target.ParseProtocol(raw)
		if err != nil {
			return nil, errors.Wrap(err, "protocols")
		}
		out = append(out, p)
	}
	return lo.Uniq(out), nil
}

// SizeBytes returns the configured payload sizes in bytes.
func (c *Config) SizeBytes() []int64 {
	return lo.Map(c.Sizes, func(s Size, _ int) int64 { return s.Bytes() })
}
