// Package config loads the broker configuration file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/life-stream-dev/lsmq/internal/utils"
)

const DefaultPath = "config.json"

var ErrCreated = errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")

// Duration is written in the configuration file as "10s", "5m", "1h" or "2d".
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(utils.FormatStringTime(time.Duration(d)))
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := utils.ParseStringTime(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

type BrokerConfig struct {
	Address        string   `json:"address"`
	MaxQoS         byte     `json:"max_qos"`
	QueueLimit     int      `json:"queue_limit"`
	MaxInflight    int      `json:"max_inflight"`
	RetryInterval  Duration `json:"retry_interval"`
	MaxRetries     int      `json:"max_retries"`
	SessionExpiry  Duration `json:"session_expiry"`
	SweepInterval  Duration `json:"sweep_interval"`
	KeepaliveGrace float64  `json:"keepalive_grace"`
	ConnectTimeout Duration `json:"connect_timeout"`
	MaxConnections int      `json:"max_connections"`
	AcceptRate     float64  `json:"accept_rate"`
	AcceptBurst    int      `json:"accept_burst"`
	MaxPacketSize  int      `json:"max_packet_size"`
}

type AuthConfig struct {
	AllowAnonymous bool              `json:"allow_anonymous"`
	Users          map[string]string `json:"users"`
}

type PersistenceConfig struct {
	Backend         string   `json:"backend"` // memory, mongo or badger
	BadgerDir       string   `json:"badger_dir"`
	FlushInterval   Duration `json:"flush_interval"`
	// consecutive failures that open the circuit breaker around the backend
	BreakerFailures int      `json:"breaker_failures"`
	BreakerReset    Duration `json:"breaker_reset"`
}

type DatabaseConfig struct {
	Host               string   `json:"host"`
	Port               uint64   `json:"port"`
	Username           string   `json:"username"`
	Password           string   `json:"password"`
	Database           string   `json:"database"`
	UseTLS             bool     `json:"use_tls"`
	ConnectTimeout     Duration `json:"connect_timeout"`
	SocketTimeout      Duration `json:"socket_timeout"`
	ConnectIdleTimeout Duration `json:"connect_idle_timeout"`
	OperationTimeout   Duration `json:"operation_timeout"`
	Heartbeat          Duration `json:"heartbeat"`
	MinPoolSize        uint64   `json:"min_pool_size"`
	MaxPoolSize        uint64   `json:"max_pool_size"`
	CacheSize          int      `json:"cache_size"`
	CacheTTL           Duration `json:"cache_ttl"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
	Path    string `json:"path"`
}

type Config struct {
	Broker      BrokerConfig      `json:"broker"`
	Auth        AuthConfig        `json:"auth"`
	Persistence PersistenceConfig `json:"persistence"`
	Database    DatabaseConfig    `json:"database"`
	Metrics     MetricsConfig     `json:"metrics"`
	DebugMode   bool              `json:"debug_mode"`
	AppName     string            `json:"app_name"`
	LogDir      string            `json:"log_dir"`
}

// Default returns a configuration with every default applied.
func Default() Config {
	var c Config
	c.Auth.AllowAnonymous = true
	c.Auth.Users = map[string]string{"pub": "pub1", "sub1": "sub1"}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills zero values. A zero accept_rate is kept as written,
// it disables the accept limiter.
func (c *Config) ApplyDefaults() {
	b := &c.Broker
	if b.Address == "" {
		b.Address = ":1883"
	}
	if b.MaxQoS == 0 {
		b.MaxQoS = 2
	}
	if b.QueueLimit == 0 {
		b.QueueLimit = 1000
	}
	if b.MaxInflight == 0 {
		b.MaxInflight = 32
	}
	if b.RetryInterval == 0 {
		b.RetryInterval = Duration(20 * time.Second)
	}
	if b.MaxRetries == 0 {
		b.MaxRetries = 5
	}
	if b.SessionExpiry == 0 {
		b.SessionExpiry = Duration(time.Hour)
	}
	if b.SweepInterval == 0 {
		b.SweepInterval = Duration(30 * time.Second)
	}
	if b.KeepaliveGrace == 0 {
		b.KeepaliveGrace = 1.5
	}
	if b.ConnectTimeout == 0 {
		b.ConnectTimeout = Duration(10 * time.Second)
	}
	if b.MaxConnections == 0 {
		b.MaxConnections = 10000
	}
	if b.AcceptBurst == 0 {
		b.AcceptBurst = 100
	}
	if b.MaxPacketSize == 0 {
		b.MaxPacketSize = 256 * 1024
	}

	p := &c.Persistence
	if p.Backend == "" {
		p.Backend = "memory"
	}
	if p.BadgerDir == "" {
		p.BadgerDir = "data"
	}
	if p.FlushInterval == 0 {
		p.FlushInterval = Duration(time.Minute)
	}
	if p.BreakerFailures == 0 {
		p.BreakerFailures = 5
	}
	if p.BreakerReset == 0 {
		p.BreakerReset = Duration(30 * time.Second)
	}

	d := &c.Database
	if d.Host == "" {
		d.Host = "localhost"
	}
	if d.Port == 0 {
		d.Port = 27017
	}
	if d.Database == "" {
		d.Database = "lsmq"
	}
	if d.ConnectTimeout == 0 {
		d.ConnectTimeout = Duration(10 * time.Second)
	}
	if d.SocketTimeout == 0 {
		d.SocketTimeout = Duration(30 * time.Second)
	}
	if d.ConnectIdleTimeout == 0 {
		d.ConnectIdleTimeout = Duration(5 * time.Minute)
	}
	if d.OperationTimeout == 0 {
		d.OperationTimeout = Duration(5 * time.Second)
	}
	if d.Heartbeat == 0 {
		d.Heartbeat = Duration(10 * time.Second)
	}
	if d.MaxPoolSize == 0 {
		d.MaxPoolSize = 100
	}
	if d.CacheSize == 0 {
		d.CacheSize = 1024
	}
	if d.CacheTTL == 0 {
		d.CacheTTL = Duration(10 * time.Minute)
	}

	m := &c.Metrics
	if m.Address == "" {
		m.Address = ":9090"
	}
	if m.Path == "" {
		m.Path = "/metrics"
	}

	if c.AppName == "" {
		c.AppName = "lsmq"
	}
	if c.LogDir == "" {
		c.LogDir = "logs"
	}
}

func (c *Config) Validate() error {
	b := c.Broker
	var errs []error
	if b.MaxQoS > 2 {
		errs = append(errs, fmt.Errorf("broker.max_qos must be 0, 1 or 2, got %d", b.MaxQoS))
	}
	if b.QueueLimit < 0 {
		errs = append(errs, fmt.Errorf("broker.queue_limit must not be negative"))
	}
	if b.MaxInflight < 0 || b.MaxInflight > 65535 {
		errs = append(errs, fmt.Errorf("broker.max_inflight must be within 0..65535"))
	}
	if b.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("broker.max_retries must not be negative"))
	}
	if b.KeepaliveGrace < 1 {
		errs = append(errs, fmt.Errorf("broker.keepalive_grace must be at least 1, got %v", b.KeepaliveGrace))
	}
	if b.AcceptRate < 0 {
		errs = append(errs, fmt.Errorf("broker.accept_rate must not be negative"))
	}
	if b.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("broker.max_connections must not be negative"))
	}
	if b.MaxPacketSize < 0 || b.MaxPacketSize > 268435455+5 {
		errs = append(errs, fmt.Errorf("broker.max_packet_size out of range"))
	}
	switch c.Persistence.Backend {
	case "memory", "mongo", "badger":
	default:
		errs = append(errs, fmt.Errorf("persistence.backend must be memory, mongo or badger, got %q", c.Persistence.Backend))
	}
	if c.Persistence.BreakerFailures < 0 {
		errs = append(errs, fmt.Errorf("persistence.breaker_failures must not be negative"))
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, fmt.Errorf("metrics.address is required when metrics are enabled"))
	}
	return errors.Join(errs...)
}

// Load reads path. A missing file is created with the defaults and reported
// with ErrCreated.
func Load(path string) (Config, error) {
	bytes, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read configuration file: %w", err)
		}
		config := Default()
		data, _ := json.MarshalIndent(config, "", "\t")
		if err := os.WriteFile(path, data, 0644); err != nil {
			return config, fmt.Errorf("create configuration file: %w", err)
		}
		return config, ErrCreated
	}

	var config Config
	if err := json.Unmarshal(bytes, &config); err != nil {
		return config, fmt.Errorf("the configuration file does not contain valid JSON: %w", err)
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return config, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
