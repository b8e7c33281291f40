package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quanlan-server/quanlan-server/internal/validation"
	"github.com/quanlan-server/quanlan-server/pkg/stimulation"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	API      APIConfig      `yaml:"api"`
	RPC      RPCConfig      `yaml:"rpc"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Log      LogConfig      `yaml:"log"`
	Device   DeviceConfig   `yaml:"device"`
	Sim      SimConfig      `yaml:"sim"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig represents the HTTP listener
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"gte=0,lte=65535"`
}

// Addr returns host:port
func (c APIConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// RPCConfig represents limits applied to every RPC request
type RPCConfig struct {
	RateLimitRPS   float64       `yaml:"rate_limit_rps" validate:"gte=0"`
	RateLimitBurst int           `yaml:"rate_limit_burst" validate:"gte=0"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes" validate:"gte=0"`
	Timeout        time.Duration `yaml:"timeout"`
}

// AuthConfig represents client authentication
type AuthConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Secret   string         `yaml:"secret"`
	TokenTTL time.Duration  `yaml:"token_ttl"`
	Clients  []ClientConfig `yaml:"clients" validate:"dive"`
}

// ClientConfig is a client allowed to request tokens. SecretHash is a bcrypt
// hash, see quanlan-ctl hash-secret.
type ClientConfig struct {
	ID         string `yaml:"id" validate:"required"`
	SecretHash string `yaml:"secret_hash" validate:"required"`
}

// DatabaseConfig represents database configuration. An empty DSN keeps the
// audit log in memory.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NATSConfig represents NATS configuration. An empty URL disables the NATS
// transport and event forwarding.
type NATSConfig struct {
	URL               string        `yaml:"url"`
	Name              string        `yaml:"name"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	SubjectPrefix     string        `yaml:"subject_prefix"`
	QueueGroup        string        `yaml:"queue_group"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
}

// MQTTConfig represents MQTT event forwarding. An empty broker URL disables it.
type MQTTConfig struct {
	BrokerURL   string `yaml:"broker_url"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos" validate:"lte=2"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`
}

// DeviceConfig represents the attached device
type DeviceConfig struct {
	Driver         string        `yaml:"driver" validate:"oneof=sim nats"`
	DefaultID      string        `yaml:"default_id"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	MinChannel     int           `yaml:"min_channel" validate:"gte=0"`
	MaxChannel     int           `yaml:"max_channel" validate:"gtefield=MinChannel"`
	MaxCurrentMA   float64       `yaml:"max_current_ma" validate:"gte=0"`
	MergePolicy    string        `yaml:"merge_policy" validate:"omitempty,oneof=reject replace"`
}

// Limits returns the stimulation limits of the device
func (c DeviceConfig) Limits() stimulation.Limits {
	return stimulation.Limits{
		MinChannel: c.MinChannel,
		MaxChannel: c.MaxChannel,
		MaxCurrent: c.MaxCurrentMA,
	}
}

// SimConfig configures the simulated driver
type SimConfig struct {
	Devices      []string      `yaml:"devices"`
	ConnectDelay time.Duration `yaml:"connect_delay"`
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply environment overrides
	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is given
func Default() *Config {
	var cfg Config
	cfg.applyEnvOverrides()
	cfg.setDefaults()
	return &cfg
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("QUANLAN_API_ADDR"); addr != "" {
		if host, port, err := net.SplitHostPort(addr); err == nil {
			c.API.Host = host
			if p, err := strconv.Atoi(port); err == nil {
				c.API.Port = p
			}
		}
	}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if broker := os.Getenv("MQTT_BROKER_URL"); broker != "" {
		c.MQTT.BrokerURL = broker
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.Auth.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if driver := os.Getenv("QUANLAN_DRIVER"); driver != "" {
		c.Device.Driver = driver
	}
}

func (c *Config) setDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "quanlan-server"
	}
	if c.API.Host == "" {
		c.API.Host = "localhost"
	}
	if c.API.Port == 0 {
		c.API.Port = 9999
	}

	if c.RPC.RateLimitRPS == 0 {
		c.RPC.RateLimitRPS = 20
	}
	if c.RPC.RateLimitBurst == 0 {
		c.RPC.RateLimitBurst = 40
	}
	if c.RPC.MaxBodyBytes == 0 {
		c.RPC.MaxBodyBytes = 1 << 20
	}
	if c.RPC.Timeout == 0 {
		c.RPC.Timeout = 60 * time.Second
	}

	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 12 * time.Hour
	}

	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 2
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 30 * time.Minute
	}

	if c.NATS.Name == "" {
		c.NATS.Name = c.Server.Name
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "quanlan"
	}
	if c.NATS.QueueGroup == "" {
		c.NATS.QueueGroup = "quanlan-server"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = -1
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}
	if c.NATS.RequestTimeout == 0 {
		c.NATS.RequestTimeout = 5 * time.Second
	}

	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = c.Server.Name
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "quanlan"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	if c.Device.Driver == "" {
		c.Device.Driver = "sim"
	}
	if c.Device.DefaultID == "" {
		c.Device.DefaultID = "390024350033"
	}
	if c.Device.ConnectTimeout == 0 {
		c.Device.ConnectTimeout = 10 * time.Second
	}
	if c.Device.MaxChannel == 0 && c.Device.MinChannel == 0 {
		c.Device.MaxChannel = stimulation.DefaultLimits.MaxChannel
	}
	if c.Device.MergePolicy == "" {
		c.Device.MergePolicy = string(stimulation.MergeReject)
	}

	if c.Device.Driver == "sim" && len(c.Sim.Devices) == 0 {
		c.Sim.Devices = []string{c.Device.DefaultID}
	}
}

// Validate checks field constraints and cross-section requirements
func (c *Config) Validate() error {
	if err := validation.NewValidator().Validate(c); err != nil {
		return err
	}
	if c.Device.Driver == "nats" && c.NATS.URL == "" {
		return fmt.Errorf("device driver nats requires nats.url")
	}
	if c.Auth.Enabled {
		if c.Auth.Secret == "" {
			return fmt.Errorf("auth enabled without a secret")
		}
		if len(c.Auth.Clients) == 0 {
			return fmt.Errorf("auth enabled without clients")
		}
	}
	return nil
}

// MergePolicy returns the parsed stimulation merge policy
func (c *Config) MergePolicy() stimulation.MergePolicy {
	p, err := stimulation.ParseMergePolicy(c.Device.MergePolicy)
	if err != nil {
		return stimulation.MergeReject
	}
	return p
}

// PrintConfigSummary prints a summary of the configuration
func (c *Config) PrintConfigSummary() {
	fmt.Printf("=== QuanLan Server Configuration ===\n")
	fmt.Printf("Server: %s %s\n", c.Server.Name, c.Server.Version)
	fmt.Printf("API: %s (auth %v, %.0f req/s burst %d)\n",
		c.API.Addr(), c.Auth.Enabled, c.RPC.RateLimitRPS, c.RPC.RateLimitBurst)

	fmt.Printf("Device driver: %s\n", c.Device.Driver)
	fmt.Printf("  Default device: %s (connect timeout %s)\n", c.Device.DefaultID, c.Device.ConnectTimeout)
	fmt.Printf("  Channels: %d-%d\n", c.Device.MinChannel, c.Device.MaxChannel)
	if c.Device.MaxCurrentMA > 0 {
		fmt.Printf("  Max current: %.3f mA\n", c.Device.MaxCurrentMA)
	}
	fmt.Printf("  Merge policy: %s\n", c.Device.MergePolicy)
	if c.Device.Driver == "sim" {
		fmt.Printf("  Simulated devices: %v\n", c.Sim.Devices)
	}

	if c.Database.DSN != "" {
		fmt.Printf("Audit store: postgres\n")
	} else {
		fmt.Printf("Audit store: memory\n")
	}
	if c.NATS.URL != "" {
		fmt.Printf("NATS: %s (prefix %s, queue %s)\n", c.NATS.URL, c.NATS.SubjectPrefix, c.NATS.QueueGroup)
	}
	if c.MQTT.BrokerURL != "" {
		fmt.Printf("MQTT: %s (topic prefix %s, qos %d)\n", c.MQTT.BrokerURL, c.MQTT.TopicPrefix, c.MQTT.QoS)
	}
	fmt.Printf("Log: %s/%s\n", c.Log.Level, c.Log.Format)
	fmt.Printf("====================================\n")
}
