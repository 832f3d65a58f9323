package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Version is reported by --version.
const Version = "1.5"

// Config represents the application configuration
type Config struct {
	Serial          SerialConfig   `yaml:"serial"`
	Device          DeviceConfig   `yaml:"device"`
	Gateway         GatewayConfig  `yaml:"gateway"`
	Database        DatabaseConfig `yaml:"database"`
	Ledger          LedgerConfig   `yaml:"ledger"`
	Monitor         MonitorConfig  `yaml:"monitor"`
	Status          StatusConfig   `yaml:"status"`
	EventBus        EventBusConfig `yaml:"eventbus"`
	Log             LogConfig      `yaml:"log"`
	ShutdownTimeout Duration       `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// SerialConfig contains serial link settings
type SerialConfig struct {
	Device      string   `yaml:"device"`
	BaudRate    int      `yaml:"baud_rate"`    // Snapped to the closest supported rate
	ReadTimeout Duration `yaml:"read_timeout"` // How long a single read waits for a byte
}

// DeviceConfig contains device controller settings
type DeviceConfig struct {
	PollInterval Duration `yaml:"poll_interval"` // Receive/transmit loop period
	QueueSize    int      `yaml:"queue_size"`    // Pending command capacity
}

// GatewayConfig contains remote dispatch endpoint settings
type GatewayConfig struct {
	Address        string   `yaml:"address"`
	Port           int      `yaml:"port"`
	UpdateInterval Duration `yaml:"update_interval"`
	Certificate    string   `yaml:"certificate"` // CA bundle path
	Password       string   `yaml:"password"`    // Shared password sent with every request
	Timeout        Duration `yaml:"timeout"`     // HTTP timeout for a single request
	ErrorRetryRPS  float64  `yaml:"error_retry_rps"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LedgerConfig contains event ledger settings
type LedgerConfig struct {
	Enabled         *bool    `yaml:"enabled"` // default: true
	CleanupInterval Duration `yaml:"cleanup_interval"`
	RetentionDays   int      `yaml:"retention_days"`
}

// IsEnabled returns whether the ledger is enabled (default: true)
func (c *LedgerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Retention returns the retention period as a duration
func (c *LedgerConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// MonitorConfig contains headless monitor settings
type MonitorConfig struct {
	Enabled        bool     `yaml:"enabled"`
	SampleInterval Duration `yaml:"sample_interval"` // Speed history sampling period
}

// StatusConfig contains local status server settings
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Addr returns host:port
func (c *StatusConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of worker goroutines (default: 2)
	QueueSize int `yaml:"queue_size"` // Event queue size (default: 256)
}

// LogConfig contains logging settings
type LogConfig struct {
	Level   string `yaml:"level"`
	Colors  bool   `yaml:"colors"`
	UseJSON bool   `yaml:"json"`
}

// GetLevel returns the configured level, lowercased
func (c *LogConfig) GetLevel() string {
	return strings.ToLower(c.Level)
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Default returns a configuration with every default applied and no file read.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Load reads and parses the configuration file.
// An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	// Serial defaults
	if cfg.Serial.BaudRate == 0 {
		cfg.Serial.BaudRate = 19200
	}
	if cfg.Serial.ReadTimeout == 0 {
		cfg.Serial.ReadTimeout = Duration(100 * time.Millisecond)
	}

	// Device defaults
	if cfg.Device.PollInterval == 0 {
		cfg.Device.PollInterval = Duration(time.Millisecond)
	}
	if cfg.Device.QueueSize == 0 {
		cfg.Device.QueueSize = 256
	}

	// Gateway defaults
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 443
	}
	if cfg.Gateway.UpdateInterval == 0 {
		cfg.Gateway.UpdateInterval = Duration(500 * time.Millisecond)
	}
	if cfg.Gateway.Certificate == "" {
		cfg.Gateway.Certificate = "./certificate.crt"
	}
	if cfg.Gateway.Timeout == 0 {
		cfg.Gateway.Timeout = Duration(10 * time.Second)
	}
	if cfg.Gateway.ErrorRetryRPS == 0 {
		cfg.Gateway.ErrorRetryRPS = 10.0
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = "./serialgate.sqlite"
	}

	// Ledger defaults
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 30
	}

	if cfg.Monitor.SampleInterval == 0 {
		cfg.Monitor.SampleInterval = Duration(500 * time.Millisecond)
	}

	// Status server defaults
	if cfg.Status.Port == 0 {
		cfg.Status.Port = 9090
	}
	if cfg.Status.Host == "" {
		cfg.Status.Host = "127.0.0.1"
	}

	// Event bus defaults
	if cfg.EventBus.Workers <= 0 {
		cfg.EventBus.Workers = 2
	}
	if cfg.EventBus.QueueSize <= 0 {
		cfg.EventBus.QueueSize = 256
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// Validate reports settings the bridge cannot start without.
func (cfg *Config) Validate() error {
	var errs []error
	if cfg.Serial.Device == "" {
		errs = append(errs, errors.New("serial.device is required"))
	}
	if cfg.Serial.BaudRate <= 0 {
		errs = append(errs, fmt.Errorf("serial.baud_rate must be positive, got %d", cfg.Serial.BaudRate))
	}
	if cfg.Gateway.Address == "" {
		errs = append(errs, errors.New("gateway.address is required"))
	}
	if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port out of range: %d", cfg.Gateway.Port))
	}
	if cfg.Gateway.Password == "" {
		errs = append(errs, errors.New("gateway.password is required"))
	}
	if cfg.Gateway.UpdateInterval.Duration() <= 0 {
		errs = append(errs, errors.New("gateway.update_interval must be positive"))
	}
	return errors.Join(errs...)
}

// Flags holds command line values. Only flags that were set on the command
// line override the file.
type Flags struct {
	ConfigPath string
	Verbose    bool
	Version    bool

	device       string
	baudRate     int
	address      string
	port         int
	updateRateMs int
	certificate  string
	password     string
	monitor      bool

	fs *pflag.FlagSet
}

// RegisterFlags defines the command line surface on fs.
func RegisterFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	fs.StringVarP(&f.ConfigPath, "config", "C", "", "Path to configuration file")
	fs.StringVarP(&f.device, "device", "d", "", "Specify the serial device to connect to")
	fs.IntVarP(&f.baudRate, "rate", "r", 19200, "Specify the serial IO baud rate")
	fs.StringVarP(&f.address, "address", "a", "", "Specify the address of the HTTP gateway to connect to")
	fs.IntVarP(&f.port, "port", "p", 443, "Specify the port of the HTTP gateway to connect to")
	fs.IntVarP(&f.updateRateMs, "updaterate", "u", 500, "Specify the gateway fetch rate in milliseconds")
	fs.StringVarP(&f.certificate, "certificate", "c", "./certificate.crt", "Specify the X509 certificate to use for gateway requests")
	fs.StringVarP(&f.password, "password", "P", "", "Specify the password with which to authenticate against the gateway")
	fs.BoolVarP(&f.monitor, "monitor", "m", false, "Keep the in-memory monitor buffers (served on /logs)")
	fs.BoolVarP(&f.Verbose, "verbose", "V", false, "Enable verbose logging")
	fs.BoolVarP(&f.Version, "version", "v", false, "Show version information")
	return f
}

// Apply overrides cfg with every flag that was explicitly set.
func (f *Flags) Apply(cfg *Config) {
	if f.fs.Changed("device") {
		cfg.Serial.Device = f.device
	}
	if f.fs.Changed("rate") {
		cfg.Serial.BaudRate = f.baudRate
	}
	if f.fs.Changed("address") {
		cfg.Gateway.Address = f.address
	}
	if f.fs.Changed("port") {
		cfg.Gateway.Port = f.port
	}
	if f.fs.Changed("updaterate") {
		cfg.Gateway.UpdateInterval = Duration(time.Duration(f.updateRateMs) * time.Millisecond)
	}
	if f.fs.Changed("certificate") {
		cfg.Gateway.Certificate = f.certificate
	}
	if f.fs.Changed("password") {
		cfg.Gateway.Password = f.password
	}
	if f.monitor {
		cfg.Monitor.Enabled = true
	}
	if f.Verbose {
		cfg.Log.Level = "debug"
	}
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
