package config

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	DefaultListenPort = 8889
	DefaultStreamHost = "127.0.0.1"
	DefaultStreamPort = 8888
	DefaultPath       = "/"

	configName = "screen-bridge"
)

var v *viper.Viper

// readErr is a config file that exists but could not be read. It is
// reported by Load rather than at init time.
var readErr error

func init() {
	v = newViper()
	readErr = readConfigFile(v)
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("listen.host", "")
	v.SetDefault("listen.port", DefaultListenPort)
	v.SetDefault("listen.path", DefaultPath)
	v.SetDefault("listen.proxy_protocol", false)
	v.SetDefault("stream.host", DefaultStreamHost)
	v.SetDefault("stream.port", DefaultStreamPort)
	v.SetDefault("stream.connect_timeout", "0s")
	v.SetDefault("stream.idle_frame_timeout", "0s")
	v.SetDefault("frame.max_size", 0)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("log.format", "text")
	v.SetDefault("gbox.home", filepath.Join(xdg.Home, ".gbox"))

	// Environment variables
	v.AutomaticEnv()
	v.BindEnv("listen.host", "SCREEN_BRIDGE_LISTEN_HOST")
	v.BindEnv("listen.port", "SCREEN_BRIDGE_LISTEN_PORT")
	v.BindEnv("listen.path", "SCREEN_BRIDGE_LISTEN_PATH")
	v.BindEnv("listen.proxy_protocol", "SCREEN_BRIDGE_PROXY_PROTOCOL")
	v.BindEnv("stream.host", "SCREEN_BRIDGE_STREAM_HOST")
	v.BindEnv("stream.port", "SCREEN_BRIDGE_STREAM_PORT")
	v.BindEnv("stream.connect_timeout", "SCREEN_BRIDGE_CONNECT_TIMEOUT")
	v.BindEnv("stream.idle_frame_timeout", "SCREEN_BRIDGE_IDLE_FRAME_TIMEOUT")
	v.BindEnv("frame.max_size", "SCREEN_BRIDGE_MAX_FRAME_SIZE")
	v.BindEnv("metrics.enabled", "SCREEN_BRIDGE_METRICS")
	v.BindEnv("log.format", "SCREEN_BRIDGE_LOG_FORMAT")
	v.BindEnv("gbox.home", "GBOX_HOME")

	// Config file
	v.SetConfigName(configName)
	v.SetConfigType("yaml")

	configPaths := []string{
		".",
		"$HOME/.gbox",
		filepath.Join(xdg.ConfigHome, "gbox"),
		"/etc/gbox",
	}
	for _, path := range configPaths {
		v.AddConfigPath(os.ExpandEnv(path))
	}
	return v
}

func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// no config file; defaults and environment apply
			return nil
		}
		return errors.Wrap(err, "failed to read config file")
	}
	return nil
}

// Viper returns the process-wide configuration so commands can bind flags
// to it.
func Viper() *viper.Viper {
	return v
}

// SetConfigFile reads an explicit config file instead of searching the
// default paths.
func SetConfigFile(path string) error {
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "failed to read config file %s", path)
	}
	readErr = nil
	return nil
}

// ConfigFileUsed returns the path of the loaded config file, if any.
func ConfigFileUsed() string {
	return v.ConfigFileUsed()
}

// GetLogFormat returns the configured log format, text or json
func GetLogFormat() string {
	return v.GetString("log.format")
}

// GetGboxHome returns the gbox home directory
func GetGboxHome() string {
	return v.GetString("gbox.home")
}

// Config is the resolved bridge configuration.
type Config struct {
	ListenHost string
	ListenPort int
	Path       string
	// ProxyProtocol expects a PROXY header from a load balancer.
	ProxyProtocol bool

	StreamHost string
	StreamPort int

	ConnectTimeout   time.Duration
	IdleFrameTimeout time.Duration
	MaxFrameSize     uint32

	MetricsEnabled bool
}

// ListenAddr is the host:port the message transport binds.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.ListenPort))
}

// StreamAddr is the host:port each session dials.
func (c *Config) StreamAddr() string {
	return net.JoinHostPort(c.StreamHost, strconv.Itoa(c.StreamPort))
}

// Load resolves the configuration from flags, environment, config file
// and defaults, in that order of precedence.
func Load() (*Config, error) {
	if readErr != nil {
		return nil, readErr
	}
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	connectTimeout, err := durationOf(v, "stream.connect_timeout")
	if err != nil {
		return nil, err
	}
	idleTimeout, err := durationOf(v, "stream.idle_frame_timeout")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenHost:       v.GetString("listen.host"),
		ListenPort:       v.GetInt("listen.port"),
		Path:             v.GetString("listen.path"),
		ProxyProtocol:    v.GetBool("listen.proxy_protocol"),
		StreamHost:       v.GetString("stream.host"),
		StreamPort:       v.GetInt("stream.port"),
		ConnectTimeout:   connectTimeout,
		IdleFrameTimeout: idleTimeout,
		MetricsEnabled:   v.GetBool("metrics.enabled"),
	}

	maxSize := v.GetInt64("frame.max_size")
	if maxSize < 0 || maxSize > int64(^uint32(0)) {
		return nil, errors.Errorf("frame.max_size %d is out of range", maxSize)
	}
	cfg.MaxFrameSize = uint32(maxSize)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// durationOf accepts Go duration strings and bare numbers of seconds.
func durationOf(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid duration for %s", key)
	}
	return d, nil
}

// Validate checks ranges that viper cannot express.
func (c *Config) Validate() error {
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return errors.Errorf("listen.port %d is out of range", c.ListenPort)
	}
	if c.StreamPort < 1 || c.StreamPort > 65535 {
		return errors.Errorf("stream.port %d is out of range", c.StreamPort)
	}
	if c.StreamHost == "" {
		return errors.New("stream.host must not be empty")
	}
	if !strings.HasPrefix(c.Path, "/") {
		return errors.Errorf("listen.path %q must start with /", c.Path)
	}
	if strings.ContainsAny(c.Path, "{}%?# \t\r\n") {
		return errors.Errorf("listen.path %q must be a literal path", c.Path)
	}
	if strings.HasPrefix(c.Path, "/api/") || c.Path == "/metrics" {
		return errors.Errorf("listen.path %q collides with a built-in endpoint", c.Path)
	}
	if c.ConnectTimeout < 0 {
		return errors.New("stream.connect_timeout must not be negative")
	}
	if c.IdleFrameTimeout < 0 {
		return errors.New("stream.idle_frame_timeout must not be negative")
	}
	return nil
}
