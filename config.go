package camaudio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Config is the harness configuration, read from camaudio.yaml and
// CAMAUDIO_* environment variables.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	LibraryPath       string `mapstructure:"library_path"`
	AllowExperimental bool   `mapstructure:"allow_experimental"`
	LedgerPath        string `mapstructure:"ledger_path"`

	Strategy     string        `mapstructure:"strategy"`
	Topologies   []string      `mapstructure:"topologies"`
	RingCapacity int           `mapstructure:"ring_capacity"`
	LockFree     bool          `mapstructure:"lock_free"`
	TapWait      time.Duration `mapstructure:"tap_wait"`

	VoiceBufferInterval time.Duration `mapstructure:"voice_buffer_interval"`

	Session  SessionConfig       `mapstructure:"session"`
	Channel  ChannelReaderConfig `mapstructure:"channel"`
	Playback PlaybackConfig      `mapstructure:"playback"`

	CGICommands []string    `mapstructure:"cgi_commands"`
	Credentials Credentials `mapstructure:"credentials"`

	ControlListen string `mapstructure:"control_listen"`
	MetricsListen string `mapstructure:"metrics_listen"`
	RecordPath    string `mapstructure:"record_path"`
	RTPTarget     string `mapstructure:"rtp_target"`
	WebRTC        bool   `mapstructure:"webrtc"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:      "info",
		LedgerPath:    filepath.Join(configDir(), "crash-ledger.yaml"),
		Strategy:      "baseline",
		Topologies:    []string{TopologyTap.String(), TopologyChannel.String()},
		RingCapacity:  DefaultRingCapacity,
		TapWait:       5 * time.Second,
		Session:       DefaultSessionConfig(),
		Channel:       DefaultChannelReaderConfig(),
		Playback:      DefaultPlaybackConfig(),
		CGICommands:   append([]string(nil), DefaultAudioCGICommands...),
		ControlListen: "127.0.0.1:8765",
		MetricsListen: "127.0.0.1:9765",

		VoiceBufferInterval: 100 * time.Millisecond,
	}
}

// envKeys are the settings that can come from the environment alone.
var envKeys = []string{
	"log_level", "library_path", "allow_experimental", "ledger_path",
	"strategy", "ring_capacity", "lock_free", "tap_wait", "voice_buffer_interval",
	"credentials.uid", "credentials.client_id", "credentials.service", "credentials.password",
	"control_listen", "metrics_listen", "record_path", "rtp_target", "webrtc",
}

// LoadConfig reads cfgFile, or camaudio.yaml from the config directory or
// the working directory when cfgFile is empty. A missing file is not an
// error.
func LoadConfig(cfgFile string) (*Config, error) {
	cfg := DefaultConfig()
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("camaudio")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CAMAUDIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range envKeys {
		if err := v.BindEnv(k); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if _, err := c.topologies(); err != nil {
		return err
	}
	if c.RingCapacity < 0 {
		return fmt.Errorf("ring_capacity must not be negative, got %d", c.RingCapacity)
	}
	return nil
}

func (c *Config) topologies() ([]Topology, error) {
	out := make([]Topology, 0, len(c.Topologies))
	for _, name := range c.Topologies {
		t, err := ParseTopology(strings.TrimSpace(name))
		if err != nil {
			return nil, fmt.Errorf("topologies: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

// Level returns the parsed log level, info when invalid.
func (c *Config) Level() zerolog.Level {
	l, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return l
}

// Bridge returns the AudioBridge configuration.
func (c *Config) Bridge() (BridgeConfig, error) {
	topologies, err := c.topologies()
	if err != nil {
		return BridgeConfig{}, err
	}
	return BridgeConfig{
		SampleRate:   c.Playback.SourceRate,
		RingCapacity: c.RingCapacity,
		LockFree:     c.LockFree,
		Topologies:   topologies,
		Strategy:     c.Strategy,
		Session:      c.Session,
		TapWait:      c.TapWait,
		Discovery:    DefaultDiscoveryConfig(),
		Interceptor:  DefaultInterceptorConfig(),
		Reader:       c.Channel,
		CGICommands:  c.CGICommands,

		VoiceBufferInterval: c.VoiceBufferInterval,
	}, nil
}

// Symbols returns the SymbolBridge configuration for ledger.
func (c *Config) Symbols(ledger *CrashLedger, logger *zerolog.Logger) SymbolBridgeConfig {
	return SymbolBridgeConfig{
		LibraryPath:       c.LibraryPath,
		AllowExperimental: c.AllowExperimental,
		Ledger:            ledger,
		Logger:            logger,
	}
}

func configDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "camaudio")
	}
	return "."
}
