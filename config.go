package coap

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the server-role configuration loaded by cmd/coap-server:
// mapstructure/yaml tags for viper, validate tags checked with
// go-playground/validator/v10.
type Config struct {
	Addr             string        `mapstructure:"addr" validate:"required" yaml:"addr"`
	AckTimeout       time.Duration `mapstructure:"ack_timeout" validate:"required,gt=0" yaml:"ack_timeout"`
	AckRandomFactor  float64       `mapstructure:"ack_random_factor" validate:"gt=1" yaml:"ack_random_factor"`
	MaxRetransmit    int           `mapstructure:"max_retransmit" validate:"gt=0" yaml:"max_retransmit"`
	ExchangeLifetime time.Duration `mapstructure:"exchange_lifetime" validate:"gt=0" yaml:"exchange_lifetime"`
	BlockSZX         uint8         `mapstructure:"block_szx" validate:"lte=6" yaml:"block_szx"`
	MaxPayload       int           `mapstructure:"max_payload" validate:"gte=0" yaml:"max_payload"`
	Debug            bool          `mapstructure:"debug" yaml:"debug"`
	HealthMonitor    bool          `mapstructure:"health_monitor" yaml:"health_monitor"`
	MetricsAddr      string        `mapstructure:"metrics_addr" validate:"omitempty,hostname_port" yaml:"metrics_addr"`
}

// DefaultConfig returns a Config populated with this package's protocol
// defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:             ":5683",
		AckTimeout:       DefaultACKTimeout,
		AckRandomFactor:  DefaultACKRandomFactor,
		MaxRetransmit:    DefaultMaxRetransmit,
		ExchangeLifetime: DefaultExchangeLifetime,
		BlockSZX:         DefaultBlockSZX,
		MaxPayload:       BlockSize(DefaultBlockSZX),
	}
}

// LoadConfig reads configuration from defaults, configPath (if non-empty),
// and COAP_* environment variables, in that order of increasing
// precedence, then validates the result.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("COAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("coap: read config %q: %w", configPath, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("coap: unmarshal config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("addr", d.Addr)
	v.SetDefault("ack_timeout", d.AckTimeout)
	v.SetDefault("ack_random_factor", d.AckRandomFactor)
	v.SetDefault("max_retransmit", d.MaxRetransmit)
	v.SetDefault("exchange_lifetime", d.ExchangeLifetime)
	v.SetDefault("block_szx", d.BlockSZX)
	v.SetDefault("max_payload", d.MaxPayload)
	v.SetDefault("debug", d.Debug)
	v.SetDefault("health_monitor", d.HealthMonitor)
}

var validate = validator.New()

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("coap: invalid configuration: %w", err)
	}
	return nil
}
