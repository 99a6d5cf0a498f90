// Package config loads server configuration from an optional YAML file
// overlaid by environment variables.
package config

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/shopspring/decimal"
)

type HTTPServer struct {
	Addr         string        `yaml:"address" env:"HTTP_ADDR" env-default:":8080"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"HTTP_READ_TIMEOUT" env-default:"10s"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"HTTP_WRITE_TIMEOUT" env-default:"10s"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"HTTP_IDLE_TIMEOUT" env-default:"60s"`
	// RequestTimeout bounds one API call, including time spent waiting for
	// the bond lock.
	RequestTimeout time.Duration `yaml:"request_timeout" env:"HTTP_REQUEST_TIMEOUT" env-default:"30s"`
}

// Database selects the store. An empty URL means the in-memory store.
type Database struct {
	URL     string `yaml:"url" env:"DATABASE_URL"`
	Migrate bool   `yaml:"migrate" env:"DATABASE_MIGRATE" env-default:"true"`
}

// Redis enables the read-through cache in front of PostgreSQL.
type Redis struct {
	URL string        `yaml:"url" env:"REDIS_URL"`
	TTL time.Duration `yaml:"ttl" env:"REDIS_TTL" env-default:"30s"`
}

// Events configures the durable outbox and its Kafka relay. Without
// brokers, events only reach in-process subscribers and WebSocket clients.
type Events struct {
	Brokers       []string      `yaml:"brokers" env:"KAFKA_BROKERS" env-separator:","`
	Topic         string        `yaml:"topic" env:"KAFKA_TOPIC" env-default:"fracbond.events"`
	OutboxDir     string        `yaml:"outbox_dir" env:"OUTBOX_DIR" env-default:"data/outbox"`
	RelayInterval time.Duration `yaml:"relay_interval" env:"RELAY_INTERVAL" env-default:"250ms"`
}

type Log struct {
	Level      string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Format     string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
	Output     string `yaml:"output" env:"LOG_OUTPUT" env-default:"stdout"` // stdout, file, both
	FilePath   string `yaml:"file_path" env:"LOG_FILE" env-default:"logs/matching-core.log"`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"LOG_MAX_SIZE_MB" env-default:"100"`
	MaxBackups int    `yaml:"max_backups" env:"LOG_MAX_BACKUPS" env-default:"10"`
	MaxAgeDays int    `yaml:"max_age_days" env:"LOG_MAX_AGE_DAYS" env-default:"30"`
	Compress   bool   `yaml:"compress" env:"LOG_COMPRESS" env-default:"true"`
}

// Risk holds concentration limits in units. Zero disables a limit.
type Risk struct {
	MaxPerBond   int64 `yaml:"max_per_bond" env:"RISK_MAX_PER_BOND" env-default:"0"`
	MaxPerIssuer int64 `yaml:"max_per_issuer" env:"RISK_MAX_PER_ISSUER" env-default:"0"`
}

// Pricing points at the fair-price service. Without a URL, MARKET orders
// are not checked against a fair-price band.
type Pricing struct {
	URL          string        `yaml:"url" env:"PRICING_URL"`
	Timeout      time.Duration `yaml:"timeout" env:"PRICING_TIMEOUT" env-default:"500ms"`
	MaxDeviation string        `yaml:"max_deviation" env:"PRICING_MAX_DEVIATION" env-default:"0.05"`
}

type Config struct {
	Env        string     `yaml:"env" env:"ENV" env-default:"production"`
	HTTPServer HTTPServer `yaml:"http_server"`
	Database   Database   `yaml:"database"`
	Redis      Redis      `yaml:"redis"`
	Events     Events     `yaml:"events"`
	Log        Log        `yaml:"log"`
	Risk       Risk       `yaml:"risk"`
	Pricing    Pricing    `yaml:"pricing"`
}

// MaxDeviationDecimal returns the allowed relative distance from the fair
// price.
func (p Pricing) MaxDeviationDecimal() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(p.MaxDeviation)
	if err != nil {
		return decimal.Zero, fmt.Errorf("config: pricing.max_deviation: %w", err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("config: pricing.max_deviation must not be negative: %s", d)
	}
	return d, nil
}

// Load reads the YAML file at path, if any, then applies environment
// variables and defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	var err error
	if path != "" {
		err = cleanenv.ReadConfig(path, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if _, err := cfg.Pricing.MaxDeviationDecimal(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MustLoad loads the configuration named by -config or CONFIG_PATH and
// exits on error. Without either, only the environment is used.
func MustLoad() *Config {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		flags := flag.String("config", "", "path to config file")
		flag.Parse()
		configPath = *flags
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			log.Fatalf("Config file does not exist: %s", configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		log.Fatalf("Unable to load config: %s", err.Error())
	}
	return cfg
}
