// services/trade-sync/internal/config/config.go
package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/YaganovValera/exchange-sync/common/configloader"
	"github.com/YaganovValera/exchange-sync/common/httpserver"
	"github.com/YaganovValera/exchange-sync/common/logger"
	"github.com/YaganovValera/exchange-sync/common/telemetry"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/connector"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/credentials"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/exchange"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/holdings"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/notify"
)

// EnvPrefix — префикс переменных окружения: TRADESYNC_HOLDINGS_DRIVER и т.п.
const EnvPrefix = "TRADESYNC"

// Config — все настройки сервиса trade-sync.
type Config struct {
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`

	Logging   logger.Config     `mapstructure:"logging"`
	Telemetry telemetry.Config  `mapstructure:"telemetry"`
	HTTP      httpserver.Config `mapstructure:"http"`
	// CORSOrigins — для отчётного API; пусто → CORS не подключается.
	CORSOrigins []string `mapstructure:"cors_origins"`

	Connector connector.Config    `mapstructure:"connector"`
	Binance   BinanceConfig       `mapstructure:"binance"`
	KuCoin    KuCoinConfig        `mapstructure:"kucoin"`
	Quotes    []string            `mapstructure:"quotes"`
	REST      exchange.RESTConfig `mapstructure:"rest"`

	Holdings    holdings.Config    `mapstructure:"holdings"`
	Notify      notify.Config      `mapstructure:"notify"`
	Credentials credentials.Config `mapstructure:"credentials"`
}

type BinanceConfig struct {
	RESTURL    string        `mapstructure:"rest_url"`
	WSURL      string        `mapstructure:"ws_url"`
	RecvWindow time.Duration `mapstructure:"recv_window"`
}

type KuCoinConfig struct {
	RESTURL string `mapstructure:"rest_url"`
}

func init() {
	configloader.RegisterDefaults("service_name", "trade-sync")
	configloader.RegisterDefaults("service_version", "v1.0.0")
	configloader.RegisterDefaults("cors_origins", []string{})
	configloader.RegisterDefaults("quotes", exchange.DefaultQuotes)

	configloader.RegisterSection("logging", map[string]interface{}{
		"level":    "info",
		"dev_mode": false,
	})
	configloader.RegisterSection("telemetry", map[string]interface{}{
		"otel_endpoint": "",
		"insecure":      false,
		"sampler_ratio": 1.0,
		"environment":   "",
	})
	configloader.RegisterSection("http", map[string]interface{}{
		"addr":             ":8090",
		"read_timeout":     "10s",
		"write_timeout":    "15s",
		"idle_timeout":     "60s",
		"shutdown_timeout": "5s",
		"metrics_path":     "/metrics",
		"healthz_path":     "/healthz",
		"readyz_path":      "/readyz",
		"api_prefix":       "/api/v1",
	})

	// reconnect по умолчанию — фиксированные 60s без потолка попыток
	configloader.RegisterSection("connector", map[string]interface{}{
		"handshake_timeout":              "10s",
		"read_timeout":                   "60s",
		"write_timeout":                  "5s",
		"rotate_every":                   "24h",
		"reconnect.initial_interval":     "60s",
		"reconnect.multiplier":           1.0,
		"reconnect.randomization_factor": 0.0,
		"reconnect.max_interval":         "60s",
		"reconnect.max_retries":          0,
	})
	configloader.RegisterSection("binance", map[string]interface{}{
		"rest_url":    "https://api.binance.com",
		"ws_url":      "wss://stream.binance.com:9443/ws",
		"recv_window": "5s",
	})
	configloader.RegisterSection("kucoin", map[string]interface{}{
		"rest_url": "https://api.kucoin.com",
	})
	configloader.RegisterSection("rest", map[string]interface{}{
		"timeout":     "10s",
		"retry_count": 2,
	})

	configloader.RegisterSection("holdings", map[string]interface{}{
		"driver":             holdings.DriverMemory,
		"key_prefix":         "holdings",
		"postgres.dsn":       "",
		"redis.addr":         "",
		"redis.password":     "",
		"valuation.enabled":  true,
		"valuation.dust_usd": 0.0,
	})
	configloader.RegisterSection("notify", map[string]interface{}{
		"log":                    true,
		"kafka.enabled":          false,
		"kafka.topic":            "trades.executions",
		"kafka.producer.brokers": []string{},
	})
	configloader.RegisterDefaults("credentials.file", "")
}

// Load читает YAML (если path непустой) + ENV + defaults и валидирует результат.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := configloader.Load(path, EnvPrefix, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults вызывается configloader после decode.
func (c *Config) ApplyDefaults() {
	if len(c.Quotes) == 0 {
		c.Quotes = append([]string(nil), exchange.DefaultQuotes...)
	}
	for i, q := range c.Quotes {
		c.Quotes[i] = strings.ToUpper(strings.TrimSpace(q))
	}
	c.Telemetry.ServiceName = c.ServiceName
	c.Telemetry.ServiceVersion = c.ServiceVersion
	c.Connector.ApplyDefaults()
	c.Holdings.ApplyDefaults()
	c.Notify.Kafka.ApplyDefaults()
}

func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service_version is required")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error]")
	}

	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	for key, path := range map[string]string{
		"http.metrics_path": c.HTTP.MetricsPath,
		"http.healthz_path": c.HTTP.HealthzPath,
		"http.readyz_path":  c.HTTP.ReadyzPath,
		"http.api_prefix":   c.HTTP.APIPrefix,
	} {
		if path != "" && !strings.HasPrefix(path, "/") {
			return fmt.Errorf("%s must start with '/'", key)
		}
	}

	if err := c.Connector.Validate(); err != nil {
		return err
	}

	if c.Binance.RESTURL == "" || c.Binance.WSURL == "" {
		return fmt.Errorf("binance.rest_url and binance.ws_url are required")
	}
	if c.Binance.RecvWindow < 0 || c.Binance.RecvWindow > time.Minute {
		return fmt.Errorf("binance.recv_window must be between 0 and 60s")
	}
	if c.KuCoin.RESTURL == "" {
		return fmt.Errorf("kucoin.rest_url is required")
	}
	if c.REST.RetryCount < 0 {
		return fmt.Errorf("rest.retry_count must be >=0")
	}

	if err := c.Holdings.Validate(); err != nil {
		return err
	}
	if c.Notify.Kafka.Enabled && len(c.Notify.Kafka.Producer.Brokers) == 0 {
		return fmt.Errorf("notify.kafka.producer.brokers is required when kafka is enabled")
	}
	return nil
}

// Print выводит конфиг без секретов.
func (c *Config) Print(w io.Writer) error {
	return configloader.PrintConfig(w, c)
}
