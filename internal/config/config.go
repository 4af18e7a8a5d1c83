package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"shiftwatch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Logging       logging.Config      `mapstructure:"logging"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Exchange      ExchangeConfig      `mapstructure:"exchange"`
	Poller        PollerConfig        `mapstructure:"poller"`
	Shop          ShopConfig          `mapstructure:"shop"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	API           APIConfig           `mapstructure:"api"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity for the order ledger.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// ExchangeConfig captures exchange API connectivity.
type ExchangeConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	AffiliateID    string        `mapstructure:"affiliate_id"`
	Secret         string        `mapstructure:"secret"`
	CommissionRate float64       `mapstructure:"commission_rate"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// PollerConfig governs the payment status polling loop.
type PollerConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	RetryCeiling int           `mapstructure:"retry_ceiling"`
	BackoffCap   time.Duration `mapstructure:"backoff_cap"`
	Retention    time.Duration `mapstructure:"retention"`
}

// ShopConfig describes shop-side settlement parameters.
type ShopConfig struct {
	Currency         string                  `mapstructure:"currency"`
	USDReferenceCoin string                  `mapstructure:"usd_reference_coin"`
	MainCoin         string                  `mapstructure:"main_coin"`
	SecondaryCoin    string                  `mapstructure:"secondary_coin"`
	RatesURL         string                  `mapstructure:"rates_url"`
	IconDir          string                  `mapstructure:"icon_dir"`
	Wallets          map[string]WalletConfig `mapstructure:"wallets"`
}

// WalletConfig describes one settlement destination.
type WalletConfig struct {
	Coin    string `mapstructure:"coin"`
	Network string `mapstructure:"network"`
	Address string `mapstructure:"address"`
	Memo    string `mapstructure:"memo"`
	Stable  bool   `mapstructure:"stable"`
}

// NotificationsConfig defines downstream payment notices.
type NotificationsConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	AMQP     AMQPConfig     `mapstructure:"amqp"`
}

// TelegramConfig describes Telegram notice delivery.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// AMQPConfig describes payment event publishing over RabbitMQ.
type AMQPConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// APIConfig sets the HTTP facade behaviour.
type APIConfig struct {
	Listen       string        `mapstructure:"listen"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SHIFTWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "shiftwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("exchange.base_url", "https://sideshift.ai/api/v2")
	v.SetDefault("exchange.commission_rate", 0.5)
	v.SetDefault("exchange.request_timeout", "10s")
	v.SetDefault("exchange.user_agent", "shiftwatch/1.0")

	v.SetDefault("poller.interval", "30s")
	v.SetDefault("poller.retry_ceiling", 5)
	v.SetDefault("poller.backoff_cap", "10s")
	v.SetDefault("poller.retention", "48h")

	v.SetDefault("shop.currency", "USD")
	v.SetDefault("shop.usd_reference_coin", "USDT-ethereum")
	v.SetDefault("shop.rates_url", "https://api.exchangerate-api.com/v4/latest")
	v.SetDefault("shop.icon_dir", "public/icons")

	v.SetDefault("notifications.telegram.enabled", false)
	v.SetDefault("notifications.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("notifications.amqp.enabled", false)
	v.SetDefault("notifications.amqp.exchange", "payments")

	v.SetDefault("api.listen", ":8080")
	v.SetDefault("api.read_timeout", "10s")
	v.SetDefault("api.write_timeout", "30s")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Poller.Interval <= 0 {
		return fmt.Errorf("poller.interval must be greater than zero")
	}
	if c.Poller.RetryCeiling <= 0 {
		return fmt.Errorf("poller.retry_ceiling must be greater than zero")
	}
	if c.Poller.BackoffCap <= 0 {
		return fmt.Errorf("poller.backoff_cap must be greater than zero")
	}
	if c.Poller.Retention <= 0 {
		return fmt.Errorf("poller.retention must be greater than zero")
	}
	if c.Exchange.CommissionRate < 0 || c.Exchange.CommissionRate > 2 {
		return fmt.Errorf("exchange.commission_rate out of range")
	}
	if c.Notifications.Telegram.Enabled {
		if c.Notifications.Telegram.BotToken == "" {
			return fmt.Errorf("notifications.telegram.bot_token is required")
		}
		if c.Notifications.Telegram.ChatID == "" {
			return fmt.Errorf("notifications.telegram.chat_id is required")
		}
	}
	if c.Notifications.AMQP.Enabled && c.Notifications.AMQP.URL == "" {
		return fmt.Errorf("notifications.amqp.url is required")
	}
	for key, w := range c.Shop.Wallets {
		if w.Coin == "" || w.Network == "" || w.Address == "" {
			return fmt.Errorf("shop.wallets.%s must set coin, network, and address", key)
		}
	}
	return nil
}
