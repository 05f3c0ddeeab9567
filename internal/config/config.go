package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"compliance-custody/internal/compliance"
	"compliance-custody/internal/custody"
	"compliance-custody/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Compliance ComplianceConfig `mapstructure:"compliance"`
	Exemption  ExemptionConfig  `mapstructure:"exemption"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN keeps the ledger in
// memory only.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig locates the authorization store when compliance.store is "redis".
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	Retention time.Duration `mapstructure:"retention"`
}

// KafkaConfig routes published records to a topic.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// ChainConfig covers the chain custody lives on.
type ChainConfig struct {
	ChainID        int64         `mapstructure:"chain_id"`
	RPCURL         string        `mapstructure:"rpc_url"`
	CustodyAddress string        `mapstructure:"custody_address"`
	Currencies     []string      `mapstructure:"currencies"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ComplianceConfig configures the gate, the in-process oracle and role bootstrap.
type ComplianceConfig struct {
	Store            string        `mapstructure:"store"`
	Strategy         string        `mapstructure:"strategy"`
	FeeNumerator     uint64        `mapstructure:"fee_numerator"`
	FeeDenominator   uint64        `mapstructure:"fee_denominator"`
	FeeCollector     string        `mapstructure:"fee_collector"`
	DefaultCollector string        `mapstructure:"default_collector"`
	AuthorizationTTL time.Duration `mapstructure:"authorization_ttl"`
	Admins           []string      `mapstructure:"admins"`
	Operators        []string      `mapstructure:"operators"`
}

// ExemptionConfig lists accounts that settle outside custody.
type ExemptionConfig struct {
	Accounts []string `mapstructure:"accounts"`
}

// ReconcileConfig governs the holdings reconciliation cadence.
type ReconcileConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	TickTimeout     time.Duration `mapstructure:"tick_timeout"`
	TolerancePct    float64       `mapstructure:"tolerance_pct"`
}

// AlertingConfig defines alert routing for reconciliation drift.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CUSTODIAN")
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
	v.SetDefault("app.name", "custodian")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.key_prefix", "custodian:auth:")
	v.SetDefault("redis.retention", "24h")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic", "custody.records")

	v.SetDefault("chain.chain_id", int64(1))
	v.SetDefault("chain.custody_address", "0x000000000000000000000000000000000000c057")
	v.SetDefault("chain.currencies", []string{compliance.NativeCurrency.Hex()})
	v.SetDefault("chain.request_timeout", "10s")

	v.SetDefault("compliance.store", "memory")
	v.SetDefault("compliance.strategy", custody.PreCheckThenMove.String())
	v.SetDefault("compliance.fee_numerator", uint64(0))
	v.SetDefault("compliance.fee_denominator", uint64(1))
	v.SetDefault("compliance.authorization_ttl", "15m")

	v.SetDefault("reconcile.interval", "5m")
	v.SetDefault("reconcile.align_to_bucket", true)
	v.SetDefault("reconcile.advisory_lock_key", int64(0x63757374))
	v.SetDefault("reconcile.startup_delay", "0s")
	v.SetDefault("reconcile.tick_timeout", "1m")
	v.SetDefault("reconcile.tolerance_pct", 0.0)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "30s")
	v.SetDefault("http.shutdown_timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)
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
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Reconcile.Interval <= 0 {
		return fmt.Errorf("reconcile.interval must be greater than zero")
	}
	if c.Reconcile.TolerancePct < 0 {
		return fmt.Errorf("reconcile.tolerance_pct cannot be negative")
	}
	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("chain.chain_id must be positive")
	}
	if _, err := ParseAddress("chain.custody_address", c.Chain.CustodyAddress); err != nil {
		return err
	}
	if _, err := c.Chain.CurrencyAddresses(); err != nil {
		return err
	}
	if _, err := c.Compliance.FeeRate(); err != nil {
		return fmt.Errorf("compliance fee rate: %w", err)
	}
	if c.Compliance.AuthorizationTTL <= 0 {
		return fmt.Errorf("compliance.authorization_ttl must be greater than zero")
	}
	if _, err := custody.ParseStrategy(c.Compliance.Strategy); err != nil {
		return fmt.Errorf("compliance.strategy: %w", err)
	}
	switch strings.ToLower(c.Compliance.Store) {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when compliance.store is redis")
		}
	default:
		return fmt.Errorf("compliance.store must be memory or redis, got %q", c.Compliance.Store)
	}
	for field, value := range map[string]string{
		"compliance.fee_collector":     c.Compliance.FeeCollector,
		"compliance.default_collector": c.Compliance.DefaultCollector,
	} {
		if value == "" {
			continue
		}
		if _, err := ParseAddress(field, value); err != nil {
			return err
		}
	}
	for field, list := range map[string][]string{
		"compliance.admins":    c.Compliance.Admins,
		"compliance.operators": c.Compliance.Operators,
		"exemption.accounts":   c.Exemption.Accounts,
	} {
		if _, err := ParseAddresses(field, list); err != nil {
			return err
		}
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required when kafka is enabled")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("kafka.topic is required when kafka is enabled")
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// FeeRate returns the configured compliance fee rate.
func (c ComplianceConfig) FeeRate() (compliance.FeeRate, error) {
	return compliance.NewFeeRate(c.FeeNumerator, c.FeeDenominator)
}

// CustodyStrategy returns the parsed ledger strategy.
func (c ComplianceConfig) CustodyStrategy() custody.Strategy {
	s, _ := custody.ParseStrategy(c.Strategy)
	return s
}

// CurrencyAddresses returns the currencies reconciliation covers.
func (c ChainConfig) CurrencyAddresses() ([]common.Address, error) {
	return ParseAddresses("chain.currencies", c.Currencies)
}

// Custody returns the custody account address.
func (c ChainConfig) Custody() common.Address {
	return common.HexToAddress(c.CustodyAddress)
}

// ParseAddress parses a hex account address; field names the setting in errors.
func ParseAddress(field, value string) (common.Address, error) {
	trimmed := strings.TrimSpace(value)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", field, value)
	}
	return common.HexToAddress(trimmed), nil
}

// ParseAddresses parses every non-blank entry of values.
func ParseAddresses(field string, values []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(values))
	for _, value := range values {
		if strings.TrimSpace(value) == "" {
			continue
		}
		addr, err := ParseAddress(field, value)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
