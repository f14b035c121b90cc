package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrConfig marks missing or invalid configuration. It is fatal: nothing trades until it is fixed.
var ErrConfig = errors.New("config error")

const (
	VenueBybit       = "bybit"
	VenueHyperliquid = "hyperliquid"
	VenuePaper       = "paper"

	DriverSQLite = "sqlite"
	DriverPebble = "pebble"
	DriverMemory = "memory"

	PolicyNearest = "nearest"
	PolicyLowest  = "lowest"
)

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
}

type AppConfig struct {
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
	Port     int    `mapstructure:"port"`
}

type ExchangeConfig struct {
	Venue       string            `mapstructure:"venue"`
	Bybit       BybitConfig       `mapstructure:"bybit"`
	Hyperliquid HyperliquidConfig `mapstructure:"hyperliquid"`
	Paper       PaperConfig       `mapstructure:"paper"`
}

type BybitConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	WSURL        string `mapstructure:"ws_url"`
	APIKey       string `mapstructure:"api_key"`
	SecretKey    string `mapstructure:"secret_key"`
	RecvWindowMs int    `mapstructure:"recv_window_ms"`
}

type HyperliquidConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	WalletAddress string `mapstructure:"wallet_address"`
	PrivateKey    string `mapstructure:"private_key"`
}

type PaperConfig struct {
	StartPrice float64 `mapstructure:"start_price"`
	QtyStep    float64 `mapstructure:"qty_step"`
	MinQty     float64 `mapstructure:"min_qty"`
	TickSize   float64 `mapstructure:"tick_size"`
	Balance    float64 `mapstructure:"balance"`
}

// StrategyConfig is read once at startup and never mutated afterwards.
type StrategyConfig struct {
	Symbol         string    `mapstructure:"symbol"`
	Leverage       float64   `mapstructure:"leverage"`
	USDT           float64   `mapstructure:"usdt"`
	GridLevels     []float64 `mapstructure:"grid_levels"`
	SLROE          float64   `mapstructure:"sl_roe"`
	TPROE          float64   `mapstructure:"tp_roe"`
	FeeRate        float64   `mapstructure:"fee_rate"`
	LossBufferPct  float64   `mapstructure:"loss_buffer_pct"`
	CrossingPolicy string    `mapstructure:"crossing_policy"`
	PollIntervalMs int       `mapstructure:"poll_interval_ms"`
	OrderTimeoutMs int       `mapstructure:"order_timeout_ms"`
}

func (s StrategyConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

func (s StrategyConfig) OrderTimeout() time.Duration {
	return time.Duration(s.OrderTimeoutMs) * time.Millisecond
}

type LedgerConfig struct {
	Driver       string `mapstructure:"driver"`
	Path         string `mapstructure:"path"`
	SnapshotPath string `mapstructure:"snapshot_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.port", 8080)
	v.SetDefault("exchange.venue", VenueBybit)
	v.SetDefault("exchange.bybit.base_url", "https://api.bybit.com")
	v.SetDefault("exchange.bybit.ws_url", "wss://stream.bybit.com/v5/public/linear")
	v.SetDefault("exchange.bybit.recv_window_ms", 5000)
	v.SetDefault("exchange.hyperliquid.base_url", "https://api.hyperliquid.xyz")
	v.SetDefault("exchange.paper.qty_step", 0.1)
	v.SetDefault("exchange.paper.min_qty", 0.1)
	v.SetDefault("exchange.paper.tick_size", 0.01)
	v.SetDefault("exchange.paper.balance", 1000.0)
	v.SetDefault("strategy.fee_rate", 0.00055)
	v.SetDefault("strategy.loss_buffer_pct", 3.0)
	v.SetDefault("strategy.crossing_policy", PolicyNearest)
	v.SetDefault("strategy.poll_interval_ms", 500)
	v.SetDefault("strategy.order_timeout_ms", 5000)
	v.SetDefault("ledger.driver", DriverSQLite)
	v.SetDefault("ledger.path", "data/gridbot.db")
}

// LoadConfig reads <path>/config.yaml. A .env file in the working directory or in path is
// loaded first so that secrets can stay out of the YAML file.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()
	_ = godotenv.Load(filepath.Join(path, ".env"))

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: failed to read config file: %v", ErrConfig, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal config: %v", ErrConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate sorts the grid levels in place and rejects anything the bot cannot trade with.
func (c *Config) Validate() error {
	s := &c.Strategy
	if strings.TrimSpace(s.Symbol) == "" {
		return fmt.Errorf("%w: strategy.symbol is required", ErrConfig)
	}
	if s.Leverage <= 0 {
		return fmt.Errorf("%w: strategy.leverage must be positive, got %v", ErrConfig, s.Leverage)
	}
	if s.USDT <= 0 {
		return fmt.Errorf("%w: strategy.usdt must be positive, got %v", ErrConfig, s.USDT)
	}
	if len(s.GridLevels) == 0 {
		return fmt.Errorf("%w: strategy.grid_levels must contain at least one level", ErrConfig)
	}
	sort.Float64s(s.GridLevels)
	for i, lvl := range s.GridLevels {
		if lvl <= 0 {
			return fmt.Errorf("%w: grid level %v must be positive", ErrConfig, lvl)
		}
		if i > 0 && s.GridLevels[i-1] == lvl {
			return fmt.Errorf("%w: duplicate grid level %v", ErrConfig, lvl)
		}
	}
	if s.SLROE <= 0 || s.TPROE <= 0 {
		return fmt.Errorf("%w: strategy.sl_roe and strategy.tp_roe must be positive", ErrConfig)
	}
	if s.FeeRate < 0 || s.LossBufferPct < 0 {
		return fmt.Errorf("%w: strategy.fee_rate and strategy.loss_buffer_pct must not be negative", ErrConfig)
	}
	if s.CrossingPolicy != PolicyNearest && s.CrossingPolicy != PolicyLowest {
		return fmt.Errorf("%w: unknown crossing_policy %q", ErrConfig, s.CrossingPolicy)
	}
	if s.PollIntervalMs <= 0 || s.OrderTimeoutMs <= 0 {
		return fmt.Errorf("%w: poll_interval_ms and order_timeout_ms must be positive", ErrConfig)
	}

	switch c.Exchange.Venue {
	case VenueBybit:
		if c.Exchange.Bybit.APIKey == "" || c.Exchange.Bybit.SecretKey == "" {
			return fmt.Errorf("%w: exchange.bybit.api_key and exchange.bybit.secret_key must be set", ErrConfig)
		}
	case VenueHyperliquid:
		if c.Exchange.Hyperliquid.PrivateKey == "" {
			return fmt.Errorf("%w: exchange.hyperliquid.private_key must be set", ErrConfig)
		}
	case VenuePaper:
		if c.Exchange.Paper.QtyStep <= 0 || c.Exchange.Paper.MinQty <= 0 {
			return fmt.Errorf("%w: exchange.paper.qty_step and min_qty must be positive", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown exchange.venue %q", ErrConfig, c.Exchange.Venue)
	}

	switch c.Ledger.Driver {
	case DriverSQLite, DriverPebble:
		if c.Ledger.Path == "" {
			return fmt.Errorf("%w: ledger.path is required for driver %s", ErrConfig, c.Ledger.Driver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("%w: unknown ledger.driver %q", ErrConfig, c.Ledger.Driver)
	}

	return nil
}
