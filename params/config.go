package params

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Engine holds the risk and settlement parameters shared by every market.
type Engine struct {
	// MaxLeverage is the platform-wide leverage ceiling. Per-market ceilings
	// may be lower but never higher.
	MaxLeverage int64 `yaml:"maxLeverage"`

	// MaintenanceFractionBps is the maintenance margin threshold expressed as
	// basis points of the initial margin (5000 = positions are force-closed
	// once equity drops below 50% of the margin posted at entry).
	MaintenanceFractionBps int64 `yaml:"maintenanceFractionBps"`

	// OracleMaxAge rejects leveraged admissions when the oracle quote for the
	// symbol is older than this.
	OracleMaxAge time.Duration `yaml:"oracleMaxAge"`
}

// FlashLoan holds the flash-loan settlement parameters.
type FlashLoan struct {
	// FeeRateBps is charged on the principal (10 bps = 0.1%, the platform rate).
	FeeRateBps int64 `yaml:"feeRateBps"`

	// OpBudget caps how many engine operations a borrower strategy may issue.
	OpBudget int `yaml:"opBudget"`

	// MaxDuration caps strategy wall-clock time; exceeding it forces a revert.
	MaxDuration time.Duration `yaml:"maxDuration"`
}

// MarketSpec declares one tradable pair in the config file.
type MarketSpec struct {
	Symbol      string `yaml:"symbol"`
	BaseAsset   string `yaml:"baseAsset"`
	QuoteAsset  string `yaml:"quoteAsset"`
	PriceScale  int32  `yaml:"priceScale"` // decimal places per tick (6 → 0.000156 SOL = 156 ticks)
	MinNotional int64  `yaml:"minNotional"`
	MaxLeverage int64  `yaml:"maxLeverage"`
	MakerFeeBps int64  `yaml:"makerFeeBps"`
	TakerFeeBps int64  `yaml:"takerFeeBps"`
	MinOrder    int64  `yaml:"minOrder"`
	MaxOrder    int64  `yaml:"maxOrder"`
	MaxPosition int64  `yaml:"maxPosition"`
}

type Server struct {
	APIAddr     string `yaml:"apiAddr"`
	MetricsAddr string `yaml:"metricsAddr"`
	DataDir     string `yaml:"dataDir"`
	LogFile     string `yaml:"logFile"`
}

type Config struct {
	Engine    Engine       `yaml:"engine"`
	FlashLoan FlashLoan    `yaml:"flashLoan"`
	Server    Server       `yaml:"server"`
	Markets   []MarketSpec `yaml:"markets"`
}

func Default() Config {
	return Config{
		Engine: Engine{
			MaxLeverage:            50,
			MaintenanceFractionBps: 5000,
			OracleMaxAge:           5 * time.Second,
		},
		FlashLoan: FlashLoan{
			FeeRateBps:  10,
			OpBudget:    32,
			MaxDuration: 2 * time.Second,
		},
		Server: Server{
			APIAddr:     ":8080",
			MetricsAddr: ":9100",
			DataDir:     "./data",
		},
		Markets: []MarketSpec{
			{
				Symbol: "MRX-SOL", BaseAsset: "MRX", QuoteAsset: "SOL",
				PriceScale: 6, MinNotional: 100, MaxLeverage: 50,
				MakerFeeBps: -1, TakerFeeBps: 5,
				MinOrder: 1, MaxOrder: 1_000_000, MaxPosition: 10_000_000,
			},
		},
	}
}

// Load reads YAML config from path (optional) and applies env overrides.
// Priority: ENV > .env file > YAML > defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml: %w", err)
		}
	}

	_ = godotenv.Load() // .env is optional

	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.Server.APIAddr = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.Server.MetricsAddr = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Server.DataDir = v
	}
	if v := os.Getenv("MAX_LEVERAGE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Engine.MaxLeverage = n
		}
	}
	if v := os.Getenv("FLASH_FEE_BPS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.FlashLoan.FeeRateBps = n
		}
	}
	if v := os.Getenv("ORACLE_MAX_AGE_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Engine.OracleMaxAge = time.Duration(ms) * time.Millisecond
		}
	}

	return cfg, Validate(cfg)
}

// Validate ensures required fields are sane.
func Validate(cfg Config) error {
	if cfg.Engine.MaxLeverage <= 0 {
		return fmt.Errorf("engine.maxLeverage must be > 0")
	}
	if cfg.Engine.MaintenanceFractionBps <= 0 || cfg.Engine.MaintenanceFractionBps >= 10000 {
		return fmt.Errorf("engine.maintenanceFractionBps must be in (0, 10000)")
	}
	if cfg.FlashLoan.FeeRateBps < 0 {
		return fmt.Errorf("flashLoan.feeRateBps must be >= 0")
	}
	if cfg.FlashLoan.OpBudget <= 0 {
		return fmt.Errorf("flashLoan.opBudget must be > 0")
	}
	if cfg.FlashLoan.MaxDuration <= 0 {
		return fmt.Errorf("flashLoan.maxDuration must be > 0")
	}
	if len(cfg.Markets) == 0 {
		return fmt.Errorf("at least one market is required")
	}
	for _, m := range cfg.Markets {
		if m.Symbol == "" || m.BaseAsset == "" || m.QuoteAsset == "" {
			return fmt.Errorf("market %q: symbol/baseAsset/quoteAsset are required", m.Symbol)
		}
		if m.MaxLeverage <= 0 || m.MaxLeverage > cfg.Engine.MaxLeverage {
			return fmt.Errorf("market %s: maxLeverage must be in [1, %d]", m.Symbol, cfg.Engine.MaxLeverage)
		}
		if m.MinOrder <= 0 || m.MaxOrder < m.MinOrder {
			return fmt.Errorf("market %s: order size bounds invalid", m.Symbol)
		}
		if m.MaxPosition < m.MaxOrder {
			return fmt.Errorf("market %s: maxPosition must be >= maxOrder", m.Symbol)
		}
	}
	return nil
}
