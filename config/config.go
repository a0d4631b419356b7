package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	AllocatorConfig AllocatorConfig `json:"allocator"`
	SizerConfig     SizerConfig     `json:"sizer"`
	TrailingConfig  TrailingConfig  `json:"trailing"`
	SwarmConfig     SwarmConfig     `json:"swarm"`
	RedisConfig     RedisConfig     `json:"redis"`
	PostgresConfig  PostgresConfig  `json:"postgres"`
	LoggingConfig   LoggingConfig   `json:"logging"`
	MetricsConfig   MetricsConfig   `json:"metrics"`
}

// AllocatorConfig holds capital allocation and portfolio risk limits
type AllocatorConfig struct {
	TotalCapital          float64 `json:"total_capital"`
	MaxPortfolioRiskPct   float64 `json:"max_portfolio_risk_pct"`    // Drawdown from peak that pauses all strategies
	MaxPerStrategyRiskPct float64 `json:"max_per_strategy_risk_pct"` // Per-strategy drawdown pause threshold
	MaxDailyLossPct       float64 `json:"max_daily_loss_pct"`        // Daily loss that pauses all strategies
	RebalanceIntervalDays int     `json:"rebalance_interval_days"`
	MinAllocationUSD      float64 `json:"min_allocation_usd"`
	MaxAllocationPct      float64 `json:"max_allocation_pct"` // Fraction of total capital per strategy
	MinQualifyingTrades   int     `json:"min_qualifying_trades"`
	MinQualifyingSharpe   float64 `json:"min_qualifying_sharpe"`
}

// SizerConfig holds per-trade position sizing parameters
type SizerConfig struct {
	BaseRiskPct    float64 `json:"base_risk_pct"`    // Fraction of balance risked before adjustments
	MinRiskPct     float64 `json:"min_risk_pct"`     // Floor on adjusted risk
	MaxRiskPct     float64 `json:"max_risk_pct"`     // Cap on adjusted risk
	MaxPositionPct float64 `json:"max_position_pct"` // Cap on position notional vs balance
	DefaultStopPct float64 `json:"default_stop_pct"` // Stop distance used when none is provided
}

// TrailingConfig holds the profit thresholds and ATR multipliers for each trail level
type TrailingConfig struct {
	BreakevenPct    float64 `json:"breakeven_pct"`
	Level1Pct       float64 `json:"level1_pct"`
	Level2Pct       float64 `json:"level2_pct"`
	Level3Pct       float64 `json:"level3_pct"`
	Level4Pct       float64 `json:"level4_pct"`
	Level1ATR       float64 `json:"level1_atr"`
	Level2ATR       float64 `json:"level2_atr"`
	Level3ATR       float64 `json:"level3_atr"`
	Level4ATR       float64 `json:"level4_atr"`
	RiskRewardRatio float64 `json:"risk_reward_ratio"`
}

// SwarmConfig holds consensus weighting parameters
type SwarmConfig struct {
	DecayFactor        float64 `json:"decay_factor"`         // Multiplier for non-contributing participants
	AdjustmentMin      float64 `json:"adjustment_min"`       // Lower clamp on outcome adjustment
	AdjustmentMax      float64 `json:"adjustment_max"`       // Upper clamp on outcome adjustment
	OptimizedThreshold int     `json:"optimized_threshold"`  // Trades before TRAINING -> OPTIMIZED
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type PostgresConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
}

// DefaultConfig returns the engine defaults. Thresholds mirror the documented
// allocation and trailing-stop behavior; hosts typically override capital and
// store settings only.
func DefaultConfig() *Config {
	return &Config{
		AllocatorConfig: AllocatorConfig{
			TotalCapital:          100000,
			MaxPortfolioRiskPct:   0.15,
			MaxPerStrategyRiskPct: 0.10,
			MaxDailyLossPct:       0.05,
			RebalanceIntervalDays: 7,
			MinAllocationUSD:      5000,
			MaxAllocationPct:      0.40,
			MinQualifyingTrades:   10,
			MinQualifyingSharpe:   0.5,
		},
		SizerConfig: SizerConfig{
			BaseRiskPct:    0.02,
			MinRiskPct:     0.005,
			MaxRiskPct:     0.05,
			MaxPositionPct: 0.30,
			DefaultStopPct: 0.02,
		},
		TrailingConfig: TrailingConfig{
			BreakevenPct:    2.0,
			Level1Pct:       5.0,
			Level2Pct:       10.0,
			Level3Pct:       15.0,
			Level4Pct:       20.0,
			Level1ATR:       1.5,
			Level2ATR:       1.0,
			Level3ATR:       0.7,
			Level4ATR:       0.5,
			RiskRewardRatio: 2.0,
		},
		SwarmConfig: SwarmConfig{
			DecayFactor:        0.95,
			AdjustmentMin:      0.5,
			AdjustmentMax:      1.5,
			OptimizedThreshold: 20,
		},
		RedisConfig: RedisConfig{
			Enabled:  false,
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		PostgresConfig: PostgresConfig{
			Enabled: false,
			Host:    "localhost",
			Port:    5432,
			User:    "postgres",
			SSLMode: "disable",
		},
		LoggingConfig: LoggingConfig{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
		MetricsConfig: MetricsConfig{
			Enabled:   true,
			Namespace: "risk_engine",
		},
	}
}

// LoadConfig reads configuration from a JSON file (if path is non-empty and
// the file exists) and then applies environment variable overrides. A .env
// file in the working directory is loaded first when present.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks construction-time invariants. A non-positive total capital
// is fatal; everything else has a usable default.
func (c *Config) Validate() error {
	if c.AllocatorConfig.TotalCapital <= 0 {
		return fmt.Errorf("total capital must be positive, got %.2f", c.AllocatorConfig.TotalCapital)
	}
	if c.AllocatorConfig.MaxAllocationPct <= 0 || c.AllocatorConfig.MaxAllocationPct > 1 {
		return fmt.Errorf("max allocation pct must be in (0,1], got %.2f", c.AllocatorConfig.MaxAllocationPct)
	}
	if c.SizerConfig.BaseRiskPct <= 0 {
		return fmt.Errorf("base risk pct must be positive, got %.4f", c.SizerConfig.BaseRiskPct)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ENGINE_TOTAL_CAPITAL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.AllocatorConfig.TotalCapital = f
		}
	}
	if v := os.Getenv("ENGINE_REBALANCE_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AllocatorConfig.RebalanceIntervalDays = n
		}
	}
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		cfg.RedisConfig.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("REDIS_ADDRESS"); v != "" {
		cfg.RedisConfig.Address = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisConfig.Password = v
	}
	if v := os.Getenv("POSTGRES_ENABLED"); v != "" {
		cfg.PostgresConfig.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("POSTGRES_HOST"); v != "" {
		cfg.PostgresConfig.Host = v
	}
	if v := os.Getenv("POSTGRES_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PostgresConfig.Port = n
		}
	}
	if v := os.Getenv("POSTGRES_USER"); v != "" {
		cfg.PostgresConfig.User = v
	}
	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		cfg.PostgresConfig.Password = v
	}
	if v := os.Getenv("POSTGRES_DATABASE"); v != "" {
		cfg.PostgresConfig.Database = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LoggingConfig.Level = v
	}
}
