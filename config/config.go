package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"lendpool/crypto"
	"lendpool/native/factory"
	"lendpool/native/pool"
)

// Config is the on-disk protocol configuration.
type Config struct {
	DataDir string `toml:"DataDir"`

	Protocol ProtocolConfig `toml:"protocol"`
	Limits   LimitsConfig   `toml:"limits"`
	Assets   AssetsConfig   `toml:"assets"`
	Oracle   OracleConfig   `toml:"oracle"`
	Savings  SavingsConfig  `toml:"savings"`
}

// ProtocolConfig carries the global protocol parameters. Fractions are
// scaled 1e30, the collateral ratio floor 1e28.
type ProtocolConfig struct {
	Owner                     string   `toml:"Owner"`
	FeeCollector              string   `toml:"FeeCollector"`
	ProtocolFeeFraction       *big.Int `toml:"ProtocolFeeFraction"`
	PoolCancelPenaltyFraction *big.Int `toml:"PoolCancelPenaltyFraction"`
	LiquidatorRewardFraction  *big.Int `toml:"LiquidatorRewardFraction"`
	MarginCallDuration        int64    `toml:"MarginCallDuration"`
	GracePeriodFraction       *big.Int `toml:"GracePeriodFraction"`
	GracePenaltyRate          *big.Int `toml:"GracePenaltyRate"`
}

// LimitsConfig bounds borrower-chosen pool terms.
type LimitsConfig struct {
	MinPoolSize            *big.Int `toml:"MinPoolSize"`
	MaxPoolSize            *big.Int `toml:"MaxPoolSize"`
	MinBorrowRate          *big.Int `toml:"MinBorrowRate"`
	MaxBorrowRate          *big.Int `toml:"MaxBorrowRate"`
	MinCollateralRatio     *big.Int `toml:"MinCollateralRatio"`
	LoanWithdrawalDuration int64    `toml:"LoanWithdrawalDuration"`
	MinCollectionPeriod    int64    `toml:"MinCollectionPeriod"`
	MaxCollectionPeriod    int64    `toml:"MaxCollectionPeriod"`
	MinRepaymentInterval   int64    `toml:"MinRepaymentInterval"`
	MaxRepaymentInterval   int64    `toml:"MaxRepaymentInterval"`
	MinNumberOfInstalments int64    `toml:"MinNumberOfInstalments"`
	MaxNumberOfInstalments int64    `toml:"MaxNumberOfInstalments"`
}

// AssetsConfig lists the assets pools may be denominated in.
type AssetsConfig struct {
	Borrow     []string `toml:"Borrow"`
	Collateral []string `toml:"Collateral"`
}

// OracleConfig bounds price feed freshness.
type OracleConfig struct {
	// MaxAge is the oldest accepted feed round, in seconds. Zero disables
	// the staleness check.
	MaxAge int64 `toml:"MaxAge"`
}

// SavingsConfig selects the custody strategy for shared-ledger deposits.
type SavingsConfig struct {
	StrategyID string `toml:"StrategyID"`
}

// Load reads the configuration from the given path, writing defaults first
// when the file does not exist.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.ensureDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields the engines assume are well-formed.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Protocol.Owner) != "" {
		if _, err := crypto.DecodeAddress(c.Protocol.Owner); err != nil {
			return fmt.Errorf("protocol.Owner: %w", err)
		}
	}
	if strings.TrimSpace(c.Protocol.FeeCollector) != "" {
		if _, err := crypto.DecodeAddress(c.Protocol.FeeCollector); err != nil {
			return fmt.Errorf("protocol.FeeCollector: %w", err)
		}
	}
	if c.Protocol.ProtocolFeeFraction.Sign() < 0 || c.Protocol.ProtocolFeeFraction.Cmp(rateScale) >= 0 {
		return fmt.Errorf("protocol.ProtocolFeeFraction must be in [0, 1e30)")
	}
	if c.Protocol.PoolCancelPenaltyFraction.Sign() < 0 || c.Protocol.PoolCancelPenaltyFraction.Cmp(rateScale) >= 0 {
		return fmt.Errorf("protocol.PoolCancelPenaltyFraction must be in [0, 1e30)")
	}
	if c.Protocol.LiquidatorRewardFraction.Sign() < 0 {
		return fmt.Errorf("protocol.LiquidatorRewardFraction must not be negative")
	}
	if c.Protocol.MarginCallDuration <= 0 {
		return fmt.Errorf("protocol.MarginCallDuration must be positive")
	}
	if c.Protocol.GracePeriodFraction.Sign() < 0 || c.Protocol.GracePeriodFraction.Cmp(rateScale) > 0 {
		return fmt.Errorf("protocol.GracePeriodFraction must be in [0, 1e30]")
	}
	if len(c.Assets.Borrow) == 0 || len(c.Assets.Collateral) == 0 {
		return fmt.Errorf("assets: both borrow and collateral allow-lists must be non-empty")
	}
	return nil
}

// ProtocolParams converts the configuration into engine parameters.
func (c *Config) ProtocolParams() (pool.ProtocolParams, error) {
	params := pool.ProtocolParams{
		ProtocolFeeFraction:       copyInt(c.Protocol.ProtocolFeeFraction),
		PoolCancelPenaltyFraction: copyInt(c.Protocol.PoolCancelPenaltyFraction),
		LiquidatorRewardFraction:  copyInt(c.Protocol.LiquidatorRewardFraction),
		MarginCallDuration:        c.Protocol.MarginCallDuration,
		GracePeriodFraction:       copyInt(c.Protocol.GracePeriodFraction),
		GracePenaltyRate:          copyInt(c.Protocol.GracePenaltyRate),
	}
	if strings.TrimSpace(c.Protocol.Owner) != "" {
		owner, err := crypto.DecodeAddress(c.Protocol.Owner)
		if err != nil {
			return pool.ProtocolParams{}, fmt.Errorf("protocol.Owner: %w", err)
		}
		params.Owner = owner
	}
	if strings.TrimSpace(c.Protocol.FeeCollector) != "" {
		collector, err := crypto.DecodeAddress(c.Protocol.FeeCollector)
		if err != nil {
			return pool.ProtocolParams{}, fmt.Errorf("protocol.FeeCollector: %w", err)
		}
		params.FeeCollector = collector
	}
	return params, nil
}

// FactoryLimits converts the configured bounds into factory limits.
func (c *Config) FactoryLimits() factory.Limits {
	return factory.Limits{
		MinPoolSize:            copyInt(c.Limits.MinPoolSize),
		MaxPoolSize:            copyInt(c.Limits.MaxPoolSize),
		MinBorrowRate:          copyInt(c.Limits.MinBorrowRate),
		MaxBorrowRate:          copyInt(c.Limits.MaxBorrowRate),
		MinCollateralRatio:     copyInt(c.Limits.MinCollateralRatio),
		LoanWithdrawalDuration: c.Limits.LoanWithdrawalDuration,
		MinCollectionPeriod:    c.Limits.MinCollectionPeriod,
		MaxCollectionPeriod:    c.Limits.MaxCollectionPeriod,
		MinRepaymentInterval:   c.Limits.MinRepaymentInterval,
		MaxRepaymentInterval:   c.Limits.MaxRepaymentInterval,
		MinNumberOfInstalments: c.Limits.MinNumberOfInstalments,
		MaxNumberOfInstalments: c.Limits.MaxNumberOfInstalments,
	}
}

var rateScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil)

func (c *Config) ensureDefaults() {
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./lendpool-data"
	}
	if c.Protocol.ProtocolFeeFraction == nil {
		c.Protocol.ProtocolFeeFraction = big.NewInt(0)
	}
	if c.Protocol.PoolCancelPenaltyFraction == nil {
		c.Protocol.PoolCancelPenaltyFraction = big.NewInt(0)
	}
	if c.Protocol.LiquidatorRewardFraction == nil {
		c.Protocol.LiquidatorRewardFraction = big.NewInt(0)
	}
	if c.Protocol.MarginCallDuration == 0 {
		c.Protocol.MarginCallDuration = 2 * 86400
	}
	if c.Protocol.GracePeriodFraction == nil {
		c.Protocol.GracePeriodFraction = big.NewInt(0)
	}
	if c.Protocol.GracePenaltyRate == nil {
		c.Protocol.GracePenaltyRate = big.NewInt(0)
	}
	if c.Limits.LoanWithdrawalDuration == 0 {
		c.Limits.LoanWithdrawalDuration = 86_400
	}
	if c.Oracle.MaxAge == 0 {
		c.Oracle.MaxAge = 3600
	}
	if strings.TrimSpace(c.Savings.StrategyID) == "" {
		c.Savings.StrategyID = "noyield"
	}
}

// createDefault writes and returns a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		Assets: AssetsConfig{
			Borrow:     []string{"USDC", "DAI"},
			Collateral: []string{"WETH", "WBTC"},
		},
		Limits: LimitsConfig{
			MinPoolSize:            big.NewInt(1),
			MinNumberOfInstalments: 1,
		},
	}
	cfg.ensureDefaults()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
