// Package config loads the server configuration from the environment, an
// optional .env file and an optional TOML bootstrap file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/atmx/parimutuel/internal/tier"
)

// Config is the server configuration.
type Config struct {
	Port string `env:"PORT" envDefault:"8080"`

	DatabaseURL string        `env:"DATABASE_URL"`
	RedisURL    string        `env:"REDIS_URL"`
	CacheTTL    time.Duration `env:"CACHE_TTL" envDefault:"30s"`
	LockTTL     time.Duration `env:"LOCK_TTL" envDefault:"30s"`
	LockTimeout time.Duration `env:"LOCK_TIMEOUT" envDefault:"10s"`
	EthRPCURL   string        `env:"ETH_RPC_URL"`

	GovernanceAddresses []string      `env:"GOVERNANCE_ADDRESSES" envSeparator:","`
	VaultAddress        string        `env:"VAULT_ADDRESS"`
	ResolveGracePeriod  time.Duration `env:"RESOLVE_GRACE_PERIOD" envDefault:"24h"`
	CreationFeeRatio    uint16        `env:"CREATION_FEE_RATIO" envDefault:"5000"`
	MaxCreationFeeRatio uint16        `env:"MAX_CREATION_FEE_RATIO" envDefault:"10000"`
	CreationBondChip    string        `env:"CREATION_BOND_CHIP"`
	CreationBondAmount  string        `env:"CREATION_BOND_AMOUNT" envDefault:"0"`

	BootstrapFile      string        `env:"BOOTSTRAP_FILE"`
	ExpiryScanInterval time.Duration `env:"EXPIRY_SCAN_INTERVAL" envDefault:"1m"`
	LogLevel           string        `env:"LOG_LEVEL" envDefault:"info"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load reads a .env file if present, parses the environment and validates
// the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if len(c.GovernanceAddresses) == 0 {
		return fmt.Errorf("GOVERNANCE_ADDRESSES is required")
	}
	for _, a := range c.GovernanceAddresses {
		if !isAddress(strings.TrimSpace(a)) {
			return fmt.Errorf("GOVERNANCE_ADDRESSES: %q is not an address", a)
		}
	}
	if !isAddress(c.VaultAddress) {
		return fmt.Errorf("VAULT_ADDRESS: %q is not an address", c.VaultAddress)
	}
	if c.ResolveGracePeriod <= 0 {
		return fmt.Errorf("RESOLVE_GRACE_PERIOD must be positive")
	}
	if c.MaxCreationFeeRatio > 10000 {
		return fmt.Errorf("MAX_CREATION_FEE_RATIO (%d) cannot exceed 10000", c.MaxCreationFeeRatio)
	}
	if c.CreationFeeRatio > c.MaxCreationFeeRatio {
		return fmt.Errorf("CREATION_FEE_RATIO (%d) cannot exceed MAX_CREATION_FEE_RATIO (%d)", c.CreationFeeRatio, c.MaxCreationFeeRatio)
	}
	bond, err := decimal.NewFromString(c.CreationBondAmount)
	if err != nil || bond.IsNegative() || !bond.IsInteger() {
		return fmt.Errorf("CREATION_BOND_AMOUNT: %q is not a non-negative integer", c.CreationBondAmount)
	}
	if bond.IsPositive() && !isAddress(c.CreationBondChip) {
		return fmt.Errorf("CREATION_BOND_CHIP is required when CREATION_BOND_AMOUNT is set")
	}
	if c.ExpiryScanInterval <= 0 {
		return fmt.Errorf("EXPIRY_SCAN_INTERVAL must be positive")
	}
	if c.LockTimeout <= 0 || c.LockTTL <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT and LOCK_TTL must be positive")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func isAddress(s string) bool {
	return common.IsHexAddress(s) && common.HexToAddress(s) != (common.Address{})
}

// Governance returns the governance accounts.
func (c *Config) Governance() []common.Address {
	out := make([]common.Address, len(c.GovernanceAddresses))
	for i, a := range c.GovernanceAddresses {
		out[i] = common.HexToAddress(strings.TrimSpace(a))
	}
	return out
}

// Vault returns the protocol vault account.
func (c *Config) Vault() common.Address { return common.HexToAddress(c.VaultAddress) }

// Bond returns the creation bond chip and amount. The amount is zero when
// no bond is charged.
func (c *Config) Bond() (common.Address, decimal.Decimal) {
	amount, err := decimal.NewFromString(c.CreationBondAmount)
	if err != nil || !amount.IsPositive() {
		return common.Address{}, decimal.Zero
	}
	return common.HexToAddress(c.CreationBondChip), amount
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	l, _ := parseLevel(c.LogLevel)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL: %q is not a log level", s)
	}
	return l, nil
}

// ChipEntry is a chip admitted at startup.
type ChipEntry struct {
	Address  string `toml:"address"`
	Decimals uint8  `toml:"decimals"`
}

// BalanceEntry credits an account in the custody ledger at startup.
type BalanceEntry struct {
	Chip    string          `toml:"chip"`
	Account string          `toml:"account"`
	Amount  decimal.Decimal `toml:"amount"`
}

// Bootstrap is the optional startup file: chips to register, the tier table
// and opening custody balances.
type Bootstrap struct {
	Chips    []ChipEntry    `toml:"chips"`
	Tiers    []tier.Level   `toml:"tiers"`
	Balances []BalanceEntry `toml:"balances"`
}

// LoadBootstrap decodes the TOML bootstrap file at path.
func LoadBootstrap(path string) (*Bootstrap, error) {
	var b Bootstrap
	if _, err := toml.DecodeFile(path, &b); err != nil {
		return nil, fmt.Errorf("decode bootstrap %s: %w", path, err)
	}
	for i, c := range b.Chips {
		if !isAddress(c.Address) {
			return nil, fmt.Errorf("bootstrap chips[%d]: %q is not an address", i, c.Address)
		}
	}
	for i, bal := range b.Balances {
		if !isAddress(bal.Chip) || !isAddress(bal.Account) {
			return nil, fmt.Errorf("bootstrap balances[%d]: invalid chip or account", i)
		}
		if !bal.Amount.IsPositive() || !bal.Amount.IsInteger() {
			return nil, fmt.Errorf("bootstrap balances[%d]: amount %s is not a positive integer", i, bal.Amount)
		}
	}
	return &b, nil
}

// ChipDecimals returns the bootstrap chips keyed by address.
func (b *Bootstrap) ChipDecimals() map[common.Address]uint8 {
	out := make(map[common.Address]uint8, len(b.Chips))
	for _, c := range b.Chips {
		out[common.HexToAddress(c.Address)] = c.Decimals
	}
	return out
}
