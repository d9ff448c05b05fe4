package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	fmath "github.com/michaelpento.lv/flashlender/utils/math"
	"github.com/michaelpento.lv/flashlender/utils/metrics"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"
)

// DefaultConfigFile is read when no --config flag or FLASHLENDER_CONFIG is set
const DefaultConfigFile = "flashlender.yaml"

type Config struct {
	Debug bool `yaml:"debug"`

	Pool       PoolConfig            `yaml:"pool"`
	Lender     LenderConfig          `yaml:"lender"`
	Simulation SimulationConfig      `yaml:"simulation"`
	API        APIConfig             `yaml:"api"`
	Metrics    metrics.MetricsConfig `yaml:"metrics"`
	Journal    JournalConfig         `yaml:"journal"`
	Log        LogConfig             `yaml:"log"`
}

// PoolConfig describes the YieldSpace pool backing the lender. Amounts are
// decimal strings in base units.
type PoolConfig struct {
	Name    string `yaml:"name"`
	Account string `yaml:"account"`
	Owner   string `yaml:"owner"`
	Base    string `yaml:"base"`
	Yield   string `yaml:"yield"`

	// Maturity is an RFC3339 timestamp or a duration from now ("4380h")
	Maturity string `yaml:"maturity"`

	G1      string        `yaml:"g1"`
	Stretch time.Duration `yaml:"stretch"`

	BaseReserve  string `yaml:"base_reserve"`
	YieldReserve string `yaml:"yield_reserve"`
	// SkewYield is sold into the pool by the owner after seeding
	SkewYield string `yaml:"skew_yield"`
}

type LenderConfig struct {
	Name           string `yaml:"name"`
	Account        string `yaml:"account"`
	Treasury       string `yaml:"treasury"`
	QuoteCacheSize int    `yaml:"quote_cache_size"`
}

// SimulationConfig drives the simulate command's reference borrower
type SimulationConfig struct {
	Borrower string `yaml:"borrower"`
	Funding  string `yaml:"funding"`
	Amount   string `yaml:"amount"`
	Action   string `yaml:"action"`
}

type APIConfig struct {
	Listen            string        `yaml:"listen"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type JournalConfig struct {
	Enabled bool          `yaml:"enabled"`
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	File      string `yaml:"file"`
	ErrorFile string `yaml:"error_file"`
}

// DefaultConfig reproduces the reference deployment: 120 base against 120
// virtual yield, skewed by 34.4 yield, maturing in six months
func DefaultConfig() *Config {
	return &Config{
		Pool: PoolConfig{
			Account:      "0x0000000000000000000000000000000000009001",
			Owner:        "0x0000000000000000000000000000000000000a11",
			Base:         "0x6B175474E89094C44Da98b954EedeAC495271d0F",
			Yield:        "0x00000000000000000000000000000000000f7da1",
			Maturity:     "4382h54m36s",
			G1:           "0.95",
			Stretch:      126144000 * time.Second,
			BaseReserve:  "120000000000000000000",
			YieldReserve: "120000000000000000000",
			SkewYield:    "34400000000000000000",
		},
		Lender: LenderConfig{
			Name:           "dai-lender",
			Account:        "0x0000000000000000000000000000000000009002",
			QuoteCacheSize: 1024,
		},
		Simulation: SimulationConfig{
			Borrower: "0x000000000000000000000000000000000000b0b0",
			Funding:  "1000000000000000000",
			Amount:   "1000000000000000000",
			Action:   "repay",
		},
		API: APIConfig{
			Listen:            "127.0.0.1:8080",
			RequestsPerSecond: 10,
			Burst:             20,
			RequestTimeout:    10 * time.Second,
			ShutdownTimeout:   5 * time.Second,
		},
		Metrics: metrics.MetricsConfig{
			Enabled:   true,
			Namespace: metrics.DefaultNamespace,
		},
		Journal: JournalConfig{
			Path:    "flashlender.db",
			Timeout: time.Second,
		},
		Log: LogConfig{
			File:      "flashlender.log",
			ErrorFile: "flashlender-error.log",
		},
	}
}

// LoadConfig reads a YAML file over DefaultConfig, applies environment
// overrides and validates the result
func LoadConfig(cfgFile string) (*Config, error) {
	if cfgFile == "" {
		cfgFile = GetEnvWithDefault(EnvConfigFile, "")
	}

	cfg := DefaultConfig()
	if cfgFile != "" {
		raw, err := os.ReadFile(cfgFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.UnmarshalStrict(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig writes cfg as YAML
func SaveConfig(cfg *Config, cfgFile string) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(cfgFile, raw, 0o644)
}

// Validate collects every problem with the configuration into one error
func (c *Config) Validate() error {
	var errs []string

	if err := c.Pool.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("pool config error: %v", err))
	}
	if err := c.Lender.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("lender config error: %v", err))
	}
	if err := c.Simulation.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("simulation config error: %v", err))
	}
	if err := c.API.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("api config error: %v", err))
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		errs = append(errs, "journal path must be specified when the journal is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Namespace == "" {
		errs = append(errs, "metrics namespace must be specified when metrics are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (p *PoolConfig) Validate() error {
	var errs []string
	for name, addr := range map[string]string{"account": p.Account, "owner": p.Owner, "base": p.Base, "yield": p.Yield} {
		if !common.IsHexAddress(addr) {
			errs = append(errs, fmt.Sprintf("%s must be an address, got %q", name, addr))
		}
	}
	if strings.EqualFold(p.Base, p.Yield) {
		errs = append(errs, "base and yield must differ")
	}
	if _, err := p.MaturityAt(time.Now()); err != nil {
		errs = append(errs, err.Error())
	}
	if g1, err := decimal.NewFromString(p.G1); err != nil || g1.Sign() <= 0 {
		errs = append(errs, fmt.Sprintf("g1 must be a positive decimal, got %q", p.G1))
	}
	if p.Stretch <= 0 {
		errs = append(errs, "stretch must be positive")
	}
	for name, amount := range map[string]string{"base_reserve": p.BaseReserve, "yield_reserve": p.YieldReserve, "skew_yield": p.SkewYield} {
		if _, err := ParseAmount(amount); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
		}
	}
	if len(errs) > 0 {
		sort.Strings(errs)
		return errors.New(strings.Join(errs, ", "))
	}
	return nil
}

// MaturityAt resolves Maturity against now
func (p *PoolConfig) MaturityAt(now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, p.Maturity); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(p.Maturity)
	if err != nil || d <= 0 {
		return time.Time{}, fmt.Errorf("maturity must be RFC3339 or a positive duration, got %q", p.Maturity)
	}
	return now.Add(d), nil
}

func (l *LenderConfig) Validate() error {
	if l.Name == "" {
		return fmt.Errorf("name must be specified")
	}
	if !common.IsHexAddress(l.Account) {
		return fmt.Errorf("account must be an address, got %q", l.Account)
	}
	if l.Treasury != "" && !common.IsHexAddress(l.Treasury) {
		return fmt.Errorf("treasury must be an address, got %q", l.Treasury)
	}
	if l.QuoteCacheSize < 0 {
		return fmt.Errorf("quote cache size must not be negative")
	}
	return nil
}

func (s *SimulationConfig) Validate() error {
	if !common.IsHexAddress(s.Borrower) {
		return fmt.Errorf("borrower must be an address, got %q", s.Borrower)
	}
	if _, err := ParseAmount(s.Funding); err != nil {
		return fmt.Errorf("funding: %w", err)
	}
	if _, err := ParseAmount(s.Amount); err != nil {
		return fmt.Errorf("amount: %w", err)
	}
	return nil
}

func (a *APIConfig) Validate() error {
	if a.Listen == "" {
		return fmt.Errorf("listen address must be specified")
	}
	if a.RequestsPerSecond <= 0 {
		return fmt.Errorf("requests per second must be positive")
	}
	if a.Burst <= 0 {
		return fmt.Errorf("burst size must be positive")
	}
	return nil
}

// ParseAmount accepts base units ("1000000000000000000") or whole tokens
// with a unit suffix ("1.5 tokens")
func ParseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if whole, ok := strings.CutSuffix(s, "tokens"); ok {
		return fmath.ParseUnits(strings.TrimSpace(whole), fmath.Decimals)
	}
	return fmath.ParseAmount(s)
}

// Address parses a configured hex address. Validate has already checked it.
func Address(s string) common.Address {
	return common.HexToAddress(s)
}
