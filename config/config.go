package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"creditmarket/crypto"
	"creditmarket/native/market"
)

// Config is the daemon configuration loaded from TOML.
type Config struct {
	RPCAddress            string  `toml:"RPCAddress"`
	DataDir               string  `toml:"DataDir"`
	NetworkName           string  `toml:"NetworkName"`
	Env                   string  `toml:"Env"`
	RPCRateLimitPerMinute float64 `toml:"RPCRateLimitPerMinute"`
	RPCRateLimitBurst     int     `toml:"RPCRateLimitBurst"`

	Market  MarketConfig  `toml:"market"`
	Genesis GenesisConfig `toml:"genesis"`
}

// MarketConfig carries the construction parameters of the single market this
// node operates.
type MarketConfig struct {
	MarketAddress string `toml:"MarketAddress"`
	Borrower      string `toml:"Borrower"`
	Controller    string `toml:"Controller"`
	FeeRecipient  string `toml:"FeeRecipient"`
	Sentinel      string `toml:"Sentinel"`

	MaxTotalSupply          string `toml:"MaxTotalSupply"`
	AnnualInterestBips      uint64 `toml:"AnnualInterestBips"`
	ReserveRatioBips        uint64 `toml:"ReserveRatioBips"`
	ProtocolFeeBips         uint64 `toml:"ProtocolFeeBips"`
	DelinquencyFeeBips      uint64 `toml:"DelinquencyFeeBips"`
	DelinquencyGracePeriod  uint64 `toml:"DelinquencyGracePeriod"`
	WithdrawalBatchDuration uint64 `toml:"WithdrawalBatchDuration"`

	AuthorizedLenders  []string `toml:"AuthorizedLenders"`
	SanctionedAccounts []string `toml:"SanctionedAccounts"`
}

// GenesisConfig seeds token balances on first boot.
type GenesisConfig struct {
	Balances []GenesisBalance `toml:"balances"`
}

// GenesisBalance is a single seeded balance entry.
type GenesisBalance struct {
	Address string `toml:"Address"`
	Amount  string `toml:"Amount"`
}

// Load loads the configuration from the given path, creating a default file
// on first run.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s contains unknown keys: %v", path, undecoded)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.RPCAddress) == "" {
		c.RPCAddress = "127.0.0.1:8645"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./creditmarket-data"
	}
	if strings.TrimSpace(c.NetworkName) == "" {
		c.NetworkName = "creditmarket-local"
	}
	if c.RPCRateLimitPerMinute == 0 {
		c.RPCRateLimitPerMinute = 600
	}
	if c.RPCRateLimitBurst == 0 {
		c.RPCRateLimitBurst = 30
	}
	if c.Market.WithdrawalBatchDuration == 0 {
		c.Market.WithdrawalBatchDuration = 86_400
	}
}

// Validate checks that the address fields decode and the market parameters
// stay inside their bounds.
func (c *Config) Validate() error {
	if _, err := c.Market.Params(); err != nil {
		return err
	}
	if _, err := c.Market.Address(); err != nil {
		return err
	}
	for _, entry := range c.Genesis.Balances {
		if _, err := crypto.DecodeAddress(strings.TrimSpace(entry.Address)); err != nil {
			return fmt.Errorf("genesis balance address %q: %w", entry.Address, err)
		}
		if _, ok := new(big.Int).SetString(strings.TrimSpace(entry.Amount), 10); !ok {
			return fmt.Errorf("genesis balance amount %q is not a decimal integer", entry.Amount)
		}
	}
	return nil
}

// Address returns the decoded market address.
func (m *MarketConfig) Address() (crypto.Address, error) {
	return decodeAddr("MarketAddress", m.MarketAddress)
}

// Params converts the TOML table into engine construction parameters.
func (m *MarketConfig) Params() (market.MarketParams, error) {
	var params market.MarketParams
	var err error
	if params.Borrower, err = decodeAddr("Borrower", m.Borrower); err != nil {
		return params, err
	}
	if params.Controller, err = decodeAddr("Controller", m.Controller); err != nil {
		return params, err
	}
	if params.FeeRecipient, err = decodeAddr("FeeRecipient", m.FeeRecipient); err != nil {
		return params, err
	}
	if params.Sentinel, err = decodeAddr("Sentinel", m.Sentinel); err != nil {
		return params, err
	}
	maxSupply := strings.TrimSpace(m.MaxTotalSupply)
	if maxSupply == "" {
		maxSupply = "0"
	}
	supply, ok := new(big.Int).SetString(maxSupply, 10)
	if !ok || supply.Sign() < 0 {
		return params, fmt.Errorf("market MaxTotalSupply %q is not a non-negative decimal integer", m.MaxTotalSupply)
	}
	params.MaxTotalSupply = supply
	params.AnnualInterestBips = m.AnnualInterestBips
	params.ReserveRatioBips = m.ReserveRatioBips
	params.ProtocolFeeBips = m.ProtocolFeeBips
	params.DelinquencyFeeBips = m.DelinquencyFeeBips
	params.DelinquencyGracePeriod = m.DelinquencyGracePeriod
	params.WithdrawalBatchDuration = m.WithdrawalBatchDuration
	if err := params.Validate(); err != nil {
		return params, err
	}
	return params, nil
}

func decodeAddr(field, raw string) (crypto.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return crypto.Address{}, fmt.Errorf("market %s is required", field)
	}
	addr, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("market %s: %w", field, err)
	}
	return addr, nil
}

// createDefault writes a runnable configuration with freshly generated
// operator addresses so a first boot works out of the box.
func createDefault(path string) (*Config, error) {
	newAddr := func() (string, error) {
		key, err := crypto.GeneratePrivateKey()
		if err != nil {
			return "", err
		}
		return key.PubKey().Address().String(), nil
	}

	cfg := &Config{}
	cfg.applyDefaults()

	var err error
	if cfg.Market.MarketAddress, err = newAddr(); err != nil {
		return nil, err
	}
	if cfg.Market.Borrower, err = newAddr(); err != nil {
		return nil, err
	}
	if cfg.Market.Controller, err = newAddr(); err != nil {
		return nil, err
	}
	if cfg.Market.FeeRecipient, err = newAddr(); err != nil {
		return nil, err
	}
	if cfg.Market.Sentinel, err = newAddr(); err != nil {
		return nil, err
	}
	cfg.Market.MaxTotalSupply = "1000000000000000000000000"
	cfg.Market.AnnualInterestBips = 1000
	cfg.Market.DelinquencyFeeBips = 500
	cfg.Market.DelinquencyGracePeriod = 3600
	cfg.Market.WithdrawalBatchDuration = 86_400

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
