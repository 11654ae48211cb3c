package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type BridgeChain string

const (
	BridgeOnSource      BridgeChain = "source"
	BridgeOnDestination BridgeChain = "destination"
)

// Duration is a time.Duration that unmarshals from strings like "3s" or "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

type ChainConfig struct {
	RPCURL  string `json:"rpc_url"`
	ChainID int64  `json:"chain_id"`
}

type AggregatorConfig struct {
	BaseURL    string `json:"base_url"`
	APIKey     string `json:"api_key"`
	SecretKey  string `json:"secret_key"`
	Passphrase string `json:"passphrase"`
	ProjectID  string `json:"project_id"`
}

type TokenConfig struct {
	Address  string `json:"address"`
	Decimals int32  `json:"decimals"`
	Symbol   string `json:"symbol"`
}

type BridgeConfig struct {
	Contract string      `json:"contract"`
	Chain    BridgeChain `json:"chain"`
}

type SwapConfig struct {
	// Ordered slippage tolerances as fractions, e.g. "0.01" for 1%
	SlippageTiers    []string `json:"slippage_tiers"`
	TierBackoff      Duration `json:"tier_backoff"`
	GasMultiplier    string   `json:"gas_multiplier"`
	FallbackGasLimit uint64   `json:"fallback_gas_limit"`
}

type QuoteConfig struct {
	Attempts   int      `json:"attempts"`
	RetryDelay Duration `json:"retry_delay"`
	Timeout    Duration `json:"timeout"`
	// Minimum acceptable output in stable token display units
	MinOutput string `json:"min_output"`
}

type DatabaseConfig struct {
	// "sqlite3", "postgres", or empty for the in-memory store
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}

type Config struct {
	SourceChain      ChainConfig `json:"source_chain"`
	DestinationChain ChainConfig `json:"destination_chain"`

	// Address users pay native currency to. Swaps spend from the signer key, so the key must
	// control this address unless SeparateSigner is set.
	AdminAddress string `json:"admin_address"`

	// Signer key: either a hex private key or a BIP39 mnemonic + index
	PrivateKey    string `json:"private_key"`
	Mnemonic      string `json:"mnemonic"`
	MnemonicIndex uint32 `json:"mnemonic_index"`
	// Allow a signer other than admin_address, e.g. a hot wallet the operator keeps funded
	SeparateSigner bool `json:"separate_signer"`

	Aggregator          AggregatorConfig `json:"aggregator"`
	StableToken         TokenConfig      `json:"stable_token"`
	Bridge              BridgeConfig     `json:"bridge"`
	MarketplaceContract string           `json:"marketplace_contract"`

	Swap  SwapConfig  `json:"swap"`
	Quote QuoteConfig `json:"quote"`

	ConfirmationTimeout Duration `json:"confirmation_timeout"`
	JobTimeout          Duration `json:"job_timeout"`
	StaleAfter          Duration `json:"stale_after"`

	Database DatabaseConfig `json:"database"`
	Telegram TelegramConfig `json:"telegram"`

	// HTTP server port (default 8080)
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	// .env is optional; it only feeds the secret overrides below
	_ = godotenv.Load()
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Parse decodes a config without validating it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	override(&c.PrivateKey, "GIFTPAY_PRIVATE_KEY")
	override(&c.Mnemonic, "GIFTPAY_MNEMONIC")
	override(&c.Aggregator.APIKey, "GIFTPAY_AGGREGATOR_API_KEY")
	override(&c.Aggregator.SecretKey, "GIFTPAY_AGGREGATOR_SECRET_KEY")
	override(&c.Aggregator.Passphrase, "GIFTPAY_AGGREGATOR_PASSPHRASE")
	override(&c.Telegram.Token, "GIFTPAY_TELEGRAM_TOKEN")
	override(&c.Database.DSN, "GIFTPAY_DATABASE_DSN")
}

func (c *Config) validate() error {
	if c.SourceChain.RPCURL == "" || c.SourceChain.ChainID == 0 {
		return fmt.Errorf("source_chain.rpc_url and source_chain.chain_id are required")
	}
	if c.DestinationChain.RPCURL == "" || c.DestinationChain.ChainID == 0 {
		return fmt.Errorf("destination_chain.rpc_url and destination_chain.chain_id are required")
	}
	if !common.IsHexAddress(c.AdminAddress) {
		return fmt.Errorf("admin_address must be a hex address")
	}
	if c.PrivateKey == "" && c.Mnemonic == "" {
		return fmt.Errorf("private_key or mnemonic is required")
	}
	if c.Aggregator.APIKey == "" || c.Aggregator.SecretKey == "" || c.Aggregator.Passphrase == "" {
		return fmt.Errorf("aggregator api_key, secret_key and passphrase are required")
	}
	if c.Aggregator.BaseURL == "" {
		c.Aggregator.BaseURL = "https://web3.okx.com"
	}
	if !common.IsHexAddress(c.StableToken.Address) {
		return fmt.Errorf("stable_token.address must be a hex address")
	}
	if c.StableToken.Decimals <= 0 {
		c.StableToken.Decimals = 6
	}
	if c.StableToken.Symbol == "" {
		c.StableToken.Symbol = "USDC"
	}
	if !common.IsHexAddress(c.Bridge.Contract) {
		return fmt.Errorf("bridge.contract must be a hex address")
	}
	switch c.Bridge.Chain {
	case "":
		c.Bridge.Chain = BridgeOnDestination
	case BridgeOnSource, BridgeOnDestination:
	default:
		return fmt.Errorf("bridge.chain must be 'source' or 'destination'")
	}
	if !common.IsHexAddress(c.MarketplaceContract) {
		return fmt.Errorf("marketplace_contract must be a hex address")
	}

	if len(c.Swap.SlippageTiers) == 0 {
		c.Swap.SlippageTiers = []string{"0.01", "0.02", "0.03"}
	}
	if _, err := c.SlippageTiers(); err != nil {
		return err
	}
	if c.Swap.TierBackoff.Duration == 0 {
		c.Swap.TierBackoff.Duration = 3 * time.Second
	}
	if c.Swap.GasMultiplier == "" {
		c.Swap.GasMultiplier = "1.2"
	}
	if m, err := decimal.NewFromString(c.Swap.GasMultiplier); err != nil || m.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("swap.gas_multiplier must be a number >= 1")
	}
	if c.Swap.FallbackGasLimit == 0 {
		c.Swap.FallbackGasLimit = 500000
	}

	if c.Quote.Attempts <= 0 {
		c.Quote.Attempts = 3
	}
	if c.Quote.RetryDelay.Duration == 0 {
		c.Quote.RetryDelay.Duration = 2 * time.Second
	}
	if c.Quote.Timeout.Duration == 0 {
		c.Quote.Timeout.Duration = 10 * time.Second
	}
	if c.Quote.MinOutput == "" {
		c.Quote.MinOutput = "0.01"
	}
	if _, err := decimal.NewFromString(c.Quote.MinOutput); err != nil {
		return fmt.Errorf("quote.min_output: %w", err)
	}

	if c.ConfirmationTimeout.Duration == 0 {
		c.ConfirmationTimeout.Duration = 5 * time.Minute
	}
	if c.JobTimeout.Duration == 0 {
		c.JobTimeout.Duration = 15 * time.Minute
	}
	if c.StaleAfter.Duration == 0 {
		c.StaleAfter.Duration = 10 * time.Minute
	}

	switch c.Database.Driver {
	case "":
	case "sqlite3", "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %s", c.Database.Driver)
		}
	default:
		return fmt.Errorf("database.driver must be 'sqlite3', 'postgres' or empty")
	}

	if c.Telegram.Token != "" && c.Telegram.ChatID == 0 {
		return fmt.Errorf("telegram.chat_id is required when telegram.token is set")
	}

	if c.Port == 0 {
		c.Port = 8080
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return nil
}

// CheckSigner rejects a signer that does not control admin_address, unless separate_signer is set.
func (c *Config) CheckSigner(signer common.Address) error {
	if c.SeparateSigner || signer == common.HexToAddress(c.AdminAddress) {
		return nil
	}
	return fmt.Errorf("signer %s does not control admin_address %s; set separate_signer to run with a different wallet",
		signer.Hex(), c.AdminAddress)
}

// SlippageTiers returns the configured tiers parsed as decimals.
func (c *Config) SlippageTiers() ([]decimal.Decimal, error) {
	tiers := make([]decimal.Decimal, 0, len(c.Swap.SlippageTiers))
	for _, s := range c.Swap.SlippageTiers {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("swap.slippage_tiers: %q: %w", s, err)
		}
		tiers = append(tiers, d)
	}
	return tiers, nil
}

func (c *Config) GasMultiplier() decimal.Decimal {
	return decimal.RequireFromString(c.Swap.GasMultiplier)
}

func (c *Config) MinOutput() decimal.Decimal {
	return decimal.RequireFromString(c.Quote.MinOutput)
}

func (c *Config) UsesDatabase() bool {
	return c.Database.Driver != ""
}
