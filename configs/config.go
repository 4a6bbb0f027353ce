// Package configs loads the agent's YAML contract/ABI configuration and
// turns it into the typed configs the rest of the packages expect,
// mirroring the teacher's split between a YAML file for contract
// wiring and environment variables for secrets and network selection.
package configs

import (
	"fmt"
	"math/big"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ContractYAMLData is a single contract's address + ABI file from
// config.yml.
type ContractYAMLData struct {
	Address string `yaml:"address"`
	ABI     string `yaml:"abi"`
}

// HandlerYAMLData is one registered endpoint handler class's upstream base
// URL.
type HandlerYAMLData struct {
	BaseURL string `yaml:"baseUrl"`
}

// AgentYAMLData carries the agent's YAML tunables, mirroring the teacher's
// StrategyYAMLData block. The hub adapter applies lossToleranceUnits and
// gasBufferPercent, and the hub fallback scan and sweeper use
// defaultLookbackBlocks. keepAlivePollIntervalSec and fallbackPollIntervalSec
// are parsed into RunConfig, but nothing reads them: the keep-alive driver
// polls every 10s and the router's fallback poll runs every 30s regardless.
// The keep-alive driver's gate and the event watchers' lookback likewise use
// their own fixed values, not these.
type AgentYAMLData struct {
	KeepAlivePollIntervalSec int     `yaml:"keepAlivePollIntervalSec"`
	FallbackPollIntervalSec  int     `yaml:"fallbackPollIntervalSec"`
	LossToleranceUnits       int64   `yaml:"lossToleranceUnits"`
	GasBufferPercent         int     `yaml:"gasBufferPercent"`
	DefaultLookbackBlocks    uint64  `yaml:"defaultLookbackBlocks"`
}

// Config is the entire config.yml structure.
type Config struct {
	RPC       string                       `yaml:"rpc"`
	ChainID   int64                        `yaml:"chainId"`
	Contracts map[string]ContractYAMLData  `yaml:"contracts"`
	Handlers  map[string]HandlerYAMLData   `yaml:"handlers"`
	Agent     AgentYAMLData                `yaml:"agent"`
}

// Contract label constants matching config.yml's `contracts:` map keys.
const (
	ContractHub         = "hub"
	ContractKeepAlive    = "keepalive"
	ContractStaking      = "staking"
	ContractUSDC         = "usdc"
	ContractBuyback      = "buyback"
	ContractPriceOracle  = "priceoracle"
	ContractToken        = "token"
	ContractSwapRouter   = "swaprouter"
)

// LoadConfig reads and parses config.yml into a Config.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	return &cfg, nil
}

// EnvConfig is the set of environment-variable-sourced settings per the
// runtime's external-interfaces contract: all optional except the signing
// key, whose absence disables write operations rather than failing startup.
type EnvConfig struct {
	AdminPrivateKeyEnc string // ENC_PK, empty disables writes
	DecryptKey         string // KEY
	RPCURL             string // RPC_URL, overrides config.yml's rpc if set
	ChainID            *big.Int
	WritesEnabled      bool
}

// LoadEnvConfig reads the environment-variable layer of configuration. A
// missing ENC_PK or KEY is not an error: WritesEnabled is false, and the
// caller is expected to log a startup warning and run in read-only mode.
func LoadEnvConfig() EnvConfig {
	var chainID *big.Int
	if raw := os.Getenv("CHAIN_ID"); raw != "" {
		if n, ok := new(big.Int).SetString(raw, 10); ok {
			chainID = n
		}
	}

	encPK := os.Getenv("ENC_PK")
	key := os.Getenv("KEY")

	return EnvConfig{
		AdminPrivateKeyEnc: encPK,
		DecryptKey:         key,
		RPCURL:             os.Getenv("RPC_URL"),
		ChainID:            chainID,
		WritesEnabled:      encPK != "" && key != "",
	}
}

// RunConfig is the set of tunables derived from AgentYAMLData, with the
// runtime's documented defaults applied where the YAML value is zero.
type RunConfig struct {
	KeepAlivePollInterval time.Duration
	FallbackPollInterval  time.Duration
	LossToleranceUnits    *big.Int
	GasBufferPercent      int
	DefaultLookbackBlocks uint64
}

// ToRunConfig converts AgentYAMLData into a RunConfig, applying defaults.
func (c *Config) ToRunConfig() *RunConfig {
	a := c.Agent

	keepAlive := 10 * time.Second
	if a.KeepAlivePollIntervalSec > 0 {
		keepAlive = time.Duration(a.KeepAlivePollIntervalSec) * time.Second
	}
	fallback := 30 * time.Second
	if a.FallbackPollIntervalSec > 0 {
		fallback = time.Duration(a.FallbackPollIntervalSec) * time.Second
	}
	lossTolerance := big.NewInt(5_000)
	if a.LossToleranceUnits > 0 {
		lossTolerance = big.NewInt(a.LossToleranceUnits)
	}
	gasBuffer := 120
	if a.GasBufferPercent > 0 {
		gasBuffer = a.GasBufferPercent
	}
	lookback := uint64(1000)
	if a.DefaultLookbackBlocks > 0 {
		lookback = a.DefaultLookbackBlocks
	}

	return &RunConfig{
		KeepAlivePollInterval: keepAlive,
		FallbackPollInterval:  fallback,
		LossToleranceUnits:    lossTolerance,
		GasBufferPercent:      gasBuffer,
		DefaultLookbackBlocks: lookback,
	}
}
