// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

// Package config loads the customs process's environment-derived
// configuration: everything needed to construct a state.Config plus the
// few process-level settings (log level, data directory) state.Config has
// no business knowing about.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/octopus-network/bitcoin-runes-customs/runestone"
	"github.com/octopus-network/bitcoin-runes-customs/state"
)

// Config holds the customs' process configuration, loaded from environment
// variables (optionally seeded from a .env file).
type Config struct {
	Network             string   `envconfig:"CUSTOMS_NETWORK" default:"testnet"`
	EventLogPath        string   `envconfig:"CUSTOMS_EVENT_LOG_PATH" default:"./data/customs.log"`
	LogLevel            string   `envconfig:"CUSTOMS_LOG_LEVEL" default:"info"`
	EcdsaKeyName        string   `envconfig:"CUSTOMS_ECDSA_KEY_NAME" required:"true"`
	HubPrincipal        string   `envconfig:"CUSTOMS_HUB_PRINCIPAL" required:"true"`
	ChainID             string   `envconfig:"CUSTOMS_CHAIN_ID" required:"true"`
	RunesOracles        []string `envconfig:"CUSTOMS_RUNES_ORACLES" required:"true"`
	MinConfirmations    uint32   `envconfig:"CUSTOMS_MIN_CONFIRMATIONS" default:"12"`
	MaxTimeInQueueMins  int      `envconfig:"CUSTOMS_MAX_TIME_IN_QUEUE_MINS" default:"1440"`
	MinPendingRequests  int      `envconfig:"CUSTOMS_MIN_PENDING_REQUESTS" default:"20"`
	MaxRequestsPerBatch int      `envconfig:"CUSTOMS_MAX_REQUESTS_PER_BATCH" default:"100"`
	BatchQueryTickets   uint64   `envconfig:"CUSTOMS_BATCH_QUERY_TICKETS" default:"20"`
	UtxosCountThreshold int      `envconfig:"CUSTOMS_UTXOS_COUNT_THRESHOLD" default:"1000"`
	FeeCollectorChain   string   `envconfig:"CUSTOMS_FEE_COLLECTOR_CHAIN"`
	// TokenRuneMap lists "tokenID=runeID" pairs, comma-separated, mapping a
	// hub ticket's token id to the rune it releases. Every token id a
	// release_token ticket can name must appear here.
	TokenRuneMap []string `envconfig:"CUSTOMS_TOKEN_RUNE_MAP"`
}

// Load reads a .env file if present, then environment variables, validates
// the result, and returns it.
func Load() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("config: load .env: %w", err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: process environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if _, err := c.btcNetwork(); err != nil {
		return err
	}
	if len(c.RunesOracles) == 0 {
		return fmt.Errorf("config: CUSTOMS_RUNES_ORACLES must name at least one oracle")
	}
	if c.MinConfirmations == 0 {
		return fmt.Errorf("config: CUSTOMS_MIN_CONFIRMATIONS must be positive")
	}
	return nil
}

func (c *Config) btcNetwork() (*chaincfg.Params, error) {
	switch strings.ToLower(c.Network) {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("config: CUSTOMS_NETWORK must be one of mainnet, testnet, regtest, got %q", c.Network)
	}
}

// StateConfig translates the process configuration into the replicated
// state.Config, filling in every default-free field.
func (c *Config) StateConfig(feeTokenFactors map[string]state.FeeTokenFactor) (state.Config, error) {
	network, err := c.btcNetwork()
	if err != nil {
		return state.Config{}, err
	}

	cfg := state.DefaultConfig()
	cfg.BtcNetwork = network
	cfg.MinConfirmations = c.MinConfirmations
	cfg.MaxTimeInQueue = time.Duration(c.MaxTimeInQueueMins) * time.Minute
	cfg.MinPendingRequests = c.MinPendingRequests
	cfg.MaxRequestsPerBatch = c.MaxRequestsPerBatch
	cfg.BatchQueryTickets = c.BatchQueryTickets
	cfg.UtxosCountThreshold = c.UtxosCountThreshold
	cfg.EcdsaKeyName = c.EcdsaKeyName
	cfg.HubPrincipal = c.HubPrincipal
	cfg.RunesOracles = c.RunesOracles
	cfg.ChainID = c.ChainID
	cfg.FeeTokenFactors = feeTokenFactors
	cfg.FeeCollectorChain = c.FeeCollectorChain

	return cfg, nil
}

// TokenToRune parses TokenRuneMap into a lookup table from hub token id to
// rune id, as release.Pipeline.SubmitReleaseTokenRequests needs.
func (c *Config) TokenToRune() (map[string]runestone.RuneID, error) {
	out := make(map[string]runestone.RuneID, len(c.TokenRuneMap))
	for _, pair := range c.TokenRuneMap {
		tokenID, runeIDStr, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("config: CUSTOMS_TOKEN_RUNE_MAP entry %q must be tokenID=runeID", pair)
		}
		runeID, err := runestone.NewRuneIDFromString(runeIDStr)
		if err != nil {
			return nil, fmt.Errorf("config: CUSTOMS_TOKEN_RUNE_MAP entry %q: %w", pair, err)
		}
		out[tokenID] = runeID
	}
	return out, nil
}

