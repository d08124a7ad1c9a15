package config

import (
	"fmt"
	"time"

	"github.com/stakelink/relay-oracle/pkg/utils"
)

// Config is the full configuration surface of the oracle. It is assembled
// from the environment once at startup, validated once, and never re-read.
type Config struct {
	// Endpoint lists for both chains. Relay endpoints are websocket
	// JSON-RPC nodes, parachain endpoints are HTTP JSON-RPC nodes.
	RelayURLs     []string
	ParachainURLs []string

	// Oracle contract on the parachain and the oracle's signing key.
	ContractAddress string
	OracleKey       string

	// Era geometry of the relay chain.
	EraBlocks  uint64
	EraSeconds time.Duration

	// Engine timing.
	PollInterval   time.Duration
	ConnectTimeout time.Duration
	RPCTimeout     time.Duration

	// Endpoint rotation trigger: failures on one URL before it is marked
	// undesirable for the next selection pass.
	FailureThreshold int

	// Watchdog: the era is declared stalled once no advance has been seen
	// for EraSeconds + WatchdogTolerance; WatchdogGrace is the final sleep
	// before the process gives up.
	WatchdogTolerance time.Duration
	WatchdogGrace     time.Duration

	GasLimit uint64

	// Debug short-circuits the submitter to build-only: reports are
	// assembled and logged but never broadcast.
	Debug bool

	// BuildWorkers bounds the parallel per-stash snapshot reads.
	BuildWorkers int

	// ListenAddr is the ops HTTP surface (/metrics, /health, /status).
	ListenAddr string
}

// FromEnv reads the configuration from the environment.
func FromEnv() *Config {
	return &Config{
		RelayURLs:         utils.EnvList("WS_URLS_RELAY", nil),
		ParachainURLs:     utils.EnvList("RPC_URLS_PARA", nil),
		ContractAddress:   utils.Env("CONTRACT_ADDRESS", ""),
		OracleKey:         utils.Env("ORACLE_PRIVATE_KEY", ""),
		EraBlocks:         utils.EnvUint64("ERA_DURATION_BLOCKS", 14400),
		EraSeconds:        utils.EnvDuration("ERA_DURATION_SECONDS", 24*time.Hour),
		PollInterval:      utils.EnvDuration("POLL_INTERVAL", 60*time.Second),
		ConnectTimeout:    utils.EnvDuration("CONNECT_TIMEOUT", 60*time.Second),
		RPCTimeout:        utils.EnvDuration("RPC_TIMEOUT", 30*time.Second),
		FailureThreshold:  utils.EnvInt("MAX_FAILURE_REQUESTS", 10),
		WatchdogTolerance: utils.EnvDuration("WATCHDOG_TOLERANCE", time.Hour),
		WatchdogGrace:     utils.EnvDuration("WATCHDOG_GRACE", 5*time.Minute),
		GasLimit:          utils.EnvUint64("GAS_LIMIT", 10_000_000),
		Debug:             utils.EnvBool("ORACLE_MODE_DEBUG", false),
		BuildWorkers:      utils.EnvInt("BUILD_WORKERS", 4),
		ListenAddr:        utils.Env("ADDR", ":8080"),
	}
}

// Validate checks the configuration once at startup. Any error here is a
// fatal configuration error, not a retryable condition. Malformed endpoint
// URLs are dropped rather than rejected, as long as at least one per chain
// survives; the dropped ones are reported for logging.
func (c *Config) Validate() (dropped []string, err error) {
	relay, badRelay := utils.FilterURLs(utils.Dedup(c.RelayURLs), "ws", "wss")
	para, badPara := utils.FilterURLs(utils.Dedup(c.ParachainURLs), "http", "https")
	dropped = append(dropped, badRelay...)
	dropped = append(dropped, badPara...)
	if len(relay) == 0 {
		return dropped, fmt.Errorf("no valid WS_URLS_RELAY values found")
	}
	if len(para) == 0 {
		return dropped, fmt.Errorf("no valid RPC_URLS_PARA values found")
	}
	c.RelayURLs = relay
	c.ParachainURLs = para

	if c.ContractAddress == "" {
		return dropped, fmt.Errorf("CONTRACT_ADDRESS is required")
	}
	if b, decErr := utils.DecodeHex(c.ContractAddress); decErr != nil || len(b) != 20 {
		return dropped, fmt.Errorf("CONTRACT_ADDRESS must be a 20-byte hex address")
	}
	if c.OracleKey == "" {
		return dropped, fmt.Errorf("ORACLE_PRIVATE_KEY is required")
	}

	if c.EraBlocks == 0 {
		return dropped, fmt.Errorf("ERA_DURATION_BLOCKS must be positive")
	}
	for name, d := range map[string]time.Duration{
		"ERA_DURATION_SECONDS": c.EraSeconds,
		"POLL_INTERVAL":        c.PollInterval,
		"CONNECT_TIMEOUT":      c.ConnectTimeout,
		"RPC_TIMEOUT":          c.RPCTimeout,
		"WATCHDOG_TOLERANCE":   c.WatchdogTolerance,
	} {
		if d <= 0 {
			return dropped, fmt.Errorf("%s must be positive", name)
		}
	}
	if c.GasLimit == 0 {
		return dropped, fmt.Errorf("GAS_LIMIT must be positive")
	}
	if c.FailureThreshold <= 0 {
		return dropped, fmt.Errorf("MAX_FAILURE_REQUESTS must be positive")
	}
	if c.BuildWorkers <= 0 {
		c.BuildWorkers = 1
	}
	return dropped, nil
}

// BlockTime is the relay chain's seconds-per-block, derived from era geometry.
func (c *Config) BlockTime() time.Duration {
	return c.EraSeconds / time.Duration(c.EraBlocks)
}
