package ledger

import (
	"time"

	"github.com/uhyunpark/hyperlicked/pkg/maas"
)

// GasPolicy selects how gasPrice is derived per submission (spec.md §4.A).
type GasPolicy string

const (
	GasFixed           GasPolicy = "fixed"
	GasMultiplierOfSuggested GasPolicy = "multiplier-of-suggested"
	GasCapped          GasPolicy = "capped"
)

// RetryPolicy governs retries of RPC-transient and nonce-too-low errors.
type RetryPolicy struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	BackoffFactor  float64
}

// Config is the Ledger Client's connect(config) input.
type Config struct {
	RPCUrl             string
	ChainID            uint64
	SigningKeyHex      string
	GasPolicy          GasPolicy
	GasMultiplier      float64 // used when GasPolicy == GasMultiplierOfSuggested
	FixedGasPrice      uint64  // used when GasPolicy == GasFixed
	GasPriceCap        uint64  // used when GasPolicy == GasCapped
	GasLimit           uint64
	MaxBatchSize       int
	Retry              RetryPolicy
	ConfirmationBlocks uint64
	PollInterval       time.Duration
	ConfirmTimeout     time.Duration
	StorePath          string // Pebble directory for tx-state durability
}

// WithDefaults fills the zero-valued tunables with spec.md §4.A defaults.
func (c Config) WithDefaults() Config {
	if c.GasPolicy == "" {
		c.GasPolicy = GasMultiplierOfSuggested
	}
	if c.GasMultiplier == 0 {
		c.GasMultiplier = 1.2
	}
	if c.GasLimit == 0 {
		c.GasLimit = 300_000
	}
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = 16
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.InitialDelay == 0 {
		c.Retry.InitialDelay = 200 * time.Millisecond
	}
	if c.Retry.BackoffFactor == 0 {
		c.Retry.BackoffFactor = 2.0
	}
	if c.ConfirmationBlocks == 0 {
		c.ConfirmationBlocks = 1
	}
	if c.PollInterval == 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.ConfirmTimeout == 0 {
		c.ConfirmTimeout = 5 * time.Minute
	}
	return c
}

// Call is the submit(call) input.
type Call struct {
	Method        string
	EncodedParams []byte
	GasLimit      uint64
	Origin        maas.TxOrigin
}

// Receipt is the terminal outcome reported by await(txId).
type Receipt struct {
	State   maas.TxState
	TxHash  string
	GasUsed uint64
	Error   string
}

// Stats is the stats() read model, extended per SPEC_FULL.md §C.1 with
// per-state counts and average confirmation latency, mirroring the
// teacher's ChainStatus-style aggregate structs.
type Stats struct {
	CountByState   map[maas.TxState]int
	TotalGasUsed   uint64
	AvgConfirmTime time.Duration
	Submitted      int
	Confirmed      int
	Failed         int
}
