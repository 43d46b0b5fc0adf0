// Package config loads the deployment manifest (spec.md §6.3): the
// recognized keys a simulation node needs to connect to its JSON-RPC
// ledger endpoint, naming the signing key by environment variable rather
// than embedding it.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Retry mirrors ledger.RetryPolicy's YAML shape.
type Retry struct {
	MaxAttempts   int    `yaml:"maxAttempts"`
	InitialDelay  string `yaml:"initialDelay"`
	BackoffFactor float64 `yaml:"backoffFactor"`
}

// Contracts names the four logical contract addresses of spec.md §6.2.
type Contracts struct {
	Registry string `yaml:"registry"`
	Request  string `yaml:"request"`
	Auction  string `yaml:"auction"`
	Facade   string `yaml:"facade"`
}

// Manifest is the parsed deployment manifest.
type Manifest struct {
	RPCUrl             string    `yaml:"rpcUrl"`
	ChainID            uint64    `yaml:"chainId"`
	SigningKeyEnv      string    `yaml:"signingKey"` // name of the env var holding the hex key, never the key itself
	GasPolicy          string    `yaml:"gasPolicy"`
	GasLimit           uint64    `yaml:"gasLimit"`
	MaxBatchSize       int       `yaml:"maxBatchSize"`
	ConfirmationBlocks uint64    `yaml:"confirmationBlocks"`
	Retry              Retry     `yaml:"retry"`
	Contracts          Contracts `yaml:"contracts"`

	// SigningKey is resolved at Load time from the environment (or a
	// local .env named by Load's dotenvPath) and is never itself a YAML field.
	SigningKey string `yaml:"-"`
}

// InitialDelay parses Retry.InitialDelay, defaulting to 200ms.
func (m Manifest) InitialDelay() time.Duration {
	if m.Retry.InitialDelay == "" {
		return 200 * time.Millisecond
	}
	d, err := time.ParseDuration(m.Retry.InitialDelay)
	if err != nil {
		return 200 * time.Millisecond
	}
	return d
}

// Load reads path, expands ${VAR}/${VAR:-default} tokens on string
// fields, applies defaults, validates, and resolves the signing key from
// the environment — optionally seeded from a local .env via dotenvPath,
// the way the teacher's params.LoadFromEnv layers a local .env over the
// process environment before reading secrets.
func Load(path, dotenvPath string) (*Manifest, error) {
	if dotenvPath != "" {
		_ = godotenv.Load(dotenvPath) // best-effort; absent .env is not an error
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest yaml: %w", err)
	}

	m.RPCUrl = expandEnvDefault(m.RPCUrl)
	m.SigningKeyEnv = expandEnvDefault(m.SigningKeyEnv)
	m.GasPolicy = expandEnvDefault(m.GasPolicy)
	m.Contracts.Registry = expandEnvDefault(m.Contracts.Registry)
	m.Contracts.Request = expandEnvDefault(m.Contracts.Request)
	m.Contracts.Auction = expandEnvDefault(m.Contracts.Auction)
	m.Contracts.Facade = expandEnvDefault(m.Contracts.Facade)

	applyDefaults(&m)

	if m.SigningKeyEnv != "" {
		m.SigningKey = os.Getenv(m.SigningKeyEnv)
	}

	if err := validate(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

func applyDefaults(m *Manifest) {
	if m.GasPolicy == "" {
		m.GasPolicy = "multiplier-of-suggested"
	}
	if m.GasLimit == 0 {
		m.GasLimit = 300_000
	}
	if m.MaxBatchSize == 0 {
		m.MaxBatchSize = 16
	}
	if m.ConfirmationBlocks == 0 {
		m.ConfirmationBlocks = 1
	}
	if m.Retry.MaxAttempts == 0 {
		m.Retry.MaxAttempts = 5
	}
	if m.Retry.BackoffFactor == 0 {
		m.Retry.BackoffFactor = 2.0
	}
}

func validate(m *Manifest) error {
	if m.RPCUrl == "" {
		return errors.New("rpcUrl is required")
	}
	if m.SigningKeyEnv == "" {
		return errors.New("signingKey must name an environment variable")
	}
	if m.SigningKey == "" {
		return fmt.Errorf("environment variable %s (named by signingKey) is unset", m.SigningKeyEnv)
	}
	switch m.GasPolicy {
	case "fixed", "multiplier-of-suggested", "capped":
	default:
		return fmt.Errorf("unrecognized gasPolicy %q", m.GasPolicy)
	}
	return nil
}

var envRe = regexp.MustCompile(`\$\{([^}:]+)(?::-?([^}]*))?\}`)

// expandEnvDefault replaces ${VAR} with os.Getenv("VAR") and
// ${VAR:-default} with the env value or "default" if unset.
func expandEnvDefault(s string) string {
	if s == "" {
		return s
	}
	return envRe.ReplaceAllStringFunc(s, func(m string) string {
		parts := envRe.FindStringSubmatch(m)
		if len(parts) != 3 {
			return m
		}
		if val, ok := os.LookupEnv(parts[1]); ok {
			return val
		}
		return parts[2]
	})
}
