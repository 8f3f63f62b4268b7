// Package config loads the declarative YAML document that drives a relay
// deployment: project name, signing provider selection, the network list,
// webhook subscriptions, and rate-limit policy.
//
// This mirrors the shape of arcsign's internal/app.AppConfig (a single
// top-level document unmarshalled in one pass) but swaps JSON+AES-at-rest
// for plain YAML with ${NAME} environment interpolation, since a daemon's
// config file is operator-edited and its secrets are resolved through the
// signing provider rather than encrypted in the document itself.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of the on-disk document.
type Config struct {
	Project string `yaml:"project"`

	Signing SigningConfig `yaml:"signing"`

	Networks []NetworkConfig `yaml:"networks"`

	Webhooks WebhookConfig `yaml:"webhooks"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`

	Database DatabaseConfig `yaml:"database"`
}

// SigningConfig selects and parameterizes the signing provider variant.
// Exactly one of the nested blocks should be populated for Provider; the
// rest are ignored. internal/signing.BuildFromConfig resolves the tagged
// variant at startup from configuration rather than through runtime
// reflection.
type SigningConfig struct {
	Provider string `yaml:"provider"` // "local_mnemonic", "raw_private_keys", "aws_kms", ...

	LocalMnemonic   *LocalMnemonicConfig   `yaml:"local_mnemonic,omitempty"`
	RawPrivateKeys  *RawPrivateKeysConfig  `yaml:"raw_private_keys,omitempty"`
	AWSKMS          *AWSKMSConfig          `yaml:"aws_kms,omitempty"`
	AWSSecretsMgr   *AWSSecretsConfig      `yaml:"aws_secret_manager,omitempty"`
	GCPSecretsMgr   *GCPSecretsConfig      `yaml:"gcp_secret_manager,omitempty"`
	Privy           *HTTPProviderConfig    `yaml:"privy,omitempty"`
	Turnkey         *HTTPProviderConfig    `yaml:"turnkey,omitempty"`
	Fireblocks      *HTTPProviderConfig    `yaml:"fireblocks,omitempty"`
	PKCS11          *PKCS11Config          `yaml:"pkcs11,omitempty"`

	// OperationDeadline is the default per-operation deadline for
	// signing-provider calls (default 30s).
	OperationDeadline time.Duration `yaml:"operation_deadline"`
}

type LocalMnemonicConfig struct {
	Mnemonic       string `yaml:"mnemonic"`
	Passphrase     string `yaml:"passphrase"`
	DerivationBase string `yaml:"derivation_base"` // e.g. "m/44'/60'/0'/0"
}

type RawPrivateKeysConfig struct {
	// Keys maps relayer wallet_index to a hex-encoded private key.
	Keys map[uint32]string `yaml:"keys"`
}

type AWSKMSConfig struct {
	Region string            `yaml:"region"`
	KeyIDs map[uint32]string `yaml:"key_ids"` // wallet_index -> KMS key ARN/alias
}

type AWSSecretsConfig struct {
	Region       string            `yaml:"region"`
	SecretIDs    map[uint32]string `yaml:"secret_ids"`
	DerivationBase string          `yaml:"derivation_base"`
}

type GCPSecretsConfig struct {
	ProjectID      string            `yaml:"project_id"`
	SecretNames    map[uint32]string `yaml:"secret_names"`
	DerivationBase string            `yaml:"derivation_base"`
}

type HTTPProviderConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	APISecret string `yaml:"api_secret,omitempty"`
}

type PKCS11Config struct {
	ModulePath string            `yaml:"module_path"`
	PIN        string            `yaml:"pin"`
	Slots      map[uint32]string `yaml:"slots"` // wallet_index -> slot label
}

// NetworkConfig is one entry in the networks list.
type NetworkConfig struct {
	ChainID  uint64   `yaml:"chain_id"`
	Name     string   `yaml:"name"`
	RPCURLs  []string `yaml:"rpc_urls"`
	Disabled bool     `yaml:"disabled"`

	ConfirmationDepth uint64 `yaml:"confirmation_depth"`
	BumpEveryBlocks   uint64 `yaml:"bump_every_blocks"`
	DropGraceBlocks   uint64 `yaml:"drop_grace_blocks"`
	MineDepth         uint64 `yaml:"mine_depth"`

	GasOracles []GasOracleConfig `yaml:"gas_oracles"`

	AutoTopUp *AutoTopUpConfig `yaml:"auto_topup,omitempty"`

	APIKeys []string `yaml:"api_keys,omitempty"`
}

type GasOracleConfig struct {
	Type       string        `yaml:"type"` // "native", "blocknative", "infura", "tenderly", "etherscan", "custom", "synthetic"
	Endpoint   string        `yaml:"endpoint,omitempty"`
	APIKey     string        `yaml:"api_key,omitempty"`
	Timeout    time.Duration `yaml:"timeout"`
}

type AutoTopUpConfig struct {
	FunderWalletIndex uint32          `yaml:"funder_wallet_index"`
	MultisigProxy     string          `yaml:"multisig_proxy,omitempty"`
	MinBalanceNative  string          `yaml:"min_balance_native"`  // decimal wei string
	TargetBalance     string         `yaml:"target_balance_native"`
	PollInterval      time.Duration   `yaml:"poll_interval"`
	Tokens            []TopUpTokenConfig `yaml:"tokens,omitempty"`
}

type TopUpTokenConfig struct {
	Address     string `yaml:"address"`
	MinBalance  string `yaml:"min_balance"`
	TargetBalance string `yaml:"target_balance"`
}

type WebhookConfig struct {
	Endpoints []WebhookEndpointConfig `yaml:"endpoints"`
}

type WebhookEndpointConfig struct {
	URL           string   `yaml:"url"`
	Secret        string   `yaml:"secret"`
	Events        []string `yaml:"events"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxAttempts   int      `yaml:"max_attempts"`
	MaxBackoff    time.Duration `yaml:"max_backoff"`
}

type RateLimitConfig struct {
	DefaultMaxRequests int           `yaml:"default_max_requests"`
	DefaultWindow      time.Duration `yaml:"default_window"`
}

type DatabaseConfig struct {
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func interpolate(raw []byte) []byte {
	return []byte(envPattern.ReplaceAllStringFunc(string(raw), func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return match
	}))
}

// Load reads, interpolates, and parses the config document at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(interpolate(raw), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// devChainIDs are the well-known local/dev-chain identifiers for which a
// shallow confirmation depth default is safe. Chains not listed here get
// the fixed fallback defaults below; the loader applies them without
// logging.
var devChainIDs = map[uint64]bool{1337: true, 31337: true}

func (c *Config) applyDefaults() {
	if c.Signing.OperationDeadline == 0 {
		c.Signing.OperationDeadline = 30 * time.Second
	}
	if c.RateLimit.DefaultWindow == 0 {
		c.RateLimit.DefaultWindow = time.Minute
	}
	if c.RateLimit.DefaultMaxRequests == 0 {
		c.RateLimit.DefaultMaxRequests = 60
	}
	for i := range c.Networks {
		n := &c.Networks[i]
		if n.ConfirmationDepth == 0 {
			if devChainIDs[n.ChainID] {
				n.ConfirmationDepth = 2
			} else {
				n.ConfirmationDepth = 12
			}
		}
		if n.BumpEveryBlocks == 0 {
			if devChainIDs[n.ChainID] {
				n.BumpEveryBlocks = 1
			} else {
				n.BumpEveryBlocks = 6
			}
		}
		if n.DropGraceBlocks == 0 {
			n.DropGraceBlocks = 6
		}
		for j := range n.GasOracles {
			if n.GasOracles[j].Timeout == 0 {
				n.GasOracles[j].Timeout = 2 * time.Second
			}
		}
	}
	for i := range c.Webhooks.Endpoints {
		e := &c.Webhooks.Endpoints[i]
		if e.Timeout == 0 {
			e.Timeout = 10 * time.Second
		}
		if e.MaxAttempts == 0 {
			e.MaxAttempts = 12
		}
		if e.MaxBackoff == 0 {
			e.MaxBackoff = 24 * time.Hour
		}
	}
}

func (c *Config) validate() error {
	var problems []string

	if c.Project == "" {
		problems = append(problems, "project is required")
	}
	if c.Signing.Provider == "" {
		problems = append(problems, "signing.provider is required")
	}
	if len(c.Networks) == 0 {
		problems = append(problems, "at least one network is required")
	}
	seen := map[uint64]bool{}
	for _, n := range c.Networks {
		if n.ChainID == 0 {
			problems = append(problems, "network chain_id must be nonzero")
			continue
		}
		if seen[n.ChainID] {
			problems = append(problems, fmt.Sprintf("duplicate active network for chain_id %d", n.ChainID))
		}
		seen[n.ChainID] = true
		if len(n.RPCURLs) == 0 {
			problems = append(problems, fmt.Sprintf("network %d: rpc_urls is required", n.ChainID))
		}
	}
	if c.Database.DSN == "" {
		problems = append(problems, "database.dsn is required")
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}
