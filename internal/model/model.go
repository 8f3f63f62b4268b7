// Package model holds the core data model shared by every package in the
// relay: networks, relayers, their policies, and the transactions they own.
// Persistence (internal/store) and wire formats (owned by the out-of-scope
// HTTP layer) both build on these types rather than redefining them.
package model

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// TxStatus is one of the nine terminal/non-terminal transaction states the
// pipeline and watcher move a transaction through. The string values are
// the exact uppercase wire tokens.
type TxStatus string

const (
	StatusPending    TxStatus = "PENDING"
	StatusInMempool  TxStatus = "INMEMPOOL"
	StatusMined      TxStatus = "MINED"
	StatusConfirmed  TxStatus = "CONFIRMED"
	StatusFailed     TxStatus = "FAILED"
	StatusExpired    TxStatus = "EXPIRED"
	StatusCancelled  TxStatus = "CANCELLED"
	StatusReplaced   TxStatus = "REPLACED"
	StatusDropped    TxStatus = "DROPPED"
)

// Terminal reports whether status is write-once: once set, no further
// status transition is permitted for the transaction.
func (s TxStatus) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusExpired, StatusCancelled, StatusReplaced, StatusDropped:
		return true
	default:
		return false
	}
}

// Speed is a symbolic fee tier translated by the gas oracle into concrete
// fee parameters.
type Speed string

const (
	SpeedSlow   Speed = "SLOW"
	SpeedMedium Speed = "MEDIUM"
	SpeedFast   Speed = "FAST"
	SpeedSuper  Speed = "SUPER"
)

// Network is the chain a relayer lives on.
type Network struct {
	ChainID  uint64
	Name     string
	RPCURLs  []string
	Disabled bool

	// Per-chain pipeline tuning. Defaults are applied by internal/config
	// when a network's config block omits them; ConfirmationDepth falls
	// back to a conservative per-chain default keyed by ChainID.
	ConfirmationDepth uint64
	BumpEveryBlocks   uint64
	DropGraceBlocks   uint64
	MineDepth         uint64
}

// Relayer is a managed signing identity bound to a single chain.
type Relayer struct {
	ID             uuid.UUID
	Name           string
	ChainID        uint64
	Address        common.Address
	WalletIndex    uint32
	MaxGasPriceCap *big.Int // nil means uncapped
	Paused         bool
	EIP1559Enabled bool
	Deleted        bool
	CreatedAt      time.Time
	IsPrivateKey   bool

	// ProviderTag names the signing provider variant that owns this
	// relayer's key material (e.g. "local_mnemonic", "aws_kms").
	ProviderTag string
}

// RateLimitDescriptor is a per-API-key-scope sliding-window cap.
type RateLimitDescriptor struct {
	Scope       string
	MaxRequests int
	Window      time.Duration
}

// Policy is the associated allowlist/capability/rate-limit block for one
// relayer.
type Policy struct {
	RelayerID uuid.UUID

	AllowlistEnabled bool
	Allowlist        map[common.Address]struct{}

	DisableNativeTransfer bool
	DisablePersonalSign   bool
	DisableTypedDataSign  bool
	DisableTransactions   bool

	RateLimits map[string]RateLimitDescriptor // keyed by API-key scope
}

// Allows reports whether to/value/data pass the allowlist and
// native-transfer gates. It does not check the disable_* signing flags —
// those are checked directly by the signing endpoints.
func (p *Policy) Allows(to common.Address, value *big.Int, data []byte) error {
	if p == nil {
		return nil
	}
	if p.DisableTransactions {
		return errPolicyTransactionsDisabled
	}
	if p.AllowlistEnabled {
		if _, ok := p.Allowlist[to]; !ok {
			return errPolicyNotAllowlisted
		}
	}
	isNativeTransfer := len(data) == 0 && value != nil && value.Sign() > 0
	if isNativeTransfer && p.DisableNativeTransfer {
		return errPolicyNativeTransferDisabled
	}
	return nil
}

// APIKey owns exactly one relayer.
type APIKey struct {
	Token     string // opaque 32-char token
	RelayerID uuid.UUID
	CreatedAt time.Time
	RevokedAt *time.Time
}

func (k *APIKey) Revoked() bool { return k.RevokedAt != nil }

// Transaction is the durable, queued unit of work the pipeline drives to
// inclusion.
type Transaction struct {
	ID         uuid.UUID
	RelayerID  uuid.UUID
	From       common.Address
	To         common.Address
	Value      *big.Int
	Data       []byte
	Blobs      [][]byte
	Nonce      uint64
	Speed      Speed

	// Gas parameters chosen at the most recent submission attempt.
	MaxFee         *big.Int // EIP-1559 max fee per gas, nil for legacy
	MaxPriorityFee *big.Int // EIP-1559 priority fee, nil for legacy
	GasPrice       *big.Int // legacy gas price, nil for EIP-1559
	GasLimit       uint64

	Status TxStatus

	// Hash is the currently-broadcast raw transaction hash. PriorHashes
	// retains every earlier broadcast hash (bumps, replacements) so the
	// receipt watcher keeps polling all of them until one lands.
	Hash        common.Hash
	PriorHashes []common.Hash

	QueuedAt           time.Time
	ExpiresAt          time.Time
	SentAt             *time.Time
	MinedAt            *time.Time
	MinedAtBlockNumber *uint64
	ConfirmedAt        *time.Time
	FailedAt           *time.Time
	FailedReason       string

	ExternalID *string // client correlation key, unique per relayer

	IsNoop                   bool
	CancelledByTransactionID *uuid.UUID
	ReplacedByTransactionID  *uuid.UUID

	APIKey string // originator
}

// HasHash reports whether h is already a known broadcast of this
// transaction (bump or original).
func (t *Transaction) HasHash(h common.Hash) bool {
	if t.Hash == h {
		return true
	}
	for _, p := range t.PriorHashes {
		if p == h {
			return true
		}
	}
	return false
}

// KnownHashes returns every hash ever broadcast for this transaction: the
// current Hash first (when set), then PriorHashes in the order they were
// recorded.
func (t *Transaction) KnownHashes() []common.Hash {
	out := make([]common.Hash, 0, len(t.PriorHashes)+1)
	if (t.Hash != common.Hash{}) {
		out = append(out, t.Hash)
	}
	out = append(out, t.PriorHashes...)
	return out
}

// RecordBroadcast rotates the current hash into PriorHashes and installs a
// new current hash, used on first broadcast and on every bump/rebroadcast.
func (t *Transaction) RecordBroadcast(h common.Hash) {
	if (t.Hash != common.Hash{}) {
		t.PriorHashes = append(t.PriorHashes, t.Hash)
	}
	t.Hash = h
}

// AuditLogEntry is an immutable, append-only snapshot of a relayer or
// transaction row taken on every state-changing mutation.
type AuditLogEntry struct {
	HistoryID  int64 // monotonic
	EntityType string // "relayer" or "transaction"
	EntityID   uuid.UUID
	Snapshot   []byte // JSON snapshot of the row at mutation time
	CreatedAt  time.Time
}

// SigningHistoryKind distinguishes EIP-191 text signatures from EIP-712
// typed-data signatures in the append-only signing history.
type SigningHistoryKind string

const (
	SigningKindText      SigningHistoryKind = "text"
	SigningKindTypedData SigningHistoryKind = "typed_data"
)

// SigningHistoryEntry is an append-only row for every successful
// personal_sign / eth_signTypedData call.
type SigningHistoryEntry struct {
	ID        uuid.UUID
	RelayerID uuid.UUID
	Kind      SigningHistoryKind
	Digest    common.Hash
	Signature []byte
	Payload   []byte // canonicalized JSON payload that was signed
	CreatedAt time.Time
}
