package store

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/relayforge/evmrelay/internal/model"
)

// LocalNonce is the subset of a transaction's nonce state the nonce manager
// needs to reconcile against chain state on pipeline startup: one entry
// per local transaction of the relayer, flagged when terminal. It mirrors
// internal/nonce.LocalTransaction; store depends on model only, so the
// field shape is repeated here rather than importing internal/nonce
// (which in turn has no reason to depend on store).
type LocalNonce struct {
	Nonce    uint64
	Terminal bool
}

// TransactionStore is the persistence surface the pipeline, replacement
// engine, and receipt watcher drive transactions through. Every status
// mutation goes through UpdateStatusCAS so a lost race against a concurrent
// writer (the reorg watcher racing the pipeline worker, for instance)
// becomes a no-op instead of clobbering a newer write.
type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx *model.Transaction) error
	GetTransaction(ctx context.Context, id uuid.UUID) (*model.Transaction, error)
	GetTransactionByHash(ctx context.Context, hash common.Hash) (*model.Transaction, error)
	GetTransactionByExternalID(ctx context.Context, relayerID uuid.UUID, externalID string) (*model.Transaction, error)

	// ListNonTerminal returns up to limit non-terminal transactions for
	// relayerID ordered by ascending nonce, a bounded window defaulting to
	// 64 entries.
	ListNonTerminal(ctx context.Context, relayerID uuid.UUID, limit int) ([]*model.Transaction, error)

	// ListLocalNonces returns the nonce of every transaction for relayerID,
	// terminal ones included and flagged as such; internal/nonce.Manager.
	// Reconcile skips the terminal entries in its gap detection.
	ListLocalNonces(ctx context.Context, relayerID uuid.UUID) ([]LocalNonce, error)

	// UpdateStatusCAS loads tx, applies mutate, and writes it back only if
	// the row's current status is still one of expected; returns
	// ErrStatusChanged if another writer already moved it on.
	UpdateStatusCAS(ctx context.Context, id uuid.UUID, expected []model.TxStatus, mutate func(*model.Transaction)) (*model.Transaction, error)

	CountByStatus(ctx context.Context, relayerID uuid.UUID, status model.TxStatus) (int, error)
	ListByRelayer(ctx context.Context, relayerID uuid.UUID, limit, offset int) ([]*model.Transaction, error)
}

// RelayerStore persists relayer rows and their policies, backing the
// registry's create/clone/pause/policy operations.
type RelayerStore interface {
	CreateRelayer(ctx context.Context, r *model.Relayer) error
	GetRelayer(ctx context.Context, id uuid.UUID) (*model.Relayer, error)
	ListRelayers(ctx context.Context, chainID uint64, includeDeleted bool) ([]*model.Relayer, error)
	UpdateRelayer(ctx context.Context, r *model.Relayer) error
	SoftDeleteRelayer(ctx context.Context, id uuid.UUID) error

	GetPolicy(ctx context.Context, relayerID uuid.UUID) (*model.Policy, error)
	UpsertPolicy(ctx context.Context, p *model.Policy) error
}

// APIKeyStore persists opaque API-key tokens, each owning exactly one
// relayer.
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, k *model.APIKey) error
	GetAPIKey(ctx context.Context, token string) (*model.APIKey, error)
	RevokeAPIKey(ctx context.Context, token string, at time.Time) error
}

// AuditStore appends immutable snapshots on every state-changing mutation,
// keyed by a monotonic history_id.
type AuditStore interface {
	AppendAuditLog(ctx context.Context, entry *model.AuditLogEntry) error
}

// SigningHistoryStore appends one row per successful personal_sign /
// eth_signTypedData call.
type SigningHistoryStore interface {
	AppendSigningHistory(ctx context.Context, entry *model.SigningHistoryEntry) error
	ListSigningHistory(ctx context.Context, relayerID uuid.UUID, kind model.SigningHistoryKind, limit int) ([]*model.SigningHistoryEntry, error)
}

var _ TransactionStore = (*Store)(nil)
var _ RelayerStore = (*Store)(nil)
var _ APIKeyStore = (*Store)(nil)
var _ AuditStore = (*Store)(nil)
var _ SigningHistoryStore = (*Store)(nil)
