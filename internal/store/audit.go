package store

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/relayforge/evmrelay/internal/model"
)

func (s *Store) AppendAuditLog(ctx context.Context, entry *model.AuditLogEntry) error {
	err := s.db.QueryRowContext(ctx, `INSERT INTO relayer_audit_log (entity_type, entity_id, snapshot, created_at)
		VALUES ($1,$2,$3,$4) RETURNING history_id`,
		entry.EntityType, entry.EntityID, entry.Snapshot, entry.CreatedAt).Scan(&entry.HistoryID)
	if err != nil {
		return fmt.Errorf("store: append audit log: %w", err)
	}
	return nil
}

func (s *Store) AppendSigningHistory(ctx context.Context, entry *model.SigningHistoryEntry) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO relayer_signing_history
		(id, relayer_id, kind, digest, signature, payload, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		entry.ID, entry.RelayerID, entry.Kind, entry.Digest.Hex(), entry.Signature, entry.Payload, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: append signing history: %w", err)
	}
	return nil
}

func (s *Store) ListSigningHistory(ctx context.Context, relayerID uuid.UUID, kind model.SigningHistoryKind, limit int) ([]*model.SigningHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, relayer_id, kind, digest, signature, payload, created_at
		FROM relayer_signing_history WHERE relayer_id=$1 AND kind=$2 ORDER BY created_at DESC LIMIT $3`,
		relayerID, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list signing history: %w", err)
	}
	defer rows.Close()

	var out []*model.SigningHistoryEntry
	for rows.Next() {
		var e model.SigningHistoryEntry
		var digest string
		if err := rows.Scan(&e.ID, &e.RelayerID, &e.Kind, &digest, &e.Signature, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Digest = common.HexToHash(digest)
		out = append(out, &e)
	}
	return out, rows.Err()
}
