package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/relayforge/evmrelay/internal/model"
)

const relayerColumns = `
	id, name, chain_id, address, wallet_index, max_gas_price_cap, paused,
	eip_1559_enabled, deleted, created_at, is_private_key, provider_tag`

func scanRelayer(row interface{ Scan(...interface{}) error }) (*model.Relayer, error) {
	var r model.Relayer
	var cap sql.NullString
	var address string
	if err := row.Scan(&r.ID, &r.Name, &r.ChainID, &address, &r.WalletIndex, &cap,
		&r.Paused, &r.EIP1559Enabled, &r.Deleted, &r.CreatedAt, &r.IsPrivateKey, &r.ProviderTag); err != nil {
		return nil, err
	}
	r.Address = common.HexToAddress(address)
	r.MaxGasPriceCap = nullStringToBig(cap)
	return &r, nil
}

func (s *Store) CreateRelayer(ctx context.Context, r *model.Relayer) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO relayer (`+relayerColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		r.ID, r.Name, r.ChainID, r.Address.Hex(), r.WalletIndex, bigToNullString(r.MaxGasPriceCap),
		r.Paused, r.EIP1559Enabled, r.Deleted, r.CreatedAt, r.IsPrivateKey, r.ProviderTag)
	if err != nil {
		return fmt.Errorf("store: create relayer: %w", err)
	}
	return nil
}

func (s *Store) GetRelayer(ctx context.Context, id uuid.UUID) (*model.Relayer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+relayerColumns+` FROM relayer WHERE id=$1`, id)
	r, err := scanRelayer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (s *Store) ListRelayers(ctx context.Context, chainID uint64, includeDeleted bool) ([]*model.Relayer, error) {
	query := `SELECT ` + relayerColumns + ` FROM relayer WHERE ($1 = 0 OR chain_id = $1)`
	if !includeDeleted {
		query += ` AND deleted = false`
	}
	rows, err := s.db.QueryContext(ctx, query, chainID)
	if err != nil {
		return nil, fmt.Errorf("store: list relayers: %w", err)
	}
	defer rows.Close()

	var out []*model.Relayer
	for rows.Next() {
		r, err := scanRelayer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) UpdateRelayer(ctx context.Context, r *model.Relayer) error {
	_, err := s.db.ExecContext(ctx, `UPDATE relayer SET
		name=$1, max_gas_price_cap=$2, paused=$3, eip_1559_enabled=$4, deleted=$5
		WHERE id=$6`,
		r.Name, bigToNullString(r.MaxGasPriceCap), r.Paused, r.EIP1559Enabled, r.Deleted, r.ID)
	if err != nil {
		return fmt.Errorf("store: update relayer: %w", err)
	}
	return nil
}

func (s *Store) SoftDeleteRelayer(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE relayer SET deleted = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: soft delete relayer: %w", err)
	}
	return nil
}

func (s *Store) GetPolicy(ctx context.Context, relayerID uuid.UUID) (*model.Policy, error) {
	row := s.db.QueryRowContext(ctx, `SELECT relayer_id, allowlist_enabled, disable_native_transfer,
		disable_personal_sign, disable_typed_data_sign, disable_transactions FROM relayer_policy WHERE relayer_id=$1`, relayerID)

	var p model.Policy
	if err := row.Scan(&p.RelayerID, &p.AllowlistEnabled, &p.DisableNativeTransfer,
		&p.DisablePersonalSign, &p.DisableTypedDataSign, &p.DisableTransactions); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &model.Policy{RelayerID: relayerID, Allowlist: map[common.Address]struct{}{}}, nil
		}
		return nil, fmt.Errorf("store: get policy: %w", err)
	}

	addrRows, err := s.db.QueryContext(ctx, `SELECT address FROM relayer_allowlisted_address WHERE relayer_id=$1`, relayerID)
	if err != nil {
		return nil, fmt.Errorf("store: get allowlist: %w", err)
	}
	defer addrRows.Close()

	p.Allowlist = map[common.Address]struct{}{}
	for addrRows.Next() {
		var addr string
		if err := addrRows.Scan(&addr); err != nil {
			return nil, err
		}
		p.Allowlist[common.HexToAddress(addr)] = struct{}{}
	}

	rlRows, err := s.db.QueryContext(ctx, `SELECT scope, max_requests, window_seconds FROM relayer_rate_limit WHERE relayer_id=$1`, relayerID)
	if err != nil {
		return nil, fmt.Errorf("store: get rate limits: %w", err)
	}
	defer rlRows.Close()

	p.RateLimits = map[string]model.RateLimitDescriptor{}
	for rlRows.Next() {
		var scope string
		var maxReq, windowSeconds int
		if err := rlRows.Scan(&scope, &maxReq, &windowSeconds); err != nil {
			return nil, err
		}
		p.RateLimits[scope] = model.RateLimitDescriptor{
			Scope:       scope,
			MaxRequests: maxReq,
			Window:      secondsToDuration(windowSeconds),
		}
	}

	return &p, rlRows.Err()
}

func (s *Store) UpsertPolicy(ctx context.Context, p *model.Policy) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO relayer_policy
		(relayer_id, allowlist_enabled, disable_native_transfer, disable_personal_sign, disable_typed_data_sign, disable_transactions)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (relayer_id) DO UPDATE SET
			allowlist_enabled=EXCLUDED.allowlist_enabled,
			disable_native_transfer=EXCLUDED.disable_native_transfer,
			disable_personal_sign=EXCLUDED.disable_personal_sign,
			disable_typed_data_sign=EXCLUDED.disable_typed_data_sign,
			disable_transactions=EXCLUDED.disable_transactions`,
		p.RelayerID, p.AllowlistEnabled, p.DisableNativeTransfer, p.DisablePersonalSign, p.DisableTypedDataSign, p.DisableTransactions)
	if err != nil {
		return fmt.Errorf("store: upsert policy: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM relayer_allowlisted_address WHERE relayer_id=$1`, p.RelayerID); err != nil {
		return fmt.Errorf("store: clear allowlist: %w", err)
	}
	for addr := range p.Allowlist {
		if _, err := tx.ExecContext(ctx, `INSERT INTO relayer_allowlisted_address (relayer_id, address) VALUES ($1,$2)`,
			p.RelayerID, addr.Hex()); err != nil {
			return fmt.Errorf("store: insert allowlist entry: %w", err)
		}
	}

	return tx.Commit()
}

// CreateAPIKey / GetAPIKey / RevokeAPIKey satisfy APIKeyStore.
func (s *Store) CreateAPIKey(ctx context.Context, k *model.APIKey) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO relayer_api_key (token, relayer_id, created_at) VALUES ($1,$2,$3)`,
		k.Token, k.RelayerID, k.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: create api key: %w", err)
	}
	return nil
}

func (s *Store) GetAPIKey(ctx context.Context, token string) (*model.APIKey, error) {
	var k model.APIKey
	var revokedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT token, relayer_id, created_at, revoked_at FROM relayer_api_key WHERE token=$1`, token).
		Scan(&k.Token, &k.RelayerID, &k.CreatedAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get api key: %w", err)
	}
	k.RevokedAt = nullTimeToPtr(revokedAt)
	return &k, nil
}

func (s *Store) RevokeAPIKey(ctx context.Context, token string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE relayer_api_key SET revoked_at=$1 WHERE token=$2`, at, token)
	if err != nil {
		return fmt.Errorf("store: revoke api key: %w", err)
	}
	return nil
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

var _ = pq.Array
