package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/relayforge/evmrelay/internal/model"
)

// ErrStatusChanged is returned by UpdateStatusCAS when the row's status no
// longer matches any of the expected prior states by the time the write is
// attempted — another writer (the pipeline racing the reorg watcher, a
// replacement racing a bump) already moved it on. Callers treat this as a
// no-op: a lost update here must never silently overwrite newer state.
var ErrStatusChanged = errors.New("store: transaction status changed since it was read")

const transactionColumns = `
	id, relayer_id, from_address, to_address, value, data, blobs, nonce, speed,
	max_fee, max_priority_fee, gas_price, gas_limit, status, hash, prior_hashes,
	queued_at, expires_at, sent_at, mined_at, mined_at_block_number, confirmed_at,
	failed_at, failed_reason, external_id, is_noop, cancelled_by_transaction_id,
	replaced_by_transaction_id, api_key`

func scanTransaction(row interface{ Scan(...interface{}) error }) (*model.Transaction, error) {
	var (
		t                          model.Transaction
		from, to, hash             sql.NullString
		data                       []byte
		blobs, priorHashes         pq.StringArray
		value, maxFee, maxPriority sql.NullString
		gasPrice                   sql.NullString
		sentAt, minedAt            sql.NullTime
		confirmedAt, failedAt      sql.NullTime
		minedAtBlock               sql.NullInt64
		failedReason               sql.NullString
		externalID                 sql.NullString
		cancelledBy                sql.NullString
		replacedBy                 sql.NullString
		apiKey                     sql.NullString
	)

	if err := row.Scan(
		&t.ID, &t.RelayerID, &from, &to, &value, &data, &blobs, &t.Nonce, &t.Speed,
		&maxFee, &maxPriority, &gasPrice, &t.GasLimit, &t.Status, &hash, &priorHashes,
		&t.QueuedAt, &t.ExpiresAt, &sentAt, &minedAt, &minedAtBlock, &confirmedAt,
		&failedAt, &failedReason, &externalID, &t.IsNoop, &cancelledBy, &replacedBy, &apiKey,
	); err != nil {
		return nil, err
	}

	if from.Valid {
		t.From = common.HexToAddress(from.String)
	}
	if to.Valid {
		t.To = common.HexToAddress(to.String)
	}
	t.Data = data
	parsedBlobs, err := arrayToBlobs(blobs)
	if err != nil {
		return nil, fmt.Errorf("store: decode blobs: %w", err)
	}
	t.Blobs = parsedBlobs
	t.Value = nullStringToBig(value)
	t.MaxFee = nullStringToBig(maxFee)
	t.MaxPriorityFee = nullStringToBig(maxPriority)
	t.GasPrice = nullStringToBig(gasPrice)
	t.Hash = nullStringToHash(hash)
	t.PriorHashes = arrayToHashes(priorHashes)
	t.SentAt = nullTimeToPtr(sentAt)
	t.MinedAt = nullTimeToPtr(minedAt)
	t.ConfirmedAt = nullTimeToPtr(confirmedAt)
	t.FailedAt = nullTimeToPtr(failedAt)
	if minedAtBlock.Valid {
		v := uint64(minedAtBlock.Int64)
		t.MinedAtBlockNumber = &v
	}
	t.FailedReason = failedReason.String
	if externalID.Valid {
		v := externalID.String
		t.ExternalID = &v
	}
	if cancelledBy.Valid {
		id, err := uuid.Parse(cancelledBy.String)
		if err == nil {
			t.CancelledByTransactionID = &id
		}
	}
	if replacedBy.Valid {
		id, err := uuid.Parse(replacedBy.String)
		if err == nil {
			t.ReplacedByTransactionID = &id
		}
	}
	t.APIKey = apiKey.String

	return &t, nil
}

func (s *Store) CreateTransaction(ctx context.Context, tx *model.Transaction) error {
	var externalID sql.NullString
	if tx.ExternalID != nil {
		externalID = sql.NullString{String: *tx.ExternalID, Valid: true}
	}
	var cancelledBy sql.NullString
	if tx.CancelledByTransactionID != nil {
		cancelledBy = sql.NullString{String: tx.CancelledByTransactionID.String(), Valid: true}
	}
	var replacedBy sql.NullString
	if tx.ReplacedByTransactionID != nil {
		replacedBy = sql.NullString{String: tx.ReplacedByTransactionID.String(), Valid: true}
	}

	query := `INSERT INTO relayer_transaction (` + transactionColumns + `) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29
	)`
	_, err := s.db.ExecContext(ctx, query,
		tx.ID, tx.RelayerID, addressOrEmpty(tx.From), addressOrEmpty(tx.To), bigToNullString(tx.Value), tx.Data,
		blobsToArray(tx.Blobs), tx.Nonce, tx.Speed,
		bigToNullString(tx.MaxFee), bigToNullString(tx.MaxPriorityFee), bigToNullString(tx.GasPrice), tx.GasLimit,
		tx.Status, hashOrEmpty(tx.Hash), hashesToArray(tx.PriorHashes),
		tx.QueuedAt, tx.ExpiresAt, timeOrNull(tx.SentAt), timeOrNull(tx.MinedAt), tx.MinedAtBlockNumber, timeOrNull(tx.ConfirmedAt),
		timeOrNull(tx.FailedAt), tx.FailedReason, externalID, tx.IsNoop, cancelledBy, replacedBy, tx.APIKey,
	)
	if err != nil {
		return fmt.Errorf("store: create transaction: %w", err)
	}
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (*model.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM relayer_transaction WHERE id = $1`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (s *Store) GetTransactionByHash(ctx context.Context, hash common.Hash) (*model.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM relayer_transaction
		WHERE hash = $1 OR $1 = ANY(prior_hashes) LIMIT 1`, hash.Hex())
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (s *Store) GetTransactionByExternalID(ctx context.Context, relayerID uuid.UUID, externalID string) (*model.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM relayer_transaction
		WHERE relayer_id = $1 AND external_id = $2`, relayerID, externalID)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// nonTerminalStatuses mirrors model.TxStatus.Terminal's complement; kept as
// a literal list here since a SQL WHERE clause needs it enumerated anyway.
var nonTerminalStatuses = []model.TxStatus{model.StatusPending, model.StatusInMempool, model.StatusMined}

func (s *Store) ListNonTerminal(ctx context.Context, relayerID uuid.UUID, limit int) ([]*model.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+transactionColumns+` FROM relayer_transaction
		WHERE relayer_id = $1 AND status = ANY($2) ORDER BY nonce ASC LIMIT $3`,
		relayerID, pq.Array(statusStrings(nonTerminalStatuses)), limit)
	if err != nil {
		return nil, fmt.Errorf("store: list non-terminal: %w", err)
	}
	defer rows.Close()
	return scanTransactionRows(rows)
}

func (s *Store) ListLocalNonces(ctx context.Context, relayerID uuid.UUID) ([]LocalNonce, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT nonce, status FROM relayer_transaction WHERE relayer_id = $1`, relayerID)
	if err != nil {
		return nil, fmt.Errorf("store: list local nonces: %w", err)
	}
	defer rows.Close()

	var out []LocalNonce
	for rows.Next() {
		var nonce uint64
		var status model.TxStatus
		if err := rows.Scan(&nonce, &status); err != nil {
			return nil, err
		}
		out = append(out, LocalNonce{Nonce: nonce, Terminal: status.Terminal()})
	}
	return out, rows.Err()
}

func (s *Store) UpdateStatusCAS(ctx context.Context, id uuid.UUID, expected []model.TxStatus, mutate func(*model.Transaction)) (*model.Transaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM relayer_transaction WHERE id = $1 FOR UPDATE`, id)
	current, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if !statusIn(current.Status, expected) {
		return nil, ErrStatusChanged
	}

	mutate(current)

	var externalID sql.NullString
	if current.ExternalID != nil {
		externalID = sql.NullString{String: *current.ExternalID, Valid: true}
	}
	var cancelledBy sql.NullString
	if current.CancelledByTransactionID != nil {
		cancelledBy = sql.NullString{String: current.CancelledByTransactionID.String(), Valid: true}
	}
	var replacedBy sql.NullString
	if current.ReplacedByTransactionID != nil {
		replacedBy = sql.NullString{String: current.ReplacedByTransactionID.String(), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `UPDATE relayer_transaction SET
		status=$1, hash=$2, prior_hashes=$3, max_fee=$4, max_priority_fee=$5, gas_price=$6, gas_limit=$7,
		sent_at=$8, mined_at=$9, mined_at_block_number=$10, confirmed_at=$11, failed_at=$12, failed_reason=$13,
		cancelled_by_transaction_id=$14, replaced_by_transaction_id=$15, external_id=$16
		WHERE id=$17 AND status = ANY($18)`,
		current.Status, hashOrEmpty(current.Hash), hashesToArray(current.PriorHashes),
		bigToNullString(current.MaxFee), bigToNullString(current.MaxPriorityFee), bigToNullString(current.GasPrice), current.GasLimit,
		timeOrNull(current.SentAt), timeOrNull(current.MinedAt), current.MinedAtBlockNumber, timeOrNull(current.ConfirmedAt),
		timeOrNull(current.FailedAt), current.FailedReason, cancelledBy, replacedBy, externalID,
		id, pq.Array(statusStrings(expected)),
	)
	if err != nil {
		return nil, fmt.Errorf("store: update status cas: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	return current, nil
}

func (s *Store) CountByStatus(ctx context.Context, relayerID uuid.UUID, status model.TxStatus) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM relayer_transaction WHERE relayer_id=$1 AND status=$2`,
		relayerID, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count by status: %w", err)
	}
	return count, nil
}

func (s *Store) ListByRelayer(ctx context.Context, relayerID uuid.UUID, limit, offset int) ([]*model.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+transactionColumns+` FROM relayer_transaction
		WHERE relayer_id=$1 ORDER BY queued_at DESC LIMIT $2 OFFSET $3`, relayerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list by relayer: %w", err)
	}
	defer rows.Close()
	return scanTransactionRows(rows)
}

func scanTransactionRows(rows *sql.Rows) ([]*model.Transaction, error) {
	var out []*model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func statusStrings(statuses []model.TxStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func statusIn(status model.TxStatus, set []model.TxStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}
