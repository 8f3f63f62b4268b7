package store

import (
	"database/sql"
	"encoding/hex"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
)

// bigToNullString renders v as a base-10 decimal string for NUMERIC
// columns, or SQL NULL when v is nil (legacy vs. EIP-1559 fee fields,
// uncapped max_gas_price_cap).
func bigToNullString(v *big.Int) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: v.String(), Valid: true}
}

func nullStringToBig(ns sql.NullString) *big.Int {
	if !ns.Valid {
		return nil
	}
	v, ok := new(big.Int).SetString(ns.String, 10)
	if !ok {
		return nil
	}
	return v
}

func addressOrEmpty(a common.Address) sql.NullString {
	if a == (common.Address{}) {
		return sql.NullString{}
	}
	return sql.NullString{String: a.Hex(), Valid: true}
}

func hashOrEmpty(h common.Hash) sql.NullString {
	if h == (common.Hash{}) {
		return sql.NullString{}
	}
	return sql.NullString{String: h.Hex(), Valid: true}
}

func nullStringToHash(ns sql.NullString) common.Hash {
	if !ns.Valid || ns.String == "" {
		return common.Hash{}
	}
	return common.HexToHash(ns.String)
}

// blobsToArray hex-encodes each EIP-4844 blob so the set can ride in a
// Postgres TEXT[] column (pq.Array), avoiding a separate child table for
// what is, for this relay, an opaque byte-string array.
func blobsToArray(blobs [][]byte) pq.StringArray {
	if len(blobs) == 0 {
		return nil
	}
	out := make(pq.StringArray, len(blobs))
	for i, b := range blobs {
		out[i] = hex.EncodeToString(b)
	}
	return out
}

func arrayToBlobs(arr pq.StringArray) ([][]byte, error) {
	if len(arr) == 0 {
		return nil, nil
	}
	out := make([][]byte, len(arr))
	for i, s := range arr {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func hashesToArray(hashes []common.Hash) pq.StringArray {
	if len(hashes) == 0 {
		return nil
	}
	out := make(pq.StringArray, len(hashes))
	for i, h := range hashes {
		out[i] = h.Hex()
	}
	return out
}

func arrayToHashes(arr pq.StringArray) []common.Hash {
	if len(arr) == 0 {
		return nil
	}
	out := make([]common.Hash, len(arr))
	for i, s := range arr {
		out[i] = common.HexToHash(s)
	}
	return out
}

func timeOrNull(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullTimeToPtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
