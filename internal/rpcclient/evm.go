package rpcclient

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/relayforge/evmrelay/internal/relayerr"
)

// EVMClient wraps a RawClient with the high-level EVM method surface the
// relay actually needs, adapted from arcsign's ethereum.RPCHelper. Every
// failure is normalized to *relayerr.RelayerError so callers never branch
// on the transport's raw error type.
type EVMClient struct {
	raw RawClient
}

// NewEVMClient wraps raw (an *HTTPClient or *WSClient) in the EVM helper
// surface.
func NewEVMClient(raw RawClient) *EVMClient {
	return &EVMClient{raw: raw}
}

func (c *EVMClient) Close() error { return c.raw.Close() }

func wrapRPCErr(code, msg string, err error) error {
	return relayerr.ProviderTransient(code, msg, err)
}

func decodeHexUint64(result json.RawMessage, code, what string) (uint64, error) {
	var s string
	if err := json.Unmarshal(result, &s); err != nil {
		return 0, relayerr.ProviderFatal(code, fmt.Sprintf("failed to parse %s", what), err)
	}
	v, err := hexutil.DecodeUint64(s)
	if err != nil {
		return 0, relayerr.ProviderFatal(code, fmt.Sprintf("failed to decode %s hex", what), err)
	}
	return v, nil
}

func decodeHexBig(result json.RawMessage, code, what string) (*big.Int, error) {
	var s string
	if err := json.Unmarshal(result, &s); err != nil {
		return nil, relayerr.ProviderFatal(code, fmt.Sprintf("failed to parse %s", what), err)
	}
	if s == "" || s == "0x" {
		return big.NewInt(0), nil
	}
	v, err := hexutil.DecodeBig(s)
	if err != nil {
		return nil, relayerr.ProviderFatal(code, fmt.Sprintf("failed to decode %s hex", what), err)
	}
	return v, nil
}

// GetTransactionCount fetches the nonce for addr at the given block tag
// ("pending", "latest", or a specific block number encoded as a hex
// string). The nonce manager (internal/nonce) calls this with "pending" at
// startup reconciliation and "latest" for confirmed-nonce catch-up.
func (c *EVMClient) GetTransactionCount(ctx context.Context, addr common.Address, blockTag string) (uint64, error) {
	result, err := c.raw.Call(ctx, "eth_getTransactionCount", addr.Hex(), blockTag)
	if err != nil {
		return 0, wrapRPCErr("ERR_RPC_NONCE", "eth_getTransactionCount failed", err)
	}
	return decodeHexUint64(result, "ERR_RPC_PARSE", "transaction count")
}

// GetBalance fetches the native balance of addr in wei.
func (c *EVMClient) GetBalance(ctx context.Context, addr common.Address, blockTag string) (*big.Int, error) {
	result, err := c.raw.Call(ctx, "eth_getBalance", addr.Hex(), blockTag)
	if err != nil {
		return nil, wrapRPCErr("ERR_RPC_BALANCE", "eth_getBalance failed", err)
	}
	return decodeHexBig(result, "ERR_RPC_PARSE", "balance")
}

// CallMsg mirrors the subset of an eth_call/eth_estimateGas transaction
// object the relay populates.
type CallMsg struct {
	From     common.Address
	To       *common.Address
	Value    *big.Int
	Data     []byte
	GasPrice *big.Int
}

func (m CallMsg) toParams() map[string]interface{} {
	obj := map[string]interface{}{"from": m.From.Hex()}
	if m.To != nil {
		obj["to"] = m.To.Hex()
	}
	if m.Value != nil && m.Value.Sign() > 0 {
		obj["value"] = hexutil.EncodeBig(m.Value)
	}
	if len(m.Data) > 0 {
		obj["data"] = hexutil.Encode(m.Data)
	}
	if m.GasPrice != nil {
		obj["gasPrice"] = hexutil.EncodeBig(m.GasPrice)
	}
	return obj
}

// EstimateGas calls eth_estimateGas. A revert surfaced here is classified
// Reverted rather than ProviderTransient, since the node executed the call
// and the EVM itself rejected it.
func (c *EVMClient) EstimateGas(ctx context.Context, msg CallMsg) (uint64, error) {
	result, err := c.raw.Call(ctx, "eth_estimateGas", msg.toParams())
	if err != nil {
		if looksLikeRevert(err) {
			return 0, relayerr.Reverted("ERR_ESTIMATE_REVERTED", fmt.Sprintf("eth_estimateGas reverted: %v", err))
		}
		return 0, wrapRPCErr("ERR_RPC_ESTIMATE", "eth_estimateGas failed", err)
	}
	return decodeHexUint64(result, "ERR_RPC_PARSE", "gas estimate")
}

// CallContract calls eth_call against blockTag, returning the raw ABI-encoded
// return data. internal/topup uses this to read an ERC-20 balanceOf before
// deciding whether a token top-up is due.
func (c *EVMClient) CallContract(ctx context.Context, msg CallMsg, blockTag string) ([]byte, error) {
	if blockTag == "" {
		blockTag = "latest"
	}
	result, err := c.raw.Call(ctx, "eth_call", msg.toParams(), blockTag)
	if err != nil {
		if looksLikeRevert(err) {
			return nil, relayerr.Reverted("ERR_CALL_REVERTED", fmt.Sprintf("eth_call reverted: %v", err))
		}
		return nil, wrapRPCErr("ERR_RPC_CALL", "eth_call failed", err)
	}
	var encoded string
	if err := json.Unmarshal(result, &encoded); err != nil {
		return nil, relayerr.ProviderFatal("ERR_RPC_PARSE", "malformed eth_call result", err)
	}
	return hexutil.Decode(encoded)
}

// looksLikeRevert is a best-effort heuristic over the JSON-RPC error
// message text; nodes do not agree on a structured revert error code.
func looksLikeRevert(err error) bool {
	msg := err.Error()
	for _, marker := range []string{"revert", "execution reverted", "VM Exception"} {
		if len(msg) >= len(marker) && contains(msg, marker) {
			return true
		}
	}
	return false
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// GasPrice calls eth_gasPrice, the legacy (pre-1559) gas price signal.
func (c *EVMClient) GasPrice(ctx context.Context) (*big.Int, error) {
	result, err := c.raw.Call(ctx, "eth_gasPrice")
	if err != nil {
		return nil, wrapRPCErr("ERR_RPC_GASPRICE", "eth_gasPrice failed", err)
	}
	return decodeHexBig(result, "ERR_RPC_PARSE", "gas price")
}

// BaseFee returns the latest block's EIP-1559 base fee, or zero on chains
// before the London fork.
func (c *EVMClient) BaseFee(ctx context.Context) (*big.Int, error) {
	result, err := c.raw.Call(ctx, "eth_getBlockByNumber", "latest", false)
	if err != nil {
		return nil, wrapRPCErr("ERR_RPC_BLOCK", "eth_getBlockByNumber failed", err)
	}
	var block struct {
		BaseFeePerGas string `json:"baseFeePerGas"`
	}
	if err := json.Unmarshal(result, &block); err != nil {
		return nil, relayerr.ProviderFatal("ERR_RPC_PARSE", "failed to parse block", err)
	}
	if block.BaseFeePerGas == "" {
		return big.NewInt(0), nil
	}
	return hexutil.DecodeBig(block.BaseFeePerGas)
}

// FeeHistoryResult is the subset of eth_feeHistory the gas oracle's native
// provider consumes.
type FeeHistoryResult struct {
	BaseFeePerGas []*big.Int
	Reward        [][]*big.Int
}

// FeeHistory calls eth_feeHistory over the last blockCount blocks at the
// given reward percentiles.
func (c *EVMClient) FeeHistory(ctx context.Context, blockCount int, percentiles []float64) (*FeeHistoryResult, error) {
	result, err := c.raw.Call(ctx, "eth_feeHistory", hexutil.EncodeUint64(uint64(blockCount)), "latest", percentiles)
	if err != nil {
		return nil, wrapRPCErr("ERR_RPC_FEEHISTORY", "eth_feeHistory failed", err)
	}

	var raw struct {
		BaseFeePerGas []string   `json:"baseFeePerGas"`
		Reward        [][]string `json:"reward"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, relayerr.ProviderFatal("ERR_RPC_PARSE", "failed to parse fee history", err)
	}

	out := &FeeHistoryResult{}
	for _, s := range raw.BaseFeePerGas {
		v, err := hexutil.DecodeBig(s)
		if err != nil {
			return nil, relayerr.ProviderFatal("ERR_RPC_PARSE", "failed to decode base fee history entry", err)
		}
		out.BaseFeePerGas = append(out.BaseFeePerGas, v)
	}
	for _, row := range raw.Reward {
		var decoded []*big.Int
		for _, s := range row {
			v, err := hexutil.DecodeBig(s)
			if err != nil {
				return nil, relayerr.ProviderFatal("ERR_RPC_PARSE", "failed to decode reward history entry", err)
			}
			decoded = append(decoded, v)
		}
		out.Reward = append(out.Reward, decoded)
	}
	return out, nil
}

// ChainID calls eth_chainId, used at startup to verify a network's
// configured chain_id matches what the endpoint actually serves.
func (c *EVMClient) ChainID(ctx context.Context) (uint64, error) {
	result, err := c.raw.Call(ctx, "eth_chainId")
	if err != nil {
		return 0, wrapRPCErr("ERR_RPC_CHAINID", "eth_chainId failed", err)
	}
	return decodeHexUint64(result, "ERR_RPC_PARSE", "chain id")
}

// BlockNumber calls eth_blockNumber.
func (c *EVMClient) BlockNumber(ctx context.Context) (uint64, error) {
	result, err := c.raw.Call(ctx, "eth_blockNumber")
	if err != nil {
		return 0, wrapRPCErr("ERR_RPC_BLOCKNUMBER", "eth_blockNumber failed", err)
	}
	return decodeHexUint64(result, "ERR_RPC_PARSE", "block number")
}

// BlockHeader is the subset of eth_getBlockByNumber the reorg watcher
// tracks: its own hash and its parent's, to detect a discontinuity against
// the last-seen chain tip.
type BlockHeader struct {
	Number     uint64
	Hash       common.Hash
	ParentHash common.Hash
}

// GetBlockByNumber fetches a block header by number ("latest" or a hex
// block tag/number accepted verbatim).
func (c *EVMClient) GetBlockByNumber(ctx context.Context, blockTag string) (*BlockHeader, error) {
	result, err := c.raw.Call(ctx, "eth_getBlockByNumber", blockTag, false)
	if err != nil {
		return nil, wrapRPCErr("ERR_RPC_BLOCK", "eth_getBlockByNumber failed", err)
	}
	var raw struct {
		Number     string `json:"number"`
		Hash       string `json:"hash"`
		ParentHash string `json:"parentHash"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, relayerr.ProviderFatal("ERR_RPC_PARSE", "failed to parse block header", err)
	}
	if raw.Hash == "" {
		return nil, relayerr.NotFound("ERR_BLOCK_NOT_FOUND", fmt.Sprintf("block %s not found", blockTag))
	}
	num, err := hexutil.DecodeUint64(raw.Number)
	if err != nil {
		return nil, relayerr.ProviderFatal("ERR_RPC_PARSE", "failed to decode block number", err)
	}
	return &BlockHeader{
		Number:     num,
		Hash:       common.HexToHash(raw.Hash),
		ParentHash: common.HexToHash(raw.ParentHash),
	}, nil
}

// SendRawTransaction broadcasts a signed, RLP-encoded transaction.
func (c *EVMClient) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	result, err := c.raw.Call(ctx, "eth_sendRawTransaction", hexutil.Encode(raw))
	if err != nil {
		if looksLikeRevert(err) {
			return common.Hash{}, relayerr.Reverted("ERR_BROADCAST_REVERTED", fmt.Sprintf("eth_sendRawTransaction reverted: %v", err))
		}
		return common.Hash{}, wrapRPCErr("ERR_RPC_BROADCAST", "eth_sendRawTransaction failed", err)
	}
	var hashHex string
	if err := json.Unmarshal(result, &hashHex); err != nil {
		return common.Hash{}, relayerr.ProviderFatal("ERR_RPC_PARSE", "failed to parse transaction hash", err)
	}
	return common.HexToHash(hashHex), nil
}

// Receipt is the subset of eth_getTransactionReceipt the watcher and
// pipeline consume.
type Receipt struct {
	TransactionHash common.Hash
	BlockNumber     uint64
	BlockHash       common.Hash
	Status          uint64 // 1 = success, 0 = reverted (post-Byzantium)
	GasUsed         uint64
	EffectiveGasPrice *big.Int
}

// GetTransactionReceipt calls eth_getTransactionReceipt. A nil receipt with
// a nil error means the transaction is not yet mined.
func (c *EVMClient) GetTransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	result, err := c.raw.Call(ctx, "eth_getTransactionReceipt", hash.Hex())
	if err != nil {
		return nil, wrapRPCErr("ERR_RPC_RECEIPT", "eth_getTransactionReceipt failed", err)
	}
	if string(result) == "null" || len(result) == 0 {
		return nil, nil
	}

	var raw struct {
		TransactionHash   string `json:"transactionHash"`
		BlockNumber       string `json:"blockNumber"`
		BlockHash         string `json:"blockHash"`
		Status            string `json:"status"`
		GasUsed           string `json:"gasUsed"`
		EffectiveGasPrice string `json:"effectiveGasPrice"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, relayerr.ProviderFatal("ERR_RPC_PARSE", "failed to parse receipt", err)
	}

	blockNum, err := hexutil.DecodeUint64(raw.BlockNumber)
	if err != nil {
		return nil, relayerr.ProviderFatal("ERR_RPC_PARSE", "failed to decode receipt block number", err)
	}
	status, err := hexutil.DecodeUint64(raw.Status)
	if err != nil {
		return nil, relayerr.ProviderFatal("ERR_RPC_PARSE", "failed to decode receipt status", err)
	}
	gasUsed, err := hexutil.DecodeUint64(raw.GasUsed)
	if err != nil {
		return nil, relayerr.ProviderFatal("ERR_RPC_PARSE", "failed to decode receipt gas used", err)
	}
	effGasPrice := big.NewInt(0)
	if raw.EffectiveGasPrice != "" {
		effGasPrice, err = hexutil.DecodeBig(raw.EffectiveGasPrice)
		if err != nil {
			return nil, relayerr.ProviderFatal("ERR_RPC_PARSE", "failed to decode effective gas price", err)
		}
	}

	return &Receipt{
		TransactionHash:   common.HexToHash(raw.TransactionHash),
		BlockNumber:       blockNum,
		BlockHash:         common.HexToHash(raw.BlockHash),
		Status:            status,
		GasUsed:           gasUsed,
		EffectiveGasPrice: effGasPrice,
	}, nil
}

// GetTransactionByHash reports whether hash is still known to the node's
// mempool or chain; used by the watcher to detect a transaction dropped
// from the mempool.
func (c *EVMClient) GetTransactionByHash(ctx context.Context, hash common.Hash) (bool, error) {
	result, err := c.raw.Call(ctx, "eth_getTransactionByHash", hash.Hex())
	if err != nil {
		return false, wrapRPCErr("ERR_RPC_GETTX", "eth_getTransactionByHash failed", err)
	}
	return string(result) != "null" && len(result) > 0, nil
}

// SubscribeNewHeads exposes the underlying WSClient's head subscription,
// when raw is a *WSClient. HTTPClient-backed instances return an error;
// callers wire internal/watcher against a WSClient-backed EVMClient
// specifically for this reason.
func (c *EVMClient) SubscribeNewHeads(ctx context.Context) (<-chan json.RawMessage, error) {
	ws, ok := c.raw.(*WSClient)
	if !ok {
		return nil, relayerr.New(relayerr.KindValidation, "ERR_NOT_WS", "SubscribeNewHeads requires a websocket-backed EVM client", nil)
	}
	return ws.SubscribeNewHeads(ctx)
}

// DecodeSignedTransaction parses a raw RLP-encoded signed transaction back
// into a *types.Transaction, exposing its nonce and fee fields.
func DecodeSignedTransaction(raw []byte) (*types.Transaction, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, relayerr.New(relayerr.KindValidation, "ERR_TX_DECODE", "failed to decode raw transaction", err)
	}
	return tx, nil
}
