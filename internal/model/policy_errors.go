package model

import "github.com/relayforge/evmrelay/internal/relayerr"

var (
	errPolicyNotAllowlisted         = relayerr.PolicyReject("ERR_NOT_ALLOWLISTED", "destination address is not on the relayer allowlist")
	errPolicyNativeTransferDisabled = relayerr.PolicyReject("ERR_NATIVE_TRANSFER_DISABLED", "native value transfers are disabled for this relayer")
	errPolicyTransactionsDisabled   = relayerr.PolicyReject("ERR_TRANSACTIONS_DISABLED", "transaction submission is disabled for this relayer")
)
