// Package relayerr defines the error taxonomy shared by every component of
// the relay core: signing providers, gas oracles, the pipeline, and the
// policy/rate-limit gates all return a *RelayerError so the caller can branch
// on Kind instead of matching strings.
package relayerr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a RelayerError for retry and transport-mapping purposes.
type Kind int

const (
	// KindValidation marks a malformed request. Always non-retryable, 4xx.
	KindValidation Kind = iota

	// KindPolicyReject marks an allowlist, capability, or pause rejection.
	KindPolicyReject

	// KindRateLimited marks a sliding-window admission rejection.
	KindRateLimited

	// KindNotFound marks an unknown id/hash/external_id lookup.
	KindNotFound

	// KindProviderTransient marks a retryable RPC/signing/oracle failure.
	// Callers should retry internally with backoff before surfacing anything.
	KindProviderTransient

	// KindProviderFatal marks a non-retryable signing-provider failure
	// (unauthorized, key not found, malformed payload). Terminal FAILED.
	KindProviderFatal

	// KindInsufficientFunds marks a pre-submit or node-reported balance
	// shortfall.
	KindInsufficientFunds

	// KindReverted marks an EVM status=0 receipt or eth_estimateGas revert.
	KindReverted
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindPolicyReject:
		return "PolicyReject"
	case KindRateLimited:
		return "RateLimited"
	case KindNotFound:
		return "NotFound"
	case KindProviderTransient:
		return "ProviderTransient"
	case KindProviderFatal:
		return "ProviderFatal"
	case KindInsufficientFunds:
		return "InsufficientFunds"
	case KindReverted:
		return "Reverted"
	default:
		return "Unknown"
	}
}

// RelayerError is the single error type every core component returns.
type RelayerError struct {
	Kind       Kind
	Code       string // stable machine-readable code, e.g. "ERR_NONCE_GAP"
	Message    string
	RetryAfter *time.Duration // set for KindRateLimited and some KindProviderTransient
	Cause      error
}

func (e *RelayerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s[%s]: %s (%v)", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s[%s]: %s", e.Kind, e.Code, e.Message)
}

func (e *RelayerError) Unwrap() error { return e.Cause }

// Is lets errors.Is match two RelayerErrors by Kind+Code, the way callers
// actually want to compare them (ignoring the wrapped cause and message).
func (e *RelayerError) Is(target error) bool {
	var other *RelayerError
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind && e.Code == other.Code
}

func New(kind Kind, code, message string, cause error) *RelayerError {
	return &RelayerError{Kind: kind, Code: code, Message: message, Cause: cause}
}

func Validation(code, message string) *RelayerError {
	return New(KindValidation, code, message, nil)
}

func PolicyReject(code, message string) *RelayerError {
	return New(KindPolicyReject, code, message, nil)
}

func NotFound(code, message string) *RelayerError {
	return New(KindNotFound, code, message, nil)
}

func RateLimited(code, message string, retryAfter time.Duration) *RelayerError {
	return &RelayerError{Kind: KindRateLimited, Code: code, Message: message, RetryAfter: &retryAfter}
}

func ProviderTransient(code, message string, cause error) *RelayerError {
	return New(KindProviderTransient, code, message, cause)
}

func ProviderFatal(code, message string, cause error) *RelayerError {
	return New(KindProviderFatal, code, message, cause)
}

func InsufficientFunds(code, message string) *RelayerError {
	return New(KindInsufficientFunds, code, message, nil)
}

func Reverted(code, message string) *RelayerError {
	return New(KindReverted, code, message, nil)
}

// IsKind reports whether err is a *RelayerError of the given Kind.
func IsKind(err error, kind Kind) bool {
	var re *RelayerError
	if !errors.As(err, &re) {
		return false
	}
	return re.Kind == kind
}

// HTTPStatus maps a Kind onto the status code an HTTP API layer embedding
// this core should use.
func HTTPStatus(err error) int {
	var re *RelayerError
	if !errors.As(err, &re) {
		return 500
	}
	switch re.Kind {
	case KindValidation, KindPolicyReject:
		return 400
	case KindNotFound:
		return 404
	case KindRateLimited:
		return 429
	case KindProviderTransient:
		return 503
	default:
		return 500
	}
}

// CLIExitCode maps an error onto a CLI exit code: 0 success, 1 usage error,
// 2 configuration error, 3 remote/server error. Callers embedding this core
// in a command-line binary need one place to translate an error into the
// process exit status.
func CLIExitCode(err error) int {
	if err == nil {
		return 0
	}
	var re *RelayerError
	if !errors.As(err, &re) {
		return 3
	}
	switch re.Kind {
	case KindValidation, KindPolicyReject, KindNotFound, KindRateLimited:
		return 1
	case KindProviderTransient, KindProviderFatal, KindInsufficientFunds, KindReverted:
		return 3
	default:
		return 3
	}
}
