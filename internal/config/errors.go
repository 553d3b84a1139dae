package config

import "errors"

// Sentinel errors for the settlement engine.
var (
	ErrInvalidConfig = errors.New("invalid config")

	// Coin selection / fee-building errors (spec §4.2, §7).
	ErrNotEnoughFunds = errors.New("not enough funds to cover retrieval amount")
	ErrAmountTooLow   = errors.New("amount too low to cover transaction fee")

	// External collaborator failures — always transient (spec §7).
	ErrFacadeUnavailable = errors.New("bitcoin facade unavailable")
	ErrOracleUnavailable = errors.New("signing oracle unavailable")
	ErrFeeUnavailable    = errors.New("fee estimate unavailable")
	ErrBroadcastFailed   = errors.New("transaction broadcast failed")
	ErrCircuitOpen       = errors.New("provider circuit open")
	ErrAllProvidersDown  = errors.New("all bitcoin providers unavailable")

	// Unreachable invariant violations — logged at highest severity, never panic.
	ErrMissingECDSAKey = errors.New("ecdsa public key not initialized")

	// State machine invariants.
	ErrDuplicateBlockIndex  = errors.New("duplicate block index")
	ErrUTXONotAvailable     = errors.New("utxo not present in available set")
	ErrUTXOAlreadyAvailable = errors.New("utxo already present in available set")

	// Event log.
	ErrRecordEvent = errors.New("failed to record event")
)

// Error codes — stable identifiers for operational alerting / dashboards.
const (
	ErrorInvalidConfig      = "ERROR_INVALID_CONFIG"
	ErrorNotEnoughFunds     = "ERROR_NOT_ENOUGH_FUNDS"
	ErrorAmountTooLow       = "ERROR_AMOUNT_TOO_LOW"
	ErrorFacadeUnavailable  = "ERROR_FACADE_UNAVAILABLE"
	ErrorOracleUnavailable  = "ERROR_ORACLE_UNAVAILABLE"
	ErrorFeeUnavailable     = "ERROR_FEE_UNAVAILABLE"
	ErrorBroadcastFailed    = "ERROR_BROADCAST_FAILED"
	ErrorMissingECDSAKey    = "ERROR_MISSING_ECDSA_KEY"
	ErrorDuplicateBlockIdx  = "ERROR_DUPLICATE_BLOCK_INDEX"
	ErrorUTXOAlreadyAvail   = "ERROR_UTXO_ALREADY_AVAILABLE"
)
