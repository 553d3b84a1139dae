package config

import "time"

// Bitcoin dust / change thresholds (spec §4.2).
const (
	P2WPKHDustThreshold int64 = 294
	MinChange           int64 = P2WPKHDustThreshold + 1
)

// RBF signalling sequence number (spec §4.2 step 5, BIP-125).
const SequenceRBFEnabled uint32 = 0xfffffffd

// Fake-signature placeholder sizes used to estimate vsize before the real
// signing round trip (spec §4.3).
const (
	FakeSignatureDERLen = 71 // canonical-length DER signature placeholder
	SighashFlagLen      = 1  // trailing SIGHASH_ALL byte
	CompressedPubKeyLen = 33
)

// BIP-44 / BIP-84 derivation paths.
const (
	BIP84Purpose    = 84 // BIP-84 purpose for Native SegWit (bech32)
	BTCCoinType     = 0  // m/84'/0'/0'/0/N
	BTCTestCoinType = 1  // m/84'/1'/0'/0/N
)

// DomainTag separates this minter deployment's derivation paths from any
// other subkey scheme sharing the same master key (spec §4.4).
var DomainTag = []byte("ckbtc-minter")

// Batching policy (spec §4.5, §4.6).
const (
	DefaultBatchMinPending = 20
	DefaultBatchMaxSize    = 100
)

// Fee estimation policy (spec §4.7).
const (
	RegtestDefaultFeeMillisatPerVByte int64 = 5_000
	FeeEstimateMinSamples                   = 100
	FeeEstimatePercentileIndex              = 49 // median of a 100-sample sorted vector
)

// Finalization time estimates, scaled by min_confirmations (spec §4.6).
const (
	MainnetBlockInterval = 10 * time.Minute
	TestnetBlockInterval = 1 * time.Minute
	RegtestBlockInterval = 1 * time.Second
)

// FinalizedRequestsCap bounds the finalized-request ring (spec §3).
const FinalizedRequestsCap = 10_000

// Server.
const (
	ServerReadTimeout  = 15 * time.Second
	ServerWriteTimeout = 15 * time.Second
	ShutdownTimeout    = 10 * time.Second
)

// Logging. A single log-aggregation host may tail several minter instances
// at once (one per Bitcoin network), so both the rotation prefix and the
// filename pattern are keyed by network to keep mainnet/testnet/regtest log
// files from colliding.
const LogMaxAgeDays = 30

// LogFilePrefix returns the filename prefix for a given network's log files,
// e.g. "minter-testnet-".
func LogFilePrefix(network string) string {
	return "minter-" + network + "-"
}

// LogFilePattern returns the fmt pattern (date, level) for a given network's
// log files, e.g. "minter-testnet-%s-%s.log".
func LogFilePattern(network string) string {
	return LogFilePrefix(network) + "%s-%s.log"
}

// Database.
const DBBusyTimeoutMillis = 5000

// Bitcoin facade HTTP client defaults.
const (
	FacadeRequestTimeout  = 15 * time.Second
	FacadeRateLimitPerSec = 10
)

// Per-provider circuit breaker policy: trip a provider after this many
// consecutive failures, leave it untried for the cooldown, then probe it
// with a single half-open request before fully restoring it.
const (
	CircuitBreakerThreshold   = 5
	CircuitBreakerCooldown    = 30 * time.Second
	CircuitBreakerHalfOpenMax = 1
)

// Circuit breaker states.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"
)
