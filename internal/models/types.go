// Package models defines the domain types shared across the settlement
// engine: UTXOs, accounts, retrieve-BTC requests, and the bookkeeping
// records produced as a batch moves from pending through in-flight,
// submitted, and finalized.
package models

import "github.com/btcsuite/btcd/chaincfg/chainhash"

// Network identifies which Bitcoin network the minter is settling against.
type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkTestnet Network = "testnet"
	NetworkRegtest Network = "regtest"
)

// Valid reports whether n is one of the three supported networks.
func (n Network) Valid() bool {
	switch n {
	case NetworkMainnet, NetworkTestnet, NetworkRegtest:
		return true
	default:
		return false
	}
}

// OutPoint identifies a single transaction output by its containing
// transaction and output index.
type OutPoint struct {
	Txid chainhash.Hash
	Vout uint32
}

// UTXO is an unspent output the minter may spend. Value is untrusted input
// received from the Bitcoin facade and must never be treated as authoritative
// for anything beyond coin selection.
type UTXO struct {
	OutPoint OutPoint
	Value    int64 // satoshi
}

// Account identifies an owner (and optional subaccount) whose funds are
// tracked at a distinct derived P2WPKH address. Two accounts differing only
// in Subaccount derive distinct addresses.
type Account struct {
	Owner      string // opaque principal identifier
	Subaccount [32]byte
	HasSub     bool // false for the default (all-zero, implicit) subaccount
}

// Key returns a value usable as a map key for this account.
func (a Account) Key() string {
	if !a.HasSub {
		return a.Owner
	}
	return a.Owner + ":" + string(a.Subaccount[:])
}

// RetrieveBtcRequest is a single withdrawal request awaiting settlement.
type RetrieveBtcRequest struct {
	BlockIndex uint64 // unique, monotonic
	Address    string // destination bech32 address
	Amount     int64  // satoshi
	ReceivedAt int64  // nanoseconds
}

// InFlightKind distinguishes the two states a request can be in while its
// batch is being built and broadcast.
type InFlightKind int

const (
	InFlightSigning InFlightKind = iota
	InFlightSending
)

// InFlightStatus tags a request as awaiting signature or awaiting broadcast
// confirmation (once a txid is known).
type InFlightStatus struct {
	Kind InFlightKind
	Txid chainhash.Hash // valid only when Kind == InFlightSending
}

// ChangeOutput records the change paid back to the minter's main address, if
// any, for a submitted transaction.
type ChangeOutput struct {
	Vout  uint32
	Value int64
}

// SubmittedBtcTransaction is a broadcast transaction awaiting finalization.
type SubmittedBtcTransaction struct {
	Txid         chainhash.Hash
	Requests     []RetrieveBtcRequest
	UsedUTXOs    []UTXO // non-empty
	ChangeOutput *ChangeOutput
	SubmittedAt  int64 // nanoseconds
}

// FinalizedState tags the terminal outcome of a retrieve-BTC request.
type FinalizedState int

const (
	FinalizedAmountTooLow FinalizedState = iota
	FinalizedConfirmed
)

// FinalizedBtcRetrieval is the terminal record for a request that will never
// be retried.
type FinalizedBtcRetrieval struct {
	Request RetrieveBtcRequest
	State   FinalizedState
	Txid    chainhash.Hash // valid only when State == FinalizedConfirmed
}

// ECDSAPublicKey is the minter's master public key, fetched once from the
// signing oracle on the first heartbeat.
type ECDSAPublicKey struct {
	PublicKey [33]byte // compressed SEC1
	ChainCode [32]byte
}
