// Package eventlog implements the append-only event recorder described in
// spec §6 and §9: every externally-visible state change is recorded as an
// event, and state is the left fold of the recorded event sequence. This
// package defines the event schema, the Recorder interface consumed by
// internal/heartbeat, an in-memory recorder for tests, a SQLite-backed
// recorder for production, and Replay for deterministic reconstruction.
package eventlog

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/Fantasim/ckbtc-minter/internal/models"
)

// Kind identifies the event schema variant (spec §6).
type Kind string

const (
	KindReceivedUtxos          Kind = "ReceivedUtxos"
	KindSentBtcTransaction     Kind = "SentBtcTransaction"
	KindConfirmedBtcTransaction Kind = "ConfirmedBtcTransaction"
)

// ReceivedUtxosPayload records new UTXOs folded into an account's known set.
type ReceivedUtxosPayload struct {
	ToAccount models.Account
	UTXOs     []models.UTXO
}

// SentBtcTransactionPayload records a broadcast transaction.
type SentBtcTransactionPayload struct {
	RequestBlockIndices []uint64
	Txid                chainhash.Hash
	UTXOs               []models.UTXO
	ChangeOutput        *models.ChangeOutput
	SubmittedAt         int64
}

// ConfirmedBtcTransactionPayload records that a broadcast transaction's
// spent UTXOs disappeared from the chain, i.e. it confirmed.
type ConfirmedBtcTransactionPayload struct {
	Txid chainhash.Hash
}

// Event is a single append-only log entry. Exactly one of the typed payload
// fields is populated, matching Kind.
type Event struct {
	Kind       Kind
	Received   *ReceivedUtxosPayload
	Sent       *SentBtcTransactionPayload
	Confirmed  *ConfirmedBtcTransactionPayload
}

// Recorder is the event log interface consumed by the core (spec §6):
// append-only, replay reconstructs state.
type Recorder interface {
	RecordReceivedUtxos(ctx context.Context, toAccount models.Account, utxos []models.UTXO)
	RecordSentBtcTransaction(ctx context.Context, tx models.SubmittedBtcTransaction)
	RecordConfirmedBtcTransaction(ctx context.Context, txid chainhash.Hash)
}
