package eventlog

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/Fantasim/ckbtc-minter/internal/models"
)

// MemoryRecorder accumulates events in process memory, useful for tests and
// for Replay-determinism checks that apply the same sequence twice.
type MemoryRecorder struct {
	mu     sync.Mutex
	Events []Event
}

var _ Recorder = (*MemoryRecorder)(nil)

func (r *MemoryRecorder) RecordReceivedUtxos(_ context.Context, toAccount models.Account, utxos []models.UTXO) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, Event{
		Kind:     KindReceivedUtxos,
		Received: &ReceivedUtxosPayload{ToAccount: toAccount, UTXOs: utxos},
	})
}

func (r *MemoryRecorder) RecordSentBtcTransaction(_ context.Context, tx models.SubmittedBtcTransaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	indices := make([]uint64, len(tx.Requests))
	for i, req := range tx.Requests {
		indices[i] = req.BlockIndex
	}
	r.Events = append(r.Events, Event{
		Kind: KindSentBtcTransaction,
		Sent: &SentBtcTransactionPayload{
			RequestBlockIndices: indices,
			Txid:                tx.Txid,
			UTXOs:               tx.UsedUTXOs,
			ChangeOutput:        tx.ChangeOutput,
			SubmittedAt:         tx.SubmittedAt,
		},
	})
}

func (r *MemoryRecorder) RecordConfirmedBtcTransaction(_ context.Context, txid chainhash.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, Event{
		Kind:      KindConfirmedBtcTransaction,
		Confirmed: &ConfirmedBtcTransactionPayload{Txid: txid},
	})
}

// Snapshot returns a copy of the recorded events so far.
func (r *MemoryRecorder) Snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.Events))
	copy(out, r.Events)
	return out
}
