package eventlog

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/Fantasim/ckbtc-minter/internal/models"
	"github.com/Fantasim/ckbtc-minter/internal/state"
)

func sampleUTXO(fill byte, vout uint32, value int64) models.UTXO {
	var h chainhash.Hash
	h[0] = fill
	return models.UTXO{OutPoint: models.OutPoint{Txid: h, Vout: vout}, Value: value}
}

func recordSampleSequence(recorder *MemoryRecorder) {
	ctx := context.Background()
	account := models.Account{Owner: "minter"}
	u := sampleUTXO(0x01, 0, 100_000)

	recorder.RecordReceivedUtxos(ctx, account, []models.UTXO{u})
	recorder.RecordSentBtcTransaction(ctx, models.SubmittedBtcTransaction{
		Txid:        chainhash.Hash{0xAA},
		Requests:    []models.RetrieveBtcRequest{{BlockIndex: 1, Amount: 40_000}},
		UsedUTXOs:   []models.UTXO{u},
		SubmittedAt: 1000,
	})
	recorder.RecordConfirmedBtcTransaction(ctx, chainhash.Hash{0xAA})
}

func applySequence(events []Event) *state.MinterState {
	s := state.New(models.NetworkRegtest, 1, "key1")
	Replay(s, events)
	return s
}

func TestReplay_DeterministicAcrossRepeatedApplication(t *testing.T) {
	recorder := &MemoryRecorder{}
	recordSampleSequence(recorder)
	events := recorder.Snapshot()

	s1 := applySequence(events)
	s2 := applySequence(events)

	if s1.AvailableUTXOs().Len() != s2.AvailableUTXOs().Len() {
		t.Fatalf("available UTXO count diverged across replays: %d vs %d", s1.AvailableUTXOs().Len(), s2.AvailableUTXOs().Len())
	}
	if len(s1.Finalized()) != len(s2.Finalized()) {
		t.Fatalf("finalized count diverged across replays: %d vs %d", len(s1.Finalized()), len(s2.Finalized()))
	}
	if len(s1.Submitted()) != len(s2.Submitted()) {
		t.Fatalf("submitted count diverged across replays: %d vs %d", len(s1.Submitted()), len(s2.Submitted()))
	}
}

func TestReplay_ReceivedUtxosAddsToAvailableSet(t *testing.T) {
	recorder := &MemoryRecorder{}
	ctx := context.Background()
	u := sampleUTXO(0x01, 0, 100_000)
	recorder.RecordReceivedUtxos(ctx, models.Account{Owner: "minter"}, []models.UTXO{u})

	s := applySequence(recorder.Snapshot())

	if s.AvailableUTXOs().Len() != 1 {
		t.Fatalf("AvailableUTXOs().Len() = %d, want 1", s.AvailableUTXOs().Len())
	}
}

func TestReplay_SentThenConfirmedEndsWithFinalizedRequestAndNoSubmittedEntry(t *testing.T) {
	recorder := &MemoryRecorder{}
	recordSampleSequence(recorder)

	s := applySequence(recorder.Snapshot())

	if len(s.Submitted()) != 0 {
		t.Fatalf("Submitted() = %+v, want empty after the confirmation event replays", s.Submitted())
	}
	finalized := s.Finalized()
	if len(finalized) != 1 {
		t.Fatalf("Finalized() = %+v, want exactly one confirmed request", finalized)
	}
	if finalized[0].State != models.FinalizedConfirmed {
		t.Fatalf("Finalized()[0].State = %v, want FinalizedConfirmed", finalized[0].State)
	}
	if finalized[0].Request.BlockIndex != 1 {
		t.Fatalf("Finalized()[0].Request.BlockIndex = %d, want 1", finalized[0].Request.BlockIndex)
	}
	// The spent UTXO must have been forgotten: it was removed from available
	// both by reservation-at-send-time bookkeeping in a live run and, on
	// replay, by the Sent event handler directly.
	if s.AvailableUTXOs().Len() != 0 {
		t.Fatalf("AvailableUTXOs().Len() = %d, want 0 (spent UTXO forgotten)", s.AvailableUTXOs().Len())
	}
}

func TestReplay_UnconfirmedSentTransactionStaysInSubmitted(t *testing.T) {
	recorder := &MemoryRecorder{}
	ctx := context.Background()
	u := sampleUTXO(0x01, 0, 100_000)
	recorder.RecordReceivedUtxos(ctx, models.Account{Owner: "minter"}, []models.UTXO{u})
	recorder.RecordSentBtcTransaction(ctx, models.SubmittedBtcTransaction{
		Txid:      chainhash.Hash{0xBB},
		Requests:  []models.RetrieveBtcRequest{{BlockIndex: 2}},
		UsedUTXOs: []models.UTXO{u},
	})

	s := applySequence(recorder.Snapshot())

	if len(s.Submitted()) != 1 {
		t.Fatalf("Submitted() = %+v, want one unconfirmed entry", s.Submitted())
	}
	if len(s.Finalized()) != 0 {
		t.Fatalf("Finalized() = %+v, want empty before confirmation", s.Finalized())
	}
}
