package builder

import (
	"bytes"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/Fantasim/ckbtc-minter/internal/config"
	"github.com/Fantasim/ckbtc-minter/internal/models"
	"github.com/Fantasim/ckbtc-minter/internal/selector"
)

func p2wpkhScript(fill byte) []byte {
	return append([]byte{0x00, 0x14}, bytes.Repeat([]byte{fill}, 20)...)
}

func utxo(lastTxidByte byte, vout uint32, value int64) models.UTXO {
	var h chainhash.Hash
	h[0] = lastTxidByte
	return models.UTXO{OutPoint: models.OutPoint{Txid: h, Vout: vout}, Value: value}
}

func alwaysScript(script []byte) func(models.OutPoint) ([]byte, error) {
	return func(models.OutPoint) ([]byte, error) { return script, nil }
}

func TestBuild_SimplePaymentProducesChangeBalancingInputsAndOutputs(t *testing.T) {
	available := selector.NewSet([]models.UTXO{utxo(1, 0, 100_000)})
	mainScript := p2wpkhScript(0xAA)
	recipientScript := p2wpkhScript(0xBB)

	result, err := Build(
		available,
		[]RecipientOutput{{PkScript: recipientScript, Amount: 50_000}},
		mainScript,
		1_000, // 1 sat/vbyte
		alwaysScript(mainScript),
	)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if result.ChangeOutput == nil {
		t.Fatalf("expected a change output, got none")
	}
	if len(result.UsedUTXOs) != 1 || result.UsedUTXOs[0].Value != 100_000 {
		t.Fatalf("UsedUTXOs = %+v, want the single 100_000 UTXO", result.UsedUTXOs)
	}

	// Every satoshi must be accounted for: recipient outputs + change + fee
	// must equal the total input value (spec §4.2 postcondition).
	var outTotal int64
	for _, o := range result.Unsigned.Outputs[:1] {
		outTotal += o.Value
	}
	outTotal += result.ChangeOutput.Value
	if outTotal+result.Fee != 100_000 {
		t.Fatalf("outputs(%d) + fee(%d) = %d, want 100_000", outTotal, result.Fee, outTotal+result.Fee)
	}

	if available.Len() != 0 {
		t.Fatalf("available.Len() = %d, want 0 (the only UTXO was spent)", available.Len())
	}
}

func TestBuild_ChangeBelowMinimumIsBumpedAndOverdraftChargedToRecipient(t *testing.T) {
	// Craft inputs so the natural change is below config.MinChange: the
	// builder must bump change up to MinChange and recover the difference
	// from the recipient output, never by creating a sub-dust change output.
	available := selector.NewSet([]models.UTXO{utxo(1, 0, 50_100)})
	mainScript := p2wpkhScript(0xAA)
	recipientScript := p2wpkhScript(0xBB)

	result, err := Build(
		available,
		[]RecipientOutput{{PkScript: recipientScript, Amount: 50_000}},
		mainScript,
		0, // zero fee rate isolates the overdraft behavior
		alwaysScript(mainScript),
	)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if result.ChangeOutput == nil {
		t.Fatalf("expected a change output")
	}
	if result.ChangeOutput.Value < config.MinChange {
		t.Fatalf("ChangeOutput.Value = %d, want >= MinChange (%d)", result.ChangeOutput.Value, config.MinChange)
	}
	if result.Unsigned.Outputs[0].Value >= 50_000 {
		t.Fatalf("recipient output = %d, want reduced below requested 50_000 to cover the overdraft", result.Unsigned.Outputs[0].Value)
	}
}

func TestBuild_FeeExceedingAmountReturnsAmountTooLowAndRestoresAvailable(t *testing.T) {
	available := selector.NewSet([]models.UTXO{utxo(1, 0, 1_000_000)})
	mainScript := p2wpkhScript(0xAA)
	recipientScript := p2wpkhScript(0xBB)

	_, err := Build(
		available,
		[]RecipientOutput{{PkScript: recipientScript, Amount: 10}},
		mainScript,
		1_000_000_000, // absurd fee rate forces fee > amount
		alwaysScript(mainScript),
	)
	if !errors.Is(err, config.ErrAmountTooLow) {
		t.Fatalf("Build() error = %v, want ErrAmountTooLow", err)
	}
	if available.Len() != 1 || available.Total() != 1_000_000 {
		t.Fatalf("available set not restored: Len()=%d Total()=%d", available.Len(), available.Total())
	}
}

func TestBuild_InsufficientFundsReturnsNotEnoughFundsAndLeavesAvailableUntouched(t *testing.T) {
	available := selector.NewSet([]models.UTXO{utxo(1, 0, 100)})
	mainScript := p2wpkhScript(0xAA)
	recipientScript := p2wpkhScript(0xBB)

	_, err := Build(
		available,
		[]RecipientOutput{{PkScript: recipientScript, Amount: 1_000_000}},
		mainScript,
		1_000,
		alwaysScript(mainScript),
	)
	if !errors.Is(err, config.ErrNotEnoughFunds) {
		t.Fatalf("Build() error = %v, want ErrNotEnoughFunds", err)
	}
	if available.Len() != 1 || available.Total() != 100 {
		t.Fatalf("available set mutated despite failure: Len()=%d Total()=%d", available.Len(), available.Total())
	}
}

func TestBuild_PanicsOnEmptyOutputs(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("Build() with no outputs should panic")
		}
	}()
	available := selector.NewSet([]models.UTXO{utxo(1, 0, 100_000)})
	Build(available, nil, p2wpkhScript(0xAA), 1_000, alwaysScript(p2wpkhScript(0xAA)))
}

func TestDistribute_FairShareNoTwoSharesDifferByMoreThanOne(t *testing.T) {
	shares := Distribute(103, 10)
	if len(shares) != 10 {
		t.Fatalf("Distribute() returned %d shares, want 10", len(shares))
	}

	var total int64
	min, max := shares[0], shares[0]
	for _, s := range shares {
		total += s
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	if total != 103 {
		t.Fatalf("Distribute() shares sum to %d, want 103", total)
	}
	if max-min > 1 {
		t.Fatalf("Distribute() shares span [%d, %d], want to differ by at most 1", min, max)
	}
	// Largest shares come first (the first amount%n shares get the extra unit).
	for i := 1; i < len(shares); i++ {
		if shares[i] > shares[i-1] {
			t.Fatalf("Distribute() shares not front-loaded: shares[%d]=%d > shares[%d]=%d", i, shares[i], i-1, shares[i-1])
		}
	}
}

func TestDistribute_ExactDivisionGivesEqualShares(t *testing.T) {
	shares := Distribute(100, 4)
	for _, s := range shares {
		if s != 25 {
			t.Fatalf("Distribute(100, 4) = %v, want all shares == 25", shares)
		}
	}
}

func TestDistribute_PanicsOnNonPositiveN(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("Distribute() with n=0 should panic")
		}
	}()
	Distribute(100, 0)
}
