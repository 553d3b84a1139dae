// Package builder implements the fee/change-aware unsigned transaction
// builder: selects coins, emits a change output when warranted, estimates
// fee from a fake-signed vsize, and distributes the fee fairly across
// recipient outputs.
package builder

import (
	"fmt"
	"log/slog"

	"github.com/btcsuite/btcd/wire"

	"github.com/Fantasim/ckbtc-minter/internal/config"
	"github.com/Fantasim/ckbtc-minter/internal/models"
	"github.com/Fantasim/ckbtc-minter/internal/selector"
	"github.com/Fantasim/ckbtc-minter/internal/txcodec"
)

// RecipientOutput is one requested payment to an external address.
type RecipientOutput struct {
	PkScript []byte
	Amount   int64
}

// Result is the outcome of a successful Build call.
type Result struct {
	Unsigned     txcodec.UnsignedTransaction
	ChangeOutput *models.ChangeOutput
	UsedUTXOs    []models.UTXO
	Fee          int64
}

// Build constructs an unsigned transaction paying outputs, selecting coins
// from available (which is mutated: selected UTXOs are removed; on any
// failure path available is left byte-identical to its pre-call state), and
// returning change to mainPkScript when warranted. feePerVByteMillisat is
// the fee rate, in millisatoshi per vbyte, to apply.
//
// outputs must be non-empty; an empty slice is a caller (programming) error.
func Build(
	available *selector.Set,
	outputs []RecipientOutput,
	mainPkScript []byte,
	feePerVByteMillisat int64,
	prevOutScript func(models.OutPoint) ([]byte, error),
) (*Result, error) {
	if len(outputs) == 0 {
		panic("builder.Build: outputs must be non-empty")
	}

	var amount int64
	for _, o := range outputs {
		amount += o.Amount
	}

	selected := selector.Select(available, amount)
	if len(selected) == 0 {
		return nil, config.ErrNotEnoughFunds
	}

	var inputsValue int64
	for _, u := range selected {
		inputsValue += u.Value
	}
	change := inputsValue - amount

	unsigned := txcodec.UnsignedTransaction{}
	for _, u := range selected {
		pkScript, err := prevOutScript(u.OutPoint)
		if err != nil {
			restore(available, selected)
			return nil, fmt.Errorf("look up prevout script: %w", err)
		}
		unsigned.Inputs = append(unsigned.Inputs, txcodec.Input{
			PreviousOutPoint: toWireOutPoint(u.OutPoint),
			Value:            u.Value,
			PkScript:         pkScript,
		})
	}

	recipients := make([]int64, len(outputs))
	for i, o := range outputs {
		recipients[i] = o.Amount
		unsigned.Outputs = append(unsigned.Outputs, txcodec.Output{
			Value:    o.Amount,
			PkScript: o.PkScript,
		})
	}

	var changeOut *models.ChangeOutput
	var overdraft int64
	if change > 0 {
		changeValue := change
		if changeValue < config.MinChange {
			overdraft = config.MinChange - changeValue
			changeValue = config.MinChange
		}
		vout := uint32(len(outputs))
		changeOut = &models.ChangeOutput{Vout: vout, Value: changeValue}
		unsigned.Outputs = append(unsigned.Outputs, txcodec.Output{
			Value:    changeValue,
			PkScript: mainPkScript,
		})
	}

	tx := unsigned.ToMsgTx()
	txcodec.FakeSign(tx)
	vsize := txcodec.Vsize(tx)
	fee := int64(vsize) * feePerVByteMillisat / 1000

	if fee > amount {
		restore(available, selected)
		return nil, config.ErrAmountTooLow
	}

	shares := Distribute(fee+overdraft, len(outputs))
	for i := range recipients {
		recipients[i] = saturatingSub(recipients[i], shares[i])
		unsigned.Outputs[i].Value = recipients[i]
	}

	var outTotal int64
	for _, v := range recipients {
		outTotal += v
	}
	if changeOut != nil {
		outTotal += changeOut.Value
	}
	if outTotal+fee != inputsValue {
		slog.Error("fee/change builder postcondition violated",
			"inputsValue", inputsValue, "fee", fee, "outputsTotal", outTotal)
	}

	for i, v := range recipients {
		if v == 0 {
			slog.Error("recipient output reduced to zero value by fee distribution",
				"index", i, "requestedAmount", outputs[i].Amount, "feeShare", shares[i])
		}
	}

	return &Result{
		Unsigned:     unsigned,
		ChangeOutput: changeOut,
		UsedUTXOs:    selected,
		Fee:          fee,
	}, nil
}

// Distribute splits amount fairly across n shares: each share is amount/n,
// and the first amount%n shares receive one extra unit, so the largest
// shares come first and no two shares differ by more than 1 (spec §4.2, P5).
func Distribute(amount int64, n int) []int64 {
	if n <= 0 {
		panic("builder.Distribute: n must be > 0")
	}
	shares := make([]int64, n)
	base := amount / int64(n)
	remainder := amount % int64(n)
	for i := range shares {
		shares[i] = base
		if int64(i) < remainder {
			shares[i]++
		}
	}
	return shares
}

func saturatingSub(a, b int64) int64 {
	if b >= a {
		return 0
	}
	return a - b
}

func restore(available *selector.Set, utxos []models.UTXO) {
	for _, u := range utxos {
		available.Add(u)
	}
}

func toWireOutPoint(op models.OutPoint) wire.OutPoint {
	return wire.OutPoint{Hash: op.Txid, Index: op.Vout}
}
