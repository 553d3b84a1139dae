// Package txcodec implements the Bitcoin P2WPKH wire format used by the
// settlement engine: building unsigned transactions, computing the BIP-143
// segwit sighash for each input with the standard hash caching, measuring
// vsize, and producing the canonical fake signature used for fee estimation.
package txcodec

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/Fantasim/ckbtc-minter/internal/config"
)

// Input mirrors a single transaction input together with the data needed to
// sign it: the previous output's value and P2WPKH script (required by the
// BIP-143 sighash, which binds the spent value into the digest).
type Input struct {
	PreviousOutPoint wire.OutPoint
	Value            int64
	PkScript         []byte // the P2WPKH scriptPubKey of the output being spent
}

// Output is a single transaction output.
type Output struct {
	Value    int64
	PkScript []byte
}

// UnsignedTransaction is a tentative transaction plus the input metadata
// (value, pkScript) the signer and vsize estimator both need, which
// wire.MsgTx alone does not carry.
type UnsignedTransaction struct {
	Inputs  []Input
	Outputs []Output
	// LockTime is always 0 per the wire format contract.
}

// ToMsgTx renders the transaction into a wire.MsgTx with RBF-signalling
// sequence numbers and empty scriptSig/witness (caller signs afterward).
func (u *UnsignedTransaction) ToMsgTx() *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	for _, in := range u.Inputs {
		txIn := wire.NewTxIn(&in.PreviousOutPoint, nil, nil)
		txIn.Sequence = config.SequenceRBFEnabled
		tx.AddTxIn(txIn)
	}
	for _, out := range u.Outputs {
		tx.AddTxOut(wire.NewTxOut(out.Value, out.PkScript))
	}
	return tx
}

// prevOutFetcher builds a txscript.PrevOutputFetcher over the unsigned
// transaction's declared input values/scripts, used for both real signing
// and vsize fake-signing so hashPrevouts/hashSequence/hashOutputs are
// computed identically in both paths.
func (u *UnsignedTransaction) prevOutFetcher() *txscript.MultiPrevOutFetcher {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, in := range u.Inputs {
		fetcher.AddPrevOut(in.PreviousOutPoint, &wire.TxOut{
			Value:    in.Value,
			PkScript: in.PkScript,
		})
	}
	return fetcher
}

// SigHasher computes the BIP-143 sighash for each input of a transaction,
// caching hashPrevouts/hashSequence/hashOutputs across calls as required by
// spec for a single signing pass.
type SigHasher struct {
	tx     *wire.MsgTx
	hashes *txscript.TxSigHashes
	inputs []Input
}

// NewSigHasher constructs a cached sighash calculator for tx.
func NewSigHasher(tx *wire.MsgTx, u *UnsignedTransaction) *SigHasher {
	fetcher := u.prevOutFetcher()
	return &SigHasher{
		tx:     tx,
		hashes: txscript.NewTxSigHashes(tx, fetcher),
		inputs: u.Inputs,
	}
}

// Sighash returns the 32-byte BIP-143 SIGHASH_ALL digest for input index i.
func (h *SigHasher) Sighash(i int) ([32]byte, error) {
	if i < 0 || i >= len(h.inputs) {
		return [32]byte{}, fmt.Errorf("sighash: input index %d out of range", i)
	}
	in := h.inputs[i]
	witnessScript := p2wpkhSigScript(in.PkScript)
	digest, err := txscript.CalcWitnessSigHash(witnessScript, h.hashes, txscript.SigHashAll, h.tx, i, in.Value)
	if err != nil {
		return [32]byte{}, fmt.Errorf("compute sighash for input %d: %w", i, err)
	}
	var out [32]byte
	copy(out[:], digest)
	return out, nil
}

// p2wpkhSigScript returns the legacy-style scriptCode substituted for a
// P2WPKH witness program when computing the BIP-143 sighash, per BIP-143:
// OP_DUP OP_HASH160 <pubKeyHash> OP_EQUALVERIFY OP_CHECKSIG.
func p2wpkhSigScript(witnessProgramScript []byte) []byte {
	// witnessProgramScript is OP_0 <20-byte hash>; the hash is the last 20 bytes.
	hash := witnessProgramScript[len(witnessProgramScript)-20:]
	script, _ := txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(hash).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()
	return script
}

// Txid returns the double-SHA-256 of the legacy (witness-stripped)
// serialization, as the wire format dictates (spec §4.3).
func Txid(tx *wire.MsgTx) chainhash.Hash {
	return tx.TxHash()
}

// Vsize returns the witness-discounted virtual size of a fully-witnessed
// transaction: ceil((3*strippedSize + totalSize) / 4).
func Vsize(tx *wire.MsgTx) int {
	strippedSize := tx.SerializeSizeStripped()
	totalSize := tx.SerializeSize()
	weight := strippedSize*3 + totalSize
	return (weight + 3) / 4
}

// FakeSign attaches a canonical-length placeholder witness to every input of
// tx so Vsize(tx) matches the vsize of a genuinely signed transaction of the
// same shape (spec §4.3): a 71-byte DER signature + SIGHASH_ALL byte, and a
// 33-byte zeroed compressed pubkey.
func FakeSign(tx *wire.MsgTx) {
	sig := make([]byte, config.FakeSignatureDERLen+config.SighashFlagLen)
	pubKey := make([]byte, config.CompressedPubKeyLen)
	for _, in := range tx.TxIn {
		in.Witness = wire.TxWitness{sig, pubKey}
	}
}

// Serialize returns the full wire-format bytes (including witness data,
// marker/flag present whenever any input carries a witness).
func Serialize(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serialize transaction: %w", err)
	}
	return buf.Bytes(), nil
}
