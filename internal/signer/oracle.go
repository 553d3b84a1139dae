// Package signer implements the per-input signing orchestrator described in
// spec §4.4: derive the owning account's child key, compute its sighash,
// call out to a signing oracle, and assemble the fully witnessed
// transaction. The oracle itself is abstracted behind an interface so the
// same orchestrator drives both a local development key and a remote
// threshold-ECDSA service.
package signer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"

	"github.com/Fantasim/ckbtc-minter/internal/address"
	"github.com/Fantasim/ckbtc-minter/internal/models"
	"github.com/Fantasim/ckbtc-minter/internal/txcodec"
)

// Oracle is the signing service client interface (spec §6): it signs a
// 32-byte digest at a derivation path under a named key, and can return the
// master public key for that name.
type Oracle interface {
	SignWithECDSA(ctx context.Context, keyName string, derivationPath [][]byte, digest [32]byte) ([]byte, error)
	ECDSAPublicKey(ctx context.Context, keyName string, derivationPath [][]byte) (models.ECDSAPublicKey, error)
}

// AccountLookup resolves the account that owns a given outpoint. The
// orchestrator panics if an outpoint has no mapping: that indicates the
// caller queued a UTXO the minter never recorded as belonging to anyone,
// which is a programming bug, not a runtime condition (spec §4.4 step 1).
type AccountLookup func(op wire.OutPoint) (models.Account, bool)

// Orchestrator signs an unsigned transaction input by input, sequentially,
// to bound concurrent use of the oracle's rate-limited quota.
type Orchestrator struct {
	Oracle    Oracle
	KeyName   string
	NetParams *chaincfg.Params
}

// Sign produces a fully witnessed wire.MsgTx from unsigned, using master to
// derive each input's owning public key and lookupAccount to find which
// account owns each spent outpoint. Any oracle failure aborts the whole
// transaction; no partial witness data is ever returned.
func (o *Orchestrator) Sign(
	ctx context.Context,
	unsigned *txcodec.UnsignedTransaction,
	master *address.MasterKey,
	lookupAccount AccountLookup,
) (*wire.MsgTx, error) {
	tx := unsigned.ToMsgTx()
	hasher := txcodec.NewSigHasher(tx, unsigned)

	for i, in := range unsigned.Inputs {
		account, ok := lookupAccount(in.PreviousOutPoint)
		if !ok {
			panic(fmt.Sprintf("signer: no account mapping for outpoint %s:%d", in.PreviousOutPoint.Hash, in.PreviousOutPoint.Index))
		}

		path := address.DerivationPath(account)

		childPub, _, err := address.ChildPublicKey(master, path)
		if err != nil {
			return nil, fmt.Errorf("derive child key for input %d: %w", i, err)
		}

		sighash, err := hasher.Sighash(i)
		if err != nil {
			return nil, fmt.Errorf("compute sighash for input %d: %w", i, err)
		}

		compactSig, err := o.Oracle.SignWithECDSA(ctx, o.KeyName, path, sighash)
		if err != nil {
			return nil, fmt.Errorf("sign input %d via oracle: %w", i, err)
		}

		witness, err := assembleWitness(compactSig, childPub)
		if err != nil {
			return nil, fmt.Errorf("assemble witness for input %d: %w", i, err)
		}

		tx.TxIn[i].Witness = witness

		slog.Debug("signed transaction input", "index", i, "owner", account.Owner)
	}

	return tx, nil
}

// assembleWitness turns a 64-byte compact (r||s) signature and the signing
// public key into the two-element P2WPKH witness stack: a low-S normalized
// DER signature with the trailing SIGHASH_ALL byte, then the compressed
// pubkey.
func assembleWitness(compactSig []byte, pub *btcec.PublicKey) (wire.TxWitness, error) {
	if len(compactSig) != 64 {
		return nil, fmt.Errorf("oracle returned %d-byte signature, want 64", len(compactSig))
	}

	r := new(btcec.ModNScalar)
	r.SetByteSlice(compactSig[:32])
	s := new(btcec.ModNScalar)
	s.SetByteSlice(compactSig[32:])
	if s.IsOverHalfOrder() {
		s.Negate()
	}

	sig := ecdsa.NewSignature(r, s)
	der := sig.Serialize()

	sigWithHashType := make([]byte, 0, len(der)+1)
	sigWithHashType = append(sigWithHashType, der...)
	sigWithHashType = append(sigWithHashType, byte(0x01)) // SIGHASH_ALL

	return wire.TxWitness{sigWithHashType, pub.SerializeCompressed()}, nil
}
