package signer

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/tyler-smith/go-bip39"

	"github.com/Fantasim/ckbtc-minter/internal/models"
)

// LocalOracle is a development stand-in for the threshold-ECDSA signing
// service: it derives a BIP-32 master key from a locally stored mnemonic and
// signs directly. It implements the same non-hardened byte-string-path
// derivation as internal/address so its signatures verify against the
// public keys the rest of the engine derives independently.
//
// The mnemonic is re-read and the seed re-derived on every call so secret
// material spends as little time resident in memory as possible.
type LocalOracle struct {
	MnemonicFile string
}

var _ Oracle = (*LocalOracle)(nil)

// ECDSAPublicKey returns the master public key and chain code derived from
// the configured mnemonic. keyName and derivationPath are accepted for
// interface conformance; LocalOracle has exactly one key.
func (o *LocalOracle) ECDSAPublicKey(_ context.Context, _ string, _ [][]byte) (models.ECDSAPublicKey, error) {
	master, err := o.masterKey()
	if err != nil {
		return models.ECDSAPublicKey{}, err
	}
	var pub models.ECDSAPublicKey
	copy(pub.PublicKey[:], master.pub.SerializeCompressed())
	pub.ChainCode = master.chainCode
	return pub, nil
}

// SignWithECDSA derives the private key at derivationPath from the local
// master key and signs digest, returning a 64-byte compact (r||s)
// signature.
func (o *LocalOracle) SignWithECDSA(_ context.Context, _ string, derivationPath [][]byte, digest [32]byte) ([]byte, error) {
	master, err := o.masterKey()
	if err != nil {
		return nil, err
	}

	priv, err := master.derivePrivate(derivationPath)
	if err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}
	defer priv.Zero()

	sig := ecdsa.Sign(priv, digest[:])
	r := sig.R()
	s := sig.S()
	rBytes := r.Bytes()
	sBytes := s.Bytes()

	out := make([]byte, 64)
	copy(out[:32], rBytes[:])
	copy(out[32:], sBytes[:])
	return out, nil
}

type localMaster struct {
	priv      *btcec.PrivateKey
	pub       *btcec.PublicKey
	chainCode [32]byte
}

func (o *LocalOracle) masterKey() (*localMaster, error) {
	if o.MnemonicFile == "" {
		return nil, fmt.Errorf("local signing oracle: no mnemonic file configured")
	}

	data, err := os.ReadFile(o.MnemonicFile)
	if err != nil {
		return nil, fmt.Errorf("read mnemonic file %q: %w", o.MnemonicFile, err)
	}
	mnemonic := strings.TrimSpace(string(data))
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("mnemonic file %q does not contain a valid BIP-39 mnemonic", o.MnemonicFile)
	}

	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return nil, fmt.Errorf("mnemonic to seed: %w", err)
	}

	mac := hmac.New(sha512.New, []byte("Bitcoin seed"))
	mac.Write(seed)
	i := mac.Sum(nil)

	priv, pub := btcec.PrivKeyFromBytes(i[:32])
	var chainCode [32]byte
	copy(chainCode[:], i[32:])

	slog.Debug("local signing oracle master key derived")

	return &localMaster{priv: priv, pub: pub, chainCode: chainCode}, nil
}

// derivePrivate walks the same non-hardened derivation steps as
// address.ChildPublicKey, but carrying the private scalar along so it can
// sign directly instead of calling out to an oracle.
func (m *localMaster) derivePrivate(path [][]byte) (*btcec.PrivateKey, error) {
	privScalar := new(big.Int).SetBytes(m.priv.Serialize())
	pub := m.pub
	chainCode := m.chainCode

	for _, component := range path {
		mac := hmac.New(sha512.New, chainCode[:])
		mac.Write(pub.SerializeCompressed())
		mac.Write(component)
		i := mac.Sum(nil)

		il := new(big.Int).SetBytes(i[:32])
		copy(chainCode[:], i[32:])

		if il.Cmp(btcec.S256().N) >= 0 {
			return nil, fmt.Errorf("derive child key: tweak out of range")
		}

		privScalar = new(big.Int).Add(privScalar, il)
		privScalar.Mod(privScalar, btcec.S256().N)
		if privScalar.Sign() == 0 {
			return nil, fmt.Errorf("derive child key: scalar reduced to zero")
		}

		childPriv, _ := btcec.PrivKeyFromBytes(leftPad32(privScalar.Bytes()))
		pub = childPriv.PubKey()
	}

	priv, _ := btcec.PrivKeyFromBytes(leftPad32(privScalar.Bytes()))
	return priv, nil
}

func leftPad32(b []byte) []byte {
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}
