// Package address implements BIP32-style non-hardened public-key derivation
// over the minter's master ECDSA key, and the mapping from a derived child
// key to a P2WPKH Bitcoin address.
//
// Unlike wallet-style derivation (a fixed path of uint32 indices), the
// minter derives one child key per account, where the path components are
// the account's own identity: a domain tag, the owner principal bytes, and
// the subaccount bytes. This lets every (owner, subaccount) pair own a
// distinct address without pre-allocating an index space.
package address

import (
	"crypto/hmac"
	"crypto/sha512"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/Fantasim/ckbtc-minter/internal/config"
	"github.com/Fantasim/ckbtc-minter/internal/models"
)

// MasterKey holds the compressed public key and chain code the minter
// received once from the signing oracle.
type MasterKey struct {
	PublicKey *btcec.PublicKey
	ChainCode [32]byte
}

// NewMasterKey parses the oracle's raw public key/chain-code response.
func NewMasterKey(pub models.ECDSAPublicKey) (*MasterKey, error) {
	pk, err := btcec.ParsePubKey(pub.PublicKey[:])
	if err != nil {
		return nil, fmt.Errorf("parse master public key: %w", err)
	}
	return &MasterKey{PublicKey: pk, ChainCode: pub.ChainCode}, nil
}

// DerivationPath returns the path components for an account, per spec §4.4:
// [domain_tag, owner_bytes, subaccount_bytes].
func DerivationPath(account models.Account) [][]byte {
	owner := []byte(account.Owner)
	sub := make([]byte, 32)
	if account.HasSub {
		copy(sub, account.Subaccount[:])
	}
	return [][]byte{config.DomainTag, owner, sub}
}

// ChildPublicKey walks a sequence of non-hardened BIP32 derivation steps
// starting from master, where each step's "index" is an arbitrary byte
// string rather than a uint32. This generalizes the standard BIP32
// non-hardened child derivation:
//
//	I = HMAC-SHA512(chainCode, serializedParentPubKey || pathComponent)
//	IL, IR = I[:32], I[32:]
//	childPub = parentPub + IL*G
//	childChainCode = IR
//
// Non-hardened derivation requires only the parent's public key, which is
// what makes it suitable for deriving addresses from a master key whose
// private key never leaves the signing oracle.
func ChildPublicKey(master *MasterKey, path [][]byte) (*btcec.PublicKey, [32]byte, error) {
	pub := master.PublicKey
	chainCode := master.ChainCode

	for _, component := range path {
		mac := hmac.New(sha512.New, chainCode[:])
		mac.Write(pub.SerializeCompressed())
		mac.Write(component)
		i := mac.Sum(nil)

		var il [32]byte
		copy(il[:], i[:32])
		copy(chainCode[:], i[32:])

		tweak := new(big.Int).SetBytes(il[:])
		if tweak.Cmp(btcec.S256().N) >= 0 {
			return nil, [32]byte{}, fmt.Errorf("derive child key: tweak out of range (probability ~0, retry with a different path)")
		}

		tx, ty := btcec.S256().ScalarBaseMult(il[:])
		x, y := btcec.S256().Add(pub.X(), pub.Y(), tx, ty)
		if x.Sign() == 0 && y.Sign() == 0 {
			return nil, [32]byte{}, fmt.Errorf("derive child key: point at infinity (probability ~0, retry with a different path)")
		}

		var err error
		pub, err = pointToPubKey(x, y)
		if err != nil {
			return nil, [32]byte{}, fmt.Errorf("derive child key: %w", err)
		}
	}

	return pub, chainCode, nil
}

func pointToPubKey(x, y *big.Int) (*btcec.PublicKey, error) {
	var fx, fy btcec.FieldVal
	fx.SetByteSlice(x.Bytes())
	fy.SetByteSlice(y.Bytes())
	return btcec.NewPublicKey(&fx, &fy), nil
}

// ChildAddress derives the account's public key and returns its P2WPKH
// bech32 address for the given network.
func ChildAddress(master *MasterKey, account models.Account, net *chaincfg.Params) (string, [20]byte, error) {
	pub, _, err := ChildPublicKey(master, DerivationPath(account))
	if err != nil {
		return "", [20]byte{}, err
	}

	hash160 := btcutil.Hash160(pub.SerializeCompressed())
	var h [20]byte
	copy(h[:], hash160)

	addr, err := btcutil.NewAddressWitnessPubKeyHash(hash160, net)
	if err != nil {
		return "", [20]byte{}, fmt.Errorf("encode P2WPKH address: %w", err)
	}
	return addr.EncodeAddress(), h, nil
}

// NetworkParams returns the chaincfg.Params for the given network mode.
func NetworkParams(network models.Network) *chaincfg.Params {
	switch network {
	case models.NetworkMainnet:
		return &chaincfg.MainNetParams
	case models.NetworkRegtest:
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.TestNet3Params
	}
}
