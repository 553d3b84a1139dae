package address

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/Fantasim/ckbtc-minter/internal/models"
)

func fixedMasterKey(t *testing.T) *MasterKey {
	t.Helper()
	seed := bytes.Repeat([]byte{0x07}, 32)
	_, pub := btcec.PrivKeyFromBytes(seed)
	var chainCode [32]byte
	copy(chainCode[:], bytes.Repeat([]byte{0x09}, 32))
	return &MasterKey{PublicKey: pub, ChainCode: chainCode}
}

func account(owner string, sub byte, hasSub bool) models.Account {
	a := models.Account{Owner: owner, HasSub: hasSub}
	if hasSub {
		a.Subaccount[0] = sub
	}
	return a
}

func TestChildPublicKey_DeterministicForSamePath(t *testing.T) {
	master := fixedMasterKey(t)
	path := DerivationPath(account("owner-a", 0, false))

	pub1, cc1, err := ChildPublicKey(master, path)
	if err != nil {
		t.Fatalf("ChildPublicKey() error = %v", err)
	}
	pub2, cc2, err := ChildPublicKey(master, path)
	if err != nil {
		t.Fatalf("ChildPublicKey() second call error = %v", err)
	}

	if !pub1.IsEqual(pub2) {
		t.Fatalf("ChildPublicKey() not deterministic: %x vs %x", pub1.SerializeCompressed(), pub2.SerializeCompressed())
	}
	if cc1 != cc2 {
		t.Fatalf("derived chain code not deterministic: %x vs %x", cc1, cc2)
	}
}

func TestChildPublicKey_DistinctOwnersYieldDistinctKeys(t *testing.T) {
	master := fixedMasterKey(t)

	pubA, _, err := ChildPublicKey(master, DerivationPath(account("owner-a", 0, false)))
	if err != nil {
		t.Fatalf("ChildPublicKey(owner-a) error = %v", err)
	}
	pubB, _, err := ChildPublicKey(master, DerivationPath(account("owner-b", 0, false)))
	if err != nil {
		t.Fatalf("ChildPublicKey(owner-b) error = %v", err)
	}

	if pubA.IsEqual(pubB) {
		t.Fatalf("distinct owners derived the same child public key")
	}
}

func TestChildPublicKey_DistinctSubaccountsYieldDistinctKeys(t *testing.T) {
	master := fixedMasterKey(t)

	pubDefault, _, err := ChildPublicKey(master, DerivationPath(account("owner-a", 0, false)))
	if err != nil {
		t.Fatalf("ChildPublicKey(default subaccount) error = %v", err)
	}
	pubSub, _, err := ChildPublicKey(master, DerivationPath(account("owner-a", 1, true)))
	if err != nil {
		t.Fatalf("ChildPublicKey(subaccount 1) error = %v", err)
	}

	if pubDefault.IsEqual(pubSub) {
		t.Fatalf("distinct subaccounts derived the same child public key")
	}
}

func TestChildAddress_DeterministicAndNetworkSpecific(t *testing.T) {
	master := fixedMasterKey(t)
	acc := account("owner-a", 0, false)

	testnetAddr, _, err := ChildAddress(master, acc, &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("ChildAddress(testnet) error = %v", err)
	}
	testnetAddr2, _, err := ChildAddress(master, acc, &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("ChildAddress(testnet) second call error = %v", err)
	}
	if testnetAddr != testnetAddr2 {
		t.Fatalf("ChildAddress() not deterministic: %q vs %q", testnetAddr, testnetAddr2)
	}

	mainnetAddr, _, err := ChildAddress(master, acc, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("ChildAddress(mainnet) error = %v", err)
	}
	if mainnetAddr == testnetAddr {
		t.Fatalf("mainnet and testnet addresses for the same account must differ, both = %q", mainnetAddr)
	}
	if mainnetAddr[:3] != "bc1" {
		t.Fatalf("mainnet P2WPKH address = %q, want bc1 prefix", mainnetAddr)
	}
	if testnetAddr[:3] != "tb1" {
		t.Fatalf("testnet P2WPKH address = %q, want tb1 prefix", testnetAddr)
	}
}

func TestNetworkParams_MapsAllThreeNetworks(t *testing.T) {
	if NetworkParams(models.NetworkMainnet).Net != chaincfg.MainNetParams.Net {
		t.Fatalf("NetworkParams(mainnet) mismatch")
	}
	if NetworkParams(models.NetworkRegtest).Net != chaincfg.RegressionNetParams.Net {
		t.Fatalf("NetworkParams(regtest) mismatch")
	}
	if NetworkParams(models.NetworkTestnet).Net != chaincfg.TestNet3Params.Net {
		t.Fatalf("NetworkParams(testnet) mismatch")
	}
}
