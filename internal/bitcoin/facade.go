// Package bitcoin implements the Bitcoin network facade consumed by the
// settlement engine (spec §6): fetching UTXOs, reading current fee
// estimates, and broadcasting signed transactions, against
// Esplora-compatible HTTP APIs with provider rotation and rate limiting.
package bitcoin

import (
	"context"

	"github.com/Fantasim/ckbtc-minter/internal/config"
	"github.com/Fantasim/ckbtc-minter/internal/models"
)

// Facade is the interface the settlement engine consumes; it is
// deliberately narrow (spec §6) so heartbeat/builder logic can be tested
// against a fake without any network dependency.
type Facade interface {
	GetUTXOs(ctx context.Context, network models.Network, address string, minConfirmations uint32) ([]models.UTXO, error)
	GetCurrentFees(ctx context.Context, network models.Network) ([]int64, error) // millisat/vbyte, ascending
	SendTransaction(ctx context.Context, network models.Network, rawTx []byte) error
}

// EstimateFeePerVByte implements the policy of spec §4.7 on top of a raw
// sorted fee sample vector: regtest is always deterministic; otherwise, with
// at least 100 samples, the 50th-smallest sample (index 49), or unavailable.
func EstimateFeePerVByte(network models.Network, fees []int64) (int64, bool) {
	if network == models.NetworkRegtest {
		return config.RegtestDefaultFeeMillisatPerVByte, true
	}
	if len(fees) < config.FeeEstimateMinSamples {
		return 0, false
	}
	return fees[config.FeeEstimatePercentileIndex], true
}
