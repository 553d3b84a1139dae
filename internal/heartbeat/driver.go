// Package heartbeat implements the single-active periodic tick that drives
// the settlement engine: submit pending requests, then check submitted
// transactions for finalization (spec §4.6). A scoped Guard ensures at most
// one tick runs at a time.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/Fantasim/ckbtc-minter/internal/address"
	"github.com/Fantasim/ckbtc-minter/internal/bitcoin"
	"github.com/Fantasim/ckbtc-minter/internal/builder"
	"github.com/Fantasim/ckbtc-minter/internal/config"
	"github.com/Fantasim/ckbtc-minter/internal/eventlog"
	"github.com/Fantasim/ckbtc-minter/internal/models"
	"github.com/Fantasim/ckbtc-minter/internal/selector"
	"github.com/Fantasim/ckbtc-minter/internal/signer"
	"github.com/Fantasim/ckbtc-minter/internal/state"
	"github.com/Fantasim/ckbtc-minter/internal/txcodec"
)

// Guard is a process-wide single-flight flag: at most one heartbeat tick
// runs at a time. If a tick is already running, Acquire reports false and
// the caller must skip the tick entirely (it is a no-op, not an error). The
// guard is released on every exit path, including a panicking tick, via
// defer.
type Guard struct {
	running atomic.Bool
}

// Acquire attempts to start a tick. Call Release (typically via defer) once
// the tick completes, whether it succeeded, failed, or panicked.
func (g *Guard) Acquire() bool {
	return g.running.CompareAndSwap(false, true)
}

// Release clears the guard, permitting the next tick to run.
func (g *Guard) Release() {
	g.running.Store(false)
}

// Driver wires together state, the Bitcoin facade, the signing oracle, and
// the event recorder to execute one heartbeat tick.
type Driver struct {
	State        *state.State
	Facade       bitcoin.Facade
	Oracle       signer.Oracle
	Recorder     eventlog.Recorder
	BatchMinSize int
	BatchMaxSize int
	Now          func() int64 // nanoseconds; injected for deterministic tests
}

// mainAccount is the minter's own account, whose address collects change and
// whose UTXOs fund settlement.
var mainAccount = models.Account{Owner: "minter"}

// Tick acquires the guard and runs submit-then-finalize once. If the guard
// is already held, Tick is a no-op.
func (d *Driver) Tick(ctx context.Context, guard *Guard) {
	if !guard.Acquire() {
		slog.Debug("heartbeat tick skipped: previous tick still running")
		return
	}
	defer guard.Release()

	d.submitPendingRequests(ctx)
	d.finalizeRequests(ctx)
}

func (d *Driver) submitPendingRequests(ctx context.Context) {
	var pendingLen int
	var canForm bool
	var network models.Network
	var minConfirmations uint32
	var keyName string

	d.State.ReadState(func(s *state.MinterState) {
		pendingLen = len(s.Pending())
		network = s.BTCNetwork
		minConfirmations = s.MinConfirmations
		keyName = s.ECDSAKeyName
		canForm = state.CanFormBatch(s.Pending(), d.BatchMinSize, d.Now(), batchingDeadline(network, minConfirmations))
	})

	if pendingLen == 0 || !canForm {
		return
	}

	master, err := d.loadMasterKey(ctx, keyName, network)
	if err != nil {
		slog.Error("settlement aborted: missing ecdsa public key", "error", err)
		return
	}

	netParams := address.NetworkParams(network)
	mainAddr, _, err := address.ChildAddress(master, mainAccount, netParams)
	if err != nil {
		slog.Error("failed to derive minter main address", "error", err)
		return
	}
	mainPkScript, err := addressToPkScript(mainAddr, netParams)
	if err != nil {
		slog.Error("failed to build main address script", "error", err)
		return
	}

	feeMillisat, ok := d.estimateFee(ctx, network)
	if !ok {
		slog.Debug("fee estimate unavailable, deferring settlement")
		return
	}

	if err := d.refreshMainUTXOs(ctx, network, mainAddr, minConfirmations); err != nil {
		slog.Warn("failed to refresh main address UTXOs, continuing with known set", "error", err)
	}

	var batch []models.RetrieveBtcRequest
	var result *builder.Result
	var buildErr error
	var prevOutLookup func(models.OutPoint) ([]byte, error)

	d.State.MutateState(func(s *state.MinterState) {
		var remaining []models.RetrieveBtcRequest
		batch, remaining = state.BuildBatch(s.Pending(), d.BatchMaxSize)
		if len(batch) == 0 {
			return
		}
		// Drain the batch out of pending immediately: every downstream path
		// (success, AmountTooLow, NotEnoughFunds, or an unexpected error)
		// decides on its own where the batch's requests end up next, and
		// none of them expect to find the same requests still sitting in
		// pending.
		s.ReplacePending(remaining)

		outputs := make([]builder.RecipientOutput, len(batch))
		for i, r := range batch {
			pkScript, err := addressToPkScript(r.Address, netParams)
			if err != nil {
				buildErr = fmt.Errorf("parse recipient address for block index %d: %w", r.BlockIndex, err)
				return
			}
			outputs[i] = builder.RecipientOutput{PkScript: pkScript, Amount: r.Amount}
		}

		// Every spendable UTXO the minter tracks belongs to its own main
		// address, so the prevout script for any selected input is always
		// the main address's own pkScript.
		prevOutLookup = func(models.OutPoint) ([]byte, error) {
			return mainPkScript, nil
		}

		// Build selects from a copy so that ReserveUTXOs below is what moves
		// the chosen UTXOs out of the live available set.
		candidates := selector.NewSet(s.AvailableUTXOs().Slice())
		result, buildErr = builder.Build(candidates, outputs, mainPkScript, feeMillisat, prevOutLookup)
		if buildErr != nil {
			return
		}

		if err := s.ReserveUTXOs(result.UsedUTXOs); err != nil {
			slog.Error("reserved UTXO already unavailable, invariant violated", "error", err)
			buildErr = err
			return
		}

		for _, r := range batch {
			s.PushInFlight(r.BlockIndex, models.InFlightStatus{Kind: models.InFlightSigning})
		}
	})

	if len(batch) == 0 {
		return
	}

	if buildErr == config.ErrAmountTooLow {
		d.State.MutateState(func(s *state.MinterState) {
			for _, r := range batch {
				s.PushFinalized(models.FinalizedBtcRetrieval{Request: r, State: models.FinalizedAmountTooLow})
			}
		})
		return
	}
	if buildErr == config.ErrNotEnoughFunds {
		d.State.MutateState(func(s *state.MinterState) {
			s.PushFromInFlightToPending(batch)
		})
		return
	}
	if buildErr != nil {
		slog.Error("unexpected error building settlement transaction", "error", buildErr)
		d.State.MutateState(func(s *state.MinterState) {
			if result != nil {
				if err := s.RestoreUTXOs(result.UsedUTXOs); err != nil {
					slog.Error("invariant violation restoring utxos", "error", err)
				}
			}
			s.PushFromInFlightToPending(batch)
		})
		return
	}

	orchestrator := &signer.Orchestrator{Oracle: d.Oracle, KeyName: keyName, NetParams: netParams}
	signedTx, err := orchestrator.Sign(ctx, &result.Unsigned, master, func(op wire.OutPoint) (models.Account, bool) {
		var acc models.Account
		var ok bool
		d.State.ReadState(func(s *state.MinterState) {
			acc, ok = s.AccountForOutpoint(op)
		})
		return acc, ok
	})
	if err != nil {
		slog.Warn("signing failed, undoing settlement attempt", "error", err)
		d.undoSignRequest(batch, result.UsedUTXOs)
		return
	}

	rawTx, err := txcodec.Serialize(signedTx)
	if err != nil {
		slog.Error("failed to serialize signed transaction", "error", err)
		d.undoSignRequest(batch, result.UsedUTXOs)
		return
	}

	txid := txcodec.Txid(signedTx)

	d.State.MutateState(func(s *state.MinterState) {
		for _, r := range batch {
			s.PushInFlight(r.BlockIndex, models.InFlightStatus{Kind: models.InFlightSending, Txid: txid})
		}
	})

	if err := d.Facade.SendTransaction(ctx, network, rawTx); err != nil {
		slog.Warn("broadcast failed, undoing settlement attempt", "error", err)
		d.undoSignRequest(batch, result.UsedUTXOs)
		return
	}

	submitted := models.SubmittedBtcTransaction{
		Txid:         txid,
		Requests:     batch,
		UsedUTXOs:    result.UsedUTXOs,
		ChangeOutput: result.ChangeOutput,
		SubmittedAt:  d.Now(),
	}

	d.Recorder.RecordSentBtcTransaction(ctx, submitted)

	d.State.MutateState(func(s *state.MinterState) {
		s.PushSubmitted(submitted)
	})
}

// undoSignRequest reinserts every reserved UTXO into available and restores
// the batch to the front of pending, per the spec §4.6 rollback path.
func (d *Driver) undoSignRequest(batch []models.RetrieveBtcRequest, usedUTXOs []models.UTXO) {
	d.State.MutateState(func(s *state.MinterState) {
		if err := s.RestoreUTXOs(usedUTXOs); err != nil {
			slog.Error("invariant violation restoring utxos", "error", err)
		}
		s.PushFromInFlightToPending(batch)
	})
}

func (d *Driver) finalizeRequests(ctx context.Context) {
	var submitted []models.SubmittedBtcTransaction
	var network models.Network
	var minConfirmations uint32
	var keyName string

	d.State.ReadState(func(s *state.MinterState) {
		submitted = append([]models.SubmittedBtcTransaction(nil), s.Submitted()...)
		network = s.BTCNetwork
		minConfirmations = s.MinConfirmations
		keyName = s.ECDSAKeyName
	})

	waitTime := finalizationTimeEstimate(minConfirmations, network)
	now := d.Now()

	for _, tx := range submitted {
		if now < tx.SubmittedAt+waitTime {
			continue // not sufficiently aged yet
		}
		if len(tx.UsedUTXOs) == 0 {
			continue
		}

		firstUTXO := tx.UsedUTXOs[0]

		var account models.Account
		var haveAccount bool
		d.State.ReadState(func(s *state.MinterState) {
			account, haveAccount = s.AccountForOutpoint(wire.OutPoint{Hash: firstUTXO.OutPoint.Txid, Index: firstUTXO.OutPoint.Vout})
		})
		if !haveAccount {
			// No account is recorded for the first used outpoint, so its
			// address cannot be checked; the transaction stays submitted and
			// is skipped on this tick.
			continue
		}

		master, err := d.loadMasterKey(ctx, keyName, network)
		if err != nil {
			continue
		}
		netParams := address.NetworkParams(network)
		addr, _, err := address.ChildAddress(master, account, netParams)
		if err != nil {
			slog.Warn("failed to derive address for finalization check", "error", err)
			continue
		}

		currentUTXOs, err := d.Facade.GetUTXOs(ctx, network, addr, minConfirmations)
		if err != nil {
			slog.Warn("failed to fetch UTXOs for finalization check", "error", err)
			continue
		}

		if utxoStillPresent(currentUTXOs, firstUTXO.OutPoint) {
			continue // not yet confirmed, retry next tick
		}

		d.Recorder.RecordConfirmedBtcTransaction(ctx, tx.Txid)

		d.State.MutateState(func(s *state.MinterState) {
			s.FinalizeTransaction(tx.Txid)
			for _, u := range tx.UsedUTXOs {
				s.ForgetUTXO(u.OutPoint)
			}
		})
	}
}

func utxoStillPresent(utxos []models.UTXO, op models.OutPoint) bool {
	for _, u := range utxos {
		if u.OutPoint == op {
			return true
		}
	}
	return false
}

// finalizationTimeEstimate returns minConfirmations times the network's
// expected block interval, in nanoseconds (spec §4.6). The corrected
// "sufficiently aged" predicate used by finalizeRequests is
// now >= submitted_at + waitTime.
func finalizationTimeEstimate(minConfirmations uint32, network models.Network) int64 {
	var interval int64
	switch network {
	case models.NetworkMainnet:
		interval = int64(config.MainnetBlockInterval)
	case models.NetworkRegtest:
		interval = int64(config.RegtestBlockInterval)
	default:
		interval = int64(config.TestnetBlockInterval)
	}
	return int64(minConfirmations) * interval
}

// batchingDeadline mirrors finalizationTimeEstimate: the reference
// implementation reuses it as the "waiting longer cannot save fees" bound
// (spec §4.5).
func batchingDeadline(network models.Network, minConfirmations uint32) int64 {
	return finalizationTimeEstimate(minConfirmations, network)
}

func (d *Driver) loadMasterKey(ctx context.Context, keyName string, network models.Network) (*address.MasterKey, error) {
	var pub models.ECDSAPublicKey
	var ok bool
	d.State.ReadState(func(s *state.MinterState) {
		pub, ok = s.ECDSAPublicKey()
	})
	if ok {
		return address.NewMasterKey(pub)
	}

	fetched, err := d.Oracle.ECDSAPublicKey(ctx, keyName, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", config.ErrMissingECDSAKey, err)
	}

	d.State.MutateState(func(s *state.MinterState) {
		s.SetECDSAPublicKey(fetched)
	})

	return address.NewMasterKey(fetched)
}

func (d *Driver) estimateFee(ctx context.Context, network models.Network) (int64, bool) {
	fees, err := d.Facade.GetCurrentFees(ctx, network)
	if err != nil {
		slog.Warn("fee estimate fetch failed", "error", err)
		return 0, false
	}
	return bitcoin.EstimateFeePerVByte(network, fees)
}

func (d *Driver) refreshMainUTXOs(ctx context.Context, network models.Network, mainAddr string, minConfirmations uint32) error {
	utxos, err := d.Facade.GetUTXOs(ctx, network, mainAddr, minConfirmations)
	if err != nil {
		return fmt.Errorf("%w: %s", config.ErrFacadeUnavailable, err)
	}

	d.Recorder.RecordReceivedUtxos(ctx, mainAccount, utxos)

	d.State.MutateState(func(s *state.MinterState) {
		s.AddUTXOs(mainAccount, utxos)
	})
	return nil
}

// addressToPkScript decodes a bech32 address and returns its scriptPubKey.
func addressToPkScript(addr string, netParams *chaincfg.Params) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(addr, netParams)
	if err != nil {
		return nil, fmt.Errorf("decode address %q: %w", addr, err)
	}
	script, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return nil, fmt.Errorf("build script for address %q: %w", addr, err)
	}
	return script, nil
}
