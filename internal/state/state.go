// Package state implements the settlement engine's single-owner in-memory
// state machine (spec §3, §4.5): pending/in-flight/submitted/finalized
// request bookkeeping, the available-UTXO set, and the account/outpoint
// cross-reference, all accessed exclusively through ReadState/MutateState
// scoped closures so that no caller ever holds a reference to state across a
// suspension point (a facade or oracle call).
package state

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/wire"

	"github.com/Fantasim/ckbtc-minter/internal/config"
	"github.com/Fantasim/ckbtc-minter/internal/models"
	"github.com/Fantasim/ckbtc-minter/internal/selector"
)

// MinterState holds every piece of process-wide mutable state the
// settlement engine touches. The bookkeeping fields are unexported; only
// MinConfirmations, BTCNetwork and ECDSAKeyName are exported. Access goes
// through the State wrapper's ReadState/MutateState methods.
type MinterState struct {
	availableUTXOs *selector.Set

	pending []models.RetrieveBtcRequest

	inFlight map[uint64]models.InFlightStatus

	submitted []models.SubmittedBtcTransaction

	finalized []models.FinalizedBtcRetrieval

	utxosStateAddresses map[string]map[string]models.UTXO // account key -> outpoint key -> UTXO
	outpointAccount     map[wire.OutPoint]models.Account

	ecdsaPublicKey *models.ECDSAPublicKey

	MinConfirmations uint32
	BTCNetwork       models.Network
	ECDSAKeyName     string
}

// New constructs an empty MinterState for the given network/key name.
func New(network models.Network, minConfirmations uint32, ecdsaKeyName string) *MinterState {
	return &MinterState{
		availableUTXOs:      selector.NewSet(nil),
		inFlight:            make(map[uint64]models.InFlightStatus),
		utxosStateAddresses: make(map[string]map[string]models.UTXO),
		outpointAccount:     make(map[wire.OutPoint]models.Account),
		MinConfirmations:    minConfirmations,
		BTCNetwork:          network,
		ECDSAKeyName:        ecdsaKeyName,
	}
}

// State is the process-wide singleton wrapper enforcing the
// read_state/mutate_state discipline: callers receive only the inner
// *MinterState for the duration of the callback, never past it, so it is
// structurally impossible to carry a state reference across a suspension
// point (the Go compiler can't enforce this the way a Rust borrow checker
// would, but the discipline is the same: never issue network I/O from
// inside the callback passed to ReadState/MutateState).
type State struct {
	mu    sync.Mutex
	inner *MinterState
}

// NewGuarded wraps a MinterState in the scoped-access discipline.
func NewGuarded(inner *MinterState) *State {
	return &State{inner: inner}
}

// ReadState runs fn with read-only access to the state, under the lock.
func (s *State) ReadState(fn func(*MinterState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.inner)
}

// MutateState runs fn with mutable access to the state, under the lock.
func (s *State) MutateState(fn func(*MinterState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.inner)
}

func outpointKey(op models.OutPoint) wire.OutPoint {
	return wire.OutPoint{Hash: op.Txid, Index: op.Vout}
}

func utxoKey(op models.OutPoint) string {
	return op.Txid.String() + ":" + fmt.Sprint(op.Vout)
}

// AvailableUTXOs returns the current available-UTXO selection set.
func (m *MinterState) AvailableUTXOs() *selector.Set {
	return m.availableUTXOs
}

// Pending returns the pending request queue in arrival order.
func (m *MinterState) Pending() []models.RetrieveBtcRequest {
	return m.pending
}

// InFlight returns the in-flight status for a block index, if present.
func (m *MinterState) InFlight(blockIndex uint64) (models.InFlightStatus, bool) {
	st, ok := m.inFlight[blockIndex]
	return st, ok
}

// Submitted returns the submitted-but-unconfirmed transactions.
func (m *MinterState) Submitted() []models.SubmittedBtcTransaction {
	return m.submitted
}

// Finalized returns the bounded finalized-request history.
func (m *MinterState) Finalized() []models.FinalizedBtcRetrieval {
	return m.finalized
}

// ECDSAPublicKey returns the master public key, if it has been set.
func (m *MinterState) ECDSAPublicKey() (models.ECDSAPublicKey, bool) {
	if m.ecdsaPublicKey == nil {
		return models.ECDSAPublicKey{}, false
	}
	return *m.ecdsaPublicKey, true
}

// SetECDSAPublicKey records the master public key. Spec §3 requires this be
// set exactly once; callers are expected to check ECDSAPublicKey first.
func (m *MinterState) SetECDSAPublicKey(pub models.ECDSAPublicKey) {
	m.ecdsaPublicKey = &pub
}

// Enqueue appends request to the pending queue. Returns
// config.ErrDuplicateBlockIndex if the block index is already present in
// pending, in flight, any submitted transaction, or finalized history
// (spec §3 invariant 2).
func (m *MinterState) Enqueue(request models.RetrieveBtcRequest) error {
	if m.hasBlockIndex(request.BlockIndex) {
		return fmt.Errorf("%w: %d", config.ErrDuplicateBlockIndex, request.BlockIndex)
	}
	m.pending = append(m.pending, request)
	return nil
}

func (m *MinterState) hasBlockIndex(blockIndex uint64) bool {
	for _, r := range m.pending {
		if r.BlockIndex == blockIndex {
			return true
		}
	}
	if _, ok := m.inFlight[blockIndex]; ok {
		return true
	}
	for _, tx := range m.submitted {
		for _, r := range tx.Requests {
			if r.BlockIndex == blockIndex {
				return true
			}
		}
	}
	for _, f := range m.finalized {
		if f.Request.BlockIndex == blockIndex {
			return true
		}
	}
	return false
}

// CanFormBatch reports whether a batch is ready to form: either enough
// requests have accumulated, or the oldest pending request has waited
// longer than the batching deadline (spec §4.5). now and deadline are both
// nanoseconds.
func CanFormBatch(pending []models.RetrieveBtcRequest, minPending int, now int64, batchingDeadline int64) bool {
	if len(pending) == 0 {
		return false
	}
	if len(pending) >= minPending {
		return true
	}
	oldest := pending[0]
	return now-oldest.ReceivedAt > batchingDeadline
}

// BuildBatch drains up to maxSize requests from the front of pending,
// preserving order, and returns both the batch and the remaining queue.
func BuildBatch(pending []models.RetrieveBtcRequest, maxSize int) (batch, remaining []models.RetrieveBtcRequest) {
	if maxSize > len(pending) {
		maxSize = len(pending)
	}
	batch = append([]models.RetrieveBtcRequest(nil), pending[:maxSize]...)
	remaining = append([]models.RetrieveBtcRequest(nil), pending[maxSize:]...)
	return batch, remaining
}

// ReplacePending overwrites the pending queue wholesale; used after
// BuildBatch to commit the drained remainder, and by
// PushFromInFlightToPending to restore a batch to the front.
func (m *MinterState) ReplacePending(pending []models.RetrieveBtcRequest) {
	m.pending = pending
}

// PushInFlight inserts or updates the in-flight status for a block index.
func (m *MinterState) PushInFlight(blockIndex uint64, status models.InFlightStatus) {
	m.inFlight[blockIndex] = status
}

// PushFromInFlightToPending restores a batch to the front of the pending
// queue in its original relative order and clears their in-flight status
// (the undo path for a failed settlement attempt, spec §4.5).
func (m *MinterState) PushFromInFlightToPending(requests []models.RetrieveBtcRequest) {
	for _, r := range requests {
		delete(m.inFlight, r.BlockIndex)
	}
	m.pending = append(append([]models.RetrieveBtcRequest(nil), requests...), m.pending...)
}

// PushSubmitted records a broadcast transaction and clears its requests'
// in-flight status (they are now tracked via the submitted entry instead).
func (m *MinterState) PushSubmitted(tx models.SubmittedBtcTransaction) {
	for _, r := range tx.Requests {
		delete(m.inFlight, r.BlockIndex)
	}
	m.submitted = append(m.submitted, tx)
}

// FinalizeTransaction marks the submitted transaction with the given txid as
// confirmed: its requests move to finalized history with FinalizedConfirmed,
// and the submitted entry is dropped. Returns false if no matching
// transaction was found.
func (m *MinterState) FinalizeTransaction(txid [32]byte) bool {
	for i, tx := range m.submitted {
		if tx.Txid == txid {
			for _, r := range tx.Requests {
				m.pushFinalized(models.FinalizedBtcRetrieval{
					Request: r,
					State:   models.FinalizedConfirmed,
					Txid:    tx.Txid,
				})
			}
			m.submitted = append(m.submitted[:i], m.submitted[i+1:]...)
			return true
		}
	}
	return false
}

// PushFinalized records a terminal outcome for a single request, trimming
// the oldest entry once the bounded history cap is exceeded.
func (m *MinterState) PushFinalized(f models.FinalizedBtcRetrieval) {
	m.pushFinalized(f)
}

func (m *MinterState) pushFinalized(f models.FinalizedBtcRetrieval) {
	m.finalized = append(m.finalized, f)
	if len(m.finalized) > config.FinalizedRequestsCap {
		m.finalized = m.finalized[len(m.finalized)-config.FinalizedRequestsCap:]
	}
}

// AddUTXOs folds newly observed UTXOs into both utxosStateAddresses and
// outpointAccount atomically, maintaining the mutual consistency invariant
// between the two maps (spec §9 "cyclic data"). It also adds them to the
// available-UTXO selection set.
func (m *MinterState) AddUTXOs(account models.Account, utxos []models.UTXO) {
	key := account.Key()
	if m.utxosStateAddresses[key] == nil {
		m.utxosStateAddresses[key] = make(map[string]models.UTXO)
	}
	for _, u := range utxos {
		m.utxosStateAddresses[key][utxoKey(u.OutPoint)] = u
		m.outpointAccount[outpointKey(u.OutPoint)] = account
		m.availableUTXOs.Add(u)
	}
}

// ForgetUTXO removes an outpoint from both sides of the cross-reference and
// from the available set, used once a UTXO has been consumed by a
// broadcast transaction.
func (m *MinterState) ForgetUTXO(op models.OutPoint) {
	account, ok := m.outpointAccount[outpointKey(op)]
	if ok {
		delete(m.outpointAccount, outpointKey(op))
		if set, ok := m.utxosStateAddresses[account.Key()]; ok {
			delete(set, utxoKey(op))
		}
	}
	m.availableUTXOs.Remove(op)
}

// AccountForOutpoint returns the account owning op, if known. Used by the
// signing orchestrator's AccountLookup.
func (m *MinterState) AccountForOutpoint(op wire.OutPoint) (models.Account, bool) {
	acc, ok := m.outpointAccount[op]
	return acc, ok
}

// ReserveUTXOs removes utxos from the available set, asserting the
// disjointness invariant (spec §3 invariant 1): a UTXO already absent from
// available is a state-machine bug, surfaced as a returned error so callers
// can log at high severity rather than silently double-spending.
func (m *MinterState) ReserveUTXOs(utxos []models.UTXO) error {
	for _, u := range utxos {
		if _, ok := m.lookupAvailable(u.OutPoint); !ok {
			return fmt.Errorf("%w: outpoint %s:%d", config.ErrUTXONotAvailable, u.OutPoint.Txid, u.OutPoint.Vout)
		}
		m.availableUTXOs.Remove(u.OutPoint)
	}
	return nil
}

func (m *MinterState) lookupAvailable(op models.OutPoint) (models.UTXO, bool) {
	for _, u := range m.availableUTXOs.Slice() {
		if u.OutPoint == op {
			return u, true
		}
	}
	return models.UTXO{}, false
}

// RestoreUTXOs reinserts utxos into the available set, asserting
// disjointness: none of them should already be present (spec §4.6
// undo_sign_request). A UTXO that is already available is a state-machine
// bug — these utxos were reserved out of available before being handed to
// the caller, so finding one back already is the same class of invariant
// violation ReserveUTXOs guards against, not something to silently upsert.
func (m *MinterState) RestoreUTXOs(utxos []models.UTXO) error {
	for _, u := range utxos {
		if _, ok := m.lookupAvailable(u.OutPoint); ok {
			return fmt.Errorf("%w: outpoint %s:%d", config.ErrUTXOAlreadyAvailable, u.OutPoint.Txid, u.OutPoint.Vout)
		}
		m.availableUTXOs.Add(u)
	}
	return nil
}
