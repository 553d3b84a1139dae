package bitcoin

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/Fantasim/ckbtc-minter/internal/config"
	"github.com/Fantasim/ckbtc-minter/internal/models"
)

// HTTPFacade implements Facade against Esplora-compatible APIs
// (Blockstream, Mempool.space), rotating across configured providers with
// per-provider rate limiting.
type HTTPFacade struct {
	client       *http.Client
	providerURLs []string
	rateLimiters []*RateLimiter
	nextProvider atomic.Uint64
}

// NewHTTPFacade builds a facade rotating round-robin across providerURLs,
// each rate-limited independently.
func NewHTTPFacade(client *http.Client, providerURLs []string) *HTTPFacade {
	limiters := make([]*RateLimiter, len(providerURLs))
	for i, url := range providerURLs {
		limiters[i] = NewRateLimiter(url, config.FacadeRateLimitPerSec)
	}
	return &HTTPFacade{
		client:       client,
		providerURLs: providerURLs,
		rateLimiters: limiters,
	}
}

var _ Facade = (*HTTPFacade)(nil)

type esploraUTXO struct {
	TxID   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
	} `json:"status"`
	Value int64 `json:"value"`
}

// provider picks the next provider round-robin, skipping any whose circuit
// breaker is currently open. Returns config.ErrAllProvidersDown if every
// provider is tripped.
func (f *HTTPFacade) provider() (string, *RateLimiter, error) {
	n := len(f.providerURLs)
	start := int(f.nextProvider.Add(1) - 1)
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if f.rateLimiters[idx].Allow() {
			return f.providerURLs[idx], f.rateLimiters[idx], nil
		}
	}
	return "", nil, config.ErrAllProvidersDown
}

// GetUTXOs fetches confirmed UTXOs for address, filtering to those with at
// least minConfirmations (approximated here via the confirmed flag; a real
// deployment would compare block height against current tip).
func (f *HTTPFacade) GetUTXOs(ctx context.Context, _ models.Network, address string, minConfirmations uint32) ([]models.UTXO, error) {
	baseURL, rl, err := f.provider()
	if err != nil {
		return nil, fmt.Errorf("fetch UTXOs: %w", err)
	}
	if err := rl.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait for UTXO fetch: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, config.FacadeRequestTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/address/%s/utxo", baseURL, address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create UTXO request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		rl.RecordFailure()
		return nil, fmt.Errorf("%w: %s", config.ErrFacadeUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		rl.RecordFailure()
		return nil, fmt.Errorf("%w: status %d", config.ErrFacadeUnavailable, resp.StatusCode)
	}

	var raw []esploraUTXO
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		rl.RecordFailure()
		return nil, fmt.Errorf("decode UTXO response: %w", err)
	}
	rl.RecordSuccess()

	utxos := make([]models.UTXO, 0, len(raw))
	for _, u := range raw {
		if minConfirmations > 0 && !u.Status.Confirmed {
			continue
		}
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			slog.Warn("skipping UTXO with unparseable txid", "txid", u.TxID, "error", err)
			continue
		}
		utxos = append(utxos, models.UTXO{
			OutPoint: models.OutPoint{Txid: *hash, Vout: u.Vout},
			Value:    u.Value,
		})
	}

	return utxos, nil
}

// GetCurrentFees fetches the mempool.space fee recommendation endpoint and
// returns an ascending-sorted vector of observed per-vbyte fee estimates in
// millisatoshi, the shape the minter's fee policy expects.
func (f *HTTPFacade) GetCurrentFees(ctx context.Context, _ models.Network) ([]int64, error) {
	baseURL, rl, err := f.provider()
	if err != nil {
		return nil, fmt.Errorf("fetch fee estimate: %w", err)
	}
	if err := rl.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait for fee estimate: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, config.FacadeRequestTimeout)
	defer cancel()

	url := baseURL + "/v1/fees/recommended"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create fee request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		rl.RecordFailure()
		return nil, fmt.Errorf("%w: %s", config.ErrFeeUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		rl.RecordFailure()
		return nil, fmt.Errorf("%w: status %d", config.ErrFeeUnavailable, resp.StatusCode)
	}

	var tiers map[string]int64
	if err := json.NewDecoder(resp.Body).Decode(&tiers); err != nil {
		rl.RecordFailure()
		return nil, fmt.Errorf("decode fee response: %w", err)
	}
	rl.RecordSuccess()

	fees := make([]int64, 0, len(tiers))
	for _, satPerVByte := range tiers {
		fees = append(fees, satPerVByte*1000) // sat/vB -> millisat/vB
	}
	sort.Slice(fees, func(i, j int) bool { return fees[i] < fees[j] })

	return fees, nil
}

// SendTransaction broadcasts rawTx as hex to the next provider in the
// round-robin rotation whose circuit breaker allows a request.
// The facade is assumed idempotent by the caller: broadcasting the same
// transaction twice is safe (spec §5).
func (f *HTTPFacade) SendTransaction(ctx context.Context, _ models.Network, rawTx []byte) error {
	baseURL, rl, err := f.provider()
	if err != nil {
		return fmt.Errorf("broadcast transaction: %w", err)
	}
	if err := rl.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait for broadcast: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, config.FacadeRequestTimeout)
	defer cancel()

	url := baseURL + "/tx"
	body := bytes.NewReader([]byte(hex.EncodeToString(rawTx)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("create broadcast request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		rl.RecordFailure()
		return fmt.Errorf("%w: %s", config.ErrBroadcastFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		rl.RecordFailure()
		return fmt.Errorf("%w: status %d", config.ErrBroadcastFailed, resp.StatusCode)
	}

	rl.RecordSuccess()
	slog.Info("transaction broadcast", "provider", baseURL)
	return nil
}
