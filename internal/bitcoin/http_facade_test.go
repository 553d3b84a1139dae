package bitcoin

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Fantasim/ckbtc-minter/internal/config"
	"github.com/Fantasim/ckbtc-minter/internal/models"
)

func TestHTTPFacade_GetUTXOsFiltersUnconfirmedWhenConfirmationsRequired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"txid":"` + sampleTxidHex(0x01) + `","vout":0,"status":{"confirmed":true,"block_height":100},"value":50000},
			{"txid":"` + sampleTxidHex(0x02) + `","vout":1,"status":{"confirmed":false},"value":20000}
		]`))
	}))
	defer srv.Close()

	facade := NewHTTPFacade(srv.Client(), []string{srv.URL})

	utxos, err := facade.GetUTXOs(context.Background(), models.NetworkTestnet, "tb1qsomeaddress", 1)
	if err != nil {
		t.Fatalf("GetUTXOs() error = %v", err)
	}
	if len(utxos) != 1 {
		t.Fatalf("GetUTXOs() returned %d UTXOs, want 1 (unconfirmed filtered out)", len(utxos))
	}
	if utxos[0].Value != 50_000 {
		t.Fatalf("GetUTXOs()[0].Value = %d, want 50000", utxos[0].Value)
	}
}

func TestHTTPFacade_GetCurrentFeesConvertsAndSortsAscending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"fastestFee":20,"halfHourFee":10,"hourFee":5}`))
	}))
	defer srv.Close()

	facade := NewHTTPFacade(srv.Client(), []string{srv.URL})

	fees, err := facade.GetCurrentFees(context.Background(), models.NetworkTestnet)
	if err != nil {
		t.Fatalf("GetCurrentFees() error = %v", err)
	}
	if len(fees) != 3 {
		t.Fatalf("GetCurrentFees() returned %d entries, want 3", len(fees))
	}
	for i := 1; i < len(fees); i++ {
		if fees[i] < fees[i-1] {
			t.Fatalf("GetCurrentFees() not sorted ascending: %v", fees)
		}
	}
	if fees[0] != 5_000 || fees[len(fees)-1] != 20_000 {
		t.Fatalf("GetCurrentFees() = %v, want sat/vB values scaled to millisat/vB (5000..20000)", fees)
	}
}

func TestHTTPFacade_SendTransactionEncodesHexBody(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	facade := NewHTTPFacade(srv.Client(), []string{srv.URL})
	rawTx := []byte{0xDE, 0xAD, 0xBE, 0xEF}

	if err := facade.SendTransaction(context.Background(), models.NetworkTestnet, rawTx); err != nil {
		t.Fatalf("SendTransaction() error = %v", err)
	}
	if gotBody != hex.EncodeToString(rawTx) {
		t.Fatalf("SendTransaction() body = %q, want hex-encoded %q", gotBody, hex.EncodeToString(rawTx))
	}
}

func TestHTTPFacade_SendTransactionNonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	facade := NewHTTPFacade(srv.Client(), []string{srv.URL})
	if err := facade.SendTransaction(context.Background(), models.NetworkTestnet, []byte{0x01}); err == nil {
		t.Fatalf("SendTransaction() error = nil, want an error for a non-200 response")
	}
}

func TestHTTPFacade_SendTransactionTripsCircuitAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	facade := NewHTTPFacade(srv.Client(), []string{srv.URL})

	for i := 0; i < config.CircuitBreakerThreshold; i++ {
		if err := facade.SendTransaction(context.Background(), models.NetworkTestnet, []byte{0x01}); err == nil {
			t.Fatalf("SendTransaction() call %d error = nil, want an error for a non-200 response", i)
		}
	}

	err := facade.SendTransaction(context.Background(), models.NetworkTestnet, []byte{0x01})
	if !errors.Is(err, config.ErrAllProvidersDown) {
		t.Fatalf("SendTransaction() after %d failures error = %v, want ErrAllProvidersDown (sole provider's circuit tripped)", config.CircuitBreakerThreshold, err)
	}
}

func TestHTTPFacade_SkipsTrippedProviderAndUsesHealthyOne(t *testing.T) {
	var healthyHits int
	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer badSrv.Close()
	goodSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		healthyHits++
		w.WriteHeader(http.StatusOK)
	}))
	defer goodSrv.Close()

	facade := NewHTTPFacade(badSrv.Client(), []string{badSrv.URL, goodSrv.URL})

	// Trip the bad provider's circuit with direct failures, without ever
	// routing through the good one, by targeting its rate limiter.
	for i := 0; i < config.CircuitBreakerThreshold; i++ {
		facade.rateLimiters[0].RecordFailure()
	}
	if facade.rateLimiters[0].Allow() {
		t.Fatalf("rateLimiters[0].Allow() = true, want false once tripped")
	}

	for i := 0; i < 3; i++ {
		if err := facade.SendTransaction(context.Background(), models.NetworkTestnet, []byte{0x01}); err != nil {
			t.Fatalf("SendTransaction() error = %v, want nil (should route around the tripped provider)", err)
		}
	}
	if healthyHits != 3 {
		t.Fatalf("healthy provider received %d requests, want 3 (all traffic routed away from the tripped provider)", healthyHits)
	}
}

func sampleTxidHex(fill byte) string {
	b := make([]byte, 32)
	for i := range b {
		b[i] = fill
	}
	return hex.EncodeToString(b)
}
