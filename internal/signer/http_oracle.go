package signer

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Fantasim/ckbtc-minter/internal/config"
	"github.com/Fantasim/ckbtc-minter/internal/models"
)

// HTTPOracle is the production client for a remote threshold-ECDSA signing
// service. It issues one request at a time; the orchestrator above is
// already sequential, so no internal rate limiting is needed here.
type HTTPOracle struct {
	Client  *http.Client
	BaseURL string
}

var _ Oracle = (*HTTPOracle)(nil)

type signRequest struct {
	KeyName        string   `json:"keyName"`
	DerivationPath []string `json:"derivationPath"` // hex-encoded path components
	Digest         string   `json:"digest"`          // hex-encoded 32-byte digest
}

type signResponse struct {
	Signature string `json:"signature"` // hex-encoded 64-byte compact (r||s)
}

type publicKeyRequest struct {
	KeyName        string   `json:"keyName"`
	DerivationPath []string `json:"derivationPath"`
}

type publicKeyResponse struct {
	PublicKey string `json:"publicKey"` // hex-encoded 33-byte compressed key
	ChainCode string `json:"chainCode"` // hex-encoded 32-byte chain code
}

// SignWithECDSA asks the oracle to sign digest under keyName at
// derivationPath, returning the raw 64-byte compact signature.
func (o *HTTPOracle) SignWithECDSA(ctx context.Context, keyName string, derivationPath [][]byte, digest [32]byte) ([]byte, error) {
	reqBody := signRequest{
		KeyName:        keyName,
		DerivationPath: encodePath(derivationPath),
		Digest:         hex.EncodeToString(digest[:]),
	}

	var resp signResponse
	if err := o.post(ctx, "/sign_with_ecdsa", reqBody, &resp); err != nil {
		return nil, fmt.Errorf("%w: %s", config.ErrOracleUnavailable, err)
	}

	sig, err := hex.DecodeString(resp.Signature)
	if err != nil {
		return nil, fmt.Errorf("decode oracle signature: %w", err)
	}
	if len(sig) != 64 {
		return nil, fmt.Errorf("oracle returned %d-byte signature, want 64", len(sig))
	}
	return sig, nil
}

// ECDSAPublicKey asks the oracle for the public key and chain code at
// derivationPath under keyName.
func (o *HTTPOracle) ECDSAPublicKey(ctx context.Context, keyName string, derivationPath [][]byte) (models.ECDSAPublicKey, error) {
	reqBody := publicKeyRequest{
		KeyName:        keyName,
		DerivationPath: encodePath(derivationPath),
	}

	var resp publicKeyResponse
	if err := o.post(ctx, "/ecdsa_public_key", reqBody, &resp); err != nil {
		return models.ECDSAPublicKey{}, fmt.Errorf("%w: %s", config.ErrOracleUnavailable, err)
	}

	pubBytes, err := hex.DecodeString(resp.PublicKey)
	if err != nil || len(pubBytes) != 33 {
		return models.ECDSAPublicKey{}, fmt.Errorf("decode oracle public key: %w", err)
	}
	ccBytes, err := hex.DecodeString(resp.ChainCode)
	if err != nil || len(ccBytes) != 32 {
		return models.ECDSAPublicKey{}, fmt.Errorf("decode oracle chain code: %w", err)
	}

	var out models.ECDSAPublicKey
	copy(out.PublicKey[:], pubBytes)
	copy(out.ChainCode[:], ccBytes)
	return out, nil
}

func (o *HTTPOracle) post(ctx context.Context, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, config.FacadeRequestTimeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	url := o.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.Client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Warn("signing oracle returned non-200", "path", path, "status", resp.StatusCode)
		return fmt.Errorf("oracle returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func encodePath(path [][]byte) []string {
	out := make([]string, len(path))
	for i, p := range path {
		out[i] = hex.EncodeToString(p)
	}
	return out
}
