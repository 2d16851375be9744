// Package payment defines the PaymentBackend capability interface
// (spec.md section 4.5) and a concrete HTTP-RPC-shaped implementation.
// The on-chain RPC client itself is out of scope per spec.md section 1;
// this package only defines the boundary and a transport that could sit
// in front of one.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mr-tron/base58"
)

// Status is the result of ConfirmSignature.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
)

// ErrTransient signals a retryable failure; ErrPermanent signals a
// terminal one the settlement worker must not retry (spec.md section 4.5
// and section 7).
var (
	ErrTransient = errors.New("payment: transient failure")
	ErrPermanent = errors.New("payment: permanent failure")
)

// Backend is the capability interface spec.md section 4.5 names.
// Implementations must be safe to call concurrently and must not retry
// internally — the settlement worker owns the retry policy.
type Backend interface {
	SendTransfer(ctx context.Context, toWallet string, amountLamports int64, memo string) (signature string, err error)
	ConfirmSignature(ctx context.Context, signature string) (Status, error)
	GetBalance(ctx context.Context, wallet string) (lamports int64, err error)
}

// ValidateWallet checks that a wallet address is well-formed base58, the
// encoding Solana-style wallet addresses use.
func ValidateWallet(addr string) error {
	if addr == "" {
		return fmt.Errorf("%w: empty wallet address", ErrPermanent)
	}
	if _, err := base58.Decode(addr); err != nil {
		return fmt.Errorf("%w: malformed wallet address: %v", ErrPermanent, err)
	}
	return nil
}

// RPCConfig configures the HTTPBackend.
type RPCConfig struct {
	RPCURL  string
	Timeout time.Duration
}

// HTTPBackend calls out to an external payment/RPC service over HTTP,
// grounded on the same "POST JSON, classify the response" shape used
// elsewhere in the retrieved corpus for calling an external payment
// processor. SendTransfer treats 200/201 as success, 5xx/429/408 and
// transport errors as transient, and any other status as permanent.
type HTTPBackend struct {
	client *http.Client
	cfg    RPCConfig
}

// NewHTTPBackend builds an HTTPBackend against cfg.RPCURL.
func NewHTTPBackend(cfg RPCConfig) *HTTPBackend {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPBackend{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
	}
}

type transferRequest struct {
	To     string `json:"to"`
	Amount int64  `json:"amount_lamports"`
	Memo   string `json:"memo"`
}

type transferResponse struct {
	Signature string `json:"signature"`
}

func (h *HTTPBackend) SendTransfer(ctx context.Context, toWallet string, amountLamports int64, memo string) (string, error) {
	if err := ValidateWallet(toWallet); err != nil {
		return "", err
	}
	if amountLamports < 0 {
		return "", fmt.Errorf("%w: negative amount", ErrPermanent)
	}

	body, err := json.Marshal(transferRequest{To: toWallet, Amount: amountLamports, Memo: memo})
	if err != nil {
		return "", fmt.Errorf("%w: marshal transfer request: %v", ErrPermanent, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.RPCURL+"/transfer", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var tr transferResponse
		if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
			return "", fmt.Errorf("%w: decode transfer response: %v", ErrTransient, err)
		}
		return tr.Signature, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout:
		return "", fmt.Errorf("%w: rpc status %d", ErrTransient, resp.StatusCode)
	default:
		return "", fmt.Errorf("%w: rpc status %d", ErrPermanent, resp.StatusCode)
	}
}

func (h *HTTPBackend) ConfirmSignature(ctx context.Context, signature string) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.cfg.RPCURL+"/confirm/"+signature, nil)
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrPermanent, err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return "", fmt.Errorf("%w: rpc status %d", ErrTransient, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: rpc status %d", ErrPermanent, resp.StatusCode)
	}

	var out struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode confirm response: %v", ErrTransient, err)
	}
	switch out.Status {
	case "confirmed":
		return StatusConfirmed, nil
	case "failed":
		return StatusFailed, nil
	default:
		return StatusPending, nil
	}
}

func (h *HTTPBackend) GetBalance(ctx context.Context, wallet string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.cfg.RPCURL+"/balance/"+wallet, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: build request: %v", ErrPermanent, err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: rpc status %d", ErrTransient, resp.StatusCode)
	}
	var out struct {
		Lamports int64 `json:"lamports"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("%w: decode balance response: %v", ErrTransient, err)
	}
	return out.Lamports, nil
}
