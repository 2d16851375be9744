package payment

import (
	"context"
	"fmt"
	"sync"
)

// Fake is a scripted PaymentBackend for tests (spec.md section 9 names
// exactly this substitution). ConfirmSignature's answer per signature is
// controlled by the test via SetConfirmation.
type Fake struct {
	mu            sync.Mutex
	nextSig       int
	sendErr       error
	confirmations map[string]Status
	balances      map[string]int64
	sent          []FakeTransfer
}

// FakeTransfer records one SendTransfer call for assertions.
type FakeTransfer struct {
	ToWallet string
	Amount   int64
	Memo     string
}

// NewFake creates a Fake backend that confirms signatures immediately by
// default.
func NewFake() *Fake {
	return &Fake{
		confirmations: make(map[string]Status),
		balances:      make(map[string]int64),
	}
}

// SetSendError makes the next SendTransfer calls fail with err until
// cleared with SetSendError(nil).
func (f *Fake) SetSendError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// SetConfirmation fixes ConfirmSignature's answer for a given signature.
func (f *Fake) SetConfirmation(signature string, status Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmations[signature] = status
}

func (f *Fake) SendTransfer(ctx context.Context, toWallet string, amountLamports int64, memo string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.nextSig++
	sig := fmt.Sprintf("fake-sig-%d", f.nextSig)
	f.sent = append(f.sent, FakeTransfer{ToWallet: toWallet, Amount: amountLamports, Memo: memo})
	f.confirmations[sig] = StatusConfirmed
	return sig, nil
}

func (f *Fake) ConfirmSignature(ctx context.Context, signature string) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.confirmations[signature]
	if !ok {
		return StatusPending, nil
	}
	return st, nil
}

func (f *Fake) GetBalance(ctx context.Context, wallet string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[wallet], nil
}

// Sent returns every transfer recorded so far, for test assertions.
func (f *Fake) Sent() []FakeTransfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeTransfer, len(f.sent))
	copy(out, f.sent)
	return out
}
