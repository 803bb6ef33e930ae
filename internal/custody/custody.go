// Package custody drives the on-chain approve/deposit/withdraw sequence
// against the token and custody contracts. These are the only multi-second
// blocking operations in the system; every call awaits its receipt.
package custody

import (
	"context"
	"fmt"
	"math/big"

	"go.uber.org/zap"
)

// Contracts is the chain surface the flow needs. The go-ethereum
// implementation lives in eth.go; tests substitute a fake.
type Contracts interface {
	// Allowance reads the token allowance granted to the custody contract.
	Allowance(ctx context.Context) (*big.Int, error)
	// Approve grants the custody contract an allowance and waits for the
	// transaction to be mined.
	Approve(ctx context.Context, amount *big.Int) error
	// Deposit moves tokens into custody on the player's behalf and waits
	// for the transaction to be mined.
	Deposit(ctx context.Context, amount *big.Int) error
	// Withdraw moves tokens out of custody and waits for the transaction
	// to be mined.
	Withdraw(ctx context.Context, amount *big.Int) error
	// CustodyBalance reads the player's available custody balance.
	CustodyBalance(ctx context.Context) (*big.Int, error)
}

type Flow struct {
	log       *zap.Logger
	contracts Contracts
}

func NewFlow(contracts Contracts, log *zap.Logger) *Flow {
	if log == nil {
		log = zap.NewNop()
	}
	return &Flow{log: log, contracts: contracts}
}

// EnsureAllowance checks the current allowance and approves the deficit if
// it falls short. A leftover allowance from a failed session-open is
// harmless and gets reused here.
func (f *Flow) EnsureAllowance(ctx context.Context, deficit *big.Int) error {
	current, err := f.contracts.Allowance(ctx)
	if err != nil {
		return fmt.Errorf("read allowance: %w", err)
	}
	if current.Cmp(deficit) >= 0 {
		f.log.Debug("allowance sufficient",
			zap.String("allowance", current.String()),
			zap.String("deficit", deficit.String()))
		return nil
	}
	f.log.Info("approving custody allowance", zap.String("amount", deficit.String()))
	if err := f.contracts.Approve(ctx, deficit); err != nil {
		return fmt.Errorf("approve: %w", err)
	}
	return nil
}

// Deposit tops up custody by the given deficit, approving first if needed.
func (f *Flow) Deposit(ctx context.Context, deficit *big.Int) error {
	if err := f.EnsureAllowance(ctx, deficit); err != nil {
		return err
	}
	f.log.Info("depositing to custody", zap.String("amount", deficit.String()))
	if err := f.contracts.Deposit(ctx, deficit); err != nil {
		return fmt.Errorf("deposit: %w", err)
	}
	return nil
}

// Withdraw pulls min(available, owed) out of custody. A zero available
// balance is a no-op: settlement timing can leave custody behind the
// session ledger, and the funds stay recoverable later.
func (f *Flow) Withdraw(ctx context.Context, owed *big.Int) error {
	available, err := f.contracts.CustodyBalance(ctx)
	if err != nil {
		return fmt.Errorf("read custody balance: %w", err)
	}
	if available.Sign() <= 0 {
		f.log.Warn("custody balance is zero, skipping withdrawal",
			zap.String("owed", owed.String()))
		return nil
	}
	amount := new(big.Int).Set(owed)
	if available.Cmp(amount) < 0 {
		amount.Set(available)
	}
	if amount.Sign() <= 0 {
		return nil
	}
	f.log.Info("withdrawing from custody", zap.String("amount", amount.String()))
	if err := f.contracts.Withdraw(ctx, amount); err != nil {
		return fmt.Errorf("withdraw: %w", err)
	}
	return nil
}
