package custody_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chanbet/chanbet-go/internal/custody"
)

type fakeContracts struct {
	allowance *big.Int
	balance   *big.Int

	approved  []*big.Int
	deposited []*big.Int
	withdrawn []*big.Int

	approveErr  error
	withdrawErr error
}

func (f *fakeContracts) Allowance(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.allowance), nil
}

func (f *fakeContracts) Approve(_ context.Context, amount *big.Int) error {
	if f.approveErr != nil {
		return f.approveErr
	}
	f.approved = append(f.approved, new(big.Int).Set(amount))
	f.allowance = new(big.Int).Set(amount)
	return nil
}

func (f *fakeContracts) Deposit(_ context.Context, amount *big.Int) error {
	f.deposited = append(f.deposited, new(big.Int).Set(amount))
	return nil
}

func (f *fakeContracts) Withdraw(_ context.Context, amount *big.Int) error {
	if f.withdrawErr != nil {
		return f.withdrawErr
	}
	f.withdrawn = append(f.withdrawn, new(big.Int).Set(amount))
	return nil
}

func (f *fakeContracts) CustodyBalance(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.balance), nil
}

func TestEnsureAllowanceSkipsWhenSufficient(t *testing.T) {
	fc := &fakeContracts{allowance: big.NewInt(1000), balance: big.NewInt(0)}
	flow := custody.NewFlow(fc, zap.NewNop())

	require.NoError(t, flow.EnsureAllowance(context.Background(), big.NewInt(500)))
	assert.Empty(t, fc.approved)
}

func TestEnsureAllowanceApprovesDeficit(t *testing.T) {
	fc := &fakeContracts{allowance: big.NewInt(100), balance: big.NewInt(0)}
	flow := custody.NewFlow(fc, zap.NewNop())

	require.NoError(t, flow.EnsureAllowance(context.Background(), big.NewInt(500)))
	require.Len(t, fc.approved, 1)
	assert.Equal(t, "500", fc.approved[0].String())
}

func TestDepositApprovesThenDeposits(t *testing.T) {
	fc := &fakeContracts{allowance: big.NewInt(0), balance: big.NewInt(0)}
	flow := custody.NewFlow(fc, zap.NewNop())

	require.NoError(t, flow.Deposit(context.Background(), big.NewInt(250)))
	require.Len(t, fc.approved, 1)
	require.Len(t, fc.deposited, 1)
	assert.Equal(t, "250", fc.deposited[0].String())
}

func TestDepositPropagatesApproveFailure(t *testing.T) {
	fc := &fakeContracts{
		allowance:  big.NewInt(0),
		balance:    big.NewInt(0),
		approveErr: errors.New("rejected in wallet"),
	}
	flow := custody.NewFlow(fc, zap.NewNop())

	err := flow.Deposit(context.Background(), big.NewInt(250))
	require.Error(t, err)
	assert.Empty(t, fc.deposited)
}

func TestWithdrawTakesMinOfAvailableAndOwed(t *testing.T) {
	fc := &fakeContracts{allowance: big.NewInt(0), balance: big.NewInt(300)}
	flow := custody.NewFlow(fc, zap.NewNop())

	require.NoError(t, flow.Withdraw(context.Background(), big.NewInt(500)))
	require.Len(t, fc.withdrawn, 1)
	assert.Equal(t, "300", fc.withdrawn[0].String())
}

func TestWithdrawFullOwedWhenAvailable(t *testing.T) {
	fc := &fakeContracts{allowance: big.NewInt(0), balance: big.NewInt(900)}
	flow := custody.NewFlow(fc, zap.NewNop())

	require.NoError(t, flow.Withdraw(context.Background(), big.NewInt(500)))
	require.Len(t, fc.withdrawn, 1)
	assert.Equal(t, "500", fc.withdrawn[0].String())
}

func TestWithdrawNoOpOnZeroBalance(t *testing.T) {
	fc := &fakeContracts{allowance: big.NewInt(0), balance: big.NewInt(0)}
	flow := custody.NewFlow(fc, zap.NewNop())

	require.NoError(t, flow.Withdraw(context.Background(), big.NewInt(500)))
	assert.Empty(t, fc.withdrawn)
}
