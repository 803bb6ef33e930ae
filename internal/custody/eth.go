package custody

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const erc20ABI = `[
	{"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

const custodyABI = `[
	{"name":"deposit","type":"function","stateMutability":"nonpayable","inputs":[{"name":"account","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"name":"withdraw","type":"function","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"name":"getAccountsBalances","type":"function","stateMutability":"view","inputs":[{"name":"accounts","type":"address[]"},{"name":"tokens","type":"address[]"}],"outputs":[{"name":"","type":"uint256[][]"}]}
]`

// EthContracts implements Contracts against a JSON-RPC endpoint.
type EthContracts struct {
	client  *ethclient.Client
	account common.Address
	token   common.Address
	custody common.Address
	opts    *bind.TransactOpts
	erc20   *bind.BoundContract
	vault   *bind.BoundContract
}

func NewEthContracts(rpcURL string, tokenAddr, custodyAddr common.Address, key *ecdsa.PrivateKey, chainID *big.Int) (*EthContracts, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("build transactor: %w", err)
	}

	tokenParsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	custodyParsed, err := abi.JSON(strings.NewReader(custodyABI))
	if err != nil {
		return nil, fmt.Errorf("parse custody abi: %w", err)
	}

	return &EthContracts{
		client:  client,
		account: crypto.PubkeyToAddress(key.PublicKey),
		token:   tokenAddr,
		custody: custodyAddr,
		opts:    opts,
		erc20:   bind.NewBoundContract(tokenAddr, tokenParsed, client, client, client),
		vault:   bind.NewBoundContract(custodyAddr, custodyParsed, client, client, client),
	}, nil
}

func (e *EthContracts) Account() common.Address { return e.account }

func (e *EthContracts) Close() { e.client.Close() }

func (e *EthContracts) Allowance(ctx context.Context) (*big.Int, error) {
	var out []any
	err := e.erc20.Call(&bind.CallOpts{Context: ctx}, &out, "allowance", e.account, e.custody)
	if err != nil {
		return nil, err
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

func (e *EthContracts) TokenBalance(ctx context.Context) (*big.Int, error) {
	var out []any
	err := e.erc20.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", e.account)
	if err != nil {
		return nil, err
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

func (e *EthContracts) Decimals(ctx context.Context) (uint8, error) {
	var out []any
	err := e.erc20.Call(&bind.CallOpts{Context: ctx}, &out, "decimals")
	if err != nil {
		return 0, err
	}
	return *abi.ConvertType(out[0], new(uint8)).(*uint8), nil
}

func (e *EthContracts) Approve(ctx context.Context, amount *big.Int) error {
	tx, err := e.erc20.Transact(e.transactOpts(ctx), "approve", e.custody, amount)
	if err != nil {
		return err
	}
	return e.waitMined(ctx, tx)
}

func (e *EthContracts) Deposit(ctx context.Context, amount *big.Int) error {
	tx, err := e.vault.Transact(e.transactOpts(ctx), "deposit", e.account, e.token, amount)
	if err != nil {
		return err
	}
	return e.waitMined(ctx, tx)
}

func (e *EthContracts) Withdraw(ctx context.Context, amount *big.Int) error {
	tx, err := e.vault.Transact(e.transactOpts(ctx), "withdraw", e.token, amount)
	if err != nil {
		return err
	}
	return e.waitMined(ctx, tx)
}

func (e *EthContracts) CustodyBalance(ctx context.Context) (*big.Int, error) {
	var out []any
	err := e.vault.Call(&bind.CallOpts{Context: ctx}, &out, "getAccountsBalances",
		[]common.Address{e.account}, []common.Address{e.token})
	if err != nil {
		return nil, err
	}
	balances := *abi.ConvertType(out[0], new([][]*big.Int)).(*[][]*big.Int)
	if len(balances) == 0 || len(balances[0]) == 0 {
		return big.NewInt(0), nil
	}
	return balances[0][0], nil
}

func (e *EthContracts) transactOpts(ctx context.Context) *bind.TransactOpts {
	opts := *e.opts
	opts.Context = ctx
	return &opts
}

func (e *EthContracts) waitMined(ctx context.Context, tx *types.Transaction) error {
	receipt, err := bind.WaitMined(ctx, e.client, tx)
	if err != nil {
		return fmt.Errorf("wait for tx %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("tx %s reverted", tx.Hash().Hex())
	}
	return nil
}
