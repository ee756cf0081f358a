// Package wallet holds the signing clients the settlement tiers use to move
// tokens on-chain.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"recircle/core/amount"
)

// TokenWallet captures the transfer capability a settlement tier needs.
type TokenWallet interface {
	Transfer(ctx context.Context, destination string, amt amount.Amount) (string, error)
}

// FuncWallet adapts a callback to the TokenWallet interface, for tests and
// fixed-function tiers.
type FuncWallet struct {
	TransferFunc func(ctx context.Context, destination string, amt amount.Amount) (string, error)
}

// Transfer delegates to the configured callback.
func (w FuncWallet) Transfer(ctx context.Context, destination string, amt amount.Amount) (string, error) {
	if w.TransferFunc == nil {
		return "", nil
	}
	return w.TransferFunc(ctx, destination, amt)
}

const erc20TransferABI = `[{"name":"transfer","type":"function","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}]`

const poolDistributeABI = `[{"name":"distributeReward","type":"function","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[]}]`

// ContractWallet signs and submits calls against one token or pool contract.
// It backs both the direct signer tier and the delegated treasury pool tier;
// only the target contract and method differ.
type ContractWallet struct {
	client   *ethclient.Client
	key      *ecdsa.PrivateKey
	from     common.Address
	contract common.Address
	chainID  *big.Int
	decimals uint8
	method   string
	abi      abi.ABI
}

// Config describes one signing wallet.
type Config struct {
	RPCURL     string
	PrivateKey string
	Contract   string
	ChainID    int64
	Decimals   uint8
}

// NewERC20Wallet dials the node and prepares a wallet that issues plain ERC20
// transfers signed by the configured key.
func NewERC20Wallet(cfg Config) (*ContractWallet, error) {
	return newContractWallet(cfg, "transfer", erc20TransferABI)
}

// NewPoolWallet prepares a wallet that draws on a shared reward pool contract
// under delegated authority, so no personally-funded signer is exposed.
func NewPoolWallet(cfg Config) (*ContractWallet, error) {
	return newContractWallet(cfg, "distributeReward", poolDistributeABI)
}

func newContractWallet(cfg Config, method, abiJSON string) (*ContractWallet, error) {
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return nil, fmt.Errorf("wallet: rpc url required")
	}
	if cfg.ChainID <= 0 {
		return nil, fmt.Errorf("wallet: chain id required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("wallet: parse key: %w", err)
	}
	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("wallet: invalid contract address %q", cfg.Contract)
	}
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("wallet: parse abi: %w", err)
	}
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("wallet: dial %s: %w", cfg.RPCURL, err)
	}
	decimals := cfg.Decimals
	if decimals == 0 {
		decimals = 18
	}
	return &ContractWallet{
		client:   client,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		contract: common.HexToAddress(cfg.Contract),
		chainID:  big.NewInt(cfg.ChainID),
		decimals: decimals,
		method:   method,
		abi:      parsed,
	}, nil
}

// Transfer moves amt to destination and returns the transaction hash.
func (w *ContractWallet) Transfer(ctx context.Context, destination string, amt amount.Amount) (string, error) {
	if !common.IsHexAddress(destination) {
		return "", fmt.Errorf("wallet: invalid destination %q", destination)
	}
	units := amt.BaseUnits(w.decimals)
	if units.Sign() <= 0 {
		return "", fmt.Errorf("wallet: amount must be positive")
	}
	data, err := w.abi.Pack(w.method, common.HexToAddress(destination), units)
	if err != nil {
		return "", fmt.Errorf("wallet: pack %s: %w", w.method, err)
	}
	nonce, err := w.client.PendingNonceAt(ctx, w.from)
	if err != nil {
		return "", fmt.Errorf("wallet: nonce: %w", err)
	}
	gasPrice, err := w.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("wallet: gas price: %w", err)
	}
	gasLimit, err := w.client.EstimateGas(ctx, ethereum.CallMsg{
		From: w.from, To: &w.contract, Data: data,
	})
	if err != nil {
		return "", fmt.Errorf("wallet: estimate gas: %w", err)
	}
	tx := types.NewTransaction(nonce, w.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(w.chainID), w.key)
	if err != nil {
		return "", fmt.Errorf("wallet: sign: %w", err)
	}
	if err := w.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("wallet: send: %w", err)
	}
	return signed.Hash().Hex(), nil
}

// Close releases the underlying RPC client.
func (w *ContractWallet) Close() {
	if w != nil && w.client != nil {
		w.client.Close()
	}
}
