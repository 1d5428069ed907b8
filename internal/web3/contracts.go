package web3

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABI = `[
 {"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

const routerABI = `[
 {"name":"swapExactTokensForTokens","type":"function","stateMutability":"nonpayable","inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

const vaultABI = `[
 {"name":"deposit","type":"function","stateMutability":"nonpayable","inputs":[{"name":"assets","type":"uint256"},{"name":"receiver","type":"address"}],"outputs":[{"name":"shares","type":"uint256"}]},
 {"name":"redeem","type":"function","stateMutability":"nonpayable","inputs":[{"name":"shares","type":"uint256"},{"name":"receiver","type":"address"},{"name":"owner","type":"address"}],"outputs":[{"name":"assets","type":"uint256"}]}
]`

var (
	ERC20ABI  = mustParseABI(erc20ABI)
	RouterABI = mustParseABI(routerABI)
	VaultABI  = mustParseABI(vaultABI)
)

// MaxUint256 is the conventional unlimited approval amount.
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

// PackBalanceOf encodes ERC20.balanceOf(owner). ERC-4626 share balances use the same selector.
func PackBalanceOf(owner common.Address) ([]byte, error) {
	return ERC20ABI.Pack("balanceOf", owner)
}

// PackAllowance encodes ERC20.allowance(owner, spender).
func PackAllowance(owner, spender common.Address) ([]byte, error) {
	return ERC20ABI.Pack("allowance", owner, spender)
}

// ApproveCall builds ERC20.approve(spender, amount).
func ApproveCall(token, spender common.Address, amount *big.Int) (Call, error) {
	data, err := ERC20ABI.Pack("approve", spender, amount)
	if err != nil {
		return Call{}, err
	}
	return Call{Kind: CallApprove, To: token, Data: data}, nil
}

// SwapCall builds router.swapExactTokensForTokens for a single hop.
func SwapCall(router common.Address, amountIn, minOut *big.Int, path []common.Address, to common.Address, deadline int64) (Call, error) {
	data, err := RouterABI.Pack("swapExactTokensForTokens", amountIn, minOut, path, to, big.NewInt(deadline))
	if err != nil {
		return Call{}, err
	}
	return Call{Kind: CallSwap, To: router, Data: data}, nil
}

// DepositCall builds ERC4626.deposit(assets, receiver).
func DepositCall(vault common.Address, assets *big.Int, receiver common.Address) (Call, error) {
	data, err := VaultABI.Pack("deposit", assets, receiver)
	if err != nil {
		return Call{}, err
	}
	return Call{Kind: CallDeposit, To: vault, Data: data}, nil
}

// RedeemCall builds ERC4626.redeem(shares, receiver, owner).
func RedeemCall(vault common.Address, shares *big.Int, owner common.Address) (Call, error) {
	data, err := VaultABI.Pack("redeem", shares, owner, owner)
	if err != nil {
		return Call{}, err
	}
	return Call{Kind: CallRedeem, To: vault, Data: data}, nil
}

// UnpackUint256 decodes a single uint256 return value of the given ERC20 method.
func UnpackUint256(method string, output []byte) (*big.Int, error) {
	values, err := ERC20ABI.Unpack(method, output)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%s: expected 1 return value, got %d", method, len(values))
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected return type %T", method, values[0])
	}
	return v, nil
}
