package web3

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainSnapshot summarises the connected chain for the startup log.
type ChainSnapshot struct {
	ChainID     string
	BlockNumber string
	Notes       string
}

// Wallet identifies the signing wallet behind a submission.
type Wallet struct {
	ID      string
	Address common.Address
}

// CallKind labels a submission for metrics and logs.
type CallKind string

const (
	CallApprove CallKind = "approve"
	CallSwap    CallKind = "swap"
	CallDeposit CallKind = "deposit"
	CallRedeem  CallKind = "redeem"
)

// Call is an unsigned contract call handed to the signer.
type Call struct {
	Kind  CallKind
	To    common.Address
	Data  []byte
	Value *big.Int
}

// Receipt is the subset of a transaction receipt the engine relies on.
type Receipt struct {
	TxHash      common.Hash
	Status      uint64
	BlockNumber uint64
	GasUsed     uint64
}

// Reverted reports whether the transaction was mined but failed.
func (r Receipt) Reverted() bool {
	return r.Status != types.ReceiptStatusSuccessful
}

// Reader reads token state from the chain.
type Reader interface {
	BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
}

// Writer submits calls through the signer and waits for confirmation.
type Writer interface {
	Submit(ctx context.Context, wallet Wallet, call Call) (common.Hash, error)
	WaitReceipt(ctx context.Context, hash common.Hash) (Receipt, error)
}

// Chain combines the read and write ports.
type Chain interface {
	Reader
	Writer
}

// Signer signs and broadcasts calls on behalf of a custodied wallet.
type Signer interface {
	SendTransaction(ctx context.Context, wallet Wallet, call Call, chainID *big.Int) (common.Hash, error)
}
