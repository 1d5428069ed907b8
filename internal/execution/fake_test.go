package execution

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"ChainPilot/internal/registry"
	"ChainPilot/internal/routing"
	"ChainPilot/internal/web3"
)

const testTokens = `
router: "0x4752ba5DBc23f44D87826276BF6Fd6b1C372aD24"
funding_stables: [USDC, DAI]
tokens:
  - symbol: USDC
    address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
    decimals: 6
    stable: true
  - symbol: DAI
    address: "0x50c5725949A6F0c72E6C4a641F24049A917DB0Cb"
    decimals: 18
    stable: true
  - symbol: WETH
    address: "0x4200000000000000000000000000000000000006"
    decimals: 18
  - symbol: AERO
    address: "0x940181a94A35A4569E4529A3CDfB74e38FD98631"
    decimals: 18
`

var (
	walletAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
	vaultAddr  = common.HexToAddress("0x9999999999999999999999999999999999999999")
)

func mustRegistry() *registry.Registry {
	reg, err := registry.Parse([]byte(testTokens))
	if err != nil {
		panic(err)
	}
	return reg
}

func units(amount int64, decimals int) *big.Int {
	return new(big.Int).Mul(big.NewInt(amount), new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
}

type swapCall struct {
	amountIn *big.Int
	minOut   *big.Int
	path     []common.Address
}

// fakeChain keeps ERC-20 balances in memory and applies the effects of the
// calls the engine submits. Swaps revert when the configured output is below
// the call's minOut.
type fakeChain struct {
	mu sync.Mutex

	balances   map[common.Address]map[common.Address]*big.Int
	allowances map[string]*big.Int
	vaultAsset map[common.Address]common.Address
	swapOutput func(in, out common.Address, amountIn *big.Int) *big.Int
	submitErrs map[web3.CallKind][]error

	calls          []web3.Call
	swaps          []swapCall
	balanceReads   map[common.Address]int
	balanceLimit   map[common.Address]int
	allowanceReads int
	receipts       map[common.Hash]uint64
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		balances:     make(map[common.Address]map[common.Address]*big.Int),
		allowances:   make(map[string]*big.Int),
		vaultAsset:   make(map[common.Address]common.Address),
		submitErrs:   make(map[web3.CallKind][]error),
		balanceReads: make(map[common.Address]int),
		balanceLimit: make(map[common.Address]int),
		receipts:     make(map[common.Hash]uint64),
		swapOutput: func(_, _ common.Address, amountIn *big.Int) *big.Int {
			return new(big.Int).Set(amountIn)
		},
	}
}

func (f *fakeChain) setBalance(token, owner common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setLocked(token, owner, amount)
}

func (f *fakeChain) setLocked(token, owner common.Address, amount *big.Int) {
	if f.balances[token] == nil {
		f.balances[token] = make(map[common.Address]*big.Int)
	}
	f.balances[token][owner] = new(big.Int).Set(amount)
}

func (f *fakeChain) balanceLocked(token, owner common.Address) *big.Int {
	if bal, ok := f.balances[token][owner]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

func (f *fakeChain) addLocked(token, owner common.Address, delta *big.Int) {
	f.setLocked(token, owner, new(big.Int).Add(f.balanceLocked(token, owner), delta))
}

func (f *fakeChain) approveAll(token, spender common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowances[allowanceKey(token, spender)] = new(big.Int).Set(web3.MaxUint256)
}

func allowanceKey(token, spender common.Address) string {
	return strings.ToLower(token.Hex() + "|" + spender.Hex())
}

func (f *fakeChain) BalanceOf(_ context.Context, token, owner common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balanceReads[token]++
	if limit, ok := f.balanceLimit[token]; ok && f.balanceReads[token] > limit {
		return nil, errors.New("rpc: balance read failed")
	}
	return f.balanceLocked(token, owner), nil
}

func (f *fakeChain) Allowance(_ context.Context, token, _ common.Address, spender common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowanceReads++
	if v, ok := f.allowances[allowanceKey(token, spender)]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (f *fakeChain) Submit(_ context.Context, wallet web3.Wallet, call web3.Call) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if queue := f.submitErrs[call.Kind]; len(queue) > 0 {
		err := queue[0]
		f.submitErrs[call.Kind] = queue[1:]
		if err != nil {
			return common.Hash{}, err
		}
	}
	f.calls = append(f.calls, call)
	hash := common.BigToHash(big.NewInt(int64(len(f.calls))))
	status, err := f.applyLocked(wallet.Address, call)
	if err != nil {
		return common.Hash{}, err
	}
	f.receipts[hash] = status
	return hash, nil
}

func (f *fakeChain) applyLocked(owner common.Address, call web3.Call) (uint64, error) {
	switch call.Kind {
	case web3.CallApprove:
		args, err := web3.ERC20ABI.Methods["approve"].Inputs.Unpack(call.Data[4:])
		if err != nil {
			return 0, err
		}
		f.allowances[allowanceKey(call.To, args[0].(common.Address))] = args[1].(*big.Int)
	case web3.CallSwap:
		args, err := web3.RouterABI.Methods["swapExactTokensForTokens"].Inputs.Unpack(call.Data[4:])
		if err != nil {
			return 0, err
		}
		amountIn, minOut, path := args[0].(*big.Int), args[1].(*big.Int), args[2].([]common.Address)
		f.swaps = append(f.swaps, swapCall{amountIn: amountIn, minOut: minOut, path: path})
		if f.balanceLocked(path[0], owner).Cmp(amountIn) < 0 {
			return types.ReceiptStatusFailed, nil
		}
		out := f.swapOutput(path[0], path[1], amountIn)
		if out.Cmp(minOut) < 0 {
			return types.ReceiptStatusFailed, nil
		}
		f.addLocked(path[0], owner, new(big.Int).Neg(amountIn))
		f.addLocked(path[1], owner, out)
	case web3.CallDeposit:
		args, err := web3.VaultABI.Methods["deposit"].Inputs.Unpack(call.Data[4:])
		if err != nil {
			return 0, err
		}
		assets := args[0].(*big.Int)
		asset := f.vaultAsset[call.To]
		f.addLocked(asset, owner, new(big.Int).Neg(assets))
		f.addLocked(call.To, owner, assets)
	case web3.CallRedeem:
		args, err := web3.VaultABI.Methods["redeem"].Inputs.Unpack(call.Data[4:])
		if err != nil {
			return 0, err
		}
		shares := args[0].(*big.Int)
		f.addLocked(call.To, owner, new(big.Int).Neg(shares))
		f.addLocked(f.vaultAsset[call.To], owner, shares)
	default:
		return 0, fmt.Errorf("unexpected call kind %s", call.Kind)
	}
	return types.ReceiptStatusSuccessful, nil
}

func (f *fakeChain) WaitReceipt(_ context.Context, hash common.Hash) (web3.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.receipts[hash]
	if !ok {
		return web3.Receipt{}, errors.New("unknown transaction")
	}
	return web3.Receipt{TxHash: hash, Status: status, BlockNumber: 1}, nil
}

func (f *fakeChain) kinds() []web3.CallKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]web3.CallKind, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Kind)
	}
	return out
}

// fakeQuoter returns canned routes keyed by token pair; pairs without a route
// get a direct 1:1 hop.
type fakeQuoter struct {
	mu     sync.Mutex
	routes map[string]func(amountIn *big.Int) routing.Quote
	calls  int
}

func newFakeQuoter() *fakeQuoter {
	return &fakeQuoter{routes: make(map[string]func(*big.Int) routing.Quote)}
}

func pairKey(in, out common.Address) string {
	return in.Hex() + ">" + out.Hex()
}

func (q *fakeQuoter) Quote(_ context.Context, in, out common.Address, amountIn *big.Int) (routing.Quote, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if build, ok := q.routes[pairKey(in, out)]; ok {
		return build(amountIn), nil
	}
	return routing.Quote{
		TokenIn: in, TokenOut: out, AmountIn: amountIn, AmountOut: amountIn,
		Hops: []routing.Hop{{TokenIn: in, TokenOut: out, AmountIn: amountIn, AmountOut: amountIn}},
	}, nil
}
