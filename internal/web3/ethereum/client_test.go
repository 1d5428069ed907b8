package ethereum

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"ChainPilot/internal/observability/metrics"
	"ChainPilot/internal/web3"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeNode 是一个最小的 JSON-RPC 节点，按方法名返回预置结果。
type fakeNode struct {
	mu            sync.Mutex
	balance       *big.Int
	receiptMisses int
	receiptStatus string
	calls         map[string]int
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n.mu.Lock()
	n.calls[req.Method]++
	var result any
	switch req.Method {
	case "eth_chainId":
		result = "0x2105"
	case "eth_blockNumber":
		result = "0x10"
	case "eth_call":
		result = hexutil.Encode(common.LeftPadBytes(n.balance.Bytes(), 32))
	case "eth_getTransactionReceipt":
		if n.receiptMisses > 0 {
			n.receiptMisses--
			result = nil
		} else {
			var hash string
			_ = json.Unmarshal(req.Params[0], &hash)
			result = map[string]any{
				"transactionHash":   hash,
				"blockHash":         "0x" + strings.Repeat("ab", 32),
				"blockNumber":       "0x11",
				"transactionIndex":  "0x0",
				"status":            n.receiptStatus,
				"cumulativeGasUsed": "0x5208",
				"gasUsed":           "0x5208",
				"logs":              []any{},
				"logsBloom":         "0x" + strings.Repeat("00", 256),
				"type":              "0x2",
			}
		}
	}
	n.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
}

func (n *fakeNode) count(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

type fakeSigner struct {
	calls   []web3.Call
	chainID *big.Int
}

func (s *fakeSigner) SendTransaction(_ context.Context, _ web3.Wallet, call web3.Call, chainID *big.Int) (common.Hash, error) {
	s.calls = append(s.calls, call)
	s.chainID = chainID
	return common.HexToHash("0x01"), nil
}

type failingSigner struct{}

func (failingSigner) SendTransaction(context.Context, web3.Wallet, web3.Call, *big.Int) (common.Hash, error) {
	return common.Hash{}, errors.New("signer unavailable")
}

// submissionSeries 从 /metrics 输出中读取某个提交计数序列，不存在时返回空串。
func submissionSeries(t *testing.T, kind, status string) string {
	t.Helper()
	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	prefix := `chainpilot_tx_submissions_total{kind="` + kind + `",status="` + status + `"} `
	for _, line := range strings.Split(string(body), "\n") {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimPrefix(line, prefix)
		}
	}
	return ""
}

func newTestClient(t *testing.T, node *fakeNode, signer web3.Signer) *Client {
	t.Helper()
	node.calls = map[string]int{}
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)

	client, err := NewClient(context.Background(), Config{
		Name:           "base",
		RPCURL:         srv.URL,
		ReceiptPoll:    5 * time.Millisecond,
		ReceiptTimeout: time.Second,
	}, signer)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestClientBalanceOf(t *testing.T) {
	node := &fakeNode{balance: big.NewInt(2_500_000)}
	client := newTestClient(t, node, nil)

	balance, err := client.BalanceOf(context.Background(),
		common.HexToAddress("0x0000000000000000000000000000000000000001"),
		common.HexToAddress("0x0000000000000000000000000000000000000002"))
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Int64() != 2_500_000 {
		t.Fatalf("unexpected balance %s", balance)
	}
}

func TestClientFetchChainSnapshot(t *testing.T) {
	node := &fakeNode{balance: big.NewInt(0)}
	client := newTestClient(t, node, nil)
	client.notes = "base mainnet"

	snapshot, err := client.FetchChainSnapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.ChainID != "0x2105" || snapshot.BlockNumber != "0x10" || snapshot.Notes != "base mainnet" {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
}

func TestClientSubmitLeavesSubmissionMetricsToCaller(t *testing.T) {
	node := &fakeNode{balance: big.NewInt(0)}
	client := newTestClient(t, node, failingSigner{})

	before := submissionSeries(t, string(web3.CallRedeem), "error")
	call := web3.Call{Kind: web3.CallRedeem, To: common.HexToAddress("0x01")}
	if _, err := client.Submit(context.Background(), web3.Wallet{ID: "w"}, call); err == nil {
		t.Fatalf("expected signer error")
	}
	if after := submissionSeries(t, string(web3.CallRedeem), "error"); after != before {
		t.Fatalf("client must not count submissions, series moved from %q to %q", before, after)
	}
}

func TestClientSubmitUsesNodeChainID(t *testing.T) {
	node := &fakeNode{balance: big.NewInt(0)}
	signer := &fakeSigner{}
	client := newTestClient(t, node, signer)

	call := web3.Call{Kind: web3.CallApprove, To: common.HexToAddress("0x01")}
	if _, err := client.Submit(context.Background(), web3.Wallet{ID: "w"}, call); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := client.Submit(context.Background(), web3.Wallet{ID: "w"}, call); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if signer.chainID.Int64() != 0x2105 {
		t.Fatalf("unexpected chain id %s", signer.chainID)
	}
	if node.count("eth_chainId") != 1 {
		t.Fatalf("chain id should be cached, queried %d times", node.count("eth_chainId"))
	}
}

func TestClientWaitReceiptPollsUntilMined(t *testing.T) {
	node := &fakeNode{balance: big.NewInt(0), receiptMisses: 2, receiptStatus: "0x1"}
	client := newTestClient(t, node, nil)

	receipt, err := client.WaitReceipt(context.Background(), common.HexToHash("0xbeef"))
	if err != nil {
		t.Fatalf("wait receipt: %v", err)
	}
	if receipt.Reverted() || receipt.BlockNumber != 0x11 {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
	if node.count("eth_getTransactionReceipt") != 3 {
		t.Fatalf("expected 3 polls, got %d", node.count("eth_getTransactionReceipt"))
	}
}

func TestClientWaitReceiptReportsRevert(t *testing.T) {
	node := &fakeNode{balance: big.NewInt(0), receiptStatus: "0x0"}
	client := newTestClient(t, node, nil)

	receipt, err := client.WaitReceipt(context.Background(), common.HexToHash("0xbeef"))
	if err != nil {
		t.Fatalf("wait receipt: %v", err)
	}
	if !receipt.Reverted() {
		t.Fatalf("status 0 must be reported as reverted")
	}
}

func TestClientWaitReceiptTimesOut(t *testing.T) {
	node := &fakeNode{balance: big.NewInt(0), receiptMisses: 1 << 30}
	client := newTestClient(t, node, nil)
	client.receiptTimeout = 30 * time.Millisecond

	if _, err := client.WaitReceipt(context.Background(), common.HexToHash("0xbeef")); err == nil {
		t.Fatalf("expected timeout error")
	}
}
