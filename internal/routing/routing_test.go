package routing

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"ChainPilot/internal/cache"
)

var (
	usdc = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	weth = common.HexToAddress("0x4200000000000000000000000000000000000006")
	aero = common.HexToAddress("0x940181a94A35A4569E4529A3CDfB74e38FD98631")
)

func TestHTTPQuoterParsesMultiHopRoute(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/quote" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("amountIn") != "1000000" {
			t.Errorf("unexpected amountIn %s", r.URL.Query().Get("amountIn"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"amountOut":"750000000000000000","route":[
			{"tokenIn":"` + usdc.Hex() + `","tokenOut":"` + weth.Hex() + `","amountIn":"1000000","amountOut":"300000000000000"},
			{"tokenIn":"` + weth.Hex() + `","tokenOut":"` + aero.Hex() + `","amountOut":"750000000000000000"}]}`))
	}))
	defer server.Close()

	q, err := NewHTTPQuoter(HTTPConfig{BaseURL: server.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("new quoter: %v", err)
	}
	quote, err := q.Quote(context.Background(), usdc, aero, big.NewInt(1_000_000))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if len(quote.Hops) != 2 {
		t.Fatalf("expected 2 hops, got %d", len(quote.Hops))
	}
	if quote.Hops[1].TokenIn != weth || quote.Hops[1].AmountIn != nil {
		t.Fatalf("unexpected second hop: %+v", quote.Hops[1])
	}
	if quote.AmountOut.String() != "750000000000000000" {
		t.Fatalf("unexpected amountOut %s", quote.AmountOut)
	}
}

func TestHTTPQuoterDefaultsToDirectHop(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"amountOut":"42"}`))
	}))
	defer server.Close()

	q, _ := NewHTTPQuoter(HTTPConfig{BaseURL: server.URL})
	quote, err := q.Quote(context.Background(), usdc, weth, big.NewInt(10))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if len(quote.Hops) != 1 || quote.Hops[0].TokenOut != weth {
		t.Fatalf("expected single direct hop, got %+v", quote.Hops)
	}
}

func TestHTTPQuoterRejectsBrokenRoute(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"amountOut":"42","route":[{"tokenIn":"` + usdc.Hex() + `","tokenOut":"` + aero.Hex() + `","amountOut":"42"}]}`))
	}))
	defer server.Close()

	q, _ := NewHTTPQuoter(HTTPConfig{BaseURL: server.URL})
	if _, err := q.Quote(context.Background(), usdc, weth, big.NewInt(10)); err == nil {
		t.Fatalf("expected route/token mismatch error")
	}
}

func TestHTTPQuoterSurfacesStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no liquidity", http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	q, _ := NewHTTPQuoter(HTTPConfig{BaseURL: server.URL})
	if _, err := q.Quote(context.Background(), usdc, weth, big.NewInt(10)); err == nil {
		t.Fatalf("expected error on 422")
	}
}

type countingQuoter struct{ calls atomic.Int32 }

func (c *countingQuoter) Quote(_ context.Context, in, out common.Address, amount *big.Int) (Quote, error) {
	c.calls.Add(1)
	return Quote{
		TokenIn: in, TokenOut: out, AmountIn: amount, AmountOut: big.NewInt(1),
		Hops: []Hop{{TokenIn: in, TokenOut: out, AmountIn: amount, AmountOut: big.NewInt(1)}},
	}, nil
}

func TestCachedQuoterHitsAndInvalidates(t *testing.T) {
	inner := &countingQuoter{}
	q := NewCachedQuoter(inner, cache.NewTTL[Quote](time.Minute))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := q.Quote(ctx, usdc, weth, big.NewInt(5)); err != nil {
			t.Fatalf("quote: %v", err)
		}
	}
	if got := inner.calls.Load(); got != 1 {
		t.Fatalf("expected 1 upstream call, got %d", got)
	}
	if _, err := q.Quote(ctx, usdc, weth, big.NewInt(6)); err != nil {
		t.Fatalf("quote: %v", err)
	}
	if got := inner.calls.Load(); got != 2 {
		t.Fatalf("different amount should miss, calls=%d", got)
	}
	q.Invalidate()
	_, _ = q.Quote(ctx, usdc, weth, big.NewInt(5))
	if got := inner.calls.Load(); got != 3 {
		t.Fatalf("invalidate should force refetch, calls=%d", got)
	}
}
