package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"ChainPilot/internal/config"
)

func writeChains(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chains.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write chains: %v", err)
	}
	return path
}

func TestNewRegistryFromDefinitions(t *testing.T) {
	path := writeChains(t, `
chains:
  base:
    rpc_url: http://127.0.0.1:8545
    chain_id: 8453
  arbitrum:
    type: evm
    rpc_url: http://127.0.0.1:8546
    chain_id: 42161
`)
	registry, err := NewRegistry(context.Background(), config.Web3Config{ChainConfig: path, DefaultChain: "base"}, nil)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer registry.Close()

	if got := registry.Chains(); len(got) != 2 || got[0] != "arbitrum" {
		t.Fatalf("unexpected chains: %v", got)
	}
	client, err := registry.DefaultClient()
	if err != nil {
		t.Fatalf("default client: %v", err)
	}
	if client.Name() != "base" {
		t.Fatalf("unexpected default chain %s", client.Name())
	}
}

func TestNewRegistryRejectsUnknownType(t *testing.T) {
	path := writeChains(t, `
chains:
  sol:
    type: solana
    rpc_url: http://127.0.0.1:8899
`)
	if _, err := NewRegistry(context.Background(), config.Web3Config{ChainConfig: path}, nil); err == nil {
		t.Fatalf("expected unsupported chain type error")
	}
}

func TestNewRegistryFallsBackToRPCURL(t *testing.T) {
	registry, err := NewRegistry(context.Background(), config.Web3Config{RPCURL: "http://127.0.0.1:8545"}, nil)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer registry.Close()
	if _, ok := registry.Client("default"); !ok {
		t.Fatalf("expected default client")
	}
}

func TestNewRegistryRequiresEndpoint(t *testing.T) {
	if _, err := NewRegistry(context.Background(), config.Web3Config{}, nil); err == nil {
		t.Fatalf("expected error without endpoints")
	}
}
