package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const yamlNetwork = `
account: tz1KjMn6Hb23eu1rNemou6ytAzzNxzvaYHyK
node:
  rpcUrl: http://node.local
  timeoutMs: 2500
conseil:
  url: http://conseil.local
  network: ghostnet
  apiKey: from-file
contracts:
  swap:
    address: KT18g6ejmStajqDwZZ5ZwTfu1ZKzhYq5RboW
    mapId: 17
  price:
    address: KT1price
    mapId: 36
wallet:
  sessionUrl: http://signer.local/sign
confirmation:
  maxAttempts: 12
  initialBackoffMs: 500
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	cfg, err := LoadFile(writeFile(t, "network.yaml", yamlNetwork))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Network.Contracts.Swap.MapID != 17 || cfg.Network.Contracts.Price.MapID != 36 {
		t.Fatalf("unexpected contracts: %+v", cfg.Network.Contracts)
	}
	if cfg.Chain.RPCTimeout != 2500*time.Millisecond {
		t.Fatalf("unexpected rpc timeout %v", cfg.Chain.RPCTimeout)
	}
	if cfg.Confirmation.Depth != 2 || cfg.Confirmation.MaxAttempts != 12 || cfg.Confirmation.InitialBackoff != 500*time.Millisecond {
		t.Fatalf("unexpected confirmation config: %+v", cfg.Confirmation)
	}
	if cfg.Service.ActionTimeout != 15*time.Minute {
		t.Fatalf("unexpected action timeout %v", cfg.Service.ActionTimeout)
	}
	if cfg.Service.HTTPPort != 3000 || cfg.Service.HMACClockSkew != time.Minute {
		t.Fatalf("unexpected service defaults: %+v", cfg.Service)
	}
}

func TestLoadJSONWithEnvOverrides(t *testing.T) {
	body := `{
  "account": "tz1KjMn6Hb23eu1rNemou6ytAzzNxzvaYHyK",
  "node": {"rpcUrl": "http://node.local"},
  "conseil": {"url": "http://conseil.local", "network": "mainnet", "apiKey": "from-file"},
  "contracts": {"swap": {"address": "KT18g6ejmStajqDwZZ5ZwTfu1ZKzhYq5RboW", "mapId": 17}},
  "wallet": {"sessionUrl": "http://signer.local/sign"}
}`
	path := writeFile(t, "network.json", body)
	t.Setenv("CONSEIL_API_KEY", "from-env")
	t.Setenv("API_HTTP_PORT", "8081")
	t.Setenv("CONFIRMATIONS", "5")
	t.Setenv("TEZOS_RPC_RATE", "2.5")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Chain.ConseilAPIKey != "from-env" {
		t.Fatalf("expected env api key, got %q", cfg.Chain.ConseilAPIKey)
	}
	if cfg.Service.HTTPPort != 8081 || cfg.Confirmation.Depth != 5 || cfg.Chain.RequestsPerSecond != 2.5 {
		t.Fatalf("overrides not applied: %+v %+v", cfg.Service, cfg.Confirmation)
	}
	if cfg.Chain.ConseilNetwork != "mainnet" {
		t.Fatalf("unexpected network %q", cfg.Chain.ConseilNetwork)
	}
}

func TestLoadRejectsIncompleteConfig(t *testing.T) {
	if _, err := LoadFile(writeFile(t, "network.yaml", "account: tz1KjMn6Hb23eu1rNemou6ytAzzNxzvaYHyK\n")); err == nil {
		t.Fatalf("expected missing values error")
	}
	if _, err := LoadFile(writeFile(t, "network.toml", "")); err == nil {
		t.Fatalf("expected unsupported format error")
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestLoadRequiresWalletUnlessDevFake(t *testing.T) {
	noWallet := strings.Replace(yamlNetwork, "wallet:\n  sessionUrl: http://signer.local/sign\n", "", 1)
	path := writeFile(t, "network.yaml", noWallet)

	_, err := LoadFile(path)
	if err == nil || !strings.Contains(err.Error(), "wallet.sessionUrl") {
		t.Fatalf("expected missing wallet error, got %v", err)
	}

	t.Setenv("WALLET_DEV_FAKE", "true")
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load with dev wallet: %v", err)
	}
	if !cfg.Chain.WalletDevFake || cfg.Chain.WalletSessionURL != "" {
		t.Fatalf("unexpected wallet config: %+v", cfg.Chain)
	}
}
