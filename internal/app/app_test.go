package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"compliance-custody/internal/config"
	"compliance-custody/internal/events"
	"compliance-custody/internal/roles"
)

func loadConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func TestBuildInMemory(t *testing.T) {
	cfg := loadConfig(t, `
compliance:
  fee_numerator: 1
  fee_denominator: 100
  fee_collector: "0x00000000000000000000000000000000000000fe"
  operators: ["0x000000000000000000000000000000000000000b"]
exemption:
  accounts: ["0x00000000000000000000000000000000000000e1"]
`)
	a := NewApp(cfg, zerolog.Nop())

	rt, err := a.Build(context.Background())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer rt.Close()

	if rt.Store != nil {
		t.Fatal("no database configured, store should be nil")
	}
	if rt.Chain != nil || rt.Holdings(true) != rt.Mover {
		t.Fatal("without an rpc url holdings should come from the sandbox mover")
	}
	if !rt.Roles.HasRole(common.HexToAddress("0x00000000000000000000000000000000000000e1"), roles.Exempt) {
		t.Fatal("exempt account should be seeded")
	}
	rate, err := rt.Oracle.FeeRate(context.Background())
	if err != nil || rate.Numerator != 1 || rate.Denominator != 100 {
		t.Fatalf("fee rate = %v %v", rate, err)
	}
}

func TestHoldingsFollowSettlementPath(t *testing.T) {
	cfg := loadConfig(t, `
chain:
  rpc_url: "http://127.0.0.1:8545"
`)
	rt, err := NewApp(cfg, zerolog.Nop()).Build(context.Background())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer rt.Close()

	if rt.Chain == nil {
		t.Fatal("rpc url should configure the chain reader")
	}
	if rt.Holdings(false) != rt.Mover {
		t.Fatal("a serving ledger settles through the mover and must be reconciled against it")
	}
	if rt.Holdings(true) != rt.Chain {
		t.Fatal("the standalone reconciler should read the chain")
	}
}

func TestSimulateScenario(t *testing.T) {
	a := NewApp(loadConfig(t, "app:\n  environment: test\n"), zerolog.Nop())

	var out bytes.Buffer
	if err := a.Simulate(context.Background(), &out); err != nil {
		t.Fatalf("simulate: %v\n%s", err, out.String())
	}
	for _, want := range []string{"deposit 100", "balance=99", "withdraw 99", "fees collected", "deposit", "withdrawal"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestCumulativeVolume(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a, b := common.HexToAddress("0xa1"), common.HexToAddress("0xb2")
	cur := common.HexToAddress("0x7070")
	records := []events.Record{
		events.NewRecord(events.Deposit, a, a, cur, uint256.NewInt(100), at),
		events.NewRecord(events.Settlement, a, a, cur, uint256.NewInt(99), at),
		events.NewRecord(events.Transfer, a, b, cur, uint256.NewInt(10), at.Add(time.Minute)),
		events.NewRecord(events.Withdrawal, b, common.Address{}, cur, uint256.NewInt(10), at.Add(2*time.Minute)),
		events.NewRecord(events.Deposit, b, b, cur, uint256.NewInt(5), at.Add(3*time.Minute)),
	}

	points := cumulativeVolume(records)
	if len(points) != 4 {
		t.Fatalf("settlement records should be skipped, got %d points", len(points))
	}
	last := points[len(points)-1]
	if last.Deposit.IntPart() != 105 || last.Transfer.IntPart() != 10 || last.Withdrawal.IntPart() != 10 {
		t.Fatalf("unexpected totals %+v", last)
	}

	if got := downsamplePoints(points, 2); len(got) != 2 || !got[1].At.Equal(last.At) {
		t.Fatalf("downsample should keep the endpoints, got %+v", got)
	}

	path := filepath.Join(t.TempDir(), "out", "records.csv")
	if err := writeRecordsCSV(path, records); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	if err != nil || len(rows) != len(records)+1 {
		t.Fatalf("csv rows = %d err=%v", len(rows), err)
	}
	if rows[4][4] != "" {
		t.Fatalf("withdrawal destination should be blank, got %q", rows[4][4])
	}
}

func TestShortAddress(t *testing.T) {
	if shortAddress(common.Address{}) != "-" {
		t.Fatal("zero address should render as -")
	}
	if got := shortAddress(common.HexToAddress("0x00000000000000000000000000000000000000a1")); got != "0x0000..00a1" {
		t.Fatalf("short address = %s", got)
	}
}
