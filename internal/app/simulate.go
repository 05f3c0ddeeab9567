package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"compliance-custody/internal/asset"
	"compliance-custody/internal/compliance"
	"compliance-custody/internal/custody"
	"compliance-custody/internal/events"
	"compliance-custody/internal/oracle"
	"compliance-custody/internal/roles"
)

var (
	simOperator  = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	simCollector = common.HexToAddress("0x000000000000000000000000000000000000fee5")
	simAccount   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	simCurrency  = common.HexToAddress("0x0000000000000000000000000000000000007070")
)

// Simulate runs the reference deposit/withdraw scenario against an in-memory stack and
// prints every step and the resulting record log to out. It fails when any step
// deviates from the expected outcome.
func (a *App) Simulate(ctx context.Context, out io.Writer) error {
	registry := roles.NewRegistry()
	registry.Seed(roles.Operator, simOperator)

	rate, err := compliance.NewFeeRate(1, 100)
	if err != nil {
		return err
	}
	orc, err := oracle.New(oracle.NewMemoryStore(), registry, oracle.Options{FeeRate: rate, Collector: simCollector}, a.Logger)
	if err != nil {
		return err
	}
	mover := asset.NewSimulated(a.Config.Chain.Custody(), a.Logger)
	gate := compliance.NewGate(big.NewInt(a.Config.Chain.ChainID), orc, mover, a.Logger)
	log := events.NewMemoryLog()
	ledger, err := custody.NewLedger(gate, mover, custody.Options{
		Strategy:  a.Config.Compliance.CustodyStrategy(),
		Publisher: log,
	}, a.Logger)
	if err != nil {
		return err
	}

	approve := func(op custody.Operation, destination common.Address, amount uint64) error {
		req, err := ledger.Request(op, simAccount, destination, simCurrency, uint256.NewInt(amount))
		if err != nil {
			return err
		}
		fp, err := compliance.ComputeFingerprint(req)
		if err != nil {
			return err
		}
		if _, err := orc.RequestCheck(ctx, fp); err != nil {
			return err
		}
		return orc.IssueVerdict(ctx, simOperator, fp, true)
	}
	expectBalance := func(step string, want uint64) error {
		got := ledger.BalanceOf(simAccount, simCurrency)
		fmt.Fprintf(out, "%-28s balance=%s wallet=%s\n", step, got.Dec(), mover.WalletBalance(simAccount, simCurrency).Dec())
		if !got.Eq(uint256.NewInt(want)) {
			return fmt.Errorf("%s: balance %s, want %d", step, got.Dec(), want)
		}
		return nil
	}

	mover.Fund(simAccount, simCurrency, uint256.NewInt(100))
	fmt.Fprintf(out, "strategy=%s fee=%s account=%s currency=%s\n\n",
		ledger.Strategy(), rate, simAccount.Hex(), simCurrency.Hex())

	if err := approve(custody.OpDeposit, simAccount, 100); err != nil {
		return err
	}
	if err := ledger.Deposit(ctx, simAccount, simAccount, simCurrency, uint256.NewInt(100)); err != nil {
		return fmt.Errorf("deposit: %w", err)
	}
	if err := expectBalance("deposit 100", 99); err != nil {
		return err
	}

	if err := approve(custody.OpWithdraw, simAccount, 99); err != nil {
		return err
	}
	if err := ledger.Withdraw(ctx, simAccount, simCurrency, uint256.NewInt(99)); err != nil {
		return fmt.Errorf("withdraw: %w", err)
	}
	if err := expectBalance("withdraw 99", 0); err != nil {
		return err
	}

	err = ledger.Withdraw(ctx, simAccount, simCurrency, uint256.NewInt(1))
	fmt.Fprintf(out, "%-28s err=%v\n", "withdraw 1", err)
	if !errors.Is(err, custody.ErrInsufficientBalance) {
		return fmt.Errorf("third withdraw: expected insufficient balance, got %v", err)
	}

	err = ledger.Transfer(ctx, simAccount, simAccount, simCurrency, uint256.NewInt(1))
	fmt.Fprintf(out, "%-28s err=%v\n", "transfer to self", err)
	if !errors.Is(err, custody.ErrSelfTransfer) {
		return fmt.Errorf("self transfer: expected rejection, got %v", err)
	}

	fmt.Fprintf(out, "%-28s %s\n\n", "fees collected", orc.CollectedFees(simCurrency).Dec())
	return writeRecords(out, log.List())
}

func writeRecords(out io.Writer, records []events.Record) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(out, "no records found")
		return err
	}
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tKind\tSource\tDestination\tCurrency\tAmount\tAuthorization")
	for _, rec := range records {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.At.UTC().Format(time.RFC3339),
			rec.Kind,
			shortAddress(rec.Source),
			shortAddress(rec.Destination),
			shortAddress(rec.Currency),
			rec.Amount.Dec(),
			rec.AuthorizationID,
		)
	}
	return writer.Flush()
}

func shortAddress(addr common.Address) string {
	if addr == (common.Address{}) {
		return "-"
	}
	hex := addr.Hex()
	return hex[:6] + ".." + hex[len(hex)-4:]
}
