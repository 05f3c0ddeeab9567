package custody

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"compliance-custody/internal/asset"
	"compliance-custody/internal/compliance"
	"compliance-custody/internal/events"
	"compliance-custody/internal/oracle"
	"compliance-custody/internal/roles"
)

var (
	admin     = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	operator  = common.HexToAddress("0x000000000000000000000000000000000000000b")
	collector = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	vault     = common.HexToAddress("0x0000000000000000000000000000000000000c57")
	alice     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob       = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	exemptA   = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	exemptB   = common.HexToAddress("0x00000000000000000000000000000000000000e2")
	token     = common.HexToAddress("0x0000000000000000000000000000000000007070")
)

type fixture struct {
	ledger      *Ledger
	mover       *asset.Simulated
	oracle      *oracle.Oracle
	log         *events.MemoryLog
	sink        *captureSink
	settlements []Settlement
}

type captureSink struct {
	balances []Balance
	records  []events.Record
	err      error
}

func (c *captureSink) CommitSettlement(_ context.Context, balances []Balance, records []events.Record) error {
	c.balances = append(c.balances, balances...)
	c.records = append(c.records, records...)
	return c.err
}

func newFixture(t *testing.T, strategy Strategy, rate compliance.FeeRate) *fixture {
	t.Helper()

	registry := roles.NewRegistry(admin)
	registry.Seed(roles.Operator, operator)
	registry.Seed(roles.Exempt, exemptA, exemptB)

	orc, err := oracle.New(oracle.NewMemoryStore(), registry, oracle.Options{FeeRate: rate, Collector: collector}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new oracle: %v", err)
	}
	mover := asset.NewSimulated(vault, zerolog.Nop())
	gate := compliance.NewGate(big.NewInt(1), orc, mover, zerolog.Nop())

	f := &fixture{mover: mover, oracle: orc, log: events.NewMemoryLog(), sink: &captureSink{}}
	ledger, err := NewLedger(gate, mover, Options{
		Strategy:  strategy,
		Exemption: RoleExemption{Roles: registry},
		Publisher: f.log,
		Sink:      f.sink,
		Observer:  func(s Settlement) { f.settlements = append(f.settlements, s) },
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	f.ledger = ledger
	return f
}

func (f *fixture) verdict(t *testing.T, approved bool, op Operation, caller, destination common.Address, amount uint64, opts ...CallOption) {
	t.Helper()
	var amt *uint256.Int
	if amount > 0 {
		amt = uint256.NewInt(amount)
	}
	req, err := f.ledger.Request(op, caller, destination, token, amt, opts...)
	if err != nil {
		t.Fatalf("build %s request: %v", op, err)
	}
	fp, err := compliance.ComputeFingerprint(req)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	ctx := context.Background()
	if _, err := f.oracle.RequestCheck(ctx, fp); err != nil {
		t.Fatalf("request check: %v", err)
	}
	if err := f.oracle.IssueVerdict(ctx, operator, fp, approved); err != nil {
		t.Fatalf("issue verdict: %v", err)
	}
}

func (f *fixture) approve(t *testing.T, op Operation, caller, destination common.Address, amount uint64, opts ...CallOption) {
	t.Helper()
	f.verdict(t, true, op, caller, destination, amount, opts...)
}

func (f *fixture) reject(t *testing.T, op Operation, caller, destination common.Address, amount uint64) {
	t.Helper()
	f.verdict(t, false, op, caller, destination, amount)
}

func (f *fixture) assertConserved(t *testing.T) {
	t.Helper()
	held, _ := f.mover.Holdings(context.Background(), token)
	if total := f.ledger.TotalBalance(token); !total.Eq(held) {
		t.Fatalf("ledger total %s does not match custody holdings %s", total.Dec(), held.Dec())
	}
}

func (f *fixture) lastSettlement(t *testing.T) Settlement {
	t.Helper()
	if len(f.settlements) == 0 {
		t.Fatal("no settlement observed")
	}
	return f.settlements[len(f.settlements)-1]
}

func expectBalance(t *testing.T, l *Ledger, account common.Address, want uint64) {
	t.Helper()
	if got := l.BalanceOf(account, token); got.Uint64() != want || !got.IsUint64() {
		t.Fatalf("balance of %s = %s, want %d", account.Hex(), got.Dec(), want)
	}
}

func expectWallet(t *testing.T, m *asset.Simulated, account common.Address, want uint64) {
	t.Helper()
	if got := m.WalletBalance(account, token); got.Uint64() != want {
		t.Fatalf("wallet of %s = %s, want %d", account.Hex(), got.Dec(), want)
	}
}

func TestDepositWithdrawScenario(t *testing.T) {
	f := newFixture(t, PreCheckThenMove, compliance.FeeRate{Numerator: 1, Denominator: 100})
	ctx := context.Background()
	f.mover.Fund(alice, token, uint256.NewInt(100))

	f.approve(t, OpDeposit, alice, alice, 100)
	if err := f.ledger.Deposit(ctx, alice, alice, token, uint256.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	expectBalance(t, f.ledger, alice, 99)
	expectWallet(t, f.mover, collector, 1)
	if fees := f.oracle.CollectedFees(token); fees.Uint64() != 1 {
		t.Fatalf("oracle recorded %s in fees, want 1", fees.Dec())
	}
	f.assertConserved(t)

	f.approve(t, OpWithdraw, alice, alice, 99)
	if err := f.ledger.Withdraw(ctx, alice, token, uint256.NewInt(99)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	expectBalance(t, f.ledger, alice, 0)
	expectWallet(t, f.mover, alice, 99)

	err := f.ledger.Withdraw(ctx, alice, token, uint256.NewInt(1))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if st := f.lastSettlement(t); st.State != StateReverted {
		t.Fatalf("failed withdraw should end reverted, got %s", st.State)
	}

	kinds := []events.Kind{events.Deposit, events.Settlement, events.Withdrawal, events.Settlement}
	records := f.log.List()
	if len(records) != len(kinds) {
		t.Fatalf("expected %d records, got %d", len(kinds), len(records))
	}
	for i, kind := range kinds {
		if records[i].Kind != kind {
			t.Fatalf("record %d kind = %s, want %s", i, records[i].Kind, kind)
		}
	}
	if records[1].AuthorizationID == "" || records[1].Amount.Uint64() != 99 {
		t.Fatalf("settlement record should carry net amount and authorization: %+v", records[1])
	}
	f.assertConserved(t)
}

func TestAuthorizationIsSingleUse(t *testing.T) {
	f := newFixture(t, PreCheckThenMove, compliance.NoFee)
	ctx := context.Background()
	f.mover.Fund(alice, token, uint256.NewInt(20))

	f.approve(t, OpDeposit, alice, alice, 10)
	if err := f.ledger.Deposit(ctx, alice, alice, token, uint256.NewInt(10)); err != nil {
		t.Fatalf("first deposit: %v", err)
	}
	err := f.ledger.Deposit(ctx, alice, alice, token, uint256.NewInt(10))
	status, ok := compliance.RejectionStatus(err)
	if !ok || status != compliance.StatusNotFound {
		t.Fatalf("replayed deposit should be rejected as not found, got %v", err)
	}
	if st := f.lastSettlement(t); st.State != StateRejected {
		t.Fatalf("expected rejected settlement, got %s", st.State)
	}
	expectBalance(t, f.ledger, alice, 10)
	expectWallet(t, f.mover, alice, 10)
}

func TestWithdrawRollsBackWhenPayoutFails(t *testing.T) {
	f := newFixture(t, PreCheckThenMove, compliance.NoFee)
	ctx := context.Background()
	f.mover.Fund(alice, token, uint256.NewInt(50))
	f.approve(t, OpDeposit, alice, alice, 50)
	if err := f.ledger.Deposit(ctx, alice, alice, token, uint256.NewInt(50)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	published := len(f.log.List())

	f.approve(t, OpWithdraw, alice, alice, 50)
	f.mover.FailNext(asset.Out, errors.New("rpc unavailable"))
	err := f.ledger.Withdraw(ctx, alice, token, uint256.NewInt(50))
	if !errors.Is(err, ErrAssetMovementFailed) {
		t.Fatalf("expected asset movement failure, got %v", err)
	}
	expectBalance(t, f.ledger, alice, 50)
	if len(f.log.List()) != published {
		t.Fatal("reverted withdraw must not publish records")
	}
	if st := f.lastSettlement(t); st.State != StateReverted || st.AuthorizationID.IsZero() {
		t.Fatalf("expected authorized-then-reverted settlement, got %+v", st)
	}
	f.assertConserved(t)
}

func TestExemptTransferSkipsGate(t *testing.T) {
	f := newFixture(t, PreCheckThenMove, compliance.FeeRate{Numerator: 1, Denominator: 10})
	ctx := context.Background()
	f.mover.Fund(exemptA, token, uint256.NewInt(30))

	if err := f.ledger.Transfer(ctx, exemptA, exemptB, token, uint256.NewInt(30)); err != nil {
		t.Fatalf("exempt transfer: %v", err)
	}
	expectBalance(t, f.ledger, exemptA, 0)
	expectBalance(t, f.ledger, exemptB, 0)
	expectWallet(t, f.mover, exemptB, 30)
	expectWallet(t, f.mover, collector, 0)

	history := f.mover.History()
	if len(history) != 2 || history[0].Direction != asset.In || history[1].Direction != asset.Out {
		t.Fatalf("expected one inbound and one outbound leg, got %+v", history)
	}
	st := f.lastSettlement(t)
	if !st.Exempt || !st.AuthorizationID.IsZero() || st.State != StateSettled {
		t.Fatalf("unexpected settlement %+v", st)
	}
	f.assertConserved(t)
}

func TestDepositToExemptDestinationPaysOut(t *testing.T) {
	f := newFixture(t, PreCheckThenMove, compliance.NoFee)
	f.mover.Fund(alice, token, uint256.NewInt(20))

	if err := f.ledger.Deposit(context.Background(), alice, exemptA, token, uint256.NewInt(20)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	expectBalance(t, f.ledger, exemptA, 0)
	expectWallet(t, f.mover, exemptA, 20)
	f.assertConserved(t)
}

func TestTransferFromExemptSourceFundsFromWallet(t *testing.T) {
	f := newFixture(t, PreCheckThenMove, compliance.NoFee)
	f.mover.Fund(exemptA, token, uint256.NewInt(40))

	if err := f.ledger.Transfer(context.Background(), exemptA, bob, token, uint256.NewInt(40)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	expectBalance(t, f.ledger, bob, 40)
	expectBalance(t, f.ledger, exemptA, 0)
	expectWallet(t, f.mover, exemptA, 0)
	f.assertConserved(t)
}

func TestTransferToSelfFails(t *testing.T) {
	f := newFixture(t, PreCheckThenMove, compliance.NoFee)
	ctx := context.Background()
	f.mover.Fund(alice, token, uint256.NewInt(5))
	f.approve(t, OpDeposit, alice, alice, 5)
	if err := f.ledger.Deposit(ctx, alice, alice, token, uint256.NewInt(5)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	f.approve(t, OpTransfer, alice, alice, 5)
	for _, amount := range []uint64{0, 5, 500} {
		if err := f.ledger.Transfer(ctx, alice, alice, token, uint256.NewInt(amount)); !errors.Is(err, ErrSelfTransfer) {
			t.Fatalf("amount %d: expected self transfer error, got %v", amount, err)
		}
	}
	expectBalance(t, f.ledger, alice, 5)
}

func TestRejectedDepositStillChargesFee(t *testing.T) {
	f := newFixture(t, PreCheckThenMove, compliance.FeeRate{Numerator: 1, Denominator: 10})
	f.mover.Fund(alice, token, uint256.NewInt(100))
	f.reject(t, OpDeposit, alice, alice, 100)

	err := f.ledger.Deposit(context.Background(), alice, alice, token, uint256.NewInt(100))
	status, ok := compliance.RejectionStatus(err)
	if !ok || status != compliance.StatusRejected {
		t.Fatalf("expected rejection, got %v", err)
	}
	expectBalance(t, f.ledger, alice, 0)
	expectWallet(t, f.mover, alice, 90)
	expectWallet(t, f.mover, collector, 10)
	if len(f.log.List()) != 0 {
		t.Fatal("rejected deposit must not publish records")
	}
	f.assertConserved(t)
}

func TestMoveThenCheckRefundsOnRejection(t *testing.T) {
	f := newFixture(t, MoveThenCheck, compliance.FeeRate{Numerator: 1, Denominator: 10})
	ctx := context.Background()
	f.mover.Fund(alice, token, uint256.NewInt(200))

	f.reject(t, OpDeposit, alice, alice, 100)
	if err := f.ledger.Deposit(ctx, alice, alice, token, uint256.NewInt(100)); !errors.Is(err, compliance.ErrComplianceRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	expectWallet(t, f.mover, alice, 190)
	expectWallet(t, f.mover, collector, 10)
	f.assertConserved(t)

	f.approve(t, OpDeposit, alice, alice, 100)
	if err := f.ledger.Deposit(ctx, alice, alice, token, uint256.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	expectBalance(t, f.ledger, alice, 90)
	expectWallet(t, f.mover, alice, 90)
	expectWallet(t, f.mover, collector, 20)
	f.assertConserved(t)
}

func TestBalancesMatchHoldingsAcrossOperations(t *testing.T) {
	f := newFixture(t, PreCheckThenMove, compliance.FeeRate{Numerator: 1, Denominator: 100})
	ctx := context.Background()
	f.mover.Fund(alice, token, uint256.NewInt(1005))
	f.mover.Fund(bob, token, uint256.NewInt(10))

	f.approve(t, OpDeposit, alice, alice, 1000)
	if err := f.ledger.Deposit(ctx, alice, alice, token, uint256.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	expectBalance(t, f.ledger, alice, 990)
	f.assertConserved(t)

	f.approve(t, OpTransfer, alice, bob, 500)
	if err := f.ledger.Transfer(ctx, alice, bob, token, uint256.NewInt(500)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	expectBalance(t, f.ledger, alice, 490)
	expectBalance(t, f.ledger, bob, 500)
	expectWallet(t, f.mover, alice, 0)
	f.assertConserved(t)

	f.reject(t, OpWithdraw, bob, bob, 200)
	if err := f.ledger.Withdraw(ctx, bob, token, uint256.NewInt(200)); !errors.Is(err, compliance.ErrComplianceRejected) {
		t.Fatalf("expected rejected withdraw, got %v", err)
	}
	expectBalance(t, f.ledger, bob, 500)
	expectWallet(t, f.mover, bob, 8)
	f.assertConserved(t)

	f.approve(t, OpWithdraw, bob, bob, 0)
	if err := f.ledger.Withdraw(ctx, bob, token, nil); err != nil {
		t.Fatalf("withdraw all: %v", err)
	}
	expectBalance(t, f.ledger, bob, 0)
	expectWallet(t, f.mover, bob, 503)
	expectWallet(t, f.mover, collector, 22)
	f.assertConserved(t)

	if err := f.ledger.Withdraw(ctx, bob, token, nil); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("withdraw all of nothing should be invalid, got %v", err)
	}
}

func TestWithdrawWithFeeRollsBackWhenPayoutFails(t *testing.T) {
	f := newFixture(t, PreCheckThenMove, compliance.FeeRate{Numerator: 1, Denominator: 100})
	ctx := context.Background()
	f.mover.Fund(alice, token, uint256.NewInt(203))
	f.approve(t, OpDeposit, alice, alice, 202)
	if err := f.ledger.Deposit(ctx, alice, alice, token, uint256.NewInt(202)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	expectBalance(t, f.ledger, alice, 200)
	published := len(f.log.List())

	f.approve(t, OpWithdraw, alice, alice, 100)
	f.mover.OnMove(func(_ context.Context, m asset.Movement) error {
		if m.Direction == asset.Out && m.Account == alice {
			return errors.New("payout rejected")
		}
		return nil
	})
	err := f.ledger.Withdraw(ctx, alice, token, uint256.NewInt(100))
	if !errors.Is(err, ErrAssetMovementFailed) {
		t.Fatalf("expected asset movement failure, got %v", err)
	}
	expectBalance(t, f.ledger, alice, 200)
	expectWallet(t, f.mover, alice, 0)
	expectWallet(t, f.mover, collector, 3)
	if len(f.log.List()) != published {
		t.Fatal("reverted withdraw must not publish records")
	}
	if st := f.lastSettlement(t); st.State != StateReverted || st.Fee.Uint64() != 1 {
		t.Fatalf("expected reverted settlement carrying the fee, got %+v", st)
	}
	f.assertConserved(t)
}

func TestRejectedTransferLeavesBalancesAlone(t *testing.T) {
	f := newFixture(t, PreCheckThenMove, compliance.FeeRate{Numerator: 1, Denominator: 10})
	ctx := context.Background()
	f.mover.Fund(alice, token, uint256.NewInt(105))
	f.approve(t, OpDeposit, alice, alice, 100)
	if err := f.ledger.Deposit(ctx, alice, alice, token, uint256.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	expectBalance(t, f.ledger, alice, 90)
	published := len(f.log.List())

	f.reject(t, OpTransfer, alice, bob, 50)
	if err := f.ledger.Transfer(ctx, alice, bob, token, uint256.NewInt(50)); !errors.Is(err, compliance.ErrComplianceRejected) {
		t.Fatalf("expected rejected transfer, got %v", err)
	}
	expectBalance(t, f.ledger, alice, 90)
	expectBalance(t, f.ledger, bob, 0)
	expectWallet(t, f.mover, alice, 0)
	expectWallet(t, f.mover, collector, 15)
	f.assertConserved(t)

	f.approve(t, OpTransfer, alice, bob, 40)
	if err := f.ledger.Transfer(ctx, alice, bob, token, uint256.NewInt(40)); !errors.Is(err, compliance.ErrFeePayment) {
		t.Fatalf("transfer without wallet funds for the fee should fail, got %v", err)
	}
	expectBalance(t, f.ledger, alice, 90)
	expectBalance(t, f.ledger, bob, 0)
	if len(f.log.List()) != published {
		t.Fatal("failed transfers must not publish records")
	}
	f.assertConserved(t)
}

func TestFailedFeeForwardReturnsFeeToWallet(t *testing.T) {
	f := newFixture(t, PreCheckThenMove, compliance.FeeRate{Numerator: 1, Denominator: 10})
	f.mover.Fund(alice, token, uint256.NewInt(100))
	f.approve(t, OpDeposit, alice, alice, 100)

	f.mover.FailNext(asset.Out, errors.New("collector unreachable"))
	err := f.ledger.Deposit(context.Background(), alice, alice, token, uint256.NewInt(100))
	if !errors.Is(err, compliance.ErrFeePayment) {
		t.Fatalf("expected fee payment failure, got %v", err)
	}
	expectWallet(t, f.mover, alice, 100)
	expectWallet(t, f.mover, collector, 0)
	if held, _ := f.mover.Holdings(context.Background(), token); !held.IsZero() {
		t.Fatalf("custody kept %s after a failed fee forward", held.Dec())
	}
	if total := f.ledger.TotalBalance(token); !total.IsZero() {
		t.Fatalf("ledger total %s, want 0", total.Dec())
	}
	f.assertConserved(t)
}

func TestReentrantCallJoinsOuterCall(t *testing.T) {
	f := newFixture(t, PreCheckThenMove, compliance.NoFee)
	ctx := context.Background()
	f.mover.Fund(alice, token, uint256.NewInt(15))
	f.approve(t, OpDeposit, alice, alice, 10)
	if err := f.ledger.Deposit(ctx, alice, alice, token, uint256.NewInt(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	f.approve(t, OpWithdraw, alice, alice, 10)
	f.approve(t, OpDeposit, alice, alice, 5)

	var fired, sawActivation bool
	var nestedErr error
	f.mover.OnMove(func(ctx context.Context, m asset.Movement) error {
		if fired || m.Direction != asset.Out {
			return nil
		}
		fired = true
		sawActivation = compliance.Activated(ctx)
		nestedErr = f.ledger.Deposit(ctx, alice, alice, token, uint256.NewInt(5))
		return nil
	})

	if err := f.ledger.Withdraw(ctx, alice, token, uint256.NewInt(10)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if nestedErr != nil {
		t.Fatalf("nested deposit: %v", nestedErr)
	}
	if sawActivation {
		t.Fatal("movement callback must not see the outer call's activation")
	}
	expectBalance(t, f.ledger, alice, 5)
	f.assertConserved(t)

	var nested int
	for _, st := range f.settlements {
		if st.Nested {
			nested++
		}
	}
	if nested != 1 {
		t.Fatalf("expected one nested settlement, got %d", nested)
	}
}

func TestFailedReentrantCallRevertsOuterCall(t *testing.T) {
	f := newFixture(t, PreCheckThenMove, compliance.NoFee)
	ctx := context.Background()
	f.mover.Fund(alice, token, uint256.NewInt(10))
	f.approve(t, OpDeposit, alice, alice, 10)
	if err := f.ledger.Deposit(ctx, alice, alice, token, uint256.NewInt(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	f.approve(t, OpTransfer, alice, bob, 4)
	f.approve(t, OpWithdraw, alice, alice, 6)

	f.mover.OnMove(func(ctx context.Context, m asset.Movement) error {
		if err := f.ledger.Transfer(ctx, alice, bob, token, uint256.NewInt(4)); err != nil {
			return err
		}
		// alice has nothing left to send.
		return f.ledger.Transfer(ctx, alice, bob, token, uint256.NewInt(1))
	})

	err := f.ledger.Withdraw(ctx, alice, token, uint256.NewInt(6))
	if !errors.Is(err, ErrAssetMovementFailed) {
		t.Fatalf("expected movement failure, got %v", err)
	}
	expectBalance(t, f.ledger, alice, 10)
	expectBalance(t, f.ledger, bob, 0)
	f.assertConserved(t)
}

func TestMemoChangesFingerprint(t *testing.T) {
	f := newFixture(t, PreCheckThenMove, compliance.NoFee)
	ctx := context.Background()
	f.mover.Fund(alice, token, uint256.NewInt(10))

	f.approve(t, OpDeposit, alice, alice, 10)
	err := f.ledger.Deposit(ctx, alice, alice, token, uint256.NewInt(10), WithMemo([]byte("invoice-7")))
	if !errors.Is(err, compliance.ErrComplianceRejected) {
		t.Fatalf("memo deposit must need its own approval, got %v", err)
	}

	f.approve(t, OpDeposit, alice, alice, 10, WithMemo([]byte("invoice-7")))
	if err := f.ledger.Deposit(ctx, alice, alice, token, uint256.NewInt(10), WithMemo([]byte("invoice-7"))); err != nil {
		t.Fatalf("memo deposit: %v", err)
	}
	expectBalance(t, f.ledger, alice, 10)
}

func TestCommitSinkReceivesBalancesAndRecords(t *testing.T) {
	f := newFixture(t, PreCheckThenMove, compliance.NoFee)
	f.sink.err = errors.New("database unavailable")
	f.mover.Fund(alice, token, uint256.NewInt(7))
	f.approve(t, OpDeposit, alice, alice, 7)

	if err := f.ledger.Deposit(context.Background(), alice, alice, token, uint256.NewInt(7)); err != nil {
		t.Fatalf("sink failure must not fail a settled call: %v", err)
	}
	if len(f.sink.balances) != 1 || f.sink.balances[0].Account != alice || f.sink.balances[0].Amount.Uint64() != 7 {
		t.Fatalf("unexpected sink balances %+v", f.sink.balances)
	}
	if len(f.sink.records) != 2 {
		t.Fatalf("expected deposit and settlement records, got %d", len(f.sink.records))
	}
}

func TestInvalidAmounts(t *testing.T) {
	f := newFixture(t, PreCheckThenMove, compliance.NoFee)
	ctx := context.Background()
	if err := f.ledger.Deposit(ctx, alice, alice, token, uint256.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero deposit: %v", err)
	}
	if err := f.ledger.Transfer(ctx, alice, bob, token, nil); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero transfer: %v", err)
	}
	if err := f.ledger.Deposit(ctx, alice, common.Address{}, token, uint256.NewInt(1)); !errors.Is(err, ErrInvalidAccount) {
		t.Fatalf("zero destination: %v", err)
	}
	if _, err := f.ledger.Request(Operation("burn"), alice, bob, token, uint256.NewInt(1)); err == nil {
		t.Fatal("unknown operation should fail")
	}
}

func TestRestoreOnlyBeforeFirstCall(t *testing.T) {
	f := newFixture(t, PreCheckThenMove, compliance.NoFee)
	if err := f.ledger.Restore([]Balance{{Account: alice, Currency: token, Amount: uint256.NewInt(12)}}); err != nil {
		t.Fatalf("restore: %v", err)
	}
	expectBalance(t, f.ledger, alice, 12)
	if total := f.ledger.TotalBalance(token); total.Uint64() != 12 {
		t.Fatalf("total = %s", total.Dec())
	}
	if err := f.ledger.Restore(nil); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("second restore should fail, got %v", err)
	}
}

func TestSettlementTransitions(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateRequested, StateGated, true},
		{StateRequested, StateAuthorized, true},
		{StateGated, StateRejected, true},
		{StateGated, StateAuthorized, true},
		{StateAuthorized, StateSettled, true},
		{StateAuthorized, StateReverted, true},
		{StateRejected, StateAuthorized, false},
		{StateSettled, StateReverted, false},
		{StateRequested, StateSettled, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Fatalf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
	for _, s := range []State{StateRejected, StateSettled, StateReverted} {
		if !IsTerminal(s) {
			t.Fatalf("%s should be terminal", s)
		}
	}
}

func TestParseStrategy(t *testing.T) {
	if s, err := ParseStrategy("Move-Then-Check"); err != nil || s != MoveThenCheck {
		t.Fatalf("got %v, %v", s, err)
	}
	if s, err := ParseStrategy(""); err != nil || s != PreCheckThenMove {
		t.Fatalf("empty should default, got %v, %v", s, err)
	}
	if _, err := ParseStrategy("eventually"); err == nil {
		t.Fatal("unknown strategy should fail")
	}
}
