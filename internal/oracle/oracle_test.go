package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"compliance-custody/internal/compliance"
	"compliance-custody/internal/roles"
)

var (
	operator  = common.HexToAddress("0x0000000000000000000000000000000000000f01")
	stranger  = common.HexToAddress("0x0000000000000000000000000000000000000f02")
	collector = common.HexToAddress("0x0000000000000000000000000000000000000fee")
	baseTime  = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func storeFactories(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"redis": func() Store {
			mr := miniredis.RunT(t)
			mr.SetTime(baseTime)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return NewRedisStore(client, RedisOptions{KeyPrefix: "test:auth:", Retention: time.Hour})
		},
	}
}

func newTestOracle(t *testing.T, store Store, clk *clock) *Oracle {
	t.Helper()
	reg := roles.NewRegistry()
	reg.Seed(roles.Operator, operator)
	o, err := New(store, reg, Options{TTL: 10 * time.Minute, Collector: collector, Now: clk.Now}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new oracle: %v", err)
	}
	return o
}

func fingerprint(seed string) compliance.Fingerprint {
	return crypto.Keccak256Hash([]byte(seed))
}

func TestConsumeIsSingleUse(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clk := &clock{now: baseTime}
			o := newTestOracle(t, factory(), clk)
			fp := fingerprint("single-use")

			if _, err := o.RequestCheck(ctx, fp); err != nil {
				t.Fatalf("request check: %v", err)
			}
			if err := o.IssueVerdict(ctx, operator, fp, true); err != nil {
				t.Fatalf("issue verdict: %v", err)
			}

			id, err := o.Consume(ctx, fp)
			if err != nil {
				t.Fatalf("first consume should succeed: %v", err)
			}
			if id.Fingerprint != fp || !id.RegisteredAt.Equal(baseTime) {
				t.Fatalf("unexpected authorization id %+v", id)
			}

			_, err = o.Consume(ctx, fp)
			status, ok := compliance.RejectionStatus(err)
			if !ok || status != compliance.StatusNotFound {
				t.Fatalf("second consume should be rejected as not_found, got %v", err)
			}
		})
	}
}

func TestPendingAndRejectedAreNotConsumable(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clk := &clock{now: baseTime}
			o := newTestOracle(t, factory(), clk)
			fp := fingerprint("pending")

			if _, err := o.RequestCheck(ctx, fp); err != nil {
				t.Fatalf("request check: %v", err)
			}
			_, err := o.Consume(ctx, fp)
			if status, _ := compliance.RejectionStatus(err); status != compliance.StatusPending {
				t.Fatalf("pending record should reject with pending, got %v", err)
			}

			if err := o.IssueVerdict(ctx, operator, fp, false); err != nil {
				t.Fatalf("issue verdict: %v", err)
			}
			_, err = o.Consume(ctx, fp)
			if status, _ := compliance.RejectionStatus(err); status != compliance.StatusRejected {
				t.Fatalf("rejected record should reject with rejected, got %v", err)
			}

			if err := o.IssueVerdict(ctx, operator, fp, true); !errors.Is(err, ErrNotPending) {
				t.Fatalf("second verdict should fail with ErrNotPending, got %v", err)
			}
		})
	}
}

func TestExpiredAuthorizationRejected(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clk := &clock{now: baseTime}
			o := newTestOracle(t, factory(), clk)
			fp := fingerprint("expiry")

			if _, err := o.RequestCheck(ctx, fp); err != nil {
				t.Fatalf("request check: %v", err)
			}
			if err := o.IssueVerdict(ctx, operator, fp, true); err != nil {
				t.Fatalf("issue verdict: %v", err)
			}

			clk.now = baseTime.Add(11 * time.Minute)
			rec, err := o.Status(ctx, fp)
			if err != nil {
				t.Fatalf("status: %v", err)
			}
			if rec.Status != compliance.StatusExpired {
				t.Fatalf("expected expired status, got %s", rec.Status)
			}
			_, err = o.Consume(ctx, fp)
			if status, _ := compliance.RejectionStatus(err); status != compliance.StatusExpired {
				t.Fatalf("expired record should reject with expired, got %v", err)
			}
		})
	}
}

func TestIdenticalRequestsArePooled(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clk := &clock{now: baseTime}
			o := newTestOracle(t, factory(), clk)
			fp := fingerprint("pooled")

			for i := 0; i < 2; i++ {
				if _, err := o.RequestCheck(ctx, fp); err != nil {
					t.Fatalf("request check %d: %v", i, err)
				}
			}
			rec, err := o.Status(ctx, fp)
			if err != nil || rec.Pooled != 2 {
				t.Fatalf("expected two pooled requests, got %+v (%v)", rec, err)
			}
			if err := o.IssueVerdict(ctx, operator, fp, true); err != nil {
				t.Fatalf("issue verdict: %v", err)
			}
			for i := 0; i < 2; i++ {
				if _, err := o.Consume(ctx, fp); err != nil {
					t.Fatalf("consume %d: %v", i, err)
				}
			}
			if _, err := o.Consume(ctx, fp); !errors.Is(err, compliance.ErrComplianceRejected) {
				t.Fatalf("pool should be exhausted, got %v", err)
			}
		})
	}
}

func TestVerdictRequiresOperator(t *testing.T) {
	ctx := context.Background()
	o := newTestOracle(t, NewMemoryStore(), &clock{now: baseTime})
	fp := fingerprint("auth")
	if _, err := o.RequestCheck(ctx, fp); err != nil {
		t.Fatalf("request check: %v", err)
	}
	if err := o.IssueVerdict(ctx, stranger, fp, true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := o.SetFeeRate(stranger, compliance.FeeRate{Numerator: 1, Denominator: 100}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized fee update, got %v", err)
	}
}

func TestFeeRateAndCollection(t *testing.T) {
	ctx := context.Background()
	o := newTestOracle(t, NewMemoryStore(), &clock{now: baseTime})

	if err := o.SetFeeRate(operator, compliance.FeeRate{Numerator: 2, Denominator: 1}); !errors.Is(err, compliance.ErrInvalidFeeRate) {
		t.Fatalf("numerator above denominator must fail, got %v", err)
	}
	if err := o.SetFeeRate(operator, compliance.FeeRate{Numerator: 1, Denominator: 100}); err != nil {
		t.Fatalf("set fee rate: %v", err)
	}
	rate, _ := o.FeeRate(ctx)
	if rate.Numerator != 1 || rate.Denominator != 100 {
		t.Fatalf("unexpected rate %s", rate)
	}

	token := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	_ = o.PayFee(ctx, token, uint256.NewInt(3))
	_ = o.PayFee(ctx, token, uint256.NewInt(4))
	if got := o.CollectedFees(token); got.Uint64() != 7 {
		t.Fatalf("expected 7 collected, got %s", got.Dec())
	}
	if addr, _ := o.FeeCollector(ctx); addr != collector {
		t.Fatalf("unexpected collector %s", addr.Hex())
	}
}
