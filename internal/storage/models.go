package storage

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Reconciliation statuses.
const (
	StatusBalanced  = "balanced"
	StatusSurplus   = "surplus"
	StatusShortfall = "shortfall"
	StatusErrored   = "errored"
)

// ReconciliationSample compares ledger totals with custody holdings for one bucket.
// Drift is holdings minus ledger total; negative means custody is short.
type ReconciliationSample struct {
	Bucket      time.Time
	Currency    common.Address
	LedgerTotal *uint256.Int
	Holdings    *uint256.Int
	Drift       decimal.Decimal
	DriftPct    decimal.Decimal
	Status      string
	Error       *string
	CreatedAt   time.Time
}

// AlertRecord captures an emitted drift alert for de-duplication/auditing.
type AlertRecord struct {
	ID           int64
	SampleTS     time.Time
	Currency     common.Address
	DriftPct     decimal.Decimal
	ThresholdPct decimal.Decimal
	Direction    string
	Channels     []string
	CreatedAt    time.Time
}
