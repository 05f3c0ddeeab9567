package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"compliance-custody/internal/custody"
	"compliance-custody/internal/events"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

//go:embed schema.sql
var schemaSQL string

const (
	upsertBalanceSQL = `INSERT INTO ledger_balances (account, currency, balance, updated_at)
    VALUES ($1, $2, $3::numeric, now())
    ON CONFLICT (account, currency) DO UPDATE
    SET balance    = EXCLUDED.balance,
        updated_at = EXCLUDED.updated_at;`

	deleteBalanceSQL = `DELETE FROM ledger_balances WHERE account = $1 AND currency = $2;`

	listBalancesSQL = `SELECT account, currency, balance::text
    FROM ledger_balances
    WHERE balance > 0
    ORDER BY account, currency;`

	insertRecordSQL = `INSERT INTO ledger_records (
        id,
        kind,
        source,
        destination,
        currency,
        amount,
        authorization_id,
        recorded_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6::numeric,$7,$8
    )
    ON CONFLICT (id) DO NOTHING;`

	listRecordsBetweenSQL = `SELECT
        id,
        kind,
        source,
        destination,
        currency,
        amount::text,
        authorization_id,
        recorded_at
    FROM ledger_records
    WHERE recorded_at >= $1
      AND recorded_at < $2
    ORDER BY recorded_at, created_at;`

	listRecentRecordsSQL = `SELECT
        id,
        kind,
        source,
        destination,
        currency,
        amount::text,
        authorization_id,
        recorded_at
    FROM ledger_records
    ORDER BY recorded_at DESC, created_at DESC
    LIMIT $1;`

	countRecordsSQL = `SELECT COUNT(*) FROM ledger_records;`

	upsertReconciliationSQL = `INSERT INTO reconciliation_samples (
        bucket_ts,
        currency,
        ledger_total,
        holdings,
        drift,
        drift_pct,
        status,
        error
    ) VALUES (
        $1,$2,$3::numeric,$4::numeric,$5::numeric,$6::numeric,$7,$8
    )
    ON CONFLICT (bucket_ts, currency) DO UPDATE
    SET
        ledger_total = EXCLUDED.ledger_total,
        holdings     = EXCLUDED.holdings,
        drift        = EXCLUDED.drift,
        drift_pct    = EXCLUDED.drift_pct,
        status       = EXCLUDED.status,
        error        = EXCLUDED.error;`

	listRecentReconciliationsSQL = `SELECT
        bucket_ts,
        currency,
        ledger_total::text,
        holdings::text,
        drift::text,
        drift_pct::text,
        status,
        error,
        created_at
    FROM reconciliation_samples
    ORDER BY bucket_ts DESC, currency
    LIMIT $1;`

	insertAlertSQL = `INSERT INTO reconciliation_alerts (
        sample_ts,
        currency,
        drift_pct,
        threshold_pct,
        direction,
        channels
    ) VALUES (
        $1,$2,$3::numeric,$4::numeric,$5,$6
    )
    ON CONFLICT (sample_ts, currency) DO UPDATE
    SET drift_pct     = EXCLUDED.drift_pct,
        threshold_pct = EXCLUDED.threshold_pct,
        direction     = EXCLUDED.direction,
        channels      = EXCLUDED.channels
    RETURNING id, sample_ts, currency, drift_pct::text, threshold_pct::text, direction, channels, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        sample_ts,
        currency,
        drift_pct::text,
        threshold_pct::text,
        direction,
        channels,
        created_at
    FROM reconciliation_alerts
    WHERE currency = $1
    ORDER BY created_at DESC
    LIMIT $2;`

	deleteAlertsBeforeSQL = `DELETE FROM reconciliation_alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// LedgerStore persists committed ledger state.
type LedgerStore interface {
	CommitSettlement(ctx context.Context, balances []custody.Balance, records []events.Record) error
	LoadBalances(ctx context.Context) ([]custody.Balance, error)
	ListRecordsBetween(ctx context.Context, from, to time.Time) ([]events.Record, error)
	ListRecentRecords(ctx context.Context, limit int) ([]events.Record, error)
	CountRecords(ctx context.Context) (int64, error)
}

// ReconciliationStore persists reconciliation samples.
type ReconciliationStore interface {
	UpsertReconciliation(ctx context.Context, sample ReconciliationSample) error
	ListRecentReconciliations(ctx context.Context, limit int) ([]ReconciliationSample, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, currency common.Address, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to balances, records, reconciliation samples and alerts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates missing tables.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// CommitSettlement writes the balances and records of one ledger call in a transaction.
func (s *Store) CommitSettlement(ctx context.Context, balances []custody.Balance, records []events.Record) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin settlement: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, b := range balances {
		if b.Amount == nil || b.Amount.IsZero() {
			batch.Queue(deleteBalanceSQL, b.Account.Hex(), b.Currency.Hex())
			continue
		}
		batch.Queue(upsertBalanceSQL, b.Account.Hex(), b.Currency.Hex(), b.Amount.Dec())
	}
	for _, rec := range records {
		batch.Queue(insertRecordSQL,
			rec.ID,
			string(rec.Kind),
			rec.Source.Hex(),
			nullableAddress(rec.Destination),
			rec.Currency.Hex(),
			amountString(rec.Amount),
			nullableString(rec.AuthorizationID),
			rec.At,
		)
	}
	if batch.Len() == 0 {
		return nil
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("write settlement: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit settlement: %w", err)
	}
	return nil
}

// LoadBalances returns every non-zero persisted balance.
func (s *Store) LoadBalances(ctx context.Context) ([]custody.Balance, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listBalancesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list balances: %w", queryErr)
	}
	defer rows.Close()

	balances := make([]custody.Balance, 0)
	for rows.Next() {
		var account, currency, amountStr string
		if err := rows.Scan(&account, &currency, &amountStr); err != nil {
			return nil, err
		}
		amount, err := parseAmount(amountStr)
		if err != nil {
			return nil, fmt.Errorf("parse balance of %s: %w", account, err)
		}
		balances = append(balances, custody.Balance{
			Account:  common.HexToAddress(account),
			Currency: common.HexToAddress(currency),
			Amount:   amount,
		})
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return balances, nil
}

// ListRecordsBetween lists records within a time window.
func (s *Store) ListRecordsBetween(ctx context.Context, from, to time.Time) ([]events.Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecordsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list records between: %w", queryErr)
	}
	defer rows.Close()

	return collectRecords(rows, 0)
}

// ListRecentRecords lists the most recent records, newest first.
func (s *Store) ListRecentRecords(ctx context.Context, limit int) ([]events.Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentRecordsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent records: %w", queryErr)
	}
	defer rows.Close()

	return collectRecords(rows, limit)
}

// CountRecords counts stored records.
func (s *Store) CountRecords(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countRecordsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count records: %w", scanErr)
	}
	return count, nil
}

// UpsertReconciliation persists or updates a reconciliation sample.
func (s *Store) UpsertReconciliation(ctx context.Context, sample ReconciliationSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var errMsg interface{}
	if sample.Error != nil {
		errMsg = *sample.Error
	}

	_, execErr := pool.Exec(ctx, upsertReconciliationSQL,
		sample.Bucket,
		sample.Currency.Hex(),
		amountString(sample.LedgerTotal),
		amountString(sample.Holdings),
		sample.Drift.String(),
		sample.DriftPct.String(),
		sample.Status,
		errMsg,
	)
	if execErr != nil {
		return fmt.Errorf("upsert reconciliation: %w", execErr)
	}
	return nil
}

// ListRecentReconciliations lists the most recent samples ordered by descending bucket.
func (s *Store) ListRecentReconciliations(ctx context.Context, limit int) ([]ReconciliationSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentReconciliationsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent reconciliations: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]ReconciliationSample, 0, limit)
	for rows.Next() {
		sample, scanErr := scanReconciliation(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.SampleTS,
		alert.Currency.Hex(),
		alert.DriftPct.String(),
		alert.ThresholdPct.String(),
		alert.Direction,
		alert.Channels,
	)

	rec, scanErr := scanAlert(row)
	if scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlerts lists the most recent alerts for currency.
func (s *Store) ListRecentAlerts(ctx context.Context, currency common.Address, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, currency.Hex(), limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

func collectRecords(rows pgx.Rows, capacity int) ([]events.Record, error) {
	records := make([]events.Record, 0, capacity)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanRecord(row pgx.Row) (events.Record, error) {
	var (
		id          uuid.UUID
		kind        string
		source      string
		destination sql.NullString
		currency    string
		amountStr   string
		authID      sql.NullString
		recordedAt  time.Time
	)
	if err := row.Scan(&id, &kind, &source, &destination, &currency, &amountStr, &authID, &recordedAt); err != nil {
		return events.Record{}, err
	}
	amount, err := parseAmount(amountStr)
	if err != nil {
		return events.Record{}, fmt.Errorf("parse record amount: %w", err)
	}
	rec := events.Record{
		ID:       id,
		Kind:     events.Kind(kind),
		Source:   common.HexToAddress(source),
		Currency: common.HexToAddress(currency),
		Amount:   amount,
		At:       recordedAt,
	}
	if destination.Valid {
		rec.Destination = common.HexToAddress(destination.String)
	}
	if authID.Valid {
		rec.AuthorizationID = authID.String
	}
	return rec, nil
}

func scanReconciliation(row pgx.Row) (ReconciliationSample, error) {
	var (
		bucket      time.Time
		currency    string
		totalStr    string
		holdingsStr string
		driftStr    string
		driftPctStr string
		status      string
		errMsg      sql.NullString
		createdAt   time.Time
	)
	if err := row.Scan(&bucket, &currency, &totalStr, &holdingsStr, &driftStr, &driftPctStr, &status, &errMsg, &createdAt); err != nil {
		return ReconciliationSample{}, err
	}

	total, err := parseAmount(totalStr)
	if err != nil {
		return ReconciliationSample{}, fmt.Errorf("parse ledger total: %w", err)
	}
	holdings, err := parseAmount(holdingsStr)
	if err != nil {
		return ReconciliationSample{}, fmt.Errorf("parse holdings: %w", err)
	}
	drift, err := decimal.NewFromString(driftStr)
	if err != nil {
		return ReconciliationSample{}, fmt.Errorf("parse drift: %w", err)
	}
	driftPct, err := decimal.NewFromString(driftPctStr)
	if err != nil {
		return ReconciliationSample{}, fmt.Errorf("parse drift pct: %w", err)
	}

	sample := ReconciliationSample{
		Bucket:      bucket,
		Currency:    common.HexToAddress(currency),
		LedgerTotal: total,
		Holdings:    holdings,
		Drift:       drift,
		DriftPct:    driftPct,
		Status:      status,
		CreatedAt:   createdAt,
	}
	if errMsg.Valid {
		msg := errMsg.String
		sample.Error = &msg
	}
	return sample, nil
}

func scanAlert(row pgx.Row) (AlertRecord, error) {
	var (
		rec          AlertRecord
		currency     string
		driftStr     string
		thresholdStr string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.SampleTS,
		&currency,
		&driftStr,
		&thresholdStr,
		&rec.Direction,
		&rec.Channels,
		&rec.CreatedAt,
	); err != nil {
		return AlertRecord{}, err
	}
	rec.Currency = common.HexToAddress(currency)

	var convErr error
	rec.DriftPct, convErr = decimal.NewFromString(driftStr)
	if convErr != nil {
		return AlertRecord{}, fmt.Errorf("parse drift pct: %w", convErr)
	}
	rec.ThresholdPct, convErr = decimal.NewFromString(thresholdStr)
	if convErr != nil {
		return AlertRecord{}, fmt.Errorf("parse threshold pct: %w", convErr)
	}
	return rec, nil
}

func parseAmount(v string) (*uint256.Int, error) {
	return uint256.FromDecimal(v)
}

func amountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func nullableAddress(addr common.Address) interface{} {
	if addr == (common.Address{}) {
		return nil
	}
	return addr.Hex()
}

func nullableString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

var (
	_ LedgerStore         = (*Store)(nil)
	_ ReconciliationStore = (*Store)(nil)
	_ AlertStore          = (*Store)(nil)
	_ AdvisoryLocker      = (*Store)(nil)
	_ custody.CommitSink  = (*Store)(nil)
)
