package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"compliance-custody/internal/alerting"
	"compliance-custody/internal/asset"
	"compliance-custody/internal/compliance"
	"compliance-custody/internal/config"
	"compliance-custody/internal/custody"
	"compliance-custody/internal/events"
	"compliance-custody/internal/oracle"
	"compliance-custody/internal/roles"
	"compliance-custody/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// Runtime is the wired custody stack.
type Runtime struct {
	Roles  *roles.Registry
	Oracle *oracle.Oracle
	Gate   *compliance.Gate
	Mover  *asset.Simulated
	// Chain reads custody's on-chain holdings; nil without chain.rpc_url.
	Chain  asset.HoldingsReader
	Ledger *custody.Ledger
	Log    *events.MemoryLog
	Store  *storage.Store

	closers []func()
}

// Holdings picks what reconciliation compares the ledger with. Movements always
// settle through the sandbox mover, so a ledger that is taking traffic is checked
// against it. A standalone reconciler works from the persisted ledger and checks it
// against the chain when one is configured.
func (r *Runtime) Holdings(standalone bool) asset.HoldingsReader {
	if standalone && r.Chain != nil {
		return r.Chain
	}
	return r.Mover
}

// Close releases every resource the runtime opened, newest first.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

type accounts struct {
	custody          common.Address
	admins           []common.Address
	operators        []common.Address
	exempt           []common.Address
	feeCollector     common.Address
	defaultCollector common.Address
}

func (a *App) parseAccounts() (accounts, error) {
	cfg := a.Config
	var out accounts
	var err error

	out.custody = cfg.Chain.Custody()
	if out.admins, err = config.ParseAddresses("compliance.admins", cfg.Compliance.Admins); err != nil {
		return out, err
	}
	if out.operators, err = config.ParseAddresses("compliance.operators", cfg.Compliance.Operators); err != nil {
		return out, err
	}
	if out.exempt, err = config.ParseAddresses("exemption.accounts", cfg.Exemption.Accounts); err != nil {
		return out, err
	}
	if cfg.Compliance.FeeCollector != "" {
		if out.feeCollector, err = config.ParseAddress("compliance.fee_collector", cfg.Compliance.FeeCollector); err != nil {
			return out, err
		}
	}
	if cfg.Compliance.DefaultCollector != "" {
		if out.defaultCollector, err = config.ParseAddress("compliance.default_collector", cfg.Compliance.DefaultCollector); err != nil {
			return out, err
		}
	}
	return out, nil
}

// Build wires roles, oracle, gate, mover, publishers, persistence and the ledger. The
// caller must Close the runtime.
func (a *App) Build(ctx context.Context) (*Runtime, error) {
	accts, err := a.parseAccounts()
	if err != nil {
		return nil, err
	}
	rate, err := a.Config.Compliance.FeeRate()
	if err != nil {
		return nil, err
	}

	rt := &Runtime{Log: events.NewMemoryLog()}
	fail := func(err error) (*Runtime, error) {
		rt.Close()
		return nil, err
	}

	rt.Roles = roles.NewRegistry(accts.admins...)
	rt.Roles.Seed(roles.Operator, accts.operators...)
	rt.Roles.Seed(roles.Exempt, accts.exempt...)

	authStore, err := a.openAuthorizationStore(ctx, rt)
	if err != nil {
		return fail(err)
	}
	rt.Oracle, err = oracle.New(authStore, rt.Roles, oracle.Options{
		TTL:       a.Config.Compliance.AuthorizationTTL,
		FeeRate:   rate,
		Collector: accts.feeCollector,
	}, a.Logger)
	if err != nil {
		return fail(err)
	}

	rt.Mover = asset.NewSimulated(accts.custody, a.Logger)
	rt.Gate = compliance.NewGate(big.NewInt(a.Config.Chain.ChainID), rt.Oracle, rt.Mover, a.Logger)
	if accts.defaultCollector != (common.Address{}) {
		if err := rt.Gate.SetDefaultCollector(accts.defaultCollector); err != nil {
			return fail(err)
		}
	}

	publisher, err := a.newPublisher(rt)
	if err != nil {
		return fail(err)
	}

	rt.Store, err = a.openStore(ctx, rt)
	if err != nil {
		return fail(err)
	}
	var sink custody.CommitSink
	if rt.Store != nil {
		if err := rt.Store.EnsureSchema(ctx); err != nil {
			return fail(err)
		}
		sink = rt.Store
	} else {
		a.Logger.Warn().Msg("database.dsn not configured; ledger state is kept in memory only")
	}

	rt.Ledger, err = custody.NewLedger(rt.Gate, rt.Mover, custody.Options{
		Strategy:  a.Config.Compliance.CustodyStrategy(),
		Exemption: custody.RoleExemption{Roles: rt.Roles},
		Publisher: publisher,
		Sink:      sink,
	}, a.Logger)
	if err != nil {
		return fail(err)
	}

	if rt.Store != nil {
		if err := a.restore(ctx, rt); err != nil {
			return fail(err)
		}
	}

	if a.Config.Chain.RPCURL != "" {
		rt.Chain = asset.NewEthereum(asset.EthereumOptions{
			RPCURL:  a.Config.Chain.RPCURL,
			Custody: accts.custody,
			Native:  compliance.NativeCurrency,
			Timeout: a.Config.Chain.RequestTimeout,
		}, a.Logger)
	}

	a.Logger.Info().
		Str("strategy", rt.Ledger.Strategy().String()).
		Str("fee_rate", rate.String()).
		Int("exempt_accounts", len(accts.exempt)).
		Bool("persistent", rt.Store != nil).
		Msg("custody runtime ready")
	return rt, nil
}

// restore loads committed balances and mirrors their totals into the sandbox custody
// account so holdings match what the ledger owes.
func (a *App) restore(ctx context.Context, rt *Runtime) error {
	balances, err := rt.Store.LoadBalances(ctx)
	if err != nil {
		return fmt.Errorf("load balances: %w", err)
	}
	if len(balances) == 0 {
		return nil
	}
	if err := rt.Ledger.Restore(balances); err != nil {
		return err
	}
	for _, currency := range rt.Ledger.Currencies() {
		rt.Mover.Fund(rt.Mover.Custody(), currency, rt.Ledger.TotalBalance(currency))
	}
	a.Logger.Info().Int("balances", len(balances)).Msg("ledger restored from database")
	return nil
}

func (a *App) openAuthorizationStore(ctx context.Context, rt *Runtime) (oracle.Store, error) {
	if !strings.EqualFold(a.Config.Compliance.Store, "redis") {
		return oracle.NewMemoryStore(), nil
	}
	opts := oracle.RedisOptions{
		Addr:      a.Config.Redis.Addr,
		Password:  a.Config.Redis.Password,
		DB:        a.Config.Redis.DB,
		KeyPrefix: a.Config.Redis.KeyPrefix,
		Retention: a.Config.Redis.Retention,
	}
	client, err := oracle.NewRedisClient(ctx, opts)
	if err != nil {
		return nil, err
	}
	store := oracle.NewRedisStore(client, opts)
	rt.closers = append(rt.closers, func() { _ = store.Close() })
	return store, nil
}

func (a *App) newPublisher(rt *Runtime) (events.Publisher, error) {
	if !a.Config.Kafka.Enabled {
		return rt.Log, nil
	}
	kafka, err := events.NewKafkaPublisher(events.KafkaConfig{
		Brokers: a.Config.Kafka.Brokers,
		Topic:   a.Config.Kafka.Topic,
	})
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func() {
		if err := kafka.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("close kafka writer")
		}
	})
	return events.Fanout{rt.Log, kafka}, nil
}

func (a *App) openStore(ctx context.Context, rt *Runtime) (*storage.Store, error) {
	store, closeStore, err := a.openDatabase(ctx)
	if err != nil {
		return nil, err
	}
	if closeStore != nil {
		rt.closers = append(rt.closers, closeStore)
	}
	return store, nil
}

func (a *App) openDatabase(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newNotifier() alerting.Notifier {
	notifiers := alerting.Multi{alerting.NewLogNotifier(a.Logger)}
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		notifiers = append(notifiers, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
	}
	return notifiers
}

func ignoreCanceled(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ExportOptions hold parameters for exporting historical records.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit           int
	Reconciliations bool
}
