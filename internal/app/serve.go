package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"compliance-custody/internal/api"
	"compliance-custody/internal/asset"
	"compliance-custody/internal/reconcile"
	"compliance-custody/internal/scheduler"
	"compliance-custody/internal/storage"
)

// Serve runs the HTTP API and the reconciliation loop until interrupted.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.Build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	svc, err := a.newReconciler(rt, rt.Holdings(false))
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         a.Config.HTTP.Addr,
		Handler:      api.NewServer(rt.Ledger, rt.Oracle, rt.Log, a.Logger).Routes(),
		ReadTimeout:  a.Config.HTTP.ReadTimeout,
		WriteTimeout: a.Config.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info().Str("addr", srv.Addr).Msg("http api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.Config.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return ignoreCanceled(svc.Run(gctx))
	})

	err = g.Wait()
	if err != nil {
		a.Logger.Error().Err(err).Msg("custodian terminated with error")
		return err
	}
	a.Logger.Info().Msg("custodian stopped")
	return nil
}

// Reconcile runs the reconciliation loop, or a single bucket when once is set.
func (a *App) Reconcile(ctx context.Context, once bool) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.Build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	svc, err := a.newReconciler(rt, rt.Holdings(true))
	if err != nil {
		return err
	}

	if once {
		bucket := time.Now().UTC().Truncate(a.Config.Reconcile.Interval)
		samples, err := svc.ProcessBucket(ctx, bucket)
		for _, s := range samples {
			a.Logger.Info().Str("currency", s.Currency.Hex()).Str("status", s.Status).
				Str("drift_pct", s.DriftPct.String()).Msg("reconciled")
		}
		return err
	}

	a.Logger.Info().Dur("interval", a.Config.Reconcile.Interval).Msg("starting reconciliation service")
	if err := ignoreCanceled(svc.Run(ctx)); err != nil {
		a.Logger.Error().Err(err).Msg("reconciliation terminated with error")
		return err
	}
	a.Logger.Info().Msg("reconciliation service stopped")
	return nil
}

func (a *App) newReconciler(rt *Runtime, holdings asset.HoldingsReader) (*reconcile.Service, error) {
	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Reconcile.Interval,
		AlignToStart: a.Config.Reconcile.AlignToBucket,
		StartupDelay: a.Config.Reconcile.StartupDelay,
		TickTimeout:  a.Config.Reconcile.TickTimeout,
	}, a.Logger)

	var samples storage.ReconciliationStore
	var alerts storage.AlertStore
	if rt.Store != nil {
		samples = rt.Store
		alerts = rt.Store
	}
	return reconcile.New(a.Config, sched, rt.Ledger, holdings, samples, alerts, a.newNotifier(), a.Logger)
}
