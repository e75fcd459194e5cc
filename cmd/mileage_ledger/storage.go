package main

import (
	"context"
	"fmt"

	"github.com/tollmark/mileage/internal/database"
	"github.com/tollmark/mileage/internal/influx"
	"github.com/tollmark/mileage/internal/ledger"
	"github.com/tollmark/mileage/internal/route"
	gormstorage "github.com/tollmark/mileage/internal/storage/gorm"
)

func (a *app) setupStorage(ctx context.Context) error {
	a.db = database.NewManager(a.cfg, a.zlog.With().Str("component", "database").Logger())
	if err := a.db.Connect(); err != nil {
		return err
	}
	if err := a.db.Setup(); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}

	rm, err := route.New(route.Config{
		Outbound:      a.cfg.Route.Outbound,
		Inbound:       a.cfg.Route.Inbound,
		InboundOffset: a.cfg.Route.InboundOffset,
		Duplicates:    route.DuplicatePolicy(a.cfg.Route.Duplicates),
	})
	if err != nil {
		return fmt.Errorf("loading route: %w", err)
	}
	a.logger.Info("Route loaded", "route", rm.String())

	deps := ledger.Dependencies{
		Store: gormstorage.New(gormstorage.Dependencies{
			DB:        a.db.DB,
			BatchSize: a.cfg.Staging.InsertBatchSize,
		}),
		Route:  rm,
		Config: a.cfg,
		Logger: a.logger,
	}
	if recorder := a.setupInflux(ctx); recorder != nil {
		deps.Recorder = recorder
	}

	a.service, err = ledger.New(deps)
	if err != nil {
		return fmt.Errorf("creating ledger service: %w", err)
	}
	a.logger.Info("Ledger service initialized", "storage", a.db.Type)
	return nil
}

// setupInflux returns nil when the sink is disabled or cannot be set up.
// A nil *influx.Manager must not reach the interface field.
func (a *app) setupInflux(ctx context.Context) *influx.Manager {
	if !a.cfg.Influx.Enabled {
		return nil
	}
	m := influx.NewManager(a.cfg.Influx, a.zlog.With().Str("component", "influx").Logger())
	if err := m.Connect(ctx); err != nil {
		a.logger.Warn("Reconcile metrics disabled", "error", err)
		_ = m.Close()
		return nil
	}
	a.influx = m
	return m
}
