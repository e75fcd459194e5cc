// Package ledger exposes the request-facing entry points: ingest a trace
// batch, reconcile staged passes into the ledger, query the ledger, undo a
// pending import, replay a plate and load vehicle master data.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/tollmark/mileage/internal/aggregate"
	"github.com/tollmark/mileage/internal/config"
	"github.com/tollmark/mileage/internal/model"
	"github.com/tollmark/mileage/internal/staging"
	"github.com/tollmark/mileage/internal/storage"
)

// RunRecorder receives a summary of every completed reconcile.
type RunRecorder interface {
	RecordReconcile(ctx context.Context, run model.ReconcileRun) error
}

// Dependencies holds everything a Service needs.
type Dependencies struct {
	Store    storage.Store
	Route    aggregate.RouteModel
	Config   config.Config
	Logger   *slog.Logger
	Recorder RunRecorder
}

// Service implements the ledger entry points.
type Service struct {
	store    storage.Store
	pipeline *staging.Pipeline
	engine   *aggregate.Engine
	logger   *slog.Logger
	recorder RunRecorder
}

// New wires a Service from deps.
func New(deps Dependencies) (*Service, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("ledger: store is required")
	}
	if deps.Route == nil {
		return nil, fmt.Errorf("ledger: route is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	engine, err := aggregate.New(deps.Store, deps.Route, aggregate.Options{
		Multiplier: deps.Config.Aggregate.MaxThreadsMultiplier,
		Logger:     logger.With("component", "aggregate"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}

	return &Service{
		store: deps.Store,
		pipeline: staging.New(deps.Store, staging.Options{
			TimeLayout: deps.Config.Staging.TimeLayout,
			Logger:     logger.With("component", "staging"),
		}),
		engine:   engine,
		logger:   logger,
		recorder: deps.Recorder,
	}, nil
}

// IngestTrace stages one uploaded trace batch. The report's RawRows is the
// imported count.
func (s *Service) IngestTrace(ctx context.Context, r io.Reader) (staging.Report, error) {
	rows, err := staging.ReadCSV(r)
	if err != nil {
		return staging.Report{}, err
	}
	return s.pipeline.Run(ctx, rows)
}

// Reconcile folds every staged event into the ledger and then drops the
// batches it read from staging, so calling it again without a new ingest
// changes nothing. A batch staged while it runs is left for the next call.
// Per-vehicle failures are reported in the result; the error is non-nil only
// when staging could not be read, dispatch was interrupted or the consumed
// batches could not be dropped.
func (s *Service) Reconcile(ctx context.Context) (aggregate.Result, error) {
	started := time.Now().UTC()

	events, err := s.pipeline.Staged(ctx)
	if err != nil {
		return aggregate.Result{}, fmt.Errorf("loading staged events: %w", err)
	}

	res, err := s.engine.Run(ctx, events)
	if err != nil {
		return res, err
	}

	if err := s.pipeline.Consume(ctx, staging.BatchIDs(events)); err != nil {
		return res, fmt.Errorf("clearing staging: %w", err)
	}

	s.record(ctx, started, res)
	return res, nil
}

func (s *Service) record(ctx context.Context, started time.Time, res aggregate.Result) {
	failed := res.FailedPlates
	if failed == nil {
		failed = []string{}
	}
	plates, err := json.Marshal(failed)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to encode failed plates", "error", err)
		return
	}

	run := model.ReconcileRun{
		StartedAt:      started,
		DurationMs:     res.Duration.Milliseconds(),
		Workers:        res.Workers,
		Vehicles:       res.Vehicles,
		Succeeded:      res.Succeeded,
		Failed:         res.Failed,
		Skipped:        res.Skipped,
		EventsApplied:  res.EventsApplied,
		EventsStale:    res.EventsStale,
		EventsRejected: res.EventsRejected,
		FailedPlates:   plates,
	}
	if err := s.store.Insert(ctx, &run); err != nil {
		s.logger.ErrorContext(ctx, "Failed to record reconcile run", "error", err)
	}
	if s.recorder != nil {
		if err := s.recorder.RecordReconcile(ctx, run); err != nil {
			s.logger.WarnContext(ctx, "Failed to export reconcile metrics", "error", err)
		}
	}
}

// QueryLedger returns the ledger row for plate, or every row ordered by
// plate when plate is empty. An unknown plate yields an empty list.
func (s *Service) QueryLedger(ctx context.Context, plate string) ([]model.Vehicle, error) {
	q := storage.Query{Order: "plate"}
	if plate != "" {
		q.Where = "plate = ?"
		q.Args = []any{plate}
	}
	var out []model.Vehicle
	if err := s.store.Scan(ctx, &out, q); err != nil {
		return nil, err
	}
	return out, nil
}

// UndoImport discards every staged but not yet reconciled pass.
func (s *Service) UndoImport(ctx context.Context) error {
	if err := s.pipeline.Reset(ctx); err != nil {
		return fmt.Errorf("undo import: %w", err)
	}
	s.logger.InfoContext(ctx, "Staged imports discarded")
	return nil
}

// Replay restages the logged passes of plate that are later than its ledger
// position, typically after the plate failed a reconcile. The passes are
// folded by the next Reconcile. It returns how many passes were restaged.
func (s *Service) Replay(ctx context.Context, plate string) (int, error) {
	var v model.Vehicle
	if err := s.store.Get(ctx, &v, "plate = ?", plate); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, fmt.Errorf("replay %s: %w", plate, aggregate.ErrUnknownVehicle)
		}
		return 0, err
	}
	n, err := s.pipeline.Restage(ctx, plate, v.LastRecordTime)
	if err != nil {
		return 0, fmt.Errorf("replay %s: %w", plate, err)
	}
	return n, nil
}

// Pending reports how many staged events await a reconcile.
func (s *Service) Pending(ctx context.Context) (int64, error) {
	return s.pipeline.Pending(ctx)
}

// Runs returns the most recent reconcile audit rows, newest first.
func (s *Service) Runs(ctx context.Context, limit int) ([]model.ReconcileRun, error) {
	var out []model.ReconcileRun
	err := s.store.Scan(ctx, &out, storage.Query{Order: "started_at DESC, id DESC", Limit: limit})
	return out, err
}
