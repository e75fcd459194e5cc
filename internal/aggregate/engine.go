// Package aggregate replays staged pass events against each vehicle's ledger
// row, one independent fold per plate on a bounded worker pool.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/tollmark/mileage/internal/model"
	"github.com/tollmark/mileage/internal/staging"
	"github.com/tollmark/mileage/internal/storage"
	"golang.org/x/sync/errgroup"
)

// ErrUnknownVehicle is reported for a plate that has staged events but no ledger row.
var ErrUnknownVehicle = errors.New("unknown vehicle")

// DefaultMultiplier scales the CPU count into the worker pool bound.
const DefaultMultiplier = 4

// Options configures an Engine.
type Options struct {
	// Multiplier is applied to runtime.NumCPU(). Zero means DefaultMultiplier.
	Multiplier int
	// Workers, when positive, replaces the CPU based bound.
	Workers int
	Logger  *slog.Logger
}

// Result is the outcome of one engine run. Succeeded, Failed and Skipped
// add up to Vehicles unless the run was interrupted.
type Result struct {
	Vehicles       int
	Succeeded      int
	Failed         int
	Skipped        int
	EventsApplied  int
	EventsStale    int
	EventsRejected int
	FailedPlates   []string
	Workers        int
	Duration       time.Duration
}

// Engine runs per-vehicle folds concurrently.
type Engine struct {
	store  storage.Store
	route  RouteModel
	opts   Options
	logger *slog.Logger
	inst   *instruments
}

// New creates an Engine over store and route.
func New(store storage.Store, route RouteModel, opts Options) (*Engine, error) {
	if opts.Multiplier <= 0 {
		opts.Multiplier = DefaultMultiplier
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	inst, err := newInstruments()
	if err != nil {
		return nil, err
	}
	return &Engine{store: store, route: route, opts: opts, logger: logger, inst: inst}, nil
}

// WorkerCount returns the pool bound for the given number of plates.
func (e *Engine) WorkerCount(plates int) int {
	limit := e.opts.Workers
	if limit <= 0 {
		limit = runtime.NumCPU() * e.opts.Multiplier
	}
	return max(1, min(plates, limit))
}

// groupByPlate partitions events by plate, keeping input order inside each
// group and first-seen order across groups.
func groupByPlate(events []staging.SequencedEvent) (map[string][]staging.SequencedEvent, []string) {
	groups := make(map[string][]staging.SequencedEvent)
	var plates []string
	for _, ev := range events {
		if _, ok := groups[ev.Plate]; !ok {
			plates = append(plates, ev.Plate)
		}
		groups[ev.Plate] = append(groups[ev.Plate], ev)
	}
	return groups, plates
}

// Run folds every plate's events into its ledger row. A failing plate is
// counted and logged; it never stops the others. The returned error is
// non-nil only when dispatch itself could not complete.
func (e *Engine) Run(ctx context.Context, events []staging.SequencedEvent) (Result, error) {
	start := time.Now()
	groups, plates := groupByPlate(events)
	res := Result{Vehicles: len(plates)}
	if len(plates) == 0 {
		return res, nil
	}
	res.Workers = e.WorkerCount(len(plates))

	var (
		mu    sync.Mutex
		stats FoldStats
		g     errgroup.Group
	)
	g.SetLimit(res.Workers)

	for _, plate := range plates {
		if ctx.Err() != nil {
			break
		}
		evs := groups[plate]
		g.Go(func() error {
			taskStart := time.Now()
			fs, err := e.reconcileVehicle(ctx, plate, evs)
			e.inst.duration.Record(ctx, float64(time.Since(taskStart).Microseconds())/1000.0)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				res.Succeeded++
				stats.add(fs)
				e.inst.succeeded.Add(ctx, 1)
			case errors.Is(err, ErrUnknownVehicle):
				res.Skipped++
				e.inst.skipped.Add(ctx, 1)
				e.logger.WarnContext(ctx, "Skipping events for unregistered plate", "plate", plate, "events", len(evs))
			default:
				res.Failed++
				res.FailedPlates = append(res.FailedPlates, plate)
				e.inst.failed.Add(ctx, 1)
				e.logger.ErrorContext(ctx, "Vehicle reconcile failed", "plate", plate, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(res.FailedPlates)
	res.EventsApplied = stats.Applied
	res.EventsStale = stats.Stale
	res.EventsRejected = stats.Rejected
	res.Duration = time.Since(start)

	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("dispatch interrupted: %w", err)
	}
	e.logger.InfoContext(ctx, "Reconcile finished",
		"vehicles", res.Vehicles,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"skipped", res.Skipped,
		"workers", res.Workers,
		"duration", res.Duration,
	)
	return res, nil
}

// reconcileVehicle runs one plate's fold on its own connection and transaction.
func (e *Engine) reconcileVehicle(ctx context.Context, plate string, events []staging.SequencedEvent) (FoldStats, error) {
	var stats FoldStats
	err := e.store.WithConn(ctx, func(conn storage.Store) error {
		return conn.WithTransaction(ctx, func(tx storage.Store) error {
			var v model.Vehicle
			if err := tx.Get(ctx, &v, "plate = ?", plate); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("%w: %s", ErrUnknownVehicle, plate)
				}
				return err
			}

			next, fs := Fold(StateOf(v), events, e.route)
			if _, err := tx.Update(ctx, &model.Vehicle{}, next.Values(), "plate = ?", plate); err != nil {
				return err
			}
			stats = fs
			return nil
		})
	})
	if err != nil {
		return FoldStats{}, err
	}
	if stats.Rejected > 0 {
		e.logger.WarnContext(ctx, "Rejected off-route passes", "plate", plate, "count", stats.Rejected)
	}
	return stats, nil
}
