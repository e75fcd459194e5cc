// Package staging turns an uploaded trace batch into sequenced per-plate
// events ready for the aggregation engine.
package staging

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tollmark/mileage/internal/model"
	"github.com/tollmark/mileage/internal/storage"
)

// DefaultTimeLayout matches pass times such as 2025/03/01 08:15.
const DefaultTimeLayout = "2006/01/02 15:04"

// Report summarizes one staged batch.
type Report struct {
	BatchID          string
	RawRows          int
	FilteredRows     int
	UnknownPlateRows int
	BadTimeRows      int
	DuplicateRows    int
	SequencedRows    int
}

// Options configures a Pipeline.
type Options struct {
	TimeLayout string
	Location   *time.Location
	Logger     *slog.Logger
}

// Pipeline stages trace batches. It holds no per-batch state and may be
// reused across batches.
type Pipeline struct {
	store  storage.Store
	layout string
	loc    *time.Location
	logger *slog.Logger
}

// New creates a Pipeline over store.
func New(store storage.Store, opts Options) *Pipeline {
	p := &Pipeline{
		store:  store,
		layout: opts.TimeLayout,
		loc:    opts.Location,
		logger: opts.Logger,
	}
	if p.layout == "" {
		p.layout = DefaultTimeLayout
	}
	if p.loc == nil {
		p.loc = time.UTC
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Run stages one batch in a single transaction: raw ingest, filter against
// registered vehicles, sequencing and the append to the pass record log.
// Nothing is visible to a reconcile unless every step succeeds.
func (p *Pipeline) Run(ctx context.Context, rows []RawPass) (Report, error) {
	report := Report{BatchID: uuid.NewString(), RawRows: len(rows)}

	err := p.store.WithTransaction(ctx, func(tx storage.Store) error {
		if err := ensureRelations(ctx, tx); err != nil {
			return err
		}
		if err := p.ingestRaw(ctx, tx, rows); err != nil {
			return fmt.Errorf("raw ingest: %w", err)
		}
		if err := p.filter(ctx, tx, &report); err != nil {
			return fmt.Errorf("filter: %w", err)
		}
		if err := p.sequence(ctx, tx, &report); err != nil {
			return fmt.Errorf("sequence: %w", err)
		}
		return tx.Insert(ctx, &model.ImportBatch{
			ID:               report.BatchID,
			RawRows:          report.RawRows,
			FilteredRows:     report.FilteredRows,
			UnknownPlateRows: report.UnknownPlateRows,
			BadTimeRows:      report.BadTimeRows,
			SequencedRows:    report.SequencedRows,
			CreatedAt:        time.Now().UTC(),
		})
	})
	if err != nil {
		return Report{}, err
	}

	p.logger.InfoContext(ctx, "Staged import batch",
		"batch", report.BatchID,
		"raw", report.RawRows,
		"filtered", report.FilteredRows,
		"unknownPlate", report.UnknownPlateRows,
		"badTime", report.BadTimeRows,
		"duplicate", report.DuplicateRows,
		"sequenced", report.SequencedRows,
	)
	return report, nil
}

func ensureRelations(ctx context.Context, s storage.Store) error {
	for _, m := range model.StagingModels {
		if err := s.CreateTemp(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) ingestRaw(ctx context.Context, tx storage.Store, rows []RawPass) error {
	if err := tx.Truncate(ctx, &model.RawTrace{}); err != nil {
		return err
	}
	raw := make([]model.RawTrace, 0, len(rows))
	for _, r := range rows {
		rt := model.RawTrace{Plate: r.Plate, PassTime: r.PassTime}
		if r.Mark != "" {
			mark := r.Mark
			rt.Mark = &mark
		}
		raw = append(raw, rt)
	}
	return tx.Insert(ctx, &raw)
}

func passKey(plate string, at time.Time, mark *string) string {
	m := ""
	if mark != nil {
		m = *mark
	}
	return fmt.Sprintf("%s|%d|%s", plate, at.Unix(), m)
}

// liveBatches excludes pass records whose import was undone.
const liveBatches = "batch_id NOT IN (SELECT id FROM import_batches WHERE undone_at IS NOT NULL)"

func loggedPasses(ctx context.Context, s storage.Store, where string, args ...any) ([]model.PassRecord, error) {
	var rows []model.PassRecord
	err := s.Scan(ctx, &rows, storage.Query{
		Model: &model.PassRecord{},
		Where: where + " AND " + liveBatches,
		Args:  args,
		Order: "pass_time, id",
	})
	return rows, err
}

func (p *Pipeline) filter(ctx context.Context, tx storage.Store, report *Report) error {
	known, err := tx.Count(ctx, &model.RawTrace{}, "plate IN (SELECT plate FROM vehicles)")
	if err != nil {
		return err
	}
	report.UnknownPlateRows = report.RawRows - int(known)

	var joined []model.RawTrace
	err = tx.Scan(ctx, &joined, storage.Query{
		Model:    &model.RawTrace{},
		Select:   []string{"raw_traces.plate", "raw_traces.pass_time", "raw_traces.mark"},
		Distinct: true,
		Joins:    "JOIN vehicles ON vehicles.plate = raw_traces.plate",
	})
	if err != nil {
		return err
	}

	var prior []model.FilteredTrace
	if err := tx.Scan(ctx, &prior, storage.Query{Model: &model.FilteredTrace{}}); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(prior)+len(joined))
	for _, f := range prior {
		seen[passKey(f.Plate, f.PassTime, f.Mark)] = struct{}{}
	}

	// passes already in the log were staged by an earlier batch and may
	// have been reconciled since
	var plates []string
	byPlate := make(map[string]struct{})
	for _, r := range joined {
		if _, ok := byPlate[r.Plate]; !ok {
			byPlate[r.Plate] = struct{}{}
			plates = append(plates, r.Plate)
		}
	}
	if len(plates) > 0 {
		logged, err := loggedPasses(ctx, tx, "plate IN ?", plates)
		if err != nil {
			return err
		}
		for _, r := range logged {
			seen[passKey(r.Plate, r.PassTime, &r.Mark)] = struct{}{}
		}
	}

	filtered := make([]model.FilteredTrace, 0, len(joined))
	for _, r := range joined {
		at, err := time.ParseInLocation(p.layout, strings.TrimSpace(r.PassTime), p.loc)
		if err != nil {
			report.BadTimeRows++
			p.logger.DebugContext(ctx, "Skipping pass with unparseable time", "plate", r.Plate, "passTime", r.PassTime)
			continue
		}
		key := passKey(r.Plate, at, r.Mark)
		if _, dup := seen[key]; dup {
			report.DuplicateRows++
			continue
		}
		seen[key] = struct{}{}
		filtered = append(filtered, model.FilteredTrace{
			Plate:    r.Plate,
			PassTime: at,
			Mark:     r.Mark,
			BatchID:  report.BatchID,
		})
	}
	report.FilteredRows = len(filtered)
	return tx.Insert(ctx, &filtered)
}

func (p *Pipeline) sequence(ctx context.Context, tx storage.Store, report *Report) error {
	events, err := restage(ctx, tx)
	if err != nil {
		return err
	}
	var records []model.PassRecord
	for _, e := range events {
		if e.BatchID != report.BatchID {
			continue
		}
		records = append(records, model.PassRecord{
			Plate:    e.Plate,
			Mark:     e.Mark,
			PassTime: e.PassTime,
			BatchID:  e.BatchID,
		})
	}
	report.SequencedRows = len(records)
	return tx.Insert(ctx, &records)
}

// restage rebuilds staged_passes from every filtered trace.
func restage(ctx context.Context, tx storage.Store) ([]SequencedEvent, error) {
	var all []model.FilteredTrace
	err := tx.Scan(ctx, &all, storage.Query{Model: &model.FilteredTrace{}, Where: "mark IS NOT NULL"})
	if err != nil {
		return nil, err
	}

	passes := make([]TracedPass, 0, len(all))
	for _, f := range all {
		passes = append(passes, TracedPass{Plate: f.Plate, Mark: *f.Mark, PassTime: f.PassTime, BatchID: f.BatchID})
	}
	events := Sequence(passes)

	if err := tx.Truncate(ctx, &model.StagedPass{}); err != nil {
		return nil, err
	}
	staged := make([]model.StagedPass, 0, len(events))
	for _, e := range events {
		staged = append(staged, model.StagedPass{
			Plate:    e.Plate,
			Seq:      e.Seq,
			Mark:     e.Mark,
			PassTime: e.PassTime,
			BatchID:  e.BatchID,
		})
	}
	return events, tx.Insert(ctx, &staged)
}

// Staged returns every staged event ordered by plate and sequence number.
func (p *Pipeline) Staged(ctx context.Context) ([]SequencedEvent, error) {
	if err := ensureRelations(ctx, p.store); err != nil {
		return nil, err
	}
	var rows []model.StagedPass
	if err := p.store.Scan(ctx, &rows, storage.Query{Model: &model.StagedPass{}, Order: "plate, seq"}); err != nil {
		return nil, err
	}
	out := make([]SequencedEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, SequencedEvent{
			Plate:    r.Plate,
			Seq:      r.Seq,
			Mark:     r.Mark,
			PassTime: r.PassTime,
			BatchID:  r.BatchID,
		})
	}
	return out, nil
}

// BatchIDs returns the distinct batches events were staged from, in
// first-seen order.
func BatchIDs(events []SequencedEvent) []string {
	var ids []string
	for _, e := range events {
		if !slices.Contains(ids, e.BatchID) {
			ids = append(ids, e.BatchID)
		}
	}
	return ids
}

// Consume drops the staged and filtered rows of the given batches after a
// reconcile has applied them. Batches staged while the reconcile ran stay
// pending.
func (p *Pipeline) Consume(ctx context.Context, batchIDs []string) error {
	if len(batchIDs) == 0 {
		return nil
	}
	return p.store.WithTransaction(ctx, func(tx storage.Store) error {
		if err := ensureRelations(ctx, tx); err != nil {
			return err
		}
		for _, m := range []any{&model.StagedPass{}, &model.FilteredTrace{}} {
			if _, err := tx.Delete(ctx, m, "batch_id IN ?", batchIDs); err != nil {
				return err
			}
		}
		return nil
	})
}

// Restage puts the logged passes of plate later than after back into
// staging so the next reconcile folds them again. Passes still pending are
// not staged twice. It returns the number of passes restaged.
func (p *Pipeline) Restage(ctx context.Context, plate string, after *time.Time) (int, error) {
	batchID := uuid.NewString()
	var rows []model.FilteredTrace

	err := p.store.WithTransaction(ctx, func(tx storage.Store) error {
		if err := ensureRelations(ctx, tx); err != nil {
			return err
		}
		logged, err := loggedPasses(ctx, tx, "plate = ?", plate)
		if err != nil {
			return err
		}
		var pending []model.FilteredTrace
		err = tx.Scan(ctx, &pending, storage.Query{Model: &model.FilteredTrace{}, Where: "plate = ?", Args: []any{plate}})
		if err != nil {
			return err
		}
		seen := make(map[string]struct{}, len(pending))
		for _, f := range pending {
			seen[passKey(f.Plate, f.PassTime, f.Mark)] = struct{}{}
		}

		for _, r := range logged {
			if after != nil && !r.PassTime.After(*after) {
				continue
			}
			mark := r.Mark
			key := passKey(r.Plate, r.PassTime, &mark)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			rows = append(rows, model.FilteredTrace{Plate: r.Plate, PassTime: r.PassTime, Mark: &mark, BatchID: batchID})
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.Insert(ctx, &rows); err != nil {
			return err
		}
		_, err = restage(ctx, tx)
		return err
	})
	if err != nil {
		return 0, err
	}

	p.logger.InfoContext(ctx, "Restaged logged passes", "plate", plate, "batch", batchID, "passes", len(rows))
	return len(rows), nil
}

// Reset is the administrative undo for pending imports. Batches still in
// staging are marked undone so their logged passes no longer count as
// duplicates, then every staging relation is cleared.
func (p *Pipeline) Reset(ctx context.Context) error {
	return p.store.WithTransaction(ctx, func(tx storage.Store) error {
		if err := ensureRelations(ctx, tx); err != nil {
			return err
		}
		_, err := tx.Update(ctx, &model.ImportBatch{},
			map[string]any{"undone_at": time.Now().UTC()},
			"undone_at IS NULL AND id IN (SELECT DISTINCT batch_id FROM filtered_traces)")
		if err != nil {
			return err
		}
		for _, m := range model.StagingModels {
			if err := tx.Truncate(ctx, m); err != nil {
				return err
			}
		}
		return nil
	})
}

// Pending reports how many staged events await reconciliation.
func (p *Pipeline) Pending(ctx context.Context) (int64, error) {
	if err := ensureRelations(ctx, p.store); err != nil {
		return 0, err
	}
	return p.store.Count(ctx, &model.StagedPass{}, "")
}
