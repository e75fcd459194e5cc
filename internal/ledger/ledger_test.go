package ledger

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tollmark/mileage/internal/aggregate"
	"github.com/tollmark/mileage/internal/config"
	"github.com/tollmark/mileage/internal/model"
	"github.com/tollmark/mileage/internal/route"
	"github.com/tollmark/mileage/internal/storage"
	gormstorage "github.com/tollmark/mileage/internal/storage/gorm"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const vehiclesCSV = `username,phone_num,plate,vehicle_type
alice,13800000000,A1,car
bob,13900000000,B2,truck
carol,139000000001234,C3,car
dave,13700000000,A1,car
bad,row
`

const traceCSV = `plate,pass_time,mark
A1,2025/01/01 08:00,K0001+000
A1,2025/01/01 09:00,K0100+000
A1,2025/01/01 10:00,K0200+000
B2,2025/01/01 08:00,K0001+300
B2,2025/01/01 09:00,K0100+300
ZZ,2025/01/01 08:00,K0001+000
`

type fakeRecorder struct {
	runs []model.ReconcileRun
}

func (f *fakeRecorder) RecordReconcile(_ context.Context, run model.ReconcileRun) error {
	f.runs = append(f.runs, run)
	return nil
}

func newTestService(t *testing.T) (*Service, *gorm.DB, *fakeRecorder) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(model.DatabaseModels...))

	rec := &fakeRecorder{}
	return newServiceOver(t, gormstorage.New(gormstorage.Dependencies{DB: db}), rec), db, rec
}

func newServiceOver(t *testing.T, store storage.Store, rec RunRecorder) *Service {
	t.Helper()
	cfg := config.Defaults()
	rm, err := route.New(route.Config{
		Outbound:      cfg.Route.Outbound,
		Inbound:       cfg.Route.Inbound,
		InboundOffset: cfg.Route.InboundOffset,
		Duplicates:    route.DuplicatePolicy(cfg.Route.Duplicates),
	})
	require.NoError(t, err)

	svc, err := New(Dependencies{
		Store:    store,
		Route:    rm,
		Config:   cfg,
		Recorder: rec,
	})
	require.NoError(t, err)
	return svc
}

func seed(t *testing.T, svc *Service, db *gorm.DB) {
	t.Helper()
	_, err := svc.ImportVehicles(context.Background(), strings.NewReader(vehiclesCSV))
	require.NoError(t, err)
	require.NoError(t, db.Model(&model.Vehicle{}).Where("plate = ?", "B2").Update("bonus", 2.0).Error)
}

func TestNew_RequiresStoreAndRoute(t *testing.T) {
	_, err := New(Dependencies{})
	assert.Error(t, err)
}

func TestImportVehicles(t *testing.T) {
	svc, _, _ := newTestService(t)

	res, err := svc.ImportVehicles(context.Background(), strings.NewReader(vehiclesCSV))
	require.NoError(t, err)
	assert.Equal(t, VehicleImport{Imported: 2, Skipped: 3}, res)

	rows, err := svc.QueryLedger(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "A1", rows[0].Plate)
	assert.Equal(t, "alice", rows[0].Username)
	assert.Equal(t, 1.0, rows[0].Bonus)
	assert.Equal(t, "B2", rows[1].Plate)
}

func TestIngestAndReconcile(t *testing.T) {
	svc, db, rec := newTestService(t)
	seed(t, svc, db)
	ctx := context.Background()

	report, err := svc.IngestTrace(ctx, strings.NewReader(traceCSV))
	require.NoError(t, err)
	assert.Equal(t, 6, report.RawRows)
	assert.Equal(t, 1, report.UnknownPlateRows)
	assert.Equal(t, 5, report.SequencedRows)

	pending, err := svc.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), pending)

	res, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Vehicles)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 0, res.Failed)

	a1, err := svc.QueryLedger(ctx, "A1")
	require.NoError(t, err)
	require.Len(t, a1, 1)
	assert.InDelta(t, 199.0, a1[0].Mileage, 1e-9)
	assert.InDelta(t, 199.0, a1[0].Points, 1e-9)
	require.NotNil(t, a1[0].LastRecord)
	assert.Equal(t, "K0200+000", *a1[0].LastRecord)

	b2, err := svc.QueryLedger(ctx, "B2")
	require.NoError(t, err)
	require.Len(t, b2, 1)
	assert.InDelta(t, 99.0, b2[0].Mileage, 1e-9)
	assert.InDelta(t, 198.0, b2[0].Points, 1e-9)

	pending, err = svc.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	require.Len(t, rec.runs, 1)
	assert.Equal(t, 2, rec.runs[0].Succeeded)
	var failed []string
	require.NoError(t, json.Unmarshal(rec.runs[0].FailedPlates, &failed))
	assert.Empty(t, failed)

	runs, err := svc.Runs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 2, runs[0].Vehicles)
}

func TestReconcileTwiceDoesNotDoubleCount(t *testing.T) {
	svc, db, _ := newTestService(t)
	seed(t, svc, db)
	ctx := context.Background()

	_, err := svc.IngestTrace(ctx, strings.NewReader(traceCSV))
	require.NoError(t, err)
	_, err = svc.Reconcile(ctx)
	require.NoError(t, err)

	res, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Vehicles)

	a1, err := svc.QueryLedger(ctx, "A1")
	require.NoError(t, err)
	assert.InDelta(t, 199.0, a1[0].Mileage, 1e-9)
}

func TestReingestAfterReconcileDoesNotDoubleCount(t *testing.T) {
	svc, db, _ := newTestService(t)
	seed(t, svc, db)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := svc.IngestTrace(ctx, strings.NewReader(traceCSV))
		require.NoError(t, err)
		_, err = svc.Reconcile(ctx)
		require.NoError(t, err)
	}

	a1, err := svc.QueryLedger(ctx, "A1")
	require.NoError(t, err)
	assert.InDelta(t, 199.0, a1[0].Mileage, 1e-9)
}

func TestReuploadOfSameMinutePassesDoesNotDoubleCount(t *testing.T) {
	svc, db, _ := newTestService(t)
	seed(t, svc, db)
	ctx := context.Background()
	trace := "plate,pass_time,mark\nA1,2025/01/01 08:00,K0001+000\nA1,2025/01/01 08:00,K0100+000\n"

	for round := 1; round <= 2; round++ {
		report, err := svc.IngestTrace(ctx, strings.NewReader(trace))
		require.NoError(t, err)
		if round == 2 {
			assert.Equal(t, 2, report.DuplicateRows)
			assert.Equal(t, 0, report.SequencedRows)
		}
		_, err = svc.Reconcile(ctx)
		require.NoError(t, err)

		a1, err := svc.QueryLedger(ctx, "A1")
		require.NoError(t, err)
		assert.InDelta(t, 99.0, a1[0].Mileage, 1e-9, "round %d", round)
	}
}

// interleavingStore stages a second batch through another service on the
// first connection the engine takes, after the reconcile has read staging.
type interleavingStore struct {
	storage.Store
	t     *testing.T
	trace string
	once  sync.Once
}

func (s *interleavingStore) WithConn(ctx context.Context, fn func(storage.Store) error) error {
	return s.Store.WithConn(ctx, func(conn storage.Store) error {
		s.once.Do(func() {
			other := newServiceOver(s.t, conn, nil)
			_, err := other.IngestTrace(ctx, strings.NewReader(s.trace))
			assert.NoError(s.t, err)
		})
		return fn(conn)
	})
}

func TestReconcileKeepsBatchStagedWhileRunning(t *testing.T) {
	_, db, _ := newTestService(t)
	store := &interleavingStore{
		Store: gormstorage.New(gormstorage.Dependencies{DB: db}),
		t:     t,
		trace: "plate,pass_time,mark\nA1,2025/01/01 11:00,K0300+000\n",
	}
	svc := newServiceOver(t, store, nil)
	seed(t, svc, db)
	ctx := context.Background()

	_, err := svc.IngestTrace(ctx, strings.NewReader(traceCSV))
	require.NoError(t, err)
	_, err = svc.Reconcile(ctx)
	require.NoError(t, err)

	a1, err := svc.QueryLedger(ctx, "A1")
	require.NoError(t, err)
	assert.InDelta(t, 199.0, a1[0].Mileage, 1e-9)

	pending, err := svc.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	_, err = svc.Reconcile(ctx)
	require.NoError(t, err)

	a1, err = svc.QueryLedger(ctx, "A1")
	require.NoError(t, err)
	assert.InDelta(t, 299.0, a1[0].Mileage, 1e-9)
	assert.Equal(t, "K0300+000", *a1[0].LastRecord)

	pending, err = svc.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestLaterBatchContinuesFromLedger(t *testing.T) {
	svc, db, _ := newTestService(t)
	seed(t, svc, db)
	ctx := context.Background()

	_, err := svc.IngestTrace(ctx, strings.NewReader(traceCSV))
	require.NoError(t, err)
	_, err = svc.Reconcile(ctx)
	require.NoError(t, err)

	_, err = svc.IngestTrace(ctx, strings.NewReader("plate,pass_time,mark\nA1,2025/01/01 11:00,K0300+000\n"))
	require.NoError(t, err)
	_, err = svc.Reconcile(ctx)
	require.NoError(t, err)

	a1, err := svc.QueryLedger(ctx, "A1")
	require.NoError(t, err)
	assert.InDelta(t, 299.0, a1[0].Mileage, 1e-9)
	assert.Equal(t, "K0300+000", *a1[0].LastRecord)
}

func TestUndoImport(t *testing.T) {
	svc, db, _ := newTestService(t)
	seed(t, svc, db)
	ctx := context.Background()

	_, err := svc.IngestTrace(ctx, strings.NewReader(traceCSV))
	require.NoError(t, err)
	require.NoError(t, svc.UndoImport(ctx))

	res, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Vehicles)

	a1, err := svc.QueryLedger(ctx, "A1")
	require.NoError(t, err)
	assert.Zero(t, a1[0].Mileage)
	assert.Nil(t, a1[0].LastRecord)
}

func TestUndoImport_AllowsReingest(t *testing.T) {
	svc, db, _ := newTestService(t)
	seed(t, svc, db)
	ctx := context.Background()

	_, err := svc.IngestTrace(ctx, strings.NewReader(traceCSV))
	require.NoError(t, err)
	require.NoError(t, svc.UndoImport(ctx))

	report, err := svc.IngestTrace(ctx, strings.NewReader(traceCSV))
	require.NoError(t, err)
	assert.Equal(t, 0, report.DuplicateRows)
	assert.Equal(t, 5, report.SequencedRows)

	_, err = svc.Reconcile(ctx)
	require.NoError(t, err)
	a1, err := svc.QueryLedger(ctx, "A1")
	require.NoError(t, err)
	assert.InDelta(t, 199.0, a1[0].Mileage, 1e-9)
}

func TestReplay(t *testing.T) {
	svc, db, _ := newTestService(t)
	seed(t, svc, db)
	ctx := context.Background()

	_, err := svc.IngestTrace(ctx, strings.NewReader(traceCSV))
	require.NoError(t, err)
	_, err = svc.Reconcile(ctx)
	require.NoError(t, err)

	// nothing logged is later than the ledger position
	n, err := svc.Replay(ctx, "A1")
	require.NoError(t, err)
	assert.Zero(t, n)

	// a plate whose fold was rolled back still sits at its old position
	require.NoError(t, db.Model(&model.Vehicle{}).Where("plate = ?", "A1").Updates(map[string]any{
		"mileage": 0, "points": 0, "last_record": nil, "last_record_time": nil,
	}).Error)

	n, err = svc.Replay(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = svc.Replay(ctx, "A1")
	require.NoError(t, err)
	assert.Zero(t, n, "pending passes are not staged twice")

	pending, err := svc.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pending)

	res, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Vehicles)

	a1, err := svc.QueryLedger(ctx, "A1")
	require.NoError(t, err)
	assert.InDelta(t, 199.0, a1[0].Mileage, 1e-9)
	assert.Equal(t, "K0200+000", *a1[0].LastRecord)

	b2, err := svc.QueryLedger(ctx, "B2")
	require.NoError(t, err)
	assert.InDelta(t, 99.0, b2[0].Mileage, 1e-9)

	var records int64
	require.NoError(t, db.Model(&model.PassRecord{}).Count(&records).Error)
	assert.Equal(t, int64(5), records, "replay does not append to the pass record log")
}

func TestReplay_UnknownPlate(t *testing.T) {
	svc, db, _ := newTestService(t)
	seed(t, svc, db)

	_, err := svc.Replay(context.Background(), "NOPE")
	assert.ErrorIs(t, err, aggregate.ErrUnknownVehicle)
}

func TestQueryLedger_UnknownPlate(t *testing.T) {
	svc, db, _ := newTestService(t)
	seed(t, svc, db)

	rows, err := svc.QueryLedger(context.Background(), "NOPE")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestIngestTrace_BadCSV(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.IngestTrace(context.Background(), strings.NewReader("plate,pass_time,mark\nA1\n"))
	assert.Error(t, err)
}
