package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tollmark/mileage/internal/config"
	"github.com/tollmark/mileage/internal/database"
	"github.com/tollmark/mileage/internal/dispatcher"
	"github.com/tollmark/mileage/internal/logging"
	"github.com/tollmark/mileage/internal/model"
)

func newTestApp(t *testing.T) *app {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Defaults()
	cfg.Storage.Type = database.TypeSQLite
	cfg.Storage.SQLite.Path = filepath.Join(dir, "ledger.db")
	cfg.LogsDir = dir

	a := &app{
		cfg:         cfg,
		slogManager: logging.NewSlogManager(),
		logger:      slog.Default(),
		zlog:        zerolog.Nop(),
	}
	require.NoError(t, a.setupStorage(context.Background()))

	d, err := dispatcher.New(logging.NewCommandLogger(a.zlog, ledgerWrites...))
	require.NoError(t, err)
	registerHandlers(d, a.service)
	a.dispatcher = d

	t.Cleanup(a.close)
	return a
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestExec_FullCycle(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	vehicles := writeFile(t, "vehicles.csv", "username,phone_num,plate,vehicle_type\nalice,13800000000,A1,car\n")
	trace := writeFile(t, "trace.csv", "plate,pass_time,mark\nA1,2025/01/01 08:00,K0001+000\nA1,2025/01/01 09:00,K0100+000\n")

	var out bytes.Buffer
	require.NoError(t, a.exec(ctx, []string{"setup"}, &out))
	assert.Contains(t, out.String(), "Schema ready")

	require.NoError(t, a.exec(ctx, []string{"import-vehicles", vehicles}, &out))
	require.NoError(t, a.exec(ctx, []string{"INGEST", trace}, &out))
	require.NoError(t, a.exec(ctx, []string{"reconcile"}, &out))

	out.Reset()
	require.NoError(t, a.exec(ctx, []string{"query", "A1"}, &out))
	var rows []model.Vehicle
	require.NoError(t, json.Unmarshal(out.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.InDelta(t, 99.0, rows[0].Mileage, 1e-9)

	out.Reset()
	require.NoError(t, a.exec(ctx, []string{"status"}, &out))
	var status Status
	require.NoError(t, json.Unmarshal(out.Bytes(), &status))
	assert.Zero(t, status.Pending)
	require.Len(t, status.Runs, 1)
	assert.Equal(t, 1, status.Runs[0].Succeeded)
}

func TestExec_Undo(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	vehicles := writeFile(t, "vehicles.csv", "username,phone_num,plate,vehicle_type\nalice,13800000000,A1,car\n")
	trace := writeFile(t, "trace.csv", "plate,pass_time,mark\nA1,2025/01/01 08:00,K0001+000\n")
	var out bytes.Buffer
	require.NoError(t, a.exec(ctx, []string{"import-vehicles", vehicles}, &out))
	require.NoError(t, a.exec(ctx, []string{"ingest", trace}, &out))

	out.Reset()
	require.NoError(t, a.exec(ctx, []string{"undo"}, &out))
	assert.Equal(t, "OK\n", out.String())

	pending, err := a.service.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestExec_Replay(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	vehicles := writeFile(t, "vehicles.csv", "username,phone_num,plate,vehicle_type\nalice,13800000000,A1,car\n")
	trace := writeFile(t, "trace.csv", "plate,pass_time,mark\nA1,2025/01/01 08:00,K0001+000\nA1,2025/01/01 09:00,K0100+000\n")
	var out bytes.Buffer
	require.NoError(t, a.exec(ctx, []string{"import-vehicles", vehicles}, &out))
	require.NoError(t, a.exec(ctx, []string{"ingest", trace}, &out))
	require.NoError(t, a.exec(ctx, []string{"reconcile"}, &out))

	out.Reset()
	require.NoError(t, a.exec(ctx, []string{"replay", "A1"}, &out))
	var replay Replay
	require.NoError(t, json.Unmarshal(out.Bytes(), &replay))
	assert.Equal(t, Replay{Plate: "A1", Restaged: 0}, replay)

	assert.Error(t, a.exec(ctx, []string{"replay"}, &out))
	assert.Error(t, a.exec(ctx, []string{"replay", "NOPE"}, &out))
}

func TestExec_Errors(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	var out bytes.Buffer

	assert.Error(t, a.exec(ctx, []string{"bogus"}, &out))
	assert.Error(t, a.exec(ctx, []string{"ingest"}, &out))
	assert.Error(t, a.exec(ctx, []string{"ingest", filepath.Join(t.TempDir(), "missing.csv")}, &out))
}

func TestRegisterHandlers_AllCommands(t *testing.T) {
	a := newTestApp(t)
	for _, c := range commands {
		if c.event == "" {
			continue
		}
		assert.True(t, a.dispatcher.HasHandler(c.event), c.name)
	}
}
