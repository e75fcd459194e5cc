package database

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tollmark/mileage/internal/config"
	"github.com/tollmark/mileage/internal/model"
)

func sqliteConfig(path string) config.Config {
	cfg := config.Defaults()
	cfg.Storage.Type = TypeSQLite
	cfg.Storage.SQLite.Path = path
	return cfg
}

func TestManager_ConnectAndSetupSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	m := NewManager(sqliteConfig(path), zerolog.Nop())

	require.NoError(t, m.Connect())
	t.Cleanup(func() { _ = m.Close() })
	assert.True(t, m.IsValid)
	assert.Equal(t, TypeSQLite, m.Type)

	require.NoError(t, m.Setup())
	for _, tbl := range model.DatabaseModels {
		assert.True(t, m.DB.Migrator().HasTable(tbl))
	}
	assert.False(t, m.DB.Migrator().HasTable(&model.RawTrace{}))
}

func TestManager_SetupIsRepeatable(t *testing.T) {
	m := NewManager(sqliteConfig(filepath.Join(t.TempDir(), "ledger.db")), zerolog.Nop())
	require.NoError(t, m.Connect())
	t.Cleanup(func() { _ = m.Close() })

	require.NoError(t, m.Setup())
	require.NoError(t, m.Setup())
}

func TestManager_UnknownType(t *testing.T) {
	cfg := config.Defaults()
	cfg.Storage.Type = "oracle"
	m := NewManager(cfg, zerolog.Nop())

	err := m.Connect()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage type")
	assert.False(t, m.IsValid)
}

func TestManager_SetupWithoutConnect(t *testing.T) {
	m := NewManager(config.Defaults(), zerolog.Nop())
	assert.Error(t, m.Setup())
	assert.NoError(t, m.Close())
}

func TestVehicleDefaults(t *testing.T) {
	db, err := GetSqliteDB(filepath.Join(t.TempDir(), "defaults.db"))
	require.NoError(t, err)
	require.NoError(t, Migrate(db))

	require.NoError(t, db.Create(&model.Vehicle{Username: "alice", Phone: "13800000000", Plate: "A1"}).Error)

	var v model.Vehicle
	require.NoError(t, db.Where("plate = ?", "A1").First(&v).Error)
	assert.Equal(t, 1.0, v.Bonus)
	assert.Equal(t, 0.0, v.Mileage)
	assert.Nil(t, v.LastRecord)
	assert.Nil(t, v.LastRecordTime)

	err = db.Create(&model.Vehicle{Username: "bob", Phone: "13900000000", Plate: "A1"}).Error
	assert.Error(t, err, "plate is unique")
}
