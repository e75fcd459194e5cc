package database

import (
	"database/sql"
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"github.com/tollmark/mileage/internal/config"
	"github.com/tollmark/mileage/internal/model"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Storage backends accepted in storage.type
const (
	TypePostgres = "postgres"
	TypeSQLite   = "sqlite"
)

// Manager handles database connections and schema setup.
type Manager struct {
	DB      *gorm.DB
	SqlDB   *sql.DB
	IsValid bool
	Type    string
	Logger  zerolog.Logger

	cfg config.Config
}

// NewManager creates a new database manager.
func NewManager(cfg config.Config, log zerolog.Logger) *Manager {
	return &Manager{
		IsValid: false,
		Type:    cfg.Storage.Type,
		Logger:  log,
		cfg:     cfg,
	}
}

// Connect opens the configured backend and validates the connection.
func (m *Manager) Connect() error {
	var err error

	switch m.Type {
	case TypePostgres, "":
		m.Type = TypePostgres
		m.DB, err = GetPostgresDB(m.cfg.DB)
	case TypeSQLite:
		m.DB, err = GetSqliteDB(m.cfg.Storage.SQLite.Path)
	default:
		return fmt.Errorf("unknown storage type %q", m.Type)
	}
	if err != nil {
		m.IsValid = false
		return fmt.Errorf("failed to open %s DB: %w", m.Type, err)
	}

	// test connection
	m.SqlDB, err = m.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to access sql interface: %w", err)
	}

	if err = m.SqlDB.Ping(); err != nil {
		m.IsValid = false
		return fmt.Errorf("failed to validate connection: %w", err)
	}

	switch m.Type {
	case TypePostgres:
		maxConns := m.cfg.DB.MaxConns
		if maxConns <= 0 {
			maxConns = 10
		}
		m.SqlDB.SetMaxOpenConns(maxConns)
		m.Logger.Info().Str("host", m.cfg.DB.Host).Str("database", m.cfg.DB.Database).Int("maxConns", maxConns).Msg("Connected to database")
	case TypeSQLite:
		// a single writer; tasks queue on the pool instead of hitting SQLITE_BUSY
		m.SqlDB.SetMaxOpenConns(1)
		m.Logger.Info().Str("path", m.cfg.Storage.SQLite.Path).Msg("Using local SQLite DB")
	}

	m.IsValid = true
	return nil
}

// Close releases the underlying pool.
func (m *Manager) Close() error {
	if m.SqlDB == nil {
		return nil
	}
	return m.SqlDB.Close()
}

// Setup migrates the persistent tables.
func (m *Manager) Setup() error {
	if m.DB == nil {
		return fmt.Errorf("db not connected")
	}

	m.Logger.Info().Msg("Migrating schema")
	if err := Migrate(m.DB); err != nil {
		m.IsValid = false
		return err
	}

	m.Logger.Info().Msg("Database setup complete")
	return nil
}

// Migrate creates or updates every persistent table.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(model.DatabaseModels...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// GetPostgresDB returns a connection to the Postgres database.
func GetPostgresDB(cfg config.DBConfig) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{
		DSN:                  cfg.DSN(),
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
		CreateBatchSize:        10000,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
}

// GetSqliteDB returns a connection to a SQLite database.
// If path is empty, uses an in-memory database.
func GetSqliteDB(path string) (*gorm.DB, error) {
	dsn := path
	if dsn == "" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		CreateBatchSize:        2000,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	// set PRAGMAS
	pragmas := []string{
		"PRAGMA user_version = 1;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA cache_size = -32000;",
		"PRAGMA temp_store = MEMORY;",
	}

	for _, pragma := range pragmas {
		if err := db.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("error setting PRAGMA: %w", err)
		}
	}

	return db, nil
}
