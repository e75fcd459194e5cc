// Package gormstorage implements storage.Store on top of GORM. It runs
// against PostgreSQL in production and SQLite locally and in tests.
package gormstorage

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/tollmark/mileage/internal/storage"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultBatchSize = 2000

// Dependencies holds all dependencies for the GORM store.
type Dependencies struct {
	DB        *gorm.DB
	BatchSize int
}

// Store implements storage.Store over a *gorm.DB, which may be the pool, a
// dedicated connection or an open transaction.
type Store struct {
	db        *gorm.DB
	batchSize int
}

// Compile-time interface check
var _ storage.Store = (*Store)(nil)

// New creates a new GORM store.
func New(deps Dependencies) *Store {
	size := deps.BatchSize
	if size <= 0 {
		size = defaultBatchSize
	}
	return &Store{db: deps.DB, batchSize: size}
}

func (s *Store) scoped(db *gorm.DB) *Store {
	return &Store{db: db, batchSize: s.batchSize}
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrPersistence) || errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", storage.ErrPersistence, op, err)
}

// Dialect returns the name of the underlying dialector.
func (s *Store) Dialect() string {
	return s.db.Dialector.Name()
}

// WithTransaction runs fn inside a transaction; any error rolls it back.
func (s *Store) WithTransaction(ctx context.Context, fn func(storage.Store) error) error {
	var fnErr error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fnErr = fn(s.scoped(tx))
		return fnErr
	})
	if err != nil && fnErr != nil {
		// callback errors are already classified
		return err
	}
	return wrap("transaction", err)
}

// WithConn pins fn to a single pooled connection for its whole duration.
func (s *Store) WithConn(ctx context.Context, fn func(storage.Store) error) error {
	var fnErr error
	err := s.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		fnErr = fn(s.scoped(conn))
		return fnErr
	})
	if err != nil && fnErr != nil {
		return err
	}
	return wrap("connection", err)
}

// Get loads the first row matching where into dest.
func (s *Store) Get(ctx context.Context, dest any, where string, args ...any) error {
	err := s.db.WithContext(ctx).Where(where, args...).First(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.ErrNotFound
	}
	return wrap("get", err)
}

// Scan runs q and fills dest, which must be a pointer to a slice.
func (s *Store) Scan(ctx context.Context, dest any, q storage.Query) error {
	tx := s.db.WithContext(ctx)
	if q.Model != nil {
		tx = tx.Model(q.Model)
	}
	if q.Joins != "" {
		tx = tx.Joins(q.Joins)
	}
	if q.Distinct {
		cols := make([]any, 0, len(q.Select))
		for _, c := range q.Select {
			cols = append(cols, c)
		}
		tx = tx.Distinct(cols...)
	} else if len(q.Select) > 0 {
		tx = tx.Select(q.Select)
	}
	if q.Where != "" {
		tx = tx.Where(q.Where, q.Args...)
	}
	if q.Order != "" {
		tx = tx.Order(q.Order)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}

	if q.Model != nil {
		return wrap("scan", tx.Scan(dest).Error)
	}
	return wrap("scan", tx.Find(dest).Error)
}

// Count returns the number of rows of model matching where. An empty where
// counts the whole relation.
func (s *Store) Count(ctx context.Context, model any, where string, args ...any) (int64, error) {
	var n int64
	tx := s.db.WithContext(ctx).Model(model)
	if where != "" {
		tx = tx.Where(where, args...)
	}
	if err := tx.Count(&n).Error; err != nil {
		return 0, wrap("count", err)
	}
	return n, nil
}

// Insert writes rows (a pointer to a slice of models) in batches.
func (s *Store) Insert(ctx context.Context, rows any) error {
	v := reflect.Indirect(reflect.ValueOf(rows))
	if v.Kind() == reflect.Slice && v.Len() == 0 {
		return nil
	}
	return wrap("insert", s.db.WithContext(ctx).CreateInBatches(rows, s.batchSize).Error)
}

// Update applies values to every row of model matching where.
func (s *Store) Update(ctx context.Context, model any, values map[string]any, where string, args ...any) (int64, error) {
	res := s.db.WithContext(ctx).Model(model).Where(where, args...).Updates(values)
	if res.Error != nil {
		return 0, wrap("update", res.Error)
	}
	return res.RowsAffected, nil
}

// Delete removes every row of model matching where. An empty where is
// rejected; use Truncate to empty a relation.
func (s *Store) Delete(ctx context.Context, model any, where string, args ...any) (int64, error) {
	if where == "" {
		return 0, wrap("delete", gorm.ErrMissingWhereClause)
	}
	res := s.db.WithContext(ctx).Where(where, args...).Delete(model)
	if res.Error != nil {
		return 0, wrap("delete", res.Error)
	}
	return res.RowsAffected, nil
}

// CreateTemp ensures a staging relation exists.
func (s *Store) CreateTemp(ctx context.Context, model any) error {
	return wrap("create", s.db.WithContext(ctx).AutoMigrate(model))
}

// Truncate empties a relation. SQLite has no TRUNCATE, so it falls back to DELETE.
func (s *Store) Truncate(ctx context.Context, model any) error {
	table, err := s.tableName(model)
	if err != nil {
		return err
	}

	stmt := "TRUNCATE TABLE ?"
	if s.Dialect() == "sqlite" {
		stmt = "DELETE FROM ?"
	}
	return wrap("truncate", s.db.WithContext(ctx).Exec(stmt, clause.Table{Name: table}).Error)
}

// Drop removes a relation if it exists.
func (s *Store) Drop(ctx context.Context, model any) error {
	return wrap("drop", s.db.WithContext(ctx).Migrator().DropTable(model))
}

func (s *Store) tableName(model any) (string, error) {
	stmt := &gorm.Statement{DB: s.db}
	if err := stmt.Parse(model); err != nil {
		return "", wrap("parse model", err)
	}
	return stmt.Schema.Table, nil
}
