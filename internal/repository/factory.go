package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// StoreFactory opens transactional repository bundles. One sync run works
// entirely inside one bundle; rolling it back leaves the directory as it
// was.
type StoreFactory struct {
	db *sqlx.DB
}

// NewStoreFactory creates a factory over the shared connection pool.
func NewStoreFactory(db *sqlx.DB) *StoreFactory {
	return &StoreFactory{db: db}
}

// TxStores bundles the directory repositories over one open transaction.
type TxStores struct {
	tx *sqlx.Tx

	Structures *StructureRepository
	Subjects   *SubjectRepository
	Grades     *GradeRepository
	Persons    *PersonRepository
	Runs       *RunRepository
}

// Begin opens a transaction and binds every repository to it.
func (f *StoreFactory) Begin(ctx context.Context) (*TxStores, error) {
	tx, err := f.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &TxStores{
		tx:         tx,
		Structures: NewStructureRepository(tx),
		Subjects:   NewSubjectRepository(tx),
		Grades:     NewGradeRepository(tx),
		Persons:    NewPersonRepository(tx),
		Runs:       NewRunRepository(tx),
	}, nil
}

// Commit makes the bundle's writes durable.
func (s *TxStores) Commit() error {
	if err := s.tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Rollback discards the bundle's writes. Safe to call after Commit.
func (s *TxStores) Rollback() error {
	return s.tx.Rollback()
}
