package store

import (
	"context"

	"github.com/netbox-sync/netbox-sync/internal/store/model"
	"gorm.io/gorm"
)

type Store interface {
	NewTransactionContext(ctx context.Context) (context.Context, error)
	Run() Run
	Statistics(ctx context.Context) (model.RunStats, error)
	Close() error
}

type DataStore struct {
	db  *gorm.DB
	run Run
}

func NewStore(db *gorm.DB) Store {
	return &DataStore{
		db:  db,
		run: NewRunStore(db),
	}
}

func (s *DataStore) NewTransactionContext(ctx context.Context) (context.Context, error) {
	return newTransactionContext(ctx, s.db)
}

func (s *DataStore) Run() Run {
	return s.run
}

func (s *DataStore) Statistics(ctx context.Context) (model.RunStats, error) {
	runs, err := s.Run().List(ctx, NewRunQueryFilter(), 0)
	if err != nil {
		return model.RunStats{}, err
	}
	return model.NewRunStats(runs), nil
}

func (s *DataStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
