package store

import (
	"context"
	"errors"

	"github.com/netbox-sync/netbox-sync/internal/store/model"
	"gorm.io/gorm"
)

type Run interface {
	Create(ctx context.Context, run model.Run) (*model.Run, error)
	Update(ctx context.Context, run model.Run) (*model.Run, error)
	Get(ctx context.Context, id string) (*model.Run, error)
	// List returns the newest runs first. A limit of 0 returns all of them.
	List(ctx context.Context, filter *RunQueryFilter, limit int) ([]model.Run, error)
	// Prune deletes everything but the keep newest runs.
	Prune(ctx context.Context, keep int) (int64, error)
}

type RunStore struct {
	db *gorm.DB
}

func NewRunStore(db *gorm.DB) Run {
	return &RunStore{db: db}
}

func (r *RunStore) Create(ctx context.Context, run model.Run) (*model.Run, error) {
	if err := r.getDB(ctx).Create(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateKey
		}
		return nil, err
	}
	return &run, nil
}

func (r *RunStore) Update(ctx context.Context, run model.Run) (*model.Run, error) {
	result := r.getDB(ctx).Model(&model.Run{ID: run.ID}).Select("*").Omit("id").Updates(&run)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrRecordNotFound
	}
	return &run, nil
}

func (r *RunStore) Get(ctx context.Context, id string) (*model.Run, error) {
	var run model.Run
	if err := r.getDB(ctx).Where("id = ?", id).First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &run, nil
}

func (r *RunStore) List(ctx context.Context, filter *RunQueryFilter, limit int) ([]model.Run, error) {
	var runs []model.Run
	tx := r.getDB(ctx).Model(&runs).Order("started_at DESC").Order("id")

	if filter != nil {
		for _, fn := range filter.QueryFn {
			tx = fn(tx)
		}
	}
	if limit > 0 {
		tx = tx.Limit(limit)
	}

	if err := tx.Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

func (r *RunStore) Prune(ctx context.Context, keep int) (int64, error) {
	var ids []string
	err := r.getDB(ctx).Model(&model.Run{}).
		Order("started_at DESC").
		Order("id").
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}
	if len(ids) <= keep {
		return 0, nil
	}
	ids = ids[keep:]

	result := r.getDB(ctx).Where("id IN ?", ids).Delete(&model.Run{})
	return result.RowsAffected, result.Error
}

func (r *RunStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return r.db.WithContext(ctx)
}
