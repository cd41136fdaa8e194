package store

import (
	"time"

	"github.com/netbox-sync/netbox-sync/internal/store/model"
	"gorm.io/gorm"
)

type BaseQuerier struct {
	QueryFn []func(tx *gorm.DB) *gorm.DB
}

type RunQueryFilter BaseQuerier

func NewRunQueryFilter() *RunQueryFilter {
	return &RunQueryFilter{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (f *RunQueryFilter) ByStatus(status model.RunStatus) *RunQueryFilter {
	f.QueryFn = append(f.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("status = ?", status)
	})
	return f
}

func (f *RunQueryFilter) ByMode(mode string) *RunQueryFilter {
	f.QueryFn = append(f.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("mode = ?", mode)
	})
	return f
}

func (f *RunQueryFilter) StartedAfter(t time.Time) *RunQueryFilter {
	f.QueryFn = append(f.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("started_at > ?", t)
	})
	return f
}
