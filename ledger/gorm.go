package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UsageRecord is the gorm model for ledger_usage.
type UsageRecord struct {
	Resource  string    `gorm:"primaryKey;size:64" json:"resource"`
	Used      float64   `gorm:"not null;default:0" json:"used"`
	Ceiling   float64   `gorm:"not null;default:0" json:"ceiling"`
	ResetAt   time.Time `gorm:"not null" json:"reset_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (UsageRecord) TableName() string {
	return "ledger_usage"
}

// CounterRecord is the gorm model for ledger_counters.
type CounterRecord struct {
	Name      string    `gorm:"primaryKey;size:128" json:"name"`
	Value     float64   `gorm:"not null;default:0" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (CounterRecord) TableName() string {
	return "ledger_counters"
}

// GormStore keeps the ledger in a SQL database. Rows are read with
// SELECT ... FOR UPDATE inside a transaction; sqlite ignores the lock
// clause and relies on its database-level write lock.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建 SQL 存储
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// lockUsage loads the row for update, creating or rolling it over as needed.
func lockUsage(tx *gorm.DB, resource string, now, nextReset time.Time) (*UsageRecord, error) {
	var rec UsageRecord
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("resource = ?", resource).
		First(&rec).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		rec = UsageRecord{Resource: resource, ResetAt: nextReset}
		if err := tx.Create(&rec).Error; err != nil {
			return nil, fmt.Errorf("create usage row: %w", err)
		}
		return &rec, nil
	case err != nil:
		return nil, fmt.Errorf("lock usage row: %w", err)
	}
	if !now.Before(rec.ResetAt) {
		rec.Used = 0
		rec.ResetAt = nextReset
	}
	return &rec, nil
}

func (r *UsageRecord) usage() Usage {
	return Usage{Resource: r.Resource, Used: r.Used, Ceiling: r.Ceiling, ResetAt: r.ResetAt.UTC()}
}

func (s *GormStore) Reserve(ctx context.Context, resource string, amount, ceiling float64, now, nextReset time.Time) (Usage, bool, error) {
	var (
		out Usage
		ok  bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := lockUsage(tx, resource, now, nextReset)
		if err != nil {
			return err
		}
		rec.Ceiling = ceiling
		if fits(rec.Used, amount, ceiling) {
			rec.Used += amount
			ok = true
		}
		out = rec.usage()
		return tx.Save(rec).Error
	})
	if err != nil {
		return Usage{}, false, err
	}
	return out, ok, nil
}

func (s *GormStore) Release(ctx context.Context, resource string, amount float64, now, nextReset time.Time) (Usage, error) {
	var out Usage
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := lockUsage(tx, resource, now, nextReset)
		if err != nil {
			return err
		}
		rec.Used = max(rec.Used-amount, 0)
		out = rec.usage()
		return tx.Save(rec).Error
	})
	return out, err
}

func (s *GormStore) Usage(ctx context.Context, resource string, now, nextReset time.Time) (Usage, error) {
	var rec UsageRecord
	err := s.db.WithContext(ctx).Where("resource = ?", resource).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Usage{Resource: resource, ResetAt: nextReset}, nil
	}
	if err != nil {
		return Usage{}, fmt.Errorf("read usage: %w", err)
	}
	if !now.Before(rec.ResetAt) {
		return Usage{Resource: resource, Ceiling: rec.Ceiling, ResetAt: nextReset}, nil
	}
	return rec.usage(), nil
}

func (s *GormStore) Incr(ctx context.Context, name string, delta float64) (float64, error) {
	v, _, err := s.IncrWithin(ctx, name, delta, 0)
	return v, err
}

func (s *GormStore) IncrWithin(ctx context.Context, name string, delta, ceiling float64) (float64, bool, error) {
	var (
		value float64
		ok    bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec CounterRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("name = ?", name).First(&rec).Error
		missing := errors.Is(err, gorm.ErrRecordNotFound)
		if err != nil && !missing {
			return err
		}
		value = rec.Value
		if !fits(rec.Value, delta, ceiling) {
			return nil
		}
		value, ok = rec.Value+delta, true
		if missing {
			return tx.Create(&CounterRecord{Name: name, Value: value}).Error
		}
		rec.Value = value
		return tx.Save(&rec).Error
	})
	if err != nil {
		return 0, false, fmt.Errorf("increment counter %s: %w", name, err)
	}
	return value, ok, nil
}

func (s *GormStore) Counters(ctx context.Context) (map[string]float64, error) {
	var recs []CounterRecord
	if err := s.db.WithContext(ctx).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list counters: %w", err)
	}
	out := make(map[string]float64, len(recs))
	for _, r := range recs {
		out[r.Name] = r.Value
	}
	return out, nil
}
