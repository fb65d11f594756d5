package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/queenbee/types"
	"gorm.io/gorm"
)

// Record is the gorm model backing the approvals table.
type Record struct {
	ID         string     `gorm:"primaryKey;size:64" json:"id"`
	Kind       string     `gorm:"size:64;not null;index" json:"kind"`
	Resource   string     `gorm:"size:64" json:"resource"`
	Amount     float64    `gorm:"not null;default:0" json:"amount"`
	Summary    string     `gorm:"type:text" json:"summary"`
	Data       string     `gorm:"type:text" json:"data"`
	Requester  string     `gorm:"size:128" json:"requester"`
	Status     string     `gorm:"size:16;not null;index" json:"status"`
	Approver   string     `gorm:"size:128" json:"approver"`
	Reason     string     `gorm:"type:text" json:"reason"`
	CreatedAt  time.Time  `gorm:"not null;index" json:"created_at"`
	ResolvedAt *time.Time `gorm:"index" json:"resolved_at"`
}

func (Record) TableName() string {
	return "approvals"
}

// GormStore persists requests through gorm (postgres, mysql or sqlite).
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建 gorm 存储。表结构由 migration 包维护，测试中可用 AutoMigrate。
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Create(ctx context.Context, r *Request) error {
	rec, err := toRecord(r)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&Record{}).Where("id = ?", r.ID).Count(&n).Error; err != nil {
			return fmt.Errorf("check approval: %w", err)
		}
		if n > 0 {
			return types.Errorf(types.ErrInvalidRequest, "approval %s already exists", r.ID)
		}
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("create approval: %w", err)
		}
		return nil
	})
}

func (s *GormStore) Get(ctx context.Context, id string) (*Request, error) {
	var rec Record
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return fromRecord(rec)
}

func (s *GormStore) List(ctx context.Context, f Filter) ([]*Request, error) {
	q := s.db.WithContext(ctx).Model(&Record{})
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	if !f.ResolvedSince.IsZero() {
		q = q.Where("resolved_at > ?", f.ResolvedSince)
	}
	q = q.Order("created_at ASC").Order("id ASC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var recs []Record
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	out := make([]*Request, 0, len(recs))
	for _, rec := range recs {
		r, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Resolve applies the transition with a conditional update, so two
// concurrent decisions cannot both succeed.
func (s *GormStore) Resolve(ctx context.Context, id string, status Status, approver, reason string, at time.Time) (*Request, error) {
	res := s.db.WithContext(ctx).Model(&Record{}).
		Where("id = ? AND status = ?", id, string(StatusPending)).
		Updates(map[string]any{
			"status":      string(status),
			"approver":    approver,
			"reason":      reason,
			"resolved_at": at,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("resolve approval: %w", res.Error)
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return nil, alreadyResolved(current)
	}
	return current, nil
}

func toRecord(r *Request) (Record, error) {
	rec := Record{
		ID:         r.ID,
		Kind:       r.Kind,
		Resource:   r.Resource,
		Amount:     r.Amount,
		Summary:    r.Summary,
		Requester:  r.Requester,
		Status:     string(r.Status),
		Approver:   r.Approver,
		Reason:     r.Reason,
		CreatedAt:  r.CreatedAt,
		ResolvedAt: r.ResolvedAt,
	}
	if len(r.Data) > 0 {
		data, err := json.Marshal(r.Data)
		if err != nil {
			return Record{}, types.Wrap(err, types.ErrInvalidRequest, "encode approval data")
		}
		rec.Data = string(data)
	}
	return rec, nil
}

func fromRecord(rec Record) (*Request, error) {
	r := &Request{
		ID:        rec.ID,
		Kind:      rec.Kind,
		Resource:  rec.Resource,
		Amount:    rec.Amount,
		Summary:   rec.Summary,
		Requester: rec.Requester,
		Status:    Status(rec.Status),
		Approver:  rec.Approver,
		Reason:    rec.Reason,
		CreatedAt: rec.CreatedAt.UTC(),
	}
	if rec.ResolvedAt != nil {
		t := rec.ResolvedAt.UTC()
		r.ResolvedAt = &t
	}
	if rec.Data != "" {
		if err := json.Unmarshal([]byte(rec.Data), &r.Data); err != nil {
			return nil, fmt.Errorf("decode approval %s data: %w", rec.ID, err)
		}
	}
	return r, nil
}
