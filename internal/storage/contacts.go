package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Contact is the persisted projection of a session contact. At most one
// row exists per (tenant, WhatsApp id).
type Contact struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	TenantID   string     `gorm:"size:64;not null;uniqueIndex:idx_tenant_wid" json:"tenantId"`
	WhatsAppID string     `gorm:"column:whatsapp_id;size:128;not null;uniqueIndex:idx_tenant_wid" json:"whatsappId"`
	SessionID  string     `gorm:"size:128;index" json:"sessionId"`
	Phone      string     `gorm:"size:16;index" json:"phone"`
	Name       string     `gorm:"size:255" json:"name"`
	IsSaved    bool       `json:"isSaved"`
	IsBusiness bool       `json:"isBusiness"`
	IsBlocked  bool       `json:"isBlocked"`
	LastSeen   *time.Time `json:"lastSeen,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

func (Contact) TableName() string { return "wa_contacts" }

// ContactRepository is the gorm-backed contact store.
type ContactRepository struct {
	db *gorm.DB
}

func NewContactRepository(db *gorm.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

// FindOrCreate inserts rec unless a row for its (tenant, WhatsApp id)
// already exists, in which case the existing row is returned unchanged.
// created reports which of the two happened.
func (r *ContactRepository) FindOrCreate(ctx context.Context, rec Contact) (out Contact, created bool, err error) {
	if rec.TenantID == "" || rec.WhatsAppID == "" {
		return Contact{}, false, errors.New("contact needs tenant and whatsapp id")
	}
	rec.ID = 0
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if res.Error != nil {
		return Contact{}, false, errors.Wrap(res.Error, "insert contact")
	}
	if res.RowsAffected == 1 {
		return rec, true, nil
	}

	err = r.db.WithContext(ctx).
		Where("tenant_id = ? AND whatsapp_id = ?", rec.TenantID, rec.WhatsAppID).
		Take(&out).Error
	if err != nil {
		return Contact{}, false, errors.Wrap(err, "load existing contact")
	}
	return out, false, nil
}

// UpdateName renames a row in place.
func (r *ContactRepository) UpdateName(ctx context.Context, id uint, name string) error {
	res := r.db.WithContext(ctx).Model(&Contact{}).Where("id = ?", id).Update("name", name)
	if res.Error != nil {
		return errors.Wrap(res.Error, "update contact name")
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// DeleteByIDs removes rows of one tenant by primary key.
func (r *ContactRepository) DeleteByIDs(ctx context.Context, tenantID string, ids []uint) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Where("tenant_id = ? AND id IN ?", tenantID, ids).Delete(&Contact{})
	return res.RowsAffected, errors.Wrap(res.Error, "delete contacts")
}

// DeleteBySession removes every row a session contributed.
func (r *ContactRepository) DeleteBySession(ctx context.Context, tenantID, sessionID string) (int64, error) {
	res := r.db.WithContext(ctx).Where("tenant_id = ? AND session_id = ?", tenantID, sessionID).Delete(&Contact{})
	return res.RowsAffected, errors.Wrap(res.Error, "delete session contacts")
}

// ListByTenant pages through a tenant's contacts ordered by name.
func (r *ContactRepository) ListByTenant(ctx context.Context, tenantID string, offset, limit int) ([]Contact, int64, error) {
	var (
		out   []Contact
		total int64
	)
	q := r.db.WithContext(ctx).Model(&Contact{}).Where("tenant_id = ?", tenantID).Session(&gorm.Session{})
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "count contacts")
	}
	if limit <= 0 {
		limit = 50
	}
	if err := q.Order("name ASC").Offset(offset).Limit(limit).Find(&out).Error; err != nil {
		return nil, 0, errors.Wrap(err, "list contacts")
	}
	return out, total, nil
}
