package repository

import (
	"context"
	"time"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"gorm.io/gorm"
)

// ReturnRepository 退货单仓库
type ReturnRepository struct {
	db *gorm.DB
}

func NewReturnRepository(db *gorm.DB) *ReturnRepository {
	return &ReturnRepository{db: db}
}

func (r *ReturnRepository) Create(ctx context.Context, ret *entity.ReturnRecord) error {
	return r.db.WithContext(ctx).Create(ret).Error
}

func (r *ReturnRepository) FindByID(ctx context.Context, tenantID, id string) (*entity.ReturnRecord, error) {
	var ret entity.ReturnRecord
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		First(&ret).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &ret, nil
}

func (r *ReturnRepository) FindForUpdate(ctx context.Context, tenantID, id string) (*entity.ReturnRecord, error) {
	var ret entity.ReturnRecord
	err := forUpdate(r.db.WithContext(ctx)).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		First(&ret).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &ret, nil
}

// Transition moves ret from its current status to ret.Status. The update only
// matches while the row is still in from, so a second inspection of the same
// return loses with ErrVersionConflict.
func (r *ReturnRepository) Transition(ctx context.Context, ret *entity.ReturnRecord, from entity.ReturnStatus) error {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&entity.ReturnRecord{}).
		Where("tenant_id = ? AND id = ? AND status = ?", ret.TenantID, ret.ID, from).
		Updates(map[string]interface{}{
			"status":               ret.Status,
			"outcome":              ret.Outcome,
			"remarks":              ret.Remarks,
			"inspected_by":         ret.InspectedBy,
			"inspected_at":         ret.InspectedAt,
			"rework_job_id":        ret.ReworkJobID,
			"stock_transaction_id": ret.StockTransactionID,
			"closed_at":            ret.ClosedAt,
			"updated_at":           now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	ret.UpdatedAt = now
	return nil
}

func (r *ReturnRepository) FindAll(ctx context.Context, tenantID string, page, pageSize int, filters map[string]string) ([]entity.ReturnRecord, int64, error) {
	var items []entity.ReturnRecord
	var total int64

	query := r.db.WithContext(ctx).Model(&entity.ReturnRecord{}).Where("tenant_id = ?", tenantID)

	if status := filters["status"]; status != "" {
		query = query.Where("status = ?", status)
	}
	if outcome := filters["outcome"]; outcome != "" {
		query = query.Where("outcome = ?", outcome)
	}
	if dnID := filters["delivery_note_id"]; dnID != "" {
		query = query.Where("delivery_note_id = ?", dnID)
	}
	if clientID := filters["client_id"]; clientID != "" {
		query = query.Where("client_id = ?", clientID)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset, limit := paginate(page, pageSize)
	err := query.
		Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&items).Error

	return items, total, err
}
