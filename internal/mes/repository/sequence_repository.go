package repository

import (
	"context"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SequenceRepository 租户编号生成
type SequenceRepository struct {
	db *gorm.DB
}

func NewSequenceRepository(db *gorm.DB) *SequenceRepository {
	return &SequenceRepository{db: db}
}

// Next increments and returns the named counter. The increment happens in
// storage, so two callers never observe the same value.
func (r *SequenceRepository) Next(ctx context.Context, tenantID, name string) (int64, error) {
	db := r.db.WithContext(ctx)

	seed := entity.Sequence{TenantID: tenantID, Name: name, Value: 0}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return 0, err
	}

	if err := db.Model(&entity.Sequence{}).
		Where("tenant_id = ? AND name = ?", tenantID, name).
		Update("value", gorm.Expr("value + 1")).Error; err != nil {
		return 0, err
	}

	var seq entity.Sequence
	if err := db.Where("tenant_id = ? AND name = ?", tenantID, name).First(&seq).Error; err != nil {
		return 0, notFound(err)
	}
	return seq.Value, nil
}
