package repository

import (
	"context"
	"time"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StageRepository 工序目录仓库
type StageRepository struct {
	db *gorm.DB
}

func NewStageRepository(db *gorm.DB) *StageRepository {
	return &StageRepository{db: db}
}

// ListByTenant returns the tenant's stages in workflow order.
func (r *StageRepository) ListByTenant(ctx context.Context, tenantID string) ([]entity.StageDefinition, error) {
	var stages []entity.StageDefinition
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("sequence ASC").
		Find(&stages).Error
	return stages, err
}

// Replace swaps the whole catalog. Callers run it inside a transaction.
func (r *StageRepository) Replace(ctx context.Context, tenantID string, stages []entity.StageDefinition) error {
	db := r.db.WithContext(ctx)
	if err := db.Where("tenant_id = ?", tenantID).Delete(&entity.StageDefinition{}).Error; err != nil {
		return err
	}
	if len(stages) == 0 {
		return nil
	}
	return db.Create(&stages).Error
}

// PinRevision holds the tenant's catalog revision row shared until the
// transaction ends. A concurrent BumpRevision waits for every pinning writer,
// and a writer that pins after a bump reads the new catalog.
func (r *StageRepository) PinRevision(ctx context.Context, tenantID string) (int64, error) {
	if err := r.ensureRevision(ctx, tenantID); err != nil {
		return 0, err
	}
	var rev entity.StageCatalogRevision
	err := forShare(r.db.WithContext(ctx)).
		Where("tenant_id = ?", tenantID).
		First(&rev).Error
	if err != nil {
		return 0, notFound(err)
	}
	return rev.Revision, nil
}

// BumpRevision takes the revision row exclusively and increments it.
func (r *StageRepository) BumpRevision(ctx context.Context, tenantID string) (int64, error) {
	if err := r.ensureRevision(ctx, tenantID); err != nil {
		return 0, err
	}
	db := r.db.WithContext(ctx)
	var rev entity.StageCatalogRevision
	if err := forUpdate(db).Where("tenant_id = ?", tenantID).First(&rev).Error; err != nil {
		return 0, notFound(err)
	}
	rev.Revision++
	err := db.Model(&entity.StageCatalogRevision{}).
		Where("tenant_id = ?", tenantID).
		Updates(map[string]interface{}{"revision": rev.Revision, "updated_at": time.Now().UTC()}).Error
	return rev.Revision, err
}

func (r *StageRepository) ensureRevision(ctx context.Context, tenantID string) error {
	seed := entity.StageCatalogRevision{TenantID: tenantID, UpdatedAt: time.Now().UTC()}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error
}
