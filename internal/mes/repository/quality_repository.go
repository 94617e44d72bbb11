package repository

import (
	"context"
	"time"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"gorm.io/gorm"
)

// QCRecordRepository 检验记录仓库
type QCRecordRepository struct {
	db *gorm.DB
}

func NewQCRecordRepository(db *gorm.DB) *QCRecordRepository {
	return &QCRecordRepository{db: db}
}

func (r *QCRecordRepository) Create(ctx context.Context, rec *entity.QCRecord) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

func (r *QCRecordRepository) FindByID(ctx context.Context, tenantID, id string) (*entity.QCRecord, error) {
	var rec entity.QCRecord
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		First(&rec).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

func (r *QCRecordRepository) FindByIdempotencyKey(ctx context.Context, tenantID, key string) (*entity.QCRecord, error) {
	var rec entity.QCRecord
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND idempotency_key = ?", tenantID, key).
		First(&rec).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

// SetGateOutcome records what the quality gate did with the inspection.
func (r *QCRecordRepository) SetGateOutcome(ctx context.Context, id, outcome string) error {
	return r.db.WithContext(ctx).Model(&entity.QCRecord{}).
		Where("id = ?", id).
		Update("gate_outcome", outcome).Error
}

// ListForJobStage returns inspections of one job stage, newest first.
func (r *QCRecordRepository) ListForJobStage(ctx context.Context, jobID, stage string) ([]entity.QCRecord, error) {
	var recs []entity.QCRecord
	err := r.db.WithContext(ctx).
		Where("source_kind = ? AND source_id = ? AND stage = ?", entity.SourceProductionJob, jobID, stage).
		Order("inspected_at DESC, created_at DESC").
		Find(&recs).Error
	return recs, err
}

func (r *QCRecordRepository) FindAll(ctx context.Context, tenantID string, page, pageSize int, filters map[string]string) ([]entity.QCRecord, int64, error) {
	var items []entity.QCRecord
	var total int64

	query := r.db.WithContext(ctx).Model(&entity.QCRecord{}).Where("tenant_id = ?", tenantID)

	if jobID := filters["production_job_id"]; jobID != "" {
		query = query.Where("source_kind = ? AND source_id = ?", entity.SourceProductionJob, jobID)
	}
	if dnID := filters["delivery_note_id"]; dnID != "" {
		query = query.Where("source_kind = ? AND source_id = ?", entity.SourceDeliveryNote, dnID)
	}
	if stage := filters["stage"]; stage != "" {
		query = query.Where("stage = ?", entity.CanonicalStage(stage))
	}
	if status := filters["qc_status"]; status != "" {
		query = query.Where("qc_status = ?", status)
	}
	if inspector := filters["inspector_id"]; inspector != "" {
		query = query.Where("inspector_id = ?", inspector)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset, limit := paginate(page, pageSize)
	err := query.
		Order("inspected_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&items).Error

	return items, total, err
}

// ReworkRepository 返工单仓库
type ReworkRepository struct {
	db *gorm.DB
}

func NewReworkRepository(db *gorm.DB) *ReworkRepository {
	return &ReworkRepository{db: db}
}

// Create inserts a rework. A second rework for the same spawn key fails the
// unique index; check with IsUniqueViolation.
func (r *ReworkRepository) Create(ctx context.Context, rw *entity.ReworkJob) error {
	return r.db.WithContext(ctx).Create(rw).Error
}

func (r *ReworkRepository) FindByID(ctx context.Context, tenantID, id string) (*entity.ReworkJob, error) {
	var rw entity.ReworkJob
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		First(&rw).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &rw, nil
}

func (r *ReworkRepository) FindForUpdate(ctx context.Context, tenantID, id string) (*entity.ReworkJob, error) {
	var rw entity.ReworkJob
	err := forUpdate(r.db.WithContext(ctx)).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		First(&rw).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &rw, nil
}

func (r *ReworkRepository) FindBySpawnKey(ctx context.Context, tenantID, key string) (*entity.ReworkJob, error) {
	var rw entity.ReworkJob
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND spawn_key = ?", tenantID, key).
		First(&rw).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &rw, nil
}

// FindActiveForStage returns an OPEN or IN_PROGRESS rework raised against the
// given job stage.
func (r *ReworkRepository) FindActiveForStage(ctx context.Context, jobID, stage string) (*entity.ReworkJob, error) {
	var rw entity.ReworkJob
	err := r.db.WithContext(ctx).
		Where("source_kind = ? AND source_id = ? AND stage = ? AND status IN ?",
			entity.SourceProductionJob, jobID, stage, entity.ActiveReworkStatuses).
		Order("created_at DESC").
		First(&rw).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &rw, nil
}

func (r *ReworkRepository) CountActive(ctx context.Context, source entity.Source) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&entity.ReworkJob{}).
		Where("source_kind = ? AND source_id = ? AND status IN ?", source.Kind, source.ID, entity.ActiveReworkStatuses).
		Count(&n).Error
	return n, err
}

// ListActive returns the OPEN and IN_PROGRESS reworks of a source, oldest first.
func (r *ReworkRepository) ListActive(ctx context.Context, source entity.Source) ([]entity.ReworkJob, error) {
	var items []entity.ReworkJob
	err := r.db.WithContext(ctx).
		Where("source_kind = ? AND source_id = ? AND status IN ?", source.Kind, source.ID, entity.ActiveReworkStatuses).
		Order("created_at ASC").
		Find(&items).Error
	return items, err
}

func (r *ReworkRepository) CountBySource(ctx context.Context, source entity.Source) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&entity.ReworkJob{}).
		Where("source_kind = ? AND source_id = ?", source.Kind, source.ID).
		Count(&n).Error
	return n, err
}

// Update writes the mutable columns under the version check.
func (r *ReworkRepository) Update(ctx context.Context, rw *entity.ReworkJob) error {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&entity.ReworkJob{}).
		Where("tenant_id = ? AND id = ? AND version = ?", rw.TenantID, rw.ID, rw.Version).
		Updates(map[string]interface{}{
			"status":          rw.Status,
			"assigned_to":     rw.AssignedTo,
			"actual_hours":    rw.ActualHours,
			"notes":           rw.Notes,
			"material_needed": rw.MaterialNeeded,
			"started_at":      rw.StartedAt,
			"closed_at":       rw.ClosedAt,
			"version":         rw.Version + 1,
			"updated_at":      now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	rw.Version++
	rw.UpdatedAt = now
	return nil
}

func (r *ReworkRepository) FindAll(ctx context.Context, tenantID string, page, pageSize int, filters map[string]string) ([]entity.ReworkJob, int64, error) {
	var items []entity.ReworkJob
	var total int64

	query := r.db.WithContext(ctx).Model(&entity.ReworkJob{}).Where("tenant_id = ?", tenantID)

	if status := filters["status"]; status != "" {
		query = query.Where("status = ?", status)
	}
	if jobID := filters["production_job_id"]; jobID != "" {
		query = query.Where("source_kind = ? AND source_id = ?", entity.SourceProductionJob, jobID)
	}
	if dnID := filters["delivery_note_id"]; dnID != "" {
		query = query.Where("source_kind = ? AND source_id = ?", entity.SourceDeliveryNote, dnID)
	}
	if assignedTo := filters["assigned_to"]; assignedTo != "" {
		query = query.Where("assigned_to = ?", assignedTo)
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
