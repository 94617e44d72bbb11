package repository

import (
	"context"
	"time"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"gorm.io/gorm"
)

// JobCardRepository 工单卡仓库
type JobCardRepository struct {
	db *gorm.DB
}

func NewJobCardRepository(db *gorm.DB) *JobCardRepository {
	return &JobCardRepository{db: db}
}

func (r *JobCardRepository) Create(ctx context.Context, job *entity.JobCard) error {
	return r.db.WithContext(ctx).Create(job).Error
}

// FindByID 根据ID查找工单
func (r *JobCardRepository) FindByID(ctx context.Context, tenantID, id string) (*entity.JobCard, error) {
	var job entity.JobCard
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		First(&job).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

// FindForUpdate reads the job with a row lock held until the transaction ends.
func (r *JobCardRepository) FindForUpdate(ctx context.Context, tenantID, id string) (*entity.JobCard, error) {
	var job entity.JobCard
	err := forUpdate(r.db.WithContext(ctx)).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		First(&job).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

// Update writes the mutable columns if nobody changed the row since job was
// read, then bumps job.Version.
func (r *JobCardRepository) Update(ctx context.Context, job *entity.JobCard) error {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&entity.JobCard{}).
		Where("tenant_id = ? AND id = ? AND version = ?", job.TenantID, job.ID, job.Version).
		Updates(map[string]interface{}{
			"stage":         job.Stage,
			"status":        job.Status,
			"actual_qty":    job.ActualQty,
			"actual_hours":  job.ActualHours,
			"assigned_to":   job.AssignedTo,
			"cancel_reason": job.CancelReason,
			"started_at":    job.StartedAt,
			"completed_at":  job.CompletedAt,
			"version":       job.Version + 1,
			"updated_at":    now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	job.Version++
	job.UpdatedAt = now
	return nil
}

// FindAll 工单列表
func (r *JobCardRepository) FindAll(ctx context.Context, tenantID string, page, pageSize int, filters map[string]string) ([]entity.JobCard, int64, error) {
	var items []entity.JobCard
	var total int64

	query := r.db.WithContext(ctx).Model(&entity.JobCard{}).Where("tenant_id = ?", tenantID)

	if status := filters["status"]; status != "" {
		query = query.Where("status = ?", status)
	}
	if stage := filters["stage"]; stage != "" {
		query = query.Where("stage = ?", entity.CanonicalStage(stage))
	}
	if projectID := filters["project_id"]; projectID != "" {
		query = query.Where("project_id = ?", projectID)
	}
	if subGroupID := filters["sub_group_id"]; subGroupID != "" {
		query = query.Where("sub_group_id = ?", subGroupID)
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

// CountActiveOutsideStages counts unfinished jobs whose current stage is not
// one of stages.
func (r *JobCardRepository) CountActiveOutsideStages(ctx context.Context, tenantID string, stages []string) (int64, error) {
	var n int64
	query := r.db.WithContext(ctx).Model(&entity.JobCard{}).
		Where("tenant_id = ? AND status NOT IN ?", tenantID, []entity.JobStatus{entity.JobStatusCompleted, entity.JobStatusCancelled})
	if len(stages) > 0 {
		query = query.Where("stage NOT IN ?", stages)
	}
	err := query.Count(&n).Error
	return n, err
}

// StageLogRepository 工序执行记录仓库
type StageLogRepository struct {
	db *gorm.DB
}

func NewStageLogRepository(db *gorm.DB) *StageLogRepository {
	return &StageLogRepository{db: db}
}

// Create opens a log. The partial unique index rejects a second open log for
// the same (job, stage); check with IsUniqueViolation.
func (r *StageLogRepository) Create(ctx context.Context, log *entity.ProductionStageLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

func (r *StageLogRepository) FindOpen(ctx context.Context, jobID, stage string) (*entity.ProductionStageLog, error) {
	var log entity.ProductionStageLog
	err := r.db.WithContext(ctx).
		Where("job_card_id = ? AND stage = ? AND completed_at IS NULL", jobID, stage).
		First(&log).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &log, nil
}

// FindLatest returns the most recent attempt of the stage, open or closed.
func (r *StageLogRepository) FindLatest(ctx context.Context, jobID, stage string) (*entity.ProductionStageLog, error) {
	var log entity.ProductionStageLog
	err := r.db.WithContext(ctx).
		Where("job_card_id = ? AND stage = ?", jobID, stage).
		Order("attempt DESC").
		First(&log).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &log, nil
}

func (r *StageLogRepository) CountAttempts(ctx context.Context, jobID, stage string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&entity.ProductionStageLog{}).
		Where("job_card_id = ? AND stage = ?", jobID, stage).
		Count(&n).Error
	return n, err
}

// CountOpen is used by tests and the integrity check on open logs.
func (r *StageLogRepository) CountOpen(ctx context.Context, jobID, stage string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&entity.ProductionStageLog{}).
		Where("job_card_id = ? AND stage = ? AND completed_at IS NULL", jobID, stage).
		Count(&n).Error
	return n, err
}

// AddEntry appends a time entry and folds it into the log totals.
func (r *StageLogRepository) AddEntry(ctx context.Context, log *entity.ProductionStageLog, entry *entity.StageLogEntry) error {
	db := r.db.WithContext(ctx)
	if err := db.Create(entry).Error; err != nil {
		return err
	}
	res := db.Model(&entity.ProductionStageLog{}).
		Where("id = ? AND completed_at IS NULL", log.ID).
		Updates(map[string]interface{}{
			"hours_logged": gorm.Expr("hours_logged + ?", entry.Hours),
			"output_qty":   gorm.Expr("output_qty + ?", entry.OutputQty),
			"updated_at":   time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	log.HoursLogged += entry.Hours
	log.OutputQty += entry.OutputQty
	return nil
}

// Close stamps completion on a still-open log.
func (r *StageLogRepository) Close(ctx context.Context, log *entity.ProductionStageLog, by string, at time.Time) error {
	updates := map[string]interface{}{
		"completed_at": at,
		"completed_by": by,
		"updated_at":   time.Now(),
	}
	if log.Notes != "" {
		updates["notes"] = log.Notes
	}
	res := r.db.WithContext(ctx).Model(&entity.ProductionStageLog{}).
		Where("id = ? AND completed_at IS NULL", log.ID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	log.CompletedAt = &at
	log.CompletedBy = &by
	return nil
}

// MarkQC records the gate verdict on a closed log, at most once.
func (r *StageLogRepository) MarkQC(ctx context.Context, log *entity.ProductionStageLog, status entity.QCStatus, qcRecordID *string) error {
	res := r.db.WithContext(ctx).Model(&entity.ProductionStageLog{}).
		Where("id = ? AND qc_status IS NULL", log.ID).
		Updates(map[string]interface{}{
			"qc_status":    status,
			"qc_record_id": qcRecordID,
			"updated_at":   time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	log.QCStatus = &status
	log.QCRecordID = qcRecordID
	return nil
}

func (r *StageLogRepository) ListByJob(ctx context.Context, jobID string) ([]entity.ProductionStageLog, error) {
	var logs []entity.ProductionStageLog
	err := r.db.WithContext(ctx).
		Preload("Entries", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at ASC")
		}).
		Where("job_card_id = ?", jobID).
		Order("started_at ASC, attempt ASC").
		Find(&logs).Error
	return logs, err
}

// ActionLogRepository 工单操作日志
type ActionLogRepository struct {
	db *gorm.DB
}

func NewActionLogRepository(db *gorm.DB) *ActionLogRepository {
	return &ActionLogRepository{db: db}
}

func (r *ActionLogRepository) Create(ctx context.Context, log *entity.JobActionLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

func (r *ActionLogRepository) ListByJob(ctx context.Context, jobID string) ([]entity.JobActionLog, error) {
	var logs []entity.JobActionLog
	err := r.db.WithContext(ctx).
		Where("job_card_id = ?", jobID).
		Order("created_at ASC").
		Find(&logs).Error
	return logs, err
}
