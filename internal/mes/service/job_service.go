package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/bitfantasy/nimo-mes/internal/mes/events"
	"github.com/bitfantasy/nimo-mes/internal/mes/lock"
	"github.com/bitfantasy/nimo-mes/internal/mes/repository"
	"github.com/google/uuid"
)

// JobService 生产工单服务
type JobService struct {
	*core
	catalog *StageCatalogService
	ledger  *LedgerService
	gate    *QualityGate
}

const jobSequenceName = "job_card"

type CreateJobRequest struct {
	ProjectID    string   `json:"project_id" binding:"required"`
	SubGroupID   string   `json:"sub_group_id" binding:"required"`
	PlannedQty   float64  `json:"planned_qty"`
	PlannedHours *float64 `json:"planned_hours"`
	AssignedTo   *string  `json:"assigned_to"`
	Stage        string   `json:"stage"`
	OutputItemID *string  `json:"output_item_id"`
}

// CreateJob 创建工单
func (s *JobService) CreateJob(ctx context.Context, tenantID, actor string, req *CreateJobRequest) (*entity.JobCard, error) {
	if req.PlannedQty <= 0 {
		return nil, validationError("planned_qty must be greater than 0")
	}
	if req.PlannedHours != nil && *req.PlannedHours < 0 {
		return nil, validationError("planned_hours must not be negative")
	}

	var job *entity.JobCard
	err := s.mutate(ctx, "create_job", []string{lock.SequenceKey(tenantID, jobSequenceName)}, func(ctx context.Context, tx *repository.Repositories, box *outbox) error {
		catalog, err := s.catalog.pin(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		first, ok := catalog.First()
		if !ok {
			return validationError("tenant has no production stages configured")
		}
		stage := first.Name
		if req.Stage != "" {
			def, ok := catalog.Lookup(req.Stage)
			if !ok {
				return validationError("stage %s is not in the catalog", entity.CanonicalStage(req.Stage))
			}
			stage = def.Name
		}

		if _, err := tx.Directory.FindProject(ctx, tenantID, req.ProjectID); err != nil {
			return validationError("project %s does not exist", req.ProjectID)
		}
		group, err := tx.Directory.FindSubGroup(ctx, tenantID, req.SubGroupID)
		if err != nil {
			return validationError("sub group %s does not exist", req.SubGroupID)
		}
		if group.ProjectID != req.ProjectID {
			return validationError("sub group %s does not belong to project %s", req.SubGroupID, req.ProjectID)
		}
		if req.OutputItemID != nil {
			if _, err := tx.Stock.FindItem(ctx, tenantID, *req.OutputItemID); err != nil {
				return validationError("output item %s does not exist", *req.OutputItemID)
			}
		}

		seq, err := tx.Sequence.Next(ctx, tenantID, jobSequenceName)
		if err != nil {
			return classify(err, "job number sequence")
		}

		now := s.now()
		job = &entity.JobCard{
			ID:            uuid.New().String(),
			TenantID:      tenantID,
			ProjectID:     req.ProjectID,
			SubGroupID:    req.SubGroupID,
			JobCardNumber: fmt.Sprintf("%s-%06d", s.workflow.JobNumberPrefix, seq),
			Stage:         stage,
			Status:        entity.JobStatusNotStarted,
			PlannedQty:    req.PlannedQty,
			AssignedTo:    req.AssignedTo,
			OutputItemID:  req.OutputItemID,
			Version:       1,
			CreatedBy:     actor,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if req.PlannedHours != nil {
			job.PlannedHours = *req.PlannedHours
		}
		if err := tx.Job.Create(ctx, job); err != nil {
			if repository.IsUniqueViolation(err) {
				return conflictError("job number %s is taken, retry", job.JobCardNumber)
			}
			return classify(err, "job card")
		}
		if err := s.logAction(ctx, tx, job, entity.JobActionCreate, "", actor, nil, ""); err != nil {
			return err
		}
		box.emit(s.event(tenantID, events.JobCreated, job.ID, actor, withAssignee(job, map[string]interface{}{
			"job_card_number": job.JobCardNumber,
		})))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// VersionedRequest lets a client guard a mutation with the version it read.
type VersionedRequest struct {
	ExpectedVersion *int64 `json:"version"`
}

// withJob runs fn on the locked job and persists it if fn changed it.
func (s *JobService) withJob(ctx context.Context, op, tenantID, jobID string, extraKeys []string, expected *int64, fn func(ctx context.Context, tx *repository.Repositories, box *outbox, job *entity.JobCard) error) (*entity.JobCard, error) {
	keys := append([]string{lock.JobKey(tenantID, jobID)}, extraKeys...)

	var job *entity.JobCard
	err := s.mutate(ctx, op, keys, func(ctx context.Context, tx *repository.Repositories, box *outbox) error {
		var err error
		job, err = tx.Job.FindForUpdate(ctx, tenantID, jobID)
		if err != nil {
			return classify(err, "job card "+jobID)
		}
		if err := checkVersion("job card", expected, job.Version); err != nil {
			return err
		}
		before := *job
		if err := fn(ctx, tx, box, job); err != nil {
			return err
		}
		if jobChanged(&before, job) || before.AssignedTo != job.AssignedTo || before.CancelReason != job.CancelReason || before.StartedAt != job.StartedAt {
			if err := tx.Job.Update(ctx, job); err != nil {
				return classify(err, "job card "+job.JobCardNumber)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// StartStage 开工: opens a new attempt of the job's current stage.
func (s *JobService) StartStage(ctx context.Context, tenantID, jobID, actor string, req *VersionedRequest) (*entity.ProductionStageLog, *entity.JobCard, error) {
	var log *entity.ProductionStageLog
	job, err := s.withJob(ctx, "start_stage", tenantID, jobID, nil, req.ExpectedVersion, func(ctx context.Context, tx *repository.Repositories, box *outbox, job *entity.JobCard) error {
		latest, err := tx.StageLog.FindLatest(ctx, job.ID, job.Stage)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return classify(err, "stage log")
		}
		if err != nil {
			latest = nil
		}
		if latest != nil && latest.Open() {
			return invalidTransition("stage %s of job %s is already started", job.Stage, job.JobCardNumber)
		}

		switch job.Status {
		case entity.JobStatusNotStarted:
		case entity.JobStatusInProgress:
			// A passed attempt on the current stage means the job was reopened
			// from COMPLETED; only an unjudged attempt blocks a restart.
			if latest != nil && latest.QCStatus == nil {
				return invalidTransition("stage %s of job %s is awaiting inspection", job.Stage, job.JobCardNumber)
			}
		case entity.JobStatusRework:
			active, err := tx.Rework.CountActive(ctx, entity.ProductionSource(job.ID))
			if err != nil {
				return classify(err, "rework jobs")
			}
			if active > 0 {
				return precondGate("job %s still has %d open rework job(s)", job.JobCardNumber, active)
			}
		default:
			return invalidTransition("job %s is %s", job.JobCardNumber, job.Status)
		}

		attempts, err := tx.StageLog.CountAttempts(ctx, job.ID, job.Stage)
		if err != nil {
			return classify(err, "stage log")
		}
		now := s.now()
		log = &entity.ProductionStageLog{
			ID:        uuid.New().String(),
			TenantID:  tenantID,
			JobCardID: job.ID,
			Stage:     job.Stage,
			Attempt:   int(attempts) + 1,
			StartedAt: now,
			StartedBy: actor,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.StageLog.Create(ctx, log); err != nil {
			if repository.IsUniqueViolation(err) {
				return invalidTransition("stage %s of job %s is already started", job.Stage, job.JobCardNumber)
			}
			return classify(err, "stage log")
		}

		from := job.Status
		if err := s.transitionJob(box, job, entity.JobStatusInProgress); err != nil {
			return err
		}
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
		data := map[string]interface{}{"stage_log_id": log.ID, "attempt": log.Attempt}
		if err := s.logAction(ctx, tx, job, entity.JobActionStart, from, actor, data, ""); err != nil {
			return err
		}
		box.emit(s.event(tenantID, events.JobStageStarted, job.ID, actor, withAssignee(job, data)))
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return log, job, nil
}

type LogHoursRequest struct {
	UserID    string     `json:"user_id"`
	Hours     float64    `json:"hours" binding:"required"`
	OutputQty *float64   `json:"output_qty"`
	Notes     string     `json:"notes"`
	WorkDate  *time.Time `json:"work_date"`
}

// LogHours 报工: only against an open attempt of the current stage.
func (s *JobService) LogHours(ctx context.Context, tenantID, jobID, actor string, req *LogHoursRequest) (*entity.StageLogEntry, *entity.JobCard, error) {
	if req.Hours <= 0 {
		return nil, nil, validationError("hours must be positive")
	}
	if req.OutputQty != nil && *req.OutputQty < 0 {
		return nil, nil, validationError("output_qty must not be negative")
	}

	var entry *entity.StageLogEntry
	job, err := s.withJob(ctx, "log_hours", tenantID, jobID, nil, nil, func(ctx context.Context, tx *repository.Repositories, box *outbox, job *entity.JobCard) error {
		if job.Status.Terminal() {
			return invalidTransition("job %s is %s", job.JobCardNumber, job.Status)
		}
		log, err := tx.StageLog.FindOpen(ctx, job.ID, job.Stage)
		if errors.Is(err, repository.ErrNotFound) {
			return precondGate("stage %s of job %s is not started", job.Stage, job.JobCardNumber)
		}
		if err != nil {
			return classify(err, "stage log")
		}

		now := s.now()
		userID := req.UserID
		if userID == "" {
			userID = actor
		}
		workDate := now
		if req.WorkDate != nil {
			workDate = req.WorkDate.UTC()
		}
		entry = &entity.StageLogEntry{
			ID:         uuid.New().String(),
			StageLogID: log.ID,
			JobCardID:  job.ID,
			UserID:     userID,
			Hours:      req.Hours,
			Notes:      req.Notes,
			WorkDate:   workDate,
			CreatedAt:  now,
		}
		if req.OutputQty != nil {
			entry.OutputQty = *req.OutputQty
		}
		if err := tx.StageLog.AddEntry(ctx, log, entry); err != nil {
			return classify(err, "stage log")
		}

		job.ActualHours += entry.Hours
		job.ActualQty += entry.OutputQty
		data := map[string]interface{}{"hours": entry.Hours, "output_qty": entry.OutputQty, "user_id": userID}
		if err := s.logAction(ctx, tx, job, entity.JobActionLogHours, job.Status, actor, data, req.Notes); err != nil {
			return err
		}
		box.emit(s.event(tenantID, events.JobHoursLogged, job.ID, actor, withAssignee(job, data)))
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return entry, job, nil
}

type CompleteStageRequest struct {
	Notes           string         `json:"notes"`
	Consumption     []MaterialLine `json:"consumption"`
	ExpectedVersion *int64         `json:"version"`
}

// CompleteStageResult 完工结果
type CompleteStageResult struct {
	Job          *entity.JobCard            `json:"job"`
	Log          *entity.ProductionStageLog `json:"log"`
	Outcome      GateOutcome                `json:"outcome"`
	Rework       *entity.ReworkJob          `json:"rework,omitempty"`
	Transactions []entity.StockTransaction  `json:"transactions,omitempty"`
}

// CompleteStage 完工: closes the open attempt, books the consumed material
// and runs the quality gate, all in one transaction.
func (s *JobService) CompleteStage(ctx context.Context, tenantID, jobID, actor string, req *CompleteStageRequest) (*CompleteStageResult, error) {
	if err := validateLines(req.Consumption); err != nil {
		return nil, err
	}
	current, err := s.repos.Job.FindByID(ctx, tenantID, jobID)
	if err != nil {
		return nil, classify(err, "job card "+jobID)
	}
	keys := lineKeys(tenantID, req.Consumption)
	if current.OutputItemID != nil {
		keys = append(keys, lock.ItemKey(tenantID, *current.OutputItemID))
	}

	res := &CompleteStageResult{}
	job, err := s.withJob(ctx, "complete_stage", tenantID, jobID, keys, req.ExpectedVersion, func(ctx context.Context, tx *repository.Repositories, box *outbox, job *entity.JobCard) error {
		if job.Status != entity.JobStatusInProgress {
			return invalidTransition("job %s is %s", job.JobCardNumber, job.Status)
		}
		log, err := tx.StageLog.FindOpen(ctx, job.ID, job.Stage)
		if errors.Is(err, repository.ErrNotFound) {
			return invalidTransition("stage %s of job %s has no open attempt", job.Stage, job.JobCardNumber)
		}
		if err != nil {
			return classify(err, "stage log")
		}

		if req.Notes != "" {
			log.Notes = appendNote(log.Notes, req.Notes)
		}
		if err := tx.StageLog.Close(ctx, log, actor, s.now()); err != nil {
			return classify(err, "stage log")
		}
		res.Log = log

		if len(req.Consumption) > 0 {
			res.Transactions, err = s.ledger.consume(ctx, tx, box, tenantID, actor, entity.RefTypeJob, job.ID, req.Consumption)
			if err != nil {
				return err
			}
		}

		stage := job.Stage
		data := map[string]interface{}{"stage_log_id": log.ID, "hours_logged": log.HoursLogged, "output_qty": log.OutputQty}
		if err := s.logAction(ctx, tx, job, entity.JobActionComplete, job.Status, actor, data, req.Notes); err != nil {
			return err
		}
		box.emit(s.event(tenantID, events.JobStageCompleted, job.ID, actor, withAssignee(job, data)))

		catalog, err := s.catalog.pin(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		gate, err := s.gate.evaluate(ctx, tx, box, catalog, job, stage, actor)
		if err != nil {
			return err
		}
		res.Outcome = gate.Outcome
		res.Rework = gate.Rework
		if gate.Output != nil {
			res.Transactions = append(res.Transactions, *gate.Output)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Job = job
	return res, nil
}

// AssignJob 指派工单. An empty assignee clears the assignment.
func (s *JobService) AssignJob(ctx context.Context, tenantID, jobID, actor, assignee string) (*entity.JobCard, error) {
	assignee = strings.TrimSpace(assignee)
	return s.withJob(ctx, "assign_job", tenantID, jobID, nil, nil, func(ctx context.Context, tx *repository.Repositories, box *outbox, job *entity.JobCard) error {
		if job.Status.Terminal() {
			return invalidTransition("job %s is %s", job.JobCardNumber, job.Status)
		}
		var previous string
		if job.AssignedTo != nil {
			previous = *job.AssignedTo
		}
		if assignee == "" {
			job.AssignedTo = nil
		} else {
			job.AssignedTo = &assignee
		}
		data := map[string]interface{}{"from": previous, "to": assignee}
		if err := s.logAction(ctx, tx, job, entity.JobActionAssign, job.Status, actor, data, ""); err != nil {
			return err
		}
		box.emit(s.event(tenantID, events.JobAssigned, job.ID, actor, withAssignee(job, data)))
		return nil
	})
}

type CancelJobRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// CancelJob 取消工单. An open attempt is closed with the cancellation.
func (s *JobService) CancelJob(ctx context.Context, tenantID, jobID, actor string, req *CancelJobRequest) (*entity.JobCard, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, validationError("a cancel reason is required")
	}
	return s.withJob(ctx, "cancel_job", tenantID, jobID, nil, nil, func(ctx context.Context, tx *repository.Repositories, box *outbox, job *entity.JobCard) error {
		from := job.Status
		if err := s.transitionJob(box, job, entity.JobStatusCancelled); err != nil {
			return err
		}
		job.CancelReason = reason

		log, err := tx.StageLog.FindOpen(ctx, job.ID, job.Stage)
		switch {
		case err == nil:
			log.Notes = appendNote(log.Notes, "cancelled: "+reason)
			if err := tx.StageLog.Close(ctx, log, actor, s.now()); err != nil {
				return classify(err, "stage log")
			}
		case !errors.Is(err, repository.ErrNotFound):
			return classify(err, "stage log")
		}

		cancelled, err := s.cancelReworks(ctx, tx, box, job, actor, reason)
		if err != nil {
			return err
		}

		var data map[string]interface{}
		if len(cancelled) > 0 {
			data = map[string]interface{}{"cancelled_reworks": cancelled}
		}
		if err := s.logAction(ctx, tx, job, entity.JobActionCancel, from, actor, data, reason); err != nil {
			return err
		}
		box.emit(s.event(tenantID, events.JobCancelled, job.ID, actor, withAssignee(job, map[string]interface{}{"reason": reason})))
		return nil
	})
}

// cancelReworks closes the job's unresolved reworks along with the job.
func (s *JobService) cancelReworks(ctx context.Context, tx *repository.Repositories, box *outbox, job *entity.JobCard, actor, reason string) ([]string, error) {
	active, err := tx.Rework.ListActive(ctx, entity.ProductionSource(job.ID))
	if err != nil {
		return nil, classify(err, "rework jobs")
	}
	ids := make([]string, 0, len(active))
	now := s.now()
	for i := range active {
		rw := &active[i]
		from := rw.Status
		rw.Status = entity.ReworkStatusCancelled
		rw.ClosedAt = &now
		rw.Notes = appendNote(rw.Notes, "job cancelled: "+reason)
		if err := tx.Rework.Update(ctx, rw); err != nil {
			return nil, classify(err, "rework job "+rw.ID)
		}
		payload := reworkPayload(rw)
		payload["from_status"] = from
		box.emit(s.event(job.TenantID, events.ReworkStatusChanged, rw.ID, actor, payload))
		ids = append(ids, rw.ID)
	}
	return ids, nil
}

// ResumeJob 恢复生产: REWORK → IN_PROGRESS once no rework is active. The next
// StartStage opens a fresh attempt of the failed stage.
func (s *JobService) ResumeJob(ctx context.Context, tenantID, jobID, actor string) (*entity.JobCard, error) {
	return s.withJob(ctx, "resume_job", tenantID, jobID, nil, nil, func(ctx context.Context, tx *repository.Repositories, box *outbox, job *entity.JobCard) error {
		if job.Status != entity.JobStatusRework {
			return invalidTransition("job %s is %s, not %s", job.JobCardNumber, job.Status, entity.JobStatusRework)
		}
		active, err := tx.Rework.CountActive(ctx, entity.ProductionSource(job.ID))
		if err != nil {
			return classify(err, "rework jobs")
		}
		if active > 0 {
			return precondGate("job %s still has %d open rework job(s)", job.JobCardNumber, active)
		}
		return s.resume(ctx, tx, box, job, actor, "")
	})
}

// resume moves a job out of REWORK. The caller persists the job.
func (s *JobService) resume(ctx context.Context, tx *repository.Repositories, box *outbox, job *entity.JobCard, actor, comment string) error {
	from := job.Status
	if err := s.transitionJob(box, job, entity.JobStatusInProgress); err != nil {
		return err
	}
	if err := s.logAction(ctx, tx, job, entity.JobActionResume, from, actor, nil, comment); err != nil {
		return err
	}
	box.emit(s.event(job.TenantID, events.JobResumed, job.ID, actor, withAssignee(job, nil)))
	return nil
}

type CorrectTotalsRequest struct {
	ActualQty   *float64 `json:"actual_qty"`
	ActualHours *float64 `json:"actual_hours"`
	Reason      string   `json:"reason" binding:"required"`
}

// CorrectTotals 更正累计值. The only path that may lower accumulated totals.
func (s *JobService) CorrectTotals(ctx context.Context, tenantID, jobID, actor string, req *CorrectTotalsRequest) (*entity.JobCard, error) {
	if req.ActualQty == nil && req.ActualHours == nil {
		return nil, validationError("nothing to correct")
	}
	if (req.ActualQty != nil && *req.ActualQty < 0) || (req.ActualHours != nil && *req.ActualHours < 0) {
		return nil, validationError("totals must not be negative")
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, validationError("a correction reason is required")
	}
	return s.withJob(ctx, "correct_totals", tenantID, jobID, nil, nil, func(ctx context.Context, tx *repository.Repositories, box *outbox, job *entity.JobCard) error {
		if job.Status == entity.JobStatusCancelled {
			return invalidTransition("job %s is cancelled", job.JobCardNumber)
		}
		data := map[string]interface{}{
			"actual_qty_before":   job.ActualQty,
			"actual_hours_before": job.ActualHours,
		}
		if req.ActualQty != nil {
			job.ActualQty = *req.ActualQty
		}
		if req.ActualHours != nil {
			job.ActualHours = *req.ActualHours
		}
		data["actual_qty"] = job.ActualQty
		data["actual_hours"] = job.ActualHours
		if err := s.logAction(ctx, tx, job, entity.JobActionCorrect, job.Status, actor, data, reason); err != nil {
			return err
		}
		box.emit(s.event(tenantID, events.JobCorrected, job.ID, actor, withAssignee(job, data)))
		return nil
	})
}

// IssueMaterial 工单领料
func (s *JobService) IssueMaterial(ctx context.Context, tenantID, jobID, actor string, lines []MaterialLine) ([]entity.StockTransaction, error) {
	if len(lines) == 0 {
		return nil, validationError("no material lines")
	}
	if err := validateLines(lines); err != nil {
		return nil, err
	}
	var out []entity.StockTransaction
	_, err := s.withJob(ctx, "issue_job_material", tenantID, jobID, lineKeys(tenantID, lines), nil, func(ctx context.Context, tx *repository.Repositories, box *outbox, job *entity.JobCard) error {
		if job.Status.Terminal() {
			return invalidTransition("job %s is %s", job.JobCardNumber, job.Status)
		}
		var err error
		out, err = s.ledger.consume(ctx, tx, box, tenantID, actor, entity.RefTypeJob, job.ID, lines)
		if err != nil {
			return err
		}
		return s.logAction(ctx, tx, job, entity.JobActionIssue, job.Status, actor, map[string]interface{}{"lines": len(out)}, "")
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetJob 获取工单
func (s *JobService) GetJob(ctx context.Context, tenantID, jobID string) (*entity.JobCard, error) {
	job, err := s.repos.Job.FindByID(ctx, tenantID, jobID)
	if err != nil {
		return nil, classify(err, "job card "+jobID)
	}
	return job, nil
}

// ListJobs 工单列表
func (s *JobService) ListJobs(ctx context.Context, tenantID string, page, pageSize int, filters map[string]string) (*ListResult[entity.JobCard], error) {
	items, total, err := s.repos.Job.FindAll(ctx, tenantID, page, pageSize, filters)
	if err != nil {
		return nil, classify(err, "job cards")
	}
	return &ListResult[entity.JobCard]{Items: items, Total: total}, nil
}

// ListStageLogs 工序执行记录
func (s *JobService) ListStageLogs(ctx context.Context, tenantID, jobID string) ([]entity.ProductionStageLog, error) {
	if _, err := s.GetJob(ctx, tenantID, jobID); err != nil {
		return nil, err
	}
	logs, err := s.repos.StageLog.ListByJob(ctx, jobID)
	if err != nil {
		return nil, classify(err, "stage logs")
	}
	return logs, nil
}

// ListActions 工单操作日志
func (s *JobService) ListActions(ctx context.Context, tenantID, jobID string) ([]entity.JobActionLog, error) {
	if _, err := s.GetJob(ctx, tenantID, jobID); err != nil {
		return nil, err
	}
	logs, err := s.repos.ActionLog.ListByJob(ctx, jobID)
	if err != nil {
		return nil, classify(err, "job actions")
	}
	return logs, nil
}

// ListMaterials returns the stock postings booked against the job.
func (s *JobService) ListMaterials(ctx context.Context, tenantID, jobID string) ([]entity.StockTransaction, error) {
	if _, err := s.GetJob(ctx, tenantID, jobID); err != nil {
		return nil, err
	}
	return s.ledger.ListByReference(ctx, tenantID, entity.RefTypeJob, jobID)
}
