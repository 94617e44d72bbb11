package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/bitfantasy/nimo-mes/internal/mes/events"
	"github.com/bitfantasy/nimo-mes/internal/mes/lock"
	"github.com/bitfantasy/nimo-mes/internal/mes/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReworkService 返工服务
type ReworkService struct {
	*core
	ledger *LedgerService
	jobs   *JobService
}

type spawnArgs struct {
	TenantID       string
	Source         entity.Source
	SpawnKey       string
	QCRecordID     *string
	ReturnID       *string
	Stage          *string
	ExpectedHours  *float64
	AssignedTo     *string
	Notes          string
	MaterialNeeded string
	CreatedBy      string
}

// spawn creates an OPEN rework inside the caller's transaction. The spawn key
// makes a second rework for the same cause impossible.
func (s *ReworkService) spawn(ctx context.Context, tx *repository.Repositories, box *outbox, a spawnArgs) (*entity.ReworkJob, error) {
	if existing, err := tx.Rework.FindBySpawnKey(ctx, a.TenantID, a.SpawnKey); err == nil {
		return nil, duplicateRework("rework %s was already created for %s", existing.ID, a.SpawnKey)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, classify(err, "rework job")
	}

	now := s.now()
	rw := &entity.ReworkJob{
		ID:             uuid.New().String(),
		TenantID:       a.TenantID,
		Source:         a.Source,
		SpawnKey:       a.SpawnKey,
		QCRecordID:     a.QCRecordID,
		ReturnID:       a.ReturnID,
		Stage:          a.Stage,
		AssignedTo:     a.AssignedTo,
		Status:         entity.ReworkStatusOpen,
		ExpectedHours:  a.ExpectedHours,
		Notes:          a.Notes,
		MaterialNeeded: a.MaterialNeeded,
		Version:        1,
		CreatedBy:      a.CreatedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := tx.Rework.Create(ctx, rw); err != nil {
		if repository.IsUniqueViolation(err) {
			return nil, duplicateRework("a rework already exists for %s", a.SpawnKey)
		}
		return nil, classify(err, "rework job")
	}

	kind := string(a.Source.Kind)
	box.onCommit(func() { s.metrics.reworkSpawned(kind) })
	box.emit(s.event(a.TenantID, events.ReworkSpawned, rw.ID, a.CreatedBy, reworkPayload(rw)))
	return rw, nil
}

// ensure returns the rework of a failed inspection, creating it if missing.
func (s *ReworkService) ensure(ctx context.Context, tx *repository.Repositories, box *outbox, job *entity.JobCard, rec *entity.QCRecord) (*entity.ReworkJob, error) {
	rw, err := tx.Rework.FindBySpawnKey(ctx, job.TenantID, entity.QCSpawnKey(rec.ID))
	if err == nil {
		return rw, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, classify(err, "rework job")
	}
	return s.spawn(ctx, tx, box, spawnArgs{
		TenantID:      job.TenantID,
		Source:        entity.ProductionSource(job.ID),
		SpawnKey:      entity.QCSpawnKey(rec.ID),
		QCRecordID:    &rec.ID,
		Stage:         rec.Stage,
		ExpectedHours: rec.ReworkExpectedHours,
		AssignedTo:    rec.ReworkAssignedTo,
		Notes:         rec.Remarks,
		CreatedBy:     rec.InspectorID,
	})
}

func reworkPayload(rw *entity.ReworkJob) map[string]interface{} {
	payload := map[string]interface{}{
		"source_type": rw.Source.Kind,
		"source_id":   rw.Source.ID,
		"status":      rw.Status,
	}
	if rw.Stage != nil {
		payload["stage"] = *rw.Stage
	}
	if rw.AssignedTo != nil {
		payload["assigned_to"] = *rw.AssignedTo
	}
	return payload
}

// SpawnReworkRequest names the cause of a rework: a failed inspection or a
// return inspected with outcome REWORK.
type SpawnReworkRequest struct {
	QCRecordID     string   `json:"qc_record_id"`
	ReturnID       string   `json:"return_id"`
	ExpectedHours  *float64 `json:"expected_hours"`
	AssignedTo     *string  `json:"assigned_to"`
	Notes          string   `json:"notes"`
	MaterialNeeded string   `json:"material_needed"`
}

// Spawn 创建返工单 for a failed inspection whose inspector did not ask for one
// at the time. A cause yields at most one rework; asking again is
// DuplicateRework.
func (s *ReworkService) Spawn(ctx context.Context, tenantID, actor string, req *SpawnReworkRequest) (*entity.ReworkJob, error) {
	if (req.QCRecordID == "") == (req.ReturnID == "") {
		return nil, validationError("exactly one of qc_record_id and return_id must be set")
	}
	if req.ExpectedHours != nil && *req.ExpectedHours < 0 {
		return nil, validationError("expected_hours must not be negative")
	}

	var keys []string
	if req.QCRecordID != "" {
		rec, err := s.repos.QC.FindByID(ctx, tenantID, req.QCRecordID)
		if err != nil {
			return nil, classify(err, "inspection "+req.QCRecordID)
		}
		if rec.Source.IsProductionJob() {
			keys = append(keys, lock.JobKey(tenantID, rec.Source.ID))
		} else {
			keys = append(keys, lock.DeliveryNoteKey(tenantID, rec.Source.ID))
		}
	} else {
		keys = append(keys, lock.ReturnKey(tenantID, req.ReturnID))
	}

	var rw *entity.ReworkJob
	err := s.mutate(ctx, "spawn_rework", keys, func(ctx context.Context, tx *repository.Repositories, box *outbox) error {
		args, err := s.causeArgs(ctx, tx, tenantID, req)
		if err != nil {
			return err
		}
		args.CreatedBy = actor
		rw, err = s.spawn(ctx, tx, box, args)
		if err != nil {
			return err
		}
		if args.ReturnID != nil {
			ret, err := tx.Return.FindForUpdate(ctx, tenantID, *args.ReturnID)
			if err != nil {
				return classify(err, "return")
			}
			ret.ReworkJobID = &rw.ID
			return classify(tx.Return.Transition(ctx, ret, ret.Status), "return")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rw, nil
}

func (s *ReworkService) causeArgs(ctx context.Context, tx *repository.Repositories, tenantID string, req *SpawnReworkRequest) (spawnArgs, error) {
	args := spawnArgs{
		TenantID:       tenantID,
		ExpectedHours:  req.ExpectedHours,
		AssignedTo:     req.AssignedTo,
		Notes:          req.Notes,
		MaterialNeeded: req.MaterialNeeded,
	}

	if req.QCRecordID != "" {
		rec, err := tx.QC.FindByID(ctx, tenantID, req.QCRecordID)
		if err != nil {
			return args, classify(err, "inspection "+req.QCRecordID)
		}
		if rec.QCStatus != entity.QCStatusFail {
			return args, precondGate("inspection %s is %s; only a FAIL inspection can cause rework", rec.ID, rec.QCStatus)
		}
		if rec.Source.IsProductionJob() {
			job, err := tx.Job.FindByID(ctx, tenantID, rec.Source.ID)
			if err != nil {
				return args, classify(err, "job card")
			}
			if job.Status == entity.JobStatusCancelled {
				return args, invalidTransition("job %s is cancelled", job.JobCardNumber)
			}
			if rec.Stage != nil {
				if active, err := tx.Rework.FindActiveForStage(ctx, job.ID, *rec.Stage); err == nil {
					return args, duplicateRework("rework %s is still %s for job %s stage %s", active.ID, active.Status, job.JobCardNumber, *rec.Stage)
				}
			}
		}
		args.Source = rec.Source
		args.SpawnKey = entity.QCSpawnKey(rec.ID)
		args.QCRecordID = &rec.ID
		args.Stage = rec.Stage
		if args.ExpectedHours == nil {
			args.ExpectedHours = rec.ReworkExpectedHours
		}
		if args.AssignedTo == nil {
			args.AssignedTo = rec.ReworkAssignedTo
		}
		if args.Notes == "" {
			args.Notes = rec.Remarks
		}
		return args, nil
	}

	ret, err := tx.Return.FindByID(ctx, tenantID, req.ReturnID)
	if err != nil {
		return args, classify(err, "return "+req.ReturnID)
	}
	if ret.Outcome == nil || *ret.Outcome != entity.ReturnOutcomeRework {
		return args, precondGate("return %s was not inspected with outcome REWORK", ret.ID)
	}
	args.Source = entity.DeliveryNoteSource(ret.DeliveryNoteID)
	args.SpawnKey = entity.ReturnSpawnKey(ret.ID)
	args.ReturnID = &ret.ID
	if args.Notes == "" {
		args.Notes = ret.Reason
	}
	return args, nil
}

type TransitionReworkRequest struct {
	Status          entity.ReworkStatus `json:"status" binding:"required"`
	Notes           string              `json:"notes"`
	ExpectedVersion *int64              `json:"version"`
}

// TransitionStatus 返工状态流转: OPEN→IN_PROGRESS→COMPLETED, or CANCELLED from
// either active state.
func (s *ReworkService) TransitionStatus(ctx context.Context, tenantID, reworkID, actor string, req *TransitionReworkRequest) (*entity.ReworkJob, error) {
	if !req.Status.Valid() {
		return nil, validationError("invalid rework status %q", req.Status)
	}
	current, err := s.repos.Rework.FindByID(ctx, tenantID, reworkID)
	if err != nil {
		return nil, classify(err, "rework job "+reworkID)
	}
	keys := []string{lock.ReworkKey(tenantID, reworkID)}
	if current.Source.IsProductionJob() {
		keys = append(keys, lock.JobKey(tenantID, current.Source.ID))
	}

	var rw *entity.ReworkJob
	err = s.mutate(ctx, "transition_rework", keys, func(ctx context.Context, tx *repository.Repositories, box *outbox) error {
		var err error
		rw, err = tx.Rework.FindForUpdate(ctx, tenantID, reworkID)
		if err != nil {
			return classify(err, "rework job "+reworkID)
		}
		if err := checkVersion("rework job", req.ExpectedVersion, rw.Version); err != nil {
			return err
		}
		from := rw.Status
		if !from.CanTransitionTo(req.Status) {
			return invalidTransition("rework %s cannot move from %s to %s", rw.ID, from, req.Status)
		}

		now := s.now()
		rw.Status = req.Status
		switch req.Status {
		case entity.ReworkStatusInProgress:
			rw.StartedAt = &now
		case entity.ReworkStatusCompleted, entity.ReworkStatusCancelled:
			rw.ClosedAt = &now
		}
		if note := strings.TrimSpace(req.Notes); note != "" {
			rw.Notes = appendNote(rw.Notes, note)
		}
		if err := tx.Rework.Update(ctx, rw); err != nil {
			return classify(err, "rework job "+rw.ID)
		}

		payload := reworkPayload(rw)
		payload["from_status"] = from
		box.emit(s.event(tenantID, events.ReworkStatusChanged, rw.ID, actor, payload))

		if rw.Status == entity.ReworkStatusCompleted && rw.Source.IsProductionJob() && s.workflow.AutoResumeOnReworkComplete {
			return s.autoResume(ctx, tx, box, rw, actor)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rw, nil
}

// autoResume puts the source job back to work once its last active rework is
// done.
func (s *ReworkService) autoResume(ctx context.Context, tx *repository.Repositories, box *outbox, rw *entity.ReworkJob, actor string) error {
	remaining, err := tx.Rework.CountActive(ctx, rw.Source)
	if err != nil {
		return classify(err, "rework jobs")
	}
	if remaining > 0 {
		return nil
	}
	job, err := tx.Job.FindForUpdate(ctx, rw.TenantID, rw.Source.ID)
	if err != nil {
		return classify(err, "job card "+rw.Source.ID)
	}
	if job.Status != entity.JobStatusRework {
		return nil
	}
	s.logger.Info("Auto-resuming job after rework",
		zap.String("job_id", job.ID),
		zap.String("rework_id", rw.ID),
	)
	if err := s.jobs.resume(ctx, tx, box, job, actor, "rework "+rw.ID+" completed"); err != nil {
		return err
	}
	return classify(tx.Job.Update(ctx, job), "job card "+job.JobCardNumber)
}

// AssignRework 指派返工
func (s *ReworkService) AssignRework(ctx context.Context, tenantID, reworkID, actor, assignee string) (*entity.ReworkJob, error) {
	assignee = strings.TrimSpace(assignee)
	if assignee == "" {
		return nil, validationError("assignee is required")
	}
	return s.update(ctx, "assign_rework", tenantID, reworkID, func(rw *entity.ReworkJob) error {
		if !rw.Status.Active() {
			return invalidTransition("rework %s is %s", rw.ID, rw.Status)
		}
		rw.AssignedTo = &assignee
		return nil
	}, func(box *outbox, rw *entity.ReworkJob) {
		box.emit(s.event(tenantID, events.ReworkAssigned, rw.ID, actor, reworkPayload(rw)))
	})
}

type LogReworkHoursRequest struct {
	Hours float64 `json:"hours" binding:"required"`
	Notes string  `json:"notes"`
}

// LogReworkHours 返工报工
func (s *ReworkService) LogReworkHours(ctx context.Context, tenantID, reworkID, actor string, req *LogReworkHoursRequest) (*entity.ReworkJob, error) {
	if req.Hours <= 0 {
		return nil, validationError("hours must be positive")
	}
	return s.update(ctx, "log_rework_hours", tenantID, reworkID, func(rw *entity.ReworkJob) error {
		if rw.Status != entity.ReworkStatusInProgress {
			return precondGate("rework %s is %s; start it before logging hours", rw.ID, rw.Status)
		}
		rw.ActualHours += req.Hours
		if note := strings.TrimSpace(req.Notes); note != "" {
			rw.Notes = appendNote(rw.Notes, note)
		}
		return nil
	}, nil)
}

func (s *ReworkService) update(ctx context.Context, op, tenantID, reworkID string, change func(*entity.ReworkJob) error, after func(*outbox, *entity.ReworkJob)) (*entity.ReworkJob, error) {
	var rw *entity.ReworkJob
	err := s.mutate(ctx, op, []string{lock.ReworkKey(tenantID, reworkID)}, func(ctx context.Context, tx *repository.Repositories, box *outbox) error {
		var err error
		rw, err = tx.Rework.FindForUpdate(ctx, tenantID, reworkID)
		if err != nil {
			return classify(err, "rework job "+reworkID)
		}
		if err := change(rw); err != nil {
			return err
		}
		if err := tx.Rework.Update(ctx, rw); err != nil {
			return classify(err, "rework job "+rw.ID)
		}
		if after != nil {
			after(box, rw)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rw, nil
}

// IssueMaterial 返工领料
func (s *ReworkService) IssueMaterial(ctx context.Context, tenantID, reworkID, actor string, lines []MaterialLine) ([]entity.StockTransaction, error) {
	if len(lines) == 0 {
		return nil, validationError("no material lines")
	}
	if err := validateLines(lines); err != nil {
		return nil, err
	}
	keys := append(lineKeys(tenantID, lines), lock.ReworkKey(tenantID, reworkID))

	var out []entity.StockTransaction
	err := s.mutate(ctx, "issue_rework_material", keys, func(ctx context.Context, tx *repository.Repositories, box *outbox) error {
		rw, err := tx.Rework.FindForUpdate(ctx, tenantID, reworkID)
		if err != nil {
			return classify(err, "rework job "+reworkID)
		}
		if !rw.Status.Active() {
			return invalidTransition("rework %s is %s", rw.ID, rw.Status)
		}
		out, err = s.ledger.consume(ctx, tx, box, tenantID, actor, entity.RefTypeRework, rw.ID, lines)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ReworkService) Get(ctx context.Context, tenantID, id string) (*entity.ReworkJob, error) {
	rw, err := s.repos.Rework.FindByID(ctx, tenantID, id)
	if err != nil {
		return nil, classify(err, "rework job "+id)
	}
	return rw, nil
}

func (s *ReworkService) List(ctx context.Context, tenantID string, page, pageSize int, filters map[string]string) (*ListResult[entity.ReworkJob], error) {
	items, total, err := s.repos.Rework.FindAll(ctx, tenantID, page, pageSize, filters)
	if err != nil {
		return nil, classify(err, "rework jobs")
	}
	return &ListResult[entity.ReworkJob]{Items: items, Total: total}, nil
}

func appendNote(notes, note string) string {
	if notes == "" {
		return note
	}
	return notes + "\n" + note
}
