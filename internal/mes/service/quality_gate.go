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
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// GateOutcome 质量门结果
type GateOutcome string

const (
	// GatePass: the stage passed; the job advanced or completed.
	GatePass GateOutcome = "PASS"
	// GateFail: the job moved to REWORK.
	GateFail GateOutcome = "FAIL"
	// GatePending: the stage is still open, or an inspected stage closed
	// without an inspection yet.
	GatePending GateOutcome = "PENDING"
	// GateNone: nothing to decide (other stage, or already applied).
	GateNone GateOutcome = "NONE"
)

// QualityGate 质量门
type QualityGate struct {
	*core
	catalog *StageCatalogService
	ledger  *LedgerService
	rework  *ReworkService
}

// GateResult 质量门判定结果
type GateResult struct {
	Outcome GateOutcome       `json:"outcome"`
	Job     *entity.JobCard   `json:"job,omitempty"`
	Rework  *entity.ReworkJob `json:"rework,omitempty"`
	// Output is the finished-goods receipt written on completion.
	Output *entity.StockTransaction `json:"output,omitempty"`
}

type RecordInspectionRequest struct {
	ProductionJobID     string          `json:"production_job_id"`
	DeliveryNoteID      string          `json:"delivery_note_id"`
	Stage               string          `json:"stage"`
	QCStatus            entity.QCStatus `json:"qc_status" binding:"required"`
	Defects             []entity.Defect `json:"defects"`
	Remarks             string          `json:"remarks"`
	CreateRework        bool            `json:"create_rework"`
	ReworkExpectedHours *float64        `json:"rework_expected_hours"`
	ReworkAssignedTo    *string         `json:"rework_assigned_to"`
	IdempotencyKey      string          `json:"idempotency_key"`
}

// InspectionResult is what RecordInspection returns. Replayed is set when an
// idempotency key matched an earlier call.
type InspectionResult struct {
	Record   *entity.QCRecord  `json:"record"`
	Outcome  GateOutcome       `json:"outcome"`
	Job      *entity.JobCard   `json:"job,omitempty"`
	Rework   *entity.ReworkJob `json:"rework,omitempty"`
	Replayed bool              `json:"replayed"`
}

func (req *RecordInspectionRequest) validate() (entity.Source, error) {
	source, err := entity.SourceFromRefs(req.ProductionJobID, req.DeliveryNoteID)
	if err != nil {
		return source, validationError("%v", err)
	}
	if !req.QCStatus.Valid() {
		return source, validationError("invalid qc_status %q", req.QCStatus)
	}
	if req.QCStatus == entity.QCStatusFail && len(req.Defects) == 0 {
		return source, validationError("a FAIL inspection must list at least one defect")
	}
	for i, d := range req.Defects {
		if strings.TrimSpace(d.Desc) == "" {
			return source, validationError("defect %d has no description", i+1)
		}
		if !d.Severity.Valid() {
			return source, validationError("defect %d has invalid severity %q", i+1, d.Severity)
		}
	}
	if req.CreateRework && req.QCStatus != entity.QCStatusFail {
		return source, validationError("create_rework is only allowed on a FAIL inspection")
	}
	if req.ReworkExpectedHours != nil && *req.ReworkExpectedHours < 0 {
		return source, validationError("rework_expected_hours must not be negative")
	}
	if len(req.IdempotencyKey) > 64 {
		return source, validationError("idempotency_key is longer than 64 characters")
	}
	return source, nil
}

// RecordInspection 记录检验. A job inspection runs the gate in the same
// transaction; a FAIL with create_rework spawns the rework there too, so the
// record and the rework are written together or not at all.
func (g *QualityGate) RecordInspection(ctx context.Context, tenantID, inspectorID string, req *RecordInspectionRequest) (*InspectionResult, error) {
	source, err := req.validate()
	if err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		if res, err := g.replay(ctx, g.repos, tenantID, source, req.IdempotencyKey); res != nil || err != nil {
			return res, err
		}
	}

	var keys []string
	if source.IsProductionJob() {
		job, err := g.repos.Job.FindByID(ctx, tenantID, source.ID)
		if err != nil {
			return nil, classify(err, "job card "+source.ID)
		}
		keys = append(keys, lock.JobKey(tenantID, job.ID))
		if job.OutputItemID != nil {
			keys = append(keys, lock.ItemKey(tenantID, *job.OutputItemID))
		}
	} else {
		keys = append(keys, lock.DeliveryNoteKey(tenantID, source.ID))
	}

	var res *InspectionResult
	err = g.mutate(ctx, "record_inspection", keys, func(ctx context.Context, tx *repository.Repositories, box *outbox) error {
		if req.IdempotencyKey != "" {
			replayed, err := g.replay(ctx, tx, tenantID, source, req.IdempotencyKey)
			if replayed != nil || err != nil {
				res = replayed
				return err
			}
		}
		var err error
		if source.IsProductionJob() {
			res, err = g.recordJobInspection(ctx, tx, box, tenantID, inspectorID, source, req)
		} else {
			res, err = g.recordDeliveryInspection(ctx, tx, box, tenantID, inspectorID, source, req)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// replay returns the stored result of an earlier call with the same key, or
// nil when the key is new.
func (g *QualityGate) replay(ctx context.Context, repos *repository.Repositories, tenantID string, source entity.Source, key string) (*InspectionResult, error) {
	rec, err := repos.QC.FindByIdempotencyKey(ctx, tenantID, key)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "inspection")
	}
	if rec.Source != source {
		return nil, conflictError("idempotency key %s was used for another source", key)
	}

	res := &InspectionResult{Record: rec, Outcome: GateOutcome(rec.GateOutcome), Replayed: true}
	if source.IsProductionJob() {
		if job, err := repos.Job.FindByID(ctx, tenantID, source.ID); err == nil {
			res.Job = job
		}
	}
	if rw, err := repos.Rework.FindBySpawnKey(ctx, tenantID, entity.QCSpawnKey(rec.ID)); err == nil {
		res.Rework = rw
	}
	return res, nil
}

func (g *QualityGate) newRecord(tenantID, inspectorID string, source entity.Source, stage *string, req *RecordInspectionRequest) *entity.QCRecord {
	rec := &entity.QCRecord{
		ID:                  uuid.New().String(),
		TenantID:            tenantID,
		Source:              source,
		Stage:               stage,
		InspectorID:         inspectorID,
		QCStatus:            req.QCStatus,
		Defects:             datatypes.NewJSONSlice(req.Defects),
		Remarks:             req.Remarks,
		CreateRework:        req.CreateRework,
		ReworkExpectedHours: req.ReworkExpectedHours,
		ReworkAssignedTo:    req.ReworkAssignedTo,
		InspectedAt:         g.now(),
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		rec.IdempotencyKey = &key
	}
	if rec.Defects == nil {
		rec.Defects = datatypes.NewJSONSlice([]entity.Defect{})
	}
	return rec
}

func (g *QualityGate) createRecord(ctx context.Context, tx *repository.Repositories, rec *entity.QCRecord) error {
	if err := tx.QC.Create(ctx, rec); err != nil {
		if repository.IsUniqueViolation(err) && rec.IdempotencyKey != nil {
			return conflictError("idempotency key %s is already in use", *rec.IdempotencyKey)
		}
		return classify(err, "inspection")
	}
	return nil
}

func (g *QualityGate) recordJobInspection(ctx context.Context, tx *repository.Repositories, box *outbox, tenantID, inspectorID string, source entity.Source, req *RecordInspectionRequest) (*InspectionResult, error) {
	job, err := tx.Job.FindForUpdate(ctx, tenantID, source.ID)
	if err != nil {
		return nil, classify(err, "job card "+source.ID)
	}
	switch job.Status {
	case entity.JobStatusCancelled:
		return nil, invalidTransition("job %s is cancelled", job.JobCardNumber)
	case entity.JobStatusNotStarted:
		return nil, precondGate("job %s has not started", job.JobCardNumber)
	}

	catalog, err := g.catalog.pin(ctx, tx, tenantID)
	if err != nil {
		return nil, err
	}
	stage := job.Stage
	if req.Stage != "" {
		stage = entity.CanonicalStage(req.Stage)
	}
	if !catalog.Contains(stage) {
		return nil, validationError("stage %s is not in the catalog", stage)
	}

	if req.QCStatus == entity.QCStatusFail && req.CreateRework {
		active, err := tx.Rework.FindActiveForStage(ctx, job.ID, stage)
		if err == nil {
			return nil, duplicateRework("rework %s is still %s for job %s stage %s", active.ID, active.Status, job.JobCardNumber, stage)
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, classify(err, "rework job")
		}
	}

	rec := g.newRecord(tenantID, inspectorID, source, &stage, req)
	if err := g.createRecord(ctx, tx, rec); err != nil {
		return nil, err
	}

	before := *job
	gate, err := g.apply(ctx, tx, box, catalog, job, stage, rec, inspectorID)
	if err != nil {
		return nil, err
	}
	if err := tx.QC.SetGateOutcome(ctx, rec.ID, string(gate.Outcome)); err != nil {
		return nil, classify(err, "inspection")
	}
	rec.GateOutcome = string(gate.Outcome)

	if req.QCStatus == entity.QCStatusFail && req.CreateRework && gate.Rework == nil {
		rw, err := g.rework.spawn(ctx, tx, box, spawnArgs{
			TenantID:      tenantID,
			Source:        source,
			SpawnKey:      entity.QCSpawnKey(rec.ID),
			QCRecordID:    &rec.ID,
			Stage:         &stage,
			ExpectedHours: req.ReworkExpectedHours,
			AssignedTo:    req.ReworkAssignedTo,
			Notes:         req.Remarks,
			CreatedBy:     inspectorID,
		})
		if err != nil {
			return nil, err
		}
		gate.Rework = rw
	}

	if jobChanged(&before, job) {
		if err := tx.Job.Update(ctx, job); err != nil {
			return nil, classify(err, "job card "+job.JobCardNumber)
		}
	}

	box.emit(g.event(tenantID, events.InspectionRecorded, rec.ID, inspectorID, map[string]interface{}{
		"production_job_id": job.ID,
		"stage":             stage,
		"qc_status":         rec.QCStatus,
		"outcome":           gate.Outcome,
	}))
	return &InspectionResult{Record: rec, Outcome: gate.Outcome, Job: job, Rework: gate.Rework}, nil
}

func (g *QualityGate) recordDeliveryInspection(ctx context.Context, tx *repository.Repositories, box *outbox, tenantID, inspectorID string, source entity.Source, req *RecordInspectionRequest) (*InspectionResult, error) {
	if _, err := tx.Directory.FindDeliveryNote(ctx, tenantID, source.ID); err != nil {
		return nil, classify(err, "delivery note "+source.ID)
	}
	var stage *string
	if req.Stage != "" {
		s := entity.CanonicalStage(req.Stage)
		stage = &s
	}

	if req.QCStatus == entity.QCStatusFail && req.CreateRework {
		active, err := tx.Rework.CountActive(ctx, source)
		if err != nil {
			return nil, classify(err, "rework job")
		}
		if active > 0 {
			return nil, duplicateRework("delivery note %s already has an active rework", source.ID)
		}
	}

	rec := g.newRecord(tenantID, inspectorID, source, stage, req)
	rec.GateOutcome = string(GateNone)
	if err := g.createRecord(ctx, tx, rec); err != nil {
		return nil, err
	}

	res := &InspectionResult{Record: rec, Outcome: GateNone}
	if req.QCStatus == entity.QCStatusFail && req.CreateRework {
		rw, err := g.rework.spawn(ctx, tx, box, spawnArgs{
			TenantID:      tenantID,
			Source:        source,
			SpawnKey:      entity.QCSpawnKey(rec.ID),
			QCRecordID:    &rec.ID,
			Stage:         stage,
			ExpectedHours: req.ReworkExpectedHours,
			AssignedTo:    req.ReworkAssignedTo,
			Notes:         req.Remarks,
			CreatedBy:     inspectorID,
		})
		if err != nil {
			return nil, err
		}
		res.Rework = rw
	}

	box.emit(g.event(tenantID, events.InspectionRecorded, rec.ID, inspectorID, map[string]interface{}{
		"delivery_note_id": source.ID,
		"qc_status":        rec.QCStatus,
	}))
	return res, nil
}

// apply decides what a fresh inspection does to the job.
//
// A FAIL against the current stage sends the job to REWORK whether the stage
// is unstarted, open or closed; an open attempt is closed with the failure. A
// FAIL against the last stage of a COMPLETED job reopens it. A passing
// inspection only advances a closed attempt; otherwise it waits for
// CompleteStage.
func (g *QualityGate) apply(ctx context.Context, tx *repository.Repositories, box *outbox, catalog entity.StageCatalog, job *entity.JobCard, stage string, rec *entity.QCRecord, actor string) (*GateResult, error) {
	res := &GateResult{Outcome: GateNone, Job: job}
	if stage != job.Stage {
		g.metrics.gateDecision(res.Outcome)
		return res, nil
	}

	switch job.Status {
	case entity.JobStatusInProgress:
		log, err := tx.StageLog.FindLatest(ctx, job.ID, stage)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, classify(err, "stage log")
		}
		if err != nil {
			log = nil
		}

		if rec.QCStatus == entity.QCStatusFail {
			if log != nil && log.Open() {
				if err := tx.StageLog.Close(ctx, log, actor, g.now()); err != nil {
					return nil, classify(err, "stage log")
				}
			}
			if log != nil && log.QCStatus == nil {
				if err := tx.StageLog.MarkQC(ctx, log, entity.QCStatusFail, &rec.ID); err != nil {
					return nil, classify(err, "stage log")
				}
			}
			if err := g.fail(ctx, tx, box, job, rec, actor); err != nil {
				return nil, err
			}
			res.Outcome = GateFail
			break
		}

		if log == nil || log.Open() || log.QCStatus != nil {
			res.Outcome = GatePending
			break
		}
		return g.evaluate(ctx, tx, box, catalog, job, stage, actor)

	case entity.JobStatusCompleted:
		if rec.QCStatus == entity.QCStatusFail && catalog.IsLast(stage) {
			if err := g.fail(ctx, tx, box, job, rec, actor); err != nil {
				return nil, err
			}
			res.Outcome = GateFail
		}

	case entity.JobStatusRework:
		if rec.QCStatus == entity.QCStatusFail {
			res.Outcome = GateFail
		}
	}

	g.metrics.gateDecision(res.Outcome)
	return res, nil
}

// EvaluateStageCompletion 工序完工判定. Safe to call repeatedly: once the
// gate stamped the latest attempt the answer is NONE.
func (g *QualityGate) EvaluateStageCompletion(ctx context.Context, tenantID, jobID, stage, actor string) (*GateResult, error) {
	job, err := g.repos.Job.FindByID(ctx, tenantID, jobID)
	if err != nil {
		return nil, classify(err, "job card "+jobID)
	}
	keys := []string{lock.JobKey(tenantID, jobID)}
	if job.OutputItemID != nil {
		keys = append(keys, lock.ItemKey(tenantID, *job.OutputItemID))
	}

	var res *GateResult
	err = g.mutate(ctx, "evaluate_stage", keys, func(ctx context.Context, tx *repository.Repositories, box *outbox) error {
		job, err := tx.Job.FindForUpdate(ctx, tenantID, jobID)
		if err != nil {
			return classify(err, "job card "+jobID)
		}
		catalog, err := g.catalog.pin(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		if stage == "" {
			stage = job.Stage
		}
		before := *job
		res, err = g.evaluate(ctx, tx, box, catalog, job, entity.CanonicalStage(stage), actor)
		if err != nil {
			return err
		}
		if jobChanged(&before, job) {
			if err := tx.Job.Update(ctx, job); err != nil {
				return classify(err, "job card "+job.JobCardNumber)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// evaluate applies the gate to the latest closed attempt of stage. The caller
// holds the job lock (and the output item lock) and persists job afterwards.
func (g *QualityGate) evaluate(ctx context.Context, tx *repository.Repositories, box *outbox, catalog entity.StageCatalog, job *entity.JobCard, stage, actor string) (res *GateResult, err error) {
	res = &GateResult{Outcome: GateNone, Job: job}
	defer func() {
		if err == nil {
			g.metrics.gateDecision(res.Outcome)
		}
	}()

	if stage != job.Stage || job.Status != entity.JobStatusInProgress {
		return res, nil
	}
	log, err := tx.StageLog.FindLatest(ctx, job.ID, stage)
	if errors.Is(err, repository.ErrNotFound) {
		res.Outcome = GatePending
		return res, nil
	}
	if err != nil {
		return nil, classify(err, "stage log")
	}
	if log.Open() {
		res.Outcome = GatePending
		return res, nil
	}
	if log.QCStatus != nil {
		return res, nil
	}

	def, _ := catalog.Lookup(stage)
	rec, err := g.latestInspection(ctx, tx, job.ID, stage, log)
	if err != nil {
		return nil, err
	}

	status := entity.QCStatusPass
	var recID *string
	switch {
	case rec != nil:
		status = rec.QCStatus
		recID = &rec.ID
	case def.Inspected:
		res.Outcome = GatePending
		return res, nil
	}

	if err := tx.StageLog.MarkQC(ctx, log, status, recID); err != nil {
		return nil, classify(err, "stage log")
	}

	if status.Passing() {
		out, err := g.pass(ctx, tx, box, catalog, job, actor)
		if err != nil {
			return nil, err
		}
		res.Outcome = GatePass
		res.Output = out
		return res, nil
	}

	if err := g.fail(ctx, tx, box, job, rec, actor); err != nil {
		return nil, err
	}
	res.Outcome = GateFail
	if rec.CreateRework {
		rw, err := g.rework.ensure(ctx, tx, box, job, rec)
		if err != nil {
			return nil, err
		}
		res.Rework = rw
	}
	return res, nil
}

// latestInspection returns the newest inspection of the stage made since the
// attempt started. Older ones belong to an earlier attempt.
func (g *QualityGate) latestInspection(ctx context.Context, tx *repository.Repositories, jobID, stage string, log *entity.ProductionStageLog) (*entity.QCRecord, error) {
	recs, err := tx.QC.ListForJobStage(ctx, jobID, stage)
	if err != nil {
		return nil, classify(err, "inspections")
	}
	for i := range recs {
		if !recs[i].InspectedAt.Before(log.StartedAt) {
			return &recs[i], nil
		}
	}
	return nil, nil
}

// pass moves the job to the next stage, or completes it after the last one.
func (g *QualityGate) pass(ctx context.Context, tx *repository.Repositories, box *outbox, catalog entity.StageCatalog, job *entity.JobCard, actor string) (*entity.StockTransaction, error) {
	from := job.Status
	prev := job.Stage

	if next, ok := catalog.Next(job.Stage); ok {
		if err := g.transitionJob(box, job, entity.JobStatusInProgress); err != nil {
			return nil, err
		}
		job.Stage = next.Name
		data := map[string]interface{}{"from_stage": prev, "to_stage": next.Name}
		if err := g.logAction(ctx, tx, job, entity.JobActionAdvance, from, actor, data, ""); err != nil {
			return nil, err
		}
		box.emit(g.event(job.TenantID, events.JobAdvanced, job.ID, actor, withAssignee(job, data)))
		return nil, nil
	}

	if err := g.transitionJob(box, job, entity.JobStatusCompleted); err != nil {
		return nil, err
	}
	now := g.now()
	job.CompletedAt = &now
	if err := g.logAction(ctx, tx, job, entity.JobActionFinish, from, actor, nil, ""); err != nil {
		return nil, err
	}

	out, err := g.receiveOutput(ctx, tx, box, job, actor)
	if err != nil {
		return nil, err
	}
	box.emit(g.event(job.TenantID, events.JobCompleted, job.ID, actor, withAssignee(job, map[string]interface{}{
		"job_card_number": job.JobCardNumber,
		"actual_qty":      job.ActualQty,
	})))
	return out, nil
}

// receiveOutput books the finished quantity into the output item. A job that
// completes again after rework only receives what was not received before.
func (g *QualityGate) receiveOutput(ctx context.Context, tx *repository.Repositories, box *outbox, job *entity.JobCard, actor string) (*entity.StockTransaction, error) {
	if job.OutputItemID == nil || job.ActualQty <= 0 {
		return nil, nil
	}
	prior, err := tx.Stock.ListByReference(ctx, job.TenantID, entity.RefTypeJob, job.ID)
	if err != nil {
		return nil, classify(err, "stock ledger")
	}
	received := decimal.Zero
	for _, t := range prior {
		if t.ItemID == *job.OutputItemID && t.Type == entity.TxTypeIn {
			received = received.Add(t.Qty)
		}
	}
	qty := decimal.NewFromFloat(job.ActualQty).Sub(received)
	if !qty.IsPositive() {
		return nil, nil
	}
	return g.ledger.post(ctx, tx, box, job.TenantID, actor, movement{
		ItemID:  *job.OutputItemID,
		Type:    entity.TxTypeIn,
		Qty:     qty,
		RefType: entity.RefTypeJob,
		RefID:   job.ID,
		Remarks: "job " + job.JobCardNumber + " completed",
	})
}

func (g *QualityGate) fail(ctx context.Context, tx *repository.Repositories, box *outbox, job *entity.JobCard, rec *entity.QCRecord, actor string) error {
	from := job.Status
	if err := g.transitionJob(box, job, entity.JobStatusRework); err != nil {
		return err
	}
	job.CompletedAt = nil
	data := map[string]interface{}{"qc_record_id": rec.ID}
	if err := g.logAction(ctx, tx, job, entity.JobActionRework, from, actor, data, rec.Remarks); err != nil {
		return err
	}
	box.emit(g.event(job.TenantID, events.JobRework, job.ID, actor, withAssignee(job, data)))
	return nil
}

// GetInspection 获取检验记录
func (g *QualityGate) GetInspection(ctx context.Context, tenantID, id string) (*entity.QCRecord, error) {
	rec, err := g.repos.QC.FindByID(ctx, tenantID, id)
	if err != nil {
		return nil, classify(err, "inspection "+id)
	}
	return rec, nil
}

// ListInspections 检验记录列表
func (g *QualityGate) ListInspections(ctx context.Context, tenantID string, page, pageSize int, filters map[string]string) (*ListResult[entity.QCRecord], error) {
	items, total, err := g.repos.QC.FindAll(ctx, tenantID, page, pageSize, filters)
	if err != nil {
		return nil, classify(err, "inspections")
	}
	return &ListResult[entity.QCRecord]{Items: items, Total: total}, nil
}

func jobChanged(before, after *entity.JobCard) bool {
	return before.Status != after.Status ||
		before.Stage != after.Stage ||
		before.ActualQty != after.ActualQty ||
		before.ActualHours != after.ActualHours ||
		(before.CompletedAt == nil) != (after.CompletedAt == nil)
}

// withAssignee adds the job's assignee so the SSE hub can route a personal
// update.
func withAssignee(job *entity.JobCard, payload map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(payload)+2)
	for k, v := range payload {
		out[k] = v
	}
	out["stage"] = job.Stage
	out["status"] = job.Status
	if job.AssignedTo != nil {
		out["assigned_to"] = *job.AssignedTo
	}
	return out
}
