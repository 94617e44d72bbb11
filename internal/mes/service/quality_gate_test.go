package service_test

import (
	"testing"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/bitfantasy/nimo-mes/internal/mes/events"
	"github.com/bitfantasy/nimo-mes/internal/mes/service"
)

func TestGate_InspectedStageWaitsThenCompletes(t *testing.T) {
	p := newPlant(t)
	job := p.toQC(t)
	if job.Stage != "QC" || job.Status != entity.JobStatusInProgress {
		t.Fatalf("Expected job waiting at QC, got %s %s", job.Stage, job.Status)
	}

	res := p.inspect(t, job.ID, entity.QCStatusPass, false)
	if res.Outcome != service.GatePass {
		t.Fatalf("Expected PASS, got %s", res.Outcome)
	}
	if res.Job.Status != entity.JobStatusCompleted || res.Job.CompletedAt == nil {
		t.Fatalf("Expected COMPLETED, got %s", res.Job.Status)
	}
	if res.Record.GateOutcome != string(service.GatePass) {
		t.Errorf("Expected the outcome stored on the record, got %q", res.Record.GateOutcome)
	}

	// actual qty 5 was booked into the output item on top of the opening 100
	if item := p.balance(t, p.fx.Item.ID); !item.Balance.Equal(dec(105)) {
		t.Errorf("Expected balance 105 after output receipt, got %s", item.Balance)
	}
	if types := p.Events.Types(); !contains(types, events.JobCompleted) || !contains(types, events.StockMoved) {
		t.Errorf("Expected job.completed and stock.moved events, got %v", types)
	}

	// re-evaluating a judged attempt changes nothing
	again, err := p.svc.Gate.EvaluateStageCompletion(bg, tenant, job.ID, "QC", actor)
	must(t, err)
	if again.Outcome != service.GateNone {
		t.Errorf("Expected NONE on re-evaluation, got %s", again.Outcome)
	}
}

func TestGate_PassWhileOpenWaitsForCompletion(t *testing.T) {
	p := newPlant(t)
	job := p.newJob(t)
	p.runStage(t, job.ID)
	p.runStage(t, job.ID)
	p.start(t, job.ID)

	res := p.inspect(t, job.ID, entity.QCStatusPass, false)
	if res.Outcome != service.GatePending {
		t.Fatalf("Expected PENDING while the attempt is open, got %s", res.Outcome)
	}
	done := p.complete(t, job.ID)
	if done.Outcome != service.GatePass || done.Job.Status != entity.JobStatusCompleted {
		t.Fatalf("Expected completion to use the earlier PASS, got %s %s", done.Outcome, done.Job.Status)
	}
}

func TestGate_FailAtUnstartedStageSendsJobToRework(t *testing.T) {
	p := newPlant(t)
	job := p.newJob(t)
	p.runStage(t, job.ID) // CUT passes, job now at ASSEMBLY with no attempt

	req := inspectionReq(job.ID, entity.QCStatusFail, true)
	req.Stage = "assembly"
	req.ReworkAssignedTo = ptr("fixer-1")
	res, err := p.svc.Gate.RecordInspection(bg, tenant, "inspector-1", req)
	must(t, err)

	if res.Outcome != service.GateFail || res.Job.Status != entity.JobStatusRework {
		t.Fatalf("Expected FAIL and REWORK, got %s %s", res.Outcome, res.Job.Status)
	}
	if res.Rework == nil || res.Rework.Status != entity.ReworkStatusOpen {
		t.Fatalf("Expected an OPEN rework, got %+v", res.Rework)
	}
	if *res.Rework.Stage != "ASSEMBLY" || *res.Rework.AssignedTo != "fixer-1" || *res.Rework.QCRecordID != res.Record.ID {
		t.Errorf("Expected rework tied to the record at ASSEMBLY for fixer-1, got %+v", res.Rework)
	}
	if res.Rework.SpawnKey != entity.QCSpawnKey(res.Record.ID) {
		t.Errorf("Expected spawn key %s, got %s", entity.QCSpawnKey(res.Record.ID), res.Rework.SpawnKey)
	}

	// the job cannot restart while the rework is active
	_, _, err = p.svc.Job.StartStage(bg, tenant, job.ID, actor, &service.VersionedRequest{})
	expectKind(t, err, service.KindPrecondGate)
	_, err = p.svc.Job.ResumeJob(bg, tenant, job.ID, actor)
	expectKind(t, err, service.KindPrecondGate)
}

func TestGate_FailOnOpenAttemptClosesIt(t *testing.T) {
	p := newPlant(t)
	job := p.newJob(t)
	p.start(t, job.ID)

	res := p.inspect(t, job.ID, entity.QCStatusFail, false)
	if res.Outcome != service.GateFail || res.Rework != nil {
		t.Fatalf("Expected FAIL without rework, got %s %+v", res.Outcome, res.Rework)
	}
	logs, err := p.svc.Job.ListStageLogs(bg, tenant, job.ID)
	must(t, err)
	if len(logs) != 1 || logs[0].Open() || logs[0].QCStatus == nil || *logs[0].QCStatus != entity.QCStatusFail {
		t.Fatalf("Expected the attempt closed and stamped FAIL, got %+v", logs)
	}

	// no rework was asked for, so the job may resume right away
	resumed, err := p.svc.Job.ResumeJob(bg, tenant, job.ID, actor)
	must(t, err)
	if resumed.Status != entity.JobStatusInProgress || resumed.Stage != "CUT" {
		t.Fatalf("Expected IN_PROGRESS at CUT, got %s %s", resumed.Status, resumed.Stage)
	}
	second := p.start(t, job.ID)
	if second.Attempt != 2 {
		t.Errorf("Expected attempt 2, got %d", second.Attempt)
	}
}

func TestGate_StaleFailDoesNotJudgeNewAttempt(t *testing.T) {
	p := newPlant(t)
	job := p.newJob(t)
	p.runStage(t, job.ID)
	p.runStage(t, job.ID)
	p.start(t, job.ID) // QC attempt 1

	failed := p.inspect(t, job.ID, entity.QCStatusFail, true)
	_, err := p.svc.Rework.TransitionStatus(bg, tenant, failed.Rework.ID, actor, &service.TransitionReworkRequest{Status: entity.ReworkStatusInProgress})
	must(t, err)
	_, err = p.svc.Rework.TransitionStatus(bg, tenant, failed.Rework.ID, actor, &service.TransitionReworkRequest{Status: entity.ReworkStatusCompleted})
	must(t, err)
	_, err = p.svc.Job.ResumeJob(bg, tenant, job.ID, actor)
	must(t, err)

	// attempt 2 closes; the FAIL belongs to attempt 1 and is ignored
	res := p.runStage(t, job.ID)
	if res.Outcome != service.GatePending {
		t.Fatalf("Expected PENDING for attempt 2, got %s", res.Outcome)
	}
	if res.Job.Status != entity.JobStatusInProgress {
		t.Fatalf("Expected IN_PROGRESS, got %s", res.Job.Status)
	}

	passed := p.inspect(t, job.ID, entity.QCStatusPass, false)
	if passed.Outcome != service.GatePass || passed.Job.Status != entity.JobStatusCompleted {
		t.Fatalf("Expected completion, got %s %s", passed.Outcome, passed.Job.Status)
	}
}

func TestGate_FailAfterCompletionReopensWithoutDoubleReceipt(t *testing.T) {
	p := newPlant(t)
	job := p.toQC(t)
	p.inspect(t, job.ID, entity.QCStatusPass, false)

	res := p.inspect(t, job.ID, entity.QCStatusFail, false)
	if res.Outcome != service.GateFail || res.Job.Status != entity.JobStatusRework || res.Job.CompletedAt != nil {
		t.Fatalf("Expected COMPLETED -> REWORK, got %s %s", res.Outcome, res.Job.Status)
	}

	_, err := p.svc.Job.ResumeJob(bg, tenant, job.ID, actor)
	must(t, err)
	p.runStage(t, job.ID)
	done := p.inspect(t, job.ID, entity.QCStatusPass, false)
	if done.Job.Status != entity.JobStatusCompleted {
		t.Fatalf("Expected COMPLETED again, got %s", done.Job.Status)
	}
	if item := p.balance(t, p.fx.Item.ID); !item.Balance.Equal(dec(105)) {
		t.Errorf("Expected output received once (105), got %s", item.Balance)
	}
}

func TestGate_DuplicateRework(t *testing.T) {
	p := newPlant(t)
	job := p.newJob(t)
	p.start(t, job.ID)

	first := p.inspect(t, job.ID, entity.QCStatusFail, true)

	_, err := p.svc.Gate.RecordInspection(bg, tenant, "inspector-2", inspectionReq(job.ID, entity.QCStatusFail, true))
	expectKind(t, err, service.KindDuplicateRework)

	_, err = p.svc.Rework.Spawn(bg, tenant, actor, &service.SpawnReworkRequest{QCRecordID: first.Record.ID})
	expectKind(t, err, service.KindDuplicateRework)

	list, err := p.svc.Rework.List(bg, tenant, 1, 20, nil)
	must(t, err)
	if list.Total != 1 {
		t.Errorf("Expected one rework, got %d", list.Total)
	}
}

func TestGate_IdempotentReplay(t *testing.T) {
	p := newPlant(t)
	job := p.newJob(t)
	p.start(t, job.ID)

	req := inspectionReq(job.ID, entity.QCStatusFail, true)
	req.IdempotencyKey = "tablet-42:0001"

	first, err := p.svc.Gate.RecordInspection(bg, tenant, "inspector-1", req)
	must(t, err)
	second, err := p.svc.Gate.RecordInspection(bg, tenant, "inspector-1", req)
	must(t, err)

	if !second.Replayed || first.Replayed {
		t.Fatalf("Expected only the retry to be a replay, got %v/%v", first.Replayed, second.Replayed)
	}
	if second.Record.ID != first.Record.ID || second.Outcome != service.GateFail {
		t.Errorf("Expected the original record and FAIL, got %s %s", second.Record.ID, second.Outcome)
	}
	if second.Rework == nil || second.Rework.ID != first.Rework.ID {
		t.Errorf("Expected the original rework on replay")
	}
	list, err := p.svc.Gate.ListInspections(bg, tenant, 1, 20, nil)
	must(t, err)
	if list.Total != 1 {
		t.Errorf("Expected one stored inspection, got %d", list.Total)
	}

	// the same key for another source is refused
	other := p.newJob(t)
	p.start(t, other.ID)
	req.ProductionJobID = other.ID
	_, err = p.svc.Gate.RecordInspection(bg, tenant, "inspector-1", req)
	expectKind(t, err, service.KindConflict)
}

func TestGate_Validation(t *testing.T) {
	p := newPlant(t)
	job := p.newJob(t)

	cases := []struct {
		name string
		req  service.RecordInspectionRequest
		kind service.ErrorKind
	}{
		{"no source", service.RecordInspectionRequest{QCStatus: entity.QCStatusPass}, service.KindValidation},
		{"both sources", service.RecordInspectionRequest{ProductionJobID: job.ID, DeliveryNoteID: p.fx.DeliveryNote.ID, QCStatus: entity.QCStatusPass}, service.KindValidation},
		{"bad status", service.RecordInspectionRequest{ProductionJobID: job.ID, QCStatus: "MAYBE"}, service.KindValidation},
		{"fail without defects", service.RecordInspectionRequest{ProductionJobID: job.ID, QCStatus: entity.QCStatusFail}, service.KindValidation},
		{"rework on pass", service.RecordInspectionRequest{ProductionJobID: job.ID, QCStatus: entity.QCStatusPass, CreateRework: true}, service.KindValidation},
		{"bad severity", service.RecordInspectionRequest{ProductionJobID: job.ID, QCStatus: entity.QCStatusFail, Defects: []entity.Defect{{Desc: "dent", Severity: "FATAL"}}}, service.KindValidation},
		{"unknown job", service.RecordInspectionRequest{ProductionJobID: "missing", QCStatus: entity.QCStatusPass}, service.KindNotFound},
		{"job not started", service.RecordInspectionRequest{ProductionJobID: job.ID, QCStatus: entity.QCStatusPass}, service.KindPrecondGate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.svc.Gate.RecordInspection(bg, tenant, "inspector-1", &tc.req)
			expectKind(t, err, tc.kind)
		})
	}

	p.start(t, job.ID)
	_, err := p.svc.Gate.RecordInspection(bg, tenant, "inspector-1", &service.RecordInspectionRequest{
		ProductionJobID: job.ID, Stage: "PAINT", QCStatus: entity.QCStatusPass,
	})
	expectKind(t, err, service.KindValidation)
}

func TestGate_OtherStageInspectionIsRecordedOnly(t *testing.T) {
	p := newPlant(t)
	job := p.newJob(t)
	p.start(t, job.ID)

	req := inspectionReq(job.ID, entity.QCStatusFail, false)
	req.Stage = "QC"
	res, err := p.svc.Gate.RecordInspection(bg, tenant, "inspector-1", req)
	must(t, err)
	if res.Outcome != service.GateNone || res.Job.Status != entity.JobStatusInProgress {
		t.Fatalf("Expected NONE and no transition, got %s %s", res.Outcome, res.Job.Status)
	}
}

func TestGate_DeliveryNoteInspection(t *testing.T) {
	p := newPlant(t)

	req := &service.RecordInspectionRequest{
		DeliveryNoteID: p.fx.DeliveryNote.ID,
		QCStatus:       entity.QCStatusFail,
		Defects:        []entity.Defect{{Desc: "glass cracked on site", Severity: entity.SeverityHigh, PhotoRef: "file://qc-photos/x.jpg"}},
		CreateRework:   true,
	}
	res, err := p.svc.Gate.RecordInspection(bg, tenant, "inspector-1", req)
	must(t, err)
	if res.Outcome != service.GateNone || res.Rework == nil {
		t.Fatalf("Expected NONE with a rework, got %s %+v", res.Outcome, res.Rework)
	}
	if !res.Rework.Source.IsDeliveryNote() || res.Rework.Source.ID != p.fx.DeliveryNote.ID {
		t.Errorf("Expected rework against the delivery note, got %+v", res.Rework.Source)
	}
	rec, err := p.svc.Gate.GetInspection(bg, tenant, res.Record.ID)
	must(t, err)
	if len(rec.Defects) != 1 || rec.Defects[0].PhotoRef == "" {
		t.Errorf("Expected the defect photo to be stored, got %+v", rec.Defects)
	}
}

func TestGate_DeliveryNoteResubmitKeepsOneRework(t *testing.T) {
	p := newPlant(t)

	req := func() *service.RecordInspectionRequest {
		return &service.RecordInspectionRequest{
			DeliveryNoteID: p.fx.DeliveryNote.ID,
			QCStatus:       entity.QCStatusFail,
			Defects:        []entity.Defect{{Desc: "scratched housing", Severity: entity.SeverityMedium}},
			CreateRework:   true,
		}
	}
	first, err := p.svc.Gate.RecordInspection(bg, tenant, "inspector-1", req())
	must(t, err)

	_, err = p.svc.Gate.RecordInspection(bg, tenant, "inspector-1", req())
	expectKind(t, err, service.KindDuplicateRework)

	list, err := p.svc.Rework.List(bg, tenant, 1, 20, nil)
	must(t, err)
	if list.Total != 1 {
		t.Fatalf("Expected one rework for the delivery note, got %d", list.Total)
	}

	// once the first rework is done a new failure may spawn another
	for _, status := range []entity.ReworkStatus{entity.ReworkStatusInProgress, entity.ReworkStatusCompleted} {
		_, err := p.svc.Rework.TransitionStatus(bg, tenant, first.Rework.ID, actor, &service.TransitionReworkRequest{Status: status})
		must(t, err)
	}
	again, err := p.svc.Gate.RecordInspection(bg, tenant, "inspector-1", req())
	must(t, err)
	if again.Rework == nil || again.Rework.ID == first.Rework.ID {
		t.Errorf("Expected a fresh rework after the first completed, got %+v", again.Rework)
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
