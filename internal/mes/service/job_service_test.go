package service_test

import (
	"testing"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/bitfantasy/nimo-mes/internal/mes/events"
	"github.com/bitfantasy/nimo-mes/internal/mes/service"
	"github.com/bitfantasy/nimo-mes/internal/mes/testutil"
	"golang.org/x/sync/errgroup"
)

func TestCreateJob_NumbersAndFirstStage(t *testing.T) {
	p := newPlant(t)

	first := p.newJob(t)
	second := p.newJob(t)

	if first.JobCardNumber != "JC-000001" || second.JobCardNumber != "JC-000002" {
		t.Errorf("Expected JC-000001/JC-000002, got %s/%s", first.JobCardNumber, second.JobCardNumber)
	}
	if first.Stage != "CUT" {
		t.Errorf("Expected first catalog stage CUT, got %s", first.Stage)
	}
	if first.Status != entity.JobStatusNotStarted || first.Version != 1 {
		t.Errorf("Expected NOT_STARTED v1, got %s v%d", first.Status, first.Version)
	}

	actions, err := p.svc.Job.ListActions(bg, tenant, first.ID)
	must(t, err)
	if len(actions) != 1 || actions[0].Action != entity.JobActionCreate {
		t.Errorf("Expected one create action, got %+v", actions)
	}
	if types := p.Events.Types(); types[len(types)-1] != events.JobCreated {
		t.Errorf("Expected last event %s, got %v", events.JobCreated, types)
	}
}

func TestCreateJob_Validation(t *testing.T) {
	p := newPlant(t)
	other := testutil.SeedFixture(t, p.TestEnv, tenant, 0)

	cases := []struct {
		name string
		req  service.CreateJobRequest
	}{
		{"zero planned qty", service.CreateJobRequest{ProjectID: p.fx.Project.ID, SubGroupID: p.fx.SubGroup.ID}},
		{"unknown project", service.CreateJobRequest{ProjectID: "nope", SubGroupID: p.fx.SubGroup.ID, PlannedQty: 1}},
		{"sub group of another project", service.CreateJobRequest{ProjectID: p.fx.Project.ID, SubGroupID: other.SubGroup.ID, PlannedQty: 1}},
		{"stage not in catalog", service.CreateJobRequest{ProjectID: p.fx.Project.ID, SubGroupID: p.fx.SubGroup.ID, PlannedQty: 1, Stage: "PAINT"}},
		{"negative planned hours", service.CreateJobRequest{ProjectID: p.fx.Project.ID, SubGroupID: p.fx.SubGroup.ID, PlannedQty: 1, PlannedHours: ptr(-1.0)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.svc.Job.CreateJob(bg, tenant, actor, &tc.req)
			expectKind(t, err, service.KindValidation)
		})
	}

	// a project of another tenant is invisible
	_, err := p.svc.Job.CreateJob(bg, testutil.TenantB, actor, &service.CreateJobRequest{
		ProjectID: p.fx.Project.ID, SubGroupID: p.fx.SubGroup.ID, PlannedQty: 1,
	})
	expectKind(t, err, service.KindValidation)
}

func TestJob_StartLogComplete_Advances(t *testing.T) {
	p := newPlant(t)
	job := p.newJob(t)

	log, started, err := p.svc.Job.StartStage(bg, tenant, job.ID, actor, &service.VersionedRequest{ExpectedVersion: ptr(int64(1))})
	must(t, err)
	if started.Status != entity.JobStatusInProgress || started.StartedAt == nil {
		t.Fatalf("Expected IN_PROGRESS with started_at, got %s", started.Status)
	}
	if log.Attempt != 1 || log.Stage != "CUT" {
		t.Errorf("Expected CUT attempt 1, got %s attempt %d", log.Stage, log.Attempt)
	}

	_, withHours, err := p.svc.Job.LogHours(bg, tenant, job.ID, actor, &service.LogHoursRequest{Hours: 1.5, OutputQty: ptr(4.0)})
	must(t, err)
	_, withHours, err = p.svc.Job.LogHours(bg, tenant, job.ID, actor, &service.LogHoursRequest{Hours: 0.5, UserID: "worker-7"})
	must(t, err)
	if withHours.ActualHours != 2 || withHours.ActualQty != 4 {
		t.Errorf("Expected 2h / qty 4, got %vh / qty %v", withHours.ActualHours, withHours.ActualQty)
	}

	res := p.complete(t, job.ID)
	if res.Outcome != service.GatePass {
		t.Fatalf("Expected uninspected stage to pass, got %s", res.Outcome)
	}
	if res.Job.Stage != "ASSEMBLY" || res.Job.Status != entity.JobStatusInProgress {
		t.Errorf("Expected ASSEMBLY IN_PROGRESS, got %s %s", res.Job.Stage, res.Job.Status)
	}
	if res.Log.HoursLogged != 2 || res.Log.CompletedAt == nil {
		t.Errorf("Expected closed log with 2h, got %+v", res.Log)
	}

	logs, err := p.svc.Job.ListStageLogs(bg, tenant, job.ID)
	must(t, err)
	if len(logs) != 1 || len(logs[0].Entries) != 2 || logs[0].QCStatus == nil || *logs[0].QCStatus != entity.QCStatusPass {
		t.Errorf("Expected one passed CUT log with two entries, got %+v", logs)
	}

	// the next stage starts fresh
	next := p.start(t, job.ID)
	if next.Stage != "ASSEMBLY" || next.Attempt != 1 {
		t.Errorf("Expected ASSEMBLY attempt 1, got %s attempt %d", next.Stage, next.Attempt)
	}
}

func TestStartStage_Rules(t *testing.T) {
	p := newPlant(t)
	job := p.newJob(t)
	p.start(t, job.ID)

	_, _, err := p.svc.Job.StartStage(bg, tenant, job.ID, actor, &service.VersionedRequest{})
	expectKind(t, err, service.KindInvalidTransition)

	waiting := p.toQC(t)
	_, _, err = p.svc.Job.StartStage(bg, tenant, waiting.ID, actor, &service.VersionedRequest{})
	expectKind(t, err, service.KindInvalidTransition)

	_, err = p.svc.Job.CancelJob(bg, tenant, job.ID, actor, &service.CancelJobRequest{Reason: "client cancelled"})
	must(t, err)
	_, _, err = p.svc.Job.StartStage(bg, tenant, job.ID, actor, &service.VersionedRequest{})
	expectKind(t, err, service.KindInvalidTransition)
}

func TestStartStage_StaleVersion(t *testing.T) {
	p := newPlant(t)
	job := p.newJob(t)

	_, _, err := p.svc.Job.StartStage(bg, tenant, job.ID, actor, &service.VersionedRequest{ExpectedVersion: ptr(int64(7))})
	expectKind(t, err, service.KindConflict)

	if got := p.job(t, job.ID); got.Status != entity.JobStatusNotStarted {
		t.Errorf("Expected job untouched, got %s", got.Status)
	}
}

func TestLogHours_NeedsOpenAttempt(t *testing.T) {
	p := newPlant(t)
	job := p.newJob(t)

	_, _, err := p.svc.Job.LogHours(bg, tenant, job.ID, actor, &service.LogHoursRequest{Hours: 1})
	expectKind(t, err, service.KindPrecondGate)

	_, _, err = p.svc.Job.LogHours(bg, tenant, job.ID, actor, &service.LogHoursRequest{Hours: 0})
	expectKind(t, err, service.KindValidation)
}

func TestCompleteStage_NoOpenAttempt(t *testing.T) {
	p := newPlant(t)
	job := p.newJob(t)

	_, err := p.svc.Job.CompleteStage(bg, tenant, job.ID, actor, &service.CompleteStageRequest{})
	expectKind(t, err, service.KindInvalidTransition)

	p.runStage(t, job.ID)
	_, err = p.svc.Job.CompleteStage(bg, tenant, job.ID, actor, &service.CompleteStageRequest{})
	expectKind(t, err, service.KindInvalidTransition)
}

func TestCompleteStage_ConsumesMaterialAtomically(t *testing.T) {
	p := newPlant(t)
	job := p.newJob(t)
	p.start(t, job.ID)

	// too much: nothing of the completion survives
	_, err := p.svc.Job.CompleteStage(bg, tenant, job.ID, actor, &service.CompleteStageRequest{
		Consumption: []service.MaterialLine{{ItemID: p.fx.Item.ID, Qty: dec(500)}},
	})
	expectKind(t, err, service.KindPrecondGate)
	open, err := p.Repos.StageLog.CountOpen(bg, job.ID, "CUT")
	must(t, err)
	if open != 1 {
		t.Fatalf("Expected the attempt to stay open after rollback, got %d open", open)
	}
	if got := p.job(t, job.ID); got.Stage != "CUT" {
		t.Fatalf("Expected job still at CUT, got %s", got.Stage)
	}

	res, err := p.svc.Job.CompleteStage(bg, tenant, job.ID, actor, &service.CompleteStageRequest{
		Notes:       "cut 10 profiles",
		Consumption: []service.MaterialLine{{ItemID: p.fx.Item.ID, Qty: dec(30)}},
	})
	must(t, err)
	if len(res.Transactions) != 1 || !res.Transactions[0].Qty.Equal(dec(-30)) {
		t.Fatalf("Expected one OUT of 30, got %+v", res.Transactions)
	}
	if item := p.balance(t, p.fx.Item.ID); !item.Balance.Equal(dec(70)) {
		t.Errorf("Expected balance 70, got %s", item.Balance)
	}
	materials, err := p.svc.Job.ListMaterials(bg, tenant, job.ID)
	must(t, err)
	if len(materials) != 1 || materials[0].ReferenceType != entity.RefTypeJob {
		t.Errorf("Expected one JOB posting, got %+v", materials)
	}
}

func TestCancelJob_ClosesOpenAttempt(t *testing.T) {
	p := newPlant(t)
	job := p.newJob(t)
	p.start(t, job.ID)

	_, err := p.svc.Job.CancelJob(bg, tenant, job.ID, actor, &service.CancelJobRequest{Reason: " "})
	expectKind(t, err, service.KindValidation)

	cancelled, err := p.svc.Job.CancelJob(bg, tenant, job.ID, actor, &service.CancelJobRequest{Reason: "order withdrawn"})
	must(t, err)
	if cancelled.Status != entity.JobStatusCancelled || cancelled.CancelReason != "order withdrawn" {
		t.Errorf("Expected CANCELLED with reason, got %s %q", cancelled.Status, cancelled.CancelReason)
	}
	open, err := p.Repos.StageLog.CountOpen(bg, job.ID, "CUT")
	must(t, err)
	if open != 0 {
		t.Errorf("Expected the open attempt to be closed, got %d", open)
	}

	_, err = p.svc.Job.CancelJob(bg, tenant, job.ID, actor, &service.CancelJobRequest{Reason: "again"})
	expectKind(t, err, service.KindInvalidTransition)
	_, err = p.svc.Job.AssignJob(bg, tenant, job.ID, actor, "worker-1")
	expectKind(t, err, service.KindInvalidTransition)
	_, err = p.svc.Job.IssueMaterial(bg, tenant, job.ID, actor, []service.MaterialLine{{ItemID: p.fx.Item.ID, Qty: dec(1)}})
	expectKind(t, err, service.KindInvalidTransition)
}

func TestAssignJob(t *testing.T) {
	p := newPlant(t)
	job := p.newJob(t)

	assigned, err := p.svc.Job.AssignJob(bg, tenant, job.ID, actor, "worker-1")
	must(t, err)
	if assigned.AssignedTo == nil || *assigned.AssignedTo != "worker-1" || assigned.Version != 2 {
		t.Fatalf("Expected worker-1 at v2, got %v v%d", assigned.AssignedTo, assigned.Version)
	}
	evts := p.Events.Events()
	last := evts[len(evts)-1]
	if last.Type != events.JobAssigned || last.Payload["assigned_to"] != "worker-1" {
		t.Errorf("Expected job.assigned routed to worker-1, got %+v", last)
	}

	cleared, err := p.svc.Job.AssignJob(bg, tenant, job.ID, actor, "")
	must(t, err)
	if cleared.AssignedTo != nil {
		t.Errorf("Expected assignment cleared, got %v", *cleared.AssignedTo)
	}
}

func TestCorrectTotals(t *testing.T) {
	p := newPlant(t)
	job := p.newJob(t)
	p.start(t, job.ID)
	_, _, err := p.svc.Job.LogHours(bg, tenant, job.ID, actor, &service.LogHoursRequest{Hours: 8, OutputQty: ptr(12.0)})
	must(t, err)

	_, err = p.svc.Job.CorrectTotals(bg, tenant, job.ID, actor, &service.CorrectTotalsRequest{ActualQty: ptr(10.0)})
	expectKind(t, err, service.KindValidation)

	fixed, err := p.svc.Job.CorrectTotals(bg, tenant, job.ID, actor, &service.CorrectTotalsRequest{ActualQty: ptr(10.0), Reason: "double counted"})
	must(t, err)
	if fixed.ActualQty != 10 || fixed.ActualHours != 8 {
		t.Errorf("Expected qty 10 / 8h, got %v / %vh", fixed.ActualQty, fixed.ActualHours)
	}

	actions, err := p.svc.Job.ListActions(bg, tenant, job.ID)
	must(t, err)
	last := actions[len(actions)-1]
	if last.Action != entity.JobActionCorrect || last.Comment != "double counted" {
		t.Errorf("Expected correction action with reason, got %+v", last)
	}
}

func TestJob_TenantIsolation(t *testing.T) {
	p := newPlant(t)
	job := p.newJob(t)

	_, err := p.svc.Job.GetJob(bg, testutil.TenantB, job.ID)
	expectKind(t, err, service.KindNotFound)
	_, _, err = p.svc.Job.StartStage(bg, testutil.TenantB, job.ID, actor, &service.VersionedRequest{})
	expectKind(t, err, service.KindNotFound)

	list, err := p.svc.Job.ListJobs(bg, testutil.TenantB, 1, 20, nil)
	must(t, err)
	if list.Total != 0 {
		t.Errorf("Expected tenant B to see no jobs, got %d", list.Total)
	}
}

func TestStartStage_ConcurrentCallersOpenOneAttempt(t *testing.T) {
	p := newPlant(t)
	job := p.newJob(t)

	const callers = 8
	results := make([]error, callers)
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		i := i
		g.Go(func() error {
			_, _, err := p.svc.Job.StartStage(bg, tenant, job.ID, actor, &service.VersionedRequest{})
			results[i] = err
			return nil
		})
	}
	must(t, g.Wait())

	succeeded := 0
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case service.IsKind(err, service.KindInvalidTransition), service.IsKind(err, service.KindConflict):
		default:
			t.Errorf("Unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("Expected exactly one StartStage to win, got %d", succeeded)
	}
	open, err := p.Repos.StageLog.CountOpen(bg, job.ID, "CUT")
	must(t, err)
	if open != 1 {
		t.Errorf("Expected one open attempt, got %d", open)
	}
	if v := p.job(t, job.ID).Version; v != 2 {
		t.Errorf("Expected a single job update (v2), got v%d", v)
	}
}
