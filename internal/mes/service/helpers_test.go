package service_test

import (
	"context"
	"testing"

	"github.com/bitfantasy/nimo-mes/internal/config"
	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/bitfantasy/nimo-mes/internal/mes/service"
	"github.com/bitfantasy/nimo-mes/internal/mes/testutil"
	"github.com/shopspring/decimal"
)

const (
	tenant = testutil.TenantA
	actor  = "test-user-001"
)

var bg = context.Background()

// plant is a tenant with a three stage workflow (QC inspected), one project,
// one delivery note and a stock item holding 100.
type plant struct {
	*testutil.TestEnv
	svc *service.Services
	fx  *testutil.Fixture
}

func newPlant(t *testing.T, mutate ...func(*config.WorkflowConfig)) *plant {
	t.Helper()
	env := testutil.NewEnv(t, mutate...)
	testutil.SeedCatalog(t, env, tenant, []string{"QC"}, "CUT", "ASSEMBLY", "QC")
	fx := testutil.SeedFixture(t, env, tenant, 100)
	return &plant{TestEnv: env, svc: env.Services, fx: fx}
}

func dec(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func ptr[T any](v T) *T {
	return &v
}

func expectKind(t *testing.T, err error, kind service.ErrorKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("Expected %s error, got nil", kind)
	}
	if got := service.KindOf(err); got != kind {
		t.Fatalf("Expected %s error, got %q: %v", kind, got, err)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
}

// newJob creates a job whose finished output goes into the fixture item.
func (p *plant) newJob(t *testing.T) *entity.JobCard {
	t.Helper()
	job, err := p.svc.Job.CreateJob(bg, tenant, actor, &service.CreateJobRequest{
		ProjectID:    p.fx.Project.ID,
		SubGroupID:   p.fx.SubGroup.ID,
		PlannedQty:   10,
		OutputItemID: &p.fx.Item.ID,
	})
	must(t, err)
	return job
}

func (p *plant) start(t *testing.T, jobID string) *entity.ProductionStageLog {
	t.Helper()
	log, _, err := p.svc.Job.StartStage(bg, tenant, jobID, actor, &service.VersionedRequest{})
	must(t, err)
	return log
}

func (p *plant) complete(t *testing.T, jobID string) *service.CompleteStageResult {
	t.Helper()
	res, err := p.svc.Job.CompleteStage(bg, tenant, jobID, actor, &service.CompleteStageRequest{})
	must(t, err)
	return res
}

// runStage starts and completes the current stage.
func (p *plant) runStage(t *testing.T, jobID string) *service.CompleteStageResult {
	t.Helper()
	p.start(t, jobID)
	return p.complete(t, jobID)
}

func (p *plant) inspect(t *testing.T, jobID string, status entity.QCStatus, createRework bool) *service.InspectionResult {
	t.Helper()
	res, err := p.svc.Gate.RecordInspection(bg, tenant, "inspector-1", inspectionReq(jobID, status, createRework))
	must(t, err)
	return res
}

func inspectionReq(jobID string, status entity.QCStatus, createRework bool) *service.RecordInspectionRequest {
	req := &service.RecordInspectionRequest{
		ProductionJobID: jobID,
		QCStatus:        status,
		CreateRework:    createRework,
	}
	if status == entity.QCStatusFail {
		req.Defects = []entity.Defect{{Desc: "scratched frame", Severity: entity.SeverityMedium}}
	}
	return req
}

func (p *plant) job(t *testing.T, jobID string) *entity.JobCard {
	t.Helper()
	job, err := p.svc.Job.GetJob(bg, tenant, jobID)
	must(t, err)
	return job
}

func (p *plant) balance(t *testing.T, itemID string) *entity.StockItem {
	t.Helper()
	item, err := p.svc.Ledger.GetItem(bg, tenant, itemID)
	must(t, err)
	return item
}

// toQC drives a fresh job through CUT and ASSEMBLY and completes the QC
// attempt, leaving it waiting for inspection.
func (p *plant) toQC(t *testing.T) *entity.JobCard {
	t.Helper()
	job := p.newJob(t)
	p.start(t, job.ID)
	_, _, err := p.svc.Job.LogHours(bg, tenant, job.ID, actor, &service.LogHoursRequest{Hours: 2, OutputQty: ptr(5.0)})
	must(t, err)
	p.complete(t, job.ID)
	p.runStage(t, job.ID)
	res := p.runStage(t, job.ID)
	if res.Outcome != service.GatePending {
		t.Fatalf("Expected QC to wait for inspection, got %s", res.Outcome)
	}
	return p.job(t, job.ID)
}
