package service

import (
	"context"
	"time"

	"github.com/bitfantasy/nimo-mes/internal/config"
	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/bitfantasy/nimo-mes/internal/mes/events"
	"github.com/bitfantasy/nimo-mes/internal/mes/lock"
	"github.com/bitfantasy/nimo-mes/internal/mes/repository"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// Services 服务集合
type Services struct {
	Catalog *StageCatalogService
	Ledger  *LedgerService
	Job     *JobService
	Gate    *QualityGate
	Rework  *ReworkService
	Return  *ReturnService
}

// Options carries the collaborators shared by every service.
type Options struct {
	Locker    lock.Locker
	Publisher events.Publisher
	Metrics   *Metrics
	Logger    *zap.Logger
	Workflow  config.WorkflowConfig
	// Clock defaults to time.Now in UTC.
	Clock func() time.Time
}

// NewServices 创建服务集合
func NewServices(repos *repository.Repositories, opts Options) *Services {
	c := newCore(repos, opts)

	catalog := &StageCatalogService{core: c}
	ledger := &LedgerService{core: c}
	rework := &ReworkService{core: c, ledger: ledger}
	gate := &QualityGate{core: c, catalog: catalog, ledger: ledger, rework: rework}
	job := &JobService{core: c, catalog: catalog, ledger: ledger, gate: gate}
	ret := &ReturnService{core: c, ledger: ledger, rework: rework}
	rework.jobs = job

	return &Services{
		Catalog: catalog,
		Ledger:  ledger,
		Job:     job,
		Gate:    gate,
		Rework:  rework,
		Return:  ret,
	}
}

type core struct {
	repos     *repository.Repositories
	locker    lock.Locker
	publisher events.Publisher
	metrics   *Metrics
	logger    *zap.Logger
	workflow  config.WorkflowConfig
	clock     func() time.Time
	tracer    trace.Tracer
}

func newCore(repos *repository.Repositories, opts Options) *core {
	c := &core{
		repos:     repos,
		locker:    opts.Locker,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		workflow:  opts.Workflow,
		clock:     opts.Clock,
		tracer:    otel.Tracer("nimo-mes/service"),
	}
	if c.locker == nil {
		c.locker = lock.NewLocalLocker(5 * time.Second)
	}
	if c.publisher == nil {
		c.publisher = events.Nop{}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.clock == nil {
		c.clock = func() time.Time { return time.Now().UTC() }
	}
	if c.workflow.JobNumberPrefix == "" {
		c.workflow.JobNumberPrefix = "JC"
	}
	return c
}

func (c *core) now() time.Time {
	return c.clock()
}

// outbox collects what must only happen once the transaction committed.
type outbox struct {
	events []events.Event
	after  []func()
}

func (o *outbox) emit(evt events.Event) {
	o.events = append(o.events, evt)
}

func (o *outbox) onCommit(fn func()) {
	o.after = append(o.after, fn)
}

func (c *core) event(tenantID, typ, entityID, actor string, payload map[string]interface{}) events.Event {
	return events.Event{
		ID:         uuid.New().String(),
		Type:       typ,
		TenantID:   tenantID,
		EntityID:   entityID,
		ActorID:    actor,
		Payload:    payload,
		OccurredAt: c.now(),
	}
}

// mutate is the write path of every operation: take the per-key locks, run fn
// in one transaction, and publish only after commit. Any error from fn rolls
// back everything fn wrote.
func (c *core) mutate(ctx context.Context, op string, keys []string, fn func(ctx context.Context, tx *repository.Repositories, box *outbox) error) (err error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "mes."+op, trace.WithAttributes(attribute.StringSlice("mes.lock_keys", keys)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(KindOf(err)))
		}
		span.End()
		c.metrics.observe(op, start, err)
	}()

	release, err := c.locker.Acquire(ctx, keys...)
	if err != nil {
		return classify(err, op)
	}
	defer release()

	box := &outbox{}
	err = c.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		return fn(ctx, tx, box)
	})
	if err != nil {
		if IsKind(err, KindIntegrity) {
			c.logger.Error("Ledger integrity violation, operation rolled back",
				zap.String("operation", op),
				zap.Strings("keys", keys),
				zap.Error(err),
			)
		}
		return err
	}

	for _, fn := range box.after {
		fn()
	}
	for _, evt := range box.events {
		c.publisher.Publish(ctx, evt)
	}
	return nil
}

// logAction 记录工单操作日志
func (c *core) logAction(ctx context.Context, tx *repository.Repositories, job *entity.JobCard, action string, from entity.JobStatus, operatorID string, eventData map[string]interface{}, comment string) error {
	actionLog := &entity.JobActionLog{
		ID:         uuid.New().String(),
		TenantID:   job.TenantID,
		JobCardID:  job.ID,
		Action:     action,
		FromStatus: from,
		ToStatus:   job.Status,
		Stage:      job.Stage,
		OperatorID: operatorID,
		Comment:    comment,
		CreatedAt:  c.now(),
	}
	if eventData != nil {
		actionLog.EventData = datatypes.JSONMap(eventData)
	}
	if err := tx.ActionLog.Create(ctx, actionLog); err != nil {
		return classify(err, "job action log")
	}
	return nil
}

// transitionJob moves the job to status "to" through the transition table.
func (c *core) transitionJob(box *outbox, job *entity.JobCard, to entity.JobStatus) error {
	from := job.Status
	if !from.CanTransitionTo(to) {
		return invalidTransition("job %s cannot move from %s to %s", job.JobCardNumber, from, to)
	}
	job.Status = to
	if from != to {
		box.onCommit(func() { c.metrics.jobTransition(string(from), string(to)) })
	}
	return nil
}

func checkVersion(what string, expected *int64, actual int64) error {
	if expected != nil && *expected != actual {
		return conflictError("%s version is %d, request expected %d; re-read and retry", what, actual, *expected)
	}
	return nil
}

// ListResult is one page of a query.
type ListResult[T any] struct {
	Items []T
	Total int64
}
