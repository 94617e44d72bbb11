// Package events carries MES domain events to live subscribers (SSE) and
// downstream consumers (Kafka). Events are published after the database
// transaction commits; a publish failure never rolls back a mutation.
package events

import (
	"context"
	"sync"
	"time"
)

// 事件类型
const (
	JobCreated        = "job.created"
	JobStageStarted   = "job.stage_started"
	JobHoursLogged    = "job.hours_logged"
	JobStageCompleted = "job.stage_completed"
	JobAdvanced       = "job.advanced"
	JobCompleted      = "job.completed"
	JobRework         = "job.rework"
	JobResumed        = "job.resumed"
	JobAssigned       = "job.assigned"
	JobCancelled      = "job.cancelled"
	JobCorrected      = "job.corrected"

	InspectionRecorded = "qc.recorded"

	ReworkSpawned       = "rework.spawned"
	ReworkStatusChanged = "rework.status_changed"
	ReworkAssigned      = "rework.assigned"

	ReturnCreated   = "return.created"
	ReturnInspected = "return.inspected"
	ReturnClosed    = "return.closed"

	StockMoved    = "stock.moved"
	StockReserved = "stock.reserved"

	StageCatalogChanged = "stage.catalog_changed"
)

type Event struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	TenantID   string                 `json:"tenant_id"`
	EntityID   string                 `json:"entity_id"`
	ActorID    string                 `json:"actor_id,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// Publisher delivers events. Implementations log their own failures.
type Publisher interface {
	Publish(ctx context.Context, evt Event)
}

// Multi fans one event out to several publishers.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evt Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, evt)
		}
	}
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in publish order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
