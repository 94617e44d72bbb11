package events

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"go.uber.org/zap"
)

func TestKafkaPublisher_Publish(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var evt Event
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		if evt.Type != JobAdvanced || evt.EntityID != "job-1" || evt.TenantID != "t1" {
			return fmt.Errorf("unexpected event %+v", evt)
		}
		return nil
	})

	p := NewKafkaPublisherWithProducer(producer, "mes.events", zap.NewNop())
	p.Publish(context.Background(), Event{
		ID:         "evt-1",
		Type:       JobAdvanced,
		TenantID:   "t1",
		EntityID:   "job-1",
		Payload:    map[string]interface{}{"stage": "ASSEMBLY"},
		OccurredAt: time.Now(),
	})

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestKafkaPublisher_SendFailureIsSwallowed(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewKafkaPublisherWithProducer(producer, "mes.events", zap.NewNop())
	p.Publish(context.Background(), Event{ID: "evt-2", Type: JobCancelled, EntityID: "job-2"})

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

type counting struct{ calls int }

func (f *counting) Publish(context.Context, Event) { f.calls++ }

func TestMulti_FansOut(t *testing.T) {
	rec := &Recorder{}
	other := &counting{}
	m := Multi{rec, nil, other, Nop{}}

	m.Publish(context.Background(), Event{Type: ReworkSpawned})
	m.Publish(context.Background(), Event{Type: ReworkStatusChanged})

	if got := rec.Types(); len(got) != 2 || got[0] != ReworkSpawned || got[1] != ReworkStatusChanged {
		t.Fatalf("recorder types = %v", got)
	}
	if other.calls != 2 {
		t.Fatalf("other publisher calls = %d, want 2", other.calls)
	}
}
