package entity

import "fmt"

// SourceKind 来源类型: 生产工单 或 送货单
type SourceKind string

const (
	SourceProductionJob SourceKind = "PRODUCTION_JOB"
	SourceDeliveryNote  SourceKind = "DELIVERY_NOTE"
)

// Source is the either-job-or-delivery-note reference shared by QC records
// and rework jobs. It is stored as a (kind, id) pair, so a row can never
// point at both.
type Source struct {
	Kind SourceKind `json:"type" gorm:"column:source_kind;size:20;not null;index:,composite:source,priority:1"`
	ID   string     `json:"id" gorm:"column:source_id;size:36;not null;index:,composite:source,priority:2"`
}

func ProductionSource(jobID string) Source {
	return Source{Kind: SourceProductionJob, ID: jobID}
}

func DeliveryNoteSource(dnID string) Source {
	return Source{Kind: SourceDeliveryNote, ID: dnID}
}

// SourceFromRefs builds a Source from the two optional request references.
// Exactly one of them must be set.
func SourceFromRefs(productionJobID, deliveryNoteID string) (Source, error) {
	switch {
	case productionJobID != "" && deliveryNoteID != "":
		return Source{}, fmt.Errorf("exactly one of production_job_id and delivery_note_id must be set, got both")
	case productionJobID != "":
		return ProductionSource(productionJobID), nil
	case deliveryNoteID != "":
		return DeliveryNoteSource(deliveryNoteID), nil
	}
	return Source{}, fmt.Errorf("exactly one of production_job_id and delivery_note_id must be set, got neither")
}

func (s Source) Validate() error {
	if s.Kind != SourceProductionJob && s.Kind != SourceDeliveryNote {
		return fmt.Errorf("unknown source type %q", s.Kind)
	}
	if s.ID == "" {
		return fmt.Errorf("source id is required")
	}
	return nil
}

func (s Source) IsProductionJob() bool { return s.Kind == SourceProductionJob }

func (s Source) IsDeliveryNote() bool { return s.Kind == SourceDeliveryNote }

// JobID returns the job id, or "" for a delivery-note source.
func (s Source) JobID() string {
	if s.IsProductionJob() {
		return s.ID
	}
	return ""
}

// DeliveryNoteID returns the delivery note id, or "" for a job source.
func (s Source) DeliveryNoteID() string {
	if s.IsDeliveryNote() {
		return s.ID
	}
	return ""
}
