package entity

import (
	"time"

	"gorm.io/datatypes"
)

// Defect 缺陷项
type Defect struct {
	Desc     string   `json:"desc"`
	Severity Severity `json:"severity"`
	PhotoRef string   `json:"photo_ref,omitempty"`
}

// QCRecord 检验记录, attached to exactly one job or delivery note
type QCRecord struct {
	ID                  string                      `json:"id" gorm:"primaryKey;size:36"`
	TenantID            string                      `json:"tenant_id" gorm:"size:36;not null;index;uniqueIndex:uk_mes_qc_records_idem,priority:1"`
	Source              Source                      `json:"source" gorm:"embedded"`
	Stage               *string                     `json:"stage" gorm:"size:64"`
	InspectorID         string                      `json:"inspector_id" gorm:"size:64;not null"`
	QCStatus            QCStatus                    `json:"qc_status" gorm:"size:10;not null"`
	Defects             datatypes.JSONSlice[Defect] `json:"defects"`
	Remarks             string                      `json:"remarks" gorm:"type:text"`
	CreateRework        bool                        `json:"create_rework" gorm:"not null;default:false"`
	ReworkExpectedHours *float64                    `json:"rework_expected_hours,omitempty" gorm:"type:decimal(10,2)"`
	ReworkAssignedTo    *string                     `json:"rework_assigned_to,omitempty" gorm:"size:64"`
	IdempotencyKey      *string                     `json:"idempotency_key,omitempty" gorm:"size:64;uniqueIndex:uk_mes_qc_records_idem,priority:2"`
	GateOutcome         string                      `json:"gate_outcome" gorm:"size:10"` // 质量门结果, replayed for idempotent retries
	InspectedAt         time.Time                   `json:"inspected_at" gorm:"not null;index"`
	CreatedAt           time.Time                   `json:"created_at"`
}

func (QCRecord) TableName() string {
	return "mes_qc_records"
}

// ReworkJob 返工单
type ReworkJob struct {
	ID             string       `json:"id" gorm:"primaryKey;size:36"`
	TenantID       string       `json:"tenant_id" gorm:"size:36;not null;index"`
	Source         Source       `json:"source" gorm:"embedded"`
	SpawnKey       string       `json:"spawn_key" gorm:"size:80;not null;uniqueIndex"` // qc:<id> | return:<id>
	QCRecordID     *string      `json:"qc_record_id" gorm:"size:36"`
	ReturnID       *string      `json:"return_id" gorm:"size:36"`
	Stage          *string      `json:"stage" gorm:"size:64"`
	AssignedTo     *string      `json:"assigned_to" gorm:"size:64;index"`
	Status         ReworkStatus `json:"status" gorm:"size:20;not null;default:OPEN;index"`
	ExpectedHours  *float64     `json:"expected_hours" gorm:"type:decimal(10,2)"`
	ActualHours    float64      `json:"actual_hours" gorm:"type:decimal(10,2);not null;default:0"`
	Notes          string       `json:"notes" gorm:"type:text"`
	MaterialNeeded string       `json:"material_needed" gorm:"type:text"`
	Version        int64        `json:"version" gorm:"not null;default:1"`
	CreatedBy      string       `json:"created_by" gorm:"size:64;not null"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	StartedAt      *time.Time   `json:"started_at"`
	ClosedAt       *time.Time   `json:"closed_at"`
}

func (ReworkJob) TableName() string {
	return "mes_rework_jobs"
}

// QCSpawnKey is the idempotency key of a rework caused by a QC record.
func QCSpawnKey(qcRecordID string) string {
	return "qc:" + qcRecordID
}

// ReturnSpawnKey is the idempotency key of a rework caused by a return.
func ReturnSpawnKey(returnID string) string {
	return "return:" + returnID
}
