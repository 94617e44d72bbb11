package entity

import (
	"time"

	"gorm.io/datatypes"
)

// JobCard 生产工单卡
type JobCard struct {
	ID            string    `json:"id" gorm:"primaryKey;size:36"`
	TenantID      string    `json:"tenant_id" gorm:"size:36;not null;uniqueIndex:uk_mes_job_cards_number,priority:1"`
	ProjectID     string    `json:"project_id" gorm:"size:36;not null;index"`
	SubGroupID    string    `json:"sub_group_id" gorm:"size:36;not null;index"`
	JobCardNumber string    `json:"job_card_number" gorm:"size:32;not null;uniqueIndex:uk_mes_job_cards_number,priority:2"`
	Stage         string    `json:"stage" gorm:"size:64;not null"`
	Status        JobStatus `json:"status" gorm:"size:20;not null;default:NOT_STARTED;index"`
	PlannedQty    float64   `json:"planned_qty" gorm:"type:decimal(12,4);not null"`
	ActualQty     float64   `json:"actual_qty" gorm:"type:decimal(12,4);not null;default:0"`
	PlannedHours  float64   `json:"planned_hours" gorm:"type:decimal(10,2);not null;default:0"`
	ActualHours   float64   `json:"actual_hours" gorm:"type:decimal(10,2);not null;default:0"`
	AssignedTo    *string   `json:"assigned_to" gorm:"size:64;index"`
	OutputItemID  *string   `json:"output_item_id" gorm:"size:36"` // 完工入库物料
	CancelReason  string    `json:"cancel_reason,omitempty" gorm:"type:text"`
	Version       int64     `json:"version" gorm:"not null;default:1"`

	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	CreatedBy   string     `json:"created_by" gorm:"size:64;not null"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (JobCard) TableName() string {
	return "mes_job_cards"
}

// ProductionStageLog 工序执行记录, one per (job, stage) attempt
type ProductionStageLog struct {
	ID          string     `json:"id" gorm:"primaryKey;size:36"`
	TenantID    string     `json:"tenant_id" gorm:"size:36;not null;index"`
	JobCardID   string     `json:"job_card_id" gorm:"size:36;not null;index:idx_mes_stage_logs_job_stage,priority:1"`
	Stage       string     `json:"stage" gorm:"size:64;not null;index:idx_mes_stage_logs_job_stage,priority:2"`
	Attempt     int        `json:"attempt" gorm:"not null;default:1"`
	StartedAt   time.Time  `json:"started_at" gorm:"not null"`
	StartedBy   string     `json:"started_by" gorm:"size:64;not null"`
	CompletedAt *time.Time `json:"completed_at"`
	CompletedBy *string    `json:"completed_by" gorm:"size:64"`
	HoursLogged float64    `json:"hours_logged" gorm:"type:decimal(10,2);not null;default:0"`
	OutputQty   float64    `json:"output_qty" gorm:"type:decimal(12,4);not null;default:0"`
	QCStatus    *QCStatus  `json:"qc_status" gorm:"size:10"`
	QCRecordID  *string    `json:"qc_record_id" gorm:"size:36"`
	Notes       string     `json:"notes" gorm:"type:text"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	Entries []StageLogEntry `json:"entries,omitempty" gorm:"foreignKey:StageLogID"`
}

func (ProductionStageLog) TableName() string {
	return "mes_stage_logs"
}

// Open reports whether the stage is still being worked.
func (l *ProductionStageLog) Open() bool {
	return l.CompletedAt == nil
}

// StageLogEntry 报工明细
type StageLogEntry struct {
	ID         string    `json:"id" gorm:"primaryKey;size:36"`
	StageLogID string    `json:"stage_log_id" gorm:"size:36;not null;index"`
	JobCardID  string    `json:"job_card_id" gorm:"size:36;not null;index"`
	UserID     string    `json:"user_id" gorm:"size:64;not null"`
	Hours      float64   `json:"hours" gorm:"type:decimal(10,2);not null"`
	OutputQty  float64   `json:"output_qty" gorm:"type:decimal(12,4);not null;default:0"`
	Notes      string    `json:"notes" gorm:"type:text"`
	WorkDate   time.Time `json:"work_date"`
	CreatedAt  time.Time `json:"created_at"`
}

func (StageLogEntry) TableName() string {
	return "mes_stage_log_entries"
}

// JobAction 工单操作类型
const (
	JobActionCreate   = "create"
	JobActionStart    = "start_stage"
	JobActionLogHours = "log_hours"
	JobActionComplete = "complete_stage"
	JobActionAdvance  = "advance"
	JobActionFinish   = "finish"
	JobActionRework   = "rework"
	JobActionResume   = "resume"
	JobActionAssign   = "assign"
	JobActionCancel   = "cancel"
	JobActionCorrect  = "correct"
	JobActionIssue    = "issue_material"
)

// JobActionLog 工单操作日志
type JobActionLog struct {
	ID         string            `json:"id" gorm:"primaryKey;size:36"`
	TenantID   string            `json:"tenant_id" gorm:"size:36;not null;index"`
	JobCardID  string            `json:"job_card_id" gorm:"size:36;not null;index"`
	Action     string            `json:"action" gorm:"size:32;not null"`
	FromStatus JobStatus         `json:"from_status" gorm:"size:20"`
	ToStatus   JobStatus         `json:"to_status" gorm:"size:20;not null"`
	Stage      string            `json:"stage" gorm:"size:64"`
	OperatorID string            `json:"operator_id" gorm:"size:64;not null"`
	EventData  datatypes.JSONMap `json:"event_data,omitempty"`
	Comment    string            `json:"comment,omitempty" gorm:"type:text"`
	CreatedAt  time.Time         `json:"created_at"`
}

func (JobActionLog) TableName() string {
	return "mes_job_action_logs"
}
