package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReturnRecord 客户退货单
type ReturnRecord struct {
	ID                 string          `json:"id" gorm:"primaryKey;size:36"`
	TenantID           string          `json:"tenant_id" gorm:"size:36;not null;index"`
	DeliveryNoteID     string          `json:"delivery_note_id" gorm:"size:36;not null;index"`
	ClientID           string          `json:"client_id" gorm:"size:36;not null;index"`
	ItemID             *string         `json:"item_id" gorm:"size:36"`
	Qty                decimal.Decimal `json:"qty" gorm:"type:decimal(18,4);not null;default:0"`
	Reason             string          `json:"reason" gorm:"type:text"`
	Status             ReturnStatus    `json:"status" gorm:"size:20;not null;default:PENDING;index"`
	Outcome            *ReturnOutcome  `json:"outcome" gorm:"size:20"`
	Remarks            string          `json:"remarks" gorm:"type:text"`
	InspectedBy        *string         `json:"inspected_by" gorm:"size:64"`
	InspectedAt        *time.Time      `json:"inspected_at"`
	ReworkJobID        *string         `json:"rework_job_id" gorm:"size:36"`
	StockTransactionID *string         `json:"stock_transaction_id" gorm:"size:36"`
	ClosedAt           *time.Time      `json:"closed_at"`
	CreatedBy          string          `json:"created_by" gorm:"size:64;not null"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

func (ReturnRecord) TableName() string {
	return "mes_return_records"
}
