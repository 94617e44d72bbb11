package entity

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// 库存交易引用类型
const (
	RefTypeJob         = "JOB"
	RefTypeRework      = "REWORK"
	RefTypeSubcontract = "SUBCONTRACT"
	RefTypeReturn      = "RETURN"
	RefTypePurchase    = "PURCHASE"
	RefTypeAdjust      = "ADJUST"
	RefTypeTransfer    = "TRANSFER"
)

// ErrAppendOnly is returned by the stock transaction hooks on any attempt to
// rewrite ledger history.
var ErrAppendOnly = errors.New("stock transactions are append-only")

// StockItem 库存物料, the per-item running balance
type StockItem struct {
	ID          string          `json:"id" gorm:"primaryKey;size:36"`
	TenantID    string          `json:"tenant_id" gorm:"size:36;not null;uniqueIndex:uk_mes_stock_items_code,priority:1"`
	Code        string          `json:"code" gorm:"size:64;not null;uniqueIndex:uk_mes_stock_items_code,priority:2"`
	Name        string          `json:"name" gorm:"size:128"`
	Unit        string          `json:"unit" gorm:"size:20;not null;default:pcs"`
	Balance     decimal.Decimal `json:"balance" gorm:"type:decimal(18,4);not null;default:0"`
	ReservedQty decimal.Decimal `json:"reserved_qty" gorm:"type:decimal(18,4);not null;default:0"`
	LastSeq     int64           `json:"last_seq" gorm:"not null;default:0"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`

	AvailableQty decimal.Decimal `json:"available_qty" gorm:"-"`
}

func (StockItem) TableName() string {
	return "mes_stock_items"
}

func (i *StockItem) AfterFind(tx *gorm.DB) error {
	i.AvailableQty = i.Available()
	return nil
}

// Available is balance minus reserved quantity.
func (i *StockItem) Available() decimal.Decimal {
	return i.Balance.Sub(i.ReservedQty)
}

// StockTransaction 库存流水 (append-only)
type StockTransaction struct {
	ID            string          `json:"id" gorm:"primaryKey;size:36"`
	TenantID      string          `json:"tenant_id" gorm:"size:36;not null;index"`
	ItemID        string          `json:"item_id" gorm:"size:36;not null;uniqueIndex:uk_mes_stock_transactions_seq,priority:1"`
	Seq           int64           `json:"seq" gorm:"not null;uniqueIndex:uk_mes_stock_transactions_seq,priority:2"`
	Type          TxType          `json:"type" gorm:"size:20;not null"`
	Qty           decimal.Decimal `json:"qty" gorm:"type:decimal(18,4);not null"` // 正=入, 负=出
	BalanceAfter  decimal.Decimal `json:"balance_after" gorm:"type:decimal(18,4);not null"`
	ReferenceType string          `json:"reference_type" gorm:"size:32;not null;index:idx_mes_stock_transactions_ref,priority:1"`
	ReferenceID   string          `json:"reference_id" gorm:"size:64;not null;index:idx_mes_stock_transactions_ref,priority:2"`
	Remarks       string          `json:"remarks" gorm:"type:text"`
	CreatedBy     string          `json:"created_by" gorm:"size:64;not null"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (StockTransaction) TableName() string {
	return "mes_stock_transactions"
}

func (StockTransaction) BeforeUpdate(tx *gorm.DB) error {
	return ErrAppendOnly
}

func (StockTransaction) BeforeDelete(tx *gorm.DB) error {
	return ErrAppendOnly
}
