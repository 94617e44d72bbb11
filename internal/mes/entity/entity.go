package entity

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Project 项目 (maintained by the CRUD side, read here for validation)
type Project struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	TenantID  string    `json:"tenant_id" gorm:"size:36;not null;index"`
	Code      string    `json:"code" gorm:"size:32"`
	Name      string    `json:"name" gorm:"size:200"`
	CreatedAt time.Time `json:"created_at"`
}

func (Project) TableName() string {
	return "mes_projects"
}

// SubGroup 项目分组
type SubGroup struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	TenantID  string    `json:"tenant_id" gorm:"size:36;not null;index"`
	ProjectID string    `json:"project_id" gorm:"size:36;not null;index"`
	Name      string    `json:"name" gorm:"size:200"`
	CreatedAt time.Time `json:"created_at"`
}

func (SubGroup) TableName() string {
	return "mes_sub_groups"
}

// DeliveryNote 送货单
type DeliveryNote struct {
	ID          string          `json:"id" gorm:"primaryKey;size:36"`
	TenantID    string          `json:"tenant_id" gorm:"size:36;not null;index"`
	Number      string          `json:"number" gorm:"size:32"`
	ClientID    string          `json:"client_id" gorm:"size:36;not null"`
	ItemID      *string         `json:"item_id" gorm:"size:36"`
	Qty         decimal.Decimal `json:"qty" gorm:"type:decimal(18,4);not null;default:0"`
	DeliveredAt *time.Time      `json:"delivered_at"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (DeliveryNote) TableName() string {
	return "mes_delivery_notes"
}

// Sequence 租户级编号计数器
type Sequence struct {
	TenantID string `gorm:"primaryKey;size:36"`
	Name     string `gorm:"primaryKey;size:32"`
	Value    int64  `gorm:"not null;default:0"`
}

func (Sequence) TableName() string {
	return "mes_sequences"
}

// AutoMigrate 自动迁移所有MES表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		// 协作方数据
		&Project{},
		&SubGroup{},
		&DeliveryNote{},

		// 配置
		&StageDefinition{},
		&StageCatalogRevision{},
		&Sequence{},

		// 生产
		&JobCard{},
		&ProductionStageLog{},
		&StageLogEntry{},
		&JobActionLog{},

		// 质量
		&QCRecord{},
		&ReworkJob{},
		&ReturnRecord{},

		// 库存
		&StockItem{},
		&StockTransaction{},
	)
}
