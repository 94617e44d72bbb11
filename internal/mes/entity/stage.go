package entity

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// StageDefinition 租户工序定义
type StageDefinition struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	TenantID  string    `json:"tenant_id" gorm:"size:36;not null;uniqueIndex:uk_mes_stage_definitions_name,priority:1"`
	Name      string    `json:"name" gorm:"size:64;not null;uniqueIndex:uk_mes_stage_definitions_name,priority:2"`
	Sequence  int       `json:"sequence" gorm:"not null"`
	Inspected bool      `json:"inspected" gorm:"not null;default:false"`
	CreatedAt time.Time `json:"created_at"`
}

func (StageDefinition) TableName() string {
	return "mes_stage_definitions"
}

// StageCatalogRevision 工序目录版本. One row per tenant; writers that place a
// job on a stage hold it shared, a catalog replacement holds it exclusively.
type StageCatalogRevision struct {
	TenantID  string    `json:"tenant_id" gorm:"primaryKey;size:36"`
	Revision  int64     `json:"revision" gorm:"not null;default:0"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (StageCatalogRevision) TableName() string {
	return "mes_stage_catalog_revisions"
}

var stageCaser = cases.Upper(language.Und)

// CanonicalStage normalizes a stage identifier: trimmed, upper case.
func CanonicalStage(name string) string {
	return stageCaser.String(strings.TrimSpace(name))
}

// StageCatalog is one tenant's ordered workflow. The order of Stages is the
// workflow order; nothing else about a stage name is interpreted.
type StageCatalog struct {
	TenantID string            `json:"tenant_id"`
	Stages   []StageDefinition `json:"stages"`
}

func (c StageCatalog) Empty() bool {
	return len(c.Stages) == 0
}

func (c StageCatalog) First() (StageDefinition, bool) {
	if c.Empty() {
		return StageDefinition{}, false
	}
	return c.Stages[0], true
}

func (c StageCatalog) Last() (StageDefinition, bool) {
	if c.Empty() {
		return StageDefinition{}, false
	}
	return c.Stages[len(c.Stages)-1], true
}

func (c StageCatalog) index(name string) int {
	name = CanonicalStage(name)
	for i, s := range c.Stages {
		if s.Name == name {
			return i
		}
	}
	return -1
}

func (c StageCatalog) Lookup(name string) (StageDefinition, bool) {
	i := c.index(name)
	if i < 0 {
		return StageDefinition{}, false
	}
	return c.Stages[i], true
}

func (c StageCatalog) Contains(name string) bool {
	return c.index(name) >= 0
}

// Next returns the successor of name. ok is false when name is the last
// stage or not in the catalog.
func (c StageCatalog) Next(name string) (next StageDefinition, ok bool) {
	i := c.index(name)
	if i < 0 || i+1 >= len(c.Stages) {
		return StageDefinition{}, false
	}
	return c.Stages[i+1], true
}

func (c StageCatalog) IsLast(name string) bool {
	i := c.index(name)
	return i >= 0 && i == len(c.Stages)-1
}

func (c StageCatalog) Names() []string {
	names := make([]string, len(c.Stages))
	for i, s := range c.Stages {
		names[i] = s.Name
	}
	return names
}
