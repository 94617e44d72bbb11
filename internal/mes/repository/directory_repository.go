package repository

import (
	"context"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"gorm.io/gorm"
)

// DirectoryRepository reads the project, sub-group and delivery note rows
// owned by the CRUD side of the ERP.
type DirectoryRepository struct {
	db *gorm.DB
}

func NewDirectoryRepository(db *gorm.DB) *DirectoryRepository {
	return &DirectoryRepository{db: db}
}

func (r *DirectoryRepository) FindProject(ctx context.Context, tenantID, id string) (*entity.Project, error) {
	var p entity.Project
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		First(&p).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *DirectoryRepository) FindSubGroup(ctx context.Context, tenantID, id string) (*entity.SubGroup, error) {
	var g entity.SubGroup
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		First(&g).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &g, nil
}

func (r *DirectoryRepository) FindDeliveryNote(ctx context.Context, tenantID, id string) (*entity.DeliveryNote, error) {
	var dn entity.DeliveryNote
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		First(&dn).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &dn, nil
}

func (r *DirectoryRepository) CreateProject(ctx context.Context, p *entity.Project) error {
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *DirectoryRepository) CreateSubGroup(ctx context.Context, g *entity.SubGroup) error {
	return r.db.WithContext(ctx).Create(g).Error
}

func (r *DirectoryRepository) CreateDeliveryNote(ctx context.Context, dn *entity.DeliveryNote) error {
	return r.db.WithContext(ctx).Create(dn).Error
}
