package service

import (
	"context"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/bitfantasy/nimo-mes/internal/mes/events"
	"github.com/bitfantasy/nimo-mes/internal/mes/lock"
	"github.com/bitfantasy/nimo-mes/internal/mes/repository"
	"github.com/google/uuid"
)

// StageCatalogService 工序目录服务
type StageCatalogService struct {
	*core
}

// StageInput is one entry of a catalog replacement, in workflow order.
type StageInput struct {
	Name      string `json:"name" binding:"required"`
	Inspected bool   `json:"inspected"`
}

type ReplaceCatalogRequest struct {
	Stages []StageInput `json:"stages" binding:"required"`
}

// GetCatalog returns the tenant's stages. A tenant that never configured one
// gets the configured default workflow.
func (s *StageCatalogService) GetCatalog(ctx context.Context, tenantID string) (entity.StageCatalog, error) {
	return s.load(ctx, s.repos, tenantID)
}

// pin loads the catalog inside a transaction that may place a job on a stage.
// The revision row stays shared until commit, so a replacement cannot strand
// the job between its check and this transaction's commit.
func (s *StageCatalogService) pin(ctx context.Context, tx *repository.Repositories, tenantID string) (entity.StageCatalog, error) {
	if _, err := tx.Stage.PinRevision(ctx, tenantID); err != nil {
		return entity.StageCatalog{}, classify(err, "stage catalog")
	}
	return s.load(ctx, tx, tenantID)
}

func (s *StageCatalogService) load(ctx context.Context, repos *repository.Repositories, tenantID string) (entity.StageCatalog, error) {
	stages, err := repos.Stage.ListByTenant(ctx, tenantID)
	if err != nil {
		return entity.StageCatalog{}, classify(err, "stage catalog")
	}
	if len(stages) > 0 {
		return entity.StageCatalog{TenantID: tenantID, Stages: stages}, nil
	}
	return s.defaultCatalog(tenantID), nil
}

func (s *StageCatalogService) defaultCatalog(tenantID string) entity.StageCatalog {
	inspected := make(map[string]bool, len(s.workflow.InspectedStages))
	for _, name := range s.workflow.InspectedStages {
		inspected[entity.CanonicalStage(name)] = true
	}
	catalog := entity.StageCatalog{TenantID: tenantID}
	for i, name := range s.workflow.DefaultStages {
		name = entity.CanonicalStage(name)
		if name == "" {
			continue
		}
		catalog.Stages = append(catalog.Stages, entity.StageDefinition{
			TenantID:  tenantID,
			Name:      name,
			Sequence:  i + 1,
			Inspected: inspected[name],
		})
	}
	return catalog
}

// ReplaceCatalog swaps the tenant's workflow. Jobs that are still running must
// sit on a stage that survives the replacement.
func (s *StageCatalogService) ReplaceCatalog(ctx context.Context, tenantID, actor string, req *ReplaceCatalogRequest) (entity.StageCatalog, error) {
	if len(req.Stages) == 0 {
		return entity.StageCatalog{}, validationError("catalog needs at least one stage")
	}

	seen := make(map[string]bool, len(req.Stages))
	stages := make([]entity.StageDefinition, 0, len(req.Stages))
	now := s.now()
	for i, in := range req.Stages {
		name := entity.CanonicalStage(in.Name)
		if name == "" {
			return entity.StageCatalog{}, validationError("stage %d has an empty name", i+1)
		}
		if seen[name] {
			return entity.StageCatalog{}, validationError("stage %s appears twice", name)
		}
		seen[name] = true
		stages = append(stages, entity.StageDefinition{
			ID:        uuid.New().String(),
			TenantID:  tenantID,
			Name:      name,
			Sequence:  i + 1,
			Inspected: in.Inspected,
			CreatedAt: now,
		})
	}
	catalog := entity.StageCatalog{TenantID: tenantID, Stages: stages}

	err := s.mutate(ctx, "replace_catalog", []string{lock.CatalogKey(tenantID)}, func(ctx context.Context, tx *repository.Repositories, box *outbox) error {
		revision, err := tx.Stage.BumpRevision(ctx, tenantID)
		if err != nil {
			return classify(err, "stage catalog")
		}
		stranded, err := tx.Job.CountActiveOutsideStages(ctx, tenantID, catalog.Names())
		if err != nil {
			return classify(err, "job cards")
		}
		if stranded > 0 {
			return validationError("%d unfinished job(s) sit on stages missing from the new catalog", stranded)
		}
		if err := tx.Stage.Replace(ctx, tenantID, stages); err != nil {
			return classify(err, "stage catalog")
		}
		box.emit(s.event(tenantID, events.StageCatalogChanged, tenantID, actor, map[string]interface{}{
			"stages":   catalog.Names(),
			"revision": revision,
		}))
		return nil
	})
	if err != nil {
		return entity.StageCatalog{}, err
	}
	return catalog, nil
}
