package handler

import (
	"github.com/bitfantasy/nimo-mes/internal/mes/service"
	"github.com/gin-gonic/gin"
)

// StageHandler 工序目录处理器
type StageHandler struct {
	svc *service.StageCatalogService
}

// NewStageHandler 创建工序目录处理器
func NewStageHandler(svc *service.StageCatalogService) *StageHandler {
	return &StageHandler{svc: svc}
}

// Get 获取工序目录
// GET /api/v1/mes/stages
func (h *StageHandler) Get(c *gin.Context) {
	catalog, err := h.svc.GetCatalog(c.Request.Context(), GetTenantID(c))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, catalog)
}

// Replace 替换工序目录
// PUT /api/v1/mes/stages
func (h *StageHandler) Replace(c *gin.Context) {
	var req service.ReplaceCatalogRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	catalog, err := h.svc.ReplaceCatalog(c.Request.Context(), GetTenantID(c), GetUserID(c), &req)
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, catalog)
}
