package handler

import (
	"github.com/bitfantasy/nimo-mes/internal/mes/service"
	"github.com/gin-gonic/gin"
)

// ReworkHandler 返工处理器
type ReworkHandler struct {
	svc *service.ReworkService
}

// NewReworkHandler 创建返工处理器
func NewReworkHandler(svc *service.ReworkService) *ReworkHandler {
	return &ReworkHandler{svc: svc}
}

// List 获取返工单列表
// GET /api/v1/mes/reworks
func (h *ReworkHandler) List(c *gin.Context) {
	page, pageSize := GetPagination(c)
	filters := queryFilters(c, "status", "production_job_id", "delivery_note_id", "assigned_to")

	res, err := h.svc.List(c.Request.Context(), GetTenantID(c), page, pageSize, filters)
	if err != nil {
		Fail(c, err)
		return
	}
	SuccessList(c, res, page, pageSize)
}

// Get 获取返工单
// GET /api/v1/mes/reworks/:id
func (h *ReworkHandler) Get(c *gin.Context) {
	rw, err := h.svc.Get(c.Request.Context(), GetTenantID(c), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, rw)
}

// Spawn 手工创建返工单
// POST /api/v1/mes/reworks
func (h *ReworkHandler) Spawn(c *gin.Context) {
	var req service.SpawnReworkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	rw, err := h.svc.Spawn(c.Request.Context(), GetTenantID(c), GetUserID(c), &req)
	if err != nil {
		Fail(c, err)
		return
	}
	Created(c, rw)
}

// UpdateStatus 更新返工状态
// PUT /api/v1/mes/reworks/:id/status
func (h *ReworkHandler) UpdateStatus(c *gin.Context) {
	var req service.TransitionReworkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	rw, err := h.svc.TransitionStatus(c.Request.Context(), GetTenantID(c), c.Param("id"), GetUserID(c), &req)
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, rw)
}

// Assign 指派返工单
// POST /api/v1/mes/reworks/:id/assign
func (h *ReworkHandler) Assign(c *gin.Context) {
	var req struct {
		AssignedTo string `json:"assigned_to" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	rw, err := h.svc.AssignRework(c.Request.Context(), GetTenantID(c), c.Param("id"), GetUserID(c), req.AssignedTo)
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, rw)
}

// LogHours 返工报工
// POST /api/v1/mes/reworks/:id/hours
func (h *ReworkHandler) LogHours(c *gin.Context) {
	var req service.LogReworkHoursRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	rw, err := h.svc.LogReworkHours(c.Request.Context(), GetTenantID(c), c.Param("id"), GetUserID(c), &req)
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, rw)
}

// IssueMaterial 返工领料
// POST /api/v1/mes/reworks/:id/materials
func (h *ReworkHandler) IssueMaterial(c *gin.Context) {
	var req materialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	txs, err := h.svc.IssueMaterial(c.Request.Context(), GetTenantID(c), c.Param("id"), GetUserID(c), req.Lines)
	if err != nil {
		Fail(c, err)
		return
	}
	Created(c, txs)
}
