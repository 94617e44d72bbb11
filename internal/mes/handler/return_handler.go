package handler

import (
	"github.com/bitfantasy/nimo-mes/internal/mes/service"
	"github.com/gin-gonic/gin"
)

// ReturnHandler 退货处理器
type ReturnHandler struct {
	svc *service.ReturnService
}

// NewReturnHandler 创建退货处理器
func NewReturnHandler(svc *service.ReturnService) *ReturnHandler {
	return &ReturnHandler{svc: svc}
}

// List 获取退货列表
// GET /api/v1/mes/returns
func (h *ReturnHandler) List(c *gin.Context) {
	page, pageSize := GetPagination(c)
	filters := queryFilters(c, "status", "outcome", "delivery_note_id", "client_id")

	res, err := h.svc.List(c.Request.Context(), GetTenantID(c), page, pageSize, filters)
	if err != nil {
		Fail(c, err)
		return
	}
	SuccessList(c, res, page, pageSize)
}

// Get 获取退货记录
// GET /api/v1/mes/returns/:id
func (h *ReturnHandler) Get(c *gin.Context) {
	ret, err := h.svc.Get(c.Request.Context(), GetTenantID(c), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, ret)
}

// Create 登记退货
// POST /api/v1/mes/returns
func (h *ReturnHandler) Create(c *gin.Context) {
	var req service.CreateReturnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	ret, err := h.svc.CreateReturn(c.Request.Context(), GetTenantID(c), GetUserID(c), &req)
	if err != nil {
		Fail(c, err)
		return
	}
	Created(c, ret)
}

// Inspect 退货检验
// POST /api/v1/mes/returns/:id/inspect
func (h *ReturnHandler) Inspect(c *gin.Context) {
	var req service.InspectReturnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	res, err := h.svc.Inspect(c.Request.Context(), GetTenantID(c), c.Param("id"), GetUserID(c), &req)
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, res)
}

// Close 关闭退货
// POST /api/v1/mes/returns/:id/close
func (h *ReturnHandler) Close(c *gin.Context) {
	var req service.CloseReturnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	ret, err := h.svc.CloseReturn(c.Request.Context(), GetTenantID(c), c.Param("id"), GetUserID(c), &req)
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, ret)
}
