package handler

import (
	"net/url"

	"github.com/bitfantasy/nimo-mes/internal/mes/service"
	"github.com/gin-gonic/gin"
	"github.com/xuri/excelize/v2"
)

// StockHandler 库存处理器
type StockHandler struct {
	svc *service.LedgerService
}

// NewStockHandler 创建库存处理器
func NewStockHandler(svc *service.LedgerService) *StockHandler {
	return &StockHandler{svc: svc}
}

// ListItems 获取物料列表
// GET /api/v1/mes/stock/items
func (h *StockHandler) ListItems(c *gin.Context) {
	page, pageSize := GetPagination(c)
	filters := queryFilters(c, "code", "keyword")

	res, err := h.svc.ListItems(c.Request.Context(), GetTenantID(c), page, pageSize, filters)
	if err != nil {
		Fail(c, err)
		return
	}
	SuccessList(c, res, page, pageSize)
}

// GetItem 获取物料
// GET /api/v1/mes/stock/items/:id
func (h *StockHandler) GetItem(c *gin.Context) {
	item, err := h.svc.GetItem(c.Request.Context(), GetTenantID(c), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, item)
}

// CreateItem 创建物料
// POST /api/v1/mes/stock/items
func (h *StockHandler) CreateItem(c *gin.Context) {
	var req service.CreateItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	item, err := h.svc.CreateItem(c.Request.Context(), GetTenantID(c), GetUserID(c), &req)
	if err != nil {
		Fail(c, err)
		return
	}
	Created(c, item)
}

// Receive 入库
// POST /api/v1/mes/stock/items/:id/receive
func (h *StockHandler) Receive(c *gin.Context) {
	var req service.ReceiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	tx, err := h.svc.Receive(c.Request.Context(), GetTenantID(c), c.Param("id"), GetUserID(c), &req)
	if err != nil {
		Fail(c, err)
		return
	}
	Created(c, tx)
}

// Issue 出库
// POST /api/v1/mes/stock/items/:id/issue
func (h *StockHandler) Issue(c *gin.Context) {
	var req service.IssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	tx, err := h.svc.Issue(c.Request.Context(), GetTenantID(c), c.Param("id"), GetUserID(c), &req)
	if err != nil {
		Fail(c, err)
		return
	}
	Created(c, tx)
}

// Adjust 盘点调整
// POST /api/v1/mes/stock/items/:id/adjust
func (h *StockHandler) Adjust(c *gin.Context) {
	var req service.AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	tx, err := h.svc.Adjust(c.Request.Context(), GetTenantID(c), c.Param("id"), GetUserID(c), &req)
	if err != nil {
		Fail(c, err)
		return
	}
	Created(c, tx)
}

// Reserve 预留
// POST /api/v1/mes/stock/items/:id/reserve
func (h *StockHandler) Reserve(c *gin.Context) {
	var req service.ReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	item, err := h.svc.Reserve(c.Request.Context(), GetTenantID(c), c.Param("id"), GetUserID(c), &req)
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, item)
}

// Unreserve 释放预留
// POST /api/v1/mes/stock/items/:id/unreserve
func (h *StockHandler) Unreserve(c *gin.Context) {
	var req service.ReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	item, err := h.svc.Unreserve(c.Request.Context(), GetTenantID(c), c.Param("id"), GetUserID(c), &req)
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, item)
}

// Transfer 调拨
// POST /api/v1/mes/stock/transfers
func (h *StockHandler) Transfer(c *gin.Context) {
	var req service.TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	txs, err := h.svc.Transfer(c.Request.Context(), GetTenantID(c), GetUserID(c), &req)
	if err != nil {
		Fail(c, err)
		return
	}
	Created(c, txs)
}

// Verify 校验台账
// GET /api/v1/mes/stock/items/:id/verify
func (h *StockHandler) Verify(c *gin.Context) {
	res, err := h.svc.VerifyLedger(c.Request.Context(), GetTenantID(c), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, res)
}

// ListTransactions 物料流水
// GET /api/v1/mes/stock/items/:id/transactions
func (h *StockHandler) ListTransactions(c *gin.Context) {
	page, pageSize := GetPagination(c)

	res, err := h.svc.ListTransactions(c.Request.Context(), GetTenantID(c), c.Param("id"), page, pageSize)
	if err != nil {
		Fail(c, err)
		return
	}
	SuccessList(c, res, page, pageSize)
}

// Export 导出物料台账
// GET /api/v1/mes/stock/items/:id/transactions/export
func (h *StockHandler) Export(c *gin.Context) {
	f, filename, err := h.svc.ExportLedger(c.Request.Context(), GetTenantID(c), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	defer f.Close()

	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", "attachment; filename=\""+url.PathEscape(filename)+"\"")
	c.Header("Content-Transfer-Encoding", "binary")

	if err := f.Write(c.Writer); err != nil {
		InternalError(c, "write excel: "+err.Error())
	}
}

// Import 从Excel批量入库
// POST /api/v1/mes/stock/import
func (h *StockHandler) Import(c *gin.Context) {
	file, _, err := c.Request.FormFile("file")
	if err != nil {
		BadRequest(c, "请上传文件: "+err.Error())
		return
	}
	defer file.Close()

	f, err := excelize.OpenReader(file)
	if err != nil {
		BadRequest(c, "无法解析Excel文件: "+err.Error())
		return
	}
	defer f.Close()

	res, err := h.svc.ImportReceipts(c.Request.Context(), GetTenantID(c), GetUserID(c), f)
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, res)
}
