package handler

import (
	"strconv"

	"github.com/bitfantasy/nimo-mes/internal/mes/service"
	"github.com/bitfantasy/nimo-mes/internal/mes/sse"
	"github.com/bitfantasy/nimo-mes/internal/mes/storage"
	"github.com/bitfantasy/nimo-mes/internal/middleware"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handlers 处理器集合
type Handlers struct {
	Job        *JobHandler
	Inspection *InspectionHandler
	Rework     *ReworkHandler
	Return     *ReturnHandler
	Stock      *StockHandler
	Stage      *StageHandler
	SSE        *SSEHandler
}

// NewHandlers 创建处理器集合. photos may be nil, in which case photo upload
// answers 503.
func NewHandlers(svc *service.Services, hub *sse.Hub, photos storage.PhotoStore, logger *zap.Logger) *Handlers {
	return &Handlers{
		Job:        NewJobHandler(svc.Job, svc.Gate),
		Inspection: NewInspectionHandler(svc.Gate, photos),
		Rework:     NewReworkHandler(svc.Rework),
		Return:     NewReturnHandler(svc.Return),
		Stock:      NewStockHandler(svc.Ledger),
		Stage:      NewStageHandler(svc.Catalog),
		SSE:        NewSSEHandler(hub, logger),
	}
}

// Response 通用响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ListResponse 列表响应结构
type ListResponse struct {
	Items      interface{} `json:"items"`
	Pagination *Pagination `json:"pagination"`
}

// Pagination 分页信息
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(200, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

// Created 创建成功响应
func Created(c *gin.Context, data interface{}) {
	c.JSON(201, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

// SuccessList 分页列表响应
func SuccessList[T any](c *gin.Context, res *service.ListResult[T], page, pageSize int) {
	totalPages := int(res.Total) / pageSize
	if int(res.Total)%pageSize != 0 {
		totalPages++
	}
	items := res.Items
	if items == nil {
		items = []T{}
	}
	Success(c, ListResponse{
		Items: items,
		Pagination: &Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      int(res.Total),
			TotalPages: totalPages,
		},
	})
}

// Error 错误响应
func Error(c *gin.Context, code int, message string) {
	statusCode := code / 100
	if statusCode < 100 || statusCode > 599 {
		statusCode = 500
	}
	c.JSON(statusCode, Response{
		Code:    code,
		Message: message,
	})
}

// BadRequest 参数错误响应
func BadRequest(c *gin.Context, message string) {
	Error(c, 40000, message)
}

// NotFound 资源不存在响应
func NotFound(c *gin.Context, message string) {
	Error(c, 40400, message)
}

// InternalError 服务器错误响应
func InternalError(c *gin.Context, message string) {
	Error(c, 50000, message)
}

// kindCodes maps service error kinds onto envelope codes; the HTTP status is
// code / 100.
var kindCodes = map[service.ErrorKind]int{
	service.KindValidation:        40000,
	service.KindNotFound:          40400,
	service.KindConflict:          40900,
	service.KindDuplicateRework:   40901,
	service.KindInvalidTransition: 42200,
	service.KindPrecondGate:       42201,
	service.KindIntegrity:         50000,
}

// Fail writes err using its service kind. Unclassified errors are 500s and
// are logged by the request logger.
func Fail(c *gin.Context, err error) {
	code, ok := kindCodes[service.KindOf(err)]
	if !ok {
		code = 50000
	}
	_ = c.Error(err)
	Error(c, code, err.Error())
}

// GetUserID 从上下文获取用户ID
func GetUserID(c *gin.Context) string {
	userID, _ := c.Get("user_id")
	if id, ok := userID.(string); ok {
		return id
	}
	return ""
}

// GetTenantID 从上下文获取租户ID
func GetTenantID(c *gin.Context) string {
	return middleware.GetTenantID(c)
}

// GetPagination 从请求获取分页参数
func GetPagination(c *gin.Context) (page, pageSize int) {
	page = 1
	pageSize = 20

	if p := c.Query("page"); p != "" {
		if v, err := strconv.Atoi(p); err == nil && v > 0 {
			page = v
		}
	}

	if ps := c.Query("page_size"); ps != "" {
		if v, err := strconv.Atoi(ps); err == nil && v > 0 && v <= 100 {
			pageSize = v
		}
	}

	return page, pageSize
}

// queryFilters collects the non-empty query parameters named in keys.
func queryFilters(c *gin.Context, keys ...string) map[string]string {
	filters := make(map[string]string, len(keys))
	for _, k := range keys {
		if v := c.Query(k); v != "" {
			filters[k] = v
		}
	}
	return filters
}

// 角色
const (
	RoleOperator    = "mes_operator"
	RoleInspector   = "mes_inspector"
	RoleStorekeeper = "mes_storekeeper"
)

// 权限. Admin-only routes also need an explicit grant.
const (
	PermJobCorrect   = "mes:job:correct"
	PermCatalogWrite = "mes:catalog:write"
)

// RouteOptions configures RegisterRoutes.
type RouteOptions struct {
	JWTSecret string
	// Limiter is optional; nil disables per-user rate limiting.
	Limiter *middleware.RateLimiter
}

// RegisterRoutes mounts the MES API under /api/v1/mes.
func RegisterRoutes(r gin.IRouter, h *Handlers, opts RouteOptions) {
	api := r.Group("/api/v1/mes", middleware.JWTAuth(opts.JWTSecret))
	if opts.Limiter != nil {
		api.Use(middleware.RateLimit(opts.Limiter))
	}

	operator := middleware.RequireRole(RoleOperator)
	inspector := middleware.RequireRole(RoleInspector)
	storekeeper := middleware.RequireRole(RoleStorekeeper)
	admin := middleware.RequireRole(middleware.AdminRole)

	jobs := api.Group("/jobs")
	{
		jobs.GET("", h.Job.List)
		jobs.GET("/:id", h.Job.Get)
		jobs.GET("/:id/logs", h.Job.ListLogs)
		jobs.GET("/:id/actions", h.Job.ListActions)
		jobs.GET("/:id/materials", h.Job.ListMaterials)
		jobs.POST("", operator, h.Job.Create)
		jobs.POST("/:id/start", operator, h.Job.Start)
		jobs.POST("/:id/hours", operator, h.Job.LogHours)
		jobs.POST("/:id/complete", operator, h.Job.Complete)
		jobs.POST("/:id/evaluate", operator, h.Job.Evaluate)
		jobs.POST("/:id/assign", operator, h.Job.Assign)
		jobs.POST("/:id/cancel", operator, h.Job.Cancel)
		jobs.POST("/:id/resume", operator, h.Job.Resume)
		jobs.POST("/:id/materials", operator, h.Job.IssueMaterial)
		jobs.POST("/:id/correct", admin, middleware.RequirePermission(PermJobCorrect), h.Job.Correct)
	}

	inspections := api.Group("/inspections")
	{
		inspections.GET("", h.Inspection.List)
		inspections.GET("/:id", h.Inspection.Get)
		inspections.POST("", inspector, h.Inspection.Record)
		inspections.POST("/photos", inspector, h.Inspection.UploadPhoto)
	}

	reworks := api.Group("/reworks")
	{
		reworks.GET("", h.Rework.List)
		reworks.GET("/:id", h.Rework.Get)
		reworks.POST("", inspector, h.Rework.Spawn)
		reworks.PUT("/:id/status", operator, h.Rework.UpdateStatus)
		reworks.POST("/:id/assign", operator, h.Rework.Assign)
		reworks.POST("/:id/hours", operator, h.Rework.LogHours)
		reworks.POST("/:id/materials", operator, h.Rework.IssueMaterial)
	}

	returns := api.Group("/returns")
	{
		returns.GET("", h.Return.List)
		returns.GET("/:id", h.Return.Get)
		returns.POST("", inspector, h.Return.Create)
		returns.POST("/:id/inspect", inspector, h.Return.Inspect)
		returns.POST("/:id/close", inspector, h.Return.Close)
	}

	stock := api.Group("/stock")
	{
		stock.GET("/items", h.Stock.ListItems)
		stock.GET("/items/:id", h.Stock.GetItem)
		stock.GET("/items/:id/transactions", h.Stock.ListTransactions)
		stock.GET("/items/:id/transactions/export", h.Stock.Export)
		stock.GET("/items/:id/verify", h.Stock.Verify)
		stock.POST("/items", storekeeper, h.Stock.CreateItem)
		stock.POST("/items/:id/receive", storekeeper, h.Stock.Receive)
		stock.POST("/items/:id/issue", storekeeper, h.Stock.Issue)
		stock.POST("/items/:id/adjust", storekeeper, h.Stock.Adjust)
		stock.POST("/items/:id/reserve", storekeeper, h.Stock.Reserve)
		stock.POST("/items/:id/unreserve", storekeeper, h.Stock.Unreserve)
		stock.POST("/transfers", storekeeper, h.Stock.Transfer)
		stock.POST("/import", storekeeper, h.Stock.Import)
	}

	api.GET("/stages", h.Stage.Get)
	api.PUT("/stages", admin, middleware.RequirePermission(PermCatalogWrite), h.Stage.Replace)

	api.GET("/events", h.SSE.Stream)
}
