package handler

import (
	"github.com/bitfantasy/nimo-mes/internal/mes/service"
	"github.com/gin-gonic/gin"
)

// JobHandler 工单处理器
type JobHandler struct {
	svc  *service.JobService
	gate *service.QualityGate
}

// NewJobHandler 创建工单处理器
func NewJobHandler(svc *service.JobService, gate *service.QualityGate) *JobHandler {
	return &JobHandler{svc: svc, gate: gate}
}

// List 获取工单列表
// GET /api/v1/mes/jobs
func (h *JobHandler) List(c *gin.Context) {
	page, pageSize := GetPagination(c)
	filters := queryFilters(c, "status", "stage", "project_id", "sub_group_id", "assigned_to")

	res, err := h.svc.ListJobs(c.Request.Context(), GetTenantID(c), page, pageSize, filters)
	if err != nil {
		Fail(c, err)
		return
	}
	SuccessList(c, res, page, pageSize)
}

// Get 获取工单详情
// GET /api/v1/mes/jobs/:id
func (h *JobHandler) Get(c *gin.Context) {
	job, err := h.svc.GetJob(c.Request.Context(), GetTenantID(c), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, job)
}

// Create 创建工单
// POST /api/v1/mes/jobs
func (h *JobHandler) Create(c *gin.Context) {
	var req service.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	job, err := h.svc.CreateJob(c.Request.Context(), GetTenantID(c), GetUserID(c), &req)
	if err != nil {
		Fail(c, err)
		return
	}
	Created(c, job)
}

// Start 开工
// POST /api/v1/mes/jobs/:id/start
func (h *JobHandler) Start(c *gin.Context) {
	var req service.VersionedRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			BadRequest(c, "Invalid request body: "+err.Error())
			return
		}
	}

	log, job, err := h.svc.StartStage(c.Request.Context(), GetTenantID(c), c.Param("id"), GetUserID(c), &req)
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, gin.H{"job": job, "log": log})
}

// LogHours 报工
// POST /api/v1/mes/jobs/:id/hours
func (h *JobHandler) LogHours(c *gin.Context) {
	var req service.LogHoursRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	entry, job, err := h.svc.LogHours(c.Request.Context(), GetTenantID(c), c.Param("id"), GetUserID(c), &req)
	if err != nil {
		Fail(c, err)
		return
	}
	Created(c, gin.H{"job": job, "entry": entry})
}

// Complete 完工
// POST /api/v1/mes/jobs/:id/complete
func (h *JobHandler) Complete(c *gin.Context) {
	var req service.CompleteStageRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			BadRequest(c, "Invalid request body: "+err.Error())
			return
		}
	}

	res, err := h.svc.CompleteStage(c.Request.Context(), GetTenantID(c), c.Param("id"), GetUserID(c), &req)
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, res)
}

// Evaluate 重新判定工序完工
// POST /api/v1/mes/jobs/:id/evaluate?stage=QC
func (h *JobHandler) Evaluate(c *gin.Context) {
	res, err := h.gate.EvaluateStageCompletion(c.Request.Context(), GetTenantID(c), c.Param("id"), c.Query("stage"), GetUserID(c))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, res)
}

// Assign 指派工单
// POST /api/v1/mes/jobs/:id/assign
func (h *JobHandler) Assign(c *gin.Context) {
	var req struct {
		AssignedTo string `json:"assigned_to" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	job, err := h.svc.AssignJob(c.Request.Context(), GetTenantID(c), c.Param("id"), GetUserID(c), req.AssignedTo)
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, job)
}

// Cancel 取消工单
// POST /api/v1/mes/jobs/:id/cancel
func (h *JobHandler) Cancel(c *gin.Context) {
	var req service.CancelJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	job, err := h.svc.CancelJob(c.Request.Context(), GetTenantID(c), c.Param("id"), GetUserID(c), &req)
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, job)
}

// Resume 返工后恢复生产
// POST /api/v1/mes/jobs/:id/resume
func (h *JobHandler) Resume(c *gin.Context) {
	job, err := h.svc.ResumeJob(c.Request.Context(), GetTenantID(c), c.Param("id"), GetUserID(c))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, job)
}

// Correct 修正工单累计
// POST /api/v1/mes/jobs/:id/correct
func (h *JobHandler) Correct(c *gin.Context) {
	var req service.CorrectTotalsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	job, err := h.svc.CorrectTotals(c.Request.Context(), GetTenantID(c), c.Param("id"), GetUserID(c), &req)
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, job)
}

// materialRequest is the body of the material issue endpoints.
type materialRequest struct {
	Lines []service.MaterialLine `json:"lines" binding:"required,dive"`
}

// IssueMaterial 工单领料
// POST /api/v1/mes/jobs/:id/materials
func (h *JobHandler) IssueMaterial(c *gin.Context) {
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

// ListMaterials 工单领料记录
// GET /api/v1/mes/jobs/:id/materials
func (h *JobHandler) ListMaterials(c *gin.Context) {
	txs, err := h.svc.ListMaterials(c.Request.Context(), GetTenantID(c), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, txs)
}

// ListLogs 工序记录
// GET /api/v1/mes/jobs/:id/logs
func (h *JobHandler) ListLogs(c *gin.Context) {
	logs, err := h.svc.ListStageLogs(c.Request.Context(), GetTenantID(c), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, logs)
}

// ListActions 工单操作记录
// GET /api/v1/mes/jobs/:id/actions
func (h *JobHandler) ListActions(c *gin.Context) {
	actions, err := h.svc.ListActions(c.Request.Context(), GetTenantID(c), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, actions)
}
