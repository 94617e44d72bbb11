package handler

import (
	"strings"

	"github.com/bitfantasy/nimo-mes/internal/mes/service"
	"github.com/bitfantasy/nimo-mes/internal/mes/storage"
	"github.com/gin-gonic/gin"
)

// InspectionHandler 检验处理器
type InspectionHandler struct {
	gate   *service.QualityGate
	photos storage.PhotoStore
}

// NewInspectionHandler 创建检验处理器
func NewInspectionHandler(gate *service.QualityGate, photos storage.PhotoStore) *InspectionHandler {
	return &InspectionHandler{gate: gate, photos: photos}
}

// List 获取检验记录列表
// GET /api/v1/mes/inspections
func (h *InspectionHandler) List(c *gin.Context) {
	page, pageSize := GetPagination(c)
	filters := queryFilters(c, "production_job_id", "delivery_note_id", "stage", "qc_status", "inspector_id")

	res, err := h.gate.ListInspections(c.Request.Context(), GetTenantID(c), page, pageSize, filters)
	if err != nil {
		Fail(c, err)
		return
	}
	SuccessList(c, res, page, pageSize)
}

// Get 获取检验记录
// GET /api/v1/mes/inspections/:id
func (h *InspectionHandler) Get(c *gin.Context) {
	rec, err := h.gate.GetInspection(c.Request.Context(), GetTenantID(c), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, rec)
}

// Record 记录检验. The Idempotency-Key header is used when the body carries
// no idempotency_key; a replay answers 200 instead of 201.
// POST /api/v1/mes/inspections
func (h *InspectionHandler) Record(c *gin.Context) {
	var req service.RecordInspectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	}

	res, err := h.gate.RecordInspection(c.Request.Context(), GetTenantID(c), GetUserID(c), &req)
	if err != nil {
		Fail(c, err)
		return
	}
	if res.Replayed {
		Success(c, res)
		return
	}
	Created(c, res)
}

// UploadedPhoto 上传照片信息
type UploadedPhoto struct {
	Ref         string `json:"photo_ref"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

// UploadPhoto 上传缺陷照片. The returned photo_ref goes into a defect of a
// later inspection.
// POST /api/v1/mes/inspections/photos
func (h *InspectionHandler) UploadPhoto(c *gin.Context) {
	if h.photos == nil {
		Error(c, 50300, "photo storage is not configured")
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		BadRequest(c, "无法解析上传文件: "+err.Error())
		return
	}

	files := form.File["files"]
	if len(files) == 0 {
		files = form.File["file"]
	}
	if len(files) == 0 {
		BadRequest(c, "没有上传文件")
		return
	}

	tenantID := GetTenantID(c)
	uploaded := make([]UploadedPhoto, 0, len(files))
	for _, fileHeader := range files {
		src, err := fileHeader.Open()
		if err != nil {
			InternalError(c, "读取上传文件失败: "+err.Error())
			return
		}
		contentType := fileHeader.Header.Get("Content-Type")
		ref, err := h.photos.Put(c.Request.Context(), tenantID, fileHeader.Filename, src, fileHeader.Size, contentType)
		src.Close()
		if err != nil {
			InternalError(c, "保存文件失败: "+err.Error())
			return
		}
		uploaded = append(uploaded, UploadedPhoto{
			Ref:         ref,
			Filename:    fileHeader.Filename,
			Size:        fileHeader.Size,
			ContentType: contentType,
		})
	}

	Created(c, uploaded)
}
