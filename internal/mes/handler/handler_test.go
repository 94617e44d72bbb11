package handler

import (
	"bytes"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bitfantasy/nimo-mes/internal/mes/service"
	"github.com/bitfantasy/nimo-mes/internal/mes/sse"
	"github.com/bitfantasy/nimo-mes/internal/mes/storage"
	"github.com/bitfantasy/nimo-mes/internal/mes/testutil"
	"github.com/bitfantasy/nimo-mes/internal/middleware"
	"github.com/gin-gonic/gin"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

type apiEnv struct {
	*testutil.TestEnv
	router *gin.Engine
	fx     *testutil.Fixture
	admin  string
}

func setupAPI(t *testing.T, limiter *middleware.RateLimiter) *apiEnv {
	t.Helper()
	env := testutil.NewEnv(t)
	testutil.SeedCatalog(t, env, testutil.TenantA, []string{"QC"}, "CUT", "ASSEMBLY", "QC")
	fx := testutil.SeedFixture(t, env, testutil.TenantA, 100)

	h := NewHandlers(env.Services, sse.NewHub(zap.NewNop()), storage.NewLocalStore(t.TempDir()), zap.NewNop())
	RegisterRoutes(env.Router, h, RouteOptions{JWTSecret: testutil.JWTSecret, Limiter: limiter})

	return &apiEnv{TestEnv: env, router: env.Router, fx: fx, admin: testutil.DefaultTestToken()}
}

func (e *apiEnv) do(t *testing.T, method, path string, body interface{}, token string, wantStatus int) map[string]interface{} {
	t.Helper()
	w := testutil.DoRequest(e.router, method, path, body, token)
	if w.Code != wantStatus {
		t.Fatalf("%s %s: expected status %d, got %d: %s", method, path, wantStatus, w.Code, w.Body.String())
	}
	return testutil.ParseResponse(w)
}

func (e *apiEnv) createJob(t *testing.T) string {
	t.Helper()
	resp := e.do(t, "POST", "/api/v1/mes/jobs", map[string]interface{}{
		"project_id":     e.fx.Project.ID,
		"sub_group_id":   e.fx.SubGroup.ID,
		"planned_qty":    10,
		"output_item_id": e.fx.Item.ID,
	}, e.admin, http.StatusCreated)
	return resp["data"].(map[string]interface{})["id"].(string)
}

func data(resp map[string]interface{}) map[string]interface{} {
	return resp["data"].(map[string]interface{})
}

func expectCode(t *testing.T, resp map[string]interface{}, code int) {
	t.Helper()
	if got, _ := resp["code"].(float64); int(got) != code {
		t.Fatalf("Expected code %d, got %v (%v)", code, resp["code"], resp["message"])
	}
}

func TestJobHandler_Flow(t *testing.T) {
	e := setupAPI(t, nil)
	id := e.createJob(t)
	base := "/api/v1/mes/jobs/" + id

	started := data(e.do(t, "POST", base+"/start", nil, e.admin, http.StatusOK))
	if job := started["job"].(map[string]interface{}); job["status"] != "IN_PROGRESS" || job["stage"] != "CUT" {
		t.Fatalf("Unexpected job after start: %v", job)
	}

	resp := e.do(t, "POST", base+"/start", nil, e.admin, http.StatusUnprocessableEntity)
	expectCode(t, resp, 42200)

	e.do(t, "POST", base+"/hours", map[string]interface{}{"hours": 1.5, "output_qty": 4}, e.admin, http.StatusCreated)

	completed := data(e.do(t, "POST", base+"/complete", map[string]interface{}{"notes": "cut done"}, e.admin, http.StatusOK))
	if job := completed["job"].(map[string]interface{}); job["stage"] != "ASSEMBLY" {
		t.Errorf("Expected ASSEMBLY after CUT, got %v", job["stage"])
	}

	list := data(e.do(t, "GET", "/api/v1/mes/jobs?stage=ASSEMBLY", nil, e.admin, http.StatusOK))
	if total := list["pagination"].(map[string]interface{})["total"].(float64); total != 1 {
		t.Errorf("Expected 1 job at ASSEMBLY, got %v", total)
	}

	logs := e.do(t, "GET", base+"/logs", nil, e.admin, http.StatusOK)["data"].([]interface{})
	if len(logs) != 1 {
		t.Errorf("Expected one stage log, got %d", len(logs))
	}
	actions := e.do(t, "GET", base+"/actions", nil, e.admin, http.StatusOK)["data"].([]interface{})
	if len(actions) < 3 {
		t.Errorf("Expected create/start/complete actions, got %d", len(actions))
	}

	resp = e.do(t, "POST", base+"/resume", nil, e.admin, http.StatusUnprocessableEntity)
	expectCode(t, resp, 42200)

	resp = e.do(t, "POST", base+"/cancel", map[string]interface{}{}, e.admin, http.StatusBadRequest)
	expectCode(t, resp, 40000)
	cancelled := data(e.do(t, "POST", base+"/cancel", map[string]interface{}{"reason": "order withdrawn"}, e.admin, http.StatusOK))
	if cancelled["status"] != "CANCELLED" {
		t.Errorf("Expected CANCELLED, got %v", cancelled["status"])
	}
}

func TestJobHandler_TenantAndRoles(t *testing.T) {
	e := setupAPI(t, nil)
	id := e.createJob(t)

	other := testutil.GenerateTestToken("user-b", testutil.TenantB, []string{middleware.AdminRole}, nil)
	resp := e.do(t, "GET", "/api/v1/mes/jobs/"+id, nil, other, http.StatusNotFound)
	expectCode(t, resp, 40400)

	viewer := testutil.GenerateTestToken("viewer-1", testutil.TenantA, []string{"viewer"}, nil)
	e.do(t, "GET", "/api/v1/mes/jobs/"+id, nil, viewer, http.StatusOK)
	resp = e.do(t, "POST", "/api/v1/mes/jobs/"+id+"/start", nil, viewer, http.StatusForbidden)
	expectCode(t, resp, 40312)

	operator := testutil.GenerateTestToken("op-1", testutil.TenantA, []string{RoleOperator}, nil)
	e.do(t, "POST", "/api/v1/mes/jobs/"+id+"/start", nil, operator, http.StatusOK)
	resp = e.do(t, "POST", "/api/v1/mes/inspections", map[string]interface{}{"production_job_id": id, "qc_status": "PASS"}, operator, http.StatusForbidden)
	expectCode(t, resp, 40312)

	e.do(t, "GET", "/api/v1/mes/jobs", nil, "", http.StatusUnauthorized)
}

func TestInspectionHandler_IdempotencyKeyHeader(t *testing.T) {
	e := setupAPI(t, nil)
	id := e.createJob(t)
	e.do(t, "POST", "/api/v1/mes/jobs/"+id+"/start", nil, e.admin, http.StatusOK)

	body := map[string]interface{}{
		"production_job_id": id,
		"qc_status":         "FAIL",
		"defects":           []map[string]interface{}{{"desc": "scratched frame", "severity": "MEDIUM"}},
		"create_rework":     true,
	}
	send := func(wantStatus int) map[string]interface{} {
		t.Helper()
		jsonBody := `{"production_job_id":"` + id + `","qc_status":"FAIL","defects":[{"desc":"scratched frame","severity":"MEDIUM"}],"create_rework":true}`
		req := httptest.NewRequest("POST", "/api/v1/mes/inspections", strings.NewReader(jsonBody))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+e.admin)
		req.Header.Set("Idempotency-Key", "tablet-7:0001")
		w := httptest.NewRecorder()
		e.router.ServeHTTP(w, req)
		if w.Code != wantStatus {
			t.Fatalf("Expected status %d, got %d: %s", wantStatus, w.Code, w.Body.String())
		}
		return data(testutil.ParseResponse(w))
	}

	first := send(http.StatusCreated)
	if first["outcome"] != "FAIL" || first["rework"] == nil {
		t.Fatalf("Expected FAIL with a rework, got %v", first)
	}
	second := send(http.StatusOK)
	if second["replayed"] != true {
		t.Error("Expected the second call to be a replay")
	}
	firstID := first["record"].(map[string]interface{})["id"]
	if second["record"].(map[string]interface{})["id"] != firstID {
		t.Error("Expected the replay to return the same record")
	}

	list := data(e.do(t, "GET", "/api/v1/mes/inspections?production_job_id="+id, nil, e.admin, http.StatusOK))
	if total := list["pagination"].(map[string]interface{})["total"].(float64); total != 1 {
		t.Errorf("Expected one stored inspection, got %v", total)
	}

	// the same body without a key is a new FAIL, and the job is in REWORK now
	resp := e.do(t, "POST", "/api/v1/mes/inspections", body, e.admin, http.StatusConflict)
	expectCode(t, resp, 40901)

	reworks := data(e.do(t, "GET", "/api/v1/mes/reworks?production_job_id="+id, nil, e.admin, http.StatusOK))
	items := reworks["items"].([]interface{})
	if len(items) != 1 {
		t.Fatalf("Expected one rework, got %d", len(items))
	}
	rwID := items[0].(map[string]interface{})["id"].(string)
	moved := data(e.do(t, "PUT", "/api/v1/mes/reworks/"+rwID+"/status", map[string]interface{}{"status": "IN_PROGRESS"}, e.admin, http.StatusOK))
	if moved["status"] != "IN_PROGRESS" {
		t.Errorf("Expected IN_PROGRESS, got %v", moved["status"])
	}
	resp = e.do(t, "PUT", "/api/v1/mes/reworks/"+rwID+"/status", map[string]interface{}{"status": "OPEN"}, e.admin, http.StatusUnprocessableEntity)
	expectCode(t, resp, 42200)
}

func multipartBody(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	io.Copy(part, bytes.NewReader(content))
	writer.Close()
	return body, writer.FormDataContentType()
}

func (e *apiEnv) upload(t *testing.T, path string, body *bytes.Buffer, contentType string, wantStatus int) map[string]interface{} {
	t.Helper()
	req := httptest.NewRequest("POST", path, body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+e.admin)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != wantStatus {
		t.Fatalf("Expected status %d, got %d: %s", wantStatus, w.Code, w.Body.String())
	}
	return testutil.ParseResponse(w)
}

func TestInspectionHandler_UploadPhoto(t *testing.T) {
	e := setupAPI(t, nil)

	body, ct := multipartBody(t, "file", "crack.JPG", []byte("fake-jpeg"))
	resp := e.upload(t, "/api/v1/mes/inspections/photos", body, ct, http.StatusCreated)
	photos := resp["data"].([]interface{})
	if len(photos) != 1 {
		t.Fatalf("Expected one photo, got %d", len(photos))
	}
	ref := photos[0].(map[string]interface{})["photo_ref"].(string)
	if !strings.HasPrefix(ref, "file://qc-photos/"+testutil.TenantA+"/") || !strings.HasSuffix(ref, ".jpg") {
		t.Errorf("Unexpected photo ref %q", ref)
	}

	e.upload(t, "/api/v1/mes/inspections/photos", &bytes.Buffer{}, "multipart/form-data; boundary=x", http.StatusBadRequest)
}

func TestStockHandler_PostingsAndErrors(t *testing.T) {
	e := setupAPI(t, nil)
	item := "/api/v1/mes/stock/items/" + e.fx.Item.ID

	tx := data(e.do(t, "POST", item+"/receive", map[string]interface{}{"qty": "5", "remarks": "supplier delivery"}, e.admin, http.StatusCreated))
	if tx["balance_after"] != "105" {
		t.Errorf("Expected balance_after 105, got %v", tx["balance_after"])
	}

	jobID := e.createJob(t)
	resp := e.do(t, "POST", item+"/issue", map[string]interface{}{"qty": 500, "reference_type": "JOB", "reference_id": jobID}, e.admin, http.StatusUnprocessableEntity)
	expectCode(t, resp, 42201)
	resp = e.do(t, "POST", item+"/issue", map[string]interface{}{"qty": 1, "reference_type": "JOB", "reference_id": "no-such-job"}, e.admin, http.StatusBadRequest)
	expectCode(t, resp, 40000)
	resp = e.do(t, "POST", item+"/receive", map[string]interface{}{"qty": -1}, e.admin, http.StatusBadRequest)
	expectCode(t, resp, 40000)

	reserved := data(e.do(t, "POST", item+"/reserve", map[string]interface{}{"qty": 30}, e.admin, http.StatusOK))
	if reserved["reserved_qty"] != "30" {
		t.Errorf("Expected 30 reserved, got %v", reserved["reserved_qty"])
	}

	verify := data(e.do(t, "GET", item+"/verify", nil, e.admin, http.StatusOK))
	if verify["consistent"] != true {
		t.Errorf("Expected a consistent ledger, got %v", verify)
	}

	txs := data(e.do(t, "GET", item+"/transactions", nil, e.admin, http.StatusOK))
	if total := txs["pagination"].(map[string]interface{})["total"].(float64); total != 2 {
		t.Errorf("Expected opening + receipt, got %v", total)
	}

	storekeeper := testutil.GenerateTestToken("store-1", testutil.TenantA, []string{RoleStorekeeper}, nil)
	inspector := testutil.GenerateTestToken("qc-1", testutil.TenantA, []string{RoleInspector}, nil)
	e.do(t, "POST", item+"/adjust", map[string]interface{}{"qty": -2, "remarks": "stocktake"}, storekeeper, http.StatusCreated)
	e.do(t, "POST", item+"/adjust", map[string]interface{}{"qty": -2, "remarks": "stocktake"}, inspector, http.StatusForbidden)
}

func TestStockHandler_ExcelExportAndImport(t *testing.T) {
	e := setupAPI(t, nil)

	w := testutil.DoRequest(e.router, "GET", "/api/v1/mes/stock/items/"+e.fx.Item.ID+"/transactions/export", nil, e.admin)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "spreadsheetml") {
		t.Errorf("Unexpected content type %q", ct)
	}
	exported, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatalf("open export: %v", err)
	}
	rows, _ := exported.GetRows(exported.GetSheetName(0))
	if len(rows) != 3 {
		t.Errorf("Expected header, opening and summary rows, got %d", len(rows))
	}
	exported.Close()

	f := excelize.NewFile()
	f.SetSheetRow("Sheet1", "A1", &[]interface{}{"code", "qty", "remarks"})
	f.SetSheetRow("Sheet1", "A2", &[]interface{}{e.fx.Item.Code, 7, "pallet 3"})
	f.SetSheetRow("Sheet1", "A3", &[]interface{}{"NOPE", 1, ""})
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("write workbook: %v", err)
	}

	body, ct := multipartBody(t, "file", "receipts.xlsx", buf.Bytes())
	res := data(e.upload(t, "/api/v1/mes/stock/import", body, ct, http.StatusOK))
	if res["received"].(float64) != 1 || len(res["errors"].([]interface{})) != 1 {
		t.Errorf("Expected one receipt and one error, got %v", res)
	}

	got := data(e.do(t, "GET", "/api/v1/mes/stock/items/"+e.fx.Item.ID, nil, e.admin, http.StatusOK))
	if got["balance"] != "107" {
		t.Errorf("Expected balance 107, got %v", got["balance"])
	}
}

func TestStageHandler_Replace(t *testing.T) {
	e := setupAPI(t, nil)
	body := map[string]interface{}{"stages": []map[string]interface{}{
		{"name": "cut"}, {"name": "paint"}, {"name": "qc", "inspected": true},
	}}

	operator := testutil.GenerateTestToken("op-1", testutil.TenantA, []string{RoleOperator}, nil)
	e.do(t, "PUT", "/api/v1/mes/stages", body, operator, http.StatusForbidden)

	// the admin role alone is not enough without the catalog grant
	bareAdmin := testutil.GenerateTestToken("admin-2", testutil.TenantA, []string{middleware.AdminRole}, []string{"mes:job:*"})
	resp := e.do(t, "PUT", "/api/v1/mes/stages", body, bareAdmin, http.StatusForbidden)
	expectCode(t, resp, 40302)
	scoped := testutil.GenerateTestToken("admin-3", testutil.TenantA, []string{middleware.AdminRole}, []string{"mes:catalog:*"})
	e.do(t, "PUT", "/api/v1/mes/stages", body, scoped, http.StatusOK)
	resp = e.do(t, "POST", "/api/v1/mes/jobs/"+e.createJob(t)+"/correct", map[string]interface{}{}, scoped, http.StatusForbidden)
	expectCode(t, resp, 40302)

	catalog := data(e.do(t, "PUT", "/api/v1/mes/stages", body, e.admin, http.StatusOK))
	stages := catalog["stages"].([]interface{})
	if len(stages) != 3 || stages[1].(map[string]interface{})["name"] != "PAINT" {
		t.Errorf("Unexpected catalog %v", stages)
	}

	resp = e.do(t, "PUT", "/api/v1/mes/stages", map[string]interface{}{"stages": []map[string]interface{}{{"name": "CUT"}, {"name": "cut"}}}, e.admin, http.StatusBadRequest)
	expectCode(t, resp, 40000)
}

func TestReturnHandler_Flow(t *testing.T) {
	e := setupAPI(t, nil)

	created := data(e.do(t, "POST", "/api/v1/mes/returns", map[string]interface{}{
		"delivery_note_id": e.fx.DeliveryNote.ID,
		"qty":              3,
		"reason":           "seal leaking",
	}, e.admin, http.StatusCreated))
	id := created["id"].(string)

	res := data(e.do(t, "POST", "/api/v1/mes/returns/"+id+"/inspect", map[string]interface{}{"result": "ACCEPT_RETURN"}, e.admin, http.StatusOK))
	if res["transaction"] == nil {
		t.Error("Expected a restock transaction")
	}
	resp := e.do(t, "POST", "/api/v1/mes/returns/"+id+"/inspect", map[string]interface{}{"result": "SCRAP"}, e.admin, http.StatusConflict)
	expectCode(t, resp, 40900)

	closed := data(e.do(t, "POST", "/api/v1/mes/returns/"+id+"/close", map[string]interface{}{"status": "ACCEPTED"}, e.admin, http.StatusOK))
	if closed["status"] != "ACCEPTED" {
		t.Errorf("Expected ACCEPTED, got %v", closed["status"])
	}
}

func TestRateLimit(t *testing.T) {
	e := setupAPI(t, middleware.NewRateLimiter(0, 1))
	e.do(t, "GET", "/api/v1/mes/stages", nil, e.admin, http.StatusOK)
	resp := e.do(t, "GET", "/api/v1/mes/stages", nil, e.admin, http.StatusTooManyRequests)
	expectCode(t, resp, 42900)

	// buckets are per user
	other := testutil.GenerateTestToken("op-2", testutil.TenantA, nil, nil)
	e.do(t, "GET", "/api/v1/mes/stages", nil, other, http.StatusOK)
}

func TestFail_MapsKinds(t *testing.T) {
	cases := []struct {
		kind   service.ErrorKind
		status int
	}{
		{service.KindValidation, 400},
		{service.KindNotFound, 404},
		{service.KindConflict, 409},
		{service.KindDuplicateRework, 409},
		{service.KindInvalidTransition, 422},
		{service.KindPrecondGate, 422},
		{service.KindIntegrity, 500},
		{"", 500},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			var err error = &service.Error{Kind: tc.kind, Message: "boom"}
			Fail(c, err)
			if w.Code != tc.status {
				t.Errorf("Expected %d for %q, got %d", tc.status, tc.kind, w.Code)
			}
		})
	}
}
