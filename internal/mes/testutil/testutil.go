package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/bitfantasy/nimo-mes/internal/config"
	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/bitfantasy/nimo-mes/internal/mes/events"
	"github.com/bitfantasy/nimo-mes/internal/mes/repository"
	"github.com/bitfantasy/nimo-mes/internal/mes/service"
	"github.com/bitfantasy/nimo-mes/internal/middleware"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	TestSchema = "test_mes"
	JWTSecret  = "nimo-mes-jwt-secret-key-test"

	TenantA = "tenant-a"
	TenantB = "tenant-b"
)

// TestEnv holds test environment resources
type TestEnv struct {
	DB       *gorm.DB
	Repos    *repository.Repositories
	Services *service.Services
	Events   *events.Recorder
	Router   *gin.Engine
	T        *testing.T
}

// projectRoot returns the project root directory by looking for go.mod
func projectRoot() string {
	_, filename, _, _ := runtime.Caller(0)
	dir := filepath.Dir(filename)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// loadEnv loads .env from the project root
func loadEnv() {
	root := projectRoot()
	if root != "" {
		godotenv.Load(filepath.Join(root, ".env"))
	}
}

// SetupTestDB opens a migrated database for one test. SQLite in a temp
// directory is the default; MES_TEST_DB=postgres runs against a throwaway
// schema on the configured server instead.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	loadEnv()

	if getEnv("MES_TEST_DB", "sqlite") == "postgres" {
		return setupPostgres(t)
	}

	path := filepath.Join(t.TempDir(), "mes.db")
	db, err := gorm.Open(sqlite.Open(path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("Failed to get sql.DB: %v", err)
	}
	// SQLite allows one writer; a single connection keeps transactions serial.
	sqlDB.SetMaxOpenConns(1)

	if err := repository.Migrate(db); err != nil {
		t.Fatalf("Failed to migrate test tables: %v", err)
	}
	t.Cleanup(func() {
		sqlDB.Close()
	})
	return db
}

func setupPostgres(t *testing.T) *gorm.DB {
	t.Helper()

	host := getEnv("DB_HOST", "127.0.0.1")
	port := getEnv("DB_PORT", "5432")
	user := getEnv("DB_USER", "nimo")
	password := getEnv("DB_PASSWORD", "nimo123")
	dbname := getEnv("DB_NAME", "nimo_mes")

	baseDSN := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	schemaName := fmt.Sprintf("%s_%d", TestSchema, time.Now().UnixNano()%1000000)

	setupDB, err := gorm.Open(postgres.Open(baseDSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to connect to database for schema setup: %v", err)
	}
	setupDB.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schemaName))
	sqlSetup, _ := setupDB.DB()
	sqlSetup.Close()

	testDSN := fmt.Sprintf("%s search_path=%s", baseDSN, schemaName)
	db, err := gorm.Open(postgres.Open(testDSN), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	if err := repository.Migrate(db); err != nil {
		t.Fatalf("Failed to migrate test tables: %v", err)
	}

	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
		cleanDB, cleanErr := gorm.Open(postgres.Open(baseDSN), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if cleanErr == nil {
			cleanDB.Exec(fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schemaName))
			sqlClean, _ := cleanDB.DB()
			if sqlClean != nil {
				sqlClean.Close()
			}
		}
	})

	return db
}

// WorkflowConfig returns the default workflow with the given overrides applied.
func WorkflowConfig(mutate ...func(*config.WorkflowConfig)) config.WorkflowConfig {
	wf := config.Default().Workflow
	for _, m := range mutate {
		m(&wf)
	}
	return wf
}

// NewEnv builds a database, the engine services and a recorder capturing
// every published event.
func NewEnv(t *testing.T, mutate ...func(*config.WorkflowConfig)) *TestEnv {
	t.Helper()
	db := SetupTestDB(t)
	repos := repository.NewRepositories(db)
	rec := &events.Recorder{}
	svc := service.NewServices(repos, service.Options{
		Publisher: rec,
		Metrics:   service.NewMetrics(prometheus.NewRegistry()),
		Logger:    zap.NewNop(),
		Workflow:  WorkflowConfig(mutate...),
		Clock:     NewTickClock().Now,
	})
	return &TestEnv{
		DB:       db,
		Repos:    repos,
		Services: svc,
		Events:   rec,
		Router:   SetupRouter(),
		T:        t,
	}
}

// TickClock advances one second per reading, so every timestamp the engine
// writes in a test is distinct and ordered.
type TickClock struct {
	mu sync.Mutex
	t  time.Time
}

func NewTickClock() *TickClock {
	return &TickClock{t: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *TickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

// SetupRouter creates a gin test router
func SetupRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(gin.Recovery())
	return r
}

// AuthGroup creates an API group with JWT auth middleware for testing
func AuthGroup(r *gin.Engine, path string) *gin.RouterGroup {
	return r.Group(path, middleware.JWTAuth(JWTSecret))
}

// GenerateTestToken creates a valid JWT token for testing
func GenerateTestToken(userID, tenantID string, roles, permissions []string) string {
	if roles == nil {
		roles = []string{}
	}
	if permissions == nil {
		permissions = []string{}
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":       userID,
		"uid":       userID,
		"tenant_id": tenantID,
		"name":      "Test " + userID,
		"email":     userID + "@test.com",
		"roles":     roles,
		"perms":     permissions,
		"iss":       "nimo-mes",
		"iat":       now.Unix(),
		"exp":       now.Add(24 * time.Hour).Unix(),
		"jti":       fmt.Sprintf("test-jti-%d", now.UnixNano()),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, _ := token.SignedString([]byte(JWTSecret))
	return tokenString
}

// DefaultTestToken returns an admin token of TenantA
func DefaultTestToken() string {
	return GenerateTestToken("test-user-001", TenantA, []string{middleware.AdminRole}, []string{"*"})
}

// DoRequest executes an HTTP request against the test router
func DoRequest(r *gin.Engine, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	var reqBody *bytes.Buffer
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(jsonBytes)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, _ := http.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ParseResponse parses the JSON response body into a handler.Response-like map
func ParseResponse(w *httptest.ResponseRecorder) map[string]interface{} {
	var result map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &result)
	return result
}

// Fixture is the directory data a job needs: one project, one sub group,
// one delivery note and one stock item.
type Fixture struct {
	Project      *entity.Project
	SubGroup     *entity.SubGroup
	DeliveryNote *entity.DeliveryNote
	Item         *entity.StockItem
}

// SeedFixture creates a project, sub group and delivery note for the
// tenant, plus a stock item with the given opening balance.
func SeedFixture(t *testing.T, env *TestEnv, tenantID string, opening int64) *Fixture {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	f := &Fixture{
		Project: &entity.Project{
			ID: uuid.New().String(), TenantID: tenantID, Code: "PRJ-001", Name: "Tower A", CreatedAt: now,
		},
	}
	if err := env.Repos.Directory.CreateProject(ctx, f.Project); err != nil {
		t.Fatalf("Failed to seed project: %v", err)
	}
	f.SubGroup = &entity.SubGroup{
		ID: uuid.New().String(), TenantID: tenantID, ProjectID: f.Project.ID, Name: "Level 3 windows", CreatedAt: now,
	}
	if err := env.Repos.Directory.CreateSubGroup(ctx, f.SubGroup); err != nil {
		t.Fatalf("Failed to seed sub group: %v", err)
	}

	item, err := env.Services.Ledger.CreateItem(ctx, tenantID, "test-user-001", &service.CreateItemRequest{
		Code:       "ALU-" + uuid.New().String()[:8],
		Name:       "Aluminium profile",
		Unit:       "pcs",
		OpeningQty: decimal.NewFromInt(opening),
	})
	if err != nil {
		t.Fatalf("Failed to seed stock item: %v", err)
	}
	f.Item = item

	f.DeliveryNote = &entity.DeliveryNote{
		ID: uuid.New().String(), TenantID: tenantID, Number: "DN-001", ClientID: "client-001",
		ItemID: &item.ID, Qty: decimal.NewFromInt(10), DeliveredAt: &now, CreatedAt: now,
	}
	if err := env.Repos.Directory.CreateDeliveryNote(ctx, f.DeliveryNote); err != nil {
		t.Fatalf("Failed to seed delivery note: %v", err)
	}
	return f
}

// SeedCatalog replaces the tenant's stage catalog.
func SeedCatalog(t *testing.T, env *TestEnv, tenantID string, inspected []string, stages ...string) {
	t.Helper()
	isInspected := make(map[string]bool, len(inspected))
	for _, s := range inspected {
		isInspected[s] = true
	}
	req := &service.ReplaceCatalogRequest{}
	for _, s := range stages {
		req.Stages = append(req.Stages, service.StageInput{Name: s, Inspected: isInspected[s]})
	}
	if _, err := env.Services.Catalog.ReplaceCatalog(context.Background(), tenantID, "test-user-001", req); err != nil {
		t.Fatalf("Failed to seed catalog: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
