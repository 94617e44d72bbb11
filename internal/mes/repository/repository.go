package repository

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// 错误定义
var (
	ErrNotFound        = errors.New("record not found")
	ErrVersionConflict = errors.New("record was modified concurrently")
)

// Repositories 仓库集合
type Repositories struct {
	db *gorm.DB

	Directory *DirectoryRepository
	Stage     *StageRepository
	Sequence  *SequenceRepository
	Job       *JobCardRepository
	StageLog  *StageLogRepository
	ActionLog *ActionLogRepository
	QC        *QCRecordRepository
	Rework    *ReworkRepository
	Return    *ReturnRepository
	Stock     *StockRepository
}

// NewRepositories 创建仓库集合
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		db:        db,
		Directory: NewDirectoryRepository(db),
		Stage:     NewStageRepository(db),
		Sequence:  NewSequenceRepository(db),
		Job:       NewJobCardRepository(db),
		StageLog:  NewStageLogRepository(db),
		ActionLog: NewActionLogRepository(db),
		QC:        NewQCRecordRepository(db),
		Rework:    NewReworkRepository(db),
		Return:    NewReturnRepository(db),
		Stock:     NewStockRepository(db),
	}
}

func (r *Repositories) DB() *gorm.DB {
	return r.db
}

// Transaction runs fn with a repository set bound to one database
// transaction. Every repository call inside fn must go through tx.
func (r *Repositories) Transaction(ctx context.Context, fn func(tx *Repositories) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewRepositories(tx))
	})
}

// IsUniqueViolation reports whether err came from a unique constraint.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "SQLSTATE 23505")
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// forUpdate adds a row lock where the dialect supports it. SQLite serializes
// writers at the database level, so the clause is skipped there.
func forUpdate(db *gorm.DB) *gorm.DB {
	if db.Dialector.Name() == "postgres" {
		return db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return db
}

func forShare(db *gorm.DB) *gorm.DB {
	if db.Dialector.Name() == "postgres" {
		return db.Clauses(clause.Locking{Strength: "SHARE"})
	}
	return db
}

func paginate(page, pageSize int) (offset, limit int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	return (page - 1) * pageSize, pageSize
}
