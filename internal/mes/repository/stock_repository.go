package repository

import (
	"context"
	"time"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// StockRepository 库存与流水仓库
type StockRepository struct {
	db *gorm.DB
}

func NewStockRepository(db *gorm.DB) *StockRepository {
	return &StockRepository{db: db}
}

func (r *StockRepository) CreateItem(ctx context.Context, item *entity.StockItem) error {
	return r.db.WithContext(ctx).Create(item).Error
}

func (r *StockRepository) FindItem(ctx context.Context, tenantID, id string) (*entity.StockItem, error) {
	var item entity.StockItem
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		First(&item).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &item, nil
}

func (r *StockRepository) FindItemForUpdate(ctx context.Context, tenantID, id string) (*entity.StockItem, error) {
	var item entity.StockItem
	err := forUpdate(r.db.WithContext(ctx)).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		First(&item).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &item, nil
}

// LastTransaction returns the highest-sequence transaction of the item.
func (r *StockRepository) LastTransaction(ctx context.Context, itemID string) (*entity.StockTransaction, error) {
	var t entity.StockTransaction
	err := r.db.WithContext(ctx).
		Where("item_id = ?", itemID).
		Order("seq DESC").
		First(&t).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// Append writes t and moves the item's cached balance to t.BalanceAfter. The
// item row only moves if its sequence is still the one the caller read.
func (r *StockRepository) Append(ctx context.Context, item *entity.StockItem, t *entity.StockTransaction) error {
	db := r.db.WithContext(ctx)
	res := db.Model(&entity.StockItem{}).
		Where("id = ? AND last_seq = ?", item.ID, t.Seq-1).
		Updates(map[string]interface{}{
			"balance":    t.BalanceAfter,
			"last_seq":   t.Seq,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	if err := db.Create(t).Error; err != nil {
		return err
	}
	item.Balance = t.BalanceAfter
	item.LastSeq = t.Seq
	item.AvailableQty = item.Available()
	return nil
}

func (r *StockRepository) SetReserved(ctx context.Context, item *entity.StockItem, reserved decimal.Decimal) error {
	res := r.db.WithContext(ctx).Model(&entity.StockItem{}).
		Where("id = ? AND last_seq = ?", item.ID, item.LastSeq).
		Updates(map[string]interface{}{
			"reserved_qty": reserved,
			"updated_at":   time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	item.ReservedQty = reserved
	item.AvailableQty = item.Available()
	return nil
}

// ListTransactions returns one page of the item's ledger in sequence order.
func (r *StockRepository) ListTransactions(ctx context.Context, itemID string, page, pageSize int) ([]entity.StockTransaction, int64, error) {
	var items []entity.StockTransaction
	var total int64

	query := r.db.WithContext(ctx).Model(&entity.StockTransaction{}).Where("item_id = ?", itemID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset, limit := paginate(page, pageSize)
	err := query.Order("seq ASC").Offset(offset).Limit(limit).Find(&items).Error
	return items, total, err
}

// AllTransactions returns the item's whole ledger in sequence order.
func (r *StockRepository) AllTransactions(ctx context.Context, itemID string) ([]entity.StockTransaction, error) {
	var items []entity.StockTransaction
	err := r.db.WithContext(ctx).
		Where("item_id = ?", itemID).
		Order("seq ASC").
		Find(&items).Error
	return items, err
}

func (r *StockRepository) ListByReference(ctx context.Context, tenantID, refType, refID string) ([]entity.StockTransaction, error) {
	var items []entity.StockTransaction
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND reference_type = ? AND reference_id = ?", tenantID, refType, refID).
		Order("created_at ASC, seq ASC").
		Find(&items).Error
	return items, err
}

func (r *StockRepository) FindAllItems(ctx context.Context, tenantID string, page, pageSize int, filters map[string]string) ([]entity.StockItem, int64, error) {
	var items []entity.StockItem
	var total int64

	query := r.db.WithContext(ctx).Model(&entity.StockItem{}).Where("tenant_id = ?", tenantID)

	if code := filters["code"]; code != "" {
		query = query.Where("code = ?", code)
	}
	if keyword := filters["keyword"]; keyword != "" {
		like := "%" + keyword + "%"
		query = query.Where("code LIKE ? OR name LIKE ?", like, like)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset, limit := paginate(page, pageSize)
	err := query.
		Order("code ASC").
		Offset(offset).
		Limit(limit).
		Find(&items).Error

	return items, total, err
}
