package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/bitfantasy/nimo-mes/internal/mes/events"
	"github.com/bitfantasy/nimo-mes/internal/mes/lock"
	"github.com/bitfantasy/nimo-mes/internal/mes/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

// LedgerService 库存台账服务
type LedgerService struct {
	*core
}

// movement is one ledger posting. Qty is signed: positive adds stock.
type movement struct {
	ItemID             string
	Type               entity.TxType
	Qty                decimal.Decimal
	RefType            string
	RefID              string
	Remarks            string
	ConsumeReservation bool
}

// MaterialLine 物料消耗行
type MaterialLine struct {
	ItemID             string          `json:"item_id" binding:"required"`
	Qty                decimal.Decimal `json:"qty"`
	ConsumeReservation bool            `json:"consume_reservation"`
	Remarks            string          `json:"remarks"`
}

func validateLines(lines []MaterialLine) error {
	for i, l := range lines {
		if l.ItemID == "" {
			return validationError("material line %d has no item", i+1)
		}
		if !l.Qty.IsPositive() {
			return validationError("material line %d qty must be positive", i+1)
		}
	}
	return nil
}

func lineKeys(tenantID string, lines []MaterialLine) []string {
	keys := make([]string, 0, len(lines))
	for _, l := range lines {
		keys = append(keys, lock.ItemKey(tenantID, l.ItemID))
	}
	return keys
}

// consume posts one OUT per line against the reference. Caller holds the item
// locks and the transaction.
func (s *LedgerService) consume(ctx context.Context, tx *repository.Repositories, box *outbox, tenantID, actor, refType, refID string, lines []MaterialLine) ([]entity.StockTransaction, error) {
	out := make([]entity.StockTransaction, 0, len(lines))
	for _, l := range lines {
		t, err := s.post(ctx, tx, box, tenantID, actor, movement{
			ItemID:             l.ItemID,
			Type:               entity.TxTypeOut,
			Qty:                l.Qty.Neg(),
			RefType:            refType,
			RefID:              refID,
			Remarks:            l.Remarks,
			ConsumeReservation: l.ConsumeReservation,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, nil
}

// post appends one transaction. It first checks that the cached balance still
// agrees with the last transaction; a mismatch aborts with an integrity error
// and nothing is written.
func (s *LedgerService) post(ctx context.Context, tx *repository.Repositories, box *outbox, tenantID, actor string, m movement) (*entity.StockTransaction, error) {
	item, err := tx.Stock.FindItemForUpdate(ctx, tenantID, m.ItemID)
	if err != nil {
		return nil, classify(err, "stock item "+m.ItemID)
	}
	if err := s.verifyHead(ctx, tx, item); err != nil {
		return nil, err
	}

	if m.Qty.IsZero() {
		return nil, validationError("quantity must not be zero")
	}
	need := m.Qty.Neg()
	switch m.Type {
	case entity.TxTypeIn:
		if m.Qty.IsNegative() {
			return nil, validationError("IN quantity must be positive")
		}
	case entity.TxTypeOut:
		if m.Qty.IsPositive() {
			return nil, validationError("OUT quantity must be negative")
		}
		if m.ConsumeReservation {
			if need.GreaterThan(item.ReservedQty) {
				return nil, precondGate("item %s: %s exceeds reserved quantity %s", item.Code, need, item.ReservedQty)
			}
		} else if need.GreaterThan(item.Available()) {
			return nil, precondGate("item %s: %s exceeds available quantity %s", item.Code, need, item.Available())
		}
	case entity.TxTypeAdjustment, entity.TxTypeTransfer:
		if m.Qty.IsNegative() && need.GreaterThan(item.Available()) {
			return nil, precondGate("item %s: %s exceeds available quantity %s", item.Code, need, item.Available())
		}
	default:
		return nil, validationError("unknown transaction type %q", m.Type)
	}

	balance := item.Balance.Add(m.Qty)
	if balance.IsNegative() {
		return nil, precondGate("item %s balance would become %s", item.Code, balance)
	}

	t := &entity.StockTransaction{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		ItemID:        item.ID,
		Seq:           item.LastSeq + 1,
		Type:          m.Type,
		Qty:           m.Qty,
		BalanceAfter:  balance,
		ReferenceType: m.RefType,
		ReferenceID:   m.RefID,
		Remarks:       m.Remarks,
		CreatedBy:     actor,
		CreatedAt:     s.now(),
	}
	if err := tx.Stock.Append(ctx, item, t); err != nil {
		return nil, classify(err, "stock item "+item.Code)
	}
	if m.Type == entity.TxTypeOut && m.ConsumeReservation {
		if err := tx.Stock.SetReserved(ctx, item, item.ReservedQty.Sub(need)); err != nil {
			return nil, classify(err, "stock item "+item.Code)
		}
	}

	txType := string(m.Type)
	box.onCommit(func() { s.metrics.stockMoved(txType) })
	box.emit(s.event(tenantID, events.StockMoved, item.ID, actor, map[string]interface{}{
		"item_code":      item.Code,
		"type":           m.Type,
		"qty":            m.Qty.String(),
		"balance_after":  balance.String(),
		"reference_type": m.RefType,
		"reference_id":   m.RefID,
	}))
	return t, nil
}

// verifyHead compares the item's cached balance with its last transaction.
func (s *LedgerService) verifyHead(ctx context.Context, tx *repository.Repositories, item *entity.StockItem) error {
	expected, lastSeq := decimal.Zero, int64(0)
	last, err := tx.Stock.LastTransaction(ctx, item.ID)
	switch {
	case err == nil:
		expected, lastSeq = last.BalanceAfter, last.Seq
	case !errors.Is(err, repository.ErrNotFound):
		return classify(err, "stock ledger")
	}
	if !item.Balance.Equal(expected) || item.LastSeq != lastSeq {
		return integrityError("item %s cached balance %s (seq %d) disagrees with ledger %s (seq %d)",
			item.Code, item.Balance, item.LastSeq, expected, lastSeq)
	}
	if item.ReservedQty.IsNegative() || item.ReservedQty.GreaterThan(item.Balance) {
		return integrityError("item %s reserved %s outside [0, %s]", item.Code, item.ReservedQty, item.Balance)
	}
	return nil
}

type CreateItemRequest struct {
	Code       string          `json:"code" binding:"required"`
	Name       string          `json:"name"`
	Unit       string          `json:"unit"`
	OpeningQty decimal.Decimal `json:"opening_qty"`
}

// CreateItem 新建物料, optionally with an opening IN transaction
func (s *LedgerService) CreateItem(ctx context.Context, tenantID, actor string, req *CreateItemRequest) (*entity.StockItem, error) {
	code := strings.TrimSpace(req.Code)
	if code == "" {
		return nil, validationError("item code is required")
	}
	if req.OpeningQty.IsNegative() {
		return nil, validationError("opening quantity must not be negative")
	}
	unit := req.Unit
	if unit == "" {
		unit = "pcs"
	}
	item := &entity.StockItem{
		ID:       uuid.New().String(),
		TenantID: tenantID,
		Code:     code,
		Name:     req.Name,
		Unit:     unit,
	}

	err := s.mutate(ctx, "create_item", []string{lock.ItemKey(tenantID, item.ID)}, func(ctx context.Context, tx *repository.Repositories, box *outbox) error {
		if err := tx.Stock.CreateItem(ctx, item); err != nil {
			if repository.IsUniqueViolation(err) {
				return conflictError("item code %s already exists", code)
			}
			return classify(err, "stock item")
		}
		if req.OpeningQty.IsPositive() {
			_, err := s.post(ctx, tx, box, tenantID, actor, movement{
				ItemID:  item.ID,
				Type:    entity.TxTypeIn,
				Qty:     req.OpeningQty,
				RefType: entity.RefTypeAdjust,
				RefID:   item.ID,
				Remarks: "opening balance",
			})
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.repos.Stock.FindItem(ctx, tenantID, item.ID)
}

type ReceiveRequest struct {
	Qty     decimal.Decimal `json:"qty"`
	RefType string          `json:"reference_type"`
	RefID   string          `json:"reference_id"`
	Remarks string          `json:"remarks"`
}

// Receive 入库
func (s *LedgerService) Receive(ctx context.Context, tenantID, itemID, actor string, req *ReceiveRequest) (*entity.StockTransaction, error) {
	if !req.Qty.IsPositive() {
		return nil, validationError("qty must be positive")
	}
	refType := req.RefType
	if refType == "" {
		refType = entity.RefTypePurchase
	}
	return s.single(ctx, "receive_stock", tenantID, actor, movement{
		ItemID:  itemID,
		Type:    entity.TxTypeIn,
		Qty:     req.Qty,
		RefType: refType,
		RefID:   req.RefID,
		Remarks: req.Remarks,
	})
}

type IssueRequest struct {
	Qty                decimal.Decimal `json:"qty"`
	RefType            string          `json:"reference_type" binding:"required"`
	RefID              string          `json:"reference_id" binding:"required"`
	ConsumeReservation bool            `json:"consume_reservation"`
	Remarks            string          `json:"remarks"`
}

// Issue 出库 against a job, a rework job or a subcontract work order.
func (s *LedgerService) Issue(ctx context.Context, tenantID, itemID, actor string, req *IssueRequest) (*entity.StockTransaction, error) {
	if !req.Qty.IsPositive() {
		return nil, validationError("qty must be positive")
	}
	if req.RefID == "" {
		return nil, validationError("reference_id is required")
	}
	switch req.RefType {
	case entity.RefTypeJob, entity.RefTypeRework, entity.RefTypeSubcontract:
	default:
		return nil, validationError("issue reference must be %s, %s or %s", entity.RefTypeJob, entity.RefTypeRework, entity.RefTypeSubcontract)
	}

	var out *entity.StockTransaction
	err := s.mutate(ctx, "issue_stock", []string{lock.ItemKey(tenantID, itemID)}, func(ctx context.Context, tx *repository.Repositories, box *outbox) error {
		if err := checkReference(ctx, tx, tenantID, req.RefType, req.RefID); err != nil {
			return err
		}
		t, err := s.post(ctx, tx, box, tenantID, actor, movement{
			ItemID:             itemID,
			Type:               entity.TxTypeOut,
			Qty:                req.Qty.Neg(),
			RefType:            req.RefType,
			RefID:              req.RefID,
			Remarks:            req.Remarks,
			ConsumeReservation: req.ConsumeReservation,
		})
		out = t
		return err
	})
	return out, err
}

// checkReference makes sure a job or rework reference points at a live record
// of the tenant. Subcontract work orders live outside this engine.
func checkReference(ctx context.Context, tx *repository.Repositories, tenantID, refType, refID string) error {
	switch refType {
	case entity.RefTypeJob:
		job, err := tx.Job.FindByID(ctx, tenantID, refID)
		if err != nil {
			return validationError("job %s does not exist", refID)
		}
		if job.Status == entity.JobStatusCancelled {
			return invalidTransition("job %s is cancelled", job.JobCardNumber)
		}
	case entity.RefTypeRework:
		rw, err := tx.Rework.FindByID(ctx, tenantID, refID)
		if err != nil {
			return validationError("rework job %s does not exist", refID)
		}
		if !rw.Status.Active() {
			return invalidTransition("rework job %s is %s", rw.ID, rw.Status)
		}
	}
	return nil
}

type AdjustRequest struct {
	Qty     decimal.Decimal `json:"qty"`
	Remarks string          `json:"remarks" binding:"required"`
}

// Adjust 盘点调整, signed quantity
func (s *LedgerService) Adjust(ctx context.Context, tenantID, itemID, actor string, req *AdjustRequest) (*entity.StockTransaction, error) {
	if req.Qty.IsZero() {
		return nil, validationError("adjustment qty must not be zero")
	}
	if strings.TrimSpace(req.Remarks) == "" {
		return nil, validationError("adjustment needs a reason")
	}
	return s.single(ctx, "adjust_stock", tenantID, actor, movement{
		ItemID:  itemID,
		Type:    entity.TxTypeAdjustment,
		Qty:     req.Qty,
		RefType: entity.RefTypeAdjust,
		RefID:   itemID,
		Remarks: req.Remarks,
	})
}

type TransferRequest struct {
	FromItemID string          `json:"from_item_id" binding:"required"`
	ToItemID   string          `json:"to_item_id" binding:"required"`
	Qty        decimal.Decimal `json:"qty"`
	Remarks    string          `json:"remarks"`
}

// Transfer 调拨: a paired TRANSFER out of one item and into another, both or
// neither.
func (s *LedgerService) Transfer(ctx context.Context, tenantID, actor string, req *TransferRequest) ([]entity.StockTransaction, error) {
	if !req.Qty.IsPositive() {
		return nil, validationError("qty must be positive")
	}
	if req.FromItemID == req.ToItemID {
		return nil, validationError("cannot transfer an item to itself")
	}
	transferID := uuid.New().String()
	keys := []string{lock.ItemKey(tenantID, req.FromItemID), lock.ItemKey(tenantID, req.ToItemID)}

	var out []entity.StockTransaction
	err := s.mutate(ctx, "transfer_stock", keys, func(ctx context.Context, tx *repository.Repositories, box *outbox) error {
		for _, m := range []movement{
			{ItemID: req.FromItemID, Qty: req.Qty.Neg()},
			{ItemID: req.ToItemID, Qty: req.Qty},
		} {
			m.Type = entity.TxTypeTransfer
			m.RefType = entity.RefTypeTransfer
			m.RefID = transferID
			m.Remarks = req.Remarks
			t, err := s.post(ctx, tx, box, tenantID, actor, m)
			if err != nil {
				return err
			}
			out = append(out, *t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *LedgerService) single(ctx context.Context, op, tenantID, actor string, m movement) (*entity.StockTransaction, error) {
	var out *entity.StockTransaction
	err := s.mutate(ctx, op, []string{lock.ItemKey(tenantID, m.ItemID)}, func(ctx context.Context, tx *repository.Repositories, box *outbox) error {
		t, err := s.post(ctx, tx, box, tenantID, actor, m)
		out = t
		return err
	})
	return out, err
}

type ReserveRequest struct {
	Qty     decimal.Decimal `json:"qty"`
	RefType string          `json:"reference_type"`
	RefID   string          `json:"reference_id"`
}

// Reserve 预留. The reserved quantity never exceeds the on-hand balance.
func (s *LedgerService) Reserve(ctx context.Context, tenantID, itemID, actor string, req *ReserveRequest) (*entity.StockItem, error) {
	return s.reserve(ctx, "reserve_stock", tenantID, itemID, actor, req, false)
}

// Unreserve 释放预留
func (s *LedgerService) Unreserve(ctx context.Context, tenantID, itemID, actor string, req *ReserveRequest) (*entity.StockItem, error) {
	return s.reserve(ctx, "unreserve_stock", tenantID, itemID, actor, req, true)
}

func (s *LedgerService) reserve(ctx context.Context, op, tenantID, itemID, actor string, req *ReserveRequest, release bool) (*entity.StockItem, error) {
	if !req.Qty.IsPositive() {
		return nil, validationError("qty must be positive")
	}
	var item *entity.StockItem
	err := s.mutate(ctx, op, []string{lock.ItemKey(tenantID, itemID)}, func(ctx context.Context, tx *repository.Repositories, box *outbox) error {
		var err error
		item, err = tx.Stock.FindItemForUpdate(ctx, tenantID, itemID)
		if err != nil {
			return classify(err, "stock item "+itemID)
		}
		if err := s.verifyHead(ctx, tx, item); err != nil {
			return err
		}

		reserved := item.ReservedQty.Add(req.Qty)
		if release {
			if req.Qty.GreaterThan(item.ReservedQty) {
				return precondGate("item %s: cannot release %s, only %s reserved", item.Code, req.Qty, item.ReservedQty)
			}
			reserved = item.ReservedQty.Sub(req.Qty)
		} else if req.Qty.GreaterThan(item.Available()) {
			return precondGate("item %s: cannot reserve %s, only %s available", item.Code, req.Qty, item.Available())
		}

		if err := tx.Stock.SetReserved(ctx, item, reserved); err != nil {
			return classify(err, "stock item "+item.Code)
		}
		box.emit(s.event(tenantID, events.StockReserved, item.ID, actor, map[string]interface{}{
			"item_code":      item.Code,
			"reserved_qty":   reserved.String(),
			"released":       release,
			"reference_type": req.RefType,
			"reference_id":   req.RefID,
		}))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// VerifyResult is the outcome of replaying an item's ledger.
type VerifyResult struct {
	ItemID       string          `json:"item_id"`
	Transactions int             `json:"transactions"`
	CachedQty    decimal.Decimal `json:"cached_balance"`
	LedgerQty    decimal.Decimal `json:"ledger_balance"`
	Consistent   bool            `json:"consistent"`
	// FirstBadSeq is the first transaction whose balanceAfter does not
	// follow from its predecessor.
	FirstBadSeq *int64 `json:"first_bad_seq,omitempty"`
}

// VerifyLedger replays every transaction of the item and compares the running
// sum with each balanceAfter and with the cached balance.
func (s *LedgerService) VerifyLedger(ctx context.Context, tenantID, itemID string) (*VerifyResult, error) {
	item, err := s.repos.Stock.FindItem(ctx, tenantID, itemID)
	if err != nil {
		return nil, classify(err, "stock item "+itemID)
	}
	txs, err := s.repos.Stock.AllTransactions(ctx, itemID)
	if err != nil {
		return nil, classify(err, "stock ledger")
	}

	res := &VerifyResult{ItemID: itemID, Transactions: len(txs), CachedQty: item.Balance}
	running := decimal.Zero
	for i, t := range txs {
		running = running.Add(t.Qty)
		if res.FirstBadSeq == nil && (t.Seq != int64(i+1) || !running.Equal(t.BalanceAfter)) {
			seq := t.Seq
			res.FirstBadSeq = &seq
		}
	}
	res.LedgerQty = running
	res.Consistent = res.FirstBadSeq == nil && running.Equal(item.Balance) && item.LastSeq == int64(len(txs))
	if !res.Consistent {
		s.logger.Warn("Stock ledger inconsistent",
			zap.String("tenant_id", tenantID),
			zap.String("item_id", itemID),
			zap.String("cached", item.Balance.String()),
			zap.String("ledger", running.String()),
		)
	}
	return res, nil
}

func (s *LedgerService) GetItem(ctx context.Context, tenantID, itemID string) (*entity.StockItem, error) {
	item, err := s.repos.Stock.FindItem(ctx, tenantID, itemID)
	if err != nil {
		return nil, classify(err, "stock item "+itemID)
	}
	return item, nil
}

func (s *LedgerService) ListItems(ctx context.Context, tenantID string, page, pageSize int, filters map[string]string) (*ListResult[entity.StockItem], error) {
	items, total, err := s.repos.Stock.FindAllItems(ctx, tenantID, page, pageSize, filters)
	if err != nil {
		return nil, classify(err, "stock items")
	}
	return &ListResult[entity.StockItem]{Items: items, Total: total}, nil
}

func (s *LedgerService) ListTransactions(ctx context.Context, tenantID, itemID string, page, pageSize int) (*ListResult[entity.StockTransaction], error) {
	if _, err := s.GetItem(ctx, tenantID, itemID); err != nil {
		return nil, err
	}
	items, total, err := s.repos.Stock.ListTransactions(ctx, itemID, page, pageSize)
	if err != nil {
		return nil, classify(err, "stock ledger")
	}
	return &ListResult[entity.StockTransaction]{Items: items, Total: total}, nil
}

// ListByReference returns every posting made for one job, rework or return.
func (s *LedgerService) ListByReference(ctx context.Context, tenantID, refType, refID string) ([]entity.StockTransaction, error) {
	items, err := s.repos.Stock.ListByReference(ctx, tenantID, refType, refID)
	if err != nil {
		return nil, classify(err, "stock ledger")
	}
	return items, nil
}

var ledgerExportHeaders = []string{
	"序号", "时间", "类型", "数量", "结存", "引用类型", "引用ID", "操作人", "备注",
}

// ExportLedger 导出物料台账为xlsx
func (s *LedgerService) ExportLedger(ctx context.Context, tenantID, itemID string) (*excelize.File, string, error) {
	item, err := s.GetItem(ctx, tenantID, itemID)
	if err != nil {
		return nil, "", err
	}
	txs, err := s.repos.Stock.AllTransactions(ctx, itemID)
	if err != nil {
		return nil, "", classify(err, "stock ledger")
	}

	f := excelize.NewFile()
	sheet := "Ledger"
	f.SetSheetName("Sheet1", sheet)

	boldStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Size: 11},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#D9E1F2"}},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})
	for i, h := range ledgerExportHeaders {
		col, _ := excelize.ColumnNumberToName(i + 1)
		cell := col + "1"
		f.SetCellValue(sheet, cell, h)
		f.SetCellStyle(sheet, cell, cell, boldStyle)
	}

	for i, t := range txs {
		row := i + 2
		f.SetCellValue(sheet, fmt.Sprintf("A%d", row), t.Seq)
		f.SetCellValue(sheet, fmt.Sprintf("B%d", row), t.CreatedAt.Format("2006-01-02 15:04:05"))
		f.SetCellValue(sheet, fmt.Sprintf("C%d", row), string(t.Type))
		f.SetCellValue(sheet, fmt.Sprintf("D%d", row), t.Qty.InexactFloat64())
		f.SetCellValue(sheet, fmt.Sprintf("E%d", row), t.BalanceAfter.InexactFloat64())
		f.SetCellValue(sheet, fmt.Sprintf("F%d", row), t.ReferenceType)
		f.SetCellValue(sheet, fmt.Sprintf("G%d", row), t.ReferenceID)
		f.SetCellValue(sheet, fmt.Sprintf("H%d", row), t.CreatedBy)
		f.SetCellValue(sheet, fmt.Sprintf("I%d", row), t.Remarks)
	}

	summaryRow := len(txs) + 2
	summaryStyle, _ := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	f.SetCellValue(sheet, fmt.Sprintf("A%d", summaryRow), "结存")
	f.SetCellValue(sheet, fmt.Sprintf("E%d", summaryRow), item.Balance.InexactFloat64())
	f.SetCellValue(sheet, fmt.Sprintf("F%d", summaryRow), "预留")
	f.SetCellValue(sheet, fmt.Sprintf("G%d", summaryRow), item.ReservedQty.InexactFloat64())
	f.SetCellStyle(sheet, fmt.Sprintf("A%d", summaryRow), fmt.Sprintf("I%d", summaryRow), summaryStyle)

	colWidths := []float64{6, 20, 12, 10, 10, 12, 38, 14, 30}
	for i, w := range colWidths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		f.SetColWidth(sheet, col, col, w)
	}

	return f, fmt.Sprintf("Ledger_%s.xlsx", item.Code), nil
}

// ImportResult 入库导入结果
type ImportResult struct {
	Received int      `json:"received"`
	Errors   []string `json:"errors,omitempty"`
}

// ImportReceipts 从Excel批量入库. Columns: item code, qty, remarks. Each row is
// its own posting, so one bad row does not block the rest.
func (s *LedgerService) ImportReceipts(ctx context.Context, tenantID, actor string, f *excelize.File) (*ImportResult, error) {
	sheet := f.GetSheetName(0)
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, validationError("read sheet: %v", err)
	}
	if len(rows) < 2 {
		return nil, validationError("sheet has no data rows")
	}

	res := &ImportResult{}
	for i, row := range rows[1:] {
		line := i + 2
		if len(row) < 2 || strings.TrimSpace(row[0]) == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("row %d: item code and qty are required", line))
			continue
		}
		qty, err := decimal.NewFromString(strings.TrimSpace(row[1]))
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("row %d: bad qty %q", line, row[1]))
			continue
		}
		items, _, err := s.repos.Stock.FindAllItems(ctx, tenantID, 1, 1, map[string]string{"code": strings.TrimSpace(row[0])})
		if err != nil || len(items) == 0 {
			res.Errors = append(res.Errors, fmt.Sprintf("row %d: unknown item %s", line, row[0]))
			continue
		}
		remarks := "excel import"
		if len(row) > 2 && row[2] != "" {
			remarks = row[2]
		}
		if _, err := s.Receive(ctx, tenantID, items[0].ID, actor, &ReceiveRequest{Qty: qty, Remarks: remarks}); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("row %d: %v", line, err))
			continue
		}
		res.Received++
	}
	return res, nil
}
