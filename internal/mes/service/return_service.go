package service

import (
	"context"
	"strings"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/bitfantasy/nimo-mes/internal/mes/events"
	"github.com/bitfantasy/nimo-mes/internal/mes/lock"
	"github.com/bitfantasy/nimo-mes/internal/mes/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ReturnService 退货检验服务
type ReturnService struct {
	*core
	ledger *LedgerService
	rework *ReworkService
}

type CreateReturnRequest struct {
	DeliveryNoteID string          `json:"delivery_note_id" binding:"required"`
	ClientID       string          `json:"client_id"`
	ItemID         *string         `json:"item_id"`
	Qty            decimal.Decimal `json:"qty"`
	Reason         string          `json:"reason"`
}

// CreateReturn 登记退货. Client and item default to the delivery note's.
func (s *ReturnService) CreateReturn(ctx context.Context, tenantID, actor string, req *CreateReturnRequest) (*entity.ReturnRecord, error) {
	if req.Qty.IsNegative() {
		return nil, validationError("qty must not be negative")
	}

	var ret *entity.ReturnRecord
	err := s.mutate(ctx, "create_return", []string{lock.DeliveryNoteKey(tenantID, req.DeliveryNoteID)}, func(ctx context.Context, tx *repository.Repositories, box *outbox) error {
		dn, err := tx.Directory.FindDeliveryNote(ctx, tenantID, req.DeliveryNoteID)
		if err != nil {
			return validationError("delivery note %s does not exist", req.DeliveryNoteID)
		}
		clientID := req.ClientID
		switch {
		case clientID == "":
			clientID = dn.ClientID
		case clientID != dn.ClientID:
			return validationError("delivery note %s was not delivered to client %s", dn.ID, clientID)
		}
		itemID := req.ItemID
		if itemID == nil {
			itemID = dn.ItemID
		}
		if itemID != nil {
			if _, err := tx.Stock.FindItem(ctx, tenantID, *itemID); err != nil {
				return validationError("item %s does not exist", *itemID)
			}
			if !req.Qty.IsPositive() {
				return validationError("qty must be positive when an item is returned")
			}
		}
		if dn.Qty.IsPositive() && req.Qty.GreaterThan(dn.Qty) {
			return validationError("returned qty %s exceeds delivered qty %s", req.Qty, dn.Qty)
		}

		now := s.now()
		ret = &entity.ReturnRecord{
			ID:             uuid.New().String(),
			TenantID:       tenantID,
			DeliveryNoteID: dn.ID,
			ClientID:       clientID,
			ItemID:         itemID,
			Qty:            req.Qty,
			Reason:         req.Reason,
			Status:         entity.ReturnStatusPending,
			CreatedBy:      actor,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.Return.Create(ctx, ret); err != nil {
			return classify(err, "return")
		}
		box.emit(s.event(tenantID, events.ReturnCreated, ret.ID, actor, map[string]interface{}{
			"delivery_note_id": dn.ID,
			"client_id":        clientID,
			"qty":              ret.Qty.String(),
		}))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

type InspectReturnRequest struct {
	Result              entity.ReturnOutcome `json:"result" binding:"required"`
	Remarks             string               `json:"remarks"`
	ReworkAssignedTo    *string              `json:"rework_assigned_to"`
	ReworkExpectedHours *float64             `json:"rework_expected_hours"`
}

// InspectReturnResult 退货检验结果
type InspectReturnResult struct {
	Return      *entity.ReturnRecord     `json:"return"`
	Rework      *entity.ReworkJob        `json:"rework,omitempty"`
	Transaction *entity.StockTransaction `json:"transaction,omitempty"`
}

// Inspect 退货检验. Exactly once per return: REWORK spawns a rework against
// the delivery note, ACCEPT_RETURN books the quantity back into stock, SCRAP
// writes no stock movement.
func (s *ReturnService) Inspect(ctx context.Context, tenantID, returnID, actor string, req *InspectReturnRequest) (*InspectReturnResult, error) {
	if !req.Result.Valid() {
		return nil, validationError("invalid result %q", req.Result)
	}
	if req.ReworkExpectedHours != nil && *req.ReworkExpectedHours < 0 {
		return nil, validationError("rework_expected_hours must not be negative")
	}
	current, err := s.repos.Return.FindByID(ctx, tenantID, returnID)
	if err != nil {
		return nil, classify(err, "return "+returnID)
	}
	keys := []string{lock.ReturnKey(tenantID, returnID), lock.DeliveryNoteKey(tenantID, current.DeliveryNoteID)}
	if current.ItemID != nil {
		keys = append(keys, lock.ItemKey(tenantID, *current.ItemID))
	}

	res := &InspectReturnResult{}
	err = s.mutate(ctx, "inspect_return", keys, func(ctx context.Context, tx *repository.Repositories, box *outbox) error {
		ret, err := tx.Return.FindForUpdate(ctx, tenantID, returnID)
		if err != nil {
			return classify(err, "return "+returnID)
		}
		if ret.Status != entity.ReturnStatusPending {
			return conflictError("return %s was already inspected", ret.ID)
		}

		now := s.now()
		outcome := req.Result
		ret.Status = entity.ReturnStatusInspected
		ret.Outcome = &outcome
		ret.Remarks = req.Remarks
		ret.InspectedBy = &actor
		ret.InspectedAt = &now

		switch outcome {
		case entity.ReturnOutcomeRework:
			rw, err := s.rework.spawn(ctx, tx, box, spawnArgs{
				TenantID:      tenantID,
				Source:        entity.DeliveryNoteSource(ret.DeliveryNoteID),
				SpawnKey:      entity.ReturnSpawnKey(ret.ID),
				ReturnID:      &ret.ID,
				ExpectedHours: req.ReworkExpectedHours,
				AssignedTo:    req.ReworkAssignedTo,
				Notes:         strings.TrimSpace(ret.Reason + "\n" + req.Remarks),
				CreatedBy:     actor,
			})
			if err != nil {
				return err
			}
			ret.ReworkJobID = &rw.ID
			res.Rework = rw

		case entity.ReturnOutcomeAcceptReturn:
			if ret.ItemID == nil || !ret.Qty.IsPositive() {
				return precondGate("return %s has no item quantity to restock", ret.ID)
			}
			t, err := s.ledger.post(ctx, tx, box, tenantID, actor, movement{
				ItemID:  *ret.ItemID,
				Type:    entity.TxTypeIn,
				Qty:     ret.Qty,
				RefType: entity.RefTypeReturn,
				RefID:   ret.ID,
				Remarks: "customer return accepted",
			})
			if err != nil {
				return err
			}
			ret.StockTransactionID = &t.ID
			res.Transaction = t
		}

		if err := tx.Return.Transition(ctx, ret, entity.ReturnStatusPending); err != nil {
			return classify(err, "return "+ret.ID)
		}
		res.Return = ret

		payload := map[string]interface{}{
			"delivery_note_id": ret.DeliveryNoteID,
			"outcome":          outcome,
		}
		if ret.ReworkJobID != nil {
			payload["rework_job_id"] = *ret.ReworkJobID
		}
		box.emit(s.event(tenantID, events.ReturnInspected, ret.ID, actor, payload))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

type CloseReturnRequest struct {
	Status  entity.ReturnStatus `json:"status" binding:"required"`
	Remarks string              `json:"remarks"`
}

// CloseReturn 关闭退货单: INSPECTED → ACCEPTED | REJECTED
func (s *ReturnService) CloseReturn(ctx context.Context, tenantID, returnID, actor string, req *CloseReturnRequest) (*entity.ReturnRecord, error) {
	if req.Status != entity.ReturnStatusAccepted && req.Status != entity.ReturnStatusRejected {
		return nil, validationError("a return closes as %s or %s", entity.ReturnStatusAccepted, entity.ReturnStatusRejected)
	}

	var ret *entity.ReturnRecord
	err := s.mutate(ctx, "close_return", []string{lock.ReturnKey(tenantID, returnID)}, func(ctx context.Context, tx *repository.Repositories, box *outbox) error {
		var err error
		ret, err = tx.Return.FindForUpdate(ctx, tenantID, returnID)
		if err != nil {
			return classify(err, "return "+returnID)
		}
		from := ret.Status
		if !from.CanTransitionTo(req.Status) {
			return invalidTransition("return %s cannot move from %s to %s", ret.ID, from, req.Status)
		}
		now := s.now()
		ret.Status = req.Status
		ret.ClosedAt = &now
		if note := strings.TrimSpace(req.Remarks); note != "" {
			ret.Remarks = appendNote(ret.Remarks, note)
		}
		if err := tx.Return.Transition(ctx, ret, from); err != nil {
			return classify(err, "return "+ret.ID)
		}
		box.emit(s.event(tenantID, events.ReturnClosed, ret.ID, actor, map[string]interface{}{
			"status": ret.Status,
		}))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *ReturnService) Get(ctx context.Context, tenantID, id string) (*entity.ReturnRecord, error) {
	ret, err := s.repos.Return.FindByID(ctx, tenantID, id)
	if err != nil {
		return nil, classify(err, "return "+id)
	}
	return ret, nil
}

func (s *ReturnService) List(ctx context.Context, tenantID string, page, pageSize int, filters map[string]string) (*ListResult[entity.ReturnRecord], error) {
	items, total, err := s.repos.Return.FindAll(ctx, tenantID, page, pageSize, filters)
	if err != nil {
		return nil, classify(err, "returns")
	}
	return &ListResult[entity.ReturnRecord]{Items: items, Total: total}, nil
}
