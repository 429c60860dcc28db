package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mmeshcher/storefront-settlement/internal/accurate"
	"github.com/mmeshcher/storefront-settlement/internal/model"
	"github.com/mmeshcher/storefront-settlement/internal/repository"
)

// HandleLedgerEvent применяет события учётной системы. Ошибка по одному документу не прерывает остальные.
func (s *Service) HandleLedgerEvent(ctx context.Context, evs []accurate.Event) error {
	var errs []error
	for _, ev := range evs {
		switch e := ev.(type) {
		case accurate.SalesInvoiceEvent:
			for _, ref := range e.Invoices {
				if ref.Deleted() || ref.Number == "" {
					continue
				}
				if err := s.confirmInvoice(ctx, ref.Number); err != nil {
					errs = append(errs, err)
				}
			}
		case accurate.SalesReceiptEvent:
			for _, ref := range e.Receipts {
				if ref.Deleted() || ref.Number == "" {
					continue
				}
				if err := s.settleReceipt(ctx, ref.Number); err != nil {
					errs = append(errs, err)
				}
			}
		case accurate.UnknownEvent:
			s.logger.Info("ledger event ignored", zap.String("type", e.Type))
		}
	}
	return errors.Join(errs...)
}

// orderForInvoice находит локальный заказ по счёту через заказ покупателя учётной системы.
// Возвращает nil, если счёт не связан с заказом.
func (s *Service) orderForInvoice(ctx context.Context, invoiceNumber string) (*model.Order, error) {
	inv, err := s.ledger.FindSalesInvoice(ctx, invoiceNumber)
	if err != nil {
		if errors.Is(err, accurate.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find invoice %s: %w", invoiceNumber, err)
	}
	if inv.SalesOrderNumber == "" {
		return nil, nil
	}

	o, err := s.repo.FindOrderBySalesOrderNumber(ctx, inv.SalesOrderNumber)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return o, nil
}

func (s *Service) confirmInvoice(ctx context.Context, invoiceNumber string) error {
	log := s.logger.With(zap.String("invoice", invoiceNumber))

	order, err := s.orderForInvoice(ctx, invoiceNumber)
	if err != nil {
		log.Error("resolve invoice", zap.Error(err))
		return err
	}
	if order == nil {
		log.Info("invoice is not linked to a local order")
		return nil
	}

	advanced, err := s.repo.ConfirmByLedgerInvoice(ctx, order.ID, invoiceNumber)
	if err != nil {
		log.Error("confirm order by invoice", zap.String("order", order.OrderNumber), zap.Error(err))
		return err
	}
	if advanced {
		log.Info("order confirmed by ledger invoice", zap.String("order", order.OrderNumber))
		s.publish(ctx, order, model.OrderStatusPending, model.OrderStatusProcessing, "ledger")
	}
	return nil
}

func (s *Service) settleReceipt(ctx context.Context, receiptNumber string) error {
	log := s.logger.With(zap.String("receipt", receiptNumber))

	rec, err := s.ledger.FindSalesReceipt(ctx, receiptNumber)
	if err != nil {
		if errors.Is(err, accurate.ErrNotFound) {
			log.Info("receipt not found in ledger")
			return nil
		}
		log.Error("find receipt", zap.Error(err))
		return err
	}

	for _, invoiceNumber := range rec.InvoiceNumbers {
		order, err := s.orderForInvoice(ctx, invoiceNumber)
		if err != nil {
			log.Error("resolve invoice", zap.String("invoice", invoiceNumber), zap.Error(err))
			return err
		}
		if order == nil {
			continue
		}

		settled, err := s.repo.SettlePendingPayment(ctx, order.ID)
		if err != nil {
			return err
		}
		if settled {
			log.Info("payment settled by ledger receipt", zap.String("order", order.OrderNumber))
		}
	}
	return nil
}

// CarrierEvent описывает уведомление перевозчика.
type CarrierEvent struct {
	Status    string `json:"status"`
	WaybillID string `json:"courier_waybill_id"`
}

func carrierTarget(status string) (model.OrderStatus, bool) {
	switch strings.ToLower(status) {
	case "picked", "at_origin", "at_destination":
		return model.OrderStatusShipped, true
	case "delivered":
		return model.OrderStatusDelivered, true
	case "returned":
		return model.OrderStatusCancelled, true
	}
	return "", false
}

// HandleCarrierEvent продвигает заказ по статусу доставки.
// Неизвестная накладная, неизвестный статус и недопустимый переход игнорируются.
func (s *Service) HandleCarrierEvent(ctx context.Context, ev CarrierEvent) error {
	log := s.logger.With(zap.String("waybill", ev.WaybillID), zap.String("status", ev.Status))

	to, ok := carrierTarget(ev.Status)
	if !ok {
		log.Info("carrier status ignored")
		return nil
	}
	if ev.WaybillID == "" {
		log.Info("carrier event without waybill")
		return nil
	}

	order, err := s.repo.FindOrderByTrackingNumber(ctx, ev.WaybillID)
	if err != nil {
		if errors.Is(err, repository.ErrShipmentNotFound) || errors.Is(err, repository.ErrOrderNotFound) {
			log.Info("unknown waybill")
			return nil
		}
		return err
	}
	if order.Status == to {
		return nil
	}
	if to == model.OrderStatusCancelled && order.Status != model.OrderStatusShipped {
		log.Info("return ignored for order", zap.String("order_status", string(order.Status)))
		return nil
	}

	if err := s.repo.TransitionOrderStatus(ctx, order.ID, to); err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) {
			log.Info("carrier transition not allowed", zap.String("order_status", string(order.Status)))
			return nil
		}
		return err
	}

	log.Info("order status changed by carrier", zap.String("order", order.OrderNumber), zap.String("to", string(to)))
	s.publish(ctx, order, order.Status, to, "carrier")
	return nil
}
