package service

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/storefront-settlement/internal/midtrans"
	"github.com/mmeshcher/storefront-settlement/internal/model"
	"github.com/mmeshcher/storefront-settlement/internal/repository"
	"github.com/mmeshcher/storefront-settlement/internal/validation"
)

// Итоги обработки уведомления шлюза, возвращаются отправителю в теле ответа.
const (
	NotificationApplied          = "notification applied"
	NotificationIgnored          = "notification ignored"
	NotificationUnknownOrder     = "order not found"
	NotificationAlreadyProcessed = "order already processed"
	NotificationAmountMismatch   = "gross amount mismatch"
)

// HandlePaymentNotification применяет уведомление платёжного шлюза к заказу.
// Бизнес-исходы возвращаются строкой; ошибка означает неверную подпись или сбой хранилища.
func (s *Service) HandlePaymentNotification(ctx context.Context, n midtrans.Notification) (string, error) {
	if !midtrans.VerifySignature(n, s.gateway.ServerKey()) {
		s.logger.Warn("payment notification with invalid signature", zap.String("order", n.OrderID))
		return "", midtrans.ErrInvalidSignature
	}

	log := s.logger.With(
		zap.String("order", n.OrderID),
		zap.String("transaction_status", n.TransactionStatus),
		zap.String("payment_type", n.PaymentType),
	)

	var upd repository.PaymentUpdate
	switch midtrans.Classify(n.TransactionStatus) {
	case midtrans.OutcomeSettled:
		upd = repository.PaymentUpdate{OrderStatus: model.OrderStatusProcessing, PaymentStatus: model.PaymentStatusSuccess}
	case midtrans.OutcomePending:
		upd = repository.PaymentUpdate{OrderStatus: model.OrderStatusPending, PaymentStatus: model.PaymentStatusPending}
	case midtrans.OutcomeCancelled:
		upd = repository.PaymentUpdate{OrderStatus: model.OrderStatusCancelled, PaymentStatus: model.PaymentStatusFailed}
	default:
		log.Info("unhandled transaction status")
		return NotificationIgnored, nil
	}
	upd.Method = n.MethodKey()
	upd.TransactionID = n.TransactionID

	if !validation.IsValidOrderNumber(n.OrderID) {
		log.Info("notification for unknown order number")
		return NotificationUnknownOrder, nil
	}

	order, err := s.repo.GetOrderByNumber(ctx, n.OrderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			log.Info("notification for unknown order")
			return NotificationUnknownOrder, nil
		}
		return "", err
	}

	if order.Status != model.OrderStatusPending {
		if !reportCapturedAfterCancel(log, order.Status, upd, n) {
			log.Info("notification dropped", zap.String("status", string(order.Status)))
		}
		return NotificationAlreadyProcessed, nil
	}

	if gross, err := decimal.NewFromString(n.GrossAmount); err != nil || !gross.Equal(decimal.NewFromInt(order.TotalAmount)) {
		log.Warn("notification amount differs from order total",
			zap.String("gross_amount", n.GrossAmount),
			zap.Int64("total", order.TotalAmount),
		)
		return NotificationAmountMismatch, nil
	}

	if err := s.repo.ApplyPaymentUpdate(ctx, order.ID, upd); err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) {
			current, gerr := s.repo.GetOrder(ctx, order.ID)
			if gerr != nil || !reportCapturedAfterCancel(log, current.Status, upd, n) {
				log.Info("notification lost the race for the order")
			}
			return NotificationAlreadyProcessed, nil
		}
		return "", err
	}

	if upd.OrderStatus == model.OrderStatusPending {
		return NotificationApplied, nil
	}

	log.Info("order status changed by payment", zap.String("status", string(upd.OrderStatus)))
	s.publish(ctx, order, model.OrderStatusPending, upd.OrderStatus, "payment")

	if upd.OrderStatus == model.OrderStatusProcessing {
		s.triggerLedgerSync(ctx, order, upd.Method)
	}
	return NotificationApplied, nil
}

// reportCapturedAfterCancel поднимает ошибку, если шлюз списал деньги за уже отменённый заказ:
// такой платёж возвращается покупателю вручную.
func reportCapturedAfterCancel(log *zap.Logger, status model.OrderStatus, upd repository.PaymentUpdate, n midtrans.Notification) bool {
	if status != model.OrderStatusCancelled || upd.PaymentStatus != model.PaymentStatusSuccess {
		return false
	}
	log.Error("payment captured for cancelled order, refund required",
		zap.String("gross_amount", n.GrossAmount),
		zap.String("transaction_id", n.TransactionID),
	)
	return true
}
