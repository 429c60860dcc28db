package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/storefront-settlement/internal/model"
	"github.com/mmeshcher/storefront-settlement/internal/repository"
	"github.com/mmeshcher/storefront-settlement/internal/validation"
)

// ShipmentInput описывает отправку заказа.
type ShipmentInput struct {
	Courier        string `json:"courier" validate:"required,max=100"`
	TrackingNumber string `json:"trackingNumber" validate:"required,max=100"`
	ShippingCost   int64  `json:"shippingCost" validate:"gte=0"`
}

// CreateShipment регистрирует отправку и переводит заказ из PROCESSING в SHIPPED.
func (s *Service) CreateShipment(ctx context.Context, orderNumber string, in ShipmentInput) (*model.Shipment, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	order, err := s.repo.GetOrderByNumber(ctx, orderNumber)
	if err != nil {
		return nil, err
	}
	if order.Status != model.OrderStatusProcessing {
		return nil, fmt.Errorf("%w: order %s is %s", repository.ErrInvalidTransition, orderNumber, order.Status)
	}

	sh, err := s.repo.CreateShipment(ctx, model.Shipment{
		OrderID:        order.ID,
		Courier:        in.Courier,
		TrackingNumber: in.TrackingNumber,
		ShippingCost:   in.ShippingCost,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order shipped", zap.String("order", orderNumber), zap.String("waybill", in.TrackingNumber))
	s.publish(ctx, order, model.OrderStatusProcessing, model.OrderStatusShipped, "admin")
	return sh, nil
}

// CompleteDeliveredOrders завершает заказы, доставленные раньше периода ожидания.
func (s *Service) CompleteDeliveredOrders(ctx context.Context) (int, error) {
	ids, err := s.repo.ListDeliveredBefore(ctx, s.now().Add(-s.completionCooldown), s.batchSize)
	if err != nil {
		return 0, err
	}
	return s.transitionBatch(ctx, ids, model.OrderStatusDelivered, model.OrderStatusCompleted, func(id int64) error {
		return s.repo.TransitionOrderStatus(ctx, id, model.OrderStatusCompleted)
	})
}

// ReleaseExpiredOrders отменяет неоплаченные заказы старше срока резерва и возвращает товары на склад.
func (s *Service) ReleaseExpiredOrders(ctx context.Context) (int, error) {
	ids, err := s.repo.ListExpiredPending(ctx, s.now().Add(-s.reservationTTL), s.batchSize)
	if err != nil {
		return 0, err
	}
	return s.transitionBatch(ctx, ids, model.OrderStatusPending, model.OrderStatusCancelled, func(id int64) error {
		return s.repo.ApplyPaymentUpdate(ctx, id, repository.PaymentUpdate{
			OrderStatus:   model.OrderStatusCancelled,
			PaymentStatus: model.PaymentStatusFailed,
		})
	})
}

// transitionBatch применяет переход к каждому заказу отдельно; заказы, сменившие статус параллельно, пропускаются.
func (s *Service) transitionBatch(ctx context.Context, ids []int64, from, to model.OrderStatus, apply func(int64) error) (int, error) {
	var (
		done int
		errs []error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return done, err
		}

		order, err := s.repo.GetOrder(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if err := apply(id); err != nil {
			if errors.Is(err, repository.ErrInvalidTransition) {
				continue
			}
			s.logger.Error("order transition failed",
				zap.String("order", order.OrderNumber),
				zap.String("to", string(to)),
				zap.Error(err),
			)
			errs = append(errs, err)
			continue
		}

		done++
		s.publish(ctx, order, from, to, "scheduler")
	}
	return done, errors.Join(errs...)
}

// EnqueueUnsyncedOrders ставит в очередь оплаченные заказы без завершённой выгрузки в учётную систему.
func (s *Service) EnqueueUnsyncedOrders(ctx context.Context) (int, error) {
	orders, err := s.repo.ListUnsyncedPaid(ctx, s.now().Add(-s.syncDelay), s.batchSize)
	if err != nil {
		return 0, err
	}
	if s.jobs == nil {
		return 0, nil
	}

	var n int
	for _, o := range orders {
		if err := s.jobs.EnqueueLedgerSync(ctx, o.ID, o.OrderNumber, o.PaymentMethod); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// RetriggerLedgerSync повторно ставит оплаченный заказ на выгрузку.
func (s *Service) RetriggerLedgerSync(ctx context.Context, orderNumber string) error {
	order, err := s.repo.GetOrderByNumber(ctx, orderNumber)
	if err != nil {
		return err
	}
	if !order.Status.IsPaid() {
		return fmt.Errorf("%w: order %s is %s", repository.ErrInvalidTransition, orderNumber, order.Status)
	}
	payment, err := s.repo.GetPayment(ctx, order.ID)
	if err != nil {
		return err
	}
	if s.jobs == nil {
		return errors.New("job queue is not configured")
	}
	return s.jobs.EnqueueLedgerSync(ctx, order.ID, order.OrderNumber, payment.Method)
}

// TriggerCatalogSync запускает внеплановую загрузку каталога.
func (s *Service) TriggerCatalogSync(ctx context.Context) error {
	if s.jobs == nil {
		return errors.New("job queue is not configured")
	}
	return s.jobs.EnqueueCatalogPull(ctx)
}

// PaymentMethodInput задаёт счёт учётной системы для канала оплаты.
type PaymentMethodInput struct {
	BankAccountNo   string `json:"bankAccountNo" validate:"required,max=100"`
	BankAccountName string `json:"bankAccountName" validate:"max=200"`
}

// SetPaymentMethodMapping сохраняет счёт для канала оплаты.
func (s *Service) SetPaymentMethodMapping(ctx context.Context, key string, in PaymentMethodInput) error {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return fmt.Errorf("%w: empty payment method key", ErrValidation)
	}
	if err := s.check(in); err != nil {
		return err
	}
	return s.repo.SavePaymentMethodMapping(ctx, model.PaymentMethodMapping{
		PaymentMethodKey: key,
		BankAccountNo:    in.BankAccountNo,
		BankAccountName:  in.BankAccountName,
	})
}

// LinkSalesOrder привязывает заказ к заказу покупателя в учётной системе.
func (s *Service) LinkSalesOrder(ctx context.Context, orderNumber, salesOrderNumber string) error {
	salesOrderNumber = strings.TrimSpace(salesOrderNumber)
	if salesOrderNumber == "" {
		return fmt.Errorf("%w: empty sales order number", ErrValidation)
	}
	if !validation.IsValidOrderNumber(orderNumber) {
		return repository.ErrOrderNotFound
	}
	order, err := s.repo.GetOrderByNumber(ctx, orderNumber)
	if err != nil {
		return err
	}
	return s.repo.SetSalesOrderNumber(ctx, order.ID, salesOrderNumber)
}

// SyncCustomerCategory переносит ценовую категорию покупателя в учётную систему.
func (s *Service) SyncCustomerCategory(ctx context.Context, userID, categoryID int64) error {
	if categoryID <= 0 {
		return fmt.Errorf("%w: price category must be positive", ErrValidation)
	}
	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	return s.customers.UpdateCustomerCategory(ctx, user.Email, categoryID)
}

// DiscountInput задаёт персональные скидки покупателя. Отсутствующие поля не меняются.
type DiscountInput struct {
	Default  *decimal.Decimal          `json:"default"`
	Category map[int64]decimal.Decimal `json:"category"`
	Product  map[int64]decimal.Decimal `json:"product"`
}

func validPercent(p decimal.Decimal) bool {
	return !p.IsNegative() && p.LessThanOrEqual(hundred)
}

// SetUserDiscounts сохраняет персональные скидки покупателя.
func (s *Service) SetUserDiscounts(ctx context.Context, userID int64, in DiscountInput) error {
	if in.Default != nil && !validPercent(*in.Default) {
		return fmt.Errorf("%w: default discount out of range", ErrValidation)
	}
	for id, p := range in.Category {
		if id <= 0 || !validPercent(p) {
			return fmt.Errorf("%w: category %d discount out of range", ErrValidation, id)
		}
	}
	for id, p := range in.Product {
		if id <= 0 || !validPercent(p) {
			return fmt.Errorf("%w: product %d discount out of range", ErrValidation, id)
		}
	}

	if _, err := s.repo.GetUser(ctx, userID); err != nil {
		return err
	}
	if in.Default != nil {
		if err := s.repo.SetDefaultDiscount(ctx, userID, *in.Default); err != nil {
			return err
		}
	}
	for id, p := range in.Category {
		if err := s.repo.SetCategoryDiscount(ctx, userID, id, p); err != nil {
			return err
		}
	}
	for id, p := range in.Product {
		if err := s.repo.SetProductDiscount(ctx, userID, id, p); err != nil {
			return err
		}
	}
	return nil
}

// LedgerAuthorizeURL возвращает адрес авторизации в учётной системе и state для проверки обратного вызова.
func (s *Service) LedgerAuthorizeURL() (string, string) {
	state := uuid.NewString()
	return s.ledgerAuth.AuthorizeURL(state), state
}

// CompleteLedgerAuth обменивает код авторизации на токены.
func (s *Service) CompleteLedgerAuth(ctx context.Context, code string) error {
	if code == "" {
		return fmt.Errorf("%w: empty authorization code", ErrValidation)
	}
	return s.ledgerAuth.Exchange(ctx, code)
}

// OpenDatabaseInput выбирает базу данных учётной системы.
type OpenDatabaseInput struct {
	DatabaseID int64  `json:"databaseId" validate:"gt=0"`
	BranchName string `json:"branchName" validate:"max=200"`
}

// OpenLedgerDatabase открывает базу данных учётной системы.
func (s *Service) OpenLedgerDatabase(ctx context.Context, in OpenDatabaseInput) error {
	if err := s.check(in); err != nil {
		return err
	}
	return s.ledgerAuth.OpenDatabase(ctx, in.DatabaseID, in.BranchName)
}
