package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/storefront-settlement/internal/discount"
	"github.com/mmeshcher/storefront-settlement/internal/midtrans"
	"github.com/mmeshcher/storefront-settlement/internal/model"
	"github.com/mmeshcher/storefront-settlement/internal/repository"
	"github.com/mmeshcher/storefront-settlement/internal/validation"
)

// OrderItemInput описывает позицию корзины.
type OrderItemInput struct {
	ProductID int64 `json:"productId" validate:"gt=0"`
	Quantity  int   `json:"quantity" validate:"gte=1"`
}

// PlaceOrderInput описывает оформляемый заказ.
type PlaceOrderInput struct {
	Items             []OrderItemInput   `json:"items" validate:"required,min=1,dive"`
	ShippingAddress   string             `json:"shippingAddress" validate:"required,max=1000"`
	DestinationAreaID string             `json:"destinationAreaId" validate:"max=100"`
	Courier           string             `json:"courier" validate:"max=100"`
	ShippingCost      int64              `json:"shippingCost" validate:"gte=0"`
	PaymentClass      model.PaymentClass `json:"paymentClass" validate:"required,oneof=CREDIT_CARD BANK_TRANSFER EWALLET"`
}

// PlaceOrder резервирует товары, фиксирует цены и открывает платёжную сессию.
// Ошибка шлюза откатывает заказ вместе с резервом.
func (s *Service) PlaceOrder(ctx context.Context, userID int64, in PlaceOrderInput) (*model.Order, *model.Payment, error) {
	if err := s.check(in); err != nil {
		return nil, nil, err
	}

	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	rules, err := s.repo.GetDiscountRules(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	draft := repository.OrderDraft{
		UserID:            userID,
		Items:             mergeItems(in.Items),
		ShippingAddress:   in.ShippingAddress,
		DestinationAreaID: in.DestinationAreaID,
		Courier:           in.Courier,
		ShippingCost:      in.ShippingCost,
		PaymentClass:      in.PaymentClass,
	}

	planner := &orderPlanner{
		svc:   s,
		user:  *user,
		rules: rules,
		class: in.PaymentClass,
	}

	order, payment, err := s.createWithFreshNumber(ctx, draft, planner)
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info("order placed",
		zap.String("order", order.OrderNumber),
		zap.Int64("user_id", userID),
		zap.Int64("total", order.TotalAmount),
		zap.String("payment_class", string(in.PaymentClass)),
	)
	return order, payment, nil
}

// orderNumberAttempts ограничивает число попыток при коллизии случайной части номера.
const orderNumberAttempts = 5

func (s *Service) createWithFreshNumber(ctx context.Context, draft repository.OrderDraft, planner *orderPlanner) (*model.Order, *model.Payment, error) {
	var err error
	for attempt := 1; attempt <= orderNumberAttempts; attempt++ {
		draft.OrderNumber, err = s.newOrderNumber(s.now())
		if err != nil {
			return nil, nil, err
		}

		order, payment, cerr := s.repo.CreateOrder(ctx, draft, planner)
		if !errors.Is(cerr, repository.ErrOrderNumberTaken) {
			return order, payment, cerr
		}
		err = cerr
		s.logger.Warn("order number collision, regenerating",
			zap.String("order", draft.OrderNumber),
			zap.Int("attempt", attempt),
		)
	}
	return nil, nil, fmt.Errorf("allocate order number: %w", err)
}

func mergeItems(in []OrderItemInput) []repository.DraftItem {
	qty := make(map[int64]int, len(in))
	for _, it := range in {
		qty[it.ProductID] += it.Quantity
	}

	items := make([]repository.DraftItem, 0, len(qty))
	for id, q := range qty {
		items = append(items, repository.DraftItem{ProductID: id, Quantity: q})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ProductID < items[j].ProductID })
	return items
}

// orderPlanner принимает ценовые решения внутри транзакции заказа.
type orderPlanner struct {
	svc       *Service
	user      model.User
	rules     model.DiscountRules
	class     model.PaymentClass
	breakdown midtrans.Breakdown
}

func (p *orderPlanner) PriceItem(product model.Product, quantity int) model.OrderItem {
	res := discount.Resolve(p.user, product, p.rules)
	return model.OrderItem{
		Quantity:           quantity,
		Price:              res.UnitPrice(),
		OriginalPrice:      res.OriginalPrice,
		DiscountPercentage: res.DiscountPercentage,
	}
}

// Finalize считает налог и итог. Персональные скидки уже учтены в цене позиций,
// поэтому скидка уровня заказа равна нулю.
func (p *orderPlanner) Finalize(o *model.Order) error {
	o.TaxAmount = p.svc.taxOn(o.Subtotal)
	o.DiscountAmount = 0

	p.breakdown = midtrans.BuildBreakdown(midtrans.Amounts{
		Subtotal: o.Subtotal,
		Tax:      o.TaxAmount,
		Shipping: o.ShippingCost,
		Discount: o.DiscountAmount,
	}, p.class)

	o.AdminFee = p.breakdown.AdminFee
	o.TotalAmount = p.breakdown.GrossAmount()
	if o.TotalAmount <= 0 {
		return fmt.Errorf("%w: order total must be positive", ErrValidation)
	}
	return nil
}

func (p *orderPlanner) Checkout(ctx context.Context, o *model.Order) (*model.Payment, error) {
	session, err := p.svc.gateway.CreateSession(ctx, midtrans.SessionRequest{
		OrderNumber:  o.OrderNumber,
		Breakdown:    p.breakdown,
		Customer:     midtrans.Customer{Name: p.user.Name, Email: p.user.Email},
		PaymentClass: p.class,
		Expiry:       p.svc.paymentExpiry,
	})
	if err != nil {
		return nil, err
	}

	return &model.Payment{
		Amount:        o.TotalAmount,
		Class:         p.class,
		Status:        model.PaymentStatusPending,
		TransactionID: session.Token,
		RedirectURL:   session.RedirectURL,
	}, nil
}

var hundred = decimal.NewFromInt(100)

// taxOn округляет налог до целой рупии, половина вверх.
func (s *Service) taxOn(subtotal int64) int64 {
	if !s.taxRate.IsPositive() {
		return 0
	}
	return decimal.NewFromInt(subtotal).Mul(s.taxRate).Div(hundred).Round(0).IntPart()
}

// QuotePrice возвращает персональную цену товара для покупателя.
func (s *Service) QuotePrice(ctx context.Context, userID, productID int64) (discount.Resolution, error) {
	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return discount.Resolution{}, err
	}
	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return discount.Resolution{}, err
	}
	rules, err := s.repo.GetDiscountRules(ctx, userID)
	if err != nil {
		return discount.Resolution{}, err
	}
	return discount.Resolve(*user, *product, rules), nil
}

// ListOrders возвращает заказы покупателя.
func (s *Service) ListOrders(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.repo.ListOrdersByUser(ctx, userID)
}

// GetOrder возвращает заказ покупателя с платежом. Чужой заказ считается ненайденным.
func (s *Service) GetOrder(ctx context.Context, userID int64, number string) (*model.Order, *model.Payment, error) {
	if !validation.IsValidOrderNumber(number) {
		return nil, nil, repository.ErrOrderNotFound
	}
	o, err := s.repo.GetOrderByNumber(ctx, number)
	if err != nil {
		return nil, nil, err
	}
	if o.UserID != userID {
		return nil, nil, repository.ErrOrderNotFound
	}
	p, err := s.repo.GetPayment(ctx, o.ID)
	if err != nil {
		return nil, nil, err
	}
	return o, p, nil
}
