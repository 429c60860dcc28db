// Package service реализует бизнес-логику витрины: заказы, оплату, вебхуки и обслуживание.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/storefront-settlement/internal/accurate"
	"github.com/mmeshcher/storefront-settlement/internal/events"
	"github.com/mmeshcher/storefront-settlement/internal/midtrans"
	"github.com/mmeshcher/storefront-settlement/internal/model"
	"github.com/mmeshcher/storefront-settlement/internal/repository"
	"github.com/mmeshcher/storefront-settlement/internal/validation"
)

var (
	// ErrValidation возвращается при некорректных входных данных.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidCredentials возвращается при неверном email или пароле.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	CreateUser(ctx context.Context, u model.User) (int64, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUser(ctx context.Context, id int64) (*model.User, error)
	SetDefaultDiscount(ctx context.Context, userID int64, pct decimal.Decimal) error
	SetCategoryDiscount(ctx context.Context, userID, categoryID int64, pct decimal.Decimal) error
	SetProductDiscount(ctx context.Context, userID, productID int64, pct decimal.Decimal) error
	GetDiscountRules(ctx context.Context, userID int64) (model.DiscountRules, error)

	GetProduct(ctx context.Context, id int64) (*model.Product, error)

	CreateOrder(ctx context.Context, draft repository.OrderDraft, planner repository.OrderPlanner) (*model.Order, *model.Payment, error)
	GetOrder(ctx context.Context, id int64) (*model.Order, error)
	GetOrderByNumber(ctx context.Context, number string) (*model.Order, error)
	FindOrderBySalesOrderNumber(ctx context.Context, salesOrderNumber string) (*model.Order, error)
	FindOrderByTrackingNumber(ctx context.Context, trackingNumber string) (*model.Order, error)
	ListOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	GetPayment(ctx context.Context, orderID int64) (*model.Payment, error)

	TransitionOrderStatus(ctx context.Context, orderID int64, to model.OrderStatus) error
	ApplyPaymentUpdate(ctx context.Context, orderID int64, upd repository.PaymentUpdate) error
	SettlePendingPayment(ctx context.Context, orderID int64) (bool, error)
	SetSalesOrderNumber(ctx context.Context, orderID int64, salesOrderNumber string) error
	ConfirmByLedgerInvoice(ctx context.Context, orderID int64, invoiceNumber string) (bool, error)
	CreateShipment(ctx context.Context, s model.Shipment) (*model.Shipment, error)

	ListExpiredPending(ctx context.Context, before time.Time, limit int) ([]int64, error)
	ListDeliveredBefore(ctx context.Context, before time.Time, limit int) ([]int64, error)
	ListUnsyncedPaid(ctx context.Context, before time.Time, limit int) ([]repository.UnsyncedOrder, error)

	SavePaymentMethodMapping(ctx context.Context, m model.PaymentMethodMapping) error
}

// Gateway открывает платёжные сессии.
type Gateway interface {
	CreateSession(ctx context.Context, req midtrans.SessionRequest) (*midtrans.Session, error)
	ServerKey() string
}

// LedgerReader читает документы учётной системы при разборе её вебхуков.
type LedgerReader interface {
	FindSalesInvoice(ctx context.Context, number string) (*accurate.InvoiceDetail, error)
	FindSalesReceipt(ctx context.Context, number string) (*accurate.ReceiptDetail, error)
}

// CustomerSyncer переносит ценовую категорию покупателя в учётную систему.
type CustomerSyncer interface {
	UpdateCustomerCategory(ctx context.Context, email string, categoryID int64) error
}

// LedgerAuth выполняет подключение к учётной системе.
type LedgerAuth interface {
	AuthorizeURL(state string) string
	Exchange(ctx context.Context, code string) error
	OpenDatabase(ctx context.Context, databaseID int64, branchName string) error
}

// Enqueuer ставит фоновые задачи.
type Enqueuer interface {
	EnqueueLedgerSync(ctx context.Context, orderID int64, orderNumber, paymentMethod string) error
	EnqueueCatalogPull(ctx context.Context) error
}

// Publisher публикует события смены статуса заказа.
type Publisher interface {
	StatusChanged(ctx context.Context, ev events.StatusChanged)
}

// Deps содержит зависимости сервиса.
type Deps struct {
	Repo       Repository
	Gateway    Gateway
	Ledger     LedgerReader
	Customers  CustomerSyncer
	LedgerAuth LedgerAuth
	Jobs       Enqueuer
	Events     Publisher
	Logger     *zap.Logger
}

// Options содержит бизнес-параметры.
type Options struct {
	TaxRatePercent     float64
	ReservationTTL     time.Duration
	CompletionCooldown time.Duration

	// PaymentExpiry должен быть короче ReservationTTL; ноль выбирает срок по резерву.
	PaymentExpiry time.Duration
}

// Service содержит бизнес-логику витрины.
type Service struct {
	repo       Repository
	gateway    Gateway
	ledger     LedgerReader
	customers  CustomerSyncer
	ledgerAuth LedgerAuth
	jobs       Enqueuer
	events     Publisher
	logger     *zap.Logger
	validate   *validator.Validate

	taxRate            decimal.Decimal
	reservationTTL     time.Duration
	paymentExpiry      time.Duration
	completionCooldown time.Duration
	syncDelay          time.Duration
	batchSize          int
	now                func() time.Time
	newOrderNumber     func(time.Time) (string, error)
}

// paymentWindow оставляет запас между истечением оплаты в шлюзе и снятием резерва,
// чтобы покупатель не мог оплатить уже отменённый заказ.
func paymentWindow(reservationTTL time.Duration) time.Duration {
	if reservationTTL > 2*time.Hour {
		return reservationTTL - time.Hour
	}
	return reservationTTL / 2
}

// NewService создаёт сервис.
func NewService(deps Deps, opts Options) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var pub Publisher = events.Nop{}
	if deps.Events != nil {
		pub = deps.Events
	}
	if opts.ReservationTTL <= 0 {
		opts.ReservationTTL = 24 * time.Hour
	}
	if opts.PaymentExpiry <= 0 || opts.PaymentExpiry >= opts.ReservationTTL {
		opts.PaymentExpiry = paymentWindow(opts.ReservationTTL)
	}
	if opts.CompletionCooldown <= 0 {
		opts.CompletionCooldown = 168 * time.Hour
	}

	return &Service{
		repo:               deps.Repo,
		gateway:            deps.Gateway,
		ledger:             deps.Ledger,
		customers:          deps.Customers,
		ledgerAuth:         deps.LedgerAuth,
		jobs:               deps.Jobs,
		events:             pub,
		logger:             logger,
		validate:           validator.New(validator.WithRequiredStructEnabled()),
		taxRate:            decimal.NewFromFloat(opts.TaxRatePercent),
		reservationTTL:     opts.ReservationTTL,
		paymentExpiry:      opts.PaymentExpiry,
		completionCooldown: opts.CompletionCooldown,
		syncDelay:          5 * time.Minute,
		batchSize:          100,
		now:                time.Now,
		newOrderNumber:     validation.NewOrderNumber,
	}
}

func (s *Service) check(v any) error {
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Namespace()+" "+fe.Tag())
			}
			return fmt.Errorf("%w: %s", ErrValidation, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// RegisterInput содержит данные регистрации.
type RegisterInput struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
	Name     string `json:"name" validate:"max=200"`
}

// RegisterUser регистрирует нового покупателя.
func (s *Service) RegisterUser(ctx context.Context, in RegisterInput) (*model.User, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u := model.User{
		Email:        strings.ToLower(strings.TrimSpace(in.Email)),
		Name:         in.Name,
		PasswordHash: hash,
		Role:         model.RoleMember,
	}
	u.ID, err = s.repo.CreateUser(ctx, u)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// AuthenticateUser проверяет email и пароль.
func (s *Service) AuthenticateUser(ctx context.Context, email, password string) (*model.User, error) {
	u, err := s.repo.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

// GetUser возвращает пользователя.
func (s *Service) GetUser(ctx context.Context, id int64) (*model.User, error) {
	return s.repo.GetUser(ctx, id)
}

// publish отправляет событие применённого перехода.
func (s *Service) publish(ctx context.Context, o *model.Order, from, to model.OrderStatus, source string) {
	s.events.StatusChanged(ctx, events.StatusChanged{
		OrderID:     o.ID,
		OrderNumber: o.OrderNumber,
		From:        from,
		To:          to,
		Source:      source,
		At:          s.now().UTC(),
	})
}

// triggerLedgerSync ставит заказ в очередь выгрузки. Ошибка постановки только логируется:
// заказ подберёт периодическая сверка.
func (s *Service) triggerLedgerSync(ctx context.Context, o *model.Order, method string) {
	if s.jobs == nil {
		return
	}
	if err := s.jobs.EnqueueLedgerSync(ctx, o.ID, o.OrderNumber, method); err != nil {
		s.logger.Error("enqueue ledger sync",
			zap.String("order", o.OrderNumber),
			zap.String("method", method),
			zap.Error(err),
		)
	}
}
