// Package ledgersync выгружает оплаченные заказы в учётную систему: счёт, затем поступление оплаты.
// Каждая выгрузка защищена записью идемпотентности с ключом по идентификатору заказа.
package ledgersync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/storefront-settlement/internal/accurate"
	"github.com/mmeshcher/storefront-settlement/internal/model"
)

var (
	// ErrOrderNotPaid возвращается при попытке выгрузить неоплаченный заказ.
	ErrOrderNotPaid = errors.New("order is not paid")
	// ErrTotalMismatch возвращается, если сумма счёта расходится с суммой заказа.
	ErrTotalMismatch = errors.New("ledger invoice total differs from order total")
)

var wib = time.FixedZone("WIB", 7*60*60)

// Store описывает локальное хранилище, нужное выгрузке.
type Store interface {
	GetOrder(ctx context.Context, id int64) (*model.Order, error)
	GetUser(ctx context.Context, id int64) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetPaymentMethodMapping(ctx context.Context, key string) (*model.PaymentMethodMapping, error)
	ClaimLedgerSync(ctx context.Context, orderID int64) (*model.LedgerSync, error)
	MarkLedgerInvoiced(ctx context.Context, orderID int64, invoiceNumber string) error
	MarkLedgerCompleted(ctx context.Context, orderID int64, receiptNumber string) error
	MarkLedgerFailed(ctx context.Context, orderID int64, cause string) error
	RecordLedgerError(ctx context.Context, orderID int64, cause string) error
}

// Ledger описывает операции учётной системы.
type Ledger interface {
	ResolveCustomer(ctx context.Context, nc accurate.NewCustomer) (*accurate.CustomerRef, error)
	UpdateCustomerPriceCategory(ctx context.Context, email string, ref accurate.CustomerRef, categoryID int64) error
	SaveSalesInvoice(ctx context.Context, inv accurate.Invoice) (string, error)
	FindSalesInvoice(ctx context.Context, number string) (*accurate.InvoiceDetail, error)
	SaveSalesReceipt(ctx context.Context, r accurate.Receipt) (string, error)
}

// Sessioner выдаёт сессию учётной системы с выбранным филиалом.
type Sessioner interface {
	Session(ctx context.Context) (*model.LedgerSession, error)
}

// Config задаёт параметры выгрузки.
type Config struct {
	DefaultPriceCategoryID int64
	ExpenseAccountNo       string
	ReceiptRetryStep       time.Duration
	ReceiptAttempts        int
}

// Engine выполняет выгрузку заказов.
type Engine struct {
	store    Store
	ledger   Ledger
	sessions Sessioner
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewEngine создаёт движок выгрузки.
func NewEngine(store Store, ledger Ledger, sessions Sessioner, cfg Config, logger *zap.Logger) *Engine {
	if cfg.ReceiptAttempts == 0 {
		cfg.ReceiptAttempts = DefaultReceiptAttempts
	}
	if cfg.ReceiptRetryStep == 0 {
		cfg.ReceiptRetryStep = 2 * time.Second
	}
	return &Engine{
		store:    store,
		ledger:   ledger,
		sessions: sessions,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// SyncOrder создаёт в учётной системе счёт и поступление оплаты для заказа.
// Повторный вызов для выгруженного заказа ничего не делает; после созданного счёта продолжает с квитанции.
// Ошибки квитанции записываются в журнал выгрузки и не возвращаются.
func (e *Engine) SyncOrder(ctx context.Context, orderID int64, paymentMethodKey string) error {
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if !order.Status.IsPaid() {
		return fmt.Errorf("%w: order %s is %s", ErrOrderNotPaid, order.OrderNumber, order.Status)
	}

	mapping, err := e.store.GetPaymentMethodMapping(ctx, paymentMethodKey)
	if err != nil {
		return err
	}

	session, err := e.sessions.Session(ctx)
	if err != nil {
		return err
	}

	rec, err := e.store.ClaimLedgerSync(ctx, orderID)
	if err != nil {
		return err
	}

	log := e.logger.With(
		zap.String("order", order.OrderNumber),
		zap.String("sync_status", string(rec.Status)),
		zap.Int("attempt", rec.Attempts),
	)

	if rec.Status == model.LedgerSyncCompleted {
		log.Info("ledger sync already completed")
		return nil
	}

	user, err := e.store.GetUser(ctx, order.UserID)
	if err != nil {
		return e.fail(ctx, orderID, err)
	}

	customer, err := e.ledger.ResolveCustomer(ctx, accurate.NewCustomer{
		Name:            user.Name,
		Email:           user.Email,
		PriceCategoryID: e.cfg.DefaultPriceCategoryID,
	})
	if err != nil {
		return e.fail(ctx, orderID, fmt.Errorf("resolve customer: %w", err))
	}

	invoiceNumber, err := e.ensureInvoice(ctx, log, order, rec, customer.CustomerNo, session.BranchName)
	if err != nil {
		return e.fail(ctx, orderID, err)
	}

	receipt := accurate.Receipt{
		Number:       order.OrderNumber,
		TransDate:    e.now().In(wib).Format(accurate.DateLayout),
		CustomerNo:   customer.CustomerNo,
		BankNo:       mapping.BankAccountNo,
		ChequeAmount: order.TotalAmount,
		BranchName:   session.BranchName,
		DetailInvoice: []accurate.ReceiptInvoice{
			{InvoiceNo: invoiceNumber, PaymentAmount: order.TotalAmount},
		},
	}

	var receiptNumber string
	err = withReceiptRetry(ctx, e.cfg.ReceiptRetryStep, e.cfg.ReceiptAttempts, func(ctx context.Context) error {
		n, err := e.ledger.SaveSalesReceipt(ctx, receipt)
		if errors.Is(err, accurate.ErrNumberTaken) {
			n, err = receipt.Number, nil
		}
		if err != nil {
			log.Warn("sales receipt attempt failed", zap.Error(err))
			return err
		}
		receiptNumber = n
		return nil
	})
	if err != nil {
		log.Error("sales receipt not created, left for manual reconciliation", zap.Error(err))
		if recErr := e.store.RecordLedgerError(ctx, orderID, err.Error()); recErr != nil {
			log.Error("record ledger error", zap.Error(recErr))
		}
		return nil
	}

	if err := e.store.MarkLedgerCompleted(ctx, orderID, receiptNumber); err != nil {
		return err
	}

	log.Info("order synced to ledger",
		zap.String("invoice", invoiceNumber),
		zap.String("receipt", receiptNumber),
	)
	return nil
}

// ensureInvoice возвращает номер счёта заказа, создавая его только если он ещё не существует.
func (e *Engine) ensureInvoice(ctx context.Context, log *zap.Logger, order *model.Order, rec *model.LedgerSync, customerNo, branch string) (string, error) {
	switch {
	case rec.Status == model.LedgerSyncInvoiced && rec.InvoiceNumber != nil:
		return *rec.InvoiceNumber, nil
	case order.AccurateSalesInvoiceNumber != nil && *order.AccurateSalesInvoiceNumber != "":
		return e.adoptInvoice(ctx, log, order.ID, *order.AccurateSalesInvoiceNumber)
	}

	// Прошлая попытка могла упасть после того, как учётная система приняла счёт.
	if !rec.Fresh {
		existing, err := e.ledger.FindSalesInvoice(ctx, order.OrderNumber)
		switch {
		case err == nil:
			return e.adoptInvoice(ctx, log, order.ID, existing.Number)
		case !errors.Is(err, accurate.ErrNotFound):
			return "", fmt.Errorf("look up sales invoice: %w", err)
		}
	}

	inv := e.buildInvoice(order, customerNo, branch)
	if inv.Total() != order.TotalAmount {
		return "", fmt.Errorf("%w: invoice %d, order %d", ErrTotalMismatch, inv.Total(), order.TotalAmount)
	}

	number, err := e.ledger.SaveSalesInvoice(ctx, inv)
	if errors.Is(err, accurate.ErrNumberTaken) {
		return e.adoptInvoice(ctx, log, order.ID, inv.Number)
	}
	if err != nil {
		return "", err
	}

	if err := e.store.MarkLedgerInvoiced(ctx, order.ID, number); err != nil {
		return "", err
	}
	log.Info("sales invoice created", zap.String("invoice", number))
	return number, nil
}

func (e *Engine) adoptInvoice(ctx context.Context, log *zap.Logger, orderID int64, number string) (string, error) {
	if err := e.store.MarkLedgerInvoiced(ctx, orderID, number); err != nil {
		return "", err
	}
	log.Info("existing sales invoice adopted", zap.String("invoice", number))
	return number, nil
}

func (e *Engine) buildInvoice(order *model.Order, customerNo, branch string) accurate.Invoice {
	inv := accurate.Invoice{
		Number:       order.OrderNumber,
		TransDate:    order.CreatedAt.In(wib).Format(accurate.DateLayout),
		CustomerNo:   customerNo,
		BranchName:   branch,
		Description:  "Order " + order.OrderNumber,
		CashDiscount: order.DiscountAmount,
	}

	for _, it := range order.Items {
		inv.DetailItem = append(inv.DetailItem, accurate.InvoiceLine{
			ItemNo:    it.SKU,
			Quantity:  it.Quantity,
			UnitPrice: it.Price,
		})
	}

	for _, ex := range []struct {
		name   string
		amount int64
	}{
		{"Shipping", order.ShippingCost},
		{"Tax", order.TaxAmount},
		{"Credit card fee", order.AdminFee},
	} {
		if ex.amount > 0 {
			inv.DetailExpense = append(inv.DetailExpense, accurate.ExpenseLine{
				AccountNo:     e.cfg.ExpenseAccountNo,
				ExpenseName:   ex.name,
				ExpenseAmount: ex.amount,
			})
		}
	}
	return inv
}

func (e *Engine) fail(ctx context.Context, orderID int64, cause error) error {
	if err := e.store.MarkLedgerFailed(ctx, orderID, cause.Error()); err != nil {
		e.logger.Error("mark ledger sync failed", zap.Int64("order_id", orderID), zap.Error(err))
	}
	return cause
}

// UpdateCustomerCategory переносит ценовую категорию покупателя в учётную систему.
func (e *Engine) UpdateCustomerCategory(ctx context.Context, email string, categoryID int64) error {
	user, err := e.store.GetUserByEmail(ctx, email)
	if err != nil {
		return err
	}

	ref, err := e.ledger.ResolveCustomer(ctx, accurate.NewCustomer{
		Name:            user.Name,
		Email:           user.Email,
		PriceCategoryID: categoryID,
	})
	if err != nil {
		return fmt.Errorf("resolve customer: %w", err)
	}

	if err := e.ledger.UpdateCustomerPriceCategory(ctx, user.Email, *ref, categoryID); err != nil {
		return err
	}

	e.logger.Info("customer price category synced",
		zap.String("email", user.Email),
		zap.String("customer_no", ref.CustomerNo),
		zap.Int64("category_id", categoryID),
	)
	return nil
}
