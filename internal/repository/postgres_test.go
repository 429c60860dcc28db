package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mmeshcher/storefront-settlement/internal/model"
)

func newTestRepository(t *testing.T) *PostgresRepository {
	t.Helper()

	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("storefront_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	repo, err := NewPostgresRepository(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	return repo
}

type stubPlanner struct {
	checkoutErr error
	checkouts   atomic.Int32
}

func (p *stubPlanner) PriceItem(product model.Product, _ int) model.OrderItem {
	return model.OrderItem{Price: product.Price, OriginalPrice: product.Price, DiscountPercentage: decimal.Zero}
}

func (p *stubPlanner) Finalize(o *model.Order) error {
	o.TotalAmount = o.Subtotal + o.ShippingCost
	return nil
}

func (p *stubPlanner) Checkout(_ context.Context, o *model.Order) (*model.Payment, error) {
	p.checkouts.Add(1)
	if p.checkoutErr != nil {
		return nil, p.checkoutErr
	}
	return &model.Payment{Amount: o.TotalAmount, Class: model.PaymentClassBankTransfer, TransactionID: "snap-" + o.OrderNumber}, nil
}

func seed(t *testing.T, repo *PostgresRepository, stock int) (int64, int64) {
	t.Helper()
	ctx := context.Background()

	userID, err := repo.CreateUser(ctx, model.User{Email: fmt.Sprintf("u%d@example.com", time.Now().UnixNano()), PasswordHash: []byte("x")})
	require.NoError(t, err)

	_, err = repo.UpsertProductBySKU(ctx, model.Product{SKU: fmt.Sprintf("SKU-%d", time.Now().UnixNano()), Name: "Kopi", Price: 50000, Stock: stock})
	require.NoError(t, err)

	var productID int64
	require.NoError(t, repo.pool.QueryRow(ctx, `SELECT MAX(id) FROM products`).Scan(&productID))

	return userID, productID
}

func draftFor(userID, productID int64, number string) OrderDraft {
	return OrderDraft{
		UserID:          userID,
		OrderNumber:     number,
		Items:           []DraftItem{{ProductID: productID, Quantity: 1}},
		ShippingAddress: "Jl. Sudirman 1",
		PaymentClass:    model.PaymentClassBankTransfer,
	}
}

func TestCreateOrder_ConcurrentLastUnit(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	userID, productID := seed(t, repo, 1)

	var (
		wg       sync.WaitGroup
		success  atomic.Int32
		outOfStk atomic.Int32
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := repo.CreateOrder(ctx, draftFor(userID, productID, fmt.Sprintf("20250101000000%d", i)), &stubPlanner{})
			switch {
			case err == nil:
				success.Add(1)
			case errors.Is(err, ErrInsufficientStock):
				outOfStk.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), success.Load())
	assert.Equal(t, int32(1), outOfStk.Load())

	p, err := repo.GetProduct(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Stock)
}

func TestCreateOrder_CheckoutFailureRollsBack(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	userID, productID := seed(t, repo, 3)

	gatewayErr := errors.New("gateway down")
	_, _, err := repo.CreateOrder(ctx, draftFor(userID, productID, "202501010000001"), &stubPlanner{checkoutErr: gatewayErr})
	require.ErrorIs(t, err, gatewayErr)

	p, err := repo.GetProduct(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Stock)

	_, err = repo.GetOrderByNumber(ctx, "202501010000001")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestCreateOrder_UnknownProduct(t *testing.T) {
	repo := newTestRepository(t)
	userID, _ := seed(t, repo, 1)

	_, _, err := repo.CreateOrder(context.Background(), draftFor(userID, 999999, "202501010000002"), &stubPlanner{})
	assert.ErrorIs(t, err, ErrProductNotFound)
}

func TestCreateOrder_DuplicateNumber(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	userID, productID := seed(t, repo, 3)

	_, _, err := repo.CreateOrder(ctx, draftFor(userID, productID, "202501010000008"), &stubPlanner{})
	require.NoError(t, err)

	_, _, err = repo.CreateOrder(ctx, draftFor(userID, productID, "202501010000008"), &stubPlanner{})
	require.ErrorIs(t, err, ErrOrderNumberTaken)

	p, err := repo.GetProduct(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Stock)
}

func TestPaymentUpdate_StatusMachine(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	userID, productID := seed(t, repo, 2)

	order, _, err := repo.CreateOrder(ctx, draftFor(userID, productID, "202501010000003"), &stubPlanner{})
	require.NoError(t, err)

	err = repo.ApplyPaymentUpdate(ctx, order.ID, PaymentUpdate{
		OrderStatus:   model.OrderStatusProcessing,
		PaymentStatus: model.PaymentStatusSuccess,
		Method:        "bca_va",
	})
	require.NoError(t, err)

	err = repo.ApplyPaymentUpdate(ctx, order.ID, PaymentUpdate{
		OrderStatus:   model.OrderStatusCancelled,
		PaymentStatus: model.PaymentStatusFailed,
	})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := repo.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusProcessing, got.Status)

	pay, err := repo.GetPayment(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusSuccess, pay.Status)
	assert.Equal(t, "bca_va", pay.Method)
}

func TestTransitionOrderStatus_CancelRestocks(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	userID, productID := seed(t, repo, 2)

	order, _, err := repo.CreateOrder(ctx, draftFor(userID, productID, "202501010000004"), &stubPlanner{})
	require.NoError(t, err)

	require.NoError(t, repo.TransitionOrderStatus(ctx, order.ID, model.OrderStatusCancelled))

	p, err := repo.GetProduct(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Stock)

	assert.ErrorIs(t, repo.TransitionOrderStatus(ctx, order.ID, model.OrderStatusCancelled), ErrInvalidTransition)
}

func TestUpsertProductBySKU_KeepsReservations(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	userID, productID := seed(t, repo, 5)

	product, err := repo.GetProduct(ctx, productID)
	require.NoError(t, err)

	draft := draftFor(userID, productID, "202501010000006")
	draft.Items[0].Quantity = 2
	order, _, err := repo.CreateOrder(ctx, draft, &stubPlanner{})
	require.NoError(t, err)

	erp := model.Product{SKU: product.SKU, Name: product.Name, Price: product.Price, Stock: 5}
	created, err := repo.UpsertProductBySKU(ctx, erp)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := repo.GetProduct(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Stock)

	require.NoError(t, repo.TransitionOrderStatus(ctx, order.ID, model.OrderStatusCancelled))

	got, err = repo.GetProduct(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Stock)

	_, err = repo.UpsertProductBySKU(ctx, erp)
	require.NoError(t, err)
	got, err = repo.GetProduct(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Stock)
}

func TestUpsertProductBySKU_InvoicedOrdersAreInLedgerStock(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	userID, productID := seed(t, repo, 5)

	product, err := repo.GetProduct(ctx, productID)
	require.NoError(t, err)

	order, _, err := repo.CreateOrder(ctx, draftFor(userID, productID, "202501010000007"), &stubPlanner{})
	require.NoError(t, err)
	_, err = repo.ClaimLedgerSync(ctx, order.ID)
	require.NoError(t, err)
	require.NoError(t, repo.MarkLedgerInvoiced(ctx, order.ID, order.OrderNumber))

	_, err = repo.UpsertProductBySKU(ctx, model.Product{SKU: product.SKU, Name: product.Name, Price: product.Price, Stock: 4})
	require.NoError(t, err)

	got, err := repo.GetProduct(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Stock)
}

func TestClaimLedgerSync_Lifecycle(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	userID, productID := seed(t, repo, 1)

	order, _, err := repo.CreateOrder(ctx, draftFor(userID, productID, "202501010000005"), &stubPlanner{})
	require.NoError(t, err)

	first, err := repo.ClaimLedgerSync(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, first.Fresh)
	assert.Equal(t, model.LedgerSyncInProgress, first.Status)

	require.NoError(t, repo.MarkLedgerFailed(ctx, order.ID, "boom"))

	second, err := repo.ClaimLedgerSync(ctx, order.ID)
	require.NoError(t, err)
	assert.False(t, second.Fresh)
	assert.Equal(t, model.LedgerSyncInProgress, second.Status)
	assert.Equal(t, 2, second.Attempts)

	require.NoError(t, repo.MarkLedgerInvoiced(ctx, order.ID, order.OrderNumber))
	third, err := repo.ClaimLedgerSync(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LedgerSyncInvoiced, third.Status)
	require.NotNil(t, third.InvoiceNumber)
	assert.Equal(t, order.OrderNumber, *third.InvoiceNumber)

	got, err := repo.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AccurateSalesInvoiceNumber)
}
