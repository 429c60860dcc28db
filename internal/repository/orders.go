package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mmeshcher/storefront-settlement/internal/model"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DraftItem описывает позицию создаваемого заказа.
type DraftItem struct {
	ProductID int64
	Quantity  int
}

// OrderDraft содержит входные данные заказа до расчёта цен.
type OrderDraft struct {
	UserID            int64
	OrderNumber       string
	Items             []DraftItem
	ShippingAddress   string
	DestinationAreaID string
	Courier           string
	ShippingCost      int64
	PaymentClass      model.PaymentClass
}

// OrderPlanner принимает ценовые решения и открывает платёжную сессию внутри транзакции заказа.
type OrderPlanner interface {
	// PriceItem фиксирует цену позиции по только что прочитанной строке товара.
	PriceItem(product model.Product, quantity int) model.OrderItem
	// Finalize заполняет налог, сборы и итоговую сумму заказа.
	Finalize(order *model.Order) error
	// Checkout открывает платёжную сессию; ошибка откатывает заказ вместе со списанием остатков.
	Checkout(ctx context.Context, order *model.Order) (*model.Payment, error)
}

// CreateOrder резервирует остатки, сохраняет заказ с позициями и платёж в одной транзакции.
func (r *PostgresRepository) CreateOrder(ctx context.Context, draft OrderDraft, planner OrderPlanner) (*model.Order, *model.Payment, error) {
	items := make([]DraftItem, len(draft.Items))
	copy(items, draft.Items)
	// Единый порядок блокировок строк товаров между конкурентными заказами.
	sort.Slice(items, func(i, j int) bool { return items[i].ProductID < items[j].ProductID })

	var (
		order   *model.Order
		payment *model.Payment
	)

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		o := &model.Order{
			OrderNumber:       draft.OrderNumber,
			UserID:            draft.UserID,
			Status:            model.OrderStatusPending,
			ShippingAddress:   draft.ShippingAddress,
			DestinationAreaID: draft.DestinationAreaID,
			Courier:           draft.Courier,
			ShippingCost:      draft.ShippingCost,
		}

		for _, it := range items {
			product, err := scanProduct(tx.QueryRow(ctx,
				`SELECT `+productColumns+` FROM products WHERE id = $1`, it.ProductID))
			if err != nil {
				if errors.Is(err, ErrProductNotFound) {
					return fmt.Errorf("%w: %d", ErrProductNotFound, it.ProductID)
				}
				return err
			}

			tag, err := tx.Exec(ctx,
				`UPDATE products SET stock = stock - $2, updated_at = NOW() WHERE id = $1 AND stock >= $2`,
				it.ProductID, it.Quantity,
			)
			if err != nil {
				return fmt.Errorf("reserve stock: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("%w: product %d", ErrInsufficientStock, it.ProductID)
			}

			line := planner.PriceItem(*product, it.Quantity)
			line.ProductID = product.ID
			line.SKU = product.SKU
			line.Name = product.Name
			line.Quantity = it.Quantity
			o.Subtotal += line.Price * int64(line.Quantity)
			o.Items = append(o.Items, line)
		}

		if err := planner.Finalize(o); err != nil {
			return err
		}

		err := tx.QueryRow(ctx,
			`INSERT INTO orders (order_number, user_id, subtotal, discount_amount, tax_amount, shipping_cost,
			     admin_fee, total_amount, status, shipping_address, destination_area_id, courier)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			 RETURNING id, created_at, updated_at`,
			o.OrderNumber, o.UserID, o.Subtotal, o.DiscountAmount, o.TaxAmount, o.ShippingCost,
			o.AdminFee, o.TotalAmount, string(o.Status), o.ShippingAddress, o.DestinationAreaID, o.Courier,
		).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrOrderNumberTaken, o.OrderNumber)
			}
			return fmt.Errorf("insert order: %w", err)
		}

		for i := range o.Items {
			line := &o.Items[i]
			line.OrderID = o.ID
			err := tx.QueryRow(ctx,
				`INSERT INTO order_items (order_id, product_id, quantity, price, original_price, discount_percentage)
				 VALUES ($1, $2, $3, $4, $5, $6::numeric) RETURNING id`,
				o.ID, line.ProductID, line.Quantity, line.Price, line.OriginalPrice, line.DiscountPercentage.String(),
			).Scan(&line.ID)
			if err != nil {
				return fmt.Errorf("insert order item: %w", err)
			}
		}

		p, err := planner.Checkout(ctx, o)
		if err != nil {
			return err
		}

		p.OrderID = o.ID
		if p.Status == "" {
			p.Status = model.PaymentStatusPending
		}
		err = tx.QueryRow(ctx,
			`INSERT INTO payments (order_id, amount, method, payment_class, status, transaction_id, redirect_url)
			 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, updated_at`,
			p.OrderID, p.Amount, p.Method, string(p.Class), string(p.Status), p.TransactionID, p.RedirectURL,
		).Scan(&p.ID, &p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}

		order, payment = o, p
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return order, payment, nil
}

const orderColumns = `id, order_number, user_id, subtotal, discount_amount, tax_amount, shipping_cost, admin_fee,
	total_amount, status, shipping_address, destination_area_id, courier,
	accurate_sales_order_number, accurate_sales_invoice_number, created_at, updated_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o      model.Order
		status string
	)
	err := row.Scan(&o.ID, &o.OrderNumber, &o.UserID, &o.Subtotal, &o.DiscountAmount, &o.TaxAmount,
		&o.ShippingCost, &o.AdminFee, &o.TotalAmount, &status, &o.ShippingAddress, &o.DestinationAreaID,
		&o.Courier, &o.AccurateSalesOrderNumber, &o.AccurateSalesInvoiceNumber, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	o.Status = model.OrderStatus(status)
	return &o, nil
}

func (r *PostgresRepository) loadOrder(ctx context.Context, where string, arg any) (*model.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+where, arg))
	if err != nil {
		return nil, err
	}

	o.Items, err = loadItems(ctx, r.pool, o.ID)
	if err != nil {
		return nil, err
	}
	return o, nil
}

func loadItems(ctx context.Context, q querier, orderID int64) ([]model.OrderItem, error) {
	rows, err := q.Query(ctx,
		`SELECT oi.id, oi.order_id, oi.product_id, p.sku, p.name, oi.quantity, oi.price, oi.original_price,
		        oi.discount_percentage::text
		 FROM order_items oi
		 JOIN products p ON p.id = oi.product_id
		 WHERE oi.order_id = $1
		 ORDER BY oi.id`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	var items []model.OrderItem
	for rows.Next() {
		var (
			it  model.OrderItem
			pct string
		)
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.SKU, &it.Name, &it.Quantity,
			&it.Price, &it.OriginalPrice, &pct); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		if it.DiscountPercentage, err = parsePercent(pct); err != nil {
			return nil, err
		}
		items = append(items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return items, nil
}

// GetOrderByNumber возвращает заказ с позициями по номеру.
func (r *PostgresRepository) GetOrderByNumber(ctx context.Context, number string) (*model.Order, error) {
	return r.loadOrder(ctx, `order_number = $1`, number)
}

// GetOrder возвращает заказ с позициями по идентификатору.
func (r *PostgresRepository) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	return r.loadOrder(ctx, `id = $1`, id)
}

// FindOrderBySalesOrderNumber ищет заказ по номеру заказа в учётной системе.
func (r *PostgresRepository) FindOrderBySalesOrderNumber(ctx context.Context, salesOrderNumber string) (*model.Order, error) {
	return r.loadOrder(ctx, `accurate_sales_order_number = $1`, salesOrderNumber)
}

// ListOrdersByUser возвращает заказы пользователя, новые первыми.
func (r *PostgresRepository) ListOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return orders, nil
}

// GetPayment возвращает платёж заказа.
func (r *PostgresRepository) GetPayment(ctx context.Context, orderID int64) (*model.Payment, error) {
	var (
		p      model.Payment
		class  string
		status string
	)
	err := r.pool.QueryRow(ctx,
		`SELECT id, order_id, amount, method, payment_class, status, transaction_id, redirect_url, updated_at
		 FROM payments WHERE order_id = $1`,
		orderID,
	).Scan(&p.ID, &p.OrderID, &p.Amount, &p.Method, &class, &status, &p.TransactionID, &p.RedirectURL, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	p.Class = model.PaymentClass(class)
	p.Status = model.PaymentStatus(status)
	return &p, nil
}

// casStatus переводит заказ в to, только если текущий статус допускает такой переход.
func casStatus(ctx context.Context, q querier, orderID int64, to model.OrderStatus) error {
	from := model.PredecessorsOf(to)
	if len(from) == 0 {
		return ErrInvalidTransition
	}

	names := make([]string, len(from))
	for i, s := range from {
		names[i] = string(s)
	}

	tag, err := q.Exec(ctx,
		`UPDATE orders SET status = $2, updated_at = NOW() WHERE id = $1 AND status = ANY($3)`,
		orderID, string(to), names,
	)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func casStatusFrom(ctx context.Context, q querier, orderID int64, from, to model.OrderStatus) error {
	if !model.CanTransition(from, to) {
		return ErrInvalidTransition
	}
	tag, err := q.Exec(ctx,
		`UPDATE orders SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2`,
		orderID, string(from), string(to),
	)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func restock(ctx context.Context, q querier, orderID int64) error {
	_, err := q.Exec(ctx,
		`UPDATE products p SET stock = p.stock + oi.quantity, updated_at = NOW()
		 FROM (SELECT product_id, SUM(quantity) AS quantity FROM order_items WHERE order_id = $1 GROUP BY product_id) oi
		 WHERE p.id = oi.product_id`,
		orderID,
	)
	if err != nil {
		return fmt.Errorf("restock order items: %w", err)
	}
	return nil
}

// TransitionOrderStatus переводит заказ в новый статус. Отмена возвращает товары на склад в той же транзакции.
func (r *PostgresRepository) TransitionOrderStatus(ctx context.Context, orderID int64, to model.OrderStatus) error {
	return r.withRetry(ctx, func() error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			if err := casStatus(ctx, tx, orderID, to); err != nil {
				return err
			}
			if to == model.OrderStatusCancelled {
				return restock(ctx, tx, orderID)
			}
			return nil
		})
	})
}

// PaymentUpdate описывает изменения, которые несёт уведомление платёжного шлюза.
// Пустой OrderStatus или PENDING означает, что статус заказа не меняется.
type PaymentUpdate struct {
	OrderStatus   model.OrderStatus
	PaymentStatus model.PaymentStatus
	Method        string

	// TransactionID записывается, только если токен сессии шлюза не сохранён.
	TransactionID string
}

// ApplyPaymentUpdate атомарно переводит заказ из PENDING и обновляет платёж.
// Возвращает ErrInvalidTransition, если заказ уже покинул PENDING.
func (r *PostgresRepository) ApplyPaymentUpdate(ctx context.Context, orderID int64, upd PaymentUpdate) error {
	return r.withRetry(ctx, func() error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			if upd.OrderStatus != "" && upd.OrderStatus != model.OrderStatusPending {
				if err := casStatusFrom(ctx, tx, orderID, model.OrderStatusPending, upd.OrderStatus); err != nil {
					return err
				}
				if upd.OrderStatus == model.OrderStatusCancelled {
					if err := restock(ctx, tx, orderID); err != nil {
						return err
					}
				}
			} else {
				var status string
				err := tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1 FOR UPDATE`, orderID).Scan(&status)
				if err != nil {
					if errors.Is(err, pgx.ErrNoRows) {
						return ErrOrderNotFound
					}
					return fmt.Errorf("lock order: %w", err)
				}
				if model.OrderStatus(status) != model.OrderStatusPending {
					return ErrInvalidTransition
				}
			}

			_, err := tx.Exec(ctx,
				`UPDATE payments SET
				     status = $2,
				     method = COALESCE(NULLIF($3, ''), method),
				     transaction_id = CASE WHEN transaction_id = '' THEN $4 ELSE transaction_id END,
				     updated_at = NOW()
				 WHERE order_id = $1`,
				orderID, string(upd.PaymentStatus), upd.Method, upd.TransactionID,
			)
			if err != nil {
				return fmt.Errorf("update payment: %w", err)
			}
			return nil
		})
	})
}

// SettlePendingPayment помечает ожидающий платёж заказа успешным. Возвращает false, если платёж уже не в PENDING.
func (r *PostgresRepository) SettlePendingPayment(ctx context.Context, orderID int64) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE payments SET status = $2, updated_at = NOW() WHERE order_id = $1 AND status = $3`,
		orderID, string(model.PaymentStatusSuccess), string(model.PaymentStatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("settle payment: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetSalesOrderNumber привязывает заказ к заказу покупателя в учётной системе.
func (r *PostgresRepository) SetSalesOrderNumber(ctx context.Context, orderID int64, salesOrderNumber string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE orders SET accurate_sales_order_number = $2, updated_at = NOW() WHERE id = $1`,
		orderID, salesOrderNumber,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrSalesOrderTaken, salesOrderNumber)
		}
		return fmt.Errorf("set sales order number: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// ConfirmByLedgerInvoice записывает номер счёта, если он ещё не задан, и переводит заказ из PENDING в PROCESSING.
// Возвращает true, если статус заказа изменился.
func (r *PostgresRepository) ConfirmByLedgerInvoice(ctx context.Context, orderID int64, invoiceNumber string) (bool, error) {
	var advanced bool
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE orders SET accurate_sales_invoice_number = $2
			 WHERE id = $1 AND accurate_sales_invoice_number IS NULL`,
			orderID, invoiceNumber,
		)
		if err != nil {
			return fmt.Errorf("set invoice number: %w", err)
		}

		err = casStatusFrom(ctx, tx, orderID, model.OrderStatusPending, model.OrderStatusProcessing)
		switch {
		case err == nil:
			advanced = true
		case errors.Is(err, ErrInvalidTransition):
		default:
			return err
		}
		return nil
	})
	return advanced, err
}

func (r *PostgresRepository) listIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListExpiredPending возвращает заказы, ожидающие оплаты с момента раньше before.
func (r *PostgresRepository) ListExpiredPending(ctx context.Context, before time.Time, limit int) ([]int64, error) {
	ids, err := r.listIDs(ctx,
		`SELECT id FROM orders WHERE status = $1 AND created_at < $2 ORDER BY created_at LIMIT $3`,
		string(model.OrderStatusPending), before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select expired orders: %w", err)
	}
	return ids, nil
}

// ListDeliveredBefore возвращает доставленные заказы, не менявшиеся с момента before.
func (r *PostgresRepository) ListDeliveredBefore(ctx context.Context, before time.Time, limit int) ([]int64, error) {
	ids, err := r.listIDs(ctx,
		`SELECT id FROM orders WHERE status = $1 AND updated_at < $2 ORDER BY updated_at LIMIT $3`,
		string(model.OrderStatusDelivered), before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select delivered orders: %w", err)
	}
	return ids, nil
}

// UnsyncedOrder описывает оплаченный заказ, ещё не выгруженный в учётную систему.
type UnsyncedOrder struct {
	ID            int64
	OrderNumber   string
	PaymentMethod string
}

// ListUnsyncedPaid возвращает оплаченные заказы без завершённой выгрузки, оплаченные раньше before.
func (r *PostgresRepository) ListUnsyncedPaid(ctx context.Context, before time.Time, limit int) ([]UnsyncedOrder, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT o.id, o.order_number, p.method
		 FROM orders o
		 JOIN payments p ON p.order_id = o.id
		 LEFT JOIN ledger_syncs ls ON ls.order_id = o.id
		 WHERE o.status = ANY($1)
		   AND p.status = $2
		   AND p.updated_at < $3
		   AND (ls.order_id IS NULL OR ls.status <> $4)
		 ORDER BY o.id
		 LIMIT $5`,
		[]string{
			string(model.OrderStatusProcessing),
			string(model.OrderStatusShipped),
			string(model.OrderStatusDelivered),
			string(model.OrderStatusCompleted),
		},
		string(model.PaymentStatusSuccess), before, string(model.LedgerSyncCompleted), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select unsynced orders: %w", err)
	}
	defer rows.Close()

	var res []UnsyncedOrder
	for rows.Next() {
		var u UnsyncedOrder
		if err := rows.Scan(&u.ID, &u.OrderNumber, &u.PaymentMethod); err != nil {
			return nil, fmt.Errorf("scan unsynced order: %w", err)
		}
		res = append(res, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}
