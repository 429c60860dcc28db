package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/storefront-settlement/internal/model"
)

const productColumns = `id, sku, name, price, stock, category_id, brand_id, updated_at`

func scanProduct(row pgx.Row) (*model.Product, error) {
	var p model.Product
	err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.Price, &p.Stock, &p.CategoryID, &p.BrandID, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	return &p, nil
}

// GetProduct возвращает товар по идентификатору.
func (r *PostgresRepository) GetProduct(ctx context.Context, id int64) (*model.Product, error) {
	return scanProduct(r.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
}

// UpsertProductBySKU создаёт товар или обновляет название, цену и остаток существующего.
// Остаток учётной системы уменьшается на резерв заказов, ещё не выставленных в ней счетом:
// такие списания учётная система пока не видит.
// Возвращает true, если товар был создан.
func (r *PostgresRepository) UpsertProductBySKU(ctx context.Context, p model.Product) (bool, error) {
	var inserted bool
	err := r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx,
			`INSERT INTO products (sku, name, price, stock, category_id, brand_id)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (sku) DO UPDATE SET
			     name = EXCLUDED.name,
			     price = EXCLUDED.price,
			     stock = GREATEST(EXCLUDED.stock - (
			         SELECT COALESCE(SUM(oi.quantity), 0)
			         FROM order_items oi
			         JOIN orders o ON o.id = oi.order_id
			         WHERE oi.product_id = products.id
			           AND o.status <> 'CANCELLED'
			           AND o.accurate_sales_invoice_number IS NULL
			     ), 0),
			     category_id = COALESCE(EXCLUDED.category_id, products.category_id),
			     brand_id = COALESCE(EXCLUDED.brand_id, products.brand_id),
			     updated_at = NOW()
			 RETURNING (xmax = 0)`,
			p.SKU, p.Name, p.Price, p.Stock, p.CategoryID, p.BrandID,
		).Scan(&inserted)
	})
	if err != nil {
		return false, fmt.Errorf("upsert product %s: %w", p.SKU, err)
	}
	return inserted, nil
}
