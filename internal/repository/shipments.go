package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/storefront-settlement/internal/model"
)

// CreateShipment сохраняет отправку и переводит заказ из PROCESSING в SHIPPED в одной транзакции.
func (r *PostgresRepository) CreateShipment(ctx context.Context, s model.Shipment) (*model.Shipment, error) {
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		if err := casStatusFrom(ctx, tx, s.OrderID, model.OrderStatusProcessing, model.OrderStatusShipped); err != nil {
			return err
		}

		err := tx.QueryRow(ctx,
			`INSERT INTO shipments (order_id, courier, tracking_number, shipping_cost)
			 VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
			s.OrderID, s.Courier, s.TrackingNumber, s.ShippingCost,
		).Scan(&s.ID, &s.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: shipment already exists", ErrInvalidTransition)
			}
			return fmt.Errorf("insert shipment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// FindOrderByTrackingNumber ищет заказ по номеру накладной перевозчика.
func (r *PostgresRepository) FindOrderByTrackingNumber(ctx context.Context, trackingNumber string) (*model.Order, error) {
	var orderID int64
	err := r.pool.QueryRow(ctx,
		`SELECT order_id FROM shipments WHERE tracking_number = $1`,
		trackingNumber,
	).Scan(&orderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrShipmentNotFound
		}
		return nil, fmt.Errorf("find shipment: %w", err)
	}
	return r.GetOrder(ctx, orderID)
}
