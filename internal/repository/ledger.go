package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/storefront-settlement/internal/model"
)

// LoadLedgerSession возвращает сохранённую OAuth-сессию учётной системы.
func (r *PostgresRepository) LoadLedgerSession(ctx context.Context) (*model.LedgerSession, error) {
	var s model.LedgerSession
	err := r.pool.QueryRow(ctx,
		`SELECT access_token, refresh_token, expires_at, database_id, host, session_id, branch_name, updated_at
		 FROM ledger_sessions WHERE id = 1`,
	).Scan(&s.AccessToken, &s.RefreshToken, &s.ExpiresAt, &s.DatabaseID, &s.Host, &s.SessionID, &s.BranchName, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLedgerSessionMissing
		}
		return nil, fmt.Errorf("load ledger session: %w", err)
	}
	return &s, nil
}

// SaveLedgerSession сохраняет OAuth-сессию учётной системы.
func (r *PostgresRepository) SaveLedgerSession(ctx context.Context, s model.LedgerSession) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO ledger_sessions (id, access_token, refresh_token, expires_at, database_id, host, session_id, branch_name)
		 VALUES (1, $1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		     access_token = EXCLUDED.access_token,
		     refresh_token = EXCLUDED.refresh_token,
		     expires_at = EXCLUDED.expires_at,
		     database_id = EXCLUDED.database_id,
		     host = EXCLUDED.host,
		     session_id = EXCLUDED.session_id,
		     branch_name = EXCLUDED.branch_name,
		     updated_at = NOW()`,
		s.AccessToken, s.RefreshToken, s.ExpiresAt, s.DatabaseID, s.Host, s.SessionID, s.BranchName,
	)
	if err != nil {
		return fmt.Errorf("save ledger session: %w", err)
	}
	return nil
}

// GetPaymentMethodMapping возвращает счёт учётной системы для канала оплаты.
func (r *PostgresRepository) GetPaymentMethodMapping(ctx context.Context, key string) (*model.PaymentMethodMapping, error) {
	var m model.PaymentMethodMapping
	err := r.pool.QueryRow(ctx,
		`SELECT payment_method_key, bank_account_no, bank_account_name FROM payment_method_mappings WHERE payment_method_key = $1`,
		key,
	).Scan(&m.PaymentMethodKey, &m.BankAccountNo, &m.BankAccountName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %q", ErrPaymentMethodUnmapped, key)
		}
		return nil, fmt.Errorf("get payment method mapping: %w", err)
	}
	return &m, nil
}

// SavePaymentMethodMapping создаёт или обновляет привязку канала оплаты к счёту.
func (r *PostgresRepository) SavePaymentMethodMapping(ctx context.Context, m model.PaymentMethodMapping) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO payment_method_mappings (payment_method_key, bank_account_no, bank_account_name)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (payment_method_key) DO UPDATE SET
		     bank_account_no = EXCLUDED.bank_account_no,
		     bank_account_name = EXCLUDED.bank_account_name`,
		m.PaymentMethodKey, m.BankAccountNo, m.BankAccountName,
	)
	if err != nil {
		return fmt.Errorf("save payment method mapping: %w", err)
	}
	return nil
}

// ClaimLedgerSync создаёт запись выгрузки заказа или забирает существующую.
// Упавшая запись возвращается в IN_PROGRESS; INVOICED и COMPLETED не меняются.
func (r *PostgresRepository) ClaimLedgerSync(ctx context.Context, orderID int64) (*model.LedgerSync, error) {
	var (
		s      model.LedgerSync
		status string
	)
	err := r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx,
			`INSERT INTO ledger_syncs (order_id, status) VALUES ($1, $2)
			 ON CONFLICT (order_id) DO UPDATE SET
			     status = CASE WHEN ledger_syncs.status = $3 THEN $2 ELSE ledger_syncs.status END,
			     attempts = ledger_syncs.attempts + 1,
			     updated_at = NOW()
			 RETURNING order_id, status, invoice_number, receipt_number, attempts, last_error, (xmax = 0) AS inserted`,
			orderID, string(model.LedgerSyncInProgress), string(model.LedgerSyncFailed),
		).Scan(&s.OrderID, &status, &s.InvoiceNumber, &s.ReceiptNumber, &s.Attempts, &s.LastError, &s.Fresh)
	})
	if err != nil {
		return nil, fmt.Errorf("claim ledger sync: %w", err)
	}
	s.Status = model.LedgerSyncStatus(status)
	return &s, nil
}

// MarkLedgerInvoiced фиксирует номер счёта в записи выгрузки и в заказе одной транзакцией.
func (r *PostgresRepository) MarkLedgerInvoiced(ctx context.Context, orderID int64, invoiceNumber string) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE orders SET accurate_sales_invoice_number = $2, updated_at = NOW() WHERE id = $1`,
			orderID, invoiceNumber,
		)
		if err != nil {
			return fmt.Errorf("set order invoice number: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE ledger_syncs SET status = $2, invoice_number = $3, last_error = '', updated_at = NOW()
			 WHERE order_id = $1`,
			orderID, string(model.LedgerSyncInvoiced), invoiceNumber,
		)
		if err != nil {
			return fmt.Errorf("mark ledger invoiced: %w", err)
		}
		return nil
	})
}

// MarkLedgerCompleted фиксирует номер квитанции и завершает выгрузку.
func (r *PostgresRepository) MarkLedgerCompleted(ctx context.Context, orderID int64, receiptNumber string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE ledger_syncs SET status = $2, receipt_number = $3, last_error = '', updated_at = NOW()
		 WHERE order_id = $1`,
		orderID, string(model.LedgerSyncCompleted), receiptNumber,
	)
	if err != nil {
		return fmt.Errorf("mark ledger completed: %w", err)
	}
	return nil
}

// MarkLedgerFailed переводит незавершённую выгрузку в FAILED, чтобы следующая попытка могла её забрать.
func (r *PostgresRepository) MarkLedgerFailed(ctx context.Context, orderID int64, cause string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE ledger_syncs SET status = $2, last_error = $3, updated_at = NOW()
		 WHERE order_id = $1 AND status = $4`,
		orderID, string(model.LedgerSyncFailed), cause, string(model.LedgerSyncInProgress),
	)
	if err != nil {
		return fmt.Errorf("mark ledger failed: %w", err)
	}
	return nil
}

// RecordLedgerError сохраняет последнюю ошибку выгрузки, не меняя её стадию.
func (r *PostgresRepository) RecordLedgerError(ctx context.Context, orderID int64, cause string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE ledger_syncs SET last_error = $2, updated_at = NOW() WHERE order_id = $1`,
		orderID, cause,
	)
	if err != nil {
		return fmt.Errorf("record ledger error: %w", err)
	}
	return nil
}
