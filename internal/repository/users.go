package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/storefront-settlement/internal/model"
)

const userColumns = `id, email, name, password_hash, role, default_discount_percentage::text, created_at`

// CreateUser создаёт нового пользователя.
func (r *PostgresRepository) CreateUser(ctx context.Context, u model.User) (int64, error) {
	role := u.Role
	if role == "" {
		role = model.RoleMember
	}

	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (email, name, password_hash, role, default_discount_percentage)
		 VALUES ($1, $2, $3, $4, $5::numeric) RETURNING id`,
		u.Email, u.Name, u.PasswordHash, string(role), u.DefaultDiscountPercentage.String(),
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, u.Email)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByEmail возвращает пользователя по email.
func (r *PostgresRepository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	return scanUser(row)
}

// GetUser возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUser(ctx context.Context, id int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func scanUser(row pgx.Row) (*model.User, error) {
	var (
		u    model.User
		role string
		pct  string
	)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &role, &pct, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	u.Role = model.Role(role)
	if u.DefaultDiscountPercentage, err = parsePercent(pct); err != nil {
		return nil, err
	}
	return &u, nil
}

// SetDefaultDiscount задаёт скидку пользователя по умолчанию.
func (r *PostgresRepository) SetDefaultDiscount(ctx context.Context, userID int64, pct decimal.Decimal) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET default_discount_percentage = $2::numeric WHERE id = $1`,
		userID, pct.String(),
	)
	if err != nil {
		return fmt.Errorf("set default discount: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetCategoryDiscount задаёт персональную скидку пользователя на категорию.
func (r *PostgresRepository) SetCategoryDiscount(ctx context.Context, userID, categoryID int64, pct decimal.Decimal) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_category_discounts (user_id, category_id, discount_percentage)
		 VALUES ($1, $2, $3::numeric)
		 ON CONFLICT (user_id, category_id) DO UPDATE SET discount_percentage = EXCLUDED.discount_percentage`,
		userID, categoryID, pct.String(),
	)
	if err != nil {
		return fmt.Errorf("set category discount: %w", err)
	}
	return nil
}

// SetProductDiscount задаёт персональную скидку пользователя на товар.
func (r *PostgresRepository) SetProductDiscount(ctx context.Context, userID, productID int64, pct decimal.Decimal) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_product_discounts (user_id, product_id, discount_percentage)
		 VALUES ($1, $2, $3::numeric)
		 ON CONFLICT (user_id, product_id) DO UPDATE SET discount_percentage = EXCLUDED.discount_percentage`,
		userID, productID, pct.String(),
	)
	if err != nil {
		return fmt.Errorf("set product discount: %w", err)
	}
	return nil
}

// GetDiscountRules загружает персональные скидки пользователя по товарам и категориям.
func (r *PostgresRepository) GetDiscountRules(ctx context.Context, userID int64) (model.DiscountRules, error) {
	rules := model.DiscountRules{
		Product:  make(map[int64]decimal.Decimal),
		Category: make(map[int64]decimal.Decimal),
	}

	if err := r.loadRules(ctx, rules.Product,
		`SELECT product_id, discount_percentage::text FROM user_product_discounts WHERE user_id = $1`, userID); err != nil {
		return rules, fmt.Errorf("load product discounts: %w", err)
	}

	if err := r.loadRules(ctx, rules.Category,
		`SELECT category_id, discount_percentage::text FROM user_category_discounts WHERE user_id = $1`, userID); err != nil {
		return rules, fmt.Errorf("load category discounts: %w", err)
	}

	return rules, nil
}

func (r *PostgresRepository) loadRules(ctx context.Context, dst map[int64]decimal.Decimal, query string, userID int64) error {
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id  int64
			pct string
		)
		if err := rows.Scan(&id, &pct); err != nil {
			return err
		}
		d, err := parsePercent(pct)
		if err != nil {
			return err
		}
		dst[id] = d
	}
	return rows.Err()
}
