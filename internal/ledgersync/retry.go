package ledgersync

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/storefront-settlement/internal/accurate"
)

// DefaultReceiptAttempts задаёт число попыток создания квитанции.
const DefaultReceiptAttempts = 5

// linearBackoff возвращает паузы step, 2*step, 3*step и так далее.
func linearBackoff(step time.Duration) retry.Backoff {
	var attempt int64
	return retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		return time.Duration(attempt) * step, false
	})
}

// withReceiptRetry повторяет fn, только пока счёт ещё не виден в учётной системе.
// Любая другая ошибка возвращается сразу.
func withReceiptRetry(ctx context.Context, step time.Duration, attempts int, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	b := retry.WithMaxRetries(uint64(attempts-1), linearBackoff(step))

	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, accurate.ErrInvoiceNotVisible) {
			return retry.RetryableError(err)
		}
		return err
	})
}
