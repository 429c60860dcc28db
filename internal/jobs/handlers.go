package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/mmeshcher/storefront-settlement/internal/accurate"
	"github.com/mmeshcher/storefront-settlement/internal/catalog"
	"github.com/mmeshcher/storefront-settlement/internal/ledgersync"
	"github.com/mmeshcher/storefront-settlement/internal/repository"
)

// LedgerSyncer проводит оплаченный заказ в учётной системе.
type LedgerSyncer interface {
	SyncOrder(ctx context.Context, orderID int64, paymentMethodKey string) error
}

// CatalogPuller загружает каталог из учётной системы.
type CatalogPuller interface {
	Run(ctx context.Context) (catalog.Result, error)
}

// Maintenance выполняет периодическое обслуживание заказов.
type Maintenance interface {
	CompleteDeliveredOrders(ctx context.Context) (int, error)
	ReleaseExpiredOrders(ctx context.Context) (int, error)
	EnqueueUnsyncedOrders(ctx context.Context) (int, error)
}

// Handlers содержит обработчики всех типов задач.
type Handlers struct {
	ledger      LedgerSyncer
	catalog     CatalogPuller
	maintenance Maintenance
	metrics     *Metrics
	logger      *zap.Logger
}

// NewHandlers создаёт набор обработчиков.
func NewHandlers(ledger LedgerSyncer, puller CatalogPuller, maintenance Maintenance, metrics *Metrics, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		ledger:      ledger,
		catalog:     puller,
		maintenance: maintenance,
		metrics:     metrics,
		logger:      logger,
	}
}

// TaskHandlers возвращает обработчики для регистрации в воркере.
func (h *Handlers) TaskHandlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskLedgerSync, Handler: h.HandleLedgerSync},
		{Type: TaskCatalogPull, Handler: h.HandleCatalogPull},
		{Type: TaskAutoComplete, Handler: h.housekeeping(TaskAutoComplete, h.maintenance.CompleteDeliveredOrders)},
		{Type: TaskReleaseExpired, Handler: h.housekeeping(TaskReleaseExpired, h.maintenance.ReleaseExpiredOrders)},
		{Type: TaskLedgerReconcile, Handler: h.housekeeping(TaskLedgerReconcile, h.maintenance.EnqueueUnsyncedOrders)},
	}
}

// HandleLedgerSync выполняет синхронизацию одного заказа.
// Ошибки, которые не исправятся повтором, завершают задачу без ретраев.
func (h *Handlers) HandleLedgerSync(ctx context.Context, t *asynq.Task) (err error) {
	var payload LedgerSyncPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode ledger sync payload: %v: %w", err, asynq.SkipRetry)
	}

	tracker := h.metrics.Track(TaskLedgerSync)
	defer func() {
		err = tracker.End(err)
	}()

	log := h.logger.With(zap.Int64("order_id", payload.OrderID), zap.String("order", payload.OrderNumber))

	err = h.ledger.SyncOrder(ctx, payload.OrderID, payload.PaymentMethod)
	if err == nil {
		log.Info("ledger sync finished")
		return nil
	}
	if isPermanent(err) {
		log.Warn("ledger sync dropped", zap.Error(err))
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	log.Error("ledger sync failed, will retry", zap.Error(err))
	return err
}

// HandleCatalogPull загружает каталог.
func (h *Handlers) HandleCatalogPull(ctx context.Context, _ *asynq.Task) (err error) {
	tracker := h.metrics.Track(TaskCatalogPull)
	defer func() {
		err = tracker.End(err)
	}()

	res, err := h.catalog.Run(ctx)
	if err != nil {
		if errors.Is(err, accurate.ErrDatabaseNotOpened) || errors.Is(err, repository.ErrLedgerSessionMissing) {
			h.logger.Warn("catalog pull skipped, ledger is not connected", zap.Error(err))
			return nil
		}
		return err
	}
	h.metrics.AddAffected(TaskCatalogPull, res.Created+res.Updated)
	return nil
}

func (h *Handlers) housekeeping(job string, run func(context.Context) (int, error)) asynq.HandlerFunc {
	return func(ctx context.Context, _ *asynq.Task) (err error) {
		tracker := h.metrics.Track(job)
		defer func() {
			err = tracker.End(err)
		}()

		n, err := run(ctx)
		if err != nil {
			h.logger.Error("housekeeping failed", zap.String("job", job), zap.Int("processed", n), zap.Error(err))
			return err
		}
		if n > 0 {
			h.logger.Info("housekeeping done", zap.String("job", job), zap.Int("processed", n))
		}
		h.metrics.AddAffected(job, n)
		return nil
	}
}

// isPermanent отделяет ошибки данных и настройки от транспортных.
// Такие задачи уходят в архив; периодическая сверка и ручной перезапуск ставят их заново.
func isPermanent(err error) bool {
	for _, target := range []error{
		ledgersync.ErrOrderNotPaid,
		ledgersync.ErrTotalMismatch,
		repository.ErrPaymentMethodUnmapped,
		repository.ErrOrderNotFound,
		repository.ErrUserNotFound,
		repository.ErrLedgerSessionMissing,
		accurate.ErrDatabaseNotOpened,
		accurate.ErrRejected,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
