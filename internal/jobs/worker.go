package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Worker объединяет сервер очереди и планировщик.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
	logger    *zap.Logger
}

// TaskHandler связывает тип задачи с обработчиком.
type TaskHandler struct {
	Type    string
	Handler asynq.HandlerFunc
}

// CronRegistration связывает cron-выражение с готовой задачей.
type CronRegistration struct {
	Spec    string
	Task    *asynq.Task
	Options []asynq.Option
}

// WorkerConfig содержит зависимости воркера.
type WorkerConfig struct {
	RedisOpts   asynq.RedisClientOpt
	Logger      *zap.Logger
	Concurrency int
	Handlers    []TaskHandler
	Cron        []CronRegistration
}

// NewWorker создаёт воркер и регистрирует обработчики и расписание.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}

	srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueueCritical: 3,
			QueueDefault:  1,
		},
		Logger: logger.Sugar(),
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Warn("task failed",
				zap.String("type", task.Type()),
				zap.ByteString("payload", task.Payload()),
				zap.Error(err),
			)
		}),
	})

	mux := asynq.NewServeMux()
	for _, h := range cfg.Handlers {
		if h.Type == "" || h.Handler == nil {
			continue
		}
		mux.HandleFunc(h.Type, h.Handler)
	}

	var scheduler *asynq.Scheduler
	if len(cfg.Cron) > 0 {
		scheduler = asynq.NewScheduler(cfg.RedisOpts, &asynq.SchedulerOpts{
			Location: time.UTC,
			Logger:   logger.Sugar(),
		})
		for _, entry := range cfg.Cron {
			if entry.Spec == "" || entry.Task == nil {
				continue
			}
			if _, err := scheduler.Register(entry.Spec, entry.Task, entry.Options...); err != nil {
				return nil, fmt.Errorf("register %s: %w", entry.Task.Type(), err)
			}
		}
	}

	return &Worker{server: srv, mux: mux, scheduler: scheduler, logger: logger}, nil
}

// Run обрабатывает задачи до отмены контекста.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return errors.New("worker: not configured")
	}
	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- w.server.Run(w.mux)
	}()

	select {
	case <-ctx.Done():
		w.logger.Info("stopping job worker")
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		w.server.Shutdown()
		return nil
	case err := <-errCh:
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		return err
	}
}

// Client ставит задачи в очередь.
type Client struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

// NewClient создаёт клиента очереди.
func NewClient(redisOpts asynq.RedisClientOpt) *Client {
	return &Client{
		client:    asynq.NewClient(redisOpts),
		inspector: asynq.NewInspector(redisOpts),
	}
}

// EnqueueLedgerSync ставит заказ на синхронизацию с учётной системой.
// Если задача для заказа ещё ждёт выполнения, вызов считается успешным.
// Архивная или завершённая задача с тем же номером удаляется и ставится заново.
func (c *Client) EnqueueLedgerSync(ctx context.Context, orderID int64, orderNumber, paymentMethod string) error {
	task, err := NewLedgerSyncTask(LedgerSyncPayload{
		OrderID:       orderID,
		OrderNumber:   orderNumber,
		PaymentMethod: paymentMethod,
	})
	if err != nil {
		return err
	}

	_, err = c.client.EnqueueContext(ctx, task)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, asynq.ErrDuplicateTask):
		return nil
	case !errors.Is(err, asynq.ErrTaskIDConflict):
		return fmt.Errorf("enqueue ledger sync: %w", err)
	}

	released, err := c.releaseFinished(QueueCritical, orderNumber)
	if err != nil {
		return fmt.Errorf("inspect ledger sync task: %w", err)
	}
	if !released {
		return nil
	}

	if _, err := c.client.EnqueueContext(ctx, task); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("re-enqueue ledger sync: %w", err)
	}
	return nil
}

// releaseFinished удаляет задачу, которая уже не будет выполнена: архивную или завершённую.
// Ожидающие, активные, повторяемые и отложенные задачи остаются на месте.
func (c *Client) releaseFinished(queue, taskID string) (bool, error) {
	info, err := c.inspector.GetTaskInfo(queue, taskID)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) {
			return true, nil
		}
		return false, err
	}

	switch info.State {
	case asynq.TaskStateArchived, asynq.TaskStateCompleted:
	default:
		return false, nil
	}

	if err := c.inspector.DeleteTask(queue, taskID); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
		return false, err
	}
	return true, nil
}

// EnqueueCatalogPull запускает внеплановую загрузку каталога.
func (c *Client) EnqueueCatalogPull(ctx context.Context) error {
	if _, err := c.client.EnqueueContext(ctx, NewCatalogPullTask()); err != nil {
		return fmt.Errorf("enqueue catalog pull: %w", err)
	}
	return nil
}

// Close освобождает соединения клиента.
func (c *Client) Close() error {
	return errors.Join(c.client.Close(), c.inspector.Close())
}
