// Package jobs содержит фоновые задачи сервиса на очереди asynq.
package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueCritical обслуживает синхронизацию с учётной системой.
	QueueCritical = "critical"
	// QueueDefault обслуживает периодические задачи.
	QueueDefault = "default"
)

const (
	TaskLedgerSync      = "ledger:sync-order"
	TaskLedgerReconcile = "ledger:reconcile"
	TaskCatalogPull     = "catalog:pull"
	TaskAutoComplete    = "orders:auto-complete"
	TaskReleaseExpired  = "orders:release-expired"
)

// LedgerSyncMaxRetry ограничивает повторы задачи синхронизации очередью.
const LedgerSyncMaxRetry = 8

// LedgerSyncPayload описывает заказ, который нужно провести в учётной системе.
type LedgerSyncPayload struct {
	OrderID       int64  `json:"order_id"`
	OrderNumber   string `json:"order_number"`
	PaymentMethod string `json:"payment_method"`
}

// NewLedgerSyncTask создаёт задачу синхронизации.
// Идентификатор задачи совпадает с номером заказа, поэтому пока задача жива, повторная постановка отклоняется.
func NewLedgerSyncTask(payload LedgerSyncPayload) (*asynq.Task, error) {
	if payload.OrderID <= 0 || payload.OrderNumber == "" {
		return nil, fmt.Errorf("ledger sync: incomplete payload for order %d", payload.OrderID)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerSync, data,
		asynq.TaskID(payload.OrderNumber),
		asynq.Queue(QueueCritical),
		asynq.MaxRetry(LedgerSyncMaxRetry),
		asynq.Timeout(2*time.Minute),
	), nil
}

// NewCatalogPullTask создаёт задачу загрузки каталога.
func NewCatalogPullTask() *asynq.Task {
	return asynq.NewTask(TaskCatalogPull, nil, asynq.Queue(QueueDefault), asynq.MaxRetry(3), asynq.Timeout(10*time.Minute))
}

func newHousekeepingTask(taskType string) *asynq.Task {
	return asynq.NewTask(taskType, nil, asynq.Queue(QueueDefault), asynq.MaxRetry(1))
}

// Schedule задаёт cron-выражения периодических задач.
type Schedule struct {
	CatalogPull     string
	ReleaseExpired  string
	LedgerReconcile string
	AutoComplete    string
}

// DefaultSchedule возвращает расписание с интервалами по умолчанию.
func DefaultSchedule(catalogCron string) Schedule {
	if catalogCron == "" {
		catalogCron = "*/30 * * * *"
	}
	return Schedule{
		CatalogPull:     catalogCron,
		ReleaseExpired:  "*/15 * * * *",
		LedgerReconcile: "*/10 * * * *",
		AutoComplete:    "0 2 * * *",
	}
}

// Registrations превращает расписание в записи планировщика. Пустые выражения пропускаются.
func (s Schedule) Registrations() []CronRegistration {
	entries := []CronRegistration{
		{Spec: s.CatalogPull, Task: NewCatalogPullTask()},
		{Spec: s.ReleaseExpired, Task: newHousekeepingTask(TaskReleaseExpired)},
		{Spec: s.LedgerReconcile, Task: newHousekeepingTask(TaskLedgerReconcile)},
		{Spec: s.AutoComplete, Task: newHousekeepingTask(TaskAutoComplete)},
	}

	out := entries[:0]
	for _, e := range entries {
		if e.Spec != "" {
			out = append(out, e)
		}
	}
	return out
}
