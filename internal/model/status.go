package model

// OrderStatus описывает этап жизненного цикла заказа.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusShipped    OrderStatus = "SHIPPED"
	OrderStatusDelivered  OrderStatus = "DELIVERED"
	OrderStatusCompleted  OrderStatus = "COMPLETED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
)

// SHIPPED -> CANCELLED допускается только для возврата посылки перевозчиком.
var validNext = map[OrderStatus]map[OrderStatus]bool{
	OrderStatusPending:    {OrderStatusProcessing: true, OrderStatusCancelled: true},
	OrderStatusProcessing: {OrderStatusShipped: true},
	OrderStatusShipped:    {OrderStatusDelivered: true, OrderStatusCancelled: true},
	OrderStatusDelivered:  {OrderStatusCompleted: true},
	OrderStatusCompleted:  {},
	OrderStatusCancelled:  {},
}

// CanTransition сообщает, допустим ли переход между статусами заказа.
func CanTransition(from, to OrderStatus) bool {
	return validNext[from][to]
}

// PredecessorsOf возвращает статусы, из которых допустим переход в to.
func PredecessorsOf(to OrderStatus) []OrderStatus {
	var res []OrderStatus
	for _, from := range []OrderStatus{
		OrderStatusPending,
		OrderStatusProcessing,
		OrderStatusShipped,
		OrderStatusDelivered,
	} {
		if CanTransition(from, to) {
			res = append(res, from)
		}
	}
	return res
}

// IsPaid сообщает, что заказ прошёл оплату и находится в исполнении или завершён.
func (s OrderStatus) IsPaid() bool {
	switch s {
	case OrderStatusProcessing, OrderStatusShipped, OrderStatusDelivered, OrderStatusCompleted:
		return true
	}
	return false
}

// IsTerminal сообщает, что статус конечный.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}
