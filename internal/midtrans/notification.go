package midtrans

import "strings"

// Notification соответствует телу HTTP-уведомления платёжного шлюза.
type Notification struct {
	OrderID           string `json:"order_id"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	SignatureKey      string `json:"signature_key"`
	TransactionStatus string `json:"transaction_status"`
	TransactionID     string `json:"transaction_id"`
	PaymentType       string `json:"payment_type"`
	FraudStatus       string `json:"fraud_status"`
	VANumbers         []struct {
		Bank string `json:"bank"`
	} `json:"va_numbers"`
	PermataVANumber string `json:"permata_va_number"`
	Issuer          string `json:"issuer"`
}

// MethodKey возвращает ключ канала оплаты, по которому ищется счёт в учётной системе.
// Для виртуальных счетов ключ включает банк (bca_va), для остальных совпадает с payment_type.
func (n Notification) MethodKey() string {
	switch {
	case len(n.VANumbers) > 0 && n.VANumbers[0].Bank != "":
		return strings.ToLower(n.VANumbers[0].Bank) + "_va"
	case n.PermataVANumber != "":
		return "permata_va"
	case n.PaymentType == "echannel":
		return "mandiri_bill"
	}
	return n.PaymentType
}

// Исходы уведомлений.
const (
	OutcomeSettled   = "settled"
	OutcomePending   = "pending"
	OutcomeCancelled = "cancelled"
)

// Classify сопоставляет transaction_status с исходом: settled, pending или cancelled.
// Пустая строка означает неизвестный статус.
func Classify(transactionStatus string) string {
	switch transactionStatus {
	case "capture", "settlement":
		return OutcomeSettled
	case "pending":
		return OutcomePending
	case "deny", "expire", "cancel":
		return OutcomeCancelled
	}
	return ""
}
