package midtrans

import (
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// Signature вычисляет подпись уведомления: sha512(order_id + status_code + gross_amount + server_key).
func Signature(orderID, statusCode, grossAmount, serverKey string) string {
	sum := sha512.Sum512([]byte(orderID + statusCode + grossAmount + serverKey))
	return hex.EncodeToString(sum[:])
}

// VerifySignature сравнивает подпись за постоянное время.
func VerifySignature(n Notification, serverKey string) bool {
	if serverKey == "" || n.SignatureKey == "" {
		return false
	}

	expected := Signature(n.OrderID, n.StatusCode, n.GrossAmount, serverKey)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(n.SignatureKey))) == 1
}
