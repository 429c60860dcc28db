// Package validation содержит функции валидации и генерации номеров заказов.
package validation

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
	"unicode"
)

// OrderNumberLength задаёт длину номера заказа: дата, шесть случайных цифр и контрольная цифра.
const OrderNumberLength = 15

// IsValidOrderNumber проверяет корректность номера заказа по алгоритму Луна.
func IsValidOrderNumber(number string) bool {
	if number == "" {
		return false
	}

	sum, ok := luhnSum(number, false)
	if !ok {
		return false
	}

	return sum%10 == 0
}

// AppendCheckDigit дописывает к строке цифр контрольную цифру Луна.
func AppendCheckDigit(digits string) (string, error) {
	if digits == "" {
		return "", fmt.Errorf("empty number")
	}

	// Будущая контрольная цифра займёт крайнюю правую позицию, поэтому удвоение начинается с последней цифры.
	sum, ok := luhnSum(digits, true)
	if !ok {
		return "", fmt.Errorf("not a digit string: %q", digits)
	}

	check := (10 - sum%10) % 10
	return digits + string(rune('0'+check)), nil
}

// NewOrderNumber генерирует номер заказа вида yyyymmdd + 6 случайных цифр + контрольная цифра.
func NewOrderNumber(now time.Time) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate order number: %w", err)
	}

	return AppendCheckDigit(fmt.Sprintf("%s%06d", now.UTC().Format("20060102"), n.Int64()))
}

func luhnSum(number string, double bool) (int, bool) {
	sum := 0

	for i := len(number) - 1; i >= 0; i-- {
		ch := rune(number[i])
		if !unicode.IsDigit(ch) {
			return 0, false
		}
		digit := int(ch - '0')
		if double {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		double = !double
	}

	return sum, true
}
