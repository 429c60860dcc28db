package midtrans

import "github.com/mmeshcher/storefront-settlement/internal/model"

// Идентификаторы строк разбивки суммы в платёжной сессии.
const (
	LineSubtotal = "SUBTOTAL"
	LineTax      = "TAX"
	LineShipping = "SHIPPING"
	LineDiscount = "DISCOUNT"
	LineAdminFee = "ADMIN_FEE"
)

// CreditCardFeePercent задаёт сбор за оплату картой от суммы до сбора.
const CreditCardFeePercent = 3

// Line соответствует item_details в запросе Snap.
type Line struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Price    int64  `json:"price"`
	Quantity int    `json:"quantity"`
}

// Breakdown описывает состав суммы, которую покупатель видит в платёжной форме.
type Breakdown struct {
	Lines    []Line
	AdminFee int64
}

// Amounts содержит суммы заказа, из которых строится разбивка.
type Amounts struct {
	Subtotal int64
	Tax      int64
	Shipping int64
	Discount int64
}

// BuildBreakdown строит строки разбивки. Нулевые налог, доставка и скидка не попадают в разбивку,
// сбор за карту считается от суммы остальных строк.
func BuildBreakdown(a Amounts, class model.PaymentClass) Breakdown {
	lines := []Line{{ID: LineSubtotal, Name: "Subtotal", Price: a.Subtotal, Quantity: 1}}

	if a.Tax > 0 {
		lines = append(lines, Line{ID: LineTax, Name: "Tax", Price: a.Tax, Quantity: 1})
	}
	if a.Shipping > 0 {
		lines = append(lines, Line{ID: LineShipping, Name: "Shipping", Price: a.Shipping, Quantity: 1})
	}
	if a.Discount > 0 {
		lines = append(lines, Line{ID: LineDiscount, Name: "Discount", Price: -a.Discount, Quantity: 1})
	}

	b := Breakdown{Lines: lines}

	if class == model.PaymentClassCreditCard {
		b.AdminFee = percentOf(b.GrossAmount(), CreditCardFeePercent)
		if b.AdminFee > 0 {
			b.Lines = append(b.Lines, Line{ID: LineAdminFee, Name: "Credit card fee", Price: b.AdminFee, Quantity: 1})
		}
	}

	return b
}

// GrossAmount возвращает сумму строк разбивки. Шлюз отклоняет сессию, если gross_amount не равен этой сумме.
func (b Breakdown) GrossAmount() int64 {
	var total int64
	for _, l := range b.Lines {
		total += l.Price * int64(l.Quantity)
	}
	return total
}

// percentOf округляет половину вверх.
func percentOf(amount int64, pct int64) int64 {
	if amount <= 0 {
		return 0
	}
	return (amount*pct + 50) / 100
}
