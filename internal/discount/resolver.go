// Package discount вычисляет персональную цену товара для покупателя.
package discount

import (
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/storefront-settlement/internal/model"
)

// Rule указывает, какое правило дало скидку.
type Rule string

const (
	RuleProduct  Rule = "PRODUCT"
	RuleCategory Rule = "CATEGORY"
	RuleDefault  Rule = "DEFAULT"
	RuleNone     Rule = "NONE"
)

var hundred = decimal.NewFromInt(100)

// Resolution описывает итог расчёта цены.
type Resolution struct {
	OriginalPrice      int64           `json:"originalPrice"`
	DiscountPercentage decimal.Decimal `json:"discountPercentage"`
	FinalPrice         decimal.Decimal `json:"finalPrice"`
	AppliedRule        Rule            `json:"appliedRule"`
}

// UnitPrice округляет итоговую цену до целой рупии для снимка в позиции заказа.
func (r Resolution) UnitPrice() int64 {
	return r.FinalPrice.Round(0).IntPart()
}

// Resolve применяет первое подходящее правило: товар, затем категория, затем скидка по умолчанию.
// Скидки не суммируются.
func Resolve(user model.User, product model.Product, rules model.DiscountRules) Resolution {
	pct, rule := pick(user, product, rules)

	original := decimal.NewFromInt(product.Price)
	final := original
	if rule != RuleNone {
		final = original.Mul(decimal.NewFromInt(1).Sub(pct.Div(hundred)))
	}

	return Resolution{
		OriginalPrice:      product.Price,
		DiscountPercentage: pct,
		FinalPrice:         final,
		AppliedRule:        rule,
	}
}

func pick(user model.User, product model.Product, rules model.DiscountRules) (decimal.Decimal, Rule) {
	if pct, ok := rules.Product[product.ID]; ok {
		return pct, RuleProduct
	}

	if product.CategoryID != nil {
		if pct, ok := rules.Category[*product.CategoryID]; ok {
			return pct, RuleCategory
		}
	}

	if user.DefaultDiscountPercentage.IsPositive() {
		return user.DefaultDiscountPercentage, RuleDefault
	}

	return decimal.Zero, RuleNone
}
