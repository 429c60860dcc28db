package discount

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/mmeshcher/storefront-settlement/internal/model"
)

func ptrInt64(v int64) *int64 {
	return &v
}

func TestResolvePriority(t *testing.T) {
	product := model.Product{ID: 7, Price: 100000, CategoryID: ptrInt64(3)}

	tests := []struct {
		name      string
		user      model.User
		rules     model.DiscountRules
		wantRule  Rule
		wantPct   string
		wantPrice int64
	}{
		{
			name: "product rule wins over category and default",
			user: model.User{DefaultDiscountPercentage: decimal.NewFromInt(5)},
			rules: model.DiscountRules{
				Product:  map[int64]decimal.Decimal{7: decimal.NewFromInt(20)},
				Category: map[int64]decimal.Decimal{3: decimal.NewFromInt(10)},
			},
			wantRule:  RuleProduct,
			wantPct:   "20",
			wantPrice: 80000,
		},
		{
			name: "category rule wins over default",
			user: model.User{DefaultDiscountPercentage: decimal.NewFromInt(5)},
			rules: model.DiscountRules{
				Category: map[int64]decimal.Decimal{3: decimal.NewFromInt(10)},
			},
			wantRule:  RuleCategory,
			wantPct:   "10",
			wantPrice: 90000,
		},
		{
			name:      "default discount",
			user:      model.User{DefaultDiscountPercentage: decimal.NewFromInt(5)},
			wantRule:  RuleDefault,
			wantPct:   "5",
			wantPrice: 95000,
		},
		{
			name:      "no discount",
			wantRule:  RuleNone,
			wantPct:   "0",
			wantPrice: 100000,
		},
		{
			name: "rules for other products are ignored",
			rules: model.DiscountRules{
				Product:  map[int64]decimal.Decimal{8: decimal.NewFromInt(50)},
				Category: map[int64]decimal.Decimal{4: decimal.NewFromInt(50)},
			},
			wantRule:  RuleNone,
			wantPct:   "0",
			wantPrice: 100000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Resolve(tt.user, product, tt.rules)

			assert.Equal(t, tt.wantRule, res.AppliedRule)
			assert.Equal(t, tt.wantPct, res.DiscountPercentage.String())
			assert.Equal(t, tt.wantPrice, res.UnitPrice())
			assert.Equal(t, int64(100000), res.OriginalPrice)
		})
	}
}

func TestResolveCategoryRequiresCategory(t *testing.T) {
	product := model.Product{ID: 1, Price: 50000}
	rules := model.DiscountRules{Category: map[int64]decimal.Decimal{0: decimal.NewFromInt(30)}}

	res := Resolve(model.User{}, product, rules)

	assert.Equal(t, RuleNone, res.AppliedRule)
}

func TestResolveKeepsFractionalPrice(t *testing.T) {
	product := model.Product{ID: 1, Price: 999}
	user := model.User{DefaultDiscountPercentage: decimal.RequireFromString("12.5")}

	res := Resolve(user, product, model.DiscountRules{})

	assert.Equal(t, "874.125", res.FinalPrice.String())
	assert.Equal(t, int64(874), res.UnitPrice())
}

func TestResolveEndToEndCategoryTier(t *testing.T) {
	product := model.Product{ID: 10, Price: 50000, CategoryID: ptrInt64(2)}
	rules := model.DiscountRules{Category: map[int64]decimal.Decimal{2: decimal.NewFromInt(10)}}

	res := Resolve(model.User{}, product, rules)

	assert.Equal(t, int64(45000), res.UnitPrice())
}
