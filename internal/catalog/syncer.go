// Package catalog переносит каталог товаров из ERP в локальную витрину.
package catalog

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/mmeshcher/storefront-settlement/internal/accurate"
	"github.com/mmeshcher/storefront-settlement/internal/model"
)

// PageSize задаёт размер страницы при чтении каталога ERP.
const PageSize = 100

// maxPages ограничивает обход на случай, если ERP не сообщает число страниц.
const maxPages = 1000

// Source отдаёт каталог ERP постранично.
type Source interface {
	ListItems(ctx context.Context, page, pageSize int) ([]accurate.Item, bool, error)
}

// Store сохраняет товары по артикулу.
type Store interface {
	UpsertProductBySKU(ctx context.Context, p model.Product) (bool, error)
}

// Result описывает итог синхронизации.
type Result struct {
	Pages   int
	Created int
	Updated int
	Skipped int
}

// Syncer синхронизирует цены и остатки: ERP является источником истины для обоих полей.
type Syncer struct {
	source Source
	store  Store
	logger *zap.Logger
}

// NewSyncer создаёт синхронизатор каталога.
func NewSyncer(source Source, store Store, logger *zap.Logger) *Syncer {
	return &Syncer{source: source, store: store, logger: logger}
}

// Run обходит все страницы каталога и сохраняет товары.
func (s *Syncer) Run(ctx context.Context) (Result, error) {
	var res Result

	for page := 1; page <= maxPages; page++ {
		items, more, err := s.source.ListItems(ctx, page, PageSize)
		if err != nil {
			return res, fmt.Errorf("catalog page %d: %w", page, err)
		}
		res.Pages++

		for _, it := range items {
			p, ok := toProduct(it)
			if !ok {
				res.Skipped++
				continue
			}

			created, err := s.store.UpsertProductBySKU(ctx, p)
			if err != nil {
				return res, err
			}
			if created {
				res.Created++
			} else {
				res.Updated++
			}
		}

		if !more || len(items) == 0 {
			break
		}
	}

	s.logger.Info("catalog synced",
		zap.Int("pages", res.Pages),
		zap.Int("created", res.Created),
		zap.Int("updated", res.Updated),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

func toProduct(it accurate.Item) (model.Product, bool) {
	if it.No == "" || it.UnitPrice < 0 {
		return model.Product{}, false
	}

	stock := int(math.Floor(it.AvailableToSell))
	if stock < 0 {
		stock = 0
	}

	name := it.Name
	if name == "" {
		name = it.No
	}

	return model.Product{
		SKU:        it.No,
		Name:       name,
		Price:      int64(math.Round(it.UnitPrice)),
		Stock:      stock,
		CategoryID: it.ItemCategoryID,
	}, true
}
