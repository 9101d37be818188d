package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CatalogItem tradable product with its pricing parameters.
type CatalogItem struct {
	ProductID string
	BasePrice float64
	Lambda    float64
}

// Catalog lists the tradable products.
type Catalog interface {
	Items() []CatalogItem
	Item(productID string) (CatalogItem, bool)
}

// Activity play statistics of one account.
type Activity struct {
	PlayTime time.Duration
	Score    float64
}

// ActivityProvider reports how active an account has been.
type ActivityProvider interface {
	Activity(ctx context.Context, id uuid.UUID) (Activity, error)
}

// OnlineCounter reports the current online population.
type OnlineCounter interface {
	Online() int
}

// StaticCatalog fixed in-memory catalog.
type StaticCatalog struct {
	items []CatalogItem
	index map[string]int
}

// NewStaticCatalog builds a catalog. Later duplicates replace earlier ones.
func NewStaticCatalog(items []CatalogItem) *StaticCatalog {
	c := &StaticCatalog{index: make(map[string]int, len(items))}
	for _, it := range items {
		if i, ok := c.index[it.ProductID]; ok {
			c.items[i] = it
			continue
		}
		c.index[it.ProductID] = len(c.items)
		c.items = append(c.items, it)
	}
	return c
}

// Items returns a copy of the catalog entries.
func (c *StaticCatalog) Items() []CatalogItem {
	out := make([]CatalogItem, len(c.items))
	copy(out, c.items)
	return out
}

func (c *StaticCatalog) Item(productID string) (CatalogItem, bool) {
	i, ok := c.index[productID]
	if !ok {
		return CatalogItem{}, false
	}
	return c.items[i], true
}

// FixedOnline constant online population.
type FixedOnline int

func (f FixedOnline) Online() int { return int(f) }

// NoActivity reports zero play time for every account.
type NoActivity struct{}

func (NoActivity) Activity(context.Context, uuid.UUID) (Activity, error) {
	return Activity{}, nil
}
