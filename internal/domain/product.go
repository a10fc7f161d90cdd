package domain

import (
	"time"
)

// Product is the fully materialized catalog aggregate as read from the
// write store. The repository resolves categories, attributes, and images
// before handing the aggregate off, so consumers never see partially loaded
// collections.
type Product struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	SKU           string            `json:"sku"`
	Price         float64           `json:"price"`
	Categories    []string          `json:"categories"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	Images        []string          `json:"images,omitempty"`
	StockQuantity int               `json:"stock_quantity"`
	ClickCount    int64             `json:"click_count"`
	PurchaseCount int64             `json:"purchase_count"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// InStock reports whether the product has available stock.
func (p *Product) InStock() bool {
	return p.StockQuantity > 0
}
