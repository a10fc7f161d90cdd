package domain

import (
	"time"
)

// Event type tags for the product event variants. Consumers dispatch on the
// tag; payloads share the aggregate's JSON shape.
const (
	EventProductCreated          = "ProductCreated"
	EventProductUpdated          = "ProductUpdated"
	EventProductDeleted          = "ProductDeleted"
	EventProductViewed           = "ProductViewed"
	EventProductPurchased        = "ProductPurchased"
	EventProductInventoryChanged = "ProductInventoryChanged"
)

// Aggregate types recognized by the outbox topic routing.
const (
	AggregateProduct = "Product"
	AggregateOrder   = "Order"
	AggregateUser    = "User"
)

// Topic names per aggregate type.
const (
	TopicProductEvents = "product-events"
	TopicOrderEvents   = "order-events"
	TopicUserEvents    = "user-events"
	TopicGeneralEvents = "general-events"
)

// TopicForAggregate maps an aggregate type to its event topic. Unknown
// aggregates land on the general topic.
func TopicForAggregate(aggregateType string) string {
	switch aggregateType {
	case AggregateProduct, "product":
		return TopicProductEvents
	case AggregateOrder, "order":
		return TopicOrderEvents
	case AggregateUser, "user":
		return TopicUserEvents
	default:
		return TopicGeneralEvents
	}
}

// ProductCreatedData is the payload of a ProductCreated event: the full
// aggregate at creation time.
type ProductCreatedData struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	SKU           string            `json:"sku"`
	Price         float64           `json:"price"`
	Categories    []string          `json:"categories"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	Images        []string          `json:"images,omitempty"`
	StockQuantity int               `json:"stock_quantity"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// ProductUpdatedData is the payload of a ProductUpdated event. It carries
// the write-model fields only; read-model-owned counters are never part of
// an update payload.
type ProductUpdatedData = ProductCreatedData

// ProductDeletedData is the payload of a ProductDeleted event.
type ProductDeletedData struct {
	ID string `json:"id"`
}

// ProductViewedData is the payload of a ProductViewed analytics event.
type ProductViewedData struct {
	ProductID string    `json:"product_id"`
	UserID    string    `json:"user_id,omitempty"`
	ViewedAt  time.Time `json:"viewed_at"`
}

// ProductPurchasedData is the payload of a ProductPurchased analytics event.
type ProductPurchasedData struct {
	ProductID   string    `json:"product_id"`
	OrderID     string    `json:"order_id,omitempty"`
	Quantity    int       `json:"quantity"`
	PurchasedAt time.Time `json:"purchased_at"`
}

// ProductInventoryChangedData is the payload of a ProductInventoryChanged
// event.
type ProductInventoryChangedData struct {
	ProductID     string `json:"product_id"`
	StockQuantity int    `json:"stock_quantity"`
}

// ProductEventData builds the created/updated payload from an aggregate.
func ProductEventData(p *Product) ProductCreatedData {
	return ProductCreatedData{
		ID:            p.ID,
		Name:          p.Name,
		Description:   p.Description,
		SKU:           p.SKU,
		Price:         p.Price,
		Categories:    p.Categories,
		Attributes:    p.Attributes,
		Images:        p.Images,
		StockQuantity: p.StockQuantity,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}
