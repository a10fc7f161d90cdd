package domain

import (
	"sort"
	"strings"
	"time"
)

// Price range buckets used by the priceRange derived field.
const (
	PriceRangeUnknown   = "unknown"
	PriceRange0To50     = "0-50"
	PriceRange50To100   = "50-100"
	PriceRange100To200  = "100-200"
	PriceRange200To500  = "200-500"
	PriceRange500To1000 = "500-1000"
	PriceRange1000Plus  = "1000+"
)

// Document is the projected read-model representation of a product in the
// search index. Derived fields (AllText, Tags, InStock, PriceRange,
// ScoreBoost, PopularityScore) are pure functions of the others and are
// recomputed on every write.
type Document struct {
	ID            string            `json:"id"`
	ProductID     string            `json:"product_id"`
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

	// Read-model-owned analytics counters.
	ClickCount      int64   `json:"click_count"`
	PurchaseCount   int64   `json:"purchase_count"`
	PopularityScore float64 `json:"popularity_score"`

	// Derived fields.
	AllText    string   `json:"all_text"`
	Tags       []string `json:"tags"`
	InStock    bool     `json:"in_stock"`
	PriceRange string   `json:"price_range"`
	ScoreBoost float64  `json:"score_boost"`
}

// FromProduct builds a document from the write-store aggregate, computing
// all derived fields. Counters come from the aggregate, which is
// authoritative during reconciliation.
func FromProduct(p *Product) *Document {
	doc := &Document{
		ID:            p.ID,
		ProductID:     p.ID,
		Name:          p.Name,
		Description:   p.Description,
		SKU:           p.SKU,
		Price:         p.Price,
		Categories:    p.Categories,
		Attributes:    p.Attributes,
		Images:        p.Images,
		StockQuantity: p.StockQuantity,
		ClickCount:    p.ClickCount,
		PurchaseCount: p.PurchaseCount,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
	doc.Recompute()
	return doc
}

// ToProduct converts the document back to the aggregate's shape, restricted
// to non-derived fields.
func (d *Document) ToProduct() *Product {
	return &Product{
		ID:            d.ProductID,
		Name:          d.Name,
		Description:   d.Description,
		SKU:           d.SKU,
		Price:         d.Price,
		Categories:    d.Categories,
		Attributes:    d.Attributes,
		Images:        d.Images,
		StockQuantity: d.StockQuantity,
		ClickCount:    d.ClickCount,
		PurchaseCount: d.PurchaseCount,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

// Recompute refreshes every derived field from the document's state.
func (d *Document) Recompute() {
	d.PopularityScore = PopularityScore(d.ClickCount, d.PurchaseCount)
	d.InStock = d.StockQuantity > 0
	d.PriceRange = PriceRangeFor(d.Price)
	d.AllText = d.allText()
	d.Tags = d.tags()
	d.ScoreBoost = d.scoreBoost(time.Now().UTC())
}

// PopularityScore is clicks weighted 1 plus purchases weighted 10.
func PopularityScore(clicks, purchases int64) float64 {
	return float64(clicks) + 10*float64(purchases)
}

// PriceRangeFor buckets a price into half-open intervals.
func PriceRangeFor(price float64) string {
	switch {
	case price < 0:
		return PriceRangeUnknown
	case price < 50:
		return PriceRange0To50
	case price < 100:
		return PriceRange50To100
	case price < 200:
		return PriceRange100To200
	case price < 500:
		return PriceRange200To500
	case price < 1000:
		return PriceRange500To1000
	default:
		return PriceRange1000Plus
	}
}

// allText joins name, description, SKU, categories, and attribute values
// into one searchable blob.
func (d *Document) allText() string {
	parts := make([]string, 0, 3+len(d.Categories)+len(d.Attributes))
	parts = append(parts, d.Name, d.Description, d.SKU)
	parts = append(parts, d.Categories...)

	// Attribute order must be stable so recomputation is deterministic.
	keys := make([]string, 0, len(d.Attributes))
	for k := range d.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, d.Attributes[k])
	}

	nonEmpty := parts[:0]
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, " ")
}

// tags unions categories, the brand attribute, a price band, and state
// badges, deduplicated in insertion order.
func (d *Document) tags() []string {
	tags := make([]string, 0, len(d.Categories)+5)
	seen := make(map[string]bool)
	add := func(t string) {
		if t == "" || seen[t] {
			return
		}
		seen[t] = true
		tags = append(tags, t)
	}

	for _, c := range d.Categories {
		add(c)
	}
	add(d.Attributes["brand"])

	switch {
	case d.Price < 100:
		add("budget")
	case d.Price > 500:
		add("premium")
	default:
		add("mid-range")
	}

	if d.PopularityScore > 50 {
		add("popular")
	}
	if d.PurchaseCount > 100 {
		add("bestseller")
	}
	if d.InStock {
		add("available")
	}

	return tags
}

// scoreBoost is capped at 2.0: a popularity term plus fixed bonuses for
// recency (created within 30 days of now) and imagery.
func (d *Document) scoreBoost(now time.Time) float64 {
	boost := 1.0 + d.PopularityScore/200
	if !d.CreatedAt.IsZero() && now.Sub(d.CreatedAt) <= 30*24*time.Hour {
		boost += 0.2
	}
	if len(d.Images) > 0 {
		boost += 0.1
	}
	if boost > 2.0 {
		boost = 2.0
	}
	return boost
}
