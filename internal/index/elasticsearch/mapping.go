package elasticsearch

// DefaultIndexName is the index used when none is configured.
const DefaultIndexName = "catalog_products"

// buildIndexMapping returns the index settings and mappings for product
// documents. Counter fields are plain longs so scripted partial updates can
// mutate them server-side.
func buildIndexMapping() string {
	return `{
  "settings": {
    "number_of_shards": 1,
    "number_of_replicas": 1,
    "analysis": {
      "analyzer": {
        "autocomplete": {
          "type": "custom",
          "tokenizer": "standard",
          "filter": ["lowercase", "autocomplete_filter"]
        }
      },
      "filter": {
        "autocomplete_filter": {
          "type": "edge_ngram",
          "min_gram": 2,
          "max_gram": 15
        }
      }
    }
  },
  "mappings": {
    "properties": {
      "id": { "type": "keyword" },
      "product_id": { "type": "keyword" },
      "name": {
        "type": "text",
        "fields": {
          "autocomplete": { "type": "text", "analyzer": "autocomplete", "search_analyzer": "standard" },
          "keyword": { "type": "keyword" }
        }
      },
      "description": { "type": "text" },
      "sku": { "type": "keyword" },
      "price": { "type": "double" },
      "categories": { "type": "keyword" },
      "attributes": { "type": "object", "enabled": true },
      "images": { "type": "keyword" },
      "stock_quantity": { "type": "integer" },
      "created_at": { "type": "date" },
      "updated_at": { "type": "date" },
      "click_count": { "type": "long" },
      "purchase_count": { "type": "long" },
      "popularity_score": { "type": "double" },
      "all_text": { "type": "text" },
      "tags": { "type": "keyword" },
      "in_stock": { "type": "boolean" },
      "price_range": { "type": "keyword" },
      "score_boost": { "type": "double" }
    }
  }
}`
}
