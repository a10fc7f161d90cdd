// Package postgres implements the write-store product reader over
// PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/utafrali/catalog-sync/pkg/database"
	apperrors "github.com/utafrali/catalog-sync/pkg/errors"

	"github.com/utafrali/catalog-sync/internal/domain"
)

// ProductReader reads product aggregates from the products table. Categories
// and images are stored as text arrays and attributes as JSONB, so a single
// row scan yields the fully materialized aggregate.
type ProductReader struct {
	pool database.DBTX
}

// NewProductReader creates a PostgreSQL-backed product reader.
func NewProductReader(pool database.DBTX) *ProductReader {
	return &ProductReader{pool: pool}
}

const productColumns = `id, name, description, sku, price, categories, attributes, images, stock_quantity, click_count, purchase_count, created_at, updated_at`

// GetByID fetches one aggregate by id.
func (r *ProductReader) GetByID(ctx context.Context, id string) (*domain.Product, error) {
	query := fmt.Sprintf(`SELECT %s FROM products WHERE id = $1`, productColumns)

	p, err := scanProduct(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("product", id)
		}
		return nil, fmt.Errorf("get product %s: %w", id, err)
	}
	return p, nil
}

// List pages through all products ordered by id.
func (r *ProductReader) List(ctx context.Context, offset, limit int) ([]domain.Product, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM products
		ORDER BY id ASC
		LIMIT $1 OFFSET $2`, productColumns)

	return r.queryProducts(ctx, query, limit, offset)
}

// UpdatedSince returns products updated at or after since.
func (r *ProductReader) UpdatedSince(ctx context.Context, since time.Time, limit int) ([]domain.Product, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM products
		WHERE updated_at >= $1
		ORDER BY updated_at ASC
		LIMIT $2`, productColumns)

	return r.queryProducts(ctx, query, since, limit)
}

// Count returns the total number of products.
func (r *ProductReader) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM products`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count products: %w", err)
	}
	return count, nil
}

func (r *ProductReader) queryProducts(ctx context.Context, query string, args ...any) ([]domain.Product, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	return products, nil
}

func scanProduct(row pgx.Row) (*domain.Product, error) {
	var (
		p              domain.Product
		attributesJSON []byte
	)

	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Description,
		&p.SKU,
		&p.Price,
		&p.Categories,
		&attributesJSON,
		&p.Images,
		&p.StockQuantity,
		&p.ClickCount,
		&p.PurchaseCount,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(attributesJSON) > 0 {
		if err := json.Unmarshal(attributesJSON, &p.Attributes); err != nil {
			return nil, fmt.Errorf("unmarshal attributes: %w", err)
		}
	}
	return &p, nil
}
