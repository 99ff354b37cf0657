// Package postgres reads products directly from the catalog database.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/utafrali/storefront/internal/catalog"
	"github.com/utafrali/storefront/internal/domain"
	"github.com/utafrali/storefront/pkg/database"
	apperrors "github.com/utafrali/storefront/pkg/errors"
)

const (
	productQuery = `
		SELECT p.id, p.name, p.description, p.base_price, p.currency, p.status,
			COALESCE(b.name, ''), COALESCE(c.name, '')
		FROM products p
		LEFT JOIN brands b ON b.id = p.brand_id
		LEFT JOIN categories c ON c.id = p.category_id
		WHERE p.id = $1`

	imagesQuery = `
		SELECT url, is_primary
		FROM product_images
		WHERE product_id = $1
		ORDER BY sort_order`

	variantsQuery = `
		SELECT id, name, price, attributes
		FROM product_variants
		WHERE product_id = $1 AND is_active = true
		ORDER BY created_at`
)

// Reader implements catalog.Reader over the product tables.
type Reader struct {
	db database.DBTX
}

var _ catalog.Reader = (*Reader)(nil)

// NewReader creates a Reader using db.
func NewReader(db database.DBTX) *Reader {
	return &Reader{db: db}
}

// Product implements catalog.Reader.
func (r *Reader) Product(ctx context.Context, id string) (domain.Product, error) {
	p, status, err := r.product(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	p.InStock = status == "published"

	if err := r.images(ctx, &p); err != nil {
		return domain.Product{}, err
	}
	if err := r.variants(ctx, &p); err != nil {
		return domain.Product{}, err
	}
	return p, nil
}

func (r *Reader) product(ctx context.Context, id string) (p domain.Product, status string, err error) {
	ctx, done := database.TraceQuery(ctx, "postgresql", "select_product", productQuery)
	defer func() { done(err) }()

	err = r.db.QueryRow(ctx, productQuery, id).Scan(
		&p.ID, &p.Name, &p.Description, &p.Price, &p.Currency, &status, &p.Brand, &p.Category,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return p, "", apperrors.NotFound("product", id)
		}
		return p, "", fmt.Errorf("query product: %w", err)
	}
	return p, status, nil
}

func (r *Reader) images(ctx context.Context, p *domain.Product) (err error) {
	ctx, done := database.TraceQuery(ctx, "postgresql", "select_product_images", imagesQuery)
	defer func() { done(err) }()

	rows, err := r.db.Query(ctx, imagesQuery, p.ID)
	if err != nil {
		return fmt.Errorf("query product images: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			url     string
			primary bool
		)
		if err := rows.Scan(&url, &primary); err != nil {
			return fmt.Errorf("scan product image: %w", err)
		}
		if primary && p.Thumbnail == "" {
			p.Thumbnail = url
		}
		p.Images = append(p.Images, url)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate product images: %w", err)
	}
	if p.Thumbnail == "" && len(p.Images) > 0 {
		p.Thumbnail = p.Images[0]
	}
	return nil
}

func (r *Reader) variants(ctx context.Context, p *domain.Product) (err error) {
	ctx, done := database.TraceQuery(ctx, "postgresql", "select_product_variants", variantsQuery)
	defer func() { done(err) }()

	rows, err := r.db.Query(ctx, variantsQuery, p.ID)
	if err != nil {
		return fmt.Errorf("query product variants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			v         domain.ProductVariant
			attrsJSON []byte
		)
		if err := rows.Scan(&v.ID, &v.Name, &v.Price, &attrsJSON); err != nil {
			return fmt.Errorf("scan product variant: %w", err)
		}
		if len(attrsJSON) > 0 {
			var attrs map[string]string
			if err := json.Unmarshal(attrsJSON, &attrs); err != nil {
				return fmt.Errorf("unmarshal variant attributes: %w", err)
			}
			v.Type, v.Value = variantType(attrs)
		}
		p.Variants = append(p.Variants, v)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate product variants: %w", err)
	}
	return nil
}

func variantType(attrs map[string]string) (typ, value string) {
	for _, t := range []string{domain.VariantTypeColor, domain.VariantTypeSize, domain.VariantTypeMaterial} {
		if v, ok := attrs[t]; ok {
			return t, v
		}
	}
	return "", ""
}
