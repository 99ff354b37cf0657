// Package http reads products from the product service's REST API.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/utafrali/storefront/internal/catalog"
	"github.com/utafrali/storefront/internal/domain"
	"github.com/utafrali/storefront/pkg/httpclient"
)

const serviceName = "product-service"

// Reader fetches GET {base}/api/v1/products/{id}.
type Reader struct {
	client  *httpclient.CircuitBreakerClient
	baseURL string
}

var _ catalog.Reader = (*Reader)(nil)

// NewReader creates a Reader for the product service at baseURL.
func NewReader(client *httpclient.CircuitBreakerClient, baseURL string) *Reader {
	return &Reader{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

// productDetail is the product service's detail payload.
type productDetail struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Status      string          `json:"status"`
	BasePrice   int64           `json:"base_price"`
	Currency    string          `json:"currency"`
	Images      []productImage  `json:"images"`
	Variants    []productVariant `json:"variants"`
	Category    *namedRef       `json:"category,omitempty"`
	Brand       *namedRef       `json:"brand,omitempty"`
}

type productImage struct {
	URL       string `json:"url"`
	SortOrder int    `json:"sort_order"`
	IsPrimary bool   `json:"is_primary"`
}

type productVariant struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Price      *int64            `json:"price,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	IsActive   bool              `json:"is_active"`
}

type namedRef struct {
	Name string `json:"name"`
}

// Product implements catalog.Reader.
func (r *Reader) Product(ctx context.Context, id string) (domain.Product, error) {
	resp, err := r.client.Get(ctx, r.baseURL+"/api/v1/products/"+url.PathEscape(id))
	if err != nil {
		return domain.Product{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return domain.Product{}, httpclient.ParseResponseError(resp, serviceName)
	}
	defer func() { _ = resp.Body.Close() }()

	var envelope struct {
		Data *productDetail `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return domain.Product{}, fmt.Errorf("decode %s response: %w", serviceName, err)
	}
	if envelope.Data == nil {
		return domain.Product{}, fmt.Errorf("%s returned no product for %s", serviceName, id)
	}
	return toDomain(*envelope.Data), nil
}

func toDomain(d productDetail) domain.Product {
	p := domain.Product{
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
		Price:       d.BasePrice,
		Currency:    d.Currency,
		InStock:     d.Status == "published",
	}
	if d.Category != nil {
		p.Category = d.Category.Name
	}
	if d.Brand != nil {
		p.Brand = d.Brand.Name
	}

	for _, img := range d.Images {
		if img.IsPrimary && p.Thumbnail == "" {
			p.Thumbnail = img.URL
		}
		p.Images = append(p.Images, img.URL)
	}
	if p.Thumbnail == "" && len(p.Images) > 0 {
		p.Thumbnail = p.Images[0]
	}

	for _, v := range d.Variants {
		if !v.IsActive {
			continue
		}
		variant := domain.ProductVariant{ID: v.ID, Name: v.Name, Price: v.Price}
		for _, typ := range []string{domain.VariantTypeColor, domain.VariantTypeSize, domain.VariantTypeMaterial} {
			if value, ok := v.Attributes[typ]; ok {
				variant.Type, variant.Value = typ, value
				break
			}
		}
		p.Variants = append(p.Variants, variant)
	}
	return p
}
