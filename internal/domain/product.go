package domain

// Variant types offered by the catalog.
const (
	VariantTypeColor    = "color"
	VariantTypeSize     = "size"
	VariantTypeMaterial = "material"
)

// Product is the catalog snapshot captured when an item is added. Prices are
// in minor units (cents).
type Product struct {
	ID            string           `json:"id" firestore:"id" validate:"required,identifier"`
	Name          string           `json:"name" firestore:"name"`
	Description   string           `json:"description,omitempty" firestore:"description,omitempty"`
	Price         int64            `json:"price" firestore:"price" validate:"gte=0"`
	OriginalPrice *int64           `json:"original_price,omitempty" firestore:"originalPrice,omitempty"`
	Currency      string           `json:"currency,omitempty" firestore:"currency,omitempty"`
	Category      string           `json:"category,omitempty" firestore:"category,omitempty"`
	Brand         string           `json:"brand,omitempty" firestore:"brand,omitempty"`
	Thumbnail     string           `json:"thumbnail,omitempty" firestore:"thumbnail,omitempty"`
	Images        []string         `json:"images,omitempty" firestore:"images,omitempty"`
	InStock       bool             `json:"in_stock" firestore:"inStock"`
	StockQuantity int              `json:"stock_quantity" firestore:"stockQuantity"`
	Variants      []ProductVariant `json:"variants,omitempty" firestore:"variants,omitempty" validate:"omitempty,dive"`
}

// ProductVariant is one purchasable option of a product. A nil Price means
// the product's base price applies.
type ProductVariant struct {
	ID            string `json:"id" firestore:"id" validate:"required,identifier"`
	Name          string `json:"name" firestore:"name"`
	Type          string `json:"type" firestore:"type" validate:"omitempty,oneof=color size material"`
	Value         string `json:"value" firestore:"value"`
	Price         *int64 `json:"price,omitempty" firestore:"price,omitempty" validate:"omitempty,gte=0"`
	StockQuantity int    `json:"stock_quantity" firestore:"stockQuantity"`
	Image         string `json:"image,omitempty" firestore:"image,omitempty"`
}

// Variant returns the variant with the given id.
func (p Product) Variant(id string) (*ProductVariant, bool) {
	for i := range p.Variants {
		if p.Variants[i].ID == id {
			v := p.Variants[i]
			return &v, true
		}
	}
	return nil, false
}

// EffectivePrice is the variant price when the variant carries a non-zero
// override, otherwise the product base price.
func EffectivePrice(p Product, v *ProductVariant) int64 {
	if v != nil && v.Price != nil && *v.Price != 0 {
		return *v.Price
	}
	return p.Price
}
