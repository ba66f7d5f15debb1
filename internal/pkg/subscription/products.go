package subscription

import (
	"errors"
	"strconv"
	"strings"

	"github.com/nexmobile/subsync/internal/pkg/env"
)

// ErrUnknownProduct rejects product ids outside the configured allow-list.
// The allow-list is enforced even when the platform confirms payment, so a
// compromised client cannot buy entitlement with a foreign product id.
var ErrUnknownProduct = errors.New("subscription: product id not in allow-list")

// Product is one sellable subscription product.
type Product struct {
	ID           string
	Plan         string
	Interval     string // month | year
	AmountMicros int64
	Currency     string
}

// Catalog is the product allow-list.
type Catalog struct {
	products map[string]Product
}

func NewCatalog(products []Product) *Catalog {
	m := make(map[string]Product, len(products))
	for _, p := range products {
		m[p.ID] = p
	}
	return &Catalog{products: m}
}

// Lookup returns the product or ErrUnknownProduct.
func (c *Catalog) Lookup(productID string) (Product, error) {
	p, ok := c.products[strings.TrimSpace(productID)]
	if !ok {
		return Product{}, ErrUnknownProduct
	}
	return p, nil
}

// Contains reports allow-list membership.
func (c *Catalog) Contains(productID string) bool {
	_, ok := c.products[strings.TrimSpace(productID)]
	return ok
}

// CatalogFromEnv parses PRODUCT_CATALOG, a comma-separated list of
// id:plan:interval:amount_micros:currency entries, e.g.
// "premium_monthly:premium:month:4990000:EUR,premium_yearly:premium:year:49900000:EUR".
func CatalogFromEnv() *Catalog {
	raw := env.GetEnv("PRODUCT_CATALOG", "premium_monthly:premium:month:4990000:EUR,premium_yearly:premium:year:49900000:EUR")

	var products []Product
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 5 || parts[0] == "" {
			continue
		}
		amount, err := strconv.ParseInt(parts[3], 10, 64)
		if err != nil {
			continue
		}
		products = append(products, Product{
			ID:           parts[0],
			Plan:         parts[1],
			Interval:     parts[2],
			AmountMicros: amount,
			Currency:     strings.ToUpper(parts[4]),
		})
	}
	return NewCatalog(products)
}
