package cart

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/panel-checkout/internal/pricing"
)

// ErrInvalidInput is returned when a cart entry cannot be priced.
var ErrInvalidInput = errors.New("invalid input")

// Entry is one line of the storefront cart. UnitPrice is in major units and
// covers the full selected term.
type Entry struct {
	ID        string          `json:"id" validate:"required"`
	Name      string          `json:"name" validate:"required"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity" validate:"min=1"`
}

// Snapshot is a read-only copy of the cart taken when checkout starts.
type Snapshot struct {
	Key     string  `json:"cart_key"`
	Entries []Entry `json:"entries" validate:"required,min=1,dive"`
}

// Items converts the snapshot into pricing items.
func (s Snapshot) Items() ([]pricing.Item, error) {
	if len(s.Entries) == 0 {
		return nil, pricing.ErrEmptyCart
	}
	items := make([]pricing.Item, 0, len(s.Entries))
	for _, e := range s.Entries {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			return nil, fmt.Errorf("entry without id: %w", ErrInvalidInput)
		}
		if e.Quantity < 1 {
			return nil, fmt.Errorf("entry %s: %w", id, pricing.ErrInvalidQuantity)
		}
		if e.UnitPrice.IsNegative() {
			return nil, fmt.Errorf("entry %s: %w", id, pricing.ErrNegativePrice)
		}
		minor := e.UnitPrice.Shift(2)
		if !minor.Equal(minor.Truncate(0)) {
			return nil, fmt.Errorf("entry %s: unit price has sub-cent precision: %w", id, ErrInvalidInput)
		}
		items = append(items, pricing.Item{
			ProductID: id,
			Name:      strings.TrimSpace(e.Name),
			Qty:       e.Quantity,
			UnitPrice: pricing.FromMajor(e.UnitPrice),
		})
	}
	return items, nil
}

// ProductIDs returns the distinct product identifiers in cart order.
func (s Snapshot) ProductIDs() []string {
	ids := lo.Map(s.Entries, func(e Entry, _ int) string { return strings.TrimSpace(e.ID) })
	return lo.Uniq(lo.Compact(ids))
}

// Fingerprint identifies the priced contents of the cart.
func (s Snapshot) Fingerprint() string {
	parts := lo.Map(s.Entries, func(e Entry, _ int) string {
		return fmt.Sprintf("%s:%d:%s", e.ID, e.Quantity, e.UnitPrice.String())
	})
	return strings.Join(parts, "|")
}
