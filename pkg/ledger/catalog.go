package ledger

import (
	"fmt"
	"strings"
)

// CreditPack is a purchasable bundle of credits.
type CreditPack struct {
	ID          string
	Label       string
	Description string
	Credits     Credits
	PriceCents  int64
	BestValue   bool
}

// Catalog is the immutable, ordered list of credit packs loaded at start-up.
type Catalog struct {
	packs []CreditPack
	index map[string]int
}

// NewCatalog validates packs and builds a catalog. Ids must be unique and non-empty;
// credits and price must be positive.
func NewCatalog(packs []CreditPack) (Catalog, error) {
	if len(packs) == 0 {
		return Catalog{}, fmt.Errorf("%w: catalog is empty", ErrInvalidPack)
	}
	catalog := Catalog{
		packs: make([]CreditPack, 0, len(packs)),
		index: make(map[string]int, len(packs)),
	}
	for _, pack := range packs {
		pack.ID = strings.TrimSpace(pack.ID)
		if pack.ID == "" {
			return Catalog{}, fmt.Errorf("%w: empty id", ErrInvalidPack)
		}
		if _, exists := catalog.index[pack.ID]; exists {
			return Catalog{}, fmt.Errorf("%w: duplicate id %q", ErrInvalidPack, pack.ID)
		}
		if pack.Credits <= 0 {
			return Catalog{}, fmt.Errorf("%w: %s credits must be greater than zero", ErrInvalidPack, pack.ID)
		}
		if pack.PriceCents <= 0 {
			return Catalog{}, fmt.Errorf("%w: %s price must be greater than zero", ErrInvalidPack, pack.ID)
		}
		catalog.index[pack.ID] = len(catalog.packs)
		catalog.packs = append(catalog.packs, pack)
	}
	return catalog, nil
}

// DefaultCatalog returns the built-in packs.
func DefaultCatalog() Catalog {
	catalog, err := NewCatalog([]CreditPack{
		{
			ID:          "starter",
			Label:       "Starter",
			Description: "Enough for a handful of personalized looks.",
			Credits:     15,
			PriceCents:  499,
		},
		{
			ID:          "stylist",
			Label:       "Stylist",
			Description: "Regular looks and remixes for a whole season.",
			Credits:     40,
			PriceCents:  999,
			BestValue:   true,
		},
		{
			ID:          "wardrobe",
			Label:       "Wardrobe",
			Description: "Rebuild your entire wardrobe.",
			Credits:     100,
			PriceCents:  1999,
		},
	})
	if err != nil {
		panic(err)
	}
	return catalog
}

// Packs returns a copy of the packs in catalog order.
func (catalog Catalog) Packs() []CreditPack {
	packs := make([]CreditPack, len(catalog.packs))
	copy(packs, catalog.packs)
	return packs
}

// Lookup finds a pack by id.
func (catalog Catalog) Lookup(packID string) (CreditPack, error) {
	position, ok := catalog.index[strings.TrimSpace(packID)]
	if !ok {
		return CreditPack{}, fmt.Errorf("%w: %q", ErrUnknownPack, packID)
	}
	return catalog.packs[position], nil
}

// IsZero reports whether the catalog was never built.
func (catalog Catalog) IsZero() bool {
	return len(catalog.packs) == 0
}

// Pricing holds the starting balance and per-feature costs.
type Pricing struct {
	StartingBalance      Credits
	PersonalizedLookCost Credits
	RemixCost            Credits
}

// DefaultPricing returns the built-in pricing.
func DefaultPricing() Pricing {
	return Pricing{
		StartingBalance:      defaultStartingBalance,
		PersonalizedLookCost: defaultPersonalizedLookCost,
		RemixCost:            defaultRemixCost,
	}
}

// Validate ensures costs are positive and the starting balance is not negative.
func (pricing Pricing) Validate() error {
	if pricing.StartingBalance < 0 {
		return fmt.Errorf("%w: starting balance must not be negative", ErrInvalidServiceConfig)
	}
	if pricing.PersonalizedLookCost <= 0 {
		return fmt.Errorf("%w: personalized look cost must be greater than zero", ErrInvalidServiceConfig)
	}
	if pricing.RemixCost <= 0 {
		return fmt.Errorf("%w: remix cost must be greater than zero", ErrInvalidServiceConfig)
	}
	return nil
}

// PersonalizedLooksCost charges at least one look. A look count whose cost would exceed
// MaxCredits is rejected with ErrInvalidAmount.
func (pricing Pricing) PersonalizedLooksCost(lookCount int) (Credits, error) {
	if lookCount < 1 {
		lookCount = 1
	}
	if pricing.PersonalizedLookCost <= 0 {
		return 0, fmt.Errorf("%w: personalized look cost must be greater than zero", ErrInvalidServiceConfig)
	}
	if Credits(lookCount) > MaxCredits/pricing.PersonalizedLookCost {
		return 0, fmt.Errorf("%w: look count %d is too large", ErrInvalidAmount, lookCount)
	}
	return pricing.PersonalizedLookCost * Credits(lookCount), nil
}
