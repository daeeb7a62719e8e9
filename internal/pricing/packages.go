package pricing

// Package is a one-time purchasable token bundle.
type Package struct {
	ID         string
	Tokens     int64
	PriceCents int64
	ExpiryDays int // purchased tokens expire this many days after crediting
}

// Packages is the hardcoded token package catalogue, keyed by package ID.
// IDs match the package_id metadata attached to Stripe checkout sessions.
var Packages = map[string]Package{
	"pack_small": {
		ID:         "pack_small",
		Tokens:     100,
		PriceCents: 500,
		ExpiryDays: 90,
	},
	"pack_medium": {
		ID:         "pack_medium",
		Tokens:     500,
		PriceCents: 2000,
		ExpiryDays: 90,
	},
	"pack_large": {
		ID:         "pack_large",
		Tokens:     2000,
		PriceCents: 6000,
		ExpiryDays: 180,
	},
}

// PackageByID returns the package for an ID.
func PackageByID(id string) (Package, bool) {
	p, ok := Packages[id]
	return p, ok
}
