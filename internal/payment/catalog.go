// Package payment turns paid orders into entitlement codes. It owns the
// package catalog, admin-created orders and the Stripe checkout webhook.
package payment

import (
	"time"

	"github.com/rcourtman/handwrite/internal/ledger"
)

// Package is a purchasable entitlement bundle.
type Package struct {
	ID         int         `json:"id"`
	Name       string      `json:"name"`
	Mode       ledger.Mode `json:"mode"`
	Units      int         `json:"units,omitempty"`
	Days       int         `json:"days,omitempty"`
	PriceCents int64       `json:"price_cents"`
}

// Duration is the validity of a subscription package.
func (p Package) Duration() time.Duration {
	return time.Duration(p.Days) * 24 * time.Hour
}

// IssueRequest is the ledger request for one purchase of p.
func (p Package) IssueRequest(orderRef string) ledger.IssueRequest {
	req := ledger.IssueRequest{
		Mode:          p.Mode,
		OrderRef:      orderRef,
		PackageID:     p.ID,
		PreferredCode: ledger.CodeFromOrder(orderRef),
	}
	if p.Mode == ledger.ModeSubscription {
		req.Duration = p.Duration()
	} else {
		req.Units = p.Units
	}
	return req
}

var catalog = []Package{
	{ID: 1, Name: "Starter", Mode: ledger.ModeQuantity, Units: 2, PriceCents: 299},
	{ID: 2, Name: "Basic", Mode: ledger.ModeQuantity, Units: 8, PriceCents: 499},
	{ID: 3, Name: "Standard", Mode: ledger.ModeQuantity, Units: 20, PriceCents: 899},
	{ID: 4, Name: "Plus", Mode: ledger.ModeQuantity, Units: 35, PriceCents: 1190},
	{ID: 5, Name: "Pro", Mode: ledger.ModeQuantity, Units: 70, PriceCents: 1700},
	{ID: 6, Name: "Monthly", Mode: ledger.ModeSubscription, Days: 30, PriceCents: 2990},
	{ID: 7, Name: "Quarterly", Mode: ledger.ModeSubscription, Days: 90, PriceCents: 6990},
	{ID: 8, Name: "Yearly", Mode: ledger.ModeSubscription, Days: 365, PriceCents: 19990},
}

// Catalog returns every package in display order.
func Catalog() []Package {
	out := make([]Package, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup returns the package with id.
func Lookup(id int) (Package, bool) {
	for _, p := range catalog {
		if p.ID == id {
			return p, true
		}
	}
	return Package{}, false
}
