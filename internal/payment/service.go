package payment

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/handwrite/internal/clock"
	herrors "github.com/rcourtman/handwrite/internal/errors"
	"github.com/rcourtman/handwrite/internal/ledger"
)

// Paid is a confirmed payment reported by a payment provider.
type Paid struct {
	OrderRef    string
	PackageID   int
	AmountCents int64
}

// Order is an order created and paid on the admin side.
type Order struct {
	OrderRef  string         `json:"order_ref"`
	Package   Package        `json:"package"`
	Record    *ledger.Record `json:"entitlement"`
	CreatedAt time.Time      `json:"created_at"`
}

// Service issues entitlements for paid orders.
type Service struct {
	ledger ledger.Ledger
	clock  clock.Clock
}

// NewService creates a Service.
func NewService(l ledger.Ledger, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.New()
	}
	return &Service{ledger: l, clock: clk}
}

// HandlePaid issues the entitlement for a paid order. It is idempotent per
// OrderRef: a repeated notification returns the code issued the first time.
func (s *Service) HandlePaid(ctx context.Context, p Paid) (*ledger.Record, error) {
	orderRef := strings.TrimSpace(p.OrderRef)
	if orderRef == "" {
		return nil, herrors.Validation("paid", "order reference is required")
	}
	pkg, ok := Lookup(p.PackageID)
	if !ok {
		return nil, herrors.Validation("paid", "unknown package %d", p.PackageID)
	}
	if p.AmountCents < pkg.PriceCents {
		return nil, herrors.Validation("paid", "amount %d is below the price %d of package %d", p.AmountCents, pkg.PriceCents, pkg.ID)
	}

	rec, err := s.ledger.Issue(ctx, pkg.IssueRequest(orderRef))
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("order_ref", orderRef).
		Int("package_id", pkg.ID).
		Str("code", rec.Code).
		Msg("Entitlement issued for paid order")
	return rec, nil
}

// CreateOrder creates an order for packageID and marks it paid at the
// catalog price.
func (s *Service) CreateOrder(ctx context.Context, packageID int) (*Order, error) {
	pkg, ok := Lookup(packageID)
	if !ok {
		return nil, herrors.Validation("create_order", "unknown package %d", packageID)
	}
	now := s.clock.Now()
	orderRef, err := NewOrderNumber(now)
	if err != nil {
		return nil, herrors.New(herrors.ErrorTypeInternal, "create_order", "", err)
	}
	rec, err := s.HandlePaid(ctx, Paid{OrderRef: orderRef, PackageID: pkg.ID, AmountCents: pkg.PriceCents})
	if err != nil {
		return nil, err
	}
	return &Order{OrderRef: orderRef, Package: pkg, Record: rec, CreatedAt: now}, nil
}

// Entitlement returns the entitlement issued for orderRef.
func (s *Service) Entitlement(ctx context.Context, orderRef string) (*ledger.Record, error) {
	rec, err := s.ledger.FindByOrder(ctx, orderRef)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, herrors.NotFound("order", orderRef)
	}
	return rec, nil
}

// NewOrderNumber returns "ORD" followed by the UTC timestamp and six
// random digits.
func NewOrderNumber(now time.Time) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate order number: %w", err)
	}
	return fmt.Sprintf("ORD%s%06d", now.UTC().Format("20060102150405"), n.Int64()), nil
}
