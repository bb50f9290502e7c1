// Package ledger tracks prepaid entitlement codes: how many renders a
// quantity code still allows, or until when a subscription code is valid.
package ledger

import (
	"context"
	"time"

	herrors "github.com/rcourtman/handwrite/internal/errors"
)

// Mode is the billing mode of an entitlement.
type Mode string

const (
	ModeQuantity     Mode = "quantity"
	ModeSubscription Mode = "subscription"
)

// Status is the lifecycle state of an entitlement.
type Status string

const (
	StatusActive    Status = "active"
	StatusExhausted Status = "exhausted"
	StatusExpired   Status = "expired"
	StatusDeleted   Status = "deleted"
)

// Unlimited is stored as the unit count of subscription entitlements.
const Unlimited = 999999

// Usage actions recorded in the usage log.
const (
	ActionGeneratePDF = "generate_pdf"
	ActionGenerateZip = "generate_zip"
	ActionPreview     = "preview"
)

// Record is a single entitlement.
type Record struct {
	Code           string     `json:"code"`
	Mode           Mode       `json:"mode"`
	TotalUnits     int        `json:"total_units"`
	RemainingUnits int        `json:"remaining_units"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Status         Status     `json:"status"`
	OrderRef       string     `json:"order_ref,omitempty"`
	PackageID      int        `json:"package_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.ExpiresAt != nil {
		ts := *r.ExpiresAt
		out.ExpiresAt = &ts
	}
	return &out
}

// IssueRequest describes a new entitlement.
type IssueRequest struct {
	Mode     Mode
	Units    int           // quantity mode
	Duration time.Duration // subscription mode

	// OrderRef makes issuing idempotent per payment order.
	OrderRef  string
	PackageID int
	// PreferredCode is tried before a random code. It must be a valid code.
	PreferredCode string
	// RequireCode fails the issue instead of falling back to a random code
	// when PreferredCode is taken.
	RequireCode bool
}

// Filter narrows List results.
type Filter struct {
	Status     Status
	OrdersOnly bool
	Limit      int
}

// Usage is one usage-log entry.
type Usage struct {
	Code      string    `json:"code"`
	Action    string    `json:"action"`
	CharCount int       `json:"char_count"`
	CreatedAt time.Time `json:"created_at"`
}

// Ledger is the entitlement store contract shared by every backend.
type Ledger interface {
	Issue(ctx context.Context, req IssueRequest) (*Record, error)
	// Verify returns the record. A subscription found past its expiry is
	// flipped to expired as part of the read.
	Verify(ctx context.Context, code string) (*Record, error)
	// Consume atomically checks and draws units from the code.
	Consume(ctx context.Context, code string, units int) (*Record, error)
	AdjustRemaining(ctx context.Context, code string, value int) (*Record, error)
	Delete(ctx context.Context, code string) error
	List(ctx context.Context, filter Filter) ([]*Record, error)
	FindByOrder(ctx context.Context, orderRef string) (*Record, error)
	RecordUsage(ctx context.Context, u Usage) error
	ListUsage(ctx context.Context, code string, limit int) ([]Usage, error)
	Ping(ctx context.Context) error
	Close() error
}

const (
	maxCodeAttempts   = 20
	defaultListLimit  = 500
	defaultUsageLimit = 100
)

// newRecord builds the record to insert under code. req must be valid.
func newRecord(req IssueRequest, code string, now time.Time) *Record {
	now = now.UTC().Truncate(time.Second)
	rec := &Record{
		Code:      code,
		Mode:      req.Mode,
		Status:    StatusActive,
		OrderRef:  req.OrderRef,
		PackageID: req.PackageID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	switch req.Mode {
	case ModeQuantity:
		rec.TotalUnits = req.Units
		rec.RemainingUnits = req.Units
	case ModeSubscription:
		expires := now.Add(req.Duration)
		rec.TotalUnits = Unlimited
		rec.RemainingUnits = Unlimited
		rec.ExpiresAt = &expires
	}
	return rec
}

func validateIssue(req IssueRequest) error {
	switch req.Mode {
	case ModeQuantity:
		if req.Units <= 0 {
			return herrors.Validation("issue", "units must be greater than 0, got %d", req.Units)
		}
	case ModeSubscription:
		if req.Duration <= 0 {
			return herrors.Validation("issue", "subscription requires a positive duration")
		}
	default:
		return herrors.Validation("issue", "unknown billing mode %q", req.Mode)
	}
	if req.PreferredCode != "" && !ValidCode(req.PreferredCode) {
		return herrors.Validation("issue", "preferred code %q is not a 6-digit code", req.PreferredCode)
	}
	if req.RequireCode && req.PreferredCode == "" {
		return herrors.Validation("issue", "a code is required")
	}
	return nil
}

func validateCode(op, code string) error {
	if !ValidCode(code) {
		return herrors.Validation(op, "code must be 6 digits")
	}
	return nil
}

func validateUnits(units int) error {
	if units <= 0 {
		return herrors.Validation("consume", "units must be greater than 0, got %d", units)
	}
	return nil
}

// isExpiredAt reports whether a subscription record is past its expiry.
func isExpiredAt(r *Record, now time.Time) bool {
	return r.Mode == ModeSubscription && r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// needsExpiry reports whether a read at now must flip r to expired.
func needsExpiry(r *Record, now time.Time) bool {
	return r.Status == StatusActive && isExpiredAt(r, now)
}

// checkConsumable returns the error Consume reports for r, or nil if units
// can be drawn.
func checkConsumable(r *Record, units int, now time.Time) error {
	if r.Status == StatusDeleted {
		return errInactive("consume", r.Code)
	}
	if r.Mode == ModeSubscription {
		if isExpiredAt(r, now) || r.Status == StatusExpired {
			return errExpired("consume", r.Code)
		}
		if r.Status != StatusActive {
			return errInactive("consume", r.Code)
		}
		return nil
	}
	if r.RemainingUnits < units {
		return errInsufficient("consume", r.Code)
	}
	if r.Status != StatusActive {
		return errInactive("consume", r.Code)
	}
	return nil
}

// CheckConsumable reports whether units could be drawn from r at now
// without mutating anything. The orchestrator uses it to fail before
// rendering.
func CheckConsumable(r *Record, units int, now time.Time) error {
	if r == nil {
		return herrors.NotFound("consume", "")
	}
	return checkConsumable(r, units, now)
}

// statusAfterAdjust recomputes the status for a new remaining value.
func statusAfterAdjust(r *Record, value int, now time.Time) Status {
	if r.Mode == ModeSubscription {
		if isExpiredAt(r, now) {
			return StatusExpired
		}
		return StatusActive
	}
	if value == 0 {
		return StatusExhausted
	}
	return StatusActive
}

func errInactive(op, code string) error {
	return herrors.New(herrors.ErrorTypeInactive, op, code, herrors.ErrInactive)
}

func errExpired(op, code string) error {
	return herrors.New(herrors.ErrorTypeExpired, op, code, herrors.ErrExpired)
}

func errInsufficient(op, code string) error {
	return herrors.New(herrors.ErrorTypeInsufficientUnits, op, code, herrors.ErrInsufficientUnits)
}

func errCodeSpace() error {
	return herrors.New(herrors.ErrorTypeStorage, "issue", "", errCodeSpaceExhausted)
}
