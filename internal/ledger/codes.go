package ledger

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	herrors "github.com/rcourtman/handwrite/internal/errors"
)

// CodeLength is the number of digits in an entitlement code.
const CodeLength = 6

var (
	codeSpace             = big.NewInt(1_000_000)
	errCodeSpaceExhausted = errors.New("could not allocate an unused code")
)

// ValidCode reports whether s is a well-formed entitlement code.
func ValidCode(s string) bool {
	if len(s) != CodeLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// NewCode returns a random 6-digit code.
func NewCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// CodeFromOrder derives a code from the last six digits of an order number.
// It returns "" when the order number has fewer than six digits.
func CodeFromOrder(orderRef string) string {
	var digits strings.Builder
	for _, r := range orderRef {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	if len(d) < CodeLength {
		return ""
	}
	return d[len(d)-CodeLength:]
}

// codeCandidates yields the preferred code first (if any), then random codes.
// With strict set, only the preferred code is offered.
type codeCandidates struct {
	preferred string
	strict    bool
	attempt   int
	newCode   func() (string, error)
}

func newCodeCandidates(req IssueRequest, gen func() (string, error)) codeCandidates {
	return codeCandidates{preferred: req.PreferredCode, strict: req.RequireCode, newCode: gen}
}

func (c *codeCandidates) next() (string, error) {
	if c.strict && c.attempt > 0 {
		return "", herrors.Validation("issue", "code %s is already in use", c.preferred)
	}
	if c.attempt >= maxCodeAttempts {
		return "", errCodeSpace()
	}
	c.attempt++
	if c.attempt == 1 && c.preferred != "" {
		return c.preferred, nil
	}
	gen := c.newCode
	if gen == nil {
		gen = NewCode
	}
	return gen()
}
