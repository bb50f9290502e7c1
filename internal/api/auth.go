package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	herrors "github.com/rcourtman/handwrite/internal/errors"
	"github.com/rcourtman/handwrite/internal/logging"
)

// HashAdminKey returns a bcrypt hash suitable for HW_ADMIN_KEY.
func HashAdminKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// IsKeyHashed reports whether key looks like a bcrypt hash.
func IsKeyHashed(key string) bool {
	return strings.HasPrefix(key, "$2") && len(key) == 60
}

// checkAdminKey compares a presented key with the configured one, which may
// be stored as plain text or as a bcrypt hash.
func checkAdminKey(presented, configured string) bool {
	if presented == "" || configured == "" {
		return false
	}
	if IsKeyHashed(configured) {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(presented)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}

// AdminKeyMiddleware returns middleware that requires a valid admin API key.
// adminKey is read per request so that a reloaded key applies immediately.
func AdminKeyMiddleware(adminKey func() string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
		if key == "" {
			// Also check Authorization: Bearer <key>
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}

		if !checkAdminKey(key, adminKey()) {
			log.Warn().
				Str("path", r.URL.Path).
				Str("remote", clientIP(r, nil)).
				Msg("Rejected admin request")
			writeErrorResponse(w, http.StatusUnauthorized, string(herrors.ErrorTypeAuth),
				"unauthorized", logging.RequestIDFromContext(r.Context()), false)
			return
		}

		next.ServeHTTP(w, r)
	})
}
