package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	herrors "github.com/rcourtman/handwrite/internal/errors"
	"github.com/rcourtman/handwrite/internal/hwmetrics"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// Checkout session metadata keys set when the session is created.
const (
	MetadataOrderRef  = "order_ref"
	MetadataPackageID = "package_id"
)

// WebhookHandler handles incoming Stripe webhook events.
type WebhookHandler struct {
	secret  string
	service *Service
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool   `json:"received"`
	Code     string `json:"code,omitempty"`
}

// NewWebhookHandler creates a Stripe webhook HTTP handler.
func NewWebhookHandler(secret string, service *Service) *WebhookHandler {
	return &WebhookHandler{
		secret:  secret,
		service: service,
	}
}

// ServeHTTP verifies the Stripe signature and dispatches the event.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		hwmetrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		hwmetrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if strings.TrimSpace(h.secret) == "" {
		status = http.StatusServiceUnavailable
		writeJSON(w, status, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "missing Stripe signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "invalid Stripe signature"})
		return
	}
	eventType = string(event.Type)

	code, err := h.handleEvent(r.Context(), &event)
	if err != nil {
		// Permanent payload problems are acknowledged with 400 so the
		// provider stops redelivering; anything else asks for a retry.
		status = http.StatusInternalServerError
		msg := "processing failed"
		if herrors.TypeOf(err) == herrors.ErrorTypeValidation {
			status = http.StatusBadRequest
			msg = herrors.PublicMessage(err)
		}
		log.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", eventType).
			Int("status", status).
			Msg("Stripe webhook processing failed")
		writeJSON(w, status, webhookErrorResponse{Error: msg})
		return
	}

	writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true, Code: code})
}

func (h *WebhookHandler) handleEvent(ctx context.Context, event *stripelib.Event) (string, error) {
	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		var session CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return "", herrors.Validation("webhook", "decode checkout.session: %v", err)
		}
		if session.PaymentStatus != "" && session.PaymentStatus != "paid" {
			log.Info().
				Str("session_id", session.ID).
				Str("payment_status", session.PaymentStatus).
				Msg("Checkout session not paid yet, waiting for async payment")
			return "", nil
		}
		paid, err := session.Paid()
		if err != nil {
			return "", err
		}
		rec, err := h.service.HandlePaid(ctx, paid)
		if err != nil {
			return "", fmt.Errorf("issue entitlement for session %s: %w", session.ID, err)
		}
		return rec.Code, nil

	default:
		log.Info().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Stripe webhook ignored (unhandled type)")
		return "", nil
	}
}

// CheckoutSession is a minimal representation of a Stripe checkout.session event.
type CheckoutSession struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	PaymentStatus     string            `json:"payment_status"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	Metadata          map[string]string `json:"metadata"`
}

// Paid extracts the paid order from the session. The order reference comes
// from the metadata, then the client reference, then the session id.
func (s CheckoutSession) Paid() (Paid, error) {
	orderRef := strings.TrimSpace(s.Metadata[MetadataOrderRef])
	if orderRef == "" {
		orderRef = strings.TrimSpace(s.ClientReferenceID)
	}
	if orderRef == "" {
		orderRef = strings.TrimSpace(s.ID)
	}
	rawID := strings.TrimSpace(s.Metadata[MetadataPackageID])
	if rawID == "" {
		return Paid{}, herrors.Validation("webhook", "checkout session %s has no %s metadata", s.ID, MetadataPackageID)
	}
	packageID, err := strconv.Atoi(rawID)
	if err != nil {
		return Paid{}, herrors.Validation("webhook", "checkout session %s has invalid package id %q", s.ID, rawID)
	}
	return Paid{OrderRef: orderRef, PackageID: packageID, AmountCents: s.AmountTotal}, nil
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("payment: encode webhook response")
	}
}
