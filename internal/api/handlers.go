/**
 * @description
 * This file contains the HTTP handlers for the affiliate-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/waflow/affiliate-service/internal/app"
	"github.com/waflow/affiliate-service/internal/domain"
	"github.com/waflow/affiliate-service/internal/store"
)

// ReprocessRateLimiter bounds manual reprocess calls per affiliate.
type ReprocessRateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// AffiliateHandlers holds the application service that handlers will use.
type AffiliateHandlers struct {
	service        *app.Service
	rateLimiter    ReprocessRateLimiter
	reprocessLimit int
	internalAPIKey string
}

// NewAffiliateHandlers creates a new instance of AffiliateHandlers.
func NewAffiliateHandlers(service *app.Service, limiter ReprocessRateLimiter, reprocessLimit int, internalAPIKey string) *AffiliateHandlers {
	return &AffiliateHandlers{
		service:        service,
		rateLimiter:    limiter,
		reprocessLimit: reprocessLimit,
		internalAPIKey: internalAPIKey,
	}
}

type reprocessRequest struct {
	AffiliateID string `json:"affiliate_id,omitempty"`
}

type reprocessResponse struct {
	Processed int                    `json:"processed"`
	Results   []domain.PaymentResult `json:"results"`
}

type trackReferralRequest struct {
	ReferralCode   string `json:"referral_code"`
	ReferredUserID string `json:"referred_user_id"`
}

// EnrollHandler creates an affiliate for the authenticated user and returns an
// onboarding link for the connected payment account.
func (h *AffiliateHandlers) EnrollHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticatedUserID(w, r)
	if !ok {
		return
	}

	resp, err := h.service.EnrollAffiliate(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateAffiliate) {
			h.writeError(w, http.StatusConflict, "User is already enrolled as an affiliate")
			return
		}
		if errors.Is(err, store.ErrBillingIdentityNotFound) {
			h.writeError(w, http.StatusBadRequest, "No billing identity found for user")
			return
		}
		log.Printf("level=error component=api endpoint=enroll msg=\"enrollment failed\" user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	log.Printf("level=info component=api endpoint=enroll outcome=accepted user_id=%s affiliate_id=%s", userID, resp.Affiliate.ID)
	h.writeJSON(w, http.StatusCreated, resp)
}

// MeHandler returns the authenticated user's affiliate profile and referral stats.
func (h *AffiliateHandlers) MeHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticatedUserID(w, r)
	if !ok {
		return
	}

	profile, err := h.service.GetAffiliateProfile(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrAffiliateNotFound) {
			h.writeError(w, http.StatusNotFound, "User is not an affiliate")
			return
		}
		log.Printf("level=error component=api endpoint=me msg=\"profile lookup failed\" user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, profile)
}

// ReprocessHandler re-drives outstanding referrals for one affiliate. The
// affiliate is resolved from the authenticated caller; internal callers may
// name an explicit affiliate id instead.
func (h *AffiliateHandlers) ReprocessHandler(w http.ResponseWriter, r *http.Request) {
	var req reprocessRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
			return
		}
	}

	var affiliateID uuid.UUID
	if req.AffiliateID != "" {
		// Explicit ids are reserved for server-to-server callers.
		if h.internalAPIKey == "" || r.Header.Get("X-Internal-API-Key") != h.internalAPIKey {
			h.writeError(w, http.StatusForbidden, "Explicit affiliate_id requires internal credentials")
			return
		}
		parsed, err := uuid.Parse(req.AffiliateID)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid affiliate_id")
			return
		}
		affiliateID = parsed
	} else {
		userID, ok := h.authenticatedUserID(w, r)
		if !ok {
			return
		}
		affiliate, err := h.service.ResolveAffiliateByUserID(r.Context(), userID)
		if err != nil {
			if errors.Is(err, store.ErrAffiliateNotFound) {
				h.writeError(w, http.StatusNotFound, "User is not an affiliate")
				return
			}
			log.Printf("level=error component=api endpoint=reprocess msg=\"affiliate lookup failed\" user_id=%s err=%v", userID, err)
			h.writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		affiliateID = affiliate.ID
	}

	if h.rateLimiter != nil {
		count, retryAfter, err := h.rateLimiter.ConsumeRateLimit(r.Context(), "reprocess", affiliateID.String(), h.reprocessLimit, time.Minute)
		if err != nil {
			log.Printf("level=warn component=api endpoint=reprocess msg=\"rate limiter unavailable; allowing request\" affiliate_id=%s err=%v", affiliateID, err)
		} else if h.reprocessLimit > 0 && count > h.reprocessLimit {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			h.writeError(w, http.StatusTooManyRequests, "Too many reprocess requests; try again later")
			return
		}
	}

	results, err := h.service.SweepAffiliate(r.Context(), affiliateID)
	if err != nil {
		log.Printf("level=error component=api endpoint=reprocess msg=\"sweep failed\" affiliate_id=%s err=%v", affiliateID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, reprocessResponse{Processed: len(results), Results: results})
}

// SweepHandler runs a system-wide reconciliation pass. Intended for the
// external scheduler; protected by the internal API key middleware.
func (h *AffiliateHandlers) SweepHandler(w http.ResponseWriter, r *http.Request) {
	report := h.service.SweepAll(r.Context(), "http")
	h.writeJSON(w, http.StatusOK, report)
}

// SyncStatusHandler returns the operator summary of the referral ledger.
func (h *AffiliateHandlers) SyncStatusHandler(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.SyncStatus(r.Context())
	if err != nil {
		log.Printf("level=error component=api endpoint=sync_status msg=\"status query failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// TrackReferralHandler records a referral at signup time. Called by the panel
// backend; attribution is first-touch, so a repeat call for the same user
// returns the original referral.
func (h *AffiliateHandlers) TrackReferralHandler(w http.ResponseWriter, r *http.Request) {
	var req trackReferralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if req.ReferralCode == "" {
		h.writeError(w, http.StatusBadRequest, "referral_code is required")
		return
	}
	referredUserID, err := uuid.Parse(req.ReferredUserID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid referred_user_id")
		return
	}

	referral, err := h.service.RegisterReferral(r.Context(), req.ReferralCode, referredUserID)
	if err != nil {
		if errors.Is(err, store.ErrAffiliateNotFound) {
			h.writeError(w, http.StatusNotFound, "Unknown referral code")
			return
		}
		log.Printf("level=error component=api endpoint=track_referral msg=\"referral registration failed\" referred_user_id=%s err=%v", referredUserID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusCreated, referral)
}

func (h *AffiliateHandlers) authenticatedUserID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userIDStr, ok := GetAuthUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		log.Printf("level=warn component=api msg=\"invalid user id in token subject\" subject=%s", userIDStr)
		h.writeError(w, http.StatusBadRequest, "Invalid user ID format")
		return uuid.Nil, false
	}
	return userID, true
}

// writeJSON is a helper for writing JSON responses.
func (h *AffiliateHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *AffiliateHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
