package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/onnwee/creditledger/internal/audit"
	"github.com/onnwee/creditledger/internal/credits"
	"github.com/onnwee/creditledger/internal/middleware"
)

// ActionVerifySession routes a create-checkout call to manual recovery.
const ActionVerifySession = "verify_session"

// CheckoutHandlers holds dependencies for checkout initiation and recovery.
type CheckoutHandlers struct {
	initiator *credits.Initiator
	recovery  *credits.Recovery
	auditRepo audit.Repository
	logger    *slog.Logger
}

// NewCheckoutHandlers creates a new CheckoutHandlers instance. auditRepo may be nil.
func NewCheckoutHandlers(initiator *credits.Initiator, recovery *credits.Recovery, auditRepo audit.Repository, logger *slog.Logger) *CheckoutHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckoutHandlers{initiator: initiator, recovery: recovery, auditRepo: auditRepo, logger: logger}
}

// CreateCheckoutRequest is the body of POST /create-checkout. With action set to
// verify_session the call is a recovery request and only sessionId is read.
type CreateCheckoutRequest struct {
	Action       string `json:"action,omitempty" validate:"omitempty,oneof=verify_session"`
	CheckoutType string `json:"checkoutType,omitempty" validate:"omitempty,oneof=package service"`
	PackageID    string `json:"packageId,omitempty" validate:"omitempty,max=64"`
	ServiceID    string `json:"serviceId,omitempty" validate:"omitempty,max=64"`
	Origin       string `json:"origin,omitempty" validate:"omitempty,url"`
	SessionID    string `json:"sessionId,omitempty" validate:"omitempty,max=255"`
	UserID       string `json:"userId,omitempty"`
}

// VerifySessionRequest is the body of POST /checkout/verify.
type VerifySessionRequest struct {
	SessionID string `json:"sessionId" validate:"required,max=255"`
	UserID    string `json:"userId,omitempty"`
}

// CreateCheckoutResponse carries the hosted checkout redirect.
type CreateCheckoutResponse struct {
	URL       string `json:"url"`
	SessionID string `json:"sessionId"`
}

// CreateCheckout opens a checkout session for a credit package or a service.
// POST /create-checkout
func (h *CheckoutHandlers) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateCheckoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	if req.Action == ActionVerifySession {
		h.verify(w, r, req.SessionID, req.UserID)
		return
	}

	kind := credits.CheckoutKind(req.CheckoutType)
	if kind == "" {
		// Older clients send only the id of what they are buying.
		kind = credits.CheckoutPackage
		if req.ServiceID != "" && req.PackageID == "" {
			kind = credits.CheckoutService
		}
	}
	origin := req.Origin
	if origin == "" {
		origin = r.Header.Get("Origin")
	}

	result, err := h.initiator.CreateCheckout(ctx, credits.CheckoutRequest{
		Kind:           kind,
		PackageID:      req.PackageID,
		ServiceID:      req.ServiceID,
		Origin:         origin,
		UserID:         middleware.GetUserID(ctx),
		Email:          middleware.GetUserEmail(ctx),
		IdempotencyKey: middleware.GetIdempotencyKey(ctx),
	})
	if err != nil {
		writeServiceError(w, ctx, err)
		return
	}

	writeJSON(w, ctx, http.StatusOK, CreateCheckoutResponse{URL: result.URL, SessionID: result.SessionID})
}

// VerifySession is the manual recovery path for a paid session that the
// webhook has not applied yet.
// POST /checkout/verify
func (h *CheckoutHandlers) VerifySession(w http.ResponseWriter, r *http.Request) {
	var req VerifySessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	h.verify(w, r, req.SessionID, req.UserID)
}

// verify runs recovery for the bearer caller. A body userId is accepted for
// compatibility but must name the caller.
func (h *CheckoutHandlers) verify(w http.ResponseWriter, r *http.Request, sessionID, bodyUserID string) {
	ctx := r.Context()
	callerID := middleware.GetUserID(ctx)

	var (
		result *credits.VerifyResult
		err    error
	)
	if bodyUserID != "" && callerID != "" && bodyUserID != callerID {
		h.logger.WarnContext(ctx, "verify request names another user",
			"caller_id", callerID, "body_user_id", bodyUserID, "session_id", sessionID)
		err = credits.ErrOwnershipMismatch
	} else {
		result, err = h.recovery.VerifySession(ctx, sessionID, callerID)
	}
	h.recordAudit(r, sessionID, err)

	if err != nil {
		writeServiceError(w, ctx, err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, result)
}

// GetSession reports whether a session has reached the ledger. With
// ?repair=true a missing entry triggers recovery.
// GET /checkout/sessions/{id}
func (h *CheckoutHandlers) GetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "id")

	repair := false
	if raw := r.URL.Query().Get("repair"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "repair must be a boolean")
			return
		}
		repair = v
	}

	result, err := h.recovery.LookupSession(ctx, sessionID, middleware.GetUserID(ctx), repair)
	if repair {
		h.recordAudit(r, sessionID, err)
	}
	if err != nil {
		writeServiceError(w, ctx, err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, result)
}

func (h *CheckoutHandlers) recordAudit(r *http.Request, sessionID string, cause error) {
	if h.auditRepo == nil || sessionID == "" {
		return
	}
	outcome := audit.OutcomeSuccess
	if cause != nil {
		outcome = audit.OutcomeFailure
	}
	if err := audit.RecordFromRequest(r, h.auditRepo, audit.EntityCheckoutSession, sessionID, audit.ActionVerifySession, outcome); err != nil {
		logAuditFailure(r.Context(), h.logger, err)
	}
}

func logAuditFailure(ctx context.Context, logger *slog.Logger, err error) {
	if errors.Is(err, audit.ErrInvalidEntityID) {
		return
	}
	logger.WarnContext(ctx, "failed to write audit log", slog.String("error", err.Error()))
}
