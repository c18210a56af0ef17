package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/onnwee/creditledger/internal/audit"
	"github.com/onnwee/creditledger/internal/credits"
	"github.com/onnwee/creditledger/internal/ledger"
	"github.com/onnwee/creditledger/internal/middleware"
)

// CreditHandlers serves balances, history, the catalog, service payments and admin grants.
type CreditHandlers struct {
	accounts  *credits.Accounts
	spender   *credits.Spender
	granter   *credits.Granter
	auditRepo audit.Repository
	logger    *slog.Logger
}

// NewCreditHandlers creates a new CreditHandlers instance. auditRepo may be nil.
func NewCreditHandlers(
	accounts *credits.Accounts,
	spender *credits.Spender,
	granter *credits.Granter,
	auditRepo audit.Repository,
	logger *slog.Logger,
) *CreditHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &CreditHandlers{
		accounts:  accounts,
		spender:   spender,
		granter:   granter,
		auditRepo: auditRepo,
		logger:    logger,
	}
}

// BalanceResponse is the caller's current balance.
type BalanceResponse struct {
	Credits int64 `json:"credits"`
}

// TransactionsResponse is a page of the caller's ledger, newest first.
type TransactionsResponse struct {
	Transactions []ledger.Entry `json:"transactions"`
}

// PackagesResponse lists active credit packages.
type PackagesResponse struct {
	Packages []ledger.CreditPackage `json:"packages"`
}

// ServicesResponse lists active services.
type ServicesResponse struct {
	Services []ledger.Service `json:"services"`
}

// GrantCreditsRequest is the body of POST /admin/credits.
type GrantCreditsRequest struct {
	UserID      string `json:"userId" validate:"required,max=255"`
	Amount      int64  `json:"amount" validate:"required,gt=0,lte=1000000"`
	Reference   string `json:"reference,omitempty" validate:"omitempty,max=255"`
	Description string `json:"description,omitempty" validate:"omitempty,max=500"`
}

// GrantCreditsResponse reports the addition entry and whether it was newly written.
type GrantCreditsResponse struct {
	Applied     bool          `json:"applied"`
	Transaction *ledger.Entry `json:"transaction"`
}

// Balance returns the caller's credits, creating their profile on first access.
// GET /credits/balance
func (h *CreditHandlers) Balance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	balance, err := h.accounts.Balance(ctx, middleware.GetUserID(ctx), middleware.GetUserEmail(ctx))
	if err != nil {
		writeServiceError(w, ctx, err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, BalanceResponse{Credits: balance})
}

// Transactions returns the caller's ledger history.
// GET /credits/transactions?limit=n
func (h *CreditHandlers) Transactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "limit must be an integer")
			return
		}
		limit = n
	}

	entries, err := h.accounts.History(ctx, middleware.GetUserID(ctx), limit)
	if err != nil {
		writeServiceError(w, ctx, err)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	writeJSON(w, ctx, http.StatusOK, TransactionsResponse{Transactions: entries})
}

// Packages lists the purchasable credit packages.
// GET /credit-packages
func (h *CreditHandlers) Packages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pkgs, err := h.accounts.Packages(ctx)
	if err != nil {
		writeServiceError(w, ctx, err)
		return
	}
	if pkgs == nil {
		pkgs = []ledger.CreditPackage{}
	}
	writeJSON(w, ctx, http.StatusOK, PackagesResponse{Packages: pkgs})
}

// Services lists the catalog services.
// GET /services
func (h *CreditHandlers) Services(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	svcs, err := h.accounts.Services(ctx)
	if err != nil {
		writeServiceError(w, ctx, err)
		return
	}
	if svcs == nil {
		svcs = []ledger.Service{}
	}
	writeJSON(w, ctx, http.StatusOK, ServicesResponse{Services: svcs})
}

// PayService pays for a service out of the caller's balance.
// POST /services/{id}/pay
func (h *CreditHandlers) PayService(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	result, err := h.spender.PayService(ctx, middleware.GetUserID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, ctx, err)
		return
	}
	writeJSON(w, ctx, http.StatusCreated, result)
}

// GrantCredits adds credits to a user's balance. Admin only.
// POST /admin/credits
func (h *CreditHandlers) GrantCredits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req GrantCreditsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	res, err := h.granter.Grant(ctx, credits.GrantRequest{
		UserID:      req.UserID,
		Amount:      req.Amount,
		Reference:   req.Reference,
		Description: req.Description,
	})

	if h.auditRepo != nil {
		outcome := audit.OutcomeSuccess
		if err != nil {
			outcome = audit.OutcomeFailure
		}
		if auditErr := audit.RecordFromRequest(r, h.auditRepo, audit.EntityProfile, req.UserID, audit.ActionGrantCredits, outcome); auditErr != nil {
			logAuditFailure(ctx, h.logger, auditErr)
		}
	}

	if err != nil {
		writeServiceError(w, ctx, err)
		return
	}

	status := http.StatusCreated
	if res.Outcome == credits.OutcomeDuplicate {
		status = http.StatusOK
	}
	writeJSON(w, ctx, status, GrantCreditsResponse{
		Applied:     res.Outcome == credits.OutcomeApplied,
		Transaction: res.Entry,
	})
}
