// Package api exposes the matching engine over HTTP. Handlers decode and
// validate requests, call exactly one engine or ledger operation, and map
// the result to JSON. Prices and trade effects are never derived here.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/fracbond/matching-core/internal/engine"
	"github.com/fracbond/matching-core/internal/model"
	"github.com/fracbond/matching-core/internal/tradelog"
)

// UserHeader carries the authenticated user id on cancel requests. The
// gateway in front of this service sets it after authentication.
const UserHeader = "X-User-ID"

const (
	defaultOrdersLimit = 50
	maxOrdersLimit     = 500
)

// Engine is the subset of *engine.Engine the handlers call.
type Engine interface {
	Submit(ctx context.Context, req engine.SubmitRequest) (*model.Order, error)
	Cancel(ctx context.Context, orderID, userID string) error
	OrderBook(ctx context.Context, bondID string, depth int) (*model.BookSnapshot, error)
	GetOrder(ctx context.Context, orderID string) (*model.Order, error)
	UserOrders(ctx context.Context, userID string, limit int) ([]model.Order, error)
	Trades(ctx context.Context, q tradelog.Query) (tradelog.Page, error)
	Portfolio(ctx context.Context, userID string) (*model.Portfolio, error)
}

// Funder credits cash and primary allotments. *ledger.Ledger implements it.
type Funder interface {
	Deposit(ctx context.Context, userID string, amount decimal.Decimal) error
	Allot(ctx context.Context, userID, bondID string, units int64, price decimal.Decimal) error
}

// Handler serves the /api/v1 routes.
type Handler struct {
	eng      Engine
	funds    Funder
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandler creates a handler. funds may be nil, which disables the
// funding routes.
func NewHandler(eng Engine, funds Funder, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		eng:      eng,
		funds:    funds,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With("component", "api"),
	}
}

// --- Request types ---

// SubmitOrderRequest is the JSON body for POST /orders.
type SubmitOrderRequest struct {
	UserID     string           `json:"user_id" validate:"required"`
	BondID     string           `json:"bond_id" validate:"required,max=64"`
	Side       model.Side       `json:"side" validate:"required,oneof=BUY SELL"`
	Type       model.OrderType  `json:"type" validate:"required,oneof=LIMIT MARKET"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty" validate:"required_if=Type LIMIT,excluded_if=Type MARKET"`
	Quantity   int64            `json:"quantity" validate:"required,gt=0"`
}

// DepositRequest is the JSON body for POST /accounts/{userID}/deposits.
type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// AllotmentRequest is the JSON body for POST /accounts/{userID}/allotments.
type AllotmentRequest struct {
	BondID string          `json:"bond_id" validate:"required,max=64"`
	Units  int64           `json:"units" validate:"required,gt=0"`
	Price  decimal.Decimal `json:"price"`
}

// --- Engine operations ---

// SubmitOrder handles POST /api/v1/orders.
func (h *Handler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if !h.decode(w, r, &req) {
		return
	}

	order, err := h.eng.Submit(r.Context(), engine.SubmitRequest{
		UserID:     req.UserID,
		BondID:     req.BondID,
		Side:       req.Side,
		Type:       req.Type,
		LimitPrice: req.LimitPrice,
		Quantity:   req.Quantity,
	})
	if err != nil {
		h.writeFailure(w, r, err, order)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(UserHeader)
	if userID == "" {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: UserHeader + " header is required", Code: "invalid"})
		return
	}

	if err := h.eng.Cancel(r.Context(), chi.URLParam(r, "orderID"), userID); err != nil {
		h.writeFailure(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetBook handles GET /api/v1/bonds/{bondID}/book?depth=N.
func (h *Handler) GetBook(w http.ResponseWriter, r *http.Request) {
	depth, ok := queryInt(w, r, "depth", 0)
	if !ok {
		return
	}

	snap, err := h.eng.OrderBook(r.Context(), chi.URLParam(r, "bondID"), depth)
	if err != nil {
		h.writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// --- Read helpers ---

// GetOrder handles GET /api/v1/orders/{orderID}.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.eng.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// ListUserOrders handles GET /api/v1/users/{userID}/orders?limit=N.
func (h *Handler) ListUserOrders(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", defaultOrdersLimit)
	if !ok {
		return
	}
	limit = min(max(limit, 1), maxOrdersLimit)

	orders, err := h.eng.UserOrders(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		h.writeFailure(w, r, err, nil)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

// ListTrades handles GET /api/v1/bonds/{bondID}/trades with optional
// user_id, from, to (RFC 3339), cursor and limit query parameters.
func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	q := tradelog.Query{
		BondID: chi.URLParam(r, "bondID"),
		UserID: r.URL.Query().Get("user_id"),
	}

	var ok bool
	if q.From, ok = queryTime(w, r, "from"); !ok {
		return
	}
	if q.To, ok = queryTime(w, r, "to"); !ok {
		return
	}
	cursor, ok := queryInt(w, r, "cursor", 0)
	if !ok {
		return
	}
	q.Cursor = int64(cursor)
	if q.Limit, ok = queryInt(w, r, "limit", tradelog.DefaultPageSize); !ok {
		return
	}
	q.Limit = min(max(q.Limit, 1), 10*tradelog.DefaultPageSize)

	page, err := h.eng.Trades(r.Context(), q)
	if err != nil {
		h.writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}.
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	pf, err := h.eng.Portfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, pf)
}

// --- Funding ---

// Deposit handles POST /api/v1/accounts/{userID}/deposits.
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if !h.decode(w, r, &req) {
		return
	}
	userID := chi.URLParam(r, "userID")
	if err := h.funds.Deposit(r.Context(), userID, req.Amount); err != nil {
		h.writeFailure(w, r, err, nil)
		return
	}

	h.logger.Info("deposit credited", "user_id", userID, "amount", req.Amount)
	h.GetPortfolio(w, r)
}

// Allot handles POST /api/v1/accounts/{userID}/allotments.
func (h *Handler) Allot(w http.ResponseWriter, r *http.Request) {
	var req AllotmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	userID := chi.URLParam(r, "userID")
	if err := h.funds.Allot(r.Context(), userID, req.BondID, req.Units, req.Price); err != nil {
		h.writeFailure(w, r, err, nil)
		return
	}

	h.logger.Info("units allotted", "user_id", userID, "bond", req.BondID, "units", req.Units)
	h.GetPortfolio(w, r)
}

// --- Helpers ---

// decode reads a JSON body into v and validates it, writing a 400 response
// on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "empty request body", Code: "invalid"})
		return false
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "invalid"})
		return false
	}

	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			writeError(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "invalid"})
			return false
		}
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fieldMessage(fe)
		}
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "validation failed", Code: "invalid", Fields: fields})
		return false
	}
	return true
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "excluded_if":
		return "must be omitted"
	case "oneof":
		return "must be one of " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	default:
		return "is invalid"
	}
}

func queryInt(w http.ResponseWriter, r *http.Request, key string, def int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: key + " must be a non-negative integer", Code: "invalid"})
		return 0, false
	}
	return n, true
}

func queryTime(w http.ResponseWriter, r *http.Request, key string) (time.Time, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: key + " must be an RFC 3339 timestamp", Code: "invalid"})
		return time.Time{}, false
	}
	return t, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
