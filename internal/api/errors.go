package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/fracbond/matching-core/internal/engine"
	"github.com/fracbond/matching-core/internal/ledger"
	"github.com/fracbond/matching-core/internal/model"
	"github.com/fracbond/matching-core/internal/orderbook"
	"github.com/fracbond/matching-core/internal/risk"
	"github.com/fracbond/matching-core/internal/store"
)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error     string            `json:"error"`
	Code      string            `json:"code"`
	OrderID   string            `json:"order_id,omitempty"`
	Required  string            `json:"required,omitempty"`
	Available string            `json:"available,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`

	// Order is the last committed state of an order whose submission was
	// accepted and then aborted.
	Order *model.Order `json:"order,omitempty"`
}

// classify maps an error to an HTTP status and a stable error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, engine.ErrInvalidOrder), errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid"
	case errors.Is(err, engine.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, engine.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, engine.ErrInvalidState), errors.Is(err, orderbook.ErrInvalidOrderState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "insufficient_funds"
	case errors.Is(err, ledger.ErrInsufficientPosition):
		return http.StatusUnprocessableEntity, "insufficient_position"
	case errors.Is(err, engine.ErrNoLiquidity):
		return http.StatusUnprocessableEntity, "no_liquidity"
	case errors.Is(err, engine.ErrPriceBand):
		return http.StatusUnprocessableEntity, "price_band"
	case errors.Is(err, risk.ErrBondLimitExceeded), errors.Is(err, risk.ErrIssuerLimitExceeded):
		return http.StatusUnprocessableEntity, "limit_exceeded"
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// writeFailure renders err with the structured details it carries. order
// is the partially processed order returned alongside err, if any.
func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, err error, order *model.Order) {
	status, code := classify(err)
	resp := ErrorResponse{Error: err.Error(), Code: code, Order: order}

	var oe *engine.OrderError
	if errors.As(err, &oe) {
		resp.OrderID = oe.OrderID
	}
	var fe *ledger.FundsError
	if errors.As(err, &fe) {
		resp.Required, resp.Available = fe.Required.String(), fe.Available.String()
	}
	var pe *ledger.PositionError
	if errors.As(err, &pe) {
		resp.Required, resp.Available = strconv.FormatInt(pe.Required, 10), strconv.FormatInt(pe.Available, 10)
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "order_id", resp.OrderID, "err", err)
		if status == http.StatusInternalServerError {
			resp.Error = "internal error"
		}
	}
	writeError(w, status, resp)
}

func writeError(w http.ResponseWriter, status int, resp ErrorResponse) {
	writeJSON(w, status, resp)
}
