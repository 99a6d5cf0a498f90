package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fracbond/matching-core/internal/metrics"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// WebSocket serves /api/v1/ws when set.
	WebSocket http.Handler

	// RequestTimeout bounds every request except WebSocket upgrades.
	RequestTimeout time.Duration

	Logger *slog.Logger
}

// NewRouter builds the full HTTP surface: health, metrics and /api/v1.
func NewRouter(h *Handler, opts RouterOptions) chi.Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "matching-core"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if opts.WebSocket != nil {
			r.Handle("/ws", opts.WebSocket)
		}

		r.Group(func(r chi.Router) {
			if opts.RequestTimeout > 0 {
				r.Use(middleware.Timeout(opts.RequestTimeout))
			}

			r.Post("/orders", h.SubmitOrder)
			r.Get("/orders/{orderID}", h.GetOrder)
			r.Delete("/orders/{orderID}", h.CancelOrder)

			r.Get("/bonds/{bondID}/book", h.GetBook)
			r.Get("/bonds/{bondID}/trades", h.ListTrades)

			r.Get("/users/{userID}/orders", h.ListUserOrders)
			r.Get("/portfolio/{userID}", h.GetPortfolio)

			if h.funds != nil {
				r.Post("/accounts/{userID}/deposits", h.Deposit)
				r.Post("/accounts/{userID}/allotments", h.Allot)
			}
		})
	})
	return r
}

// requestLogger logs one line per request through slog.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// cors allows browser clients on other origins.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+UserHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
