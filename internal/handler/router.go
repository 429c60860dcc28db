package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unrolled/secure"
	"go.uber.org/zap"

	custommiddleware "github.com/mmeshcher/storefront-settlement/internal/middleware"
	"github.com/mmeshcher/storefront-settlement/internal/model"
)

const (
	webhookRateLimit  = 300
	checkoutRateLimit = 20
)

func (h *Handler) secureHeaders() func(http.Handler) http.Handler {
	sm := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		ContentSecurityPolicy: "default-src 'self'",
		SSLRedirect:           h.production,
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
	})

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := sm.Process(w, r); err != nil {
				h.logger.Warn("secure headers blocked request", zap.Error(err))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func tooManyRequests(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
}

// checkoutKey ограничивает оформление заказов на пользователя, а не на адрес.
func checkoutKey(r *http.Request) (string, error) {
	if id, ok := custommiddleware.GetUserIDFromContext(r.Context()); ok {
		return "user:" + strconv.FormatInt(id, 10), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}

// SetupRouter настраивает HTTP-маршруты и middleware сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.secureHeaders())
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Get("/healthz", h.Healthz)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	} else {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
			DisableCompression: true,
		}))
	}

	r.Route("/api/webhooks", func(r chi.Router) {
		r.Use(httprate.Limit(webhookRateLimit, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(tooManyRequests),
		))

		r.Post("/midtrans", h.PaymentNotification)
		r.Post("/accurate", h.LedgerWebhook)
		r.Post("/biteship", h.CarrierWebhook)
	})

	r.Route("/api/user", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Route("/api/orders", func(r chi.Router) {
			r.With(httprate.Limit(checkoutRateLimit, time.Minute,
				httprate.WithKeyFuncs(checkoutKey),
				httprate.WithLimitHandler(tooManyRequests),
			)).Post("/", h.PlaceOrder)
			r.Get("/", h.ListOrders)
			r.Get("/{number}", h.GetOrder)
		})

		r.Get("/api/products/{id}/price", h.QuotePrice)

		r.Group(func(r chi.Router) {
			r.Use(custommiddleware.RequireRole(model.RoleAdmin))

			r.Get("/api/accurate/callback", h.LedgerCallback)

			r.Route("/api/admin", func(r chi.Router) {
				r.Get("/accurate/authorize", h.LedgerAuthorize)
				r.Post("/accurate/open-db", h.OpenLedgerDatabase)

				r.Post("/orders/{number}/shipments", h.CreateShipment)
				r.Post("/orders/{number}/ledger-sync", h.RetriggerLedgerSync)
				r.Put("/orders/{number}/sales-order", h.LinkSalesOrder)

				r.Put("/users/{id}/price-category", h.SyncCustomerCategory)
				r.Put("/users/{id}/discounts", h.SetUserDiscounts)

				r.Put("/payment-methods/{key}", h.SetPaymentMethodMapping)
				r.Post("/catalog/sync", h.TriggerCatalogSync)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
