package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/order-settlement/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса расчётов.
// Маршруты заказов монтируются, только если сервис ведёт заказы сам.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Route("/credits", func(r chi.Router) {
			r.Post("/", h.RegisterCard)
			r.Get("/{cardNumber}", h.GetCard)
			r.Patch("/{cardNumber}", h.UpdateCard)
			r.Delete("/{cardNumber}", h.DeleteCard)
		})

		if h.service.HasOrders() {
			r.Post("/orders", h.PlaceOrder)
			r.Get("/orders/{orderID}", h.GetOrder)
		}

		r.Route("/payments", func(r chi.Router) {
			r.Post("/charge", h.Charge)
			r.Get("/{transactionID}", h.GetTransaction)
			r.Post("/{transactionID}/cancel", h.CancelCharge)
		})
	})

	if h.service.HasOrders() {
		r.Route("/internal/orders/{orderID}", func(r chi.Router) {
			r.Use(h.internalAuth.Middleware)
			r.Get("/", h.InternalOrder)
			r.Post("/status", h.TransitionOrder)
		})
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
