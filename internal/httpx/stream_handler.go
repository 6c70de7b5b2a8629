package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nprasetio/go-checkout-orders/internal/auth"
	"github.com/nprasetio/go-checkout-orders/internal/notify"
	"github.com/nprasetio/go-checkout-orders/internal/orders"
)

// StreamHandler serves the real-time notification streams over SSE.
// Both streams authorize on connect, push a snapshot first and then
// forward broker events until the client goes away.
type StreamHandler struct {
	Repo   *orders.Repo
	Broker notify.Broker
	Log    *zap.Logger
}

func (h *StreamHandler) Register(r chi.Router) {
	r.Get("/orders/stream", h.streamUserOrders)
	r.Get("/orders/{id}/stream", h.streamOrder)
}

// streamOrder follows a single order. Connecting to someone else's
// order is rejected before any subscription exists.
func (h *StreamHandler) streamOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	orderID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	o, err := h.Repo.ByIDForUser(r.Context(), orderID, userID)
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	sub, err := h.Broker.Subscribe(r.Context(), notify.ScopeOrder, orderID.String())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer sub.Close()

	flusher, ok := beginStream(w)
	if !ok {
		return
	}

	// current state first, so a client that missed earlier pushes
	// still starts from the truth
	writeSSE(w, flusher, notify.Event{
		Type:        notify.TypeOrderStatus,
		OrderID:     o.ID.String(),
		OrderNumber: o.OrderNumber,
		Status:      string(o.Status),
		Timestamp:   time.Now().UTC(),
	})

	h.pump(r.Context(), w, flusher, sub)
}

// streamUserOrders follows everything that happens to the caller's
// orders: new orders, status changes, checkout failures.
func (h *StreamHandler) streamUserOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	recent, err := h.Repo.ListRecentByUser(r.Context(), userID, 10)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sub, err := h.Broker.Subscribe(r.Context(), notify.ScopeUserOrders, userID.String())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer sub.Close()

	flusher, ok := beginStream(w)
	if !ok {
		return
	}

	for _, o := range recent {
		writeSSE(w, flusher, notify.Event{
			Type:        notify.TypeOrderStatus,
			OrderID:     o.ID.String(),
			OrderNumber: o.OrderNumber,
			Status:      string(o.Status),
			TotalAmount: o.TotalAmount.String(),
			Timestamp:   time.Now().UTC(),
		})
	}

	h.pump(r.Context(), w, flusher, sub)
}

func (h *StreamHandler) pump(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, sub *notify.Subscription) {
	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			writeSSE(w, flusher, ev)
		case <-keepalive.C:
			// comment frame keeps proxies from cutting the connection
			_, _ = w.Write([]byte(": keepalive\n\n"))
			flusher.Flush()
		}
	}
}

func beginStream(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev notify.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n\n"))
	flusher.Flush()
}
