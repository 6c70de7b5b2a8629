package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nprasetio/go-checkout-orders/internal/auth"
	"github.com/nprasetio/go-checkout-orders/internal/notify"
	"github.com/nprasetio/go-checkout-orders/internal/orders"
	"github.com/nprasetio/go-checkout-orders/internal/redisx"
)

// OrderStore is the slice of the orders repository the handlers touch.
// *orders.Repo satisfies it.
type OrderStore interface {
	ListRecentByUser(ctx context.Context, userID uuid.UUID, limit int) ([]orders.Order, error)
	ByIDForUser(ctx context.Context, id, userID uuid.UUID) (*orders.Order, error)
	Cancel(ctx context.Context, orderID, userID uuid.UUID) (*orders.Order, error)
	SetPaymentStatus(ctx context.Context, orderID uuid.UUID, to orders.PaymentStatus, notes string) (*orders.Order, error)
	HistoryOf(ctx context.Context, orderID uuid.UUID) ([]orders.StatusHistory, error)
	EventsOf(ctx context.Context, orderID uuid.UUID) ([]orders.OrderEvent, error)
}

type OrdersHandler struct {
	Repo   OrderStore
	Redis  redisx.Cmdable
	Notify *notify.Publisher
	Log    *zap.Logger
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Get("/orders", h.list)
	r.Get("/orders/{id}", h.get)
	r.Get("/orders/{id}/status", h.getStatus)
	r.Get("/orders/{id}/history", h.history)
	r.Get("/orders/{id}/events", h.events)
	r.Post("/orders/{id}/cancel", h.cancel)
	r.Put("/orders/{id}/payment-status", h.setPaymentStatus)
}

func (h *OrdersHandler) list(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	os, err := h.Repo.ListRecentByUser(ctx, userID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": os})
}

func (h *OrdersHandler) get(w http.ResponseWriter, r *http.Request) {
	userID, orderID, ok := h.owned(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Repo.ByIDForUser(ctx, orderID, userID)
	if err != nil {
		h.notFoundOr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) history(w http.ResponseWriter, r *http.Request) {
	userID, orderID, ok := h.owned(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if _, err := h.Repo.ByIDForUser(ctx, orderID, userID); err != nil {
		h.notFoundOr(w, err)
		return
	}
	hist, err := h.Repo.HistoryOf(ctx, orderID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": hist})
}

func (h *OrdersHandler) events(w http.ResponseWriter, r *http.Request) {
	userID, orderID, ok := h.owned(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if _, err := h.Repo.ByIDForUser(ctx, orderID, userID); err != nil {
		h.notFoundOr(w, err)
		return
	}
	evs, err := h.Repo.EventsOf(ctx, orderID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

// statusCacheEntry is what order_status:{id} holds. The owner travels
// with the entry so a cache hit never answers for someone else's order.
type statusCacheEntry struct {
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status,omitempty"`
	UserID        string `json:"user_id"`
}

// getStatus serves the hot path from the Redis cache, falling back to
// the database and repopulating on miss. The cached entry is only
// served to the order's owner; everyone else goes through the
// ownership check on the database path.
func (h *OrdersHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	userID, orderID, ok := h.owned(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
	if s, err := h.Redis.Get(ctx, key).Result(); err == nil && s != "" {
		var c statusCacheEntry
		if json.Unmarshal([]byte(s), &c) == nil && c.UserID == userID.String() {
			writeJSON(w, http.StatusOK, map[string]string{
				"status":         c.Status,
				"payment_status": c.PaymentStatus,
			})
			return
		}
	}

	o, err := h.Repo.ByIDForUser(ctx, orderID, userID)
	if err != nil {
		h.notFoundOr(w, err)
		return
	}
	h.refreshStatusCache(ctx, o)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":         string(o.Status),
		"payment_status": string(o.PaymentStatus),
	})
}

func (h *OrdersHandler) cancel(w http.ResponseWriter, r *http.Request) {
	userID, orderID, ok := h.owned(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Repo.Cancel(auth.WithUserID(ctx, userID), orderID, userID)
	if err != nil {
		switch {
		case errors.Is(err, orders.ErrNotFound):
			writeError(w, http.StatusNotFound, "not found")
		case errors.Is(err, orders.ErrForbidden):
			writeError(w, http.StatusForbidden, "not your order")
		case errors.Is(err, orders.ErrInvalidTransition):
			writeError(w, http.StatusConflict, "order can no longer be cancelled")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	h.refreshStatusCache(ctx, o)
	h.Notify.OrderStatus(ctx, o.ID, o.UserID, string(o.Status), "Order "+o.OrderNumber+" cancelled")
	h.Notify.OrderEvent(ctx, o.ID, orders.EventCancelled, "Order "+o.OrderNumber+" cancelled")

	h.Log.Info("order cancelled",
		zap.String("order_number", o.OrderNumber),
		zap.String("user_id", userID.String()))
	writeJSON(w, http.StatusOK, o)
}

type paymentStatusReq struct {
	PaymentStatus string `json:"payment_status"`
	Notes         string `json:"notes"`
}

// setPaymentStatus is the collaborator endpoint payment processors call
// back into. The transition table guards it the same way order status
// changes are guarded.
func (h *OrdersHandler) setPaymentStatus(w http.ResponseWriter, r *http.Request) {
	userID, orderID, ok := h.owned(w, r)
	if !ok {
		return
	}

	var req paymentStatusReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// ownership gate: only the order's owner may report payment outcomes
	if _, err := h.Repo.ByIDForUser(ctx, orderID, userID); err != nil {
		h.notFoundOr(w, err)
		return
	}

	o, err := h.Repo.SetPaymentStatus(auth.WithUserID(ctx, userID), orderID, orders.PaymentStatus(req.PaymentStatus), req.Notes)
	if err != nil {
		switch {
		case errors.Is(err, orders.ErrNotFound):
			writeError(w, http.StatusNotFound, "not found")
		case errors.Is(err, orders.ErrInvalidTransition):
			writeError(w, http.StatusConflict, "invalid payment status transition")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	h.refreshStatusCache(ctx, o)
	event := orders.EventPaymentReceived
	if o.PaymentStatus == orders.PaymentFailed {
		event = orders.EventPaymentFailed
	}
	h.Notify.OrderEvent(ctx, o.ID, event, "Payment status: "+string(o.PaymentStatus))

	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) refreshStatusCache(ctx context.Context, o *orders.Order) {
	key := fmt.Sprintf(redisx.KeyOrderStatus, o.ID)
	b, _ := json.Marshal(statusCacheEntry{
		Status:        string(o.Status),
		PaymentStatus: string(o.PaymentStatus),
		UserID:        o.UserID.String(),
	})
	if err := h.Redis.Set(ctx, key, b, redisx.TTLStatusCache).Err(); err != nil {
		h.Log.Warn("status cache", zap.String("key", key), zap.Error(err))
	}
}

// owned parses the authenticated user and path order id, writing the
// error response itself when either is missing.
func (h *OrdersHandler) owned(w http.ResponseWriter, r *http.Request) (userID, orderID uuid.UUID, ok bool) {
	userID, authed := auth.UserIDFromContext(r.Context())
	if !authed {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return uuid.Nil, uuid.Nil, false
	}
	orderID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return uuid.Nil, uuid.Nil, false
	}
	return userID, orderID, true
}

func (h *OrdersHandler) notFoundOr(w http.ResponseWriter, err error) {
	if errors.Is(err, orders.ErrNotFound) || errors.Is(err, orders.ErrForbidden) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
