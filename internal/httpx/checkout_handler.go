package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nprasetio/go-checkout-orders/internal/auth"
	"github.com/nprasetio/go-checkout-orders/internal/cart"
	"github.com/nprasetio/go-checkout-orders/internal/checkout"
	"github.com/nprasetio/go-checkout-orders/internal/kafka"
	"github.com/nprasetio/go-checkout-orders/internal/orders"
	"github.com/nprasetio/go-checkout-orders/internal/redisx"
)

type CheckoutReq struct {
	CartID          string         `json:"cart_id"`
	ShippingAddress orders.Address `json:"shipping_address"`
	BillingAddress  orders.Address `json:"billing_address"`
	Notes           string         `json:"notes"`
}

type CheckoutResp struct {
	AttemptID  string `json:"attempt_id"`
	Idempotent bool   `json:"idempotent"`
}

// CheckoutHandler accepts checkout submissions and puts them on the
// head of the pipeline. The response is a 202 with the attempt id; the
// result arrives over the notification stream.
type CheckoutHandler struct {
	Carts    *cart.Store
	Producer checkout.EnvelopePublisher
	Redis    redisx.Cmdable
	Service  string
	Log      *zap.Logger
}

func (h *CheckoutHandler) Register(r chi.Router) {
	r.Post("/checkout", h.submit)
}

func (h *CheckoutHandler) submit(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req CheckoutReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	cartID, err := uuid.Parse(req.CartID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cart_id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	owner, err := h.Carts.Owner(ctx, cartID)
	if err != nil {
		if errors.Is(err, cart.ErrNotFound) {
			writeError(w, http.StatusNotFound, "cart not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if owner != userID {
		writeError(w, http.StatusForbidden, "not your cart")
		return
	}

	attemptID := uuid.New()

	// optional client-supplied idempotency: the same key from the same
	// user maps to the first attempt id, the pipeline is not re-entered
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		idemKey := fmt.Sprintf(redisx.KeyIdemCheckout, userID.String()+":"+key)
		set, err := h.Redis.SetNX(ctx, idemKey, attemptID.String(), redisx.TTLIdempotency).Result()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !set {
			prev, err := h.Redis.Get(ctx, idemKey).Result()
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, http.StatusAccepted, CheckoutResp{AttemptID: prev, Idempotent: true})
			return
		}
	}

	env := checkout.Envelope{
		EventID:       uuid.NewString(),
		EventType:     checkout.EventCheckoutRequested,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      h.Service,
		TraceID:       r.Header.Get("X-Request-Id"),
		CorrelationID: attemptID.String(),
	}
	env.Payload = kafka.MustMarshal(checkout.CheckoutRequest{
		AttemptID: attemptID,
		UserID:    userID,
		CartID:    cartID,
		Draft: orders.Draft{
			Shipping: req.ShippingAddress,
			Billing:  req.BillingAddress,
			Notes:    req.Notes,
		},
	})
	h.Producer.Publish(checkout.PartitionKey(attemptID.String()), kafka.MustMarshal(env))

	h.Log.Info("checkout accepted",
		zap.String("attempt_id", attemptID.String()),
		zap.String("cart_id", cartID.String()))
	writeJSON(w, http.StatusAccepted, CheckoutResp{AttemptID: attemptID.String()})
}
