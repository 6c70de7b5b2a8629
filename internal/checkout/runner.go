package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/nprasetio/go-checkout-orders/internal/audit"
	"github.com/nprasetio/go-checkout-orders/internal/kafka"
	"github.com/nprasetio/go-checkout-orders/internal/notify"
	"github.com/nprasetio/go-checkout-orders/internal/orders"
	"github.com/nprasetio/go-checkout-orders/internal/redisx"
)

// Runner glues the pipeline stages to their topics: each handler
// decodes its input envelope, dedups on event id, runs the stage under
// the retry policy and hands the output to the next topic's producer.
type Runner struct {
	Pipeline *Pipeline
	RDB      redisx.Cmdable
	Retry    RetryPolicy
	Service  string
	Notify   *notify.Publisher
	Audit    *audit.Recorder // optional, nil disables failure audit rows
	Log      *zap.Logger

	// producers for the downstream topics, nil past the last stage
	ToCreate  EnvelopePublisher
	ToDeduct  EnvelopePublisher
	ToConfirm EnvelopePublisher
}

// EnvelopePublisher is what a stage needs from the next topic's
// producer. *kafka.Producer satisfies it.
type EnvelopePublisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

// NewEnvelope wraps a stage output for the next topic.
func (r *Runner) NewEnvelope(eventType, correlationID string, payload any) Envelope {
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      r.Service,
		CorrelationID: correlationID,
		Payload:       kafka.MustMarshal(payload),
	}
}

// Submit puts a fresh checkout request on the head of the pipeline.
func (r *Runner) Submit(to EnvelopePublisher, req CheckoutRequest) {
	env := r.NewEnvelope(EventCheckoutRequested, req.AttemptID.String(), req)
	to.Publish(PartitionKey(req.AttemptID.String()), kafka.MustMarshal(env))
}

func (r *Runner) seen(ctx context.Context, stage, eventID string) (bool, error) {
	return redisx.Exists(ctx, r.RDB, fmt.Sprintf(redisx.KeyDedup, stage, eventID))
}

func (r *Runner) markSeen(ctx context.Context, stage, eventID string) {
	key := fmt.Sprintf(redisx.KeyDedup, stage, eventID)
	if err := r.RDB.Set(ctx, key, "1", redisx.TTLDedup).Err(); err != nil {
		r.Log.Warn("dedup mark", zap.String("key", key), zap.Error(err))
	}
}

// cacheStatus primes the status cache read by the HTTP layer; the owner
// id travels with the entry so only they are served from it.
func (r *Runner) cacheStatus(ctx context.Context, orderID, userID uuid.UUID, status orders.Status) {
	key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
	val := fmt.Sprintf(`{"status":%q,"user_id":%q}`, status, userID.String())
	if err := r.RDB.Set(ctx, key, val, redisx.TTLStatusCache).Err(); err != nil {
		r.Log.Warn("status cache", zap.String("key", key), zap.Error(err))
	}
}

// failed records a terminal pipeline failure: the user is notified, the
// event is marked processed and the offset is committed so the message
// never loops.
func (r *Runner) failed(ctx context.Context, stage, eventID string, userID, attemptID uuid.UUID, orderID string, err error) error {
	r.Log.Error("checkout failed",
		zap.String("stage", stage),
		zap.String("attempt_id", attemptID.String()),
		zap.Error(err))
	r.Notify.CheckoutFailed(ctx, userID, attemptID, orderID, failureMessage(err))
	if r.Audit != nil {
		r.Audit.Record(ctx, audit.Entry{
			ModelName: "CheckoutAttempt",
			ObjectID:  attemptID.String(),
			Action:    audit.ActionUpdate,
			FieldName: "result",
			NewValue:  "failed",
			Metadata: map[string]any{
				"stage":    stage,
				"order_id": orderID,
				"error":    err.Error(),
			},
		})
	}
	r.markSeen(ctx, stage, eventID)
	return nil
}

// failureMessage picks what the customer sees. Business errors carry
// their own text; everything else gets a generic line.
func failureMessage(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	if IsTerminal(err) {
		return err.Error()
	}
	return "checkout could not be completed, please try again"
}

// handle wraps the shared envelope plumbing around one stage. decode
// failures are returned for redelivery; wantType mismatches are logged
// and committed.
func (r *Runner) handle(ctx context.Context, m kafkago.Message, stage, wantType string, run func(ctx context.Context, env Envelope) error) error {
	var env Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return fmt.Errorf("stage %s: decode envelope: %w", stage, err)
	}
	if env.EventType != wantType {
		r.Log.Warn("unexpected event type",
			zap.String("stage", stage),
			zap.String("event_type", env.EventType))
		return nil
	}
	dup, err := r.seen(ctx, stage, env.EventID)
	if err != nil {
		return err
	}
	if dup {
		r.Log.Info("duplicate delivery skipped",
			zap.String("stage", stage),
			zap.String("event_id", env.EventID))
		return nil
	}
	return run(ctx, env)
}

// HandleValidate consumes checkout.validate.
func (r *Runner) HandleValidate(ctx context.Context, m kafkago.Message) error {
	const stage = "validate"
	return r.handle(ctx, m, stage, EventCheckoutRequested, func(ctx context.Context, env Envelope) error {
		req, err := kafka.UnwrapPayload[CheckoutRequest](env.Payload)
		if err != nil {
			return err
		}
		var out *ValidateOutput
		err = r.Retry.Do(ctx, r.Log, stage, func(ctx context.Context) error {
			out, err = r.Pipeline.Validate(ctx, req)
			return err
		})
		if errors.Is(err, context.Canceled) {
			return err
		}
		if err != nil {
			return r.failed(ctx, stage, env.EventID, req.UserID, req.AttemptID, "", err)
		}
		next := r.NewEnvelope(EventInventoryValidated, req.AttemptID.String(), out)
		r.ToCreate.Publish(PartitionKey(req.AttemptID.String()), kafka.MustMarshal(next))
		r.markSeen(ctx, stage, env.EventID)
		return nil
	})
}

// HandleCreate consumes checkout.order.create.
func (r *Runner) HandleCreate(ctx context.Context, m kafkago.Message) error {
	const stage = "create"
	return r.handle(ctx, m, stage, EventInventoryValidated, func(ctx context.Context, env Envelope) error {
		in, err := kafka.UnwrapPayload[ValidateOutput](env.Payload)
		if err != nil {
			return err
		}
		var out *CreateOutput
		err = r.Retry.Do(ctx, r.Log, stage, func(ctx context.Context) error {
			out, err = r.Pipeline.CreateOrder(ctx, in)
			return err
		})
		if errors.Is(err, context.Canceled) {
			return err
		}
		if err != nil {
			return r.failed(ctx, stage, env.EventID, in.UserID, in.AttemptID, "", err)
		}
		r.cacheStatus(ctx, out.OrderID, out.UserID, orders.StatusPending)
		// from here on the order id keys the partition and correlation
		next := r.NewEnvelope(EventOrderCreated, out.OrderID.String(), out)
		r.ToDeduct.Publish(PartitionKey(out.OrderID.String()), kafka.MustMarshal(next))
		r.markSeen(ctx, stage, env.EventID)
		return nil
	})
}

// HandleDeduct consumes checkout.stock.deduct.
func (r *Runner) HandleDeduct(ctx context.Context, m kafkago.Message) error {
	const stage = "deduct"
	return r.handle(ctx, m, stage, EventOrderCreated, func(ctx context.Context, env Envelope) error {
		in, err := kafka.UnwrapPayload[CreateOutput](env.Payload)
		if err != nil {
			return err
		}
		var out *DeductOutput
		err = r.Retry.Do(ctx, r.Log, stage, func(ctx context.Context) error {
			out, err = r.Pipeline.DeductStock(ctx, in)
			return err
		})
		if errors.Is(err, context.Canceled) {
			return err
		}
		if err != nil {
			return r.failed(ctx, stage, env.EventID, in.UserID, in.AttemptID, in.OrderID.String(), err)
		}
		r.cacheStatus(ctx, out.OrderID, out.UserID, orders.StatusConfirmed)
		next := r.NewEnvelope(EventStockDeducted, out.OrderID.String(), out)
		r.ToConfirm.Publish(PartitionKey(out.OrderID.String()), kafka.MustMarshal(next))
		r.markSeen(ctx, stage, env.EventID)
		return nil
	})
}

// HandleConfirm consumes checkout.confirm, the pipeline's tail.
func (r *Runner) HandleConfirm(ctx context.Context, m kafkago.Message) error {
	const stage = "confirm"
	return r.handle(ctx, m, stage, EventStockDeducted, func(ctx context.Context, env Envelope) error {
		in, err := kafka.UnwrapPayload[DeductOutput](env.Payload)
		if err != nil {
			return err
		}
		err = r.Retry.Do(ctx, r.Log, stage, func(ctx context.Context) error {
			_, err := r.Pipeline.SendConfirmation(ctx, in)
			return err
		})
		if errors.Is(err, context.Canceled) {
			return err
		}
		if err != nil {
			// stock stays deducted and the order stays confirmed
			return r.failed(ctx, stage, env.EventID, in.UserID, in.AttemptID, in.OrderID.String(), err)
		}
		r.Log.Info("checkout completed",
			zap.String("order_number", in.OrderNumber),
			zap.String("attempt_id", in.AttemptID.String()))
		r.markSeen(ctx, stage, env.EventID)
		return nil
	})
}
