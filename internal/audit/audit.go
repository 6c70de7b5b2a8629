package audit

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/nprasetio/go-checkout-orders/internal/postgres"
)

// Actions mirrored from the audit_logs table check constraint.
const (
	ActionCreate       = "create"
	ActionUpdate       = "update"
	ActionDelete       = "delete"
	ActionStockChange  = "stock_change"
	ActionStatusChange = "status_change"
)

type Entry struct {
	ModelName string
	ObjectID  string
	Action    string
	FieldName string
	OldValue  string
	NewValue  string
	Actor     *uuid.UUID // nil for system-driven changes
	Metadata  map[string]any
}

// Insert writes one audit row through q, inside whatever transaction the
// caller is running.
func Insert(ctx context.Context, q postgres.Querier, e Entry) error {
	meta := e.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	_, err := q.Exec(ctx, `
		INSERT INTO audit_logs (model_name, object_id, action, field_name, old_value, new_value, user_id, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ModelName, e.ObjectID, e.Action, e.FieldName, e.OldValue, e.NewValue, e.Actor, meta)
	return err
}

// Recorder is the standalone best-effort sink: a failed audit write is
// logged and swallowed, it never fails the business operation.
type Recorder struct {
	DB  *pgxpool.Pool
	Log *zap.Logger
}

func (r *Recorder) Record(ctx context.Context, e Entry) {
	if err := Insert(ctx, r.DB, e); err != nil {
		r.Log.Error("audit record", zap.String("model", e.ModelName),
			zap.String("object_id", e.ObjectID), zap.Error(err))
	}
}
