package auth

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey string

const ctxUserIDKey ctxKey = "userID"

func WithUserID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxUserIDKey, id)
}

func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	v, ok := ctx.Value(ctxUserIDKey).(uuid.UUID)
	return v, ok
}

// ActorFromContext is used for audit attribution: nil when the change is
// system-driven (no authenticated request in the call path).
func ActorFromContext(ctx context.Context) *uuid.UUID {
	if id, ok := UserIDFromContext(ctx); ok {
		return &id
	}
	return nil
}
