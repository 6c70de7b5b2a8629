package checkout

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nprasetio/go-checkout-orders/internal/kafka"
	"github.com/nprasetio/go-checkout-orders/internal/notify"
)

type fakeRedis struct {
	m map[string]string
}

func newFakeRedis() *fakeRedis { return &fakeRedis{m: map[string]string{}} }

func (f *fakeRedis) Exists(ctx context.Context, keys ...string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	var n int64
	for _, k := range keys {
		if _, ok := f.m[k]; ok {
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	if v, ok := f.m[key]; ok {
		cmd.SetVal(v)
	} else {
		cmd.SetErr(redis.Nil)
	}
	return cmd
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	f.m[key] = fmt.Sprint(value)
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(ctx)
	if _, ok := f.m[key]; ok {
		cmd.SetVal(false)
		return cmd
	}
	f.m[key] = fmt.Sprint(value)
	cmd.SetVal(true)
	return cmd
}

type capturePublisher struct {
	messages []kafkago.Message
}

func (c *capturePublisher) Publish(key, value []byte, headers ...kafkago.Header) {
	c.messages = append(c.messages, kafkago.Message{Key: key, Value: value, Headers: headers})
}

func (c *capturePublisher) lastEnvelope(t *testing.T) Envelope {
	t.Helper()
	require.NotEmpty(t, c.messages)
	env, err := kafka.UnwrapPayload[Envelope](c.messages[len(c.messages)-1].Value)
	require.NoError(t, err)
	return env
}

func newRunner(f *fixture) (*Runner, *capturePublisher, *capturePublisher, *capturePublisher, *fakeRedis) {
	toCreate := &capturePublisher{}
	toDeduct := &capturePublisher{}
	toConfirm := &capturePublisher{}
	rdb := newFakeRedis()
	r := &Runner{
		Pipeline:  f.pipe,
		RDB:       rdb,
		Retry:     RetryPolicy{MaxRetries: 1, Base: time.Millisecond},
		Service:   "checkout-test",
		Notify:    f.pipe.Notify,
		Log:       zap.NewNop(),
		ToCreate:  toCreate,
		ToDeduct:  toDeduct,
		ToConfirm: toConfirm,
	}
	return r, toCreate, toDeduct, toConfirm, rdb
}

func message(env Envelope) kafkago.Message {
	return kafkago.Message{Key: []byte(env.CorrelationID), Value: kafka.MustMarshal(env)}
}

func TestRunnerEndToEnd(t *testing.T) {
	f := newFixture(t)
	r, toCreate, toDeduct, toConfirm, _ := newRunner(f)
	ctx := context.Background()

	env := r.NewEnvelope(EventCheckoutRequested, f.attemptID.String(), f.request())
	require.NoError(t, r.HandleValidate(ctx, message(env)))
	next := toCreate.lastEnvelope(t)
	require.Equal(t, EventInventoryValidated, next.EventType)

	require.NoError(t, r.HandleCreate(ctx, message(next)))
	next = toDeduct.lastEnvelope(t)
	require.Equal(t, EventOrderCreated, next.EventType)

	require.NoError(t, r.HandleDeduct(ctx, message(next)))
	next = toConfirm.lastEnvelope(t)
	require.Equal(t, EventStockDeducted, next.EventType)

	require.NoError(t, r.HandleConfirm(ctx, message(next)))

	require.Len(t, f.orders.byID, 1)
	require.Equal(t, 8, f.orders.stock[f.prodA])
	require.Equal(t, 1, f.carts.cleared[f.cartID])
}

func TestRunnerDedupSkipsRedelivery(t *testing.T) {
	f := newFixture(t)
	r, toCreate, _, _, _ := newRunner(f)
	ctx := context.Background()

	env := r.NewEnvelope(EventCheckoutRequested, f.attemptID.String(), f.request())
	require.NoError(t, r.HandleValidate(ctx, message(env)))
	require.NoError(t, r.HandleValidate(ctx, message(env)))

	require.Len(t, toCreate.messages, 1)
}

func TestRunnerTerminalFailureCommitsAndNotifies(t *testing.T) {
	f := newFixture(t)
	f.carts.lines[f.cartID][0].ProductStatus = "archived"
	r, toCreate, _, _, _ := newRunner(f)
	ctx := context.Background()

	sub, err := f.broker.Subscribe(ctx, notify.ScopeUserOrders, f.userID.String())
	require.NoError(t, err)
	defer sub.Close()

	env := r.NewEnvelope(EventCheckoutRequested, f.attemptID.String(), f.request())
	// nil: the message must be committed, not redelivered forever
	require.NoError(t, r.HandleValidate(ctx, message(env)))

	require.Empty(t, toCreate.messages)
	require.Empty(t, f.orders.byID)

	ev := <-sub.C
	require.Equal(t, notify.TypeCheckoutFailed, ev.Type)
	require.Contains(t, ev.Message, "no longer available")
}

func TestRunnerIgnoresUnexpectedEventType(t *testing.T) {
	f := newFixture(t)
	r, toCreate, _, _, _ := newRunner(f)

	env := r.NewEnvelope(EventStockDeducted, f.attemptID.String(), f.request())
	require.NoError(t, r.HandleValidate(context.Background(), message(env)))
	require.Empty(t, toCreate.messages)
}

func TestRunnerMalformedMessageIsReturnedForRedelivery(t *testing.T) {
	f := newFixture(t)
	r, _, _, _, _ := newRunner(f)

	err := r.HandleValidate(context.Background(), kafkago.Message{Value: []byte("{not json")})
	require.Error(t, err)
}

func TestRunnerCachesStatusAlongThePipeline(t *testing.T) {
	f := newFixture(t)
	r, toCreate, toDeduct, _, rdb := newRunner(f)
	ctx := context.Background()

	env := r.NewEnvelope(EventCheckoutRequested, f.attemptID.String(), f.request())
	require.NoError(t, r.HandleValidate(ctx, message(env)))
	require.NoError(t, r.HandleCreate(ctx, message(toCreate.lastEnvelope(t))))

	orderID := f.orders.byAttempt[f.attemptID].ID
	key := fmt.Sprintf("order_status:%s", orderID)
	require.JSONEq(t, fmt.Sprintf(`{"status":"pending","user_id":%q}`, f.userID), rdb.m[key])

	require.NoError(t, r.HandleDeduct(ctx, message(toDeduct.lastEnvelope(t))))
	require.JSONEq(t, fmt.Sprintf(`{"status":"confirmed","user_id":%q}`, f.userID), rdb.m[key])
}
