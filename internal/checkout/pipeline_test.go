package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nprasetio/go-checkout-orders/internal/cart"
	"github.com/nprasetio/go-checkout-orders/internal/notify"
	"github.com/nprasetio/go-checkout-orders/internal/orders"
	"github.com/nprasetio/go-checkout-orders/internal/stock"
	"github.com/nprasetio/go-checkout-orders/internal/users"
)

// In-memory fakes mirroring the stores' transactional semantics:
// create is idempotent on the attempt id, deduction applies all lines
// or none.

type fakeCarts struct {
	lines   map[uuid.UUID][]cart.Line
	cleared map[uuid.UUID]int
}

func newFakeCarts() *fakeCarts {
	return &fakeCarts{lines: map[uuid.UUID][]cart.Line{}, cleared: map[uuid.UUID]int{}}
}

func (f *fakeCarts) Lines(_ context.Context, cartID uuid.UUID) ([]cart.Line, error) {
	ls, ok := f.lines[cartID]
	if !ok {
		return nil, cart.ErrNotFound
	}
	return append([]cart.Line(nil), ls...), nil
}

func (f *fakeCarts) Clear(_ context.Context, cartID uuid.UUID) error {
	f.cleared[cartID]++
	return nil
}

type fakeOrders struct {
	mu        sync.Mutex // serializes mutations like the row locks do
	carts     *fakeCarts
	stock     map[uuid.UUID]int
	untracked map[uuid.UUID]bool

	byAttempt map[uuid.UUID]*orders.Order
	byID      map[uuid.UUID]*orders.Order
	events    map[uuid.UUID][]string

	createCalls int
	deductErr   error
}

func newFakeOrders(carts *fakeCarts) *fakeOrders {
	return &fakeOrders{
		carts:     carts,
		stock:     map[uuid.UUID]int{},
		untracked: map[uuid.UUID]bool{},
		byAttempt: map[uuid.UUID]*orders.Order{},
		byID:      map[uuid.UUID]*orders.Order{},
		events:    map[uuid.UUID][]string{},
	}
}

func (f *fakeOrders) CreateFromCart(ctx context.Context, in orders.CreateInput) (*orders.Order, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if o, ok := f.byAttempt[in.AttemptID]; ok {
		return o, true, nil
	}
	lines, err := f.carts.Lines(ctx, in.CartID)
	if err != nil {
		return nil, false, err
	}
	if len(lines) == 0 {
		return nil, false, orders.ErrEmptyCart
	}
	o := &orders.Order{
		ID:                uuid.New(),
		OrderNumber:       orders.NewOrderNumber(),
		UserID:            in.UserID,
		CheckoutAttemptID: in.AttemptID,
		Status:            orders.StatusPending,
		PaymentStatus:     orders.PaymentPending,
	}
	for _, l := range lines {
		total := l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
		o.Items = append(o.Items, orders.OrderItem{
			OrderID:     o.ID,
			ProductID:   l.ProductID,
			VariantID:   l.VariantID,
			ProductName: l.ProductName,
			SKU:         l.SKU,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
			TotalPrice:  total,
		})
		o.Subtotal = o.Subtotal.Add(total)
	}
	o.TotalAmount = o.Subtotal
	f.byAttempt[in.AttemptID] = o
	f.byID[o.ID] = o
	f.events[o.ID] = append(f.events[o.ID], orders.EventCreated)
	return o, false, nil
}

func (f *fakeOrders) DeductAndConfirm(_ context.Context, orderID uuid.UUID, lines []stock.Deduction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deductErr != nil {
		return f.deductErr
	}
	o, ok := f.byID[orderID]
	if !ok {
		return orders.ErrNotFound
	}
	if o.Status == orders.StatusConfirmed {
		return nil
	}
	if !orders.CanTransition(o.Status, orders.StatusConfirmed) {
		return orders.ErrInvalidTransition
	}
	// all-or-nothing: stage against a copy, swap on success
	next := make(map[uuid.UUID]int, len(f.stock))
	for k, v := range f.stock {
		next[k] = v
	}
	for _, d := range lines {
		if f.untracked[d.UnitID] {
			continue
		}
		have, ok := next[d.UnitID]
		if !ok {
			return fmt.Errorf("unit %s: %w", d.UnitID, stock.ErrUnitNotFound)
		}
		if have < d.Quantity {
			return &stock.InsufficientStockError{
				UnitType: d.UnitType, UnitID: d.UnitID,
				Required: d.Quantity, Available: have,
			}
		}
		next[d.UnitID] = have - d.Quantity
	}
	f.stock = next
	o.Status = orders.StatusConfirmed
	f.events[o.ID] = append(f.events[o.ID], orders.EventConfirmed)
	return nil
}

func (f *fakeOrders) ByID(_ context.Context, id uuid.UUID) (*orders.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.byID[id]
	if !ok {
		return nil, orders.ErrNotFound
	}
	return o, nil
}

func (f *fakeOrders) AppendEvent(_ context.Context, orderID uuid.UUID, eventType, _ string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[orderID] = append(f.events[orderID], eventType)
	return nil
}

type fakeUsers struct {
	byID map[uuid.UUID]*users.User
}

func (f *fakeUsers) ByID(_ context.Context, id uuid.UUID) (*users.User, error) {
	u, ok := f.byID[id]
	if !ok {
		return nil, users.ErrNotFound
	}
	return u, nil
}

type fixture struct {
	carts  *fakeCarts
	orders *fakeOrders
	users  *fakeUsers
	broker *notify.MemoryBroker
	pipe   *Pipeline

	userID    uuid.UUID
	cartID    uuid.UUID
	attemptID uuid.UUID
	prodA     uuid.UUID
	prodB     uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		carts:     newFakeCarts(),
		broker:    notify.NewMemoryBroker(),
		userID:    uuid.New(),
		cartID:    uuid.New(),
		attemptID: uuid.New(),
		prodA:     uuid.New(),
		prodB:     uuid.New(),
	}
	f.orders = newFakeOrders(f.carts)
	f.users = &fakeUsers{byID: map[uuid.UUID]*users.User{
		f.userID: {ID: f.userID, Email: "dina@example.com", FirstName: "Dina", LastName: "Sari"},
	}}
	f.carts.lines[f.cartID] = []cart.Line{
		{
			ProductID: f.prodA, ProductName: "Mechanical Keyboard", SKU: "KB-01",
			UnitPrice: decimal.RequireFromString("79.90"), Quantity: 2,
			ProductStatus: "active", TrackInventory: true, Stock: 10,
		},
		{
			ProductID: f.prodB, ProductName: "USB Cable", SKU: "CB-02",
			UnitPrice: decimal.RequireFromString("5.50"), Quantity: 1,
			ProductStatus: "active", TrackInventory: true, Stock: 3,
		},
	}
	f.orders.stock[f.prodA] = 10
	f.orders.stock[f.prodB] = 3
	f.pipe = &Pipeline{
		Carts:  f.carts,
		Orders: f.orders,
		Users:  f.users,
		Notify: &notify.Publisher{Broker: f.broker, Log: zap.NewNop()},
		Log:    zap.NewNop(),
	}
	return f
}

func (f *fixture) request() CheckoutRequest {
	return CheckoutRequest{AttemptID: f.attemptID, UserID: f.userID, CartID: f.cartID}
}

func (f *fixture) runAll(t *testing.T) *ConfirmOutput {
	t.Helper()
	ctx := context.Background()
	v, err := f.pipe.Validate(ctx, f.request())
	require.NoError(t, err)
	c, err := f.pipe.CreateOrder(ctx, *v)
	require.NoError(t, err)
	d, err := f.pipe.DeductStock(ctx, *c)
	require.NoError(t, err)
	out, err := f.pipe.SendConfirmation(ctx, *d)
	require.NoError(t, err)
	return out
}

func TestPipelineHappyPath(t *testing.T) {
	f := newFixture(t)
	out := f.runAll(t)

	require.Equal(t, "completed", out.Status)
	require.Len(t, f.orders.byID, 1)

	o := f.orders.byAttempt[f.attemptID]
	require.NotNil(t, o)
	require.Equal(t, orders.StatusConfirmed, o.Status)
	require.Len(t, o.Items, 2)
	require.Equal(t, "165.30", o.TotalAmount.StringFixed(2))

	require.Equal(t, 8, f.orders.stock[f.prodA])
	require.Equal(t, 2, f.orders.stock[f.prodB])
	require.Equal(t, 1, f.carts.cleared[f.cartID])
	require.Contains(t, f.orders.events[o.ID], orders.EventConfirmationSent)
}

func TestValidateRejectsInactiveProduct(t *testing.T) {
	f := newFixture(t)
	f.carts.lines[f.cartID][0].ProductStatus = "archived"

	_, err := f.pipe.Validate(context.Background(), f.request())
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.Contains(t, ve.Reason, "no longer available")

	require.Empty(t, f.orders.byID)
	require.Equal(t, 10, f.orders.stock[f.prodA])
}

func TestValidateRejectsInsufficientQuantity(t *testing.T) {
	f := newFixture(t)
	f.carts.lines[f.cartID][1].Quantity = 5 // only 3 in stock

	_, err := f.pipe.Validate(context.Background(), f.request())
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.Contains(t, ve.Reason, "only 3 items available")
}

func TestValidateRejectsEmptyCart(t *testing.T) {
	f := newFixture(t)
	f.carts.lines[f.cartID] = nil

	_, err := f.pipe.Validate(context.Background(), f.request())
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestValidateSkipsUntrackedInventory(t *testing.T) {
	f := newFixture(t)
	f.carts.lines[f.cartID][0].TrackInventory = false
	f.carts.lines[f.cartID][0].Stock = 0
	f.orders.untracked[f.prodA] = true

	v, err := f.pipe.Validate(context.Background(), f.request())
	require.NoError(t, err)
	require.Nil(t, v.Lines[0].Available)
	require.NotNil(t, v.Lines[1].Available)
}

func TestCreateOrderIdempotentOnAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.pipe.Validate(ctx, f.request())
	require.NoError(t, err)

	first, err := f.pipe.CreateOrder(ctx, *v)
	require.NoError(t, err)
	second, err := f.pipe.CreateOrder(ctx, *v)
	require.NoError(t, err)

	require.Equal(t, first.OrderID, second.OrderID)
	require.Equal(t, first.OrderNumber, second.OrderNumber)
	require.Len(t, f.orders.byID, 1)
	require.Equal(t, 2, f.orders.createCalls)
}

func TestDeductStockRaceRollsBackAllLines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.pipe.Validate(ctx, f.request())
	require.NoError(t, err)
	c, err := f.pipe.CreateOrder(ctx, *v)
	require.NoError(t, err)

	// a competing checkout drains product B between validate and deduct
	f.orders.stock[f.prodB] = 0

	_, err = f.pipe.DeductStock(ctx, *c)
	require.ErrorIs(t, err, stock.ErrInsufficientStock)
	require.True(t, IsTerminal(err))

	// product A was deductible but must not have been touched
	require.Equal(t, 10, f.orders.stock[f.prodA])
	require.Equal(t, 0, f.orders.stock[f.prodB])
	require.Equal(t, orders.StatusPending, f.orders.byAttempt[f.attemptID].Status)
}

func TestConcurrentDeductionsAllowExactlyOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// two checkouts each want 2 of product B, but only 3 remain
	f.orders.stock[f.prodB] = 3
	line := cart.Line{
		ProductID: f.prodB, ProductName: "USB Cable", SKU: "CB-02",
		UnitPrice: decimal.RequireFromString("5.50"), Quantity: 2,
		ProductStatus: "active", TrackInventory: true, Stock: 3,
	}

	var outs [2]*CreateOutput
	for i := range outs {
		cartID, attemptID := uuid.New(), uuid.New()
		f.carts.lines[cartID] = []cart.Line{line}
		v, err := f.pipe.Validate(ctx, CheckoutRequest{AttemptID: attemptID, UserID: f.userID, CartID: cartID})
		require.NoError(t, err)
		c, err := f.pipe.CreateOrder(ctx, *v)
		require.NoError(t, err)
		outs[i] = c
	}

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range outs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.pipe.DeductStock(ctx, *outs[i])
		}(i)
	}
	wg.Wait()

	var won, lost int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, stock.ErrInsufficientStock):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, won)
	require.Equal(t, 1, lost)
	require.Equal(t, 1, f.orders.stock[f.prodB])

	var confirmed int
	for _, o := range f.orders.byID {
		if o.Status == orders.StatusConfirmed {
			confirmed++
		}
	}
	require.Equal(t, 1, confirmed)
}

func TestDeductStockIdempotentOnRedelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.pipe.Validate(ctx, f.request())
	require.NoError(t, err)
	c, err := f.pipe.CreateOrder(ctx, *v)
	require.NoError(t, err)

	_, err = f.pipe.DeductStock(ctx, *c)
	require.NoError(t, err)
	_, err = f.pipe.DeductStock(ctx, *c)
	require.NoError(t, err)

	// second delivery is a no-op: stock deducted exactly once
	require.Equal(t, 8, f.orders.stock[f.prodA])
	require.Equal(t, 2, f.orders.stock[f.prodB])
}

func TestSendConfirmationRetryDoesNotRerunEarlierStages(t *testing.T) {
	f := newFixture(t)
	out := f.runAll(t)

	d := DeductOutput{
		AttemptID: f.attemptID, UserID: f.userID, CartID: f.cartID,
		OrderID: out.OrderID, OrderNumber: out.OrderNumber,
	}
	_, err := f.pipe.SendConfirmation(context.Background(), d)
	require.NoError(t, err)

	require.Len(t, f.orders.byID, 1)
	require.Equal(t, 8, f.orders.stock[f.prodA])
	require.Equal(t, 2, f.carts.cleared[f.cartID])
}

func TestCreateOrderUnknownUserIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.pipe.Validate(ctx, f.request())
	require.NoError(t, err)

	v.UserID = uuid.New()
	_, err = f.pipe.CreateOrder(ctx, *v)
	require.ErrorIs(t, err, users.ErrNotFound)
	require.True(t, IsTerminal(err))
	require.Empty(t, f.orders.byID)
}

func TestPipelinePublishesUserNotifications(t *testing.T) {
	f := newFixture(t)
	sub, err := f.broker.Subscribe(context.Background(), notify.ScopeUserOrders, f.userID.String())
	require.NoError(t, err)
	defer sub.Close()

	f.runAll(t)

	var types []string
	for len(sub.C) > 0 {
		types = append(types, (<-sub.C).Type)
	}
	require.Contains(t, types, notify.TypeNewOrder)
	require.Contains(t, types, notify.TypeOrderUpdate)
}
