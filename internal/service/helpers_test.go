package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"sunbed/internal/clock"
	"sunbed/internal/database"
	"sunbed/internal/events"
	"sunbed/internal/models"
	"sunbed/internal/repository"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)

type fakeLocks struct {
	mu        sync.Mutex
	n         int
	created   []string
	deleted   []string
	err       error
	deleteErr error
}

func (f *fakeLocks) CreatePIN(_ context.Context, lockID string, _, _ time.Time) (*models.LockPIN, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.n++
	pwd := fmt.Sprintf("pwd-%d", f.n)
	f.created = append(f.created, lockID+"/"+pwd)
	return &models.LockPIN{Code: fmt.Sprintf("%06d", 100000+f.n), PasswordID: pwd}, nil
}

func (f *fakeLocks) DeletePIN(_ context.Context, lockID, passwordID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, lockID+"/"+passwordID)
	return f.deleteErr
}

func (f *fakeLocks) QueryStatus(_ context.Context, lockID string) (*models.LockStatus, error) {
	return &models.LockStatus{LockID: lockID}, nil
}

func (f *fakeLocks) ListRecords(context.Context, string, int, int) ([]models.LockRecord, error) {
	return nil, nil
}

func (f *fakeLocks) RemoteUnlock(context.Context, string) error { return nil }

func (f *fakeLocks) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func (f *fakeLocks) Created() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.created...)
}

// fakeStatus answers lock status reads from a map.
type fakeStatus struct {
	mu     sync.Mutex
	locked map[string]bool
	err    error
	calls  int
}

func (f *fakeStatus) Status(_ context.Context, lockID string) (*models.LockStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &models.LockStatus{LockID: lockID, Locked: f.locked[lockID]}, nil
}

func (f *fakeStatus) Set(lockID string, locked bool) {
	f.mu.Lock()
	f.locked[lockID] = locked
	f.mu.Unlock()
}

type refundCall struct {
	AccountID int64
	PaymentID string
	Metadata  map[string]string
}

type fakeGateway struct {
	mu        sync.Mutex
	n         int
	payments  []models.PaymentRequest
	refunds   []refundCall
	createErr error
	refundErr error
}

func (f *fakeGateway) CreatePayment(_ context.Context, _ *models.PaymentAccount, req models.PaymentRequest) (*models.GatewayPayment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payments = append(f.payments, req)
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.n++
	id := fmt.Sprintf("gw-pay-%d", f.n)
	return &models.GatewayPayment{
		ID:              id,
		Status:          "pending",
		Amount:          req.Amount,
		ConfirmationURL: "https://pay.test/" + id,
	}, nil
}

func (f *fakeGateway) GetPayment(_ context.Context, _ *models.PaymentAccount, id string) (*models.GatewayPayment, error) {
	return &models.GatewayPayment{ID: id, Status: "succeeded"}, nil
}

func (f *fakeGateway) RefundPayment(_ context.Context, account *models.PaymentAccount, paymentID string, meta map[string]string) (*models.GatewayRefund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds = append(f.refunds, refundCall{AccountID: account.ID, PaymentID: paymentID, Metadata: meta})
	if f.refundErr != nil {
		return nil, f.refundErr
	}
	return &models.GatewayRefund{ID: "ref-" + paymentID, PaymentID: paymentID, Status: "pending"}, nil
}

func (f *fakeGateway) Refunds() []refundCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]refundCall(nil), f.refunds...)
}

func (f *fakeGateway) Payments() []models.PaymentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.PaymentRequest(nil), f.payments...)
}

type testEnv struct {
	db      *database.DB
	clock   *clock.Manual
	locks   *fakeLocks
	status  *fakeStatus
	gateway *fakeGateway
	state   *repository.MemorySharedState
	bus     *events.EventBus

	price   *models.Price
	account *models.PaymentAccount
	plain   *models.Sunbed // без замка
	locked  *models.Sunbed // с замком "lock-1"

	bookings  *BookingService
	payments  *PaymentService
	reconcile *ReconcileService
	overdue   *OverdueService
	refunds   *RefundService

	charges int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := zerolog.New(io.Discard)

	db, err := database.NewDB(filepath.Join(t.TempDir(), "test.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	env := &testEnv{
		db:      db,
		clock:   clock.NewManual(baseTime),
		locks:   &fakeLocks{},
		status:  &fakeStatus{locked: map[string]bool{}},
		gateway: &fakeGateway{},
		state:   repository.NewMemorySharedState(),
		bus:     events.NewEventBus(),
	}

	env.price = &models.Price{PricePerHour: decimal.NewFromInt(200), IsActive: true}
	require.NoError(t, db.CreatePrice(ctx, env.price))

	env.account = &models.PaymentAccount{
		OwnerID: 10, Provider: models.ProviderYooKassa, ShopID: "shop", SecretKey: "secret",
		WebhookToken: "hook-token", IsActive: true,
	}
	require.NoError(t, db.CreatePaymentAccount(ctx, env.account))

	env.plain = &models.Sunbed{OwnerID: 10, PriceID: env.price.ID, Name: "A1"}
	require.NoError(t, db.CreateSunbed(ctx, env.plain))
	env.locked = &models.Sunbed{OwnerID: 10, PriceID: env.price.ID, Name: "B1", HasLock: true, LockIdentifier: "lock-1"}
	require.NoError(t, db.CreateSunbed(ctx, env.locked))

	env.bookings = NewBookingService(db, env.locks, env.status, env.bus, env.clock, models.DefaultPendingTTL, &logger)
	env.payments = NewPaymentService(db, env.bookings, env.gateway, env.state, 5*time.Second, "https://example.test/profile", &logger)
	env.reconcile = NewReconcileService(db, env.bookings, env.gateway, env.state, env.bus, &logger)
	env.overdue = NewOverdueService(db, env.status, env.gateway, env.bus, env.clock,
		models.DefaultOverdueGrace, models.DefaultOverdueInterval, &logger)
	env.refunds = NewRefundService(db, env.status, env.gateway, env.bus, env.clock, models.DefaultOverdueGrace, &logger)

	t.Cleanup(func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.bookings.Drain(drainCtx)
	})
	return env
}

// book creates a pending booking of hours starting an hour from now.
func (e *testEnv) book(t *testing.T, sunbed *models.Sunbed, userID int64, hours int) *models.Booking {
	t.Helper()
	return e.bookAt(t, sunbed, userID, e.clock.Now().Add(time.Hour), hours)
}

func (e *testEnv) bookAt(t *testing.T, sunbed *models.Sunbed, userID int64, start time.Time, hours int) *models.Booking {
	t.Helper()
	b, err := e.bookings.Create(context.Background(), sunbed.ID, start, start.Add(time.Duration(hours)*time.Hour), userID)
	require.NoError(t, err)
	return b
}

// confirm marks b paid with paymentID, bound to the test account and, when
// withCard, to a saved card.
func (e *testEnv) confirm(t *testing.T, b *models.Booking, paymentID string, withCard bool) {
	t.Helper()
	ctx := context.Background()
	accountID := e.account.ID
	b.PaymentAccountID = &accountID
	if withCard {
		pm := &models.PaymentMethod{
			UserID: b.UserID, Provider: models.ProviderYooKassa, ExternalID: "card-" + paymentID, Type: models.MethodBankCard,
		}
		require.NoError(t, e.db.UpsertPaymentMethod(ctx, pm))
		b.PaymentMethodID = &pm.ID
	}
	require.NoError(t, e.bookings.ConfirmPayment(ctx, b, paymentID, models.ProviderYooKassa))
}

func (e *testEnv) reload(t *testing.T, id int64) *models.Booking {
	t.Helper()
	b, err := e.db.GetBooking(context.Background(), id)
	require.NoError(t, err)
	return b
}

func (e *testEnv) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.bookings.Drain(ctx))
}

var errBoom = errors.New("boom")
