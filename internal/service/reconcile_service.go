package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"time"

	"sunbed/internal/database"
	"sunbed/internal/domain"
	"sunbed/internal/events"
	"sunbed/internal/metrics"
	"sunbed/internal/models"

	"github.com/rs/zerolog"
)

// Gateway event names.
const (
	EventPaymentSucceeded = "payment.succeeded"
	EventRefundSucceeded  = "refund.succeeded"
)

// Webhook results.
const (
	ResultIgnored                = "ignored"
	ResultBookingConfirmed       = "booking_confirmed"
	ResultBookingRefundInitiated = "booking_refund_initiated"
	ResultOverduePaid            = "overdue_paid"
	ResultBookingRefundConfirmed = "booking_refund_confirmed"
	ResultOverdueRefundConfirmed = "overdue_refund_confirmed"
	ResultBookingRefundFallback  = "booking_refund_confirmed_fallback"
	ResultOverdueRefundFallback  = "overdue_refund_confirmed_fallback"
)

const refundMarkerTTL = 24 * time.Hour

type WebhookEvent struct {
	Event  string        `json:"event"`
	Object WebhookObject `json:"object"`
}

type WebhookObject struct {
	ID            string                `json:"id"`
	Status        string                `json:"status"`
	PaymentID     string                `json:"payment_id"`
	Metadata      models.Metadata       `json:"metadata"`
	PaymentMethod *WebhookPaymentMethod `json:"payment_method"`
}

type WebhookPaymentMethod struct {
	Type  string       `json:"type"`
	ID    string       `json:"id"`
	Saved bool         `json:"saved"`
	Card  *WebhookCard `json:"card"`
}

type WebhookCard struct {
	Last4    string `json:"last4"`
	CardType string `json:"card_type"`
}

// ReconcileService applies gateway webhooks to bookings and overdue charges.
// Every transition checks the current state first, so redelivered events are
// harmless.
type ReconcileService struct {
	repo     domain.Repository
	bookings *BookingService
	gateway  domain.PaymentGateway
	state    domain.SharedState
	eventBus domain.EventPublisher
	logger   *zerolog.Logger
}

func NewReconcileService(
	repo domain.Repository,
	bookings *BookingService,
	gateway domain.PaymentGateway,
	state domain.SharedState,
	eventBus domain.EventPublisher,
	logger *zerolog.Logger,
) *ReconcileService {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &ReconcileService{
		repo:     repo,
		bookings: bookings,
		gateway:  gateway,
		state:    state,
		eventBus: eventBus,
		logger:   logger,
	}
}

// Handle authenticates the event against the account named in its metadata
// and applies it. Unknown or irrelevant events return ResultIgnored.
func (s *ReconcileService) Handle(ctx context.Context, token string, ev *WebhookEvent) (string, error) {
	account, err := s.authenticate(ctx, token, ev.Object.Metadata)
	if err != nil {
		metrics.IncWebhook("forbidden")
		return "", err
	}

	log := s.logger.With().Str("event", ev.Event).Str("object_id", ev.Object.ID).Int64("account_id", account.ID).Logger()

	var result string
	switch ev.Event {
	case EventPaymentSucceeded:
		result, err = s.paymentSucceeded(ctx, account, &ev.Object, &log)
	case EventRefundSucceeded:
		result, err = s.refundSucceeded(ctx, account, &ev.Object, &log)
	default:
		result = ResultIgnored
	}
	if err != nil {
		metrics.IncWebhook("error")
		log.Error().Err(err).Msg("webhook processing failed")
		return "", err
	}

	metrics.IncWebhook(result)
	log.Info().Str("result", result).Msg("webhook processed")
	return result, nil
}

func (s *ReconcileService) authenticate(ctx context.Context, token string, meta models.Metadata) (*models.PaymentAccount, error) {
	accountID, ok := meta.GetInt64("payment_account_id")
	if token == "" || !ok {
		return nil, ErrForbidden
	}
	account, err := s.repo.GetPaymentAccount(ctx, accountID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrForbidden
	}
	if err != nil {
		return nil, err
	}
	if !account.IsActive || account.WebhookToken == "" {
		return nil, ErrForbidden
	}
	if subtle.ConstantTimeCompare([]byte(account.WebhookToken), []byte(token)) != 1 {
		return nil, ErrForbidden
	}
	return account, nil
}

func (s *ReconcileService) paymentSucceeded(ctx context.Context, account *models.PaymentAccount, obj *WebhookObject, log *zerolog.Logger) (string, error) {
	switch obj.Metadata.Type() {
	case models.MetaTypeBooking:
		return s.bookingPaid(ctx, account, obj, log)
	case models.MetaTypeOverdue:
		return s.overduePaid(ctx, account, obj, log)
	}
	return ResultIgnored, nil
}

func (s *ReconcileService) bookingPaid(ctx context.Context, account *models.PaymentAccount, obj *WebhookObject, log *zerolog.Logger) (string, error) {
	b, err := s.lookupBooking(ctx, account, obj.Metadata, log)
	if err != nil || b == nil {
		return ResultIgnored, err
	}
	paymentID := obj.ID

	// повторная доставка того же события
	if b.PaymentID == paymentID {
		switch b.PaymentStatus {
		case models.PaymentPaid:
			return ResultBookingConfirmed, nil
		case models.PaymentRefundPending, models.PaymentRefunded:
			return ResultBookingRefundInitiated, nil
		}
	}

	if b.Status != models.StatusPending {
		return s.refundBookingPayment(ctx, account, b, paymentID, "late_or_invalid_booking", log)
	}

	pm := obj.PaymentMethod
	if pm == nil || pm.Type != models.MethodBankCard {
		pmType := ""
		if pm != nil {
			pmType = pm.Type
		}
		return s.refundBookingPayment(ctx, account, b, paymentID, "unsupported_payment_method:"+pmType, log)
	}

	if pm.Saved && pm.ID != "" {
		method := &models.PaymentMethod{
			UserID:     b.UserID,
			Provider:   models.ProviderYooKassa,
			ExternalID: pm.ID,
			Type:       pm.Type,
		}
		if pm.Card != nil {
			method.CardLast4 = pm.Card.Last4
			method.CardType = pm.Card.CardType
		}
		if err := s.repo.UpsertPaymentMethod(ctx, method); err != nil {
			return "", err
		}
		b.PaymentMethodID = &method.ID
	}
	if b.PaymentAccountID == nil {
		accountID := account.ID
		b.PaymentAccountID = &accountID
	}

	if err := s.bookings.ConfirmPayment(ctx, b, paymentID, models.ProviderYooKassa); err != nil {
		return "", err
	}
	return ResultBookingConfirmed, nil
}

// refundBookingPayment returns money for a payment the booking can not accept.
// When the payment belongs to the booking it moves to refund_pending first; a
// second payment for an already settled booking is refunded without touching
// the booking.
func (s *ReconcileService) refundBookingPayment(ctx context.Context, account *models.PaymentAccount, b *models.Booking, paymentID, reason string, log *zerolog.Logger) (string, error) {
	stray := b.PaymentID != "" && b.PaymentID != paymentID &&
		(b.PaymentStatus == models.PaymentPaid || b.PaymentStatus == models.PaymentRefundPending || b.PaymentStatus == models.PaymentRefunded)

	marker := "webhook:refund:" + paymentID
	if !s.claim(ctx, marker) {
		log.Info().Str("payment_id", paymentID).Msg("refund already initiated")
		return ResultBookingRefundInitiated, nil
	}

	var prev *models.Booking
	if !stray {
		prev = b.Clone()
		next := b.Clone()
		next.PaymentStatus = models.PaymentRefundPending
		next.PaymentID = paymentID
		if next.Status == models.StatusPending {
			next.Status = models.StatusCancelled
		}
		pwdID := next.ClearAccess()
		next.UpdatedAt = s.bookings.clock.Now()
		if err := s.repo.SaveBooking(ctx, next); err != nil {
			s.release(ctx, marker)
			return "", fmt.Errorf("mark booking %d refund_pending: %w", b.ID, err)
		}
		*b = *next
		s.bookings.revokePIN(b.SunbedID, pwdID)
	}

	refund, err := s.gateway.RefundPayment(ctx, account, paymentID, map[string]string{
		"type":               models.MetaTypeBooking,
		"booking_id":         strconv.FormatInt(b.ID, 10),
		"payment_account_id": strconv.FormatInt(account.ID, 10),
		"reason":             reason,
	})
	if err != nil {
		s.release(ctx, marker)
		if prev != nil {
			s.revertBookingRefund(ctx, b, prev, log)
		}
		return "", fmt.Errorf("refund payment %s: %w", paymentID, err)
	}

	if prev != nil && prev.Status == models.StatusPending {
		s.bookings.publish(events.EventBookingCancelled, b, reason)
	}
	log.Warn().Int64("booking_id", b.ID).Str("payment_id", paymentID).Str("refund_id", refund.ID).Str("reason", reason).Bool("stray", stray).Msg("booking payment refund initiated")
	s.publishRefund(models.MetaTypeBooking, b.ID, paymentID, refund.ID)
	return ResultBookingRefundInitiated, nil
}

// revertBookingRefund restores the booking and payment status so a
// redelivered event can retry the refund. Access stays revoked.
func (s *ReconcileService) revertBookingRefund(ctx context.Context, b, prev *models.Booking, log *zerolog.Logger) {
	if b.PaymentStatus != models.PaymentRefundPending {
		return
	}
	next := b.Clone()
	next.Status = prev.Status
	next.PaymentStatus = prev.PaymentStatus
	next.PaymentID = prev.PaymentID
	next.UpdatedAt = s.bookings.clock.Now()
	if err := s.repo.SaveBooking(ctx, next); err != nil {
		log.Error().Err(err).Int64("booking_id", b.ID).Msg("failed to revert refund intent")
		return
	}
	*b = *next
}

func (s *ReconcileService) overduePaid(ctx context.Context, account *models.PaymentAccount, obj *WebhookObject, log *zerolog.Logger) (string, error) {
	charge, err := s.lookupOverdue(ctx, account, obj.Metadata, log)
	if err != nil || charge == nil {
		// overdue события всегда подтверждаются
		return ResultOverduePaid, err
	}
	moved, err := s.repo.MarkOverduePaid(ctx, charge.ID, s.bookings.clock.Now())
	if err != nil {
		return "", err
	}
	if moved {
		log.Info().Int64("overdue_id", charge.ID).Msg("overdue charge paid")
	}
	return ResultOverduePaid, nil
}

func (s *ReconcileService) refundSucceeded(ctx context.Context, account *models.PaymentAccount, obj *WebhookObject, log *zerolog.Logger) (string, error) {
	switch obj.Metadata.Type() {
	case models.MetaTypeBooking:
		b, err := s.lookupBooking(ctx, account, obj.Metadata, log)
		if err != nil {
			return "", err
		}
		if b != nil {
			if err := s.markBookingRefunded(ctx, b, obj.PaymentID, log); err != nil {
				return "", err
			}
		}
		return ResultBookingRefundConfirmed, nil

	case models.MetaTypeOverdueRefund:
		charge, err := s.lookupOverdue(ctx, account, obj.Metadata, log)
		if err != nil {
			return "", err
		}
		if charge != nil {
			if _, err := s.repo.CompleteOverdueRefund(ctx, charge.ID, s.bookings.clock.Now()); err != nil {
				return "", err
			}
		}
		return ResultOverdueRefundConfirmed, nil
	}

	return s.refundFallback(ctx, obj.PaymentID, log)
}

// refundFallback matches refunds created without metadata by payment id. A
// booking waiting for its refund wins over an overdue charge.
func (s *ReconcileService) refundFallback(ctx context.Context, paymentID string, log *zerolog.Logger) (string, error) {
	if paymentID == "" {
		return ResultIgnored, nil
	}

	b, err := s.repo.FindBookingByPaymentID(ctx, paymentID, models.PaymentRefundPending)
	switch {
	case err == nil:
		if err := s.markBookingRefunded(ctx, b, paymentID, log); err != nil {
			return "", err
		}
		return ResultBookingRefundFallback, nil
	case !errors.Is(err, database.ErrNotFound):
		return "", err
	}

	charge, err := s.repo.FindOverdueByPaymentID(ctx, paymentID, models.PaymentRefundPending)
	switch {
	case err == nil:
		if _, err := s.repo.CompleteOverdueRefund(ctx, charge.ID, s.bookings.clock.Now()); err != nil {
			return "", err
		}
		return ResultOverdueRefundFallback, nil
	case !errors.Is(err, database.ErrNotFound):
		return "", err
	}

	return ResultIgnored, nil
}

// markBookingRefunded is a no-op for refunded bookings and for refunds of a
// payment that is not the booking's own.
func (s *ReconcileService) markBookingRefunded(ctx context.Context, b *models.Booking, refundedPaymentID string, log *zerolog.Logger) error {
	if b.PaymentStatus == models.PaymentRefunded {
		return nil
	}
	if refundedPaymentID != "" && b.PaymentID != "" && refundedPaymentID != b.PaymentID {
		log.Info().Int64("booking_id", b.ID).Str("payment_id", refundedPaymentID).Msg("refund of a stray payment confirmed")
		return nil
	}

	next := b.Clone()
	next.PaymentStatus = models.PaymentRefunded
	pwdID := next.ClearAccess()
	next.UpdatedAt = s.bookings.clock.Now()
	if err := s.repo.SaveBooking(ctx, next); err != nil {
		return fmt.Errorf("mark booking %d refunded: %w", b.ID, err)
	}
	*b = *next
	s.bookings.revokePIN(b.SunbedID, pwdID)
	log.Info().Int64("booking_id", b.ID).Msg("booking refunded")
	return nil
}

// lookupBooking returns nil when the booking is missing or belongs to another
// payment account.
func (s *ReconcileService) lookupBooking(ctx context.Context, account *models.PaymentAccount, meta models.Metadata, log *zerolog.Logger) (*models.Booking, error) {
	id, ok := meta.GetInt64("booking_id")
	if !ok {
		return nil, nil
	}
	b, err := s.repo.GetBooking(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if b.PaymentAccountID != nil && *b.PaymentAccountID != account.ID {
		log.Warn().Int64("booking_id", id).Msg("event account does not own the booking")
		return nil, nil
	}
	return b, nil
}

func (s *ReconcileService) lookupOverdue(ctx context.Context, account *models.PaymentAccount, meta models.Metadata, log *zerolog.Logger) (*models.OverdueCharge, error) {
	id, ok := meta.GetInt64("overdue_id")
	if !ok {
		return nil, nil
	}
	charge, err := s.repo.GetOverdueCharge(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if charge.PaymentAccountID != nil && *charge.PaymentAccountID != account.ID {
		log.Warn().Int64("overdue_id", id).Msg("event account does not own the charge")
		return nil, nil
	}
	return charge, nil
}

// claim takes a dedupe marker. Without shared state the database checks are
// the only guard.
func (s *ReconcileService) claim(ctx context.Context, key string) bool {
	if s.state == nil {
		return true
	}
	ok, err := s.state.SetNX(ctx, key, "1", refundMarkerTTL)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("dedupe marker unavailable")
		return true
	}
	return ok
}

func (s *ReconcileService) release(ctx context.Context, key string) {
	if s.state == nil {
		return
	}
	if err := s.state.Del(context.WithoutCancel(ctx), key); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to release dedupe marker")
	}
}

func (s *ReconcileService) publishRefund(target string, id int64, paymentID, refundID string) {
	if s.eventBus == nil {
		return
	}
	if err := s.eventBus.PublishJSON(events.EventRefundInitiated, events.RefundEventPayload{
		Target:    target,
		ID:        id,
		PaymentID: paymentID,
		RefundID:  refundID,
	}); err != nil {
		s.logger.Error().Err(err).Msg("failed to publish refund event")
	}
}
