package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"sunbed/internal/clock"
	"sunbed/internal/database"
	"sunbed/internal/domain"
	"sunbed/internal/events"
	"sunbed/internal/models"

	"github.com/rs/zerolog"
)

// RefundService returns overdue charges that turn out to be unjustified.
type RefundService struct {
	repo     domain.Repository
	status   domain.LockStatusReader
	gateway  domain.PaymentGateway
	eventBus domain.EventPublisher
	clock    clock.Clock
	grace    time.Duration
	logger   *zerolog.Logger
}

func NewRefundService(
	repo domain.Repository,
	status domain.LockStatusReader,
	gateway domain.PaymentGateway,
	eventBus domain.EventPublisher,
	clk clock.Clock,
	grace time.Duration,
	logger *zerolog.Logger,
) *RefundService {
	if grace < 0 {
		grace = models.DefaultOverdueGrace
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &RefundService{
		repo:     repo,
		status:   status,
		gateway:  gateway,
		eventBus: eventBus,
		clock:    clk,
		grace:    grace,
		logger:   logger,
	}
}

// RefundOverdueCharge starts a refund of a paid charge. A refunded charge is
// returned unchanged; any other status, including a refund already in
// flight, fails with ErrNotPaid.
func (s *RefundService) RefundOverdueCharge(ctx context.Context, chargeID int64) (*models.OverdueCharge, error) {
	charge, err := s.repo.GetOverdueCharge(ctx, chargeID)
	if err != nil {
		return nil, err
	}
	switch charge.PaymentStatus {
	case models.PaymentRefunded:
		return charge, nil
	case models.PaymentPaid:
	default:
		return nil, fmt.Errorf("%w: overdue charge %d is %s", ErrNotPaid, charge.ID, charge.PaymentStatus)
	}
	paymentID := charge.GatewayPaymentID()
	if paymentID == "" {
		return nil, fmt.Errorf("%w: overdue charge %d has no payment", ErrNotPaid, charge.ID)
	}

	account, err := s.chargeAccount(ctx, charge)
	if err != nil {
		return nil, err
	}

	started, err := s.repo.BeginOverdueRefund(ctx, charge.ID)
	if err != nil {
		return nil, err
	}
	if !started {
		// кто-то успел раньше
		return nil, fmt.Errorf("%w: overdue charge %d is no longer paid", ErrNotPaid, charge.ID)
	}
	charge.PaymentStatus = models.PaymentRefundPending

	log := s.logger.With().Int64("overdue_id", charge.ID).Str("payment_id", paymentID).Logger()

	refund, err := s.gateway.RefundPayment(ctx, account, paymentID, map[string]string{
		"type":               models.MetaTypeOverdueRefund,
		"overdue_id":         strconv.FormatInt(charge.ID, 10),
		"payment_account_id": strconv.FormatInt(account.ID, 10),
	})
	if err != nil {
		if _, rbErr := s.repo.RevertOverdueRefund(context.WithoutCancel(ctx), charge.ID); rbErr != nil {
			log.Error().Err(rbErr).Msg("failed to revert overdue refund")
		}
		log.Error().Err(err).Msg("overdue refund failed")
		return nil, fmt.Errorf("refund overdue charge %d: %w", charge.ID, err)
	}

	if err := s.repo.SetOverdueRefundID(ctx, charge.ID, refund.ID); err != nil {
		log.Warn().Err(err).Str("refund_id", refund.ID).Msg("failed to store refund id")
	}
	charge.RefundID = refund.ID

	log.Info().Str("refund_id", refund.ID).Msg("overdue refund initiated")
	if s.eventBus != nil {
		if err := s.eventBus.PublishJSON(events.EventRefundInitiated, events.RefundEventPayload{
			Target:    models.MetaTypeOverdue,
			ID:        charge.ID,
			PaymentID: paymentID,
			RefundID:  refund.ID,
		}); err != nil {
			log.Error().Err(err).Msg("failed to publish refund event")
		}
	}
	return charge, nil
}

// SweepAutoRefund refunds recent overdue charges when the lock turns out to be
// closed after all. Failures are logged and retried on the next run.
func (s *RefundService) SweepAutoRefund(ctx context.Context) (int, error) {
	charges, err := s.repo.ListPaidOverdueSince(ctx, s.clock.Now().Add(-s.grace))
	if err != nil {
		return 0, err
	}

	n := 0
	for _, c := range charges {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		locked, err := s.lockClosedFor(ctx, c)
		if err != nil {
			s.logger.Warn().Err(err).Int64("overdue_id", c.ID).Msg("auto refund check failed")
			continue
		}
		if !locked {
			continue
		}
		if _, err := s.RefundOverdueCharge(ctx, c.ID); err != nil {
			s.logger.Warn().Err(err).Int64("overdue_id", c.ID).Msg("auto refund failed")
			continue
		}
		n++
	}
	return n, nil
}

func (s *RefundService) lockClosedFor(ctx context.Context, c *models.OverdueCharge) (bool, error) {
	b, err := s.repo.GetBooking(ctx, c.BookingID)
	if err != nil {
		return false, err
	}
	sunbed, err := s.repo.GetSunbed(ctx, b.SunbedID)
	if err != nil {
		return false, err
	}
	lockID, ok := sunbed.LockID()
	if !ok || s.status == nil {
		return false, nil
	}
	st, err := s.status.Status(ctx, lockID)
	if err != nil {
		return false, err
	}
	return st.Locked, nil
}

// chargeAccount resolves the account the charge was paid to. Charges created
// before accounts were recorded fall back to the booking's account.
func (s *RefundService) chargeAccount(ctx context.Context, c *models.OverdueCharge) (*models.PaymentAccount, error) {
	accountID := c.PaymentAccountID
	if accountID == nil {
		b, err := s.repo.GetBooking(ctx, c.BookingID)
		if err != nil {
			return nil, err
		}
		accountID = b.PaymentAccountID
	}
	if accountID == nil {
		return nil, fmt.Errorf("%w: overdue charge %d", ErrInvalidAccount, c.ID)
	}
	account, err := s.repo.GetPaymentAccount(ctx, *accountID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w: account %d not found", ErrInvalidAccount, *accountID)
	}
	if err != nil {
		return nil, err
	}
	if !account.IsActive {
		return nil, fmt.Errorf("%w: account %d is inactive", ErrInvalidAccount, account.ID)
	}
	return account, nil
}
