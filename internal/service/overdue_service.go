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

// OverdueService bills guests who keep a lock-equipped sunbed open past the
// end of their booking, one hour at a time.
type OverdueService struct {
	repo     domain.Repository
	status   domain.LockStatusReader
	gateway  domain.PaymentGateway
	eventBus domain.EventPublisher
	clock    clock.Clock
	grace    time.Duration
	interval time.Duration
	logger   *zerolog.Logger
}

func NewOverdueService(
	repo domain.Repository,
	status domain.LockStatusReader,
	gateway domain.PaymentGateway,
	eventBus domain.EventPublisher,
	clk clock.Clock,
	grace, interval time.Duration,
	logger *zerolog.Logger,
) *OverdueService {
	if grace < 0 {
		grace = models.DefaultOverdueGrace
	}
	if interval <= 0 {
		interval = models.DefaultOverdueInterval
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &OverdueService{
		repo:     repo,
		status:   status,
		gateway:  gateway,
		eventBus: eventBus,
		clock:    clk,
		grace:    grace,
		interval: interval,
		logger:   logger,
	}
}

// SweepOverdue evaluates every confirmed booking past its end. It returns the
// number of charges created.
func (s *OverdueService) SweepOverdue(ctx context.Context) (int, error) {
	list, err := s.repo.ListOverdueCandidates(ctx, s.clock.Now().Add(-s.grace))
	if err != nil {
		return 0, err
	}

	n := 0
	for _, b := range list {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		charge, err := s.ProcessBooking(ctx, b)
		if err != nil {
			s.logger.Warn().Err(err).Int64("booking_id", b.ID).Msg("overdue processing failed")
			continue
		}
		if charge != nil {
			n++
		}
	}
	return n, nil
}

// ProcessBooking creates at most one overdue charge for b and tries to
// collect it from the saved card. A nil charge with nil error means the
// booking does not owe anything right now.
func (s *OverdueService) ProcessBooking(ctx context.Context, b *models.Booking) (*models.OverdueCharge, error) {
	now := s.clock.Now()
	log := s.logger.With().Int64("booking_id", b.ID).Logger()

	if b.Status != models.StatusConfirmed || !now.After(b.EndTime.Add(s.grace)) {
		return nil, nil
	}

	last, err := s.repo.LatestOverdueChargeAt(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	if last != nil && now.Sub(*last) < s.interval {
		return nil, nil
	}
	pending, err := s.repo.HasPendingOverdueCharge(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, nil
	}

	sunbed, err := s.repo.GetSunbed(ctx, b.SunbedID)
	if err != nil {
		return nil, err
	}
	lockID, ok := sunbed.LockID()
	if !ok || s.status == nil {
		return nil, nil
	}
	st, err := s.status.Status(ctx, lockID)
	if err != nil {
		// без статуса замка штраф не выставляем
		log.Warn().Err(err).Str("lock_id", lockID).Msg("lock status unknown, overdue skipped")
		return nil, nil
	}
	if st.Locked {
		return nil, nil
	}

	price, err := s.repo.GetPrice(ctx, sunbed.PriceID)
	if err != nil {
		return nil, err
	}
	if !price.IsActive || !price.PricePerHour.IsPositive() {
		log.Warn().Int64("price_id", price.ID).Msg("no active hourly price, overdue skipped")
		return nil, nil
	}

	account, method, reason, err := s.autopaySource(ctx, b)
	if err != nil {
		return nil, err
	}

	charge := &models.OverdueCharge{
		BookingID:        b.ID,
		PaymentAccountID: b.PaymentAccountID,
		PaymentMethodID:  b.PaymentMethodID,
		Hours:            1,
		Amount:           price.PricePerHour,
		PaymentStatus:    models.PaymentPending,
		CreatedAt:        now,
	}
	if err := s.repo.CreateOverdueCharge(ctx, charge); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			return nil, nil
		}
		return nil, err
	}
	log = log.With().Int64("overdue_id", charge.ID).Logger()

	if reason != "" {
		if _, err := s.repo.MarkOverdueRequiresPayment(ctx, charge.ID); err != nil {
			s.rollback(ctx, charge, &log)
			return nil, err
		}
		charge.PaymentStatus = models.PaymentRequiresPayment
		if err := s.repo.TouchLastOverdueCharge(ctx, b.ID, now); err != nil {
			log.Warn().Err(err).Msg("failed to record overdue charge time")
		}
		log.Info().Str("reason", reason).Msg("overdue charge requires manual payment")
		s.publish(charge, reason)
		return charge, nil
	}

	payment, err := s.gateway.CreatePayment(ctx, account, models.PaymentRequest{
		Amount:      charge.Amount,
		Description: fmt.Sprintf("Overdue for booking #%d", b.ID),
		Metadata: map[string]string{
			"type":               models.MetaTypeOverdue,
			"overdue_id":         strconv.FormatInt(charge.ID, 10),
			"booking_id":         strconv.FormatInt(b.ID, 10),
			"payment_account_id": strconv.FormatInt(account.ID, 10),
		},
		PaymentMethodID: method.ExternalID,
		Capture:         true,
	})
	if err != nil {
		s.rollback(ctx, charge, &log)
		return nil, fmt.Errorf("create overdue payment: %w", err)
	}

	if err := s.repo.SetOverduePaymentID(ctx, charge.ID, payment.ID); err != nil {
		return nil, err
	}
	paymentID := payment.ID
	charge.PaymentID = &paymentID
	if err := s.repo.TouchLastOverdueCharge(ctx, b.ID, now); err != nil {
		log.Warn().Err(err).Msg("failed to record overdue charge time")
	}

	log.Info().Str("payment_id", payment.ID).Str("amount", charge.Amount.StringFixed(2)).Msg("overdue payment created")
	s.publish(charge, "")
	return charge, nil
}

// rollback removes a charge that never reached the gateway so the next sweep
// can bill the booking again.
func (s *OverdueService) rollback(ctx context.Context, charge *models.OverdueCharge, log *zerolog.Logger) {
	if err := s.repo.DeleteOverdueCharge(context.WithoutCancel(ctx), charge.ID); err != nil {
		log.Error().Err(err).Msg("failed to roll back overdue charge")
	}
}

// autopaySource returns the account and saved card to charge, or the reason
// the charge has to be paid by hand.
func (s *OverdueService) autopaySource(ctx context.Context, b *models.Booking) (*models.PaymentAccount, *models.PaymentMethod, string, error) {
	if b.PaymentAccountID == nil {
		return nil, nil, models.AutopayMissingAccount, nil
	}
	account, err := s.repo.GetPaymentAccount(ctx, *b.PaymentAccountID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil, models.AutopayMissingAccount, nil
	}
	if err != nil {
		return nil, nil, "", err
	}
	if !account.IsActive {
		return nil, nil, models.AutopayAccountInactive, nil
	}

	if b.PaymentMethodID == nil {
		return nil, nil, models.AutopayMissingMethod, nil
	}
	method, err := s.repo.GetPaymentMethod(ctx, *b.PaymentMethodID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil, models.AutopayMissingMethod, nil
	}
	if err != nil {
		return nil, nil, "", err
	}

	switch {
	case !method.IsActive:
		return nil, nil, models.AutopayMethodInactive, nil
	case method.Provider != models.ProviderYooKassa:
		return nil, nil, models.AutopayUnsupportedProvider, nil
	case method.ExternalID == "":
		return nil, nil, models.AutopayMissingExternalID, nil
	}
	return account, method, "", nil
}

func (s *OverdueService) publish(c *models.OverdueCharge, reason string) {
	if s.eventBus == nil {
		return
	}
	if err := s.eventBus.PublishJSON(events.EventOverdueCreated, events.OverdueEventPayload{
		ChargeID:      c.ID,
		BookingID:     c.BookingID,
		Amount:        c.Amount,
		PaymentStatus: c.PaymentStatus,
		Reason:        reason,
	}); err != nil {
		s.logger.Error().Err(err).Msg("failed to publish overdue event")
	}
}
