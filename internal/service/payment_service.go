package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"sunbed/internal/database"
	"sunbed/internal/domain"
	"sunbed/internal/models"
	"sunbed/internal/yookassa"

	"github.com/rs/zerolog"
)

// PaymentStart is what the guest needs to finish paying.
type PaymentStart struct {
	PaymentID  string `json:"payment_id"`
	PaymentURL string `json:"payment_url"`
}

// PaymentService starts gateway payments for pending bookings.
type PaymentService struct {
	repo      domain.Repository
	bookings  *BookingService
	gateway   domain.PaymentGateway
	state     domain.SharedState
	rateLimit time.Duration
	returnURL string
	logger    *zerolog.Logger
}

func NewPaymentService(
	repo domain.Repository,
	bookings *BookingService,
	gateway domain.PaymentGateway,
	state domain.SharedState,
	rateLimit time.Duration,
	returnURL string,
	logger *zerolog.Logger,
) *PaymentService {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &PaymentService{
		repo:      repo,
		bookings:  bookings,
		gateway:   gateway,
		state:     state,
		rateLimit: rateLimit,
		returnURL: returnURL,
		logger:    logger,
	}
}

// StartPayment creates the gateway payment for a pending booking and binds it
// to the owner's active payment account.
func (s *PaymentService) StartPayment(ctx context.Context, bookingID, userID int64) (*PaymentStart, error) {
	if !s.allow(ctx, fmt.Sprintf("pay_booking:%d:%d", userID, bookingID)) {
		return nil, ErrTooManyRequests
	}

	b, err := s.bookings.GetUserBooking(ctx, bookingID, userID)
	if err != nil {
		return nil, err
	}

	if b.Status != models.StatusPending {
		return nil, fmt.Errorf("%w: booking %d is %s", ErrInvalidTransition, b.ID, b.Status)
	}
	if b.PaymentStatus == models.PaymentPaid {
		return nil, ErrAlreadyPaid
	}

	expired, err := s.bookings.ExpireIfStale(ctx, b)
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, ErrBookingExpired
	}

	if b.PaymentID != "" {
		return nil, ErrPaymentAlreadyInitiated
	}

	sunbed, err := s.repo.GetSunbed(ctx, b.SunbedID)
	if err != nil {
		return nil, fmt.Errorf("%w: sunbed %d: %w", ErrInvalidAccount, b.SunbedID, err)
	}
	account, err := s.repo.FindActivePaymentAccount(ctx, sunbed.OwnerID, models.ProviderYooKassa)
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w: owner %d has no payment account", ErrInvalidAccount, sunbed.OwnerID)
	}
	if err != nil {
		return nil, err
	}

	payment, err := s.gateway.CreatePayment(ctx, account, models.PaymentRequest{
		Amount:      b.TotalPrice,
		Description: describeBooking(b),
		Metadata: map[string]string{
			"type":               models.MetaTypeBooking,
			"booking_id":         strconv.FormatInt(b.ID, 10),
			"payment_account_id": strconv.FormatInt(account.ID, 10),
		},
		ReturnURL:         s.returnURL,
		SavePaymentMethod: true,
		Capture:           true,
	})
	if err != nil {
		s.logger.Error().Err(err).Int64("booking_id", b.ID).Msg("payment creation failed")
		if yookassa.IsUnavailable(err) {
			return nil, fmt.Errorf("%w: %w", ErrExternalUnavailable, err)
		}
		return nil, err
	}

	accountID := account.ID
	next := b.Clone()
	next.PaymentID = payment.ID
	next.PaymentProvider = models.ProviderYooKassa
	next.PaymentAccountID = &accountID
	next.UpdatedAt = s.bookings.clock.Now()

	if err := s.repo.SaveBooking(ctx, next); err != nil {
		s.logger.Error().Err(err).Int64("booking_id", b.ID).Str("payment_id", payment.ID).Msg("failed to store payment id")
		return nil, err
	}

	s.logger.Info().Int64("booking_id", b.ID).Str("payment_id", payment.ID).Int64("account_id", account.ID).Msg("payment initiated")
	return &PaymentStart{PaymentID: payment.ID, PaymentURL: payment.ConfirmationURL}, nil
}

// allow is a SET NX throttle. Shared state trouble never blocks a payment.
func (s *PaymentService) allow(ctx context.Context, key string) bool {
	if s.state == nil || s.rateLimit <= 0 {
		return true
	}
	ok, err := s.state.SetNX(ctx, key, "1", s.rateLimit)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("rate limit check failed")
		return true
	}
	return ok
}
