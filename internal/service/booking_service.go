package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sunbed/internal/clock"
	"sunbed/internal/database"
	"sunbed/internal/domain"
	"sunbed/internal/events"
	"sunbed/internal/models"
	"sunbed/internal/ttlock"

	"github.com/rs/zerolog"
)

const revokeTimeout = 15 * time.Second

// BookingService owns the booking state machine. Every transition is
// persisted by one versioned save, so a booking either moves completely or
// not at all.
type BookingService struct {
	repo       domain.Repository
	locks      domain.LockClient
	status     domain.LockStatusReader
	eventBus   domain.EventPublisher
	clock      clock.Clock
	pendingTTL time.Duration
	logger     *zerolog.Logger

	// PIN revocations run in the background.
	revocations sync.WaitGroup
}

func NewBookingService(
	repo domain.Repository,
	locks domain.LockClient,
	status domain.LockStatusReader,
	eventBus domain.EventPublisher,
	clk clock.Clock,
	pendingTTL time.Duration,
	logger *zerolog.Logger,
) *BookingService {
	if pendingTTL <= 0 {
		pendingTTL = models.DefaultPendingTTL
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &BookingService{
		repo:       repo,
		locks:      locks,
		status:     status,
		eventBus:   eventBus,
		clock:      clk,
		pendingTTL: pendingTTL,
		logger:     logger,
	}
}

// Create reserves [start, end) on a sunbed. The conflict check, the price
// lookup and the insert run while the sunbed row is locked.
func (s *BookingService) Create(ctx context.Context, sunbedID int64, start, end time.Time, userID int64) (*models.Booking, error) {
	start, end = clock.ToUTC(start), clock.ToUTC(end)
	if !end.After(start) {
		return nil, ErrInvalidWindow
	}

	now := s.clock.Now()
	var created *models.Booking

	err := s.repo.WithSunbedLock(ctx, sunbedID, func(tx domain.SlotTx) error {
		conflict, err := tx.HasConflict(ctx, start, end, now.Add(-s.pendingTTL))
		if err != nil {
			return err
		}
		if conflict {
			return ErrSlotConflict
		}

		price, err := tx.GetPrice(ctx, tx.Sunbed().PriceID)
		if errors.Is(err, database.ErrNotFound) {
			return ErrInvalidPrice
		}
		if err != nil {
			return err
		}

		total, err := Quote(price, start, end)
		if err != nil {
			return err
		}

		b := &models.Booking{
			UserID:        userID,
			SunbedID:      sunbedID,
			StartTime:     start,
			EndTime:       end,
			TotalPrice:    total,
			Status:        models.StatusPending,
			PaymentStatus: models.PaymentPending,
			CreatedAt:     now,
		}
		if err := tx.InsertBooking(ctx, b); err != nil {
			return err
		}
		created = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Int64("booking_id", created.ID).
		Int64("sunbed_id", sunbedID).
		Int64("user_id", userID).
		Str("total", created.TotalPrice.StringFixed(2)).
		Msg("booking created")
	s.publish(events.EventBookingCreated, created, "")
	return created, nil
}

func (s *BookingService) GetBooking(ctx context.Context, id int64) (*models.Booking, error) {
	return s.repo.GetBooking(ctx, id)
}

// GetUserBooking returns a booking only to its owner.
func (s *BookingService) GetUserBooking(ctx context.Context, id, userID int64) (*models.Booking, error) {
	b, err := s.repo.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.UserID != userID {
		return nil, ErrForbidden
	}
	return b, nil
}

func (s *BookingService) ListUserBookings(ctx context.Context, userID int64) ([]*models.Booking, error) {
	return s.repo.GetUserBookings(ctx, userID)
}

// ExpireIfStale cancels a pending booking whose hold has lapsed. It reports
// whether b was cancelled by this call.
func (s *BookingService) ExpireIfStale(ctx context.Context, b *models.Booking) (bool, error) {
	now := s.clock.Now()
	if !b.IsStalePending(now, s.pendingTTL) {
		return false, nil
	}

	next := b.Clone()
	next.Status = models.StatusCancelled
	if next.PaymentStatus == models.PaymentPending {
		next.PaymentStatus = models.PaymentFailed
	}
	pwdID := next.ClearAccess()
	next.UpdatedAt = now

	if err := s.repo.SaveBooking(ctx, next); err != nil {
		return false, fmt.Errorf("expire booking %d: %w", b.ID, err)
	}
	*b = *next

	s.revokePIN(b.SunbedID, pwdID)
	s.logger.Info().Int64("booking_id", b.ID).Msg("pending booking expired")
	s.publish(events.EventBookingCancelled, b, "pending_expired")
	return true, nil
}

// ConfirmPayment is the only way from pending to confirmed. Repeating it for
// a paid booking is a no-op.
func (s *BookingService) ConfirmPayment(ctx context.Context, b *models.Booking, paymentID, provider string) error {
	if b.PaymentStatus == models.PaymentPaid {
		return nil
	}
	if b.Status != models.StatusPending {
		return fmt.Errorf("%w: cannot confirm payment for booking %d in status %s", ErrInvalidTransition, b.ID, b.Status)
	}

	next := b.Clone()
	next.PaymentStatus = models.PaymentPaid
	next.Status = models.StatusConfirmed
	next.PaymentID = paymentID
	next.PaymentProvider = provider
	next.UpdatedAt = s.clock.Now()

	if err := s.repo.SaveBooking(ctx, next); err != nil {
		return fmt.Errorf("confirm booking %d: %w", b.ID, err)
	}
	*b = *next

	s.projectSunbed(ctx, b.SunbedID, models.SunbedBooked)
	s.logger.Info().Int64("booking_id", b.ID).Str("payment_id", paymentID).Msg("booking confirmed")
	s.publish(events.EventBookingConfirmed, b, "")
	return nil
}

// TryComplete runs the AND-close: the guest asked to close (when
// requireUserRequest) and the lock reads closed. force skips both checks.
// A false result with nil error means "not yet".
func (s *BookingService) TryComplete(ctx context.Context, b *models.Booking, requireUserRequest, force bool) (bool, error) {
	if b.Status == models.StatusCompleted {
		return true, nil
	}
	if b.Status == models.StatusCancelled {
		if force {
			return false, fmt.Errorf("%w: booking %d is cancelled", ErrInvalidTransition, b.ID)
		}
		return false, nil
	}
	if !force {
		if b.Status != models.StatusConfirmed || b.PaymentStatus != models.PaymentPaid {
			return false, nil
		}
		if requireUserRequest && !b.UserRequestedClose {
			return false, nil
		}
	}

	sunbed, err := s.repo.GetSunbed(ctx, b.SunbedID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return false, err
	}
	lockID, hasLock := sunbed.LockID()

	if hasLock && !force {
		if s.status == nil {
			return false, fmt.Errorf("%w: no lock status reader", ErrLockQueryFailed)
		}
		st, err := s.status.Status(ctx, lockID)
		if err != nil {
			return false, fmt.Errorf("%w: %w", ErrLockQueryFailed, err)
		}
		if !st.Locked {
			return false, nil
		}
	}

	now := s.clock.Now()
	next := b.Clone()
	next.LockClosedConfirmed = true
	next.LockClosedConfirmedAt = &now
	next.Status = models.StatusCompleted
	pwdID := next.ClearAccess()
	next.UserRequestedClose = false
	next.UserRequestedCloseAt = &now
	next.UpdatedAt = now

	if err := s.repo.SaveBooking(ctx, next); err != nil {
		return false, fmt.Errorf("complete booking %d: %w", b.ID, err)
	}
	*b = *next

	if hasLock {
		s.revokeOnLock(lockID, pwdID)
	}
	s.projectSunbed(ctx, b.SunbedID, models.SunbedAvailable)
	s.logger.Info().Int64("booking_id", b.ID).Bool("forced", force).Bool("has_lock", hasLock).Msg("booking completed")
	s.publish(events.EventBookingCompleted, b, completionReason(force, hasLock))
	return true, nil
}

// Cancel is legal from pending and confirmed and a no-op afterwards.
func (s *BookingService) Cancel(ctx context.Context, b *models.Booking, reason string) (bool, error) {
	if b.IsTerminal() {
		return false, nil
	}

	next := b.Clone()
	next.Status = models.StatusCancelled
	if next.PaymentStatus == models.PaymentPending {
		next.PaymentStatus = models.PaymentFailed
	}
	pwdID := next.ClearAccess()
	next.UpdatedAt = s.clock.Now()

	if err := s.repo.SaveBooking(ctx, next); err != nil {
		return false, fmt.Errorf("cancel booking %d: %w", b.ID, err)
	}
	wasConfirmed := b.Status == models.StatusConfirmed
	*b = *next

	s.revokePIN(b.SunbedID, pwdID)
	if wasConfirmed {
		s.projectSunbed(ctx, b.SunbedID, models.SunbedAvailable)
	}
	s.logger.Info().Int64("booking_id", b.ID).Str("reason", reason).Msg("booking cancelled")
	s.publish(events.EventBookingCancelled, b, reason)
	return true, nil
}

// CancelByID is the admin entry point.
func (s *BookingService) CancelByID(ctx context.Context, id int64) (*models.Booking, error) {
	b, err := s.repo.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.Cancel(ctx, b, "admin"); err != nil {
		return nil, err
	}
	return b, nil
}

// ForceComplete closes a booking without the guest or the lock.
func (s *BookingService) ForceComplete(ctx context.Context, id int64) (*models.Booking, error) {
	b, err := s.repo.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.TryComplete(ctx, b, false, true); err != nil {
		return nil, err
	}
	return b, nil
}

// RequestClose records that the guest wants to finish and tries to complete
// right away. The intent stays recorded when the lock is not closed yet so
// the autocomplete sweep can finish the booking later.
func (s *BookingService) RequestClose(ctx context.Context, id, userID int64) (*models.Booking, bool, error) {
	b, err := s.GetUserBooking(ctx, id, userID)
	if err != nil {
		return nil, false, err
	}
	if b.Status == models.StatusCompleted {
		return b, true, nil
	}
	if b.Status != models.StatusConfirmed || b.PaymentStatus != models.PaymentPaid {
		return b, false, fmt.Errorf("%w: booking %d is %s/%s", ErrInvalidTransition, b.ID, b.Status, b.PaymentStatus)
	}

	if !b.UserRequestedClose {
		now := s.clock.Now()
		next := b.Clone()
		next.UserRequestedClose = true
		next.UserRequestedCloseAt = &now
		next.UpdatedAt = now
		if err := s.repo.SaveBooking(ctx, next); err != nil {
			return b, false, fmt.Errorf("record close request %d: %w", b.ID, err)
		}
		*b = *next
	}

	done, err := s.TryComplete(ctx, b, true, false)
	return b, done, err
}

// AccessCode returns the lock PIN of a confirmed booking, issuing it on the
// first request.
func (s *BookingService) AccessCode(ctx context.Context, id, userID int64) (*models.AccessCode, error) {
	b, err := s.GetUserBooking(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if b.Status != models.StatusConfirmed || b.PaymentStatus != models.PaymentPaid {
		return nil, fmt.Errorf("%w: booking %d not confirmed", ErrInvalidTransition, b.ID)
	}

	now := s.clock.Now()
	if b.AccessCode == "" {
		if err := s.issuePIN(ctx, b, now); err != nil {
			return nil, err
		}
	}

	if b.AccessCodeValidFrom != nil && now.Before(*b.AccessCodeValidFrom) {
		return nil, ErrAccessNotActive
	}
	if b.AccessCodeValidTo != nil && now.After(*b.AccessCodeValidTo) {
		return nil, ErrAccessExpired
	}

	code := &models.AccessCode{BookingID: b.ID, Code: b.AccessCode}
	if b.AccessCodeValidFrom != nil {
		code.ValidFrom = *b.AccessCodeValidFrom
	}
	if b.AccessCodeValidTo != nil {
		code.ValidTo = *b.AccessCodeValidTo
	}
	return code, nil
}

func (s *BookingService) issuePIN(ctx context.Context, b *models.Booking, now time.Time) error {
	if now.After(b.EndTime) {
		return ErrAccessExpired
	}
	sunbed, err := s.repo.GetSunbed(ctx, b.SunbedID)
	if err != nil {
		return err
	}
	lockID, ok := sunbed.LockID()
	if !ok || s.locks == nil {
		return ErrNoAccessCode
	}

	pin, err := s.locks.CreatePIN(ctx, lockID, b.StartTime, b.EndTime)
	if err != nil {
		if ttlock.IsUnavailable(err) {
			return fmt.Errorf("%w: %w", ErrExternalUnavailable, err)
		}
		return err
	}

	from, to := b.StartTime, b.EndTime
	next := b.Clone()
	next.AccessCode = pin.Code
	next.LockPasswordID = pin.PasswordID
	next.AccessCodeValidFrom = &from
	next.AccessCodeValidTo = &to
	next.UpdatedAt = now

	if err := s.repo.SaveBooking(ctx, next); err != nil {
		// PIN живет на замке, но в базе его нет
		s.revokeOnLock(lockID, pin.PasswordID)
		return fmt.Errorf("store access code %d: %w", b.ID, err)
	}
	*b = *next
	s.logger.Info().Int64("booking_id", b.ID).Str("lock_id", lockID).Msg("access code issued")
	return nil
}

// SweepExpired cancels every pending booking past the hold TTL.
func (s *BookingService) SweepExpired(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.pendingTTL)
	list, err := s.repo.ListStalePending(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, b := range list {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		ok, err := s.ExpireIfStale(ctx, b)
		if err != nil {
			s.logger.Warn().Err(err).Int64("booking_id", b.ID).Msg("expire failed")
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// SweepAutocomplete retries the AND-close for bookings the guest asked to close.
func (s *BookingService) SweepAutocomplete(ctx context.Context) (int, error) {
	list, err := s.repo.ListCompletionCandidates(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, b := range list {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		done, err := s.TryComplete(ctx, b, true, false)
		if err != nil {
			s.logger.Warn().Err(err).Int64("booking_id", b.ID).Msg("autocomplete failed")
			continue
		}
		if done {
			n++
		}
	}
	return n, nil
}

// Drain waits for background PIN revocations.
func (s *BookingService) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.revocations.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// revokePIN deletes a password from the lock of sunbedID in the background.
func (s *BookingService) revokePIN(sunbedID int64, pwdID string) {
	if pwdID == "" || s.locks == nil {
		return
	}
	s.revocations.Add(1)
	go func() {
		defer s.revocations.Done()
		ctx, cancel := context.WithTimeout(context.Background(), revokeTimeout)
		defer cancel()

		sunbed, err := s.repo.GetSunbed(ctx, sunbedID)
		if err != nil {
			s.logger.Warn().Err(err).Int64("sunbed_id", sunbedID).Msg("PIN revocation skipped")
			return
		}
		lockID, ok := sunbed.LockID()
		if !ok {
			return
		}
		s.deletePIN(ctx, lockID, pwdID)
	}()
}

func (s *BookingService) revokeOnLock(lockID, pwdID string) {
	if pwdID == "" || s.locks == nil {
		return
	}
	s.revocations.Add(1)
	go func() {
		defer s.revocations.Done()
		ctx, cancel := context.WithTimeout(context.Background(), revokeTimeout)
		defer cancel()
		s.deletePIN(ctx, lockID, pwdID)
	}()
}

// deletePIN never fails the caller; a PIN that outlives its booking expires
// on the lock at its validity end anyway.
func (s *BookingService) deletePIN(ctx context.Context, lockID, pwdID string) {
	if err := s.locks.DeletePIN(ctx, lockID, pwdID); err != nil {
		s.logger.Warn().Err(err).Str("lock_id", lockID).Str("password_id", pwdID).Msg("PIN revocation failed")
		return
	}
	s.logger.Debug().Str("lock_id", lockID).Str("password_id", pwdID).Msg("PIN revoked")
}

func (s *BookingService) projectSunbed(ctx context.Context, sunbedID int64, status string) {
	if err := s.repo.SetSunbedStatus(ctx, sunbedID, status); err != nil {
		s.logger.Warn().Err(err).Int64("sunbed_id", sunbedID).Str("status", status).Msg("failed to update sunbed status")
	}
}

func (s *BookingService) publish(eventType string, b *models.Booking, reason string) {
	if s.eventBus == nil {
		return
	}
	payload := events.BookingEventPayload{
		BookingID:     b.ID,
		UserID:        b.UserID,
		SunbedID:      b.SunbedID,
		Status:        b.Status,
		PaymentStatus: b.PaymentStatus,
		StartTime:     b.StartTime,
		EndTime:       b.EndTime,
		TotalPrice:    b.TotalPrice,
		Reason:        reason,
	}
	if err := s.eventBus.PublishJSON(eventType, payload); err != nil {
		s.logger.Error().Err(err).Str("event_type", eventType).Msg("failed to publish event")
	}
}

func completionReason(force, hasLock bool) string {
	switch {
	case force:
		return "forced"
	case hasLock:
		return "lock_closed"
	default:
		return "user_request"
	}
}
