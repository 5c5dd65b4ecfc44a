package service

import (
	"fmt"
	"time"

	"sunbed/internal/models"
	"sunbed/internal/money"

	"github.com/shopspring/decimal"
)

// Quote prices the window [start, end). Started hours are billed in full with
// a minimum of one hour; a non-negative daily price caps the total.
func Quote(price *models.Price, start, end time.Time) (decimal.Decimal, error) {
	if !end.After(start) {
		return decimal.Zero, ErrInvalidWindow
	}
	if price == nil || !price.IsActive {
		return decimal.Zero, ErrInvalidPrice
	}

	hours := BillableHours(start, end)
	total := price.PricePerHour.Mul(decimal.NewFromInt(hours))

	if price.PricePerDay != nil && !price.PricePerDay.IsNegative() {
		total = money.Min(total, *price.PricePerDay)
	}

	return money.Round(money.ClampNonNegative(total)), nil
}

// BillableHours is ceil(seconds/3600), at least 1.
func BillableHours(start, end time.Time) int64 {
	secs := int64(end.Sub(start) / time.Second)
	if end.Sub(start)%time.Second != 0 {
		secs++
	}
	hours := (secs + 3599) / 3600
	if hours < 1 {
		hours = 1
	}
	return hours
}

func describeBooking(b *models.Booking) string {
	return fmt.Sprintf("Sunbed booking #%d", b.ID)
}
