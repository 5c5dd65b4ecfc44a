package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Sunbed struct {
	ID             int64     `json:"id"`
	BeachID        int64     `json:"beach_id"`
	OwnerID        int64     `json:"owner_id"`
	PriceID        int64     `json:"price_id"`
	Name           string    `json:"name"`
	Status         string    `json:"status"`
	HasLock        bool      `json:"has_lock"`
	LockIdentifier string    `json:"lock_identifier,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// LockID returns the hardware identifier when the sunbed is lock-equipped.
func (s *Sunbed) LockID() (string, bool) {
	if s == nil || !s.HasLock || s.LockIdentifier == "" {
		return "", false
	}
	return s.LockIdentifier, true
}

type Price struct {
	ID           int64           `json:"id"`
	PricePerHour decimal.Decimal `json:"price_per_hour"`
	// PricePerDay caps the hourly total when set.
	PricePerDay *decimal.Decimal `json:"price_per_day,omitempty"`
	IsActive    bool             `json:"is_active"`
}

type PaymentAccount struct {
	ID           int64     `json:"id"`
	OwnerID      int64     `json:"owner_id"`
	Provider     string    `json:"provider"`
	ShopID       string    `json:"shop_id"`
	SecretKey    string    `json:"-"`
	WebhookToken string    `json:"-"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

type PaymentMethod struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	Provider   string    `json:"provider"`
	ExternalID string    `json:"external_id"`
	Type       string    `json:"type"`
	CardLast4  string    `json:"card_last4,omitempty"`
	CardType   string    `json:"card_type,omitempty"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
