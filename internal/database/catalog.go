package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sunbed/internal/models"
)

const sunbedColumns = `id, beach_id, owner_id, price_id, name, status, has_lock, lock_identifier, created_at`

func scanSunbed(row rowScanner) (*models.Sunbed, error) {
	var s models.Sunbed
	if err := row.Scan(&s.ID, &s.BeachID, &s.OwnerID, &s.PriceID, &s.Name, &s.Status,
		&s.HasLock, &s.LockIdentifier, &s.CreatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateSunbed is used for seeding; catalog management lives elsewhere.
func (db *DB) CreateSunbed(ctx context.Context, s *models.Sunbed) error {
	if s.Status == "" {
		s.Status = models.SunbedAvailable
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO sunbeds (beach_id, owner_id, price_id, name, status, has_lock, lock_identifier, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`
	err := db.QueryRowContext(ctx, db.q(query), s.BeachID, s.OwnerID, s.PriceID, s.Name, s.Status,
		s.HasLock, s.LockIdentifier, s.CreatedAt.UTC()).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("failed to create sunbed: %w", err)
	}
	return nil
}

func (db *DB) GetSunbed(ctx context.Context, id int64) (*models.Sunbed, error) {
	s, err := scanSunbed(db.QueryRowContext(ctx, db.q(`SELECT `+sunbedColumns+` FROM sunbeds WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sunbed %d: %w", id, err)
	}
	return s, nil
}

// SetSunbedStatus updates the availability projection. Sunbeds under
// maintenance keep their status.
func (db *DB) SetSunbedStatus(ctx context.Context, id int64, status string) error {
	_, err := db.ExecContext(ctx,
		db.q(`UPDATE sunbeds SET status = ? WHERE id = ? AND status <> ?`),
		status, id, models.SunbedMaintenance)
	if err != nil {
		return fmt.Errorf("failed to update sunbed status: %w", err)
	}
	return nil
}

func (db *DB) CreatePrice(ctx context.Context, p *models.Price) error {
	var perDay interface{}
	if p.PricePerDay != nil {
		perDay = *p.PricePerDay
	}
	err := db.QueryRowContext(ctx,
		db.q(`INSERT INTO prices (price_per_hour, price_per_day, is_active) VALUES (?, ?, ?) RETURNING id`),
		p.PricePerHour, perDay, p.IsActive).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("failed to create price: %w", err)
	}
	return nil
}

func (db *DB) GetPrice(ctx context.Context, id int64) (*models.Price, error) {
	return getPrice(ctx, db.DB, db, id)
}

func getPrice(ctx context.Context, ex execer, db *DB, id int64) (*models.Price, error) {
	var p models.Price
	err := ex.QueryRowContext(ctx,
		db.q(`SELECT id, price_per_hour, price_per_day, is_active FROM prices WHERE id = ?`), id,
	).Scan(&p.ID, &p.PricePerHour, &p.PricePerDay, &p.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get price %d: %w", id, err)
	}
	return &p, nil
}

const accountColumns = `id, owner_id, provider, shop_id, secret_key, webhook_token, is_active, created_at`

func scanAccount(row rowScanner) (*models.PaymentAccount, error) {
	var a models.PaymentAccount
	if err := row.Scan(&a.ID, &a.OwnerID, &a.Provider, &a.ShopID, &a.SecretKey,
		&a.WebhookToken, &a.IsActive, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (db *DB) CreatePaymentAccount(ctx context.Context, a *models.PaymentAccount) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO payment_accounts (owner_id, provider, shop_id, secret_key, webhook_token, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`
	err := db.QueryRowContext(ctx, db.q(query), a.OwnerID, a.Provider, a.ShopID, a.SecretKey,
		a.WebhookToken, a.IsActive, a.CreatedAt.UTC()).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("failed to create payment account: %w", err)
	}
	return nil
}

func (db *DB) GetPaymentAccount(ctx context.Context, id int64) (*models.PaymentAccount, error) {
	a, err := scanAccount(db.QueryRowContext(ctx,
		db.q(`SELECT `+accountColumns+` FROM payment_accounts WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment account %d: %w", id, err)
	}
	return a, nil
}

func (db *DB) FindActivePaymentAccount(ctx context.Context, ownerID int64, provider string) (*models.PaymentAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM payment_accounts
		WHERE owner_id = ? AND provider = ? AND is_active = ?
		ORDER BY id LIMIT 1`
	a, err := scanAccount(db.QueryRowContext(ctx, db.q(query), ownerID, provider, true))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find payment account: %w", err)
	}
	return a, nil
}

const methodColumns = `id, user_id, provider, external_id, type, card_last4, card_type, is_active, created_at, updated_at`

func (db *DB) GetPaymentMethod(ctx context.Context, id int64) (*models.PaymentMethod, error) {
	var m models.PaymentMethod
	err := db.QueryRowContext(ctx, db.q(`SELECT `+methodColumns+` FROM payment_methods WHERE id = ?`), id).Scan(
		&m.ID, &m.UserID, &m.Provider, &m.ExternalID, &m.Type, &m.CardLast4, &m.CardType,
		&m.IsActive, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment method %d: %w", id, err)
	}
	return &m, nil
}

// UpsertPaymentMethod keys saved methods by (provider, external id, user) and
// reactivates an existing row.
func (db *DB) UpsertPaymentMethod(ctx context.Context, m *models.PaymentMethod) error {
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	m.IsActive = true

	query := `INSERT INTO payment_methods (user_id, provider, external_id, type, card_last4, card_type, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, external_id, user_id) DO UPDATE SET
			type = excluded.type,
			card_last4 = excluded.card_last4,
			card_type = excluded.card_type,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
		RETURNING id`

	err := db.QueryRowContext(ctx, db.q(query), m.UserID, m.Provider, m.ExternalID, m.Type,
		m.CardLast4, m.CardType, m.IsActive, m.CreatedAt, m.UpdatedAt).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert payment method: %w", err)
	}
	return nil
}

// DeactivatePaymentMethod stops autopay with a saved card.
func (db *DB) DeactivatePaymentMethod(ctx context.Context, id int64) error {
	_, err := db.ExecContext(ctx,
		db.q(`UPDATE payment_methods SET is_active = ?, updated_at = ? WHERE id = ?`),
		false, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to deactivate payment method: %w", err)
	}
	return nil
}
