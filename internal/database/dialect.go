package database

import (
	"strconv"
	"strings"
)

// dialect hides the few differences between SQLite and Postgres that the
// queries in this package care about.
type dialect struct {
	name string
	// numbered placeholders ($1, $2...) instead of ?
	numbered bool
	// appended to the sunbed SELECT that serialises slot allocation
	rowLock string
	ddl     *strings.Replacer
}

var (
	sqliteDialect = dialect{
		name: "sqlite3",
		ddl: strings.NewReplacer(
			"{pk}", "INTEGER PRIMARY KEY AUTOINCREMENT",
			"{int}", "INTEGER",
			"{ts}", "DATETIME",
			"{money}", "TEXT",
		),
	}
	postgresDialect = dialect{
		name:     "postgres",
		numbered: true,
		rowLock:  " FOR UPDATE",
		ddl: strings.NewReplacer(
			"{pk}", "BIGSERIAL PRIMARY KEY",
			"{int}", "BIGINT",
			"{ts}", "TIMESTAMPTZ",
			"{money}", "NUMERIC(12,2)",
		),
	}
)

// rebind rewrites ? placeholders for drivers that need $n.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (d dialect) schema() []string {
	out := make([]string, 0, len(schema))
	for _, q := range schema {
		out = append(out, d.ddl.Replace(q))
	}
	return out
}

var schema = []string{
	// Тарифы
	`CREATE TABLE IF NOT EXISTS prices (
		id {pk},
		price_per_hour {money} NOT NULL,
		price_per_day {money},
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	// Платёжные аккаунты владельцев пляжей
	`CREATE TABLE IF NOT EXISTS payment_accounts (
		id {pk},
		owner_id {int} NOT NULL,
		provider TEXT NOT NULL,
		shop_id TEXT NOT NULL,
		secret_key TEXT NOT NULL,
		webhook_token TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at {ts} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sunbeds (
		id {pk},
		beach_id {int} NOT NULL DEFAULT 0,
		owner_id {int} NOT NULL DEFAULT 0,
		price_id {int} NOT NULL REFERENCES prices(id),
		name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'available'
			CHECK (status IN ('available', 'booked', 'maintenance')),
		has_lock BOOLEAN NOT NULL DEFAULT FALSE,
		lock_identifier TEXT NOT NULL DEFAULT '',
		created_at {ts} NOT NULL
	)`,
	// Сохранённые карты пользователей для автосписаний
	`CREATE TABLE IF NOT EXISTS payment_methods (
		id {pk},
		user_id {int} NOT NULL,
		provider TEXT NOT NULL,
		external_id TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT '',
		card_last4 TEXT NOT NULL DEFAULT '',
		card_type TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at {ts} NOT NULL,
		updated_at {ts} NOT NULL,
		UNIQUE (provider, external_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS bookings (
		id {pk},
		user_id {int} NOT NULL,
		sunbed_id {int} NOT NULL REFERENCES sunbeds(id),
		payment_account_id {int} REFERENCES payment_accounts(id),
		payment_method_id {int} REFERENCES payment_methods(id),
		start_time {ts} NOT NULL,
		end_time {ts} NOT NULL,
		total_price {money} NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'confirmed', 'completed', 'cancelled')),
		payment_status TEXT NOT NULL DEFAULT 'pending'
			CHECK (payment_status IN ('pending', 'paid', 'failed', 'refund_pending', 'refunded', 'requires_payment')),
		payment_id TEXT NOT NULL DEFAULT '',
		payment_provider TEXT NOT NULL DEFAULT '',
		access_code TEXT NOT NULL DEFAULT '',
		access_code_valid_from {ts},
		access_code_valid_to {ts},
		lock_password_id TEXT NOT NULL DEFAULT '',
		user_requested_close BOOLEAN NOT NULL DEFAULT FALSE,
		user_requested_close_at {ts},
		lock_closed_confirmed BOOLEAN NOT NULL DEFAULT FALSE,
		lock_closed_confirmed_at {ts},
		last_overdue_charge_at {ts},
		created_at {ts} NOT NULL,
		updated_at {ts} NOT NULL,
		version {int} NOT NULL DEFAULT 1,
		CHECK (end_time > start_time),
		CHECK (CAST(total_price AS REAL) >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS overdue_charges (
		id {pk},
		booking_id {int} NOT NULL REFERENCES bookings(id),
		payment_account_id {int} REFERENCES payment_accounts(id),
		payment_method_id {int} REFERENCES payment_methods(id),
		hours {int} NOT NULL DEFAULT 1,
		amount {money} NOT NULL,
		payment_status TEXT NOT NULL DEFAULT 'pending'
			CHECK (payment_status IN ('pending', 'paid', 'failed', 'refund_pending', 'refunded', 'requires_payment')),
		payment_id TEXT UNIQUE,
		refund_id TEXT NOT NULL DEFAULT '',
		created_at {ts} NOT NULL,
		paid_at {ts},
		refunded_at {ts}
	)`,

	`CREATE INDEX IF NOT EXISTS idx_bookings_sunbed_status ON bookings(sunbed_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_bookings_status_created ON bookings(status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_bookings_payment_id ON bookings(payment_id)`,
	`CREATE INDEX IF NOT EXISTS idx_bookings_user_id ON bookings(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_overdue_booking_id ON overdue_charges(booking_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_overdue_status ON overdue_charges(payment_status, created_at)`,
	// не больше одного неоплаченного штрафа на бронь
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_overdue_pending_per_booking
		ON overdue_charges(booking_id) WHERE payment_status = 'pending'`,
}
