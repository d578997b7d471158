package db

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// OpenSQL connects to the reservations database. driver is "postgres" or
// "sqlite3".
func OpenSQL(driver, dsn string) (*sqlx.DB, error) {
	switch driver {
	case "postgres":
	case "sqlite3":
		if !strings.Contains(dsn, "?") {
			dsn += "?_foreign_keys=1&_journal_mode=WAL"
		}
	default:
		return nil, fmt.Errorf("unsupported reservations driver %q", driver)
	}

	conn, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}
	return conn, nil
}

// ReservationSchema creates the reservations table for local SQLite setups.
// Production Postgres schemas are owned by the booking service.
const ReservationSchema = `CREATE TABLE IF NOT EXISTS reservations (
	id TEXT PRIMARY KEY,
	requester_id TEXT NOT NULL,
	provider_id TEXT NOT NULL,
	status TEXT NOT NULL,
	booking_date TEXT NOT NULL,
	booking_time TEXT NOT NULL,
	duration_hours REAL NOT NULL DEFAULT 0,
	payment_id TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reservations_pair ON reservations(requester_id, provider_id, created_at);`
