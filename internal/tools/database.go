package tools

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

const uniqueViolation = "23505"

var (
	ErrPaymentNotFound   = errors.New("payment not found")
	ErrDuplicatePayment  = errors.New("a payment for this month is already pending or completed")
	ErrReferenceConflict = errors.New("reference number already used")
	ErrRoomNotFound      = errors.New("room not found")
	ErrRoomOccupied      = errors.New("room is already occupied")
	ErrBookingNotFound   = errors.New("booking request not found")
	ErrBookingNotPending = errors.New("booking request is no longer pending")
	ErrBookingExists     = errors.New("a booking request is already pending")
	ErrAlreadyAllocated  = errors.New("student already has an approved room")
)

// Pool is the subset of *pgxpool.Pool the services use.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

type DatabaseService struct {
	Pool Pool
}

func NewDatabaseService(ctx context.Context, databaseURL string) (*DatabaseService, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 10
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	log.Println("Database connected successfully")
	return &DatabaseService{Pool: pool}, nil
}

func (db *DatabaseService) Close() {
	db.Pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id              TEXT PRIMARY KEY,
	room_number     TEXT NOT NULL UNIQUE,
	floor           INT NOT NULL DEFAULT 0,
	capacity        INT NOT NULL DEFAULT 1,
	type            TEXT NOT NULL DEFAULT 'single',
	price_per_month NUMERIC(12,2) NOT NULL,
	is_occupied     BOOLEAN NOT NULL DEFAULT FALSE,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS booking_requests (
	id           TEXT PRIMARY KEY,
	student_id   TEXT NOT NULL,
	room_id      TEXT NOT NULL REFERENCES rooms(id),
	status       TEXT NOT NULL CHECK (status IN ('pending', 'approved', 'rejected')),
	request_date TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS booking_requests_one_pending
	ON booking_requests (student_id) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS room_allocations (
	id         TEXT PRIMARY KEY,
	booking_id TEXT NOT NULL REFERENCES booking_requests(id),
	student_id TEXT NOT NULL,
	room_id    TEXT NOT NULL REFERENCES rooms(id),
	start_date TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	end_date   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS meal_subscriptions (
	id         TEXT PRIMARY KEY,
	student_id TEXT NOT NULL,
	plan_id    INT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'active',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS payments (
	id                  TEXT PRIMARY KEY,
	student_id          TEXT NOT NULL,
	amount              NUMERIC(12,2) NOT NULL CHECK (amount > 0),
	status              TEXT NOT NULL CHECK (status IN ('pending', 'completed', 'failed')),
	category            TEXT NOT NULL,
	payment_date        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	payment_method      TEXT NOT NULL,
	reference_number    TEXT NOT NULL UNIQUE,
	month               TEXT NOT NULL,
	checkout_request_id TEXT UNIQUE,
	transaction_code    TEXT,
	result_desc         TEXT,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS payments_one_active_room
	ON payments (student_id, month) WHERE category = 'room' AND status <> 'failed';

CREATE INDEX IF NOT EXISTS payments_student_month ON payments (student_id, month, status);
`

func (db *DatabaseService) EnsureSchema(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, schema); err != nil {
		return err
	}
	log.Println("Database schema ready")
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
