package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/abjerry97/go_hostel/api"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

const roomColumns = `r.id, r.room_number, r.floor, r.capacity, r.type, r.price_per_month::text, r.is_occupied`

func scanRoom(dest *api.Room, price *string) []any {
	return []any{&dest.ID, &dest.RoomNumber, &dest.Floor, &dest.Capacity, &dest.Type, price, &dest.IsOccupied}
}

func (db *DatabaseService) GetRoom(ctx context.Context, roomID string) (*api.Room, error) {
	query := `SELECT ` + roomColumns + ` FROM rooms r WHERE r.id = $1`

	var (
		room  api.Room
		price string
	)
	err := db.Pool.QueryRow(ctx, query, roomID).Scan(scanRoom(&room, &price)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	if room.PricePerMonth, err = decimal.NewFromString(price); err != nil {
		return nil, err
	}
	return &room, nil
}

func (db *DatabaseService) ListRooms(ctx context.Context, availableOnly bool) ([]api.Room, error) {
	query := `SELECT ` + roomColumns + ` FROM rooms r WHERE ($1 = FALSE OR r.is_occupied = FALSE) ORDER BY r.room_number`

	rows, err := db.Pool.Query(ctx, query, availableOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := []api.Room{}
	for rows.Next() {
		var (
			room  api.Room
			price string
		)
		if err := rows.Scan(scanRoom(&room, &price)...); err != nil {
			return nil, err
		}
		if room.PricePerMonth, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

// ApprovedAllocation returns the student's open room allocation with its
// room, or nil when there is none.
func (db *DatabaseService) ApprovedAllocation(ctx context.Context, studentID string) (*api.RoomAllocation, error) {
	query := `
		SELECT a.booking_id, a.student_id, a.start_date, ` + roomColumns + `
		FROM room_allocations a
		JOIN rooms r ON r.id = a.room_id
		WHERE a.student_id = $1 AND a.end_date IS NULL
		ORDER BY a.start_date DESC
		LIMIT 1
	`

	var (
		alloc api.RoomAllocation
		price string
	)
	dest := append([]any{&alloc.BookingID, &alloc.StudentID, &alloc.StartDate}, scanRoom(&alloc.Room, &price)...)
	err := db.Pool.QueryRow(ctx, query, studentID).Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if alloc.Room.PricePerMonth, err = decimal.NewFromString(price); err != nil {
		return nil, err
	}
	return &alloc, nil
}

func (db *DatabaseService) HasPendingBooking(ctx context.Context, studentID string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM booking_requests WHERE student_id = $1 AND status = 'pending')`

	var exists bool
	err := db.Pool.QueryRow(ctx, query, studentID).Scan(&exists)
	return exists, err
}

func (db *DatabaseService) CreateBookingRequest(ctx context.Context, studentID, roomID string) (*api.BookingRequest, error) {
	alloc, err := db.ApprovedAllocation(ctx, studentID)
	if err != nil {
		return nil, err
	}
	if alloc != nil {
		return nil, ErrAlreadyAllocated
	}

	room, err := db.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.IsOccupied {
		return nil, ErrRoomOccupied
	}

	query := `
		INSERT INTO booking_requests (id, student_id, room_id, status)
		VALUES ($1, $2, $3, 'pending')
		RETURNING request_date, updated_at
	`

	booking := &api.BookingRequest{
		ID:        uuid.NewString(),
		StudentID: studentID,
		RoomID:    roomID,
		Status:    api.BookingPending,
		Room:      room,
	}
	err = db.Pool.QueryRow(ctx, query, booking.ID, studentID, roomID).Scan(&booking.RequestDate, &booking.UpdatedAt)
	if isUniqueViolation(err) {
		return nil, ErrBookingExists
	}
	if err != nil {
		return nil, err
	}
	return booking, nil
}

func (db *DatabaseService) ListBookings(ctx context.Context, status api.BookingStatus) ([]api.BookingRequest, error) {
	query := `
		SELECT b.id, b.student_id, b.room_id, b.status, b.request_date, b.updated_at
		FROM booking_requests b
		WHERE ($1 = '' OR b.status = $1)
		ORDER BY b.request_date DESC
		LIMIT 200
	`

	rows, err := db.Pool.Query(ctx, query, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bookings := []api.BookingRequest{}
	for rows.Next() {
		var (
			b  api.BookingRequest
			st string
		)
		if err := rows.Scan(&b.ID, &b.StudentID, &b.RoomID, &st, &b.RequestDate, &b.UpdatedAt); err != nil {
			return nil, err
		}
		b.Status = api.BookingStatus(st)
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

// ApproveBooking approves a pending request, records the allocation and
// marks the room occupied in one transaction. A room that is already
// occupied fails the whole approval.
func (db *DatabaseService) ApproveBooking(ctx context.Context, bookingID string) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var studentID, roomID string
	err = tx.QueryRow(ctx, `
		UPDATE booking_requests
		SET status = 'approved', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING student_id, room_id
	`, bookingID).Scan(&studentID, &roomID)
	if errors.Is(err, pgx.ErrNoRows) {
		return db.bookingTransitionError(ctx, bookingID)
	}
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO room_allocations (id, booking_id, student_id, room_id, start_date)
		VALUES ($1, $2, $3, $4, NOW())
	`, uuid.NewString(), bookingID, studentID, roomID); err != nil {
		return fmt.Errorf("create allocation: %w", err)
	}

	result, err := tx.Exec(ctx, `UPDATE rooms SET is_occupied = TRUE WHERE id = $1 AND NOT is_occupied`, roomID)
	if err != nil {
		return fmt.Errorf("mark room occupied: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrRoomOccupied
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.WithFields(log.Fields{"booking_id": bookingID, "student_id": studentID, "room_id": roomID}).Info("Booking approved")
	return nil
}

func (db *DatabaseService) RejectBooking(ctx context.Context, bookingID string) error {
	result, err := db.Pool.Exec(ctx, `
		UPDATE booking_requests
		SET status = 'rejected', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, bookingID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return db.bookingTransitionError(ctx, bookingID)
	}

	log.WithField("booking_id", bookingID).Info("Booking rejected")
	return nil
}

func (db *DatabaseService) bookingTransitionError(ctx context.Context, bookingID string) error {
	var exists bool
	if err := db.Pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM booking_requests WHERE id = $1)`, bookingID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrBookingNotFound
	}
	return ErrBookingNotPending
}

// ActiveMealPlan returns the plan id of the student's active subscription.
func (db *DatabaseService) ActiveMealPlan(ctx context.Context, studentID string) (int, bool, error) {
	query := `
		SELECT plan_id FROM meal_subscriptions
		WHERE student_id = $1 AND status = 'active'
		ORDER BY created_at DESC
		LIMIT 1
	`

	var planID int
	err := db.Pool.QueryRow(ctx, query, studentID).Scan(&planID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return planID, true, nil
}

// SubscribeMealPlan replaces the student's active meal subscription.
func (db *DatabaseService) SubscribeMealPlan(ctx context.Context, studentID string, planID int) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE meal_subscriptions SET status = 'cancelled'
		WHERE student_id = $1 AND status = 'active'
	`, studentID); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO meal_subscriptions (id, student_id, plan_id, status, created_at)
		VALUES ($1, $2, $3, 'active', NOW())
	`, uuid.NewString(), studentID, planID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (db *DatabaseService) SeedRooms(ctx context.Context, count int) (int64, error) {
	log.Printf("Seeding %d rooms...", count)

	query := `
		INSERT INTO rooms (id, room_number, floor, capacity, type, price_per_month)
		SELECT
			'room-' || LPAD(generate_series::TEXT, 4, '0'),
			'R' || LPAD(generate_series::TEXT, 3, '0'),
			(generate_series - 1) / 20,
			CASE WHEN generate_series % 3 = 0 THEN 2 ELSE 1 END,
			CASE WHEN generate_series % 3 = 0 THEN 'double' ELSE 'single' END,
			CASE WHEN generate_series % 3 = 0 THEN 6500.00 ELSE 8000.00 END
		FROM generate_series(1, $1)
		ON CONFLICT (id) DO NOTHING
	`

	result, err := db.Pool.Exec(ctx, query, count)
	if err != nil {
		return 0, fmt.Errorf("failed to seed rooms: %w", err)
	}

	rowsAffected := result.RowsAffected()
	log.Printf("Successfully seeded %d rooms", rowsAffected)
	return rowsAffected, nil
}

func (db *DatabaseService) GetRoomCount(ctx context.Context) (int, error) {
	var count int
	err := db.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM rooms").Scan(&count)
	return count, err
}
