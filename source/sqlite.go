package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/alwitt/bookingrelay/common"
	"github.com/apex/log"
)

// SQLiteSource AssignmentSource backed by a SQLite database
type SQLiteSource struct {
	common.Component
	db       *sql.DB
	bookings string
	drivers  string
}

// quoteSQLiteIdentifier quote a table name
func quoteSQLiteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// NewSQLiteSource define a new SQLite backed AssignmentSource
func NewSQLiteSource(db *sql.DB, bookingsTable, driversTable string) *SQLiteSource {
	logTags := log.Fields{
		"module": "source", "component": "sqlite3", "instance": bookingsTable,
	}
	return &SQLiteSource{
		Component: common.Component{LogTags: logTags},
		db:        db,
		bookings:  quoteSQLiteIdentifier(bookingsTable),
		drivers:   quoteSQLiteIdentifier(driversTable),
	}
}

// ReadAssignments read the assignment of multiple bookings in one query
func (s *SQLiteSource) ReadAssignments(
	ctxt context.Context, bookings []common.BookingID,
) (map[common.BookingID]common.Assignment, error) {
	result := make(map[common.BookingID]common.Assignment, len(bookings))
	if len(bookings) == 0 {
		return result, nil
	}
	placeholders := make([]string, 0, len(bookings))
	args := make([]interface{}, 0, len(bookings))
	for _, booking := range bookings {
		placeholders = append(placeholders, "?")
		args = append(args, int64(booking))
	}
	rows, err := s.db.QueryContext(
		ctxt,
		fmt.Sprintf(
			"SELECT id, assigned_driver_id FROM %s WHERE id IN (%s)",
			s.bookings,
			strings.Join(placeholders, ","),
		),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query booking assignments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var driver sql.NullInt64
		if err := rows.Scan(&id, &driver); err != nil {
			return nil, fmt.Errorf("failed to scan booking assignment: %w", err)
		}
		result[common.BookingID(id)] = common.AssignmentFromNullable(nullableInt64(driver))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read booking assignments: %w", err)
	}
	return result, nil
}

// ReadDriver read one driver
func (s *SQLiteSource) ReadDriver(
	ctxt context.Context, driver common.DriverID,
) (common.DriverRecord, error) {
	var id int64
	var firstName, lastName, email, phone sql.NullString
	err := s.db.QueryRowContext(
		ctxt,
		fmt.Sprintf(
			"SELECT id, firstname, lastname, email, phone FROM %s WHERE id = ?", s.drivers,
		),
		int64(driver),
	).Scan(&id, &firstName, &lastName, &email, &phone)
	if errors.Is(err, sql.ErrNoRows) {
		return common.DriverRecord{}, ErrNotFound
	}
	if err != nil {
		return common.DriverRecord{}, fmt.Errorf("failed to query driver %d: %w", driver, err)
	}
	return common.DriverRecord{
		ID:        common.DriverID(id),
		FirstName: firstName.String,
		LastName:  lastName.String,
		Email:     email.String,
		Phone:     phone.String,
	}, nil
}

// ReadCurrentState read a booking's assignment along with its driver
func (s *SQLiteSource) ReadCurrentState(
	ctxt context.Context, booking common.BookingID,
) (CurrentState, error) {
	var bookingID int64
	var assigned, driverID sql.NullInt64
	var firstName, lastName, email, phone sql.NullString
	err := s.db.QueryRowContext(
		ctxt,
		fmt.Sprintf(
			`SELECT b.id, b.assigned_driver_id, d.id, d.firstname, d.lastname, d.email, d.phone
FROM %s b LEFT JOIN %s d ON d.id = b.assigned_driver_id WHERE b.id = ?`,
			s.bookings, s.drivers,
		),
		int64(booking),
	).Scan(&bookingID, &assigned, &driverID, &firstName, &lastName, &email, &phone)
	if errors.Is(err, sql.ErrNoRows) {
		return CurrentState{}, ErrNotFound
	}
	if err != nil {
		return CurrentState{}, fmt.Errorf("failed to query booking %s: %w", booking, err)
	}
	result := CurrentState{
		BookingID:  common.BookingID(bookingID),
		Assignment: common.AssignmentFromNullable(nullableInt64(assigned)),
	}
	if driverID.Valid && result.Assignment.IsAssigned() {
		result.Driver = &common.DriverRecord{
			ID:        common.DriverID(driverID.Int64),
			FirstName: firstName.String,
			LastName:  lastName.String,
			Email:     email.String,
			Phone:     phone.String,
		}
	}
	return result, nil
}

// Ping check the database is reachable
func (s *SQLiteSource) Ping(ctxt context.Context) error {
	return s.db.PingContext(ctxt)
}

// Close release the database connections
func (s *SQLiteSource) Close() error {
	log.WithFields(s.LogTags).Info("Closing database")
	return s.db.Close()
}

func nullableInt64(value sql.NullInt64) *int64 {
	if !value.Valid {
		return nil
	}
	return &value.Int64
}
