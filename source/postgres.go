package source

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alwitt/bookingrelay/common"
	"github.com/apex/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSource AssignmentSource backed by Postgres
type PostgresSource struct {
	common.Component
	pool     *pgxpool.Pool
	bookings string
	drivers  string
}

// sanitizeTableName quote a possibly schema qualified table name
func sanitizeTableName(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

// NewPostgresSource define a new Postgres backed AssignmentSource
func NewPostgresSource(pool *pgxpool.Pool, bookingsTable, driversTable string) *PostgresSource {
	logTags := log.Fields{
		"module": "source", "component": "postgres", "instance": bookingsTable,
	}
	return &PostgresSource{
		Component: common.Component{LogTags: logTags},
		pool:      pool,
		bookings:  sanitizeTableName(bookingsTable),
		drivers:   sanitizeTableName(driversTable),
	}
}

// ReadAssignments read the assignment of multiple bookings in one query
func (s *PostgresSource) ReadAssignments(
	ctxt context.Context, bookings []common.BookingID,
) (map[common.BookingID]common.Assignment, error) {
	result := make(map[common.BookingID]common.Assignment, len(bookings))
	if len(bookings) == 0 {
		return result, nil
	}
	rows, err := s.pool.Query(
		ctxt,
		fmt.Sprintf("SELECT id, assigned_driver_id FROM %s WHERE id = ANY($1)", s.bookings),
		bookingsToInt64(bookings),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query booking assignments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var driver *int64
		if err := rows.Scan(&id, &driver); err != nil {
			return nil, fmt.Errorf("failed to scan booking assignment: %w", err)
		}
		result[common.BookingID(id)] = common.AssignmentFromNullable(driver)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read booking assignments: %w", err)
	}
	return result, nil
}

// ReadDriver read one driver
func (s *PostgresSource) ReadDriver(
	ctxt context.Context, driver common.DriverID,
) (common.DriverRecord, error) {
	var id int64
	var firstName, lastName, email, phone *string
	err := s.pool.QueryRow(
		ctxt,
		fmt.Sprintf(
			"SELECT id, firstname, lastname, email, phone FROM %s WHERE id = $1", s.drivers,
		),
		int64(driver),
	).Scan(&id, &firstName, &lastName, &email, &phone)
	if errors.Is(err, pgx.ErrNoRows) {
		return common.DriverRecord{}, ErrNotFound
	}
	if err != nil {
		return common.DriverRecord{}, fmt.Errorf("failed to query driver %d: %w", driver, err)
	}
	return common.DriverRecord{
		ID:        common.DriverID(id),
		FirstName: derefString(firstName),
		LastName:  derefString(lastName),
		Email:     derefString(email),
		Phone:     derefString(phone),
	}, nil
}

// ReadCurrentState read a booking's assignment along with its driver
func (s *PostgresSource) ReadCurrentState(
	ctxt context.Context, booking common.BookingID,
) (CurrentState, error) {
	var bookingID int64
	var assigned, driverID *int64
	var firstName, lastName, email, phone *string
	err := s.pool.QueryRow(
		ctxt,
		fmt.Sprintf(
			`SELECT b.id, b.assigned_driver_id, d.id, d.firstname, d.lastname, d.email, d.phone
FROM %s b LEFT JOIN %s d ON d.id = b.assigned_driver_id WHERE b.id = $1`,
			s.bookings, s.drivers,
		),
		int64(booking),
	).Scan(&bookingID, &assigned, &driverID, &firstName, &lastName, &email, &phone)
	if errors.Is(err, pgx.ErrNoRows) {
		return CurrentState{}, ErrNotFound
	}
	if err != nil {
		return CurrentState{}, fmt.Errorf("failed to query booking %s: %w", booking, err)
	}
	result := CurrentState{
		BookingID:  common.BookingID(bookingID),
		Assignment: common.AssignmentFromNullable(assigned),
	}
	if driverID != nil && result.Assignment.IsAssigned() {
		result.Driver = &common.DriverRecord{
			ID:        common.DriverID(*driverID),
			FirstName: derefString(firstName),
			LastName:  derefString(lastName),
			Email:     derefString(email),
			Phone:     derefString(phone),
		}
	}
	return result, nil
}

// Ping check the database is reachable
func (s *PostgresSource) Ping(ctxt context.Context) error {
	return s.pool.Ping(ctxt)
}

// Close release the database connections
func (s *PostgresSource) Close() error {
	s.pool.Close()
	log.WithFields(s.LogTags).Info("Closed connection pool")
	return nil
}
