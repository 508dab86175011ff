package source

import (
	"context"
	"fmt"

	"github.com/alwitt/bookingrelay/common"
	"github.com/alwitt/bookingrelay/core"
)

// ErrNotFound the requested record does not exist
var ErrNotFound = fmt.Errorf("record not found")

// CurrentState assignment of a booking joined with its driver
type CurrentState struct {
	// BookingID the booking
	BookingID common.BookingID
	// Assignment the booking's driver assignment
	Assignment common.Assignment
	// Driver the assigned driver. Nil when unassigned, or when the assigned driver
	// does not exist.
	Driver *common.DriverRecord
}

// AssignmentSource read booking assignments and driver details from the booking database
type AssignmentSource interface {
	// ReadAssignments read the assignment of multiple bookings in one query. Bookings
	// which do not exist are absent from the result.
	ReadAssignments(
		ctxt context.Context, bookings []common.BookingID,
	) (map[common.BookingID]common.Assignment, error)
	// ReadDriver read one driver. Returns ErrNotFound if the driver does not exist.
	ReadDriver(ctxt context.Context, driver common.DriverID) (common.DriverRecord, error)
	// ReadCurrentState read a booking's assignment along with its driver. Returns
	// ErrNotFound if the booking does not exist.
	ReadCurrentState(ctxt context.Context, booking common.BookingID) (CurrentState, error)
	// Ping check the database is reachable
	Ping(ctxt context.Context) error
	// Close release the database connections
	Close() error
}

// ConnectAssignmentSource connect to the configured booking database
func ConnectAssignmentSource(
	ctxt context.Context, cfg common.DatabaseConfig,
) (AssignmentSource, error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := core.ConnectPostgres(ctxt, cfg)
		if err != nil {
			return nil, err
		}
		return NewPostgresSource(pool, cfg.BookingsTable, cfg.DriversTable), nil
	case "sqlite3":
		db, err := core.OpenSQLite(ctxt, cfg)
		if err != nil {
			return nil, err
		}
		return NewSQLiteSource(db, cfg.BookingsTable, cfg.DriversTable), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %s", cfg.Driver)
	}
}

func bookingsToInt64(bookings []common.BookingID) []int64 {
	result := make([]int64, 0, len(bookings))
	for _, booking := range bookings {
		result = append(result, int64(booking))
	}
	return result
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
