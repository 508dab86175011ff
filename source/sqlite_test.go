package source

import (
	"context"
	"database/sql"
	"testing"

	"github.com/alwitt/bookingrelay/common"
	"github.com/alwitt/bookingrelay/core"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func seedTestDatabase(t *testing.T, db *sql.DB) {
	statements := []string{
		`CREATE TABLE bookings (id INTEGER PRIMARY KEY, assigned_driver_id INTEGER NULL)`,
		`CREATE TABLE drivers (
			id INTEGER PRIMARY KEY,
			firstname TEXT, lastname TEXT, email TEXT, phone TEXT
		)`,
		`INSERT INTO drivers (id, firstname, lastname, email, phone) VALUES
			(7, 'Ada', 'Lovelace', 'ada@example.com', '555-0100'),
			(8, 'Alan', NULL, NULL, '555-0101')`,
		`INSERT INTO bookings (id, assigned_driver_id) VALUES
			(1, NULL), (2, 0), (3, 7), (4, 99), (5, 8)`,
	}
	for _, statement := range statements {
		if _, err := db.Exec(statement); err != nil {
			t.Fatalf("failed to seed database: %s", err)
		}
	}
}

func TestSQLiteSource(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt := context.Background()
	db, err := core.OpenSQLite(ctxt, common.DatabaseConfig{
		Driver: "sqlite3", URI: ":memory:", ConnectTimeout: 5,
	})
	assert.Nil(err)
	seedTestDatabase(t, db)
	uut := NewSQLiteSource(db, "bookings", "drivers")
	defer func() {
		assert.Nil(uut.Close())
	}()

	assert.Nil(uut.Ping(ctxt))

	// Case 0: empty batch
	{
		result, err := uut.ReadAssignments(ctxt, []common.BookingID{})
		assert.Nil(err)
		assert.Empty(result)
	}

	// Case 1: batched read, NULL and 0 are both unassigned
	{
		result, err := uut.ReadAssignments(ctxt, []common.BookingID{1, 2, 3, 4, 404})
		assert.Nil(err)
		assert.Len(result, 4)
		assert.False(result[1].IsAssigned())
		assert.False(result[2].IsAssigned())
		assert.True(result[3].Equal(common.AssignedTo(7)))
		assert.True(result[4].Equal(common.AssignedTo(99)))
		_, ok := result[404]
		assert.False(ok)
	}

	// Case 2: read driver
	{
		driver, err := uut.ReadDriver(ctxt, 7)
		assert.Nil(err)
		assert.Equal(common.DriverRecord{
			ID: 7, FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com", Phone: "555-0100",
		}, driver)
		driver, err = uut.ReadDriver(ctxt, 8)
		assert.Nil(err)
		assert.Equal("", driver.LastName)
		assert.Equal("555-0101", driver.Phone)
	}

	// Case 3: unknown driver
	{
		_, err := uut.ReadDriver(ctxt, 99)
		assert.Equal(ErrNotFound, err)
	}

	// Case 4: current state of an assigned booking
	{
		state, err := uut.ReadCurrentState(ctxt, 3)
		assert.Nil(err)
		assert.Equal(common.BookingID(3), state.BookingID)
		assert.True(state.Assignment.Equal(common.AssignedTo(7)))
		assert.NotNil(state.Driver)
		assert.Equal("Ada", state.Driver.FirstName)
	}

	// Case 5: current state of unassigned bookings
	for _, booking := range []common.BookingID{1, 2} {
		state, err := uut.ReadCurrentState(ctxt, booking)
		assert.Nil(err)
		assert.False(state.Assignment.IsAssigned())
		assert.Nil(state.Driver)
	}

	// Case 6: current state with a dangling driver
	{
		state, err := uut.ReadCurrentState(ctxt, 4)
		assert.Nil(err)
		assert.True(state.Assignment.Equal(common.AssignedTo(99)))
		assert.Nil(state.Driver)
	}

	// Case 7: unknown booking
	{
		_, err := uut.ReadCurrentState(ctxt, 404)
		assert.Equal(ErrNotFound, err)
	}
}

func TestConnectAssignmentSource(t *testing.T) {
	assert := assert.New(t)

	// Case 0: unsupported driver
	{
		_, err := ConnectAssignmentSource(context.Background(), common.DatabaseConfig{
			Driver: "mysql", URI: "localhost",
		})
		assert.NotNil(err)
	}

	// Case 1: sqlite3
	{
		uut, err := ConnectAssignmentSource(context.Background(), common.DatabaseConfig{
			Driver: "sqlite3", URI: ":memory:", ConnectTimeout: 5,
		})
		assert.Nil(err)
		assert.Nil(uut.Ping(context.Background()))
		assert.Nil(uut.Close())
	}
}

func TestQuoteTableNames(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(`"bookings"`, quoteSQLiteIdentifier("bookings"))
	assert.Equal(`"book""ings"`, quoteSQLiteIdentifier(`book"ings`))
	assert.Equal(`"bookings"`, sanitizeTableName("bookings"))
	assert.Equal(`"public"."bookings"`, sanitizeTableName("public.bookings"))
}
