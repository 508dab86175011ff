package source

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alwitt/bookingrelay/common"
	"github.com/alwitt/bookingrelay/core"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// Set BOOKINGRELAY_TEST_POSTGRES_URI to run against a live Postgres
const testPostgresURIEnv = "BOOKINGRELAY_TEST_POSTGRES_URI"

func TestPostgresSource(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uri := os.Getenv(testPostgresURIEnv)
	if uri == "" {
		t.Skipf("%s not set", testPostgresURIEnv)
	}

	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()
	pool, err := core.ConnectPostgres(ctxt, common.DatabaseConfig{
		Driver: "postgres", URI: uri, MaxConnections: 2, ConnectTimeout: 10,
	})
	assert.Nil(err)
	if err != nil {
		return
	}

	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")
	bookings := fmt.Sprintf("bookings_%s", suffix)
	drivers := fmt.Sprintf("drivers_%s", suffix)
	statements := []string{
		fmt.Sprintf(
			`CREATE TABLE %s (id BIGINT PRIMARY KEY, assigned_driver_id BIGINT NULL)`, bookings,
		),
		fmt.Sprintf(
			`CREATE TABLE %s (
				id BIGINT PRIMARY KEY, firstname TEXT, lastname TEXT, email TEXT, phone TEXT
			)`, drivers,
		),
		fmt.Sprintf(
			`INSERT INTO %s VALUES (7, 'Ada', 'Lovelace', 'ada@example.com', '555-0100')`, drivers,
		),
		fmt.Sprintf(`INSERT INTO %s VALUES (1, NULL), (2, 0), (3, 7), (4, 99)`, bookings),
	}
	for _, statement := range statements {
		_, err := pool.Exec(ctxt, statement)
		assert.Nil(err)
	}

	uut := NewPostgresSource(pool, bookings, drivers)
	defer func() {
		for _, table := range []string{bookings, drivers} {
			_, err := pool.Exec(context.Background(), fmt.Sprintf("DROP TABLE %s", table))
			assert.Nil(err)
		}
		assert.Nil(uut.Close())
	}()

	assert.Nil(uut.Ping(ctxt))

	// Case 0: batched read
	{
		result, err := uut.ReadAssignments(ctxt, []common.BookingID{1, 2, 3, 4, 404})
		assert.Nil(err)
		assert.Len(result, 4)
		assert.False(result[1].IsAssigned())
		assert.False(result[2].IsAssigned())
		assert.True(result[3].Equal(common.AssignedTo(7)))
	}

	// Case 1: read driver
	{
		driver, err := uut.ReadDriver(ctxt, 7)
		assert.Nil(err)
		assert.Equal("Lovelace", driver.LastName)
		_, err = uut.ReadDriver(ctxt, 99)
		assert.Equal(ErrNotFound, err)
	}

	// Case 2: current state
	{
		state, err := uut.ReadCurrentState(ctxt, 3)
		assert.Nil(err)
		assert.NotNil(state.Driver)
		state, err = uut.ReadCurrentState(ctxt, 4)
		assert.Nil(err)
		assert.Nil(state.Driver)
		_, err = uut.ReadCurrentState(ctxt, 404)
		assert.Equal(ErrNotFound, err)
	}
}
