package dataplane

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/bookingrelay/common"
	"github.com/alwitt/bookingrelay/core"
	"github.com/alwitt/bookingrelay/metrics"
	"github.com/alwitt/bookingrelay/source"
	"github.com/alwitt/bookingrelay/subscription"
)

type dataplaneTestEnv struct {
	registry   subscription.Registry
	source     source.AssignmentSource
	collector  *metrics.Collector
	controller SessionController
}

// setupDataplaneTest start a registry over an in-memory booking database holding
//
//	booking 1: unassigned
//	booking 2: driver 7
//	booking 3: driver 99, which does not exist
func setupDataplaneTest(
	t *testing.T, ctxt context.Context, wg *sync.WaitGroup,
) dataplaneTestEnv {
	db, err := core.OpenSQLite(ctxt, common.DatabaseConfig{
		Driver: "sqlite3", URI: ":memory:", ConnectTimeout: 5,
	})
	if err != nil {
		t.Fatalf("database: %s", err)
	}
	statements := []string{
		`CREATE TABLE bookings (id INTEGER PRIMARY KEY, assigned_driver_id INTEGER NULL)`,
		`CREATE TABLE drivers (
			id INTEGER PRIMARY KEY,
			firstname TEXT, lastname TEXT, email TEXT, phone TEXT
		)`,
		`INSERT INTO drivers (id, firstname, lastname, email, phone) VALUES
			(7, 'Ada', 'Lovelace', 'ada@example.com', '555-0100')`,
		`INSERT INTO bookings (id, assigned_driver_id) VALUES (1, NULL), (2, 7), (3, 99)`,
	}
	for _, statement := range statements {
		if _, err := db.Exec(statement); err != nil {
			t.Fatalf("failed to seed database: %s", err)
		}
	}
	src := source.NewSQLiteSource(db, "bookings", "drivers")

	tp, err := common.GetNewTaskProcessorInstance(ctxt, "unit-test", 4)
	if err != nil {
		t.Fatalf("task processor: %s", err)
	}
	registry, err := subscription.DefineRegistry(tp, true)
	if err != nil {
		t.Fatalf("registry: %s", err)
	}
	if err := tp.StartEventLoop(wg); err != nil {
		t.Fatalf("event loop: %s", err)
	}
	collector := metrics.NewMetricsCollector()
	return dataplaneTestEnv{
		registry:   registry,
		source:     src,
		collector:  collector,
		controller: DefineSessionController(registry, src, collector, time.Second),
	}
}
