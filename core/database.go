package core

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alwitt/bookingrelay/common"
	"github.com/apex/log"
	"github.com/jackc/pgx/v5/pgxpool"

	// sqlite3 database/sql driver
	_ "github.com/mattn/go-sqlite3"
)

// ConnectPostgres define a new Postgres connection pool, and verify the database is
// reachable
func ConnectPostgres(ctxt context.Context, cfg common.DatabaseConfig) (*pgxpool.Pool, error) {
	logTags := log.Fields{
		"module": "core", "component": "database", "instance": "postgres",
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.URI)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid Postgres URI")
		return nil, fmt.Errorf("failed to parse database URI: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConnections
	poolCfg.ConnConfig.ConnectTimeout = time.Second * time.Duration(cfg.ConnectTimeout)

	pool, err := pgxpool.NewWithConfig(ctxt, poolCfg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to create connection pool")
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	useContext, cancel := context.WithTimeout(
		ctxt, time.Second*time.Duration(cfg.ConnectTimeout),
	)
	defer cancel()
	if err := pool.Ping(useContext); err != nil {
		pool.Close()
		log.WithError(err).WithFields(logTags).Error("Database not reachable")
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	log.WithFields(logTags).Infof(
		"Connected to %s:%d/%s",
		poolCfg.ConnConfig.Host,
		poolCfg.ConnConfig.Port,
		poolCfg.ConnConfig.Database,
	)
	return pool, nil
}

// OpenSQLite open a SQLite database file. Use ":memory:" for a private in-memory database.
func OpenSQLite(ctxt context.Context, cfg common.DatabaseConfig) (*sql.DB, error) {
	logTags := log.Fields{
		"module": "core", "component": "database", "instance": "sqlite3",
	}
	db, err := sql.Open("sqlite3", cfg.URI)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to open database")
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	// One connection so an in-memory database is shared by every query
	db.SetMaxOpenConns(1)
	useContext, cancel := context.WithTimeout(
		ctxt, time.Second*time.Duration(cfg.ConnectTimeout),
	)
	defer cancel()
	if err := db.PingContext(useContext); err != nil {
		_ = db.Close()
		log.WithError(err).WithFields(logTags).Error("Database not reachable")
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	log.WithFields(logTags).Infof("Opened %s", cfg.URI)
	return db, nil
}
