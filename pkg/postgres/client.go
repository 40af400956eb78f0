// Package postgres wraps a database/sql pool on lib/pq with connect retries,
// idempotent schema setup, and a transaction helper.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/resilience"
	_ "github.com/lib/pq"
)

const (
	connectAttempts = 5
	pingTimeout     = 5 * time.Second
)

type Client struct {
	DB     *sql.DB
	logger *slog.Logger
}

// New opens the pool and waits for the server to answer a ping, backing off
// between attempts so the pipeline can start alongside its database.
func New(ctx context.Context, cfg config.PostgresConfig) (*Client, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	err = resilience.Do(ctx, "postgres-connect", resilience.Policy{
		MaxAttempts: connectAttempts,
		Backoff:     resilience.Exponential(500 * time.Millisecond),
	}, func(ctx context.Context, _ int) error {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		return db.PingContext(pingCtx)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return &Client{
		DB:     db,
		logger: slog.Default().With("component", "postgres", "database", cfg.Database),
	}, nil
}

func (c *Client) Close() error {
	return c.DB.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.DB.PingContext(ctx)
}

// EnsureSchema applies an idempotent DDL script for the named table.
func (c *Client) EnsureSchema(ctx context.Context, table, ddl string) error {
	if _, err := c.DB.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("creating %s: %w", table, err)
	}
	c.logger.Debug("schema ready", "table", table)
	return nil
}

// InTx runs fn inside a transaction, committing on success and rolling back
// if fn fails.
func (c *Client) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rolling back transaction after error %v: %w", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
