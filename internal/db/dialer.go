package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"sync/atomic"

	"github.com/go-sql-driver/mysql"
)

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context, p Params) (Session, error)
}

// MySQLDialer opens MySQL sessions with go-sql-driver/mysql.
type MySQLDialer struct{}

// Dial returns a *sql.DB pinned to a single physical connection that has
// already answered a ping.
func (MySQLDialer) Dial(ctx context.Context, p Params) (Session, error) {
	connector, err := mysql.NewConnector(p.Config())
	if err != nil {
		return nil, fmt.Errorf("mysql connector: %w", err)
	}

	db := sql.OpenDB(&pinnedConnector{Connector: connector})
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

// pinnedConnector dials once. database/sql silently replaces a broken
// connection with a fresh one, which would drop the session settings; the
// second dial fails with driver.ErrBadConn instead so the loss reaches
// the manager.
type pinnedConnector struct {
	driver.Connector
	dialed atomic.Bool
}

func (c *pinnedConnector) Connect(ctx context.Context) (driver.Conn, error) {
	if c.dialed.Swap(true) {
		return nil, fmt.Errorf("session replaced: %w", driver.ErrBadConn)
	}
	return c.Connector.Connect(ctx)
}
