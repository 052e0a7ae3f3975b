package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Session is the part of *sql.DB a Handle needs.
type Session interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	PingContext(ctx context.Context) error
	Close() error
}

// Handle is one established database session. Session-level errors seen
// through a Handle are reported to the Manager that created it.
type Handle struct {
	session       Session
	generation    uint64
	establishedAt time.Time
	report        func(*Handle, error)

	stopKeepAlive context.CancelFunc
	closeOnce     sync.Once
	// reported is set once an error for this handle went to the manager.
	reported atomic.Bool
}

// pool is implemented by *sql.DB. Sessions that don't implement it are
// pinged directly.
type pool interface {
	Conn(ctx context.Context) (*sql.Conn, error)
	Stats() sql.DBStats
}

func newHandle(s Session, generation uint64, report func(*Handle, error)) *Handle {
	return &Handle{
		session:       s,
		generation:    generation,
		establishedAt: time.Now().UTC(),
		report:        report,
	}
}

// Detached wraps s in a handle no manager owns. Errors seen through it
// are returned to the caller and reported nowhere.
func Detached(s Session) *Handle {
	return newHandle(s, 0, nil)
}

// Generation numbers handles in the order they were established, from 1.
func (h *Handle) Generation() uint64 { return h.generation }

// EstablishedAt is when the session was opened.
func (h *Handle) EstablishedAt() time.Time { return h.establishedAt }

func (h *Handle) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := h.session.ExecContext(ctx, query, args...)
	h.Observe(err)
	return res, err
}

func (h *Handle) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := h.session.QueryContext(ctx, query, args...)
	h.Observe(err)
	return rows, err
}

// QueryRowContext runs a query expected to return at most one row. Errors
// are observed when the row is scanned.
func (h *Handle) QueryRowContext(ctx context.Context, query string, args ...any) *Row {
	return &Row{row: h.session.QueryRowContext(ctx, query, args...), h: h}
}

func (h *Handle) PingContext(ctx context.Context) error {
	err := h.session.PingContext(ctx)
	h.Observe(err)
	return err
}

// Observe reports err to the manager when it concerns the session rather
// than a single statement. Use it for errors from rows.Err and rows.Scan.
func (h *Handle) Observe(err error) {
	if err == nil || h.report == nil {
		return
	}
	if Classify(err) == ClassStatement {
		if !isContextErr(err) || !h.sessionClosed() {
			return
		}
		// The driver closes the connection when a statement's context
		// ends mid-flight, and the pinned session cannot redial.
		err = fmt.Errorf("%w: connection closed by cancelled statement: %w", ErrConnectionLost, err)
	}
	h.report(h, err)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// sessionClosed reports whether the session's pool holds no connection.
func (h *Handle) sessionClosed() bool {
	p, ok := h.session.(pool)
	return ok && p.Stats().OpenConnections == 0
}

// ping checks the session. The wait for the connection is bounded only
// by ctx, so a long statement holding it is not mistaken for a dead
// server; timeout applies to the round trip alone.
func (h *Handle) ping(ctx context.Context, timeout time.Duration) error {
	p, ok := h.session.(pool)
	if !ok {
		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return h.session.PingContext(pingCtx)
	}
	conn, err := p.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return conn.PingContext(pingCtx)
}

func (h *Handle) keepAlive(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	timeout := every
	if timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := h.ping(ctx, timeout)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if Classify(err) == ClassStatement {
			// The ping held the connection, so a timeout or an unknown
			// failure means the server stopped answering.
			err = fmt.Errorf("%w: keepalive ping: %w", ErrConnectionLost, err)
		}
		if h.report != nil {
			h.report(h, err)
		}
		return
	}
}

func (h *Handle) close() error {
	var err error
	h.closeOnce.Do(func() {
		if h.stopKeepAlive != nil {
			h.stopKeepAlive()
		}
		err = h.session.Close()
	})
	return err
}

// Row wraps *sql.Row so scan errors reach the manager.
type Row struct {
	row *sql.Row
	h   *Handle
}

func (r *Row) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	r.h.Observe(err)
	return err
}
