package db

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

type fakeResult struct{}

func (fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (fakeResult) RowsAffected() (int64, error) { return 0, nil }

// fakeSession records statements. It never talks to a server.
type fakeSession struct {
	id int

	mu      sync.Mutex
	execs   []string
	execErr error
	pingErr error
	closed  bool

	// exposedDuringExec is set when the session was already installed
	// as the manager's current handle while a statement ran.
	exposedDuringExec atomic.Bool
	mgr               *Manager
}

func (s *fakeSession) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if s.mgr != nil {
		if h := s.mgr.Current(); h != nil && h.session == s {
			s.exposedDuringExec.Store(true)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs = append(s.execs, query)
	if s.execErr != nil {
		err := s.execErr
		s.execErr = nil
		return nil, err
	}
	return fakeResult{}, nil
}

func (s *fakeSession) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return nil, errors.New("fakeSession: queries not supported")
}

func (s *fakeSession) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return nil
}

func (s *fakeSession) PingContext(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) setPingErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingErr = err
}

func (s *fakeSession) statements() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.execs...)
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeDialer fails while down is set and otherwise hands out new
// fakeSessions.
type fakeDialer struct {
	mgr *Manager

	down    atomic.Bool
	dialErr error
	execErr error // applied to the next session only

	mu       sync.Mutex
	attempts []time.Time
	sessions []*fakeSession
}

func (d *fakeDialer) Dial(ctx context.Context, p Params) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts = append(d.attempts, time.Now())
	if d.down.Load() {
		if d.dialErr != nil {
			return nil, d.dialErr
		}
		return nil, errors.New("dial tcp 127.0.0.1:3306: connect: connection refused")
	}
	s := &fakeSession{id: len(d.sessions) + 1, mgr: d.mgr, execErr: d.execErr}
	d.execErr = nil
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDialer) attemptTimes() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.attempts...)
}

func (d *fakeDialer) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.attempts)
}

func (d *fakeDialer) session(i int) *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.sessions) {
		return nil
	}
	return d.sessions[i]
}

func (d *fakeDialer) sessionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}
