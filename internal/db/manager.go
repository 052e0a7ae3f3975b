// Package db owns the process's database session: it opens it, hands it
// to request handlers and reopens it when the server drops it.
package db

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// State of the managed session.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

const (
	eventBuffer    = 16
	connectTimeout = 15 * time.Second
)

// Option configures a Manager.
type Option func(*Manager)

// WithRetryDelay sets the fixed pause between failed connect attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(m *Manager) { m.retryDelay = d }
}

// WithKeepAlive sets how often an idle session is pinged. Zero disables it.
func WithKeepAlive(d time.Duration) Option {
	return func(m *Manager) { m.keepAlive = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics records connection history in mt.
func WithMetrics(mt *Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithOnConnect runs fn on every new session after the session init
// statement and before the session is installed.
func WithOnConnect(fn func(ctx context.Context, h *Handle) error) Option {
	return func(m *Manager) { m.onConnect = fn }
}

type event struct {
	h   *Handle
	err error
}

// Manager keeps exactly one usable session installed and replaces it
// when it is lost. Current is safe for concurrent use; everything else
// happens on the goroutine running Run.
type Manager struct {
	dialer     Dialer
	params     Params
	retryDelay time.Duration
	keepAlive  time.Duration
	onConnect  func(context.Context, *Handle) error
	logger     *zap.Logger
	metrics    *Metrics

	handle  atomic.Pointer[Handle]
	state   atomic.Int32
	running atomic.Bool
	events  chan event
	done    chan struct{}

	// Owned by the Run goroutine.
	generation uint64
	broken     *Handle
}

// NewManager returns a manager in the Connecting state. Call Run to
// open the first session.
func NewManager(dialer Dialer, params Params, opts ...Option) *Manager {
	m := &Manager{
		dialer:     dialer,
		params:     params,
		retryDelay: 2 * time.Second,
		logger:     zap.NewNop(),
		events:     make(chan event, eventBuffer),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.state.Store(int32(StateConnecting))
	return m
}

// Current returns the installed handle, or nil before the first
// successful connect.
func (m *Manager) Current() *Handle {
	return m.handle.Load()
}

// State returns the current state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Report hands a session-level error seen on the current handle to the
// manager. It never blocks.
func (m *Manager) Report(err error) {
	m.report(m.Current(), err)
}

// report queues at most one event per handle. Run acts on the first
// error of a handle and ignores the rest, so later ones are dropped here
// instead of piling up behind a full buffer.
func (m *Manager) report(h *Handle, err error) {
	if h == nil || !h.reported.CompareAndSwap(false, true) {
		return
	}
	ev := event{h: h, err: err}
	select {
	case m.events <- ev:
		return
	case <-m.done:
		return
	default:
	}
	go func() {
		select {
		case m.events <- ev:
		case <-m.done:
		}
	}()
}

// Run opens the session and keeps it open until ctx is done. It returns
// nil when ctx is cancelled and a *FatalError when the database reports
// an error that is not a lost connection.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(m.done)
	defer m.shutdown()

	var (
		retry  *time.Timer
		retryC <-chan time.Time
	)
	defer func() {
		if retry != nil {
			retry.Stop()
		}
	}()

	// connect returns a non-nil error only when it is fatal.
	connect := func() error {
		err := m.establish(ctx)
		if err == nil {
			return nil
		}
		var fatal *FatalError
		if errors.As(err, &fatal) {
			return err
		}
		retry = time.NewTimer(m.retryDelay)
		retryC = retry.C
		m.logger.Info("database reconnect scheduled", zap.Duration("delay", m.retryDelay))
		return nil
	}

	if err := connect(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-retryC:
			retry, retryC = nil, nil
			if err := connect(); err != nil {
				return err
			}

		case ev := <-m.events:
			if ev.h == nil || ev.h != m.handle.Load() || ev.h == m.broken {
				m.logger.Debug("ignoring error from replaced session",
					zap.Error(ev.err), zap.String("code", ErrorCode(ev.err)))
				continue
			}
			if Classify(ev.err) != ClassConnectionLost {
				return m.fail(ev.h.generation, ev.err)
			}

			m.broken = ev.h
			m.setState(StateDisconnected)
			m.metrics.connectionLost()
			m.logger.Warn("database connection lost",
				zap.Uint64("generation", ev.h.generation),
				zap.String("code", ErrorCode(ev.err)),
				zap.String("error", m.params.redact(ev.err)))

			if retryC != nil {
				continue
			}
			if err := connect(); err != nil {
				return err
			}
		}
	}
}

// establish opens one session and installs it. It returns a *FatalError
// for unrecoverable errors and an ErrConnectFailed error otherwise.
func (m *Manager) establish(ctx context.Context) error {
	m.setState(StateConnecting)
	m.generation++
	gen := m.generation

	attemptCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	session, err := m.dialer.Dial(attemptCtx, m.params)
	if err != nil {
		return m.connectFailed(gen, err)
	}

	h := newHandle(session, gen, m.report)
	if err := m.prepare(attemptCtx, h); err != nil {
		session.Close()
		if ctx.Err() != nil || Classify(err) == ClassConnectionLost || errors.Is(err, context.DeadlineExceeded) {
			return m.connectFailed(gen, err)
		}
		return m.fail(gen, err)
	}

	m.install(ctx, h)
	return nil
}

func (m *Manager) prepare(ctx context.Context, h *Handle) error {
	if _, err := h.session.ExecContext(ctx, m.params.SessionInit()); err != nil {
		return fmt.Errorf("session init: %w", err)
	}
	if m.onConnect != nil {
		if err := m.onConnect(ctx, h); err != nil {
			return fmt.Errorf("on connect: %w", err)
		}
	}
	return nil
}

func (m *Manager) install(ctx context.Context, h *Handle) {
	kaCtx, stop := context.WithCancel(ctx)
	h.stopKeepAlive = stop

	old := m.handle.Swap(h)
	m.broken = nil
	m.setState(StateConnected)
	m.metrics.attempt(true)
	m.metrics.setGeneration(h.generation)

	go h.keepAlive(kaCtx, m.keepAlive)

	if old != nil {
		if err := old.close(); err != nil {
			m.logger.Debug("closing replaced session", zap.Uint64("generation", old.generation), zap.Error(err))
		}
	}
	m.logger.Info("database connected",
		zap.String("target", m.params.String()),
		zap.Uint64("generation", h.generation),
		zap.Bool("reconnect", old != nil))
}

func (m *Manager) connectFailed(gen uint64, err error) error {
	m.setState(StateDisconnected)
	m.metrics.attempt(false)
	m.logger.Error("error when connecting to database",
		zap.Uint64("generation", gen),
		zap.String("code", ErrorCode(err)),
		zap.String("error", m.params.redact(err)))
	return fmt.Errorf("%w: %w", ErrConnectFailed, err)
}

func (m *Manager) fail(gen uint64, err error) error {
	m.setState(StateDisconnected)
	m.metrics.fatalError()
	fatal := &FatalError{
		Err:        err,
		Code:       ErrorCode(err),
		Generation: gen,
		At:         time.Now().UTC(),
	}
	m.logger.Error("fatal database error",
		zap.Uint64("generation", gen),
		zap.String("code", fatal.Code),
		zap.String("error", m.params.redact(err)))
	return fatal
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
	m.metrics.setState(s)
}

func (m *Manager) shutdown() {
	if h := m.handle.Load(); h != nil {
		if err := h.close(); err != nil {
			m.logger.Debug("closing session", zap.Error(err))
		}
	}
}
