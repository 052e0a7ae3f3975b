// Package users stores API accounts in the managed MySQL session.
package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"rest-api/backend/internal/db"
)

const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

const (
	maxUsername = 255
	minPassword = 8
	// bcrypt ignores everything past 72 bytes.
	maxPassword = 72

	erDupEntry = 1062

	// statementTimeout bounds every query. Queries do not inherit the
	// caller's cancellation: the driver closes the connection on a
	// cancelled statement, and the session is shared by all requests.
	statementTimeout = 10 * time.Second
)

var (
	ErrNotFound           = errors.New("users: not found")
	ErrDuplicate          = errors.New("users: username already taken")
	ErrInvalid            = errors.New("users: invalid user")
	ErrInvalidCredentials = errors.New("users: invalid username or password")
	// ErrUnavailable means there is no usable database session right now.
	ErrUnavailable = errors.New("users: database unavailable")
)

// User is an account. The hash never leaves the package in JSON.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Source hands out the session currently installed, or nil.
type Source interface {
	Current() *db.Handle
}

// Store reads and writes the users table through whatever session Source
// has installed at the time of each call.
type Store struct {
	src  Source
	cost int
}

// NewStore returns a store using bcrypt's default cost.
func NewStore(src Source) *Store {
	return &Store{src: src, cost: bcrypt.DefaultCost}
}

func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), statementTimeout)
}

func (s *Store) handle() (*db.Handle, error) {
	h := s.src.Current()
	if h == nil {
		return nil, ErrUnavailable
	}
	return h, nil
}

// Create adds a user with a freshly hashed password.
func (s *Store) Create(ctx context.Context, username, password, role string) (User, error) {
	username = strings.TrimSpace(username)
	if err := validate(username, password, role); err != nil {
		return User{}, err
	}
	h, err := s.handle()
	if err != nil {
		return User{}, err
	}

	ctx, cancel := detach(ctx)
	defer cancel()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}
	u := User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	_, err = h.ExecContext(ctx,
		"INSERT INTO users (id, username, password, role, created_at) VALUES (?, ?, ?, ?, ?)",
		u.ID, u.Username, u.PasswordHash, u.Role, u.CreatedAt)
	if err != nil {
		return User{}, mapErr(err)
	}
	return u, nil
}

// ByUsername looks a user up by name.
func (s *Store) ByUsername(ctx context.Context, username string) (User, error) {
	return s.one(ctx, "WHERE username = ?", username)
}

// ByID looks a user up by id.
func (s *Store) ByID(ctx context.Context, id string) (User, error) {
	return s.one(ctx, "WHERE id = ?", id)
}

func (s *Store) one(ctx context.Context, where string, arg any) (User, error) {
	h, err := s.handle()
	if err != nil {
		return User{}, err
	}
	ctx, cancel := detach(ctx)
	defer cancel()

	var u User
	err = h.QueryRowContext(ctx,
		"SELECT id, username, password, role, created_at FROM users "+where, arg).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err != nil {
		return User{}, mapErr(err)
	}
	return u, nil
}

// List returns admins first, then everyone else, by username.
func (s *Store) List(ctx context.Context) ([]User, error) {
	h, err := s.handle()
	if err != nil {
		return nil, err
	}
	ctx, cancel := detach(ctx)
	defer cancel()

	rows, err := h.QueryContext(ctx, `
		SELECT id, username, password, role, created_at
		FROM users
		ORDER BY CASE WHEN role = 'admin' THEN 0 ELSE 1 END, username ASC`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	list := make([]User, 0, 32)
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt); err != nil {
			h.Observe(err)
			return nil, mapErr(err)
		}
		list = append(list, u)
	}
	if err := rows.Err(); err != nil {
		h.Observe(err)
		return nil, mapErr(err)
	}
	return list, nil
}

// Delete removes the user with id.
func (s *Store) Delete(ctx context.Context, id string) error {
	h, err := s.handle()
	if err != nil {
		return err
	}
	ctx, cancel := detach(ctx)
	defer cancel()

	res, err := h.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapErr(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Authenticate returns the user when password matches. Unknown users and
// wrong passwords both yield ErrInvalidCredentials.
func (s *Store) Authenticate(ctx context.Context, username, password string) (User, error) {
	u, err := s.ByUsername(ctx, strings.TrimSpace(username))
	if errors.Is(err, ErrNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return u, nil
}

func validate(username, password, role string) error {
	switch {
	case username == "":
		return fmt.Errorf("%w: username is required", ErrInvalid)
	case utf8.RuneCountInString(username) > maxUsername:
		return fmt.Errorf("%w: username is longer than %d characters", ErrInvalid, maxUsername)
	case len(password) < minPassword:
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalid, minPassword)
	case len(password) > maxPassword:
		return fmt.Errorf("%w: password must be at most %d bytes", ErrInvalid, maxPassword)
	case role != RoleAdmin && role != RoleUser:
		return fmt.Errorf("%w: unknown role %q", ErrInvalid, role)
	}
	return nil
}

// mapErr turns driver errors into the package's sentinels. Errors that
// concern the session rather than the statement become ErrUnavailable.
func mapErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == erDupEntry {
		return ErrDuplicate
	}
	if db.Classify(err) != db.ClassStatement {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}
