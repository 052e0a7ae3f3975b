package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"rest-api/backend/internal/db"
)

const usersTable = `
CREATE TABLE IF NOT EXISTS users (
	id VARCHAR(64) PRIMARY KEY,
	username VARCHAR(255) NOT NULL UNIQUE,
	password VARCHAR(255) NOT NULL,
	role VARCHAR(32) NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`

// Admin is the account seeded when the table has no user by that name.
// An empty Username disables seeding.
type Admin struct {
	Username string
	Password string
}

// Bootstrap returns a hook for db.WithOnConnect. It creates the users
// table and seeds the admin account on every new session, so a database
// that was recreated while the process ran is usable again after the
// reconnect.
func Bootstrap(admin Admin, logger *zap.Logger) func(context.Context, *db.Handle) error {
	return func(ctx context.Context, h *db.Handle) error {
		if _, err := h.ExecContext(ctx, usersTable); err != nil {
			return fmt.Errorf("create users: %w", err)
		}
		if admin.Username == "" {
			return nil
		}

		var count int
		err := h.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE username = ?", admin.Username).Scan(&count)
		if err != nil {
			return fmt.Errorf("seed admin check: %w", err)
		}
		if count > 0 {
			return nil
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(admin.Password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("seed admin hash: %w", err)
		}
		_, err = h.ExecContext(ctx,
			"INSERT INTO users (id, username, password, role) VALUES (?, ?, ?, ?)",
			uuid.NewString(), admin.Username, string(hash), RoleAdmin)
		if err != nil {
			// Another instance seeded it first.
			if errors.Is(mapErr(err), ErrDuplicate) {
				return nil
			}
			return fmt.Errorf("seed admin insert: %w", err)
		}
		logger.Info("seeded admin user", zap.String("username", admin.Username))
		return nil
	}
}
