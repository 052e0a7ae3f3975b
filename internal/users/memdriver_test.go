package users

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
)

// memTable is an in-memory users table that understands the statements
// Store and Bootstrap issue.
type memTable struct {
	mu     sync.Mutex
	rows   []User
	broken bool
}

func (t *memTable) setBroken(b bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.broken = b
}

func (t *memTable) exec(query string, args []driver.NamedValue) (driver.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.broken {
		return nil, mysql.ErrInvalidConn
	}
	switch {
	case strings.HasPrefix(query, "CREATE TABLE"):
		return driver.RowsAffected(0), nil

	case strings.HasPrefix(query, "INSERT INTO users"):
		u := User{
			ID:           args[0].Value.(string),
			Username:     args[1].Value.(string),
			PasswordHash: args[2].Value.(string),
			Role:         args[3].Value.(string),
			CreatedAt:    time.Now().UTC().Truncate(time.Second),
		}
		if len(args) > 4 {
			u.CreatedAt = args[4].Value.(time.Time)
		}
		for _, r := range t.rows {
			if r.Username == u.Username {
				return nil, &mysql.MySQLError{Number: 1062, Message: fmt.Sprintf("Duplicate entry '%s' for key 'username'", u.Username)}
			}
		}
		t.rows = append(t.rows, u)
		return driver.RowsAffected(1), nil

	case strings.HasPrefix(query, "DELETE FROM users WHERE id = ?"):
		id := args[0].Value.(string)
		for i, r := range t.rows {
			if r.ID == id {
				t.rows = append(t.rows[:i], t.rows[i+1:]...)
				return driver.RowsAffected(1), nil
			}
		}
		return driver.RowsAffected(0), nil
	}
	return nil, &mysql.MySQLError{Number: 1064, Message: "unsupported statement: " + query}
}

var userColumns = []string{"id", "username", "password", "role", "created_at"}

func (t *memTable) query(query string, args []driver.NamedValue) (driver.Rows, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.broken {
		return nil, mysql.ErrInvalidConn
	}
	query = strings.Join(strings.Fields(query), " ")

	var match func(User) bool
	switch {
	case strings.HasPrefix(query, "SELECT COUNT(*) FROM users WHERE username = ?"):
		n := int64(0)
		for _, r := range t.rows {
			if r.Username == args[0].Value.(string) {
				n++
			}
		}
		return &memRows{cols: []string{"COUNT(*)"}, data: [][]driver.Value{{n}}}, nil
	case strings.HasSuffix(query, "WHERE username = ?"):
		match = func(u User) bool { return u.Username == args[0].Value.(string) }
	case strings.HasSuffix(query, "WHERE id = ?"):
		match = func(u User) bool { return u.ID == args[0].Value.(string) }
	case strings.Contains(query, "ORDER BY"):
		match = func(User) bool { return true }
	default:
		return nil, &mysql.MySQLError{Number: 1064, Message: "unsupported query: " + query}
	}

	var selected []User
	for _, r := range t.rows {
		if match(r) {
			selected = append(selected, r)
		}
	}
	sort.SliceStable(selected, func(i, j int) bool {
		ai, aj := selected[i].Role == RoleAdmin, selected[j].Role == RoleAdmin
		if ai != aj {
			return ai
		}
		return selected[i].Username < selected[j].Username
	})
	rows := &memRows{cols: userColumns}
	for _, u := range selected {
		rows.data = append(rows.data, []driver.Value{u.ID, u.Username, u.PasswordHash, u.Role, u.CreatedAt})
	}
	return rows, nil
}

type memRows struct {
	cols []string
	data [][]driver.Value
	next int
}

func (r *memRows) Columns() []string { return r.cols }
func (r *memRows) Close() error      { return nil }

func (r *memRows) Next(dest []driver.Value) error {
	if r.next >= len(r.data) {
		return io.EOF
	}
	copy(dest, r.data[r.next])
	r.next++
	return nil
}

type memConn struct{ table *memTable }

func (c *memConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("memConn: prepare not supported")
}
func (c *memConn) Close() error { return nil }
func (c *memConn) Begin() (driver.Tx, error) {
	return nil, errors.New("memConn: transactions not supported")
}

func (c *memConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	return c.table.exec(strings.TrimSpace(query), args)
}

func (c *memConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	return c.table.query(strings.TrimSpace(query), args)
}

type memConnector struct{ table *memTable }

func (c memConnector) Connect(context.Context) (driver.Conn, error) { return &memConn{table: c.table}, nil }
func (c memConnector) Driver() driver.Driver                       { return memDriver{} }

type memDriver struct{}

func (memDriver) Open(string) (driver.Conn, error) {
	return nil, errors.New("memDriver: use the connector")
}

func openMem() (*sql.DB, *memTable) {
	table := &memTable{}
	return sql.OpenDB(memConnector{table: table}), table
}
