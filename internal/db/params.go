package db

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// TimeZone is the session time zone. It is not configurable.
const TimeZone = "UTC"

const dialTimeout = 10 * time.Second

// Params describes how to open a session. It is built once from
// configuration and never modified afterwards.
type Params struct {
	Host     string
	User     string
	Password string
	Name     string
	SQLMode  string
}

// Config returns the driver configuration for p.
func (p Params) Config() *mysql.Config {
	cfg := mysql.NewConfig()
	cfg.User = p.User
	cfg.Passwd = p.Password
	cfg.Net = "tcp"
	cfg.Addr = p.Host
	cfg.DBName = p.Name
	cfg.Loc = time.UTC
	cfg.ParseTime = true
	cfg.Timeout = dialTimeout
	cfg.Params = map[string]string{"time_zone": "'+00:00'"}
	return cfg
}

// SessionInit is the statement run on every new session before it is
// handed to callers.
func (p Params) SessionInit() string {
	return fmt.Sprintf("SET SESSION sql_mode = '%s'", strings.ReplaceAll(p.SQLMode, "'", "''"))
}

// String is safe to log.
func (p Params) String() string {
	return fmt.Sprintf("%s@%s/%s", p.User, p.Host, p.Name)
}

// redact removes the password from err's text.
func (p Params) redact(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if p.Password != "" {
		msg = strings.ReplaceAll(msg, p.Password, "***")
	}
	return msg
}
