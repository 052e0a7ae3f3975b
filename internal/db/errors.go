package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/go-sql-driver/mysql"
)

var (
	// ErrConnectFailed wraps errors from an attempt to open a session.
	ErrConnectFailed = errors.New("db: connect failed")
	// ErrConnectionLost marks an error as a lost session. Wrap it to force
	// that classification.
	ErrConnectionLost = errors.New("db: connection lost")
	// ErrAlreadyRunning is returned by a second call to Manager.Run.
	ErrAlreadyRunning = errors.New("db: manager already running")
)

// FatalError is a database error the manager does not recover from.
type FatalError struct {
	Err        error
	Code       string
	Generation uint64
	At         time.Time
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal database error (code %s, generation %d): %v", e.Code, e.Generation, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Class says what an error means for the session that produced it.
type Class int

const (
	// ClassStatement errors belong to one statement. The session is fine.
	ClassStatement Class = iota
	// ClassConnectionLost errors mean the session is gone and must be reopened.
	ClassConnectionLost
	// ClassFatal errors leave the session in an unknown state.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassStatement:
		return "statement"
	case ClassConnectionLost:
		return "connection_lost"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Server error numbers that mean the server dropped the session.
var lostServerErrors = map[uint16]bool{
	1053: true, // ER_SERVER_SHUTDOWN
	1077: true, // ER_NORMAL_SHUTDOWN
	1152: true, // ER_ABORTING_CONNECTION
	1158: true, // ER_NET_READ_ERROR
	1159: true, // ER_NET_READ_INTERRUPTED
	1160: true, // ER_NET_ERROR_ON_WRITE
	1161: true, // ER_NET_WRITE_INTERRUPTED
	1927: true, // ER_CONNECTION_KILLED (MariaDB)
	2006: true, // CR_SERVER_GONE_ERROR
	2013: true, // CR_SERVER_LOST
	4031: true, // ER_CLIENT_INTERACTION_TIMEOUT
}

// Driver errors after which the wire protocol can't be trusted.
var protocolErrors = []error{
	mysql.ErrMalformPkt,
	mysql.ErrPktSync,
	mysql.ErrPktSyncMul,
	mysql.ErrPktTooLarge,
	mysql.ErrBusyBuffer,
	mysql.ErrOldProtocol,
	mysql.ErrUnknownPlugin,
	mysql.ErrNativePassword,
	mysql.ErrOldPassword,
	mysql.ErrCleartextPassword,
	mysql.ErrNoTLS,
}

// Classify maps err to a Class.
func Classify(err error) Class {
	if err == nil {
		return ClassStatement
	}
	if errors.Is(err, ErrConnectionLost) {
		return ClassConnectionLost
	}
	for _, p := range protocolErrors {
		if errors.Is(err, p) {
			return ClassFatal
		}
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		if lostServerErrors[myErr.Number] {
			return ClassConnectionLost
		}
		return ClassStatement
	}

	switch {
	case errors.Is(err, sql.ErrNoRows),
		errors.Is(err, sql.ErrTxDone),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return ClassStatement
	case errors.Is(err, mysql.ErrInvalidConn),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE):
		return ClassConnectionLost
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassConnectionLost
	}
	return ClassStatement
}

// ErrorCode returns a short code for logs.
func ErrorCode(err error) string {
	var myErr *mysql.MySQLError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &myErr):
		return strconv.Itoa(int(myErr.Number))
	case errors.Is(err, mysql.ErrInvalidConn):
		return "INVALID_CONN"
	case errors.Is(err, driver.ErrBadConn):
		return "BAD_CONN"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "ECONNREFUSED"
	case errors.Is(err, syscall.ECONNRESET):
		return "ECONNRESET"
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return "EOF"
	case errors.Is(err, context.DeadlineExceeded):
		return "TIMEOUT"
	case errors.Is(err, ErrConnectionLost):
		return "CONNECTION_LOST"
	}
	for _, p := range protocolErrors {
		if errors.Is(err, p) {
			return "PROTOCOL"
		}
	}
	return "UNKNOWN"
}
