package db

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParamsConfig(t *testing.T) {
	cfg := testParams.Config()

	assert.Equal(t, "tcp", cfg.Net)
	assert.Equal(t, "db:3306", cfg.Addr)
	assert.Equal(t, "api", cfg.DBName)
	assert.Equal(t, time.UTC, cfg.Loc)
	assert.True(t, cfg.ParseTime)
	assert.Equal(t, "'+00:00'", cfg.Params["time_zone"])
	assert.Contains(t, cfg.FormatDSN(), "parseTime=true")
}

func TestParamsSessionInit(t *testing.T) {
	p := Params{SQLMode: "STRICT_TRANS_TABLES,NO_ZERO_DATE"}
	assert.Equal(t, "SET SESSION sql_mode = 'STRICT_TRANS_TABLES,NO_ZERO_DATE'", p.SessionInit())

	p.SQLMode = "A'B"
	assert.Equal(t, "SET SESSION sql_mode = 'A''B'", p.SessionInit())
}

func TestParamsStringHidesPassword(t *testing.T) {
	assert.Equal(t, "api@db:3306/api", testParams.String())
	assert.Equal(t, "login failed for ***", testParams.redact(errors.New("login failed for hunter2")))
}

type countingConnector struct{ dials int }

func (c *countingConnector) Connect(context.Context) (driver.Conn, error) {
	c.dials++
	return nil, nil
}

func (c *countingConnector) Driver() driver.Driver { return nil }

func TestPinnedConnectorDialsOnce(t *testing.T) {
	inner := &countingConnector{}
	pc := &pinnedConnector{Connector: inner}

	_, err := pc.Connect(context.Background())
	require.NoError(t, err)

	_, err = pc.Connect(context.Background())
	assert.ErrorIs(t, err, driver.ErrBadConn)
	assert.Equal(t, ClassConnectionLost, Classify(err))
	assert.Equal(t, 1, inner.dials)
}
