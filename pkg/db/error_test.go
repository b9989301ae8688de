package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "gorm translated", err: fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey), want: true},
		{name: "pg code", err: &pgconn.PgError{Code: "23505"}, want: true},
		{name: "sqlite text", err: errors.New("UNIQUE constraint failed: automation_logs.automation_id"), want: true},
		{name: "other", err: errors.New("connection refused"), want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsDuplicateKeyErr(tc.err))
		})
	}
}

func TestDatabaseName(t *testing.T) {
	dialector, err := Dialect(testConfig("postgres"))
	assert.NoError(t, err)
	assert.Equal(t, "automation", DatabaseName(dialector))

	dialector, err = Dialect(testConfig("SQLite"))
	assert.NoError(t, err)
	assert.Equal(t, "automation", DatabaseName(dialector))
}

func TestDialectRejectsUnsupportedDatabases(t *testing.T) {
	for _, dbType := range []string{"mysql", "oracle"} {
		_, err := Dialect(testConfig(dbType))
		assert.ErrorContains(t, err, dbType)
	}
}
