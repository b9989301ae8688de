package db

import (
	"strings"

	"gorm.io/gorm"
)

// UseSQLiteLocking lets the row-locking queries run on SQLite, which has no
// FOR UPDATE. SQLite serializes writers and every claim is a conditional
// UPDATE, so claims stay exclusive without the clause.
func UseSQLiteLocking(conn *gorm.DB) error {
	strip := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if !strings.Contains(sql, "FOR UPDATE") {
			return
		}
		sql = strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
		sql = strings.ReplaceAll(sql, "FOR UPDATE", "")
		d.Statement.SQL.Reset()
		d.Statement.SQL.WriteString(sql)
	}
	if err := conn.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", strip); err != nil {
		return err
	}
	return conn.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", strip)
}
