//go:build !purego_sqlite

package dibi

import (
	"errors"

	"github.com/mattn/go-sqlite3"
)

const sqliteDriverName = "sqlite3"

func sqliteErrorCode(err error) (int, bool) {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return int(sqliteErr.Code), true
	}

	return 0, false
}
