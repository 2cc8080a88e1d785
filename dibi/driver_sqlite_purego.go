//go:build purego_sqlite

package dibi

import (
	"errors"

	"modernc.org/sqlite"
)

const sqliteDriverName = "sqlite"

func sqliteErrorCode(err error) (int, bool) {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		// Extended result codes carry the primary code in the low byte.
		return sqliteErr.Code() & 0xff, true
	}

	return 0, false
}
