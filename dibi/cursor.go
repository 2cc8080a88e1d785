package dibi

import (
	"database/sql"
	"errors"
	"fmt"
)

// cursor is an open result set on the pinned connection. The driver keeps
// track of it until it is closed.
type cursor struct {
	*sql.Rows
	driver *dbapiDriver
}

func (cursor *cursor) Close() error {
	delete(cursor.driver.cursors, cursor)
	return cursor.Rows.Close()
}

var errScanWithoutNext = errors.New("dibi: Scan called without calling Next")

// bufferedRows is a result set read to the end up front. MySQL and
// PostgreSQL can not run another statement on a connection while a result
// is still unread.
type bufferedRows struct {
	rows  [][]any
	index int
}

func bufferRows(rows *sql.Rows) (*bufferedRows, error) {
	defer func() {
		_ = rows.Close()
	}()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	buffered := &bufferedRows{rows: [][]any{}, index: -1}
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(values))
		for i := range values {
			pointers[i] = &values[i]
		}

		if err := rows.Scan(pointers...); err != nil {
			return nil, err
		}

		buffered.rows = append(buffered.rows, values)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return buffered, nil
}

func (rows *bufferedRows) Next() bool {
	if rows.index+1 >= len(rows.rows) {
		rows.index = len(rows.rows)
		return false
	}

	rows.index++

	return true
}

// Scan only fills *any destinations.
func (rows *bufferedRows) Scan(dest ...any) error {
	if rows.index < 0 || rows.index >= len(rows.rows) {
		return errScanWithoutNext
	}

	row := rows.rows[rows.index]
	if len(dest) != len(row) {
		return fmt.Errorf("dibi: expected %d destination arguments in Scan, not %d", len(row), len(dest))
	}

	for i, target := range dest {
		pointer, ok := target.(*any)
		if !ok {
			return fmt.Errorf("dibi: unsupported Scan destination %T", target)
		}

		*pointer = row[i]
	}

	return nil
}

func (rows *bufferedRows) Err() error {
	return nil
}

func (rows *bufferedRows) Close() error {
	rows.rows = nil
	rows.index = 0

	return nil
}
