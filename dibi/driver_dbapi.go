package dibi

import (
	"context"
	"database/sql"
	sqldriver "database/sql/driver"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/ryanmarquardt/dibi/dibi/internal/utils"
)

// dialect is what a concrete driver supplies on top of dbapiDriver.
type dialect interface {
	MapType(logical LogicalType, size int) (SQL, error)
	UnmapType(native string) (DataType, error)
	ListTables(ctx context.Context) ([]string, error)
	ListColumns(ctx context.Context, table string) ([]ColumnDefinition, error)
	open() (*sql.DB, error)
	quote(name string) SQL
	paramStyle() utils.ParamStyle
	operators() *operatorTable
	columnDefinition(column ColumnDefinition) (SQL, error)
	createTableModifiers() (prefix SQL, suffix SQL)
	defaultValues() SQL
	usesLastInsertId() bool
	supportsMultiTableDelete() bool
	buffersResults() bool
	translateError(err error) error
}

// dbapiDriver is the statement builder and executor shared by every
// dialect. Every statement runs on one pinned connection, so writes made
// while a selection is open see the same session.
type dbapiDriver struct {
	dialect           dialect
	standardLibraryDB *sql.DB
	conn              *sql.Conn
	cursors           map[*cursor]struct{}
	tx                *sql.Tx
	depth             int
	lastStatement     string
	lastValues        []any
	preRunFuncs       []func(ctx context.Context, statement string, args []any) error
	postRunFuncs      []func(ctx context.Context) error
}

func newDBAPIDriver(dialect dialect) *dbapiDriver {
	return &dbapiDriver{
		dialect:      dialect,
		cursors:      map[*cursor]struct{}{},
		preRunFuncs:  []func(ctx context.Context, statement string, args []any) error{},
		postRunFuncs: []func(ctx context.Context) error{},
	}
}

func (driver *dbapiDriver) dbapi() *dbapiDriver {
	return driver
}

func (driver *dbapiDriver) Connect(ctx context.Context) error {
	db, err := driver.dialect.open()
	if err != nil {
		return driver.handleError(err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return driver.handleError(err)
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return driver.handleError(err)
	}

	driver.standardLibraryDB = db
	driver.conn = conn

	return nil
}

// Close releases open selections before the connection, which can not be
// closed while they hold it.
func (driver *dbapiDriver) Close() error {
	if driver.standardLibraryDB == nil {
		return nil
	}

	errs := []error{}
	for cursor := range driver.cursors {
		errs = append(errs, cursor.Close())
	}

	errs = append(errs, driver.conn.Close(), driver.standardLibraryDB.Close())
	driver.conn = nil
	driver.standardLibraryDB = nil

	return errors.Join(errs...)
}

func (driver *dbapiDriver) LastStatement() (string, []any) {
	return driver.lastStatement, driver.lastValues
}

// Transaction runs fn inside a transaction scope. Scopes nest; only the
// outermost one commits, or rolls back when fn fails or panics.
func (driver *dbapiDriver) Transaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if driver.conn == nil {
		return fmt.Errorf("%w: not connected", ErrConnection)
	}

	if driver.depth == 0 {
		tx, err := driver.conn.BeginTx(ctx, nil)
		if err != nil {
			return driver.handleError(err)
		}

		driver.tx = tx
	}

	driver.depth++

	defer func() {
		driver.depth--

		recovered := recover()
		if driver.depth > 0 {
			if recovered != nil {
				panic(recovered)
			}
			return
		}

		tx := driver.tx
		driver.tx = nil

		if recovered != nil || err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				err = errors.Join(err, rollbackErr)
			}
			if recovered != nil {
				panic(recovered)
			}
			return
		}

		if commitErr := tx.Commit(); commitErr != nil {
			err = driver.handleError(commitErr)
		}
	}()

	return fn(ctx)
}

func (driver *dbapiDriver) CreateTable(ctx context.Context, schema TableSchema, forceCreate bool) error {
	definitions := []SQL{}
	for _, column := range schema.Columns {
		definition, err := driver.dialect.columnDefinition(column)
		if err != nil {
			return err
		}

		definitions = append(definitions, definition)
	}

	prefix, suffix := driver.dialect.createTableModifiers()

	statement := constructStatement(
		C("CREATE"),
		prefix,
		C("TABLE"),
		when(forceCreate, C("IF NOT EXISTS")),
		driver.dialect.quote(schema.Name),
		C("({})").Format(C(", ").Join(definitions...)),
		suffix,
	)

	_, err := driver.execute(ctx, statement, driver.newBinder())

	return err
}

func (driver *dbapiDriver) DropTable(ctx context.Context, name string, ignoreAbsence bool) error {
	statement := constructStatement(
		C("DROP TABLE"),
		when(ignoreAbsence, C("IF EXISTS")),
		driver.dialect.quote(name),
	)

	_, err := driver.execute(ctx, statement, driver.newBinder())

	return err
}

func (driver *dbapiDriver) Insert(ctx context.Context, schema TableSchema, values []ColumnValue) (int64, error) {
	binder := driver.newBinder()

	names := []SQL{}
	markers := []SQL{}
	var explicitKey any
	primaryKey, hasPrimaryKey := schema.PrimaryKey()

	for _, value := range values {
		marker, err := driver.value(binder, value.Value)
		if err != nil {
			return 0, err
		}

		names = append(names, driver.dialect.quote(value.Name))
		markers = append(markers, marker)

		if hasPrimaryKey && value.Name == primaryKey.Name {
			explicitKey = value.Value
		}
	}

	columns := driver.dialect.defaultValues()
	if len(names) > 0 {
		columns = JoinWords(
			C("({})").Format(C(", ").Join(names...)),
			C("VALUES"),
			C("({})").Format(C(", ").Join(markers...)),
		)
	}

	insert := constructStatement(
		C("INSERT INTO"),
		driver.dialect.quote(schema.Name),
		columns,
	)

	if key, err := toInt64(explicitKey); explicitKey != nil && err == nil {
		if _, err := driver.execute(ctx, insert, binder); err != nil {
			return 0, err
		}

		return key.(int64), nil
	}

	// Only integer keys are reported; anything else returns 0.
	if !hasPrimaryKey || primaryKey.Type.Logical != LogicalInteger {
		_, err := driver.execute(ctx, insert, binder)
		return 0, err
	}

	if driver.dialect.usesLastInsertId() {
		result, err := driver.execute(ctx, insert, binder)
		if err != nil {
			return 0, err
		}

		return result.LastInsertId()
	}

	id := int64(0)
	statement := constructStatement(
		C("INSERT INTO"),
		driver.dialect.quote(schema.Name),
		columns,
		C("RETURNING"),
		driver.dialect.quote(primaryKey.Name),
	)

	if err := driver.mutate(ctx, statement, binder, func(ctx context.Context, tx *sql.Tx, query string, args []any) error {
		return tx.QueryRowContext(ctx, query, args...).Scan(&id)
	}); err != nil {
		return 0, err
	}

	return id, nil
}

func (driver *dbapiDriver) Select(ctx context.Context, query Query) (Rows, error) {
	binder := driver.newBinder()

	projection := []SQL{}
	for _, column := range query.Columns {
		rendered, err := driver.expression(binder, column)
		if err != nil {
			return nil, err
		}

		projection = append(projection, rendered)
	}

	where, err := driver.where(binder, query.Criteria)
	if err != nil {
		return nil, err
	}

	statement := constructStatement(
		C("SELECT"),
		when(query.Distinct, C("DISTINCT")),
		C(", ").Join(projection...),
		C("FROM"),
		driver.tableList(query.Tables),
		where,
	)

	rows, err := driver.query(ctx, statement, binder)
	if err != nil {
		return nil, err
	}

	if driver.dialect.buffersResults() {
		buffered, err := bufferRows(rows)
		if err != nil {
			return nil, driver.handleError(err)
		}

		return buffered, nil
	}

	cursor := &cursor{Rows: rows, driver: driver}
	driver.cursors[cursor] = struct{}{}

	return cursor, nil
}

func (driver *dbapiDriver) Update(ctx context.Context, table string, criteria *Filter, values []ColumnValue) (int64, error) {
	binder := driver.newBinder()

	assignments := []SQL{}
	for _, value := range values {
		marker, err := driver.value(binder, value.Value)
		if err != nil {
			return 0, err
		}

		assignments = append(assignments, C("{}={}").Format(driver.dialect.quote(value.Name), marker))
	}

	where, err := driver.where(binder, criteria)
	if err != nil {
		return 0, err
	}

	result, err := driver.execute(ctx, constructStatement(
		C("UPDATE"),
		driver.dialect.quote(table),
		C("SET"),
		C(", ").Join(assignments...),
		where,
	), binder)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

func (driver *dbapiDriver) Delete(ctx context.Context, tables []string, criteria *Filter) (int64, error) {
	switch {
	case len(tables) == 0:
		return 0, ErrNoTables
	case len(tables) > 1 && criteria == nil:
		total := int64(0)
		err := driver.Transaction(ctx, func(ctx context.Context) error {
			for _, table := range tables {
				affected, err := driver.Delete(ctx, []string{table}, nil)
				if err != nil {
					return err
				}

				total += affected
			}

			return nil
		})

		return total, err
	case len(tables) > 1 && !driver.dialect.supportsMultiTableDelete():
		return 0, fmt.Errorf("%w: delete from %d tables", ErrAmbiguousTarget, len(tables))
	}

	binder := driver.newBinder()

	where, err := driver.where(binder, criteria)
	if err != nil {
		return 0, err
	}

	target := C("FROM {}").Format(driver.tableList(tables))
	if len(tables) > 1 {
		target = C("{} FROM {}").Format(driver.tableList(tables), driver.tableList(tables))
	}

	result, err := driver.execute(ctx, constructStatement(
		C("DELETE"),
		target,
		where,
	), binder)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

func (driver *dbapiDriver) tableList(tables []string) SQL {
	quoted := make([]SQL, 0, len(tables))
	for _, table := range tables {
		quoted = append(quoted, driver.dialect.quote(table))
	}

	return C(", ").Join(quoted...)
}

func (driver *dbapiDriver) where(binder *binder, criteria *Filter) (SQL, error) {
	if criteria == nil {
		return sqlEmpty, nil
	}

	rendered, err := driver.expression(binder, *criteria)
	if err != nil {
		return sqlEmpty, err
	}

	return C("WHERE {}").Format(rendered), nil
}

// expression renders e for this dialect, binding every literal.
func (driver *dbapiDriver) expression(binder *binder, e Expression) (SQL, error) {
	return renderExpression(e.expression(), driver.dialect.operators(), driver.dialect.quote, func(hint DataType, value any) (SQL, error) {
		serialized, err := hint.Serialize(value)
		if err != nil {
			return sqlEmpty, err
		}

		return driver.value(binder, serialized)
	})
}

// value renders a single operand: an Expression in place, NULL as the
// keyword, anything else as a bound parameter.
func (driver *dbapiDriver) value(binder *binder, value any) (SQL, error) {
	if value == nil {
		return sqlNull, nil
	}

	if e, ok := value.(Expression); ok {
		return driver.expression(binder, e)
	}

	if err := checkBindable(value); err != nil {
		return sqlEmpty, err
	}

	return binder.bind(value), nil
}

func checkBindable(value any) error {
	switch value.(type) {
	case string, []byte, bool, time.Time, sqldriver.Valuer:
		return nil
	}

	switch reflect.ValueOf(value).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.String:
		return nil
	}

	return fmt.Errorf("%w: %T", ErrUnsupportedLiteral, value)
}

type binder struct {
	style  utils.ParamStyle
	values []any
	args   []any
}

func (driver *dbapiDriver) newBinder() *binder {
	return &binder{
		style:  driver.dialect.paramStyle(),
		values: []any{},
		args:   []any{},
	}
}

func (binder *binder) bind(value any) SQL {
	marker, arg := utils.Placeholder(binder.style, len(binder.args)+1, value)

	binder.values = append(binder.values, value)
	binder.args = append(binder.args, arg)

	return placeholder(marker)
}

func (driver *dbapiDriver) beforeRun(ctx context.Context, statement SQL, binder *binder) error {
	driver.lastStatement = statement.String()
	driver.lastValues = binder.values

	for _, preRunFunc := range driver.preRunFuncs {
		if err := preRunFunc(ctx, driver.lastStatement, binder.values); err != nil {
			return err
		}
	}

	return nil
}

func (driver *dbapiDriver) afterRun(ctx context.Context) error {
	for _, postRunFunc := range driver.postRunFuncs {
		if err := postRunFunc(ctx); err != nil {
			return err
		}
	}

	return nil
}

// mutate runs a statement inside a transaction scope.
func (driver *dbapiDriver) mutate(
	ctx context.Context,
	statement SQL,
	binder *binder,
	run func(ctx context.Context, tx *sql.Tx, query string, args []any) error,
) error {
	return driver.Transaction(ctx, func(ctx context.Context) error {
		if err := driver.beforeRun(ctx, statement, binder); err != nil {
			return err
		}

		if err := run(ctx, driver.tx, statement.String(), binder.args); err != nil {
			return driver.handleError(err)
		}

		return driver.afterRun(ctx)
	})
}

func (driver *dbapiDriver) execute(ctx context.Context, statement SQL, binder *binder) (sql.Result, error) {
	var result sql.Result

	if err := driver.mutate(ctx, statement, binder, func(ctx context.Context, tx *sql.Tx, query string, args []any) error {
		var err error
		result, err = tx.ExecContext(ctx, query, args...)
		return err
	}); err != nil {
		return nil, err
	}

	return result, nil
}

// query runs a read only statement, inside the open transaction if there
// is one.
func (driver *dbapiDriver) query(ctx context.Context, statement SQL, binder *binder) (*sql.Rows, error) {
	if driver.conn == nil {
		return nil, fmt.Errorf("%w: not connected", ErrConnection)
	}

	if err := driver.beforeRun(ctx, statement, binder); err != nil {
		return nil, err
	}

	var rows *sql.Rows
	var err error
	if driver.tx != nil {
		rows, err = driver.tx.QueryContext(ctx, statement.String(), binder.args...)
	} else {
		rows, err = driver.conn.QueryContext(ctx, statement.String(), binder.args...)
	}
	if err != nil {
		return nil, driver.handleError(err)
	}

	if err := driver.afterRun(ctx); err != nil {
		_ = rows.Close()
		return nil, err
	}

	return rows, nil
}

func (driver *dbapiDriver) queryStrings(ctx context.Context, statement SQL, binder *binder) ([]string, error) {
	rows, err := driver.query(ctx, statement, binder)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	values := []string{}
	for rows.Next() {
		value := ""
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}

		values = append(values, value)
	}

	return values, driver.handleError(rows.Err())
}

// queryStructs scans every row into a T, matching result columns to the db
// tags of its fields.
func queryStructs[T any](ctx context.Context, driver *dbapiDriver, statement SQL, binder *binder) ([]T, error) {
	rows, err := driver.query(ctx, statement, binder)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	fieldIndexes := map[string]int{}
	if err := utils.LoopOverTaggedFields(reflect.ValueOf(new(T)), func(tag utils.DBTag, fieldDefinition reflect.StructField, fieldValue reflect.Value) error {
		fieldIndexes[tag.Column] = fieldDefinition.Index[0]
		return nil
	}); err != nil {
		return nil, err
	}

	target := []T{}
	for rows.Next() {
		row := new(T)
		value := reflect.ValueOf(row).Elem()

		scanFields := make([]any, 0, len(columns))
		for _, column := range columns {
			fieldIndex, found := fieldIndexes[strings.ToLower(column)]
			if !found {
				return nil, fmt.Errorf("column %s not found in %T", column, *row)
			}

			scanFields = append(scanFields, value.Field(fieldIndex).Addr().Interface())
		}

		if err := rows.Scan(scanFields...); err != nil {
			return nil, err
		}

		target = append(target, *row)
	}

	return target, driver.handleError(rows.Err())
}

// handleError is the single translation point from engine errors to the
// errors of this package.
func (driver *dbapiDriver) handleError(err error) error {
	if err == nil {
		return nil
	}

	if translated := driver.dialect.translateError(err); translated != nil {
		return translated
	}

	return ErrStatement{
		Statement: driver.lastStatement,
		Values:    driver.lastValues,
		Err:       err,
	}
}

// defaultColumnDefinition renders name, type and key flags.
func defaultColumnDefinition(dialect dialect, column ColumnDefinition) (SQL, error) {
	nativeType, err := dialect.MapType(column.Type.Logical, column.Type.Size)
	if err != nil {
		return sqlEmpty, err
	}

	return JoinWords(
		dialect.quote(column.Name),
		nativeType,
		when(column.PrimaryKey, C("PRIMARY KEY")),
		when(column.AutoIncrement, C("AUTO_INCREMENT")),
	), nil
}

func when(condition bool, text SQL) SQL {
	if condition {
		return text
	}

	return sqlEmpty
}
