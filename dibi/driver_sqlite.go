package dibi

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/ryanmarquardt/dibi/dibi/internal/utils"
)

// Primary SQLite result codes.
const (
	sqliteCodePerm     = 3
	sqliteCodeCantOpen = 14
	sqliteCodeAuth     = 23
)

const sqliteMemory = ":memory:"

type DriverSQLiteConfig struct {
	// Path of the database file, or ":memory:" for a private in-memory
	// database.
	Path string
	// Create the file when it does not exist.
	Create bool
	// ParamStyle is ParamStyleQmark (the default) or ParamStyleNamed.
	ParamStyle ParamStyle
}

func NewDriverSQLite(config DriverSQLiteConfig) Driver {
	driver := &driverSQLite{
		config: config,
	}
	driver.dbapiDriver = newDBAPIDriver(driver)

	return driver
}

type driverSQLite struct {
	*dbapiDriver
	config DriverSQLiteConfig
}

var sqliteOperators = defaultOperators.with(map[Operator]operatorFunc{
	// total() is 0.0 instead of NULL for an empty set.
	OperatorSum: template(C("total({})")),
})

var (
	sqliteCodeSuffix      = regexp.MustCompile(`\s*\(\d+\)$`)
	sqliteTableExists     = regexp.MustCompile(`table (.+) already exists`)
	sqliteSupportedStyles = []ParamStyle{ParamStyleQmark, ParamStyleNamed}
	sqlitePathReplacer    = strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23")
)

func (driver *driverSQLite) dsn() string {
	if driver.config.Path == "" || driver.config.Path == sqliteMemory {
		// A shared cache keeps every pooled connection on the same database.
		return fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	}

	mode := "rw"
	if driver.config.Create {
		mode = "rwc"
	}

	return fmt.Sprintf("file:%s?mode=%s", sqlitePathReplacer.Replace(driver.config.Path), mode)
}

func (driver *driverSQLite) open() (*sql.DB, error) {
	if !slices.Contains(sqliteSupportedStyles, driver.config.ParamStyle) {
		return nil, fmt.Errorf("%w: sqlite does not support parameter style %s", ErrInvalidConfig, driver.config.ParamStyle)
	}

	return sql.Open(sqliteDriverName, driver.dsn())
}

func (driver *driverSQLite) quote(name string) SQL {
	return quoteIdentifier(name, `"`)
}

func (driver *driverSQLite) paramStyle() utils.ParamStyle {
	return driver.config.ParamStyle
}

func (driver *driverSQLite) operators() *operatorTable {
	return sqliteOperators
}

func (driver *driverSQLite) MapType(logical LogicalType, size int) (SQL, error) {
	switch logical {
	case LogicalInteger:
		return C("INT"), nil
	case LogicalReal:
		return C("REAL"), nil
	case LogicalText:
		return C("TEXT"), nil
	case LogicalBlob:
		return C("BLOB"), nil
	case LogicalDateTime:
		return C("TIMESTAMP"), nil
	}

	return sqlEmpty, ErrUnsupportedType{Type: logical.String()}
}

func (driver *driverSQLite) UnmapType(native string) (DataType, error) {
	name, _, _ := strings.Cut(strings.ToUpper(strings.TrimSpace(native)), "(")

	switch strings.TrimSpace(name) {
	case "INT", "INTEGER", "BIGINT", "SMALLINT", "TINYINT":
		return Integer, nil
	case "REAL", "FLOAT", "DOUBLE", "NUMERIC":
		return Float, nil
	case "TEXT", "VARCHAR", "CHAR", "CLOB":
		return Text, nil
	case "BLOB":
		return Blob, nil
	case "TIMESTAMP", "DATETIME":
		return DateTime, nil
	case "DATE":
		return Date, nil
	}

	return Any, ErrUnsupportedType{Type: native}
}

func (driver *driverSQLite) columnDefinition(column ColumnDefinition) (SQL, error) {
	if column.AutoIncrement {
		// Only this exact spelling makes the column an alias of the rowid.
		return JoinWords(driver.quote(column.Name), C("INTEGER PRIMARY KEY ASC")), nil
	}

	return defaultColumnDefinition(driver, column)
}

func (driver *driverSQLite) createTableModifiers() (SQL, SQL) {
	return sqlEmpty, sqlEmpty
}

func (driver *driverSQLite) defaultValues() SQL {
	return C("DEFAULT VALUES")
}

func (driver *driverSQLite) usesLastInsertId() bool {
	return true
}

func (driver *driverSQLite) supportsMultiTableDelete() bool {
	return false
}

func (driver *driverSQLite) buffersResults() bool {
	return false
}

func (driver *driverSQLite) ListTables(ctx context.Context) ([]string, error) {
	return driver.queryStrings(ctx, constructStatement(
		C(`SELECT "name" FROM sqlite_master WHERE "type" = 'table' AND "name" NOT LIKE 'sqlite\_%' ESCAPE '\'`),
	), driver.newBinder())
}

type sqliteTableInfo struct {
	Name       string `db:"name"`
	Type       string `db:"type"`
	PrimaryKey int64  `db:"pk"`
}

func (driver *driverSQLite) ListColumns(ctx context.Context, table string) ([]ColumnDefinition, error) {
	binder := driver.newBinder()

	infos, err := queryStructs[sqliteTableInfo](ctx, driver.dbapiDriver, constructStatement(
		C(`SELECT "name", "type", "pk" FROM pragma_table_info({})`).Format(binder.bind(table)),
	), binder)
	if err != nil {
		return nil, err
	}

	if len(infos) == 0 {
		return nil, ErrObject{Kind: ErrNoSuchTable, Name: table}
	}

	columns := []ColumnDefinition{}
	for _, info := range infos {
		dataType, err := driver.UnmapType(info.Type)
		if err != nil {
			dataType = Any
		}

		columns = append(columns, ColumnDefinition{
			Name:          info.Name,
			Type:          dataType,
			PrimaryKey:    info.PrimaryKey > 0,
			AutoIncrement: info.PrimaryKey > 0 && strings.EqualFold(info.Type, "INTEGER"),
		})
	}

	return columns, nil
}

func (driver *driverSQLite) translateError(err error) error {
	code, _ := sqliteErrorCode(err)
	message := err.Error()

	switch {
	case code == sqliteCodeCantOpen || strings.Contains(message, "unable to open database file"):
		return ErrObject{Kind: ErrNoSuchDatabase, Name: driver.config.Path, Err: err}
	case code == sqliteCodeAuth || code == sqliteCodePerm:
		return ErrObject{Kind: ErrAuthentication, Name: driver.config.Path, Err: err}
	}

	if _, name, found := strings.Cut(message, "no such table: "); found {
		name = sqliteCodeSuffix.ReplaceAllString(name, "")
		name = strings.TrimPrefix(name, "main.")
		return ErrObject{Kind: ErrNoSuchTable, Name: name, Err: err}
	}

	if match := sqliteTableExists.FindStringSubmatch(message); match != nil {
		return ErrObject{Kind: ErrTableAlreadyExists, Name: unquoteIdentifier(match[1], `"`), Err: err}
	}

	if strings.Contains(message, "syntax error") {
		return ErrStatement{Statement: driver.lastStatement, Values: driver.lastValues, Err: fmt.Errorf("%w: %w", ErrSyntax, err)}
	}

	return nil
}

// unquoteIdentifier reverses quoteIdentifier for names echoed back in engine
// error messages.
func unquoteIdentifier(name string, quote string) string {
	if len(name) >= 2*len(quote) && strings.HasPrefix(name, quote) && strings.HasSuffix(name, quote) {
		name = name[len(quote) : len(name)-len(quote)]
		return strings.ReplaceAll(name, quote+quote, quote)
	}

	return name
}

// parseSQLiteURIPath reads the part of sqlite://path?create=true after the
// scheme. An empty path or :memory: selects an in-memory database.
func parseSQLiteURIPath(path string) (map[string]string, error) {
	path, rawQuery, _ := strings.Cut(path, "?")

	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURI, err)
	}

	if path == "" {
		path = sqliteMemory
	}

	params := map[string]string{"path": path}
	for key := range query {
		params[key] = query.Get(key)
	}

	return params, nil
}

func newSQLiteFromParams(params map[string]string) (Driver, error) {
	config := DriverSQLiteConfig{
		Path: params["path"],
	}

	if value, found := params["create"]; found {
		create, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("%w: create: %w", ErrInvalidConfig, err)
		}
		config.Create = create
	}

	if value, found := params["paramstyle"]; found {
		style, err := utils.ParseParamStyle(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		config.ParamStyle = style
	}

	return NewDriverSQLite(config), nil
}
