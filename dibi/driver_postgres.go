package dibi

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"github.com/ryanmarquardt/dibi/dibi/internal/utils"
)

// PostgreSQL SQLSTATE codes.
const (
	postgresUndefinedTable        = "42P01"
	postgresDuplicateTable        = "42P07"
	postgresInvalidCatalogName    = "3D000"
	postgresInvalidAuthorization  = "28000"
	postgresInvalidPassword       = "28P01"
	postgresSyntaxError           = "42601"
	postgresConnectionExceptionID = "08"
)

type DriverPostgresConfig struct {
	Host string
	Port int
	User string
	Pass string
	Name string
}

func NewDriverPostgres(config DriverPostgresConfig) Driver {
	driver := &driverPostgres{
		config: config,
	}
	driver.dbapiDriver = newDBAPIDriver(driver)

	return driver
}

type driverPostgres struct {
	*dbapiDriver
	config DriverPostgresConfig
}

var postgresOperators = defaultOperators.with(map[Operator]operatorFunc{
	// Text operands keep || from guessing at untyped parameters.
	OperatorConcatenate: template(C("(CAST({} AS TEXT) || CAST({} AS TEXT))")),
})

func (driver *driverPostgres) open() (*sql.DB, error) {
	connector, err := pq.NewConnector(driver.dataSourceName())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return sql.OpenDB(connector), nil
}

// dataSourceName is a postgres:// URL with every part escaped.
func (driver *driverPostgres) dataSourceName() string {
	return (&url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(driver.config.User, driver.config.Pass),
		Host:     net.JoinHostPort(driver.config.Host, strconv.Itoa(driver.config.Port)),
		Path:     "/" + driver.config.Name,
		RawQuery: url.Values{"sslmode": {"disable"}}.Encode(),
	}).String()
}

func (driver *driverPostgres) quote(name string) SQL {
	return quoteIdentifier(name, `"`)
}

func (driver *driverPostgres) paramStyle() utils.ParamStyle {
	return utils.ParamStyleDollar
}

func (driver *driverPostgres) operators() *operatorTable {
	return postgresOperators
}

func (driver *driverPostgres) MapType(logical LogicalType, size int) (SQL, error) {
	switch logical {
	case LogicalInteger:
		return C("BIGINT"), nil
	case LogicalReal:
		return C("DOUBLE PRECISION"), nil
	case LogicalText:
		if size <= 0 {
			return C("TEXT"), nil
		}
		return C("VARCHAR({})").Format(integer(size)), nil
	case LogicalBlob:
		return C("BYTEA"), nil
	case LogicalDateTime:
		return C("TIMESTAMP"), nil
	}

	return sqlEmpty, ErrUnsupportedType{Type: logical.String()}
}

func (driver *driverPostgres) UnmapType(native string) (DataType, error) {
	name, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(native)), "(")

	switch strings.TrimSpace(name) {
	case "bigint", "integer", "smallint", "int", "int2", "int4", "int8", "bigserial", "serial":
		return Integer, nil
	case "double precision", "real", "numeric", "decimal", "float4", "float8":
		return Float, nil
	case "character varying", "varchar", "character", "char", "text":
		return Text, nil
	case "bytea":
		return Blob, nil
	case "timestamp", "timestamp without time zone", "timestamp with time zone", "timestamptz":
		return DateTime, nil
	case "date":
		return Date, nil
	}

	return Any, ErrUnsupportedType{Type: native}
}

func (driver *driverPostgres) columnDefinition(column ColumnDefinition) (SQL, error) {
	if column.AutoIncrement {
		return JoinWords(
			driver.quote(column.Name),
			C("BIGSERIAL"),
			when(column.PrimaryKey, C("PRIMARY KEY")),
		), nil
	}

	nativeType, err := driver.MapType(column.Type.Logical, column.Type.Size)
	if err != nil {
		return sqlEmpty, err
	}

	return JoinWords(
		driver.quote(column.Name),
		nativeType,
		when(column.PrimaryKey, C("PRIMARY KEY")),
	), nil
}

func (driver *driverPostgres) createTableModifiers() (SQL, SQL) {
	return sqlEmpty, sqlEmpty
}

func (driver *driverPostgres) defaultValues() SQL {
	return C("DEFAULT VALUES")
}

func (driver *driverPostgres) usesLastInsertId() bool {
	return false
}

func (driver *driverPostgres) supportsMultiTableDelete() bool {
	return false
}

func (driver *driverPostgres) buffersResults() bool {
	return true
}

func (driver *driverPostgres) ListTables(ctx context.Context) ([]string, error) {
	return driver.queryStrings(ctx, constructStatement(
		C(`SELECT table_name FROM information_schema.tables WHERE table_schema = current_schema() AND table_type = 'BASE TABLE' ORDER BY table_name`),
	), driver.newBinder())
}

type postgresColumn struct {
	Name       string         `db:"column_name"`
	Type       string         `db:"data_type"`
	Size       sql.NullInt64  `db:"character_maximum_length"`
	Default    sql.NullString `db:"column_default"`
	PrimaryKey bool           `db:"is_primary_key"`
}

func (driver *driverPostgres) ListColumns(ctx context.Context, table string) ([]ColumnDefinition, error) {
	binder := driver.newBinder()
	name := binder.bind(table)

	infos, err := queryStructs[postgresColumn](ctx, driver.dbapiDriver, constructStatement(
		C(`SELECT
			tableColumns.column_name,
			tableColumns.data_type,
			tableColumns.character_maximum_length,
			tableColumns.column_default,
			EXISTS (
				SELECT 1
				FROM information_schema.table_constraints tc
				JOIN information_schema.key_column_usage kcu
					ON tc.constraint_name = kcu.constraint_name
					AND tc.table_schema = kcu.table_schema
				WHERE tc.constraint_type = 'PRIMARY KEY'
					AND tc.table_schema = tableColumns.table_schema
					AND tc.table_name = tableColumns.table_name
					AND kcu.column_name = tableColumns.column_name
			) AS is_primary_key
		FROM information_schema.columns AS tableColumns
		WHERE tableColumns.table_schema = current_schema() AND tableColumns.table_name = {}
		ORDER BY tableColumns.ordinal_position`).Format(name),
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

		if info.Size.Valid && dataType.Logical == LogicalText {
			dataType.Size = int(info.Size.Int64)
		}

		columns = append(columns, ColumnDefinition{
			Name:          info.Name,
			Type:          dataType,
			PrimaryKey:    info.PrimaryKey,
			AutoIncrement: info.Default.Valid && strings.HasPrefix(info.Default.String, "nextval("),
		})
	}

	return columns, nil
}

func (driver *driverPostgres) translateError(err error) error {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrObject{Kind: ErrConnection, Name: driver.config.Host, Err: err}
	}

	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return nil
	}

	switch pqErr.Code {
	case postgresUndefinedTable:
		return ErrObject{Kind: ErrNoSuchTable, Name: quotedPostgresName(pqErr.Message), Err: err}
	case postgresDuplicateTable:
		return ErrObject{Kind: ErrTableAlreadyExists, Name: quotedPostgresName(pqErr.Message), Err: err}
	case postgresInvalidCatalogName:
		return ErrObject{Kind: ErrNoSuchDatabase, Name: driver.config.Name, Err: err}
	case postgresInvalidAuthorization, postgresInvalidPassword:
		return ErrObject{Kind: ErrAuthentication, Name: driver.config.User, Err: err}
	case postgresSyntaxError:
		return ErrStatement{Statement: driver.lastStatement, Values: driver.lastValues, Err: fmt.Errorf("%w: %w", ErrSyntax, err)}
	}

	if pqErr.Code.Class() == postgresConnectionExceptionID {
		return ErrObject{Kind: ErrConnection, Name: driver.config.Host, Err: err}
	}

	return nil
}

// quotedPostgresName extracts the name from messages such as
// relation "orders" does not exist.
func quotedPostgresName(message string) string {
	start := strings.Index(message, `"`)
	end := strings.LastIndex(message, `"`)
	if start < 0 || end <= start {
		return ""
	}

	return strings.ReplaceAll(message[start+1:end], `""`, `"`)
}

// parsePostgresURIPath reads user:pass@host:port/database.
func parsePostgresURIPath(path string) (map[string]string, error) {
	parsed, err := url.Parse("postgres://" + path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURI, err)
	}

	params := map[string]string{
		"host": parsed.Hostname(),
		"port": parsed.Port(),
		"name": strings.TrimPrefix(parsed.Path, "/"),
	}

	if parsed.User != nil {
		params["user"] = parsed.User.Username()
		if pass, found := parsed.User.Password(); found {
			params["pass"] = pass
		}
	}

	return params, nil
}

func newPostgresFromParams(params map[string]string) (Driver, error) {
	config := DriverPostgresConfig{
		Host: params["host"],
		Port: 5432,
		User: params["user"],
		Pass: params["pass"],
		Name: params["name"],
	}

	if config.Host == "" {
		config.Host = "localhost"
	}

	if value := params["port"]; value != "" {
		port, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("%w: port: %w", ErrInvalidConfig, err)
		}
		config.Port = port
	}

	return NewDriverPostgres(config), nil
}
