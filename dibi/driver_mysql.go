package dibi

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/ryanmarquardt/dibi/dibi/internal/utils"
)

// MySQL server error numbers.
const (
	mysqlErrDatabaseAccessDenied = 1044
	mysqlErrAccessDenied         = 1045
	mysqlErrBadDatabase          = 1049
	mysqlErrTableExists          = 1050
	mysqlErrBadTable             = 1051
	mysqlErrParse                = 1064
	mysqlErrNoSuchTable          = 1146
)

const mysqlDefaultEngine = "InnoDB"

// mysqlEngines lists the storage engines a table can be created with.
var mysqlEngines = map[string]SQL{
	"InnoDB":     C("ENGINE=InnoDB"),
	"MyISAM":     C("ENGINE=MyISAM"),
	"MEMORY":     C("ENGINE=MEMORY"),
	"ARCHIVE":    C("ENGINE=ARCHIVE"),
	"CSV":        C("ENGINE=CSV"),
	"BLACKHOLE":  C("ENGINE=BLACKHOLE"),
	"MRG_MyISAM": C("ENGINE=MRG_MyISAM"),
	"Aria":       C("ENGINE=Aria"),
}

type DriverMySQLConfig struct {
	Host string
	Port int
	User string
	Pass string
	Name string
	// Engine for created tables, InnoDB when empty.
	Engine string
	// Debug creates temporary tables that vanish with the connection.
	Debug bool
	// Logger receives the driver's own messages, slog.Default() when nil.
	Logger *slog.Logger
}

func NewDriverMySQL(config DriverMySQLConfig) Driver {
	if config.Engine == "" {
		config.Engine = mysqlDefaultEngine
	}

	driver := &driverMySQL{
		config: config,
	}
	driver.dbapiDriver = newDBAPIDriver(driver)

	return driver
}

type driverMySQL struct {
	*dbapiDriver
	config DriverMySQLConfig
}

var mysqlOperators = defaultOperators.with(map[Operator]operatorFunc{
	// || is logical OR unless PIPES_AS_CONCAT is set.
	OperatorConcatenate: template(C("CONCAT({}, {})")),
})

var mysqlQuotedName = regexp.MustCompile(`'([^']*)'`)

func (driver *driverMySQL) open() (*sql.DB, error) {
	if _, found := mysqlEngines[driver.config.Engine]; !found {
		return nil, fmt.Errorf("%w: unknown mysql engine %q", ErrInvalidConfig, driver.config.Engine)
	}

	connector, err := mysql.NewConnector(driver.connectorConfig())
	if err != nil {
		return nil, err
	}

	return sql.OpenDB(connector), nil
}

func (driver *driverMySQL) connectorConfig() *mysql.Config {
	logger := driver.config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	config := mysql.NewConfig()
	config.User = driver.config.User
	config.Passwd = driver.config.Pass
	config.Net = "tcp"
	config.Addr = net.JoinHostPort(driver.config.Host, strconv.Itoa(driver.config.Port))
	config.DBName = driver.config.Name
	config.ParseTime = true
	config.Logger = mysqlLogger{logger: logger}

	return config
}

// mysqlLogger hands go-sql-driver messages to slog.
type mysqlLogger struct {
	logger *slog.Logger
}

func (logger mysqlLogger) Print(v ...any) {
	logger.logger.Warn(strings.TrimSpace(fmt.Sprint(v...)), "driver", "mysql")
}

func (driver *driverMySQL) quote(name string) SQL {
	return quoteIdentifier(name, "`")
}

func (driver *driverMySQL) paramStyle() utils.ParamStyle {
	return utils.ParamStyleQmark
}

func (driver *driverMySQL) operators() *operatorTable {
	return mysqlOperators
}

func (driver *driverMySQL) MapType(logical LogicalType, size int) (SQL, error) {
	switch logical {
	case LogicalInteger:
		return C("INT"), nil
	case LogicalReal:
		return C("REAL"), nil
	case LogicalText:
		if size <= 0 {
			return C("TEXT"), nil
		}
		return C("VARCHAR({})").Format(integer(size)), nil
	case LogicalBlob:
		return C("BLOB"), nil
	case LogicalDateTime:
		return C("DATETIME"), nil
	}

	return sqlEmpty, ErrUnsupportedType{Type: logical.String()}
}

func (driver *driverMySQL) UnmapType(native string) (DataType, error) {
	name, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(native)), "(")

	switch strings.TrimSpace(name) {
	case "int", "integer", "bigint", "mediumint", "smallint", "tinyint":
		return Integer, nil
	case "real", "double", "float", "decimal":
		return Float, nil
	case "varchar", "char", "text", "tinytext", "mediumtext", "longtext":
		return Text, nil
	case "blob", "tinyblob", "mediumblob", "longblob", "varbinary", "binary":
		return Blob, nil
	case "datetime", "timestamp":
		return DateTime, nil
	case "date":
		return Date, nil
	}

	return Any, ErrUnsupportedType{Type: native}
}

func (driver *driverMySQL) columnDefinition(column ColumnDefinition) (SQL, error) {
	return defaultColumnDefinition(driver, column)
}

func (driver *driverMySQL) createTableModifiers() (SQL, SQL) {
	return when(driver.config.Debug, C("TEMPORARY")), mysqlEngines[driver.config.Engine]
}

func (driver *driverMySQL) defaultValues() SQL {
	return C("() VALUES ()")
}

func (driver *driverMySQL) usesLastInsertId() bool {
	return true
}

func (driver *driverMySQL) supportsMultiTableDelete() bool {
	return true
}

func (driver *driverMySQL) buffersResults() bool {
	return true
}

func (driver *driverMySQL) ListTables(ctx context.Context) ([]string, error) {
	return driver.queryStrings(ctx, constructStatement(
		C("SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() ORDER BY create_time, table_name"),
	), driver.newBinder())
}

type mysqlColumn struct {
	Name      string        `db:"column_name"`
	Type      string        `db:"data_type"`
	Size      sql.NullInt64 `db:"character_maximum_length"`
	ColumnKey string        `db:"column_key"`
	Extra     string        `db:"extra"`
}

func (driver *driverMySQL) ListColumns(ctx context.Context, table string) ([]ColumnDefinition, error) {
	binder := driver.newBinder()

	infos, err := queryStructs[mysqlColumn](ctx, driver.dbapiDriver, constructStatement(
		C(`SELECT
			column_name AS column_name,
			data_type AS data_type,
			character_maximum_length AS character_maximum_length,
			column_key AS column_key,
			extra AS extra
		FROM information_schema.columns
		WHERE table_schema = DATABASE() AND table_name = {}
		ORDER BY ordinal_position`).Format(binder.bind(table)),
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
			PrimaryKey:    info.ColumnKey == "PRI",
			AutoIncrement: strings.Contains(strings.ToLower(info.Extra), "auto_increment"),
		})
	}

	return columns, nil
}

func (driver *driverMySQL) translateError(err error) error {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrObject{Kind: ErrConnection, Name: driver.config.Host, Err: err}
	}

	var mysqlErr *mysql.MySQLError
	if !errors.As(err, &mysqlErr) {
		return nil
	}

	name := ""
	if match := mysqlQuotedName.FindStringSubmatch(mysqlErr.Message); match != nil {
		name = match[1]
	}

	switch mysqlErr.Number {
	case mysqlErrDatabaseAccessDenied, mysqlErrAccessDenied:
		return ErrObject{Kind: ErrAuthentication, Name: driver.config.User, Err: err}
	case mysqlErrBadDatabase:
		return ErrObject{Kind: ErrNoSuchDatabase, Name: driver.config.Name, Err: err}
	case mysqlErrTableExists:
		return ErrObject{Kind: ErrTableAlreadyExists, Name: name, Err: err}
	case mysqlErrBadTable, mysqlErrNoSuchTable:
		return ErrObject{Kind: ErrNoSuchTable, Name: strings.TrimPrefix(name, driver.config.Name+"."), Err: err}
	case mysqlErrParse:
		return ErrStatement{Statement: driver.lastStatement, Values: driver.lastValues, Err: fmt.Errorf("%w: %w", ErrSyntax, err)}
	}

	return nil
}

// parseMySQLURIPath reads user:pass@host:port/database?engine=MyISAM&debug=true.
func parseMySQLURIPath(path string) (map[string]string, error) {
	parsed, err := url.Parse("mysql://" + path)
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

	for key, values := range parsed.Query() {
		params[key] = values[0]
	}

	return params, nil
}

func newMySQLFromParams(params map[string]string) (Driver, error) {
	config := DriverMySQLConfig{
		Host:   params["host"],
		Port:   3306,
		User:   params["user"],
		Pass:   params["pass"],
		Name:   params["name"],
		Engine: params["engine"],
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

	if value := params["debug"]; value != "" {
		debug, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("%w: debug: %w", ErrInvalidConfig, err)
		}
		config.Debug = debug
	}

	if _, found := mysqlEngines[config.Engine]; config.Engine != "" && !found {
		return nil, fmt.Errorf("%w: unknown mysql engine %q", ErrInvalidConfig, config.Engine)
	}

	return NewDriverMySQL(config), nil
}
