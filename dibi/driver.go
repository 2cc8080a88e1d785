package dibi

import (
	"context"

	"github.com/ryanmarquardt/dibi/dibi/internal/utils"
)

// ParamStyle selects how bound parameters are marked in statement text.
type ParamStyle = utils.ParamStyle

const (
	ParamStyleQmark    = utils.ParamStyleQmark
	ParamStyleFormat   = utils.ParamStyleFormat
	ParamStyleNumeric  = utils.ParamStyleNumeric
	ParamStyleNamed    = utils.ParamStyleNamed
	ParamStylePyformat = utils.ParamStylePyformat
	ParamStyleDollar   = utils.ParamStyleDollar
)

// Driver turns the schema and expression model into statements for one
// database engine. Implementations live in this package; they all share the
// statement builder in driver_dbapi.go and differ in their dialect.
type Driver interface {
	Connect(ctx context.Context) error
	Close() error
	CreateTable(ctx context.Context, schema TableSchema, forceCreate bool) error
	DropTable(ctx context.Context, name string, ignoreAbsence bool) error
	ListTables(ctx context.Context) ([]string, error)
	ListColumns(ctx context.Context, table string) ([]ColumnDefinition, error)
	Insert(ctx context.Context, schema TableSchema, values []ColumnValue) (int64, error)
	Select(ctx context.Context, query Query) (Rows, error)
	Update(ctx context.Context, table string, criteria *Filter, values []ColumnValue) (int64, error)
	Delete(ctx context.Context, tables []string, criteria *Filter) (int64, error)
	MapType(logical LogicalType, size int) (SQL, error)
	UnmapType(native string) (DataType, error)
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
	LastStatement() (string, []any)
	dbapi() *dbapiDriver
}

// Rows is the cursor returned by Select. *sql.Rows satisfies it.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// ColumnValue is a serialized value for a named column. Value may also be
// an Expression, which is rendered in place of a parameter.
type ColumnValue struct {
	Name  string
	Value any
}

type Query struct {
	Tables   []string
	Columns  []Expression
	Criteria *Filter
	Distinct bool
}
