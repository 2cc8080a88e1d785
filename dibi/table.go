package dibi

import (
	"context"
	"fmt"
	"reflect"
	"slices"

	"github.com/ryanmarquardt/dibi/dibi/internal/utils"
)

// ImplicitPrimaryKey names the column added to tables saved without a
// primary key.
const ImplicitPrimaryKey = "__id__"

type ColumnDefinition struct {
	Name          string
	Type          DataType
	PrimaryKey    bool
	AutoIncrement bool
	Implicit      bool
}

// Column is a typed column owned by a Table. It embeds the Filter that
// references it, so comparisons can be built straight from a column:
//
//	orders.Column("amount").Equal(100)
type Column struct {
	Filter
	ColumnDefinition
	table *Table
}

func (column *Column) Table() *Table {
	return column.table
}

type ColumnOption func(definition *ColumnDefinition)

func WithPrimaryKey() ColumnOption {
	return func(definition *ColumnDefinition) {
		definition.PrimaryKey = true
	}
}

func WithAutoIncrement() ColumnOption {
	return func(definition *ColumnDefinition) {
		definition.AutoIncrement = true
	}
}

// TableSchema is the resolved, immutable description of a table that is
// handed to a driver.
type TableSchema struct {
	Name    string
	Columns []ColumnDefinition
}

func (schema TableSchema) PrimaryKey() (ColumnDefinition, bool) {
	for _, column := range schema.Columns {
		if column.PrimaryKey {
			return column, true
		}
	}

	return ColumnDefinition{}, false
}

func (schema TableSchema) Column(name string) (ColumnDefinition, bool) {
	for _, column := range schema.Columns {
		if column.Name == name {
			return column, true
		}
	}

	return ColumnDefinition{}, false
}

type Table struct {
	db         *DB
	Name       string
	columns    []*Column
	primaryKey *Column
	implicit   *Column
	schema     *TableSchema
}

type Values map[string]any

type Row []any

// AddColumn appends a column. Column names are unique within a table and a
// table has at most one primary key.
func (table *Table) AddColumn(name string, dataType DataType, options ...ColumnOption) (*Column, error) {
	if _, found := table.Column(name); found {
		return nil, ErrObject{Kind: ErrColumnAlreadyExists, Name: table.Name + "." + name}
	}

	column := &Column{
		ColumnDefinition: ColumnDefinition{
			Name: name,
			Type: dataType,
		},
		table: table,
	}
	for _, option := range options {
		option(&column.ColumnDefinition)
	}

	if column.PrimaryKey {
		if table.primaryKey != nil {
			return nil, fmt.Errorf("%w: %s already has primary key %s", ErrDuplicatePrimaryKey, table.Name, table.primaryKey.Name)
		}

		table.primaryKey = column
	}

	column.Filter = columnFilter(column)
	table.columns = append(table.columns, column)

	return column, nil
}

func (table *Table) Column(name string) (*Column, bool) {
	for _, column := range table.columns {
		if column.Name == name {
			return column, true
		}
	}

	if table.implicit != nil && table.implicit.Name == name {
		return table.implicit, true
	}

	return nil, false
}

// Columns returns the declared columns in insertion order.
func (table *Table) Columns() []*Column {
	return slices.Clone(table.columns)
}

// PrimaryKey returns the declared primary key, or the implicit one once the
// table has been saved without one.
func (table *Table) PrimaryKey() (*Column, bool) {
	if table.primaryKey != nil {
		return table.primaryKey, true
	}

	return table.implicit, table.implicit != nil
}

func (table *Table) DB() *DB {
	return table.db
}

func (table *Table) String() string {
	return fmt.Sprintf("<Table %s>", Identifier(table.Name))
}

// prepareSchema resolves the schema to create: the declared columns plus an
// implicit autoincrement key when none was declared. The table itself is
// left unchanged.
func prepareSchema(table *Table) (TableSchema, error) {
	if len(table.columns) == 0 {
		return TableSchema{}, ErrObject{Kind: ErrNoColumns, Name: table.Name}
	}

	schema := TableSchema{
		Name:    table.Name,
		Columns: make([]ColumnDefinition, 0, len(table.columns)+1),
	}
	for _, column := range table.columns {
		schema.Columns = append(schema.Columns, column.ColumnDefinition)
	}

	if table.primaryKey == nil {
		if _, found := schema.Column(ImplicitPrimaryKey); found {
			return TableSchema{}, ErrObject{Kind: ErrColumnAlreadyExists, Name: table.Name + "." + ImplicitPrimaryKey}
		}

		schema.Columns = append(schema.Columns, ColumnDefinition{
			Name:          ImplicitPrimaryKey,
			Type:          Integer,
			PrimaryKey:    true,
			AutoIncrement: true,
			Implicit:      true,
		})
	}

	return schema, nil
}

// adoptSchema records schema as the one the table exists with.
func (table *Table) adoptSchema(schema TableSchema) {
	table.schema = &schema
	table.implicit = nil

	for _, definition := range schema.Columns {
		if !definition.Implicit {
			continue
		}

		column := &Column{ColumnDefinition: definition, table: table}
		column.Filter = columnFilter(column)
		table.implicit = column
	}
}

func (table *Table) resolvedSchema() (TableSchema, error) {
	if table.schema != nil {
		return *table.schema, nil
	}

	return prepareSchema(table)
}

// Save creates the table. With forceCreate an existing table is left alone,
// otherwise it is an ErrTableAlreadyExists.
func (table *Table) Save(ctx context.Context, forceCreate bool) error {
	schema, err := prepareSchema(table)
	if err != nil {
		return err
	}

	if err := table.db.driver.CreateTable(ctx, schema, forceCreate); err != nil {
		return err
	}

	table.adoptSchema(schema)

	return nil
}

// Drop drops the table and removes it from its DB.
func (table *Table) Drop(ctx context.Context, ignoreAbsence bool) error {
	if err := table.db.driver.DropTable(ctx, table.Name, ignoreAbsence); err != nil {
		return err
	}

	table.db.removeTable(table)

	return nil
}

// Insert adds a row and returns its primary key.
func (table *Table) Insert(ctx context.Context, values Values) (int64, error) {
	schema, err := table.resolvedSchema()
	if err != nil {
		return 0, err
	}

	columnValues, err := table.columnValues(schema, values)
	if err != nil {
		return 0, err
	}

	return table.db.driver.Insert(ctx, schema, columnValues)
}

// InsertStruct inserts the db tagged fields of entity. Read only fields and
// zero valued autoincrement keys are left to the database.
func (table *Table) InsertStruct(ctx context.Context, entity any) (int64, error) {
	values := Values{}

	if err := utils.LoopOverTaggedFields(reflect.ValueOf(entity), func(tag utils.DBTag, fieldDefinition reflect.StructField, fieldValue reflect.Value) error {
		if tag.ReadOnly {
			return nil
		}

		if tag.AutoIncrement && fieldValue.IsZero() {
			return nil
		}

		if fieldValue.Kind() == reflect.Pointer {
			if fieldValue.IsNil() {
				values[tag.Column] = nil
				return nil
			}
			fieldValue = fieldValue.Elem()
		}

		values[tag.Column] = fieldValue.Interface()

		return nil
	}); err != nil {
		return 0, err
	}

	return table.Insert(ctx, values)
}

// columnValues orders values by column and serializes them. Unknown names
// fail with ErrNoSuchColumn.
func (table *Table) columnValues(schema TableSchema, values Values) ([]ColumnValue, error) {
	for name := range values {
		if _, found := schema.Column(name); !found {
			return nil, ErrObject{Kind: ErrNoSuchColumn, Name: table.Name + "." + name}
		}
	}

	columnValues := []ColumnValue{}
	for _, column := range schema.Columns {
		value, found := values[column.Name]
		if !found {
			continue
		}

		if _, isExpression := value.(Expression); !isExpression {
			serialized, err := column.Type.Serialize(value)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", column.Name, err)
			}
			value = serialized
		}

		columnValues = append(columnValues, ColumnValue{Name: column.Name, Value: value})
	}

	return columnValues, nil
}

// Get returns the row whose primary key equals key, or nil.
func (table *Table) Get(ctx context.Context, key any) (Row, error) {
	primaryKey, found := table.PrimaryKey()
	if !found {
		return nil, fmt.Errorf("%w: %s has no known primary key", ErrNoSuchColumn, table.Name)
	}

	return primaryKey.Equal(key).One(ctx)
}

// DefineTable adds a table whose columns follow the db tagged fields of
// entity, in field order.
func (db *DB) DefineTable(name string, entity any) (*Table, error) {
	table := &Table{db: db, Name: name}

	if err := utils.LoopOverTaggedFields(reflect.ValueOf(entity), func(tag utils.DBTag, fieldDefinition reflect.StructField, fieldValue reflect.Value) error {
		dataType, err := dataTypeFor(fieldDefinition.Type, tag.TypeOverride)
		if err != nil {
			return fmt.Errorf("field %s: %w", fieldDefinition.Name, err)
		}

		options := []ColumnOption{}
		if tag.PrimaryKey {
			options = append(options, WithPrimaryKey())
		}
		if tag.AutoIncrement {
			options = append(options, WithAutoIncrement())
		}

		_, err = table.AddColumn(tag.Column, dataType, options...)

		return err
	}); err != nil {
		return nil, err
	}

	if err := db.addTable(table); err != nil {
		return nil, err
	}

	return table, nil
}
