package dibi

import (
	"context"
	"slices"
)

// DB owns a connected Driver and the tables known to it.
type DB struct {
	driver Driver
	tables []*Table
}

// New connects driver and applies configFuncs in order.
func New(
	ctx context.Context,
	driver Driver,
	configFuncs ...ConfigFunc,
) (*DB, error) {
	if err := driver.Connect(ctx); err != nil {
		return nil, err
	}

	db := &DB{
		driver: driver,
		tables: []*Table{},
	}

	for _, configFunc := range configFuncs {
		if err := configFunc(db); err != nil {
			_ = driver.Close()
			return nil, err
		}
	}

	return db, nil
}

func (db *DB) Driver() Driver {
	return db.driver
}

func (db *DB) Close() error {
	return db.driver.Close()
}

// AddTable registers a new, empty table. No statement is issued until the
// table is saved.
func (db *DB) AddTable(name string) (*Table, error) {
	table := &Table{db: db, Name: name}
	if err := db.addTable(table); err != nil {
		return nil, err
	}

	return table, nil
}

func (db *DB) addTable(table *Table) error {
	if _, found := db.Table(table.Name); found {
		return ErrObject{Kind: ErrTableAlreadyExists, Name: table.Name}
	}

	db.tables = append(db.tables, table)

	return nil
}

func (db *DB) removeTable(table *Table) {
	db.tables = slices.DeleteFunc(db.tables, func(t *Table) bool {
		return t == table
	})
}

func (db *DB) Table(name string) (*Table, bool) {
	for _, table := range db.tables {
		if table.Name == name {
			return table, true
		}
	}

	return nil, false
}

// Tables lists the known tables in the order they were added.
func (db *DB) Tables() []*Table {
	return slices.Clone(db.tables)
}

// Reflect adds every table found in the database catalog that is not known
// yet, with the columns the catalog reports.
func (db *DB) Reflect(ctx context.Context) ([]*Table, error) {
	names, err := db.driver.ListTables(ctx)
	if err != nil {
		return nil, err
	}

	added := []*Table{}
	for _, name := range names {
		if _, found := db.Table(name); found {
			continue
		}

		definitions, err := db.driver.ListColumns(ctx, name)
		if err != nil {
			return nil, err
		}

		table := &Table{db: db, Name: name}
		schema := TableSchema{Name: name}
		for _, definition := range definitions {
			if definition.Name == ImplicitPrimaryKey && definition.PrimaryKey {
				definition.Implicit = true
			}

			schema.Columns = append(schema.Columns, definition)
			if definition.Implicit {
				continue
			}

			column, err := table.AddColumn(definition.Name, definition.Type)
			if err != nil {
				return nil, err
			}
			column.ColumnDefinition = definition
			if definition.PrimaryKey {
				table.primaryKey = column
			}
		}

		table.adoptSchema(schema)

		if err := db.addTable(table); err != nil {
			return nil, err
		}

		added = append(added, table)
	}

	return added, nil
}

func (db *DB) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.driver.Transaction(ctx, fn)
}

func (db *DB) LastStatement() (string, []any) {
	return db.driver.LastStatement()
}
