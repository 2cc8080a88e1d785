package dibi

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"
)

// Selectable is a Table or a Filter: something statements can be issued
// against. A Filter selects from the tables it references and constrains
// the statement with itself.
type Selectable interface {
	Select(ctx context.Context, expressions ...Expression) (*Selection, error)
	SelectDistinct(ctx context.Context, expressions ...Expression) (*Selection, error)
	SelectAll(ctx context.Context, expressions ...Expression) ([]Row, error)
	One(ctx context.Context, expressions ...Expression) (Row, error)
	Update(ctx context.Context, values Values) (int64, error)
	Delete(ctx context.Context) (int64, error)
}

var (
	_ Selectable = (*Table)(nil)
	_ Selectable = Filter{}
)

type scope struct {
	db       *DB
	tables   []*Table
	criteria *Filter
}

func (table *Table) scope() scope {
	return scope{db: table.db, tables: []*Table{table}}
}

func (filter Filter) scope() (scope, error) {
	if len(filter.tables) == 0 {
		return scope{}, ErrNoTables
	}

	db := filter.tables[0].db
	for _, table := range filter.tables[1:] {
		if table.db != db {
			return scope{}, fmt.Errorf("%w: expression spans more than one database", ErrAmbiguousTarget)
		}
	}

	return scope{db: db, tables: filter.Tables(), criteria: &filter}, nil
}

func (s scope) tableNames(extra ...*Table) []string {
	names := []string{}
	seen := map[*Table]bool{}
	for _, table := range slices.Concat(s.tables, extra) {
		if seen[table] {
			continue
		}
		seen[table] = true
		names = append(names, table.Name)
	}

	return names
}

// projection defaults to every non-implicit column of every table in scope.
func (s scope) projection(expressions []Expression) []Filter {
	filters := []Filter{}

	if len(expressions) == 0 {
		for _, table := range s.tables {
			for _, column := range table.columns {
				if column.Implicit {
					continue
				}
				filters = append(filters, column.Filter)
			}
		}

		return filters
	}

	for _, expression := range expressions {
		filters = append(filters, expression.expression())
	}

	return filters
}

func (s scope) selection(ctx context.Context, distinct bool, expressions []Expression) (*Selection, error) {
	columns := s.projection(expressions)

	extra := []*Table{}
	rendered := make([]Expression, 0, len(columns))
	for _, column := range columns {
		extra = append(extra, column.tables...)
		rendered = append(rendered, column)
	}

	rows, err := s.db.driver.Select(ctx, Query{
		Tables:   s.tableNames(extra...),
		Columns:  rendered,
		Criteria: s.criteria,
		Distinct: distinct,
	})
	if err != nil {
		return nil, err
	}

	statement, _ := s.db.driver.LastStatement()

	return &Selection{
		rows:      rows,
		columns:   columns,
		statement: statement,
	}, nil
}

func (s scope) selectAll(ctx context.Context, expressions []Expression) ([]Row, error) {
	selection, err := s.selection(ctx, false, expressions)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = selection.Close()
	}()

	rows := []Row{}
	for row, err := range selection.All() {
		if err != nil {
			return nil, err
		}

		rows = append(rows, row)
	}

	return rows, nil
}

func (s scope) one(ctx context.Context, expressions []Expression) (Row, error) {
	selection, err := s.selection(ctx, false, expressions)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = selection.Close()
	}()

	if !selection.Next() {
		return nil, selection.Err()
	}

	return selection.Row(), nil
}

func (s scope) update(ctx context.Context, values Values) (int64, error) {
	if len(s.tables) != 1 {
		return 0, fmt.Errorf("%w: update spans %d tables", ErrAmbiguousTarget, len(s.tables))
	}

	table := s.tables[0]

	schema, err := table.resolvedSchema()
	if err != nil {
		return 0, err
	}

	columnValues, err := table.columnValues(schema, values)
	if err != nil {
		return 0, err
	}

	if len(columnValues) == 0 {
		return 0, nil
	}

	return s.db.driver.Update(ctx, table.Name, s.criteria, columnValues)
}

func (s scope) delete(ctx context.Context) (int64, error) {
	return s.db.driver.Delete(ctx, s.tableNames(), s.criteria)
}

func (table *Table) Select(ctx context.Context, expressions ...Expression) (*Selection, error) {
	return table.scope().selection(ctx, false, expressions)
}

func (table *Table) SelectDistinct(ctx context.Context, expressions ...Expression) (*Selection, error) {
	return table.scope().selection(ctx, true, expressions)
}

func (table *Table) SelectAll(ctx context.Context, expressions ...Expression) ([]Row, error) {
	return table.scope().selectAll(ctx, expressions)
}

func (table *Table) One(ctx context.Context, expressions ...Expression) (Row, error) {
	return table.scope().one(ctx, expressions)
}

func (table *Table) Update(ctx context.Context, values Values) (int64, error) {
	return table.scope().update(ctx, values)
}

func (table *Table) Delete(ctx context.Context) (int64, error) {
	return table.scope().delete(ctx)
}

func (filter Filter) Select(ctx context.Context, expressions ...Expression) (*Selection, error) {
	s, err := filter.scope()
	if err != nil {
		return nil, err
	}

	return s.selection(ctx, false, expressions)
}

func (filter Filter) SelectDistinct(ctx context.Context, expressions ...Expression) (*Selection, error) {
	s, err := filter.scope()
	if err != nil {
		return nil, err
	}

	return s.selection(ctx, true, expressions)
}

func (filter Filter) SelectAll(ctx context.Context, expressions ...Expression) ([]Row, error) {
	s, err := filter.scope()
	if err != nil {
		return nil, err
	}

	return s.selectAll(ctx, expressions)
}

func (filter Filter) One(ctx context.Context, expressions ...Expression) (Row, error) {
	s, err := filter.scope()
	if err != nil {
		return nil, err
	}

	return s.one(ctx, expressions)
}

func (filter Filter) Update(ctx context.Context, values Values) (int64, error) {
	s, err := filter.scope()
	if err != nil {
		return 0, err
	}

	return s.update(ctx, values)
}

func (filter Filter) Delete(ctx context.Context) (int64, error) {
	s, err := filter.scope()
	if err != nil {
		return 0, err
	}

	return s.delete(ctx)
}

// Selection is a forward only cursor over the rows of a SELECT. Rows hold
// deserialized values in projection order. It can not be restarted.
type Selection struct {
	rows      Rows
	columns   []Filter
	statement string
	row       Row
	err       error
}

func (selection *Selection) Next() bool {
	if selection.err != nil || !selection.rows.Next() {
		return false
	}

	raw := make([]any, len(selection.columns))
	pointers := make([]any, len(raw))
	for i := range raw {
		pointers[i] = &raw[i]
	}

	if err := selection.rows.Scan(pointers...); err != nil {
		selection.err = err
		return false
	}

	row := make(Row, len(raw))
	for i, value := range raw {
		deserialized, err := selection.columns[i].DataType().Deserialize(value)
		if err != nil {
			selection.err = fmt.Errorf("column %s: %w", expressionName(selection.columns[i]), err)
			return false
		}

		row[i] = deserialized
	}

	selection.row = row

	return true
}

func (selection *Selection) Row() Row {
	return selection.row
}

func (selection *Selection) Err() error {
	if selection.err != nil {
		return selection.err
	}

	return selection.rows.Err()
}

func (selection *Selection) Close() error {
	return selection.rows.Close()
}

// All yields every remaining row and closes the selection when done.
func (selection *Selection) All() iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		defer func() {
			_ = selection.Close()
		}()

		for selection.Next() {
			if !yield(selection.Row(), nil) {
				return
			}
		}

		if err := selection.Err(); err != nil {
			yield(nil, err)
		}
	}
}

// Columns names the projected expressions, e.g. orders.amount or
// sum(orders.amount).
func (selection *Selection) Columns() []string {
	names := make([]string, 0, len(selection.columns))
	for _, column := range selection.columns {
		names = append(names, expressionName(column))
	}

	return names
}

func (selection *Selection) Statement() string {
	return selection.statement
}

func (selection *Selection) String() string {
	parts := make([]string, 0, len(selection.columns))
	for _, column := range selection.columns {
		parts = append(parts, column.String())
	}

	return fmt.Sprintf("<Selection(%s)>", strings.Join(parts, ", "))
}
