package dibi_test

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/ryanmarquardt/dibi/dibi"
	"gotest.tools/v3/assert"
)

type Customer struct {
	ID     int64     `db:"id,primaryKey,autoIncrement"`
	Name   string    `db:"name"`
	Joined time.Time `db:"joined"`
}

type Purchase struct {
	Customer int64   `db:"customer"`
	Total    float64 `db:"total"`
	Note     *string `db:"note"`
	Audited  bool    `db:"-"`
}

var errRollback = errors.New("rollback requested")

// statementCounter counts the statements sent through a DB.
type statementCounter struct {
	count int
}

func (counter *statementCounter) configFunc() dibi.ConfigFunc {
	return dibi.WithPreRunFunc(func(ctx context.Context, statement string, args []any) error {
		counter.count++
		return nil
	})
}

func countRows(t *testing.T, table *dibi.Table) int64 {
	t.Helper()

	primaryKey, found := table.PrimaryKey()
	assert.Assert(t, found)

	row, err := table.One(t.Context(), primaryKey.Count())
	assert.NilError(t, err)

	return row[0].(int64)
}

func testSuite(t *testing.T, driver dibi.Driver, configFuncs ...dibi.ConfigFunc) {
	counter := &statementCounter{}
	configFuncs = append(configFuncs, dibi.WithLogger(slog.Default()), counter.configFunc())

	db, err := dibi.New(t.Context(), driver, configFuncs...)
	assert.NilError(t, err)
	defer func() {
		assert.NilError(t, db.Close())
	}()

	ctx := t.Context()
	january := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	april := time.Date(2000, 4, 10, 0, 0, 0, 0, time.UTC)

	orders, err := db.AddTable("orders")
	assert.NilError(t, err)
	amount, err := orders.AddColumn("amount", dibi.Integer)
	assert.NilError(t, err)
	quantity, err := orders.AddColumn("quantity", dibi.Text)
	assert.NilError(t, err)
	_, err = orders.AddColumn("date", dibi.Date)
	assert.NilError(t, err)

	{ // Create the table
		assert.NilError(t, orders.Save(ctx, false))
		assert.Equal(t, len(orders.Columns()), 3)

		primaryKey, found := orders.PrimaryKey()
		assert.Assert(t, found)
		assert.Equal(t, primaryKey.Name, dibi.ImplicitPrimaryKey)
		assert.Assert(t, primaryKey.Implicit)
	}

	{ // Creating it again fails unless forced
		err := orders.Save(ctx, false)
		assert.Assert(t, errors.Is(err, dibi.ErrTableAlreadyExists), "got %v", err)
		assert.NilError(t, orders.Save(ctx, true))
	}

	{ // Inserts return the generated key
		key, err := orders.Insert(ctx, dibi.Values{"amount": 100, "quantity": 2, "date": "2000-01-01"})
		assert.NilError(t, err)
		assert.Equal(t, key, int64(1))

		key, err = orders.Insert(ctx, dibi.Values{"amount": 450, "quantity": 11, "date": april})
		assert.NilError(t, err)
		assert.Equal(t, key, int64(2))
	}

	{ // Select returns every row in insertion order
		rows, err := orders.SelectAll(ctx)
		assert.NilError(t, err)
		assert.DeepEqual(t, rows, []dibi.Row{
			{int64(100), "2", january},
			{int64(450), "11", april},
		})
	}

	{ // A filter selects from the table it references
		rows, err := amount.Equal(100).SelectAll(ctx, quantity)
		assert.NilError(t, err)
		assert.DeepEqual(t, rows, []dibi.Row{{"2"}})

		statement, values := db.LastStatement()
		assert.Assert(t, strings.HasPrefix(statement, "SELECT "), statement)
		assert.Assert(t, strings.Contains(statement, " WHERE "), statement)
		assert.Assert(t, strings.HasSuffix(statement, ";"), statement)
		assert.DeepEqual(t, values, []any{int64(100)})
	}

	{ // Selections are iterated once
		selection, err := orders.Select(ctx, amount)
		assert.NilError(t, err)
		assert.DeepEqual(t, selection.Columns(), []string{"orders.amount"})
		assert.Assert(t, strings.Contains(selection.Statement(), "SELECT"))

		total := int64(0)
		for selection.Next() {
			total += selection.Row()[0].(int64)
		}
		assert.NilError(t, selection.Err())
		assert.NilError(t, selection.Close())
		assert.Equal(t, total, int64(550))
	}

	{ // Rows can be updated while a selection is open
		selection, err := orders.Select(ctx, amount)
		assert.NilError(t, err)

		updated := int64(0)
		for row, err := range selection.All() {
			assert.NilError(t, err)

			affected, err := amount.Equal(row[0]).Update(ctx, dibi.Values{"quantity": "0"})
			assert.NilError(t, err)
			updated += affected
		}
		assert.Equal(t, updated, int64(2))

		rows, err := orders.SelectAll(ctx, quantity)
		assert.NilError(t, err)
		assert.DeepEqual(t, rows, []dibi.Row{{"0"}, {"0"}})

		_, err = amount.Equal(100).Update(ctx, dibi.Values{"quantity": "2"})
		assert.NilError(t, err)
		_, err = amount.Equal(450).Update(ctx, dibi.Values{"quantity": "11"})
		assert.NilError(t, err)
	}

	{ // Get finds a row by primary key
		row, err := orders.Get(ctx, 2)
		assert.NilError(t, err)
		assert.DeepEqual(t, row, dibi.Row{int64(450), "11", april})

		row, err = orders.Get(ctx, 99)
		assert.NilError(t, err)
		assert.Assert(t, row == nil)
	}

	{ // Aggregates
		row, err := orders.One(ctx, amount.Sum(), amount.Count(), amount.Maximum(), amount.Minimum(), amount.Average())
		assert.NilError(t, err)
		assert.DeepEqual(t, row, dibi.Row{int64(550), int64(2), int64(450), int64(100), float64(275)})
	}

	{ // Arithmetic keeps operand order
		rows, err := orders.SelectAll(ctx, amount.Add(1), dibi.Subtract(1000, amount), amount.Multiply(2), amount.Modulo(7))
		assert.NilError(t, err)
		assert.DeepEqual(t, rows, []dibi.Row{
			{int64(101), int64(900), int64(200), int64(2)},
			{int64(451), int64(550), int64(900), int64(2)},
		})
	}

	{ // Comparisons combine
		rows, err := dibi.And(amount.GreaterThan(50), amount.LessEqual(100)).SelectAll(ctx, amount)
		assert.NilError(t, err)
		assert.DeepEqual(t, rows, []dibi.Row{{int64(100)}})

		rows, err = dibi.Or(amount.LessThan(50), amount.GreaterEqual(450)).SelectAll(ctx, amount)
		assert.NilError(t, err)
		assert.DeepEqual(t, rows, []dibi.Row{{int64(450)}})

		rows, err = amount.Equal(100).Not().SelectAll(ctx, amount)
		assert.NilError(t, err)
		assert.DeepEqual(t, rows, []dibi.Row{{int64(450)}})
	}

	{ // NULL compares with IS
		_, err := orders.Insert(ctx, dibi.Values{"quantity": "7"})
		assert.NilError(t, err)

		rows, err := amount.Equal(nil).SelectAll(ctx, quantity)
		assert.NilError(t, err)
		assert.DeepEqual(t, rows, []dibi.Row{{"7"}})

		row, err := amount.NotEqual(nil).One(ctx, amount.Count())
		assert.NilError(t, err)
		assert.DeepEqual(t, row, dibi.Row{int64(2)})

		affected, err := amount.Equal(nil).Delete(ctx)
		assert.NilError(t, err)
		assert.Equal(t, affected, int64(1))
	}

	{ // Unknown columns are rejected before anything is sent
		before := counter.count
		_, err := orders.Insert(ctx, dibi.Values{"price": 1})
		assert.Assert(t, errors.Is(err, dibi.ErrNoSuchColumn))
		assert.Equal(t, counter.count, before)
	}

	{ // Update every row
		affected, err := orders.Update(ctx, dibi.Values{"quantity": 5})
		assert.NilError(t, err)
		assert.Equal(t, affected, int64(2))

		rows, err := orders.SelectAll(ctx, quantity)
		assert.NilError(t, err)
		assert.DeepEqual(t, rows, []dibi.Row{{"5"}, {"5"}})

		selection, err := orders.SelectDistinct(ctx, quantity)
		assert.NilError(t, err)
		distinct := []dibi.Row{}
		for row, err := range selection.All() {
			assert.NilError(t, err)
			distinct = append(distinct, row)
		}
		assert.DeepEqual(t, distinct, []dibi.Row{{"5"}})
	}

	{ // Update through a filter, with an expression as the new value
		affected, err := amount.Equal(100).Update(ctx, dibi.Values{"amount": amount.Add(1)})
		assert.NilError(t, err)
		assert.Equal(t, affected, int64(1))

		rows, err := orders.SelectAll(ctx, amount)
		assert.NilError(t, err)
		assert.DeepEqual(t, rows, []dibi.Row{{int64(101)}, {int64(450)}})
	}

	{ // Nested transactions roll back together
		before := countRows(t, orders)

		err := db.Transaction(ctx, func(ctx context.Context) error {
			if _, err := orders.Insert(ctx, dibi.Values{"amount": 1}); err != nil {
				return err
			}

			return db.Transaction(ctx, func(ctx context.Context) error {
				if _, err := orders.Insert(ctx, dibi.Values{"amount": 2}); err != nil {
					return err
				}

				return errRollback
			})
		})
		assert.Assert(t, errors.Is(err, errRollback))
		assert.Equal(t, countRows(t, orders), before)
	}

	{ // A panic rolls back and keeps going
		before := countRows(t, orders)

		func() {
			defer func() {
				assert.Equal(t, recover(), "boom")
			}()

			_ = db.Transaction(ctx, func(ctx context.Context) error {
				if _, err := orders.Insert(ctx, dibi.Values{"amount": 3}); err != nil {
					return err
				}
				panic("boom")
			})
		}()

		assert.Equal(t, countRows(t, orders), before)
	}

	{ // Nested transactions commit together
		before := countRows(t, orders)

		assert.NilError(t, db.Transaction(ctx, func(ctx context.Context) error {
			if _, err := orders.Insert(ctx, dibi.Values{"amount": 4}); err != nil {
				return err
			}

			return db.Transaction(ctx, func(ctx context.Context) error {
				_, err := orders.Insert(ctx, dibi.Values{"amount": 5})
				return err
			})
		}))

		assert.Equal(t, countRows(t, orders), before+2)
	}

	customers, err := db.DefineTable("customers", Customer{})
	assert.NilError(t, err)
	assert.NilError(t, customers.Save(ctx, false))

	purchases, err := db.DefineTable("purchases", &Purchase{})
	assert.NilError(t, err)
	assert.NilError(t, purchases.Save(ctx, false))

	joined := time.Date(2001, 2, 3, 4, 5, 6, 0, time.UTC)
	customerID, _ := customers.Column("id")
	customerName, _ := customers.Column("name")
	purchaseCustomer, _ := purchases.Column("customer")
	purchaseTotal, _ := purchases.Column("total")

	{ // Structs insert through their tags
		key, err := customers.InsertStruct(ctx, Customer{Name: "ann", Joined: joined})
		assert.NilError(t, err)
		assert.Equal(t, key, int64(1))

		key, err = customers.InsertStruct(ctx, &Customer{ID: 7, Name: "bob", Joined: joined})
		assert.NilError(t, err)
		assert.Equal(t, key, int64(7))

		note := "gift"
		for _, purchase := range []Purchase{
			{Customer: 1, Total: 12.5, Note: &note},
			{Customer: 1, Total: 3},
			{Customer: 7, Total: 40, Audited: true},
		} {
			_, err := purchases.InsertStruct(ctx, purchase)
			assert.NilError(t, err)
		}

		row, err := customers.Get(ctx, 1)
		assert.NilError(t, err)
		assert.DeepEqual(t, row, dibi.Row{int64(1), "ann", joined})
	}

	join := dibi.And(customerID.Equal(purchaseCustomer), purchaseTotal.GreaterThan(10))

	{ // A filter over two tables selects from both
		assert.Equal(t, len(join.Tables()), 2)

		rows, err := join.SelectAll(ctx, customerName, purchaseTotal)
		assert.NilError(t, err)
		slices.SortFunc(rows, func(a, b dibi.Row) int {
			return strings.Compare(a[0].(string), b[0].(string))
		})
		assert.DeepEqual(t, rows, []dibi.Row{{"ann", 12.5}, {"bob", float64(40)}})
	}

	{ // Update over two tables is refused before anything is sent
		before := counter.count
		_, err := join.Update(ctx, dibi.Values{"total": 0})
		assert.Assert(t, errors.Is(err, dibi.ErrAmbiguousTarget))
		assert.Equal(t, counter.count, before)
	}

	{ // Deleting from several tables without criteria empties each one
		affected, err := db.Driver().Delete(ctx, []string{"customers", "purchases"}, nil)
		assert.NilError(t, err)
		assert.Equal(t, affected, int64(5))
		assert.Equal(t, countRows(t, customers), int64(0))
		assert.Equal(t, countRows(t, purchases), int64(0))
	}

	{ // Adding a known table fails without contacting the database
		before := counter.count
		_, err := db.AddTable("t")
		assert.NilError(t, err)
		_, err = db.AddTable("t")
		assert.Assert(t, errors.Is(err, dibi.ErrTableAlreadyExists))
		assert.Equal(t, counter.count, before)
	}

	{ // Catalog listing
		names, err := db.Driver().ListTables(ctx)
		assert.NilError(t, err)
		for _, name := range []string{"orders", "customers", "purchases"} {
			assert.Assert(t, slices.Contains(names, name), "%s missing from %v", name, names)
		}

		definitions, err := db.Driver().ListColumns(ctx, "orders")
		assert.NilError(t, err)
		columnNames := []string{}
		for _, definition := range definitions {
			columnNames = append(columnNames, definition.Name)
			assert.Equal(t, definition.PrimaryKey, definition.Name == dibi.ImplicitPrimaryKey)
		}
		assert.DeepEqual(t, columnNames, []string{"amount", "quantity", "date", dibi.ImplicitPrimaryKey})

		_, err = db.Driver().ListColumns(ctx, "missing")
		assert.Assert(t, errors.Is(err, dibi.ErrNoSuchTable))
	}

	{ // Tables made elsewhere are reflected
		assert.NilError(t, db.Driver().CreateTable(ctx, dibi.TableSchema{
			Name: "ledger",
			Columns: []dibi.ColumnDefinition{
				{Name: "entry", Type: dibi.Text},
				{Name: dibi.ImplicitPrimaryKey, Type: dibi.Integer, PrimaryKey: true, AutoIncrement: true, Implicit: true},
			},
		}, false))

		reflected, err := db.Reflect(ctx)
		assert.NilError(t, err)
		assert.Equal(t, len(reflected), 1)

		ledger := reflected[0]
		assert.Equal(t, ledger.Name, "ledger")
		assert.Equal(t, len(ledger.Columns()), 1)

		entry, found := ledger.Column("entry")
		assert.Assert(t, found)
		assert.Equal(t, entry.Type.Logical, dibi.LogicalText)

		primaryKey, found := ledger.PrimaryKey()
		assert.Assert(t, found)
		assert.Assert(t, primaryKey.Implicit)

		key, err := ledger.Insert(ctx, dibi.Values{"entry": "opening"})
		assert.NilError(t, err)
		assert.Equal(t, key, int64(1))

		rows, err := ledger.SelectAll(ctx)
		assert.NilError(t, err)
		assert.DeepEqual(t, rows, []dibi.Row{{"opening"}})

		again, err := db.Reflect(ctx)
		assert.NilError(t, err)
		assert.Equal(t, len(again), 0)
	}

	{ // Hostile names are only ever identifiers
		hostile, err := db.AddTable(`"; DROP TABLE orders;`)
		assert.NilError(t, err)
		_, err = hostile.AddColumn(`x"y`, dibi.Text)
		assert.NilError(t, err)
		assert.NilError(t, hostile.Save(ctx, false))

		_, err = hostile.Insert(ctx, dibi.Values{`x"y`: "'; DROP TABLE orders; --"})
		assert.NilError(t, err)

		rows, err := hostile.SelectAll(ctx)
		assert.NilError(t, err)
		assert.DeepEqual(t, rows, []dibi.Row{{"'; DROP TABLE orders; --"}})

		assert.NilError(t, hostile.Drop(ctx, false))
		assert.Equal(t, countRows(t, orders), int64(4))
	}

	{ // Delete every row
		affected, err := orders.Delete(ctx)
		assert.NilError(t, err)
		assert.Equal(t, affected, int64(4))

		rows, err := orders.SelectAll(ctx)
		assert.NilError(t, err)
		assert.Equal(t, len(rows), 0)
	}

	{ // Drop removes the table
		assert.NilError(t, orders.Drop(ctx, false))
		_, found := db.Table("orders")
		assert.Assert(t, !found)

		_, err := orders.Insert(ctx, dibi.Values{"amount": 1})
		assert.Assert(t, errors.Is(err, dibi.ErrNoSuchTable), "got %v", err)

		err = orders.Drop(ctx, false)
		assert.Assert(t, errors.Is(err, dibi.ErrNoSuchTable), "got %v", err)

		assert.NilError(t, orders.Drop(ctx, true))
		assert.NilError(t, orders.Drop(ctx, true))
	}

	for _, table := range []*dibi.Table{customers, purchases} {
		assert.NilError(t, table.Drop(ctx, false))
	}
}
