package dibi_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ryanmarquardt/dibi/dibi"
	"gotest.tools/v3/assert"
)

func newMemoryDB(t *testing.T, configFuncs ...dibi.ConfigFunc) *dibi.DB {
	t.Helper()

	db, err := dibi.New(t.Context(), dibi.NewDriverSQLite(dibi.DriverSQLiteConfig{Path: ":memory:"}), configFuncs...)
	assert.NilError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})

	return db
}

func TestSQLiteFile(t *testing.T) {
	t.Parallel()
	testSuite(t, dibi.NewDriverSQLite(dibi.DriverSQLiteConfig{
		Path:   filepath.Join(t.TempDir(), "database.sqlite"),
		Create: true,
	}))
}

func TestSQLiteMemory(t *testing.T) {
	t.Parallel()
	testSuite(t, dibi.NewDriverSQLite(dibi.DriverSQLiteConfig{Path: ":memory:"}))
}

func TestSQLiteNamedParameters(t *testing.T) {
	t.Parallel()
	testSuite(t, dibi.NewDriverSQLite(dibi.DriverSQLiteConfig{
		Path:       ":memory:",
		ParamStyle: dibi.ParamStyleNamed,
	}))
}

func TestSQLiteStatementText(t *testing.T) {
	t.Parallel()

	db := newMemoryDB(t)
	ctx := t.Context()

	orders, err := db.AddTable("orders")
	assert.NilError(t, err)
	amount, err := orders.AddColumn("amount", dibi.Integer)
	assert.NilError(t, err)
	quantity, err := orders.AddColumn("quantity", dibi.Text)
	assert.NilError(t, err)
	assert.NilError(t, orders.Save(ctx, false))

	statement, _ := db.LastStatement()
	assert.Equal(t, statement, `CREATE TABLE "orders" ("amount" INT, "quantity" TEXT, "__id__" INTEGER PRIMARY KEY ASC);`)

	_, err = amount.Equal(100).SelectAll(ctx, quantity)
	assert.NilError(t, err)

	statement, values := db.LastStatement()
	assert.Equal(t, statement, `SELECT "orders"."quantity" FROM "orders" WHERE ("orders"."amount"=?);`)
	assert.DeepEqual(t, values, []any{int64(100)})

	_, err = amount.Equal(nil).SelectAll(ctx, quantity.Concatenate("x"), amount.Sum())
	assert.NilError(t, err)

	statement, values = db.LastStatement()
	assert.Equal(t, statement, `SELECT ("orders"."quantity" || ?), total("orders"."amount") FROM "orders" WHERE ("orders"."amount" IS NULL);`)
	assert.DeepEqual(t, values, []any{"x"})

	_, err = orders.Insert(ctx, dibi.Values{})
	assert.NilError(t, err)

	statement, _ = db.LastStatement()
	assert.Equal(t, statement, `INSERT INTO "orders" DEFAULT VALUES;`)
}

func TestSQLiteNamedStatementText(t *testing.T) {
	t.Parallel()

	db, err := dibi.New(t.Context(), dibi.NewDriverSQLite(dibi.DriverSQLiteConfig{ParamStyle: dibi.ParamStyleNamed}))
	assert.NilError(t, err)
	defer func() {
		assert.NilError(t, db.Close())
	}()

	orders, err := db.AddTable("orders")
	assert.NilError(t, err)
	amount, err := orders.AddColumn("amount", dibi.Integer)
	assert.NilError(t, err)
	assert.NilError(t, orders.Save(t.Context(), false))

	_, err = dibi.And(amount.GreaterThan(1), amount.LessThan(9)).SelectAll(t.Context(), amount)
	assert.NilError(t, err)

	statement, values := db.LastStatement()
	assert.Equal(t, statement, `SELECT "orders"."amount" FROM "orders" WHERE (("orders"."amount" > :p1) AND ("orders"."amount" < :p2));`)
	assert.DeepEqual(t, values, []any{int64(1), int64(9)})
}

func TestSQLiteConfig(t *testing.T) {
	t.Parallel()

	{ // Unsupported parameter styles are refused at connect time
		_, err := dibi.New(t.Context(), dibi.NewDriverSQLite(dibi.DriverSQLiteConfig{ParamStyle: dibi.ParamStyleDollar}))
		assert.Assert(t, errors.Is(err, dibi.ErrInvalidConfig))
	}

	{ // A missing file is not created unless asked
		path := filepath.Join(t.TempDir(), "missing", "database.sqlite")
		_, err := dibi.New(t.Context(), dibi.NewDriverSQLite(dibi.DriverSQLiteConfig{Path: path}))
		assert.Assert(t, errors.Is(err, dibi.ErrNoSuchDatabase), "got %v", err)
	}

	{ // Files with URI metacharacters in their name
		path := filepath.Join(t.TempDir(), "what?#%.sqlite")
		db, err := dibi.New(t.Context(), dibi.NewDriverSQLite(dibi.DriverSQLiteConfig{Path: path, Create: true}))
		assert.NilError(t, err)
		assert.NilError(t, db.Close())
	}
}

func TestSQLiteMultiTableDelete(t *testing.T) {
	t.Parallel()

	db := newMemoryDB(t)
	ctx := t.Context()

	customers, err := db.DefineTable("customers", Customer{})
	assert.NilError(t, err)
	assert.NilError(t, customers.Save(ctx, false))
	purchases, err := db.DefineTable("purchases", Purchase{})
	assert.NilError(t, err)
	assert.NilError(t, purchases.Save(ctx, false))

	customerID, _ := customers.Column("id")
	purchaseCustomer, _ := purchases.Column("customer")

	_, err = customerID.Equal(purchaseCustomer).Delete(ctx)
	assert.Assert(t, errors.Is(err, dibi.ErrAmbiguousTarget))
}

func TestSQLiteHooks(t *testing.T) {
	t.Parallel()

	statements := []string{}
	finished := 0
	maxOpen := 0

	db := newMemoryDB(t,
		dibi.WithPostConnectFunc(func(db *sql.DB) error {
			db.SetMaxOpenConns(4)
			maxOpen = db.Stats().MaxOpenConnections
			return nil
		}),
		dibi.WithPreRunFunc(func(ctx context.Context, statement string, args []any) error {
			statements = append(statements, statement)
			return nil
		}),
		dibi.WithPostRunFunc(func(ctx context.Context) error {
			finished++
			return nil
		}),
	)

	assert.Equal(t, maxOpen, 4)

	_, err := db.Driver().ListTables(t.Context())
	assert.NilError(t, err)
	assert.Equal(t, len(statements), 1)
	assert.Assert(t, strings.Contains(statements[0], "sqlite_master"))
	assert.Equal(t, finished, 1)

	{ // A failing pre-run hook stops the statement
		blocked := errors.New("blocked")
		db := newMemoryDB(t, dibi.WithPreRunFunc(func(ctx context.Context, statement string, args []any) error {
			return blocked
		}))

		table, err := db.AddTable("t")
		assert.NilError(t, err)
		_, err = table.AddColumn("c", dibi.Text)
		assert.NilError(t, err)
		assert.Assert(t, errors.Is(table.Save(t.Context(), false), blocked))
	}
}

func TestSQLiteUnmappableType(t *testing.T) {
	t.Parallel()

	db := newMemoryDB(t)

	orders, err := db.AddTable("orders")
	assert.NilError(t, err)
	_, err = orders.AddColumn("amount", dibi.Integer)
	assert.NilError(t, err)

	_, err = orders.AddColumn("blob", dibi.NewDataType("Broken", dibi.LogicalAny, 0, nil, nil))
	assert.NilError(t, err)

	err = orders.Save(t.Context(), false)
	var unsupported dibi.ErrUnsupportedType
	assert.Assert(t, errors.As(err, &unsupported))
	assert.Equal(t, unsupported.Type, "ANY")
}

func TestSQLiteCloseWithOpenSelection(t *testing.T) {
	t.Parallel()

	db, err := dibi.New(t.Context(), dibi.NewDriverSQLite(dibi.DriverSQLiteConfig{
		Path:   filepath.Join(t.TempDir(), "database.sqlite"),
		Create: true,
	}))
	assert.NilError(t, err)

	ctx := t.Context()

	orders, err := db.AddTable("orders")
	assert.NilError(t, err)
	amount, err := orders.AddColumn("amount", dibi.Integer)
	assert.NilError(t, err)
	assert.NilError(t, orders.Save(ctx, false))

	for _, value := range []int{1, 2, 3} {
		_, err := orders.Insert(ctx, dibi.Values{"amount": value})
		assert.NilError(t, err)
	}

	selection, err := orders.Select(ctx, amount)
	assert.NilError(t, err)
	assert.Assert(t, selection.Next())

	assert.NilError(t, db.Close())
	assert.Assert(t, !selection.Next())
}

func TestSQLiteEmptyProjection(t *testing.T) {
	t.Parallel()

	db := newMemoryDB(t)

	orders, err := db.AddTable("orders")
	assert.NilError(t, err)
	_, err = orders.AddColumn("amount", dibi.Integer)
	assert.NilError(t, err)
	assert.NilError(t, orders.Save(t.Context(), false))

	_, err = orders.Select(t.Context(), dibi.Filter{})
	assert.Assert(t, errors.Is(err, dibi.ErrNoTables), "got %v", err)
}
