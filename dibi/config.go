package dibi

import (
	"context"
	"database/sql"
	"log/slog"
)

type ConfigFunc func(db *DB) error

func WithPostConnectFunc(callback func(db *sql.DB) error) ConfigFunc {
	return func(db *DB) error {
		return callback(db.driver.dbapi().standardLibraryDB)
	}
}

func WithPreRunFunc(preRunFunc func(ctx context.Context, statement string, args []any) error) ConfigFunc {
	return func(db *DB) error {
		driver := db.driver.dbapi()
		driver.preRunFuncs = append(driver.preRunFuncs, preRunFunc)
		return nil
	}
}

func WithPostRunFunc(postRunFunc func(ctx context.Context) error) ConfigFunc {
	return func(db *DB) error {
		driver := db.driver.dbapi()
		driver.postRunFuncs = append(driver.postRunFuncs, postRunFunc)
		return nil
	}
}

// WithLogger logs every statement before it is sent.
func WithLogger(logger *slog.Logger) ConfigFunc {
	return WithPreRunFunc(func(ctx context.Context, statement string, args []any) error {
		logger.DebugContext(ctx, "Database Run",
			"statement", statement,
			"args", args,
		)

		return nil
	})
}
