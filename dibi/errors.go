package dibi

import (
	"errors"
	"fmt"
)

var (
	ErrNoSuchTable         = errors.New("no such table")
	ErrNoSuchColumn        = errors.New("no such column")
	ErrNoSuchDatabase      = errors.New("no such database")
	ErrTableAlreadyExists  = errors.New("table already exists")
	ErrColumnAlreadyExists = errors.New("column already exists")
	ErrDuplicatePrimaryKey = errors.New("duplicate primary key")
	ErrNoColumns           = errors.New("table has no columns")
	ErrNoTables            = errors.New("expression references no tables")
	ErrConnection          = errors.New("unable to connect")
	ErrAuthentication      = errors.New("authentication failed")
	ErrSyntax              = errors.New("syntax error")
	ErrUnsupportedLiteral  = errors.New("unsupported literal")
	ErrUnsupportedValue    = errors.New("unsupported value")
	ErrAmbiguousTarget     = errors.New("ambiguous target")
	ErrUnknownDriver       = errors.New("unknown driver")
	ErrInvalidURI          = errors.New("invalid uri")
	ErrURINotSupported     = errors.New("driver does not support uri construction")
	ErrInvalidConfig       = errors.New("invalid driver config")
)

// ErrObject is an error about a named object such as a table, a database or
// a user. Kind is one of the sentinel errors above.
type ErrObject struct {
	Kind error
	Name string
	Err  error
}

func (err ErrObject) Error() string {
	if err.Name == "" {
		return err.Kind.Error()
	}

	return fmt.Sprintf("%s: %s", err.Kind, err.Name)
}

func (err ErrObject) Unwrap() []error {
	if err.Err == nil {
		return []error{err.Kind}
	}

	return []error{err.Kind, err.Err}
}

// ErrStatement wraps an engine error that has no translation, along with
// the statement that caused it.
type ErrStatement struct {
	Statement string
	Values    []any
	Err       error
}

func (err ErrStatement) Error() string {
	if err.Statement == "" {
		return err.Err.Error()
	}

	return fmt.Sprintf("%s (statement: %s, values: %v)", err.Err, err.Statement, err.Values)
}

func (err ErrStatement) Unwrap() error {
	return err.Err
}

type ErrUnsupportedType struct {
	Type string
}

func (err ErrUnsupportedType) Error() string {
	return fmt.Sprintf("unsupported type: %s", err.Type)
}
