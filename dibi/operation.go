package dibi

import (
	"fmt"
	"slices"
	"strings"
)

// Operator is the closed set of operations a Filter node can apply.
type Operator int

const (
	operatorColumn Operator = iota
	OperatorAnd
	OperatorOr
	OperatorNot
	OperatorEqual
	OperatorNotEqual
	OperatorGreaterThan
	OperatorGreaterEqual
	OperatorLessThan
	OperatorLessEqual
	OperatorAdd
	OperatorSubtract
	OperatorMultiply
	OperatorDivide
	OperatorModulo
	OperatorNegative
	OperatorLeftShift
	OperatorRightShift
	OperatorConcatenate
	OperatorSum
	OperatorAverage
	OperatorMaximum
	OperatorMinimum
	OperatorCount
	operatorCount
)

var operatorNames = [operatorCount]string{
	operatorColumn:       "COLUMN",
	OperatorAnd:          "AND",
	OperatorOr:           "OR",
	OperatorNot:          "NOT",
	OperatorEqual:        "EQUAL",
	OperatorNotEqual:     "NOTEQUAL",
	OperatorGreaterThan:  "GREATERTHAN",
	OperatorGreaterEqual: "GREATEREQUAL",
	OperatorLessThan:     "LESSTHAN",
	OperatorLessEqual:    "LESSEQUAL",
	OperatorAdd:          "ADD",
	OperatorSubtract:     "SUBTRACT",
	OperatorMultiply:     "MULTIPLY",
	OperatorDivide:       "DIVIDE",
	OperatorModulo:       "MODULO",
	OperatorNegative:     "NEGATIVE",
	OperatorLeftShift:    "LEFTSHIFT",
	OperatorRightShift:   "RIGHTSHIFT",
	OperatorConcatenate:  "CONCATENATE",
	OperatorSum:          "SUM",
	OperatorAverage:      "AVERAGE",
	OperatorMaximum:      "MAXIMUM",
	OperatorMinimum:      "MINIMUM",
	OperatorCount:        "COUNT",
}

func (operator Operator) String() string {
	if operator < 0 || operator >= operatorCount {
		return fmt.Sprintf("Operator(%d)", int(operator))
	}

	return operatorNames[operator]
}

func (operator Operator) Arity() int {
	switch operator {
	case operatorColumn:
		return 0
	case OperatorNot, OperatorNegative,
		OperatorSum, OperatorAverage, OperatorMaximum, OperatorMinimum, OperatorCount:
		return 1
	default:
		return 2
	}
}

func (operator Operator) isComparison() bool {
	switch operator {
	case OperatorEqual, OperatorNotEqual,
		OperatorGreaterThan, OperatorGreaterEqual,
		OperatorLessThan, OperatorLessEqual:
		return true
	}

	return false
}

func (operator Operator) isPredicate() bool {
	switch operator {
	case OperatorAnd, OperatorOr, OperatorNot:
		return true
	}

	return operator.isComparison()
}

// Expression is a Filter or anything that wraps one, such as a Column.
type Expression interface {
	Tables() []*Table
	expression() Filter
}

// Filter is an immutable expression node. Arguments are Filters or literal
// values. Every builder returns a new node and leaves its operands untouched.
type Filter struct {
	operator  Operator
	arguments []any
	column    *Column
	tables    []*Table
}

func newFilter(operator Operator, arguments ...any) Filter {
	if len(arguments) != operator.Arity() {
		panic(fmt.Sprintf("dibi: %s takes %d arguments, got %d", operator, operator.Arity(), len(arguments)))
	}

	filter := Filter{
		operator:  operator,
		arguments: make([]any, 0, len(arguments)),
	}

	for _, argument := range arguments {
		if expression, ok := argument.(Expression); ok {
			inner := expression.expression()
			for _, table := range inner.tables {
				if !slices.Contains(filter.tables, table) {
					filter.tables = append(filter.tables, table)
				}
			}
			argument = inner
		}

		filter.arguments = append(filter.arguments, argument)
	}

	return filter
}

func columnFilter(column *Column) Filter {
	return Filter{
		operator: operatorColumn,
		column:   column,
		tables:   []*Table{column.table},
	}
}

func (filter Filter) expression() Filter {
	return filter
}

// Tables lists every table referenced anywhere in the expression, in order
// of first appearance.
func (filter Filter) Tables() []*Table {
	return slices.Clone(filter.tables)
}

func (filter Filter) Operator() Operator {
	return filter.operator
}

// Column returns the column for a column reference node.
func (filter Filter) Column() (*Column, bool) {
	return filter.column, filter.column != nil
}

// DataType is the type used to deserialize the expression when it is
// selected.
func (filter Filter) DataType() DataType {
	switch {
	case filter.column != nil:
		return filter.column.Type
	case filter.operator == OperatorCount, filter.operator.isPredicate():
		return Integer
	case filter.operator == OperatorAverage:
		return Float
	case filter.operator == OperatorConcatenate:
		return Text
	}

	for _, argument := range filter.arguments {
		if inner, ok := argument.(Filter); ok {
			if dataType := inner.DataType(); dataType.Logical != LogicalAny {
				return dataType
			}
		}
	}

	return Any
}

// String renders the expression as ANSI SQL with literals inlined.
func (filter Filter) String() string {
	rendered, err := renderExpression(filter, defaultOperators, Identifier, func(hint DataType, value any) (SQL, error) {
		serialized, err := hint.Serialize(value)
		if err != nil {
			return sqlEmpty, err
		}

		return Literal(serialized)
	})
	if err != nil {
		return fmt.Sprintf("<invalid expression: %s>", err)
	}

	return rendered.String()
}

// literalRenderer turns a literal operand into SQL. hint is the type of the
// column the literal is compared with, or Any.
type literalRenderer func(hint DataType, value any) (SQL, error)

func renderExpression(filter Filter, operators *operatorTable, quote func(name string) SQL, literal literalRenderer) (SQL, error) {
	if filter.column != nil {
		return C("{}.{}").Format(quote(filter.column.table.Name), quote(filter.column.Name)), nil
	}

	if filter.operator == operatorColumn {
		return sqlEmpty, fmt.Errorf("%w: expression has no column", ErrNoTables)
	}

	render := operators[filter.operator]
	if render == nil {
		panic(fmt.Sprintf("dibi: no rendering for operator %s", filter.operator))
	}

	// Literals compared with a column are serialized with its type.
	hint := Any
	if filter.operator.isComparison() {
		for _, argument := range filter.arguments {
			if inner, ok := argument.(Filter); ok && inner.column != nil {
				hint = inner.column.Type
				break
			}
		}
	}

	rendered := make([]SQL, 0, len(filter.arguments))
	for _, argument := range filter.arguments {
		var part SQL
		var err error

		if inner, ok := argument.(Filter); ok {
			part, err = renderExpression(inner, operators, quote, literal)
		} else {
			part, err = literal(hint, argument)
		}
		if err != nil {
			return sqlEmpty, err
		}

		rendered = append(rendered, part)
	}

	return render(rendered...), nil
}

func expressionName(filter Filter) string {
	if filter.column != nil {
		return filter.column.table.Name + "." + filter.column.Name
	}

	parts := make([]string, 0, len(filter.arguments))
	for _, argument := range filter.arguments {
		if inner, ok := argument.(Filter); ok {
			parts = append(parts, expressionName(inner))
		} else {
			parts = append(parts, fmt.Sprint(argument))
		}
	}

	return fmt.Sprintf("%s(%s)", strings.ToLower(filter.operator.String()), strings.Join(parts, ", "))
}

// Builders. Binary builders take their operands in source order, so
// Subtract(5, column) renders as (5 - column).

func And(first Expression, rest ...Expression) Filter {
	filter := first.expression()
	for _, next := range rest {
		filter = newFilter(OperatorAnd, filter, next)
	}

	return filter
}

func Or(first Expression, rest ...Expression) Filter {
	filter := first.expression()
	for _, next := range rest {
		filter = newFilter(OperatorOr, filter, next)
	}

	return filter
}

func Not(value Expression) Filter { return newFilter(OperatorNot, value) }

func Equal(left, right any) Filter        { return newFilter(OperatorEqual, left, right) }
func NotEqual(left, right any) Filter     { return newFilter(OperatorNotEqual, left, right) }
func GreaterThan(left, right any) Filter  { return newFilter(OperatorGreaterThan, left, right) }
func GreaterEqual(left, right any) Filter { return newFilter(OperatorGreaterEqual, left, right) }
func LessThan(left, right any) Filter     { return newFilter(OperatorLessThan, left, right) }
func LessEqual(left, right any) Filter    { return newFilter(OperatorLessEqual, left, right) }
func Add(left, right any) Filter          { return newFilter(OperatorAdd, left, right) }
func Subtract(left, right any) Filter     { return newFilter(OperatorSubtract, left, right) }
func Multiply(left, right any) Filter     { return newFilter(OperatorMultiply, left, right) }
func Divide(left, right any) Filter       { return newFilter(OperatorDivide, left, right) }
func Modulo(left, right any) Filter       { return newFilter(OperatorModulo, left, right) }
func LeftShift(left, right any) Filter    { return newFilter(OperatorLeftShift, left, right) }
func RightShift(left, right any) Filter   { return newFilter(OperatorRightShift, left, right) }
func Concatenate(left, right any) Filter  { return newFilter(OperatorConcatenate, left, right) }
func Negative(value any) Filter           { return newFilter(OperatorNegative, value) }

func Sum(value Expression) Filter     { return newFilter(OperatorSum, value) }
func Average(value Expression) Filter { return newFilter(OperatorAverage, value) }
func Maximum(value Expression) Filter { return newFilter(OperatorMaximum, value) }
func Minimum(value Expression) Filter { return newFilter(OperatorMinimum, value) }
func Count(value Expression) Filter   { return newFilter(OperatorCount, value) }

func (filter Filter) And(others ...Expression) Filter { return And(filter, others...) }
func (filter Filter) Or(others ...Expression) Filter  { return Or(filter, others...) }
func (filter Filter) Not() Filter                     { return Not(filter) }

func (filter Filter) Equal(value any) Filter        { return Equal(filter, value) }
func (filter Filter) NotEqual(value any) Filter     { return NotEqual(filter, value) }
func (filter Filter) GreaterThan(value any) Filter  { return GreaterThan(filter, value) }
func (filter Filter) GreaterEqual(value any) Filter { return GreaterEqual(filter, value) }
func (filter Filter) LessThan(value any) Filter     { return LessThan(filter, value) }
func (filter Filter) LessEqual(value any) Filter    { return LessEqual(filter, value) }
func (filter Filter) Add(value any) Filter          { return Add(filter, value) }
func (filter Filter) Subtract(value any) Filter     { return Subtract(filter, value) }
func (filter Filter) Multiply(value any) Filter     { return Multiply(filter, value) }
func (filter Filter) Divide(value any) Filter       { return Divide(filter, value) }
func (filter Filter) Modulo(value any) Filter       { return Modulo(filter, value) }
func (filter Filter) LeftShift(value any) Filter    { return LeftShift(filter, value) }
func (filter Filter) RightShift(value any) Filter   { return RightShift(filter, value) }
func (filter Filter) Concatenate(value any) Filter  { return Concatenate(filter, value) }
func (filter Filter) Negative() Filter              { return Negative(filter) }

func (filter Filter) Sum() Filter     { return Sum(filter) }
func (filter Filter) Average() Filter { return Average(filter) }
func (filter Filter) Maximum() Filter { return Maximum(filter) }
func (filter Filter) Minimum() Filter { return Minimum(filter) }
func (filter Filter) Count() Filter   { return Count(filter) }

// operatorFunc renders an operator over already rendered arguments.
type operatorFunc func(args ...SQL) SQL

// operatorTable maps every operator to its rendering. Dialects start from
// defaultOperators and override individual entries.
type operatorTable [operatorCount]operatorFunc

func template(text SQL) operatorFunc {
	return func(args ...SQL) SQL {
		return text.Format(args...)
	}
}

// nullAware switches to the IS form when either side is NULL. NULL always
// ends up on the right.
func nullAware(text SQL, isNull SQL) operatorFunc {
	return func(args ...SQL) SQL {
		if slices.Contains(args, sqlNull) {
			if len(args) == 2 && args[0] == sqlNull {
				args = []SQL{args[1], args[0]}
			}

			return isNull.Format(args...)
		}

		return text.Format(args...)
	}
}

func (table *operatorTable) with(overrides map[Operator]operatorFunc) *operatorTable {
	merged := *table
	for operator, render := range overrides {
		merged[operator] = render
	}

	return &merged
}

var defaultOperators = &operatorTable{
	OperatorAnd:          template(C("({} AND {})")),
	OperatorOr:           template(C("({} OR {})")),
	OperatorNot:          template(C("(NOT {})")),
	OperatorEqual:        nullAware(C("({}={})"), C("({} IS {})")),
	OperatorNotEqual:     nullAware(C("({}!={})"), C("({} IS NOT {})")),
	OperatorGreaterThan:  template(C("({} > {})")),
	OperatorGreaterEqual: template(C("({} >= {})")),
	OperatorLessThan:     template(C("({} < {})")),
	OperatorLessEqual:    template(C("({} <= {})")),
	OperatorAdd:          template(C("({} + {})")),
	OperatorSubtract:     template(C("({} - {})")),
	OperatorMultiply:     template(C("({} * {})")),
	OperatorDivide:       template(C("({} / {})")),
	OperatorModulo:       template(C("({} % {})")),
	OperatorNegative:     template(C("(-{})")),
	OperatorLeftShift:    template(C("({} << {})")),
	OperatorRightShift:   template(C("({} >> {})")),
	OperatorConcatenate:  template(C("({} || {})")),
	OperatorSum:          template(C("sum({})")),
	OperatorAverage:      template(C("avg({})")),
	OperatorMaximum:      template(C("max({})")),
	OperatorMinimum:      template(C("min({})")),
	OperatorCount:        template(C("count({})")),
}
