package dibi

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// constant is unexported so that C only accepts untyped string constants.
// A string variable can not be converted to it from outside the package.
type constant string

// SQL is text that is safe to splice into a statement. Values are only
// produced by C, Identifier, Literal and the Join/JoinWords/Format
// combinators, so caller controlled data can not become statement text
// without passing through quoting first.
type SQL struct {
	text string
}

var (
	sqlEmpty = SQL{}
	sqlNull  = C("NULL")
)

// C wraps a string constant written in source code.
func C(text constant) SQL {
	return SQL{text: string(text)}
}

func (s SQL) String() string {
	return s.text
}

func (s SQL) IsEmpty() bool {
	return s.text == ""
}

// Join concatenates values using s as the separator.
func (s SQL) Join(values ...SQL) SQL {
	parts := make([]string, 0, len(values))
	for _, value := range values {
		parts = append(parts, value.text)
	}

	return SQL{text: strings.Join(parts, s.text)}
}

// JoinWords joins the non-empty words with a single space.
func JoinWords(words ...SQL) SQL {
	parts := make([]SQL, 0, len(words))
	for _, word := range words {
		if word.IsEmpty() {
			continue
		}

		parts = append(parts, word)
	}

	return C(" ").Join(parts...)
}

// Format fills every {} in s with the next argument. The number of slots
// must match the number of arguments.
func (s SQL) Format(args ...SQL) SQL {
	pieces := strings.Split(s.text, "{}")
	if len(pieces)-1 != len(args) {
		panic(fmt.Sprintf("dibi: template %q has %d slots, got %d arguments", s.text, len(pieces)-1, len(args)))
	}

	builder := strings.Builder{}
	for i, piece := range pieces {
		builder.WriteString(piece)
		if i < len(args) {
			builder.WriteString(args[i].text)
		}
	}

	return SQL{text: builder.String()}
}

// Identifier quotes name with ANSI double quotes.
func Identifier(name string) SQL {
	return quoteIdentifier(name, `"`)
}

func quoteIdentifier(name string, quote string) SQL {
	return SQL{text: quote + strings.ReplaceAll(name, quote, quote+quote) + quote}
}

func integer(value int) SQL {
	return SQL{text: strconv.Itoa(value)}
}

// placeholder wraps the parameter markers produced by utils.Placeholder.
func placeholder(marker string) SQL {
	return SQL{text: marker}
}

// Literal renders value as inline SQL. nil becomes NULL, strings are single
// quoted with embedded quotes doubled, numbers are written bare. Anything else
// fails with ErrUnsupportedLiteral.
func Literal(value any) (SQL, error) {
	if value == nil {
		return sqlNull, nil
	}

	switch typed := value.(type) {
	case SQL:
		return typed, nil
	case string:
		return SQL{text: "'" + strings.ReplaceAll(typed, "'", "''") + "'"}, nil
	case []byte:
		return SQL{text: "X'" + hex.EncodeToString(typed) + "'"}, nil
	case bool:
		if typed {
			return C("1"), nil
		}
		return C("0"), nil
	}

	reflected := reflect.ValueOf(value)
	switch reflected.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return SQL{text: strconv.FormatInt(reflected.Int(), 10)}, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return SQL{text: strconv.FormatUint(reflected.Uint(), 10)}, nil
	case reflect.Float32, reflect.Float64:
		return SQL{text: strconv.FormatFloat(reflected.Float(), 'g', -1, 64)}, nil
	case reflect.String:
		return Literal(reflected.String())
	}

	return sqlEmpty, fmt.Errorf("%w: %T", ErrUnsupportedLiteral, value)
}

// constructStatement joins the non-empty words and terminates the statement.
func constructStatement(words ...SQL) SQL {
	return SQL{text: JoinWords(words...).text + ";"}
}
