package dibi

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// LogicalType is the tag drivers use to pick a native column type.
type LogicalType int

const (
	LogicalAny LogicalType = iota
	LogicalInteger
	LogicalReal
	LogicalText
	LogicalBlob
	LogicalDateTime
)

func (logical LogicalType) String() string {
	switch logical {
	case LogicalInteger:
		return "INT"
	case LogicalReal:
		return "REAL"
	case LogicalText:
		return "TEXT"
	case LogicalBlob:
		return "BLOB"
	case LogicalDateTime:
		return "DATETIME"
	default:
		return "ANY"
	}
}

const (
	dateLayout     = time.DateOnly
	dateTimeLayout = "2006-01-02T15:04:05.999999999"
)

// DataType converts between application values and the values handed to
// and returned by database/sql.
type DataType struct {
	Name        string
	Logical     LogicalType
	Size        int
	serialize   func(value any) (any, error)
	deserialize func(value any) (any, error)
}

func NewDataType(
	name string,
	logical LogicalType,
	size int,
	serialize func(value any) (any, error),
	deserialize func(value any) (any, error),
) DataType {
	return DataType{
		Name:        name,
		Logical:     logical,
		Size:        size,
		serialize:   serialize,
		deserialize: deserialize,
	}
}

// Serialize converts an application value to a driver value. nil stays nil.
func (dataType DataType) Serialize(value any) (any, error) {
	if value == nil || dataType.serialize == nil {
		return value, nil
	}

	serialized, err := dataType.serialize(value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dataType.Name, err)
	}

	return serialized, nil
}

// Deserialize converts a value scanned from a row. nil stays nil.
func (dataType DataType) Deserialize(value any) (any, error) {
	if value == nil || dataType.deserialize == nil {
		return value, nil
	}

	deserialized, err := dataType.deserialize(value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dataType.Name, err)
	}

	return deserialized, nil
}

func (dataType DataType) String() string {
	return dataType.Name
}

var (
	Any      = NewDataType("Any", LogicalAny, 0, nil, nil)
	Integer  = NewDataType("Integer", LogicalInteger, 64, toInt64, toInt64)
	Float    = NewDataType("Float", LogicalReal, 64, toFloat64, toFloat64)
	Text     = NewDataType("Text", LogicalText, 512, toText, toText)
	Blob     = NewDataType("Blob", LogicalBlob, 0, toBytes, toBytes)
	Date     = NewDataType("Date", LogicalText, 512, serializeDate, deserializeDate)
	DateTime = NewDataType("DateTime", LogicalDateTime, 0, serializeDateTime, deserializeDateTime)
)

func unsupported(value any) error {
	return fmt.Errorf("%w: %T", ErrUnsupportedValue, value)
}

func toInt64(value any) (any, error) {
	switch typed := value.(type) {
	case bool:
		if typed {
			return int64(1), nil
		}
		return int64(0), nil
	case []byte:
		return strconv.ParseInt(string(typed), 10, 64)
	case string:
		return strconv.ParseInt(typed, 10, 64)
	}

	reflected := reflect.ValueOf(value)
	switch reflected.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return reflected.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if reflected.Uint() > math.MaxInt64 {
			return nil, fmt.Errorf("%w: %d overflows int64", ErrUnsupportedValue, reflected.Uint())
		}
		return int64(reflected.Uint()), nil
	case reflect.Float32, reflect.Float64:
		f := reflected.Float()
		if math.IsInf(f, 0) || f != math.Trunc(f) {
			return nil, fmt.Errorf("%w: %v is not integral", ErrUnsupportedValue, f)
		}
		if f < math.MinInt64 || f >= math.MaxInt64 {
			return nil, fmt.Errorf("%w: %v overflows int64", ErrUnsupportedValue, f)
		}
		return int64(f), nil
	}

	return nil, unsupported(value)
}

func toFloat64(value any) (any, error) {
	switch typed := value.(type) {
	case []byte:
		return strconv.ParseFloat(string(typed), 64)
	case string:
		return strconv.ParseFloat(typed, 64)
	}

	reflected := reflect.ValueOf(value)
	switch reflected.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(reflected.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(reflected.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return reflected.Float(), nil
	}

	return nil, unsupported(value)
}

func toText(value any) (any, error) {
	switch typed := value.(type) {
	case string:
		return typed, nil
	case []byte:
		return string(typed), nil
	case time.Time:
		return typed.Format(dateTimeLayout), nil
	case fmt.Stringer:
		return typed.String(), nil
	}

	switch reflect.ValueOf(value).Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.String:
		return fmt.Sprint(value), nil
	}

	return nil, unsupported(value)
}

func toBytes(value any) (any, error) {
	switch typed := value.(type) {
	case []byte:
		return append([]byte{}, typed...), nil
	case string:
		return []byte(typed), nil
	}

	return nil, unsupported(value)
}

func serializeDate(value any) (any, error) {
	switch typed := value.(type) {
	case time.Time:
		return typed.Format(dateLayout), nil
	case string:
		if _, err := time.Parse(dateLayout, typed); err != nil {
			return nil, err
		}
		return typed, nil
	}

	return nil, unsupported(value)
}

func deserializeDate(value any) (any, error) {
	switch typed := value.(type) {
	case time.Time:
		year, month, day := typed.Date()
		return time.Date(year, month, day, 0, 0, 0, 0, time.UTC), nil
	case []byte:
		return deserializeDate(string(typed))
	case string:
		if len(typed) > len(dateLayout) {
			typed = typed[:len(dateLayout)]
		}
		return time.Parse(dateLayout, typed)
	}

	return nil, unsupported(value)
}

func serializeDateTime(value any) (any, error) {
	switch typed := value.(type) {
	case time.Time:
		return typed.UTC().Format(dateTimeLayout), nil
	case string:
		parsed, err := deserializeDateTime(typed)
		if err != nil {
			return nil, err
		}
		return parsed.(time.Time).Format(dateTimeLayout), nil
	}

	return nil, unsupported(value)
}

var dateTimeLayouts = []string{
	dateTimeLayout,
	"2006-01-02 15:04:05.999999999",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	dateLayout,
}

func deserializeDateTime(value any) (any, error) {
	switch typed := value.(type) {
	case time.Time:
		return typed.UTC(), nil
	case []byte:
		return deserializeDateTime(string(typed))
	case string:
		for _, layout := range dateTimeLayouts {
			if parsed, err := time.Parse(layout, typed); err == nil {
				return parsed.UTC(), nil
			}
		}
		return nil, fmt.Errorf("%w: unrecognized timestamp %q", ErrUnsupportedValue, typed)
	}

	return nil, unsupported(value)
}

// dataTypeFor picks the DataType for a Go type when a table is defined from
// a struct. override is the type= option of the db tag.
func dataTypeFor(t reflect.Type, override string) (DataType, error) {
	if override != "" {
		for _, dataType := range []DataType{Integer, Float, Text, Blob, Date, DateTime} {
			if strings.EqualFold(dataType.Name, override) {
				return dataType, nil
			}
		}

		return DataType{}, ErrUnsupportedType{Type: override}
	}

	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	if t == reflect.TypeFor[time.Time]() {
		return DateTime, nil
	}

	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return Integer, nil
	case reflect.Float32, reflect.Float64:
		return Float, nil
	case reflect.String:
		return Text, nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return Blob, nil
		}
	}

	return DataType{}, ErrUnsupportedType{Type: t.String()}
}
