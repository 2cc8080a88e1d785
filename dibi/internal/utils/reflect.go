package utils

import (
	"fmt"
	"reflect"
)

// LoopOverTaggedFields calls fieldHandler for every exported field of a
// struct (or pointer to struct) that carries a db tag naming a column.
func LoopOverTaggedFields(value reflect.Value, fieldHandler func(tag DBTag, fieldDefinition reflect.StructField, fieldValue reflect.Value) error) error {
	if value.Kind() == reflect.Pointer {
		value = value.Elem()
	}

	if value.Kind() != reflect.Struct {
		return fmt.Errorf("expected a struct, got %s", value.Kind())
	}

	for i := range value.NumField() {
		fieldValue := value.Field(i)
		fieldDefinition := value.Type().Field(i)

		if !fieldDefinition.IsExported() {
			continue
		}

		tag := ParseTag(fieldDefinition.Tag)
		if tag.Column == "" || tag.Column == "-" {
			continue
		}

		if err := fieldHandler(tag, fieldDefinition, fieldValue); err != nil {
			return err
		}
	}

	return nil
}
