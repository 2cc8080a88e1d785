package utils

import (
	"reflect"
	"strings"
)

type DBTag struct {
	Column        string
	ReadOnly      bool
	PrimaryKey    bool
	AutoIncrement bool
	TypeOverride  string
}

// ParseTag reads a `db:"column,option,..."` struct tag. Recognized options
// are readOnly, primaryKey, autoIncrement and type=<name>.
func ParseTag(tagString reflect.StructTag) DBTag {
	parts := strings.Split(tagString.Get("db"), ",")

	tag := DBTag{}

	for i, part := range parts {
		if i == 0 {
			tag.Column = part
			continue
		}

		switch {
		case part == "readOnly":
			tag.ReadOnly = true
		case part == "primaryKey":
			tag.PrimaryKey = true
		case part == "autoIncrement":
			tag.AutoIncrement = true
		case strings.HasPrefix(part, "type="):
			tag.TypeOverride = strings.TrimPrefix(part, "type=")
		}
	}

	return tag
}
