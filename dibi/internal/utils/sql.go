package utils

import (
	"database/sql"
	"fmt"
	"strings"
)

// ParamStyle is the way a database driver expects bound parameters to be
// marked inside the statement text.
type ParamStyle int

const (
	ParamStyleQmark    ParamStyle = iota // WHERE name=?
	ParamStyleFormat                     // WHERE name=%s
	ParamStyleNumeric                    // WHERE name=:1
	ParamStyleNamed                      // WHERE name=:p1
	ParamStylePyformat                   // WHERE name=%(p1)s
	ParamStyleDollar                     // WHERE name=$1
)

var paramStyleNames = map[ParamStyle]string{
	ParamStyleQmark:    "qmark",
	ParamStyleFormat:   "format",
	ParamStyleNumeric:  "numeric",
	ParamStyleNamed:    "named",
	ParamStylePyformat: "pyformat",
	ParamStyleDollar:   "dollar",
}

func (style ParamStyle) String() string {
	if name, found := paramStyleNames[style]; found {
		return name
	}

	return fmt.Sprintf("ParamStyle(%d)", int(style))
}

func ParseParamStyle(name string) (ParamStyle, error) {
	for style, styleName := range paramStyleNames {
		if strings.EqualFold(name, styleName) {
			return style, nil
		}
	}

	return 0, fmt.Errorf("unknown parameter style: %q", name)
}

// Placeholder returns the marker for the parameter at the given position
// (starting at 1) along with the argument that has to be handed to
// database/sql for it. Named styles use generated names so caller input never
// ends up in the statement text.
func Placeholder(style ParamStyle, position int, value any) (string, any) {
	name := fmt.Sprintf("p%d", position)

	switch style {
	case ParamStyleFormat:
		return "%s", value
	case ParamStyleNumeric:
		return fmt.Sprintf(":%d", position), value
	case ParamStyleNamed:
		return ":" + name, sql.Named(name, value)
	case ParamStylePyformat:
		return fmt.Sprintf("%%(%s)s", name), sql.Named(name, value)
	case ParamStyleDollar:
		return fmt.Sprintf("$%d", position), value
	default:
		return "?", value
	}
}
