package sqltx

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect identifies the SQL flavor of a database.
type Dialect string

const (
	// Postgres uses $n placeholders and RETURNING.
	Postgres Dialect = "postgres"
	// MySQL uses ? placeholders and LastInsertId.
	MySQL Dialect = "mysql"
)

// ParseDialect accepts the database type names used in configuration.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgres", "postgresql":
		return Postgres, nil
	case "mysql":
		return MySQL, nil
	default:
		return "", fmt.Errorf("unsupported sql dialect %q", name)
	}
}

// System is the OpenTelemetry db.system value of d.
func (d Dialect) System() string {
	if d == Postgres {
		return "postgresql"
	}
	return string(d)
}

// Rebind rewrites ? placeholders into the dialect's style. Queries must not
// contain literal question marks.
func (d Dialect) Rebind(query string) string {
	if d != Postgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] != '?' {
			b.WriteByte(query[i])
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

// Placeholders returns n comma separated ? placeholders.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
