package sqlstore

import (
	"fmt"
	"strconv"
	"strings"
)

type dialect struct {
	name       string
	driver     string
	types      *strings.Replacer
	numbered   bool
	lockSuffix string
	// insertIgnore renders an insert that silently skips rows whose
	// primary key already exists.
	insertIgnore func(table string, columns []string) string
	indexes      []string
}

var dialects = map[string]*dialect{
	"sqlite": {
		name:   "sqlite",
		driver: "sqlite",
		types: strings.NewReplacer(
			"{{key}}", "TEXT",
			"{{blob}}", "BLOB",
			"{{bigint}}", "INTEGER",
			"{{flows_index}}", "",
		),
		insertIgnore: func(table string, columns []string) string {
			return fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)", table, strings.Join(columns, ", "), placeholders(len(columns)))
		},
		indexes: []string{
			"CREATE INDEX IF NOT EXISTS flows_by_parent ON flows (client_id, parent_flow_id)",
		},
	},
	"mysql": {
		name:   "mysql",
		driver: "mysql",
		types: strings.NewReplacer(
			"{{key}}", "VARCHAR(191)",
			"{{blob}}", "LONGBLOB",
			"{{bigint}}", "BIGINT",
			"{{flows_index}}", ", INDEX flows_by_parent (client_id, parent_flow_id)",
		),
		lockSuffix: " FOR UPDATE",
		insertIgnore: func(table string, columns []string) string {
			return fmt.Sprintf("INSERT IGNORE INTO %s (%s) VALUES (%s)", table, strings.Join(columns, ", "), placeholders(len(columns)))
		},
	},
	"pgx": {
		name:   "postgres",
		driver: "pgx",
		types: strings.NewReplacer(
			"{{key}}", "VARCHAR(191)",
			"{{blob}}", "BYTEA",
			"{{bigint}}", "BIGINT",
			"{{flows_index}}", "",
		),
		numbered:   true,
		lockSuffix: " FOR UPDATE",
		insertIgnore: func(table string, columns []string) string {
			return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING", table, strings.Join(columns, ", "), placeholders(len(columns)))
		},
		indexes: []string{
			"CREATE INDEX IF NOT EXISTS flows_by_parent ON flows (client_id, parent_flow_id)",
		},
	},
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// rebind turns ? placeholders into $1, $2 ... for drivers that need them.
func (d *dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
