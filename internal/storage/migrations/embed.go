// Package migrations owns the schema of the PostgreSQL state backend and the
// ClickHouse history sink, embedded so cmd/migrate ships as one binary.
package migrations

import (
	"embed"
	"io/fs"
	"path"
	"sort"
	"strings"
)

//go:embed postgres/*.sql clickhouse/*.sql
var schemaFS embed.FS

// Dialect names a migration directory.
type Dialect string

const (
	Postgres   Dialect = "postgres"
	ClickHouse Dialect = "clickhouse"
)

// Files lists the dialect's .sql files in apply order.
func Files(d Dialect) ([]string, error) {
	entries, err := fs.ReadDir(schemaFS, string(d))
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func readFile(d Dialect, name string) (string, error) {
	data, err := fs.ReadFile(schemaFS, path.Join(string(d), name))
	return string(data), err
}
