package db

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vvka-141/txloop/pkg/txloop"
)

// DefaultAppName is reported as application_name unless the connection
// string sets one.
const DefaultAppName = "txloop"

// ParsePoolConfig parses a PostgreSQL URI or keyword/value connection string.
// Settings it leaves out fall back to the libpq environment (PGHOST,
// PGPASSWORD, ...) and ~/.pgpass, as with psql. A non-empty database
// replaces the one in connString.
func ParsePoolConfig(connString, database string) (*pgxpool.Config, error) {
	if strings.TrimSpace(connString) == "" {
		return nil, fmt.Errorf("%w: connection string is empty", txloop.ErrInvalidConfig)
	}

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", txloop.ErrInvalidConfig, err)
	}

	if database != "" {
		cfg.ConnConfig.Database = database
	}
	if _, ok := cfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		cfg.ConnConfig.RuntimeParams["application_name"] = DefaultAppName
	}
	return cfg, nil
}

// KeywordValue renders settings as a keyword/value connection string, e.g.
// host=db port=5432 sslmode=require. Keys are sorted and empty values
// skipped; values are quoted when needed.
func KeywordValue(settings map[string]string) string {
	keys := make([]string, 0, len(settings))
	for k, v := range settings {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+quoteValue(settings[k]))
	}
	return strings.Join(parts, " ")
}

func quoteValue(v string) string {
	if !strings.ContainsAny(v, " \t\n\r\v\f'\\") {
		return v
	}
	escaped := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(v)
	return "'" + escaped + "'"
}

// Address returns host:port of the primary host for messages.
func Address(cfg *pgconn.Config) string {
	return net.JoinHostPort(cfg.Host, strconv.Itoa(int(cfg.Port)))
}
