package db

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vvka-141/txloop/pkg/txloop"
)

func TestParsePoolConfig(t *testing.T) {
	t.Setenv("PGDATABASE", "")
	t.Setenv("PGAPPNAME", "")

	t.Run("database override", func(t *testing.T) {
		cfg, err := ParsePoolConfig("postgres://loop@db.internal:6432/ledger", "audit")
		require.NoError(t, err)
		assert.Equal(t, "audit", cfg.ConnConfig.Database)
		assert.Equal(t, "db.internal", cfg.ConnConfig.Host)
		assert.Equal(t, uint16(6432), cfg.ConnConfig.Port)
	})

	t.Run("keeps database without override", func(t *testing.T) {
		cfg, err := ParsePoolConfig("host=db.internal dbname=ledger", "")
		require.NoError(t, err)
		assert.Equal(t, "ledger", cfg.ConnConfig.Database)
	})

	t.Run("application name", func(t *testing.T) {
		cfg, err := ParsePoolConfig("host=db.internal", "")
		require.NoError(t, err)
		assert.Equal(t, DefaultAppName, cfg.ConnConfig.RuntimeParams["application_name"])

		cfg, err = ParsePoolConfig("host=db.internal application_name=billing", "")
		require.NoError(t, err)
		assert.Equal(t, "billing", cfg.ConnConfig.RuntimeParams["application_name"])
	})

	for name, connString := range map[string]string{
		"empty":          "",
		"blank":          "   ",
		"no equals sign": "db.internal",
		"bad sslmode":    "host=db.internal sslmode=sometimes",
		"bad port":       "postgres://db.internal:notaport/ledger",
	} {
		t.Run("rejects "+name, func(t *testing.T) {
			_, err := ParsePoolConfig(connString, "")
			assert.ErrorIs(t, err, txloop.ErrInvalidConfig)
		})
	}
}

func TestKeywordValue(t *testing.T) {
	got := KeywordValue(map[string]string{
		"user":    "loop",
		"host":    "db.internal",
		"dbname":  "",
		"sslmode": "require",
	})

	assert.Equal(t, "host=db.internal sslmode=require user=loop", got, "sorted, empty values skipped")
}

func TestKeywordValue_ParsesBack(t *testing.T) {
	values := []string{
		"ledger",
		"o'brien",
		"two words",
		`C:\certs\root.crt`,
		`trailing\`,
		"tab\there",
		"'quoted'",
		"a=b",
		"ünïcode",
	}

	for _, want := range values {
		t.Run(want, func(t *testing.T) {
			connString := KeywordValue(map[string]string{"host": "db.internal", "dbname": want})

			cfg, err := pgconn.ParseConfig(connString)
			require.NoError(t, err, connString)
			assert.Equal(t, want, cfg.Database, connString)
		})
	}
}

func FuzzParsePoolConfig(f *testing.F) {
	for _, seed := range []string{
		"",
		"host=db.internal dbname=ledger",
		"postgres://loop:pw@db.internal:5432/ledger?sslmode=disable",
		"postgresql:///ledger?host=/var/run/postgresql",
		"host='unterminated",
		"dbname=\\",
		"=value",
		"port=99999",
	} {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, connString string) {
		cfg, err := ParsePoolConfig(connString, "")
		if err != nil {
			if !errors.Is(err, txloop.ErrInvalidConfig) {
				t.Fatalf("ParsePoolConfig(%q) error %v does not wrap ErrInvalidConfig", connString, err)
			}
			return
		}
		if _, ok := cfg.ConnConfig.RuntimeParams["application_name"]; !ok {
			t.Fatalf("ParsePoolConfig(%q) left application_name unset", connString)
		}
	})
}
