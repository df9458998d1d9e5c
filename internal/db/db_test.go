package db

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	q := `UPDATE requests SET overall_status=? WHERE id=? AND note='why?' AND current_step=?`
	assert.Equal(t, q, Rebind(SQLite, q))
	assert.Equal(t,
		`UPDATE requests SET overall_status=$1 WHERE id=$2 AND note='why?' AND current_step=$3`,
		Rebind(Postgres, q))
}

func TestParseDialect(t *testing.T) {
	for in, want := range map[string]Dialect{"": SQLite, "sqlite": SQLite, "Postgres": Postgres, "pgx": Postgres} {
		got, err := ParseDialect(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDialect("mssql")
	assert.Error(t, err)
}

func TestOpenSQLiteWorkspace(t *testing.T) {
	dir := t.TempDir()
	conn, dialect, err := Open(Config{Workspace: dir, MaxOpenConns: 4})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, SQLite, dialect)
	require.NoError(t, conn.Ping())
	_, err = os.Stat(Path(dir))
	assert.NoError(t, err)
}

func TestOpenPostgresRequiresDSN(t *testing.T) {
	_, _, err := Open(Config{Driver: "postgres"})
	assert.Error(t, err)
}
