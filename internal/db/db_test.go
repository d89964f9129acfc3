package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectRequiresDSN(t *testing.T) {
	_, err := Connect("")
	require.ErrorIs(t, err, ErrMissingDSN)

	t.Setenv("DATABASE_URL", "")
	_, err = ConnectFromEnv()
	assert.ErrorIs(t, err, ErrMissingDSN)
}

func TestEnsureSchemaRejectsOddNames(t *testing.T) {
	for _, name := range []string{"", "Places", "places; drop table x", `"quoted"`, "1abc"} {
		assert.Error(t, EnsureSchema(nil, name), name)
	}
}
