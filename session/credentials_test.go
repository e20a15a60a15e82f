package session

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/loopcore/errors"
)

func TestCredentials_Lifecycle(t *testing.T) {
	c := New("abc")
	assert.True(t, c.Present())
	assert.Equal(t, "Bearer abc", c.Header().Get("Authorization"))

	c.Clear()
	assert.False(t, c.Present())
	assert.Empty(t, c.Header().Get("Authorization"))

	c.Set("def")
	assert.Equal(t, "def", c.Token())
}

func TestCredentials_NilIsSignedOut(t *testing.T) {
	var c *Credentials
	assert.Equal(t, "", c.Token())
	assert.False(t, c.Present())
}

func TestLoad_DefaultEnv(t *testing.T) {
	t.Setenv(TokenEnv, "from-env")
	c, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, "from-env", c.Token())
}

func TestCredentials_Concurrent(t *testing.T) {
	c := New("")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); c.Set("x") }()
		go func() { defer wg.Done(); _ = c.Header() }()
	}
	wg.Wait()
	assert.Equal(t, "x", c.Token())
}

func TestLoad(t *testing.T) {
	file := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(file, []byte("  from-file \nignored\n"), 0o600))

	t.Setenv("ACME_TOKEN", "")
	c, err := Load("ACME_TOKEN", file)
	require.NoError(t, err)
	assert.Equal(t, "from-file", c.Token())

	t.Setenv("ACME_TOKEN", "from-env")
	c, err = Load("ACME_TOKEN", file)
	require.NoError(t, err)
	assert.Equal(t, "from-env", c.Token(), "environment wins over the file")

	t.Setenv("ACME_TOKEN", "")
	c, err = Load("ACME_TOKEN", "")
	require.NoError(t, err)
	assert.False(t, c.Present())

	_, err = Load("ACME_TOKEN", filepath.Join(t.TempDir(), "missing"))
	assert.True(t, errors.IsFatal(err))
}
