package gcpapi

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCredentials(t *testing.T) {
	creds, err := NewCredentials("")
	require.NoError(t, err)
	assert.Empty(t, creds)

	dir := t.TempDir()
	_, err = NewCredentials(filepath.Join(dir, "missing.json"))
	assert.EqualError(t, err, "could not read credentials from "+filepath.Join(dir, "missing.json"))

	_, err = NewCredentials(dir)
	assert.Error(t, err, "a directory is not a key file")

	path := filepath.Join(dir, "key.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"service_account"}`), 0o600))
	creds, err = NewCredentials(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"service_account"}`, string(creds))
}

func TestClientOptions(t *testing.T) {
	assert.Nil(t, clientOptions(nil))
	assert.Len(t, clientOptions([]byte("{}")), 1)
}
