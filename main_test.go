package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/checksum-sentinel/config"
	"github.com/onnwee/checksum-sentinel/errclass"
	"github.com/onnwee/checksum-sentinel/storage"
)

func TestOpenStoreFile(t *testing.T) {
	dir := t.TempDir()
	store, closeStore, err := openStore(context.Background(), &config.Config{StoreBackend: config.BackendFile, StoreLocation: dir})
	require.NoError(t, err)
	defer closeStore()

	fs, ok := store.(*storage.FileStore)
	require.True(t, ok, "file backend returns a FileStore")
	assert.Equal(t, filepath.Join(dir, storage.FileName), fs.Path)
}

func TestOpenStorePostgresFailureIsFatal(t *testing.T) {
	_, _, err := openStore(context.Background(), &config.Config{StoreBackend: config.BackendPostgres, DBDsn: ""})
	require.Error(t, err)
	assert.True(t, errclass.IsFatal(err))
}

func TestRootCommandMissingConfigFile(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"-c", filepath.Join(t.TempDir(), "missing.toml")})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, errclass.KindConfig, errclass.KindOf(err))
}

func TestRunRejectsBadHomeserver(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg := &config.Config{
		StoreBackend:         config.BackendFile,
		StoreLocation:        t.TempDir(),
		PushMessageSubstring: "push:",
		Messages:             config.MessagesConfig{DepsUpToDate: "ok", DepsOutOfDate: "stale"},
		Matrix:               config.MatrixConfig{ServerHost: "https://", AccessToken: "t", RoomID: "!r:x"},
		RetryDelay:           time.Second,
		HTTPAddr:             config.HTTPDisabled,
	}

	err := run(context.Background(), cfg)
	require.Error(t, err)
	assert.Equal(t, errclass.KindConfig, errclass.KindOf(err))
}
