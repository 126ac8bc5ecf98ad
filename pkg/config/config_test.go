package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voldrv.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadAppliesDefaultsUnderOverrides(t *testing.T) {
	path := writeConfig(t, `
volume_manager:
  data_dir: /data/voldrv
metadata_server:
  backend: bbolt
  path: /data/voldrv/meta.db
backend_connection_manager:
  kind: fs
  local_path: /data/voldrv/objects
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/data/voldrv", cfg.VolumeManager.DataDir)
	// fields the file does not set fall back to Default()'s values.
	require.Equal(t, uint32(512), cfg.VolumeManager.DefaultLBASize)
	require.Equal(t, 3, cfg.BackendConnectionMgr.Retries)
}

func TestLoadRejectsUnknownMetadataBackend(t *testing.T) {
	path := writeConfig(t, `
volume_manager:
  data_dir: /data/voldrv
metadata_server:
  backend: rocksdb
  path: /data/voldrv/meta.db
backend_connection_manager:
  kind: fs
  local_path: /data/voldrv/objects
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsS3WithoutBucket(t *testing.T) {
	path := writeConfig(t, `
volume_manager:
  data_dir: /data/voldrv
metadata_server:
  backend: bbolt
  path: /data/voldrv/meta.db
backend_connection_manager:
  kind: s3
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestDefaultIsValidOnceDataDependentFieldsAreSet(t *testing.T) {
	cfg := Default()
	cfg.MetadataServer.Path = "/tmp/meta.db"
	cfg.BackendConnectionMgr.LocalPath = "/tmp/objects"
	require.NoError(t, cfg.Validate())
}
