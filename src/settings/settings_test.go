package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	args, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultBaseDir, args.BaseDir)
	assert.Equal(t, DefaultMasterLocale, args.MasterLocale)
	assert.Equal(t, SchemaPolicyStrict, args.SchemaPolicy)
	assert.Equal(t, DefaultConcurrency, args.Concurrency)
	assert.Equal(t, []string{"_internal_url"}, args.InternalFields)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CONTENTDB_BASE_DIR", "/srv/contents")
	t.Setenv("CONTENTDB_SCHEMA_POLICY", SchemaPolicyLenient)
	t.Setenv("CONTENTDB_CONCURRENCY", "2")
	t.Setenv("CONTENTDB_INTERNAL_FIELDS", "_internal_url,_checkpoint")

	args, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/srv/contents", args.BaseDir)
	assert.Equal(t, SchemaPolicyLenient, args.SchemaPolicy)
	assert.Equal(t, 2, args.Concurrency)
	assert.Equal(t, []string{"_internal_url", "_checkpoint"}, args.InternalFields)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contentdb.yaml")
	content := "base_dir: /data/snapshot\nmaster_locale: fr-fr\ncache_size: 16\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	args, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/snapshot", args.BaseDir)
	assert.Equal(t, "fr-fr", args.MasterLocale)
	assert.Equal(t, 16, args.CacheSize)
	assert.Equal(t, path, args.ConfigFile)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	args := Defaults()
	args.SchemaPolicy = "sometimes"
	assert.Error(t, args.Validate())

	args = Defaults()
	args.Concurrency = 0
	assert.Error(t, args.Validate())

	args = Defaults()
	args.BaseDir = ""
	assert.Error(t, args.Validate())

	assert.NoError(t, Defaults().Validate())
}

func TestGetSettings(t *testing.T) {
	custom := Defaults()
	custom.MasterLocale = "de-de"
	SetSettings(custom)

	assert.Equal(t, "de-de", GetSettings().MasterLocale)
}
