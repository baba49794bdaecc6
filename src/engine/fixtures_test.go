package engine

import (
	"path/filepath"
	"testing"

	"contentdb/src/logging"
	"contentdb/src/settings"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const testBaseDir = "/snapshot"

func writeFile(t *testing.T, fsys afero.Fs, path string, value interface{}) {
	t.Helper()
	data, err := json.Marshal(value)
	require.NoError(t, err)
	require.NoError(t, fsys.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, afero.WriteFile(fsys, path, data, 0o644))
}

func writeRaw(t *testing.T, fsys afero.Fs, path, content string) {
	t.Helper()
	require.NoError(t, fsys.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, afero.WriteFile(fsys, path, []byte(content), 0o644))
}

// writeEntries stores docs the way the sync process does, each one wrapped in {"data": ...}
func writeEntries(t *testing.T, fsys afero.Fs, locale, contentTypeUID string, docs ...Document) {
	t.Helper()
	wrapped := make([]map[string]interface{}, len(docs))
	for i, doc := range docs {
		wrapped[i] = map[string]interface{}{"data": doc}
	}

	path := filepath.Join(testBaseDir, locale, dataDir, contentTypeUID, entriesFile)
	if contentTypeUID == AssetContentType {
		path = filepath.Join(testBaseDir, locale, assetsDir, assetsFile)
	}
	writeFile(t, fsys, path, wrapped)
}

func writeSchema(t *testing.T, fsys afero.Fs, locale, contentTypeUID string, schema Document) {
	t.Helper()
	writeFile(t, fsys, filepath.Join(testBaseDir, locale, dataDir, contentTypeUID, schemaFileName), schema)
}

func ref(target string, values interface{}) Document {
	return Document{FieldReferenceTo: target, FieldValues: values}
}

func newTestStore(fsys afero.Fs) *FileStore {
	return NewFileStore(fsys, testBaseDir, 0, nil, logging.Nop())
}

func testSettings() *settings.Arguments {
	args := settings.Defaults()
	args.BaseDir = testBaseDir
	return args
}

func newTestStack(fsys afero.Fs, args *settings.Arguments) *Stack {
	if args == nil {
		args = testSettings()
	}
	return NewStack(args, newTestStore(fsys), nil, logging.Nop())
}

// blogFixture writes five blog entries numbered 0 to 4 in en-us
func blogFixture(t *testing.T) afero.Fs {
	t.Helper()
	fsys := afero.NewMemMapFs()

	docs := make([]Document, 5)
	for i := range docs {
		docs[i] = Document{
			FieldUID:            "blog" + string(rune('0'+i)),
			FieldContentTypeUID: "blog",
			"no":                i,
			"title":             "Post " + string(rune('A'+i)),
			"body":              "body",
		}
	}
	docs[0][FieldTags] = []interface{}{"go"}
	docs[3][FieldTags] = []interface{}{"go", "db"}
	writeEntries(t, fsys, "en-us", "blog", docs...)
	return fsys
}

func uids(docs []Document) []string {
	out := make([]string, len(docs))
	for i, doc := range docs {
		out[i] = documentUID(doc)
	}
	return out
}
