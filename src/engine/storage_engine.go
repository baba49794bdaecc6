package engine

import (
	"context"
	"errors"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"contentdb/src/buffermgr"
	"contentdb/src/helpers"

	"github.com/bmatcuk/doublestar/v4"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// LoadMode tells the loader how to treat a missing file
type LoadMode int

const (
	// LoadPrimary fails with ErrNotFound when the file is absent
	LoadPrimary LoadMode = iota
	// LoadReference fails with ErrReferenceTargetMissing when the file is absent
	LoadReference
)

func (m LoadMode) String() string {
	if m == LoadReference {
		return "reference"
	}
	return "primary"
}

const (
	assetsDir      = "assets"
	assetsFile     = "_assets.json"
	dataDir        = "data"
	entriesFile    = "index.json"
	schemaFileName = "_schema.json"
)

// ContentStore is the read-only boundary between the query engine and the snapshot
type ContentStore interface {
	// Load returns the documents of a content type (or AssetContentType) in stored order
	Load(ctx context.Context, locale, contentTypeUID string, mode LoadMode) ([]Document, error)
	// LoadSchema returns the schema object of a content type
	LoadSchema(ctx context.Context, locale, contentTypeUID string) (Document, error)
	// ContentTypes lists the content types that have entries in locale
	ContentTypes(ctx context.Context, locale string) ([]string, error)
	// Locales lists the locales present in the snapshot
	Locales(ctx context.Context) ([]string, error)
}

// storedWrapper is the envelope the sync process writes around every document
type storedWrapper struct {
	Data Document `json:"data"`
}

// FileStore reads the snapshot layout:
//
//	<base>/<locale>/assets/_assets.json
//	<base>/<locale>/data/<content_type_uid>/index.json
//	<base>/<locale>/data/<content_type_uid>/_schema.json
type FileStore struct {
	fs            afero.Fs
	baseDir       string
	mmapThreshold int64
	pool          *buffermgr.BufferPool
	onLoad        func(mode LoadMode, count int)
	logger        *zap.SugaredLogger
}

// NewFileStore creates a store over baseDir. pool may be nil to read every file from disk.
func NewFileStore(fsys afero.Fs, baseDir string, mmapThreshold int64, pool *buffermgr.BufferPool, logger *zap.SugaredLogger) *FileStore {
	return &FileStore{
		fs:            fsys,
		baseDir:       filepath.Clean(baseDir),
		mmapThreshold: mmapThreshold,
		pool:          pool,
		logger:        logger,
	}
}

// SetLoadHook registers fn to be called with the number of documents of every parsed file
func (s *FileStore) SetLoadHook(fn func(mode LoadMode, count int)) {
	s.onLoad = fn
}

// EntriesPath returns the file holding the documents of contentTypeUID in locale
func (s *FileStore) EntriesPath(locale, contentTypeUID string) string {
	if contentTypeUID == AssetContentType {
		return filepath.Join(s.baseDir, locale, assetsDir, assetsFile)
	}
	return filepath.Join(s.baseDir, locale, dataDir, contentTypeUID, entriesFile)
}

// SchemaPath returns the schema file of contentTypeUID in locale
func (s *FileStore) SchemaPath(locale, contentTypeUID string) string {
	return filepath.Join(s.baseDir, locale, dataDir, contentTypeUID, schemaFileName)
}

func (s *FileStore) Load(ctx context.Context, locale, contentTypeUID string, mode LoadMode) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateSegment("locale", locale); err != nil {
		return nil, err
	}
	if err := validateSegment("content type", contentTypeUID); err != nil {
		return nil, err
	}

	filePath := s.EntriesPath(locale, contentTypeUID)
	data, err := s.readFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if mode == LoadReference {
				return nil, newError("load", ErrReferenceTargetMissing, filePath, nil)
			}
			return nil, newError("load", ErrNotFound, filePath, nil)
		}
		return nil, newError("load", ErrIO, filePath, err)
	}

	if len(strings.TrimSpace(string(data))) == 0 {
		return []Document{}, nil
	}

	var wrappers []storedWrapper
	if err := json.Unmarshal(data, &wrappers); err != nil {
		return nil, newError("load", ErrParse, filePath, err)
	}

	docs := make([]Document, 0, len(wrappers))
	for _, wrapper := range wrappers {
		if wrapper.Data == nil {
			continue
		}
		docs = append(docs, wrapper.Data)
	}

	if s.onLoad != nil {
		s.onLoad(mode, len(docs))
	}

	return docs, nil
}

func (s *FileStore) LoadSchema(ctx context.Context, locale, contentTypeUID string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateSegment("locale", locale); err != nil {
		return nil, err
	}
	if err := validateSegment("content type", contentTypeUID); err != nil {
		return nil, err
	}

	filePath := s.SchemaPath(locale, contentTypeUID)
	data, err := s.readFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, newError("schema", ErrSchemaNotFound, filePath, nil)
		}
		return nil, newError("schema", ErrIO, filePath, err)
	}

	var schema Document
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, newError("schema", ErrParse, filePath, err)
	}
	if schema == nil {
		schema = Document{}
	}
	return schema, nil
}

func (s *FileStore) ContentTypes(ctx context.Context, locale string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateSegment("locale", locale); err != nil {
		return nil, err
	}

	matches, err := s.glob(path.Join(locale, dataDir, "*", entriesFile))
	if err != nil {
		return nil, err
	}

	types := make([]string, 0, len(matches))
	for _, match := range matches {
		// <locale>/data/<uid>/index.json
		types = append(types, path.Base(path.Dir(match)))
	}
	sort.Strings(types)
	return types, nil
}

func (s *FileStore) Locales(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	matches, err := s.glob("*/{" + dataDir + "," + assetsDir + "}")
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	locales := make([]string, 0, len(matches))
	for _, match := range matches {
		locale := strings.SplitN(match, "/", 2)[0]
		if !seen[locale] {
			seen[locale] = true
			locales = append(locales, locale)
		}
	}
	sort.Strings(locales)
	return locales, nil
}

func (s *FileStore) glob(pattern string) ([]string, error) {
	exists, err := afero.DirExists(s.fs, s.baseDir)
	if err != nil {
		return nil, newError("glob", ErrIO, s.baseDir, err)
	}
	if !exists {
		return nil, newError("glob", ErrNotFound, s.baseDir, nil)
	}

	fsys := afero.NewIOFS(afero.NewBasePathFs(s.fs, s.baseDir))
	matches, err := doublestar.Glob(fsys, pattern)
	if err != nil {
		return nil, newError("glob", ErrIO, s.baseDir, err)
	}
	return matches, nil
}

// readFile returns the raw bytes of filePath, through the buffer pool when one is configured
func (s *FileStore) readFile(filePath string) ([]byte, error) {
	info, err := s.fs.Stat(filePath)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, &fs.PathError{Op: "read", Path: filePath, Err: errors.New("is a directory")}
	}

	if s.pool != nil {
		if data, ok := s.pool.Get(filePath, info.Size(), info.ModTime()); ok {
			return data, nil
		}
	}

	data, info, err := helpers.ReadDataFile(s.fs, filePath, s.mmapThreshold)
	if err != nil {
		return nil, err
	}

	if s.pool != nil {
		s.pool.Put(filePath, data, info.Size(), info.ModTime())
	}
	return data, nil
}

// validateSegment keeps locale and content type uids inside the snapshot directory
func validateSegment(kind, segment string) error {
	if segment == "" {
		return invalidParameter("%s must not be empty", kind)
	}
	if segment == "." || segment == ".." || strings.ContainsAny(segment, `/\`) {
		return invalidParameter("invalid %s %q", kind, segment)
	}
	return nil
}
