package settings

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	DefaultEnvPrefix = "CONTENTDB"

	DefaultBaseDir       = "./contents"
	DefaultMasterLocale  = "en-us"
	DefaultCacheSize     = 256
	DefaultMmapThreshold = 4 * 1024 * 1024
	DefaultConcurrency   = 8

	// SchemaPolicyStrict rejects a query whose content type schema is missing.
	SchemaPolicyStrict = "strict"
	// SchemaPolicyLenient attaches an empty schema instead.
	SchemaPolicyLenient = "lenient"
)

type Arguments struct {
	// The root of the synced content snapshot
	BaseDir string `mapstructure:"base_dir"`

	// Locale used when a query does not name one
	MasterLocale string `mapstructure:"master_locale"`

	// strict or lenient, see SchemaPolicyStrict
	SchemaPolicy string `mapstructure:"schema_policy"`

	// Number of raw files kept in the buffer pool
	CacheSize int `mapstructure:"cache_size"`

	// Files at least this large are memory mapped. 0 disables mmap.
	MmapThreshold int64 `mapstructure:"mmap_threshold"`

	// Upper bound of parallel reference lookups per fan-out
	Concurrency int `mapstructure:"concurrency"`

	// Watch the base directory and drop cached files when the sync process rewrites them
	Watch bool `mapstructure:"watch"`

	// Fields removed from every document before it is returned
	InternalFields []string `mapstructure:"internal_fields"`

	ConfigFile string `mapstructure:"config_file"`

	// Strongly verbose logging
	Verbose bool `mapstructure:"verbose"`
	Debug   bool `mapstructure:"debug"`
}

var (
	instance *Arguments
	once     sync.Once
	mu       sync.RWMutex
)

// Defaults returns the settings used when nothing is configured.
func Defaults() *Arguments {
	return &Arguments{
		BaseDir:        DefaultBaseDir,
		MasterLocale:   DefaultMasterLocale,
		SchemaPolicy:   SchemaPolicyStrict,
		CacheSize:      DefaultCacheSize,
		MmapThreshold:  DefaultMmapThreshold,
		Concurrency:    DefaultConcurrency,
		InternalFields: []string{"_internal_url"},
	}
}

// GetSettings returns the process wide settings, initialised with defaults on first use.
func GetSettings() *Arguments {
	once.Do(func() {
		mu.Lock()
		defer mu.Unlock()
		if instance == nil {
			instance = Defaults()
		}
	})

	mu.RLock()
	defer mu.RUnlock()
	return instance
}

// SetSettings replaces the process wide settings.
func SetSettings(args *Arguments) {
	once.Do(func() {})
	mu.Lock()
	defer mu.Unlock()
	instance = args
}

// Load reads settings from the environment (CONTENTDB_*) and, when configFile is
// not empty, from that file. Environment values win over the file.
func Load(configFile string) (*Arguments, error) {
	v := viper.NewWithOptions(
		viper.KeyDelimiter("."),
		viper.EnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_")),
	)

	v.SetEnvPrefix(DefaultEnvPrefix)
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()

	defaults := Defaults()
	v.SetDefault("base_dir", defaults.BaseDir)
	v.SetDefault("master_locale", defaults.MasterLocale)
	v.SetDefault("schema_policy", defaults.SchemaPolicy)
	v.SetDefault("cache_size", defaults.CacheSize)
	v.SetDefault("mmap_threshold", defaults.MmapThreshold)
	v.SetDefault("concurrency", defaults.Concurrency)
	v.SetDefault("watch", false)
	v.SetDefault("internal_fields", defaults.InternalFields)
	v.SetDefault("verbose", false)
	v.SetDefault("debug", false)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	decodeHooks := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)

	args := &Arguments{}
	if err := v.Unmarshal(args, viper.DecodeHook(decodeHooks)); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	args.ConfigFile = configFile

	if err := args.Validate(); err != nil {
		return nil, err
	}

	return args, nil
}

// Validate checks that the settings can drive a query stack.
func (a *Arguments) Validate() error {
	if a.BaseDir == "" {
		return fmt.Errorf("base_dir is required")
	}
	if a.MasterLocale == "" {
		return fmt.Errorf("master_locale is required")
	}
	if a.SchemaPolicy != SchemaPolicyStrict && a.SchemaPolicy != SchemaPolicyLenient {
		return fmt.Errorf("invalid schema_policy: %s (must be '%s' or '%s')", a.SchemaPolicy, SchemaPolicyStrict, SchemaPolicyLenient)
	}
	if a.CacheSize < 0 {
		return fmt.Errorf("cache_size must not be negative")
	}
	if a.MmapThreshold < 0 {
		return fmt.Errorf("mmap_threshold must not be negative")
	}
	if a.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}
	return nil
}
