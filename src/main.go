package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"contentdb/src/directors"
	"contentdb/src/logging"
	"contentdb/src/settings"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	Version = "0.1.0"
	appName = "contentdb"

	// value of --include-references given without paths
	allReferences = "*"

	// quiet period after a snapshot change before a followed query runs again
	followDebounce = 250 * time.Millisecond
)

type globalOptions struct {
	configFile string
	baseDir    string
	locale     string
	output     string
	debug      bool
	verbose    bool
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Query a synced content snapshot",
		Long: `contentdb queries the JSON snapshot written by the content sync process
with document database style predicates, sorting, pagination, projection and
reference resolution.

Settings come from CONTENTDB_* environment variables and an optional YAML
config file, flags override both.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&opts.baseDir, "base-dir", "", "Snapshot root directory")
	cmd.PersistentFlags().StringVar(&opts.locale, "locale", "", "Locale to read, defaults to the master locale")
	cmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "json", "Output format (json, yaml)")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	cmd.PersistentFlags().BoolVar(&opts.verbose, "verbose", false, "Log a summary of every query")

	cmd.AddCommand(queryCmd(opts), typesCmd(opts), localesCmd(opts), schemaCmd(opts))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, Version)
		},
	})

	return cmd
}

func queryCmd(opts *globalOptions) *cobra.Command {
	qc := directors.QueryCommand{}
	var references []string
	var follow bool

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Find entries or assets",
		Example: `  contentdb query --type blog --where '{"no": {"$lt": 1}}'
  contentdb query --type blog --sort '{"no": -1}' --skip 1 --limit 1
  contentdb query --type blog --include-references=author --only title,author.name
  contentdb query --assets --one --where '{"uid": "a1"}'
  contentdb query --type blog --count --follow`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, opts, func(sm *directors.ServiceManager, logger *zap.SugaredLogger) error {
				qc.Locale = opts.locale
				qc.IncludeReferences, qc.ReferencePaths = referenceFlag(references)

				run := func() error {
					env, err := directors.CommandDirector(cmd.Context(), sm.Stack, qc, logger)
					if err != nil {
						return err
					}
					return render(cmd.OutOrStdout(), opts.output, env)
				}
				if err := run(); err != nil {
					return err
				}
				if !settings.GetSettings().Watch {
					return nil
				}
				return followQuery(cmd.Context(), sm, run, logger)
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&qc.ContentType, "type", "t", "", "Content type uid")
	flags.BoolVar(&qc.Assets, "assets", false, "Query assets instead of entries")
	flags.StringVar(&qc.Where, "where", "", "Predicate on stored fields (extended JSON)")
	flags.StringVar(&qc.RefWhere, "ref-where", "", "Predicate evaluated after references are resolved (extended JSON)")
	flags.StringVar(&qc.Sort, "sort", "", `Sort specification, e.g. '{"no": 1, "title": -1}'`)
	flags.IntVar(&qc.Skip, "skip", -1, "Documents to skip")
	flags.IntVar(&qc.Limit, "limit", -1, "Maximum documents to return")
	flags.StringSliceVar(&qc.Tags, "tags", nil, "Keep documents with one of these tags")
	flags.StringSliceVar(&qc.Only, "only", nil, "Fields to keep")
	flags.StringSliceVar(&qc.Except, "except", nil, "Fields to remove")
	flags.StringSliceVar(&references, "include-references", nil, "Resolve references, all of them or the given paths")
	flags.Lookup("include-references").NoOptDefVal = allReferences
	flags.BoolVar(&qc.One, "one", false, "Return the first document only")
	flags.BoolVar(&qc.Count, "count", false, "Return the number of documents instead of the documents")
	flags.BoolVar(&qc.IncludeCount, "include-count", false, "Add the number of matches before skip and limit")
	flags.BoolVar(&qc.IncludeContentType, "include-content-type", false, "Attach the content type schema")
	flags.BoolVarP(&follow, "follow", "f", false, "Run the query again whenever the snapshot changes (defaults to the watch setting)")

	return cmd
}

// followQuery runs the query again after every burst of snapshot changes until ctx
// is cancelled. Failures are logged, the sync process may be halfway through a rewrite.
func followQuery(ctx context.Context, sm *directors.ServiceManager, run func() error, logger *zap.SugaredLogger) error {
	logger.Infow("Following snapshot changes", "baseDir", settings.GetSettings().BaseDir)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sm.SnapshotChanges():
		}

		quiet := time.NewTimer(followDebounce)
	drain:
		for {
			select {
			case <-ctx.Done():
				quiet.Stop()
				return nil
			case <-sm.SnapshotChanges():
				quiet.Reset(followDebounce)
			case <-quiet.C:
				break drain
			}
		}

		if err := run(); err != nil {
			logger.Warnw("Query failed after snapshot change", "error", err)
		}
	}
}

func typesCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List the content types of a locale",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, opts, func(sm *directors.ServiceManager, logger *zap.SugaredLogger) error {
				types, err := sm.Stack.ContentTypes(cmd.Context(), opts.locale)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.output, types)
			})
		},
	}
}

func localesCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "locales",
		Short: "List the locales of the snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, opts, func(sm *directors.ServiceManager, logger *zap.SugaredLogger) error {
				locales, err := sm.Stack.Locales(cmd.Context())
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.output, locales)
			})
		},
	}
}

func schemaCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schema <content-type>",
		Short: "Print the schema of a content type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, opts, func(sm *directors.ServiceManager, logger *zap.SugaredLogger) error {
				schema, err := sm.Stack.Schema(cmd.Context(), opts.locale, args[0])
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.output, schema)
			})
		},
	}
}

// withServices loads the settings, applies the global flags and runs fn with the
// process service manager
func withServices(cmd *cobra.Command, opts *globalOptions, fn func(sm *directors.ServiceManager, logger *zap.SugaredLogger) error) error {
	args, err := settings.Load(opts.configFile)
	if err != nil {
		return err
	}
	if opts.baseDir != "" {
		args.BaseDir = opts.baseDir
	}
	if cmd.Flags().Changed("debug") {
		args.Debug = opts.debug
	}
	if cmd.Flags().Changed("verbose") {
		args.Verbose = opts.verbose
	}
	// only a followed query watches the snapshot
	if f := cmd.Flags().Lookup("follow"); f == nil {
		args.Watch = false
	} else if f.Changed {
		args.Watch = f.Value.String() == "true"
	}
	settings.SetSettings(args)
	args = settings.GetSettings()

	logger, err := logging.New(args.Debug)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	sm, err := directors.InitServiceManager(cmd.Context(), args, nil, logger)
	if err != nil {
		return err
	}
	defer directors.ResetServiceManager()

	return fn(sm, logger)
}

func referenceFlag(values []string) (bool, []string) {
	if len(values) == 0 {
		return false, nil
	}
	paths := make([]string, 0, len(values))
	for _, value := range values {
		if value != allReferences {
			paths = append(paths, value)
		}
	}
	return true, paths
}

func render(w io.Writer, format string, value interface{}) error {
	switch format {
	case "json":
		data, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(value, "", "  ")
		if err != nil {
			return fmt.Errorf("error encoding result: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(value); err != nil {
			return fmt.Errorf("error encoding result: %w", err)
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown output format %q (must be json or yaml)", format)
}
