package spicectl

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/duckmesh/spice/internal/bootstrap"
	"github.com/duckmesh/spice/internal/cache"
	"github.com/duckmesh/spice/internal/config"
	"github.com/duckmesh/spice/internal/engine"
	"github.com/duckmesh/spice/internal/observability"
	"github.com/duckmesh/spice/internal/table"
)

const (
	formatCSV  = "csv"
	formatJSON = "json"
)

type Options struct {
	// Lookup resolves SPICE_* settings; nil reads the process environment
	// and a .env file.
	Lookup     config.LookupFunc
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

type usageError struct {
	err error
}

func (e *usageError) Error() string {
	return e.err.Error()
}

// Run executes one spicectl invocation and returns its exit code: 0 on
// success, 1 on a failed operation, 2 on a usage error.
func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}
	lookup := defaults.Lookup
	if lookup == nil {
		lookup = config.WithDotEnv(os.LookupEnv, ".env")
	}

	state := &session{lookup: lookup, httpClient: defaults.HTTPClient, stderr: stderr}
	root := newRootCommand(state)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if closeErr := state.close(); closeErr != nil {
		_, _ = fmt.Fprintf(stderr, "close: %v\n", closeErr)
	}
	if err == nil {
		return 0
	}
	_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
	var usage *usageError
	if errors.As(err, &usage) || strings.HasPrefix(err.Error(), "unknown command") {
		_, _ = fmt.Fprintln(stderr, root.UsageString())
		return 2
	}
	return 1
}

// session builds the engine on first use so that usage errors never touch
// configuration or the network.
type session struct {
	lookup     config.LookupFunc
	httpClient *http.Client
	stderr     io.Writer

	baseURL string
	apiKey  string

	runtime *bootstrap.Runtime
}

func (s *session) engine(ctx context.Context) (*engine.Engine, error) {
	if s.runtime != nil {
		return s.runtime.Engine, nil
	}
	cfg, err := config.Load("spicectl", s.lookup)
	if err != nil {
		return nil, err
	}
	if s.baseURL != "" {
		cfg.Remote.BaseURL = s.baseURL
	}
	if s.apiKey != "" {
		cfg.Remote.APIKey = s.apiKey
	}

	var opts []bootstrap.Option
	if s.httpClient != nil {
		opts = append(opts, bootstrap.WithHTTPClient(s.httpClient))
	}
	runtime, err := bootstrap.New(ctx, cfg, observability.NewLogger(cfg, s.stderr), opts...)
	if err != nil {
		return nil, err
	}
	s.runtime = runtime
	return runtime.Engine, nil
}

func (s *session) close() error {
	if s.runtime == nil {
		return nil
	}
	return s.runtime.Close()
}

func newRootCommand(s *session) *cobra.Command {
	root := &cobra.Command{
		Use:           "spicectl",
		Short:         "Run remote analytical queries and read their results",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&s.baseURL, "base-url", "", "remote API base URL (overrides SPICE_REMOTE_BASE_URL)")
	root.PersistentFlags().StringVar(&s.apiKey, "api-key", "", "remote API key (overrides DUNE_API_KEY)")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	root.AddCommand(newQueryCommand(s), newStatusCommand(s), newAgeCommand(s), newCachedCommand(s))
	return root
}

type queryFlags struct {
	executionID      string
	params           map[string]string
	refresh          bool
	maxAge           time.Duration
	noPoll           bool
	pollInterval     time.Duration
	timeout          time.Duration
	limit            int
	offset           int
	sampleCount      int
	sortBy           string
	columns          []string
	extras           map[string]string
	types            map[string]string
	typeList         []string
	strictTypes      bool
	noCache          bool
	noCacheLoad      bool
	noCacheSave      bool
	cacheDir         string
	includeExecution bool
	performance      string
	format           string
}

func newQueryCommand(s *session) *cobra.Command {
	var f queryFlags
	cmd := &cobra.Command{
		Use:   "query [reference]",
		Short: "Run a query id, query URL or raw SQL and print the result",
		Args: func(_ *cobra.Command, args []string) error {
			switch {
			case f.executionID != "" && len(args) > 0:
				return &usageError{err: errors.New("a reference and --execution-id are mutually exclusive")}
			case f.executionID == "" && len(args) != 1:
				return &usageError{err: errors.New("query requires exactly one reference")}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.format != formatCSV && f.format != formatJSON {
				return &usageError{err: fmt.Errorf("unknown format %q", f.format)}
			}
			var ref engine.Reference
			if f.executionID != "" {
				ref = engine.ExistingExecution{Execution: engine.Execution{ID: f.executionID}}
			} else {
				parsed, err := engine.ParseReference(args[0])
				if err != nil {
					return err
				}
				ref = parsed
			}
			opts, err := f.options()
			if err != nil {
				return &usageError{err: err}
			}

			eng, err := s.engine(cmd.Context())
			if err != nil {
				return err
			}
			result, err := eng.Query(cmd.Context(), ref, opts)
			if err != nil {
				return err
			}
			return writeResult(cmd.OutOrStdout(), f.format, result)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.executionID, "execution-id", "", "fetch the result of an existing execution")
	flags.StringToStringVarP(&f.params, "param", "p", nil, "query parameter as name=value (repeatable)")
	flags.BoolVar(&f.refresh, "refresh", false, "always trigger a new execution")
	flags.DurationVar(&f.maxAge, "max-age", 0, "refresh when the latest result is older than this")
	flags.BoolVar(&f.noPoll, "no-poll", false, "trigger only and print the execution id")
	flags.DurationVar(&f.pollInterval, "poll-interval", 0, "delay between status checks")
	flags.DurationVar(&f.timeout, "timeout", 0, "give up waiting for the execution after this long")
	flags.IntVar(&f.limit, "limit", 0, "maximum number of rows")
	flags.IntVar(&f.offset, "offset", 0, "rows to skip")
	flags.IntVar(&f.sampleCount, "sample-count", 0, "return a uniform sample of this many rows")
	flags.StringVar(&f.sortBy, "sort-by", "", "sort expression applied by the remote service")
	flags.StringSliceVar(&f.columns, "columns", nil, "columns to return")
	flags.StringToStringVar(&f.extras, "extra", nil, "additional result query parameter as name=value")
	flags.StringToStringVar(&f.types, "type", nil, "column type override as column=type")
	flags.StringSliceVar(&f.typeList, "types", nil, "positional column types; empty entries are inferred")
	flags.BoolVar(&f.strictTypes, "strict-types", false, "require a type for every column")
	flags.BoolVar(&f.noCache, "no-cache", false, "bypass the result cache")
	flags.BoolVar(&f.noCacheLoad, "no-cache-load", false, "do not read from the result cache")
	flags.BoolVar(&f.noCacheSave, "no-cache-save", false, "do not write to the result cache")
	flags.StringVar(&f.cacheDir, "cache-dir", "", "use this directory as the result cache")
	flags.BoolVar(&f.includeExecution, "include-execution", false, "include the execution handle in JSON output")
	flags.StringVar(&f.performance, "performance", "", "execution tier: low, medium or large")
	flags.StringVarP(&f.format, "format", "o", formatCSV, "output format: csv or json")
	return cmd
}

func (f queryFlags) options() (engine.Options, error) {
	if len(f.types) > 0 && len(f.typeList) > 0 {
		return engine.Options{}, errors.New("--type and --types are mutually exclusive")
	}
	switch f.performance {
	case "", "low", "medium", "large":
	default:
		return engine.Options{}, fmt.Errorf("unknown performance %q", f.performance)
	}

	var overrides table.Overrides
	if len(f.types) > 0 {
		overrides.ByName = make(map[string]table.Type, len(f.types))
		for column, raw := range f.types {
			typ, err := table.ParseType(raw)
			if err != nil {
				return engine.Options{}, err
			}
			overrides.ByName[column] = typ
		}
	}
	if len(f.typeList) > 0 {
		overrides.ByPosition = make([]table.Type, len(f.typeList))
		for i, raw := range f.typeList {
			if strings.TrimSpace(raw) == "" {
				continue
			}
			typ, err := table.ParseType(raw)
			if err != nil {
				return engine.Options{}, err
			}
			overrides.ByPosition[i] = typ
		}
	}

	return engine.Options{
		Parameters:       f.params,
		Performance:      f.performance,
		Refresh:          f.refresh,
		MaxAge:           f.maxAge,
		NoPoll:           f.noPoll,
		PollInterval:     f.pollInterval,
		Timeout:          f.timeout,
		IncludeExecution: f.includeExecution,
		NoCache:          f.noCache,
		NoCacheLoad:      f.noCacheLoad,
		NoCacheSave:      f.noCacheSave,
		CacheDir:         f.cacheDir,
		Retrieval: engine.Retrieval{
			Limit:       f.limit,
			Offset:      f.offset,
			SampleCount: f.sampleCount,
			SortBy:      f.sortBy,
			Columns:     f.columns,
			Extras:      f.extras,
			Types:       overrides,
			StrictTypes: f.strictTypes,
		},
	}, nil
}

func newStatusCommand(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Print the state of an execution",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := s.engine(cmd.Context())
			if err != nil {
				return err
			}
			status, err := eng.Status(cmd.Context(), args[0], "")
			if err != nil {
				return err
			}
			if status.RateLimited {
				return errors.New("status request was rate limited; retry later")
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"execution_id": args[0],
				"state":        status.State,
				"is_finished":  status.IsFinished,
				"started_at":   status.StartedAt,
				"error":        status.Error,
			})
		},
	}
}

func newAgeCommand(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "age <query-id>",
		Short: "Print the age of a query's latest result",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queryID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || queryID <= 0 {
				return &usageError{err: fmt.Errorf("invalid query id %q", args[0])}
			}
			eng, err := s.engine(cmd.Context())
			if err != nil {
				return err
			}
			age, known, err := eng.LatestAge(cmd.Context(), queryID, "")
			if err != nil {
				return err
			}
			if !known {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "unknown")
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), age.Round(time.Second))
			return err
		},
	}
}

func newCachedCommand(s *session) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "cached <cache-key>",
		Short: "Print a cached result without contacting the remote service",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := cache.ParseKey(args[0])
			if err != nil {
				return &usageError{err: err}
			}
			eng, err := s.engine(cmd.Context())
			if err != nil {
				return err
			}
			loaded, err := eng.CachedTable(cmd.Context(), key)
			if err != nil {
				return err
			}
			return writeResult(cmd.OutOrStdout(), format, engine.Result{Table: &loaded, FromCache: true, CacheKey: key})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "o", formatCSV, "output format: csv or json")
	return cmd
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return &usageError{err: fmt.Errorf("%s requires exactly %d argument(s), got %d", cmd.Name(), n, len(args))}
		}
		return nil
	}
}

func writeResult(w io.Writer, format string, result engine.Result) error {
	if format == formatJSON {
		payload := map[string]any{"from_cache": result.FromCache}
		if result.Table != nil {
			payload["columns"] = result.Table.Columns
			payload["types"] = result.Table.Types
			payload["rows"] = result.Table.Rows
		}
		if result.Execution != nil {
			payload["execution"] = result.Execution
		}
		if key := result.CacheKey.String(); key != "" {
			payload["cache_key"] = key
		}
		return writeJSON(w, payload)
	}

	if result.Table == nil {
		if result.Execution == nil {
			return nil
		}
		_, err := fmt.Fprintln(w, result.Execution.ID)
		return err
	}
	out := csv.NewWriter(w)
	if err := out.Write(result.Table.Columns); err != nil {
		return err
	}
	record := make([]string, result.Table.NumColumns())
	for _, row := range result.Table.Rows {
		for i := range record {
			record[i] = ""
			if i < len(row) {
				record[i] = formatCell(row[i])
			}
		}
		if err := out.Write(record); err != nil {
			return err
		}
	}
	out.Flush()
	return out.Error()
}

func formatCell(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(v)
	}
}

func writeJSON(w io.Writer, payload any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(payload)
}
