package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/spf13/cobra"
	"github.com/vvka-141/txloop/internal/config"
	"github.com/vvka-141/txloop/internal/db"
	"github.com/vvka-141/txloop/internal/logging"
	"github.com/vvka-141/txloop/internal/loop"
	"github.com/vvka-141/txloop/internal/metrics"
	"github.com/vvka-141/txloop/internal/txn/pgxtx"
	"github.com/vvka-141/txloop/pkg/txloop"
)

const (
	defaultExecTimeout = 5 * time.Minute

	// maxDescriptionLength bounds the note derived from the statement text.
	maxDescriptionLength = 80
)

type execFlagValues struct {
	file        string
	connection  string
	database    string
	configDir   string
	retries     int
	sleep       time.Duration
	longCommit  time.Duration
	timeout     time.Duration
	readOnly    bool
	dryRun      bool
	pushgateway string
}

var execFlags execFlagValues

var execCmd = &cobra.Command{
	Use:   "exec [sql]",
	Short: "Execute a SQL statement inside a retrying transaction",
	Long: `Execute a SQL statement (or the contents of --file) inside a serializable
transaction. Serialization failures and deadlocks are retried with a
randomized exponential backoff; any other error rolls back and fails.

Connection precedence: --connection, $TXLOOP_CONNECTION_STRING, $DATABASE_URL,
then the connection section of txloop.yaml. Loop flags override the loop
section of txloop.yaml.`,
	Example: `  txloop exec "UPDATE accounts SET balance = balance - 10 WHERE id = 1"
  txloop exec --file transfer.sql --retries 20 --sleep 50ms
  txloop exec --read-only "SELECT count(*) FROM accounts"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExec,
}

func init() {
	rootCmd.AddCommand(execCmd)

	execCmd.Flags().StringVarP(&execFlags.file, "file", "f", "", "Read the statement from a file")
	execCmd.Flags().StringVar(&execFlags.connection, "connection", "", "PostgreSQL connection string (URI or keyword/value format)")
	execCmd.Flags().StringVarP(&execFlags.database, "database", "d", "", "Database name, overrides the connection string")
	execCmd.Flags().StringVar(&execFlags.configDir, "config-dir", ".", "Directory containing txloop.yaml")
	execCmd.Flags().IntVar(&execFlags.retries, "retries", txloop.DefaultRetries, "Retries after a transient failure")
	execCmd.Flags().DurationVar(&execFlags.sleep, "sleep", txloop.DefaultSleep, "Base delay of the randomized exponential backoff")
	execCmd.Flags().DurationVar(&execFlags.longCommit, "long-commit", txloop.DefaultLongCommitDuration, "Warn about commits slower than this")
	execCmd.Flags().DurationVar(&execFlags.timeout, "timeout", defaultExecTimeout, "Overall timeout including retries")
	execCmd.Flags().BoolVar(&execFlags.readOnly, "read-only", false, "Run in a read-only transaction that is rolled back")
	execCmd.Flags().BoolVar(&execFlags.dryRun, "dry-run", false, "Execute the statement, then roll back instead of committing")
	execCmd.Flags().StringVar(&execFlags.pushgateway, "pushgateway", "", "Push loop metrics to this Prometheus Pushgateway URL")
}

// loopSettings are the resolved loop parameters for one exec run.
type loopSettings struct {
	retries        int
	sleep          time.Duration
	longCommit     time.Duration
	timeout        time.Duration
	sideEffectFree bool
}

func runExec(cmd *cobra.Command, args []string) error {
	verbose := getVerboseFlag(cmd)

	statement, err := readStatement(args, execFlags.file)
	if err != nil {
		return err
	}

	projectCfg, err := loadProjectConfig(execFlags.configDir)
	if err != nil {
		return err
	}

	settings := resolveLoopSettings(cmd, projectCfg)
	if settings.retries < 0 {
		return fmt.Errorf("%w: --retries must be non-negative, got %d", txloop.ErrInvalidConfig, settings.retries)
	}

	poolConfig, err := resolveConnection(execFlags.connection, execFlags.database, projectCfg)
	if err != nil {
		return err
	}

	logger := logging.NewConsoleLogger(verbose)
	logger.Verbose("Connecting to %s/%s", db.Address(&poolConfig.ConnConfig.Config), poolConfig.ConnConfig.Database)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, settings.timeout)
	defer cancel()

	pool, err := db.NewConnector(poolConfig, db.WithConnectLogger(logger)).Connect(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	reg := prometheus.NewRegistry()
	txm := newExecManager(pool, logger)

	l, err := newExecLoop(txm, statement, settings,
		loop.WithLogger(logger),
		loop.WithMetrics(metrics.New(reg)),
	)
	if err != nil {
		return err
	}

	tag, runErr := l.Run(ctx)

	if execFlags.pushgateway != "" {
		if err := pushMetrics(execFlags.pushgateway, reg); err != nil {
			logger.Warn("Failed to push metrics to %s: %v", execFlags.pushgateway, err)
		}
	}

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			fmt.Fprintln(os.Stderr, "\n[INTERRUPT] Execution cancelled")
		}
		return fmt.Errorf("exec failed: %w", runErr)
	}

	fmt.Fprintln(cmd.OutOrStdout(), tag.String())
	return nil
}

func newExecManager(pool pgxtx.Beginner, logger txloop.Logger) *pgxtx.Manager {
	opts := []pgxtx.Option{pgxtx.WithLogger(logger)}
	if execFlags.readOnly {
		opts = append(opts, pgxtx.WithReadOnly())
	}
	return pgxtx.NewManager(pool, opts...)
}

// newExecLoop builds a loop that runs statement in the manager's current transaction.
func newExecLoop(txm *pgxtx.Manager, statement string, settings loopSettings, opts ...loop.Option) (*loop.Loop[pgconn.CommandTag], error) {
	handler := func(ctx context.Context, _ ...any) (pgconn.CommandTag, error) {
		tx, err := txm.Current()
		if err != nil {
			return pgconn.CommandTag{}, err
		}
		return tx.Tx().Exec(ctx, statement)
	}

	opts = append([]loop.Option{
		loop.WithName("exec"),
		loop.WithRetries(settings.retries),
		loop.WithSleep(settings.sleep),
		loop.WithLongCommitDuration(settings.longCommit),
		loop.WithSideEffectFree(settings.sideEffectFree),
		loop.WithHooks[pgconn.CommandTag](statementHooks{
			description: describeStatement(statement),
			dryRun:      execFlags.dryRun,
		}),
	}, opts...)

	return loop.New(txm, handler, opts...)
}

// statementHooks notes the statement on each transaction and vetoes the
// commit of dry runs.
type statementHooks struct {
	txloop.NopHooks[pgconn.CommandTag]
	description string
	dryRun      bool
}

func (h statementHooks) DescribeTransaction(...any) string {
	return h.description
}

func (h statementHooks) ShouldVetoCommit(pgconn.CommandTag, ...any) bool {
	return h.dryRun
}

// describeStatement returns the first non-empty line of statement, truncated.
func describeStatement(statement string) string {
	for _, line := range strings.Split(statement, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		return truncate(line, maxDescriptionLength)
	}
	return ""
}

// truncate shortens s to at most max bytes, ending in "..." and cutting on
// a rune boundary so the result stays valid UTF-8.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - len("...")
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// readStatement returns the SQL from the argument or from --file, not both.
func readStatement(args []string, file string) (string, error) {
	switch {
	case len(args) == 1 && file != "":
		return "", fmt.Errorf("invalid argument: pass either a statement or --file, not both")
	case len(args) == 1:
		if strings.TrimSpace(args[0]) == "" {
			return "", fmt.Errorf("invalid argument: statement is empty")
		}
		return args[0], nil
	case file == "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read statement from stdin: %w", err)
		}
		return string(data), nil
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("failed to read statement file '%s': %w", file, err)
		}
		if strings.TrimSpace(string(data)) == "" {
			return "", fmt.Errorf("invalid argument: statement file '%s' is empty", file)
		}
		return string(data), nil
	default:
		return "", fmt.Errorf("missing required argument: a SQL statement or --file")
	}
}

// loadProjectConfig loads godotenv and project configuration.
// Returns nil config if txloop.yaml does not exist (not an error).
func loadProjectConfig(dir string) (*config.ProjectConfig, error) {
	_ = godotenv.Load()

	projectCfg, err := config.Load(dir)
	if err != nil {
		if errors.Is(err, config.ErrConfigNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load %s: %w", config.ConfigFileName, err)
	}
	return projectCfg, nil
}

// resolveLoopSettings prefers flags the user set, then txloop.yaml, then the flag defaults.
func resolveLoopSettings(cmd *cobra.Command, projectCfg *config.ProjectConfig) loopSettings {
	s := loopSettings{
		retries:        execFlags.retries,
		sleep:          execFlags.sleep,
		longCommit:     execFlags.longCommit,
		timeout:        execFlags.timeout,
		sideEffectFree: execFlags.readOnly,
	}
	if projectCfg == nil {
		return s
	}

	flags := cmd.Flags()
	if !flags.Changed("retries") {
		s.retries = projectCfg.Loop.RetryCount(s.retries)
	}
	if !flags.Changed("sleep") {
		s.sleep = projectCfg.Loop.SleepDuration(s.sleep)
	}
	if !flags.Changed("long-commit") {
		s.longCommit = projectCfg.Loop.LongCommit(s.longCommit)
	}
	if !flags.Changed("timeout") {
		s.timeout = projectCfg.TimeoutDuration(s.timeout)
	}
	if !flags.Changed("read-only") {
		s.sideEffectFree = s.sideEffectFree || projectCfg.Loop.SideEffectFree
	}
	return s
}

// connectionStringFromEnv returns the first non-empty connection string from
// TXLOOP_CONNECTION_STRING or DATABASE_URL environment variables.
func connectionStringFromEnv() string {
	if s := os.Getenv("TXLOOP_CONNECTION_STRING"); s != "" {
		return s
	}
	return os.Getenv("DATABASE_URL")
}

// resolveConnection picks the connection source by precedence: the flag,
// then the environment, then the project file's connection section.
// The -d/--database flag always takes precedence over the source's database.
func resolveConnection(connString, database string, projectCfg *config.ProjectConfig) (*pgxpool.Config, error) {
	if connString == "" {
		connString = connectionStringFromEnv()
	}
	if connString == "" && projectCfg != nil && projectCfg.Connection.Host != "" {
		connString = projectConnectionString(projectCfg.Connection)
	}
	if connString == "" {
		return nil, fmt.Errorf(`%w: no connection provided

Use one of:
  --connection "postgresql://user@host:5432/db"
  $TXLOOP_CONNECTION_STRING or $DATABASE_URL
  a connection section in %s`, txloop.ErrInvalidConfig, config.ConfigFileName)
	}
	return db.ParsePoolConfig(connString, database)
}

// projectConnectionString renders a project connection section as a
// keyword/value string. The password is never stored in the file; pgx reads
// PGPASSWORD or ~/.pgpass.
func projectConnectionString(c config.ConnectionConfig) string {
	settings := map[string]string{
		"host":             c.Host,
		"user":             c.Username,
		"dbname":           c.Database,
		"sslmode":          c.SSLMode,
		"sslcert":          c.SSLCert,
		"sslkey":           c.SSLKey,
		"sslrootcert":      c.SSLRootCert,
		"application_name": c.AppName,
	}
	if c.Port != 0 {
		settings["port"] = strconv.Itoa(c.Port)
	}
	return db.KeywordValue(settings)
}

func pushMetrics(url string, gatherer prometheus.Gatherer) error {
	return push.New(url, "txloop").Gatherer(gatherer).Push()
}
